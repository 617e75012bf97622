package v2rayn

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/John-Robertt/clashgen-go/internal/sub/ss"
)

const stageList = "parse_proxy_list"

// MapAll maps a descriptor store. The store is either a JSON array of
// descriptor objects or line-delimited entries, where each non-blank line is
// a JSON object, a vmess:// link or an ss:// link.
//
// Entries that fail to parse or map are skipped and reported in the returned
// diagnostics; surviving proxies keep input order. MapAll never fails.
func MapAll(text string) ([]model.Proxy, []model.AppError) {
	var b batch

	text = strings.TrimPrefix(text, "\ufeff")
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &elems); err == nil {
			for i, raw := range elems {
				d, err := decodeObject(raw)
				if err != nil {
					b.reject(i+1, jsonError(string(raw), err))
					continue
				}
				b.add(i+1, d, "")
			}
			return b.proxies, b.diags
		}
	}

	for i, line := range strings.Split(text, "\n") {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		lineNo := i + 1

		switch {
		case strings.HasPrefix(s, "vmess://"):
			d, err := decodeVMessLink(s)
			if err != nil {
				b.reject(lineNo, model.AppError{
					Code:    "PROXY_URI_PARSE_ERROR",
					Message: "vmess 链接解码失败",
					Stage:   stageList,
					Snippet: model.TruncateSnippet(s, 200),
				})
				continue
			}
			b.add(lineNo, d, model.FamilyVMess)
		case strings.HasPrefix(s, "ss://"):
			d, err := ss.DecodeURI("", lineNo, s)
			if err != nil {
				var pe *ss.ParseError
				if errors.As(err, &pe) {
					b.reject(lineNo, pe.AppError)
				} else {
					b.reject(lineNo, jsonError(s, err))
				}
				continue
			}
			b.add(lineNo, d, model.FamilyShadowsocks)
		case strings.Contains(s, "://") && !strings.HasPrefix(s, "{"):
			b.reject(lineNo, model.AppError{
				Code:    "PROXY_UNSUPPORTED_SCHEME",
				Message: "不支持的节点链接协议",
				Stage:   stageList,
				Snippet: model.TruncateSnippet(s, 200),
				Hint:    "supported: vmess:// ss:// or a JSON object",
			})
		default:
			d, err := decodeObject([]byte(s))
			if err != nil {
				b.reject(lineNo, jsonError(s, err))
				continue
			}
			b.add(lineNo, d, "")
		}
	}
	return b.proxies, b.diags
}

type batch struct {
	proxies []model.Proxy
	diags   []model.AppError
}

func (b *batch) add(line int, d descriptor, hint model.Family) {
	p, err := mapDescriptor(d, hint)
	if err != nil {
		b.reject(line, err.AppError)
		return
	}
	b.proxies = append(b.proxies, p)
}

func (b *batch) reject(line int, e model.AppError) {
	e.Line = line
	logRejection(e)
	b.diags = append(b.diags, e)
}

func jsonError(snippet string, err error) model.AppError {
	return model.AppError{
		Code:    "PROXY_JSON_INVALID",
		Message: "节点描述不是合法的 JSON 对象",
		Stage:   stageList,
		Snippet: model.TruncateSnippet(snippet, 200),
		Hint:    err.Error(),
	}
}

var errNotObject = errors.New("descriptor is not a JSON object")

func decodeObject(raw []byte) (descriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errNotObject
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	return descriptor(m), nil
}

func decodeVMessLink(s string) (descriptor, error) {
	body := strings.TrimPrefix(s, "vmess://")
	if i := strings.IndexByte(body, '#'); i >= 0 {
		body = body[:i]
	}
	raw, err := decodeB64(strings.TrimSpace(body))
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

func decodeB64(s string) ([]byte, error) {
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
