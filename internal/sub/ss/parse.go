// Package ss decodes ss:// share links into descriptors for the V2RayN
// mapper.
package ss

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/clashgen-go/internal/model"
)

const stage = "parse_proxy_list"

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// line is the position of one link in its store, used for errors.
type line struct {
	source string
	no     int
	text   string
}

func (l line) fail(message, hint string, cause error) error {
	return l.failCode("PROXY_URI_PARSE_ERROR", message, hint, cause)
}

func (l line) failCode(code, message, hint string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
			URL:     l.source,
			Line:    l.no,
			Snippet: model.TruncateSnippet(l.text, 200),
			Hint:    hint,
		},
		Cause: cause,
	}
}

// DecodeURI converts one ss:// share link (SIP002 or the legacy all-base64
// form) into a V2RayN-style descriptor ({"type":"ss","add":...,"method":...})
// so it goes through the same mapper as JSON descriptors.
func DecodeURI(sourceURL string, lineNo int, text string) (map[string]any, error) {
	l := line{source: sourceURL, no: lineNo, text: strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))}
	if !strings.HasPrefix(l.text, "ss://") {
		return nil, l.failCode("PROXY_UNSUPPORTED_SCHEME", "仅支持 ss:// 协议", "expected: ss://...", nil)
	}

	rest, frag, _ := strings.Cut(strings.TrimPrefix(l.text, "ss://"), "#")
	name, err := url.PathUnescape(frag)
	if err != nil {
		return nil, l.fail("节点名称 URL 解码失败", "", err)
	}
	name = strings.TrimSpace(name)
	if strings.ContainsAny(name, "\r\n\x00") {
		return nil, l.fail("节点名称包含非法控制字符", `forbidden: \r \n \0`, nil)
	}

	rest, query, _ := strings.Cut(rest, "?")
	if rest == "" {
		return nil, l.fail("ss:// 后缺少内容", "", nil)
	}
	plugin, err := l.plugin(query)
	if err != nil {
		return nil, err
	}

	var cred, hostPort string
	if userB64, host, ok := strings.Cut(rest, "@"); ok {
		// SIP002: <b64(method:password)>@host:port[/]
		if userB64 == "" || host == "" {
			return nil, l.fail("ss uri 格式不合法", "", nil)
		}
		if i := strings.IndexByte(host, '/'); i >= 0 {
			if host[i:] != "/" {
				return nil, l.fail("ss uri path 不支持（仅允许空或 /）", "", nil)
			}
			host = host[:i]
		}
		if cred, err = decodeB64(userB64); err != nil {
			return nil, l.fail("ss userinfo base64 解码失败", "", err)
		}
		hostPort = host
	} else {
		// Legacy: <b64(method:password@host:port)>
		decoded, err := decodeB64(rest)
		if err != nil {
			return nil, l.fail("ss base64 解码失败", "", err)
		}
		at := strings.LastIndex(decoded, "@")
		if at < 0 {
			return nil, l.fail("ss base64 解码结果缺少 @ 分隔符", "", nil)
		}
		cred, hostPort = decoded[:at], decoded[at+1:]
	}

	method, password, err := splitCredentials(cred)
	if err != nil {
		return nil, l.fail("cipher 或 password 不合法", "expected: method:password", err)
	}
	server, port, err := parseHostPort(hostPort)
	if err != nil {
		return nil, l.fail("服务器地址或端口不合法", "", err)
	}

	d := map[string]any{
		"type":     "ss",
		"ps":       name,
		"add":      server,
		"port":     strconv.Itoa(port),
		"method":   method,
		"password": password,
	}
	for k, v := range plugin {
		d[k] = v
	}
	return d, nil
}

// plugin reads the SIP002 query. Only "plugin" is accepted; its value is
// "name;k=v;..." and maps onto the descriptor keys plugin, obfs and
// obfs-host. Other plugin options are dropped.
func (l line) plugin(query string) (map[string]string, error) {
	var value *string
	// url.ParseQuery would reject the raw ';' inside the plugin value.
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		kRaw, vRaw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, l.fail("query 参数必须是 key=value 形式", "", nil)
		}
		k, err := url.PathUnescape(kRaw)
		if err != nil {
			return nil, l.fail("query 参数解码失败", "", err)
		}
		v, err := url.PathUnescape(vRaw)
		if err != nil {
			return nil, l.fail("query 参数解码失败", "", err)
		}
		if k != "plugin" {
			return nil, l.fail("出现未知 query 参数（仅支持 plugin）", "only allow: plugin", nil)
		}
		if value != nil {
			return nil, l.fail("重复的 plugin 参数", "", nil)
		}
		value = &v
	}
	if value == nil {
		return nil, nil
	}

	segs := strings.Split(*value, ";")
	name := strings.TrimSpace(segs[0])
	if name == "" {
		return nil, l.fail("plugin 名称不能为空", "", nil)
	}
	out := map[string]string{"plugin": name}
	for _, seg := range segs[1:] {
		if seg == "" {
			continue
		}
		k, v, ok := strings.Cut(seg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, l.fail("plugin 选项必须是 k=v 形式", "", nil)
		}
		switch k = strings.TrimSpace(k); k {
		case "obfs", "obfs-host":
			out[k] = strings.TrimSpace(v)
		}
	}
	return out, nil
}

func splitCredentials(s string) (method, password string, err error) {
	if !utf8.ValidString(s) {
		return "", "", errors.New("not valid utf-8")
	}
	method, password, ok := strings.Cut(s, ":")
	method, password = strings.TrimSpace(method), strings.TrimSpace(password)
	switch {
	case !ok:
		return "", "", errors.New("missing ':'")
	case method == "" || password == "":
		return "", "", errors.New("empty method or password")
	case strings.ContainsAny(method+password, "\r\n\x00"):
		return "", "", errors.New("control chars in method/password")
	}
	return method, password, nil
}

func parseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	if host = strings.TrimSpace(host); host == "" {
		return "", 0, errors.New("empty host")
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return "", 0, err
	}
	if port < 1 || port > 65535 {
		return "", 0, errors.New("port out of range")
	}
	return host, port, nil
}

// decodeB64 accepts padded and raw forms of both alphabets.
func decodeB64(s string) (string, error) {
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return string(b), nil
		}
		lastErr = err
	}
	return "", lastErr
}
