// Package fetch reads rule sources and templates from http(s):// and file://
// URLs with bounded time and size.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/sirupsen/logrus"
)

type Kind int

const (
	KindRuleset Kind = iota
	KindTemplate
)

func (k Kind) stage() string {
	switch k {
	case KindRuleset:
		return "fetch_ruleset"
	case KindTemplate:
		return "fetch_template"
	default:
		// Unknown kind is a programmer error; still return something stable.
		return "fetch"
	}
}

func (k Kind) defaultMaxBytes() int64 {
	switch k {
	case KindRuleset:
		return 16 * 1024 * 1024
	case KindTemplate:
		return 2 * 1024 * 1024
	default:
		return 1 * 1024 * 1024
	}
}

const DefaultTimeout = 15 * time.Second

type Options struct {
	Timeout      time.Duration // default 15s
	MaxBytes     int64         // default per kind
	MaxRedirects int           // default 5
}

type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

// Fetcher is the fetch collaborator used by the ruleset ingestor.
type Fetcher interface {
	FetchText(ctx context.Context, kind Kind, rawURL string) (string, error)
}

// Client is the production Fetcher.
type Client struct {
	Options Options
}

func (c Client) FetchText(ctx context.Context, kind Kind, rawURL string) (string, error) {
	return FetchTextWithOptions(ctx, kind, rawURL, c.Options)
}

func FetchText(ctx context.Context, kind Kind, rawURL string) (string, error) {
	return FetchTextWithOptions(ctx, kind, rawURL, Options{})
}

// UserAgent is sent with every http(s) request.
const UserAgent = "clashgen-go"

// FetchTextWithOptions returns the UTF-8 text behind rawURL. file:// URLs are
// read from the local filesystem; http/https URLs are fetched with a bounded
// timeout, size and redirect count.
func FetchTextWithOptions(ctx context.Context, kind Kind, rawURL string, opt Options) (string, error) {
	stage := kind.stage()
	opt = opt.withDefaults(kind)
	if opt.MaxBytes <= 0 {
		return "", newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "响应大小上限必须大于 0", stage, rawURL, nil)
	}

	start := time.Now()
	var (
		text string
		err  error
	)
	if hasFileScheme(rawURL) {
		text, err = readLocalFile(stage, rawURL, opt.MaxBytes)
	} else {
		text, err = fetchHTTP(ctx, stage, rawURL, opt)
	}
	logrus.WithFields(logrus.Fields{
		"stage":    stage,
		"url":      rawURL,
		"bytes":    len(text),
		"duration": time.Since(start).Round(time.Millisecond).String(),
		"ok":       err == nil,
	}).Debug("fetch")
	return text, err
}

func (o Options) withDefaults(kind Kind) Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = 5
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = kind.defaultMaxBytes()
	}
	return o
}

func newFetchError(status int, code, message, stage, rawURL string, cause error) *FetchError {
	return &FetchError{
		Status: status,
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
			URL:     rawURL,
		},
		Cause: cause,
	}
}

func fetchHTTP(ctx context.Context, stage, rawURL string, opt Options) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "仅允许 http/https/file URL", stage, rawURL,
			errors.Join(errInvalidURLOrScheme, err))
	}

	client := &http.Client{
		Timeout: opt.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// via holds the previous requests of the chain.
			if len(via) > opt.MaxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "请求 URL 不合法", stage, rawURL, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, errTooManyRedirects):
			return "", newFetchError(http.StatusBadGateway, "FETCH_FAILED",
				fmt.Sprintf("重定向次数超过上限（>%d）", opt.MaxRedirects), stage, rawURL, err)
		case errors.Is(err, errRedirectBadScheme):
			return "", newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "重定向目标仅允许 http/https", stage, rawURL, err)
		case isTimeout(err):
			return "", timeoutError(stage, rawURL, err)
		default:
			return "", newFetchError(http.StatusBadGateway, "FETCH_FAILED", "拉取远程资源失败", stage, rawURL, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newFetchError(http.StatusBadGateway, "FETCH_FAILED",
			fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode), stage, rawURL, nil)
	}

	// One byte over the cap is enough to detect overflow.
	body, err := io.ReadAll(io.LimitReader(resp.Body, opt.MaxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return "", timeoutError(stage, rawURL, err)
		}
		return "", newFetchError(http.StatusBadGateway, "FETCH_FAILED", "读取上游响应失败", stage, rawURL, err)
	}
	return checkBody(stage, rawURL, body, opt.MaxBytes)
}

func hasFileScheme(rawURL string) bool {
	return len(rawURL) >= 7 && strings.EqualFold(rawURL[:7], "file://")
}

// LocalPath converts a file:// URL into a filesystem path. Percent-escapes are
// decoded; on Windows the slash in front of the drive letter is dropped.
func LocalPath(rawURL string) string {
	p := rawURL[len("file://"):]
	if strings.HasPrefix(p, "//") {
		// file:////server/share style: keep a single leading slash.
		p = p[1:]
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		logrus.WithField("url", rawURL).Warnf("malformed file URL, using raw path: %v", err)
		decoded = p
	}
	if runtime.GOOS == "windows" && strings.HasPrefix(decoded, "/") {
		decoded = decoded[1:]
	}
	return decoded
}

func readLocalFile(stage, rawURL string, maxBytes int64) (string, error) {
	path := LocalPath(rawURL)
	localError := func(status int, code, message string, err error) error {
		fe := newFetchError(status, code, message, stage, rawURL, err)
		fe.AppError.Snippet = path
		return fe
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", localError(http.StatusNotFound, "FETCH_NOT_FOUND", "本地文件不存在", err)
	}
	if err != nil {
		return "", localError(http.StatusBadGateway, "FETCH_FAILED", "读取本地文件失败", err)
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return "", localError(http.StatusBadGateway, "FETCH_FAILED", "读取本地文件失败", err)
	}
	return checkBody(stage, rawURL, body, maxBytes)
}

// checkBody enforces the size cap and UTF-8. A leading BOM is dropped.
func checkBody(stage, rawURL string, body []byte, maxBytes int64) (string, error) {
	if int64(len(body)) > maxBytes {
		return "", newFetchError(http.StatusUnprocessableEntity, "TOO_LARGE",
			fmt.Sprintf("资源过大（>%d bytes）", maxBytes), stage, rawURL, nil)
	}
	if !utf8.Valid(body) {
		return "", newFetchError(http.StatusUnprocessableEntity, "FETCH_INVALID_UTF8", "资源不是合法 UTF-8 文本", stage, rawURL, nil)
	}
	return strings.TrimPrefix(string(body), "\ufeff"), nil
}

func isTimeout(err error) bool {
	// Go may wrap errors (e.g. *url.Error).
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func timeoutError(stage, rawURL string, err error) error {
	return newFetchError(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", stage, rawURL, err)
}
