package model

// AppError is the error payload shared by every stage of the generator. The
// same shape is used for fatal run errors and for per-item diagnostics
// (skipped descriptors, rejected rule lines, failed sources).
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	URL     string `json:"url,omitempty"`
	Line    int    `json:"line,omitempty"`    // 1-based; 0 means "not set"
	Snippet string `json:"snippet,omitempty"` // truncated to 200 chars
	Hint    string `json:"hint,omitempty"`
}

type ErrorResponse struct {
	Error AppError `json:"error"`
}

// TruncateSnippet strips line breaks and cuts s to at most max bytes.
func TruncateSnippet(s string, max int) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' || s[i] == '\n' {
			continue
		}
		out = append(out, s[i])
	}
	if max <= 0 {
		return ""
	}
	if len(out) <= max {
		return string(out)
	}
	return string(out[:max])
}
