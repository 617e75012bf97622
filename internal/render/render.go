// Package render serializes assembled output.
package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/John-Robertt/clashgen-go/internal/compiler"
	"github.com/John-Robertt/clashgen-go/internal/model"
	"gopkg.in/yaml.v3"
)

type RenderError struct {
	AppError model.AppError
	Cause    error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// ClashYAML encodes the assembled document with two-space indentation.
// Template key order is preserved.
func ClashYAML(out *compiler.Output) ([]byte, error) {
	if out == nil || out.Doc == nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "render input 不能为空",
				Stage:   "render",
			},
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(out.Doc.Node()); err != nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "RENDER_ERROR",
				Message: "配置序列化失败",
				Stage:   "render",
			},
			Cause: err,
		}
	}
	if err := enc.Close(); err != nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "RENDER_ERROR",
				Message: "配置序列化失败",
				Stage:   "render",
			},
			Cause: err,
		}
	}
	return buf.Bytes(), nil
}

// RulesText is the rules-only output: one rule per line, no trailing newline.
func RulesText(rules []model.Rule) string {
	lines := make([]string, len(rules))
	for i, r := range rules {
		lines[i] = r.String()
	}
	return strings.Join(lines, "\n")
}
