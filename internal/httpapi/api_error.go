package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/John-Robertt/clashgen-go/internal/compiler"
	"github.com/John-Robertt/clashgen-go/internal/fetch"
	"github.com/John-Robertt/clashgen-go/internal/generate"
	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/John-Robertt/clashgen-go/internal/render"
	"github.com/John-Robertt/clashgen-go/internal/template"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

func writeErrorFromErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var ae *APIError
	if errors.As(err, &ae) {
		WriteError(w, ae.Status, ae.AppError)
		return
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		WriteError(w, fe.Status, fe.AppError)
		return
	}

	// Broken inputs are user content errors => 422; an unwritable output dir is ours.
	var ge *generate.RunError
	if errors.As(err, &ge) {
		status := http.StatusUnprocessableEntity
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, context.Canceled):
			status = http.StatusServiceUnavailable
		case ge.AppError.Stage == "write_output":
			status = http.StatusInternalServerError
		}
		WriteError(w, status, ge.AppError)
		return
	}

	var te *template.TemplateError
	if errors.As(err, &te) {
		WriteError(w, http.StatusUnprocessableEntity, te.AppError)
		return
	}

	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		WriteError(w, http.StatusUnprocessableEntity, ce.AppError)
		return
	}

	var re *render.RenderError
	if errors.As(err, &re) {
		WriteError(w, http.StatusUnprocessableEntity, re.AppError)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		WriteError(w, http.StatusGatewayTimeout, model.AppError{
			Code:    "GENERATE_TIMEOUT",
			Message: "生成超时",
			Stage:   "generate",
		})
		return
	}

	// Fallback: internal bug.
	WriteError(w, http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	})
}
