package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/John-Robertt/clashgen-go/internal/generate"
	"github.com/John-Robertt/clashgen-go/internal/model"
)

func TestWriteError_EnvelopeAndCounter(t *testing.T) {
	metrics = newMetricsStore()

	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusUnprocessableEntity, model.AppError{
		Code:    "TEMPLATE_INVALID",
		Message: "proxy-groups 必须是列表",
		Stage:   "load_template",
		URL:     "/etc/clashgen/base.yaml",
		Line:    12,
	})

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, want=%d", rr.Code, http.StatusUnprocessableEntity)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type=%q", got)
	}
	e := decodeError(t, rr)
	if e.Code != "TEMPLATE_INVALID" || e.Stage != "load_template" || e.Line != 12 {
		t.Fatalf("error=%+v", e)
	}

	s := metricsSnapshot()
	if len(s.errs) != 1 || s.errs[0].Code != "TEMPLATE_INVALID" || s.errs[0].N != 1 {
		t.Fatalf("app error counters=%+v", s.errs)
	}
}

func TestWriteJSON_Report(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusOK, map[string]int{"proxies": 3})

	var got map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	if got["proxies"] != 3 {
		t.Fatalf("proxies=%d, want=3", got["proxies"])
	}
}

func TestWriteErrorFromErr_Fallback(t *testing.T) {
	rr := httptest.NewRecorder()
	writeErrorFromErr(rr, errString("boom"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want=500", rr.Code)
	}
	if e := decodeError(t, rr); e.Code != "INTERNAL_ERROR" || e.Hint != "boom" {
		t.Fatalf("error=%+v", e)
	}
}

func TestWriteErrorFromErr_RunErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"timeout", &generate.RunError{AppError: model.AppError{Code: "GENERATE_TIMEOUT", Stage: "ingest"}, Cause: context.DeadlineExceeded}, http.StatusGatewayTimeout, "GENERATE_TIMEOUT"},
		{"canceled", &generate.RunError{AppError: model.AppError{Code: "GENERATE_CANCELED", Stage: "ingest"}, Cause: context.Canceled}, http.StatusServiceUnavailable, "GENERATE_CANCELED"},
		{"write", &generate.RunError{AppError: model.AppError{Code: "OUTPUT_WRITE_ERROR", Stage: "write_output"}}, http.StatusInternalServerError, "OUTPUT_WRITE_ERROR"},
		{"input", &generate.RunError{AppError: model.AppError{Code: "SOURCES_INVALID", Stage: "load_sources"}}, http.StatusUnprocessableEntity, "SOURCES_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeErrorFromErr(rr, tt.err)
			if rr.Code != tt.want {
				t.Fatalf("status=%d, want=%d", rr.Code, tt.want)
			}
			if e := decodeError(t, rr); e.Code != tt.code {
				t.Fatalf("code=%q, want=%q", e.Code, tt.code)
			}
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }
