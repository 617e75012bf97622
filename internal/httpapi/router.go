package httpapi

import (
	"net/http"
	"sync"
)

func NewMux(opt Options) *http.ServeMux {
	s := &server{opt: opt.withDefaults()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /metrics", handleMetrics)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("GET /proxy-config", s.handleOutput(outputConfig))
	mux.HandleFunc("GET /rules", s.handleOutput(outputRules))
	return mux
}

type server struct {
	opt Options

	// runs serializes generations; they share one output directory.
	runs sync.Mutex
}
