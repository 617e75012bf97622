package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/John-Robertt/clashgen-go/internal/model"
)

// metricsStore holds a few counters: requests, returned errors, generation
// outcomes and the diagnostics those generations produced.
type metricsStore struct {
	mu sync.Mutex

	httpRequestsTotal uint64
	httpByPattern     map[reqKey]uint64

	appErrors   map[errKey]uint64
	diagnostics map[errKey]uint64

	generateOK     uint64
	generateFailed uint64
}

type reqKey struct {
	Pattern string
	Status  int
}

type errKey struct {
	Stage string
	Code  string
}

func newMetricsStore() *metricsStore {
	return &metricsStore{
		httpByPattern: make(map[reqKey]uint64),
		appErrors:     make(map[errKey]uint64),
		diagnostics:   make(map[errKey]uint64),
	}
}

var metrics = newMetricsStore()

func metricsIncRequest(pattern string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.httpRequestsTotal++
	metrics.httpByPattern[reqKey{Pattern: pattern, Status: status}]++
	metrics.mu.Unlock()
}

func newErrKey(stage, code string) errKey {
	stage = strings.TrimSpace(stage)
	code = strings.TrimSpace(code)
	if stage == "" {
		stage = "(unknown)"
	}
	if code == "" {
		code = "(unknown)"
	}
	return errKey{Stage: stage, Code: code}
}

func metricsIncAppError(stage, code string) {
	k := newErrKey(stage, code)
	metrics.mu.Lock()
	metrics.appErrors[k]++
	metrics.mu.Unlock()
}

func metricsIncGenerate(ok bool, diags []model.AppError) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if !ok {
		metrics.generateFailed++
		return
	}
	metrics.generateOK++
	for _, d := range diags {
		metrics.diagnostics[newErrKey(d.Stage, d.Code)]++
	}
}

type reqMetric struct {
	reqKey
	N uint64
}

type errMetric struct {
	errKey
	N uint64
}

type snapshot struct {
	httpTotal      uint64
	reqs           []reqMetric
	errs           []errMetric
	diags          []errMetric
	generateOK     uint64
	generateFailed uint64
}

func sortedErrs(m map[errKey]uint64) []errMetric {
	out := make([]errMetric, 0, len(m))
	for k, n := range m {
		out = append(out, errMetric{errKey: k, N: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Code < out[j].Code
	})
	return out
}

func metricsSnapshot() snapshot {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	reqs := make([]reqMetric, 0, len(metrics.httpByPattern))
	for k, n := range metrics.httpByPattern {
		reqs = append(reqs, reqMetric{reqKey: k, N: n})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Pattern != reqs[j].Pattern {
			return reqs[i].Pattern < reqs[j].Pattern
		}
		return reqs[i].Status < reqs[j].Status
	})
	return snapshot{
		httpTotal:      metrics.httpRequestsTotal,
		reqs:           reqs,
		errs:           sortedErrs(metrics.appErrors),
		diags:          sortedErrs(metrics.diagnostics),
		generateOK:     metrics.generateOK,
		generateFailed: metrics.generateFailed,
	}
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	// Plain text (Prometheus-ish).
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	s := metricsSnapshot()

	var b strings.Builder

	b.WriteString("# HELP clashgen_http_requests_total Total HTTP requests.\n")
	b.WriteString("# TYPE clashgen_http_requests_total counter\n")
	b.WriteString("clashgen_http_requests_total ")
	b.WriteString(strconv.FormatUint(s.httpTotal, 10))
	b.WriteByte('\n')

	b.WriteString("# HELP clashgen_http_requests_by_pattern_total HTTP requests by ServeMux pattern and status.\n")
	b.WriteString("# TYPE clashgen_http_requests_by_pattern_total counter\n")
	for _, m := range s.reqs {
		b.WriteString("clashgen_http_requests_by_pattern_total{pattern=\"")
		b.WriteString(promLabelEscape(m.Pattern))
		b.WriteString("\",status=\"")
		b.WriteString(strconv.Itoa(m.Status))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	b.WriteString("# HELP clashgen_generate_runs_total Generation runs by result.\n")
	b.WriteString("# TYPE clashgen_generate_runs_total counter\n")
	b.WriteString("clashgen_generate_runs_total{result=\"ok\"} ")
	b.WriteString(strconv.FormatUint(s.generateOK, 10))
	b.WriteByte('\n')
	b.WriteString("clashgen_generate_runs_total{result=\"error\"} ")
	b.WriteString(strconv.FormatUint(s.generateFailed, 10))
	b.WriteByte('\n')

	writeErrCounters(&b, "clashgen_app_errors_total", "Application errors returned to clients.", s.errs)
	writeErrCounters(&b, "clashgen_generate_diagnostics_total", "Skipped items reported by successful runs.", s.diags)

	_, _ = fmt.Fprint(w, b.String())
}

func writeErrCounters(b *strings.Builder, name, help string, ms []errMetric) {
	b.WriteString("# HELP " + name + " " + help + "\n")
	b.WriteString("# TYPE " + name + " counter\n")
	for _, m := range ms {
		b.WriteString(name)
		b.WriteString("{stage=\"")
		b.WriteString(promLabelEscape(m.Stage))
		b.WriteString("\",code=\"")
		b.WriteString(promLabelEscape(m.Code))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}
}

func promLabelEscape(s string) string {
	// Prometheus label value escaping: backslash and double quote.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
