package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/clashgen-go/internal/config"
	"github.com/John-Robertt/clashgen-go/internal/generate"
)

func TestDeriveHealthzURL_FromListenAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:25500", "http://127.0.0.1:25500/healthz"},
		{"0.0.0.0:25500", "http://127.0.0.1:25500/healthz"},
		{":25500", "http://127.0.0.1:25500/healthz"},
		{"25500", "http://127.0.0.1:25500/healthz"},
		{"http://127.0.0.1:25500", "http://127.0.0.1:25500/healthz"},
	}
	for _, tt := range tests {
		got, err := deriveHealthzURL(tt.in)
		if err != nil {
			t.Fatalf("deriveHealthzURL(%q) unexpected err: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("deriveHealthzURL(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunHealthcheck_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer ts.Close()

	if err := runHealthcheck(ts.URL+"/healthz", 200*time.Millisecond); err != nil {
		t.Fatalf("runHealthcheck unexpected err: %v", err)
	}
}

func TestRunHealthcheck_StatusNotOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := runHealthcheck(ts.URL, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("err=%q, want contains %q", err.Error(), "unexpected status")
	}
}

func TestDeriveHealthzURL_Invalid(t *testing.T) {
	for _, in := range []string{"", "http://", "a:b:c"} {
		if _, err := deriveHealthzURL(in); err == nil {
			t.Fatalf("deriveHealthzURL(%q) expected error", in)
		}
	}
}

func TestRun_HelpAndUsageErrors(t *testing.T) {
	var out, errOut strings.Builder
	if code := run(context.Background(), []string{"-h"}, nil, &out, &errOut); code != 0 {
		t.Fatalf("help exit=%d, want 0", code)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Fatalf("help output=%q", out.String())
	}

	errOut.Reset()
	if code := run(context.Background(), []string{"deploy"}, nil, &out, &errOut); code != 2 {
		t.Fatalf("unknown command exit=%d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}

func TestRun_GenerateWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	servers := filepath.Join(dir, "servers.json")
	if err := os.WriteFile(servers, []byte(`{"ps":"T","add":"t.example","port":"443","password":"pw","type":"trojan"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "out")

	var out, errOut strings.Builder
	args := []string{"generate", "-servers", servers, "-rule-sources", filepath.Join(dir, "missing.json"), "-output-dir", outDir, "-log-level", "error"}
	if code := run(context.Background(), args, nil, &out, &errOut); code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"proxies": 1`) {
		t.Fatalf("report=%s", out.String())
	}
	cfg, err := os.ReadFile(filepath.Join(outDir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(cfg), "type: trojan") || !strings.Contains(string(cfg), "MATCH,Proxy") {
		t.Fatalf("config:\n%s", cfg)
	}
}

func TestServeOptions_LoadsTemplateOnce(t *testing.T) {
	dir := t.TempDir()
	tpl := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(tpl, []byte("mixed-port: 7891\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Parse([]string{"serve", "-template", tpl, "-rule-sources", filepath.Join(dir, "missing.json"), "-servers", filepath.Join(dir, "missing-servers.json"), "-output-dir", filepath.Join(dir, "out")}, nil)
	if err != nil {
		t.Fatal(err)
	}

	opt, err := serveOptions(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Generate.BaseTemplate == nil || opt.Generate.BaseTemplate.Source != tpl {
		t.Fatalf("base template=%+v, want loaded from %s", opt.Generate.BaseTemplate, tpl)
	}

	if err := os.Remove(tpl); err != nil {
		t.Fatal(err)
	}
	if _, err := generate.Run(context.Background(), opt.Paths, opt.Generate); err != nil {
		t.Fatalf("run after template removal: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "out", "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "mixed-port: 7891") {
		t.Fatalf("config:\n%s", b)
	}
}

func TestServeOptions_BadTemplate(t *testing.T) {
	cfg, err := config.Parse([]string{"serve", "-template", filepath.Join(t.TempDir(), "missing.yaml")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := serveOptions(context.Background(), cfg); err == nil {
		t.Fatalf("expected error")
	}
}
