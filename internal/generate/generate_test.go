package generate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/clashgen-go/internal/template"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type fixture struct {
	paths Paths
	srv   *httptest.Server
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/x.txt":
			_, _ = w.Write([]byte("DOMAIN-SUFFIX,x.com\n"))
		case "/dup.txt":
			_, _ = w.Write([]byte("x.com\nads.example\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	paths := Paths{
		Servers:     filepath.Join(dir, "servers.json"),
		RuleSources: filepath.Join(dir, "rule-sources.json"),
		OutputDir:   filepath.Join(dir, "out"),
	}
	writeFile(t, paths.Servers, strings.Join([]string{
		`{"ps":"A","add":"1.2.3.4","port":"443","id":"uuid-1","aid":"0","net":"ws","tls":"tls","host":"h.com","path":"/p"}`,
		`not json`,
	}, "\n"))
	writeFile(t, paths.RuleSources, `[
		{"id":"1","name":"x","url":"`+srv.URL+`/x.txt","ruleType":"DOMAIN-SUFFIX","targetPolicy":"Proxy","enabled":true},
		{"id":"2","name":"dup","url":"`+srv.URL+`/dup.txt","ruleType":"DOMAIN-SUFFIX","targetPolicy":"Proxy","enabled":true},
		{"id":"3","name":"off","url":"`+srv.URL+`/x.txt","ruleType":"DOMAIN","targetPolicy":"Reject","enabled":false}
	]`)
	return fixture{paths: paths, srv: srv}
}

func TestRun_EndToEnd(t *testing.T) {
	fx := newFixture(t)
	rep, err := Run(context.Background(), fx.paths, Options{FetchTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Proxies != 1 || rep.Rules != 2 {
		t.Fatalf("report=%+v, want 1 proxy / 2 rules", rep)
	}
	if len(rep.Diagnostics) != 1 || rep.Diagnostics[0].Code != "PROXY_JSON_INVALID" || rep.Diagnostics[0].URL != fx.paths.Servers {
		t.Fatalf("diagnostics=%+v", rep.Diagnostics)
	}

	rulesText, err := os.ReadFile(rep.RulesPath)
	if err != nil {
		t.Fatalf("read rules: %v", err)
	}
	if want := "DOMAIN-SUFFIX,x.com,Proxy\nDOMAIN-SUFFIX,ads.example,Proxy"; string(rulesText) != want {
		t.Fatalf("rules=%q, want=%q", rulesText, want)
	}

	b, err := os.ReadFile(rep.ConfigPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg struct {
		Port    int `yaml:"port"`
		Proxies []struct {
			Name   string `yaml:"name"`
			Type   string `yaml:"type"`
			WSOpts struct {
				Path string `yaml:"path"`
			} `yaml:"ws-opts"`
		} `yaml:"proxies"`
		Groups []struct {
			Name    string   `yaml:"name"`
			Proxies []string `yaml:"proxies"`
		} `yaml:"proxy-groups"`
		Rules []string `yaml:"rules"`
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		t.Fatalf("config is not valid yaml: %v", err)
	}
	if cfg.Port != 7890 {
		t.Fatalf("port=%d, want=7890", cfg.Port)
	}
	if len(cfg.Proxies) != 1 || cfg.Proxies[0].Name != "A" || cfg.Proxies[0].Type != "vmess" || cfg.Proxies[0].WSOpts.Path != "/p" {
		t.Fatalf("proxies=%+v", cfg.Proxies)
	}
	if len(cfg.Groups) != 3 || cfg.Groups[0].Name != "Proxy" || !reflect.DeepEqual(cfg.Groups[0].Proxies, []string{"A", "DIRECT"}) {
		t.Fatalf("groups=%+v", cfg.Groups)
	}
	if want := []string{"DOMAIN-SUFFIX,x.com,Proxy", "DOMAIN-SUFFIX,ads.example,Proxy", "MATCH,Proxy"}; !reflect.DeepEqual(cfg.Rules, want) {
		t.Fatalf("rules=%v, want=%v", cfg.Rules, want)
	}
}

func TestRun_BadTemplateKeepsPreviousOutput(t *testing.T) {
	fx := newFixture(t)
	if err := os.MkdirAll(fx.paths.OutputDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	prev := filepath.Join(fx.paths.OutputDir, ConfigFileName)
	writeFile(t, prev, "previous: true\n")

	fx.paths.Template = filepath.Join(t.TempDir(), "base.yaml")
	writeFile(t, fx.paths.Template, "- not\n- a mapping\n")

	_, err := Run(context.Background(), fx.paths, Options{})
	var te *template.TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected *template.TemplateError, got %T: %v", err, err)
	}
	b, _ := os.ReadFile(prev)
	if string(b) != "previous: true\n" {
		t.Fatalf("previous output was touched: %q", b)
	}
	if _, err := os.Stat(filepath.Join(fx.paths.OutputDir, RulesFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("rules file should not be written on failure: %v", err)
	}
}

func TestRun_CanceledKeepsPreviousOutput(t *testing.T) {
	fx := newFixture(t)
	rep, err := Run(context.Background(), fx.paths, Options{FetchTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	prevConfig, _ := os.ReadFile(rep.ConfigPath)
	prevRules, _ := os.ReadFile(rep.RulesPath)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, fx.paths, Options{FetchTimeout: 5 * time.Second})
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RunError, got %T: %v", err, err)
	}
	if re.AppError.Code != "GENERATE_CANCELED" || re.AppError.Stage != "ingest" {
		t.Fatalf("code/stage=%q/%q, want GENERATE_CANCELED/ingest", re.AppError.Code, re.AppError.Stage)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want wrapping context.Canceled", err)
	}
	if _, err := RunRulesOnly(ctx, fx.paths, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("rules-only err=%v, want wrapping context.Canceled", err)
	}

	if b, _ := os.ReadFile(rep.ConfigPath); string(b) != string(prevConfig) {
		t.Fatalf("config was overwritten:\n%s", b)
	}
	if b, _ := os.ReadFile(rep.RulesPath); string(b) != string(prevRules) {
		t.Fatalf("rules were overwritten: %q", b)
	}
}

func TestRun_DeadlineExceeded(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := Run(ctx, fx.paths, Options{})
	var re *RunError
	if !errors.As(err, &re) || re.AppError.Code != "GENERATE_TIMEOUT" {
		t.Fatalf("err=%v, want GENERATE_TIMEOUT", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want wrapping context.DeadlineExceeded", err)
	}
	if _, err := os.Stat(filepath.Join(fx.paths.OutputDir, ConfigFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("config written despite timeout: %v", err)
	}
}

func TestRun_UsesBaseTemplate(t *testing.T) {
	fx := newFixture(t)
	fx.paths.Template = filepath.Join(t.TempDir(), "gone.yaml")
	base, err := template.Parse("mixed-port: 7891\n", "memory")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		rep, err := Run(context.Background(), fx.paths, Options{FetchTimeout: 5 * time.Second, BaseTemplate: base})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		b, _ := os.ReadFile(rep.ConfigPath)
		if !strings.Contains(string(b), "mixed-port: 7891") {
			t.Fatalf("run %d config:\n%s", i, b)
		}
	}
	if names := base.ProxyNames(); len(names) != 0 {
		t.Fatalf("base template mutated: proxies=%v", names)
	}
}

func TestRun_MissingTemplateFile(t *testing.T) {
	fx := newFixture(t)
	fx.paths.Template = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Run(context.Background(), fx.paths, Options{})
	var re *RunError
	if !errors.As(err, &re) || re.AppError.Code != "TEMPLATE_READ_ERROR" {
		t.Fatalf("expected TEMPLATE_READ_ERROR, got %T: %v", err, err)
	}
}

func TestRun_InvalidSources(t *testing.T) {
	fx := newFixture(t)
	writeFile(t, fx.paths.RuleSources, `{"not":"an array"}`)
	_, err := Run(context.Background(), fx.paths, Options{})
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RunError, got %T: %v", err, err)
	}
	if re.AppError.Code != "SOURCES_INVALID" || re.AppError.Stage != "load_sources" {
		t.Fatalf("error=%+v", re.AppError)
	}
}

func TestRun_MissingInputsProduceMinimalConfig(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{
		Servers:     filepath.Join(dir, "nope.json"),
		RuleSources: filepath.Join(dir, "nope-sources.json"),
		OutputDir:   dir,
	}
	rep, err := Run(context.Background(), paths, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Proxies != 0 || rep.Rules != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if len(rep.Diagnostics) != 1 || rep.Diagnostics[0].Code != "SERVERS_READ_ERROR" {
		t.Fatalf("diagnostics=%+v", rep.Diagnostics)
	}
	b, err := os.ReadFile(rep.ConfigPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(b), "  - MATCH,Proxy\n") {
		t.Fatalf("config lacks catch-all:\n%s", b)
	}
}

func TestRunRulesOnly(t *testing.T) {
	fx := newFixture(t)
	rep, err := RunRulesOnly(context.Background(), fx.paths, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.ConfigPath != "" {
		t.Fatalf("config path=%q, want empty", rep.ConfigPath)
	}
	if _, err := os.Stat(filepath.Join(fx.paths.OutputDir, ConfigFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("config should not be written in rules-only mode: %v", err)
	}
	b, err := os.ReadFile(rep.RulesPath)
	if err != nil {
		t.Fatalf("read rules: %v", err)
	}
	if !strings.HasPrefix(string(b), "DOMAIN-SUFFIX,x.com,Proxy\n") {
		t.Fatalf("rules=%q", b)
	}
}

func TestLoadTemplate_FromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mixed-port: 7897\nrules:\n  - DOMAIN,lan,DIRECT\n"))
	}))
	defer srv.Close()

	tpl, err := LoadTemplate(context.Background(), srv.URL+"/base.yaml", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tpl.Rules(); !reflect.DeepEqual(got, []string{"DOMAIN,lan,DIRECT"}) {
		t.Fatalf("rules=%v", got)
	}
	if tpl.Source != srv.URL+"/base.yaml" {
		t.Fatalf("source=%q", tpl.Source)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := WriteFileAtomic(path, []byte("a")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("b")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "b" {
		t.Fatalf("content=%q, want=b", b)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}

	if err := WriteFileAtomic(filepath.Join(dir, "missing", "x"), []byte("c")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
