package httpapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/John-Robertt/clashgen-go/internal/generate"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// newTestOptions wires a rule upstream and a servers file into a temp dir.
func newTestOptions(t *testing.T) Options {
	t.Helper()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ads.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("# ads\nads.example\nDOMAIN,tracker.example\n"))
	}))
	t.Cleanup(up.Close)

	dir := t.TempDir()
	paths := generate.Paths{
		Servers:     filepath.Join(dir, "servers.json"),
		RuleSources: filepath.Join(dir, "rule-sources.json"),
		OutputDir:   filepath.Join(dir, "out"),
	}
	writeFile(t, paths.Servers, `[
		{"ps":"HK","add":"hk.example.com","port":443,"id":"uuid-1","aid":"0","net":"ws","tls":"tls","host":"hk.example.com","path":"/ray"},
		{"ps":"broken","port":"443"}
	]`)
	writeFile(t, paths.RuleSources, `[
		{"id":"ads","name":"ads","url":"`+up.URL+`/ads.txt","ruleType":"DOMAIN-SUFFIX","targetPolicy":"Reject","enabled":true}
	]`)
	return Options{
		Paths:           paths,
		Generate:        generate.Options{FetchTimeout: 5 * time.Second},
		GenerateTimeout: 10 * time.Second,
	}
}
