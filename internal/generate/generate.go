// Package generate runs one full generation: load inputs, ingest rule
// sources, map proxies, assemble, render and write the outputs.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/clashgen-go/internal/compiler"
	"github.com/John-Robertt/clashgen-go/internal/fetch"
	"github.com/John-Robertt/clashgen-go/internal/ingest"
	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/John-Robertt/clashgen-go/internal/render"
	"github.com/John-Robertt/clashgen-go/internal/sub/v2rayn"
	"github.com/John-Robertt/clashgen-go/internal/template"
	"github.com/sirupsen/logrus"
)

const (
	ConfigFileName = "config.yaml"
	RulesFileName  = "generated_rules.txt"
)

// Paths locates the inputs and the output directory.
type Paths struct {
	Servers     string // descriptor store; a missing file means no proxies
	RuleSources string // JSON array of rule sources; a missing file means no rules
	Template    string // base template (path or URL); empty uses the built-in one
	OutputDir   string
}

type Options struct {
	Fetcher      fetch.Fetcher
	FetchTimeout time.Duration
	Groups       compiler.Options

	// BaseTemplate, when set, is used instead of loading Paths.Template.
	BaseTemplate *template.Template
}

// Report summarizes a finished run.
type Report struct {
	ConfigPath  string           `json:"configPath,omitempty"`
	RulesPath   string           `json:"rulesPath"`
	Proxies     int              `json:"proxies"`
	Rules       int              `json:"rules"`
	Diagnostics []model.AppError `json:"diagnostics"`
}

type RunError struct {
	AppError model.AppError
	Cause    error
}

func (e *RunError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }

func runError(code, message, stage, path string, cause error) error {
	return &RunError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
			URL:     path,
		},
		Cause: cause,
	}
}

// Run performs a full generation and writes both the rule list and the Clash
// config. Per-item problems end up in Report.Diagnostics; only an unusable
// template or sources file, or an unwritable output, fails the run. Nothing
// is written unless every output rendered.
func Run(ctx context.Context, paths Paths, opt Options) (*Report, error) {
	start := time.Now()

	base := opt.BaseTemplate
	if base == nil {
		var err error
		if base, err = LoadTemplate(ctx, paths.Template, opt.Fetcher); err != nil {
			return nil, err
		}
	}

	rep, ruleList, err := ingestRules(ctx, paths, opt)
	if err != nil {
		return nil, err
	}
	if err := interrupted(ctx); err != nil {
		return nil, err
	}

	proxies, diags := loadServers(paths.Servers)
	rep.Diagnostics = append(rep.Diagnostics, diags...)
	rep.Proxies = len(proxies)

	out, err := compiler.Assemble(base, proxies, ruleList, opt.Groups)
	if err != nil {
		return nil, err
	}
	configYAML, err := render.ClashYAML(out)
	if err != nil {
		return nil, err
	}

	if err := interrupted(ctx); err != nil {
		return nil, err
	}
	if err := writeOutputs(paths.OutputDir, map[string][]byte{
		RulesFileName:  []byte(render.RulesText(ruleList)),
		ConfigFileName: configYAML,
	}); err != nil {
		return nil, err
	}
	rep.ConfigPath = filepath.Join(paths.OutputDir, ConfigFileName)

	logrus.WithFields(logrus.Fields{
		"proxies":     rep.Proxies,
		"rules":       rep.Rules,
		"diagnostics": len(rep.Diagnostics),
		"output":      rep.ConfigPath,
		"duration":    time.Since(start).String(),
	}).Info("config generated")
	return rep, nil
}

// RunRulesOnly ingests the rule sources and writes only the rule list.
func RunRulesOnly(ctx context.Context, paths Paths, opt Options) (*Report, error) {
	rep, ruleList, err := ingestRules(ctx, paths, opt)
	if err != nil {
		return nil, err
	}
	if err := interrupted(ctx); err != nil {
		return nil, err
	}
	if err := writeOutputs(paths.OutputDir, map[string][]byte{
		RulesFileName: []byte(render.RulesText(ruleList)),
	}); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"rules":  rep.Rules,
		"output": rep.RulesPath,
	}).Info("rules generated")
	return rep, nil
}

// interrupted fails the run once ctx is done, so sources that failed because
// of it never replace the previous output.
func interrupted(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return runError("GENERATE_TIMEOUT", "生成超时，已保留上一次输出", "ingest", "", err)
	default:
		return runError("GENERATE_CANCELED", "生成被取消，已保留上一次输出", "ingest", "", err)
	}
}

func ingestRules(ctx context.Context, paths Paths, opt Options) (*Report, []model.Rule, error) {
	sources, err := LoadSources(paths.RuleSources)
	if err != nil {
		return nil, nil, err
	}
	res := ingest.Ingest(ctx, sources, ingest.Options{Fetcher: opt.Fetcher, Timeout: opt.FetchTimeout})
	rep := &Report{
		RulesPath:   filepath.Join(paths.OutputDir, RulesFileName),
		Rules:       len(res.Rules),
		Diagnostics: res.Diagnostics,
	}
	return rep, res.Rules, nil
}

// LoadTemplate reads the base template. ref may be a filesystem path or an
// http(s)/file URL; an empty ref returns the built-in default.
func LoadTemplate(ctx context.Context, ref string, f fetch.Fetcher) (*template.Template, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return template.Default(), nil
	}

	var text string
	if strings.Contains(ref, "://") {
		if f == nil {
			f = fetch.Client{}
		}
		var err error
		if text, err = f.FetchText(ctx, fetch.KindTemplate, ref); err != nil {
			return nil, err
		}
	} else {
		b, err := os.ReadFile(ref)
		if err != nil {
			return nil, runError("TEMPLATE_READ_ERROR", "读取基础模板失败", "load_template", ref, err)
		}
		text = string(b)
	}
	return template.Parse(text, ref)
}

// LoadSources reads the rule source list. A missing file is an empty list.
func LoadSources(path string) ([]model.RuleSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logrus.WithField("path", path).Warn("rule sources file not found, proceeding with no rules")
		return nil, nil
	}
	if err != nil {
		return nil, runError("SOURCES_READ_ERROR", "读取规则源配置失败", "load_sources", path, err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, nil
	}
	var sources []model.RuleSource
	if err := json.Unmarshal(b, &sources); err != nil {
		return nil, runError("SOURCES_INVALID", "规则源配置不是合法 JSON 数组", "load_sources", path, err)
	}
	return sources, nil
}

// loadServers maps the descriptor store. An unreadable store yields no
// proxies and a diagnostic.
func loadServers(path string) ([]model.Proxy, []model.AppError) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		e := model.AppError{
			Code:    "SERVERS_READ_ERROR",
			Message: "读取节点描述文件失败，按空节点列表继续",
			Stage:   "parse_proxy_list",
			URL:     path,
			Hint:    err.Error(),
		}
		logrus.WithFields(logrus.Fields{"code": e.Code, "path": path}).Warn(e.Message)
		return nil, []model.AppError{e}
	}
	proxies, diags := v2rayn.MapAll(string(b))
	for i := range diags {
		if diags[i].URL == "" {
			diags[i].URL = path
		}
	}
	return proxies, diags
}

func writeOutputs(dir string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runError("OUTPUT_WRITE_ERROR", "创建输出目录失败", "write_output", dir, err)
	}
	// Rules first: config.yaml is the file consumers watch.
	for _, name := range []string{RulesFileName, ConfigFileName} {
		data, ok := files[name]
		if !ok {
			continue
		}
		path := filepath.Join(dir, name)
		if err := WriteFileAtomic(path, data); err != nil {
			return runError("OUTPUT_WRITE_ERROR", "写入输出文件失败", "write_output", path, err)
		}
	}
	return nil
}
