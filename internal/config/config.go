// Package config parses the command line and environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/clashgen-go/internal/compiler"
	"github.com/John-Robertt/clashgen-go/internal/fetch"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	CommandGenerate    = "generate"
	CommandRules       = "rules"
	CommandServe       = "serve"
	CommandHealthcheck = "healthcheck"
)

var commands = []string{CommandGenerate, CommandRules, CommandServe, CommandHealthcheck}

var ErrHelp = errors.New("help requested")

// Environment variables consulted for defaults; flags win over them.
const (
	EnvServersPath     = "SERVERS_JSON_PATH"
	EnvRuleSourcesPath = "RULE_SOURCES_PATH"
	EnvTemplatePath    = "BASE_TEMPLATE_PATH"
	EnvOutputDir       = "OUTPUT_DIR"
	EnvLogLevel        = "LOG_LEVEL"
)

type Config struct {
	Command string

	ServersPath     string
	RuleSourcesPath string
	TemplatePath    string // empty: built-in template
	OutputDir       string

	LogLevel     logrus.Level
	FetchTimeout time.Duration
	Groups       compiler.Options

	// serve / healthcheck
	Listen            string
	ReadHeaderTimeout time.Duration
	GenerateTimeout   time.Duration
	ShutdownTimeout   time.Duration
	GenerateOnStart   bool
	HealthcheckURL    string
}

// Parse reads "<command> [flags]". A missing command means generate. getenv
// is usually os.Getenv.
func Parse(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	cmd := CommandGenerate
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}
	if cmd == "help" {
		return Config{}, ErrHelp
	}
	if !lo.Contains(commands, cmd) {
		return Config{}, fmt.Errorf("unknown command: %s", cmd)
	}

	env := func(key, def string) string {
		return lo.CoalesceOrEmpty(strings.TrimSpace(getenv(key)), def)
	}

	fs := flag.NewFlagSet("clashgen-go "+cmd, flag.ContinueOnError)
	fs.SetOutput(new(strings.Builder))

	servers := fs.String("servers", env(EnvServersPath, filepath.Join("config", "servers.json")), "节点描述文件（JSON 数组或逐行 JSON）")
	sources := fs.String("rule-sources", env(EnvRuleSourcesPath, filepath.Join("config", "rule-sources.json")), "规则源配置（JSON 数组）")
	tmpl := fs.String("template", env(EnvTemplatePath, ""), "基础模板路径或 URL（为空使用内置模板）")
	outDir := fs.String("output-dir", env(EnvOutputDir, "output"), "输出目录")
	logLevel := fs.String("log-level", env(EnvLogLevel, "info"), "日志级别（debug/info/warn/error）")
	fetchTimeout := fs.Duration("fetch-timeout", fetch.DefaultTimeout, "单个规则源的拉取超时")
	primary := fs.String("group", compiler.DefaultPrimaryGroup, "主策略组名")
	direct := fs.String("direct-group", compiler.DefaultDirectGroup, "直连策略组名")
	reject := fs.String("reject-group", compiler.DefaultRejectGroup, "拦截策略组名")

	listen := fs.String("listen", "127.0.0.1:25500", "HTTP 监听地址（serve/healthcheck）")
	readHeaderTimeout := fs.Duration("read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout（请求头读取超时）")
	generateTimeout := fs.Duration("generate-timeout", 60*time.Second, "单次生成的总超时（包含远程拉取）")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	generateOnStart := fs.Bool("generate-on-start", false, "serve 启动时先生成一次")
	healthURL := fs.String("url", "", "healthcheck 目标 URL（默认由 -listen 推导）")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, ErrHelp
		}
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(*logLevel))
	if err != nil {
		return Config{}, fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	if *fetchTimeout <= 0 || *generateTimeout <= 0 || *readHeaderTimeout <= 0 || *shutdownTimeout <= 0 {
		return Config{}, errors.New("timeout flags must be positive")
	}
	if strings.TrimSpace(*outDir) == "" {
		return Config{}, errors.New("output-dir must not be empty")
	}

	return Config{
		Command:           cmd,
		ServersPath:       strings.TrimSpace(*servers),
		RuleSourcesPath:   strings.TrimSpace(*sources),
		TemplatePath:      strings.TrimSpace(*tmpl),
		OutputDir:         strings.TrimSpace(*outDir),
		LogLevel:          level,
		FetchTimeout:      *fetchTimeout,
		Groups:            compiler.Options{PrimaryGroup: *primary, DirectGroup: *direct, RejectGroup: *reject},
		Listen:            strings.TrimSpace(*listen),
		ReadHeaderTimeout: *readHeaderTimeout,
		GenerateTimeout:   *generateTimeout,
		ShutdownTimeout:   *shutdownTimeout,
		GenerateOnStart:   *generateOnStart,
		HealthcheckURL:    strings.TrimSpace(*healthURL),
	}, nil
}

func Usage() string {
	lines := []string{
		"Usage:",
		"  clashgen-go [generate|rules|serve|healthcheck] [options]",
		"",
		"Commands:",
		"  generate     拉取规则源、转换节点并写出 config.yaml 与 generated_rules.txt（默认）",
		"  rules        只生成 generated_rules.txt",
		"  serve        启动 HTTP 服务（POST /api/generate 触发生成，GET /proxy-config 获取配置）",
		"  healthcheck  请求 /healthz，供容器健康检查使用",
		"",
		"Options:",
		"  -servers            default config/servers.json   (env " + EnvServersPath + ")",
		"  -rule-sources       default config/rule-sources.json (env " + EnvRuleSourcesPath + ")",
		"  -template           default built-in             (env " + EnvTemplatePath + ")",
		"  -output-dir         default output               (env " + EnvOutputDir + ")",
		"  -log-level          default info                 (env " + EnvLogLevel + ")",
		"  -fetch-timeout      default 15s",
		"  -group              default " + compiler.DefaultPrimaryGroup,
		"  -direct-group       default " + compiler.DefaultDirectGroup,
		"  -reject-group       default " + compiler.DefaultRejectGroup,
		"  -listen             default 127.0.0.1:25500",
		"  -generate-timeout   default 60s",
		"  -generate-on-start  default false",
		"  -url                healthcheck target",
	}
	return strings.Join(lines, "\n") + "\n"
}
