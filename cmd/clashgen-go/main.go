package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/John-Robertt/clashgen-go/internal/config"
	"github.com/John-Robertt/clashgen-go/internal/generate"
	"github.com/John-Robertt/clashgen-go/internal/httpapi"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 ok, 1 failed, 2 bad usage.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	cfg, err := config.Parse(args, getenv)
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			_, _ = fmt.Fprint(stdout, config.Usage())
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "%v\n\n%s", err, config.Usage())
		return 2
	}

	logrus.SetOutput(stderr)
	logrus.SetLevel(cfg.LogLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch cfg.Command {
	case config.CommandServe:
		err = serve(ctx, cfg)
	case config.CommandHealthcheck:
		err = healthcheck(cfg)
	case config.CommandRules:
		err = generateOnce(ctx, cfg, generate.RunRulesOnly, stdout)
	default:
		err = generateOnce(ctx, cfg, generate.Run, stdout)
	}
	if err != nil {
		logrus.WithError(err).Error(cfg.Command + " failed")
		return 1
	}
	return 0
}

func paths(cfg config.Config) generate.Paths {
	return generate.Paths{
		Servers:     cfg.ServersPath,
		RuleSources: cfg.RuleSourcesPath,
		Template:    cfg.TemplatePath,
		OutputDir:   cfg.OutputDir,
	}
}

func genOptions(cfg config.Config) generate.Options {
	return generate.Options{FetchTimeout: cfg.FetchTimeout, Groups: cfg.Groups}
}

type runFunc func(context.Context, generate.Paths, generate.Options) (*generate.Report, error)

// generateOnce runs one generation and prints the report as JSON.
func generateOnce(ctx context.Context, cfg config.Config, fn runFunc, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.GenerateTimeout)
	defer cancel()

	rep, err := fn(ctx, paths(cfg), genOptions(cfg))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// serveOptions loads the base template once; requests reuse it and editing
// the template file takes a restart.
func serveOptions(ctx context.Context, cfg config.Config) (httpapi.Options, error) {
	opt := httpapi.Options{
		Paths:           paths(cfg),
		Generate:        genOptions(cfg),
		GenerateTimeout: cfg.GenerateTimeout,
	}
	base, err := generate.LoadTemplate(ctx, cfg.TemplatePath, opt.Generate.Fetcher)
	if err != nil {
		return httpapi.Options{}, err
	}
	opt.Generate.BaseTemplate = base
	return opt, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	opt, err := serveOptions(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.GenerateOnStart {
		genCtx, cancel := context.WithTimeout(ctx, cfg.GenerateTimeout)
		if _, err := generate.Run(genCtx, opt.Paths, opt.Generate); err != nil {
			// The server still starts; the last good output (if any) stays served.
			logrus.WithError(err).Warn("initial generation failed")
		}
		cancel()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.NewHandler(opt),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logrus.Infof("listening on http://%s", cfg.Listen)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logrus.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logrus.WithError(err).Warn("graceful shutdown failed")
			_ = srv.Close()
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
