// Package ingest turns configured rule sources into one ordered, deduplicated
// rule list.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/John-Robertt/clashgen-go/internal/fetch"
	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/John-Robertt/clashgen-go/internal/rules"
	"github.com/samber/lo"
	lop "github.com/samber/lo/parallel"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Fetcher defaults to fetch.Client with Timeout.
	Fetcher fetch.Fetcher
	// Timeout bounds each source independently (default 15s).
	Timeout time.Duration
}

type Result struct {
	Rules []model.Rule
	// Diagnostics lists every skipped source and rejected line, in source
	// order.
	Diagnostics []model.AppError
}

type sourceResult struct {
	rules []model.Rule
	diags []model.AppError
}

// Ingest fetches every enabled source concurrently, parses each line with
// rules.ParseSourceLine, then concatenates the results in declared source
// order and drops duplicates (first occurrence wins).
//
// A failing source contributes no rules and a diagnostic; Ingest itself never
// fails.
func Ingest(ctx context.Context, sources []model.RuleSource, opt Options) Result {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = fetch.DefaultTimeout
	}
	f := opt.Fetcher
	if f == nil {
		f = fetch.Client{Options: fetch.Options{Timeout: timeout}}
	}

	enabled := lo.Filter(sources, func(s model.RuleSource, _ int) bool { return s.Enabled })
	perSource := lop.Map(enabled, func(s model.RuleSource, _ int) sourceResult {
		return ingestSource(ctx, f, timeout, s)
	})

	var res Result
	var all []model.Rule
	for _, sr := range perSource {
		all = append(all, sr.rules...)
		res.Diagnostics = append(res.Diagnostics, sr.diags...)
	}
	res.Rules = lo.UniqBy(all, model.Rule.String)

	logrus.WithFields(logrus.Fields{
		"sources": len(enabled),
		"rules":   len(res.Rules),
		"dropped": len(all) - len(res.Rules),
	}).Info("rule sources ingested")
	return res
}

func ingestSource(ctx context.Context, f fetch.Fetcher, timeout time.Duration, s model.RuleSource) sourceResult {
	var out sourceResult
	log := logrus.WithField("source", s.Label())

	if strings.TrimSpace(s.URL) == "" || strings.TrimSpace(s.RuleType) == "" || strings.TrimSpace(s.TargetPolicy) == "" {
		e := model.AppError{
			Code:    "SOURCE_INVALID",
			Message: "规则源缺少 url、ruleType 或 targetPolicy，已跳过",
			Stage:   "ingest",
			URL:     s.URL,
			Snippet: s.Label(),
		}
		log.WithField("code", e.Code).Warn(e.Message)
		out.diags = append(out.diags, e)
		return out
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	text, err := f.FetchText(fctx, fetch.KindRuleset, s.URL)
	if err != nil {
		e := fetchDiagnostic(s, err)
		log.WithFields(logrus.Fields{"code": e.Code, "url": s.URL}).Warnf("%s: %v", e.Message, err)
		out.diags = append(out.diags, e)
		return out
	}

	for i, line := range strings.Split(text, "\n") {
		r, err := rules.ParseSourceLine(line, s.RuleType, s.TargetPolicy)
		if err == nil {
			out.rules = append(out.rules, r)
			continue
		}
		if errors.Is(err, rules.ErrSkipLine) {
			continue
		}
		e := model.AppError{
			Code:    "RULE_PARSE_ERROR",
			Message: err.Error(),
			Stage:   "parse_rule",
			URL:     s.URL,
			Line:    i + 1,
			Snippet: model.TruncateSnippet(strings.TrimSpace(line), 200),
		}
		var re *rules.RuleError
		if errors.As(err, &re) {
			e.Code, e.Message, e.Hint = re.Code, re.Message, re.Hint
		}
		log.WithFields(logrus.Fields{"code": e.Code, "line": e.Line}).Warn(e.Message)
		out.diags = append(out.diags, e)
	}

	log.WithField("rules", len(out.rules)).Debug("rule source parsed")
	return out
}

func fetchDiagnostic(s model.RuleSource, err error) model.AppError {
	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		e := fe.AppError
		if e.Snippet == "" {
			e.Snippet = s.Label()
		}
		return e
	}
	code, msg := "FETCH_FAILED", "拉取规则源失败"
	if errors.Is(err, context.DeadlineExceeded) {
		code, msg = "FETCH_TIMEOUT", "拉取规则源超时"
	}
	return model.AppError{
		Code:    code,
		Message: msg,
		Stage:   "fetch_ruleset",
		URL:     s.URL,
		Snippet: s.Label(),
	}
}
