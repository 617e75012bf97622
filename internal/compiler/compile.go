// Package compiler assembles the output Clash document from a base template,
// the mapped proxies and the ingested rules.
package compiler

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/John-Robertt/clashgen-go/internal/rules"
	"github.com/John-Robertt/clashgen-go/internal/template"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPrimaryGroup = "Proxy"
	DefaultDirectGroup  = "Direct"
	DefaultRejectGroup  = "Reject"
)

// Options names the generated groups. Zero values use the defaults.
type Options struct {
	PrimaryGroup string
	DirectGroup  string
	RejectGroup  string
}

func (o Options) withDefaults() Options {
	o.PrimaryGroup = lo.CoalesceOrEmpty(strings.TrimSpace(o.PrimaryGroup), DefaultPrimaryGroup)
	o.DirectGroup = lo.CoalesceOrEmpty(strings.TrimSpace(o.DirectGroup), DefaultDirectGroup)
	o.RejectGroup = lo.CoalesceOrEmpty(strings.TrimSpace(o.RejectGroup), DefaultRejectGroup)
	return o
}

// Output is one assembled configuration.
type Output struct {
	// Doc is a clone of the base template with proxies, proxy-groups and
	// rules replaced.
	Doc *template.Template

	Proxies []model.Proxy // generated proxies, names normalized
	Groups  []model.Group
	Rules   []string // final rule list, catch-all last
}

type CompileError struct {
	AppError model.AppError
	Cause    error
}

func (e *CompileError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *CompileError) Unwrap() error { return e.Cause }

func assembleError(message string, cause error) error {
	return &CompileError{
		AppError: model.AppError{
			Code:    "ASSEMBLE_ERROR",
			Message: message,
			Stage:   "assemble",
		},
		Cause: cause,
	}
}

// Assemble merges proxies and rules into a clone of base. base is never
// modified.
//
// The primary group is created (first) or extended with every proxy name and
// DIRECT; the direct and reject selector groups are added when missing.
// Template rules come before ingested rules, and the rule list always ends
// with exactly one MATCH rule.
func Assemble(base *template.Template, proxies []model.Proxy, ruleList []model.Rule, opt Options) (*Output, error) {
	if base == nil {
		return nil, assembleError("基础模板不能为空", nil)
	}
	opt = opt.withDefaults()
	doc := base.Clone()

	groups, err := doc.Groups()
	if err != nil {
		return nil, err
	}

	reserved := append(doc.ProxyNames(), "DIRECT", "REJECT", opt.PrimaryGroup, opt.DirectGroup, opt.RejectGroup)
	reserved = append(reserved, lo.Map(groups, func(g model.Group, _ int) string { return g.Name })...)
	named := NormalizeNames(proxies, reserved)
	names := lo.Map(named, func(p model.Proxy, _ int) string { return p.Name })

	proxyNodes := append([]*yaml.Node(nil), doc.ProxyNodes()...)
	for _, p := range named {
		var n yaml.Node
		if err := n.Encode(p); err != nil {
			return nil, assembleError(fmt.Sprintf("节点编码失败：%s", p.Name), err)
		}
		proxyNodes = append(proxyNodes, &n)
	}
	doc.SetNode(template.KeyProxies, &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: proxyNodes})

	groups = assembleGroups(groups, names, opt)
	if err := doc.Set(template.KeyGroups, groups); err != nil {
		return nil, assembleError("策略组编码失败", err)
	}

	ruleLines := assembleRules(doc.Rules(), ruleList, opt.PrimaryGroup)
	if err := doc.Set(template.KeyRules, ruleLines); err != nil {
		return nil, assembleError("规则编码失败", err)
	}

	logrus.WithFields(logrus.Fields{
		"proxies": len(named),
		"groups":  len(groups),
		"rules":   len(ruleLines),
	}).Info("config assembled")

	return &Output{
		Doc:     doc,
		Proxies: named,
		Groups:  groups,
		Rules:   ruleLines,
	}, nil
}

func assembleGroups(groups []model.Group, names []string, opt Options) []model.Group {
	idx := lo.IndexOf(lo.Map(groups, func(g model.Group, _ int) string { return g.Name }), opt.PrimaryGroup)
	if idx < 0 {
		groups = append([]model.Group{{Name: opt.PrimaryGroup, Type: "select"}}, groups...)
		idx = 0
	}
	members := append(append([]string(nil), groups[idx].Proxies...), names...)
	groups[idx].Proxies = lo.Uniq(append(members, "DIRECT"))

	ensure := func(name, builtin string) {
		if _, ok := lo.Find(groups, func(g model.Group) bool { return g.Name == name }); ok {
			return
		}
		groups = append(groups, model.Group{Name: name, Type: "select", Proxies: []string{builtin}})
	}
	ensure(opt.DirectGroup, "DIRECT")
	ensure(opt.RejectGroup, "REJECT")
	return groups
}

// assembleRules concatenates template and ingested rules, moves the first
// catch-all to the end as MATCH and drops any others. Without a catch-all,
// MATCH,<primary> is appended.
func assembleRules(baseRules []string, ingested []model.Rule, primary string) []string {
	all := append(append([]string(nil), baseRules...), lo.Map(ingested, func(r model.Rule, _ int) string { return r.String() })...)

	out := make([]string, 0, len(all)+1)
	catchAll := ""
	for _, line := range all {
		typ, rest, _ := strings.Cut(line, ",")
		if !rules.IsCatchAll(strings.TrimSpace(typ)) {
			out = append(out, line)
			continue
		}
		if catchAll == "" {
			policy, _, _ := strings.Cut(rest, ",")
			if policy = strings.TrimSpace(policy); policy != "" {
				catchAll = "MATCH," + policy
			}
		}
	}
	if catchAll == "" {
		catchAll = "MATCH," + primary
	}
	return append(out, catchAll)
}

// NormalizeNames gives every proxy a unique, non-reserved name. Empty names
// become "server:port"; a taken name gets the first free "-N" suffix,
// counting from 2. Input order is kept and the input slice is not modified.
func NormalizeNames(in []model.Proxy, reserved []string) []model.Proxy {
	used := make(map[string]struct{}, len(in)+len(reserved))
	for _, r := range reserved {
		used[r] = struct{}{}
	}

	out := make([]model.Proxy, len(in))
	for i, p := range in {
		base := strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "", "\x00", "").Replace(p.Name))
		if base == "" {
			base = fmt.Sprintf("%s:%d", p.Server, p.Port)
		}

		name := base
		if _, ok := used[name]; ok {
			for n := 2; ; n++ {
				try := fmt.Sprintf("%s-%d", base, n)
				if _, ok := used[try]; !ok {
					name = try
					break
				}
			}
		}
		used[name] = struct{}{}
		p.Name = name
		out[i] = p
	}
	return out
}
