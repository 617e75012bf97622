// Package template holds the base Clash configuration the generator extends.
// The document is kept as a yaml.Node tree so key order and any fields the
// generator does not know about survive untouched.
package template

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
)

const stage = "load_template"

//go:embed default.yaml
var defaultYAML string

// Keys the generator writes into the document.
const (
	KeyProxies = "proxies"
	KeyGroups  = "proxy-groups"
	KeyRules   = "rules"
)

type Template struct {
	// Source is where the template was read from, for diagnostics.
	Source string

	root *yaml.Node // MappingNode
}

// Default returns the built-in base template.
func Default() *Template {
	t, err := Parse(defaultYAML, "builtin:default.yaml")
	if err != nil {
		panic(fmt.Sprintf("template: builtin default is invalid: %v", err))
	}
	return t
}

// Parse reads a YAML mapping document. An empty document yields an empty
// template; proxies, proxy-groups and rules must be sequences when present.
func Parse(text string, source string) (*Template, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &TemplateError{
			AppError: model.AppError{
				Code:    "TEMPLATE_INVALID",
				Message: "基础模板不是合法 YAML",
				Stage:   stage,
				URL:     source,
			},
			Cause: err,
		}
	}

	t := &Template{Source: source}
	switch {
	case doc.Kind == 0 || len(doc.Content) == 0:
		t.root = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		return t, nil
	case doc.Content[0].Kind != yaml.MappingNode:
		return nil, invalid(source, "基础模板顶层必须是映射（key: value）", "")
	}
	t.root = doc.Content[0]

	for _, key := range []string{KeyProxies, KeyGroups, KeyRules} {
		n := t.Get(key)
		if n == nil || isNull(n) {
			continue
		}
		if n.Kind != yaml.SequenceNode {
			return nil, invalid(source, fmt.Sprintf("%s 必须是列表", key), key)
		}
	}
	if _, err := t.Groups(); err != nil {
		return nil, err
	}
	return t, nil
}

func invalid(source, msg, hint string) error {
	return &TemplateError{
		AppError: model.AppError{
			Code:    "TEMPLATE_INVALID",
			Message: msg,
			Stage:   stage,
			URL:     source,
			Hint:    hint,
		},
	}
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

// Clone returns an independent copy; generation runs mutate clones only.
func (t *Template) Clone() *Template {
	return &Template{
		Source: t.Source,
		root:   deepcopy.Copy(t.root).(*yaml.Node),
	}
}

// Node returns the document root for encoding.
func (t *Template) Node() *yaml.Node { return t.root }

// Get returns the value node of key, or nil.
func (t *Template) Get(key string) *yaml.Node {
	for i := 0; i+1 < len(t.root.Content); i += 2 {
		if t.root.Content[i].Value == key {
			return t.root.Content[i+1]
		}
	}
	return nil
}

// SetNode replaces the value of key in place, or appends key at the end.
func (t *Template) SetNode(key string, v *yaml.Node) {
	for i := 0; i+1 < len(t.root.Content); i += 2 {
		if t.root.Content[i].Value == key {
			t.root.Content[i+1] = v
			return
		}
	}
	t.root.Content = append(t.root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		v,
	)
}

// Set encodes v and stores it under key.
func (t *Template) Set(key string, v any) error {
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return err
	}
	t.SetNode(key, &n)
	return nil
}

func (t *Template) seq(key string) []*yaml.Node {
	n := t.Get(key)
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	return n.Content
}

// ProxyNodes returns the proxies already declared by the template.
func (t *Template) ProxyNodes() []*yaml.Node {
	return t.seq(KeyProxies)
}

// ProxyNames returns the "name" of each template proxy, in order.
func (t *Template) ProxyNames() []string {
	var names []string
	for _, n := range t.ProxyNodes() {
		var head struct {
			Name string `yaml:"name"`
		}
		if err := n.Decode(&head); err == nil && head.Name != "" {
			names = append(names, head.Name)
		}
	}
	return names
}

// Groups decodes the template's proxy-groups.
func (t *Template) Groups() ([]model.Group, error) {
	nodes := t.seq(KeyGroups)
	groups := make([]model.Group, 0, len(nodes))
	for i, n := range nodes {
		var g model.Group
		if err := n.Decode(&g); err != nil {
			return nil, &TemplateError{
				AppError: model.AppError{
					Code:    "TEMPLATE_INVALID",
					Message: fmt.Sprintf("proxy-groups 第 %d 项不合法", i+1),
					Stage:   stage,
					URL:     t.Source,
					Line:    n.Line,
				},
				Cause: err,
			}
		}
		if strings.TrimSpace(g.Name) == "" {
			return nil, &TemplateError{
				AppError: model.AppError{
					Code:    "TEMPLATE_INVALID",
					Message: fmt.Sprintf("proxy-groups 第 %d 项缺少 name", i+1),
					Stage:   stage,
					URL:     t.Source,
					Line:    n.Line,
				},
				Cause: errors.New("empty group name"),
			}
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// Rules returns the template's own rule lines.
func (t *Template) Rules() []string {
	var out []string
	for _, n := range t.seq(KeyRules) {
		if n.Kind == yaml.ScalarNode && strings.TrimSpace(n.Value) != "" {
			out = append(out, strings.TrimSpace(n.Value))
		}
	}
	return out
}
