package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/clashgen-go/internal/model"
	"github.com/samber/lo"
)

// KnownTypes is the rule-type vocabulary. A source line whose first field is
// one of these is treated as a self-typed Clash rule.
var KnownTypes = []string{
	"DOMAIN-SUFFIX", "DOMAIN-KEYWORD", "DOMAIN", "IP-CIDR", "IP-CIDR6",
	"GEOIP", "MATCH", "RULE-SET", "FINAL", "DOMAIN-REGEX",
	"SRC-IP-CIDR", "SRC-PORT", "DST-PORT", "PROCESS-NAME", "USER-AGENT",
}

var domainTypes = []string{"DOMAIN", "DOMAIN-SUFFIX", "DOMAIN-KEYWORD"}

// IsKnownType reports whether typ (any case) is in the vocabulary.
func IsKnownType(typ string) bool {
	return lo.Contains(KnownTypes, strings.ToUpper(strings.TrimSpace(typ)))
}

// IsCatchAll reports whether typ is a valueless catch-all type.
func IsCatchAll(typ string) bool {
	typ = strings.ToUpper(typ)
	return typ == "MATCH" || typ == "FINAL"
}

// ErrSkipLine is returned for blank and comment lines. It is not a
// rejection and produces no diagnostic.
var ErrSkipLine = errors.New("rules: blank or comment line")

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

// ParseSourceLine converts one raw line of a rule source into a rule.
//
// Lines that start with a known rule type keep their own type (and policy if
// one is given); any other line is a bare value typed by ruleType and routed
// to policy.
func ParseSourceLine(raw string, ruleType string, policy string) (model.Rule, error) {
	line := strings.TrimSpace(stripBOM(strings.TrimSpace(raw)))
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return model.Rule{}, ErrSkipLine
	}
	line = strings.TrimSpace(cutComment(line))
	if line == "" {
		return model.Rule{}, ErrSkipLine
	}

	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	typ := strings.ToUpper(parts[0])
	if lo.Contains(KnownTypes, typ) {
		return parseTyped(typ, parts, policy)
	}
	return parseBare(line, ruleType, policy)
}

func parseTyped(typ string, parts []string, policy string) (model.Rule, error) {
	if typ == "DOMAIN-KEYWORD" && len(parts) > 1 && IsKnownType(parts[1]) {
		return model.Rule{}, &RuleError{
			Code:    "RULE_TYPE_CONFUSION",
			Message: "DOMAIN-KEYWORD 的值是规则类型名",
			Hint:    "expected: DOMAIN-KEYWORD,keyword[,POLICY]",
		}
	}
	if typ == "IP-CIDR" && len(parts) > 1 && strings.EqualFold(parts[1], "DOMAIN") {
		return model.Rule{}, &RuleError{
			Code:    "RULE_TYPE_CONFUSION",
			Message: "IP-CIDR 的值是 DOMAIN",
			Hint:    "expected: IP-CIDR,CIDR[,POLICY][,no-resolve]",
		}
	}

	if IsCatchAll(typ) {
		switch {
		case len(parts) == 1:
			return model.Rule{Type: typ, Policy: policy}, nil
		case len(parts) == 2 && parts[1] != "":
			return model.Rule{Type: typ, Policy: parts[1]}, nil
		default:
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: fmt.Sprintf("%s 规则必须是 %s[,POLICY]", typ, typ),
			}
		}
	}

	if len(parts) < 2 || parts[1] == "" {
		return model.Rule{}, &RuleError{
			Code:    "RULE_EMPTY_VALUE",
			Message: "规则 VALUE 不能为空",
			Hint:    "expected: TYPE,VALUE[,POLICY]",
		}
	}

	value := parts[1]
	if isDomainType(typ) {
		value = trimDomainValue(value)
		if value == "" {
			return model.Rule{}, &RuleError{Code: "RULE_EMPTY_VALUE", Message: "域名规则去除修饰符后为空"}
		}
	}

	r := model.Rule{Type: typ, Value: value, Policy: policy}
	rest := parts[2:]
	// "IP-CIDR,1.2.3.0/24,no-resolve" carries an option but no policy.
	if len(rest) > 0 && rest[0] != "" && !strings.EqualFold(rest[0], "no-resolve") {
		r.Policy = rest[0]
		rest = rest[1:]
	} else if len(rest) > 0 && rest[0] == "" {
		rest = rest[1:]
	}
	if len(rest) > 0 {
		r.Options = append([]string(nil), rest...)
	}
	return r, nil
}

func parseBare(content string, ruleType string, policy string) (model.Rule, error) {
	if strings.Contains(content, ",") {
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "无类型前缀的行不能包含逗号",
			Hint:    "expected: a bare value, or TYPE,VALUE[,POLICY]",
		}
	}

	typ := strings.ToUpper(strings.TrimSpace(ruleType))
	if !lo.Contains(KnownTypes, typ) || IsCatchAll(typ) {
		return model.Rule{}, &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("规则源类型不支持裸值：%s", ruleType),
		}
	}

	value := strings.TrimSpace(stripBOM(content))
	if isDomainType(typ) {
		value = trimDomainValue(value)
	}
	if value == "" {
		return model.Rule{}, &RuleError{Code: "RULE_EMPTY_VALUE", Message: "规则 VALUE 不能为空"}
	}
	return model.Rule{Type: typ, Value: value, Policy: policy}, nil
}

func isDomainType(typ string) bool {
	return lo.Contains(domainTypes, typ)
}

// trimDomainValue drops list-syntax decorations: leading "+", "-" and "."
// wildcard markers and the trailing "^" anchor.
func trimDomainValue(v string) string {
	for {
		n := strings.TrimSpace(stripBOM(strings.TrimSpace(v)))
		n = strings.TrimRight(strings.TrimLeft(n, "+-."), "^")
		if n == v {
			return n
		}
		v = n
	}
}

func stripBOM(s string) string {
	return strings.TrimPrefix(s, "\ufeff")
}

// cutComment truncates s at the first "#" that is not escaped by a backslash.
func cutComment(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] != '#' {
			continue
		}
		if i > 0 && s[i-1] == '\\' {
			continue
		}
		return s[:i]
	}
	return s
}
