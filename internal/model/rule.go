package model

import "strings"

// Rule is one Clash rule line: TYPE,VALUE,POLICY[,OPTIONS...] or TYPE,POLICY
// for the valueless catch-all types.
type Rule struct {
	Type    string // e.g. "DOMAIN-SUFFIX", "IP-CIDR", "MATCH"
	Value   string // empty for MATCH/FINAL
	Policy  string // group name or DIRECT/REJECT
	Options []string
}

// String renders the rule in Clash classical form. It is also the identity
// used for deduplication.
func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(r.Type)
	if r.Value != "" {
		b.WriteByte(',')
		b.WriteString(r.Value)
	}
	b.WriteByte(',')
	b.WriteString(r.Policy)
	for _, o := range r.Options {
		b.WriteByte(',')
		b.WriteString(o)
	}
	return b.String()
}
