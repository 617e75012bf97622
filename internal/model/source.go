package model

// RuleSource describes one external rule feed. It is read-only to the
// generator.
type RuleSource struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`      // http(s):// or file://
	RuleType     string `json:"ruleType"` // type applied to bare-value lines
	TargetPolicy string `json:"targetPolicy"`
	Enabled      bool   `json:"enabled"`
}

// Label is a human-readable identifier for logs and diagnostics.
func (s RuleSource) Label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.ID != "":
		return s.ID
	default:
		return s.URL
	}
}
