package model

type Group struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "select" | "url-test" | ...

	Proxies []string `yaml:"proxies,omitempty"` // proxy names / group names / DIRECT / REJECT

	// url-test only
	URL       string `yaml:"url,omitempty"`
	Interval  int    `yaml:"interval,omitempty"`
	Tolerance int    `yaml:"tolerance,omitempty"`

	// Keys this struct does not model (use, filter, lazy, ...) survive a
	// decode/encode round trip.
	Extra map[string]any `yaml:",inline"`
}
