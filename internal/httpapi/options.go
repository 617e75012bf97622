package httpapi

import (
	"time"

	"github.com/John-Robertt/clashgen-go/internal/generate"
)

// Options controls what the server generates and where it reads the results.
type Options struct {
	Paths    generate.Paths
	Generate generate.Options

	// GenerateTimeout is the hard upper bound for one POST /api/generate
	// (template + rule sources + servers + write).
	GenerateTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = 60 * time.Second
	}
	if o.Generate.FetchTimeout <= 0 {
		o.Generate.FetchTimeout = 15 * time.Second
	}
	if o.Paths.OutputDir == "" {
		o.Paths.OutputDir = "output"
	}
	return o
}
