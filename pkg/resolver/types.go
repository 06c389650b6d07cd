package resolver

import (
	"context"
	"time"
)

// Strategy turns a locator into a manifest URI or fails. Failures are
// absorbed by the resolver chain, the next strategy is tried.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, locator string) (string, error)
}

type Config struct {
	DirectTimeout time.Duration // budget for the direct fetch strategy
	Render        bool          // enable the headless browser strategy
	RenderTimeout time.Duration // page navigation budget
	Settle        time.Duration // how long to keep watching requests after load
	BrowserBin    string        // optional: browser binary, downloaded if empty

	Budget     time.Duration // wall clock budget for the whole chain
	CacheTTL   time.Duration // how long resolved manifests are reused
	JSONFields []string      // JSON fields that may carry the manifest URI
	Tokens     []string      // manifest-like tokens, see locator.Classifier
}

func (c Config) withDefaultValues() Config {
	if c.DirectTimeout == 0 {
		c.DirectTimeout = 10 * time.Second
	}
	if c.RenderTimeout == 0 {
		c.RenderTimeout = 60 * time.Second
	}
	if c.Settle == 0 {
		c.Settle = 4 * time.Second
	}
	if c.Budget == 0 {
		c.Budget = 80 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if len(c.JSONFields) == 0 {
		c.JSONFields = []string{"url"}
	}
	return c
}

type Resolver interface {
	Shutdown()

	Resolve(ctx context.Context, locator string) (string, error)
}
