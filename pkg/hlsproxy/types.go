package hlsproxy

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type Config struct {
	PublicURL  string   // optional: absolute prefix of wrapped URIs, root-relative if empty
	Path       string   // endpoint the wrapped URIs point at
	Origin     string   // root-relative references resolve against this origin
	Extensions []string // child resource extensions recognized in bare lines
	AllowHTTP  bool     // keep plain http upstream URIs instead of upgrading them

	CacheCleanupPeriod time.Duration // how often should be cache cleanup called
	PlaylistExpiration time.Duration // how long should be rewritten playlist kept in memory
	IdleTimeout        time.Duration // abort media pass-through after this long without data
}

func (c Config) withDefaultValues() Config {
	if c.Path == "" {
		c.Path = "/proxy"
	}
	if len(c.Extensions) == 0 {
		c.Extensions = DefaultChildExtensions
	}
	if c.CacheCleanupPeriod == 0 {
		c.CacheCleanupPeriod = 4 * time.Second
	}
	if c.PlaylistExpiration == 0 {
		c.PlaylistExpiration = 1 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 15 * time.Second
	}
	// ensure it starts with single / and has none at the end
	c.Path = "/" + strings.Trim(c.Path, "/")
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	return c
}

// Resolver turns a non manifest locator into a manifest URI.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

type Manager interface {
	Shutdown()

	Wrapper() *Wrapper
	CancelSession(token string) bool
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// State of a single proxied request.
type State int

const (
	StatePending State = iota
	StateStreaming
	StateFailed
	StateCancelled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
