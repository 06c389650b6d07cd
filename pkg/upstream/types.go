package upstream

import (
	"net/http"
	"time"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultReferer   = "https://vixsrc.to"
)

type Config struct {
	UserAgent string
	Referer   string
	Origin    string // optional Origin header

	Timeout        time.Duration // per fetch budget, also used as media idle timeout
	MaxTextSize    int64         // upper bound for manifests and intermediary pages
	TLSFingerprint bool          // dial with a Chrome TLS client hello
}

func (c Config) withDefaultValues() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Referer == "" {
		c.Referer = DefaultReferer
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxTextSize == 0 {
		c.MaxTextSize = 16 << 20
	}
	return c
}

// TextResponse is a fully read, decoded upstream response.
type TextResponse struct {
	URL         string
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
}

func (r *TextResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
