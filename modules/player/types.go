package player

type Config struct {
	// ResolvePath is the mount point of the resolve endpoint the page calls.
	ResolvePath string
	HlsJsURL    string
}

func (c Config) withDefaultValues() Config {
	if c.ResolvePath == "" {
		c.ResolvePath = "/resolve/"
	}
	if c.HlsJsURL == "" {
		c.HlsJsURL = "https://cdn.jsdelivr.net/npm/hls.js@1"
	}
	return c
}
