package hlsproxy

import "github.com/m1k1o/go-streamproxy/pkg/hlsproxy"

type Config struct {
	hlsproxy.Config

	// overwritten properties
	Path string `mapstructure:"-"`
}

func (c Config) withDefaultValues() Config {
	return c
}
