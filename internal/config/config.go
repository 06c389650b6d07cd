package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

type Config interface {
	Init(cmd *cobra.Command) error
	Set()
}

type Upstream struct {
	UserAgent      string
	Referer        string
	Origin         string
	Timeout        time.Duration
	TLSFingerprint bool
}

type Resolver struct {
	DirectTimeout time.Duration
	Render        bool
	RenderTimeout time.Duration
	Settle        time.Duration
	Budget        time.Duration
	BrowserBin    string
	CacheTTL      time.Duration
	JSONFields    []string
	Tokens        []string

	MovieURL      string
	EpisodeURL    string
	SkipIntroTime int
}

type Catalog struct {
	APIURL   string
	APIKey   string
	Language string
	ImageURL string
	ListURL  string
	CacheTTL time.Duration
}

type HlsProxy struct {
	Origin             string
	Extensions         []string
	PlaylistExpiration time.Duration
	IdleTimeout        time.Duration
}

type Server struct {
	PProf bool

	Cert      string
	Key       string
	Bind      string
	Static    string
	Proxy     bool
	PublicURL string
	CORS      []string

	Upstream Upstream
	Resolver Resolver
	Catalog  Catalog
	HlsProxy HlsProxy
	HlsJsURL string
}

func (Server) Init(cmd *cobra.Command) error {
	cmd.PersistentFlags().Bool("pprof", false, "enable pprof endpoint available at /debug/pprof")
	if err := viper.BindPFlag("pprof", cmd.PersistentFlags().Lookup("pprof")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("bind", "127.0.0.1:8080", "address/port/socket to serve the proxy")
	if err := viper.BindPFlag("bind", cmd.PersistentFlags().Lookup("bind")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("cert", "", "path to the SSL cert used to secure the server")
	if err := viper.BindPFlag("cert", cmd.PersistentFlags().Lookup("cert")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("key", "", "path to the SSL key used to secure the server")
	if err := viper.BindPFlag("key", cmd.PersistentFlags().Lookup("key")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("static", "", "path to static client files to serve")
	if err := viper.BindPFlag("static", cmd.PersistentFlags().Lookup("static")); err != nil {
		return err
	}

	cmd.PersistentFlags().Bool("proxy", false, "allow reverse proxies")
	if err := viper.BindPFlag("proxy", cmd.PersistentFlags().Lookup("proxy")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("public-url", "", "public URL of this server, wrapped references become absolute")
	if err := viper.BindPFlag("public-url", cmd.PersistentFlags().Lookup("public-url")); err != nil {
		return err
	}

	cmd.PersistentFlags().StringSlice("cors", []string{}, "origins allowed to call the API, any when empty")
	if err := viper.BindPFlag("cors", cmd.PersistentFlags().Lookup("cors")); err != nil {
		return err
	}

	//
	// upstream
	//

	cmd.PersistentFlags().String("upstream.user-agent", "", "user agent presented to upstream servers")
	if err := viper.BindPFlag("upstream.user-agent", cmd.PersistentFlags().Lookup("upstream.user-agent")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("upstream.referer", "", "referer presented to upstream servers")
	if err := viper.BindPFlag("upstream.referer", cmd.PersistentFlags().Lookup("upstream.referer")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("upstream.origin", "", "origin header presented to upstream servers")
	if err := viper.BindPFlag("upstream.origin", cmd.PersistentFlags().Lookup("upstream.origin")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("upstream.timeout", 15*time.Second, "timeout of a single upstream fetch")
	if err := viper.BindPFlag("upstream.timeout", cmd.PersistentFlags().Lookup("upstream.timeout")); err != nil {
		return err
	}

	cmd.PersistentFlags().Bool("upstream.tls-fingerprint", false, "dial upstream servers with a browser TLS fingerprint")
	if err := viper.BindPFlag("upstream.tls-fingerprint", cmd.PersistentFlags().Lookup("upstream.tls-fingerprint")); err != nil {
		return err
	}

	//
	// resolver
	//

	cmd.PersistentFlags().Duration("resolver.direct-timeout", 10*time.Second, "budget of the direct fetch strategy")
	if err := viper.BindPFlag("resolver.direct-timeout", cmd.PersistentFlags().Lookup("resolver.direct-timeout")); err != nil {
		return err
	}

	cmd.PersistentFlags().Bool("resolver.render", true, "enable headless browser rendering as a fallback")
	if err := viper.BindPFlag("resolver.render", cmd.PersistentFlags().Lookup("resolver.render")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("resolver.render-timeout", 60*time.Second, "page navigation budget of the headless browser")
	if err := viper.BindPFlag("resolver.render-timeout", cmd.PersistentFlags().Lookup("resolver.render-timeout")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("resolver.settle", 4*time.Second, "how long to watch page requests after load")
	if err := viper.BindPFlag("resolver.settle", cmd.PersistentFlags().Lookup("resolver.settle")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("resolver.budget", 80*time.Second, "wall clock budget of a whole resolution")
	if err := viper.BindPFlag("resolver.budget", cmd.PersistentFlags().Lookup("resolver.budget")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("resolver.browser-bin", "", "browser binary, downloaded when empty")
	if err := viper.BindPFlag("resolver.browser-bin", cmd.PersistentFlags().Lookup("resolver.browser-bin")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("resolver.cache-ttl", 5*time.Minute, "how long resolved manifests are reused")
	if err := viper.BindPFlag("resolver.cache-ttl", cmd.PersistentFlags().Lookup("resolver.cache-ttl")); err != nil {
		return err
	}

	cmd.PersistentFlags().StringSlice("resolver.json-fields", []string{"url"}, "JSON fields that may carry a manifest URI")
	if err := viper.BindPFlag("resolver.json-fields", cmd.PersistentFlags().Lookup("resolver.json-fields")); err != nil {
		return err
	}

	cmd.PersistentFlags().StringSlice("resolver.tokens", []string{}, "tokens marking a locator as manifest-like, built-in list when empty")
	if err := viper.BindPFlag("resolver.tokens", cmd.PersistentFlags().Lookup("resolver.tokens")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("resolver.movie-url", "", "origin page of a movie, {id} is replaced")
	if err := viper.BindPFlag("resolver.movie-url", cmd.PersistentFlags().Lookup("resolver.movie-url")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("resolver.episode-url", "", "origin page of an episode, {id} {season} {episode} are replaced")
	if err := viper.BindPFlag("resolver.episode-url", cmd.PersistentFlags().Lookup("resolver.episode-url")); err != nil {
		return err
	}

	cmd.PersistentFlags().Int("resolver.skip-intro-time", 60, "seconds skipped by the player intro button")
	if err := viper.BindPFlag("resolver.skip-intro-time", cmd.PersistentFlags().Lookup("resolver.skip-intro-time")); err != nil {
		return err
	}

	//
	// catalog
	//

	cmd.PersistentFlags().String("catalog.api-url", "https://api.themoviedb.org/3", "metadata API base URL")
	if err := viper.BindPFlag("catalog.api-url", cmd.PersistentFlags().Lookup("catalog.api-url")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("catalog.api-key", "", "metadata API key, metadata is skipped when empty")
	if err := viper.BindPFlag("catalog.api-key", cmd.PersistentFlags().Lookup("catalog.api-key")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("catalog.language", "it-IT", "metadata language as a BCP 47 tag")
	if err := viper.BindPFlag("catalog.language", cmd.PersistentFlags().Lookup("catalog.language")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("catalog.image-url", "", "poster base URL")
	if err := viper.BindPFlag("catalog.image-url", cmd.PersistentFlags().Lookup("catalog.image-url")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("catalog.list-url", "", "availability list URL, {kind} is replaced")
	if err := viper.BindPFlag("catalog.list-url", cmd.PersistentFlags().Lookup("catalog.list-url")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("catalog.cache-ttl", 24*time.Hour, "how long availability lists are reused")
	if err := viper.BindPFlag("catalog.cache-ttl", cmd.PersistentFlags().Lookup("catalog.cache-ttl")); err != nil {
		return err
	}

	//
	// hls proxy
	//

	cmd.PersistentFlags().String("hls-proxy.origin", "", "origin root-relative references resolve against, defaults to the upstream referer origin")
	if err := viper.BindPFlag("hls-proxy.origin", cmd.PersistentFlags().Lookup("hls-proxy.origin")); err != nil {
		return err
	}

	cmd.PersistentFlags().StringSlice("hls-proxy.extensions", []string{}, "extensions of child resources to wrap")
	if err := viper.BindPFlag("hls-proxy.extensions", cmd.PersistentFlags().Lookup("hls-proxy.extensions")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("hls-proxy.playlist-expiration", time.Second, "how long fetched playlists are reused")
	if err := viper.BindPFlag("hls-proxy.playlist-expiration", cmd.PersistentFlags().Lookup("hls-proxy.playlist-expiration")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("hls-proxy.idle-timeout", 15*time.Second, "abort media streams idle for this long")
	if err := viper.BindPFlag("hls-proxy.idle-timeout", cmd.PersistentFlags().Lookup("hls-proxy.idle-timeout")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("player.hlsjs-url", "", "hls.js script loaded by the watch page")
	if err := viper.BindPFlag("player.hlsjs-url", cmd.PersistentFlags().Lookup("player.hlsjs-url")); err != nil {
		return err
	}

	return nil
}

func (s *Server) Set() {
	s.PProf = viper.GetBool("pprof")

	s.Cert = viper.GetString("cert")
	s.Key = viper.GetString("key")
	s.Bind = viper.GetString("bind")
	s.Static = viper.GetString("static")
	s.Proxy = viper.GetBool("proxy")
	s.CORS = viper.GetStringSlice("cors")

	s.PublicURL = viper.GetString("public-url")
	if s.PublicURL != "" {
		if u, err := url.Parse(s.PublicURL); err != nil || !u.IsAbs() {
			log.Warn().Str("public-url", s.PublicURL).Msg("public url must be absolute, ignoring")
			s.PublicURL = ""
		}
	}

	s.Upstream = Upstream{
		UserAgent:      viper.GetString("upstream.user-agent"),
		Referer:        viper.GetString("upstream.referer"),
		Origin:         viper.GetString("upstream.origin"),
		Timeout:        viper.GetDuration("upstream.timeout"),
		TLSFingerprint: viper.GetBool("upstream.tls-fingerprint"),
	}

	s.Resolver = Resolver{
		DirectTimeout: viper.GetDuration("resolver.direct-timeout"),
		Render:        viper.GetBool("resolver.render"),
		RenderTimeout: viper.GetDuration("resolver.render-timeout"),
		Settle:        viper.GetDuration("resolver.settle"),
		Budget:        viper.GetDuration("resolver.budget"),
		BrowserBin:    viper.GetString("resolver.browser-bin"),
		CacheTTL:      viper.GetDuration("resolver.cache-ttl"),
		JSONFields:    viper.GetStringSlice("resolver.json-fields"),
		Tokens:        viper.GetStringSlice("resolver.tokens"),
		MovieURL:      viper.GetString("resolver.movie-url"),
		EpisodeURL:    viper.GetString("resolver.episode-url"),
		SkipIntroTime: viper.GetInt("resolver.skip-intro-time"),
	}

	s.Catalog = Catalog{
		APIURL:   viper.GetString("catalog.api-url"),
		APIKey:   viper.GetString("catalog.api-key"),
		ImageURL: viper.GetString("catalog.image-url"),
		ListURL:  viper.GetString("catalog.list-url"),
		CacheTTL: viper.GetDuration("catalog.cache-ttl"),
	}

	lang := viper.GetString("catalog.language")
	tag, err := ParseLanguage(lang)
	if err != nil {
		log.Warn().Err(err).Str("language", lang).Msg("invalid catalog language, using default")
		tag = "it-IT"
	}
	s.Catalog.Language = tag

	s.HlsProxy = HlsProxy{
		Origin:             viper.GetString("hls-proxy.origin"),
		Extensions:         viper.GetStringSlice("hls-proxy.extensions"),
		PlaylistExpiration: viper.GetDuration("hls-proxy.playlist-expiration"),
		IdleTimeout:        viper.GetDuration("hls-proxy.idle-timeout"),
	}

	s.HlsJsURL = viper.GetString("player.hlsjs-url")
}

// ParseLanguage validates a BCP 47 tag and returns its canonical form.
func ParseLanguage(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty language tag")
	}

	tag, err := language.Parse(s)
	if err != nil {
		return "", err
	}

	return tag.String(), nil
}
