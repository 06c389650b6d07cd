package serve

import (
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/m1k1o/go-streamproxy/internal/config"
	"github.com/m1k1o/go-streamproxy/internal/server"
	"github.com/m1k1o/go-streamproxy/modules"
	"github.com/m1k1o/go-streamproxy/modules/catalog"
	"github.com/m1k1o/go-streamproxy/modules/hlsproxy"
	"github.com/m1k1o/go-streamproxy/modules/player"
	"github.com/m1k1o/go-streamproxy/modules/resolve"
	catalogPkg "github.com/m1k1o/go-streamproxy/pkg/catalog"
	hlsProxyPkg "github.com/m1k1o/go-streamproxy/pkg/hlsproxy"
	resolverPkg "github.com/m1k1o/go-streamproxy/pkg/resolver"
	"github.com/m1k1o/go-streamproxy/pkg/sessions"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

const (
	proxyPath   = "/proxy"
	resolvePath = "/resolve/"
	catalogPath = "/catalog/"
	watchPath   = "/watch/"
)

func NewCommand() *Main {
	return &Main{
		Config: &config.Server{},
	}
}

type Main struct {
	Config *config.Server

	logger   zerolog.Logger
	server   *server.ServerManagerCtx
	sessions *sessions.Registry
	resolver *resolverPkg.ResolverCtx
	catalog  *catalogPkg.CatalogCtx

	hlsProxy *hlsproxy.ModuleCtx
	resolve  *resolve.ModuleCtx
	catalogs *catalog.ModuleCtx
	player   *player.ModuleCtx

	mu      sync.Mutex
	running bool
}

func (main *Main) Preflight() {
	main.logger = log.With().Str("service", "main").Logger()
}

func UpstreamConfig(config *config.Server) upstream.Config {
	return upstream.Config{
		UserAgent:      config.Upstream.UserAgent,
		Referer:        config.Upstream.Referer,
		Origin:         config.Upstream.Origin,
		Timeout:        config.Upstream.Timeout,
		TLSFingerprint: config.Upstream.TLSFingerprint,
	}
}

func ResolverConfig(config *config.Server) resolverPkg.Config {
	return resolverPkg.Config{
		DirectTimeout: config.Resolver.DirectTimeout,
		Render:        config.Resolver.Render,
		RenderTimeout: config.Resolver.RenderTimeout,
		Settle:        config.Resolver.Settle,
		BrowserBin:    config.Resolver.BrowserBin,
		Budget:        config.Resolver.Budget,
		CacheTTL:      config.Resolver.CacheTTL,
		JSONFields:    config.Resolver.JSONFields,
		Tokens:        config.Resolver.Tokens,
	}
}

// ProxyOrigin is the origin root-relative playlist references resolve
// against. Unless set explicitly it is the origin of the upstream referer.
func ProxyOrigin(config *config.Server) string {
	if config.HlsProxy.Origin != "" {
		return config.HlsProxy.Origin
	}

	referer := config.Upstream.Referer
	if referer == "" {
		referer = upstream.DefaultReferer
	}

	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (main *Main) hlsProxyConfig() *hlsproxy.Config {
	config := main.Config
	return &hlsproxy.Config{
		Config: hlsProxyPkg.Config{
			PublicURL:          config.PublicURL,
			Origin:             ProxyOrigin(config),
			Extensions:         config.HlsProxy.Extensions,
			PlaylistExpiration: config.HlsProxy.PlaylistExpiration,
			IdleTimeout:        config.HlsProxy.IdleTimeout,
		},
	}
}

func (main *Main) resolveConfig() *resolve.Config {
	config := main.Config
	return &resolve.Config{
		MovieURL:      config.Resolver.MovieURL,
		EpisodeURL:    config.Resolver.EpisodeURL,
		SkipIntroTime: config.Resolver.SkipIntroTime,
		WatchPrefix:   watchPath,
	}
}

func (main *Main) playerConfig() *player.Config {
	return &player.Config{
		ResolvePath: resolvePath,
		HlsJsURL:    main.Config.HlsJsURL,
	}
}

func (main *Main) start() error {
	config := main.Config

	main.server = server.New(&server.Config{
		Bind:        config.Bind,
		Static:      config.Static,
		SSLCert:     config.Cert,
		SSLKey:      config.Key,
		Proxy:       config.Proxy,
		PProf:       config.PProf,
		CORSOrigins: config.CORS,
	})

	client := upstream.New(UpstreamConfig(config))

	main.sessions = sessions.New()
	main.resolver = resolverPkg.New(ResolverConfig(config), client)
	main.catalog = catalogPkg.New(catalogPkg.Config{
		APIURL:   config.Catalog.APIURL,
		APIKey:   config.Catalog.APIKey,
		Language: config.Catalog.Language,
		ImageURL: config.Catalog.ImageURL,
		ListURL:  config.Catalog.ListURL,
		ListTTL:  config.Catalog.CacheTTL,
	}, client)

	var err error
	main.hlsProxy, err = hlsproxy.New(proxyPath, main.hlsProxyConfig(), client, main.resolver, main.resolver.Classifier(), main.sessions)
	if err != nil {
		return err
	}
	main.server.Handle(proxyPath, main.hlsProxy)
	main.logger.Info().Str("path", proxyPath).Msg("hlsProxy registered")

	main.resolve = resolve.New(resolvePath, main.resolveConfig(), main.resolver, main.catalog, client, func() resolve.Wrapper {
		return main.hlsProxy.Manager().Wrapper()
	})
	main.server.Handle(resolvePath, main.resolve)
	main.logger.Info().Str("path", resolvePath).Msg("resolve registered")

	main.catalogs = catalog.New(catalogPath, main.catalog)
	main.server.Handle(catalogPath, main.catalogs)
	main.logger.Info().Str("path", catalogPath).Msg("catalog registered")

	main.player = player.New(watchPath, main.playerConfig())
	main.server.Handle(watchPath, main.player)
	main.logger.Info().Str("path", watchPath).Msg("player registered")

	main.server.Start()

	main.mu.Lock()
	main.running = true
	main.mu.Unlock()
	return nil
}

// ConfigReload applies the current configuration to running modules.
// Listener, upstream identity and resolver settings require a restart.
func (main *Main) ConfigReload() {
	main.mu.Lock()
	defer main.mu.Unlock()

	if !main.running {
		return
	}

	if err := main.hlsProxy.ConfigReload(main.hlsProxyConfig()); err != nil {
		main.logger.Err(err).Msg("unable to reload hlsProxy config")
	}
	main.resolve.ConfigReload(main.resolveConfig())
	main.player.ConfigReload(main.playerConfig())

	main.logger.Info().Msg("config reloaded")
}

func (main *Main) shutdown() {
	main.mu.Lock()
	main.running = false
	main.mu.Unlock()

	// media streams never go idle on their own
	main.sessions.Shutdown()
	main.logger.Info().Msg("sessions shutdown")

	err := main.server.Shutdown()
	main.logger.Err(err).Msg("http manager shutdown")

	for name, module := range map[string]modules.Module{
		"hlsProxy": main.hlsProxy,
		"resolve":  main.resolve,
		"catalog":  main.catalogs,
		"player":   main.player,
	} {
		module.Shutdown()
		main.logger.Info().Msgf("%s shutdown", name)
	}

	main.resolver.Shutdown()
	main.logger.Info().Msg("resolver shutdown")

	main.catalog.Shutdown()
	main.logger.Info().Msg("catalog shutdown")
}

func (main *Main) Run(cmd *cobra.Command, args []string) {
	main.logger.Info().Msg("starting main server")
	if err := main.start(); err != nil {
		main.logger.Panic().Err(err).Msg("unable to start main server")
	}
	main.logger.Info().Msg("main ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit

	main.logger.Warn().Msgf("received %s, attempting graceful shutdown", sig)
	main.shutdown()
	main.logger.Info().Msg("shutdown complete")
}
