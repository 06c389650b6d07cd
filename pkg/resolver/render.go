package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/m1k1o/go-streamproxy/internal/utils"
	"github.com/m1k1o/go-streamproxy/pkg/errs"
	"github.com/m1k1o/go-streamproxy/pkg/locator"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

// BrowserLauncher starts a browser for a single render attempt. The
// returned release function tears it down and must always be called.
type BrowserLauncher interface {
	Launch(ctx context.Context) (browser *rod.Browser, release func(), err error)
}

// RenderStrategy loads the locator in a headless browser and watches the
// requests the page makes for a manifest.
type RenderStrategy struct {
	logger     zerolog.Logger
	identity   upstream.Config
	classifier *locator.Classifier
	launcher   BrowserLauncher

	timeout time.Duration
	settle  time.Duration
}

func NewRenderStrategy(identity upstream.Config, classifier *locator.Classifier, config Config) *RenderStrategy {
	config = config.withDefaultValues()

	logger := log.With().Str("module", "resolver").Str("submodule", "render").Logger()

	return &RenderStrategy{
		logger:     logger,
		identity:   identity,
		classifier: classifier,
		launcher: &rodLauncher{
			logger: logger,
			bin:    config.BrowserBin,
		},
		timeout: config.RenderTimeout,
		settle:  config.Settle,
	}
}

func (s *RenderStrategy) Name() string {
	return "render"
}

func (s *RenderStrategy) Resolve(ctx context.Context, loc string) (string, error) {
	var manifest string

	err := s.withBrowser(ctx, func(browser *rod.Browser) error {
		page, err := browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return err
		}
		defer page.Close()

		if s.identity.UserAgent != "" {
			err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
				UserAgent: s.identity.UserAgent,
			})
			if err != nil {
				return err
			}
		}

		found := make(chan string, 1)
		var once sync.Once

		router := page.HijackRequests()
		defer router.Stop()

		err = router.Add("*", "", func(h *rod.Hijack) {
			u := h.Request.URL().String()
			if s.classifier.IsManifestLike(u) {
				once.Do(func() {
					s.logger.Debug().Str("url", u).Msg("manifest request observed")
					found <- u
				})
			}
			h.ContinueRequest(&proto.FetchContinueRequest{})
		})
		if err != nil {
			return err
		}
		go router.Run()

		// navigation errors are not fatal, the manifest may already be seen
		if err := page.Timeout(s.timeout).Navigate(loc); err != nil {
			s.logger.Debug().Err(err).Msg("navigation failed")
		} else if err := page.Timeout(s.timeout).WaitLoad(); err != nil {
			s.logger.Debug().Err(err).Msg("page load failed")
		}

		settle := time.NewTimer(s.settle)
		defer settle.Stop()

		select {
		case manifest = <-found:
			return nil
		case <-settle.C:
			return fmt.Errorf("%w: no manifest request observed", errs.ErrNotFound)
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})

	return manifest, err
}

// withBrowser runs fn against a fresh browser. The browser is released
// however fn ends, including a panic.
func (s *RenderStrategy) withBrowser(ctx context.Context, fn func(browser *rod.Browser) error) error {
	browser, release, err := s.launcher.Launch(ctx)
	if err != nil {
		return err
	}
	defer func() {
		release()
		s.logger.Debug().Msg("browser released")
	}()

	return fn(browser)
}

type rodLauncher struct {
	logger zerolog.Logger
	bin    string
}

// Launch starts a headless browser with a throwaway profile directory.
func (r *rodLauncher) Launch(ctx context.Context) (*rod.Browser, func(), error) {
	l := launcher.New().
		Context(ctx).
		Headless(true).
		NoSandbox(true).
		Set("disable-setuid-sandbox").
		Logger(utils.LogWriterLevel(r.logger, zerolog.DebugLevel))

	if r.bin != "" {
		l = l.Bin(r.bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return nil, nil, fmt.Errorf("unable to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, nil, fmt.Errorf("unable to connect to browser: %w", err)
	}

	release := func() {
		// close fails once ctx is done, the process is killed either way
		if err := browser.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("unable to close browser")
		}
		l.Kill()
		l.Cleanup()
	}

	return browser, release, nil
}
