package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/m1k1o/go-streamproxy/internal/utils"
	"github.com/m1k1o/go-streamproxy/pkg/errs"
	"github.com/m1k1o/go-streamproxy/pkg/locator"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

type ResolverCtx struct {
	logger     zerolog.Logger
	config     Config
	classifier *locator.Classifier
	strategies []Strategy

	group     singleflight.Group
	flights   map[string]*flight
	flightsMu sync.Mutex

	cache *utils.TTLCache[string, string]
}

// flight tracks callers waiting on a shared resolution, the work is
// cancelled once nobody waits for it anymore.
type flight struct {
	waiters int
	ctx     context.Context
	cancel  context.CancelCauseFunc
}

// New creates a resolver with the direct fetch strategy and, if enabled,
// the headless render strategy.
func New(config Config, client *upstream.Client) *ResolverCtx {
	config = config.withDefaultValues()
	classifier := locator.New(config.Tokens)

	strategies := []Strategy{
		NewDirectStrategy(client, config.DirectTimeout, config.JSONFields),
	}
	if config.Render {
		strategies = append(strategies, NewRenderStrategy(client.Config(), classifier, config))
	}

	return NewWithStrategies(config, classifier, strategies...)
}

func NewWithStrategies(config Config, classifier *locator.Classifier, strategies ...Strategy) *ResolverCtx {
	logger := log.With().Str("module", "resolver").Logger()

	if classifier == nil {
		classifier = locator.New(config.Tokens)
	}

	return &ResolverCtx{
		logger:     logger,
		config:     config.withDefaultValues(),
		classifier: classifier,
		strategies: strategies,
		flights:    map[string]*flight{},
		cache:      utils.NewTTLCache[string, string](logger.With().Str("submodule", "cache").Logger(), 0),
	}
}

func (r *ResolverCtx) Shutdown() {
	r.cache.Shutdown()
}

func (r *ResolverCtx) Classifier() *locator.Classifier {
	return r.classifier
}

// Resolve returns a manifest URI for locator. Manifest-like locators are
// returned as they are without any I/O.
func (r *ResolverCtx) Resolve(ctx context.Context, loc string) (string, error) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", fmt.Errorf("%w: empty locator", errs.ErrMalformedInput)
	}

	if r.classifier.IsManifestLike(loc) {
		return loc, nil
	}

	if manifest, ok, _ := r.cache.Get(loc); ok {
		r.logger.Debug().Str("locator", loc).Msg("resolved from cache")
		return manifest, nil
	}

	flightCtx := r.join(loc)
	defer r.leave(loc)

	ch := r.group.DoChan(loc, func() (any, error) {
		manifest, err := r.run(flightCtx, loc)
		if err == nil {
			r.cache.Set(loc, manifest, r.config.CacheTTL)
		}
		return manifest, err
	})

	select {
	case <-ctx.Done():
		return "", upstream.Classify(ctx, context.Cause(ctx))
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// join registers a waiter for loc and returns the context the shared
// resolution runs with.
func (r *ResolverCtx) join(loc string) context.Context {
	r.flightsMu.Lock()
	defer r.flightsMu.Unlock()

	f, ok := r.flights[loc]
	if !ok {
		ctx, cancel := context.WithCancelCause(context.Background())
		f = &flight{ctx: ctx, cancel: cancel}
		r.flights[loc] = f
	}

	f.waiters++
	return f.ctx
}

func (r *ResolverCtx) leave(loc string) {
	r.flightsMu.Lock()
	defer r.flightsMu.Unlock()

	f, ok := r.flights[loc]
	if !ok {
		return
	}

	f.waiters--
	if f.waiters <= 0 {
		f.cancel(errs.ErrClientCancelled)
		delete(r.flights, loc)
		r.group.Forget(loc)
	}
}

// run walks the strategy chain within the configured budget.
func (r *ResolverCtx) run(ctx context.Context, loc string) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, r.config.Budget, errs.ErrUpstreamTimeout)
	defer cancel()

	logger := r.logger.With().Str("locator", loc).Logger()

	for _, strategy := range r.strategies {
		manifest, err := strategy.Resolve(ctx, loc)
		if err == nil && manifest != "" {
			logger.Info().Str("strategy", strategy.Name()).Str("manifest", manifest).Msg("locator resolved")
			return manifest, nil
		}

		logger.Debug().Err(err).Str("strategy", strategy.Name()).Msg("strategy failed")

		if cause := context.Cause(ctx); cause != nil {
			if errors.Is(cause, errs.ErrClientCancelled) {
				return "", cause
			}
			return "", fmt.Errorf("%w: resolution budget exhausted: %w", errs.ErrNotFound, cause)
		}
	}

	return "", fmt.Errorf("%w: no strategy resolved the locator", errs.ErrNotFound)
}
