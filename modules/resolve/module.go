package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/m1k1o/go-streamproxy/internal/utils"
	"github.com/m1k1o/go-streamproxy/pkg/catalog"
	"github.com/m1k1o/go-streamproxy/pkg/errs"
	"github.com/m1k1o/go-streamproxy/pkg/hlsproxy"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

var numberRegex = regexp.MustCompile(`^[0-9]{1,10}$`)

type ModuleCtx struct {
	logger     zerolog.Logger
	pathPrefix string
	config     Config
	configMu   sync.RWMutex

	resolver Resolver
	catalog  Catalog
	client   *upstream.Client
	wrapper  func() Wrapper
}

func New(pathPrefix string, config *Config, resolver Resolver, catalog Catalog, client *upstream.Client, wrapper func() Wrapper) *ModuleCtx {
	return &ModuleCtx{
		logger:     log.With().Str("module", "resolve").Logger(),
		pathPrefix: pathPrefix,
		config:     config.withDefaultValues(),

		resolver: resolver,
		catalog:  catalog,
		client:   client,
		wrapper:  wrapper,
	}
}

func (m *ModuleCtx) Shutdown() {
}

func (m *ModuleCtx) ConfigReload(config *Config) {
	m.configMu.Lock()
	m.config = config.withDefaultValues()
	m.configMu.Unlock()
}

func (m *ModuleCtx) Config() Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	return m.config
}

// request identifies the content a client asked for.
type request struct {
	kind    catalog.Kind
	id      int
	season  int
	episode int
}

func parseRequest(p string) (*request, error) {
	// split path to parts
	s := strings.Split(strings.Trim(p, "/"), "/")
	if len(s) != 2 && len(s) != 4 {
		return nil, fmt.Errorf("%w: expected kind/id[/season/episode]", errs.ErrMalformedInput)
	}

	kind, err := catalog.ParseKind(s[0])
	if err != nil {
		return nil, err
	}

	// check if parameters match regex
	for _, part := range s[1:] {
		if !numberRegex.MatchString(part) {
			return nil, fmt.Errorf("%w: %q is not a number", errs.ErrMalformedInput, part)
		}
	}

	req := &request{kind: kind}
	req.id, _ = strconv.Atoi(s[1])

	switch {
	case kind == catalog.KindTV && len(s) == 4:
		req.season, _ = strconv.Atoi(s[2])
		req.episode, _ = strconv.Atoi(s[3])
		if req.season < 1 || req.episode < 1 {
			return nil, fmt.Errorf("%w: season and episode start at 1", errs.ErrMalformedInput)
		}
	case kind == catalog.KindTV:
		return nil, fmt.Errorf("%w: season and episode are required", errs.ErrMalformedInput)
	case len(s) == 4:
		return nil, fmt.Errorf("%w: movies have no episodes", errs.ErrMalformedInput)
	}

	return req, nil
}

func (m *ModuleCtx) pageURL(req *request) string {
	replacer := strings.NewReplacer(
		"{id}", strconv.Itoa(req.id),
		"{season}", strconv.Itoa(req.season),
		"{episode}", strconv.Itoa(req.episode),
	)

	if req.kind == catalog.KindTV {
		return replacer.Replace(m.Config().EpisodeURL)
	}
	return replacer.Replace(m.Config().MovieURL)
}

func (m *ModuleCtx) watchURL(req *request, episode int) string {
	return fmt.Sprintf("%s%s/%d/%d/%d", m.Config().WatchPrefix, req.kind, req.id, req.season, episode)
}

func (m *ModuleCtx) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, m.pathPrefix) {
		http.NotFound(w, r)
		return
	}

	req, err := parseRequest(strings.TrimPrefix(r.URL.Path, m.pathPrefix))
	if err != nil {
		utils.HttpJsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := m.logger.With().
		Str("kind", string(req.kind)).
		Int("id", req.id).
		Int("season", req.season).
		Int("episode", req.episode).
		Logger()

	res, err := m.resolve(r.Context(), logger, req)
	if err != nil {
		switch code := errs.StatusCode(err); {
		case errors.Is(err, errs.ErrClientCancelled), errors.Is(err, context.Canceled):
			logger.Debug().Err(err).Msg("client went away")
		case code == http.StatusNotFound:
			logger.Info().Err(err).Msg("stream not found")
			utils.HttpJsonError(w, http.StatusNotFound, "stream not found")
		case code == http.StatusBadRequest:
			utils.HttpJsonError(w, http.StatusBadRequest, err.Error())
		default:
			logger.Err(err).Msg("unable to resolve stream")
			utils.HttpJsonError(w, http.StatusInternalServerError, "unable to resolve stream")
		}
		return
	}

	// wrapped URIs are handed out in absolute form
	if strings.HasPrefix(res.URL, "/") {
		res.URL = utils.HttpRequestBase(r) + res.URL
	}

	utils.HttpJsonResponse(w, http.StatusOK, res)
}

func (m *ModuleCtx) resolve(ctx context.Context, logger zerolog.Logger, req *request) (*Response, error) {
	var (
		manifest string
		meta     *catalog.Metadata
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		manifest, err = m.resolver.Resolve(gctx, m.pageURL(req))
		return err
	})

	// metadata is best effort and never fails the request
	if m.catalog != nil {
		g.Go(func() error {
			var err error
			meta, err = m.catalog.Metadata(gctx, req.kind, req.id, req.season, req.episode)
			if errors.Is(err, errs.ErrNotFound) {
				logger.Debug().Err(err).Msg("metadata not available")
			} else if err != nil {
				logger.Warn().Err(err).Msg("metadata lookup failed")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Response{
		URL:           m.wrapper().Wrap(manifest),
		CanFHD:        canFHD(manifest),
		SkipIntroTime: m.Config().SkipIntroTime,
	}

	if meta != nil {
		res.Title = meta.Title
		res.Metadata = *meta
		if meta.Poster != "" {
			res.Poster = &meta.Poster
		}
	}

	tracks := m.tracks(ctx, logger, manifest)
	res.Qualities = tracks.Qualities
	res.AudioTracks = tracks.AudioTracks
	res.Subtitles = tracks.Subtitles

	if req.kind == catalog.KindTV {
		next := m.watchURL(req, req.episode+1)
		res.NextEpisode = &next

		if req.episode > 1 {
			prev := m.watchURL(req, req.episode-1)
			res.PrevEpisode = &prev
		}
	}

	return res, nil
}

// tracks lists what the multivariant playlist offers, empty on failure.
func (m *ModuleCtx) tracks(ctx context.Context, logger zerolog.Logger, manifest string) hlsproxy.Tracks {
	if m.client == nil {
		return hlsproxy.ParseTracks("")
	}

	text, err := m.client.FetchText(ctx, manifest)
	if err == nil && !text.OK() {
		err = fmt.Errorf("%w: playlist returned status %d", errs.ErrUpstreamFailure, text.StatusCode)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("unable to list tracks")
		return hlsproxy.ParseTracks("")
	}

	return hlsproxy.ParseTracks(string(text.Body))
}

func canFHD(manifest string) bool {
	u, err := url.Parse(manifest)
	if err != nil {
		return false
	}
	return u.Query().Get("h") == "1"
}
