package catalog

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/m1k1o/go-streamproxy/internal/utils"
	"github.com/m1k1o/go-streamproxy/pkg/catalog"
)

type Lister interface {
	Available(ctx context.Context, kind catalog.Kind) ([]catalog.Entry, error)
}

type ModuleCtx struct {
	logger     zerolog.Logger
	pathPrefix string
	lister     Lister
}

func New(pathPrefix string, lister Lister) *ModuleCtx {
	return &ModuleCtx{
		logger:     log.With().Str("module", "catalog").Logger(),
		pathPrefix: pathPrefix,
		lister:     lister,
	}
}

func (m *ModuleCtx) Shutdown() {
}

type availableResponse struct {
	Movies      []catalog.Entry `json:"movies"`
	TV          []catalog.Entry `json:"tv"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

func (m *ModuleCtx) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, m.pathPrefix) {
		http.NotFound(w, r)
		return
	}

	// remove path prefix and split path to parts
	p := strings.Trim(strings.TrimPrefix(r.URL.Path, m.pathPrefix), "/")
	s := strings.Split(p, "/")

	if s[0] != "available" || len(s) > 2 {
		utils.HttpJsonError(w, http.StatusNotFound, "not found")
		return
	}

	// single kind
	if len(s) == 2 {
		kind, err := catalog.ParseKind(s[1])
		if err != nil {
			utils.HttpJsonError(w, http.StatusBadRequest, err.Error())
			return
		}

		entries, err := m.lister.Available(r.Context(), kind)
		if err != nil {
			m.logger.Err(err).Str("kind", string(kind)).Msg("unable to load availability list")
			utils.HttpJsonError(w, http.StatusInternalServerError, "unable to load availability list")
			return
		}

		utils.HttpJsonResponse(w, http.StatusOK, entries)
		return
	}

	var res availableResponse
	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() (err error) {
		res.Movies, err = m.lister.Available(ctx, catalog.KindMovie)
		return
	})
	g.Go(func() (err error) {
		res.TV, err = m.lister.Available(ctx, catalog.KindTV)
		return
	})

	if err := g.Wait(); err != nil {
		m.logger.Err(err).Msg("unable to load availability lists")
		utils.HttpJsonError(w, http.StatusInternalServerError, "unable to load availability lists")
		return
	}

	res.LastUpdated = time.Now().UTC()
	utils.HttpJsonResponse(w, http.StatusOK, res)
}
