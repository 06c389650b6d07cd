package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/m1k1o/go-streamproxy/internal/utils"
	"github.com/m1k1o/go-streamproxy/pkg/errs"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

// stale lists are kept this many times their freshness period
const listRetention = 7

type CatalogCtx struct {
	logger zerolog.Logger
	config Config
	client *upstream.Client

	group    singleflight.Group
	metadata *utils.TTLCache[string, *Metadata]
	lists    *utils.TTLCache[Kind, list]
}

// list is kept past its freshness so it can be served when a refresh fails.
type list struct {
	entries []Entry
	fetched time.Time
}

func New(config Config, client *upstream.Client) *CatalogCtx {
	logger := log.With().Str("module", "catalog").Logger()

	return &CatalogCtx{
		logger:   logger,
		config:   config.withDefaultValues(),
		client:   client,
		metadata: utils.NewTTLCache[string, *Metadata](logger, 0),
		lists:    utils.NewTTLCache[Kind, list](logger, time.Minute),
	}
}

func (c *CatalogCtx) Shutdown() {
	c.metadata.Shutdown()
	c.lists.Shutdown()
}

// Metadata looks up a movie, or an episode when kind is tv.
func (c *CatalogCtx) Metadata(ctx context.Context, kind Kind, id, season, episode int) (*Metadata, error) {
	if c.config.APIKey == "" {
		return nil, fmt.Errorf("%w: catalog api key not configured", errs.ErrNotFound)
	}

	var path string
	switch kind {
	case KindMovie:
		path = fmt.Sprintf("/movie/%d", id)
	case KindTV:
		path = fmt.Sprintf("/tv/%d/season/%d/episode/%d", id, season, episode)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", errs.ErrMalformedInput, kind)
	}

	if meta, ok, _ := c.metadata.Get(path); ok {
		return meta, nil
	}

	v, err, _ := c.group.Do("metadata:"+path, func() (any, error) {
		q := url.Values{}
		q.Set("api_key", c.config.APIKey)
		q.Set("language", c.config.Language)

		var doc metadataResponse
		if err := c.fetchJSON(ctx, c.config.APIURL+path+"?"+q.Encode(), &doc); err != nil {
			return nil, err
		}

		meta := &Metadata{
			Title:    doc.Title,
			Overview: doc.Overview,
			Rating:   doc.VoteAverage,
		}

		poster := doc.PosterPath
		if kind == KindTV {
			meta.Title = doc.Name
			meta.AirDate = doc.AirDate
			poster = doc.StillPath
		} else if year, _, ok := strings.Cut(doc.ReleaseDate, "-"); ok {
			meta.Year = year
		}

		if poster != "" {
			meta.Poster = c.config.ImageURL + poster
		}

		c.metadata.Set(path, meta, c.config.MetadataTTL)
		return meta, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Metadata), nil
}

// Available returns the availability list for kind. When the list cannot be
// fetched the last known list is returned.
func (c *CatalogCtx) Available(ctx context.Context, kind Kind) ([]Entry, error) {
	cached, found, _ := c.lists.Get(kind)
	if found && time.Since(cached.fetched) < c.config.ListTTL {
		return cached.entries, nil
	}

	v, err, _ := c.group.Do("list:"+string(kind), func() (any, error) {
		target := strings.ReplaceAll(c.config.ListURL, "{kind}", string(kind))

		var fresh []Entry
		if err := c.fetchJSON(ctx, target, &fresh); err != nil {
			return nil, err
		}

		if fresh == nil {
			fresh = []Entry{}
		}

		c.lists.Set(kind, list{entries: fresh, fetched: time.Now()}, listRetention*c.config.ListTTL)
		return fresh, nil
	})

	if err != nil {
		if found {
			c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("serving stale availability list")
			return cached.entries, nil
		}
		return nil, err
	}

	return v.([]Entry), nil
}

func (c *CatalogCtx) fetchJSON(ctx context.Context, target string, v any) error {
	res, err := c.client.FetchText(ctx, target)
	if err != nil {
		return err
	}

	if !res.OK() {
		if res.StatusCode == 404 {
			return fmt.Errorf("%w: catalog returned status %d", errs.ErrNotFound, res.StatusCode)
		}
		return fmt.Errorf("%w: catalog returned status %d", errs.ErrUpstreamFailure, res.StatusCode)
	}

	if err := json.Unmarshal(res.Body, v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrParseFailure, err)
	}

	return nil
}
