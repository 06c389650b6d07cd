package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/m1k1o/go-streamproxy/pkg/errs"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

// DirectStrategy fetches the locator and inspects the response body.
type DirectStrategy struct {
	logger  zerolog.Logger
	client  *upstream.Client
	timeout time.Duration
	fields  []string
}

func NewDirectStrategy(client *upstream.Client, timeout time.Duration, fields []string) *DirectStrategy {
	if len(fields) == 0 {
		fields = []string{"url"}
	}

	return &DirectStrategy{
		logger:  log.With().Str("module", "resolver").Str("submodule", "direct").Logger(),
		client:  client,
		timeout: timeout,
		fields:  fields,
	}
}

func (s *DirectStrategy) Name() string {
	return "direct"
}

func (s *DirectStrategy) Resolve(ctx context.Context, loc string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.timeout, errs.ErrUpstreamTimeout)
		defer cancel()
	}

	res, err := s.client.FetchText(ctx, loc)
	if err != nil {
		return "", err
	}

	if !res.OK() {
		return "", fmt.Errorf("%w: unexpected status %d", errs.ErrUpstreamFailure, res.StatusCode)
	}

	// the locator itself served a playlist
	if bytes.HasPrefix(bytes.TrimSpace(res.Body), []byte("#EXTM3U")) {
		return res.URL, nil
	}

	if strings.Contains(strings.ToLower(res.ContentType), "json") {
		manifest, err := s.fromJSON(res)
		if err == nil {
			return manifest, nil
		}
		s.logger.Debug().Err(err).Msg("json body without manifest")
	}

	body := string(res.Body)

	if embed, err := ParseEmbed(body); err == nil {
		return embed.ManifestURI()
	}

	return ExtractManifestURI(body)
}

func (s *DirectStrategy) fromJSON(res *upstream.TextResponse) (string, error) {
	var data map[string]any
	if err := json.Unmarshal(res.Body, &data); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrParseFailure, err)
	}

	for _, field := range s.fields {
		value, ok := data[field].(string)
		if !ok || value == "" {
			continue
		}

		// relative values resolve against the responding URL
		ref, err := url.Parse(value)
		if err != nil {
			continue
		}
		if base, err := url.Parse(res.URL); err == nil {
			ref = base.ResolveReference(ref)
		}
		return ref.String(), nil
	}

	return "", fmt.Errorf("%w: no manifest field in json", errs.ErrParseFailure)
}
