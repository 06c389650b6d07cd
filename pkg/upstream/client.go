package upstream

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/m1k1o/go-streamproxy/pkg/errs"
)

const acceptEncodingText = "gzip, deflate, br"

type Client struct {
	logger zerolog.Logger
	config Config
	client *http.Client
}

func New(config Config) *Client {
	config = config.withDefaultValues()

	var transport http.RoundTripper
	if config.TLSFingerprint {
		transport = newFingerprintTransport(config.Timeout)
	} else {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = config.Timeout
		transport = t
	}

	return &Client{
		logger: log.With().Str("module", "upstream").Logger(),
		config: config,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				// redirects keep the spoofed identity
				req.Header.Set("User-Agent", via[0].Header.Get("User-Agent"))
				req.Header.Set("Referer", via[0].Header.Get("Referer"))
				return nil
			},
		},
	}
}

func (c *Client) Config() Config {
	return c.config
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedInput, err)
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Referer", c.config.Referer)
	if c.config.Origin != "" {
		req.Header.Set("Origin", c.config.Origin)
	}
	req.Header.Set("Accept", "*/*")
	return req, nil
}

// FetchText performs a bounded GET and returns the decoded body. The status
// code is not checked, callers decide what a usable response is.
func (c *Client) FetchText(ctx context.Context, rawURL string) (*TextResponse, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, c.config.Timeout, errs.ErrUpstreamTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", acceptEncodingText)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUpstreamFailure, err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, c.config.MaxTextSize+1))
	if err != nil {
		return nil, Classify(ctx, err)
	}

	// a truncated playlist must never be served as complete
	if int64(len(data)) > c.config.MaxTextSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", errs.ErrUpstreamFailure, c.config.MaxTextSize)
	}

	c.logger.Debug().
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Int("size", len(data)).
		Msg("fetched text")

	return &TextResponse{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

// Open starts a streamed GET for binary media. Bytes are requested without
// content coding so they can be forwarded verbatim. Only the listed client
// headers are forwarded. The caller closes the body.
func (c *Client) Open(ctx context.Context, rawURL string, forward http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	for _, key := range []string{"Range", "If-Range"} {
		if value := forward.Get(key); value != "" {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Classify(ctx, err)
	}
	return resp, nil
}

// Classify wraps a transport error into the proxy taxonomy.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, errs.ErrUpstreamTimeout), errors.Is(cause, context.DeadlineExceeded):
			return fmt.Errorf("%w: %v", errs.ErrUpstreamTimeout, err)
		case errors.Is(cause, errs.ErrClientCancelled), errors.Is(cause, context.Canceled):
			return fmt.Errorf("%w: %v", errs.ErrClientCancelled, err)
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", errs.ErrUpstreamTimeout, err)
	}

	return fmt.Errorf("%w: %v", errs.ErrUpstreamFailure, err)
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
