package hlsproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/m1k1o/go-streamproxy/internal/utils"
	"github.com/m1k1o/go-streamproxy/pkg/errs"
	"github.com/m1k1o/go-streamproxy/pkg/locator"
	"github.com/m1k1o/go-streamproxy/pkg/sessions"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

const contentTypePlaylist = "application/vnd.apple.mpegurl"

type ManagerCtx struct {
	logger     zerolog.Logger
	config     Config
	client     *upstream.Client
	resolver   Resolver
	classifier *locator.Classifier
	sessions   *sessions.Registry

	wrapper  *Wrapper
	rewriter *Rewriter

	playlists *utils.TTLCache[string, Manifest]
}

func New(config Config, client *upstream.Client, resolver Resolver, classifier *locator.Classifier, registry *sessions.Registry) (*ManagerCtx, error) {
	config = config.withDefaultValues()
	logger := log.With().Str("module", "hlsproxy").Str("submodule", "manager").Logger()

	wrapper, err := NewWrapper(config.PublicURL, config.Path)
	if err != nil {
		return nil, err
	}

	if classifier == nil {
		classifier = locator.New(nil)
	}

	return &ManagerCtx{
		logger:     logger,
		config:     config,
		client:     client,
		resolver:   resolver,
		classifier: classifier,
		sessions:   registry,
		wrapper:    wrapper,
		rewriter:   NewRewriter(config.Origin, wrapper, config.Extensions),
		playlists:  utils.NewTTLCache[string, Manifest](logger, config.CacheCleanupPeriod),
	}, nil
}

func (m *ManagerCtx) Shutdown() {
	m.playlists.Shutdown()
}

func (m *ManagerCtx) Wrapper() *Wrapper {
	return m.wrapper
}

func (m *ManagerCtx) Rewriter() *Rewriter {
	return m.rewriter
}

func (m *ManagerCtx) CancelSession(token string) bool {
	return m.sessions.Cancel(token)
}

// request carries the state of one proxied request.
type request struct {
	logger zerolog.Logger
	state  State
	token  string // session token sent by the client, propagated to children

	w http.ResponseWriter
	r *http.Request
}

func (req *request) transition(state State) {
	req.logger.Debug().Str("from", req.state.String()).Str("to", state.String()).Msg("state changed")
	req.state = state
}

// fail reports err to the client unless the request was cancelled or the
// response has already started.
func (req *request) fail(err error) {
	started := req.started()

	if errors.Is(err, errs.ErrClientCancelled) || req.r.Context().Err() != nil {
		req.transition(StateCancelled)
		req.logger.Debug().Err(err).Msg("request cancelled")

		// explicit cancel while the client is still connected
		if req.r.Context().Err() == nil {
			if started {
				panic(http.ErrAbortHandler)
			}
			http.Error(req.w, "499 request cancelled", 499)
		}
		return
	}

	req.transition(StateFailed)

	code := errs.StatusCode(err)
	req.logger.Warn().Err(err).Int("code", code).Msg("proxy request failed")

	// the status line is gone, abort so the client sees a truncated body
	if started {
		panic(http.ErrAbortHandler)
	}

	var msg string
	switch code {
	case http.StatusBadRequest:
		msg = "invalid url"
	case http.StatusNotFound:
		msg = "stream not found"
	case http.StatusGatewayTimeout:
		msg = "upstream timeout"
	case http.StatusBadGateway:
		msg = "upstream request failed"
	default:
		code = http.StatusInternalServerError
		msg = "proxy error"
	}

	http.Error(req.w, fmt.Sprintf("%d %s", code, msg), code)
}

func (req *request) started() bool {
	return req.state == StateStreaming
}

func (m *ManagerCtx) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	token := query.Get("session")
	if token == "" {
		token = query.Get("streamId")
	}

	ctx, session := m.sessions.Register(r.Context(), token)

	req := &request{
		logger: m.logger.With().Str("session", session.Token).Logger(),
		state:  StatePending,
		token:  token,
		w:      w,
		r:      r,
	}

	defer func() {
		session.Close()
		req.transition(StateClosed)
	}()

	raw := query.Get("url")
	if raw == "" {
		req.fail(fmt.Errorf("%w: missing url parameter", errs.ErrMalformedInput))
		return
	}

	target, final, err := m.normalize(raw, r.Host)
	if err != nil {
		req.fail(err)
		return
	}

	req.logger = req.logger.With().Str("url", target).Logger()

	switch {
	case m.isMedia(target):
		m.serveMedia(ctx, req, target)
	case m.classifier.IsManifestLike(target):
		m.serveManifest(ctx, req, target)
	default:
		m.serveUnknown(ctx, req, target, final)
	}
}

func (m *ManagerCtx) serveResolved(ctx context.Context, req *request, target string) {
	if m.resolver == nil {
		req.fail(fmt.Errorf("%w: no resolver configured", errs.ErrNotFound))
		return
	}

	manifest, err := m.resolver.Resolve(ctx, target)
	if err != nil {
		req.fail(err)
		return
	}
	req.logger.Debug().Str("manifest", manifest).Msg("locator resolved")

	manifest, _, err = m.normalize(manifest, req.r.Host)
	if err != nil {
		req.fail(err)
		return
	}
	m.serveManifest(ctx, req, manifest)
}

// normalize decodes, unwraps and validates the requested target. Targets
// that were wrapped by this proxy are final and never resolved again.
func (m *ManagerCtx) normalize(raw string, host string) (target string, final bool, err error) {
	target = strings.TrimSpace(raw)

	// tolerate one extra level of percent-encoding
	if !strings.Contains(target, "://") && !strings.HasPrefix(target, "/") {
		if decoded, err := url.QueryUnescape(target); err == nil {
			target = decoded
		}
	}

	for i := 0; i < 5; i++ {
		unwrapped, ok := m.wrapper.Unwrap(target, host)
		if !ok {
			break
		}
		target, final = unwrapped, true
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", errs.ErrMalformedInput, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", false, fmt.Errorf("%w: not an absolute http(s) uri", errs.ErrMalformedInput)
	}

	if scheme == "http" && !m.config.AllowHTTP {
		target = "https" + target[len(u.Scheme):]
	}

	return target, final, nil
}

// isMedia reports whether target points at a non playlist child resource.
func (m *ManagerCtx) isMedia(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}

	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || ext == ".m3u8" || ext == ".m3u" {
		return false
	}

	for _, e := range m.config.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (m *ManagerCtx) serveManifest(ctx context.Context, req *request, target string) {
	manifest, ok, _ := m.playlists.Get(target)
	if !ok {
		res, err := m.client.FetchText(ctx, target)
		if err != nil {
			req.fail(err)
			return
		}

		if !res.OK() {
			req.fail(fmt.Errorf("%w: playlist returned status %d", errs.ErrUpstreamFailure, res.StatusCode))
			return
		}

		base, err := BaseURI(res.URL)
		if err != nil {
			req.fail(fmt.Errorf("%w: %v", errs.ErrUpstreamFailure, err))
			return
		}

		manifest = Manifest{BaseURI: base, Raw: string(res.Body)}
		m.playlists.Set(target, manifest, m.config.PlaylistExpiration)
	}

	// rewritten per request, the session and request host differ
	text := m.rewriter.RewriteScoped(manifest.Raw, manifest.BaseURI, Scope{
		Session: req.token,
		Hosts:   []string{req.r.Host},
	})

	if err := context.Cause(ctx); err != nil {
		req.fail(upstream.Classify(ctx, err))
		return
	}

	req.transition(StateStreaming)

	w := req.w
	w.Header().Set("Content-Type", contentTypePlaylist)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(text)))
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, text); err != nil {
		req.fail(upstream.Classify(ctx, err))
	}
}

func (m *ManagerCtx) serveMedia(ctx context.Context, req *request, target string) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// an idle upstream is treated as a timeout
	watchdog := time.AfterFunc(m.config.IdleTimeout, func() {
		cancel(errs.ErrUpstreamTimeout)
	})
	defer watchdog.Stop()

	resp, err := m.client.Open(ctx, target, req.r.Header)
	if err != nil {
		req.fail(err)
		return
	}
	defer resp.Body.Close()

	m.relay(ctx, req, resp, watchdog)
}

// serveUnknown opens a target whose URI does not tell its kind, e.g. an
// extensionless segment, and decides by the response. Media is relayed,
// playlists are rewritten and pages go to the resolver.
func (m *ManagerCtx) serveUnknown(ctx context.Context, req *request, target string, final bool) {
	mediaCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchdog := time.AfterFunc(m.config.IdleTimeout, func() {
		cancel(errs.ErrUpstreamTimeout)
	})
	defer watchdog.Stop()

	resp, err := m.client.Open(mediaCtx, target, req.r.Header)
	if err != nil {
		if ctx.Err() != nil {
			req.fail(upstream.Classify(ctx, err))
			return
		}
		req.logger.Debug().Err(err).Msg("unable to open target")
	} else {
		kind := sniffBody(resp)
		req.logger.Debug().Str("kind", kind.String()).Msg("target sniffed")

		if kind == bodyMedia {
			defer resp.Body.Close()
			m.relay(mediaCtx, req, resp, watchdog)
			return
		}

		resp.Body.Close()
		final = final || kind == bodyPlaylist
	}

	watchdog.Stop()

	if final {
		m.serveManifest(ctx, req, target)
		return
	}
	m.serveResolved(ctx, req, target)
}

// relay streams an opened upstream response to the client. The watchdog
// is pushed back on every read.
func (m *ManagerCtx) relay(ctx context.Context, req *request, resp *http.Response, watchdog *time.Timer) {
	req.transition(StateStreaming)

	w := req.w
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	for {
		watchdog.Reset(m.config.IdleTimeout)

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				req.fail(fmt.Errorf("%w: %v", errs.ErrClientCancelled, werr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if err == io.EOF {
			return
		}
		if err != nil {
			req.fail(upstream.Classify(ctx, err))
			return
		}
	}
}

const sniffLen = 512

type bodyKind int

const (
	bodyOther bodyKind = iota
	bodyPlaylist
	bodyMedia
)

func (k bodyKind) String() string {
	switch k {
	case bodyPlaylist:
		return "playlist"
	case bodyMedia:
		return "media"
	default:
		return "other"
	}
}

// peekedBody keeps the sniffed bytes in front of the rest of the body.
type peekedBody struct {
	*bufio.Reader
	io.Closer
}

// sniffBody classifies a successful response by its leading bytes and
// content type. The body stays readable from the start.
func sniffBody(resp *http.Response) bodyKind {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return bodyOther
	}

	br := bufio.NewReaderSize(resp.Body, sniffLen)
	head, _ := br.Peek(sniffLen)
	resp.Body = peekedBody{Reader: br, Closer: resp.Body}

	if bytes.HasPrefix(bytes.TrimLeft(head, "\ufeff \t\r\n"), []byte("#EXTM3U")) {
		return bodyPlaylist
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return bodyOther
	}

	switch {
	case strings.Contains(mediaType, "mpegurl"):
		return bodyPlaylist
	case strings.HasPrefix(mediaType, "text/"),
		strings.Contains(mediaType, "json"),
		strings.Contains(mediaType, "xml"),
		strings.Contains(mediaType, "javascript"):
		return bodyOther
	default:
		return bodyMedia
	}
}
