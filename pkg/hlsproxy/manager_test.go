package hlsproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m1k1o/go-streamproxy/pkg/errs"
	"github.com/m1k1o/go-streamproxy/pkg/sessions"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

const scenarioManifest = "#EXTM3U\n" +
	"#EXT-X-KEY:METHOD=AES-128,URI=\"enc.key\"\n" +
	"seg0.ts\n" +
	"https://cdn.example/x/seg1.ts\n"

type fakeResolver struct {
	calls   atomic.Int32
	results map[string]string
}

func (r *fakeResolver) Resolve(ctx context.Context, loc string) (string, error) {
	r.calls.Add(1)

	if manifest, ok := r.results[loc]; ok {
		return manifest, nil
	}
	return "", fmt.Errorf("%w: %s", errs.ErrNotFound, loc)
}

type testOrigin struct {
	*httptest.Server

	streamCancelled chan struct{}
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()

	origin := &testOrigin{
		streamCancelled: make(chan struct{}, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/a/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, scenarioManifest)
	})
	mux.HandleFunc("/a/page", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, scenarioManifest)
	})
	mux.HandleFunc("/v/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, "#EXTM3U\n#EXTINF:4.0,\nchunk/000\n")
	})
	mux.HandleFunc("/v/chunk/000", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte{0x47, 0x40, 0x00, 0x10, 0x00})
	})
	mux.HandleFunc("/v/blob", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x47, 0x40, 0x00, 0x10, 0x00})
	})
	mux.HandleFunc("/embed/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html><body>player</body></html>")
	})
	mux.HandleFunc("/error.m3u8", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/slow.m3u8", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	mux.HandleFunc("/a/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "bytes=0-3" {
			w.Header().Set("Content-Range", "bytes 0-3/10")
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "0123")
			return
		}
		io.WriteString(w, "0123456789")
	})
	mux.HandleFunc("/stream.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "first")
		w.(http.Flusher).Flush()

		<-r.Context().Done()
		select {
		case origin.streamCancelled <- struct{}{}:
		default:
		}
	})

	origin.Server = httptest.NewServer(mux)
	t.Cleanup(origin.Close)
	return origin
}

func newTestManager(t *testing.T, origin *testOrigin, resolver Resolver, idle time.Duration) (*ManagerCtx, *sessions.Registry) {
	t.Helper()

	registry := sessions.New()
	client := upstream.New(upstream.Config{Timeout: 200 * time.Millisecond})

	m, err := New(Config{
		Origin:      origin.URL,
		AllowHTTP:   true,
		IdleTimeout: idle,
	}, client, resolver, nil, registry)
	require.NoError(t, err)

	t.Cleanup(m.Shutdown)
	return m, registry
}

func proxyRequest(target string, extra ...string) *http.Request {
	q := url.Values{}
	q.Set("url", target)
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return httptest.NewRequest(http.MethodGet, "/proxy?"+q.Encode(), nil)
}

func decodeLines(t *testing.T, body string) []string {
	t.Helper()

	var urls []string
	for _, line := range strings.Split(body, "\n") {
		if i := strings.Index(line, "/proxy?"); i >= 0 {
			ref := line[i:]
			if j := strings.Index(ref, `"`); j >= 0 {
				ref = ref[:j]
			}
			u, err := url.Parse(ref)
			require.NoError(t, err)
			urls = append(urls, u.Query().Get("url"))
		}
	}
	return urls
}

func TestServeManifest(t *testing.T) {
	origin := newTestOrigin(t)
	m, registry := newTestManager(t, origin, &fakeResolver{}, time.Second)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, proxyRequest(origin.URL+"/a/index.m3u8"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"/proxy?url="))
	assert.Equal(t, []string{
		origin.URL + "/a/enc.key",
		origin.URL + "/a/seg0.ts",
		"https://cdn.example/x/seg1.ts",
	}, decodeLines(t, body))

	assert.Equal(t, 0, registry.Len())
}

func TestServeResolved(t *testing.T) {
	origin := newTestOrigin(t)
	resolver := &fakeResolver{results: map[string]string{
		origin.URL + "/movie/1": origin.URL + "/a/index.m3u8",
	}}
	m, _ := newTestManager(t, origin, resolver, time.Second)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, proxyRequest(origin.URL+"/movie/1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeLines(t, rec.Body.String()), 3)
	assert.Equal(t, int32(1), resolver.calls.Load())
}

func TestServeWrappedTargetIsFinal(t *testing.T) {
	origin := newTestOrigin(t)
	resolver := &fakeResolver{}
	m, _ := newTestManager(t, origin, resolver, time.Second)

	inner := m.Wrapper().Wrap(origin.URL + "/a/page")

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, proxyRequest(inner))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(0), resolver.calls.Load())

	// references are wrapped once, not twice
	assert.NotContains(t, rec.Body.String(), "%252F")
}

func TestServeExtensionlessSegment(t *testing.T) {
	origin := newTestOrigin(t)
	resolver := &fakeResolver{}
	m, registry := newTestManager(t, origin, resolver, time.Second)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, proxyRequest(origin.URL+"/v/index.m3u8"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{origin.URL + "/v/chunk/000"}, decodeLines(t, rec.Body.String()))

	// the player follows the rewritten line as is
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	child := lines[len(lines)-1]

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, child, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x47, 0x40, 0x00, 0x10, 0x00}, rec.Body.Bytes())
	assert.Equal(t, int32(0), resolver.calls.Load())
	assert.Equal(t, 0, registry.Len())
}

func TestServeUnknownTarget(t *testing.T) {
	origin := newTestOrigin(t)

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantBody  string
		wantLines int
		wantCalls int32
	}{
		{
			name:     "binary body",
			target:   origin.URL + "/v/blob",
			wantCode: http.StatusOK,
			wantBody: string([]byte{0x47, 0x40, 0x00, 0x10, 0x00}),
		},
		{
			name:      "playlist without extension",
			target:    origin.URL + "/a/page",
			wantCode:  http.StatusOK,
			wantLines: 3,
		},
		{
			name:      "page goes to the resolver",
			target:    origin.URL + "/embed/1",
			wantCode:  http.StatusOK,
			wantLines: 3,
			wantCalls: 1,
		},
		{
			name:      "missing page goes to the resolver",
			target:    origin.URL + "/embed/404",
			wantCode:  http.StatusNotFound,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{results: map[string]string{
				origin.URL + "/embed/1": origin.URL + "/a/index.m3u8",
			}}
			m, _ := newTestManager(t, origin, resolver, time.Second)

			rec := httptest.NewRecorder()
			m.ServeHTTP(rec, proxyRequest(tt.target))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantCalls, resolver.calls.Load())
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			if tt.wantLines > 0 {
				assert.Len(t, decodeLines(t, rec.Body.String()), tt.wantLines)
			}
		})
	}
}

func TestSessionPropagation(t *testing.T) {
	origin := newTestOrigin(t)
	m, _ := newTestManager(t, origin, &fakeResolver{}, time.Second)

	tests := []struct {
		name  string
		extra []string
		want  string
	}{
		{
			name:  "session",
			extra: []string{"session", "viewer-1"},
			want:  "viewer-1",
		},
		{
			name:  "legacy stream id",
			extra: []string{"streamId", "legacy-1"},
			want:  "legacy-1",
		},
		{
			name: "none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			m.ServeHTTP(rec, proxyRequest(origin.URL+"/a/index.m3u8", tt.extra...))
			require.Equal(t, http.StatusOK, rec.Code)

			// the same cached playlist is scoped to each request
			var refs int
			for _, line := range strings.Split(rec.Body.String(), "\n") {
				i := strings.Index(line, "/proxy?")
				if i < 0 {
					continue
				}
				u, err := url.Parse(strings.TrimSuffix(line[i:], `"`))
				require.NoError(t, err)
				assert.Equal(t, tt.want, u.Query().Get("session"))
				refs++
			}
			assert.Equal(t, 3, refs)
		})
	}
}

func TestSessionCancelsChildren(t *testing.T) {
	origin := newTestOrigin(t)
	m, registry := newTestManager(t, origin, &fakeResolver{}, 10*time.Second)

	proxy := httptest.NewServer(m)
	defer proxy.Close()

	// two parallel child fetches of one playback
	var bodies []io.ReadCloser
	for i := 0; i < 2; i++ {
		resp, err := http.Get(proxy.URL + m.Wrapper().WrapWith(origin.URL+"/stream.ts", "viewer-1"))
		require.NoError(t, err)
		defer resp.Body.Close()

		buf := make([]byte, 5)
		_, err = io.ReadFull(resp.Body, buf)
		require.NoError(t, err)
		bodies = append(bodies, resp.Body)
	}

	// the second fetch did not abort the first
	assert.Equal(t, 2, registry.Requests("viewer-1"))

	assert.True(t, m.CancelSession("viewer-1"))
	for _, body := range bodies {
		_, err := io.ReadAll(body)
		assert.Error(t, err)
	}

	assert.Eventually(t, func() bool {
		return registry.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServeErrors(t *testing.T) {
	origin := newTestOrigin(t)
	m, registry := newTestManager(t, origin, &fakeResolver{}, time.Second)

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{
			name: "missing url",
			req:  httptest.NewRequest(http.MethodGet, "/proxy", nil),
			want: http.StatusBadRequest,
		},
		{
			name: "not http",
			req:  proxyRequest("ftp://cdn.example/a.m3u8"),
			want: http.StatusBadRequest,
		},
		{
			name: "not absolute",
			req:  proxyRequest("seg0.ts"),
			want: http.StatusBadRequest,
		},
		{
			name: "upstream error",
			req:  proxyRequest(origin.URL + "/error.m3u8"),
			want: http.StatusBadGateway,
		},
		{
			name: "upstream timeout",
			req:  proxyRequest(origin.URL + "/slow.m3u8"),
			want: http.StatusGatewayTimeout,
		},
		{
			name: "unresolved locator",
			req:  proxyRequest(origin.URL + "/movie/404"),
			want: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			m.ServeHTTP(rec, tt.req)

			assert.Equal(t, tt.want, rec.Code)
			assert.True(t, strings.HasPrefix(rec.Body.String(), fmt.Sprint(tt.want)))
			assert.Equal(t, 0, registry.Len())
		})
	}
}

func TestServeMediaRange(t *testing.T) {
	origin := newTestOrigin(t)
	m, _ := newTestManager(t, origin, &fakeResolver{}, time.Second)

	req := proxyRequest(origin.URL + "/a/seg0.ts")
	req.Header.Set("Range", "bytes=0-3")

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-3/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "0123", rec.Body.String())
}

func TestServeMediaIdleTimeout(t *testing.T) {
	origin := newTestOrigin(t)
	m, registry := newTestManager(t, origin, &fakeResolver{}, 100*time.Millisecond)

	proxy := httptest.NewServer(m)
	defer proxy.Close()

	q := url.Values{"url": {origin.URL + "/stream.ts"}}
	resp, err := http.Get(proxy.URL + "/proxy?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the stream is aborted, not ended cleanly
	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.Equal(t, "first", string(body))

	select {
	case <-origin.streamCancelled:
	case <-time.After(time.Second):
		t.Fatal("upstream request was not cancelled")
	}

	assert.Eventually(t, func() bool {
		return registry.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClientDisconnectCleanup(t *testing.T) {
	origin := newTestOrigin(t)
	m, registry := newTestManager(t, origin, &fakeResolver{}, 10*time.Second)

	proxy := httptest.NewServer(m)
	defer proxy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := url.Values{"url": {origin.URL + "/stream.ts"}, "session": {"viewer-1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxy.URL+"/proxy?"+q.Encode(), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf))
	assert.True(t, registry.Has("viewer-1"))

	cancel()

	select {
	case <-origin.streamCancelled:
	case <-time.After(time.Second):
		t.Fatal("upstream request was not cancelled")
	}

	assert.Eventually(t, func() bool {
		return registry.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestExplicitCancel(t *testing.T) {
	origin := newTestOrigin(t)
	m, registry := newTestManager(t, origin, &fakeResolver{}, 10*time.Second)

	proxy := httptest.NewServer(m)
	defer proxy.Close()

	q := url.Values{"url": {origin.URL + "/stream.ts"}, "streamId": {"legacy-1"}}
	resp, err := http.Get(proxy.URL + "/proxy?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)

	assert.True(t, m.CancelSession("legacy-1"))
	assert.False(t, m.CancelSession("legacy-1"))

	select {
	case <-origin.streamCancelled:
	case <-time.After(time.Second):
		t.Fatal("upstream request was not cancelled")
	}

	// the response ends once the upstream is gone
	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		return registry.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestNormalize(t *testing.T) {
	wrapper, err := NewWrapper("", "/proxy")
	require.NoError(t, err)

	m := &ManagerCtx{config: Config{}.withDefaultValues(), wrapper: wrapper}

	tests := []struct {
		name      string
		raw       string
		want      string
		wantFinal bool
		wantErr   bool
	}{
		{
			name: "http is upgraded",
			raw:  "http://cdn.example/a.m3u8?t=1",
			want: "https://cdn.example/a.m3u8?t=1",
		},
		{
			name: "double encoded",
			raw:  url.QueryEscape("https://cdn.example/a.m3u8"),
			want: "https://cdn.example/a.m3u8",
		},
		{
			name:      "wrapped is unwrapped",
			raw:       wrapper.Wrap("https://cdn.example/page"),
			want:      "https://cdn.example/page",
			wantFinal: true,
		},
		{
			name:    "relative",
			raw:     "a.m3u8",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, final, err := m.normalize(tt.raw, "")
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrMalformedInput)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantFinal, final)
		})
	}
}

func TestCopyHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "video/mp2t")
	src.Set("Content-Length", "10")
	src.Set("Accept-Ranges", "bytes")
	src.Set("Connection", "keep-alive, X-Private")
	src.Set("X-Private", "1")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Set-Cookie", "a=b")
	src.Set("Access-Control-Allow-Origin", "https://origin.example")

	dst := http.Header{}
	copyHeaders(dst, src)

	assert.Equal(t, http.Header{
		"Content-Type":   {"video/mp2t"},
		"Content-Length": {"10"},
		"Accept-Ranges":  {"bytes"},
	}, dst)
}
