package player

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatchPage(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		code     int
		contains string
	}{
		{"movie", "/watch/movie/603", http.StatusOK, `fetch('/resolve/movie/603')`},
		{"episode", "/watch/tv/1396/1/2", http.StatusOK, `fetch('/resolve/tv/1396/1/2')`},
		{"trailing slash", "/watch/movie/603/", http.StatusOK, `fetch('/resolve/movie/603')`},
		{"partial episode", "/watch/tv/1396/1", http.StatusBadRequest, "400"},
		{"unknown kind", "/watch/anime/1", http.StatusBadRequest, "400"},
		{"not numeric", "/watch/movie/abc", http.StatusBadRequest, "400"},
	}

	m := New("/watch/", &Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestWatchPageConfigReload(t *testing.T) {
	m := New("/watch/", &Config{})
	m.ConfigReload(&Config{ResolvePath: "/api/resolve", HlsJsURL: "/static/hls.min.js"})

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/watch/movie/603", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fetch('/api/resolve/movie/603')`)
	assert.Contains(t, rec.Body.String(), `src="/static/hls.min.js"`)
	assert.NotContains(t, rec.Body.String(), "{{")
}
