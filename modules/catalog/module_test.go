package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m1k1o/go-streamproxy/pkg/catalog"
)

type fakeLister struct {
	failTV bool
}

func (l fakeLister) Available(ctx context.Context, kind catalog.Kind) ([]catalog.Entry, error) {
	if kind == catalog.KindTV && l.failTV {
		return nil, errors.New("down")
	}
	if kind == catalog.KindTV {
		return []catalog.Entry{{TMDBID: 1396}}, nil
	}
	return []catalog.Entry{{TMDBID: 603}}, nil
}

func TestAvailable(t *testing.T) {
	m := New("/catalog/", fakeLister{})

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/catalog/available", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res availableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, []catalog.Entry{{TMDBID: 603}}, res.Movies)
	assert.Equal(t, []catalog.Entry{{TMDBID: 1396}}, res.TV)
	assert.False(t, res.LastUpdated.IsZero())
}

func TestAvailableKind(t *testing.T) {
	tests := []struct {
		name   string
		lister fakeLister
		path   string
		want   int
	}{
		{"movie", fakeLister{}, "/catalog/available/movie", http.StatusOK},
		{"series alias", fakeLister{}, "/catalog/available/series", http.StatusOK},
		{"unknown kind", fakeLister{}, "/catalog/available/anime", http.StatusBadRequest},
		{"list failure", fakeLister{failTV: true}, "/catalog/available/tv", http.StatusInternalServerError},
		{"both with failure", fakeLister{failTV: true}, "/catalog/available", http.StatusInternalServerError},
		{"unknown path", fakeLister{}, "/catalog/trending", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New("/catalog/", tt.lister)

			rec := httptest.NewRecorder()
			m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
