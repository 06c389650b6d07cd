package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/m1k1o/go-streamproxy/pkg/errs"
)

type Kind string

const (
	KindMovie Kind = "movie"
	KindTV    Kind = "tv"
)

// ParseKind accepts the canonical kinds and their aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movie", "film":
		return KindMovie, nil
	case "tv", "show", "series":
		return KindTV, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", errs.ErrMalformedInput, s)
	}
}

type Config struct {
	APIURL   string // metadata service base
	APIKey   string
	Language string
	ImageURL string // poster base, path is appended
	ListURL  string // availability list, {kind} is replaced

	MetadataTTL time.Duration
	ListTTL     time.Duration
}

func (c Config) withDefaultValues() Config {
	if c.APIURL == "" {
		c.APIURL = "https://api.themoviedb.org/3"
	}
	if c.Language == "" {
		c.Language = "it-IT"
	}
	if c.ImageURL == "" {
		c.ImageURL = "https://image.tmdb.org/t/p/w300"
	}
	if c.ListURL == "" {
		c.ListURL = "https://vixsrc.to/api/list/{kind}?lang=it"
	}
	if c.MetadataTTL == 0 {
		c.MetadataTTL = 1 * time.Hour
	}
	if c.ListTTL == 0 {
		c.ListTTL = 24 * time.Hour
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	c.ImageURL = strings.TrimRight(c.ImageURL, "/")
	return c
}

// Metadata is what the player shows next to a stream.
type Metadata struct {
	Title    string  `json:"-"`
	Poster   string  `json:"-"`
	Overview string  `json:"overview"`
	Rating   float64 `json:"rating"`
	Year     string  `json:"year,omitempty"`
	AirDate  string  `json:"air_date,omitempty"`
}

// Entry of the availability list.
type Entry struct {
	TMDBID int `json:"tmdb_id"`
}

// metadataResponse covers both movie and episode documents.
type metadataResponse struct {
	Title       string  `json:"title"`
	Name        string  `json:"name"`
	Overview    string  `json:"overview"`
	VoteAverage float64 `json:"vote_average"`
	ReleaseDate string  `json:"release_date"`
	AirDate     string  `json:"air_date"`
	PosterPath  string  `json:"poster_path"`
	StillPath   string  `json:"still_path"`
}
