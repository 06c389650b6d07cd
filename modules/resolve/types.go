package resolve

import (
	"context"

	"github.com/m1k1o/go-streamproxy/pkg/catalog"
	"github.com/m1k1o/go-streamproxy/pkg/hlsproxy"
)

type Config struct {
	MovieURL      string // origin page of a movie, {id} is replaced
	EpisodeURL    string // origin page of an episode, {id} {season} {episode} are replaced
	SkipIntroTime int    // seconds
	WatchPrefix   string // prefix of episode navigation links
}

func (c Config) withDefaultValues() Config {
	if c.MovieURL == "" {
		c.MovieURL = "https://vixsrc.to/movie/{id}?lang=it"
	}
	if c.EpisodeURL == "" {
		c.EpisodeURL = "https://vixsrc.to/tv/{id}/{season}/{episode}/?lang=it"
	}
	if c.SkipIntroTime == 0 {
		c.SkipIntroTime = 60
	}
	if c.WatchPrefix == "" {
		c.WatchPrefix = "/watch/"
	}
	return c
}

type Resolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

type Catalog interface {
	Metadata(ctx context.Context, kind catalog.Kind, id, season, episode int) (*catalog.Metadata, error)
}

type Wrapper interface {
	Wrap(absolute string) string
}

type Response struct {
	URL           string             `json:"url"`
	Title         string             `json:"title"`
	Poster        *string            `json:"poster"`
	CanFHD        bool               `json:"canFHD"`
	Qualities     []hlsproxy.Quality `json:"qualities"`
	AudioTracks   []string           `json:"audioTracks"`
	Subtitles     []string           `json:"subtitles"`
	SkipIntroTime int                `json:"skipIntroTime"`
	NextEpisode   *string            `json:"nextEpisode"`
	PrevEpisode   *string            `json:"prevEpisode"`
	Metadata      catalog.Metadata   `json:"metadata"`
}
