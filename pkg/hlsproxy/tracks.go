package hlsproxy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/samber/lo"
)

type Quality struct {
	Height int `json:"height"`
}

// Tracks lists what a multivariant playlist offers.
type Tracks struct {
	Qualities   []Quality `json:"qualities"`
	AudioTracks []string  `json:"audioTracks"`
	Subtitles   []string  `json:"subtitles"`
}

var (
	resolutionRegex = regexp.MustCompile(`RESOLUTION=\d+x(\d+)`)
	nameRegex       = regexp.MustCompile(`NAME="([^"]+)"`)
)

// ParseTracks extracts qualities, audio and subtitle names. Playlists the
// parser rejects are scanned line by line instead.
func ParseTracks(raw string) Tracks {
	var tracks Tracks

	pl, err := playlist.Unmarshal([]byte(raw))
	if mv, ok := pl.(*playlist.Multivariant); err == nil && ok {
		for _, variant := range mv.Variants {
			if height := resolutionHeight(variant.Resolution); height > 0 {
				tracks.Qualities = append(tracks.Qualities, Quality{Height: height})
			}
		}

		for _, rendition := range mv.Renditions {
			switch rendition.Type {
			case playlist.MultivariantRenditionTypeAudio:
				tracks.AudioTracks = append(tracks.AudioTracks, rendition.Name)
			case playlist.MultivariantRenditionTypeSubtitles:
				tracks.Subtitles = append(tracks.Subtitles, rendition.Name)
			}
		}
	} else {
		tracks = scanTracks(raw)
	}

	tracks.Qualities = lo.UniqBy(tracks.Qualities, func(q Quality) int { return q.Height })
	tracks.AudioTracks = lo.Uniq(lo.Compact(tracks.AudioTracks))
	tracks.Subtitles = lo.Uniq(lo.Compact(tracks.Subtitles))

	// never encode as null
	if tracks.Qualities == nil {
		tracks.Qualities = []Quality{}
	}
	if tracks.AudioTracks == nil {
		tracks.AudioTracks = []string{}
	}
	if tracks.Subtitles == nil {
		tracks.Subtitles = []string{}
	}

	return tracks
}

func scanTracks(raw string) Tracks {
	var tracks Tracks

	for _, line := range strings.Split(raw, "\n") {
		if m := resolutionRegex.FindStringSubmatch(line); m != nil {
			if height, err := strconv.Atoi(m[1]); err == nil {
				tracks.Qualities = append(tracks.Qualities, Quality{Height: height})
			}
		}

		name := nameRegex.FindStringSubmatch(line)
		if name == nil {
			continue
		}

		switch {
		case strings.Contains(line, "TYPE=AUDIO"):
			tracks.AudioTracks = append(tracks.AudioTracks, name[1])
		case strings.Contains(line, "TYPE=SUBTITLES"):
			tracks.Subtitles = append(tracks.Subtitles, name[1])
		}
	}

	return tracks
}

func resolutionHeight(resolution string) int {
	_, h, ok := strings.Cut(resolution, "x")
	if !ok {
		return 0
	}

	height, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return height
}
