package resolver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/m1k1o/go-streamproxy/pkg/errs"
)

var (
	embedRegex    = regexp.MustCompile(`token'\s*:\s*'(.+?)',\s*'expires'\s*:\s*'(.+?)',[\s\S]+?url\s*:\s*'(.+?)',[\s\S]+?window\.canPlayFHD\s*=\s*(false|true)`)
	manifestRegex = regexp.MustCompile(`https?://[^\s'"]+\.m3u8[^\s'"]*`)
)

// Embed is the playback configuration an origin player page carries.
type Embed struct {
	Token   string
	Expires string
	URL     string
	CanFHD  bool
}

func ParseEmbed(body string) (*Embed, error) {
	m := embedRegex.FindStringSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: embed player config not found", errs.ErrParseFailure)
	}

	return &Embed{
		Token:   m[1],
		Expires: m[2],
		URL:     m[3],
		CanFHD:  m[4] == "true",
	}, nil
}

// ManifestURI builds the playlist URI with the authorization parameters
// set. Other query parameters (e.g. b) are kept byte for byte.
func (e *Embed) ManifestURI() (string, error) {
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: invalid embed url %q", errs.ErrParseFailure, e.URL)
	}

	params := []string{}
	for _, param := range strings.Split(u.RawQuery, "&") {
		name, _, _ := strings.Cut(param, "=")
		switch name {
		case "", "token", "expires", "h":
			continue
		}
		params = append(params, param)
	}

	params = append(params,
		"token="+url.QueryEscape(e.Token),
		"expires="+url.QueryEscape(e.Expires),
	)
	if e.CanFHD {
		params = append(params, "h=1")
	}

	u.RawQuery = strings.Join(params, "&")
	return u.String(), nil
}

// ExtractManifestURI returns the first absolute .m3u8 URI found in body.
func ExtractManifestURI(body string) (string, error) {
	// scripts often escape slashes
	body = strings.ReplaceAll(body, `\/`, `/`)

	m := manifestRegex.FindString(body)
	if m == "" {
		return "", fmt.Errorf("%w: no manifest uri in body", errs.ErrParseFailure)
	}
	return m, nil
}
