package locator

import (
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// DefaultTokens are path or query fragments the origin uses for manifest delivery.
var DefaultTokens = []string{"playlist", "/hls/", "rendition=", ".m3u8"}

type Classifier struct {
	tokens []string
}

func New(tokens []string) *Classifier {
	if len(tokens) == 0 {
		tokens = DefaultTokens
	}

	lowered := lo.Uniq(lo.Compact(lo.Map(tokens, func(token string, _ int) string {
		return strings.ToLower(strings.TrimSpace(token))
	})))

	return &Classifier{tokens: lowered}
}

// IsManifestLike reports whether locator strongly suggests an HLS manifest.
// It never performs I/O. False positives are cheap, false negatives force
// the expensive resolution path.
func (c *Classifier) IsManifestLike(locator string) bool {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return false
	}

	// only path and query matter, fragment is never sent upstream
	subject := locator
	if u, err := url.Parse(locator); err == nil {
		if strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") {
			return true
		}
		subject = u.Path
		if u.RawQuery != "" {
			subject += "?" + u.RawQuery
		}
	}

	subject = strings.ToLower(subject)
	return lo.ContainsBy(c.tokens, func(token string) bool {
		return strings.Contains(subject, token)
	})
}

var defaultClassifier = New(nil)

// IsManifestLike classifies using DefaultTokens.
func IsManifestLike(locator string) bool {
	return defaultClassifier.IsManifestLike(locator)
}
