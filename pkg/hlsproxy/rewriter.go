package hlsproxy

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

type LineKind int

const (
	LineBlank LineKind = iota
	LineTag
	LineAttributeURI
	LineURI
)

func (k LineKind) String() string {
	switch k {
	case LineBlank:
		return "blank"
	case LineTag:
		return "tag"
	case LineAttributeURI:
		return "attribute-uri"
	case LineURI:
		return "uri"
	default:
		return "unknown"
	}
}

// DefaultChildExtensions are resource types a manifest line may point at.
var DefaultChildExtensions = []string{
	".m3u8", ".m3u", ".ts", ".m4s", ".mp4", ".m4a", ".m4v", ".aac",
	".key", ".vtt", ".webvtt", ".srt",
}

var attributeURIRegex = regexp.MustCompile(`([:,]\s*)URI="([^"]*)"`)

func ClassifyLine(line string) LineKind {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return LineBlank
	case strings.HasPrefix(trimmed, "#"):
		if attributeURIRegex.MatchString(trimmed) {
			return LineAttributeURI
		}
		return LineTag
	default:
		return LineURI
	}
}

// Manifest is a fetched playlist and the base its relative references
// resolve against.
type Manifest struct {
	BaseURI string
	Raw     string
}

// BaseURI strips the final path segment, query and fragment from a manifest
// URI. The result keeps its trailing slash.
func BaseURI(manifestURI string) (string, error) {
	u, err := url.Parse(manifestURI)
	if err != nil {
		return "", err
	}

	base := *u
	base.RawQuery = ""
	base.Fragment = ""
	base.RawFragment = ""

	escaped := u.EscapedPath()
	if i := strings.LastIndex(escaped, "/"); i >= 0 {
		escaped = escaped[:i+1]
	} else {
		escaped = "/"
	}

	p, err := url.PathUnescape(escaped)
	if err != nil {
		return "", err
	}
	base.Path = p
	base.RawPath = escaped

	return base.String(), nil
}

type Rewriter struct {
	origin     *url.URL
	wrapper    *Wrapper
	extensions []string
}

// NewRewriter creates a rewriter. Root-relative references resolve against
// origin (scheme and host only); when origin is empty they resolve against
// the manifest host.
func NewRewriter(origin string, wrapper *Wrapper, extensions []string) *Rewriter {
	if len(extensions) == 0 {
		extensions = DefaultChildExtensions
	}

	r := &Rewriter{
		wrapper:    wrapper,
		extensions: extensions,
	}

	if u, err := url.Parse(origin); err == nil && u.Scheme != "" && u.Host != "" {
		r.origin = &url.URL{Scheme: u.Scheme, Host: u.Host}
	}

	return r
}

// Scope carries per-request context into a rewrite.
type Scope struct {
	Session string   // token propagated into every wrapped reference
	Hosts   []string // hosts that also count as the proxy itself
}

// Rewrite replaces every child reference in raw with a proxy-wrapped
// absolute URI. Tag syntax and line endings are kept verbatim.
func (r *Rewriter) Rewrite(raw string, baseURI string) string {
	return r.RewriteScoped(raw, baseURI, Scope{})
}

func (r *Rewriter) RewriteScoped(raw string, baseURI string, scope Scope) string {
	base, err := url.Parse(baseURI)
	if err != nil {
		base = nil
	}

	lines := strings.Split(raw, "\n")

	// a URI line is mandatory after these tags whatever its extension
	expectURI := false

	for i, line := range lines {
		body, cr := strings.CutSuffix(line, "\r")

		switch ClassifyLine(body) {
		case LineBlank:
			continue

		case LineTag:
			expectURI = expectURI || isURIPrefixTag(body)
			continue

		case LineAttributeURI:
			expectURI = expectURI || isURIPrefixTag(body)
			body = attributeURIRegex.ReplaceAllStringFunc(body, func(m string) string {
				sub := attributeURIRegex.FindStringSubmatch(m)
				return sub[1] + `URI="` + r.reference(sub[2], base, scope) + `"`
			})

		case LineURI:
			trimmed := strings.TrimSpace(body)
			indent := body[:len(body)-len(strings.TrimLeft(body, " \t"))]
			switch {
			case expectURI || r.isChildResource(trimmed):
				// known child resource, resolved and wrapped
				body = indent + r.reference(trimmed, base, scope)
			case hasHTTPScheme(trimmed) && !r.wrapper.IsWrapped(trimmed, scope.Hosts...):
				// any other bare absolute URI
				body = indent + r.wrapper.WrapWith(trimmed, scope.Session)
			}
			expectURI = false
		}

		if cr {
			body += "\r"
		}
		lines[i] = body
	}

	return strings.Join(lines, "\n")
}

// reference resolves ref to absolute form and wraps it. Wrapped and
// non-http references (data:, skd:) are returned unchanged.
func (r *Rewriter) reference(ref string, base *url.URL, scope Scope) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || r.wrapper.IsWrapped(ref, scope.Hosts...) {
		return ref
	}

	absolute, ok := r.Resolve(ref, base)
	if !ok {
		return ref
	}

	return r.wrapper.WrapWith(absolute, scope.Session)
}

// Resolve turns ref into an absolute http(s) URI. Query strings on ref are
// kept byte for byte, origin-issued tokens must survive untouched.
func (r *Rewriter) Resolve(ref string, base *url.URL) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}

	switch {
	// already absolute
	case u.Scheme != "":
		return ref, hasHTTPScheme(ref)

	// scheme-relative
	case strings.HasPrefix(ref, "//"):
		scheme := "https"
		if base != nil && base.Scheme != "" {
			scheme = base.Scheme
		}
		return scheme + ":" + ref, true

	// root-relative resolves against the origin, not the manifest directory
	case strings.HasPrefix(ref, "/"):
		origin := r.origin
		if origin == nil && base != nil {
			origin = &url.URL{Scheme: base.Scheme, Host: base.Host}
		}
		if origin == nil || origin.Host == "" {
			return "", false
		}
		return origin.Scheme + "://" + origin.Host + ref, true

	// directory-relative
	default:
		if base == nil || base.Host == "" {
			return "", false
		}
		return base.ResolveReference(u).String(), true
	}
}

func (r *Rewriter) isChildResource(ref string) bool {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	}

	ext := strings.ToLower(path.Ext(p))
	for _, e := range r.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func isURIPrefixTag(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, "#EXTINF") || strings.HasPrefix(line, "#EXT-X-STREAM-INF")
}

func hasHTTPScheme(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
