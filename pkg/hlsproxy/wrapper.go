package hlsproxy

import (
	"fmt"
	"net/url"
	"strings"
)

// Wrapper builds and recognizes URIs that point at the proxy endpoint.
type Wrapper struct {
	prefix string // public url + endpoint path, may be root-relative
	path   string
	hosts  map[string]struct{}
}

func NewWrapper(publicURL string, endpointPath string) (*Wrapper, error) {
	endpointPath = "/" + strings.Trim(endpointPath, "/")
	publicURL = strings.TrimRight(strings.TrimSpace(publicURL), "/")

	w := &Wrapper{
		prefix: publicURL + endpointPath,
		path:   endpointPath,
		hosts:  map[string]struct{}{},
	}

	if publicURL != "" {
		u, err := url.Parse(publicURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("public url %q must be absolute", publicURL)
		}
		w.path = strings.TrimRight(u.Path, "/") + endpointPath
		w.hosts[strings.ToLower(u.Host)] = struct{}{}
	}

	return w, nil
}

// Prefix is the endpoint the wrapped URIs point at.
func (w *Wrapper) Prefix() string {
	return w.prefix
}

// Wrap returns the proxy URI for an absolute upstream URI. Wrapped input is
// returned unchanged.
func (w *Wrapper) Wrap(absolute string) string {
	return w.WrapWith(absolute, "")
}

// WrapWith is Wrap that also binds the wrapped URI to a session token, so
// every child fetch of a playback is cancelled together.
func (w *Wrapper) WrapWith(absolute string, session string) string {
	if w.IsWrapped(absolute) {
		return absolute
	}

	q := url.Values{}
	q.Set("url", absolute)
	if session != "" {
		q.Set("session", session)
	}
	return w.prefix + "?" + q.Encode()
}

// IsWrapped reports whether ref already targets the proxy endpoint. Extra
// hosts (e.g. the Host of the current request) are accepted as own hosts.
func (w *Wrapper) IsWrapped(ref string, hosts ...string) bool {
	_, ok := w.Unwrap(ref, hosts...)
	return ok
}

// Unwrap extracts the upstream URI from a wrapped ref.
func (w *Wrapper) Unwrap(ref string, hosts ...string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || u.Path != w.path {
		return "", false
	}

	if u.Host != "" {
		host := strings.ToLower(u.Host)
		_, own := w.hosts[host]
		for _, h := range hosts {
			if strings.EqualFold(h, host) {
				own = true
			}
		}
		if !own {
			return "", false
		}
	} else if u.Scheme != "" || !strings.HasPrefix(ref, "/") {
		return "", false
	}

	target := u.Query().Get("url")
	if target == "" {
		return "", false
	}

	return target, true
}
