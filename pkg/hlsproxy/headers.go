package hlsproxy

import (
	"net/http"
	"net/textproto"
	"strings"
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeaders copies end-to-end upstream headers to dst. Hop-by-hop headers,
// cookies and upstream CORS headers are not forwarded.
func copyHeaders(dst, src http.Header) {
	skip := map[string]struct{}{
		"Set-Cookie": {},
	}
	for _, h := range hopHeaders {
		skip[h] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				skip[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}

	for key, values := range src {
		if _, ok := skip[key]; ok {
			continue
		}
		if strings.HasPrefix(key, "Access-Control-") {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
