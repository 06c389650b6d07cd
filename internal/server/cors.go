package server

import (
	"net/http"
	"slices"
	"strings"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Range, Authorization"
	corsExpose  = "Content-Length, Content-Range, Accept-Ranges"
)

// cors allows cross-origin players. Preflight requests are always answered
// directly with 204, grant headers are only set for allowed origins.
func cors(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin, allowed := "*", true
			if len(origins) > 0 {
				requested := r.Header.Get("Origin")
				allowed = slices.ContainsFunc(origins, func(o string) bool { return strings.EqualFold(o, requested) })
				origin = requested
				w.Header().Add("Vary", "Origin")
			}

			// unlisted origins get no grant, the browser blocks them
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Expose-Headers", corsExpose)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
