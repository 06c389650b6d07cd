package utils

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

func HttpJsonResponse(w http.ResponseWriter, code int, res any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Err(err).Str("module", "http").Msg("sending http json response failed")
	}
}

func HttpJsonError(w http.ResponseWriter, code int, message string) {
	HttpJsonResponse(w, code, map[string]string{
		"error": message,
	})
}

// HttpRequestBase returns scheme and host the client used to reach us.
func HttpRequestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
