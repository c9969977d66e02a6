package ws

import (
	"net/http"
	"strings"
)

// parseOrigins splits a comma-separated origin list, trimming blanks.
func parseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// originChecker builds the CheckOrigin func for the upgrader from the
// configured allow-list. Requests without an Origin header (same-origin or
// non-browser clients) are accepted.
func originChecker(raw string) func(r *http.Request) bool {
	allowed := parseOrigins(raw)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
