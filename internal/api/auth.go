package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireIngestToken enforces the shared bearer token on /api/v1 routes.
// When no token is configured the middleware passes everything through,
// matching the client extension's current unauthenticated deployments.
func (s *Server) requireIngestToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ingestToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.ingestToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "Invalid or missing bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
