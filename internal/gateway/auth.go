package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the request against the configured bearer token.
// An empty configured token disables auth entirely, which is the
// default for localhost-only binds.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := ExtractAPIKey(r)
	if token == "" {
		return false
	}
	// Constant-time comparison to prevent timing attacks.
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// ExtractAPIKey extracts a bearer token from request headers or query params.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header,
// api_key query param. The query param exists for browser WebSocket
// clients that cannot set headers.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
