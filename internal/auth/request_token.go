package auth

import (
	"net/http"
	"strings"
)

const (
	bearerPrefix   = "Bearer "
	tokenQueryName = "token"
)

// RequestToken extracts a bearer token from the Authorization header or, for websocket
// upgrades that cannot set headers, from the "token" query parameter.
func RequestToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrInvalidToken
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}
	token := strings.TrimSpace(r.URL.Query().Get(tokenQueryName))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
