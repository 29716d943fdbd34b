// ABOUTME: HTTP middleware authenticating websocket upgrades by bearer token
// ABOUTME: Accepts the token as a "token" query parameter or an Authorization header

package auth

import (
	"net/http"
	"strings"
)

// tokenFromRequest extracts the bearer token. The query parameter wins
// because browsers cannot set headers on websocket upgrades.
// Returns the token and an error message (empty if successful).
func tokenFromRequest(r *http.Request) (string, string) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "missing token"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware resolves the request's token and attaches the user id to the
// request context. Requests without a valid token get 401.
func Middleware(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := tokenFromRequest(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			userID, err := resolver.Resolve(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
