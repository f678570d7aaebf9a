// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Extracts the JWT from the Authorization header (or ?token=) and adds the principal to context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
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

// HTTPAuthMiddleware rejects requests without a valid bearer token.
// A nil verifier disables authentication; requests then carry an anonymous AuthContext.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return middleware(verifier, false)
}

// QueryAuthMiddleware is HTTPAuthMiddleware that also accepts the token as the
// "token" query parameter, for browser websocket clients that cannot set headers.
func QueryAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return middleware(verifier, true)
}

func middleware(verifier TokenVerifier, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{Anonymous: true})))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" && allowQuery {
				if q := r.URL.Query().Get("token"); q != "" {
					token, errMsg = q, ""
				}
			}
			if errMsg != "" {
				writeAuthError(w, errMsg)
				return
			}

			principalID, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, msg)
				return
			}

			authCtx := &AuthContext{PrincipalID: principalID}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
