// ABOUTME: HTTP middleware for JWT authentication on the chat endpoint
// ABOUTME: Reads the token from the Authorization header or the token query parameter

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractToken finds the bearer token. Browsers cannot set headers on a
// WebSocket upgrade, so ?token= is accepted as well.
// Returns the token and an error message (empty if successful).
func extractToken(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing authorization"
}

// HTTPAuthMiddleware rejects requests without a valid token. A token scoped
// to a session only opens that session's {session_id} path.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if claims.SessionID != "" && claims.SessionID != r.PathValue("session_id") {
				logger.Warn("token used for another session",
					"subject", claims.Subject,
					"token_session", claims.SessionID,
					"path", r.URL.Path,
				)
				http.Error(w, `{"error":"token not valid for this session"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
