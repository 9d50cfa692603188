package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/malwarebo/mentorpay/security"
	"github.com/malwarebo/mentorpay/utils"
)

type actorKey struct{}

// ActorFromContext returns the authenticated operator subject, if any.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}

type AuthMiddleware struct {
	jwtManager *security.JWTManager
	role       string
}

func CreateAuthMiddleware(jwtManager *security.JWTManager, role string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager: jwtManager,
		role:       role,
	}
}

func (am *AuthMiddleware) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		claims, err := am.jwtManager.ValidateToken(token)
		if err != nil {
			utils.Warn(r.Context(), "rejected bearer token", map[string]interface{}{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		if am.role != "" && !claims.HasRole(am.role) {
			utils.Warn(r.Context(), "bearer token lacks required role", map[string]interface{}{
				"path":    r.URL.Path,
				"subject": claims.Subject,
				"role":    am.role,
			})
			writeErrorResponse(w, http.StatusForbidden, "Forbidden")
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
