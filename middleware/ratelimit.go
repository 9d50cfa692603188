package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/malwarebo/mentorpay/security"
	"github.com/malwarebo/mentorpay/utils"
)

// RateLimitMiddleware limits requests per actor within tier. The actor is the
// authenticated operator when there is one, otherwise the client address.
func RateLimitMiddleware(limiter *security.RateLimiter, tier string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFromContext(r.Context())
			if actor == "" {
				actor = clientIP(r)
			}

			decision := limiter.Allow(r.Context(), tier, actor)
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			if !decision.Allowed {
				retry := int(math.Ceil(decision.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				utils.Warn(r.Context(), "rate limit exceeded", map[string]interface{}{
					"tier":  tier,
					"actor": actor,
					"path":  r.URL.Path,
				})
				writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
