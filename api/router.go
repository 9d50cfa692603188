package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/malwarebo/mentorpay/middleware"
	"github.com/malwarebo/mentorpay/security"
)

type RouterConfig struct {
	Webhooks     *WebhookHandler
	Admin        *AdminHandler
	Health       *HealthHandler
	Auth         *middleware.AuthMiddleware
	Limiter      *security.RateLimiter
	MaxBodyBytes int64
}

func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CorrelationMiddleware)
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.RecoveryMiddleware)
	router.Use(middleware.HeadersMiddleware)

	router.HandleFunc("/api/v1/health", cfg.Health.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/metrics", MetricsHandler).Methods(http.MethodGet)

	webhookRouter := router.PathPrefix("/api/v1/webhooks").Subrouter()
	webhookRouter.Use(middleware.BodyLimitMiddleware(cfg.MaxBodyBytes))
	if cfg.Limiter != nil {
		webhookRouter.Use(middleware.RateLimitMiddleware(cfg.Limiter, "webhook"))
	}
	webhookRouter.HandleFunc("/stripe", cfg.Webhooks.HandleStripeWebhook).Methods(http.MethodPost)
	webhookRouter.HandleFunc("/scheduling", cfg.Webhooks.HandleSchedulingWebhook).Methods(http.MethodPost)

	adminRouter := router.PathPrefix("/api/v1").Subrouter()
	adminRouter.Use(middleware.BodyLimitMiddleware(cfg.MaxBodyBytes))
	adminRouter.Use(cfg.Auth.JWTMiddleware)
	if cfg.Limiter != nil {
		adminRouter.Use(middleware.RateLimitMiddleware(cfg.Limiter, "admin"))
	}
	adminRouter.HandleFunc("/admin/sagas/stuck", cfg.Admin.HandleListStuckSagas).Methods(http.MethodGet)
	adminRouter.HandleFunc("/admin/sagas/{paymentId}/resume", cfg.Admin.HandleResumeSaga).Methods(http.MethodPost)
	adminRouter.HandleFunc("/integrations/{mentorId}", cfg.Admin.HandleGetIntegration).Methods(http.MethodGet)

	return router
}
