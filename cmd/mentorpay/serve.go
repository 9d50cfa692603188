package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/malwarebo/mentorpay/api"
	"github.com/malwarebo/mentorpay/middleware"
	"github.com/malwarebo/mentorpay/security"
	"github.com/malwarebo/mentorpay/services"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook and operator HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("1/4", "Loading configuration...")
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Configuration loaded (%s)", cfg.Environment))

	printStep("2/4", "Connecting to dependencies...")
	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	dispatcher, _, err := a.dispatcher()
	if err != nil {
		return fmt.Errorf("failed to connect dispatcher: %w", err)
	}
	printSuccess(fmt.Sprintf("Dispatch driver: %s", cfg.Dispatch.Driver))

	printStep("3/4", "Wiring services...")
	tokens := a.tokenManager()
	worker := a.reconciliationWorker(tokens)

	webhooks := api.CreateWebhookHandler(
		a.paymentWebhookService(dispatcher),
		services.CreateSchedulingWebhookService(a.bookings, a.payments, cfg.Scheduling.WebhookSecret),
	)

	checks := map[string]api.Pinger{"database": a.db}
	if a.cache != nil {
		checks["redis"] = a.cache
	}

	jwtManager := security.CreateJWTManager(cfg.Security.JWTSecret, cfg.Security.JWTIssuer, cfg.Security.JWTAudience)

	var limiter *security.RateLimiter
	if cfg.Security.RateLimitEnabled {
		var counter security.Counter
		if a.cache != nil {
			counter = a.cache
		}
		limiter = security.CreateRateLimiter(counter, map[string]security.RateLimitConfig{
			"default": {Limit: cfg.Security.RateLimitPerMin, Window: time.Minute},
			"webhook": {Limit: cfg.Security.RateLimitPerMin, Window: time.Minute},
			"admin":   {Limit: max(cfg.Security.RateLimitPerMin/10, 1), Window: time.Minute},
		})
	}

	router := api.NewRouter(api.RouterConfig{
		Webhooks:     webhooks,
		Admin:        api.CreateAdminHandler(worker, tokens),
		Health:       api.CreateHealthHandler(checks),
		Auth:         middleware.CreateAuthMiddleware(jwtManager, security.RoleAdmin),
		Limiter:      limiter,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	server := &http.Server{
		Addr:           ":" + cfg.Server.Port,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	printSuccess("HTTP server configured")

	printStep("4/4", fmt.Sprintf("Starting HTTP server on port %s...", cfg.Server.Port))
	printInfo(fmt.Sprintf("Stripe webhooks:     http://localhost:%s/api/v1/webhooks/stripe", cfg.Server.Port))
	printInfo(fmt.Sprintf("Scheduling webhooks: http://localhost:%s/api/v1/webhooks/scheduling", cfg.Server.Port))
	printInfo(fmt.Sprintf("Health:              http://localhost:%s/api/v1/health", cfg.Server.Port))

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	printWarning("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	printSuccess("Server stopped gracefully")
	return nil
}
