package main

import (
	"context"
	"fmt"

	"github.com/malwarebo/mentorpay/cache"
	"github.com/malwarebo/mentorpay/config"
	"github.com/malwarebo/mentorpay/config/db"
	"github.com/malwarebo/mentorpay/dispatch"
	"github.com/malwarebo/mentorpay/observability"
	"github.com/malwarebo/mentorpay/providers"
	"github.com/malwarebo/mentorpay/resilience"
	"github.com/malwarebo/mentorpay/services"
	"github.com/malwarebo/mentorpay/stores"
	"github.com/malwarebo/mentorpay/utils"
)

// app holds the process-wide dependencies shared by every subcommand.
type app struct {
	cfg   *config.Config
	db    *db.DB
	cache *cache.RedisCache

	payments *stores.PaymentStore
	bookings *stores.BookingStore
	tokens   *stores.OAuthTokenStore
	saga     *stores.SagaStore
	events   *stores.DispatchStore

	stripe     *providers.StripeProvider
	scheduling *providers.SchedulingClient
	executor   *resilience.Executor

	broker *dispatch.AMQPBroker
	outbox *dispatch.Outbox

	shutdownTracer func(context.Context) error
}

func bootstrap(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	shutdown, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName: "mentorpay",
		Version:     Version,
		Environment: cfg.Environment,
		Endpoint:    cfg.Monitoring.TracingEndpoint,
		Enabled:     cfg.Monitoring.EnableTracing,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.shutdownTracer = shutdown

	database, err := db.CreateDB(cfg)
	if err != nil {
		return nil, err
	}
	a.db = database
	printSuccess(fmt.Sprintf("Connected to PostgreSQL at %s:%d", cfg.Database.Host, cfg.Database.Port))

	redisCache, err := cache.CreateRedisCache(cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		MinIdle:  cfg.Redis.MinIdle,
	})
	if err != nil {
		printWarning(fmt.Sprintf("Failed to connect to Redis: %v (token refresh and rate limits fall back to per-instance)", err))
	} else {
		a.cache = redisCache
		printSuccess(fmt.Sprintf("Connected to Redis at %s:%d", cfg.Redis.Host, cfg.Redis.Port))
	}

	gormDB := database.GetDB()
	a.payments = stores.CreatePaymentStore(gormDB)
	a.bookings = stores.CreateBookingStore(gormDB)
	a.tokens = stores.CreateOAuthTokenStore(gormDB)
	a.saga = stores.CreateSagaStore(gormDB)
	a.events = stores.CreateDispatchStore(gormDB)

	a.stripe = providers.CreateStripeProvider(cfg.Stripe.Secret, cfg.Stripe.WebhookSecret, cfg.Stripe.BaseURL, nil)
	a.scheduling = providers.CreateSchedulingClient(providers.SchedulingClientConfig{
		BaseURL:    cfg.Scheduling.BaseURL,
		APIVersion: cfg.Scheduling.APIVersion,
		RPS:        cfg.Scheduling.RateLimitRPS,
		Burst:      cfg.Scheduling.RateLimitBurst,
	})
	a.executor = resilience.CreateExecutor(cfg.Reconciliation.BreakerMaxFailures, cfg.Reconciliation.BreakerResetTimeout)

	return a, nil
}

// dispatcher returns the configured dispatch channel. It connects to the
// broker on first use.
func (a *app) dispatcher() (dispatch.Dispatcher, dispatch.Consumer, error) {
	d := a.cfg.Dispatch
	switch d.Driver {
	case "outbox":
		if a.outbox == nil {
			a.outbox = dispatch.CreateOutbox(a.events, dispatch.OutboxConfig{
				MaxAttempts:  d.MaxAttempts,
				PollInterval: d.PollInterval,
				BatchSize:    d.PollBatchSize,
			})
		}
		return a.outbox, a.outbox, nil
	default:
		if a.broker == nil {
			broker, err := dispatch.DialAMQP(dispatch.AMQPConfig{
				URL:         d.AMQPURL,
				Exchange:    d.Exchange,
				Queue:       d.Queue,
				Prefetch:    d.Prefetch,
				MaxAttempts: d.MaxAttempts,
				BaseDelay:   d.BaseDelay,
				MaxDelay:    d.MaxDelay,
			})
			if err != nil {
				return nil, nil, err
			}
			a.broker = broker
		}
		return a.broker, a.broker, nil
	}
}

func (a *app) tokenManager() *services.TokenManager {
	oauth := providers.CreateOAuthClient(a.scheduling, a.cfg.Scheduling.ClientID, a.cfg.Scheduling.ClientSecret, a.cfg.Scheduling.RefreshURL())

	// A nil *RedisCache must not become a non-nil interface.
	var locker services.RefreshLocker
	if a.cache != nil {
		locker = a.cache
	}

	return services.CreateTokenManager(a.tokens, oauth, locker, services.TokenManagerConfig{
		CallTimeout: a.cfg.Reconciliation.TokenRefreshTimeout,
		LockTTL:     a.cfg.Reconciliation.RefreshLockTTL,
	})
}

func (a *app) reconciliationWorker(tokens *services.TokenManager) *services.ReconciliationWorker {
	rc := a.cfg.Reconciliation
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = rc.RefundMaxAttempts

	return services.CreateReconciliationWorker(
		a.payments,
		a.bookings,
		a.saga,
		tokens,
		a.scheduling,
		a.stripe,
		a.executor,
		services.ReconciliationConfig{
			BookingTimeout: rc.BookingTimeout,
			RefundTimeout:  rc.RefundTimeout,
			ClaimTimeout:   rc.ClaimTimeout(),
			RefundRetry:    retry,
		},
	)
}

func (a *app) paymentWebhookService(dispatcher dispatch.Dispatcher) *services.PaymentWebhookService {
	return services.CreatePaymentWebhookService(a.payments, a.stripe, dispatcher, a.cfg.Reconciliation.DisputePeriod)
}

func (a *app) close(ctx context.Context) {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			utils.Warn(ctx, "failed to close broker", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			utils.Warn(ctx, "failed to flush traces", map[string]interface{}{"error": err.Error()})
		}
	}
}
