package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment    string               `json:"environment"`
	Database       DatabaseConfig       `json:"database"`
	Stripe         StripeConfig         `json:"stripe"`
	Scheduling     SchedulingConfig     `json:"scheduling"`
	Server         ServerConfig         `json:"server"`
	Redis          RedisConfig          `json:"redis"`
	Dispatch       DispatchConfig       `json:"dispatch"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`
	Security       SecurityConfig       `json:"security"`
	Monitoring     MonitoringConfig     `json:"monitoring"`
}

type DatabaseConfig struct {
	Host         string        `json:"host" envconfig:"DB_HOST"`
	Port         int           `json:"port" envconfig:"DB_PORT"`
	User         string        `json:"user" envconfig:"DB_USER"`
	Password     string        `json:"password" envconfig:"DB_PASSWORD"`
	DBName       string        `json:"dbname" envconfig:"DB_NAME"`
	SSLMode      string        `json:"sslmode" envconfig:"DB_SSLMODE"`
	MaxOpenConns int           `json:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns int           `json:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS"`
	MaxLifetime  time.Duration `json:"max_lifetime" envconfig:"DB_MAX_LIFETIME"`
	MaxIdleTime  time.Duration `json:"max_idle_time" envconfig:"DB_MAX_IDLE_TIME"`
	ReplicaDSNs  []string      `json:"replica_dsns" envconfig:"DB_REPLICA_DSNS"`
}

type StripeConfig struct {
	Secret        string `json:"secret" envconfig:"STRIPE_SECRET"`
	WebhookSecret string `json:"webhook_secret" envconfig:"STRIPE_WEBHOOK_SECRET"`
	// BaseURL overrides the API host; only set in tests and local mocks.
	BaseURL string `json:"base_url" envconfig:"STRIPE_BASE_URL"`
}

// SchedulingConfig describes the Cal.com-style scheduling service and the
// platform OAuth client used to manage mentor tokens.
type SchedulingConfig struct {
	BaseURL        string  `json:"base_url" envconfig:"SCHEDULING_BASE_URL"`
	APIVersion     string  `json:"api_version" envconfig:"SCHEDULING_API_VERSION"`
	TokenURL       string  `json:"token_url" envconfig:"SCHEDULING_TOKEN_URL"`
	ClientID       string  `json:"client_id" envconfig:"SCHEDULING_CLIENT_ID"`
	ClientSecret   string  `json:"client_secret" envconfig:"SCHEDULING_CLIENT_SECRET"`
	WebhookSecret  string  `json:"webhook_secret" envconfig:"SCHEDULING_WEBHOOK_SECRET"`
	RateLimitRPS   float64 `json:"rate_limit_rps" envconfig:"SCHEDULING_RATE_LIMIT_RPS"`
	RateLimitBurst int     `json:"rate_limit_burst" envconfig:"SCHEDULING_RATE_LIMIT_BURST"`
}

type ServerConfig struct {
	Port           string        `json:"port" envconfig:"SERVER_PORT"`
	ReadTimeout    time.Duration `json:"read_timeout" envconfig:"SERVER_READ_TIMEOUT"`
	WriteTimeout   time.Duration `json:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `json:"idle_timeout" envconfig:"SERVER_IDLE_TIMEOUT"`
	MaxHeaderBytes int           `json:"max_header_bytes" envconfig:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes   int64         `json:"max_body_bytes" envconfig:"SERVER_MAX_BODY_BYTES"`
}

type RedisConfig struct {
	Host     string `json:"host" envconfig:"REDIS_HOST"`
	Port     int    `json:"port" envconfig:"REDIS_PORT"`
	Password string `json:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `json:"db" envconfig:"REDIS_DB"`
	PoolSize int    `json:"pool_size" envconfig:"REDIS_POOL_SIZE"`
	MinIdle  int    `json:"min_idle" envconfig:"REDIS_MIN_IDLE"`
}

type DispatchConfig struct {
	// Driver is "amqp" or "outbox".
	Driver        string        `json:"driver" envconfig:"DISPATCH_DRIVER"`
	AMQPURL       string        `json:"amqp_url" envconfig:"DISPATCH_AMQP_URL"`
	Exchange      string        `json:"exchange" envconfig:"DISPATCH_EXCHANGE"`
	Queue         string        `json:"queue" envconfig:"DISPATCH_QUEUE"`
	Prefetch      int           `json:"prefetch" envconfig:"DISPATCH_PREFETCH"`
	MaxAttempts   int           `json:"max_attempts" envconfig:"DISPATCH_MAX_ATTEMPTS"`
	BaseDelay     time.Duration `json:"base_delay" envconfig:"DISPATCH_BASE_DELAY"`
	MaxDelay      time.Duration `json:"max_delay" envconfig:"DISPATCH_MAX_DELAY"`
	PollInterval  time.Duration `json:"poll_interval" envconfig:"DISPATCH_POLL_INTERVAL"`
	PollBatchSize int           `json:"poll_batch_size" envconfig:"DISPATCH_POLL_BATCH_SIZE"`
}

type ReconciliationConfig struct {
	DisputePeriod       time.Duration `json:"dispute_period" envconfig:"RECONCILIATION_DISPUTE_PERIOD"`
	BookingTimeout      time.Duration `json:"booking_timeout" envconfig:"RECONCILIATION_BOOKING_TIMEOUT"`
	RefundTimeout       time.Duration `json:"refund_timeout" envconfig:"RECONCILIATION_REFUND_TIMEOUT"`
	TokenRefreshTimeout time.Duration `json:"token_refresh_timeout" envconfig:"RECONCILIATION_TOKEN_REFRESH_TIMEOUT"`
	RefundMaxAttempts   int           `json:"refund_max_attempts" envconfig:"RECONCILIATION_REFUND_MAX_ATTEMPTS"`
	RefreshLockTTL      time.Duration `json:"refresh_lock_ttl" envconfig:"RECONCILIATION_REFRESH_LOCK_TTL"`
	BreakerMaxFailures  int           `json:"breaker_max_failures" envconfig:"RECONCILIATION_BREAKER_MAX_FAILURES"`
	BreakerResetTimeout time.Duration `json:"breaker_reset_timeout" envconfig:"RECONCILIATION_BREAKER_RESET_TIMEOUT"`
}

type SecurityConfig struct {
	JWTSecret        string `json:"jwt_secret" envconfig:"SECURITY_JWT_SECRET"`
	JWTIssuer        string `json:"jwt_issuer" envconfig:"SECURITY_JWT_ISSUER"`
	JWTAudience      string `json:"jwt_audience" envconfig:"SECURITY_JWT_AUDIENCE"`
	RateLimitEnabled bool   `json:"rate_limit_enabled" envconfig:"SECURITY_RATE_LIMIT_ENABLED"`
	RateLimitPerMin  int64  `json:"rate_limit_per_min" envconfig:"SECURITY_RATE_LIMIT_PER_MIN"`
}

type MonitoringConfig struct {
	LogLevel        string `json:"log_level" envconfig:"MONITORING_LOG_LEVEL"`
	LogFormat       string `json:"log_format" envconfig:"MONITORING_LOG_FORMAT"`
	EnableTracing   bool   `json:"enable_tracing" envconfig:"MONITORING_ENABLE_TRACING"`
	TracingEndpoint string `json:"tracing_endpoint" envconfig:"MONITORING_TRACING_ENDPOINT"`
}

func LoadConfig() (*Config, error) {
	configDir, err := filepath.Abs("config")
	if err != nil {
		return nil, err
	}
	return LoadConfigFrom(filepath.Join(configDir, "config.json"))
}

// LoadConfigFrom layers, in increasing precedence: the JSON file at path (if
// present), a .env file in the working directory (if present), the process
// environment, and finally per-environment defaults for anything still unset.
func LoadConfigFrom(configPath string) (*Config, error) {
	config := &Config{}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, err
	}

	if config.Environment == "" {
		config.Environment = "development"
	}
	config.setEnvironmentDefaults()

	return config, nil
}

func (c *Config) loadFromEnv() error {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		c.Environment = env
	}

	// Tags carry the full variable name (DB_HOST, STRIPE_SECRET, ...) so the
	// empty prefix never falls back to generic names like USER or PORT.
	sections := []interface{}{
		&c.Database,
		&c.Stripe,
		&c.Scheduling,
		&c.Server,
		&c.Redis,
		&c.Dispatch,
		&c.Reconciliation,
		&c.Security,
		&c.Monitoring,
	}

	for _, section := range sections {
		if err := envconfig.Process("", section); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
	}
	return nil
}

func (c *Config) setEnvironmentDefaults() {
	c.setCommonDefaults()

	switch c.Environment {
	case "production":
		c.setProductionDefaults()
	case "staging":
		c.setStagingDefaults()
	default: // development
		c.setDevelopmentDefaults()
	}
}

func (c *Config) setCommonDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Scheduling.APIVersion == "" {
		c.Scheduling.APIVersion = "2024-08-13"
	}
	if c.Scheduling.RateLimitRPS == 0 {
		c.Scheduling.RateLimitRPS = 10
	}
	if c.Scheduling.RateLimitBurst == 0 {
		c.Scheduling.RateLimitBurst = 20
	}
	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "amqp"
	}
	if c.Dispatch.Exchange == "" {
		c.Dispatch.Exchange = "mentorpay.events"
	}
	if c.Dispatch.Queue == "" {
		c.Dispatch.Queue = "mentorpay.booking-reconciliation"
	}
	if c.Dispatch.Prefetch == 0 {
		c.Dispatch.Prefetch = 8
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 8
	}
	if c.Dispatch.BaseDelay == 0 {
		c.Dispatch.BaseDelay = 5 * time.Second
	}
	if c.Dispatch.MaxDelay == 0 {
		c.Dispatch.MaxDelay = 30 * time.Minute
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = 2 * time.Second
	}
	if c.Dispatch.PollBatchSize == 0 {
		c.Dispatch.PollBatchSize = 50
	}
	if c.Reconciliation.DisputePeriod == 0 {
		c.Reconciliation.DisputePeriod = 7 * 24 * time.Hour
	}
	if c.Reconciliation.BookingTimeout == 0 {
		c.Reconciliation.BookingTimeout = 20 * time.Second
	}
	if c.Reconciliation.RefundTimeout == 0 {
		c.Reconciliation.RefundTimeout = 15 * time.Second
	}
	if c.Reconciliation.TokenRefreshTimeout == 0 {
		c.Reconciliation.TokenRefreshTimeout = 10 * time.Second
	}
	if c.Reconciliation.RefundMaxAttempts == 0 {
		c.Reconciliation.RefundMaxAttempts = 3
	}
	if c.Reconciliation.RefreshLockTTL == 0 {
		c.Reconciliation.RefreshLockTTL = 30 * time.Second
	}
	if c.Reconciliation.BreakerMaxFailures == 0 {
		c.Reconciliation.BreakerMaxFailures = 5
	}
	if c.Reconciliation.BreakerResetTimeout == 0 {
		c.Reconciliation.BreakerResetTimeout = 30 * time.Second
	}
	if c.Security.JWTIssuer == "" {
		c.Security.JWTIssuer = "mentorpay"
	}
	if c.Security.JWTAudience == "" {
		c.Security.JWTAudience = "mentorpay-admin"
	}
	if c.Monitoring.LogLevel == "" {
		c.Monitoring.LogLevel = "info"
	}
	if c.Monitoring.LogFormat == "" {
		c.Monitoring.LogFormat = "json"
	}
}

func (c *Config) setDevelopmentDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Security.RateLimitPerMin == 0 {
		c.Security.RateLimitPerMin = 6000
	}
}

func (c *Config) setStagingDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 20
	}
	if c.Security.RateLimitPerMin == 0 {
		c.Security.RateLimitPerMin = 3000
	}
}

func (c *Config) setProductionDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 200
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 50
	}
	if c.Database.MaxLifetime == 0 {
		c.Database.MaxLifetime = time.Hour
	}
	if c.Database.MaxIdleTime == 0 {
		c.Database.MaxIdleTime = 10 * time.Minute
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdle == 0 {
		c.Redis.MinIdle = 10
	}
	if c.Security.RateLimitPerMin == 0 {
		c.Security.RateLimitPerMin = 1200
	}
}

// RefreshURL falls back to the conventional refresh endpoint of the scheduling
// service when no explicit token URL is configured.
// ClaimTimeout bounds how long a saga claim may be held. Before the booking
// call starts, a claimant can wait out another instance's refresh lock and
// then run a normal and a forced refresh.
func (r ReconciliationConfig) ClaimTimeout() time.Duration {
	return r.BookingTimeout + 2*r.TokenRefreshTimeout + r.RefreshLockTTL
}

func (s SchedulingConfig) RefreshURL() string {
	if s.TokenURL != "" {
		return s.TokenURL
	}
	return fmt.Sprintf("%s/v2/oauth/%s/refresh", s.BaseURL, s.ClientID)
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
