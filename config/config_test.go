package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Database:    DatabaseConfig{Host: "localhost", Port: 5432, User: "mentorpay", DBName: "mentorpay"},
		Server:      ServerConfig{Port: "8080"},
		Stripe:      StripeConfig{Secret: "sk_test_x", WebhookSecret: "whsec_x"},
		Scheduling: SchedulingConfig{
			BaseURL:       "https://api.cal.com",
			ClientID:      "client",
			ClientSecret:  "secret",
			WebhookSecret: "whsec_cal",
		},
		Dispatch: DispatchConfig{Driver: "outbox", MaxAttempts: 8},
	}
}

func TestLoadConfigFrom_FileThenEnvThenDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"environment": "production",
		"database": {"host": "db.internal", "port": 5432, "user": "app", "dbname": "mentorpay"},
		"dispatch": {"driver": "outbox"}
	}`), 0o600))

	t.Setenv("DB_HOST", "db.override")
	t.Setenv("RECONCILIATION_BOOKING_TIMEOUT", "45s")
	t.Setenv("DB_REPLICA_DSNS", "postgres://r1,postgres://r2")

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "db.override", cfg.Database.Host)
	assert.Equal(t, "app", cfg.Database.User)
	assert.Equal(t, []string{"postgres://r1", "postgres://r2"}, cfg.Database.ReplicaDSNs)
	assert.Equal(t, "outbox", cfg.Dispatch.Driver)
	assert.Equal(t, 45*time.Second, cfg.Reconciliation.BookingTimeout)

	assert.Equal(t, 200, cfg.Database.MaxOpenConns)
	assert.Equal(t, int64(1200), cfg.Security.RateLimitPerMin)
	assert.Equal(t, 7*24*time.Hour, cfg.Reconciliation.DisputePeriod)
	assert.Equal(t, "mentorpay-admin", cfg.Security.JWTAudience)
}

func TestLoadConfigFrom_MissingFileUsesDevelopmentDefaults(t *testing.T) {
	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "amqp", cfg.Dispatch.Driver)
	assert.Equal(t, 8, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, int64(6000), cfg.Security.RateLimitPerMin)
}

func TestLoadConfigFrom_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"environment":`), 0o600))

	_, err := LoadConfigFrom(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing db host", mutate: func(c *Config) { c.Database.Host = "" }, wantErr: "database config"},
		{name: "missing stripe webhook secret", mutate: func(c *Config) { c.Stripe.WebhookSecret = "" }, wantErr: "stripe config"},
		{name: "relative scheduling url", mutate: func(c *Config) { c.Scheduling.BaseURL = "cal.com" }, wantErr: "scheduling config"},
		{name: "missing oauth client", mutate: func(c *Config) { c.Scheduling.ClientSecret = "" }, wantErr: "oauth client credentials"},
		{name: "amqp without url", mutate: func(c *Config) { c.Dispatch.Driver = "amqp" }, wantErr: "amqp url is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.Dispatch.Driver = "kafka" }, wantErr: "unknown driver"},
		{name: "production without jwt secret", mutate: func(c *Config) { c.Environment = "production" }, wantErr: "jwt secret is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSchedulingConfig_RefreshURL(t *testing.T) {
	s := SchedulingConfig{BaseURL: "https://api.cal.com", ClientID: "abc"}
	assert.Equal(t, "https://api.cal.com/v2/oauth/abc/refresh", s.RefreshURL())

	s.TokenURL = "https://auth.example.com/token"
	assert.Equal(t, "https://auth.example.com/token", s.RefreshURL())
}

func TestReconciliationConfig_ClaimTimeoutCoversRefreshLock(t *testing.T) {
	rc := ReconciliationConfig{
		BookingTimeout:      20 * time.Second,
		TokenRefreshTimeout: 10 * time.Second,
		RefreshLockTTL:      30 * time.Second,
	}
	assert.Equal(t, 70*time.Second, rc.ClaimTimeout())
}

func TestGetDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "pw"
	cfg.Database.SSLMode = "require"
	assert.Equal(t, "postgres://mentorpay:pw@localhost:5432/mentorpay?sslmode=require", cfg.GetDatabaseURL())
}
