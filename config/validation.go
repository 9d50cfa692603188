package config

import (
	"fmt"
	"net/url"
)

func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Stripe.Validate(); err != nil {
		return fmt.Errorf("stripe config: %w", err)
	}

	if err := c.Scheduling.Validate(); err != nil {
		return fmt.Errorf("scheduling config: %w", err)
	}

	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch config: %w", err)
	}

	if c.IsProduction() && c.Security.JWTSecret == "" {
		return fmt.Errorf("security config: jwt secret is required in production")
	}

	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}

func (c *StripeConfig) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("secret key is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func (c *SchedulingConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("base url is invalid: %w", err)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("oauth client credentials are required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func (c *DispatchConfig) Validate() error {
	switch c.Driver {
	case "amqp":
		if c.AMQPURL == "" {
			return fmt.Errorf("amqp url is required for the amqp driver")
		}
	case "outbox":
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	return nil
}
