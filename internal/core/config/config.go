package config

import (
	"fmt"
	"time"

	"github.com/bjpl/resguardo/internal/core/domain"
	redisclient "github.com/bjpl/resguardo/internal/infra/redis"
	"github.com/bjpl/resguardo/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Breaker   BreakerConfig      `yaml:"breaker"`
	Retry     RetryConfig        `yaml:"retry"`
	DLQ       DLQConfig          `yaml:"dlq"`
	Services  ServicesConfig     `yaml:"services"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  postgres.Config    `yaml:"database"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RateLimitConfig holds the per-tier budgets for inbound traffic.
type RateLimitConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
}

// TierConfig is one caller class and its budget. FailMode decides what
// happens when the counter store is unreachable: "open" admits the
// request, "closed" denies it.
type TierConfig struct {
	Name      string `yaml:"name"`
	PerMinute int    `yaml:"per_minute"`
	PerHour   int    `yaml:"per_hour"`
	FailMode  string `yaml:"fail_mode"`
}

// BreakerConfig holds circuit breaker settings shared by all dependencies.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RetryConfig holds the default retry policy for outbound calls, plus
// per-category overrides keyed by call-site category ("scrape",
// "api_fetch", "nlp_batch", "db_write").
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
	Jitter          bool          `yaml:"jitter"`

	Categories map[string]RetryOverride `yaml:"categories"`
}

// RetryOverride adjusts the default retry policy for one category.
// Zero fields inherit the default.
type RetryOverride struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
}

// ForCategory returns the effective policy for one call-site category.
func (c *RetryConfig) ForCategory(category string) RetryConfig {
	merged := *c
	merged.Categories = nil
	o, ok := c.Categories[category]
	if !ok {
		return merged
	}
	if o.MaxAttempts > 0 {
		merged.MaxAttempts = o.MaxAttempts
	}
	if o.InitialDelay > 0 {
		merged.InitialDelay = o.InitialDelay
	}
	if o.MaxDelay > 0 {
		merged.MaxDelay = o.MaxDelay
	}
	if o.ExponentialBase > 0 {
		merged.ExponentialBase = o.ExponentialBase
	}
	return merged
}

// DLQConfig holds dead-letter queue retention and replay settings.
type DLQConfig struct {
	RetentionDays  int           `yaml:"retention_days"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	ReplayBatch    int           `yaml:"replay_batch"`
	// ReplayPerSecond paces replays so a recovering dependency is not
	// flooded with the whole backlog at once.
	ReplayPerSecond float64 `yaml:"replay_per_second"`
}

// ServicesConfig points the replay dispatcher at the platform services
// that re-execute queued operations. An empty URL leaves that operation
// type without a replay handler; its records stay queued until an
// operator discards them.
type ServicesConfig struct {
	ScraperURL string `yaml:"scraper_url"`
	APIURL     string `yaml:"api_url"`
	NLPURL     string `yaml:"nlp_url"`
}

const (
	FailModeOpen   = "open"
	FailModeClosed = "closed"
)

// Validate rejects configurations that would misbehave at runtime.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool)
	for _, tier := range c.RateLimit.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("rate_limit: tier with empty name")
		}
		if seen[tier.Name] {
			return fmt.Errorf("rate_limit: duplicate tier %q", tier.Name)
		}
		seen[tier.Name] = true
		if !domain.Tier(tier.Name).Valid() {
			return fmt.Errorf("rate_limit: unknown tier %q", tier.Name)
		}
		if tier.PerMinute <= 0 || tier.PerHour <= 0 {
			return fmt.Errorf("rate_limit: tier %q limits must be positive", tier.Name)
		}
		if tier.FailMode != FailModeOpen && tier.FailMode != FailModeClosed {
			return fmt.Errorf("rate_limit: tier %q fail_mode must be %q or %q",
				tier.Name, FailModeOpen, FailModeClosed)
		}
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker: failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker: recovery_timeout must be positive")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry: max_attempts must be positive")
	}
	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry: initial_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry: max_delay must be >= initial_delay")
	}
	if c.Retry.ExponentialBase < 1 {
		return fmt.Errorf("retry: exponential_base must be >= 1")
	}
	for name, o := range c.Retry.Categories {
		if name == "" {
			return fmt.Errorf("retry: category with empty name")
		}
		if o.MaxAttempts < 0 || o.InitialDelay < 0 || o.MaxDelay < 0 || o.ExponentialBase < 0 {
			return fmt.Errorf("retry: category %q overrides must not be negative", name)
		}
		merged := c.Retry.ForCategory(name)
		if merged.MaxDelay < merged.InitialDelay {
			return fmt.Errorf("retry: category %q max_delay must be >= initial_delay", name)
		}
	}

	if c.DLQ.RetentionDays <= 0 {
		return fmt.Errorf("dlq: retention_days must be positive")
	}
	if c.DLQ.ReplayBatch <= 0 {
		return fmt.Errorf("dlq: replay_batch must be positive")
	}

	return nil
}

// TierFor returns the configured budget for tier. Unknown names fall back
// to the anonymous tier so unrecognized callers get the strictest general
// budget.
func (c *RateLimitConfig) TierFor(tier domain.Tier) TierConfig {
	var anon TierConfig
	for _, t := range c.Tiers {
		if t.Name == string(tier) {
			return t
		}
		if t.Name == string(domain.TierAnonymous) {
			anon = t
		}
	}
	return anon
}
