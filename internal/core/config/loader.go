package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bjpl/resguardo/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default builds a configuration with every knob at its shipped default,
// used by tests and by deployments that configure nothing but the stores.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if len(cfg.RateLimit.Tiers) == 0 {
		cfg.RateLimit.Tiers = []TierConfig{
			{Name: string(domain.TierAnonymous), PerMinute: 60, PerHour: 1000},
			{Name: string(domain.TierAuthenticated), PerMinute: 300, PerHour: 5000},
			{Name: string(domain.TierHeavy), PerMinute: 10, PerHour: 100},
		}
	}
	for i := range cfg.RateLimit.Tiers {
		if cfg.RateLimit.Tiers[i].FailMode == "" {
			cfg.RateLimit.Tiers[i].FailMode = FailModeOpen
		}
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeout == 0 {
		cfg.Breaker.RecoveryTimeout = 60 * time.Second
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 1 * time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Retry.ExponentialBase == 0 {
		cfg.Retry.ExponentialBase = 2.0
	}

	if cfg.DLQ.RetentionDays == 0 {
		cfg.DLQ.RetentionDays = 30
	}
	if cfg.DLQ.ReplayInterval == 0 {
		cfg.DLQ.ReplayInterval = 5 * time.Minute
	}
	if cfg.DLQ.ReplayBatch == 0 {
		cfg.DLQ.ReplayBatch = 20
	}
	if cfg.DLQ.ReplayPerSecond == 0 {
		cfg.DLQ.ReplayPerSecond = 2
	}
}
