// Package config handles environment-based configuration loading with an
// optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bus modes select the dispatcher variant at process start.
const (
	BusQStash = "qstash"
	BusNATS   = "nats"
	BusLocal  = "local"
)

// Config holds every recognized setting. No other code reads the raw
// environment.
type Config struct {
	// Environment
	AppEnv string `yaml:"app_env"`
	AppURL string `yaml:"app_url"`

	// HTTP
	ListenAddress  string `yaml:"listen_address"`
	AllowedOrigins string `yaml:"allowed_origins"`

	// Stores
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// Bus
	BusMode              string `yaml:"bus_mode"`
	NATSURL              string `yaml:"nats_url"`
	QStashURL            string `yaml:"qstash_url"`
	QStashToken          string `yaml:"qstash_token"`
	QStashCurrentSignKey string `yaml:"qstash_current_signing_key"`
	QStashNextSignKey    string `yaml:"qstash_next_signing_key"`

	// Auth and providers
	AuthSecret      string `yaml:"auth_secret"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// Tunables
	ProviderConcurrency int `yaml:"provider_concurrency"`
}

// Load reads the environment (optionally overlaid on a YAML file named by
// CONFIG_FILE) and returns a validated Config. All validation failures are
// reported together.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	var errs []string

	cfg.AppEnv = envStr("APP_ENV", defaultStr(cfg.AppEnv, "development"))
	cfg.AppURL = envStr("APP_URL", cfg.AppURL)
	cfg.ListenAddress = envStr("LISTEN_ADDRESS", defaultStr(cfg.ListenAddress, ":8080"))
	cfg.AllowedOrigins = envStr("ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.DatabaseURL = envStr("DATABASE_URL", defaultStr(cfg.DatabaseURL, "reelcontent.db"))
	cfg.RedisURL = envStr("REDIS_URL", cfg.RedisURL)

	cfg.BusMode = envStr("BUS_MODE", defaultStr(cfg.BusMode, BusLocal))
	cfg.NATSURL = envStr("NATS_URL", cfg.NATSURL)
	cfg.QStashURL = envStr("QSTASH_URL", cfg.QStashURL)
	cfg.QStashToken = envStr("QSTASH_TOKEN", cfg.QStashToken)
	cfg.QStashCurrentSignKey = envStr("QSTASH_CURRENT_SIGNING_KEY", cfg.QStashCurrentSignKey)
	cfg.QStashNextSignKey = envStr("QSTASH_NEXT_SIGNING_KEY", cfg.QStashNextSignKey)

	cfg.AuthSecret = envStr("AUTH_SECRET", cfg.AuthSecret)
	cfg.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)

	cfg.ProviderConcurrency = envInt("PROVIDER_CONCURRENCY", defaultInt(cfg.ProviderConcurrency, 10), &errs)

	switch cfg.AppEnv {
	case "development", "production", "test":
	default:
		errs = append(errs, fmt.Sprintf("APP_ENV must be development, production, or test, got %q", cfg.AppEnv))
	}
	if len(cfg.AuthSecret) < 32 {
		errs = append(errs, "AUTH_SECRET must be at least 32 characters")
	}
	switch cfg.BusMode {
	case BusLocal:
	case BusQStash:
		if cfg.QStashURL == "" || cfg.QStashToken == "" {
			errs = append(errs, "BUS_MODE=qstash requires QSTASH_URL and QSTASH_TOKEN")
		}
		if cfg.QStashCurrentSignKey == "" {
			errs = append(errs, "BUS_MODE=qstash requires QSTASH_CURRENT_SIGNING_KEY")
		}
		if cfg.AppURL == "" {
			errs = append(errs, "BUS_MODE=qstash requires APP_URL as the delivery target")
		}
	case BusNATS:
		if cfg.NATSURL == "" {
			errs = append(errs, "BUS_MODE=nats requires NATS_URL")
		}
		if cfg.QStashCurrentSignKey == "" {
			errs = append(errs, "BUS_MODE=nats requires QSTASH_CURRENT_SIGNING_KEY so the worker ingress can verify re-driven jobs")
		}
	default:
		errs = append(errs, fmt.Sprintf("BUS_MODE must be qstash, nats, or local, got %q", cfg.BusMode))
	}
	if cfg.ProviderConcurrency < 1 {
		errs = append(errs, "PROVIDER_CONCURRENCY must be positive")
	}
	if cfg.AppEnv == "production" && cfg.BusMode == BusLocal {
		errs = append(errs, "BUS_MODE=local is a development mode and cannot run in production")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// IsProduction reports whether the process runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Origins returns the parsed CORS allow-list.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]string) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer, got %q", key, v))
		return fallback
	}
	return n
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
