package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// rawConfig mirrors the environment before validation and normalisation.
type rawConfig struct {
	AppName           string        `env:"APP_NAME"             envDefault:"FlashSlides"`
	AppEnv            string        `env:"APP_ENV"              envDefault:"development"`
	Port              string        `env:"PORT"                 envDefault:"3001"`
	ViewPort          string        `env:"VIEW_PORT"            envDefault:"3000"`
	LogLevel          string        `env:"LOG_LEVEL"            envDefault:"info"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	RedisURL          string        `env:"REDIS_URL"`
	JWTSecret         string        `env:"JWT_SECRET"`
	APIURL            string        `env:"API_URL"              envDefault:"http://localhost:3001"`
	AccessToken       string        `env:"ACCESS_TOKEN"`
	ShutdownPeriod    time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"10s"`
	RepairTimeout     time.Duration `env:"REPAIR_TIMEOUT"       envDefault:"5s"`
	RepairBackoff     time.Duration `env:"REPAIR_BACKOFF"       envDefault:"500ms"`
	RepairMaxRetries  int           `env:"REPAIR_MAX_RETRIES"   envDefault:"2"`
	LookupTimeout     time.Duration `env:"LOOKUP_TIMEOUT"       envDefault:"5s"`
	LoadingTimeout    time.Duration `env:"LOADING_TIMEOUT"      envDefault:"3s"`
	FeedChannel       string        `env:"FEED_CHANNEL"         envDefault:"realtime-profile"`
	ProtectedPrefixes []string      `env:"PROTECTED_PREFIXES"   envDefault:"/dashboard,/settings" envSeparator:","`
	RepairRateLimit   int           `env:"REPAIR_RATE_LIMIT"    envDefault:"10"`
	OTelEndpoint      string        `env:"OTEL_ENDPOINT"`
}

// Config captures runtime configuration shared by the provisioning API and
// the session client.
type Config struct {
	AppName           string
	AppEnv            string
	Port              string
	ViewPort          string
	LogLevel          string
	DatabaseURL       string
	RedisURL          string
	JWTSecret         string
	APIURL            string
	AccessToken       string
	ShutdownPeriod    time.Duration
	RepairTimeout     time.Duration
	RepairBackoff     time.Duration
	RepairMaxRetries  int
	LookupTimeout     time.Duration
	LoadingTimeout    time.Duration
	FeedChannel       string
	ProtectedPrefixes []string
	RepairRateLimit   int
	OTelEndpoint      string
}

// Load reads configuration values from the environment and validates them.
func Load() (Config, error) {
	var raw rawConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		AppName:           raw.AppName,
		AppEnv:            raw.AppEnv,
		Port:              raw.Port,
		ViewPort:          raw.ViewPort,
		LogLevel:          strings.ToLower(raw.LogLevel),
		DatabaseURL:       raw.DatabaseURL,
		RedisURL:          raw.RedisURL,
		JWTSecret:         raw.JWTSecret,
		APIURL:            strings.TrimRight(raw.APIURL, "/"),
		AccessToken:       strings.TrimSpace(raw.AccessToken),
		ShutdownPeriod:    raw.ShutdownPeriod,
		RepairTimeout:     raw.RepairTimeout,
		RepairBackoff:     raw.RepairBackoff,
		RepairMaxRetries:  raw.RepairMaxRetries,
		LookupTimeout:     raw.LookupTimeout,
		LoadingTimeout:    raw.LoadingTimeout,
		FeedChannel:       raw.FeedChannel,
		ProtectedPrefixes: trimCSV(raw.ProtectedPrefixes),
		RepairRateLimit:   raw.RepairRateLimit,
		OTelEndpoint:      raw.OTelEndpoint,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET must be set")
	}
	if cfg.RepairMaxRetries < 0 {
		return Config{}, fmt.Errorf("invalid REPAIR_MAX_RETRIES: %d", cfg.RepairMaxRetries)
	}
	if cfg.LoadingTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid LOADING_TIMEOUT: %s", cfg.LoadingTimeout)
	}

	return cfg, nil
}

// Address returns the provisioning API listen address in the format Fiber expects.
func (c Config) Address() string {
	return listenAddress(c.Port)
}

// ViewAddress returns the session view server listen address.
func (c Config) ViewAddress() string {
	return listenAddress(c.ViewPort)
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func trimCSV(values []string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	return result
}
