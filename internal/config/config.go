package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LEADFORMS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "leadforms.db"
	defaultLogLevel          = "info"
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultLedgerSweepPeriod = 10 * time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	IdempotencyTTL    time.Duration
	LedgerSweepPeriod time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("idempotency.ttl", defaultIdempotencyTTL)
	configViper.SetDefault("idempotency.sweep_period", defaultLedgerSweepPeriod)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		IdempotencyTTL:    configViper.GetDuration("idempotency.ttl"),
		LedgerSweepPeriod: configViper.GetDuration("idempotency.sweep_period"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.LedgerSweepPeriod <= 0 {
		return fmt.Errorf("idempotency.sweep_period must be positive")
	}
	return nil
}
