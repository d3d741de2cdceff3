package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "INTERCOM"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "intercom.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 720
	defaultMediaTimeoutMS   = 5000
	defaultDuckDB           = -14.0
	defaultDimWhileSpeaking = true
	minDuckDB               = -60.0
	maxDuckDB               = -6.0
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTL         time.Duration
	MediaTimeout     time.Duration
	DuckDB           float64
	DimWhileSpeaking bool
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
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("media.timeout_ms", defaultMediaTimeoutMS)
	configViper.SetDefault("ducking.db", defaultDuckDB)
	configViper.SetDefault("ducking.dim_while_speaking", defaultDimWhileSpeaking)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		MediaTimeout:     time.Duration(configViper.GetInt("media.timeout_ms")) * time.Millisecond,
		DuckDB:           configViper.GetFloat64("ducking.db"),
		DimWhileSpeaking: configViper.GetBool("ducking.dim_while_speaking"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	cfg.DuckDB = math.Min(maxDuckDB, math.Max(minDuckDB, cfg.DuckDB))

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.MediaTimeout <= 0 {
		return fmt.Errorf("media.timeout_ms must be positive")
	}
	if math.IsNaN(c.DuckDB) {
		return fmt.Errorf("ducking.db must be a number")
	}
	return nil
}
