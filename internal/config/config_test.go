package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Fatalf("expected 12h token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.MediaTimeout != 5*time.Second {
		t.Fatalf("expected 5s media timeout, got %s", cfg.MediaTimeout)
	}
	if cfg.DuckDB != -14 || !cfg.DimWhileSpeaking {
		t.Fatalf("unexpected ducking defaults %+v", cfg)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	_, err := Load(NewViper())
	if err == nil || !strings.Contains(err.Error(), "auth.signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadClampsDuckAttenuation(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("ducking.db", -90)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DuckDB != minDuckDB {
		t.Fatalf("expected attenuation clamped to %v, got %v", minDuckDB, cfg.DuckDB)
	}

	configViper.Set("ducking.db", 0)
	cfg, err = Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DuckDB != maxDuckDB {
		t.Fatalf("expected attenuation clamped to %v, got %v", maxDuckDB, cfg.DuckDB)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("INTERCOM_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("INTERCOM_MEDIA_TIMEOUT_MS", "250")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("expected secret from env, got %q", cfg.SigningSecret)
	}
	if cfg.MediaTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms media timeout, got %s", cfg.MediaTimeout)
	}
}

func TestLoadRejectsNonPositiveDurations(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("media.timeout_ms", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero media timeout")
	}
}
