package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("token.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("failed to load config: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		testContext.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.AccessTokenTTL != 15*time.Minute {
		testContext.Fatalf("unexpected access ttl %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 7*24*time.Hour {
		testContext.Fatalf("unexpected refresh ttl %v", cfg.RefreshTokenTTL)
	}
	if !cfg.RotateRefresh {
		testContext.Fatalf("expected rotation enabled by default")
	}
	if cfg.GoogleUserInfoURL == "" {
		testContext.Fatalf("expected default userinfo url")
	}
	if cfg.MediaMaxSizeBytes != 5*1024*1024 {
		testContext.Fatalf("unexpected media size cap %d", cfg.MediaMaxSizeBytes)
	}
	if cfg.RegisterPerMinute != 5 || cfg.LoginPerMinute != 10 {
		testContext.Fatalf("unexpected rate limits %d/%d", cfg.RegisterPerMinute, cfg.LoginPerMinute)
	}
}

func TestLoadRequiresSigningSecret(testContext *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected missing signing secret to fail")
	}
}

func TestLoadRejectsInvertedLifetimes(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("token.signing_secret", "test-secret")
	configViper.Set("token.access_ttl_minutes", 60*24*30)
	configViper.Set("token.refresh_ttl_days", 1)

	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected refresh ttl shorter than access ttl to fail")
	}
}
