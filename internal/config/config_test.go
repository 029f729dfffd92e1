package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("got port %d, want 8080", cfg.Port)
	}
	if cfg.QuoteCacheTTL != 30*time.Second {
		t.Errorf("got quote ttl %v, want 30s", cfg.QuoteCacheTTL)
	}
	if cfg.QuoteMaxSymbols != 15 {
		t.Errorf("got max symbols %d, want 15", cfg.QuoteMaxSymbols)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Errorf("got token ttl %v, want 12h", cfg.TokenTTL)
	}
	if cfg.JWTSecret != "change-me" {
		t.Errorf("got jwt secret %q, want development default", cfg.JWTSecret)
	}
	if cfg.EventsBackend != "log" {
		t.Errorf("got events backend %q, want log", cfg.EventsBackend)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("QUOTE_CACHE_TTL", "10s")
	t.Setenv("EVENTS_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("got port %d, want 9090", cfg.Port)
	}
	if cfg.QuoteCacheTTL != 10*time.Second {
		t.Errorf("got quote ttl %v, want 10s", cfg.QuoteCacheTTL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("got brokers %v, want [k1:9092 k2:9092]", cfg.KafkaBrokers)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"port", "PORT", "abc"},
		{"log level", "LOG_LEVEL", "verbose"},
		{"db driver", "DB_DRIVER", "mysql"},
		{"market provider", "MARKET_PROVIDER", "yahoo"},
		{"ttl", "QUOTE_CACHE_TTL", "soon"},
		{"max symbols", "QUOTE_MAX_SYMBOLS", "0"},
		{"events backend", "EVENTS_BACKEND", "redis"},
		{"kafka without brokers", "EVENTS_BACKEND", "kafka"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when JWT_SECRET is missing in production")
	}
}
