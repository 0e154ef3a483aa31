package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsUseMemoryDrivers(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TRANSPORT_DRIVER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Transport.Driver != "memory" {
		t.Fatalf("expected memory transport, got %q", cfg.Transport.Driver)
	}
	if cfg.Transport.CallTimeout != 30*time.Second {
		t.Fatalf("expected 30s call timeout, got %s", cfg.Transport.CallTimeout)
	}
	if cfg.RFI.SequenceHeader != "X-RFI-Sequence" {
		t.Fatalf("unexpected sequence header %q", cfg.RFI.SequenceHeader)
	}
}

func TestLoadRejectsGmailWithoutCredentials(t *testing.T) {
	t.Setenv("TRANSPORT_DRIVER", "gmail")
	t.Setenv("GMAIL_CLIENT_ID", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected gmail driver without credentials to fail")
	}
}

func TestDurationFallbackOnGarbage(t *testing.T) {
	t.Setenv("INGEST_RETRY_BASE", "soon")
	if got := getEnvAsDuration("INGEST_RETRY_BASE", time.Second); got != time.Second {
		t.Fatalf("expected fallback of 1s, got %s", got)
	}
	t.Setenv("INGEST_RETRY_BASE", "250ms")
	if got := getEnvAsDuration("INGEST_RETRY_BASE", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
}

func TestValidateRejectsSubscriptionWithoutProject(t *testing.T) {
	cfg := &Config{
		Transport: TransportConfig{Driver: "memory", MaxAttempts: 1},
		PubSub:    PubSubConfig{Subscription: "rfi-sub"},
		Ingestion: IngestionConfig{Workers: 1, MaxAttempts: 1},
		RFI:       RFIConfig{DefaultPrefix: "RFI"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRequiresWebhookCredentialsInProduction(t *testing.T) {
	cfg := &Config{
		App:       AppConfig{Env: "production"},
		Transport: TransportConfig{Driver: "memory", MaxAttempts: 1},
		Ingestion: IngestionConfig{Workers: 1, MaxAttempts: 1},
		RFI:       RFIConfig{DefaultPrefix: "RFI"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected production without webhook credentials to fail")
	}
	cfg.Webhook.Token = "push-token"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected token to satisfy validation, got %v", err)
	}
}
