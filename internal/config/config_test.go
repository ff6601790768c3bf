package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if !cfg.InboundLocalRatePerMin.Equal(decimal.RequireFromString("0.025")) {
		t.Fatalf("unexpected default inbound rate: %s", cfg.InboundLocalRatePerMin)
	}
	if cfg.MonthlyGraceDays != 3 {
		t.Fatalf("expected 3 grace days, got %d", cfg.MonthlyGraceDays)
	}
	if cfg.DialerWorkerInterval != 10*time.Second {
		t.Fatalf("expected 10s dialer interval, got %s", cfg.DialerWorkerInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AI_INBOUND_BILLING_ROUND_UP_TO_MINUTE", "true")
	t.Setenv("AI_DID_LOCAL_MONTHLY_FEE", "10.20")
	t.Setenv("DIALER_WORKER_INTERVAL_SECONDS", "30")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()
	if !cfg.InboundRoundUpToMinute {
		t.Fatal("expected round-up mode enabled")
	}
	if !cfg.DIDLocalMonthlyFee.Equal(decimal.RequireFromString("10.20")) {
		t.Fatalf("unexpected monthly fee: %s", cfg.DIDLocalMonthlyFee)
	}
	if cfg.DialerWorkerInterval != 30*time.Second {
		t.Fatalf("expected 30s interval, got %s", cfg.DialerWorkerInterval)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestGetEnvAsDecimalBadValue(t *testing.T) {
	t.Setenv("AI_EMAIL_COST", "not-a-number")
	cfg := Load()
	if !cfg.EmailCost.Equal(decimal.RequireFromString("1.00")) {
		t.Fatalf("expected fallback email cost, got %s", cfg.EmailCost)
	}
}
