package workflow

import (
	"testing"
	"time"
)

func TestRecalcBackoff(t *testing.T) {
	cfg := recalcRetryConfig{
		maxRetries:  3,
		baseBackoff: 30 * time.Second,
		maxBackoff:  15 * time.Minute,
	}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{5, 15 * time.Minute},  // 960s capped
		{20, 15 * time.Minute}, // never overflows the cap
	}
	for _, tt := range tests {
		if got := recalcBackoff(tt.retryCount, cfg); got != tt.want {
			t.Fatalf("recalcBackoff(%d) = %s; want %s", tt.retryCount, got, tt.want)
		}
	}

	// Negative retry counts behave like the first failure.
	if got := recalcBackoff(-1, cfg); got != cfg.baseBackoff {
		t.Fatalf("recalcBackoff(-1) = %s; want %s", got, cfg.baseBackoff)
	}
}

func TestGetRecalcRetryConfig_Defaults(t *testing.T) {
	t.Setenv("RECALC_MAX_RETRIES", "")
	t.Setenv("RECALC_BASE_BACKOFF_SECONDS", "")
	t.Setenv("RECALC_MAX_BACKOFF_SECONDS", "")
	t.Setenv("RECALC_CLAIM_TTL_SECONDS", "")

	cfg := getRecalcRetryConfig()
	if cfg.maxRetries != 3 {
		t.Fatalf("expected default maxRetries 3; got %d", cfg.maxRetries)
	}
	if cfg.baseBackoff != 30*time.Second {
		t.Fatalf("expected default baseBackoff 30s; got %s", cfg.baseBackoff)
	}
	if cfg.maxBackoff != 15*time.Minute {
		t.Fatalf("expected default maxBackoff 15m; got %s", cfg.maxBackoff)
	}
	if cfg.claimTTL != 5*time.Minute {
		t.Fatalf("expected default claimTTL 5m; got %s", cfg.claimTTL)
	}
}

func TestGetRecalcRetryConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RECALC_MAX_RETRIES", "5")
	t.Setenv("RECALC_BASE_BACKOFF_SECONDS", "10")
	t.Setenv("RECALC_MAX_BACKOFF_SECONDS", "600")
	t.Setenv("RECALC_CLAIM_TTL_SECONDS", "120")

	cfg := getRecalcRetryConfig()
	if cfg.maxRetries != 5 {
		t.Fatalf("expected maxRetries 5; got %d", cfg.maxRetries)
	}
	if cfg.baseBackoff != 10*time.Second {
		t.Fatalf("expected baseBackoff 10s; got %s", cfg.baseBackoff)
	}
	if cfg.maxBackoff != 600*time.Second {
		t.Fatalf("expected maxBackoff 600s; got %s", cfg.maxBackoff)
	}
	if cfg.claimTTL != 120*time.Second {
		t.Fatalf("expected claimTTL 120s; got %s", cfg.claimTTL)
	}

	// Garbage and non-positive values fall back to defaults.
	t.Setenv("RECALC_MAX_RETRIES", "not-a-number")
	t.Setenv("RECALC_BASE_BACKOFF_SECONDS", "-5")
	cfg = getRecalcRetryConfig()
	if cfg.maxRetries != 3 {
		t.Fatalf("expected garbage maxRetries to fall back to 3; got %d", cfg.maxRetries)
	}
	if cfg.baseBackoff != 30*time.Second {
		t.Fatalf("expected non-positive baseBackoff to fall back to 30s; got %s", cfg.baseBackoff)
	}
}
