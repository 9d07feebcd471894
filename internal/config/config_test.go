package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadDurations(t *testing.T) {
	t.Setenv("RECLAIM_INTERVAL_MINUTES", "not-a-number")
	t.Setenv("HOLD_RETENTION_HOURS", "-3")

	cfg := Load()
	if cfg.ReclaimIntervalMinutes != 60 {
		t.Fatalf("expected default reclaim interval, got %d", cfg.ReclaimIntervalMinutes)
	}
	if cfg.HoldRetentionHours != 24 {
		t.Fatalf("expected default hold retention, got %d", cfg.HoldRetentionHours)
	}
}
