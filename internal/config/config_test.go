package config

import "testing"

func TestLoadRejectsNonPositiveIntervals(t *testing.T) {
	t.Setenv("REAP_INTERVAL", "0s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero reap interval")
	}

	t.Setenv("REAP_INTERVAL", "60s")
	t.Setenv("OUTBOX_DRAIN_INTERVAL", "0s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero outbox drain interval")
	}
}

func TestLoadDefaultsAreValid(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.ReapInterval <= 0 || cfg.OutboxDrainInterval <= 0 {
		t.Fatalf("default intervals must be positive: %+v", cfg)
	}
}
