package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MODLI_PROVIDER_URL", "https://id.example.com")
	t.Setenv("MODLI_ANON_KEY", "anon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheme != "modli" {
		t.Errorf("Scheme = %q", cfg.Scheme)
	}
	if cfg.RedirectURL != "https://mekanizma.com/auth/callback" {
		t.Errorf("RedirectURL = %q", cfg.RedirectURL)
	}
	want := []time.Duration{2 * time.Second, 5 * time.Second, 8 * time.Second}
	if len(cfg.PollCheckpoints) != len(want) {
		t.Fatalf("PollCheckpoints = %v", cfg.PollCheckpoints)
	}
	for i, d := range want {
		if cfg.PollCheckpoints[i] != d {
			t.Errorf("checkpoint[%d] = %v, want %v", i, cfg.PollCheckpoints[i], d)
		}
	}
	if cfg.HardCeiling != 10*time.Second {
		t.Errorf("HardCeiling = %v", cfg.HardCeiling)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MODLI_SCHEME", "modli-dev")
	t.Setenv("MODLI_POLL_CHECKPOINTS", "1s,2s")
	t.Setenv("MODLI_HARD_CEILING", "4s")
	t.Setenv("MODLI_LISTEN_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheme != "modli-dev" || cfg.ListenAddr != ":9090" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.PollCheckpoints) != 2 || cfg.HardCeiling != 4*time.Second {
		t.Errorf("timings not applied: %v / %v", cfg.PollCheckpoints, cfg.HardCeiling)
	}
}

func TestLoadRejectsCheckpointPastCeiling(t *testing.T) {
	t.Setenv("MODLI_POLL_CHECKPOINTS", "2s,12s")
	t.Setenv("MODLI_HARD_CEILING", "10s")

	if _, err := Load(); err == nil {
		t.Fatal("expected checkpoint past ceiling to be rejected")
	}
}
