package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"hearth/internal/config"
)

func TestFromViperDefaults(t *testing.T) {
	cfg, err := config.FromViper(viper.New())
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if !cfg.WorkerEnabled {
		t.Fatalf("worker should default to enabled")
	}
	if cfg.MaxActionsPerRun != 10 {
		t.Fatalf("max actions = %d, want 10", cfg.MaxActionsPerRun)
	}
	if cfg.Mode != config.ModeDevelopment {
		t.Fatalf("mode = %q, want development", cfg.Mode)
	}
	want := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	if len(cfg.BackoffSchedule) != len(want) {
		t.Fatalf("schedule length = %d, want %d", len(cfg.BackoffSchedule), len(want))
	}
	for i, d := range want {
		if cfg.BackoffSchedule[i] != d {
			t.Fatalf("schedule[%d] = %v, want %v", i, cfg.BackoffSchedule[i], d)
		}
	}
}

func TestFromViperCustomSchedule(t *testing.T) {
	v := viper.New()
	v.Set("backoff-schedule", "30s, 2m")
	cfg, err := config.FromViper(v)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.BackoffSchedule) != 2 || cfg.BackoffSchedule[0] != 30*time.Second || cfg.BackoffSchedule[1] != 2*time.Minute {
		t.Fatalf("unexpected schedule: %v", cfg.BackoffSchedule)
	}
}

func TestFromViperRejectsBadSchedule(t *testing.T) {
	v := viper.New()
	v.Set("backoff-schedule", "1m,banana")
	if _, err := config.FromViper(v); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFromViperRejectsBadMode(t *testing.T) {
	v := viper.New()
	v.Set("mode", "staging")
	if _, err := config.FromViper(v); err == nil {
		t.Fatalf("expected mode validation error")
	}
}

func TestBackoffClamps(t *testing.T) {
	cfg := config.Config{BackoffSchedule: []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}}
	if got := cfg.Backoff(0); got != time.Minute {
		t.Fatalf("retry 0 = %v, want 1m", got)
	}
	if got := cfg.Backoff(1); got != time.Minute {
		t.Fatalf("retry 1 = %v, want 1m", got)
	}
	if got := cfg.Backoff(2); got != 5*time.Minute {
		t.Fatalf("retry 2 = %v, want 5m", got)
	}
	if got := cfg.Backoff(9); got != 15*time.Minute {
		t.Fatalf("retry past schedule = %v, want 15m", got)
	}
}
