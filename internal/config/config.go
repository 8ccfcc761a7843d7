package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Config is the engine's process configuration. It is read once at
// startup and passed by value; nothing mutates it afterwards, so the
// worker and policy code can share it without synchronization.
type Config struct {
	Workspace string

	// WorkerEnabled is the kill switch. When false the worker skips
	// every cycle without touching persisted state.
	WorkerEnabled bool

	MaxActionsPerRun  int
	MaxRunsPerHour    int
	MaxTasksPerMinute int
	PollBatchSize     int

	PollInterval     time.Duration
	IdlePollInterval time.Duration

	// Mode gates test-artifact exclusion: in production, tasks flagged
	// as test artifacts are never selected by the worker.
	Mode string

	DefaultMaxRetries int
	BackoffSchedule   []time.Duration

	ReasonerURL     string
	ReasonerTimeout time.Duration
	ReasonerSource  string

	// ApprovalSecret signs tier-4 approval tokens.
	ApprovalSecret string

	// TierOverridesPath optionally points at a YAML file extending the
	// built-in safety tier tables.
	TierOverridesPath string
}

// Load reads configuration from the environment (HEARTH_* variables)
// with built-in defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HEARTH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return FromViper(v)
}

// FromViper builds a Config from an already-initialized viper instance.
// The CLI binds its persistent flags into the same instance so flags
// and environment resolve through one path.
func FromViper(v *viper.Viper) (Config, error) {
	setDefaults(v)
	cfg := Config{
		Workspace:         v.GetString("workspace"),
		WorkerEnabled:     v.GetBool("worker-enabled"),
		MaxActionsPerRun:  v.GetInt("max-actions-per-run"),
		MaxRunsPerHour:    v.GetInt("max-runs-per-hour"),
		MaxTasksPerMinute: v.GetInt("max-tasks-per-minute"),
		PollBatchSize:     v.GetInt("poll-batch-size"),
		PollInterval:      v.GetDuration("poll-interval"),
		IdlePollInterval:  v.GetDuration("idle-poll-interval"),
		Mode:              v.GetString("mode"),
		DefaultMaxRetries: v.GetInt("default-max-retries"),
		ReasonerURL:       v.GetString("reasoner-url"),
		ReasonerTimeout:   v.GetDuration("reasoner-timeout"),
		ReasonerSource:    v.GetString("reasoner-source"),
		ApprovalSecret:    v.GetString("approval-secret"),
		TierOverridesPath: v.GetString("tier-overrides"),
	}
	schedule, err := parseSchedule(v.GetString("backoff-schedule"))
	if err != nil {
		return Config{}, err
	}
	cfg.BackoffSchedule = schedule
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("worker-enabled", true)
	v.SetDefault("max-actions-per-run", 10)
	v.SetDefault("max-runs-per-hour", 60)
	v.SetDefault("max-tasks-per-minute", 30)
	v.SetDefault("poll-batch-size", 10)
	v.SetDefault("poll-interval", 5*time.Second)
	v.SetDefault("idle-poll-interval", 60*time.Second)
	v.SetDefault("mode", ModeDevelopment)
	v.SetDefault("default-max-retries", 3)
	v.SetDefault("backoff-schedule", "1m,5m,15m")
	v.SetDefault("reasoner-url", "http://localhost:8090/reason")
	v.SetDefault("reasoner-timeout", 30*time.Second)
	v.SetDefault("reasoner-source", "hearth-worker")
	v.SetDefault("approval-secret", "")
	v.SetDefault("tier-overrides", "")
}

// Validate ensures the config meets required structure.
func (c Config) Validate() error {
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.Mode)
	}
	if c.MaxActionsPerRun <= 0 {
		return fmt.Errorf("max-actions-per-run must be positive")
	}
	if c.MaxRunsPerHour <= 0 {
		return fmt.Errorf("max-runs-per-hour must be positive")
	}
	if c.MaxTasksPerMinute <= 0 {
		return fmt.Errorf("max-tasks-per-minute must be positive")
	}
	if c.PollBatchSize <= 0 {
		return fmt.Errorf("poll-batch-size must be positive")
	}
	if c.DefaultMaxRetries < 1 {
		return fmt.Errorf("default-max-retries must be at least 1")
	}
	if len(c.BackoffSchedule) == 0 {
		return fmt.Errorf("backoff-schedule must list at least one delay")
	}
	return nil
}

// Backoff returns the delay before the given retry. Retry 1 maps to the
// first schedule entry; retries past the end reuse the last entry.
func (c Config) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > len(c.BackoffSchedule) {
		retry = len(c.BackoffSchedule)
	}
	return c.BackoffSchedule[retry-1]
}

func parseSchedule(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	var schedule []time.Duration
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("backoff-schedule entry %q: %w", p, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("backoff-schedule entry %q must be positive", p)
		}
		schedule = append(schedule, d)
	}
	return schedule, nil
}
