package config

import (
	"fmt"
	"strings"
)

// Validate performs semantic checks that the strict decoder cannot express.
// It is the default hook wired into Manager.SetValidator at startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Storage != nil {
		switch strings.TrimSpace(strings.ToLower(cfg.Storage.Driver)) {
		case "", "none", "sqlite", "memory":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if _, err := ParseDurationField("scheduler.interval", cfg.Scheduler.Interval); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.exec_timeout", cfg.Scheduler.ExecTimeout); err != nil {
		return err
	}
	if cfg.Scheduler.Workers < 0 || cfg.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler: workers and queue_size must be >= 0")
	}

	if g := cfg.Gateway; g != nil {
		if _, err := ParseDurationField("gateway.window", g.Window); err != nil {
			return err
		}
		for name, v := range map[string]int{
			"gateway.read_per_window":    g.ReadPerWindow,
			"gateway.execute_per_window": g.ExecutePerWindow,
			"gateway.metrics_per_window": g.MetricsPerWindow,
			"gateway.health_per_window":  g.HealthPerWindow,
			"gateway.mutate_per_window":  g.MutatePerWindow,
		} {
			if v < 0 {
				return fmt.Errorf("%s: must be >= 0", name)
			}
		}
	}

	if _, err := ParseDurationField("credentials.token_ttl", cfg.Credentials.TokenTTL); err != nil {
		return err
	}
	if cfg.Credentials.VerifyFailuresPerMin < 0 {
		return fmt.Errorf("credentials.verify_failures_per_min: must be >= 0")
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.Token) == "" {
			return fmt.Errorf("alerts: token is required when enabled")
		}
		if a.ChatID == 0 {
			return fmt.Errorf("alerts: chat_id is required when enabled")
		}
	}

	for name, p := range cfg.Plugins {
		if _, err := ParseDurationField("plugins."+name+".interval", p.Interval); err != nil {
			return err
		}
	}
	return nil
}
