package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the persistence layer. Nil means in-memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Scheduler controls the execution engine cadence and worker pool.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Gateway controls rate budgets for the security pipeline.
	Gateway *GatewayConfig `json:"gateway,omitempty"`

	// Credentials controls session tokens and key verification throttling.
	Credentials CredentialsConfig `json:"credentials"`

	// Alerts controls the optional Telegram alert sink.
	Alerts *AlertsConfig `json:"alerts,omitempty"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./monhub.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "1m"
//   - workers: 8
//   - queue_size: 256
//   - exec_timeout: "30s"
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Interval is the collection cadence for enabled plugins.
	Interval string `json:"interval,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// ExecTimeout bounds a single plugin execution. "0s" disables the bound.
	ExecTimeout string `json:"exec_timeout,omitempty"`
}

// GatewayConfig overrides the per-class rate budgets. Zero entries keep the
// built-in defaults.
type GatewayConfig struct {
	Window           string `json:"window,omitempty"` // Go duration string, default "1m"
	ReadPerWindow    int    `json:"read_per_window,omitempty"`
	ExecutePerWindow int    `json:"execute_per_window,omitempty"`
	MetricsPerWindow int    `json:"metrics_per_window,omitempty"`
	HealthPerWindow  int    `json:"health_per_window,omitempty"`
	MutatePerWindow  int    `json:"mutate_per_window,omitempty"`
}

type CredentialsConfig struct {
	// TokenSecret signs session tokens. Required when the engine serves
	// operator calls; do not log.
	TokenSecret string `json:"token_secret,omitempty"`
	// TokenTTL caps session token lifetime. Default "1h".
	TokenTTL string `json:"token_ttl,omitempty"`
	// VerifyFailuresPerMin is the per-source budget of failed key
	// verifications. Default 20.
	VerifyFailuresPerMin int `json:"verify_failures_per_min,omitempty"`
}

// AlertsConfig controls the Telegram alert sink for health transitions.
type AlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // bot token; do not log
	ChatID  int64  `json:"chat_id,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool `json:"enabled"`
	// Interval overrides the scheduler cadence for this plugin.
	Interval string          `json:"interval,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}
