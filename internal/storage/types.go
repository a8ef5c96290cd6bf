package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")

	// ErrUnavailable marks infrastructure failures that callers may retry
	// with backoff before surfacing.
	ErrUnavailable = errors.New("storage unavailable")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": dependency-free in-memory backend (tests, throwaway runs)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PluginState is the persisted portion of a plugin entity.
// Enum-typed fields (category, health) are kept as plain strings here;
// the registry owns the enums and validates them on the way in.
type PluginState struct {
	ID                  string
	Name                string
	Category            string
	Enabled             bool
	Builtin             bool
	SchemaJSON          string
	ConfigJSON          string
	Health              string
	ConsecutiveFailures int
	LastExecution       time.Time
	LastSuccess         time.Time
	HealthUpdated       time.Time
	CreatedAt           time.Time
}

// ExecutionRecord is one run of a plugin's collection logic.
// Immutable once written; append-only history.
type ExecutionRecord struct {
	ID          string
	PluginID    string
	StartedAt   time.Time
	EndedAt     time.Time
	Status      string // success | failure | timeout
	Error       string
	TriggeredBy string // scheduled | manual | external-report
}

// MetricObservation is one structured measurement sample.
type MetricObservation struct {
	PluginID    string
	At          time.Time
	PayloadJSON string
}

// APIKeyRecord is a stored API key. Only the one-way hash of the secret is
// kept; the plaintext is shown exactly once at issuance.
type APIKeyRecord struct {
	ID        string
	PluginID  string
	Hash      string
	Scopes    []string
	ExpiresAt time.Time // zero means no expiry
	UseCount  int64
	LastUsed  time.Time
	Revoked   bool
	CreatedAt time.Time
}

// AuditEntry records one engine-facing call, success or failure.
// Append-only, never mutated.
type AuditEntry struct {
	ID         string
	At         time.Time
	Actor      string
	ActorType  string // user | api-key | system
	Action     string // create | read | update | delete | execute
	Resource   string
	ResourceID string
	Source     string
	OK         bool
	Detail     string
}
