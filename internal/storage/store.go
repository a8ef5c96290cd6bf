package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "monhub/pkg/logx"
)

// Store is the persistence API used by the engine.
//
// The executions and metrics tables are append-only and therefore safe for
// concurrent writers; plugin state updates are row-scoped.
type Store interface {
	UpsertPlugin(ctx context.Context, p PluginState) error
	GetPlugin(ctx context.Context, id string) (PluginState, error)
	ListPlugins(ctx context.Context) ([]PluginState, error)
	SetPluginEnabled(ctx context.Context, id string, enabled bool) error
	// MarkPluginExecuted bumps last-execution (and last-success when ok).
	MarkPluginExecuted(ctx context.Context, id string, at time.Time, ok bool) error
	UpdatePluginHealth(ctx context.Context, id, health string, fails int, at time.Time) error
	SetPluginConfig(ctx context.Context, id, configJSON string) error

	AppendExecution(ctx context.Context, e ExecutionRecord) error
	// ListExecutions returns records newest-first. pluginID "" means all.
	ListExecutions(ctx context.Context, pluginID string, limit int) ([]ExecutionRecord, error)

	AppendMetric(ctx context.Context, m MetricObservation) error
	// QueryMetrics returns observations in ascending timestamp order.
	QueryMetrics(ctx context.Context, pluginID string, from, to time.Time, limit int) ([]MetricObservation, error)

	InsertAPIKey(ctx context.Context, k APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (APIKeyRecord, error)
	ListAPIKeys(ctx context.Context, pluginID string) ([]APIKeyRecord, error)
	RevokeAPIKey(ctx context.Context, id string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
