package hub

import (
	"context"
	"fmt"
	"time"

	"monhub/internal/credstore"
	"monhub/internal/gateway"
	"monhub/internal/metrics"
	"monhub/internal/registry"
	"monhub/internal/storage"
)

// Creds identifies the caller of a facade operation.
type Creds struct {
	Token  string
	APIKey string
	Source string
}

func (c Creds) request(op gateway.Operation, resourceID string, fields map[string]string) gateway.Request {
	return gateway.Request{
		Token:      c.Token,
		APIKey:     c.APIKey,
		Source:     c.Source,
		Op:         op,
		ResourceID: resourceID,
		Fields:     fields,
	}
}

// RegisterPluginRequest declares an external reporter plugin.
type RegisterPluginRequest struct {
	ID       string `validate:"required,max=64"`
	Name     string `validate:"required,max=128"`
	Category string `validate:"required,max=32"`
	Schema   registry.ConfigSchema
	Defaults map[string]any
}

// CreateKeyRequest mints an API key for a plugin.
type CreateKeyRequest struct {
	PluginID string   `validate:"required,max=64"`
	Scopes   []string `validate:"required,min=1,dive,oneof=report-metrics report-health fetch-config"`
	TTL      time.Duration
}

// ListPlugins returns the catalog, optionally filtered.
func (e *Engine) ListPlugins(ctx context.Context, c Creds, f registry.Filter) ([]registry.Plugin, error) {
	var out []registry.Plugin
	err := e.gw.Do(ctx, c.request(gateway.OpListPlugins, "", nil), func(ctx context.Context, _ gateway.Actor) error {
		var err error
		out, err = e.reg.List(ctx, f)
		return err
	})
	return out, err
}

func (e *Engine) GetPlugin(ctx context.Context, c Creds, id string) (registry.Plugin, error) {
	var out registry.Plugin
	err := e.gw.Do(ctx, c.request(gateway.OpGetPlugin, id, map[string]string{"id": id}), func(ctx context.Context, _ gateway.Actor) error {
		var err error
		out, err = e.reg.Get(ctx, id)
		return err
	})
	return out, err
}

func (e *Engine) RegisterPlugin(ctx context.Context, c Creds, req RegisterPluginRequest) error {
	greq := c.request(gateway.OpRegisterPlugin, req.ID, map[string]string{
		"id": req.ID, "name": req.Name, "category": req.Category,
	})
	greq.Payload = req
	return e.gw.Do(ctx, greq, func(ctx context.Context, _ gateway.Actor) error {
		cat, err := registry.ParseCategory(req.Category)
		if err != nil {
			return fmt.Errorf("%w: %v", gateway.ErrInvalidInput, err)
		}
		return e.reg.Register(ctx, registry.Definition{
			ID:       req.ID,
			Name:     req.Name,
			Category: cat,
			Schema:   req.Schema,
			Defaults: req.Defaults,
		})
	})
}

func (e *Engine) EnablePlugin(ctx context.Context, c Creds, id string) error {
	return e.gw.Do(ctx, c.request(gateway.OpEnablePlugin, id, map[string]string{"id": id}), func(ctx context.Context, _ gateway.Actor) error {
		return e.reg.SetEnabled(ctx, id, true)
	})
}

func (e *Engine) DisablePlugin(ctx context.Context, c Creds, id string) error {
	return e.gw.Do(ctx, c.request(gateway.OpDisablePlugin, id, map[string]string{"id": id}), func(ctx context.Context, _ gateway.Actor) error {
		return e.reg.SetEnabled(ctx, id, false)
	})
}

// ExecutePlugin triggers one on-demand run through the scheduler pool.
func (e *Engine) ExecutePlugin(ctx context.Context, c Creds, id string) error {
	return e.gw.Do(ctx, c.request(gateway.OpExecutePlugin, id, map[string]string{"id": id}), func(ctx context.Context, _ gateway.Actor) error {
		return e.sched.Trigger(ctx, id)
	})
}

func (e *Engine) GetPluginConfig(ctx context.Context, c Creds, id string) (map[string]any, error) {
	var out map[string]any
	err := e.gw.Do(ctx, c.request(gateway.OpGetConfig, id, map[string]string{"id": id}), func(ctx context.Context, _ gateway.Actor) error {
		var err error
		out, err = e.reg.Config(ctx, id)
		return err
	})
	return out, err
}

func (e *Engine) PatchPluginConfig(ctx context.Context, c Creds, id string, cfg map[string]any) error {
	return e.gw.Do(ctx, c.request(gateway.OpPatchConfig, id, map[string]string{"id": id}), func(ctx context.Context, _ gateway.Actor) error {
		return e.reg.SetConfig(ctx, id, cfg)
	})
}

// QueryExecutions returns execution history, newest first. pluginID "" means all.
func (e *Engine) QueryExecutions(ctx context.Context, c Creds, pluginID string, limit int) ([]storage.ExecutionRecord, error) {
	var out []storage.ExecutionRecord
	err := e.gw.Do(ctx, c.request(gateway.OpQueryExecutions, pluginID, map[string]string{"plugin": pluginID}), func(ctx context.Context, _ gateway.Actor) error {
		var err error
		out, err = e.store.ListExecutions(ctx, pluginID, limit)
		return err
	})
	return out, err
}

// QueryMetrics returns observations for a plugin in [from, to], ascending.
func (e *Engine) QueryMetrics(ctx context.Context, c Creds, pluginID string, from, to time.Time, limit int) ([]metrics.Observation, error) {
	var out []metrics.Observation
	err := e.gw.Do(ctx, c.request(gateway.OpQueryMetrics, pluginID, map[string]string{"plugin": pluginID}), func(ctx context.Context, _ gateway.Actor) error {
		var err error
		out, err = e.metrics.Query(ctx, pluginID, from, to, limit)
		return err
	})
	return out, err
}

// CreateKey mints an API key. The plaintext appears only in the returned value.
func (e *Engine) CreateKey(ctx context.Context, c Creds, req CreateKeyRequest) (credstore.IssuedKey, error) {
	var out credstore.IssuedKey
	greq := c.request(gateway.OpCreateKey, req.PluginID, map[string]string{"plugin": req.PluginID})
	greq.Payload = req
	err := e.gw.Do(ctx, greq, func(ctx context.Context, _ gateway.Actor) error {
		if _, err := e.reg.Get(ctx, req.PluginID); err != nil {
			return err
		}
		scopes := make([]credstore.Scope, 0, len(req.Scopes))
		for _, s := range req.Scopes {
			scopes = append(scopes, credstore.Scope(s))
		}
		var err error
		out, err = e.creds.IssueKey(ctx, req.PluginID, scopes, req.TTL)
		return err
	})
	return out, err
}

func (e *Engine) ListKeys(ctx context.Context, c Creds, pluginID string) ([]storage.APIKeyRecord, error) {
	var out []storage.APIKeyRecord
	err := e.gw.Do(ctx, c.request(gateway.OpListKeys, pluginID, map[string]string{"plugin": pluginID}), func(ctx context.Context, _ gateway.Actor) error {
		var err error
		out, err = e.creds.ListKeys(ctx, pluginID)
		return err
	})
	return out, err
}

func (e *Engine) RevokeKey(ctx context.Context, c Creds, keyID string) error {
	return e.gw.Do(ctx, c.request(gateway.OpRevokeKey, keyID, map[string]string{"key": keyID}), func(ctx context.Context, _ gateway.Actor) error {
		return e.creds.RevokeKey(ctx, keyID)
	})
}

func (e *Engine) QueryAudit(ctx context.Context, c Creds, limit int) ([]storage.AuditEntry, error) {
	var out []storage.AuditEntry
	err := e.gw.Do(ctx, c.request(gateway.OpQueryAudit, "", nil), func(ctx context.Context, _ gateway.Actor) error {
		var err error
		out, err = e.store.ListAudit(ctx, limit)
		return err
	})
	return out, err
}

// ReportMetrics accepts a pushed observation from an external reporter plugin.
// The target plugin is the one the key was issued for. A zero at means the
// report carries no timestamp and is recorded at arrival time; otherwise the
// reporter's timestamp is kept, so late or batched deliveries land where they
// were observed.
func (e *Engine) ReportMetrics(ctx context.Context, c Creds, at time.Time, payload registry.Payload) error {
	if at.IsZero() {
		at = time.Now()
	}
	return e.gw.Do(ctx, c.request(gateway.OpReportMetrics, "", nil), func(ctx context.Context, actor gateway.Actor) error {
		return e.metrics.Record(ctx, actor.Key.PluginID, at, payload)
	})
}

// ReportHealth folds a self-reported outcome into the plugin's health.
func (e *Engine) ReportHealth(ctx context.Context, c Creds, healthy bool) error {
	return e.gw.Do(ctx, c.request(gateway.OpReportHealth, "", nil), func(ctx context.Context, actor gateway.Actor) error {
		return e.tracker.Report(ctx, actor.Key.PluginID, healthy)
	})
}

// FetchConfig returns the effective config blob of the key's plugin.
func (e *Engine) FetchConfig(ctx context.Context, c Creds) (map[string]any, error) {
	var out map[string]any
	err := e.gw.Do(ctx, c.request(gateway.OpFetchConfig, "", nil), func(ctx context.Context, actor gateway.Actor) error {
		var err error
		out, err = e.reg.Config(ctx, actor.Key.PluginID)
		return err
	})
	return out, err
}
