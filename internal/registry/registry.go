package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"monhub/internal/eventbus"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

var pluginIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Registry holds the plugin catalog: builtin definitions registered in code
// plus external reporter plugins registered at runtime. Plugin state
// (enabled flag, health fields) is authoritative in storage; definitions
// (collectors, schemas) live here.
type Registry struct {
	mu   sync.Mutex
	defs map[string]Definition

	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus
}

func New(log logx.Logger, store storage.Store, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		defs:  map[string]Definition{},
		log:   log,
		store: store,
		bus:   bus,
	}
}

// AddBuiltin adds builtin definitions to the catalog. Call before Discover.
func (r *Registry) AddBuiltin(defs ...Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		if err := validateDefinition(d); err != nil {
			return err
		}
		if _, ok := r.defs[d.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePlugin, d.ID)
		}
		r.defs[d.ID] = d
	}
	return nil
}

// Discover merges the builtin catalog with previously registered external
// plugins. It is idempotent and safe to re-run on restart: existing rows keep
// their enabled flag, config, and health fields.
func (r *Registry) Discover(ctx context.Context) error {
	r.mu.Lock()
	defs := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	r.mu.Unlock()

	for _, d := range defs {
		st := storage.PluginState{
			ID:         d.ID,
			Name:       d.Name,
			Category:   string(d.Category),
			Builtin:    d.Collector != nil,
			SchemaJSON: marshalSchema(d.Schema),
			ConfigJSON: marshalConfig(d.Defaults),
			Health:     string(HealthUnknown),
		}
		if err := r.store.UpsertPlugin(ctx, st); err != nil {
			return fmt.Errorf("discover %s: %w", d.ID, err)
		}
	}

	// Re-hydrate external registrations persisted by a previous run.
	rows, err := r.store.ListPlugins(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	added := 0
	for _, row := range rows {
		if _, ok := r.defs[row.ID]; ok {
			continue
		}
		cat, cerr := ParseCategory(row.Category)
		if cerr != nil {
			cat = CategoryCustom
		}
		r.defs[row.ID] = Definition{
			ID:       row.ID,
			Name:     row.Name,
			Category: cat,
			Schema:   unmarshalSchema(row.SchemaJSON),
		}
		added++
	}
	total := len(r.defs)
	r.mu.Unlock()

	// Replay persisted config into collectors that consume it.
	for _, row := range rows {
		if cfg := unmarshalConfig(row.ConfigJSON); cfg != nil {
			r.pushConfig(row.ID, cfg)
		}
	}

	r.log.Info("plugin catalog loaded", logx.Int("plugins", total), logx.Int("external", added))
	return nil
}

// Register adds an external reporter plugin at runtime.
func (r *Registry) Register(ctx context.Context, d Definition) error {
	if err := validateDefinition(d); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.defs[d.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, d.ID)
	}
	r.defs[d.ID] = d
	r.mu.Unlock()

	st := storage.PluginState{
		ID:         d.ID,
		Name:       d.Name,
		Category:   string(d.Category),
		Builtin:    d.Collector != nil,
		SchemaJSON: marshalSchema(d.Schema),
		ConfigJSON: marshalConfig(d.Defaults),
		Health:     string(HealthUnknown),
	}
	if err := r.store.UpsertPlugin(ctx, st); err != nil {
		r.mu.Lock()
		delete(r.defs, d.ID)
		r.mu.Unlock()
		return err
	}

	r.log.Info("plugin registered", logx.String("plugin", d.ID), logx.String("category", string(d.Category)))
	return nil
}

// SetEnabled toggles a plugin's enabled flag and runs the optional
// on-enable/on-disable hook. A failing hook is logged but does not block the
// transition; an in-flight execution is never interrupted by disable.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := r.store.SetPluginEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}

	r.mu.Lock()
	d, ok := r.defs[id]
	r.mu.Unlock()
	if ok && d.Collector != nil {
		if hooks, ok := d.Collector.(EnableHooks); ok {
			var err error
			if enabled {
				err = safeHook(func() error { return hooks.OnEnable(ctx) })
			} else {
				err = safeHook(func() error { return hooks.OnDisable(ctx) })
			}
			if err != nil {
				r.log.Warn("plugin lifecycle hook failed", logx.String("plugin", id),
					logx.Bool("enabled", enabled), logx.Err(err))
			}
		}
	}

	typ := eventbus.TypePluginDisabled
	if enabled {
		typ = eventbus.TypePluginEnabled
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Data: id})
	}
	r.log.Info("plugin toggled", logx.String("plugin", id), logx.Bool("enabled", enabled))
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (Plugin, error) {
	row, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Plugin{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Plugin{}, err
	}
	return r.toPlugin(row), nil
}

func (r *Registry) List(ctx context.Context, f Filter) ([]Plugin, error) {
	rows, err := r.store.ListPlugins(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Plugin, 0, len(rows))
	for _, row := range rows {
		p := r.toPlugin(row)
		if f.Category != nil && p.Category != *f.Category {
			continue
		}
		if f.Enabled != nil && p.Enabled != *f.Enabled {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// EnabledSnapshot returns a copy-on-read view of enabled plugins that have a
// collector, for one scheduler tick. No lock is held across the batch.
func (r *Registry) EnabledSnapshot(ctx context.Context) ([]Runnable, error) {
	enabled := true
	plugins, err := r.List(ctx, Filter{Enabled: &enabled})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Runnable, 0, len(plugins))
	for _, p := range plugins {
		d, ok := r.defs[p.ID]
		if !ok || d.Collector == nil {
			continue
		}
		out = append(out, Runnable{Plugin: p, Collector: d.Collector})
	}
	return out, nil
}

// Config returns the effective configuration blob of a plugin.
func (r *Registry) Config(ctx context.Context, id string) (map[string]any, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Config, nil
}

// SetConfig validates a config blob against the plugin's declared schema and
// persists it.
func (r *Registry) SetConfig(ctx context.Context, id string, cfg map[string]any) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateConfig(p.Schema, cfg); err != nil {
		return err
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := r.store.SetPluginConfig(ctx, id, string(b)); err != nil {
		return err
	}
	r.pushConfig(id, cfg)
	return nil
}

// pushConfig hands the effective config to the collector, when it cares.
func (r *Registry) pushConfig(id string, cfg map[string]any) {
	r.mu.Lock()
	d, ok := r.defs[id]
	r.mu.Unlock()
	if !ok || d.Collector == nil {
		return
	}
	sink, ok := d.Collector.(ConfigSink)
	if !ok {
		return
	}
	if err := safeHook(func() error { return sink.ApplyConfig(cfg) }); err != nil {
		r.log.Warn("plugin config apply failed", logx.String("plugin", id), logx.Err(err))
	}
}

// UpdateHealth persists health fields; only the health tracker calls this.
func (r *Registry) UpdateHealth(ctx context.Context, id string, h HealthStatus, fails int, at time.Time) error {
	return r.store.UpdatePluginHealth(ctx, id, string(h), fails, at)
}

func (r *Registry) toPlugin(row storage.PluginState) Plugin {
	cat, err := ParseCategory(row.Category)
	if err != nil {
		cat = CategoryCustom
	}
	return Plugin{
		ID:                  row.ID,
		Name:                row.Name,
		Category:            cat,
		Enabled:             row.Enabled,
		Builtin:             row.Builtin,
		Config:              unmarshalConfig(row.ConfigJSON),
		Schema:              unmarshalSchema(row.SchemaJSON),
		Health:              HealthStatus(row.Health),
		ConsecutiveFailures: row.ConsecutiveFailures,
		LastExecution:       row.LastExecution,
		LastSuccess:         row.LastSuccess,
	}
}

func validateDefinition(d Definition) error {
	if !pluginIDRe.MatchString(d.ID) {
		return fmt.Errorf("%w: bad plugin id %q", ErrInvalidSchema, d.ID)
	}
	if _, err := ParseCategory(string(d.Category)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	for name, spec := range d.Schema {
		if name == "" || len(name) > 64 {
			return fmt.Errorf("%w: bad field name %q", ErrInvalidSchema, name)
		}
		switch spec.Type {
		case "string", "number", "bool":
		default:
			return fmt.Errorf("%w: field %s has unknown type %q", ErrInvalidSchema, name, spec.Type)
		}
	}
	if d.Defaults != nil {
		if err := ValidateConfig(d.Schema, d.Defaults); err != nil {
			return fmt.Errorf("%w: defaults: %v", ErrInvalidSchema, err)
		}
	}
	return nil
}

// ValidateConfig checks a config blob against a declared schema: no unknown
// fields, required fields present, values of the declared type.
func ValidateConfig(schema ConfigSchema, cfg map[string]any) error {
	for name, v := range cfg {
		spec, ok := schema[name]
		if !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidConfig, name)
		}
		switch spec.Type {
		case "string":
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%w: field %q must be a string", ErrInvalidConfig, name)
			}
		case "number":
			switch v.(type) {
			case float64, int, int64, json.Number:
			default:
				return fmt.Errorf("%w: field %q must be a number", ErrInvalidConfig, name)
			}
		case "bool":
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("%w: field %q must be a bool", ErrInvalidConfig, name)
			}
		}
	}
	for name, spec := range schema {
		if !spec.Required {
			continue
		}
		if _, ok := cfg[name]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrInvalidConfig, name)
		}
	}
	return nil
}

func safeHook(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in hook: %v", r)
		}
	}()
	return fn()
}

func marshalSchema(s ConfigSchema) string {
	if len(s) == 0 {
		return ""
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func unmarshalSchema(s string) ConfigSchema {
	if s == "" {
		return nil
	}
	var out ConfigSchema
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func marshalConfig(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalConfig(s string) map[string]any {
	if s == "" {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
