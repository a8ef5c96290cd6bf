package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"monhub/internal/eventbus"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

type fakeCollector struct {
	mu      sync.Mutex
	cfg     map[string]any
	enabled bool
}

func (f *fakeCollector) Collect(ctx context.Context) (Payload, error) {
	return Payload{"v": 1}, nil
}

func (f *fakeCollector) ApplyConfig(cfg map[string]any) error {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	return nil
}

func (f *fakeCollector) OnEnable(ctx context.Context) error {
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCollector) OnDisable(ctx context.Context) error {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeCollector) {
	t.Helper()
	fc := &fakeCollector{}
	r := New(logx.Nop(), storage.NewMemory(), eventbus.New())
	err := r.AddBuiltin(Definition{
		ID:        "cpu",
		Name:      "CPU",
		Category:  CategorySystem,
		Schema:    ConfigSchema{"threshold": {Type: "number"}, "label": {Type: "string"}},
		Collector: fc,
	})
	if err != nil {
		t.Fatalf("add builtin: %v", err)
	}
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	return r, fc
}

func TestDiscoverIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	if err := r.SetEnabled(ctx, "cpu", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := r.Discover(ctx); err != nil {
		t.Fatalf("re-discover: %v", err)
	}

	p, err := r.Get(ctx, "cpu")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.Enabled {
		t.Fatal("re-discover reset enabled flag")
	}
}

func TestRegisterExternalAndDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	ext := Definition{ID: "edge-probe", Name: "Edge Probe", Category: CategoryCustom}
	if err := r.Register(ctx, ext); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, ext); !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("duplicate register: got %v, want ErrDuplicatePlugin", err)
	}
	if err := r.Register(ctx, Definition{ID: "cpu", Category: CategorySystem}); !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("builtin collision: got %v, want ErrDuplicatePlugin", err)
	}

	// External plugins have no collector and never appear in the run set.
	if err := r.SetEnabled(ctx, "edge-probe", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	runs, err := r.EnabledSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, run := range runs {
		if run.Plugin.ID == "edge-probe" {
			t.Fatal("external reporter plugin in run set")
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	tests := []struct {
		name string
		def  Definition
	}{
		{"bad id", Definition{ID: "Bad ID!", Category: CategorySystem}},
		{"bad category", Definition{ID: "ok-id", Category: Category("weird")}},
		{"bad schema type", Definition{ID: "ok-id2", Category: CategorySystem,
			Schema: ConfigSchema{"x": {Type: "blob"}}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(ctx, tt.def); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSetEnabledRunsHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, fc := newTestRegistry(t)

	if err := r.SetEnabled(ctx, "cpu", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	fc.mu.Lock()
	on := fc.enabled
	fc.mu.Unlock()
	if !on {
		t.Fatal("OnEnable not called")
	}

	if err := r.SetEnabled(ctx, "cpu", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	fc.mu.Lock()
	on = fc.enabled
	fc.mu.Unlock()
	if on {
		t.Fatal("OnDisable not called")
	}

	if err := r.SetEnabled(ctx, "ghost", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown plugin: got %v, want ErrNotFound", err)
	}
}

func TestSetConfigValidatesAndPushes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, fc := newTestRegistry(t)

	if err := r.SetConfig(ctx, "cpu", map[string]any{"threshold": 80.0}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	fc.mu.Lock()
	got := fc.cfg
	fc.mu.Unlock()
	if got == nil || got["threshold"] != 80.0 {
		t.Fatalf("config not pushed to collector: %v", got)
	}

	cfg, err := r.Config(ctx, "cpu")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg["threshold"] != 80.0 {
		t.Fatalf("persisted config = %v", cfg)
	}

	if err := r.SetConfig(ctx, "cpu", map[string]any{"unknown": 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown field: got %v, want ErrInvalidConfig", err)
	}
	if err := r.SetConfig(ctx, "cpu", map[string]any{"label": 3}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("wrong type: got %v, want ErrInvalidConfig", err)
	}
}

func TestValidateConfigTable(t *testing.T) {
	t.Parallel()
	schema := ConfigSchema{
		"host":  {Type: "string", Required: true},
		"port":  {Type: "number"},
		"https": {Type: "bool"},
	}

	tests := []struct {
		name string
		cfg  map[string]any
		ok   bool
	}{
		{"full", map[string]any{"host": "a", "port": 80.0, "https": true}, true},
		{"required only", map[string]any{"host": "a"}, true},
		{"missing required", map[string]any{"port": 80.0}, false},
		{"unknown field", map[string]any{"host": "a", "extra": 1}, false},
		{"wrong number", map[string]any{"host": "a", "port": "80"}, false},
		{"wrong bool", map[string]any{"host": "a", "https": "yes"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(schema, tt.cfg)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
