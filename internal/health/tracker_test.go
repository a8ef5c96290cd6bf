package health

import (
	"context"
	"testing"
	"time"

	"monhub/internal/eventbus"
	"monhub/internal/registry"
	"monhub/internal/scheduler"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

type noopCollector struct{}

func (noopCollector) Collect(ctx context.Context) (registry.Payload, error) {
	return registry.Payload{"v": 1}, nil
}

func newTestTracker(t *testing.T) (*Tracker, *registry.Registry, storage.Store, eventbus.Bus) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	bus := eventbus.New()
	reg := registry.New(logx.Nop(), st, bus)
	err := reg.AddBuiltin(registry.Definition{
		ID: "cpu", Name: "CPU", Category: registry.CategorySystem, Collector: noopCollector{},
	})
	if err != nil {
		t.Fatalf("add builtin: %v", err)
	}
	if err := reg.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	return New(logx.Nop(), reg, st, bus), reg, st, bus
}

func pluginHealth(t *testing.T, reg *registry.Registry, id string) (registry.HealthStatus, int) {
	t.Helper()
	p, err := reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return p.Health, p.ConsecutiveFailures
}

func TestObserveFailurePolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, reg, _, _ := newTestTracker(t)
	now := time.Now()

	tr.Observe(ctx, "cpu", true, now)
	if h, f := pluginHealth(t, reg, "cpu"); h != registry.HealthHealthy || f != 0 {
		t.Fatalf("after success: %s/%d", h, f)
	}

	tr.Observe(ctx, "cpu", false, now)
	if h, f := pluginHealth(t, reg, "cpu"); h != registry.HealthDegraded || f != 1 {
		t.Fatalf("after 1 failure: %s/%d", h, f)
	}

	tr.Observe(ctx, "cpu", false, now)
	if h, f := pluginHealth(t, reg, "cpu"); h != registry.HealthDegraded || f != 2 {
		t.Fatalf("after 2 failures: %s/%d", h, f)
	}

	tr.Observe(ctx, "cpu", false, now)
	if h, f := pluginHealth(t, reg, "cpu"); h != registry.HealthUnhealthy || f != 3 {
		t.Fatalf("after 3 failures: %s/%d", h, f)
	}

	// One success resets the streak entirely.
	tr.Observe(ctx, "cpu", true, now)
	if h, f := pluginHealth(t, reg, "cpu"); h != registry.HealthHealthy || f != 0 {
		t.Fatalf("after recovery: %s/%d", h, f)
	}
}

func TestTransitionEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _, bus := newTestTracker(t)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	now := time.Now()
	tr.Observe(ctx, "cpu", true, now)
	for i := 0; i < 3; i++ {
		tr.Observe(ctx, "cpu", false, now)
	}
	tr.Observe(ctx, "cpu", true, now)

	var types []string
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypePluginUnhealthy || ev.Type == eventbus.TypePluginRecovered {
				types = append(types, ev.Type)
				if he, ok := ev.Data.(Event); !ok || he.PluginID != "cpu" {
					t.Fatalf("event data = %+v", ev.Data)
				}
			}
			continue
		default:
		}
		break
	}

	if len(types) != 2 || types[0] != eventbus.TypePluginUnhealthy || types[1] != eventbus.TypePluginRecovered {
		t.Fatalf("transition events = %v", types)
	}
}

func TestNoEventWithinDegraded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _, bus := newTestTracker(t)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	now := time.Now()
	tr.Observe(ctx, "cpu", false, now)
	tr.Observe(ctx, "cpu", false, now) // degraded -> degraded, no transition

	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypePluginUnhealthy || ev.Type == eventbus.TypePluginRecovered {
				t.Fatalf("unexpected transition event %s", ev.Type)
			}
			continue
		default:
		}
		break
	}
}

func TestStartConsumesExecutionEvents(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr, reg, _, bus := newTestTracker(t)

	tr.Start(ctx)
	defer tr.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{
			Type: eventbus.TypeExecutionFinished,
			Time: now,
			Data: scheduler.ExecutionEvent{PluginID: "cpu", Status: scheduler.StatusTimeout},
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h, f := pluginHealth(t, reg, "cpu"); h == registry.HealthUnhealthy && f == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h, f := pluginHealth(t, reg, "cpu")
	t.Fatalf("timeouts not counted as failures: %s/%d", h, f)
}

func TestReportUnknownPlugin(t *testing.T) {
	t.Parallel()
	tr, _, _, _ := newTestTracker(t)
	if err := tr.Report(context.Background(), "ghost", true); err == nil {
		t.Fatal("expected error for unknown plugin")
	}
}

func TestReconcileFromHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, reg, st, _ := newTestTracker(t)
	base := time.Now().UTC()

	// Newest two are failures, older one a success: two consecutive failures.
	history := []struct {
		id     string
		status string
		off    time.Duration
	}{
		{"e1", scheduler.StatusSuccess, 0},
		{"e2", scheduler.StatusFailure, time.Minute},
		{"e3", scheduler.StatusTimeout, 2 * time.Minute},
	}
	for _, h := range history {
		rec := storage.ExecutionRecord{
			ID: h.id, PluginID: "cpu",
			StartedAt: base.Add(h.off), EndedAt: base.Add(h.off + time.Second),
			Status: h.status,
		}
		if err := st.AppendExecution(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := tr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if h, f := pluginHealth(t, reg, "cpu"); h != registry.HealthDegraded || f != 2 {
		t.Fatalf("reconciled health = %s/%d, want degraded/2", h, f)
	}
}

func TestReconcileNoHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, reg, _, _ := newTestTracker(t)

	if err := tr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if h, f := pluginHealth(t, reg, "cpu"); h != registry.HealthUnknown || f != 0 {
		t.Fatalf("health = %s/%d, want unknown/0", h, f)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		fails      int
		hasHistory bool
		want       registry.HealthStatus
	}{
		{0, false, registry.HealthUnknown},
		{0, true, registry.HealthHealthy},
		{1, true, registry.HealthDegraded},
		{2, true, registry.HealthDegraded},
		{3, true, registry.HealthUnhealthy},
		{7, true, registry.HealthUnhealthy},
	}
	for _, tt := range tests {
		if got := classify(tt.fails, tt.hasHistory); got != tt.want {
			t.Fatalf("classify(%d, %v) = %s, want %s", tt.fails, tt.hasHistory, got, tt.want)
		}
	}
}
