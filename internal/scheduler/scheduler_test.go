package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"monhub/internal/eventbus"
	"monhub/internal/registry"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

type scriptedCollector struct {
	mu      sync.Mutex
	fn      func(ctx context.Context) (registry.Payload, error)
	started chan struct{}
}

func (c *scriptedCollector) Collect(ctx context.Context) (registry.Payload, error) {
	c.mu.Lock()
	fn := c.fn
	started := c.started
	c.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if fn == nil {
		return registry.Payload{"ok": 1}, nil
	}
	return fn(ctx)
}

type captureSink struct {
	mu  sync.Mutex
	got []registry.Payload
}

func (s *captureSink) Record(_ context.Context, _ string, _ time.Time, p registry.Payload) error {
	s.mu.Lock()
	s.got = append(s.got, p)
	s.mu.Unlock()
	return nil
}

func newTestScheduler(t *testing.T, cfg Config, col registry.Collector) (*Service, storage.Store, *captureSink, eventbus.Bus) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	bus := eventbus.New()
	reg := registry.New(logx.Nop(), st, bus)
	err := reg.AddBuiltin(registry.Definition{
		ID: "probe", Name: "Probe", Category: registry.CategorySystem, Collector: col,
	})
	if err != nil {
		t.Fatalf("add builtin: %v", err)
	}
	if err := reg.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if err := reg.SetEnabled(ctx, "probe", true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	sink := &captureSink{}
	s := New(cfg, logx.Nop(), reg, st, bus, sink)
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	})
	return s, st, sink, bus
}

func waitForExecution(t *testing.T, st storage.Store, want int) []storage.ExecutionRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := st.ListExecutions(context.Background(), "probe", 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) >= want {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d execution records", want)
	return nil
}

func TestTriggerRecordsSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	col := &scriptedCollector{}
	s, st, sink, bus := newTestScheduler(t, Config{Interval: time.Hour}, col)

	events, unsub := bus.Subscribe(8)
	defer unsub()

	if err := s.Trigger(ctx, "probe"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	recs := waitForExecution(t, st, 1)
	if recs[0].Status != StatusSuccess {
		t.Fatalf("status = %q", recs[0].Status)
	}
	if recs[0].TriggeredBy != TriggerManual {
		t.Fatalf("triggered_by = %q", recs[0].TriggeredBy)
	}

	p, err := st.GetPlugin(ctx, "probe")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.LastExecution.IsZero() || p.LastSuccess.IsZero() {
		t.Fatal("execution timestamps not bumped")
	}

	sink.mu.Lock()
	n := len(sink.got)
	sink.mu.Unlock()
	if n != 1 {
		t.Fatalf("sink payloads = %d, want 1", n)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeExecutionFinished {
			t.Fatalf("event type = %q", ev.Type)
		}
		ee, ok := ev.Data.(ExecutionEvent)
		if !ok || ee.Status != StatusSuccess {
			t.Fatalf("event data = %+v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no execution event published")
	}
}

func TestTriggerRecordsFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	col := &scriptedCollector{fn: func(ctx context.Context) (registry.Payload, error) {
		return nil, errors.New("probe exploded")
	}}
	s, st, sink, _ := newTestScheduler(t, Config{Interval: time.Hour}, col)

	if err := s.Trigger(ctx, "probe"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	recs := waitForExecution(t, st, 1)
	if recs[0].Status != StatusFailure || recs[0].Error != "probe exploded" {
		t.Fatalf("record = %+v", recs[0])
	}

	p, _ := st.GetPlugin(ctx, "probe")
	if !p.LastSuccess.IsZero() {
		t.Fatal("failure bumped last success")
	}
	sink.mu.Lock()
	n := len(sink.got)
	sink.mu.Unlock()
	if n != 0 {
		t.Fatal("failed execution reached the metric sink")
	}
}

func TestPanicIsolatedAsFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	col := &scriptedCollector{fn: func(ctx context.Context) (registry.Payload, error) {
		panic("bad collector")
	}}
	s, st, _, _ := newTestScheduler(t, Config{Interval: time.Hour}, col)

	if err := s.Trigger(ctx, "probe"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	recs := waitForExecution(t, st, 1)
	if recs[0].Status != StatusFailure {
		t.Fatalf("status = %q", recs[0].Status)
	}

	// The pool survived; a second run still works.
	if err := s.Trigger(ctx, "probe"); err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	waitForExecution(t, st, 2)
}

func TestTimeoutRecordedAndAbandoned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	release := make(chan struct{})
	col := &scriptedCollector{fn: func(ctx context.Context) (registry.Payload, error) {
		<-release // ignores ctx on purpose
		return registry.Payload{"late": true}, nil
	}}
	s, st, sink, _ := newTestScheduler(t, Config{Interval: time.Hour, ExecTimeout: 30 * time.Millisecond}, col)

	if err := s.Trigger(ctx, "probe"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	recs := waitForExecution(t, st, 1)
	if recs[0].Status != StatusTimeout {
		t.Fatalf("status = %q, want timeout", recs[0].Status)
	}

	// The overlap gate was released with the timeout; the plugin can run again.
	if err := s.Trigger(ctx, "probe"); err != nil {
		t.Fatalf("post-timeout trigger: %v", err)
	}
	close(release)
	waitForExecution(t, st, 2)

	// The abandoned first run's payload was discarded; at most the second
	// run reached the sink.
	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	n := len(sink.got)
	sink.mu.Unlock()
	if n > 1 {
		t.Fatalf("sink payloads = %d, abandoned run recorded", n)
	}
}

func TestOverlapGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	col := &scriptedCollector{started: started, fn: func(ctx context.Context) (registry.Payload, error) {
		<-release
		return registry.Payload{"ok": 1}, nil
	}}
	s, st, _, _ := newTestScheduler(t, Config{Interval: time.Hour, ExecTimeout: 5 * time.Second}, col)

	if err := s.Trigger(ctx, "probe"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	<-started

	if err := s.Trigger(ctx, "probe"); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping trigger: got %v, want ErrBusy", err)
	}

	close(release)
	waitForExecution(t, st, 1)
}

func TestTriggerDisabledPlugin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	col := &scriptedCollector{}
	s, st, _, _ := newTestScheduler(t, Config{Interval: time.Hour}, col)
	_ = st

	reg := s.reg
	if err := reg.SetEnabled(ctx, "probe", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := s.Trigger(ctx, "probe"); err == nil {
		t.Fatal("expected error for disabled plugin")
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	col := &scriptedCollector{}
	s, _, _, _ := newTestScheduler(t, Config{Interval: time.Hour, Workers: 3}, col)

	snap := s.Snapshot()
	if !snap.Running {
		t.Fatal("snapshot says not running")
	}
	if snap.Workers != 3 {
		t.Fatalf("workers = %d, want 3", snap.Workers)
	}
	if snap.QueueCap == 0 {
		t.Fatal("queue capacity missing")
	}
}

func TestStopDrains(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	started := make(chan struct{}, 1)
	var done atomic.Int32
	col := &scriptedCollector{started: started, fn: func(ctx context.Context) (registry.Payload, error) {
		time.Sleep(20 * time.Millisecond)
		done.Add(1)
		return registry.Payload{"ok": 1}, nil
	}}

	st := storage.NewMemory()
	bus := eventbus.New()
	reg := registry.New(logx.Nop(), st, bus)
	if err := reg.AddBuiltin(registry.Definition{ID: "probe", Name: "P", Category: registry.CategorySystem, Collector: col}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if err := reg.SetEnabled(ctx, "probe", true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	s := New(Config{Interval: time.Hour}, logx.Nop(), reg, st, bus, nil)
	s.Start(ctx)
	if err := s.Trigger(ctx, "probe"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	if done.Load() != 1 {
		t.Fatal("stop did not wait for in-flight execution")
	}
	if err := s.Trigger(ctx, "probe"); !errors.Is(err, ErrStopped) {
		t.Fatalf("post-stop trigger: got %v, want ErrStopped", err)
	}
}
