// Package scheduler drives periodic and on-demand plugin executions through a
// bounded worker pool with per-plugin overlap gating.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"monhub/internal/eventbus"
	"monhub/internal/registry"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

type Service struct {
	log   logx.Logger
	reg   *registry.Registry
	store storage.Store
	bus   eventbus.Bus
	sink  MetricSink

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	queue  chan job
	stopCh chan struct{}
	wg     sync.WaitGroup

	statesMu sync.Mutex
	states   map[string]*runState

	inFlight atomic.Int32
	lastTick atomic.Int64 // unix nanos

	now func() time.Time
}

func New(cfg Config, log logx.Logger, reg *registry.Registry, store storage.Store, bus eventbus.Bus, sink MetricSink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:    log,
		reg:    reg,
		store:  store,
		bus:    bus,
		sink:   sink,
		cfg:    cfg,
		states: map[string]*runState{},
		now:    time.Now,
	}
}

// Start launches the worker pool and the cadence ticker. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(idx int) {
			defer s.wg.Done()
			s.worker(ctx, s.stopCh, s.queue, idx)
		}(i)
	}

	s.c = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.c.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		s.log.Error("cadence registration failed", logx.String("spec", spec), logx.Err(err))
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue_size", s.cfg.QueueSize))
}

// Stop halts triggering and waits for in-flight executions up to ctx.
func (s *Service) Stop(ctx context.Context) {
	start := s.now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	stopCh := s.stopCh
	s.queue = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; executions abandoned",
			logx.Int("in_flight", int(s.inFlight.Load())))
	}
}

// Apply swaps the runtime config. An interval change restarts the cadence.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	restart := s.c != nil && old.Interval != cfg.Interval
	var c *cron.Cron
	if restart {
		c = s.c
		s.c = cron.New()
		spec := fmt.Sprintf("@every %s", cfg.Interval)
		if _, err := s.c.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
			s.log.Error("cadence registration failed", logx.String("spec", spec), logx.Err(err))
		}
		s.c.Start()
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.log.Info("cadence updated",
			logx.Duration("old", old.Interval), logx.Duration("new", cfg.Interval))
	}
}

// tick enqueues every enabled runnable that is due. Storage or queue trouble
// for one plugin never blocks the rest of the sweep.
func (s *Service) tick(ctx context.Context) {
	now := s.now()
	s.lastTick.Store(now.UnixNano())

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	runs, err := s.reg.EnabledSnapshot(ctx)
	if err != nil {
		s.log.Error("enabled plugin sweep failed", logx.Err(err))
		return
	}
	for _, run := range runs {
		st := s.state(run.Plugin.ID)

		if iv, ok := cfg.PluginIntervals[run.Plugin.ID]; ok && iv > 0 {
			if last := st.lastEnqueued(); !last.IsZero() && now.Sub(last) < iv {
				continue
			}
		}
		if !st.tryAcquire(now) {
			s.log.Debug("execution skipped; previous run still active",
				logx.String("plugin", run.Plugin.ID))
			continue
		}
		if err := s.enqueue(job{run: run, state: st, triggeredBy: TriggerSchedule, enqueuedAt: now}); err != nil {
			st.release()
			s.log.Warn("execution dropped", logx.String("plugin", run.Plugin.ID), logx.Err(err))
		}
	}
}

// Trigger runs one plugin on demand through the same pool and overlap gate as
// scheduled work.
func (s *Service) Trigger(ctx context.Context, pluginID string) error {
	p, err := s.reg.Get(ctx, pluginID)
	if err != nil {
		return err
	}
	if !p.Enabled {
		return fmt.Errorf("plugin %s is disabled", pluginID)
	}

	runs, err := s.reg.EnabledSnapshot(ctx)
	if err != nil {
		return err
	}
	var run registry.Runnable
	found := false
	for _, r := range runs {
		if r.Plugin.ID == pluginID {
			run = r
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotRunnable, pluginID)
	}

	st := s.state(pluginID)
	if !st.tryAcquire(s.now()) {
		return fmt.Errorf("%w: %s", ErrBusy, pluginID)
	}
	if err := s.enqueue(job{run: run, state: st, triggeredBy: TriggerManual, enqueuedAt: s.now()}); err != nil {
		st.release()
		return err
	}
	return nil
}

func (s *Service) enqueue(j job) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	select {
	case q <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) state(pluginID string) *runState {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	st, ok := s.states[pluginID]
	if !ok {
		st = &runState{}
		s.states[pluginID] = st
	}
	return st
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.c != nil
	workers := s.cfg.Workers
	q := s.queue
	s.mu.Unlock()

	snap := Snapshot{
		Running:  running,
		Workers:  workers,
		InFlight: int(s.inFlight.Load()),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	if n := s.lastTick.Load(); n > 0 {
		snap.LastTick = time.Unix(0, n)
	}
	return snap
}
