// Package health derives per-plugin health from execution outcomes.
//
// Policy: a timeout counts as a failure. Zero consecutive failures with at
// least one recorded execution is healthy; one or two is degraded; three or
// more is unhealthy; a plugin that has never executed is unknown.
package health

import (
	"context"
	"sync"
	"time"

	"monhub/internal/eventbus"
	"monhub/internal/registry"
	"monhub/internal/scheduler"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

const unhealthyAfter = 3

// Event is the bus payload for a health transition.
type Event struct {
	PluginID string
	Status   registry.HealthStatus
	Failures int
}

type Tracker struct {
	log   logx.Logger
	reg   *registry.Registry
	store storage.Store
	bus   eventbus.Bus

	mu     sync.Mutex
	counts map[string]int
	status map[string]registry.HealthStatus

	unsub func()
	done  chan struct{}

	now func() time.Time
}

func New(log logx.Logger, reg *registry.Registry, store storage.Store, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		log:    log,
		reg:    reg,
		store:  store,
		bus:    bus,
		counts: map[string]int{},
		status: map[string]registry.HealthStatus{},
		now:    time.Now,
	}
}

// Start begins consuming execution outcomes from the bus. Idempotent.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.unsub != nil {
		t.mu.Unlock()
		return
	}
	ch, unsub := t.bus.Subscribe(64)
	t.unsub = unsub
	t.done = make(chan struct{})
	t.mu.Unlock()

	go func() {
		defer close(t.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeExecutionFinished {
					continue
				}
				exec, ok := ev.Data.(scheduler.ExecutionEvent)
				if !ok {
					continue
				}
				t.Observe(ctx, exec.PluginID, exec.Status == scheduler.StatusSuccess, ev.Time)
			}
		}
	}()
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	unsub := t.unsub
	done := t.done
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
		<-done
	}
}

// Observe folds one execution outcome into the plugin's health.
func (t *Tracker) Observe(ctx context.Context, pluginID string, ok bool, at time.Time) {
	t.mu.Lock()
	fails := t.counts[pluginID]
	if ok {
		fails = 0
	} else {
		fails++
	}
	t.counts[pluginID] = fails
	next := classify(fails, true)
	prev, seen := t.status[pluginID]
	t.status[pluginID] = next
	t.mu.Unlock()

	if at.IsZero() {
		at = t.now()
	}
	if err := t.reg.UpdateHealth(ctx, pluginID, next, fails, at); err != nil {
		t.log.Error("health update failed", logx.String("plugin", pluginID), logx.Err(err))
	}

	if !seen || prev == next {
		return
	}
	t.log.Info("health transition",
		logx.String("plugin", pluginID),
		logx.String("from", string(prev)), logx.String("to", string(next)),
		logx.Int("consecutive_failures", fails))

	if t.bus == nil {
		return
	}
	switch {
	case next == registry.HealthUnhealthy:
		t.bus.Publish(eventbus.Event{
			Type: eventbus.TypePluginUnhealthy,
			Time: at,
			Data: Event{PluginID: pluginID, Status: next, Failures: fails},
		})
	case prev == registry.HealthUnhealthy && next == registry.HealthHealthy:
		t.bus.Publish(eventbus.Event{
			Type: eventbus.TypePluginRecovered,
			Time: at,
			Data: Event{PluginID: pluginID, Status: next, Failures: fails},
		})
	}
}

// Report folds an externally reported outcome (push plugins) into the same
// policy as scheduled executions.
func (t *Tracker) Report(ctx context.Context, pluginID string, healthy bool) error {
	if _, err := t.reg.Get(ctx, pluginID); err != nil {
		return err
	}
	t.Observe(ctx, pluginID, healthy, t.now())
	return nil
}

// Reconcile rebuilds in-memory counters from persisted execution history,
// so health survives a restart. Called once at startup.
func (t *Tracker) Reconcile(ctx context.Context) error {
	plugins, err := t.reg.List(ctx, registry.Filter{})
	if err != nil {
		return err
	}
	for _, p := range plugins {
		recs, err := t.store.ListExecutions(ctx, p.ID, unhealthyAfter)
		if err != nil {
			t.log.Warn("health reconcile skipped", logx.String("plugin", p.ID), logx.Err(err))
			continue
		}

		fails := 0
		for _, r := range recs { // newest first
			if r.Status == scheduler.StatusSuccess {
				break
			}
			fails++
		}
		status := classify(fails, len(recs) > 0)

		t.mu.Lock()
		t.counts[p.ID] = fails
		t.status[p.ID] = status
		t.mu.Unlock()

		if status != p.Health || fails != p.ConsecutiveFailures {
			if err := t.reg.UpdateHealth(ctx, p.ID, status, fails, t.now()); err != nil {
				t.log.Warn("health reconcile update failed", logx.String("plugin", p.ID), logx.Err(err))
			}
		}
	}
	return nil
}

func classify(fails int, hasHistory bool) registry.HealthStatus {
	switch {
	case fails >= unhealthyAfter:
		return registry.HealthUnhealthy
	case fails > 0:
		return registry.HealthDegraded
	case hasHistory:
		return registry.HealthHealthy
	default:
		return registry.HealthUnknown
	}
}
