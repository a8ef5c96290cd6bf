package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"monhub/internal/registry"
)

var (
	// ErrBusy: the plugin already has an execution running or queued.
	ErrBusy = errors.New("execution already in progress")
	// ErrQueueFull: the bounded work queue rejected the execution.
	ErrQueueFull = errors.New("execution queue is full")
	// ErrNotRunnable: the plugin has no collector (external reporter).
	ErrNotRunnable = errors.New("plugin is not runnable")
	// ErrStopped: the scheduler is not accepting work.
	ErrStopped = errors.New("scheduler is stopped")
)

// Execution statuses as persisted and published.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
)

// Trigger origins.
const (
	TriggerSchedule = "scheduled"
	TriggerManual   = "manual"
)

type Config struct {
	// Interval is the collection cadence. Default 1m.
	Interval time.Duration
	// Workers is the pool size. Default 8.
	Workers int
	// QueueSize bounds pending executions. Default 256.
	QueueSize int
	// ExecTimeout bounds a single execution. Default 30s; 0 disables.
	ExecTimeout time.Duration
	// PluginIntervals overrides the cadence per plugin id.
	PluginIntervals map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = 30 * time.Second
	}
	return c
}

// ExecutionEvent is the bus payload for a finished execution.
type ExecutionEvent struct {
	PluginID    string
	StartedAt   time.Time
	Duration    time.Duration
	Status      string
	Error       string
	TriggeredBy string
}

// MetricSink receives successful collection payloads. Implemented by the
// metrics store; an interface here keeps the dependency one-directional.
type MetricSink interface {
	Record(ctx context.Context, pluginID string, at time.Time, payload registry.Payload) error
}

type job struct {
	run         registry.Runnable
	state       *runState
	triggeredBy string
	enqueuedAt  time.Time
}

// runState is the per-plugin overlap gate. A plugin is either idle or has
// exactly one execution queued/running.
type runState struct {
	mu      sync.Mutex
	busy    bool
	lastEnq time.Time
}

func (r *runState) tryAcquire(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return false
	}
	r.busy = true
	r.lastEnq = now
	return true
}

func (r *runState) release() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

func (r *runState) lastEnqueued() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEnq
}

// Snapshot is a point-in-time diagnostic view of the pool.
type Snapshot struct {
	Running  bool
	Workers  int
	InFlight int
	QueueLen int
	QueueCap int
	LastTick time.Time
}
