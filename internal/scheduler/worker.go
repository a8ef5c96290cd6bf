package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"monhub/internal/eventbus"
	"monhub/internal/registry"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan job, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, j)
			s.inFlight.Add(-1)
		}
	}
}

type collectResult struct {
	payload registry.Payload
	err     error
}

func (s *Service) execOne(ctx context.Context, j job) {
	defer j.state.release()

	start := s.now()
	pluginID := j.run.Plugin.ID

	s.mu.Lock()
	timeout := s.cfg.ExecTimeout
	s.mu.Unlock()

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// The collector runs in its own goroutine so a collector that ignores
	// cancellation cannot pin a worker past the deadline. On timeout the run
	// is abandoned: the goroutine drains into the buffered channel and its
	// result is discarded.
	done := make(chan collectResult, 1)
	go func() {
		var res collectResult
		defer func() {
			if r := recover(); r != nil {
				res = collectResult{err: fmt.Errorf("panic: %v", r)}
				s.log.Error("collector panic",
					logx.String("plugin", pluginID),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
			done <- res
		}()
		payload, err := j.run.Collector.Collect(runCtx)
		res = collectResult{payload: payload, err: err}
	}()

	status := StatusSuccess
	errMsg := ""
	var payload registry.Payload
	select {
	case res := <-done:
		if res.err != nil {
			status = StatusFailure
			errMsg = res.err.Error()
		} else {
			payload = res.payload
		}
	case <-runCtx.Done():
		status = StatusTimeout
		errMsg = fmt.Sprintf("execution exceeded %s", timeout)
	}

	end := s.now()
	dur := end.Sub(start)
	ok := status == StatusSuccess

	rec := storage.ExecutionRecord{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		StartedAt:   start,
		EndedAt:     end,
		Status:      status,
		Error:       errMsg,
		TriggeredBy: j.triggeredBy,
	}
	if err := s.store.AppendExecution(ctx, rec); err != nil {
		s.log.Error("execution record write failed", logx.String("plugin", pluginID), logx.Err(err))
	}
	if err := s.store.MarkPluginExecuted(ctx, pluginID, end, ok); err != nil {
		s.log.Error("plugin execution mark failed", logx.String("plugin", pluginID), logx.Err(err))
	}

	if ok && s.sink != nil && len(payload) > 0 {
		if err := s.sink.Record(ctx, pluginID, end, payload); err != nil {
			s.log.Warn("metric record failed", logx.String("plugin", pluginID), logx.Err(err))
		}
	}

	switch status {
	case StatusSuccess:
		s.log.Debug("execution completed",
			logx.String("plugin", pluginID), logx.Duration("dur", dur),
			logx.String("trigger", j.triggeredBy))
	case StatusTimeout:
		s.log.Warn("execution timed out",
			logx.String("plugin", pluginID), logx.Duration("timeout", timeout),
			logx.String("trigger", j.triggeredBy))
	default:
		s.log.Warn("execution failed",
			logx.String("plugin", pluginID), logx.Duration("dur", dur),
			logx.String("err", errMsg), logx.String("trigger", j.triggeredBy))
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeExecutionFinished,
			Time: end,
			Data: ExecutionEvent{
				PluginID:    pluginID,
				StartedAt:   start,
				Duration:    dur,
				Status:      status,
				Error:       errMsg,
				TriggeredBy: j.triggeredBy,
			},
		})
	}
}
