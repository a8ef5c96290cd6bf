// Package metrics persists collection payloads and serves time-range queries.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"monhub/internal/registry"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

const (
	maxKeys     = 64
	maxValueLen = 1024

	retryMax  = 2
	retryBase = 250 * time.Millisecond
)

// Observation is one stored payload, decoded.
type Observation struct {
	PluginID string
	At       time.Time
	Payload  registry.Payload
}

type Service struct {
	log   logx.Logger
	store storage.Store

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(log logx.Logger, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		store: store,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record validates and persists one payload. Transient storage failures are
// retried with jittered backoff. Duplicate timestamps for the same plugin are
// tolerated; observations are append-only.
func (s *Service) Record(ctx context.Context, pluginID string, at time.Time, payload registry.Payload) error {
	if err := validatePayload(payload); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	obs := storage.MetricObservation{PluginID: pluginID, At: at, PayloadJSON: string(b)}

	for attempt := 1; ; attempt++ {
		err = s.store.AppendMetric(ctx, obs)
		if err == nil {
			return nil
		}
		if attempt > retryMax || ctx.Err() != nil {
			return err
		}
		delay := s.backoff(attempt)
		s.log.Debug("metric append retry",
			logx.String("plugin", pluginID), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Query returns observations for a plugin in [from, to], ascending by time.
func (s *Service) Query(ctx context.Context, pluginID string, from, to time.Time, limit int) ([]Observation, error) {
	rows, err := s.store.QueryMetrics(ctx, pluginID, from, to, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Observation, 0, len(rows))
	for _, r := range rows {
		var p registry.Payload
		if err := json.Unmarshal([]byte(r.PayloadJSON), &p); err != nil {
			s.log.Warn("stored payload undecodable; skipped",
				logx.String("plugin", r.PluginID), logx.Time("at", r.At), logx.Err(err))
			continue
		}
		out = append(out, Observation{PluginID: r.PluginID, At: r.At, Payload: p})
	}
	return out, nil
}

func (s *Service) backoff(retry int) time.Duration {
	d := retryBase
	for i := 1; i < retry; i++ {
		d *= 2
	}
	s.rngMu.Lock()
	j := (s.rng.Float64()*2 - 1) * 0.2
	s.rngMu.Unlock()
	d = time.Duration(float64(d) * (1 + j))
	if d < 0 {
		d = 0
	}
	return d
}

// validatePayload bounds the payload shape: scalar values or one level of
// nested scalar maps, bounded key count and string length.
func validatePayload(p registry.Payload) error {
	if len(p) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if len(p) > maxKeys {
		return fmt.Errorf("payload exceeds %d keys", maxKeys)
	}
	for k, v := range p {
		if k == "" {
			return fmt.Errorf("payload contains an empty key")
		}
		switch x := v.(type) {
		case map[string]any:
			if len(x) > maxKeys {
				return fmt.Errorf("payload key %q exceeds %d nested keys", k, maxKeys)
			}
			for nk, nv := range x {
				if nk == "" {
					return fmt.Errorf("payload key %q contains an empty nested key", k)
				}
				if err := checkScalar(k+"."+nk, nv); err != nil {
					return err
				}
			}
		default:
			if err := checkScalar(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkScalar(key string, v any) error {
	switch x := v.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return nil
	case string:
		if len(x) > maxValueLen {
			return fmt.Errorf("payload key %q value exceeds %d bytes", key, maxValueLen)
		}
		return nil
	default:
		return fmt.Errorf("payload key %q has unsupported type %T", key, v)
	}
}
