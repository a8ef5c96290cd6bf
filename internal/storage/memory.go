package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is a dependency-free in-memory backend. It exists for tests and
// for throwaway runs; semantics mirror the sqlite driver.
type memStore struct {
	mu      sync.Mutex
	plugins map[string]PluginState
	execs   []ExecutionRecord
	metrics []MetricObservation
	keys    map[string]APIKeyRecord
	audit   []AuditEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		plugins: map[string]PluginState{},
		keys:    map[string]APIKeyRecord{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) UpsertPlugin(_ context.Context, p PluginState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Health == "" {
		p.Health = "unknown"
	}
	if prev, ok := s.plugins[p.ID]; ok {
		// Upsert refreshes identity fields only; runtime state is preserved.
		prev.Name = p.Name
		prev.Category = p.Category
		prev.Builtin = p.Builtin
		prev.SchemaJSON = p.SchemaJSON
		s.plugins[p.ID] = prev
		return nil
	}
	s.plugins[p.ID] = p
	return nil
}

func (s *memStore) GetPlugin(_ context.Context, id string) (PluginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plugins[id]
	if !ok {
		return PluginState{}, ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListPlugins(_ context.Context) ([]PluginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PluginState, 0, len(s.plugins))
	for _, p := range s.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SetPluginEnabled(_ context.Context, id string, enabled bool) error {
	return s.mutatePlugin(id, func(p *PluginState) { p.Enabled = enabled })
}

func (s *memStore) MarkPluginExecuted(_ context.Context, id string, at time.Time, ok bool) error {
	return s.mutatePlugin(id, func(p *PluginState) {
		p.LastExecution = at
		if ok {
			p.LastSuccess = at
		}
	})
}

func (s *memStore) UpdatePluginHealth(_ context.Context, id, health string, fails int, at time.Time) error {
	return s.mutatePlugin(id, func(p *PluginState) {
		p.Health = health
		p.ConsecutiveFailures = fails
		p.HealthUpdated = at
	})
}

func (s *memStore) SetPluginConfig(_ context.Context, id, configJSON string) error {
	return s.mutatePlugin(id, func(p *PluginState) { p.ConfigJSON = configJSON })
}

func (s *memStore) mutatePlugin(id string, fn func(*PluginState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plugins[id]
	if !ok {
		return ErrNotFound
	}
	fn(&p)
	s.plugins[id] = p
	return nil
}

func (s *memStore) AppendExecution(_ context.Context, e ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, e)
	return nil
}

func (s *memStore) ListExecutions(_ context.Context, pluginID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExecutionRecord
	for _, e := range s.execs {
		if pluginID == "" || e.PluginID == pluginID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) AppendMetric(_ context.Context, m MetricObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *memStore) QueryMetrics(_ context.Context, pluginID string, from, to time.Time, limit int) ([]MetricObservation, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MetricObservation
	for _, m := range s.metrics {
		if m.PluginID != pluginID {
			continue
		}
		if !from.IsZero() && m.At.Before(from) {
			continue
		}
		if !to.IsZero() && m.At.After(to) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) InsertAPIKey(_ context.Context, k APIKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	s.keys[k.ID] = k
	return nil
}

func (s *memStore) GetAPIKey(_ context.Context, id string) (APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return APIKeyRecord{}, ErrNotFound
	}
	return k, nil
}

func (s *memStore) ListAPIKeys(_ context.Context, pluginID string) ([]APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]APIKeyRecord, 0, len(s.keys))
	for _, k := range s.keys {
		if pluginID == "" || k.PluginID == pluginID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) RevokeAPIKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Revoked = true
	s.keys[id] = k
	return nil
}

func (s *memStore) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.UseCount++
	k.LastUsed = at
	s.keys[id] = k
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]AuditEntry(nil), s.audit...)
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountAudit is a test helper; it is part of the memory driver only.
func CountAudit(s Store, actor string) int {
	m, ok := s.(*memStore)
	if !ok {
		return -1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.audit {
		if actor == "" || strings.EqualFold(e.Actor, actor) {
			n++
		}
	}
	return n
}
