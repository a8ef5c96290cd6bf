// Package disk reports filesystem usage for a configured mount point.
package disk

import (
	"context"
	"sync"

	"monhub/internal/registry"
)

type Collector struct {
	mu   sync.RWMutex
	path string
}

func New() *Collector {
	return &Collector{path: "/"}
}

func Definition() registry.Definition {
	return registry.Definition{
		ID:       "disk",
		Name:     "Disk Usage",
		Category: registry.CategoryStorage,
		Schema: registry.ConfigSchema{
			"path": {Type: "string"},
		},
		Defaults:  map[string]any{"path": "/"},
		Collector: New(),
	}
}

func (c *Collector) ApplyConfig(cfg map[string]any) error {
	if p, ok := cfg["path"].(string); ok && p != "" {
		c.mu.Lock()
		c.path = p
		c.mu.Unlock()
	}
	return nil
}

func (c *Collector) Collect(ctx context.Context) (registry.Payload, error) {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()

	u, err := usage(path)
	if err != nil {
		return nil, err
	}
	pct := 0.0
	if u.Total > 0 {
		pct = float64(u.Total-u.Free) / float64(u.Total) * 100
	}
	return registry.Payload{
		"path":         path,
		"total_bytes":  u.Total,
		"free_bytes":   u.Free,
		"used_bytes":   u.Total - u.Free,
		"used_percent": pct,
	}, nil
}
