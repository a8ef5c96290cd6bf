// Package services reports the state of configured systemd units.
package services

import (
	"context"
	"strings"
	"sync"

	"monhub/internal/registry"
)

type Collector struct {
	mu    sync.RWMutex
	units []string
}

func New() *Collector {
	return &Collector{}
}

func Definition() registry.Definition {
	return registry.Definition{
		ID:       "services",
		Name:     "Service States",
		Category: registry.CategoryApplication,
		Schema: registry.ConfigSchema{
			// Comma-separated unit names, e.g. "nginx.service,sshd.service".
			"units": {Type: "string", Required: true},
		},
		Collector: New(),
	}
}

func (c *Collector) ApplyConfig(cfg map[string]any) error {
	raw, _ := cfg["units"].(string)
	var units []string
	for _, u := range strings.Split(raw, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.Contains(u, ".") {
			u += ".service"
		}
		units = append(units, u)
	}
	c.mu.Lock()
	c.units = units
	c.mu.Unlock()
	return nil
}

func (c *Collector) Collect(ctx context.Context) (registry.Payload, error) {
	c.mu.RLock()
	units := append([]string(nil), c.units...)
	c.mu.RUnlock()

	return collectUnits(ctx, units)
}
