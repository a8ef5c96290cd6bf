//go:build linux

package services

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"

	"monhub/internal/registry"
)

func collectUnits(ctx context.Context, units []string) (registry.Payload, error) {
	if len(units) == 0 {
		return nil, fmt.Errorf("no units configured")
	}

	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd connect: %w", err)
	}
	defer conn.Close()

	statuses, err := conn.ListUnitsByNamesContext(ctx, units)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	p := registry.Payload{}
	running := 0
	for _, u := range statuses {
		p[u.Name] = map[string]any{
			"active": u.ActiveState,
			"sub":    u.SubState,
			"load":   u.LoadState,
		}
		if u.ActiveState == "active" {
			running++
		}
	}
	p["units_total"] = len(statuses)
	p["units_active"] = running
	return p, nil
}
