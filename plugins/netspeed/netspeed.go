// Package netspeed measures internet bandwidth and latency against public
// speedtest servers.
package netspeed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/showwin/speedtest-go/speedtest"

	"monhub/internal/registry"
)

type Collector struct {
	mu          sync.RWMutex
	serverCount int
}

func New() *Collector {
	return &Collector{serverCount: 1}
}

func Definition() registry.Definition {
	return registry.Definition{
		ID:       "netspeed",
		Name:     "Network Speed",
		Category: registry.CategoryNetwork,
		Schema: registry.ConfigSchema{
			"server_count": {Type: "number"},
		},
		Defaults:  map[string]any{"server_count": 1},
		Collector: New(),
	}
}

func (c *Collector) ApplyConfig(cfg map[string]any) error {
	n := 0
	switch v := cfg["server_count"].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case int64:
		n = int(v)
	}
	if n > 0 {
		c.mu.Lock()
		c.serverCount = n
		c.mu.Unlock()
	}
	return nil
}

func (c *Collector) Collect(ctx context.Context) (registry.Payload, error) {
	c.mu.RLock()
	count := c.serverCount
	c.mu.RUnlock()

	// Per-run client: the package-level default client retains large data
	// manager snapshots across runs.
	st := speedtest.New()
	defer func() {
		st.Snapshots().Clean()
		st.Reset()
	}()

	servers, err := st.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	// Closest candidates first; distance sorting is cheap, ping is not.
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Distance < servers[j].Distance
	})
	if len(servers) > count {
		servers = servers[:count]
	}

	var dl, ul, pingMs float64
	tested := 0
	for _, s := range servers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := s.PingTestContext(ctx, nil); err != nil {
			continue
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		dl += s.DLSpeed.Mbps()
		ul += s.ULSpeed.Mbps()
		pingMs += float64(s.Latency.Milliseconds())
		tested++
	}
	if tested == 0 {
		return nil, fmt.Errorf("all server tests failed")
	}

	n := float64(tested)
	return registry.Payload{
		"download_mbps":  dl / n,
		"upload_mbps":    ul / n,
		"ping_ms":        pingMs / n,
		"servers_tested": tested,
	}, nil
}
