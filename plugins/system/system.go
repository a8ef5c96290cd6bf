// Package system collects host and process vitals: load average, memory,
// goroutines, and process uptime.
package system

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"monhub/internal/registry"
)

type Collector struct {
	startedAt time.Time
}

func New() *Collector {
	return &Collector{startedAt: time.Now()}
}

func Definition() registry.Definition {
	return registry.Definition{
		ID:        "system",
		Name:      "System Vitals",
		Category:  registry.CategorySystem,
		Collector: New(),
	}
}

func (c *Collector) Collect(ctx context.Context) (registry.Payload, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	p := registry.Payload{
		"goroutines":      runtime.NumGoroutine(),
		"num_cpu":         runtime.NumCPU(),
		"mem_alloc_bytes": m.Alloc,
		"mem_sys_bytes":   m.Sys,
		"gc_cycles":       m.NumGC,
		"uptime_seconds":  time.Since(c.startedAt).Seconds(),
	}

	// Host load averages are best-effort; absent outside Linux.
	if l1, l5, l15, ok := loadavg(); ok {
		p["load1"] = l1
		p["load5"] = l5
		p["load15"] = l15
	}
	if total, avail, ok := meminfo(); ok {
		p["host_mem_total_bytes"] = total
		p["host_mem_available_bytes"] = avail
	}
	return p, nil
}

func (c *Collector) HealthCheck(ctx context.Context) (string, error) {
	return "ok", nil
}

func loadavg() (l1, l5, l15 float64, ok bool) {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0, false
	}
	fields := strings.Fields(string(b))
	if len(fields) < 3 {
		return 0, 0, 0, false
	}
	l1, e1 := strconv.ParseFloat(fields[0], 64)
	l5, e5 := strconv.ParseFloat(fields[1], 64)
	l15, e15 := strconv.ParseFloat(fields[2], 64)
	if e1 != nil || e5 != nil || e15 != nil {
		return 0, 0, 0, false
	}
	return l1, l5, l15, true
}

func meminfo() (total, available uint64, ok bool) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	return total, available, total > 0
}
