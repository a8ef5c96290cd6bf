//go:build linux || darwin

package disk

import (
	"context"
	"testing"
)

func TestCollectUsage(t *testing.T) {
	t.Parallel()
	c := New()
	if err := c.ApplyConfig(map[string]any{"path": t.TempDir()}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	p, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	total, ok := p["total_bytes"].(uint64)
	if !ok || total == 0 {
		t.Fatalf("total_bytes = %v", p["total_bytes"])
	}
	pct, ok := p["used_percent"].(float64)
	if !ok || pct < 0 || pct > 100 {
		t.Fatalf("used_percent = %v", p["used_percent"])
	}
}

func TestApplyConfigIgnoresEmptyPath(t *testing.T) {
	t.Parallel()
	c := New()
	if err := c.ApplyConfig(map[string]any{"path": ""}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if path != "/" {
		t.Fatalf("path = %q, want default kept", path)
	}
}

func TestCollectBadPath(t *testing.T) {
	t.Parallel()
	c := New()
	if err := c.ApplyConfig(map[string]any{"path": "/definitely/not/a/mount"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
