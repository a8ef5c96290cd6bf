package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"monhub/internal/credstore"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

func newTestGateway(t *testing.T, cfg Config) (*Gateway, *credstore.Service, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	creds := credstore.New(credstore.Config{TokenSecret: "gw-secret"}, logx.Nop(), st)
	return New(cfg, logx.Nop(), creds, st), creds, st
}

func token(t *testing.T, creds *credstore.Service, role credstore.Role) string {
	t.Helper()
	tok, err := creds.IssueToken("tester", role, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func TestDoHappyPathAuditsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, creds, st := newTestGateway(t, Config{})
	tok := token(t, creds, credstore.RoleAdmin)

	ran := false
	err := gw.Do(ctx, Request{Token: tok, Op: OpListPlugins, Source: "127.0.0.1"}, func(ctx context.Context, actor Actor) error {
		ran = true
		if actor.ID != "tester" || actor.Type != "user" {
			t.Fatalf("actor = %+v", actor)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatal("operation not executed")
	}

	entries, err := st.ListAudit(ctx, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if !e.OK || e.Actor != "tester" || e.Action != "read" || e.Resource != "plugin" {
		t.Fatalf("audit entry = %+v", e)
	}
}

func TestDoRejectionStages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, creds, st := newTestGateway(t, Config{})
	readTok := token(t, creds, credstore.RoleReadOnly)

	issued, err := creds.IssueKey(ctx, "cpu", []credstore.Scope{credstore.ScopeReportMetrics}, 0)
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no credential", Request{Op: OpListPlugins}, ErrUnauthorized},
		{"bad token", Request{Token: "garbage", Op: OpListPlugins}, ErrUnauthorized},
		{"both credentials", Request{Token: readTok, APIKey: issued.Plaintext, Op: OpListPlugins}, ErrUnauthorized},
		{"role too low", Request{Token: readTok, Op: OpRegisterPlugin}, ErrForbidden},
		{"token on plugin op", Request{Token: readTok, Op: OpReportMetrics}, ErrForbidden},
		{"key on operator op", Request{APIKey: issued.Plaintext, Op: OpListPlugins}, ErrForbidden},
		{"key missing scope", Request{APIKey: issued.Plaintext, Op: OpReportHealth}, ErrForbidden},
		{"unknown op", Request{Token: readTok, Op: Operation("bogus")}, ErrInvalidInput},
		{"bad field", Request{Token: readTok, Op: OpGetPlugin,
			Fields: map[string]string{"id": "../../etc/passwd"}}, ErrInvalidInput},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			called := false
			err := gw.Do(ctx, tt.req, func(ctx context.Context, _ Actor) error {
				called = true
				return nil
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if called {
				t.Fatal("operation ran despite rejection")
			}
		})
	}

	// Every attempt above produced exactly one audit entry.
	entries, err := st.ListAudit(ctx, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != len(tests) {
		t.Fatalf("audit entries = %d, want %d", len(entries), len(tests))
	}
	for _, e := range entries {
		if e.OK {
			t.Fatalf("rejected call audited as success: %+v", e)
		}
		if e.Detail == "" {
			t.Fatalf("rejection missing stage detail: %+v", e)
		}
	}
}

func TestUnknownOpAuditAttributable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, creds, st := newTestGateway(t, Config{})
	tok := token(t, creds, credstore.RoleAdmin)

	err := gw.Do(ctx, Request{Token: tok, Op: Operation("no-such-op")}, func(ctx context.Context, _ Actor) error {
		t.Fatal("operation ran")
		return nil
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}

	entries, err := st.ListAudit(ctx, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if e := entries[0]; e.Action != "unknown" || e.Resource != "unknown" || e.OK {
		t.Fatalf("audit entry = %+v", e)
	}
}

func TestDoOperationFailureAudited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, creds, st := newTestGateway(t, Config{})
	tok := token(t, creds, credstore.RoleAdmin)

	boom := errors.New("boom")
	err := gw.Do(ctx, Request{Token: tok, Op: OpEnablePlugin, ResourceID: "cpu"}, func(ctx context.Context, _ Actor) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	entries, _ := st.ListAudit(ctx, 0)
	if len(entries) != 1 || entries[0].OK {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestRateLimitExactWindow(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(time.Minute, map[Class]int{ClassExecutionTrigger: 10})
	base := time.Now()

	for i := 0; i < 10; i++ {
		if !rl.allow("alice", ClassExecutionTrigger, base.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("call %d rejected within budget", i+1)
		}
	}
	// 11th call inside the window is rejected even though time has passed
	// since the first; a token bucket would admit it.
	if rl.allow("alice", ClassExecutionTrigger, base.Add(30*time.Second)) {
		t.Fatal("11th call admitted inside window")
	}
	// Another actor is unaffected.
	if !rl.allow("bob", ClassExecutionTrigger, base.Add(30*time.Second)) {
		t.Fatal("independent actor throttled")
	}
	// Once the first hit leaves the window, one slot frees up.
	if !rl.allow("alice", ClassExecutionTrigger, base.Add(61*time.Second)) {
		t.Fatal("slot not freed after window")
	}
}

func TestRateLimitConcurrentExact(t *testing.T) {
	t.Parallel()
	const budget = 16
	rl := newRateLimiter(time.Minute, map[Class]int{ClassMetricReport: budget})
	now := time.Now()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.allow("worker", ClassMetricReport, now) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != budget {
		t.Fatalf("admitted = %d, want exactly %d", got, budget)
	}
}

func TestDoRateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, creds, st := newTestGateway(t, Config{Budgets: map[Class]int{ClassRead: 2}})
	tok := token(t, creds, credstore.RoleAdmin)

	for i := 0; i < 2; i++ {
		if err := gw.Do(ctx, Request{Token: tok, Op: OpListPlugins}, func(ctx context.Context, _ Actor) error { return nil }); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	err := gw.Do(ctx, Request{Token: tok, Op: OpListPlugins}, func(ctx context.Context, _ Actor) error { return nil })
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	if n := storage.CountAudit(st, "tester"); n != 3 {
		t.Fatalf("audit entries = %d, want 3", n)
	}
}

func TestCheckFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		value string
		ok    bool
	}{
		{"plain", "cpu-plugin", true},
		{"with newline", "line one\nline two", true},
		{"traversal", "../secrets", false},
		{"script tag", "<SCRIPT>alert(1)</script>", false},
		{"sql", "x' or 1=1;--", false},
		{"shell expansion", "$(rm -rf /)", false},
		{"null byte", "a\x00b", false},
		{"control chars", "a\x07b", false},
		{"too long", string(make([]byte, maxFieldLen+1)), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := checkFields(map[string]string{"f": tt.value})
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestPayloadValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, creds, _ := newTestGateway(t, Config{})
	tok := token(t, creds, credstore.RoleAdmin)

	type payload struct {
		Name string `validate:"required,max=8"`
	}
	err := gw.Do(ctx, Request{Token: tok, Op: OpRegisterPlugin, Payload: payload{}}, func(ctx context.Context, _ Actor) error {
		return nil
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}

	err = gw.Do(ctx, Request{Token: tok, Op: OpRegisterPlugin, Payload: payload{Name: "ok"}}, func(ctx context.Context, _ Actor) error {
		return nil
	})
	if err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}
