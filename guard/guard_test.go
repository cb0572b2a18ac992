package guard

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

func newTestGuard(t *testing.T, mutate func(*config.Settings)) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	settings := config.Default()
	if mutate != nil {
		mutate(settings)
	}
	logger := log.NewLogger("guard-test").WithOutput(io.Discard)
	return New(coord.NewFromClient(client), settings, logger), mr
}

func TestGuardDisabledRateLimitAllows(t *testing.T) {
	g, _ := newTestGuard(t, nil)

	code, err := g.Guard(context.Background(), "https://a.example/page")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if code != "" {
		t.Fatalf("guard = %q, want allow", code)
	}
}

func TestGuardRateLimited(t *testing.T) {
	g, _ := newTestGuard(t, func(s *config.Settings) {
		s.RateLimit = config.RateLimitSettings{Capacity: 2, RefillPerSec: 1}
	})
	ctx := context.Background()

	for i := range 2 {
		code, err := g.Guard(ctx, "https://a.example/page")
		if err != nil {
			t.Fatalf("guard %d: %v", i, err)
		}
		if code != "" {
			t.Fatalf("guard %d = %q, want allow", i, code)
		}
	}

	code, err := g.Guard(ctx, "https://a.example/page")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if code != types.CodeRateLimited {
		t.Fatalf("guard = %q, want rate_limited", code)
	}

	// A different domain has its own bucket.
	code, err = g.Guard(ctx, "https://b.example/page")
	if err != nil {
		t.Fatalf("guard other: %v", err)
	}
	if code != "" {
		t.Fatalf("guard other = %q, want allow", code)
	}
}

func TestGuardBlockingWaitRecovers(t *testing.T) {
	g, _ := newTestGuard(t, func(s *config.Settings) {
		s.RateLimit = config.RateLimitSettings{Capacity: 1, RefillPerSec: 20, MaxWaitMs: 2000}
	})
	ctx := context.Background()

	if code, err := g.Guard(ctx, "https://a.example/"); err != nil || code != "" {
		t.Fatalf("first guard = %q err=%v", code, err)
	}

	// Bucket is empty but refills within the wait budget.
	start := time.Now()
	code, err := g.Guard(ctx, "https://a.example/")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if code != "" {
		t.Fatalf("guard = %q, want allow after wait", code)
	}
	if time.Since(start) > 1500*time.Millisecond {
		t.Fatalf("wait took %v, expected sub-second refill", time.Since(start))
	}
}

func TestRecordFailureOpensBreaker(t *testing.T) {
	g, _ := newTestGuard(t, func(s *config.Settings) {
		s.Breaker = config.BreakerSettings{Threshold: 3, WindowSec: 60, CooldownSec: 300}
	})
	ctx := context.Background()

	// Non-ban statuses never count.
	if err := g.RecordFailure(ctx, "a.example", 500); err != nil {
		t.Fatalf("record 500: %v", err)
	}
	if code, _ := g.Guard(ctx, "https://a.example/"); code != "" {
		t.Fatalf("breaker opened on 500: %q", code)
	}

	for range 3 {
		if err := g.RecordFailure(ctx, "a.example", 403); err != nil {
			t.Fatalf("record 403: %v", err)
		}
	}

	code, err := g.Guard(ctx, "https://a.example/")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if code != types.CodeCircuitOpen {
		t.Fatalf("guard = %q, want circuit_open", code)
	}
}

func TestBreakerCooldownExpires(t *testing.T) {
	g, mr := newTestGuard(t, func(s *config.Settings) {
		s.Breaker = config.BreakerSettings{Threshold: 1, WindowSec: 60, CooldownSec: 300}
	})
	ctx := context.Background()

	if err := g.RecordFailure(ctx, "a.example", 429); err != nil {
		t.Fatalf("record: %v", err)
	}
	if code, _ := g.Guard(ctx, "https://a.example/"); code != types.CodeCircuitOpen {
		t.Fatalf("expected open circuit, got %q", code)
	}

	mr.FastForward(301 * time.Second)

	code, err := g.Guard(ctx, "https://a.example/")
	if err != nil {
		t.Fatalf("guard after cooldown: %v", err)
	}
	if code != "" {
		t.Fatalf("guard after cooldown = %q, want allow", code)
	}
}

func TestAllowLLMCallBudgets(t *testing.T) {
	g, _ := newTestGuard(t, func(s *config.Settings) {
		s.LLMBudget = config.LLMBudgetSettings{
			JobMaxCalls: 1, JobWindowSec: 3600,
			TenantMaxCalls: 2, TenantWindowSec: 86400,
		}
	})
	ctx := context.Background()

	ok, err := g.AllowLLMCall(ctx, "job-1", "acme")
	if err != nil || !ok {
		t.Fatalf("first call should pass (ok=%v err=%v)", ok, err)
	}
	ok, err = g.AllowLLMCall(ctx, "job-1", "acme")
	if err != nil || ok {
		t.Fatalf("second job call should be denied (ok=%v err=%v)", ok, err)
	}

	// Tenant budget spans jobs; job-1's denied call still consumed a
	// tenant slot, so job-2's first call exhausts the tenant window.
	ok, err = g.AllowLLMCall(ctx, "job-2", "acme")
	if err != nil || ok {
		t.Fatalf("tenant budget should be exhausted (ok=%v err=%v)", ok, err)
	}
}

func TestIsExternalAllowed(t *testing.T) {
	g, _ := newTestGuard(t, func(s *config.Settings) {
		s.External.Enabled = true
		s.External.Provider = "scrapfly"
		s.External.AllowlistDomains = []string{"shop.example"}
	})

	if !g.IsExternalAllowed("https://shop.example/p/1") {
		t.Fatal("exact domain should be allowed")
	}
	if !g.IsExternalAllowed("https://www.shop.example/p/1") {
		t.Fatal("subdomain should be allowed")
	}
	if g.IsExternalAllowed("https://evil.example/") {
		t.Fatal("off-list domain should be denied")
	}

	disabled, _ := newTestGuard(t, nil)
	if disabled.IsExternalAllowed("https://shop.example/") {
		t.Fatal("disabled external engine should deny everything")
	}
}

func TestAllowExternalCall(t *testing.T) {
	g, _ := newTestGuard(t, func(s *config.Settings) {
		s.External.TenantMaxCalls = 2
		s.External.BudgetWindowSec = 3600
	})
	ctx := context.Background()

	for i := range 2 {
		ok, err := g.AllowExternalCall(ctx, "acme", 0)
		if err != nil || !ok {
			t.Fatalf("call %d should pass (ok=%v err=%v)", i, ok, err)
		}
	}
	ok, err := g.AllowExternalCall(ctx, "acme", 0)
	if err != nil || ok {
		t.Fatalf("third call should exceed budget (ok=%v err=%v)", ok, err)
	}
}

func TestRecordExternalFailure(t *testing.T) {
	g, _ := newTestGuard(t, func(s *config.Settings) {
		s.External.BreakerThreshold = 2
		s.External.BreakerWindowSec = 300
		s.External.BreakerCooldownSec = 600
	})
	ctx := context.Background()

	for range 2 {
		if err := g.RecordExternalFailure(ctx, "https://shop.example/"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	open, err := g.IsExternalCircuitOpen(ctx, "https://shop.example/")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !open {
		t.Fatal("external breaker should be open")
	}
}

func TestAllowUIAction(t *testing.T) {
	g, _ := newTestGuard(t, nil)
	ctx := context.Background()

	for i := range 30 {
		ok, err := g.AllowUIAction(ctx, "submit", "user-1", 30, 60)
		if err != nil || !ok {
			t.Fatalf("action %d should pass (ok=%v err=%v)", i, ok, err)
		}
	}
	ok, err := g.AllowUIAction(ctx, "submit", "user-1", 30, 60)
	if err != nil || ok {
		t.Fatalf("over-limit action should be denied (ok=%v err=%v)", ok, err)
	}

	// Other actors are unaffected.
	ok, err = g.AllowUIAction(ctx, "submit", "user-2", 30, 60)
	if err != nil || !ok {
		t.Fatalf("other actor should pass (ok=%v err=%v)", ok, err)
	}
}
