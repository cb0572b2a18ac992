package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/prospect/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client), mr
}

func TestPopPriorityStrictOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Push out of order; pops must drain high before standard before low.
	mustPush := func(p types.Priority, id string) {
		if err := store.PushPriority(ctx, p, id); err != nil {
			t.Fatalf("push %s: %v", p, err)
		}
	}
	mustPush(types.PriorityLow, "l1")
	mustPush(types.PriorityStandard, "s1")
	mustPush(types.PriorityHigh, "h1")
	mustPush(types.PriorityHigh, "h2")
	mustPush(types.PriorityStandard, "s2")

	want := []string{"h1", "h2", "s1", "s2", "l1"}
	for i, expected := range want {
		got, err := store.PopPriority(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if got != expected {
			t.Fatalf("pop %d = %q, want %q", i, got, expected)
		}
	}

	got, err := store.PopPriority(ctx)
	if err != nil {
		t.Fatalf("pop empty: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty pop, got %q", got)
	}
}

func TestEngineQueueRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.PushEngine(ctx, types.EngineFast, "job-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := store.PopEngine(ctx, types.EngineFast, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got != "job-1" {
		t.Fatalf("pop = %q, want job-1", got)
	}
}

func TestEvalTokenBucket(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Capacity 2, refill 1 token/s: two allowed, third denied with retry
	// close to one second.
	for i := range 2 {
		decision, err := store.EvalTokenBucket(ctx, "a.example", 2, 1.0, 60)
		if err != nil {
			t.Fatalf("eval %d: %v", i, err)
		}
		if !decision.Allowed || decision.RetryAfterMs != 0 {
			t.Fatalf("eval %d = %+v, want allowed", i, decision)
		}
	}

	denied, err := store.EvalTokenBucket(ctx, "a.example", 2, 1.0, 60)
	if err != nil {
		t.Fatalf("eval denied: %v", err)
	}
	if denied.Allowed {
		t.Fatal("third request should be denied")
	}
	if denied.RetryAfterMs < 500 || denied.RetryAfterMs > 1100 {
		t.Fatalf("retry_after_ms = %d, want ~1000", denied.RetryAfterMs)
	}

	// Buckets are per-domain.
	other, err := store.EvalTokenBucket(ctx, "b.example", 2, 1.0, 60)
	if err != nil {
		t.Fatalf("eval other domain: %v", err)
	}
	if !other.Allowed {
		t.Fatal("fresh domain should be allowed")
	}
}

func TestEvalTokenBucketRefills(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for range 2 {
		if _, err := store.EvalTokenBucket(ctx, "c.example", 2, 10.0, 60); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
	denied, err := store.EvalTokenBucket(ctx, "c.example", 2, 10.0, 60)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if denied.Allowed {
		t.Fatal("expected denial on drained bucket")
	}

	time.Sleep(150 * time.Millisecond)

	allowed, err := store.EvalTokenBucket(ctx, "c.example", 2, 10.0, 60)
	if err != nil {
		t.Fatalf("eval after refill: %v", err)
	}
	if !allowed.Allowed {
		t.Fatal("expected allowance after refill window")
	}
}

func TestIncrWithWindow(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWithWindow(ctx, "llm:job:j1", 60)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("incr = %d, want %d", got, want)
		}
	}

	// Window expiry resets the counter.
	mr.FastForward(61 * time.Second)
	got, err := store.IncrWithWindow(ctx, "llm:job:j1", 60)
	if err != nil {
		t.Fatalf("incr after expiry: %v", err)
	}
	if got != 1 {
		t.Fatalf("incr after expiry = %d, want 1", got)
	}
}

func TestFlags(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	key := store.BreakerOpenKey("a.example")
	exists, err := store.FlagExists(ctx, key)
	if err != nil || exists {
		t.Fatalf("flag should not exist yet (err=%v)", err)
	}

	if err := store.SetFlag(ctx, key, 300); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	exists, err = store.FlagExists(ctx, key)
	if err != nil || !exists {
		t.Fatalf("flag should exist (err=%v)", err)
	}

	mr.FastForward(301 * time.Second)
	exists, err = store.FlagExists(ctx, key)
	if err != nil || exists {
		t.Fatalf("flag should have expired (err=%v)", err)
	}
}

func TestEvalExternalBudget(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Max 2 calls, unlimited cost.
	for i := range 2 {
		budget, err := store.EvalExternalBudget(ctx, "acme", 2, 0, 0.5, 3600)
		if err != nil {
			t.Fatalf("eval %d: %v", i, err)
		}
		if !budget.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
	}

	budget, err := store.EvalExternalBudget(ctx, "acme", 2, 0, 0.5, 3600)
	if err != nil {
		t.Fatalf("eval over budget: %v", err)
	}
	if budget.Allowed {
		t.Fatal("third call should exceed the call budget")
	}

	// Cost cap denies even when calls remain.
	costed, err := store.EvalExternalBudget(ctx, "beta", 10, 1.0, 0.7, 3600)
	if err != nil {
		t.Fatalf("eval cost: %v", err)
	}
	if !costed.Allowed {
		t.Fatal("first costed call should pass")
	}
	costed, err = store.EvalExternalBudget(ctx, "beta", 10, 1.0, 0.7, 3600)
	if err != nil {
		t.Fatalf("eval cost 2: %v", err)
	}
	if costed.Allowed {
		t.Fatal("second costed call should exceed the cost budget")
	}
}

func TestBindings(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	binding, err := store.GetBinding(ctx, "acme", "shop.example")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if binding != nil {
		t.Fatal("expected nil binding before set")
	}

	id := types.IdentityBinding{ProxyURL: "http://gw.example:8080"}
	if err := store.SetBinding(ctx, "acme", "shop.example", id, 300); err != nil {
		t.Fatalf("set: %v", err)
	}

	binding, err = store.GetBinding(ctx, "acme", "shop.example")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if binding == nil || binding.ProxyURL != id.ProxyURL {
		t.Fatalf("get = %+v, want %+v", binding, id)
	}

	if err := store.ClearBinding(ctx, "acme", "shop.example"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	binding, err = store.GetBinding(ctx, "acme", "shop.example")
	if err != nil || binding != nil {
		t.Fatalf("binding should be cleared (err=%v)", err)
	}

	// TTL expiry.
	if err := store.SetBinding(ctx, "acme", "shop.example", id, 300); err != nil {
		t.Fatalf("set again: %v", err)
	}
	mr.FastForward(301 * time.Second)
	binding, err = store.GetBinding(ctx, "acme", "shop.example")
	if err != nil || binding != nil {
		t.Fatalf("binding should have expired (err=%v)", err)
	}
}

func TestExtractDomain(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://Shop.Example/p/1", "shop.example"},
		{"http://a.example:8080/x", "a.example"},
		{"not a url at all", ""},
		{"https://", ""},
	}
	for _, tc := range cases {
		if got := ExtractDomain(tc.url); got != tc.want {
			t.Fatalf("ExtractDomain(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
