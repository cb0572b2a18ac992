package identity

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

type fixedProxy struct {
	url string
}

func (f fixedProxy) Decide(_ context.Context, _ string) (types.ProxyDecision, error) {
	return types.ProxyDecision{Mode: types.ProxyModeGateway, ProxyURL: f.url}, nil
}

func newTestManager(t *testing.T, mutate func(*config.IdentitySettings)) (*Manager, *store.Store, *miniredis.Miniredis) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	cs := coord.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cs.Close() })

	settings := config.Default().Identity
	settings.EncryptionKey = "0123456789abcdef0123456789abcdef"
	if mutate != nil {
		mutate(&settings)
	}

	codec, err := NewCodec(settings.EncryptionKey)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	logger := log.NewLogger("identity-test").WithOutput(io.Discard)
	return NewManager(db, cs, fixedProxy{url: "http://gw.example:8080"}, codec, settings, logger), db, mr
}

func seedIdentity(t *testing.T, db *store.Store, tenant string, mutate func(*types.Identity)) uuid.UUID {
	t.Helper()
	identity := &types.Identity{
		Tenant: tenant,
		Active: true,
		Fingerprint: types.Fingerprint{
			UserAgent: "Mozilla/5.0 (test)",
			Locale:    "en-US",
		},
	}
	if mutate != nil {
		mutate(identity)
	}
	if err := db.CreateIdentity(context.Background(), identity); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return identity.ID
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec("a perfectly reasonable passphrase")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	in := []types.Cookie{{Name: "session", Value: "abc", Domain: "example.com"}}
	token, err := codec.Encrypt(in)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	var out []types.Cookie
	if err := codec.Decrypt(token, &out); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(out) != 1 || out[0].Name != "session" || out[0].Value != "abc" {
		t.Fatalf("round trip = %+v", out)
	}
}

func TestCodecRejectsWrongKey(t *testing.T) {
	first, _ := NewCodec("key-one")
	second, _ := NewCodec("key-two")

	token, err := first.Encrypt(map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	var out map[string]string
	if err := second.Decrypt(token, &out); err != ErrKeyInvalid {
		t.Fatalf("decrypt with wrong key = %v, want ErrKeyInvalid", err)
	}
	if err := first.Decrypt("not base64!!", &out); err != ErrKeyInvalid {
		t.Fatalf("decrypt garbage = %v, want ErrKeyInvalid", err)
	}
}

func TestCodecRequiresKey(t *testing.T) {
	if _, err := NewCodec(""); err != ErrKeyMissing {
		t.Fatalf("err = %v, want ErrKeyMissing", err)
	}
}

func TestAcquirePrefersLeastUsed(t *testing.T) {
	m, db, _ := newTestManager(t, nil)
	ctx := context.Background()

	busy := seedIdentity(t, db, "acme", func(i *types.Identity) {
		i.UseCount = 10
		i.LastUsedAt = time.Now().Add(-time.Minute)
	})
	fresh := seedIdentity(t, db, "acme", nil)

	got, err := m.Acquire(ctx, "acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got == nil || got.ID != fresh {
		t.Fatalf("acquired %v, want fresh %v (busy %v)", got, fresh, busy)
	}
}

func TestAcquireSkipsOtherTenants(t *testing.T) {
	m, db, _ := newTestManager(t, nil)
	seedIdentity(t, db, "other", nil)

	got, err := m.Acquire(context.Background(), "acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got != nil {
		t.Fatalf("acquired %v from wrong tenant", got.ID)
	}
}

func TestAcquireAppliesFailureDecay(t *testing.T) {
	m, db, _ := newTestManager(t, func(s *config.IdentitySettings) {
		s.FailureDecayPerHour = 1.0
	})
	ctx := context.Background()

	// Two failures ten hours ago fully decay; one failure just now does not.
	healed := seedIdentity(t, db, "acme", func(i *types.Identity) {
		i.FailureCount = 2
		i.LastFailedAt = time.Now().Add(-10 * time.Hour)
	})
	seedIdentity(t, db, "acme", func(i *types.Identity) {
		i.FailureCount = 1
		i.LastFailedAt = time.Now()
	})

	got, err := m.Acquire(ctx, "acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got == nil || got.ID != healed {
		t.Fatalf("acquired %v, want healed %v", got, healed)
	}
}

func TestAcquireForURLBindingStickiness(t *testing.T) {
	m, db, _ := newTestManager(t, nil)
	ctx := context.Background()

	seedIdentity(t, db, "acme", nil)
	seedIdentity(t, db, "acme", nil)

	first, err := m.AcquireForURL(ctx, "https://shop.example.com/p/1", "acme")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if first.Identity == nil {
		t.Fatal("no identity acquired")
	}
	if first.Domain != "shop.example.com" {
		t.Fatalf("domain = %q", first.Domain)
	}
	if first.ProxyURL != "http://gw.example:8080" {
		t.Fatalf("proxy = %q", first.ProxyURL)
	}

	// Same tenant and domain within the TTL reuses the bound identity,
	// even though the other identity now has a lower use count.
	second, err := m.AcquireForURL(ctx, "https://shop.example.com/p/2", "acme")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second.Identity.ID != first.Identity.ID {
		t.Fatalf("binding did not stick: %v vs %v", second.Identity.ID, first.Identity.ID)
	}
	if second.ProxyURL != first.ProxyURL {
		t.Fatalf("proxy changed across binding: %q vs %q", second.ProxyURL, first.ProxyURL)
	}

	// A different domain binds independently.
	other, err := m.AcquireForURL(ctx, "https://blog.example.org/", "acme")
	if err != nil {
		t.Fatalf("other domain acquire: %v", err)
	}
	if other.Domain != "blog.example.org" {
		t.Fatalf("domain = %q", other.Domain)
	}
}

func TestAcquireForURLRotatesAfterDeactivation(t *testing.T) {
	m, db, _ := newTestManager(t, func(s *config.IdentitySettings) {
		s.FailureThreshold = 1
	})
	ctx := context.Background()

	seedIdentity(t, db, "acme", nil)
	seedIdentity(t, db, "acme", nil)

	first, err := m.AcquireForURL(ctx, "https://target.example.com/", "acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	boundID := first.Identity.ID

	// One 403 at threshold 1 deactivates the identity and drops the binding.
	if err := m.RecordFailure(ctx, boundID, types.CodeHTTP403, "https://target.example.com/", "acme"); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	stored, err := db.GetIdentity(ctx, boundID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if stored.Active {
		t.Fatal("identity should be deactivated at threshold")
	}

	second, err := m.AcquireForURL(ctx, "https://target.example.com/", "acme")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if second.Identity == nil {
		t.Fatal("no replacement identity")
	}
	if second.Identity.ID == boundID {
		t.Fatal("rotated onto the deactivated identity")
	}
}

func TestAcquireForURLBindingExpiry(t *testing.T) {
	m, db, mr := newTestManager(t, func(s *config.IdentitySettings) {
		s.BindingTTLSec = 60
	})
	ctx := context.Background()

	seedIdentity(t, db, "acme", nil)

	first, err := m.AcquireForURL(ctx, "https://target.example.com/", "acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(120 * time.Second)

	second, err := m.AcquireForURL(ctx, "https://target.example.com/", "acme")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	// Only one identity exists, so the same one comes back, but through a
	// fresh binding rather than the expired one.
	if second.Identity.ID != first.Identity.ID {
		t.Fatalf("unexpected identity %v", second.Identity.ID)
	}
}

func TestRecordFailureIgnoresNonBanReasons(t *testing.T) {
	m, db, _ := newTestManager(t, func(s *config.IdentitySettings) {
		s.FailureThreshold = 1
	})
	ctx := context.Background()

	id := seedIdentity(t, db, "acme", nil)
	for _, reason := range []string{types.CodeTimeout, types.CodeEmptyParse, "missing:title", ""} {
		if err := m.RecordFailure(ctx, id, reason, "https://x.example.com/", "acme"); err != nil {
			t.Fatalf("record %q: %v", reason, err)
		}
	}

	stored, err := db.GetIdentity(ctx, id)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if stored.FailureCount != 0 || !stored.Active {
		t.Fatalf("non-ban reasons should not count: failures=%d active=%v", stored.FailureCount, stored.Active)
	}
}

func TestIsBanReason(t *testing.T) {
	cases := []struct {
		reason string
		want   bool
	}{
		{types.CodeHTTP403, true},
		{types.CodeHTTP429, true},
		{types.CodeCaptchaDetected, true},
		{types.CodeChallengeScript, true},
		{"blocked_status", true},
		{"blocked_title", true},
		{"vision_captcha", true},
		{types.CodeEmptyParse, false},
		{types.CodeTimeout, false},
		{"missing:price", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsBanReason(tc.reason); got != tc.want {
			t.Errorf("IsBanReason(%q) = %v, want %v", tc.reason, got, tc.want)
		}
	}
}

func TestStoreCookiesMergesJar(t *testing.T) {
	m, db, _ := newTestManager(t, nil)
	ctx := context.Background()

	id := seedIdentity(t, db, "acme", nil)

	existing := []types.Cookie{
		{Name: "session", Value: "old", Domain: "example.com"},
		{Name: "pref", Value: "dark", Domain: "example.com"},
	}
	if err := m.StoreCookies(ctx, id, existing); err != nil {
		t.Fatalf("store existing: %v", err)
	}

	fresh := []types.Cookie{
		{Name: "session", Value: "new", Domain: "example.com"},
		{Name: "cart", Value: "3", Domain: "example.com"},
	}
	if err := m.StoreCookies(ctx, id, fresh); err != nil {
		t.Fatalf("store fresh: %v", err)
	}

	got, err := m.Acquire(ctx, "acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(got.Cookies) != 3 {
		t.Fatalf("cookie count = %d, want 3", len(got.Cookies))
	}
	values := map[string]string{}
	for _, c := range got.Cookies {
		values[c.Name] = c.Value
	}
	if values["session"] != "new" {
		t.Fatalf("session = %q, fresh value should win", values["session"])
	}
	if values["pref"] != "dark" || values["cart"] != "3" {
		t.Fatalf("merged jar = %v", values)
	}
}

func TestStoreStorageStateRoundTrip(t *testing.T) {
	m, db, _ := newTestManager(t, nil)
	ctx := context.Background()

	id := seedIdentity(t, db, "acme", nil)
	state := &types.StorageState{
		Origins: []types.OriginStorage{
			{Origin: "https://example.com", Items: map[string]string{"token": "xyz"}},
		},
	}
	if err := m.StoreStorageState(ctx, id, state); err != nil {
		t.Fatalf("store state: %v", err)
	}

	got, err := m.Acquire(ctx, "acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.StorageState == nil || len(got.StorageState.Origins) != 1 {
		t.Fatalf("storage state = %+v", got.StorageState)
	}
	if got.StorageState.Origins[0].Items["token"] != "xyz" {
		t.Fatal("storage state items lost")
	}
}
