package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/types"
)

// mapPolicies is a PolicyLookup over a fixed map.
type mapPolicies map[string]*types.ProxyPolicy

func (m mapPolicies) ProxyPolicyByDomain(_ context.Context, domain string) (*types.ProxyPolicy, error) {
	return m[domain], nil
}

func TestDecide_PolicyModes(t *testing.T) {
	policies := mapPolicies{
		"direct.example":   {Domain: "direct.example", Mode: types.ProxyModeDirect, Enabled: true},
		"custom.example":   {Domain: "custom.example", Mode: types.ProxyModeCustom, ProxyURL: "http://custom:3128", Enabled: true},
		"gateway.example":  {Domain: "gateway.example", Mode: types.ProxyModeGateway, Enabled: true},
		"disabled.example": {Domain: "disabled.example", Mode: types.ProxyModeCustom, ProxyURL: "http://x:1", Enabled: false},
	}
	r := NewResolver(policies, config.ProxySettings{
		DefaultMode: "direct",
		GatewayURL:  "http://gw.example:8080",
	}, nil)
	ctx := context.Background()

	cases := []struct {
		url        string
		wantMode   types.ProxyMode
		wantURL    string
		wantSource types.ProxyDecisionSource
	}{
		{"https://direct.example/", types.ProxyModeDirect, "", types.ProxySourcePolicy},
		{"https://custom.example/", types.ProxyModeCustom, "http://custom:3128", types.ProxySourcePolicy},
		{"https://gateway.example/", types.ProxyModeGateway, "http://gw.example:8080", types.ProxySourcePolicy},
		{"https://disabled.example/", types.ProxyModeDirect, "", types.ProxySourceDefault},
		{"https://unlisted.example/", types.ProxyModeDirect, "", types.ProxySourceDefault},
	}
	for _, tc := range cases {
		decision, err := r.Decide(ctx, tc.url)
		if err != nil {
			t.Fatalf("%s: %v", tc.url, err)
		}
		if decision.Mode != tc.wantMode || decision.ProxyURL != tc.wantURL || decision.Source != tc.wantSource {
			t.Fatalf("%s: got %+v, want {%s %s %s}", tc.url, decision, tc.wantMode, tc.wantURL, tc.wantSource)
		}
	}
}

func TestDecide_DefaultGateway(t *testing.T) {
	r := NewResolver(mapPolicies{}, config.ProxySettings{
		DefaultMode: "gateway",
		GatewayURL:  "http://gw.example:8080",
	}, nil)

	decision, err := r.Decide(context.Background(), "https://anything.example/")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Mode != types.ProxyModeGateway || decision.ProxyURL != "http://gw.example:8080" {
		t.Fatalf("got %+v, want default gateway", decision)
	}
	if decision.Source != types.ProxySourceDefault {
		t.Fatalf("source = %q, want default", decision.Source)
	}
}

func TestDecide_GatewayWithoutURLDegradesToDirect(t *testing.T) {
	r := NewResolver(mapPolicies{
		"shop.example": {Domain: "shop.example", Mode: types.ProxyModeGateway, Enabled: true},
	}, config.ProxySettings{DefaultMode: "direct"}, nil)

	decision, err := r.Decide(context.Background(), "https://shop.example/")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Mode != types.ProxyModeDirect {
		t.Fatalf("got %+v, want direct fallback", decision)
	}
}

func TestDecide_UsesPool(t *testing.T) {
	pool := NewPool(types.ProxyPool{
		Endpoints: []types.ProxyEndpoint{{URL: "http://a:8080"}, {URL: "http://b:8080"}},
	})
	r := NewResolver(mapPolicies{}, config.ProxySettings{DefaultMode: "gateway"}, pool)
	ctx := context.Background()

	first, err := r.Decide(ctx, "https://shop.example/")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	second, err := r.Decide(ctx, "https://shop.example/")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if first.ProxyURL != second.ProxyURL {
		t.Fatalf("same domain should stay sticky: %q vs %q", first.ProxyURL, second.ProxyURL)
	}

	other, err := r.Decide(ctx, "https://other.example/")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if other.ProxyURL == first.ProxyURL {
		t.Fatalf("second domain should rotate to the other endpoint, both got %q", other.ProxyURL)
	}
}

func TestPoolStickyExpiry(t *testing.T) {
	pool := NewPool(types.ProxyPool{
		Endpoints: []types.ProxyEndpoint{{URL: "http://a:8080"}, {URL: "http://b:8080"}},
		StickyTTL: types.Duration(time.Minute),
	})

	current := time.Unix(1700000000, 0)
	pool.now = func() time.Time { return current }

	first := pool.Select("shop.example")
	if got := pool.Select("shop.example"); got.URL != first.URL {
		t.Fatalf("within TTL got %q, want %q", got.URL, first.URL)
	}

	// Past the TTL the domain re-enters rotation and lands on the other
	// endpoint.
	current = current.Add(2 * time.Minute)
	rotated := pool.Select("shop.example")
	if rotated.URL == first.URL {
		t.Fatalf("after TTL expected rotation away from %q", first.URL)
	}
}

func TestPoolRelease(t *testing.T) {
	pool := NewPool(types.ProxyPool{
		Endpoints: []types.ProxyEndpoint{{URL: "http://a:8080"}, {URL: "http://b:8080"}},
	})

	first := pool.Select("shop.example")
	pool.Release("shop.example")
	second := pool.Select("shop.example")
	if second.URL == first.URL {
		t.Fatalf("release should force rotation, both got %q", first.URL)
	}
}

func TestPoolEmptyConfig(t *testing.T) {
	if pool := NewPool(types.ProxyPool{}); pool != nil {
		t.Fatal("empty pool config should yield nil")
	}
}
