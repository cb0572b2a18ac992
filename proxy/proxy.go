// Package proxy resolves egress decisions per URL: direct, the shared
// gateway, or a per-domain custom proxy from stored policies.
package proxy

import (
	"context"
	"strings"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/types"
)

// PolicyLookup loads the enabled proxy policy for an exact domain, or nil
// when none exists. The job store satisfies it.
type PolicyLookup interface {
	ProxyPolicyByDomain(ctx context.Context, domain string) (*types.ProxyPolicy, error)
}

// Resolver turns URLs into proxy decisions.
type Resolver struct {
	policies PolicyLookup
	settings config.ProxySettings
	pool     *Pool
}

// NewResolver builds a Resolver. pool may be nil when no gateway pool is
// configured; the flat gateway_url is used instead.
func NewResolver(policies PolicyLookup, settings config.ProxySettings, pool *Pool) *Resolver {
	return &Resolver{policies: policies, settings: settings, pool: pool}
}

// Decide resolves the proxy decision for rawURL. Policies match by exact
// domain; without one the configured default mode applies. Decisions are
// stamped with their source for auditing.
func (r *Resolver) Decide(ctx context.Context, rawURL string) (types.ProxyDecision, error) {
	domain := coord.ExtractDomain(rawURL)

	if domain != "" && r.policies != nil {
		policy, err := r.policies.ProxyPolicyByDomain(ctx, domain)
		if err != nil {
			return types.ProxyDecision{}, err
		}
		if policy != nil && policy.Enabled {
			return r.decisionForMode(policy.Mode, policy.ProxyURL, domain, types.ProxySourcePolicy), nil
		}
	}

	mode := types.ProxyMode(strings.ToLower(r.settings.DefaultMode))
	if mode == "" {
		mode = types.ProxyModeDirect
	}
	return r.decisionForMode(mode, "", domain, types.ProxySourceDefault), nil
}

func (r *Resolver) decisionForMode(mode types.ProxyMode, customURL, domain string, source types.ProxyDecisionSource) types.ProxyDecision {
	switch mode {
	case types.ProxyModeCustom:
		if customURL != "" {
			return types.ProxyDecision{Mode: types.ProxyModeCustom, ProxyURL: customURL, Source: source}
		}
	case types.ProxyModeGateway:
		if gatewayURL := r.gatewayURL(domain); gatewayURL != "" {
			return types.ProxyDecision{Mode: types.ProxyModeGateway, ProxyURL: gatewayURL, Source: source}
		}
	}
	// Unusable gateway or custom config degrades to direct.
	return types.ProxyDecision{Mode: types.ProxyModeDirect, Source: source}
}

// gatewayURL prefers the sticky pool, falling back to the flat gateway URL.
func (r *Resolver) gatewayURL(domain string) string {
	if r.pool != nil {
		if endpoint := r.pool.Select(domain); endpoint != nil {
			return endpoint.DialURL()
		}
	}
	return r.settings.GatewayURL
}
