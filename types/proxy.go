package types

import (
	"fmt"
	"net/url"
)

// ProxyMode is how traffic for a domain reaches the network.
type ProxyMode string

const (
	ProxyModeDirect  ProxyMode = "direct"
	ProxyModeGateway ProxyMode = "gateway"
	ProxyModeCustom  ProxyMode = "custom"
)

// ProxyPolicy maps a domain to a proxy mode. Unique per domain.
type ProxyPolicy struct {
	Domain   string
	Mode     ProxyMode
	ProxyURL string
	Enabled  bool
}

// Validate checks mode and, for custom mode, that the proxy URL parses.
func (p *ProxyPolicy) Validate() error {
	if p.Domain == "" {
		return fmt.Errorf("proxy policy requires a domain")
	}
	switch p.Mode {
	case ProxyModeDirect, ProxyModeGateway:
	case ProxyModeCustom:
		if p.ProxyURL == "" {
			return fmt.Errorf("custom proxy policy for %q requires proxy_url", p.Domain)
		}
		if _, err := url.Parse(p.ProxyURL); err != nil {
			return fmt.Errorf("invalid proxy_url for %q: %w", p.Domain, err)
		}
	default:
		return fmt.Errorf("invalid proxy mode %q: must be direct, gateway, or custom", p.Mode)
	}
	return nil
}

// ProxyDecisionSource records where a proxy decision came from, for auditing.
type ProxyDecisionSource string

const (
	ProxySourcePolicy  ProxyDecisionSource = "policy"
	ProxySourceDefault ProxyDecisionSource = "default"
)

// ProxyDecision is a resolved proxy choice for one URL.
type ProxyDecision struct {
	Mode     ProxyMode
	ProxyURL string
	Source   ProxyDecisionSource
}

// ProxyEndpoint is one egress endpoint in a gateway pool.
type ProxyEndpoint struct {
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Validate checks the endpoint URL and the auth pair.
func (e *ProxyEndpoint) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("proxy endpoint requires a URL")
	}
	parsed, err := url.Parse(e.URL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid proxy endpoint URL %q", e.URL)
	}
	if (e.Username == "") != (e.Password == "") {
		return fmt.Errorf("proxy endpoint username and password must be provided together")
	}
	return nil
}

// DialURL returns the endpoint URL with credentials applied.
func (e *ProxyEndpoint) DialURL() string {
	if e.Username == "" {
		return e.URL
	}
	parsed, err := url.Parse(e.URL)
	if err != nil {
		return e.URL
	}
	parsed.User = url.UserPassword(e.Username, e.Password)
	return parsed.String()
}

// ProxyPool is a set of gateway endpoints with sticky-by-domain selection.
// One domain keeps one egress endpoint within the sticky TTL so anti-bot
// defenses see a stable exit IP alongside a stable identity.
type ProxyPool struct {
	Endpoints []ProxyEndpoint `yaml:"endpoints" json:"endpoints"`
	StickyTTL Duration        `yaml:"sticky_ttl,omitempty" json:"sticky_ttl,omitempty"`
}

// Validate checks that the pool has at least one valid endpoint.
func (p *ProxyPool) Validate() error {
	if len(p.Endpoints) == 0 {
		return fmt.Errorf("proxy pool must have at least one endpoint")
	}
	for i := range p.Endpoints {
		if err := p.Endpoints[i].Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	return nil
}
