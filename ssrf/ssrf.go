// Package ssrf admits or rejects outbound URLs before any fetch. It blocks
// private and reserved address space, local hostnames, and anything denied
// by the configured domain lists.
package ssrf

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/types"
)

// Resolver looks up host addresses. *net.Resolver satisfies it; tests
// substitute a fixed map.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Checker validates URLs against the SSRF policy.
type Checker struct {
	settings config.SSRFSettings
	resolver Resolver
}

// New builds a Checker using the system resolver.
func New(settings config.SSRFSettings) *Checker {
	return &Checker{settings: settings, resolver: net.DefaultResolver}
}

// NewWithResolver builds a Checker with a custom resolver.
func NewWithResolver(settings config.SSRFSettings, resolver Resolver) *Checker {
	return &Checker{settings: settings, resolver: resolver}
}

// EnsureURLAllowed returns nil when the URL may be fetched, or a CodedError
// with one of: invalid_scheme, invalid_url, domain_denied,
// domain_not_allowed, dns_failed, ssrf_blocked.
func (c *Checker) EnsureURLAllowed(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return types.NewCodedError(types.CodeInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return types.NewCodedError(types.CodeInvalidScheme, nil)
	}
	if parsed.User != nil {
		return types.NewCodedError(types.CodeInvalidURL, nil)
	}
	host := parsed.Hostname()
	if host == "" {
		return types.NewCodedError(types.CodeInvalidURL, nil)
	}
	host = stripIPv6Zone(host)

	if code := c.denyReasonForHost(host); code != "" {
		return types.NewCodedError(code, nil)
	}

	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = c.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return types.NewCodedError(types.CodeDNSFailed, err)
		}
	}

	if c.settings.AllowPrivateIPs {
		return nil
	}
	if len(addrs) == 0 {
		return types.NewCodedError(types.CodeDNSFailed, nil)
	}
	for _, addr := range addrs {
		if addrIsPrivate(addr) {
			return types.NewCodedError(types.CodeSSRFBlocked, nil)
		}
	}
	return nil
}

func (c *Checker) denyReasonForHost(host string) string {
	if hostInList(host, c.settings.DenylistDomains) {
		return types.CodeDomainDenied
	}
	if len(c.settings.AllowlistDomains) > 0 && !hostInList(host, c.settings.AllowlistDomains) {
		return types.CodeDomainNotAllowed
	}
	if c.settings.AllowPrivateIPs {
		return ""
	}
	if isLocalHostname(host) {
		return types.CodeSSRFBlocked
	}
	return ""
}

func hostInList(host string, patterns []string) bool {
	for _, pattern := range patterns {
		if domainMatches(host, pattern) {
			return true
		}
	}
	return false
}

// domainMatches compares host against a pattern: "*" matches everything,
// "*.foo" matches foo and its subdomains, anything else is an exact match.
func domainMatches(host, pattern string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	pattern = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(pattern)), ".")
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if base, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == base || strings.HasSuffix(host, "."+base)
	}
	return host == pattern
}

func stripIPv6Zone(host string) string {
	if i := strings.Index(host, "%"); i >= 0 {
		return host[:i]
	}
	return host
}

func isLocalHostname(host string) bool {
	lowered := strings.ToLower(host)
	if lowered == "localhost" || lowered == "localhost.localdomain" {
		return true
	}
	return strings.HasSuffix(lowered, ".local") ||
		strings.HasSuffix(lowered, ".localhost") ||
		strings.HasSuffix(lowered, ".internal")
}

// addrIsPrivate covers loopback, RFC1918, link-local, multicast, reserved,
// unspecified, and IPv6 site-local space.
func addrIsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	if addr.Is6() {
		// fec0::/10 site-local, deprecated but still routed by some stacks.
		if siteLocal := netip.MustParsePrefix("fec0::/10"); siteLocal.Contains(addr) {
			return true
		}
	} else {
		// 240.0.0.0/4 reserved plus the 0.0.0.0/8 "this network" block.
		if reserved := netip.MustParsePrefix("240.0.0.0/4"); reserved.Contains(addr) {
			return true
		}
		if thisNet := netip.MustParsePrefix("0.0.0.0/8"); thisNet.Contains(addr) {
			return true
		}
	}
	return false
}
