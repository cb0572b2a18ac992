package proxy

import (
	"sync"
	"time"

	"github.com/pithecene-io/prospect/types"
)

// Pool rotates gateway endpoints with sticky-by-domain assignment. Within
// the sticky TTL a domain keeps its endpoint so anti-bot defenses see a
// stable exit IP; after expiry the domain re-enters rotation.
// Thread-safe for concurrent access.
type Pool struct {
	mu        sync.Mutex
	endpoints []types.ProxyEndpoint
	stickyTTL time.Duration
	rrIndex   int
	sticky    map[string]*stickyEntry

	now func() time.Time
}

// stickyEntry holds a sticky assignment with its expiry.
type stickyEntry struct {
	endpointIdx int
	expiresAt   time.Time
}

// NewPool builds a Pool from a validated pool config. Returns nil when the
// config has no endpoints.
func NewPool(cfg types.ProxyPool) *Pool {
	if len(cfg.Endpoints) == 0 {
		return nil
	}
	ttl := cfg.StickyTTL.D()
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Pool{
		endpoints: cfg.Endpoints,
		stickyTTL: ttl,
		sticky:    make(map[string]*stickyEntry),
		now:       time.Now,
	}
}

// Select returns the endpoint for a domain, assigning one round-robin on
// first use or after the sticky entry expires. An empty domain always
// rotates.
func (p *Pool) Select(domain string) *types.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	if domain == "" {
		return &p.endpoints[p.nextIdx()]
	}

	if entry, ok := p.sticky[domain]; ok && p.now().Before(entry.expiresAt) {
		entry.expiresAt = p.now().Add(p.stickyTTL)
		return &p.endpoints[entry.endpointIdx]
	}

	idx := p.nextIdx()
	p.sticky[domain] = &stickyEntry{
		endpointIdx: idx,
		expiresAt:   p.now().Add(p.stickyTTL),
	}
	p.pruneExpired()
	return &p.endpoints[idx]
}

// Release drops the sticky assignment for a domain, forcing rotation on
// the next select. Called when an identity binding is released.
func (p *Pool) Release(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sticky, domain)
}

// nextIdx advances the round-robin counter. Caller holds the lock.
func (p *Pool) nextIdx() int {
	idx := p.rrIndex % len(p.endpoints)
	p.rrIndex++
	return idx
}

// pruneExpired removes stale sticky entries. Caller holds the lock.
func (p *Pool) pruneExpired() {
	now := p.now()
	for domain, entry := range p.sticky {
		if !now.Before(entry.expiresAt) {
			delete(p.sticky, domain)
		}
	}
}
