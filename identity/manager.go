package identity

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

// ProxyDecider resolves the proxy decision for a URL. proxy.Resolver
// satisfies it.
type ProxyDecider interface {
	Decide(ctx context.Context, url string) (types.ProxyDecision, error)
}

// Manager selects, binds, and rotates identities for fetch attempts.
type Manager struct {
	store    *store.Store
	coord    *coord.Store
	proxies  ProxyDecider
	codec    *Codec
	settings config.IdentitySettings
	logger   *log.Logger

	now func() time.Time
}

// NewManager builds a Manager. codec may be nil when no encryption key is
// configured; cookie and storage payloads are then left untouched.
func NewManager(s *store.Store, c *coord.Store, proxies ProxyDecider, codec *Codec, settings config.IdentitySettings, logger *log.Logger) *Manager {
	if settings.CandidateLimit <= 0 {
		settings.CandidateLimit = 50
	}
	return &Manager{
		store:    s,
		coord:    c,
		proxies:  proxies,
		codec:    codec,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// decayedFailures discounts failure_count by decay_per_hour for every hour
// since the last failure, floored at zero. Identities heal over time
// instead of staying penalized forever.
func (m *Manager) decayedFailures(identity *types.Identity, now time.Time) float64 {
	failures := float64(identity.FailureCount)
	if failures <= 0 {
		return 0
	}
	if identity.LastFailedAt.IsZero() || m.settings.FailureDecayPerHour <= 0 {
		return failures
	}
	hours := now.Sub(identity.LastFailedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	decayed := failures - m.settings.FailureDecayPerHour*hours
	if decayed < 0 {
		return 0
	}
	return decayed
}

// Acquire picks the least-burdened active identity for a tenant: smallest
// (decayed_failures, last_used_at, use_count, created_at, id) tuple. Marks
// it used. Returns nil when the tenant has no active identities.
func (m *Manager) Acquire(ctx context.Context, tenant string) (*types.IdentityContext, error) {
	if tenant == "" {
		tenant = "default"
	}
	candidates, err := m.store.ActiveIdentityCandidates(ctx, tenant, m.settings.CandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	now := m.now()
	sort.Slice(candidates, func(i, j int) bool {
		return m.less(&candidates[i], &candidates[j], now)
	})
	chosen := &candidates[0]

	if err := m.store.MarkIdentityUsed(ctx, chosen.ID); err != nil {
		return nil, err
	}
	return m.contextFrom(chosen), nil
}

func (m *Manager) less(a, b *types.Identity, now time.Time) bool {
	da, db := m.decayedFailures(a, now), m.decayedFailures(b, now)
	if da != db {
		return da < db
	}
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	if a.UseCount != b.UseCount {
		return a.UseCount < b.UseCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// acquireByID re-acquires a bound identity if it is still active.
func (m *Manager) acquireByID(ctx context.Context, id uuid.UUID) (*types.IdentityContext, error) {
	identity, err := m.store.GetIdentity(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if !identity.Active {
		return nil, nil
	}
	if err := m.store.MarkIdentityUsed(ctx, identity.ID); err != nil {
		return nil, err
	}
	return m.contextFrom(identity), nil
}

// contextFrom decrypts the identity's payloads into a usable context.
// Undecryptable payloads are dropped, not fatal; the identity still works
// with a cold cookie jar.
func (m *Manager) contextFrom(identity *types.Identity) *types.IdentityContext {
	ictx := &types.IdentityContext{
		ID:          identity.ID,
		Tenant:      identity.Tenant,
		Fingerprint: identity.Fingerprint,
	}
	if m.codec == nil {
		return ictx
	}

	if identity.CookiesEncrypted != "" {
		var cookies []types.Cookie
		if err := m.codec.Decrypt(identity.CookiesEncrypted, &cookies); err != nil {
			m.logger.Warn("identity cookie decrypt failed", zap.String("identity_id", identity.ID.String()))
		} else {
			ictx.Cookies = cookies
		}
	}
	if identity.StorageStateEncrypted != "" {
		var state types.StorageState
		if err := m.codec.Decrypt(identity.StorageStateEncrypted, &state); err != nil {
			m.logger.Warn("identity storage decrypt failed", zap.String("identity_id", identity.ID.String()))
		} else {
			ictx.StorageState = &state
		}
	}
	return ictx
}

// AcquireForURL is the canonical acquisition entry: it reuses the bound
// identity and proxy for (tenant, domain) within the binding TTL, and
// binds a fresh pair otherwise.
func (m *Manager) AcquireForURL(ctx context.Context, url, tenant string) (*types.IdentityAssignment, error) {
	if tenant == "" {
		tenant = "default"
	}
	domain := coord.ExtractDomain(url)

	proxyURL := ""
	if m.proxies != nil {
		decision, err := m.proxies.Decide(ctx, url)
		if err != nil {
			return nil, err
		}
		proxyURL = decision.ProxyURL
	}

	ttl := m.settings.BindingTTLSec
	if domain == "" || ttl <= 0 {
		identity, err := m.Acquire(ctx, tenant)
		if err != nil {
			return nil, err
		}
		return &types.IdentityAssignment{Identity: identity, ProxyURL: proxyURL, Domain: domain}, nil
	}

	binding, err := m.coord.GetBinding(ctx, tenant, domain)
	if err != nil {
		return nil, err
	}
	if binding != nil {
		identity, err := m.acquireByID(ctx, binding.IdentityID)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			if binding.ProxyURL != "" {
				proxyURL = binding.ProxyURL
			} else if proxyURL != "" {
				// Backfill the proxy onto the binding so later attempts
				// keep the same egress.
				_ = m.coord.SetBinding(ctx, tenant, domain,
					types.IdentityBinding{IdentityID: identity.ID, ProxyURL: proxyURL}, ttl)
			}
			if err := m.coord.RefreshBinding(ctx, tenant, domain, ttl); err != nil {
				return nil, err
			}
			return &types.IdentityAssignment{Identity: identity, ProxyURL: proxyURL, Domain: domain}, nil
		}
		// Bound identity is gone or deactivated; rotate.
		if err := m.clearBindingIfOwner(ctx, tenant, domain, binding.IdentityID); err != nil {
			return nil, err
		}
	}

	identity, err := m.Acquire(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		err := m.coord.SetBinding(ctx, tenant, domain,
			types.IdentityBinding{IdentityID: identity.ID, ProxyURL: proxyURL}, ttl)
		if err != nil {
			return nil, err
		}
	}
	return &types.IdentityAssignment{Identity: identity, ProxyURL: proxyURL, Domain: domain}, nil
}

// clearBindingIfOwner removes the binding only when it still points at the
// given identity, so a concurrent rebind is not clobbered.
func (m *Manager) clearBindingIfOwner(ctx context.Context, tenant, domain string, owner uuid.UUID) error {
	if owner == uuid.Nil {
		return m.coord.ClearBinding(ctx, tenant, domain)
	}
	binding, err := m.coord.GetBinding(ctx, tenant, domain)
	if err != nil {
		return err
	}
	if binding == nil {
		return nil
	}
	if binding.IdentityID == owner {
		return m.coord.ClearBinding(ctx, tenant, domain)
	}
	return nil
}

// ReleaseBinding drops the (tenant, domain) binding so the next attempt
// rotates. A non-nil owner restricts the release to that identity's
// binding.
func (m *Manager) ReleaseBinding(ctx context.Context, url, tenant string, owner uuid.UUID) error {
	domain := coord.ExtractDomain(url)
	if domain == "" || m.settings.BindingTTLSec <= 0 {
		return nil
	}
	if tenant == "" {
		tenant = "default"
	}
	return m.clearBindingIfOwner(ctx, tenant, domain, owner)
}

// StoreCookies merges fresh cookies into the identity's persisted jar
// (union by name/domain/path, fresh wins) and re-encrypts.
func (m *Manager) StoreCookies(ctx context.Context, id uuid.UUID, fresh []types.Cookie) error {
	if m.codec == nil || len(fresh) == 0 {
		return nil
	}
	identity, err := m.store.GetIdentity(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	var existing []types.Cookie
	if identity.CookiesEncrypted != "" {
		// A corrupt jar is replaced rather than kept.
		_ = m.codec.Decrypt(identity.CookiesEncrypted, &existing)
	}

	merged := types.MergeCookies(existing, fresh)
	encrypted, err := m.codec.Encrypt(merged)
	if err != nil {
		m.logger.Warn("identity cookie encrypt failed", zap.String("identity_id", id.String()))
		return nil
	}
	return m.store.SetIdentityCookies(ctx, id, encrypted)
}

// StoreStorageState replaces the identity's persisted storage state.
func (m *Manager) StoreStorageState(ctx context.Context, id uuid.UUID, state *types.StorageState) error {
	if m.codec == nil || state == nil {
		return nil
	}
	encrypted, err := m.codec.Encrypt(state)
	if err != nil {
		m.logger.Warn("identity storage encrypt failed", zap.String("identity_id", id.String()))
		return nil
	}
	return m.store.SetIdentityStorageState(ctx, id, encrypted)
}

// IsBanReason reports whether an error code indicates the identity was
// burned: hard blocks, captchas, challenge scripts, and vision signals.
func IsBanReason(reason string) bool {
	switch reason {
	case "", types.CodeEmptyParse:
		return false
	case types.CodeHTTP403, types.CodeHTTP429, types.CodeCaptchaDetected, types.CodeChallengeScript:
		return true
	}
	return strings.HasPrefix(reason, "blocked_") || strings.HasPrefix(reason, "vision_")
}

// RecordFailure applies a ban-indicating error to the identity: increment
// and possibly deactivate, then release the binding so the next attempt
// rotates. Non-ban reasons are ignored.
func (m *Manager) RecordFailure(ctx context.Context, id uuid.UUID, reason, url, tenant string) error {
	if !IsBanReason(reason) {
		return nil
	}
	count, err := m.store.RecordIdentityFailure(ctx, id, m.settings.FailureThreshold)
	if err != nil {
		return err
	}
	m.logger.Info("identity failure recorded",
		zap.String("identity_id", id.String()),
		zap.String("reason", reason),
		zap.Int("failure_count", count),
	)
	return m.ReleaseBinding(ctx, url, tenant, id)
}
