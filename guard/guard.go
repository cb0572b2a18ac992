// Package guard is the per-request admission layer: token-bucket rate
// limiting, failure-window circuit breaking, and oracle/external call
// budgets. Every outbound network attempt passes through Guard first.
package guard

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

// Guard evaluates governance rules against the coordination store.
type Guard struct {
	store    *coord.Store
	settings *config.Settings
	logger   *log.Logger

	// sleep is swapped out in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Guard over the given store and settings.
func New(store *coord.Store, settings *config.Settings, logger *log.Logger) *Guard {
	return &Guard{
		store:    store,
		settings: settings,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Guard admits or denies an outbound request for url. Returns "" when the
// request may proceed, or one of circuit_open / rate_limited. URLs with no
// host are admitted; SSRF checks catch them separately.
func (g *Guard) Guard(ctx context.Context, url string) (string, error) {
	domain := coord.ExtractDomain(url)
	if domain == "" {
		return "", nil
	}

	open, err := g.store.FlagExists(ctx, g.store.BreakerOpenKey(domain))
	if err != nil {
		return "", err
	}
	if open {
		return types.CodeCircuitOpen, nil
	}

	allowed, err := g.waitForRateLimit(ctx, domain)
	if err != nil {
		return "", err
	}
	if !allowed {
		return types.CodeRateLimited, nil
	}
	return "", nil
}

// AcquireRateLimit runs one non-blocking token-bucket evaluation.
func (g *Guard) AcquireRateLimit(ctx context.Context, domain string) (coord.RateLimitDecision, error) {
	rl := g.settings.RateLimit
	if !rl.Enabled() {
		return coord.RateLimitDecision{Allowed: true}, nil
	}
	return g.store.EvalTokenBucket(ctx, domain, rl.Capacity, rl.RefillPerSec, rateLimitTTLSec(rl.Capacity, rl.RefillPerSec))
}

// rateLimitTTLSec keeps bucket state alive for two full refill cycles so an
// idle domain's key expires instead of lingering.
func rateLimitTTLSec(capacity int, refillPerSec float64) int {
	if refillPerSec <= 0 {
		return 60
	}
	ttl := int(math.Ceil(float64(capacity) / refillPerSec * 2))
	if ttl < 60 {
		return 60
	}
	return ttl
}

// waitForRateLimit blocks up to max_wait_ms for a token, sleeping the
// lesser of retry_after and the remaining budget each round. A zero
// max_wait means one non-blocking attempt.
func (g *Guard) waitForRateLimit(ctx context.Context, domain string) (bool, error) {
	maxWait := time.Duration(g.settings.RateLimit.MaxWaitMs) * time.Millisecond
	var deadline time.Time
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	for {
		decision, err := g.AcquireRateLimit(ctx, domain)
		if err != nil {
			return false, err
		}
		if decision.Allowed {
			return true, nil
		}
		if maxWait <= 0 {
			return false, nil
		}

		now := time.Now()
		if !now.Before(deadline) {
			return false, nil
		}

		sleepFor := 100 * time.Millisecond
		if decision.RetryAfterMs > 0 {
			sleepFor = time.Duration(decision.RetryAfterMs) * time.Millisecond
		}
		if remaining := deadline.Sub(now); sleepFor > remaining {
			sleepFor = remaining
		}
		if sleepFor < 50*time.Millisecond {
			sleepFor = 50 * time.Millisecond
		}
		if err := g.sleep(ctx, sleepFor); err != nil {
			return false, err
		}
	}
}

// IsCircuitOpen reports whether the main breaker is open for the URL's
// domain. The browser tier checks this directly since it skips the rate
// limiter.
func (g *Guard) IsCircuitOpen(ctx context.Context, url string) (bool, error) {
	domain := coord.ExtractDomain(url)
	if domain == "" {
		return false, nil
	}
	return g.store.FlagExists(ctx, g.store.BreakerOpenKey(domain))
}

// RecordFailure feeds the circuit breaker. Only 403 and 429 count; when the
// window counter reaches the threshold the domain's open flag is set for
// the cooldown period.
func (g *Guard) RecordFailure(ctx context.Context, domain string, status int) error {
	if status != 403 && status != 429 {
		return nil
	}
	cb := g.settings.Breaker
	if cb.Threshold <= 0 || domain == "" {
		return nil
	}

	count, err := g.store.IncrWithWindow(ctx, g.store.BreakerFailuresKey(domain), cb.WindowSec)
	if err != nil {
		return err
	}
	if count >= int64(cb.Threshold) {
		g.logger.Warn("circuit opened",
			zap.String("domain", domain),
			zap.Int64("failures", count),
			zap.Int("cooldown_sec", cb.CooldownSec),
		)
		return g.store.SetFlag(ctx, g.store.BreakerOpenKey(domain), cb.CooldownSec)
	}
	return nil
}

// AllowLLMCall consumes one oracle call from the job and tenant budgets.
// Both increments happen before either compare, so a denied call still
// counts against both windows.
func (g *Guard) AllowLLMCall(ctx context.Context, jobID, tenant string) (bool, error) {
	budget := g.settings.LLMBudget
	allowed := true

	if budget.JobMaxCalls > 0 && jobID != "" {
		count, err := g.store.IncrWithWindow(ctx, g.store.LLMJobKey(jobID), budget.JobWindowSec)
		if err != nil {
			return false, err
		}
		if count > int64(budget.JobMaxCalls) {
			allowed = false
		}
	}

	if budget.TenantMaxCalls > 0 {
		if tenant == "" {
			tenant = "default"
		}
		count, err := g.store.IncrWithWindow(ctx, g.store.LLMTenantKey(tenant), budget.TenantWindowSec)
		if err != nil {
			return false, err
		}
		if count > int64(budget.TenantMaxCalls) {
			allowed = false
		}
	}

	return allowed, nil
}

// IsExternalAllowed reports whether the external engine may touch url:
// external fetching enabled, allow-list configured, and the URL's domain
// on it (exact or subdomain match).
func (g *Guard) IsExternalAllowed(url string) bool {
	ext := g.settings.External
	if !ext.Enabled || len(ext.AllowlistDomains) == 0 {
		return false
	}
	domain := coord.ExtractDomain(url)
	if domain == "" {
		return false
	}
	for _, entry := range ext.AllowlistDomains {
		if domainMatches(domain, entry) {
			return true
		}
	}
	return false
}

func domainMatches(domain, entry string) bool {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return false
	}
	return domain == entry || strings.HasSuffix(domain, "."+entry)
}

// AllowExternalCall consumes one external API call plus its estimated cost
// from the tenant's rolling budget.
func (g *Guard) AllowExternalCall(ctx context.Context, tenant string, estimatedCost float64) (bool, error) {
	ext := g.settings.External
	if ext.TenantMaxCalls <= 0 && ext.TenantMaxCost <= 0 {
		return true, nil
	}
	if tenant == "" {
		tenant = "default"
	}
	budget, err := g.store.EvalExternalBudget(ctx, tenant, ext.TenantMaxCalls, ext.TenantMaxCost, estimatedCost, ext.BudgetWindowSec)
	if err != nil {
		return false, err
	}
	return budget.Allowed, nil
}

// IsExternalCircuitOpen reports whether the external breaker is open for
// the URL's domain.
func (g *Guard) IsExternalCircuitOpen(ctx context.Context, url string) (bool, error) {
	domain := coord.ExtractDomain(url)
	if domain == "" {
		return false, nil
	}
	return g.store.FlagExists(ctx, g.store.ExternalBreakerOpenKey(domain))
}

// RecordExternalFailure feeds the external provider breaker. Unlike the
// main breaker, every provider failure counts regardless of status.
func (g *Guard) RecordExternalFailure(ctx context.Context, url string) error {
	ext := g.settings.External
	if ext.BreakerThreshold <= 0 {
		return nil
	}
	domain := coord.ExtractDomain(url)
	if domain == "" {
		return nil
	}

	count, err := g.store.IncrWithWindow(ctx, g.store.ExternalBreakerFailuresKey(domain), ext.BreakerWindowSec)
	if err != nil {
		return err
	}
	if count >= int64(ext.BreakerThreshold) {
		g.logger.Warn("external circuit opened",
			zap.String("domain", domain),
			zap.Int64("failures", count),
		)
		return g.store.SetFlag(ctx, g.store.ExternalBreakerOpenKey(domain), ext.BreakerCooldownSec)
	}
	return nil
}

// AllowUIAction rate-limits an admin-API actor within a scope. Uses the
// same increment-then-compare window as the LLM budget.
func (g *Guard) AllowUIAction(ctx context.Context, scope, actor string, maxPerWindow, windowSec int) (bool, error) {
	if maxPerWindow <= 0 || actor == "" {
		return true, nil
	}
	count, err := g.store.IncrWithWindow(ctx, g.store.UIRateKey(scope, actor), windowSec)
	if err != nil {
		return false, err
	}
	return count <= int64(maxPerWindow), nil
}
