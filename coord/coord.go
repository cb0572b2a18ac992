// Package coord wraps the Redis coordination store: priority and engine
// queues, token buckets, breaker flags, rolling counters, and identity
// bindings. All multi-key mutations run server-side so concurrent
// dispatchers and workers stay consistent.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/prospect/types"
)

// Key prefixes and formats. These are the shared vocabulary between
// dispatchers, workers, and the guard; changing them invalidates any
// in-flight state.
const (
	keyPriorityPrefix = "priority:"
	keyEnginePrefix   = "engine:"
	keyRatePrefix     = "rate:"
)

func priorityKey(p types.Priority) string { return keyPriorityPrefix + string(p) }
func engineKey(e types.Engine) string     { return keyEnginePrefix + string(e) }
func rateKey(domain string) string        { return keyRatePrefix + domain }

func breakerFailuresKey(domain string) string { return "breaker:" + domain + ":failures" }
func breakerOpenKey(domain string) string     { return "breaker:" + domain + ":open" }
func llmJobKey(jobID string) string           { return "llm:job:" + jobID }
func llmTenantKey(tenant string) string       { return "llm:tenant:" + tenant }

func externalCallsKey(tenant string) string { return "external:tenant:" + tenant + ":calls" }
func externalCostKey(tenant string) string  { return "external:tenant:" + tenant + ":cost" }
func externalBreakerFailuresKey(domain string) string {
	return "external:breaker:" + domain + ":failures"
}
func externalBreakerOpenKey(domain string) string { return "external:breaker:" + domain + ":open" }

func bindingKey(tenant, domain string) string { return "identity:binding:" + tenant + ":" + domain }
func uiRateKey(scope, actor string) string    { return "ui:rate:" + scope + ":" + actor }

// tokenBucketScript refills and consumes in one round trip. State is a hash
// {tokens, ts} keyed per domain; ts is milliseconds.
var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl_sec = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  ts = now_ms
end

local delta = math.max(0, now_ms - ts)
local refill = delta * (refill_rate / 1000.0)
tokens = math.min(capacity, tokens + refill)

local allowed = tokens >= requested
local retry_after = 0
if allowed then
  tokens = tokens - requested
else
  local needed = requested - tokens
  if refill_rate > 0 then
    retry_after = math.ceil((needed / refill_rate) * 1000)
  end
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now_ms)
redis.call('EXPIRE', key, ttl_sec)

return {allowed and 1 or 0, retry_after}
`)

// externalBudgetScript checks and increments the per-tenant call and cost
// counters atomically. Returns {allow, calls, total_cost}.
var externalBudgetScript = goredis.NewScript(`
local calls_key = KEYS[1]
local cost_key = KEYS[2]
local max_calls = tonumber(ARGV[1])
local max_cost = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if max_calls <= 0 and max_cost <= 0 then
  return {1, 0, 0}
end

local calls = tonumber(redis.call('GET', calls_key) or '0')
local total_cost = tonumber(redis.call('GET', cost_key) or '0')
local allow = 1

if max_calls > 0 and (calls + 1) > max_calls then
  allow = 0
end
if max_cost > 0 and (total_cost + cost) > max_cost then
  allow = 0
end

if allow == 1 then
  calls = calls + 1
  total_cost = total_cost + cost
  redis.call('SET', calls_key, calls, 'EX', ttl)
  if max_cost > 0 then
    redis.call('SET', cost_key, total_cost, 'EX', ttl)
  end
end

return {allow, calls, total_cost}
`)

// Store is the coordination store client shared by submit, dispatcher,
// guard, identity manager, and workers.
type Store struct {
	client *goredis.Client
}

// New connects to the coordination store at the given Redis URL.
// Format: redis://[:password@]host:port[/db]
func New(url string) (*Store, error) {
	if url == "" {
		return nil, errors.New("coordination store requires a URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("coord: invalid URL: %w", err)
	}
	return &Store{client: goredis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PushPriority appends a job id to its priority queue.
func (s *Store) PushPriority(ctx context.Context, p types.Priority, jobID string) error {
	return s.client.RPush(ctx, priorityKey(p), jobID).Err()
}

// PopPriority pops the oldest job id across priority queues in strict
// high, standard, low order. Returns "" when all queues are empty.
func (s *Store) PopPriority(ctx context.Context) (string, error) {
	for _, p := range types.PriorityOrder {
		jobID, err := s.client.LPop(ctx, priorityKey(p)).Result()
		if err == nil {
			return jobID, nil
		}
		if !errors.Is(err, goredis.Nil) {
			return "", fmt.Errorf("coord: pop %s: %w", p, err)
		}
	}
	return "", nil
}

// PushEngine appends a job id to an engine queue.
func (s *Store) PushEngine(ctx context.Context, e types.Engine, jobID string) error {
	return s.client.RPush(ctx, engineKey(e), jobID).Err()
}

// PopEngine blocks up to timeout for a job id on the engine queue.
// Returns "" on timeout.
func (s *Store) PopEngine(ctx context.Context, e types.Engine, timeout time.Duration) (string, error) {
	result, err := s.client.BLPop(ctx, timeout, engineKey(e)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("coord: pop engine %s: %w", e, err)
	}
	// BLPOP returns [key, value].
	if len(result) != 2 {
		return "", fmt.Errorf("coord: unexpected BLPOP reply %v", result)
	}
	return result[1], nil
}

// QueueDepths reports the length of every priority and engine queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, len(types.PriorityOrder)+len(types.EngineOrder))
	for _, p := range types.PriorityOrder {
		n, err := s.client.LLen(ctx, priorityKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("coord: llen %s: %w", priorityKey(p), err)
		}
		depths[priorityKey(p)] = n
	}
	for _, e := range types.EngineOrder {
		n, err := s.client.LLen(ctx, engineKey(e)).Result()
		if err != nil {
			return nil, fmt.Errorf("coord: llen %s: %w", engineKey(e), err)
		}
		depths[engineKey(e)] = n
	}
	return depths, nil
}

// RateLimitDecision is the result of one token-bucket evaluation.
type RateLimitDecision struct {
	Allowed      bool
	RetryAfterMs int
}

// EvalTokenBucket consumes one token from the domain's bucket.
func (s *Store) EvalTokenBucket(ctx context.Context, domain string, capacity int, refillPerSec float64, ttlSec int) (RateLimitDecision, error) {
	nowMs := time.Now().UnixMilli()
	raw, err := tokenBucketScript.Run(ctx, s.client,
		[]string{rateKey(domain)},
		capacity, refillPerSec, nowMs, 1, ttlSec,
	).Result()
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("coord: token bucket %s: %w", domain, err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return RateLimitDecision{}, fmt.Errorf("coord: unexpected token bucket reply %v", raw)
	}
	allowed, _ := reply[0].(int64)
	retryAfter, _ := reply[1].(int64)
	return RateLimitDecision{Allowed: allowed == 1, RetryAfterMs: int(retryAfter)}, nil
}

// IncrWithWindow increments a rolling counter, starting its TTL window on
// the first increment. Returns the post-increment count.
func (s *Store) IncrWithWindow(ctx context.Context, key string, windowSec int) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coord: incr %s: %w", key, err)
	}
	if count == 1 && windowSec > 0 {
		if err := s.client.Expire(ctx, key, time.Duration(windowSec)*time.Second).Err(); err != nil {
			return count, fmt.Errorf("coord: expire %s: %w", key, err)
		}
	}
	return count, nil
}

// SetFlag sets a TTL'd sentinel flag.
func (s *Store) SetFlag(ctx context.Context, key string, ttlSec int) error {
	return s.client.Set(ctx, key, "1", time.Duration(ttlSec)*time.Second).Err()
}

// FlagExists reports whether a sentinel flag is live.
func (s *Store) FlagExists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("coord: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Breaker key accessors used by the guard.

func (s *Store) BreakerFailuresKey(domain string) string { return breakerFailuresKey(domain) }
func (s *Store) BreakerOpenKey(domain string) string     { return breakerOpenKey(domain) }
func (s *Store) LLMJobKey(jobID string) string           { return llmJobKey(jobID) }
func (s *Store) LLMTenantKey(tenant string) string       { return llmTenantKey(tenant) }
func (s *Store) ExternalBreakerFailuresKey(domain string) string {
	return externalBreakerFailuresKey(domain)
}
func (s *Store) ExternalBreakerOpenKey(domain string) string { return externalBreakerOpenKey(domain) }
func (s *Store) UIRateKey(scope, actor string) string        { return uiRateKey(scope, actor) }

// ExternalBudget is the post-evaluation budget state for a tenant.
type ExternalBudget struct {
	Allowed   bool
	Calls     int64
	TotalCost float64
}

// EvalExternalBudget atomically checks and consumes one external API call
// plus its estimated cost from the tenant's rolling budget.
func (s *Store) EvalExternalBudget(ctx context.Context, tenant string, maxCalls int, maxCost, cost float64, windowSec int) (ExternalBudget, error) {
	raw, err := externalBudgetScript.Run(ctx, s.client,
		[]string{externalCallsKey(tenant), externalCostKey(tenant)},
		maxCalls, maxCost, cost, windowSec,
	).Result()
	if err != nil {
		return ExternalBudget{}, fmt.Errorf("coord: external budget %s: %w", tenant, err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return ExternalBudget{}, fmt.Errorf("coord: unexpected budget reply %v", raw)
	}
	allow, _ := reply[0].(int64)
	calls, _ := reply[1].(int64)
	budget := ExternalBudget{Allowed: allow == 1, Calls: calls}
	switch v := reply[2].(type) {
	case int64:
		budget.TotalCost = float64(v)
	case string:
		fmt.Sscanf(v, "%f", &budget.TotalCost)
	}
	return budget, nil
}

// GetBinding loads the identity binding for (tenant, domain). Returns nil
// when no binding exists.
func (s *Store) GetBinding(ctx context.Context, tenant, domain string) (*types.IdentityBinding, error) {
	raw, err := s.client.Get(ctx, bindingKey(tenant, domain)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coord: get binding %s/%s: %w", tenant, domain, err)
	}

	var binding types.IdentityBinding
	if err := json.Unmarshal([]byte(raw), &binding); err != nil {
		// A corrupt binding is treated as absent; the caller will rebind.
		return nil, nil
	}
	return &binding, nil
}

// SetBinding stores the identity binding with the given TTL.
func (s *Store) SetBinding(ctx context.Context, tenant, domain string, binding types.IdentityBinding, ttlSec int) error {
	body, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("coord: marshal binding: %w", err)
	}
	return s.client.Set(ctx, bindingKey(tenant, domain), body, time.Duration(ttlSec)*time.Second).Err()
}

// RefreshBinding extends the binding TTL without rewriting the value.
func (s *Store) RefreshBinding(ctx context.Context, tenant, domain string, ttlSec int) error {
	return s.client.Expire(ctx, bindingKey(tenant, domain), time.Duration(ttlSec)*time.Second).Err()
}

// ClearBinding removes the binding for (tenant, domain).
func (s *Store) ClearBinding(ctx context.Context, tenant, domain string) error {
	return s.client.Del(ctx, bindingKey(tenant, domain)).Err()
}

// Publish sends a message to a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// ExtractDomain returns the lowercased hostname of a URL, or "" when the
// URL has no host.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
