// Package config handles YAML config file loading for prospect commands.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/prospect/types"
)

// Settings is the full runtime configuration. All values are optional in the
// YAML file; zero values fall back to the defaults applied by Load. CLI flags
// always override config values.
type Settings struct {
	RedisURL     string `yaml:"redis_url"`
	DatabasePath string `yaml:"database_path"`

	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Breaker   BreakerSettings   `yaml:"circuit_breaker"`
	LLMBudget LLMBudgetSettings `yaml:"llm_budget"`
	Router    RouterSettings    `yaml:"router"`
	Identity  IdentitySettings  `yaml:"identity"`
	Fetch     FetchSettings     `yaml:"fetch"`
	Browser   BrowserSettings   `yaml:"browser"`
	Proxy     ProxySettings     `yaml:"proxy"`
	Stealth   StealthSettings   `yaml:"stealth"`
	External  ExternalSettings  `yaml:"external"`
	Oracle    OracleSettings    `yaml:"oracle"`
	Plugins   PluginSettings    `yaml:"plugins"`
	SSRF      SSRFSettings      `yaml:"ssrf"`
	UIRate    UIRateSettings    `yaml:"ui_rate_limit"`
	Vision    VisionSettings    `yaml:"vision"`
	Artifacts ArtifactSettings  `yaml:"artifacts"`
	Registry  RegistrySettings  `yaml:"registry"`
	Notify    NotifySettings    `yaml:"notify"`
	Worker    WorkerSettings    `yaml:"worker"`
}

// RateLimitSettings drives the per-domain token bucket. Zero capacity or
// refill disables rate limiting.
type RateLimitSettings struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
	MaxWaitMs    int     `yaml:"max_wait_ms"`
}

// Enabled reports whether the token bucket is active.
func (r RateLimitSettings) Enabled() bool {
	return r.Capacity > 0 && r.RefillPerSec > 0
}

// BreakerSettings drives the per-domain failure-window circuit breaker.
type BreakerSettings struct {
	Threshold   int `yaml:"threshold"`
	WindowSec   int `yaml:"window_sec"`
	CooldownSec int `yaml:"cooldown_sec"`
}

// LLMBudgetSettings caps oracle calls per job and per tenant.
type LLMBudgetSettings struct {
	JobMaxCalls     int `yaml:"job_max_calls"`
	JobWindowSec    int `yaml:"job_window_sec"`
	TenantMaxCalls  int `yaml:"tenant_max_calls"`
	TenantWindowSec int `yaml:"tenant_window_sec"`
}

// RouterSettings bounds engine escalation.
type RouterSettings struct {
	MaxDepth int `yaml:"max_depth"`
}

// IdentitySettings drives identity selection, rotation, and crypto.
type IdentitySettings struct {
	EncryptionKey       string  `yaml:"encryption_key"`
	FailureThreshold    int     `yaml:"failure_threshold"`
	FailureDecayPerHour float64 `yaml:"failure_decay_per_hour"`
	BindingTTLSec       int     `yaml:"binding_ttl_sec"`
	CandidateLimit      int     `yaml:"candidate_limit"`
}

// FetchSettings drives the fast and stealth HTTP fetchers.
type FetchSettings struct {
	TimeoutMs    int    `yaml:"timeout_ms"`
	MaxBytes     int64  `yaml:"max_bytes"`
	UserAgent    string `yaml:"user_agent"`
	Retries      int    `yaml:"retries"`
	BackoffMs    int    `yaml:"backoff_ms"`
	BackoffMaxMs int    `yaml:"backoff_max_ms"`
	Impersonate  string `yaml:"impersonate"`
}

// BrowserSettings drives the headless browser engine.
type BrowserSettings struct {
	TimeoutMs               int    `yaml:"timeout_ms"`
	WaitUntil               string `yaml:"wait_until"`
	WaitForSelector         string `yaml:"wait_for_selector"`
	WaitForMs               int    `yaml:"wait_for_ms"`
	ScrollSteps             int    `yaml:"scroll_steps"`
	ScrollDelayMs           int    `yaml:"scroll_delay_ms"`
	ScrollContainerSelector string `yaml:"scroll_container_selector"`
	CollectMaxItems         int    `yaml:"collect_max_items"`
	Headless                bool   `yaml:"headless"`
	FullPage                bool   `yaml:"full_page"`
	Humanize                bool   `yaml:"humanize"`
	HumanizeMoves           int    `yaml:"humanize_moves"`
	HumanizeMinDelayMs      int    `yaml:"humanize_min_delay_ms"`
	HumanizeMaxDelayMs      int    `yaml:"humanize_max_delay_ms"`

	Pagination PaginationSettings `yaml:"pagination"`
}

// PaginationSettings drives multi-page browser captures.
type PaginationSettings struct {
	MaxPages     int    `yaml:"max_pages"`
	NextSelector string `yaml:"next_selector"`
	Param        string `yaml:"param"`
	Start        int    `yaml:"start"`
	Step         int    `yaml:"step"`
	Template     string `yaml:"template"`
}

// ProxySettings holds the default egress mode and the gateway pool.
type ProxySettings struct {
	DefaultMode string          `yaml:"default_mode"`
	GatewayURL  string          `yaml:"gateway_url"`
	Gateway     types.ProxyPool `yaml:"gateway"`
}

// StealthSettings gates the TLS-impersonating fetcher.
type StealthSettings struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedDomains []string `yaml:"allowed_domains"`
}

// ExternalSettings gates and budgets the third-party scraping API engine.
type ExternalSettings struct {
	Enabled          bool     `yaml:"enabled"`
	Provider         string   `yaml:"provider"`
	ProviderURL      string   `yaml:"provider_url"`
	APIKey           string   `yaml:"api_key"`
	AllowlistDomains []string `yaml:"allowlist_domains"`
	TimeoutMs        int      `yaml:"timeout_ms"`
	CostPerCall      float64  `yaml:"cost_per_call"`

	TenantMaxCalls  int     `yaml:"tenant_max_calls"`
	TenantMaxCost   float64 `yaml:"tenant_max_cost"`
	BudgetWindowSec int     `yaml:"budget_window_sec"`

	BreakerThreshold   int `yaml:"breaker_threshold"`
	BreakerWindowSec   int `yaml:"breaker_window_sec"`
	BreakerCooldownSec int `yaml:"breaker_cooldown_sec"`
}

// OracleSettings configures the structured-extraction service client.
type OracleSettings struct {
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMs    int     `yaml:"timeout_ms"`
	MaxHTMLChars int     `yaml:"max_html_chars"`
}

// PluginSettings controls plugin loading.
type PluginSettings struct {
	Dir       string   `yaml:"dir"`
	Allowlist []string `yaml:"allowlist"`
	Default   []string `yaml:"default"`
}

// SSRFSettings controls outbound URL admission.
type SSRFSettings struct {
	AllowlistDomains []string `yaml:"allowlist_domains"`
	DenylistDomains  []string `yaml:"denylist_domains"`
	AllowPrivateIPs  bool     `yaml:"allow_private_ips"`
}

// UIRateSettings rate-limits admin API actors.
type UIRateSettings struct {
	SubmitMaxPerWindow int `yaml:"submit_max_per_window"`
	SubmitWindowSec    int `yaml:"submit_window_sec"`
	ReadMaxPerWindow   int `yaml:"read_max_per_window"`
	ReadWindowSec      int `yaml:"read_window_sec"`
}

// VisionSettings gates screenshot-based block detection.
type VisionSettings struct {
	OCREnabled  bool     `yaml:"ocr_enabled"`
	OCRPatterns []string `yaml:"ocr_patterns"`
	BlockLabels []string `yaml:"block_labels"`
}

// ArtifactSettings selects blob storage.
type ArtifactSettings struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// RegistrySettings drives selector candidate promotion.
type RegistrySettings struct {
	PromotionThreshold int `yaml:"promotion_threshold"`
}

// NotifySettings configures completion notifications.
type NotifySettings struct {
	Channel        string            `yaml:"channel"`
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
	TimeoutMs      int               `yaml:"timeout_ms"`
	Retries        int               `yaml:"retries"`
}

// WorkerSettings sizes worker pools.
type WorkerSettings struct {
	Concurrency  int `yaml:"concurrency"`
	PopTimeoutMs int `yaml:"pop_timeout_ms"`
}

// Default returns a Settings populated with the documented defaults.
func Default() *Settings {
	return &Settings{
		RedisURL:     "redis://localhost:6379/0",
		DatabasePath: "prospect.db",
		Breaker:      BreakerSettings{Threshold: 5, WindowSec: 60, CooldownSec: 300},
		LLMBudget: LLMBudgetSettings{
			JobMaxCalls:     1,
			JobWindowSec:    3600,
			TenantMaxCalls:  1000,
			TenantWindowSec: 86400,
		},
		Router: RouterSettings{MaxDepth: 2},
		Identity: IdentitySettings{
			FailureThreshold:    3,
			FailureDecayPerHour: 0.25,
			BindingTTLSec:       3600,
			CandidateLimit:      50,
		},
		Fetch: FetchSettings{
			TimeoutMs:    20000,
			Retries:      2,
			BackoffMs:    250,
			BackoffMaxMs: 2000,
			UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		},
		Browser: BrowserSettings{
			TimeoutMs:          45000,
			WaitUntil:          "load",
			ScrollDelayMs:      400,
			Headless:           true,
			HumanizeMoves:      6,
			HumanizeMinDelayMs: 40,
			HumanizeMaxDelayMs: 180,
			Pagination:         PaginationSettings{Start: 1, Step: 1},
		},
		Proxy: ProxySettings{DefaultMode: string(types.ProxyModeDirect)},
		External: ExternalSettings{
			TimeoutMs:          60000,
			BudgetWindowSec:    86400,
			BreakerThreshold:   3,
			BreakerWindowSec:   300,
			BreakerCooldownSec: 600,
		},
		Oracle: OracleSettings{
			Model:        "gemini-2.0-flash",
			MaxTokens:    2048,
			TimeoutMs:    30000,
			MaxHTMLChars: 12000,
		},
		SSRF:      SSRFSettings{},
		UIRate:    UIRateSettings{SubmitMaxPerWindow: 30, SubmitWindowSec: 60, ReadMaxPerWindow: 120, ReadWindowSec: 60},
		Artifacts: ArtifactSettings{Backend: "fs", Path: "artifacts"},
		Registry:  RegistrySettings{PromotionThreshold: 3},
		Notify:    NotifySettings{Channel: "prospect:jobs:done", TimeoutMs: 10000, Retries: 2},
		Worker:    WorkerSettings{Concurrency: 4, PopTimeoutMs: 5000},
	}
}

// Load reads a YAML config file, expands ${VAR} references, applies it over
// the defaults, and validates the result. An empty path returns defaults.
func Load(path string) (*Settings, error) {
	settings := Default()
	if path == "" {
		return settings, settings.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), settings); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return settings, nil
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (s *Settings) Validate() error {
	if s.RateLimit.Capacity < 0 || s.RateLimit.RefillPerSec < 0 {
		return fmt.Errorf("rate_limit capacity and refill_per_sec must be non-negative")
	}
	if s.Breaker.Threshold <= 0 || s.Breaker.WindowSec <= 0 || s.Breaker.CooldownSec <= 0 {
		return fmt.Errorf("circuit_breaker threshold, window_sec, and cooldown_sec must be positive")
	}
	if s.Router.MaxDepth < 0 {
		return fmt.Errorf("router max_depth must be non-negative")
	}
	switch types.ProxyMode(s.Proxy.DefaultMode) {
	case types.ProxyModeDirect, types.ProxyModeGateway:
	default:
		return fmt.Errorf("proxy default_mode must be direct or gateway, got %q", s.Proxy.DefaultMode)
	}
	if s.Proxy.DefaultMode == string(types.ProxyModeGateway) &&
		s.Proxy.GatewayURL == "" && len(s.Proxy.Gateway.Endpoints) == 0 {
		return fmt.Errorf("proxy default_mode gateway requires gateway_url or gateway endpoints")
	}
	if len(s.Proxy.Gateway.Endpoints) > 0 {
		if err := s.Proxy.Gateway.Validate(); err != nil {
			return fmt.Errorf("proxy gateway: %w", err)
		}
	}
	if s.External.Enabled {
		switch s.External.Provider {
		case "scrapfly", "zenrows":
		default:
			return fmt.Errorf("external provider must be scrapfly or zenrows, got %q", s.External.Provider)
		}
	}
	if s.Identity.EncryptionKey != "" && len(s.Identity.EncryptionKey) < 32 {
		return fmt.Errorf("identity encryption_key must be at least 32 bytes")
	}
	if s.Registry.PromotionThreshold <= 0 {
		return fmt.Errorf("registry promotion_threshold must be positive")
	}
	if s.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	return nil
}
