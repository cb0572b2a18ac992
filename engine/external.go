package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/plugin"
	"github.com/pithecene-io/prospect/types"
)

// ExternalResult is one capture delivered by a managed scraping API.
type ExternalResult struct {
	HTML    string
	Status  int
	URL     string
	Headers map[string]string
	Cost    float64
}

// Provider is a managed scraping API. Providers handle their own proxying,
// fingerprinting, and anti-bot bypass; the runner only pays and parses.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, target string) (*ExternalResult, error)
}

// NewProvider builds the configured provider, or nil when external
// fetching is unconfigured. ProviderURL overrides the API endpoint.
func NewProvider(settings config.ExternalSettings, logger *log.Logger) Provider {
	switch settings.Provider {
	case "scrapfly":
		return newScrapfly(settings, logger)
	case "zenrows":
		return newZenRows(settings, logger)
	}
	return nil
}

// runExternal is the external-tier pipeline. The provider replaces the
// local transport stack, so there is no identity, no stealth, and no
// local rate limit; instead a gating chain guards spend. Blocked and
// empty results are terminal because there is no heavier tier left.
func (r *Runner) runExternal(ctx context.Context, job *types.Job, selectors []types.SelectorSpec, hooks []plugin.Plugin) types.Outcome {
	ext := r.settings.External
	if !ext.Enabled {
		return r.fail(ctx, job, types.CodeExternalDisabled, nil)
	}
	if ext.APIKey == "" {
		return r.fail(ctx, job, types.CodeExternalAPIKeyMissing, nil)
	}
	if !r.guard.IsExternalAllowed(job.URL) {
		return r.fail(ctx, job, types.CodeExternalNotAllowed, nil)
	}
	if r.external == nil {
		return r.fail(ctx, job, types.CodeExternalProviderUnconfigured, nil)
	}
	open, err := r.guard.IsExternalCircuitOpen(ctx, job.URL)
	if err != nil {
		return r.fail(ctx, job, types.ErrorCode(err), nil)
	}
	if open {
		return r.fail(ctx, job, types.CodeExternalCircuitOpen, nil)
	}
	allowed, err := r.guard.AllowExternalCall(ctx, job.Tenant, ext.CostPerCall)
	if err != nil {
		return r.fail(ctx, job, types.ErrorCode(err), nil)
	}
	if !allowed {
		return r.fail(ctx, job, types.CodeExternalBudgetExceeded, nil)
	}

	reqCtx := &plugin.RequestContext{
		URL:      job.URL,
		Engine:   string(types.EngineExternal),
		Tenant:   job.Tenant,
		SchemaID: job.SchemaID,
		JobID:    job.ID.String(),
	}
	reqCtx, code := plugin.ApplyRequest(reqCtx, hooks)
	if code != "" {
		return r.fail(ctx, job, code, nil)
	}
	if reqCtx.URL != job.URL {
		if plugin.URLHostChanged(job.URL, reqCtx.URL) {
			return r.fail(ctx, job, types.CodePluginURLChanged, nil)
		}
		if err := r.ssrf.EnsureURLAllowed(ctx, reqCtx.URL); err != nil {
			return r.fail(ctx, job, types.ErrorCode(err), nil)
		}
		if !r.guard.IsExternalAllowed(reqCtx.URL) {
			return r.fail(ctx, job, types.CodeExternalNotAllowed, nil)
		}
	}

	r.logger.Info("external fetch",
		zap.String("job_id", job.ID.String()),
		zap.String("provider", r.external.Name()),
		zap.String("url", reqCtx.URL))
	result, err := r.external.Fetch(ctx, reqCtx.URL)
	if err != nil {
		if recErr := r.guard.RecordExternalFailure(ctx, reqCtx.URL); recErr != nil {
			r.logger.Warn("record external failure", zap.Error(recErr))
		}
		return r.fail(ctx, job, types.ErrorCode(err), nil)
	}

	pg := &page{url: result.URL, status: result.Status, headers: result.Headers, html: result.HTML}
	if pg.url == "" {
		pg.url = reqCtx.URL
	}
	return r.finish(ctx, job, types.EngineExternal, selectors, hooks, pg, nil, false)
}

// providerError maps a provider API status to the external error taxonomy.
func providerError(status int) error {
	switch {
	case status == 401 || status == 403:
		return types.NewCodedError(types.CodeExternalAuthFailed,
			fmt.Errorf("provider returned %d", status))
	case status == 429 || status >= 500:
		return types.NewCodedError(types.CodeExternalProviderUnavailable,
			fmt.Errorf("provider returned %d", status))
	}
	return nil
}

func externalHTTPClient(settings config.ExternalSettings) *http.Client {
	timeout := time.Duration(settings.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// scrapflyProvider drives the Scrapfly scrape API. The target page comes
// back wrapped in a JSON envelope with the billed cost.
type scrapflyProvider struct {
	settings config.ExternalSettings
	base     string
	client   *http.Client
	logger   *log.Logger
}

func newScrapfly(settings config.ExternalSettings, logger *log.Logger) *scrapflyProvider {
	base := settings.ProviderURL
	if base == "" {
		base = "https://api.scrapfly.io/scrape"
	}
	return &scrapflyProvider{
		settings: settings,
		base:     base,
		client:   externalHTTPClient(settings),
		logger:   logger,
	}
}

func (p *scrapflyProvider) Name() string { return "scrapfly" }

func (p *scrapflyProvider) Fetch(ctx context.Context, target string) (*ExternalResult, error) {
	query := url.Values{}
	query.Set("key", p.settings.APIKey)
	query.Set("url", target)
	query.Set("format", "json")

	body, status, _, err := providerGet(ctx, p.client, p.base+"?"+query.Encode())
	if err != nil {
		return nil, err
	}
	if err := providerError(status); err != nil {
		return nil, err
	}

	var payload struct {
		Result struct {
			Content         string            `json:"content"`
			StatusCode      int               `json:"status_code"`
			URL             string            `json:"url"`
			ResponseHeaders map[string]string `json:"response_headers"`
		} `json:"result"`
		Cost float64 `json:"cost"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, types.NewCodedError(types.CodeExternalProviderResponseInvalid, err)
	}

	cost := payload.Cost
	if cost == 0 {
		cost = p.settings.CostPerCall
	}
	pageStatus := payload.Result.StatusCode
	if pageStatus == 0 {
		pageStatus = status
	}
	pageURL := payload.Result.URL
	if pageURL == "" {
		pageURL = target
	}
	p.logger.Debug("scrapfly response",
		zap.Int("status", pageStatus), zap.Float64("cost", cost))
	return &ExternalResult{
		HTML:    payload.Result.Content,
		Status:  pageStatus,
		URL:     pageURL,
		Headers: payload.Result.ResponseHeaders,
		Cost:    cost,
	}, nil
}

// zenRowsProvider drives the ZenRows API. The response body is the target
// page itself; cost rides on response headers.
type zenRowsProvider struct {
	settings config.ExternalSettings
	base     string
	client   *http.Client
	logger   *log.Logger
}

func newZenRows(settings config.ExternalSettings, logger *log.Logger) *zenRowsProvider {
	base := settings.ProviderURL
	if base == "" {
		base = "https://api.zenrows.com/v1/"
	}
	return &zenRowsProvider{
		settings: settings,
		base:     base,
		client:   externalHTTPClient(settings),
		logger:   logger,
	}
}

func (p *zenRowsProvider) Name() string { return "zenrows" }

func (p *zenRowsProvider) Fetch(ctx context.Context, target string) (*ExternalResult, error) {
	query := url.Values{}
	query.Set("apikey", p.settings.APIKey)
	query.Set("url", target)

	body, status, headers, err := providerGet(ctx, p.client, p.base+"?"+query.Encode())
	if err != nil {
		return nil, err
	}
	if err := providerError(status); err != nil {
		return nil, err
	}

	cost := p.settings.CostPerCall
	for _, name := range []string{"X-Zenrows-Cost", "X-Zenrows-Credits"} {
		if raw := headers.Get(name); raw != "" {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				cost = parsed
				break
			}
		}
	}
	p.logger.Debug("zenrows response",
		zap.Int("status", status), zap.Float64("cost", cost))
	return &ExternalResult{
		HTML:   string(body),
		Status: status,
		URL:    target,
		Cost:   cost,
	}, nil
}

func providerGet(ctx context.Context, client *http.Client, endpoint string) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, nil, types.NewCodedError(types.CodeExternalProviderUnavailable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, nil, types.NewCodedError(types.CodeExternalProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, types.NewCodedError(types.CodeExternalProviderUnavailable, err)
	}
	return body, resp.StatusCode, resp.Header, nil
}
