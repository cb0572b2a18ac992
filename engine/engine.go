// Package engine runs one job attempt on one engine tier. The runner owns
// the full attempt pipeline from governance and identity acquisition
// through fetch, detection, parse, and oracle recovery; the worker owns
// attempt accounting and tier escalation.
package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/artifacts"
	"github.com/pithecene-io/prospect/browser"
	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/detect"
	"github.com/pithecene-io/prospect/extract"
	"github.com/pithecene-io/prospect/fetch"
	"github.com/pithecene-io/prospect/guard"
	"github.com/pithecene-io/prospect/identity"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/oracle"
	"github.com/pithecene-io/prospect/plugin"
	"github.com/pithecene-io/prospect/policy"
	"github.com/pithecene-io/prospect/registry"
	"github.com/pithecene-io/prospect/ssrf"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

// Fetcher is the HTTP-level capture used by the fast and stealth tiers.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

// PageRenderer is the headless-browser capture used by the browser tier.
type PageRenderer interface {
	Render(ctx context.Context, req browser.Request) (*browser.Result, error)
}

// Deps wires the runner's collaborators. Fast is required; the other
// tiers may be nil when the deployment does not enable them.
type Deps struct {
	Store      *store.Store
	Guard      *guard.Guard
	SSRF       *ssrf.Checker
	Identities *identity.Manager
	Plugins    *plugin.Manager
	Oracle     *oracle.Client
	Registry   *registry.Registry
	Artifacts  artifacts.Writer
	Fast       Fetcher
	Stealth    Fetcher
	Renderer   PageRenderer
	External   Provider
	Settings   *config.Settings
	Logger     *log.Logger
}

// Runner executes job attempts.
type Runner struct {
	store      *store.Store
	guard      *guard.Guard
	ssrf       *ssrf.Checker
	identities *identity.Manager
	plugins    *plugin.Manager
	oracle     *oracle.Client
	registry   *registry.Registry
	artifacts  artifacts.Writer
	fast       Fetcher
	stealth    Fetcher
	renderer   PageRenderer
	external   Provider
	settings   *config.Settings
	logger     *log.Logger
}

// NewRunner builds a runner over its dependencies.
func NewRunner(deps Deps) *Runner {
	return &Runner{
		store:      deps.Store,
		guard:      deps.Guard,
		ssrf:       deps.SSRF,
		identities: deps.Identities,
		plugins:    deps.Plugins,
		oracle:     deps.Oracle,
		registry:   deps.Registry,
		artifacts:  deps.Artifacts,
		fast:       deps.Fast,
		stealth:    deps.Stealth,
		renderer:   deps.Renderer,
		external:   deps.External,
		settings:   deps.Settings,
		logger:     deps.Logger,
	}
}

// page is the tier-neutral capture handed to the shared post-fetch half
// of the pipeline.
type page struct {
	url        string
	status     int
	headers    map[string]string
	html       string
	snapshots  []browser.Snapshot
	screenshot []byte
	har        []byte
}

// Run executes one attempt of the job on the given tier and returns its
// outcome. Terminal outcomes finalize the job row; escalate outcomes
// leave the job untouched so the worker can requeue it on the next tier.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID, tier types.Engine) types.Outcome {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("load job", zap.String("job_id", jobID.String()), zap.Error(err))
		}
		return types.OutcomeFailure(types.CodeJobNotFound)
	}

	if job.SchemaID == "" {
		return r.fail(ctx, job, types.CodeSchemaMissing, nil)
	}
	schema, err := r.store.GetSchema(ctx, job.SchemaID)
	if err != nil {
		return r.fail(ctx, job, types.CodeSchemaMissing, nil)
	}
	selectors, err := r.store.ActiveSelectors(ctx, job.SchemaID)
	if err != nil || len(selectors) == 0 {
		return r.fail(ctx, job, types.CodeNoSelectors, nil)
	}

	hooks, outcome := r.loadPlugins(ctx, job, schema)
	if outcome != nil {
		return *outcome
	}

	if err := r.ssrf.EnsureURLAllowed(ctx, job.URL); err != nil {
		return r.fail(ctx, job, types.ErrorCode(err), nil)
	}

	if tier == types.EngineExternal {
		return r.runExternal(ctx, job, selectors, hooks)
	}
	return r.runStandard(ctx, job, tier, selectors, hooks)
}

// runStandard is the fast / stealth / browser pipeline: governance,
// identity, request hooks, capture, then the shared post-fetch half.
func (r *Runner) runStandard(ctx context.Context, job *types.Job, tier types.Engine, selectors []types.SelectorSpec, hooks []plugin.Plugin) types.Outcome {
	if code, err := r.admit(ctx, tier, job.URL); err != nil {
		return r.fail(ctx, job, types.ErrorCode(err), nil)
	} else if code != "" {
		return r.fail(ctx, job, code, nil)
	}

	var assigned *types.IdentityContext
	proxyURL := ""
	if r.identities != nil {
		assignment, err := r.identities.AcquireForURL(ctx, job.URL, job.Tenant)
		if err != nil {
			r.logger.Warn("identity acquisition failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		} else if assignment != nil {
			assigned = assignment.Identity
			proxyURL = assignment.ProxyURL
		}
	}

	headers := fetch.IdentityHeaders(assigned, r.settings.Fetch.UserAgent)
	var cookies []types.Cookie
	if assigned != nil {
		cookies = fetch.FilterCookiesForURL(assigned.Cookies, job.URL, true)
	}

	reqCtx := &plugin.RequestContext{
		URL:      job.URL,
		Headers:  headers,
		Cookies:  cookies,
		ProxyURL: proxyURL,
		Engine:   string(tier),
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
		// Same host, new path or query: the rewritten URL re-enters
		// admission from the top.
		if err := r.ssrf.EnsureURLAllowed(ctx, reqCtx.URL); err != nil {
			return r.fail(ctx, job, types.ErrorCode(err), nil)
		}
		if code, err := r.admit(ctx, tier, reqCtx.URL); err != nil {
			return r.fail(ctx, job, types.ErrorCode(err), nil)
		} else if code != "" {
			return r.fail(ctx, job, code, nil)
		}
	}

	pg, err := r.capture(ctx, tier, job, reqCtx, assigned)
	if err != nil {
		if assigned != nil {
			r.recordIdentityFailure(ctx, assigned, types.ErrorCode(err), reqCtx.URL, job.Tenant)
		}
		return r.fail(ctx, job, types.ErrorCode(err), nil)
	}

	return r.finish(ctx, job, tier, selectors, hooks, pg, assigned, true)
}

// admit runs tier-appropriate governance. The browser tier holds a page
// open for seconds at a time, so it honors only the circuit breaker and
// skips the token bucket.
func (r *Runner) admit(ctx context.Context, tier types.Engine, url string) (string, error) {
	if tier == types.EngineBrowser {
		open, err := r.guard.IsCircuitOpen(ctx, url)
		if err != nil {
			return "", err
		}
		if open {
			return types.CodeCircuitOpen, nil
		}
		return "", nil
	}
	return r.guard.Guard(ctx, url)
}

// capture fetches the page with the tier's transport and writes captured
// identity state back through the manager.
func (r *Runner) capture(ctx context.Context, tier types.Engine, job *types.Job, reqCtx *plugin.RequestContext, assigned *types.IdentityContext) (*page, error) {
	if tier == types.EngineBrowser {
		if r.renderer == nil {
			return nil, types.NewCodedError(types.CodeNavigationFailed, errors.New("browser renderer not configured"))
		}
		res, err := r.renderer.Render(ctx, browser.Request{
			URL:      reqCtx.URL,
			ProxyURL: reqCtx.ProxyURL,
			Identity: assigned,
			Headers:  reqCtx.Headers,
			Cookies:  reqCtx.Cookies,
		})
		if err != nil {
			return nil, err
		}
		if assigned != nil {
			if len(res.Cookies) > 0 {
				if err := r.identities.StoreCookies(ctx, assigned.ID, res.Cookies); err != nil {
					r.logger.Warn("store cookies", zap.Error(err))
				}
			}
			if res.StorageState != nil {
				if err := r.identities.StoreStorageState(ctx, assigned.ID, res.StorageState); err != nil {
					r.logger.Warn("store storage state", zap.Error(err))
				}
			}
		}
		return &page{
			url:        res.URL,
			status:     res.Status,
			headers:    res.Headers,
			html:       res.HTML,
			snapshots:  res.Snapshots,
			screenshot: res.Screenshot,
			har:        res.HAR,
		}, nil
	}

	fetcher := r.fast
	if tier == types.EngineStealth {
		if r.stealth != nil && policy.StealthAllowed(r.settings.Stealth, reqCtx.URL) {
			fetcher = r.stealth
		} else {
			r.logger.Info("stealth not allowed for domain, using fast transport",
				zap.String("url", reqCtx.URL))
		}
	}
	res, err := fetcher.Fetch(ctx, fetch.Request{
		URL:      reqCtx.URL,
		Headers:  reqCtx.Headers,
		Cookies:  reqCtx.Cookies,
		ProxyURL: reqCtx.ProxyURL,
	})
	if err != nil {
		return nil, err
	}
	if assigned != nil && len(res.Cookies) > 0 {
		if err := r.identities.StoreCookies(ctx, assigned.ID, res.Cookies); err != nil {
			r.logger.Warn("store cookies", zap.Error(err))
		}
	}
	return &page{url: res.URL, status: res.Status, headers: res.Headers, html: res.HTML}, nil
}

// finish is the shared post-fetch half: response hooks, response-URL
// admission, block detection, parse, parse hooks, empty-parse detection,
// and oracle recovery. escalatable selects between the standard tiers,
// where blocked and empty results escalate, and the external tier, where
// they are terminal.
func (r *Runner) finish(ctx context.Context, job *types.Job, tier types.Engine, selectors []types.SelectorSpec, hooks []plugin.Plugin, pg *page, assigned *types.IdentityContext, escalatable bool) types.Outcome {
	respCtx := &plugin.ResponseContext{
		URL:      pg.url,
		Status:   pg.status,
		Headers:  pg.headers,
		Body:     pg.html,
		Engine:   string(tier),
		Tenant:   job.Tenant,
		SchemaID: job.SchemaID,
		JobID:    job.ID.String(),
	}
	respCtx, code := plugin.ApplyResponse(respCtx, hooks)
	if code != "" {
		return r.fail(ctx, job, code, pg)
	}
	pg.html = respCtx.Body
	pg.status = respCtx.Status

	// Redirects may land anywhere; the final URL passes admission too.
	if pg.url != "" {
		if err := r.ssrf.EnsureURLAllowed(ctx, pg.url); err != nil {
			return r.fail(ctx, job, types.ErrorCode(err), pg)
		}
	}

	if code := detect.BlockedResponse(pg.status, pg.headers, pg.url, pg.html); code != "" {
		if pg.status == 403 || pg.status == 429 {
			if err := r.guard.RecordFailure(ctx, coord.ExtractDomain(pg.url), pg.status); err != nil {
				r.logger.Warn("record breaker failure", zap.Error(err))
			}
		}
		if assigned != nil {
			r.recordIdentityFailure(ctx, assigned, code, pg.url, job.Tenant)
		}
		if escalatable {
			return types.OutcomeEscalate(code)
		}
		return r.fail(ctx, job, code, pg)
	}

	var data map[string]any
	var parseErrs []string
	if tier == types.EngineBrowser && browser.ShouldCollectItems(r.settings.Browser) {
		data, parseErrs = browser.CollectFromSnapshots(pg.snapshots, selectors, r.settings.Browser.CollectMaxItems)
	} else {
		data, parseErrs = extract.Parse(pg.html, selectors, pg.url)
	}

	parseCtx := &plugin.ParseContext{
		Data:     data,
		Errors:   parseErrs,
		Engine:   string(tier),
		Tenant:   job.Tenant,
		SchemaID: job.SchemaID,
		JobID:    job.ID.String(),
	}
	parseCtx, code = plugin.ApplyParse(parseCtx, hooks)
	if code != "" {
		return r.fail(ctx, job, code, pg)
	}
	data = parseCtx.Data
	parseErrs = parseCtx.Errors

	if code := detect.EmptyParse(pg.status, data, selectors, parseErrs); code != "" {
		if escalatable {
			return types.OutcomeEscalate(code)
		}
		return r.fail(ctx, job, code, pg)
	}

	if len(parseErrs) > 0 {
		outcome := r.recover(ctx, job, selectors, pg, data, parseErrs)
		if outcome != nil {
			return *outcome
		}
	}

	return r.succeed(ctx, job, data, pg)
}

// recover asks the oracle to fill the fields the selectors missed. A nil
// return means recovery succeeded and data was patched in place.
func (r *Runner) recover(ctx context.Context, job *types.Job, selectors []types.SelectorSpec, pg *page, data map[string]any, parseErrs []string) *types.Outcome {
	allowed, err := r.guard.AllowLLMCall(ctx, job.ID.String(), job.Tenant)
	if err != nil {
		out := r.fail(ctx, job, types.ErrorCode(err), pg)
		return &out
	}
	if !allowed {
		out := r.fail(ctx, job, types.CodeLLMBudgetExceeded, pg)
		return &out
	}
	if r.oracle == nil || !r.oracle.Configured() {
		out := r.fail(ctx, job, types.CodeLLMUnavailable, pg)
		return &out
	}

	r.logger.Info("oracle recovery",
		zap.String("job_id", job.ID.String()),
		zap.Strings("errors", parseErrs))
	result := r.oracle.Recover(ctx, pg.html, selectors)
	if !result.Success {
		out := r.fail(ctx, job, result.Error, pg)
		return &out
	}

	for key, value := range result.Data {
		if cur, ok := data[key]; !ok || cur == nil {
			data[key] = value
		}
	}
	if r.registry != nil && len(result.Selectors) > 0 {
		if err := r.registry.RecordCandidates(ctx, job.SchemaID, selectors, result.Selectors); err != nil {
			r.logger.Warn("record selector candidates", zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) loadPlugins(ctx context.Context, job *types.Job, schema *types.Schema) ([]plugin.Plugin, *types.Outcome) {
	if r.plugins == nil {
		return nil, nil
	}
	names, err := r.plugins.ResolveNames(ctx, r.store, schema, job.Tenant)
	if err != nil {
		out := r.fail(ctx, job, types.ErrorCode(err), nil)
		return nil, &out
	}
	hooks, err := r.plugins.LoadMany(names)
	if err != nil {
		out := r.fail(ctx, job, types.ErrorCode(err), nil)
		return nil, &out
	}
	return hooks, nil
}

func (r *Runner) recordIdentityFailure(ctx context.Context, assigned *types.IdentityContext, reason, url, tenant string) {
	if err := r.identities.RecordFailure(ctx, assigned.ID, reason, url, tenant); err != nil {
		r.logger.Warn("record identity failure", zap.Error(err))
	}
}

// succeed finalizes the job with data and persists attempt artifacts.
func (r *Runner) succeed(ctx context.Context, job *types.Job, data map[string]any, pg *page) types.Outcome {
	r.saveArtifacts(ctx, job.ID, pg)
	if err := r.store.FinalizeJobSuccess(ctx, job.ID, data); err != nil {
		r.logger.Error("finalize success", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	return types.OutcomeSuccess(data)
}

// fail finalizes the job with a terminal error code.
func (r *Runner) fail(ctx context.Context, job *types.Job, code string, pg *page) types.Outcome {
	r.saveArtifacts(ctx, job.ID, pg)
	if err := r.store.FinalizeJobFailure(ctx, job.ID, code); err != nil {
		r.logger.Error("finalize failure", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	return types.OutcomeFailure(code)
}

func (r *Runner) saveArtifacts(ctx context.Context, jobID uuid.UUID, pg *page) {
	if r.artifacts == nil || pg == nil {
		return
	}
	if pg.html != "" {
		r.saveArtifact(ctx, jobID, types.ArtifactHTML, []byte(pg.html))
	}
	if len(pg.screenshot) > 0 {
		r.saveArtifact(ctx, jobID, types.ArtifactScreenshot, pg.screenshot)
	}
	if len(pg.har) > 0 {
		r.saveArtifact(ctx, jobID, types.ArtifactHAR, pg.har)
	}
}

func (r *Runner) saveArtifact(ctx context.Context, jobID uuid.UUID, kind types.ArtifactType, body []byte) {
	artifact, err := artifacts.Save(ctx, r.artifacts, jobID, kind, body)
	if err != nil {
		r.logger.Warn("save artifact", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if err := r.store.UpsertArtifact(ctx, artifact); err != nil {
		r.logger.Warn("record artifact", zap.String("kind", string(kind)), zap.Error(err))
	}
}
