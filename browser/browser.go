// Package browser renders pages in headless Chrome for the browser
// engine tier: identity fingerprints, session cookies and storage,
// humanized input, scroll and pagination snapshots, and artifact
// capture (screenshot plus a network trace).
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

// Request is one rendering session.
type Request struct {
	URL      string
	ProxyURL string
	Identity *types.IdentityContext
	Headers  map[string]string
	Cookies  []types.Cookie
}

// Result carries everything a session produced: the snapshots, the
// final page's view, the identity state to write back, and artifacts.
type Result struct {
	Snapshots    []Snapshot
	HTML         string
	URL          string
	Status       int
	Headers      map[string]string
	Cookies      []types.Cookie
	StorageState *types.StorageState
	Screenshot   []byte
	HAR          []byte
}

// Renderer drives headless Chrome sessions. Each Render launches a
// fresh browser so no state leaks between attempts.
type Renderer struct {
	settings config.BrowserSettings
	logger   *log.Logger
	connect  func(proxyURL string) (*rod.Browser, func(), error)
}

// NewRenderer builds a renderer that launches its own Chrome.
func NewRenderer(settings config.BrowserSettings, logger *log.Logger) *Renderer {
	r := &Renderer{settings: settings, logger: logger}
	r.connect = func(proxyURL string) (*rod.Browser, func(), error) {
		l := launcher.New().Headless(settings.Headless)
		if proxyURL != "" {
			l = l.Proxy(proxyURL)
		}
		controlURL, err := l.Launch()
		if err != nil {
			return nil, nil, types.NewCodedError(types.CodeNavigationFailed, err)
		}
		b := rod.New().ControlURL(controlURL)
		if err := b.Connect(); err != nil {
			l.Kill()
			return nil, nil, types.NewCodedError(types.CodeNavigationFailed, err)
		}
		cleanup := func() {
			b.Close()
			l.Cleanup()
		}
		return b, cleanup, nil
	}
	return r
}

// Render runs one full session: context setup, navigation (with
// pagination), snapshots, and capture-back.
func (r *Renderer) Render(ctx context.Context, req Request) (*Result, error) {
	browser, cleanup, err := r.connect(req.ProxyURL)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, types.NewCodedError(types.CodeNavigationFailed, err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, types.NewCodedError(types.CodeNavigationFailed, err)
	}
	defer page.Close()

	recorder := newNetworkRecorder()
	recorder.attach(page)

	if err := r.applyContext(page, req); err != nil {
		return nil, err
	}

	snapshots, err := r.renderPages(ctx, page, req, recorder)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, types.NewCodedError(types.CodeNoHTML, nil)
	}
	last := snapshots[len(snapshots)-1]

	result := &Result{
		Snapshots: snapshots,
		HTML:      last.HTML,
		URL:       last.URL,
		Status:    last.Status,
		Headers:   last.Headers,
	}
	result.Cookies = r.captureCookies(page)
	result.StorageState = r.captureStorage(page, result.Cookies, last.URL)

	if screenshot, err := page.Screenshot(r.settings.FullPage, nil); err == nil {
		result.Screenshot = screenshot
	} else {
		r.logger.Warn("screenshot capture failed", zap.String("error", err.Error()))
	}
	result.HAR = recorder.har()
	return result, nil
}

// renderPages walks the page URL plan: an explicit generated list when
// pagination is template- or param-driven, otherwise a next-selector
// loop bounded by max pages and a visited set.
func (r *Renderer) renderPages(ctx context.Context, page *rod.Page, req Request, recorder *networkRecorder) ([]Snapshot, error) {
	var snapshots []Snapshot

	if urls := pageURLs(req.URL, r.settings.Pagination); urls != nil {
		for _, pageURL := range urls {
			pageSnapshots, err := r.renderSinglePage(ctx, page, pageURL, req.Identity, recorder)
			if err != nil {
				return nil, err
			}
			snapshots = append(snapshots, pageSnapshots...)
		}
		return snapshots, nil
	}

	maxPages := r.settings.Pagination.MaxPages
	if maxPages < 1 {
		maxPages = 1
	}
	current := req.URL
	visited := map[string]struct{}{}
	for i := 0; i < maxPages; i++ {
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}

		pageSnapshots, err := r.renderSinglePage(ctx, page, current, req.Identity, recorder)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, pageSnapshots...)

		if r.settings.Pagination.NextSelector == "" || len(pageSnapshots) == 0 {
			break
		}
		last := pageSnapshots[len(pageSnapshots)-1]
		next := nextPageURL(last.HTML, current, r.settings.Pagination.NextSelector)
		if next == "" {
			break
		}
		if _, seen := visited[next]; seen {
			break
		}
		current = next
	}
	return snapshots, nil
}

func (r *Renderer) renderSinglePage(ctx context.Context, page *rod.Page, pageURL string, identity *types.IdentityContext, recorder *networkRecorder) ([]Snapshot, error) {
	timeout := time.Duration(r.settings.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	bounded := page.Context(ctx).Timeout(timeout)

	if err := bounded.Navigate(pageURL); err != nil {
		return nil, navigationError(err)
	}
	if err := r.waitSettled(bounded, timeout); err != nil {
		return nil, navigationError(err)
	}
	r.seedStorage(page, identity, pageURL)
	if selector := r.settings.WaitForSelector; selector != "" {
		if _, err := bounded.Element(selector); err != nil {
			return nil, navigationError(err)
		}
	}
	if r.settings.WaitForMs > 0 {
		if err := sleepCtx(ctx, time.Duration(r.settings.WaitForMs)*time.Millisecond); err != nil {
			return nil, types.NewCodedError(types.CodeTimeout, err)
		}
	}
	if r.settings.Humanize {
		width, height := r.viewport()
		humanize(page, r.settings, width, height)
	}

	snapshots := []Snapshot{r.takeSnapshot(page, recorder)}
	for i := 0; i < r.settings.ScrollSteps; i++ {
		r.scrollOnce(page)
		if r.settings.ScrollDelayMs > 0 {
			if err := sleepCtx(ctx, time.Duration(r.settings.ScrollDelayMs)*time.Millisecond); err != nil {
				return snapshots, types.NewCodedError(types.CodeTimeout, err)
			}
		}
		snapshots = append(snapshots, r.takeSnapshot(page, recorder))
	}
	return snapshots, nil
}

func (r *Renderer) waitSettled(page *rod.Page, timeout time.Duration) error {
	switch strings.ToLower(r.settings.WaitUntil) {
	case "networkidle", "network_idle":
		return page.WaitIdle(timeout)
	default:
		return page.WaitLoad()
	}
}

func (r *Renderer) takeSnapshot(page *rod.Page, recorder *networkRecorder) Snapshot {
	snapshot := Snapshot{}
	if html, err := page.HTML(); err == nil {
		snapshot.HTML = html
	}
	if info, err := page.Info(); err == nil {
		snapshot.URL = info.URL
	}
	snapshot.Status, snapshot.Headers = recorder.document()
	return snapshot
}

// scrollOnce advances the dominant scrollable container (or the window)
// by one viewport. The chosen target is cached on the page so repeated
// steps keep scrolling the same container.
func (r *Renderer) scrollOnce(page *rod.Page) {
	_, err := page.Evaluate(&rod.EvalOptions{
		JS: `
		(selector) => {
			let target = window.__prospectScrollTarget;
			if (target && !target.isConnected) {
				target = null;
			}
			if (!target && selector) {
				target = document.querySelector(selector);
			}
			if (!target) {
				const candidates = Array.from(document.querySelectorAll("*")).filter((el) => {
					const style = getComputedStyle(el);
					return (
						el.scrollHeight - el.clientHeight > 5 &&
						(style.overflowY === "auto" || style.overflowY === "scroll")
					);
				});
				candidates.sort(
					(a, b) => (b.scrollHeight - b.clientHeight) - (a.scrollHeight - a.clientHeight),
				);
				target = candidates[0] || null;
			}
			target = target || document.scrollingElement || document.documentElement;
			window.__prospectScrollTarget = target;
			const step =
				target === document.scrollingElement || target === document.documentElement
					? window.innerHeight
					: target.clientHeight;
			target.scrollTop = (target.scrollTop || 0) + step;
		}
		`,
		JSArgs:  []interface{}{r.settings.ScrollContainerSelector},
		ByValue: true,
	})
	if err != nil {
		r.logger.Debug("scroll step failed", zap.String("error", err.Error()))
	}
}

// applyContext shapes the page to the identity: fingerprint overrides,
// cookies (preferring a saved storage state's jar), permissions, and
// any extra request headers.
func (r *Renderer) applyContext(page *rod.Page, req Request) error {
	var fp types.Fingerprint
	if req.Identity != nil {
		fp = req.Identity.Fingerprint
	}

	ua := proto.NetworkSetUserAgentOverride{UserAgent: fp.UserAgent}
	if fp.Locale != "" {
		ua.AcceptLanguage = fp.Locale
	}
	if ua.UserAgent != "" || ua.AcceptLanguage != "" {
		if err := ua.Call(page); err != nil {
			return types.NewCodedError(types.CodeNavigationFailed, err)
		}
	}

	if fp.ViewportW > 0 && fp.ViewportH > 0 {
		scale := fp.DeviceScale
		if scale <= 0 {
			scale = 1
		}
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.ViewportW,
			Height:            fp.ViewportH,
			DeviceScaleFactor: scale,
			Mobile:            fp.Mobile,
		}).Call(page); err != nil {
			return types.NewCodedError(types.CodeNavigationFailed, err)
		}
	}
	if fp.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
			r.logger.Warn("timezone override failed", zap.String("timezone", fp.Timezone))
		}
	}
	if fp.Latitude != 0 || fp.Longitude != 0 {
		lat, lon, acc := fp.Latitude, fp.Longitude, float64(10)
		if err := (proto.EmulationSetGeolocationOverride{
			Latitude:  &lat,
			Longitude: &lon,
			Accuracy:  &acc,
		}).Call(page); err != nil {
			r.logger.Warn("geolocation override failed", zap.String("error", err.Error()))
		}
	}
	if fp.ColorScheme != "" {
		if err := (proto.EmulationSetEmulatedMedia{
			Features: []*proto.EmulationMediaFeature{
				{Name: "prefers-color-scheme", Value: fp.ColorScheme},
			},
		}).Call(page); err != nil {
			r.logger.Warn("color scheme override failed", zap.String("error", err.Error()))
		}
	}
	if fp.Touch {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(page); err != nil {
			r.logger.Warn("touch emulation failed", zap.String("error", err.Error()))
		}
	}
	if len(fp.Permissions) > 0 {
		permissions := make([]proto.BrowserPermissionType, 0, len(fp.Permissions))
		for _, p := range fp.Permissions {
			permissions = append(permissions, proto.BrowserPermissionType(p))
		}
		if err := (proto.BrowserGrantPermissions{Permissions: permissions}).Call(page); err != nil {
			r.logger.Warn("permission grant failed", zap.String("error", err.Error()))
		}
	}

	headers := mergedHeaders(fp.Headers, req.Headers)
	if len(headers) > 0 {
		if _, err := page.SetExtraHeaders(headers); err != nil {
			return types.NewCodedError(types.CodeNavigationFailed, err)
		}
	}

	cookies := req.Cookies
	if req.Identity != nil && req.Identity.StorageState != nil && len(req.Identity.StorageState.Cookies) > 0 {
		cookies = req.Identity.StorageState.Cookies
	}
	if len(cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(cookies))
		for _, c := range cookies {
			param := &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if param.Domain == "" {
				param.URL = req.URL
			}
			params = append(params, param)
		}
		if err := page.SetCookies(params); err != nil {
			return types.NewCodedError(types.CodeNavigationFailed, err)
		}
	}
	return nil
}

// mergedHeaders flattens fingerprint and request headers into the
// name/value pair list SetExtraHeaders expects, request headers winning.
func mergedHeaders(fingerprint, request map[string]string) []string {
	merged := map[string]string{}
	for name, value := range fingerprint {
		merged[name] = value
	}
	for name, value := range request {
		merged[name] = value
	}
	pairs := make([]string, 0, len(merged)*2)
	for name, value := range merged {
		pairs = append(pairs, name, value)
	}
	return pairs
}

// seedStorage replays the identity's saved localStorage into the page
// when the rendered origin matches a saved origin. Best effort; setItem
// is idempotent so repeat pages are harmless.
func (r *Renderer) seedStorage(page *rod.Page, identity *types.IdentityContext, pageURL string) {
	if identity == nil || identity.StorageState == nil {
		return
	}
	origin := originOf(pageURL)
	for _, saved := range identity.StorageState.Origins {
		if saved.Origin != origin || len(saved.Items) == 0 {
			continue
		}
		raw, err := json.Marshal(saved.Items)
		if err != nil {
			continue
		}
		_, err = page.Evaluate(&rod.EvalOptions{
			JS: `(itemsJSON) => {
				try {
					const items = JSON.parse(itemsJSON);
					Object.entries(items).forEach(([key, value]) => localStorage.setItem(key, value));
				} catch (e) {}
			}`,
			JSArgs:  []interface{}{string(raw)},
			ByValue: true,
		})
		if err != nil {
			r.logger.Debug("storage seed failed", zap.String("origin", origin))
		}
	}
}

func (r *Renderer) captureCookies(page *rod.Page) []types.Cookie {
	res, err := proto.NetworkGetCookies{}.Call(page)
	if err != nil {
		r.logger.Warn("cookie capture failed", zap.String("error", err.Error()))
		return nil
	}
	cookies := make([]types.Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return cookies
}

func (r *Renderer) captureStorage(page *rod.Page, cookies []types.Cookie, finalURL string) *types.StorageState {
	state := &types.StorageState{Cookies: cookies}

	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			const items = {};
			try {
				for (let i = 0; i < localStorage.length; i++) {
					const key = localStorage.key(i);
					items[key] = localStorage.getItem(key);
				}
			} catch (e) {}
			return items;
		}`,
		ByValue: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return state
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return state
	}
	var items map[string]string
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return state
	}
	state.Origins = []types.OriginStorage{{Origin: originOf(finalURL), Items: items}}
	return state
}

func (r *Renderer) viewport() (int, int) {
	return 1280, 800
}

func originOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Scheme + "://" + parsed.Host
}

func navigationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewCodedError(types.CodeTimeout, err)
	}
	return types.NewCodedError(types.CodeNavigationFailed, err)
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

// networkRecorder subscribes to response events, remembering the latest
// main-document response and accumulating a HAR-shaped trace.
type networkRecorder struct {
	mu         sync.Mutex
	docStatus  int
	docHeaders map[string]string
	entries    []harEntry
}

type harEntry struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
}

type harRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type harResponse struct {
	Status   int         `json:"status"`
	MIMEType string      `json:"content,omitempty"`
	Headers  []harHeader `json:"headers"`
}

type harHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func newNetworkRecorder() *networkRecorder {
	return &networkRecorder{docHeaders: map[string]string{}}
}

func (rec *networkRecorder) attach(page *rod.Page) {
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Response == nil {
			return
		}
		headers := make(map[string]string, len(e.Response.Headers))
		var harHeaders []harHeader
		for name, value := range e.Response.Headers {
			headers[name] = value.Str()
			harHeaders = append(harHeaders, harHeader{Name: name, Value: value.Str()})
		}

		rec.mu.Lock()
		rec.entries = append(rec.entries, harEntry{
			StartedDateTime: time.Now().UTC(),
			Request:         harRequest{Method: "GET", URL: e.Response.URL},
			Response:        harResponse{Status: e.Response.Status, MIMEType: e.Response.MIMEType, Headers: harHeaders},
		})
		if e.Type == proto.NetworkResourceTypeDocument {
			rec.docStatus = e.Response.Status
			rec.docHeaders = headers
		}
		rec.mu.Unlock()
	})
	go wait()
}

func (rec *networkRecorder) document() (int, map[string]string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	headers := make(map[string]string, len(rec.docHeaders))
	for name, value := range rec.docHeaders {
		headers[name] = value
	}
	return rec.docStatus, headers
}

// har renders the collected responses as a minimal HAR 1.2 log.
func (rec *networkRecorder) har() []byte {
	rec.mu.Lock()
	entries := make([]harEntry, len(rec.entries))
	copy(entries, rec.entries)
	rec.mu.Unlock()

	trace := map[string]any{
		"log": map[string]any{
			"version": "1.2",
			"creator": map[string]string{"name": "prospect", "version": "1.0"},
			"entries": entries,
		},
	}
	raw, err := json.Marshal(trace)
	if err != nil {
		return nil
	}
	return raw
}
