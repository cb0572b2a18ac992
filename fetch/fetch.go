// Package fetch performs the HTTP page captures behind the fast and
// stealth engines. Both fetchers share one retry loop and result shape;
// they differ only in the transport (net/http vs a TLS-impersonating
// ClientHello).
package fetch

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

// Request is one page capture: URL plus the identity-derived surface the
// caller wants presented.
type Request struct {
	URL      string
	Headers  map[string]string
	Cookies  []types.Cookie
	ProxyURL string
}

// Result is one completed capture. HTML is set only for textual content
// types; Content always carries the raw bytes up to the byte cap.
type Result struct {
	URL         string
	Status      int
	HTML        string
	Headers     map[string]string
	Cookies     []types.Cookie
	Content     []byte
	ContentType string
	Truncated   bool
}

// Statuses worth another attempt. Anything else is returned as-is and
// left to detection.
var retryableStatus = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooEarly:            {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Client fetches pages with retry, backoff and a byte cap. Transports are
// cached per proxy so connection pools survive across jobs; each capture
// gets its own cookie jar so cookies never bleed between jobs.
type Client struct {
	settings  config.FetchSettings
	logger    *log.Logger
	transport func(proxyURL string) (http.RoundTripper, error)

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

// New builds the plain fetcher used by the fast engine.
func New(settings config.FetchSettings, logger *log.Logger) *Client {
	return &Client{
		settings:   settings,
		logger:     logger,
		transport:  plainTransport,
		transports: map[string]http.RoundTripper{},
	}
}

func plainTransport(proxyURL string) (http.RoundTripper, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, types.NewCodedError(types.CodeFetchFailed, err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return transport, nil
}

// Fetch runs up to retries+1 attempts. Transport errors and timeouts
// retry; retryable statuses retry and the final response is returned
// regardless so detection can classify it.
func (c *Client) Fetch(ctx context.Context, req Request) (*Result, error) {
	attempts := c.settings.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt-1); err != nil {
				return nil, types.NewCodedError(types.CodeTimeout, err)
			}
		}

		result, err := c.fetchOnce(ctx, req)
		if err != nil {
			code := types.ErrorCode(err)
			if code != types.CodeTimeout && code != types.CodeFetchFailed {
				return nil, err
			}
			c.logger.Debug("fetch attempt failed",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.String("code", code))
			lastErr = err
			continue
		}

		if _, retry := retryableStatus[result.Status]; retry && attempt < attempts-1 {
			c.logger.Debug("fetch attempt got retryable status",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Int("status", result.Status))
			lastErr = nil
			continue
		}
		return result, nil
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, req Request) (*Result, error) {
	if timeout := time.Duration(c.settings.TimeoutMs) * time.Millisecond; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, types.NewCodedError(types.CodeFetchFailed, err)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if httpReq.Header.Get("User-Agent") == "" && c.settings.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.settings.UserAgent)
	}
	// The jar carries identity cookies and mid-chain Set-Cookies across
	// redirect hops, scoped by the public suffix list.
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, types.NewCodedError(types.CodeFetchFailed, err)
	}
	if len(req.Cookies) > 0 {
		seed := make([]*http.Cookie, 0, len(req.Cookies))
		for _, cookie := range req.Cookies {
			seed = append(seed, &http.Cookie{Name: cookie.Name, Value: cookie.Value, Path: "/"})
		}
		jar.SetCookies(httpReq.URL, seed)
	}

	transport, err := c.transportFor(req.ProxyURL)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: transport, Jar: jar}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, codedTransportError(err)
	}
	defer resp.Body.Close()

	content, truncated, err := readCapped(resp.Body, c.settings.MaxBytes)
	if err != nil {
		return nil, codedTransportError(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	result := &Result{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		Headers:     headers,
		Cookies:     capturedCookies(resp),
		Content:     content,
		ContentType: resp.Header.Get("Content-Type"),
		Truncated:   truncated,
	}
	if isTextual(result.ContentType) {
		result.HTML = string(content)
	}
	return result, nil
}

func (c *Client) transportFor(proxyURL string) (http.RoundTripper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if transport, ok := c.transports[proxyURL]; ok {
		return transport, nil
	}
	transport, err := c.transport(proxyURL)
	if err != nil {
		return nil, err
	}
	c.transports[proxyURL] = transport
	return transport, nil
}

// backoff sleeps min(base*2^n, max) plus up to 10% jitter, abandoning
// the wait when the context ends.
func (c *Client) backoff(ctx context.Context, n int) error {
	base := time.Duration(c.settings.BackoffMs) * time.Millisecond
	if base <= 0 {
		return nil
	}
	delay := base << uint(n)
	if max := time.Duration(c.settings.BackoffMaxMs) * time.Millisecond; max > 0 && delay > max {
		delay = max
	}
	delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readCapped streams the body up to maxBytes. Reading one byte past the
// cap distinguishes an exactly-full body from a truncated one.
func readCapped(body io.Reader, maxBytes int64) ([]byte, bool, error) {
	if maxBytes <= 0 {
		content, err := io.ReadAll(body)
		return content, false, err
	}
	content, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(content)) > maxBytes {
		return content[:maxBytes], true, nil
	}
	return content, false, nil
}

func capturedCookies(resp *http.Response) []types.Cookie {
	raw := resp.Cookies()
	if len(raw) == 0 {
		return nil
	}
	host := resp.Request.URL.Hostname()
	cookies := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		domain := c.Domain
		if domain == "" {
			domain = host
		}
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return cookies
}

func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	for _, marker := range []string{"text/", "html", "xml", "json", "javascript"} {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

func codedTransportError(err error) error {
	if isTimeout(err) {
		return types.NewCodedError(types.CodeTimeout, err)
	}
	return types.NewCodedError(types.CodeFetchFailed, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IdentityHeaders renders the request headers an identity presents: its
// fingerprint user agent (falling back to defaultUA) plus any extra
// fingerprint headers.
func IdentityHeaders(identity *types.IdentityContext, defaultUA string) map[string]string {
	headers := map[string]string{}
	if defaultUA != "" {
		headers["User-Agent"] = defaultUA
	}
	if identity == nil {
		return headers
	}
	if ua := identity.Fingerprint.UserAgent; ua != "" {
		headers["User-Agent"] = ua
	}
	for name, value := range identity.Fingerprint.Headers {
		headers[name] = value
	}
	return headers
}

// FilterCookiesForURL keeps the cookies that apply to the URL's host.
func FilterCookiesForURL(cookies []types.Cookie, rawURL string, allowDomainless bool) []types.Cookie {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return nil
	}
	host := parsed.Hostname()

	var kept []types.Cookie
	for _, cookie := range cookies {
		if cookie.MatchesHost(host, allowDomainless) {
			kept = append(kept, cookie)
		}
	}
	return kept
}
