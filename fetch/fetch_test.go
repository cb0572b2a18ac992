package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

func newTestClient(mutate func(*config.FetchSettings)) *Client {
	settings := config.FetchSettings{
		TimeoutMs:    2000,
		Retries:      0,
		BackoffMs:    1,
		BackoffMaxMs: 2,
		UserAgent:    "prospect-test/1.0",
	}
	if mutate != nil {
		mutate(&settings)
	}
	return New(settings, log.NewLogger("fetch-test").WithOutput(io.Discard))
}

func TestFetchCapturesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/", HttpOnly: true})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Backend", "origin-3")
		io.WriteString(w, "<html><h1>ok</h1></html>")
	}))
	defer server.Close()

	result, err := newTestClient(nil).Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Status != 200 || result.HTML != "<html><h1>ok</h1></html>" {
		t.Fatalf("result = %+v", result)
	}
	if result.Headers["X-Backend"] != "origin-3" {
		t.Fatalf("headers = %v", result.Headers)
	}
	if result.Truncated {
		t.Fatal("small body should not truncate")
	}
	if len(result.Cookies) != 1 {
		t.Fatalf("cookies = %v", result.Cookies)
	}
	got := result.Cookies[0]
	if got.Name != "sid" || got.Value != "abc" || !got.HTTPOnly || got.Domain == "" {
		t.Fatalf("cookie = %+v", got)
	}
}

func TestFetchSendsHeadersAndCookies(t *testing.T) {
	var seenUA, seenTenant, seenCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUA = r.Header.Get("User-Agent")
		seenTenant = r.Header.Get("X-Tenant")
		if c, err := r.Cookie("sid"); err == nil {
			seenCookie = c.Value
		}
	}))
	defer server.Close()

	_, err := newTestClient(nil).Fetch(context.Background(), Request{
		URL:     server.URL,
		Headers: map[string]string{"User-Agent": "persona-7", "X-Tenant": "acme"},
		Cookies: []types.Cookie{{Name: "sid", Value: "abc"}},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if seenUA != "persona-7" || seenTenant != "acme" || seenCookie != "abc" {
		t.Fatalf("seen ua=%q tenant=%q cookie=%q", seenUA, seenTenant, seenCookie)
	}
}

func TestFetchDefaultsUserAgent(t *testing.T) {
	var seenUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	if _, err := newTestClient(nil).Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if seenUA != "prospect-test/1.0" {
		t.Fatalf("ua = %q", seenUA)
	}
}

func TestFetchRetriesRetryableStatus(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "recovered")
	}))
	defer server.Close()

	client := newTestClient(func(s *config.FetchSettings) { s.Retries = 2 })
	result, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if hits != 3 || result.Status != 200 || result.HTML != "recovered" {
		t.Fatalf("hits = %d, result = %+v", hits, result)
	}
}

func TestFetchReturnsFinalRetryableStatus(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(func(s *config.FetchSettings) { s.Retries = 1 })
	result, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if hits != 2 || result.Status != http.StatusServiceUnavailable {
		t.Fatalf("hits = %d, result = %+v", hits, result)
	}
}

func TestFetchDoesNotRetryTerminalStatus(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(func(s *config.FetchSettings) { s.Retries = 3 })
	result, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if hits != 1 || result.Status != http.StatusForbidden {
		t.Fatalf("hits = %d, result = %+v", hits, result)
	}
}

func TestFetchTruncatesAtMaxBytes(t *testing.T) {
	body := strings.Repeat("x", 100)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, body)
	}))
	defer server.Close()

	client := newTestClient(func(s *config.FetchSettings) { s.MaxBytes = 10 })
	result, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !result.Truncated || len(result.Content) != 10 || result.HTML != "xxxxxxxxxx" {
		t.Fatalf("result = %+v", result)
	}
}

func TestFetchExactCapIsNotTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 10))
	}))
	defer server.Close()

	client := newTestClient(func(s *config.FetchSettings) { s.MaxBytes = 10 })
	result, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Truncated || len(result.Content) != 10 {
		t.Fatalf("result = %+v", result)
	}
}

func TestFetchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestClient(func(s *config.FetchSettings) { s.TimeoutMs = 20 })
	_, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if code := types.ErrorCode(err); code != types.CodeTimeout {
		t.Fatalf("code = %q", code)
	}
}

func TestFetchTransportErrorAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := newTestClient(func(s *config.FetchSettings) { s.Retries = 1 })
	_, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err == nil {
		t.Fatal("expected error against closed server")
	}
	if code := types.ErrorCode(err); code != types.CodeFetchFailed {
		t.Fatalf("code = %q", code)
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "landed")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	result, err := newTestClient(nil).Fetch(context.Background(), Request{URL: server.URL + "/a"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.HasSuffix(result.URL, "/b") || result.HTML != "landed" {
		t.Fatalf("result = %+v", result)
	}
}

func TestFetchCarriesCookiesAcrossRedirects(t *testing.T) {
	var seenSID, seenIdentity string
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "hop1", Path: "/"})
		http.Redirect(w, r, "/account", http.StatusFound)
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		seenSID, seenIdentity = "", ""
		if c, err := r.Cookie("sid"); err == nil {
			seenSID = c.Value
		}
		if c, err := r.Cookie("persona"); err == nil {
			seenIdentity = c.Value
		}
		io.WriteString(w, "ok")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(nil)
	_, err := client.Fetch(context.Background(), Request{
		URL:     server.URL + "/login",
		Cookies: []types.Cookie{{Name: "persona", Value: "p7"}},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if seenSID != "hop1" || seenIdentity != "p7" {
		t.Fatalf("landing saw sid=%q persona=%q", seenSID, seenIdentity)
	}

	// Each capture gets a fresh jar; nothing carries over to the next job.
	if _, err := client.Fetch(context.Background(), Request{URL: server.URL + "/account"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if seenSID != "" || seenIdentity != "" {
		t.Fatalf("cookies leaked across captures: sid=%q persona=%q", seenSID, seenIdentity)
	}
}

func TestFetchBinaryContentHasNoHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))
	defer server.Close()

	result, err := newTestClient(nil).Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.HTML != "" || len(result.Content) != 4 {
		t.Fatalf("result = %+v", result)
	}
}

func TestIdentityHeaders(t *testing.T) {
	if got := IdentityHeaders(nil, "default-ua"); got["User-Agent"] != "default-ua" {
		t.Fatalf("headers = %v", got)
	}

	identity := &types.IdentityContext{Fingerprint: types.Fingerprint{
		UserAgent: "persona-ua",
		Headers:   map[string]string{"Accept-Language": "de-DE", "Sec-CH-UA": `"Chromium"`},
	}}
	got := IdentityHeaders(identity, "default-ua")
	if got["User-Agent"] != "persona-ua" || got["Accept-Language"] != "de-DE" {
		t.Fatalf("headers = %v", got)
	}

	bare := &types.IdentityContext{}
	if got := IdentityHeaders(bare, "default-ua"); got["User-Agent"] != "default-ua" {
		t.Fatalf("headers = %v", got)
	}
}

func TestFilterCookiesForURL(t *testing.T) {
	cookies := []types.Cookie{
		{Name: "exact", Domain: "shop.example.com"},
		{Name: "parent", Domain: ".example.com"},
		{Name: "other", Domain: "example.org"},
		{Name: "domainless"},
	}

	names := func(kept []types.Cookie) string {
		var parts []string
		for _, c := range kept {
			parts = append(parts, c.Name)
		}
		return strings.Join(parts, ",")
	}

	kept := FilterCookiesForURL(cookies, "https://shop.example.com/p/1", true)
	if names(kept) != "exact,parent,domainless" {
		t.Fatalf("kept = %v", kept)
	}

	kept = FilterCookiesForURL(cookies, "https://shop.example.com/p/1", false)
	if names(kept) != "exact,parent" {
		t.Fatalf("kept = %v", kept)
	}

	if kept := FilterCookiesForURL(cookies, "://bad", true); kept != nil {
		t.Fatalf("kept = %v", kept)
	}
}

func TestNewStealthRejectsUnknownProfile(t *testing.T) {
	logger := log.NewLogger("fetch-test").WithOutput(io.Discard)

	if _, err := NewStealth(config.FetchSettings{Impersonate: "netscape"}, logger); err == nil {
		t.Fatal("expected error")
	} else if code := types.ErrorCode(err); code != types.CodeStealthUnavailable {
		t.Fatalf("code = %q", code)
	}

	for _, profile := range []string{"", "chrome", "Firefox", "safari"} {
		if _, err := NewStealth(config.FetchSettings{Impersonate: profile}, logger); err != nil {
			t.Fatalf("profile %q: %v", profile, err)
		}
	}
}
