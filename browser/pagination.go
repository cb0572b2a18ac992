package browser

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pithecene-io/prospect/config"
)

// pageURLs expands the pagination settings into an explicit URL list.
// Returns nil when no generator is configured, which means the session
// either renders a single page or follows the next-selector instead.
func pageURLs(baseURL string, settings config.PaginationSettings) []string {
	maxPages := settings.MaxPages
	if maxPages < 1 {
		maxPages = 1
	}
	step := settings.Step
	if step == 0 {
		step = 1
	}

	if settings.Template != "" {
		urls := make([]string, 0, maxPages)
		for i := 0; i < maxPages; i++ {
			page := settings.Start + i*step
			u := strings.ReplaceAll(settings.Template, "{page}", strconv.Itoa(page))
			if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
				u = resolveAgainst(baseURL, u)
			}
			urls = append(urls, u)
		}
		return urls
	}

	if settings.Param != "" {
		urls := make([]string, 0, maxPages)
		for i := 0; i < maxPages; i++ {
			page := settings.Start + i*step
			urls = append(urls, setQueryParam(baseURL, settings.Param, page))
		}
		return urls
	}
	return nil
}

func resolveAgainst(baseURL, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

func setQueryParam(rawURL, param string, value int) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	query.Set(param, strconv.Itoa(value))
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// nextPageURL finds the configured next-page link in the rendered DOM
// and resolves its href against the current URL. Empty when the link is
// absent or has no href.
func nextPageURL(html, currentURL, nextSelector string) string {
	if nextSelector == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	href, ok := doc.Find(nextSelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	return resolveAgainst(currentURL, href)
}
