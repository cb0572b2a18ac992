// Package plugin loads tenant- and schema-scoped hook modules from a
// directory and threads typed contexts through them at the request,
// response, and parse stages of an attempt.
package plugin

import (
	"net/url"
	"strings"

	"github.com/pithecene-io/prospect/types"
)

// RequestContext is the mutable view of an outgoing fetch handed to
// on_request hooks.
type RequestContext struct {
	URL      string
	Headers  map[string]string
	Cookies  []types.Cookie
	ProxyURL string
	Engine   string
	Tenant   string
	SchemaID string
	JobID    string
	Meta     map[string]any
}

// ResponseContext is the fetched response handed to on_response hooks.
type ResponseContext struct {
	URL         string
	Status      int
	Headers     map[string]string
	Body        string
	Content     []byte
	ContentType string
	Cookies     []types.Cookie
	Truncated   bool
	Engine      string
	Tenant      string
	SchemaID    string
	JobID       string
	Meta        map[string]any
}

// ParseContext is the extracted data handed to on_parse hooks.
type ParseContext struct {
	Data     map[string]any
	Errors   []string
	Engine   string
	Tenant   string
	SchemaID string
	JobID    string
	Meta     map[string]any
}

// URLHostChanged reports whether a hook's URL rewrite moved the request to
// a different host. Hooks may adjust path and query freely; a host change
// fails the job. An unparsable rewritten URL counts as changed.
func URLHostChanged(before, after string) bool {
	if before == after {
		return false
	}
	b, err := url.Parse(before)
	if err != nil {
		return true
	}
	a, err := url.Parse(after)
	if err != nil {
		return true
	}
	return !strings.EqualFold(b.Hostname(), a.Hostname())
}
