package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fingerprint is the browser-facing surface of an identity.
type Fingerprint struct {
	UserAgent    string            `json:"user_agent,omitempty" msgpack:"user_agent,omitempty"`
	ViewportW    int               `json:"viewport_width,omitempty" msgpack:"viewport_width,omitempty"`
	ViewportH    int               `json:"viewport_height,omitempty" msgpack:"viewport_height,omitempty"`
	Locale       string            `json:"locale,omitempty" msgpack:"locale,omitempty"`
	Timezone     string            `json:"timezone,omitempty" msgpack:"timezone,omitempty"`
	Latitude     float64           `json:"latitude,omitempty" msgpack:"latitude,omitempty"`
	Longitude    float64           `json:"longitude,omitempty" msgpack:"longitude,omitempty"`
	ColorScheme  string            `json:"color_scheme,omitempty" msgpack:"color_scheme,omitempty"`
	DeviceScale  float64           `json:"device_scale,omitempty" msgpack:"device_scale,omitempty"`
	Mobile       bool              `json:"mobile,omitempty" msgpack:"mobile,omitempty"`
	Touch        bool              `json:"touch,omitempty" msgpack:"touch,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
	Permissions  []string          `json:"permissions,omitempty" msgpack:"permissions,omitempty"`
}

// Cookie is a browser cookie captured from or replayed into a fetch.
type Cookie struct {
	Name     string `json:"name" msgpack:"name"`
	Value    string `json:"value" msgpack:"value"`
	Domain   string `json:"domain,omitempty" msgpack:"domain,omitempty"`
	Path     string `json:"path,omitempty" msgpack:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty" msgpack:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty" msgpack:"httpOnly,omitempty"`
}

// MatchesHost reports whether the cookie applies to host: exact domain match
// or any subdomain of the cookie's domain. Domainless cookies match when
// allowDomainless is set.
func (c Cookie) MatchesHost(host string, allowDomainless bool) bool {
	domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	if domain == "" {
		return allowDomainless
	}
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// MergeCookies unions existing and fresh cookies by (name, domain, path),
// with fresh values winning. Order is existing-first, then new keys in fresh
// order, so the merge is deterministic.
func MergeCookies(existing, fresh []Cookie) []Cookie {
	type key struct{ name, domain, path string }
	keyOf := func(c Cookie) key {
		return key{c.Name, strings.TrimSpace(c.Domain), strings.TrimSpace(c.Path)}
	}

	merged := make([]Cookie, 0, len(existing)+len(fresh))
	index := make(map[key]int, len(existing))
	for _, c := range existing {
		if c.Name == "" {
			continue
		}
		index[keyOf(c)] = len(merged)
		merged = append(merged, c)
	}
	for _, c := range fresh {
		if c.Name == "" {
			continue
		}
		k := keyOf(c)
		if i, ok := index[k]; ok {
			merged[i] = c
			continue
		}
		index[k] = len(merged)
		merged = append(merged, c)
	}
	return merged
}

// StorageState is the browser-persisted origin storage of an identity.
type StorageState struct {
	Cookies []Cookie            `json:"cookies,omitempty" msgpack:"cookies,omitempty"`
	Origins []OriginStorage     `json:"origins,omitempty" msgpack:"origins,omitempty"`
	Extra   map[string]string   `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// OriginStorage is localStorage content for one origin.
type OriginStorage struct {
	Origin string            `json:"origin" msgpack:"origin"`
	Items  map[string]string `json:"items,omitempty" msgpack:"items,omitempty"`
}

// Identity is a rotating browsing persona scoped to a tenant. Cookie and
// storage payloads are stored encrypted; the manager decrypts them into an
// IdentityContext at acquisition time.
type Identity struct {
	ID                    uuid.UUID
	Tenant                string
	Label                 string
	Fingerprint           Fingerprint
	CookiesEncrypted      string
	StorageStateEncrypted string
	Active                bool
	UseCount              int
	FailureCount          int
	LastUsedAt            time.Time
	LastFailedAt          time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IdentityContext is the decrypted, usable view of an identity handed to
// engine runners.
type IdentityContext struct {
	ID           uuid.UUID
	Tenant       string
	Fingerprint  Fingerprint
	Cookies      []Cookie
	StorageState *StorageState
}

// IdentityBinding pins a (tenant, domain) to an identity and proxy for the
// binding TTL window, preserving cookie and fingerprint continuity.
type IdentityBinding struct {
	IdentityID uuid.UUID `json:"identity_id"`
	ProxyURL   string    `json:"proxy_url,omitempty"`
}

// IdentityAssignment is the result of acquiring an identity for a URL.
// Identity is nil when the tenant has no active identities.
type IdentityAssignment struct {
	Identity *IdentityContext
	ProxyURL string
	Domain   string
}
