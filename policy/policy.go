// Package policy decides which engine tier a job runs on: initial
// selection from URL hints, normalization against what the deployment
// actually enables, and the escalation ladder the worker climbs.
package policy

import (
	"strings"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/types"
)

// SelectEngine picks the initial tier from URL hints. Hints are plain
// substrings so they work in both query strings and fragments.
func SelectEngine(settings *config.Settings, url string) types.Engine {
	if containsAny(url, "engine=stealth", "stealth=true", "stealth=1") {
		return NormalizeEngine(settings, types.EngineStealth, url)
	}
	if containsAny(url, "engine=external", "external=true", "external=1") {
		return types.EngineExternal
	}
	if containsAny(url, "render=true", "browser=true") {
		return types.EngineBrowser
	}
	return types.EngineFast
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// NormalizeEngine maps a requested tier onto one the deployment can run.
// External requests pass through so the runner can surface the precise
// gating failure; a disallowed stealth request downgrades to fast.
func NormalizeEngine(settings *config.Settings, engine types.Engine, url string) types.Engine {
	if engine == types.EngineExternal {
		return engine
	}
	if EngineAllowed(settings, engine, url) {
		return engine
	}
	return types.EngineFast
}

// NextEngine returns the next allowed tier above current, honoring the
// router escalation depth. The second return is false when the ladder
// is exhausted.
func NextEngine(settings *config.Settings, current types.Engine, url string) (types.Engine, bool) {
	index := types.EngineIndex(current)
	if index < 0 {
		return "", false
	}
	maxDepth := settings.Router.MaxDepth
	if maxDepth > len(types.EngineOrder)-1 {
		maxDepth = len(types.EngineOrder) - 1
	}
	if maxDepth <= 0 || index >= maxDepth {
		return "", false
	}
	for next := index + 1; next < len(types.EngineOrder) && next <= maxDepth; next++ {
		candidate := types.EngineOrder[next]
		if EngineAllowed(settings, candidate, url) {
			return candidate, true
		}
	}
	return "", false
}

// EngineAllowed reports whether the deployment can run the tier for url.
// Fast and browser are always runnable; stealth and external depend on
// configuration and domain allow-lists.
func EngineAllowed(settings *config.Settings, engine types.Engine, url string) bool {
	switch engine {
	case types.EngineStealth:
		return StealthAllowed(settings.Stealth, url)
	case types.EngineExternal:
		return settings.External.APIKey != "" && ExternalAllowed(settings.External, url)
	}
	return true
}

// StealthAllowed gates the TLS-impersonating transport. An empty
// allow-list means every domain when stealth is enabled.
func StealthAllowed(s config.StealthSettings, url string) bool {
	if !s.Enabled {
		return false
	}
	if len(s.AllowedDomains) == 0 {
		return true
	}
	return domainListed(url, s.AllowedDomains)
}

// ExternalAllowed gates the managed-API tier: enabled, allow-list
// configured, and the URL's domain on it.
func ExternalAllowed(s config.ExternalSettings, url string) bool {
	if !s.Enabled || len(s.AllowlistDomains) == 0 {
		return false
	}
	return domainListed(url, s.AllowlistDomains)
}

func domainListed(url string, entries []string) bool {
	domain := coord.ExtractDomain(url)
	if domain == "" {
		return false
	}
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}
