package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

// Plugin names are lowercased before matching, so the pattern has no
// uppercase range. The pattern also rules out path traversal.
var pluginNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// hostExports are the symbols interpreted plugin modules may reference in
// addition to the stdlib.
var hostExports = interp.Exports{
	"github.com/pithecene-io/prospect/plugin/plugin": {
		"RequestContext":  reflect.ValueOf((*RequestContext)(nil)),
		"ResponseContext": reflect.ValueOf((*ResponseContext)(nil)),
		"ParseContext":    reflect.ValueOf((*ParseContext)(nil)),
	},
	"github.com/pithecene-io/prospect/types/types": {
		"Cookie": reflect.ValueOf((*types.Cookie)(nil)),
	},
}

// TenantSource provides per-tenant plugin lists. store.Store satisfies it.
type TenantSource interface {
	TenantPlugins(ctx context.Context, tenant string) ([]string, error)
}

// Manager loads plugin modules from a directory of interpreted Go files.
// A module <dir>/<name>.go declares package main and exports any subset of
//
//	func OnRequest(*plugin.RequestContext) (*plugin.RequestContext, error)
//	func OnResponse(*plugin.ResponseContext) (*plugin.ResponseContext, error)
//	func OnParse(*plugin.ParseContext) (*plugin.ParseContext, error)
//
// Modules are interpreted, never compiled in, so tenants can drop hook
// files into the plugin directory without a rebuild. Only stdlib imports
// and the exported context types are available to them.
type Manager struct {
	dir       string
	allowlist map[string]struct{}
	defaults  []string
	logger    *log.Logger

	mu    sync.Mutex
	cache map[string]Plugin
}

// NewManager builds a Manager from configuration. An empty allowlist
// admits every well-formed name.
func NewManager(settings config.PluginSettings, logger *log.Logger) *Manager {
	m := &Manager{
		dir:      settings.Dir,
		defaults: settings.Default,
		logger:   logger,
		cache:    map[string]Plugin{},
	}
	if len(settings.Allowlist) > 0 {
		m.allowlist = make(map[string]struct{}, len(settings.Allowlist))
		for _, name := range normalizeNames(settings.Allowlist) {
			m.allowlist[name] = struct{}{}
		}
	}
	return m
}

// ResolveNames assembles the plugin list for an attempt in chain order:
// configured defaults, then the tenant's list, then the schema's list,
// de-duplicated first-occurrence-wins.
func (m *Manager) ResolveNames(ctx context.Context, tenants TenantSource, schema *types.Schema, tenant string) ([]string, error) {
	names := append([]string(nil), m.defaults...)

	if tenant != "" && tenants != nil {
		tenantNames, err := tenants.TenantPlugins(ctx, tenant)
		if err != nil {
			return nil, err
		}
		names = append(names, tenantNames...)
	}
	if schema != nil {
		names = append(names, schema.Plugins...)
	}
	return normalizeNames(names), nil
}

// LoadMany loads every named plugin in order. The first load failure
// aborts with a CodedError whose code is "<reason>:<name>".
func (m *Manager) LoadMany(names []string) ([]Plugin, error) {
	plugins := make([]Plugin, 0, len(names))
	for _, name := range normalizeNames(names) {
		p, err := m.Load(name)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

// Load loads one plugin by name, from cache when possible.
func (m *Manager) Load(name string) (Plugin, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if !pluginNamePattern.MatchString(normalized) {
		return nil, loadError(types.CodePluginInvalid, normalized)
	}
	if m.allowlist != nil {
		if _, ok := m.allowlist[normalized]; !ok {
			return nil, loadError(types.CodePluginNotAllowed, normalized)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.cache[normalized]; ok {
		return cached, nil
	}

	p, err := m.interpret(normalized)
	if err != nil {
		return nil, err
	}
	m.cache[normalized] = p
	return p, nil
}

// interpret evaluates the module file and binds its exported hooks.
func (m *Manager) interpret(name string) (Plugin, error) {
	path := filepath.Join(m.dir, name+".go")
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, loadError(types.CodePluginMissing, name)
		}
		return nil, loadError(types.CodePluginLoadFailed, name)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, loadError(types.CodePluginLoadFailed, name)
	}
	if err := i.Use(hostExports); err != nil {
		return nil, loadError(types.CodePluginLoadFailed, name)
	}
	if _, err := i.Eval(string(src)); err != nil {
		m.logger.Warn("plugin eval failed",
			zap.String("plugin", name),
			zap.String("error", err.Error()),
		)
		return nil, loadError(types.CodePluginLoadFailed, name)
	}

	p := &loaded{name: name}
	exported := 0

	if v, err := i.Eval("main.OnRequest"); err == nil {
		fn, ok := v.Interface().(func(*RequestContext) (*RequestContext, error))
		if !ok {
			return nil, loadErrorCode(types.CodePluginHookInvalid("on_request", name))
		}
		p.onRequest = fn
		exported++
	}
	if v, err := i.Eval("main.OnResponse"); err == nil {
		fn, ok := v.Interface().(func(*ResponseContext) (*ResponseContext, error))
		if !ok {
			return nil, loadErrorCode(types.CodePluginHookInvalid("on_response", name))
		}
		p.onResponse = fn
		exported++
	}
	if v, err := i.Eval("main.OnParse"); err == nil {
		fn, ok := v.Interface().(func(*ParseContext) (*ParseContext, error))
		if !ok {
			return nil, loadErrorCode(types.CodePluginHookInvalid("on_parse", name))
		}
		p.onParse = fn
		exported++
	}

	// A module exporting no hooks is a misnamed or empty file.
	if exported == 0 {
		return nil, loadError(types.CodePluginInvalid, name)
	}
	return p, nil
}

func loadError(code, name string) error {
	return loadErrorCode(fmt.Sprintf("%s:%s", code, name))
}

func loadErrorCode(code string) error {
	return types.NewCodedError(code, nil)
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		value := strings.ToLower(strings.TrimSpace(name))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
