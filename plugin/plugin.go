package plugin

import (
	"fmt"

	"github.com/pithecene-io/prospect/types"
)

// Plugin is one loaded hook module. A nil context return means "no
// change"; a non-nil return replaces the current context for the rest of
// the chain.
type Plugin interface {
	Name() string
	OnRequest(*RequestContext) (*RequestContext, error)
	OnResponse(*ResponseContext) (*ResponseContext, error)
	OnParse(*ParseContext) (*ParseContext, error)
}

// loaded wraps the hook functions exported by an interpreted module.
// Absent hooks are nil and behave as no-ops.
type loaded struct {
	name       string
	onRequest  func(*RequestContext) (*RequestContext, error)
	onResponse func(*ResponseContext) (*ResponseContext, error)
	onParse    func(*ParseContext) (*ParseContext, error)
}

func (p *loaded) Name() string { return p.name }

func (p *loaded) OnRequest(ctx *RequestContext) (*RequestContext, error) {
	if p.onRequest == nil {
		return nil, nil
	}
	return p.onRequest(ctx)
}

func (p *loaded) OnResponse(ctx *ResponseContext) (*ResponseContext, error) {
	if p.onResponse == nil {
		return nil, nil
	}
	return p.onResponse(ctx)
}

func (p *loaded) OnParse(ctx *ParseContext) (*ParseContext, error) {
	if p.onParse == nil {
		return nil, nil
	}
	return p.onParse(ctx)
}

// ApplyRequest runs the on_request chain. Returns the final context and an
// empty code, or the original chain position's context and a failure code.
func ApplyRequest(ctx *RequestContext, plugins []Plugin) (*RequestContext, string) {
	for _, p := range plugins {
		next, err := safeRequest(p, ctx)
		if err != nil {
			return ctx, types.CodePluginHookFailed("on_request", p.Name())
		}
		if next != nil {
			ctx = next
		}
	}
	return ctx, ""
}

// ApplyResponse runs the on_response chain.
func ApplyResponse(ctx *ResponseContext, plugins []Plugin) (*ResponseContext, string) {
	for _, p := range plugins {
		next, err := safeResponse(p, ctx)
		if err != nil {
			return ctx, types.CodePluginHookFailed("on_response", p.Name())
		}
		if next != nil {
			ctx = next
		}
	}
	return ctx, ""
}

// ApplyParse runs the on_parse chain.
func ApplyParse(ctx *ParseContext, plugins []Plugin) (*ParseContext, string) {
	for _, p := range plugins {
		next, err := safeParse(p, ctx)
		if err != nil {
			return ctx, types.CodePluginHookFailed("on_parse", p.Name())
		}
		if next != nil {
			ctx = next
		}
	}
	return ctx, ""
}

// Interpreted hooks can panic; a panicking hook fails like an erroring one.

func safeRequest(p Plugin, ctx *RequestContext) (next *RequestContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	return p.OnRequest(ctx)
}

func safeResponse(p Plugin, ctx *ResponseContext) (next *ResponseContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	return p.OnResponse(ctx)
}

func safeParse(p Plugin, ctx *ParseContext) (next *ParseContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	return p.OnParse(ctx)
}
