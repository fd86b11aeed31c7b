package plugin

import (
	"context"

	glua "github.com/yuin/gopher-lua"

	luart "github.com/wrenbot/wren/internal/plugin/lua"
)

// hooks are the optional lifecycle functions a plugin table declares.
type hooks struct {
	setup     *glua.LFunction
	teardown  *glua.LFunction
	onEnable  *glua.LFunction
	onDisable *glua.LFunction
}

// LuaPlugin is a plugin backed by a Lua source file running in its own
// sandboxed interpreter state. Reloading creates a fresh state and
// re-executes the file; nothing survives from the previous instance.
type LuaPlugin struct {
	meta   Metadata
	path   string
	state  *luart.State
	config map[string]any
	hooks  hooks
}

// Meta returns the plugin's declared metadata.
func (p *LuaPlugin) Meta() Metadata { return p.meta }

// Path returns the source file this instance was loaded from.
func (p *LuaPlugin) Path() string { return p.path }

// Setup runs the plugin's setup hook, if declared. The hook receives
// the plugin's configuration sub-object as its argument.
func (p *LuaPlugin) Setup(ctx context.Context) error {
	if p.hooks.setup == nil {
		return nil
	}
	cfg := p.config
	if cfg == nil {
		cfg = map[string]any{}
	}
	_, err := p.state.CallWith(ctx, p.hooks.setup, cfg)
	return err
}

// Teardown runs the plugin's teardown hook, if declared.
func (p *LuaPlugin) Teardown(ctx context.Context) error {
	return p.callHook(ctx, p.hooks.teardown)
}

// OnEnable runs the plugin's on_enable hook, if declared.
func (p *LuaPlugin) OnEnable(ctx context.Context) error {
	return p.callHook(ctx, p.hooks.onEnable)
}

// OnDisable runs the plugin's on_disable hook, if declared.
func (p *LuaPlugin) OnDisable(ctx context.Context) error {
	return p.callHook(ctx, p.hooks.onDisable)
}

func (p *LuaPlugin) callHook(ctx context.Context, fn *glua.LFunction) error {
	if fn == nil {
		return nil
	}
	_, err := p.state.CallFunction(ctx, fn)
	return err
}

// Close releases the plugin's interpreter state.
func (p *LuaPlugin) Close() {
	p.state.Close()
}

var _ Plugin = (*LuaPlugin)(nil)
