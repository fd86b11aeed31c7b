package plugin

import (
	"context"
	"fmt"
	"log/slog"

	glua "github.com/yuin/gopher-lua"

	"github.com/wrenbot/wren/internal/event"
	"github.com/wrenbot/wren/internal/event/topic"
	luart "github.com/wrenbot/wren/internal/plugin/lua"
	"github.com/wrenbot/wren/internal/service"
)

// apiEnv is one plugin's view of the host, installed into its state as
// the bot, events, services and log modules. The subscriber and
// provider name used on the bus and registry is always the plugin's
// own, so teardown can release everything the plugin acquired.
type apiEnv struct {
	name   string
	state  *luart.State
	env    Env
	base   *slog.Logger
	logger *slog.Logger
}

func newAPIEnv(name string, st *luart.State, env Env, logger *slog.Logger) *apiEnv {
	return &apiEnv{
		name:   name,
		state:  st,
		env:    env,
		base:   logger,
		logger: logger.With("plugin", name),
	}
}

// setName rebinds the environment to the plugin's declared name once
// metadata is known; before that, the file stem stands in.
func (a *apiEnv) setName(name string) {
	a.name = name
	a.logger = a.base.With("plugin", name)
}

// install registers the runtime modules in the plugin's state.
func (a *apiEnv) install() {
	a.state.SetModule("bot", map[string]glua.LGFunction{
		"send":    a.botSend,
		"name":    a.botName,
		"version": a.botVersion,
		"config":  a.botConfig,
	})
	a.state.SetModule("events", map[string]glua.LGFunction{
		"publish":     a.eventsPublish,
		"subscribe":   a.eventsSubscribe,
		"unsubscribe": a.eventsUnsubscribe,
		"history":     a.eventsHistory,
		"stats":       a.eventsStats,
	})
	a.state.SetModule("services", map[string]glua.LGFunction{
		"register": a.servicesRegister,
		"has":      a.servicesHas,
		"call":     a.servicesCall,
		"require":  a.servicesRequire,
		"list":     a.servicesList,
	})
	a.state.SetModule("log", map[string]glua.LGFunction{
		"debug": a.logAt(slog.LevelDebug),
		"info":  a.logAt(slog.LevelInfo),
		"warn":  a.logAt(slog.LevelWarn),
		"error": a.logAt(slog.LevelError),
	})
}

// selfCtx returns the context of the call currently running in this
// plugin's state. It carries every interpreter on the call path, so
// dispatch back into any of them skips the already-held state lock.
func (a *apiEnv) selfCtx() context.Context {
	return a.state.ActiveContext()
}

// pushErr pushes the lua convention for a failed call: nil, message.
func pushErr(L *glua.LState, err error) int {
	L.Push(glua.LNil)
	L.Push(glua.LString(err.Error()))
	return 2
}

func (a *apiEnv) botSend(L *glua.LState) int {
	target := L.CheckString(1)
	message := L.CheckString(2)
	if err := a.env.Host.Send(target, message); err != nil {
		return pushErr(L, err)
	}
	// Announce the outbound message under the sender's own context, so a
	// plugin watching chat.sent can be the one doing the sending.
	_ = a.env.Bus.PublishContext(a.selfCtx(), event.Event{
		Name:   "chat.sent",
		Source: a.name,
		Data:   map[string]any{"target": target, "message": message},
	})
	L.Push(glua.LTrue)
	return 1
}

func (a *apiEnv) botName(L *glua.LState) int {
	L.Push(glua.LString(a.name))
	return 1
}

func (a *apiEnv) botVersion(L *glua.LState) int {
	L.Push(glua.LString(a.env.Host.Version()))
	return 1
}

func (a *apiEnv) botConfig(L *glua.LState) int {
	cfg := a.env.Host.PluginConfig(a.name)
	if cfg == nil {
		L.Push(L.NewTable())
		return 1
	}
	L.Push(luart.ToLua(L, cfg))
	return 1
}

func (a *apiEnv) eventsPublish(L *glua.LState) int {
	name := L.CheckString(1)

	e := event.Event{
		Name:     topic.Topic(name),
		Source:   a.name,
		Priority: event.PriorityNormal,
	}
	if L.GetTop() >= 2 && L.Get(2) != glua.LNil {
		e.Data = dataMap(luart.ToGo(L.CheckTable(2)))
	}
	if L.GetTop() >= 3 {
		p, ok := parsePriority(L.CheckString(3))
		if !ok {
			L.ArgError(3, "priority must be high, normal or low")
			return 0
		}
		e.Priority = p
	}

	if err := a.env.Bus.PublishContext(a.selfCtx(), e); err != nil {
		return pushErr(L, err)
	}
	L.Push(glua.LTrue)
	return 1
}

func (a *apiEnv) eventsSubscribe(L *glua.LState) int {
	pattern := L.CheckString(1)
	fn := L.CheckFunction(2)

	handler := func(ctx context.Context, e event.Event) error {
		_, err := a.state.CallWith(ctx, fn, eventPayload(e))
		return err
	}

	sub, err := a.env.Bus.Subscribe(topic.Topic(pattern), handler, a.name)
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(glua.LString(sub.ID()))
	return 1
}

func (a *apiEnv) eventsUnsubscribe(L *glua.LState) int {
	pattern := L.CheckString(1)
	if err := a.env.Bus.Unsubscribe(topic.Topic(pattern), a.name); err != nil {
		return pushErr(L, err)
	}
	L.Push(glua.LTrue)
	return 1
}

func (a *apiEnv) eventsHistory(L *glua.LState) int {
	count := L.OptInt(1, 0)
	pattern := topic.Topic(L.OptString(2, ""))

	out := L.NewTable()
	for _, e := range a.env.Bus.History(count, pattern) {
		out.Append(luart.ToLua(L, eventPayload(e)))
	}
	L.Push(out)
	return 1
}

func (a *apiEnv) eventsStats(L *glua.LState) int {
	stats := a.env.Bus.Stats()
	L.Push(luart.ToLua(L, map[string]any{
		"published":      stats.Published,
		"dispatched":     stats.Dispatched,
		"handler_errors": stats.HandlerErrors,
	}))
	return 1
}

func (a *apiEnv) servicesRegister(L *glua.LState) int {
	name := L.CheckString(1)
	version := L.CheckString(2)
	table := L.CheckTable(3)

	var opts []service.RegisterOption
	if L.GetTop() >= 4 {
		deps := make(map[string]string)
		L.CheckTable(4).ForEach(func(k, v glua.LValue) {
			deps[k.String()] = v.String()
		})
		opts = append(opts, service.WithDependencies(deps))
	}

	svc := newLuaService(a, table)
	if err := a.env.Services.Register(name, version, a.name, svc, opts...); err != nil {
		return pushErr(L, err)
	}
	L.Push(glua.LTrue)
	return 1
}

func (a *apiEnv) servicesHas(L *glua.LState) int {
	L.Push(glua.LBool(a.env.Services.Has(L.CheckString(1))))
	return 1
}

func (a *apiEnv) servicesCall(L *glua.LState) int {
	name := L.CheckString(1)
	method := L.CheckString(2)

	args := make([]any, 0, L.GetTop()-2)
	for i := 3; i <= L.GetTop(); i++ {
		args = append(args, luart.ToGo(L.Get(i)))
	}

	out, err := a.callService(name, method, args)
	if err != nil {
		return pushErr(L, err)
	}
	for _, v := range out {
		L.Push(luart.ToLua(L, v))
	}
	return len(out)
}

// callService dispatches to a provider. Lua-backed providers are called
// with this plugin's state marked executing, so a plugin calling its
// own service does not deadlock.
func (a *apiEnv) callService(name, method string, args []any) ([]any, error) {
	instance, err := a.env.Services.Require(name, "")
	if err != nil {
		return nil, err
	}
	if ls, ok := instance.(*luaService); ok {
		return ls.callCtx(a.selfCtx(), method, args...)
	}
	c, ok := instance.(service.Callable)
	if !ok {
		return nil, service.ErrNotCallable
	}
	return c.Call(method, args...)
}

func (a *apiEnv) servicesRequire(L *glua.LState) int {
	name := L.CheckString(1)
	min := L.OptString(2, "")

	if _, err := a.env.Services.Require(name, min); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(glua.LTrue)
	return 1
}

func (a *apiEnv) servicesList(L *glua.LState) int {
	out := L.NewTable()
	for _, reg := range a.env.Services.List() {
		entry := map[string]any{
			"name":     reg.Name,
			"version":  reg.Version,
			"provider": reg.Provider,
			"started":  reg.Started,
		}
		if len(reg.Dependencies) > 0 {
			entry["dependencies"] = reg.Dependencies
		}
		out.Append(luart.ToLua(L, entry))
	}
	L.Push(out)
	return 1
}

func (a *apiEnv) logAt(level slog.Level) glua.LGFunction {
	return func(L *glua.LState) int {
		msg := L.CheckString(1)
		var attrs []any
		if L.GetTop() >= 2 {
			if fields, ok := luart.ToGo(L.CheckTable(2)).(map[string]any); ok {
				for k, v := range fields {
					attrs = append(attrs, k, v)
				}
			}
		}
		a.logger.Log(context.Background(), level, msg, attrs...)
		return 0
	}
}

// eventPayload is the table shape handlers and history expose to Lua.
func eventPayload(e event.Event) map[string]any {
	return map[string]any{
		"id":       e.ID,
		"name":     e.Name.String(),
		"source":   e.Source,
		"priority": e.Priority.String(),
		"time":     e.Time.Unix(),
		"data":     e.Data,
	}
}

// dataMap coerces a converted Lua value into an event payload map.
func dataMap(v any) map[string]any {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return m
	default:
		return map[string]any{"value": v}
	}
}

func parsePriority(s string) (event.Priority, bool) {
	switch s {
	case "high":
		return event.PriorityHigh, true
	case "normal":
		return event.PriorityNormal, true
	case "low":
		return event.PriorityLow, true
	default:
		return 0, false
	}
}

// luaService adapts a Lua table of functions into a registry service.
// Method functions are captured at registration time; calls execute in
// the provider plugin's state regardless of which plugin is calling.
type luaService struct {
	owner *apiEnv
	fns   map[string]*glua.LFunction
}

func newLuaService(owner *apiEnv, table *glua.LTable) *luaService {
	// Runs inside an LGFunction, so the owner state lock is held.
	fns := make(map[string]*glua.LFunction)
	table.ForEach(func(k, v glua.LValue) {
		if fn, ok := v.(*glua.LFunction); ok {
			fns[k.String()] = fn
		}
	})
	return &luaService{owner: owner, fns: fns}
}

// Call implements service.Callable for Go-side consumers.
func (s *luaService) Call(method string, args ...any) ([]any, error) {
	return s.callCtx(context.Background(), method, args...)
}

func (s *luaService) callCtx(ctx context.Context, method string, args ...any) ([]any, error) {
	fn, ok := s.fns[method]
	if !ok {
		return nil, fmt.Errorf("service method %q not found", method)
	}
	return s.owner.state.CallWith(ctx, fn, args...)
}

// Start runs the service table's start function, if declared.
func (s *luaService) Start(ctx context.Context) error {
	return s.lifecycleHook(ctx, "start")
}

// Stop runs the service table's stop function, if declared.
func (s *luaService) Stop(ctx context.Context) error {
	return s.lifecycleHook(ctx, "stop")
}

func (s *luaService) lifecycleHook(ctx context.Context, name string) error {
	fn, ok := s.fns[name]
	if !ok {
		return nil
	}
	_, err := s.owner.state.CallWith(ctx, fn)
	return err
}

var (
	_ service.Callable = (*luaService)(nil)
	_ service.Service  = (*luaService)(nil)
)
