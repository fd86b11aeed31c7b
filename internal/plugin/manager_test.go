package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wrenbot/wren/internal/event"
	"github.com/wrenbot/wren/internal/service"
)

type fakeHost struct {
	mu   sync.Mutex
	sent []string
	cfg  map[string]map[string]any
}

func (h *fakeHost) Version() string { return "1.0.0" }

func (h *fakeHost) Send(target, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, target+": "+message)
	return nil
}

func (h *fakeHost) PluginConfig(name string) map[string]any { return h.cfg[name] }

func (h *fakeHost) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.sent))
	copy(out, h.sent)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *fakeHost, string) {
	t.Helper()
	host := &fakeHost{}
	env := Env{
		Host:     host,
		Bus:      event.NewBus(event.WithLogger(testLogger())),
		Services: service.NewRegistry(service.WithLogger(testLogger())),
	}
	dir := t.TempDir()
	m := NewManager(dir, env, WithManagerLogger(testLogger()))
	return m, host, dir
}

func writePlugin(t *testing.T, dir, file, body string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write plugin %s: %v", file, err)
	}
	return path
}

func requireState(t *testing.T, m *Manager, name string, want State) {
	t.Helper()
	rec, ok := m.Record(name)
	if !ok {
		t.Fatalf("plugin %q has no record", name)
	}
	if got := rec.State(); got != want {
		t.Fatalf("plugin %q state = %s, want %s (err: %v)", name, got, want, rec.Err())
	}
}

func TestLoadAllEnablesInDependencyOrder(t *testing.T) {
	m, _, dir := newTestManager(t)

	// File order (alphabetical) is the reverse of dependency order.
	writePlugin(t, dir, "alpha.lua", `
		return {
			name = "alpha",
			version = "1.0.0",
			dependencies = { "bravo" },
			setup = function() events.publish("ready.alpha") end,
		}
	`)
	writePlugin(t, dir, "bravo.lua", `
		return {
			name = "bravo",
			version = "1.0.0",
			setup = function() events.publish("ready.bravo") end,
		}
	`)

	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	requireState(t, m, "alpha", StateEnabled)
	requireState(t, m, "bravo", StateEnabled)

	hist := m.env.Bus.History(0, "ready.*")
	if len(hist) != 2 {
		t.Fatalf("history has %d events, want 2", len(hist))
	}
	// Most recent first: bravo's setup ran before alpha's.
	if hist[0].Name != "ready.alpha" || hist[1].Name != "ready.bravo" {
		t.Errorf("setup order = [%s %s], want bravo before alpha", hist[1].Name, hist[0].Name)
	}
}

func TestLoadAllIsolatesSetupFailure(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "a.lua", `
		return { name = "a", version = "1.0.0" }
	`)
	writePlugin(t, dir, "b.lua", `
		return {
			name = "b",
			version = "1.0.0",
			setup = function() error("b is broken") end,
		}
	`)
	writePlugin(t, dir, "c.lua", `
		return { name = "c", version = "1.0.0", dependencies = { "a" } }
	`)

	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	requireState(t, m, "a", StateEnabled)
	requireState(t, m, "b", StateFailed)
	requireState(t, m, "c", StateEnabled)

	rec, _ := m.Record("b")
	if !errors.Is(rec.Err(), ErrSetup) {
		t.Errorf("b error = %v, want SetupError", rec.Err())
	}
}

func TestLoadAllBlocksDependentsOfFailedPlugin(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "base.lua", `
		return {
			name = "base",
			version = "1.0.0",
			setup = function() error("no dice") end,
		}
	`)
	writePlugin(t, dir, "child.lua", `
		return { name = "child", version = "1.0.0", dependencies = { "base" } }
	`)

	m.LoadAll(context.Background())

	requireState(t, m, "base", StateFailed)
	requireState(t, m, "child", StateFailed)

	rec, _ := m.Record("child")
	var derr *DependencyError
	if !errors.As(rec.Err(), &derr) || derr.Dependency != "base" {
		t.Errorf("child error = %v, want DependencyError on base", rec.Err())
	}
}

func TestLoadAllMissingDependency(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "lonely.lua", `
		return { name = "lonely", version = "1.0.0", dependencies = { "ghost" } }
	`)
	writePlugin(t, dir, "fine.lua", `
		return { name = "fine", version = "1.0.0" }
	`)

	m.LoadAll(context.Background())

	requireState(t, m, "lonely", StateFailed)
	requireState(t, m, "fine", StateEnabled)
}

func TestLoadAllCircularDependency(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "x.lua", `
		return { name = "x", version = "1.0.0", dependencies = { "y" } }
	`)
	writePlugin(t, dir, "y.lua", `
		return { name = "y", version = "1.0.0", dependencies = { "x" } }
	`)
	writePlugin(t, dir, "z.lua", `
		return { name = "z", version = "1.0.0" }
	`)

	m.LoadAll(context.Background())

	requireState(t, m, "x", StateFailed)
	requireState(t, m, "y", StateFailed)
	requireState(t, m, "z", StateEnabled)
}

func TestLoadAllRejectsBadPluginFiles(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "noreturn.lua", `local x = 1`)
	writePlugin(t, dir, "tworeturns.lua", `return {}, {}`)
	writePlugin(t, dir, "notatable.lua", `return "nope"`)
	writePlugin(t, dir, "noname.lua", `return { version = "1.0.0" }`)
	writePlugin(t, dir, "syntax.lua", `return {`)
	writePlugin(t, dir, "good.lua", `return { name = "good", version = "1.0.0" }`)

	m.LoadAll(context.Background())

	requireState(t, m, "good", StateEnabled)
	for _, stem := range []string{"noreturn", "tworeturns", "notatable", "noname", "syntax"} {
		requireState(t, m, stem, StateFailed)
		rec, _ := m.Record(stem)
		if !errors.Is(rec.Err(), ErrLoad) {
			t.Errorf("%s error = %v, want LoadError", stem, rec.Err())
		}
	}
}

func TestLoadAllDuplicateName(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "first.lua", `return { name = "twin", version = "1.0.0" }`)
	writePlugin(t, dir, "second.lua", `return { name = "twin", version = "1.0.0" }`)

	m.LoadAll(context.Background())

	requireState(t, m, "twin", StateEnabled)
	requireState(t, m, "second", StateFailed)
	rec, _ := m.Record("second")
	if !errors.Is(rec.Err(), ErrDuplicateName) {
		t.Errorf("second error = %v, want ErrDuplicateName", rec.Err())
	}
}

func TestLoadAllSkipsUnderscoreFiles(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "_helpers.lua", `this is not even lua`)
	writePlugin(t, dir, "real.lua", `return { name = "real", version = "1.0.0" }`)

	m.LoadAll(context.Background())

	if len(m.Records()) != 1 {
		t.Fatalf("Records = %d entries, want 1", len(m.Records()))
	}
	requireState(t, m, "real", StateEnabled)
}

func TestMinHostVersionGate(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "future.lua", `
		return { name = "future", version = "1.0.0", min_host_version = "9.0.0" }
	`)
	writePlugin(t, dir, "present.lua", `
		return { name = "present", version = "1.0.0", min_host_version = "1.0.0" }
	`)

	m.LoadAll(context.Background())

	requireState(t, m, "future", StateFailed)
	requireState(t, m, "present", StateEnabled)
}

func TestEnableDisableTransitions(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	writePlugin(t, dir, "p.lua", `return { name = "p", version = "1.0.0" }`)
	m.LoadAll(ctx)
	requireState(t, m, "p", StateEnabled)

	// Enabling an enabled plugin is a typed error, not a no-op.
	err := m.Enable(ctx, "p")
	var lerr *LifecycleError
	if !errors.As(err, &lerr) || lerr.From != StateEnabled {
		t.Fatalf("Enable(enabled) = %v, want LifecycleError from enabled", err)
	}

	if err := m.Disable(ctx, "p"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	requireState(t, m, "p", StateDisabled)

	if err := m.Disable(ctx, "p"); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("Disable(disabled) = %v, want ErrLifecycle", err)
	}

	if err := m.Enable(ctx, "p"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	requireState(t, m, "p", StateEnabled)

	if err := m.Enable(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Enable(missing) = %v, want ErrNotFound", err)
	}
}

func TestReloadPreservesNameDiscardsInstance(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	path := writePlugin(t, dir, "greeter.lua", `return { name = "greeter", version = "1.0.0" }`)
	m.LoadAll(ctx)

	before := m.Get("greeter")
	if before == nil {
		t.Fatal("Get returned nil before reload")
	}

	writePlugin(t, dir, "greeter.lua", `return { name = "greeter", version = "1.1.0" }`)
	if err := m.Reload(ctx, "greeter"); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	after := m.Get("greeter")
	if after == nil {
		t.Fatal("Get returned nil after reload")
	}
	if before == after {
		t.Error("reload returned the same instance")
	}
	if after.Meta().Version != "1.1.0" {
		t.Errorf("reloaded version = %s, want 1.1.0", after.Meta().Version)
	}

	count := 0
	for _, rec := range m.Records() {
		if rec.Name() == "greeter" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("records named greeter = %d, want 1", count)
	}
	if name, ok := m.NameForPath(path); !ok || name != "greeter" {
		t.Errorf("NameForPath = %q, %v", name, ok)
	}
}

func TestReloadFailureLeavesFailedNoRollback(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	path := writePlugin(t, dir, "fragile.lua", `return { name = "fragile", version = "1.0.0" }`)
	m.LoadAll(ctx)
	requireState(t, m, "fragile", StateEnabled)

	writePlugin(t, dir, "fragile.lua", `return {`)
	if err := m.Reload(ctx, "fragile"); err == nil {
		t.Fatal("Reload of a broken file succeeded")
	}

	requireState(t, m, "fragile", StateFailed)
	if m.Get("fragile") != nil {
		t.Error("Get returned an instance after failed reload")
	}
	// The path index survives so a fixed file can be reloaded again.
	if _, ok := m.NameForPath(path); !ok {
		t.Fatal("path index lost after failed reload")
	}

	writePlugin(t, dir, "fragile.lua", `return { name = "fragile", version = "2.0.0" }`)
	if err := m.Reload(ctx, "fragile"); err != nil {
		t.Fatalf("Reload after fix: %v", err)
	}
	requireState(t, m, "fragile", StateEnabled)
}

func TestTeardownReleasesSubscriptions(t *testing.T) {
	m, host, dir := newTestManager(t)
	ctx := context.Background()

	writePlugin(t, dir, "listener.lua", `
		return {
			name = "listener",
			version = "1.0.0",
			setup = function()
				events.subscribe("game.*", function(e)
					bot.send("#general", "saw " .. e.name)
				end)
			end,
		}
	`)
	m.LoadAll(ctx)
	requireState(t, m, "listener", StateEnabled)

	m.env.Bus.Publish(event.Event{Name: "game.start"})
	if got := host.messages(); len(got) != 1 || got[0] != "#general: saw game.start" {
		t.Fatalf("messages = %v", got)
	}

	m.UnloadAll(ctx)
	requireState(t, m, "listener", StateTornDown)

	m.env.Bus.Publish(event.Event{Name: "game.start"})
	if got := host.messages(); len(got) != 1 {
		t.Errorf("handler fired after teardown: %v", got)
	}
	if n := m.env.Bus.SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount = %d after UnloadAll, want 0", n)
	}
}

func TestCrossPluginServiceCall(t *testing.T) {
	m, host, dir := newTestManager(t)

	writePlugin(t, dir, "provider.lua", `
		return {
			name = "provider",
			version = "1.0.0",
			setup = function()
				services.register("math", "1.0.0", {
					double = function(n) return n * 2 end,
				})
			end,
		}
	`)
	writePlugin(t, dir, "consumer.lua", `
		return {
			name = "consumer",
			version = "1.0.0",
			dependencies = { "provider" },
			setup = function()
				local v = services.call("math", "double", 21)
				bot.send("#general", "answer=" .. v)
			end,
		}
	`)

	m.LoadAll(context.Background())

	requireState(t, m, "provider", StateEnabled)
	requireState(t, m, "consumer", StateEnabled)
	got := host.messages()
	if len(got) != 1 || got[0] != "#general: answer=42" {
		t.Errorf("messages = %v, want [#general: answer=42]", got)
	}
}

func TestServiceReleasedOnFailure(t *testing.T) {
	m, _, dir := newTestManager(t)

	writePlugin(t, dir, "halfway.lua", `
		return {
			name = "halfway",
			version = "1.0.0",
			setup = function()
				services.register("orphan", "1.0.0", {})
				error("dies after registering")
			end,
		}
	`)

	m.LoadAll(context.Background())

	requireState(t, m, "halfway", StateFailed)
	if m.env.Services.Has("orphan") {
		t.Error("service survived its provider's failure")
	}
}

func TestPluginConfigReachesPlugin(t *testing.T) {
	m, host, dir := newTestManager(t)
	host.cfg = map[string]map[string]any{
		"greeter": {"greeting": "howdy"},
	}

	writePlugin(t, dir, "greeter.lua", `
		return {
			name = "greeter",
			version = "1.0.0",
			setup = function()
				bot.send("#general", bot.config().greeting)
			end,
		}
	`)

	m.LoadAll(context.Background())

	got := host.messages()
	if len(got) != 1 || got[0] != "#general: howdy" {
		t.Errorf("messages = %v, want [#general: howdy]", got)
	}
}

func TestReentrantPublishFromHandler(t *testing.T) {
	m, host, dir := newTestManager(t)

	// A handler that publishes back into the bus; the nested event is
	// handled by the same plugin without deadlocking.
	writePlugin(t, dir, "chain.lua", `
		return {
			name = "chain",
			version = "1.0.0",
			setup = function()
				events.subscribe("step.one", function(e)
					events.publish("step.two")
				end)
				events.subscribe("step.two", function(e)
					bot.send("#general", "chained")
				end)
			end,
		}
	`)

	m.LoadAll(context.Background())
	m.env.Bus.Publish(event.Event{Name: "step.one"})

	got := host.messages()
	if len(got) != 1 || got[0] != "#general: chained" {
		t.Errorf("messages = %v, want [#general: chained]", got)
	}
}

func TestPublishChainAcrossPluginsDoesNotDeadlock(t *testing.T) {
	m, host, dir := newTestManager(t)

	// origin publishes from inside its own handler; relay's handler sends,
	// and the resulting chat.sent lands back in origin while both
	// interpreters are still on the call stack.
	writePlugin(t, dir, "origin.lua", `
		return {
			name = "origin",
			version = "1.0.0",
			setup = function()
				events.subscribe("chat.sent", function(e)
					events.publish("origin.saw_send")
				end)
				events.subscribe("go", function(e)
					events.publish("ping")
				end)
			end,
		}
	`)
	writePlugin(t, dir, "relay.lua", `
		return {
			name = "relay",
			version = "1.0.0",
			setup = function()
				events.subscribe("ping", function(e)
					bot.send("#relay", "pong")
				end)
			end,
		}
	`)

	m.LoadAll(context.Background())
	m.env.Bus.Publish(event.Event{Name: "go"})

	got := host.messages()
	if len(got) != 1 || got[0] != "#relay: pong" {
		t.Errorf("messages = %v, want [#relay: pong]", got)
	}
	if hist := m.env.Bus.History(0, "origin.saw_send"); len(hist) != 1 {
		t.Errorf("origin.saw_send history = %d events, want 1", len(hist))
	}
}

func TestLoadFileAfterStartup(t *testing.T) {
	m, host, dir := newTestManager(t)

	writePlugin(t, dir, "base.lua", `return { name = "base", version = "1.0.0" }`)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	late := writePlugin(t, dir, "late.lua", `
		return {
			name = "late",
			version = "1.0.0",
			dependencies = { "base" },
			setup = function()
				bot.send("#general", "late arrival")
			end,
		}
	`)
	if err := m.LoadFile(context.Background(), late); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	requireState(t, m, "late", StateEnabled)

	if got := host.messages(); len(got) != 1 || got[0] != "#general: late arrival" {
		t.Errorf("messages = %v, want [#general: late arrival]", got)
	}

	// A late plugin with an unmet dependency is registered as failed.
	orphan := writePlugin(t, dir, "orphan.lua", `
		return {
			name = "orphan",
			version = "1.0.0",
			dependencies = { "ghost" },
		}
	`)
	if err := m.LoadFile(context.Background(), orphan); err == nil {
		t.Fatal("LoadFile enabled a plugin with a missing dependency")
	}
	requireState(t, m, "orphan", StateFailed)
}

func TestServicesListIncludesDependencies(t *testing.T) {
	m, host, dir := newTestManager(t)

	writePlugin(t, dir, "scores.lua", `
		return {
			name = "scores",
			version = "1.0.0",
			setup = function()
				services.register("storage", "1.0.0", { get = function() end })
				services.register("scoreboard", "2.0.0",
					{ top = function() return {} end },
					{ storage = "1.0.0" })
			end,
		}
	`)
	writePlugin(t, dir, "ui.lua", `
		return {
			name = "ui",
			version = "1.0.0",
			setup = function()
				for _, svc in ipairs(services.list()) do
					if svc.name == "scoreboard" then
						bot.send("#audit", svc.name .. " needs storage " .. svc.dependencies.storage)
					end
				end
			end,
		}
	`)

	m.LoadAll(context.Background())

	got := host.messages()
	if len(got) != 1 || got[0] != "#audit: scoreboard needs storage 1.0.0" {
		t.Errorf("messages = %v, want scoreboard dependency listed", got)
	}
}
