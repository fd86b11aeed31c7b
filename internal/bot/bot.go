// Package bot assembles the chat host: the event bus, the service
// registry, the plugin manager and the hot-reload watcher, wired
// together from configuration. Inbound chat is republished on the bus;
// outbound chat goes through a pluggable Sender so the transport stays
// out of the runtime.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/wrenbot/wren/internal/config"
	"github.com/wrenbot/wren/internal/event"
	"github.com/wrenbot/wren/internal/plugin"
	"github.com/wrenbot/wren/internal/plugin/watcher"
	"github.com/wrenbot/wren/internal/service"
)

// HostVersion is the version advertised to plugins and checked against
// each plugin's min_host_version declaration.
const HostVersion = "1.0.0"

// Sender delivers one chat message to a target channel or user. The
// transport behind it (IRC connection, console, test recorder) is the
// caller's concern.
type Sender func(target, message string) error

// Bot is the host facade. It implements plugin.Host and owns the
// lifecycle of every shared structure plugins touch.
type Bot struct {
	cfg    config.Config
	send   Sender
	logger *slog.Logger

	bus      *event.Bus
	services *service.Registry
	manager  *plugin.Manager
	watcher  *watcher.Watcher
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the logger shared by the bot and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bot) {
		b.logger = logger
	}
}

// New builds a bot from configuration. Nothing starts until Start.
func New(cfg config.Config, send Sender, opts ...Option) *Bot {
	b := &Bot{
		cfg:    cfg,
		send:   send,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.bus = event.NewBus(
		event.WithHistoryCapacity(cfg.Events.HistoryCapacity),
		event.WithLogger(b.logger),
	)
	b.services = service.NewRegistry(service.WithLogger(b.logger))
	b.manager = plugin.NewManager(cfg.Plugins.Dir, plugin.Env{
		Host:     b,
		Bus:      b.bus,
		Services: b.services,
	}, plugin.WithManagerLogger(b.logger))

	if cfg.Plugins.HotReload {
		b.watcher = watcher.New(cfg.Plugins.Dir, plugin.SourceExt, b.manager,
			watcher.WithDebounce(cfg.Debounce()),
			watcher.WithLogger(b.logger))
	}

	b.logger = b.logger.With("component", "bot")
	return b
}

// Start loads and enables every plugin, starts registered services in
// dependency order, and begins watching for source changes.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("starting", "name", b.cfg.Bot.Name, "version", HostVersion)

	if err := b.manager.LoadAll(ctx); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	if err := b.services.StartAll(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	if b.watcher != nil {
		if err := b.watcher.Start(); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}
	return nil
}

// Stop shuts everything down in reverse start order: the watcher first
// so no reload races teardown, then services while their providing
// plugins are still live, then the plugins themselves. Shutdown errors
// are logged, never returned; finishing matters more here.
func (b *Bot) Stop(ctx context.Context) {
	if b.watcher != nil {
		b.watcher.Stop()
	}
	b.services.StopAll(ctx)
	b.manager.UnloadAll(ctx)
	b.logger.Info("stopped")
}

// Version implements plugin.Host.
func (b *Bot) Version() string { return HostVersion }

// Send implements plugin.Host: pure delivery through the configured
// Sender. Event announcements are the caller's job, so a send from
// inside a plugin handler never re-enters the bus behind its back.
func (b *Bot) Send(target, message string) error {
	return b.send(target, message)
}

// PluginConfig implements plugin.Host.
func (b *Bot) PluginConfig(name string) map[string]any {
	return b.cfg.Plugins.Configs[name]
}

// HandleMessage processes one inbound chat message. Admin commands are
// intercepted; everything else is republished on the bus as a
// chat.message event for plugins to react to.
func (b *Bot) HandleMessage(ctx context.Context, user, target, text string) {
	if b.handleCommand(ctx, user, target, text) {
		return
	}

	err := b.bus.PublishContext(ctx, event.Event{
		Name:   "chat.message",
		Source: "host",
		Data: map[string]any{
			"user":    user,
			"target":  target,
			"message": text,
		},
	})
	if err != nil {
		b.logger.Error("chat event rejected", "error", err)
	}
}

// Manager exposes the plugin manager for operator tooling.
func (b *Bot) Manager() *plugin.Manager { return b.manager }

// Bus exposes the event bus.
func (b *Bot) Bus() *event.Bus { return b.bus }

// Services exposes the service registry.
func (b *Bot) Services() *service.Registry { return b.services }

// reply sends an operator-facing response and announces it as a
// chat.sent event from the host.
func (b *Bot) reply(target, message string) {
	if err := b.send(target, message); err != nil {
		b.logger.Error("send failed", "target", target, "error", err)
		return
	}
	_ = b.bus.Publish(event.Event{
		Name:   "chat.sent",
		Source: "host",
		Data:   map[string]any{"target": target, "message": message},
	})
}

// isAdmin reports whether a user may run plugin control commands. An
// empty admin list means nobody can.
func (b *Bot) isAdmin(user string) bool {
	return slices.Contains(b.cfg.Bot.Admins, user)
}

// commandFields splits an admin command line into fields after the
// configured prefix, or nil when the line is not a command.
func (b *Bot) commandFields(text string) []string {
	prefix := b.cfg.Bot.CommandPrefix
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return nil
	}
	return strings.Fields(strings.TrimPrefix(text, prefix))
}
