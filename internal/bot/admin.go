package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/wrenbot/wren/internal/plugin"
)

// handleCommand intercepts the plugin control surface. It returns true
// when the message was a plugins command, whether or not it succeeded,
// so command traffic never reaches the bus as chat.
func (b *Bot) handleCommand(ctx context.Context, user, target, text string) bool {
	fields := b.commandFields(text)
	if len(fields) == 0 || fields[0] != "plugins" {
		return false
	}

	if !b.isAdmin(user) {
		b.logger.Warn("plugin command from non-admin", "user", user)
		b.reply(target, "you are not allowed to manage plugins")
		return true
	}

	sub := "list"
	if len(fields) >= 2 {
		sub = fields[1]
	}

	switch sub {
	case "list":
		b.reply(target, b.listPlugins())
	case "info", "enable", "disable", "reload":
		if len(fields) < 3 {
			b.reply(target, fmt.Sprintf("usage: %splugins %s <name>", b.cfg.Bot.CommandPrefix, sub))
			return true
		}
		b.runPluginCommand(ctx, target, sub, fields[2])
	default:
		b.reply(target, fmt.Sprintf("unknown subcommand %q (list, info, enable, disable, reload)", sub))
	}
	return true
}

func (b *Bot) runPluginCommand(ctx context.Context, target, sub, name string) {
	var err error
	switch sub {
	case "info":
		b.reply(target, b.pluginInfo(name))
		return
	case "enable":
		err = b.manager.Enable(ctx, name)
	case "disable":
		err = b.manager.Disable(ctx, name)
	case "reload":
		err = b.manager.Reload(ctx, name)
	}
	if err != nil {
		b.reply(target, fmt.Sprintf("%s %s: %v", sub, name, err))
		return
	}
	b.reply(target, fmt.Sprintf("%s %s: ok", sub, name))
}

// listPlugins renders one line per plugin, failed ones included, so an
// operator sees what broke without shelling into logs.
func (b *Bot) listPlugins() string {
	records := b.manager.Records()
	if len(records) == 0 {
		return "no plugins loaded"
	}

	lines := make([]string, 0, len(records))
	for _, rec := range records {
		line := rec.Name()
		if v := rec.Meta().Version; v != "" {
			line += " " + v
		}
		line += fmt.Sprintf(" [%s]", rec.State())
		if rec.State() == plugin.StateFailed && rec.Err() != nil {
			line += ": " + rec.Err().Error()
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) pluginInfo(name string) string {
	rec, ok := b.manager.Record(name)
	if !ok {
		return fmt.Sprintf("no plugin named %q", name)
	}

	meta := rec.Meta()
	display := meta.DisplayName
	if display == "" {
		display = rec.Name()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s [%s]", display, meta.Version, rec.State())
	if meta.Description != "" {
		fmt.Fprintf(&sb, "\n%s", meta.Description)
	}
	if meta.Author != "" {
		fmt.Fprintf(&sb, "\nauthor: %s", meta.Author)
	}
	if len(meta.Dependencies) > 0 {
		fmt.Fprintf(&sb, "\ndepends on: %s", strings.Join(meta.Dependencies, ", "))
	}
	fmt.Fprintf(&sb, "\nsource: %s", rec.Path())
	if err := rec.Err(); err != nil {
		fmt.Fprintf(&sb, "\nerror: %v", err)
	}
	return sb.String()
}
