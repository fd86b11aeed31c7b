// Package main is the entry point for the wren chat bot.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/wrenbot/wren/internal/bot"
	"github.com/wrenbot/wren/internal/config"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return 1
	}
	if opts.pluginDir != "" {
		cfg.Plugins.Dir = opts.pluginDir
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// The operator typing at the terminal is trusted with plugin
	// management.
	cfg.Bot.Admins = append(cfg.Bot.Admins, consoleUser)

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bot.New(cfg, consoleSender(os.Stdout), bot.WithLogger(logger))
	if err := b.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start: %v\n", err)
		return 1
	}
	defer b.Stop(context.Background())

	return console(ctx, b)
}

const consoleUser = "console"

// console runs the built-in chat front end: every stdin line is a chat
// message from the operator, every outbound send goes to stdout.
func console(ctx context.Context, b *bot.Bot) int {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			b.HandleMessage(ctx, consoleUser, "#console", line)
		}
	}
}

// consoleSender renders outbound chat to the terminal.
func consoleSender(w *os.File) bot.Sender {
	return func(target, message string) error {
		_, err := fmt.Fprintf(w, "[%s] %s\n", target, message)
		return err
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Log.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

type options struct {
	configPath string
	pluginDir  string
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "wren.yaml", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "wren.yaml", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.pluginDir, "plugins", "", "Plugin directory (overrides configuration)")
	flag.StringVar(&opts.pluginDir, "p", "", "Plugin directory (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Wren - chat bot with hot-reloadable Lua plugins\n\n")
		fmt.Fprintf(os.Stderr, "Usage: wren [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  wren                        Run with ./wren.yaml and ./plugins\n")
		fmt.Fprintf(os.Stderr, "  wren -c /etc/wren.yaml      Run with a specific config file\n")
		fmt.Fprintf(os.Stderr, "  wren -p ./examples          Load plugins from another directory\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("Wren %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return opts
}
