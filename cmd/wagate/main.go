// Wagate is a multi-tenant WhatsApp gateway.
//
// It manages QR-paired sessions, dispatches inbound messages through a
// tiered auto-reply engine (rules, shipping costs, AI), executes
// broadcast campaigns under an adaptive rate limiter, scrapes contact
// and group directories, and exposes everything over an HTTP/WebSocket
// API. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	wagate serve             Start the gateway
//	wagate init [dir]        Initialize a working directory with defaults
//	wagate version           Print version and build information
//	wagate -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/wagate/internal/ai"
	"github.com/nugget/wagate/internal/api"
	"github.com/nugget/wagate/internal/autoreply"
	"github.com/nugget/wagate/internal/broadcast"
	"github.com/nugget/wagate/internal/buildinfo"
	"github.com/nugget/wagate/internal/config"
	"github.com/nugget/wagate/internal/events"
	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/inbound"
	"github.com/nugget/wagate/internal/maintenance"
	"github.com/nugget/wagate/internal/mqttsink"
	"github.com/nugget/wagate/internal/ratelimit"
	"github.com/nugget/wagate/internal/scraper"
	"github.com/nugget/wagate/internal/session"
	"github.com/nugget/wagate/internal/shipping"
	"github.com/nugget/wagate/internal/store"
	"github.com/nugget/wagate/internal/transport/bridge"
	"github.com/nugget/wagate/internal/webhook"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the wagate command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the
//     program name.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error and
// exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call
	// run() concurrently from tests. Our argument surface is small
	// enough that manual parsing is clearer than bringing in a CLI
	// framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// wagate is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Wagate - WhatsApp Gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wagate [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the gateway")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/wagate/config.yaml, /etc/wagate/config.yaml")
	return nil
}

// runServe handles the "wagate serve" subcommand. It is the primary
// operating mode: loads config, opens the database, wires the session
// manager, dispatcher, reply engine, broadcast executor, scraper, and
// event sinks together, resumes active sessions, starts the API
// server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Maintenance jobs stop, MQTT publishes offline and disconnects
//  4. Session transports close and the database closes via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting wagate",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner and config errors.
	{
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"database", cfg.Database.Path,
	)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx handed to every component
	// below.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Persistence gateway ---
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", cfg.Database.Path)

	if err := os.MkdirAll(cfg.Sessions.StoragePath, 0o755); err != nil {
		return fmt.Errorf("create session storage %s: %w", cfg.Sessions.StoragePath, err)
	}

	clock := gateway.SystemClock{}
	rng := gateway.NewLockedRand()

	// --- Live event hub ---
	hub := events.New(logger)

	// --- Session manager ---
	// Each session runs one bridge subprocess; the manager owns pairing,
	// reconnection backoff, and credential lifecycle.
	dialer := bridge.NewDialer(cfg.Transport.Command, cfg.Transport.Args, logger)
	mgr := session.NewManager(dialer, st, hub, clock, session.Config{
		StoragePath:    cfg.Sessions.StoragePath,
		QRTTL:          cfg.Sessions.QRTTL(),
		ReconnectBase:  time.Duration(cfg.Sessions.ReconnectBaseSeconds) * time.Second,
		ReconnectMax:   time.Duration(cfg.Sessions.ReconnectMaxSeconds) * time.Second,
		MaxAttempts:    cfg.Sessions.MaxReconnectAttempts,
		Cooloff:        time.Duration(cfg.Sessions.CooloffSeconds) * time.Second,
		ConnectTimeout: time.Duration(cfg.Sessions.ConnectTimeoutSeconds) * time.Second,
	}, logger)

	// --- Rate limiter ---
	limiter := ratelimit.New(st, cfg.RateLimit, clock, rng)

	// --- Reply collaborators ---
	// Both tiers are optional; the engine skips a tier whose client is
	// absent and falls through to the next.
	var completer autoreply.Completer
	if cfg.AI.BaseURL != "" {
		completer = ai.New(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model, logger)
		logger.Info("AI reply tier enabled", "model", cfg.AI.Model)
	} else {
		logger.Info("AI reply tier disabled (no base_url)")
	}
	var rates autoreply.RateSource
	if cfg.Shipping.BaseURL != "" {
		rates = shipping.New(cfg.Shipping.BaseURL, cfg.Shipping.APIKey, logger)
		logger.Info("shipping reply tier enabled")
	} else {
		logger.Info("shipping reply tier disabled (no base_url)")
	}

	// --- Auto-reply engine and inbound dispatcher ---
	replies := autoreply.New(st, mgr, limiter, completer, rates, hub, clock, rng, logger)
	dispatcher := inbound.New(st, mgr, hub, clock, rng, replies, logger)
	mgr.OnMessage(dispatcher.Handle)

	// --- Broadcast executor and scraper ---
	broadcasts := broadcast.NewService(st, mgr, limiter, hub, clock, cfg.Broadcast, logger)
	scr := scraper.New(st, mgr, clock, rng, cfg.Scraper, logger)

	// --- Webhook notifier ---
	// Mirrors hub events to each session's configured webhook URL.
	notifier := webhook.New(st, logger)
	notifier.Attach(ctx, hub)

	// --- MQTT sink ---
	var sink *mqttsink.Sink
	if cfg.MQTT.Enabled {
		sink = mqttsink.New(cfg.MQTT, logger)
		sink.Attach(hub)
		if err := sink.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt sink: %w", err)
		}
		logger.Info("mqtt sink enabled", "broker", cfg.MQTT.Broker)
	} else {
		logger.Info("mqtt sink disabled (not configured)")
	}

	// --- Maintenance jobs ---
	jobs := maintenance.New(st, broadcasts, clock, logger)
	if err := jobs.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}

	// --- Session resume ---
	// Sessions that were active at last shutdown reconnect with their
	// stored credentials. Pairing-expired ones surface a fresh QR.
	if resumed, err := resumeSessions(ctx, st, mgr, logger); err != nil {
		logger.Error("session resume failed", "error", err)
	} else if resumed > 0 {
		logger.Info("sessions resumed", "count", resumed)
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Store:      st,
		Sessions:   mgr,
		Replies:    replies,
		Broadcasts: broadcasts,
		Scraper:    scr,
		Limiter:    limiter,
		Hub:        hub,
		Clock:      clock,
	}, cfg.CORSOrigins, logger)

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = server.Shutdown(shutdownCtx)
		jobs.Stop()

		if sink != nil {
			if err := sink.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		mgr.Shutdown()
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	notifier.Wait()
	logger.Info("wagate stopped")
	return nil
}

// resumeSessions reconnects every session that was active at last
// shutdown. Failures are logged per session and do not block boot.
func resumeSessions(ctx context.Context, st *store.Store, mgr *session.Manager, logger *slog.Logger) (int, error) {
	sessions, err := st.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, sess := range sessions {
		if err := mgr.Create(ctx, sess.SessionID); err != nil {
			logger.Warn("session resume failed",
				"session_id", sess.SessionID,
				"user_id", sess.UserID,
				"error", err,
			)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
