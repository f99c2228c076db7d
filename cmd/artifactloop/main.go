package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/components/tool"

	"github.com/mattjoyce/artifactloop/internal/api"
	"github.com/mattjoyce/artifactloop/internal/config"
	"github.com/mattjoyce/artifactloop/internal/deploy"
	"github.com/mattjoyce/artifactloop/internal/editor"
	"github.com/mattjoyce/artifactloop/internal/localtools"
	"github.com/mattjoyce/artifactloop/internal/runner"
	"github.com/mattjoyce/artifactloop/internal/sandbox"
	"github.com/mattjoyce/artifactloop/internal/session"
	"github.com/mattjoyce/artifactloop/internal/storage"
	"github.com/mattjoyce/artifactloop/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "chat":
		err = runChat(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "version":
		fmt.Printf("artifactloop %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: artifactloop <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  start     Start the artifactloop API service")
	fmt.Fprintln(os.Stderr, "  chat      Chat with a model that edits the sandbox")
	fmt.Fprintln(os.Stderr, "  watch     Watch a session's actions in a TUI")
	fmt.Fprintln(os.Stderr, "  version   Print version")
}

func newLogger(level string, w io.Writer, structured bool) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if structured {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// runtime is the wiring shared by start and chat.
type runtime struct {
	journal  *store.Journal
	sessions *session.Manager
	sandbox  *sandbox.Local
	close    func()
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	journal := store.NewJournal(db)
	if n, err := journal.Actions.RecoverInterrupted(ctx); err != nil {
		logger.Error("action recovery failed", "error", err)
	} else if n > 0 {
		logger.Warn("closed out actions interrupted by restart", "count", n)
	}

	sb, err := sandbox.NewLocal(cfg.Sandbox.Root)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sandbox: %w", err)
	}

	var deployClient *deploy.Client
	if cfg.Deploy.Enabled() {
		deployClient = deploy.NewClient(cfg.Deploy.BaseURL, cfg.Deploy.Token, logger)
	}
	tools := func(sessionID string, ed *editor.Editor) []tool.InvokableTool {
		observer := func(name, input, output, status string) {
			logger.Debug("tool call", "session_id", sessionID, "tool", name, "status", status, "output_bytes", len(output))
		}
		out := localtools.Build(ed, sb, cfg.Sandbox.Shell, cfg.Sandbox.ShellTimeout, observer)
		if deployClient != nil {
			out = append(out, deploy.NewTool(deployClient, sessionID, cfg.Deploy.PollInterval, cfg.Deploy.Timeout).WithObserver(observer))
		}
		return out
	}

	mgr := session.NewManager(session.Config{
		PartCacheSize:        cfg.Session.PartCacheSize,
		RetainMessages:       cfg.Session.RetainMessages,
		ContextSizeThreshold: cfg.Session.ContextSizeThreshold,
		Runner: runner.Config{
			QueueCapacity: cfg.Runner.QueueCapacity,
			Shell:         cfg.Sandbox.Shell,
			ShellTimeout:  cfg.Sandbox.ShellTimeout,
		},
	}, sb, tools, journal, logger)

	return &runtime{
		journal:  journal,
		sessions: mgr,
		sandbox:  sb,
		close: func() {
			mgr.Close()
			_ = db.Close()
		},
	}, nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Service.LogLevel, os.Stdout, true)
	slog.SetDefault(logger)
	logger.Info("starting artifactloop", "version", version, "config", *configPath, "sandbox", cfg.Sandbox.Root)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := api.New(api.Config{
		Listen:                  cfg.API.Listen,
		Token:                   cfg.API.Token,
		StreamPollInterval:      cfg.API.StreamPollInterval,
		StreamHeartbeatInterval: cfg.API.StreamHeartbeatInterval,
	}, rt.sessions, rt.journal, logger)

	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("artifactloop stopped")
	return nil
}
