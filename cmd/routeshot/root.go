package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/routeshot/internal/artifact"
	"github.com/dgnsrekt/routeshot/internal/browser"
	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/config"
	"github.com/dgnsrekt/routeshot/internal/controller"
	"github.com/dgnsrekt/routeshot/internal/mount"
	"github.com/dgnsrekt/routeshot/internal/session"
)

// commandContext carries the flags shared by every subcommand.
type commandContext struct {
	projectPath string
	logLevel    string
	quiet       bool
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}
	root := &cobra.Command{
		Use:           "routeshot",
		Short:         "Capture every route of a web app for client review",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&ctx.projectPath, "project", "p", "", "Project file (default $ROUTESHOT_PROJECT or routeshot.yaml)")
	root.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVarP(&ctx.quiet, "quiet", "q", false, "Only log to the log file")

	root.AddCommand(newDiscoverCommand(ctx))
	root.AddCommand(newCaptureCommand(ctx))
	root.AddCommand(newSessionCommand(ctx))
	root.AddCommand(newServeCommand(ctx))
	return root
}

// app is the wired core shared by the subcommands.
type app struct {
	cfg      *config.Config
	project  *config.Project
	sessions *session.Store
	service  *controller.Service
}

func (c *commandContext) load() (*config.Config, *config.Project, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if c.projectPath != "" {
		cfg.ProjectFile = c.projectPath
	}
	if c.logLevel != "" {
		cfg.LogLevel = strings.ToLower(c.logLevel)
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFile, c.quiet); err != nil {
		return nil, nil, fmt.Errorf("logger setup failed: %w", err)
	}
	project, err := config.LoadProject(cfg.ProjectFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, project, nil
}

func (c *commandContext) open(ctx context.Context) (*app, error) {
	cfg, project, err := c.load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, project)
}

// build wires storage, the capture pipeline and the session store, then
// restores persisted sessions.
func build(ctx context.Context, cfg *config.Config, project *config.Project) (*app, error) {
	fs, err := cfg.OpenStorage()
	if err != nil {
		return nil, err
	}
	arts, err := artifact.NewStore(fs, cfg.ImageCacheEntries)
	if err != nil {
		return nil, err
	}
	launcher, err := browser.NewLauncher(cfg.Browser())
	if err != nil {
		return nil, err
	}
	orch := &capture.Orchestrator{
		Launcher:     launcher,
		BaseURL:      project.BaseURL,
		Workers:      cfg.Workers,
		PageTimeout:  cfg.PageTimeout,
		CloseTimeout: cfg.CloseTimeout,
		SettleDelay:  cfg.SettleDelay,
	}
	sessions := session.NewStore()
	svc := controller.NewService(project, orch, arts, sessions, mount.Options{APIBase: cfg.PublicURL})
	if err := svc.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore sessions: %w", err)
	}

	slog.Debug("routeshot config loaded",
		"project", cfg.ProjectFile,
		"base_url", project.BaseURL,
		"scope", project.Scope,
		"storage", cfg.StorageBackend,
		"browser_driver", cfg.BrowserDriver,
		"workers", cfg.Workers,
	)
	return &app{cfg: cfg, project: project, sessions: sessions, service: svc}, nil
}

func setupLogger(level, filename string, quiet bool) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	var out io.Writer = logWriter
	if !quiet {
		out = io.MultiWriter(os.Stderr, logWriter)
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
