package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/routeshot/internal/api"
	"github.com/dgnsrekt/routeshot/internal/events"
	"github.com/dgnsrekt/routeshot/internal/journal"
	"github.com/dgnsrekt/routeshot/internal/netutil"
	"github.com/dgnsrekt/routeshot/internal/notify"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the review API and session event feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, project, err := ctx.load()
			if err != nil {
				return err
			}
			ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
			if err != nil {
				slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
				return err
			}
			bindAddr := ln.Addr().String()
			if bindAddr != cfg.BindAddr && cfg.PublicURL == "http://"+cfg.BindAddr {
				cfg.PublicURL = "http://" + bindAddr
			}

			a, err := build(runCtx, cfg, project)
			if err != nil {
				_ = ln.Close()
				return err
			}

			broker := events.NewBroker()
			a.sessions.Observe(broker)

			jw := journal.NewWriter(cfg.JournalDir, cfg.JournalBuffer, cfg.JournalMaxSizeMB)
			defer func() {
				if err := jw.Close(); err != nil {
					slog.Warn("journal close failed", "error", err)
				}
			}()
			a.sessions.Observe(jw)

			var notifier *notify.Notifier
			if cfg.NotifyURL != "" {
				notifier = &notify.Notifier{Endpoint: cfg.NotifyURL, ReviewURL: cfg.PublicURL}
				a.sessions.Observe(notifier)
				defer notifier.Wait()
			}

			srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(a.service, broker), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				slog.Info("routeshot listening",
					"addr", bindAddr,
					"docs", "http://"+bindAddr+"/docs",
					"project", cfg.ProjectFile,
					"base_url", a.project.BaseURL,
					"journal_dir", cfg.JournalDir,
					"notify", cfg.NotifyURL != "",
				)
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					slog.Error("routeshot server failed", "error", err)
					return err
				}
				return nil
			case <-runCtx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("routeshot shutdown failed", "error", err)
				return err
			}
			slog.Info("routeshot stopped")
			return nil
		},
	}
}
