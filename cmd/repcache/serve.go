package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/repcache/internal/api"
	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/services"
	"github.com/j-veylop/repcache/internal/version"
)

var serveFlags struct {
	listenAddress string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the enrichment API, the admin API, /health and /metrics.

Scheduled jobs run in the same process: expired entries are swept on
SWEEP_SCHEDULE and the watchlist is refreshed on REFRESH_SCHEDULE.

Examples:
  # Listen on HTTP_ADDR
  repcache serve

  # Override the listen address
  repcache serve --listen 127.0.0.1:9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override HTTP_ADDR")
}

func runServe(cmd *cobra.Command, args []string) error {
	mgr, cfg, err := loadManager()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			logger.Warn("error closing services", "error", closeErr)
		}
	}()

	addr := cfg.HTTPAddr
	if serveFlags.listenAddress != "" {
		addr = serveFlags.listenAddress
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)
	go logEvents(ctx, events, logger.Component("events"))

	mgr.Start(ctx)
	if next := mgr.NextRun(services.JobSweep); next != nil {
		logger.Info("sweep scheduled", "next", next.Format(time.RFC3339))
	}
	if next := mgr.NextRun(services.JobRefresh); next != nil {
		logger.Info("watchlist refresh scheduled", "next", next.Format(time.RFC3339))
	}

	srv := api.New(mgr, mgr.Registry(), api.Config{Addr: addr, AdminToken: cfg.AdminToken})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Listen()
	}()

	fmt.Fprintf(os.Stderr, "repcache %s listening on %s\n", version.GetVersion(), addr)

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// logEvents writes manager events to the log until ctx ends or the channel
// is closed.
func logEvents(ctx context.Context, events <-chan services.ServiceEvent, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event services.ServiceEvent) {
	switch e := event.(type) {
	case services.QuotaEvent:
		log.Info("quota event",
			"type", e.Type.String(),
			"remaining", e.Window.Remaining(),
			"allowed", e.Window.CallsAllowed,
			"resets", e.Window.WindowEnd.Format(time.RFC3339),
			"drift", e.Drift,
		)
	case services.WatchlistChangedEvent:
		log.Info("watchlist loaded", "subjects", e.Subjects)
	case services.RefreshCompletedEvent:
		log.Info("watchlist refresh completed",
			"refreshed", e.Report.Refreshed,
			"degraded", e.Report.Degraded,
			"failed", e.Report.Failed,
			"stopped", e.Report.Stopped,
		)
	case services.ErrorEvent:
		log.Error("service error", "service", e.Service, "error", e.Error)
	}
}
