package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/invoicesync/internal/config"
	"github.com/agentworkforce/invoicesync/internal/erpsync"
	"github.com/agentworkforce/invoicesync/internal/httpapi"
	"github.com/agentworkforce/invoicesync/internal/ledger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "invoicesync:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	long := "Mirror ERP purchase invoices into a local store and score their risk.\n\n" +
		"DATABASE_URL schemes: " + strings.Join(ledger.RegisteredSchemes(), ", ") +
		" (a bare path selects a JSON file store)."
	cmd := &cobra.Command{
		Use:           "invoicesync",
		Short:         "Mirror ERP purchase invoices and score their risk",
		Long:          long,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
	cmd.AddCommand(newServeCommand(), newSyncCommand(), newRecalculateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the background sync scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func newSyncCommand() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation cycle and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if loop {
				return a.runLoop(cmd.Context())
			}
			report := a.engine.RunCycle(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == erpsync.StatusError {
				return fmt.Errorf("sync cycle failed at step %s: %s", report.Step, report.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep running cycles on the configured interval until interrupted")
	return cmd
}

func newRecalculateCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Rescore the most recent invoices regardless of fingerprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			report := a.engine.Recalculate(cmd.Context(), limit)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == erpsync.StatusError {
				return errors.New(report.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, fmt.Sprintf("number of recent invoices to rescore (1-%d)", erpsync.MaxRecalculateLimit))
	return cmd
}

func loadApp(logOutput io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logOutput)
}

func runServe(cmd *cobra.Command) error {
	a, err := loadApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	server := httpapi.NewServerWithConfig(a.store, a.engine, httpapi.ServerConfig{
		JWTSecret:       a.cfg.HTTP.JWTSecret,
		RateLimitMax:    a.cfg.HTTP.RateLimitMax,
		RateLimitWindow: a.cfg.HTTP.RateLimitWindow,
		DashboardTTL:    a.cfg.Cache.DashboardTTL(),
		Cache:           a.cache,
		Feed:            a.feed,
		Logger:          a.logger,
	})
	httpServer := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.Sync.Enabled {
		scheduler := a.newScheduler()
		scheduler.Start(ctx)
		defer scheduler.Stop()
		a.watchSource(ctx, scheduler.Trigger)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("invoicesync listening", "addr", a.cfg.HTTP.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("invoicesync shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
