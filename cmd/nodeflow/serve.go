package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/mcp"
	"github.com/rendis/nodeflow/pkg/schema"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio",
		Long: `Serve the nodeflow MCP tools over stdin/stdout. Stored workflows with a
schedule are run by the cron scheduler, progress events are persisted,
and /metrics is exposed when a metrics address is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(commandContext(cmd), root.cfg, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run scheduled workflows")
	return cmd
}

func serve(parent context.Context, cfg Config, withScheduler bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sched := scheduler.New(a.store, a.engine, a.logger)
	srv := mcp.NewNodeflowServer(mcp.ServerDeps{
		Executor:  a.engine,
		Store:     a.store,
		Scheduler: sched,
		Hub:       a.hub,
		Logger:    a.logger,
		Version:   version,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Closing stdin ends the server and everything else with it.
		defer cancel()
		err := srv.Serve(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.engine.Recorder().Run(gctx)
	})
	g.Go(func() error {
		return persistEvents(gctx, a.hub, store.NewEventLog(a.store), a.logger)
	})
	if withScheduler {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, a.metrics.Handler(), a.logger)
		})
	}

	a.logger.Info("nodeflow serving on stdio",
		slog.String("version", version),
		slog.Bool("scheduler", withScheduler),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)
	return g.Wait()
}

// persistEvents records every hub event in the event log until ctx ends.
func persistEvents(ctx context.Context, hub streaming.EventHub, el *store.EventLog, logger *slog.Logger) error {
	ch, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()
	el.Consume(ctx, ch, func(ev schema.Event, err error) {
		logger.Warn("event not persisted",
			slog.String(logging.ExecutionIDKey, ev.ExecutionID),
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
	})
	return nil
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	logger.Info("metrics listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
