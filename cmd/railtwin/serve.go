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

	"github.com/signalsfoundry/railtwin/internal/api"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/observability"
	"github.com/signalsfoundry/railtwin/internal/sim"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		scenario  string
		autostart bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API, snapshot stream and /metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logging.New(cfg.Logging)
			shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
			if err != nil {
				return err
			}
			defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

			a, err := buildApp(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer a.close()

			if scenario != "" {
				sc, net, err := loadScenario(scenario)
				if err != nil {
					return err
				}
				run, err := a.manager.Create(ctx, sim.CreateRequest{Name: sc.Name, Network: net, Trains: sc.Trains})
				if err != nil {
					return err
				}
				if autostart {
					if err := run.Start(ctx); err != nil {
						return err
					}
				}
				log.Info(ctx, "scenario preloaded",
					logging.String("run_id", run.ID()),
					logging.String("scenario", sc.Name),
					logging.Bool("started", autostart),
				)
			}

			srv := &http.Server{
				Addr: cfg.HTTP.Addr,
				Handler: api.NewServer(a.manager,
					api.WithLogger(log),
					api.WithFeedback(a.feedback),
					api.WithMetricsHandler(a.metrics.Handler()),
					api.WithWriteTimeout(cfg.HTTP.WriteTimeout),
					api.WithServiceName(cfg.Tracing.ServiceName),
				).Handler(),
				ErrorLog:          slog.NewLogLogger(logging.Slog(log).Handler(), slog.LevelWarn),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info(gctx, "railtwin API listening", logging.String("addr", cfg.HTTP.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info(context.Background(), "shutting down railtwin")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				return errors.Join(
					srv.Shutdown(shutdownCtx),
					a.manager.Shutdown(shutdownCtx),
				)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().StringVar(&scenario, "scenario", "", "scenario JSON to create a run from at startup")
	cmd.Flags().BoolVar(&autostart, "autostart", false, "start the preloaded scenario immediately")
	return cmd
}
