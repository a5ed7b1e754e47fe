package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/sim"
)

func newSimulateCmd() *cobra.Command {
	var (
		scenario string
		ticks    int
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scenario headless in accelerated time and print one JSON snapshot per tick",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ticks <= 0 {
				return fmt.Errorf("--ticks must be positive, got %d", ticks)
			}
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			cfg.Sim.Mode = "accelerated"
			cfg.Sim.MaxTicks = ticks
			cfg.Sim.ObserverBuffer = ticks + 1

			log := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := buildApp(ctx, cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.close()

			sc, net, err := loadScenario(scenario)
			if err != nil {
				return err
			}
			run, err := a.manager.Create(ctx, sim.CreateRequest{Name: sc.Name, Network: net, Trains: sc.Trains})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			var mu sync.Mutex
			var writeErr error
			run.Subscribe(ctx, sim.ObserverFunc(func(_ context.Context, s *sim.Snapshot) error {
				if s.Tick == 0 {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				if err := enc.Encode(s); err != nil {
					writeErr = err
					return err
				}
				return nil
			}))

			if err := run.Start(ctx); err != nil {
				return err
			}
			<-run.Done()
			if err := a.manager.Shutdown(ctx); err != nil {
				return err
			}

			final := run.Snapshot()
			log.Info(ctx, "simulation finished",
				logging.String("run_id", run.ID()),
				logging.Int("ticks", int(final.Tick)),
				logging.Int("open_conflicts", len(final.Conflicts)),
			)
			if final.Error != "" {
				return fmt.Errorf("run failed: %s", final.Error)
			}
			mu.Lock()
			defer mu.Unlock()
			return writeErr
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "scenario JSON file")
	cmd.Flags().IntVar(&ticks, "ticks", 60, "number of ticks to simulate")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}
