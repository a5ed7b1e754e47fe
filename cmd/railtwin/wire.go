package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/railtwin/internal/config"
	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/encoder"
	"github.com/signalsfoundry/railtwin/internal/feedback"
	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/observability"
	"github.com/signalsfoundry/railtwin/internal/optimizer"
	"github.com/signalsfoundry/railtwin/internal/policy"
	"github.com/signalsfoundry/railtwin/internal/predictor"
	"github.com/signalsfoundry/railtwin/internal/sim"
	"github.com/signalsfoundry/railtwin/model"
)

// app is the wired set of long-lived components.
type app struct {
	cfg      config.Config
	log      logging.Logger
	metrics  *observability.SimCollector
	feedback *feedback.Loop
	manager  *sim.Manager
	closers  []func() error
}

// buildApp constructs every component from cfg. Strategy selection
// happens here once: a misconfigured learned predictor or unknown policy
// fails startup instead of degrading mid-run.
func buildApp(ctx context.Context, cfg config.Config, log logging.Logger, reg prometheus.Registerer) (*app, error) {
	metrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a := &app{cfg: cfg, log: log, metrics: metrics}

	opt := optimizer.New(cfg.Optimizer,
		optimizer.WithLogger(log),
		optimizer.WithSolveRecorder(metrics),
	)

	pred, err := buildPredictor(cfg.Predictor, log, metrics)
	if err != nil {
		return nil, err
	}

	pol, err := policy.New(cfg.Policy, opt.Config().MinHeadwaySeconds)
	if err != nil {
		return nil, fmt.Errorf("secondary policy: %w", err)
	}

	trust, err := fusion.NewTrust(cfg.Fusion.Weights, cfg.Fusion.TrustPolicy())
	if err != nil {
		return nil, fmt.Errorf("fusion weights: %w", err)
	}
	engine := fusion.NewEngine(pol, trust, opt.Config(),
		fusion.WithLogger(log),
		fusion.WithPolicyFailureRecorder(metrics),
	)

	loop, err := a.buildFeedback(ctx, trust)
	if err != nil {
		a.close()
		return nil, err
	}
	a.feedback = loop

	a.manager = sim.NewManager(cfg.Sim, sim.Deps{
		Detector:  conflict.NewDetector(cfg.Detector),
		Encoder:   encoder.New(opt.Config().PriorityCeiling),
		Predictor: pred,
		Optimizer: opt,
		Fusion:    engine,
		Feedback:  loop,
		Metrics:   metrics,
		Logger:    log,
	})

	log.Info(ctx, "railtwin components ready",
		logging.String("predictor", pred.Name()),
		logging.String("policy", policyName(pol)),
		logging.Int("min_headway_seconds", opt.Config().MinHeadwaySeconds),
		logging.Duration("solve_budget", opt.Config().SolveBudget),
	)
	return a, nil
}

func buildPredictor(cfg config.PredictorConfig, log logging.Logger, metrics *observability.SimCollector) (predictor.Predictor, error) {
	var scorer predictor.Scorer
	if cfg.Kind == predictor.KindLearned {
		s, err := predictor.LoadLinearScorer(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("learned predictor: %w", err)
		}
		scorer = s
	}
	p, err := predictor.New(cfg.Kind, scorer,
		predictor.WithLogger(log),
		predictor.WithFallbackRecorder(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("predictor: %w", err)
	}
	return p, nil
}

// buildFeedback opens the badger store with the JSONL log as fallback. If
// badger cannot open at all, the log becomes the primary store.
func (a *app) buildFeedback(ctx context.Context, trust *fusion.Trust) (*feedback.Loop, error) {
	fc := a.cfg.Feedback
	fileLog, err := feedback.NewFileLog(fc.FallbackLog)
	if err != nil {
		return nil, fmt.Errorf("fallback log: %w", err)
	}
	opts := []feedback.Option{
		feedback.WithLogger(a.log),
		feedback.WithOverrideRecorder(a.metrics),
		feedback.WithTrust(trust),
	}

	store, err := feedback.OpenBadger(fc.Store, a.log)
	if err != nil {
		a.log.Error(ctx, "override store unavailable; using fallback log as primary",
			logging.String("path", fc.Store.Path),
			logging.String("fallback_log", fileLog.Path()),
			logging.Err(err),
		)
		return feedback.NewLoop(fileLog, nil, opts...)
	}
	a.closers = append(a.closers, store.Close)

	loop, err := feedback.NewLoop(store, fileLog, opts...)
	if err != nil {
		return nil, err
	}
	if fc.ReplayOnStart {
		if _, err := loop.Replay(ctx); err != nil {
			a.log.Warn(ctx, "fallback log replay incomplete", logging.Err(err))
		}
	}
	return loop, nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func policyName(p policy.Policy) string {
	if p == nil {
		return string(policy.KindNone)
	}
	return p.Name()
}

func loadScenario(path string) (*model.Scenario, *model.Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return model.LoadScenario(f)
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
