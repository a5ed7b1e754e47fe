// Package config loads the railtwin configuration from YAML with
// RAILTWIN_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/feedback"
	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/observability"
	"github.com/signalsfoundry/railtwin/internal/optimizer"
	"github.com/signalsfoundry/railtwin/internal/policy"
	"github.com/signalsfoundry/railtwin/internal/predictor"
	"github.com/signalsfoundry/railtwin/internal/sim"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// PredictorConfig selects the risk-scoring strategy.
type PredictorConfig struct {
	Kind predictor.Kind `yaml:"kind" validate:"omitempty,oneof=heuristic learned"`
	// ModelPath is the linear scorer's weight file, required for learned.
	ModelPath string `yaml:"model_path" validate:"required_if=Kind learned"`
}

// FusionConfig sets the initial trust weights and whether overrides adapt
// them.
type FusionConfig struct {
	Weights      fusion.TrustWeights `yaml:"weights"`
	Adaptive     bool                `yaml:"adaptive"`
	LearningRate float64             `yaml:"learning_rate" validate:"gte=0,lte=1"`
	Floor        float64             `yaml:"floor" validate:"gte=0,lt=1"`
}

// TrustPolicy returns the adjustment hook selected by the config.
func (f FusionConfig) TrustPolicy() fusion.TrustPolicy {
	if !f.Adaptive {
		return fusion.StaticTrust{}
	}
	return fusion.DecayTrust{LearningRate: f.LearningRate, Floor: f.Floor}
}

// FeedbackConfig configures override persistence.
type FeedbackConfig struct {
	Store       feedback.BadgerConfig `yaml:"store"`
	FallbackLog string                `yaml:"fallback_log" validate:"required"`
	// ReplayOnStart moves fallback-log records into the store at startup.
	ReplayOnStart bool `yaml:"replay_on_start"`
}

// Config is the full application configuration.
type Config struct {
	Logging   logging.Config              `yaml:"logging"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	HTTP      HTTPConfig                  `yaml:"http"`
	Sim       sim.Config                  `yaml:"sim"`
	Detector  conflict.DetectorConfig     `yaml:"detector"`
	Optimizer optimizer.Config            `yaml:"optimizer"`
	Predictor PredictorConfig             `yaml:"predictor"`
	Policy    policy.Config               `yaml:"policy"`
	Fusion    FusionConfig                `yaml:"fusion"`
	Feedback  FeedbackConfig              `yaml:"feedback"`
}

// Default returns a complete configuration using the standard constants.
func Default() Config {
	return Config{
		Logging:   logging.Config{Level: "info", Format: "text"},
		Tracing:   observability.DefaultTracingConfig(),
		HTTP:      HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second, WriteTimeout: 2 * time.Second},
		Sim:       sim.DefaultConfig(),
		Detector:  conflict.DefaultDetectorConfig(),
		Optimizer: optimizer.DefaultConfig(),
		Predictor: PredictorConfig{Kind: predictor.KindHeuristic},
		Policy:    policy.Config{Kind: policy.KindDelayAware, DelayCreditSeconds: 900},
		Fusion: FusionConfig{
			Weights:      fusion.DefaultTrustWeights(),
			LearningRate: 0.05,
			Floor:        0.05,
		},
		Feedback: FeedbackConfig{
			Store:         feedback.BadgerConfig{Path: "data/overrides", SyncWrites: true},
			FallbackLog:   "data/overrides-fallback.jsonl",
			ReplayOnStart: true,
		},
	}
}

var validate = validator.New()

// Load reads path (empty means defaults only), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if cfg, err = Decode(f); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg, err := ApplyEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML from r onto the defaults. Unknown keys are errors.
func Decode(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks struct-tag constraints.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := cfg.Fusion.Weights.Normalize(); err != nil {
		return fmt.Errorf("%w: fusion weights: %v", ErrInvalid, err)
	}
	return nil
}

// ApplyEnv overlays LOG_*, RAILTWIN_TRACING_* and the RAILTWIN_* keys
// below onto cfg.
func ApplyEnv(cfg Config) (Config, error) {
	cfg.Logging = logging.ConfigFromEnv(cfg.Logging)
	cfg.Tracing = observability.TracingConfigFromEnv(cfg.Tracing)

	str := map[string]*string{
		"RAILTWIN_HTTP_ADDR":     &cfg.HTTP.Addr,
		"RAILTWIN_SIM_MODE":      &cfg.Sim.Mode,
		"RAILTWIN_FEEDBACK_PATH": &cfg.Feedback.Store.Path,
		"RAILTWIN_FALLBACK_LOG":  &cfg.Feedback.FallbackLog,
		"RAILTWIN_MODEL_PATH":    &cfg.Predictor.ModelPath,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("RAILTWIN_PREDICTOR"); ok {
		cfg.Predictor.Kind = predictor.Kind(v)
	}
	if v, ok := os.LookupEnv("RAILTWIN_POLICY"); ok {
		cfg.Policy.Kind = policy.Kind(v)
	}

	durations := map[string]*time.Duration{
		"RAILTWIN_TICK_INTERVAL": &cfg.Sim.TickInterval,
		"RAILTWIN_SOLVE_BUDGET":  &cfg.Optimizer.SolveBudget,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"RAILTWIN_MIN_HEADWAY_SECONDS": &cfg.Optimizer.MinHeadwaySeconds,
		"RAILTWIN_MAX_HOLD_SECONDS":    &cfg.Optimizer.MaxHoldSeconds,
		"RAILTWIN_MAX_TICKS":           &cfg.Sim.MaxTicks,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("RAILTWIN_FEEDBACK_IN_MEMORY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RAILTWIN_FEEDBACK_IN_MEMORY: %v", ErrInvalid, err)
		}
		cfg.Feedback.Store.InMemory = b
	}
	return cfg, nil
}
