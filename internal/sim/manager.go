// Package sim owns simulation runs: one tick goroutine per run advancing
// trains and running detection, scoring, optimization and fusion, with
// snapshots fanned out to observers.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/encoder"
	"github.com/signalsfoundry/railtwin/internal/feedback"
	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/observability"
	"github.com/signalsfoundry/railtwin/internal/optimizer"
	"github.com/signalsfoundry/railtwin/internal/predictor"
	"github.com/signalsfoundry/railtwin/model"
	"github.com/signalsfoundry/railtwin/timectrl"
)

// ErrNoFeedback is returned by SubmitOverride when no feedback loop is
// configured.
var ErrNoFeedback = errors.New("feedback loop not configured")

// Config controls run cadence and observer fan-out.
type Config struct {
	TickInterval time.Duration `yaml:"tick_interval" validate:"gt=0"`
	Mode         string        `yaml:"mode" validate:"omitempty,oneof=realtime accelerated"`
	// MaxTicks stops a run after that many ticks; 0 runs until stopped.
	MaxTicks            int           `yaml:"max_ticks" validate:"gte=0"`
	ObserverBuffer      int           `yaml:"observer_buffer" validate:"gte=0"`
	ObserverSendTimeout time.Duration `yaml:"observer_send_timeout" validate:"gte=0"`
}

// DefaultConfig ticks once per wall-clock second.
func DefaultConfig() Config {
	return Config{
		TickInterval:        time.Second,
		Mode:                timectrl.RealTime.String(),
		ObserverBuffer:      8,
		ObserverSendTimeout: 500 * time.Millisecond,
	}
}

func (c Config) mode() timectrl.Mode {
	m, _ := timectrl.ParseMode(c.Mode)
	return m
}

// Deps are the collaborators shared by every run. Detector, Encoder,
// Predictor, Optimizer and Fusion default to standard instances when nil.
type Deps struct {
	Detector  *conflict.Detector
	Encoder   *encoder.Encoder
	Predictor predictor.Predictor
	Optimizer *optimizer.Optimizer
	Fusion    *fusion.Engine
	Feedback  *feedback.Loop
	Metrics   *observability.SimCollector
	Logger    logging.Logger
}

// Manager creates and supervises runs. Runs share no mutable state.
type Manager struct {
	cfg      Config
	p        *pipeline
	feedback *feedback.Loop
	now      func() time.Time

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewManager wires a manager from deps.
func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	log := deps.Logger
	if log == nil {
		log = logging.Noop()
	}
	opt := deps.Optimizer
	if opt == nil {
		opt = optimizer.New(optimizer.DefaultConfig(), optimizer.WithLogger(log), optimizer.WithSolveRecorder(deps.Metrics))
	}
	p := &pipeline{
		detector:  deps.Detector,
		encoder:   deps.Encoder,
		predictor: deps.Predictor,
		optimizer: opt,
		fusion:    deps.Fusion,
		metrics:   deps.Metrics,
		log:       log,
	}
	if p.detector == nil {
		p.detector = conflict.NewDetector(conflict.DefaultDetectorConfig())
	}
	if p.encoder == nil {
		p.encoder = encoder.New(opt.Config().PriorityCeiling)
	}
	if p.predictor == nil {
		p.predictor = predictor.Heuristic{}
	}
	if p.fusion == nil {
		p.fusion = fusion.NewEngine(nil, nil, opt.Config(), fusion.WithLogger(log), fusion.WithPolicyFailureRecorder(deps.Metrics))
	}
	return &Manager{
		cfg:      cfg,
		p:        p,
		feedback: deps.Feedback,
		now:      time.Now,
		runs:     make(map[string]*Run),
	}
}

// CreateRequest describes a new run.
type CreateRequest struct {
	Name    string
	Network *model.Network
	Trains  []model.Train
	// Start is the simulation clock's origin; zero means now.
	Start time.Time
}

// Create registers a run in the created state.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Run, error) {
	if req.Network == nil {
		return nil, ErrNoNetwork
	}
	start := req.Start
	if start.IsZero() {
		start = m.now().UTC()
	}
	id := uuid.NewString()
	r := newRun(id, req.Name, req.Network, req.Trains, start, m.cfg, m.p)

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()
	m.p.metrics.RunTransition("", string(StateCreated))
	m.p.log.Info(logging.ContextWithRunID(ctx, id), "simulation run created",
		logging.String("scenario", req.Name),
		logging.Int("trains", len(req.Trains)),
	)
	return r, nil
}

// Get returns a run by id.
func (m *Manager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return r, nil
}

// RunInfo summarises a run for listings.
type RunInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Tick      uint64    `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
	Observers int       `json:"observers"`
	Error     string    `json:"error,omitempty"`
}

// Info summarises r.
func (r *Run) Info() RunInfo {
	snap := r.Snapshot()
	return RunInfo{
		ID:        r.id,
		Name:      r.name,
		State:     r.State(),
		Tick:      snap.Tick,
		Timestamp: snap.Timestamp,
		Observers: r.Observers(),
		Error:     snap.Error,
	}
}

// List returns every run sorted by id.
func (m *Manager) List() []RunInfo {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	out := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start starts or resumes run id.
func (m *Manager) Start(ctx context.Context, id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Start(ctx)
}

// Pause pauses run id.
func (m *Manager) Pause(ctx context.Context, id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Pause(ctx)
}

// Stop stops run id.
func (m *Manager) Stop(ctx context.Context, id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	return r.Stop(ctx)
}

// Subscribe registers obs on run id.
func (m *Manager) Subscribe(ctx context.Context, id string, obs Observer) (func(), error) {
	r, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return r.Subscribe(ctx, obs), nil
}

// Recommendations returns run id's current recommendations by conflict.
func (m *Manager) Recommendations(id string) (map[string]fusion.Recommendation, error) {
	r, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return r.Recommendations(), nil
}

// OverrideRequest is a human decision arriving from the transport layer.
type OverrideRequest struct {
	ConflictID    string            `json:"conflict_id" binding:"required"`
	HumanSolution json.RawMessage   `json:"human_solution" binding:"required"`
	Reason        string            `json:"reason,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Outcome       *feedback.Outcome `json:"outcome,omitempty"`
}

// SubmitOverride attaches the run's current recommendation for the
// conflict (nil when none exists) and hands the record to the feedback
// loop.
func (m *Manager) SubmitOverride(ctx context.Context, id string, req OverrideRequest) (feedback.Receipt, error) {
	if m.feedback == nil {
		return feedback.Receipt{}, ErrNoFeedback
	}
	r, err := m.Get(id)
	if err != nil {
		return feedback.Receipt{}, err
	}
	rec := feedback.OverrideRecord{
		RunID:         id,
		ConflictID:    req.ConflictID,
		HumanSolution: req.HumanSolution,
		Reason:        req.Reason,
		UserID:        req.UserID,
		Outcome:       req.Outcome,
	}
	if prior, ok := r.Recommendation(req.ConflictID); ok {
		rec.AISolution = &prior
	}
	return m.feedback.Submit(logging.ContextWithRunID(ctx, id), rec)
}

// Trust exposes the fusion trust weights.
func (m *Manager) Trust() *fusion.Trust { return m.p.fusion.Trust() }

// Shutdown stops every run concurrently and closes their observers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runs {
		g.Go(func() error {
			if err := r.Stop(gctx); err != nil {
				return fmt.Errorf("stop run %s: %w", r.id, err)
			}
			r.observers.closeAll()
			return nil
		})
	}
	return g.Wait()
}
