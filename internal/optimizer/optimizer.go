// Package optimizer resolves precedence for a single conflict: which train
// goes first, how long every other train is held, and where opposing trains
// cross. An exact branch-and-bound search runs under a wall-clock budget;
// when it cannot finish, a deterministic greedy rule produces a result of
// the same shape.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/observability"
	"github.com/signalsfoundry/railtwin/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Path records which solver produced a result.
type Path string

const (
	PathExact    Path = "exact"
	PathFallback Path = "fallback"
)

var (
	// ErrTooFewTrains means the problem cannot have a precedence decision.
	ErrTooFewTrains = errors.New("precedence needs at least two trains")
	// ErrDuplicateTrain means a train appears twice in one problem.
	ErrDuplicateTrain = errors.New("train listed twice")
	// ErrBudgetExceeded means the exact search ran out of time.
	ErrBudgetExceeded = errors.New("exact solve budget exceeded")
	// ErrInfeasible means no ordering satisfies the hold limits.
	ErrInfeasible = errors.New("no feasible precedence under hold limits")
)

// Config holds the solver constants.
type Config struct {
	MinHeadwaySeconds  int           `yaml:"min_headway_seconds" validate:"gt=0"`
	MaxHoldSeconds     int           `yaml:"max_hold_seconds" validate:"gtefield=MinHeadwaySeconds"`
	PriorityCeiling    int           `yaml:"priority_ceiling" validate:"gt=0"`
	DelayPenalty       float64       `yaml:"delay_penalty" validate:"gt=0"`
	PriorityGapSeconds int           `yaml:"priority_gap_seconds" validate:"gte=0"`
	SolveBudget        time.Duration `yaml:"solve_budget" validate:"gte=0"`
}

// DefaultConfig returns the standard headway and hold limits.
func DefaultConfig() Config {
	return Config{
		MinHeadwaySeconds:  120,
		MaxHoldSeconds:     1800,
		PriorityCeiling:    5,
		DelayPenalty:       1.0,
		PriorityGapSeconds: 60,
		SolveBudget:        800 * time.Millisecond,
	}
}

// Candidate is one train competing for the contested section.
type Candidate struct {
	TrainID      string
	Priority     int
	DelaySeconds float64
	Type         model.TrainType
}

// Problem is the input for one conflict.
type Problem struct {
	Conflict conflict.Conflict
	Trains   []Candidate
	Section  model.Section
	From     model.Station
	To       model.Station
}

// Assignment is the decision for one train.
type Assignment struct {
	TrainID     string `json:"train_id"`
	Precedes    bool   `json:"precedes"`
	HoldSeconds int    `json:"hold_seconds"`
}

// Result is a feasible precedence decision. Assignments are in precedence
// order; the first entry is the winner.
type Result struct {
	Assignments     []Assignment
	CrossingStation string
	Path            Path
	Objective       float64
	Elapsed         time.Duration
	// FallbackReason explains why the exact path was abandoned.
	FallbackReason string
}

// Winner returns the ID of the train that proceeds first.
func (r Result) Winner() string {
	if len(r.Assignments) == 0 {
		return ""
	}
	return r.Assignments[0].TrainID
}

// Order returns train IDs in precedence order.
func (r Result) Order() []string {
	out := make([]string, len(r.Assignments))
	for i, a := range r.Assignments {
		out[i] = a.TrainID
	}
	return out
}

// Holds returns hold seconds keyed by train ID.
func (r Result) Holds() map[string]int {
	out := make(map[string]int, len(r.Assignments))
	for _, a := range r.Assignments {
		out[a.TrainID] = a.HoldSeconds
	}
	return out
}

// SolveRecorder receives per-solve observations.
type SolveRecorder interface {
	ObserveSolve(path string, d time.Duration)
}

// Optimizer solves precedence problems. It is safe for concurrent use.
type Optimizer struct {
	cfg     Config
	log     logging.Logger
	metrics SolveRecorder
	now     func() time.Time
}

// Option customises an Optimizer.
type Option func(*Optimizer)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.log = l
		}
	}
}

// WithSolveRecorder attaches a metrics recorder.
func WithSolveRecorder(r SolveRecorder) Option {
	return func(o *Optimizer) { o.metrics = r }
}

// New constructs an optimizer. Zero-valued limits fall back to defaults,
// except SolveBudget where zero means the exact path always gives up.
func New(cfg Config, opts ...Option) *Optimizer {
	def := DefaultConfig()
	if cfg.MinHeadwaySeconds <= 0 {
		cfg.MinHeadwaySeconds = def.MinHeadwaySeconds
	}
	if cfg.MaxHoldSeconds <= 0 {
		cfg.MaxHoldSeconds = def.MaxHoldSeconds
	}
	if cfg.PriorityCeiling <= 0 {
		cfg.PriorityCeiling = def.PriorityCeiling
	}
	if cfg.DelayPenalty <= 0 {
		cfg.DelayPenalty = def.DelayPenalty
	}
	if cfg.PriorityGapSeconds < 0 {
		cfg.PriorityGapSeconds = def.PriorityGapSeconds
	}
	o := &Optimizer{cfg: cfg, log: logging.Noop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Config returns the constants in effect.
func (o *Optimizer) Config() Config { return o.cfg }

// Solve returns a precedence decision for p. Errors are returned only when
// the problem itself is malformed; solver trouble degrades to the greedy
// path instead.
func (o *Optimizer) Solve(ctx context.Context, p Problem) (Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "optimizer.Solve")
	defer span.End()
	span.SetAttributes(
		attribute.String("conflict.id", p.Conflict.ID),
		attribute.Int("conflict.trains", len(p.Trains)),
	)

	start := o.now()
	if err := validate(p); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	res, err := o.solveExact(ctx, p, start.Add(o.cfg.SolveBudget))
	if err != nil {
		o.log.Debug(ctx, "exact precedence solve abandoned; using greedy rule",
			logging.String("conflict_id", p.Conflict.ID),
			logging.Err(err),
		)
		res = o.greedy(p)
		res.FallbackReason = err.Error()
	}
	res.CrossingStation = CrossingStation(p)
	res.Elapsed = o.now().Sub(start)

	span.SetAttributes(attribute.String("optimizer.path", string(res.Path)))
	if o.metrics != nil {
		o.metrics.ObserveSolve(string(res.Path), res.Elapsed)
	}
	return res, nil
}

// Weight is the per-second cost of holding a train:
// delay_penalty*(ceiling+1-rank) with rank = ceiling+1-priority, which
// reduces to delay_penalty*priority. This is the inverse of applying
// (ceiling+1-priority) to the raw priority, where priority 5 would be the
// cheapest train to hold. Here the most important train costs the most, so
// less important trains absorb the longer holds.
func (o *Optimizer) Weight(priority int) float64 {
	p := clampPriority(priority, o.cfg.PriorityCeiling)
	rank := o.cfg.PriorityCeiling + 1 - p
	return o.cfg.DelayPenalty * float64(o.cfg.PriorityCeiling+1-rank)
}

// holdFloor is the minimum hold for a non-winner given the winner's
// priority.
func (o *Optimizer) holdFloor(winner, train Candidate) int {
	gap := winner.Priority - train.Priority
	if gap < 0 {
		gap = 0
	}
	floor := gap * o.cfg.PriorityGapSeconds
	if floor < o.cfg.MinHeadwaySeconds {
		floor = o.cfg.MinHeadwaySeconds
	}
	return floor
}

// greedy sorts by priority and spaces each non-winner by the larger of the
// minimum headway and the priority gap.
func (o *Optimizer) greedy(p Problem) Result {
	trains := sortedCandidates(p.Trains)
	winner := trains[0]
	res := Result{Path: PathFallback, Assignments: make([]Assignment, 0, len(trains))}
	res.Assignments = append(res.Assignments, Assignment{TrainID: winner.TrainID, Precedes: true})
	for _, t := range trains[1:] {
		hold := o.holdFloor(winner, t)
		if hold > o.cfg.MaxHoldSeconds {
			hold = o.cfg.MaxHoldSeconds
		}
		if hold < o.cfg.MinHeadwaySeconds {
			hold = o.cfg.MinHeadwaySeconds
		}
		res.Assignments = append(res.Assignments, Assignment{TrainID: t.TrainID, HoldSeconds: hold})
		res.Objective += float64(hold) * o.Weight(t.Priority)
	}
	return res
}

// CrossingStation picks where opposing trains pass on a head-on conflict:
// the junction endpoint when exactly one endpoint is a junction, otherwise
// the section's From station.
func CrossingStation(p Problem) string {
	if p.Conflict.Type != conflict.TypeHeadOn {
		return ""
	}
	if p.To.Junction && !p.From.Junction {
		return p.Section.To
	}
	return p.Section.From
}

func validate(p Problem) error {
	if len(p.Trains) < 2 {
		return fmt.Errorf("conflict %s: %w", p.Conflict.ID, ErrTooFewTrains)
	}
	seen := make(map[string]bool, len(p.Trains))
	for _, t := range p.Trains {
		if seen[t.TrainID] {
			return fmt.Errorf("conflict %s train %s: %w", p.Conflict.ID, t.TrainID, ErrDuplicateTrain)
		}
		seen[t.TrainID] = true
	}
	return nil
}

// sortedCandidates orders by priority desc, delay desc, then ID.
func sortedCandidates(in []Candidate) []Candidate {
	out := append([]Candidate(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].DelaySeconds != out[j].DelaySeconds {
			return out[i].DelaySeconds > out[j].DelaySeconds
		}
		return out[i].TrainID < out[j].TrainID
	})
	return out
}

func clampPriority(p, ceiling int) int {
	if p < 1 {
		return 1
	}
	if p > ceiling {
		return ceiling
	}
	return p
}
