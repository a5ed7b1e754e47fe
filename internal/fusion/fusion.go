// Package fusion merges the precedence optimizer, an optional secondary
// policy and the risk score into one explained recommendation.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/optimizer"
	"github.com/signalsfoundry/railtwin/internal/policy"
)

const (
	highRiskThreshold = 0.8
	riskHoldScale     = 1.2

	baseConfidence     = 0.5
	exactBonus         = 0.3
	agreementBonus     = 0.2
	highRiskPenalty    = 0.1
	followerSpeedScale = 0.8
)

// ErrNoUsablePrecedence means neither the optimizer nor the secondary
// policy produced an ordering.
var ErrNoUsablePrecedence = errors.New("no usable precedence from any source")

// Input is everything fusion needs for one conflict.
type Input struct {
	Conflict   conflict.Conflict
	Candidates []optimizer.Candidate
	// Optimizer is ignored when OptimizerErr is set.
	Optimizer    optimizer.Result
	OptimizerErr error
	Risk         float64
	// Congestion is the contested section's load in trains per track.
	Congestion float64
	Now        time.Time
}

// PolicyFailureRecorder counts discarded secondary proposals.
type PolicyFailureRecorder interface {
	IncPolicyFailure()
}

// Engine fuses decision sources. It is safe for concurrent use; the only
// shared state is the trust weights, which carry their own lock.
type Engine struct {
	policy  policy.Policy
	trust   *Trust
	cfg     optimizer.Config
	log     logging.Logger
	metrics PolicyFailureRecorder
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithPolicyFailureRecorder attaches a metrics recorder.
func WithPolicyFailureRecorder(r PolicyFailureRecorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// NewEngine constructs a fusion engine. pol may be nil. cfg supplies the
// headway and priority ceiling used to validate and explain results.
func NewEngine(pol policy.Policy, trust *Trust, cfg optimizer.Config, opts ...Option) *Engine {
	if trust == nil {
		trust, _ = NewTrust(DefaultTrustWeights(), nil)
	}
	e := &Engine{policy: pol, trust: trust, cfg: cfg, log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Trust exposes the shared trust weights.
func (e *Engine) Trust() *Trust { return e.trust }

// Fuse builds the recommendation for in.
func (e *Engine) Fuse(ctx context.Context, in Input) (Recommendation, error) {
	byID := make(map[string]optimizer.Candidate, len(in.Candidates))
	for _, c := range in.Candidates {
		byID[c.TrainID] = c
	}

	secondary := e.propose(ctx, in)
	optUsable := in.OptimizerErr == nil && len(in.Optimizer.Assignments) >= 2

	var (
		order    []string
		holds    map[string]int
		source   Source
		fallback string
	)
	switch {
	case optUsable:
		order, holds = in.Optimizer.Order(), in.Optimizer.Holds()
		source = SourceOptimizerExact
		if in.Optimizer.Path == optimizer.PathFallback {
			source = SourceOptimizerFallback
			fallback = in.Optimizer.FallbackReason
		}
	case secondary != nil:
		order, holds = secondary.Order, secondary.Holds
		source = SourceSecondaryPolicy
	default:
		cause := in.OptimizerErr
		if cause == nil {
			cause = errors.New("optimizer returned no assignments")
		}
		return Recommendation{}, fmt.Errorf("conflict %s: %w: %v", in.Conflict.ID, ErrNoUsablePrecedence, cause)
	}

	agree := optUsable && secondary != nil && secondary.Winner() == in.Optimizer.Winner()
	if source == SourceOptimizerFallback && secondary != nil && !agree {
		if w := e.trust.Weights(); w.SecondaryPolicy > w.Optimizer {
			order, holds = secondary.Order, secondary.Holds
			source = SourceSecondaryPolicy
		}
	}

	highRisk := in.Risk > highRiskThreshold
	holds = e.normalizeHolds(order, holds, highRisk)

	confidence := baseConfidence
	if source == SourceOptimizerExact {
		confidence += exactBonus
	}
	if agree {
		confidence += agreementBonus
	}
	if highRisk {
		confidence -= highRiskPenalty
	}
	confidence = math.Max(0, math.Min(1, confidence))

	var speeds map[string]float64
	if in.Conflict.Type == conflict.TypeProximity {
		speeds = make(map[string]float64, len(order)-1)
		for _, id := range order[1:] {
			speeds[id] = followerSpeedScale
		}
	}

	crossing := ""
	if optUsable {
		crossing = in.Optimizer.CrossingStation
	}
	ex := explainInput{
		conflictID:   in.Conflict.ID,
		sectionID:    in.Conflict.SectionID,
		order:        order,
		holds:        holds,
		byID:         byID,
		crossing:     crossing,
		sectionClear: in.Congestion <= 1,
		congestion:   in.Congestion,
		distanceKm:   in.Conflict.DistanceKm,
		risk:         in.Risk,
		highRisk:     highRisk,
		source:       source,
		fallback:     fallback,
		ceiling:      e.cfg.PriorityCeiling,
	}

	return NewRecommendation(Recommendation{
		ConflictID:       in.Conflict.ID,
		Precedence:       order,
		Holds:            holds,
		CrossingStation:  crossing,
		SpeedMultipliers: speeds,
		Confidence:       confidence,
		Explanation:      explain(ex),
		Attribution:      attribution(ex),
		Source:           source,
		FallbackUsed:     source != SourceOptimizerExact,
		RiskScore:        in.Risk,
		Timestamp:        in.Now,
	}, in.Conflict.TrainIDs, e.cfg.MinHeadwaySeconds)
}

// normalizeHolds pins the winner to zero, lifts every other train to at
// least the headway, and applies the high-risk buffer.
func (e *Engine) normalizeHolds(order []string, in map[string]int, highRisk bool) map[string]int {
	out := make(map[string]int, len(order))
	for i, id := range order {
		if i == 0 {
			out[id] = 0
			continue
		}
		h := in[id]
		if h < e.cfg.MinHeadwaySeconds {
			h = e.cfg.MinHeadwaySeconds
		}
		if highRisk {
			h = int(math.Ceil(float64(h) * riskHoldScale))
		}
		out[id] = h
	}
	return out
}

// propose asks the secondary policy for an ordering, discarding anything
// that fails, panics or does not cover the conflict's trains.
func (e *Engine) propose(ctx context.Context, in Input) (out *policy.Proposal) {
	if e.policy == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			e.policyFailed(ctx, in.Conflict.ID, fmt.Errorf("policy panic: %v", r))
			out = nil
		}
	}()
	p, err := e.policy.Propose(ctx, in.Conflict, in.Candidates)
	if err != nil {
		e.policyFailed(ctx, in.Conflict.ID, err)
		return nil
	}
	ids := make([]string, len(in.Candidates))
	for i, c := range in.Candidates {
		ids[i] = c.TrainID
	}
	if len(p.Order) < 2 {
		e.policyFailed(ctx, in.Conflict.ID, fmt.Errorf("proposal orders %d trains", len(p.Order)))
		return nil
	}
	if err := sameTrains(p.Order, ids); err != nil {
		e.policyFailed(ctx, in.Conflict.ID, fmt.Errorf("proposal: %w", err))
		return nil
	}
	return &p
}

func (e *Engine) policyFailed(ctx context.Context, conflictID string, err error) {
	e.log.Warn(ctx, "secondary policy unavailable for conflict",
		logging.String("conflict_id", conflictID),
		logging.Err(err),
	)
	if e.metrics != nil {
		e.metrics.IncPolicyFailure()
	}
}
