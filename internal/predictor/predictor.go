// Package predictor assigns a risk score in [0,1] to each conflict. The
// heuristic and learned strategies share one interface and one combining
// formula so either can be selected at startup.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/encoder"
	"github.com/signalsfoundry/railtwin/internal/logging"
)

// Kind selects a predictor implementation.
type Kind string

const (
	KindHeuristic Kind = "heuristic"
	KindLearned   Kind = "learned"
)

var (
	// ErrScorerUnavailable is returned at construction time when the learned
	// predictor is requested without a working scorer.
	ErrScorerUnavailable = errors.New("learned scorer unavailable")
	// ErrUnknownKind is returned for an unrecognised predictor kind.
	ErrUnknownKind = errors.New("unknown predictor kind")
	// ErrScoreOutOfRange is returned when a scorer yields NaN or a value
	// outside [0,1].
	ErrScoreOutOfRange = errors.New("model output outside [0,1]")
)

// Predictor scores a conflict. Implementations never fail: any internal
// problem is absorbed and a heuristic score returned instead.
type Predictor interface {
	Name() string
	Score(ctx context.Context, c conflict.Conflict, st *encoder.State) float64
}

// Scorer produces the model term of the learned formula.
type Scorer interface {
	Score(ctx context.Context, c conflict.Conflict, st *encoder.State) (float64, error)
}

// FallbackRecorder counts per-call heuristic fallbacks.
type FallbackRecorder interface {
	IncPredictorFallback()
}

// TrainFactor is min(n/3, 1).
func TrainFactor(n int) float64 {
	return math.Min(float64(n)/3.0, 1)
}

// DistanceFactor is max(0, 1 - d/5).
func DistanceFactor(distanceKm float64) float64 {
	return math.Max(0, 1-distanceKm/5.0)
}

// Heuristic is the rule-based predictor:
// 0.5*severity + 0.3*train factor + 0.2*distance factor.
type Heuristic struct{}

// Name implements Predictor.
func (Heuristic) Name() string { return string(KindHeuristic) }

// Score implements Predictor.
func (Heuristic) Score(_ context.Context, c conflict.Conflict, _ *encoder.State) float64 {
	return clamp01(0.5*c.Severity.Weight() + 0.3*TrainFactor(len(c.TrainIDs)) + 0.2*DistanceFactor(c.DistanceKm))
}

// Learned blends the heuristic factors with a model output:
// 0.4*severity + 0.2*train factor + 0.2*distance factor + 0.2*model.
type Learned struct {
	scorer   Scorer
	fallback Heuristic
	log      logging.Logger
	metrics  FallbackRecorder
}

// Option customises a learned predictor.
type Option func(*Learned)

// WithLogger attaches a logger used to report per-call fallbacks.
func WithLogger(l logging.Logger) Option {
	return func(p *Learned) {
		if l != nil {
			p.log = l
		}
	}
}

// WithFallbackRecorder attaches a metrics recorder for fallbacks.
func WithFallbackRecorder(r FallbackRecorder) Option {
	return func(p *Learned) { p.metrics = r }
}

// NewLearned wraps scorer. A nil scorer is rejected so the learned strategy
// can never be selected without a model behind it.
func NewLearned(scorer Scorer, opts ...Option) (*Learned, error) {
	if scorer == nil {
		return nil, ErrScorerUnavailable
	}
	p := &Learned{scorer: scorer, log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Name implements Predictor.
func (p *Learned) Name() string { return string(KindLearned) }

// Score implements Predictor. Scorer failures fall back to the heuristic
// for this call only.
func (p *Learned) Score(ctx context.Context, c conflict.Conflict, st *encoder.State) float64 {
	out, err := p.modelOutput(ctx, c, st)
	if err != nil {
		p.log.Warn(ctx, "learned scorer failed; using heuristic for this conflict",
			logging.String("conflict_id", c.ID),
			logging.Err(err),
		)
		if p.metrics != nil {
			p.metrics.IncPredictorFallback()
		}
		return p.fallback.Score(ctx, c, st)
	}
	return clamp01(0.4*c.Severity.Weight() + 0.2*TrainFactor(len(c.TrainIDs)) + 0.2*DistanceFactor(c.DistanceKm) + 0.2*out)
}

func (p *Learned) modelOutput(ctx context.Context, c conflict.Conflict, st *encoder.State) (out float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panic: %v", r)
		}
	}()
	out, err = p.scorer.Score(ctx, c, st)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(out) || out < 0 || out > 1 {
		return 0, fmt.Errorf("%v: %w", out, ErrScoreOutOfRange)
	}
	return out, nil
}

// New selects a predictor by kind. The learned kind requires a scorer;
// otherwise construction fails with ErrScorerUnavailable.
func New(kind Kind, scorer Scorer, opts ...Option) (Predictor, error) {
	switch kind {
	case "", KindHeuristic:
		return Heuristic{}, nil
	case KindLearned:
		return NewLearned(scorer, opts...)
	default:
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
