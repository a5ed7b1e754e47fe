package fusion

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidWeights is returned for negative, NaN or all-zero trust weights.
var ErrInvalidWeights = errors.New("invalid trust weights")

// TrustWeights is how much fusion trusts each decision source. Stored
// weights always sum to 1.
type TrustWeights struct {
	Optimizer       float64 `json:"optimizer" yaml:"optimizer"`
	SecondaryPolicy float64 `json:"secondary_policy" yaml:"secondary_policy"`
	RiskModel       float64 `json:"risk_model" yaml:"risk_model"`
}

// DefaultTrustWeights favours the optimizer.
func DefaultTrustWeights() TrustWeights {
	return TrustWeights{Optimizer: 0.5, SecondaryPolicy: 0.3, RiskModel: 0.2}
}

// Normalize rescales w to sum to 1.
func (w TrustWeights) Normalize() (TrustWeights, error) {
	vals := []float64{w.Optimizer, w.SecondaryPolicy, w.RiskModel}
	var sum float64
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return TrustWeights{}, fmt.Errorf("%w: %+v", ErrInvalidWeights, w)
		}
		sum += v
	}
	if sum <= 0 {
		return TrustWeights{}, fmt.Errorf("%w: weights sum to zero", ErrInvalidWeights)
	}
	return TrustWeights{
		Optimizer:       w.Optimizer / sum,
		SecondaryPolicy: w.SecondaryPolicy / sum,
		RiskModel:       w.RiskModel / sum,
	}, nil
}

// TrustPolicy turns an override reward into new weights. It is the hook
// through which human feedback adapts fusion; implementations must return
// weights that Normalize accepts.
type TrustPolicy interface {
	Adjust(current TrustWeights, source Source, reward float64) TrustWeights
}

// StaticTrust never changes the weights.
type StaticTrust struct{}

// Adjust implements TrustPolicy.
func (StaticTrust) Adjust(current TrustWeights, _ Source, _ float64) TrustWeights { return current }

// DecayTrust moves the overridden source's weight by LearningRate*reward,
// never below Floor, so a repeatedly overridden strategy loses trust.
type DecayTrust struct {
	LearningRate float64
	Floor        float64
}

// Adjust implements TrustPolicy.
func (d DecayTrust) Adjust(current TrustWeights, source Source, reward float64) TrustWeights {
	next := current
	delta := d.LearningRate * reward
	switch source {
	case SourceOptimizerExact, SourceOptimizerFallback:
		next.Optimizer = math.Max(d.Floor, next.Optimizer+delta)
	case SourceSecondaryPolicy:
		next.SecondaryPolicy = math.Max(d.Floor, next.SecondaryPolicy+delta)
	}
	return next
}

// Trust guards the live weights shared by every run.
type Trust struct {
	mu     sync.RWMutex
	w      TrustWeights
	policy TrustPolicy
}

// NewTrust validates initial weights; a nil policy keeps weights static
// apart from explicit SetWeights calls.
func NewTrust(initial TrustWeights, policy TrustPolicy) (*Trust, error) {
	w, err := initial.Normalize()
	if err != nil {
		return nil, err
	}
	if policy == nil {
		policy = StaticTrust{}
	}
	return &Trust{w: w, policy: policy}, nil
}

// Weights returns the current weights.
func (t *Trust) Weights() TrustWeights {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.w
}

// SetWeights replaces the weights after renormalizing them.
func (t *Trust) SetWeights(w TrustWeights) (TrustWeights, error) {
	n, err := w.Normalize()
	if err != nil {
		return TrustWeights{}, err
	}
	t.mu.Lock()
	t.w = n
	t.mu.Unlock()
	return n, nil
}

// ApplyReward feeds one override reward through the trust policy. Output
// the policy cannot normalize is discarded and the old weights kept.
func (t *Trust) ApplyReward(source Source, reward float64) TrustWeights {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, err := t.policy.Adjust(t.w, source, reward).Normalize(); err == nil {
		t.w = n
	}
	return t.w
}
