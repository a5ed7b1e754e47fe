package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/encoder"
	"gopkg.in/yaml.v3"
)

// Train feature columns consumed by LinearScorer; see encoder.TrainFeatureNames.
const (
	colSpeed    = 0
	colDelay    = 2
	colPriority = 3
)

// LinearWeights are the coefficients of a logistic risk model.
type LinearWeights struct {
	Bias       float64 `yaml:"bias"`
	Severity   float64 `yaml:"severity"`
	Trains     float64 `yaml:"trains"`
	Distance   float64 `yaml:"distance"`
	Delay      float64 `yaml:"delay"`
	Speed      float64 `yaml:"speed"`
	Priority   float64 `yaml:"priority"`
	Congestion float64 `yaml:"congestion"`
}

// LinearScorer is a small logistic model over conflict and encoded train
// features. It is the reference Scorer for the learned predictor.
type LinearScorer struct {
	w LinearWeights
}

// NewLinearScorer constructs a scorer from explicit weights.
func NewLinearScorer(w LinearWeights) *LinearScorer {
	return &LinearScorer{w: w}
}

// LoadLinearScorer reads weights from a YAML file. A missing or unreadable
// file is reported as ErrScorerUnavailable so configuration fails fast.
func LoadLinearScorer(path string) (*LinearScorer, error) {
	if path == "" {
		return nil, fmt.Errorf("no model path configured: %w", ErrScorerUnavailable)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, errors.Join(ErrScorerUnavailable, err))
	}
	var w LinearWeights
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, errors.Join(ErrScorerUnavailable, err))
	}
	return NewLinearScorer(w), nil
}

// Score implements Scorer.
func (s *LinearScorer) Score(_ context.Context, c conflict.Conflict, st *encoder.State) (float64, error) {
	if st == nil {
		return 0, errors.New("encoded state missing")
	}
	var delay, speed, priority float64
	seen := 0
	for _, id := range c.TrainIDs {
		v, ok := st.TrainVector(id)
		if !ok {
			continue
		}
		delay += v[colDelay]
		speed += v[colSpeed]
		priority += v[colPriority]
		seen++
	}
	if seen == 0 {
		return 0, fmt.Errorf("conflict %s: no encoded trains", c.ID)
	}
	n := float64(seen)
	z := s.w.Bias +
		s.w.Severity*c.Severity.Weight() +
		s.w.Trains*TrainFactor(len(c.TrainIDs)) +
		s.w.Distance*DistanceFactor(c.DistanceKm) +
		s.w.Delay*delay/n +
		s.w.Speed*speed/n +
		s.w.Priority*priority/n +
		s.w.Congestion*math.Min(st.Congestion(c.SectionID), 2)/2
	return 1 / (1 + math.Exp(-z)), nil
}
