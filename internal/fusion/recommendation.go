package fusion

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Source names the decision source a recommendation's precedence came from.
type Source string

const (
	SourceOptimizerExact    Source = "optimizer_exact"
	SourceOptimizerFallback Source = "optimizer_fallback"
	SourceSecondaryPolicy   Source = "secondary_policy"
)

// ErrInvalidRecommendation wraps every invariant violation found by
// NewRecommendation.
var ErrInvalidRecommendation = errors.New("invalid recommendation")

// Recommendation is the resolved decision for one conflict. Values are
// treated as immutable once built; the next tick supersedes rather than
// edits them.
type Recommendation struct {
	ConflictID       string             `json:"conflict_id"`
	Precedence       []string           `json:"precedence"`
	Holds            map[string]int     `json:"holds"`
	CrossingStation  string             `json:"crossing_station,omitempty"`
	SpeedMultipliers map[string]float64 `json:"speed_multipliers,omitempty"`
	Confidence       float64            `json:"confidence"`
	Explanation      string             `json:"explanation"`
	Attribution      map[string]float64 `json:"attribution"`
	Source           Source             `json:"source"`
	FallbackUsed     bool               `json:"fallback_used"`
	RiskScore        float64            `json:"risk_score"`
	Timestamp        time.Time          `json:"timestamp"`
}

// Winner returns the train with precedence.
func (r Recommendation) Winner() string {
	if len(r.Precedence) == 0 {
		return ""
	}
	return r.Precedence[0]
}

// Clone returns a deep copy so callers cannot alias the maps.
func (r Recommendation) Clone() Recommendation {
	r.Precedence = append([]string(nil), r.Precedence...)
	r.Holds = cloneMap(r.Holds)
	r.SpeedMultipliers = cloneMap(r.SpeedMultipliers)
	r.Attribution = cloneMap(r.Attribution)
	return r
}

// NewRecommendation validates r and returns a defensive copy. Precedence
// must list exactly the conflict's trains. The winner comes first with hold
// 0 and every other train is held at least minHeadway seconds. Confidence
// must lie in [0,1] and attribution weights must sum to 1.
func NewRecommendation(r Recommendation, trainIDs []string, minHeadway int) (Recommendation, error) {
	if r.ConflictID == "" {
		return Recommendation{}, fmt.Errorf("%w: missing conflict id", ErrInvalidRecommendation)
	}
	if len(r.Precedence) < 2 {
		return Recommendation{}, fmt.Errorf("%w: %s: precedence lists %d trains", ErrInvalidRecommendation, r.ConflictID, len(r.Precedence))
	}
	if len(r.Holds) != len(r.Precedence) {
		return Recommendation{}, fmt.Errorf("%w: %s: %d holds for %d trains", ErrInvalidRecommendation, r.ConflictID, len(r.Holds), len(r.Precedence))
	}
	seen := make(map[string]bool, len(r.Precedence))
	zeros := 0
	for i, id := range r.Precedence {
		if seen[id] {
			return Recommendation{}, fmt.Errorf("%w: %s: train %s listed twice", ErrInvalidRecommendation, r.ConflictID, id)
		}
		seen[id] = true
		hold, ok := r.Holds[id]
		if !ok {
			return Recommendation{}, fmt.Errorf("%w: %s: no hold for %s", ErrInvalidRecommendation, r.ConflictID, id)
		}
		switch {
		case i == 0 && hold != 0:
			return Recommendation{}, fmt.Errorf("%w: %s: winner %s held %ds", ErrInvalidRecommendation, r.ConflictID, id, hold)
		case i > 0 && hold < minHeadway:
			return Recommendation{}, fmt.Errorf("%w: %s: %s held %ds, below headway %ds", ErrInvalidRecommendation, r.ConflictID, id, hold, minHeadway)
		}
		if hold == 0 {
			zeros++
		}
	}
	if err := sameTrains(r.Precedence, trainIDs); err != nil {
		return Recommendation{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecommendation, r.ConflictID, err)
	}
	if zeros != 1 {
		return Recommendation{}, fmt.Errorf("%w: %s: %d trains with zero hold", ErrInvalidRecommendation, r.ConflictID, zeros)
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return Recommendation{}, fmt.Errorf("%w: %s: confidence %v", ErrInvalidRecommendation, r.ConflictID, r.Confidence)
	}
	var sum float64
	for _, w := range r.Attribution {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return Recommendation{}, fmt.Errorf("%w: %s: attribution sums to %v", ErrInvalidRecommendation, r.ConflictID, sum)
	}
	return r.Clone(), nil
}

// sameTrains reports whether order is a permutation of ids.
func sameTrains(order, ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	if len(order) != len(want) {
		return fmt.Errorf("orders %d trains, conflict involves %d", len(order), len(want))
	}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if !want[id] {
			return fmt.Errorf("train %s is not part of the conflict", id)
		}
		if seen[id] {
			return fmt.Errorf("train %s listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
