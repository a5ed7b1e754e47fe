// Package feedback records human overrides of recommendations and turns
// them into a trust-adjustment signal for fusion.
package feedback

import (
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/signalsfoundry/railtwin/internal/fusion"
)

var (
	// ErrMissingConflict is returned for a record with no conflict id.
	ErrMissingConflict = errors.New("override has no conflict id")
	// ErrMissingSolution is returned for a record with no human decision.
	ErrMissingSolution = errors.New("override has no human solution")
	// ErrNotDurable means neither the primary store nor the fallback log
	// accepted the record.
	ErrNotDurable = errors.New("override could not be persisted")
)

// Outcome is what actually happened after the human decision, when known.
type Outcome struct {
	ActualDelaySeconds      float64 `json:"actual_delay_seconds"`
	AIEstimatedDelaySeconds float64 `json:"ai_estimated_delay_seconds"`
}

// HumanReducedDelay reports whether the human's decision beat the AI's
// estimate.
func (o Outcome) HumanReducedDelay() bool {
	return o.ActualDelaySeconds < o.AIEstimatedDelaySeconds
}

// OverrideRecord is one human override. Records are append-only.
type OverrideRecord struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id,omitempty"`
	ConflictID string `json:"conflict_id"`
	// AISolution is nil when no recommendation existed for the conflict.
	AISolution    *fusion.Recommendation `json:"ai_solution"`
	HumanSolution json.RawMessage        `json:"human_solution"`
	Reason        string                 `json:"reason,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Outcome       *Outcome               `json:"outcome,omitempty"`
	// MatchesAI flags a submission whose precedence repeats the AI's.
	MatchesAI bool      `json:"matches_ai,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// confirmsAI reports whether the human solution carries the same
// precedence as the attached recommendation. Solutions without a
// "precedence" list never match.
func (r OverrideRecord) confirmsAI() bool {
	if r.AISolution == nil {
		return false
	}
	var human struct {
		Precedence []string `json:"precedence"`
	}
	if err := json.Unmarshal(r.HumanSolution, &human); err != nil || len(human.Precedence) == 0 {
		return false
	}
	return slices.Equal(human.Precedence, r.AISolution.Precedence)
}

func (r OverrideRecord) validate() error {
	if r.ConflictID == "" {
		return ErrMissingConflict
	}
	if len(r.HumanSolution) == 0 || string(r.HumanSolution) == "null" {
		return ErrMissingSolution
	}
	return nil
}

// Receipt tells the caller where a record landed.
type Receipt struct {
	ID        string  `json:"id"`
	Store     string  `json:"store"`
	Reward    float64 `json:"reward"`
	Fallback  bool    `json:"fallback"`
	MatchesAI bool    `json:"matches_ai"`
}

const (
	baseReward     = -0.5
	outperformedBy = -0.5
	partialCredit  = 0.2
)

// Reward is the advisory trust signal for one override: -0.5 for any
// override, a further -0.5 when the outcome shows the human beat the AI's
// delay estimate, otherwise +0.2 partial credit. A submission that matches
// the AI's precedence is not an override and earns nothing.
func Reward(r OverrideRecord) float64 {
	if r.MatchesAI {
		return 0
	}
	reward := baseReward
	if r.Outcome != nil && r.Outcome.HumanReducedDelay() {
		return reward + outperformedBy
	}
	return reward + partialCredit
}
