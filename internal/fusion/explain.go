package fusion

import (
	"fmt"
	"math"
	"strings"

	"github.com/signalsfoundry/railtwin/internal/optimizer"
	"github.com/signalsfoundry/railtwin/internal/predictor"
)

// Attribution feature names, in extraction order.
const (
	FeaturePriority     = "priority"
	FeatureDelay        = "delay"
	FeatureSectionClear = "section_clear"
	FeatureCongestion   = "congestion"
	FeatureDistance     = "distance"
	FeatureTypeScore    = "type_score"
)

// FeatureOrder is the fixed order attribution features are extracted in.
var FeatureOrder = []string{
	FeaturePriority, FeatureDelay, FeatureSectionClear,
	FeatureCongestion, FeatureDistance, FeatureTypeScore,
}

const (
	lateWinnerSeconds = 300
	lateHeldSeconds   = 600
)

// explainInput is everything the explanation templates look at.
type explainInput struct {
	conflictID   string
	sectionID    string
	order        []string
	holds        map[string]int
	byID         map[string]optimizer.Candidate
	crossing     string
	sectionClear bool
	congestion   float64
	distanceKm   float64
	risk         float64
	highRisk     bool
	source       Source
	fallback     string
	ceiling      int
}

// explain concatenates the template fragments that apply.
func explain(in explainInput) string {
	winner := in.byID[in.order[0]]
	runnerUp := in.byID[in.order[1]]
	var parts []string

	switch {
	case winner.Priority > runnerUp.Priority:
		parts = append(parts, fmt.Sprintf("%s proceeds first on priority (%d vs %d).",
			winner.TrainID, winner.Priority, runnerUp.Priority))
	case winner.Priority < runnerUp.Priority:
		parts = append(parts, fmt.Sprintf("%s proceeds ahead of higher-priority %s (%d vs %d).",
			winner.TrainID, runnerUp.TrainID, winner.Priority, runnerUp.Priority))
	case winner.DelaySeconds > runnerUp.DelaySeconds:
		parts = append(parts, fmt.Sprintf("%s and %s share priority %d; %s goes first as the later-running train.",
			winner.TrainID, runnerUp.TrainID, winner.Priority, winner.TrainID))
	default:
		parts = append(parts, fmt.Sprintf("%s and %s share priority %d; %s goes first.",
			winner.TrainID, runnerUp.TrainID, winner.Priority, winner.TrainID))
	}

	if winner.DelaySeconds >= lateWinnerSeconds {
		parts = append(parts, fmt.Sprintf("%s is already %s late, so clearing it first limits knock-on delay.",
			winner.TrainID, minutes(winner.DelaySeconds)))
	}
	for _, id := range in.order[1:] {
		c := in.byID[id]
		if c.DelaySeconds >= lateHeldSeconds {
			parts = append(parts, fmt.Sprintf("%s is %s late; holding it %ds adds to that delay.",
				id, minutes(c.DelaySeconds), in.holds[id]))
		}
	}

	if in.sectionClear {
		parts = append(parts, fmt.Sprintf("Section %s has capacity once %s clears.", in.sectionID, winner.TrainID))
	} else {
		parts = append(parts, fmt.Sprintf("Section %s is congested (%.1f trains per track); holds preserve headway.",
			in.sectionID, in.congestion))
	}

	if in.crossing != "" {
		parts = append(parts, fmt.Sprintf("Opposing trains cross at %s.", in.crossing))
	}
	if in.highRisk {
		parts = append(parts, fmt.Sprintf("Risk %.2f is high; holds extended by 20%% as a safety buffer.", in.risk))
	}
	switch in.source {
	case SourceOptimizerFallback:
		parts = append(parts, fmt.Sprintf("Greedy fallback used (%s).", in.fallback))
	case SourceSecondaryPolicy:
		parts = append(parts, "Precedence taken from the secondary policy.")
	}
	return strings.Join(parts, " ")
}

// attribution extracts the fixed feature vector, takes absolute values and
// normalizes to sum to 1. An all-zero vector becomes uniform.
func attribution(in explainInput) map[string]float64 {
	winner := in.byID[in.order[0]]
	runnerUp := in.byID[in.order[1]]
	ceiling := in.ceiling
	if ceiling <= 0 {
		ceiling = 5
	}

	var maxDelay float64
	for _, c := range in.byID {
		maxDelay = math.Max(maxDelay, c.DelaySeconds)
	}
	clear := 0.0
	if in.sectionClear {
		clear = 1
	}
	raw := []float64{
		float64(winner.Priority-runnerUp.Priority) / float64(ceiling),
		math.Min(maxDelay, 3600) / 3600,
		clear,
		math.Min(in.congestion, 2) / 2,
		predictor.DistanceFactor(in.distanceKm),
		winner.Type.TypeScore(),
	}

	var sum float64
	for i, v := range raw {
		if math.IsNaN(v) {
			v = 0
		}
		raw[i] = math.Abs(v)
		sum += raw[i]
	}
	out := make(map[string]float64, len(FeatureOrder))
	if sum == 0 {
		for _, name := range FeatureOrder {
			out[name] = 1 / float64(len(FeatureOrder))
		}
		return out
	}
	for i, name := range FeatureOrder {
		out[name] = raw[i] / sum
	}
	return out
}

func minutes(seconds float64) string {
	return fmt.Sprintf("%d min", int(math.Round(seconds/60)))
}
