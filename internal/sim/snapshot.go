package sim

import (
	"time"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/model"
)

// State is a run's lifecycle position.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// TrainPosition is one train as seen by observers.
type TrainPosition struct {
	ID            string             `json:"id"`
	Type          model.TrainType    `json:"type"`
	Priority      int                `json:"priority"`
	SectionID     string             `json:"section_id,omitempty"`
	From          string             `json:"from,omitempty"`
	To            string             `json:"to,omitempty"`
	Progress      float64            `json:"progress"`
	Lat           float64            `json:"lat"`
	Lon           float64            `json:"lon"`
	SpeedKmh      float64            `json:"speed_kmh"`
	DelaySeconds  float64            `json:"delay_seconds"`
	HoldRemaining float64            `json:"hold_remaining,omitempty"`
	Status        model.TrainStatus  `json:"status"`
	SignalAspect  model.SignalAspect `json:"signal_aspect"`
}

// SectionLoad is the occupancy of one section.
type SectionLoad struct {
	SectionID   string  `json:"section_id"`
	Trains      int     `json:"trains"`
	Tracks      int     `json:"tracks"`
	Utilization float64 `json:"utilization"`
}

// Snapshot is the immutable state of a run after one tick. Observers share
// the same value and must not modify it.
type Snapshot struct {
	RunID           string                           `json:"run_id"`
	Tick            uint64                           `json:"tick"`
	Timestamp       time.Time                        `json:"timestamp"`
	State           State                            `json:"state"`
	Trains          []TrainPosition                  `json:"train_positions"`
	Conflicts       []conflict.Conflict              `json:"conflicts"`
	SectionLoad     []SectionLoad                    `json:"section_load"`
	Recommendations map[string]fusion.Recommendation `json:"recommendations"`
	Risk            map[string]float64               `json:"risk,omitempty"`
	// Error is set when the run stopped because its tick body failed.
	Error string `json:"error,omitempty"`
}

// withState returns a shallow copy carrying a new lifecycle state.
func (s *Snapshot) withState(st State) *Snapshot {
	cp := *s
	cp.State = st
	return &cp
}
