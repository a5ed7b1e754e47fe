package model

// TrainType classifies a train's service.
type TrainType string

const (
	TrainPassenger TrainType = "passenger"
	TrainExpress   TrainType = "express"
	TrainFreight   TrainType = "freight"
)

// TrainTypes lists every train type in encoding order.
var TrainTypes = []TrainType{TrainPassenger, TrainExpress, TrainFreight}

// TypeScore ranks a train type for explanation and attribution purposes.
func (t TrainType) TypeScore() float64 {
	switch t {
	case TrainExpress:
		return 1.0
	case TrainPassenger:
		return 0.7
	case TrainFreight:
		return 0.4
	default:
		return 0.5
	}
}

// TrainStatus is the motion state of a train within a tick.
type TrainStatus string

const (
	StatusStopped      TrainStatus = "stopped"
	StatusAccelerating TrainStatus = "accelerating"
	StatusCruising     TrainStatus = "cruising"
	StatusBraking      TrainStatus = "braking"
	StatusRestricted   TrainStatus = "restricted"
	StatusQueued       TrainStatus = "queued"
	StatusBlocked      TrainStatus = "blocked"
	StatusRerouted     TrainStatus = "rerouted"
	StatusArrived      TrainStatus = "arrived"
)

// TrainStatuses lists every status in encoding order.
var TrainStatuses = []TrainStatus{
	StatusStopped, StatusAccelerating, StatusCruising, StatusBraking, StatusRestricted,
	StatusQueued, StatusBlocked, StatusRerouted, StatusArrived,
}

// SignalAspect is the aspect of the next signal seen by a train.
type SignalAspect string

const (
	AspectRed          SignalAspect = "red"
	AspectYellow       SignalAspect = "yellow"
	AspectDoubleYellow SignalAspect = "double_yellow"
	AspectGreen        SignalAspect = "green"
)

// Train is the live state of one train. Only the owning run's tick task
// mutates it; everyone else works on copies.
type Train struct {
	ID       string    `json:"id"`
	Type     TrainType `json:"type"`
	Priority int       `json:"priority"`
	Route    []string  `json:"route"`

	// RouteIndex is the index in Route of the station the train last left.
	RouteIndex int     `json:"route_index"`
	SectionID  string  `json:"section_id"`
	Progress   float64 `json:"progress"`

	SpeedKmh     float64 `json:"speed_kmh"`
	MaxSpeedKmh  float64 `json:"max_speed_kmh"`
	AccelKmhPerS float64 `json:"accel_kmh_per_s,omitempty"`

	DelaySeconds  float64      `json:"delay_seconds"`
	HoldRemaining float64      `json:"hold_remaining,omitempty"`
	Status        TrainStatus  `json:"status"`
	SignalAspect  SignalAspect `json:"signal_aspect,omitempty"`
}

// Clone returns a deep copy of t.
func (t Train) Clone() Train {
	t.Route = append([]string(nil), t.Route...)
	return t
}

// Active reports whether the train still occupies track.
func (t Train) Active() bool {
	return t.Status != StatusArrived
}

// LastStation is the route station the train most recently departed.
func (t Train) LastStation() string {
	if t.RouteIndex < 0 || t.RouteIndex >= len(t.Route) {
		return ""
	}
	return t.Route[t.RouteIndex]
}

// NextStation is the station the train is heading to, or "" once the route
// is exhausted.
func (t Train) NextStation() string {
	if t.RouteIndex+1 >= len(t.Route) {
		return ""
	}
	return t.Route[t.RouteIndex+1]
}

// PositionKm returns the train's distance from the section's From end.
func (t Train) PositionKm(sec Section) float64 {
	along := t.Progress * sec.LengthKm
	if t.LastStation() == sec.From {
		return along
	}
	return sec.LengthKm - along
}

// Forward reports whether the train traverses sec from From to To.
func (t Train) Forward(sec Section) bool {
	return t.LastStation() == sec.From
}
