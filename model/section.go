package model

// Direction describes which way traffic may flow over a section.
type Direction string

const (
	DirectionUp            Direction = "up"
	DirectionDown          Direction = "down"
	DirectionBidirectional Direction = "bidirectional"
)

// RestrictionKind labels why a section runs below its base speed.
type RestrictionKind string

const (
	RestrictionTemporary RestrictionKind = "restriction"
	RestrictionCurve     RestrictionKind = "curve"
	RestrictionGradient  RestrictionKind = "gradient"
	RestrictionBridge    RestrictionKind = "bridge"
)

// Restriction reduces a section's effective speed multiplicatively.
// Factor is expected in (0,1]; values outside that range are clamped.
type Restriction struct {
	Kind   RestrictionKind `json:"kind"`
	Factor float64         `json:"factor"`
}

// Section is a stretch of track between two stations.
type Section struct {
	ID           string        `json:"id"`
	From         string        `json:"from"`
	To           string        `json:"to"`
	LengthKm     float64       `json:"length_km"`
	Tracks       int           `json:"tracks"`
	Direction    Direction     `json:"direction"`
	BaseSpeedKmh float64       `json:"base_speed_kmh"`
	Electrified  bool          `json:"electrified"`
	Restrictions []Restriction `json:"restrictions,omitempty"`
}

// EffectiveSpeedKmh applies every restriction to the base speed. The result
// never exceeds BaseSpeedKmh.
func (s Section) EffectiveSpeedKmh() float64 {
	speed := s.BaseSpeedKmh
	for _, r := range s.Restrictions {
		f := r.Factor
		if f <= 0 {
			continue
		}
		if f > 1 {
			f = 1
		}
		speed *= f
	}
	return speed
}

// SingleTrack reports whether opposing trains must cross at a station.
func (s Section) SingleTrack() bool {
	return s.Tracks <= 1
}

// Restricted reports whether any restriction lowers the section's speed.
func (s Section) Restricted() bool {
	return s.EffectiveSpeedKmh() < s.BaseSpeedKmh
}

// Other returns the endpoint opposite to code.
func (s Section) Other(code string) string {
	if code == s.From {
		return s.To
	}
	return s.From
}
