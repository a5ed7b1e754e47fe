// Package conflict finds track-occupancy conflicts between trains. Conflicts
// are recomputed from train positions on every tick and never carried over.
package conflict

import (
	"errors"
	"fmt"
	"sort"
)

// Type labels the kind of occupancy conflict.
type Type string

const (
	TypeProximity Type = "proximity"
	TypeHeadOn    Type = "head-on"
	TypePlatform  Type = "platform"
)

// Severity grades how urgent a conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight maps a severity onto the [0,1] scale used by risk scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.2
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.8
	case SeverityCritical:
		return 1.0
	default:
		return 0.2
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ErrTooFewTrains is returned when a conflict would involve fewer than two trains.
var ErrTooFewTrains = errors.New("conflict needs at least two trains")

// Conflict is one detected occupancy conflict.
type Conflict struct {
	ID          string   `json:"id"`
	Type        Type     `json:"type"`
	SectionID   string   `json:"section_id"`
	StationCode string   `json:"station_code,omitempty"`
	Severity    Severity `json:"severity"`
	TrainIDs    []string `json:"train_ids"`
	DistanceKm  float64  `json:"distance_km"`
}

// New builds a conflict with a stable ID. Platform conflicts are keyed by
// station, all others by section.
func New(kind Type, sectionID, stationCode string, severity Severity, trainIDs []string, distanceKm float64) (Conflict, error) {
	if len(trainIDs) < 2 {
		return Conflict{}, fmt.Errorf("%s on %s: %w", kind, sectionID, ErrTooFewTrains)
	}
	ids := append([]string(nil), trainIDs...)
	sort.Strings(ids)
	if distanceKm < 0 {
		distanceKm = 0
	}
	return Conflict{
		ID:          MakeID(kind, sectionID, stationCode),
		Type:        kind,
		SectionID:   sectionID,
		StationCode: stationCode,
		Severity:    severity,
		TrainIDs:    ids,
		DistanceKm:  distanceKm,
	}, nil
}

// MakeID renders the identifier used to key recommendations and overrides,
// e.g. "head-on_S1" or "platform_NDLS".
func MakeID(kind Type, sectionID, stationCode string) string {
	if kind == TypePlatform && stationCode != "" {
		return fmt.Sprintf("%s_%s", kind, stationCode)
	}
	return fmt.Sprintf("%s_%s", kind, sectionID)
}

// Involves reports whether trainID takes part in c.
func (c Conflict) Involves(trainID string) bool {
	for _, id := range c.TrainIDs {
		if id == trainID {
			return true
		}
	}
	return false
}
