package model

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrStationNotFound indicates a station code is not part of the network.
	ErrStationNotFound = errors.New("station not found")
	// ErrSectionNotFound indicates no section joins the requested stations.
	ErrSectionNotFound = errors.New("section not found")
)

// Network is the immutable station/section graph a run operates on. It is
// built once from already-validated data and never mutated afterwards, so it
// is safe to share between runs.
type Network struct {
	stations map[string]Station
	sections map[string]Section
	// adjacency keyed by unordered station pair
	byPair map[stationPair]string

	stationCodes []string
	sectionIDs   []string
}

type stationPair struct{ a, b string }

func pairOf(a, b string) stationPair {
	if a > b {
		a, b = b, a
	}
	return stationPair{a: a, b: b}
}

// NewNetwork indexes stations and sections. Duplicate identifiers are
// rejected; endpoint integrity is assumed to be enforced upstream.
func NewNetwork(stations []Station, sections []Section) (*Network, error) {
	n := &Network{
		stations: make(map[string]Station, len(stations)),
		sections: make(map[string]Section, len(sections)),
		byPair:   make(map[stationPair]string, len(sections)),
	}
	for _, st := range stations {
		if _, exists := n.stations[st.Code]; exists {
			return nil, fmt.Errorf("station %q defined twice", st.Code)
		}
		n.stations[st.Code] = st
		n.stationCodes = append(n.stationCodes, st.Code)
	}
	for _, sec := range sections {
		if _, exists := n.sections[sec.ID]; exists {
			return nil, fmt.Errorf("section %q defined twice", sec.ID)
		}
		if sec.Direction == "" {
			sec.Direction = DirectionBidirectional
		}
		if sec.Tracks <= 0 {
			sec.Tracks = 1
		}
		n.sections[sec.ID] = sec
		n.byPair[pairOf(sec.From, sec.To)] = sec.ID
		n.sectionIDs = append(n.sectionIDs, sec.ID)
	}
	sort.Strings(n.stationCodes)
	sort.Strings(n.sectionIDs)
	return n, nil
}

// Station returns the station with the given code.
func (n *Network) Station(code string) (Station, bool) {
	st, ok := n.stations[code]
	return st, ok
}

// Section returns the section with the given ID.
func (n *Network) Section(id string) (Section, bool) {
	sec, ok := n.sections[id]
	return sec, ok
}

// SectionBetween finds the section joining two adjacent stations in either
// orientation.
func (n *Network) SectionBetween(a, b string) (Section, error) {
	id, ok := n.byPair[pairOf(a, b)]
	if !ok {
		return Section{}, fmt.Errorf("%s-%s: %w", a, b, ErrSectionNotFound)
	}
	return n.sections[id], nil
}

// StationCodes returns every station code in sorted order.
func (n *Network) StationCodes() []string {
	return append([]string(nil), n.stationCodes...)
}

// SectionIDs returns every section ID in sorted order.
func (n *Network) SectionIDs() []string {
	return append([]string(nil), n.sectionIDs...)
}

// Stations returns all stations sorted by code.
func (n *Network) Stations() []Station {
	out := make([]Station, 0, len(n.stationCodes))
	for _, code := range n.stationCodes {
		out = append(out, n.stations[code])
	}
	return out
}

// Sections returns all sections sorted by ID.
func (n *Network) Sections() []Section {
	out := make([]Section, 0, len(n.sectionIDs))
	for _, id := range n.sectionIDs {
		out = append(out, n.sections[id])
	}
	return out
}
