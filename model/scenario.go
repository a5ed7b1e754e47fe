package model

import (
	"encoding/json"
	"fmt"
	"io"
)

// Scenario is the validated input handed to the core by the dataset
// collaborator: a network plus an initial train roster.
type Scenario struct {
	Name     string    `json:"name"`
	Stations []Station `json:"stations"`
	Sections []Section `json:"sections"`
	Trains   []Train   `json:"trains"`
}

// LoadScenario decodes a scenario from JSON and builds its network. Trains
// without an explicit section are placed on the section between their first
// two route stations.
func LoadScenario(r io.Reader) (*Scenario, *Network, error) {
	var sc Scenario
	dec := json.NewDecoder(r)
	if err := dec.Decode(&sc); err != nil {
		return nil, nil, fmt.Errorf("decode scenario: %w", err)
	}
	net, err := NewNetwork(sc.Stations, sc.Sections)
	if err != nil {
		return nil, nil, fmt.Errorf("build network: %w", err)
	}
	for i := range sc.Trains {
		if err := PlaceTrain(net, &sc.Trains[i]); err != nil {
			return nil, nil, err
		}
	}
	return &sc, net, nil
}

// PlaceTrain fills in defaults for a roster entry and resolves its current
// section from the route when it was left blank.
func PlaceTrain(net *Network, t *Train) error {
	if t.Status == "" {
		t.Status = StatusStopped
	}
	if t.SignalAspect == "" {
		t.SignalAspect = AspectGreen
	}
	if t.AccelKmhPerS <= 0 {
		t.AccelKmhPerS = 2
	}
	if t.SectionID != "" || len(t.Route) < 2 {
		return nil
	}
	sec, err := net.SectionBetween(t.LastStation(), t.NextStation())
	if err != nil {
		return fmt.Errorf("train %q: %w", t.ID, err)
	}
	t.SectionID = sec.ID
	return nil
}
