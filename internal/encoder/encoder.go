// Package encoder turns live network and train state into normalized
// feature vectors with index maps back to identifiers. Encoding is a pure
// function of its input: entities are ordered by identifier and nothing
// depends on wall-clock time.
package encoder

import (
	"math"
	"sort"

	"github.com/signalsfoundry/railtwin/model"
)

const (
	// ReferenceSpeedKmh normalizes train speeds.
	ReferenceSpeedKmh = 160.0
	// DelayCapSeconds caps delay before normalization.
	DelayCapSeconds = 3600.0
	// DefaultPriorityCeiling is used when no ceiling is configured.
	DefaultPriorityCeiling = 5
)

// Index is a bidirectional map between identifiers and vector rows.
type Index struct {
	ids   []string
	byKey map[string]int
}

func newIndex(ids []string) Index {
	idx := Index{ids: ids, byKey: make(map[string]int, len(ids))}
	for i, id := range ids {
		idx.byKey[id] = i
	}
	return idx
}

// Lookup returns the row for id.
func (x Index) Lookup(id string) (int, bool) {
	i, ok := x.byKey[id]
	return i, ok
}

// ID returns the identifier stored at row i.
func (x Index) ID(i int) (string, bool) {
	if i < 0 || i >= len(x.ids) {
		return "", false
	}
	return x.ids[i], true
}

// Len is the number of indexed entities.
func (x Index) Len() int { return len(x.ids) }

// IDs returns a copy of the identifiers in row order.
func (x Index) IDs() []string { return append([]string(nil), x.ids...) }

// State is the encoded view of one tick.
type State struct {
	StationFeatures [][]float64
	SectionFeatures [][]float64
	TrainFeatures   [][]float64

	Stations  Index
	Sections  Index
	Trains    Index
	Divisions []string

	// SectionLoad is trains per track for each section, in section row order.
	SectionLoad []float64
}

// TrainVector returns the feature vector for trainID.
func (s *State) TrainVector(trainID string) ([]float64, bool) {
	if s == nil {
		return nil, false
	}
	i, ok := s.Trains.Lookup(trainID)
	if !ok {
		return nil, false
	}
	return s.TrainFeatures[i], true
}

// Congestion returns the load of sectionID, 0 when unknown.
func (s *State) Congestion(sectionID string) float64 {
	if s == nil {
		return 0
	}
	i, ok := s.Sections.Lookup(sectionID)
	if !ok || i >= len(s.SectionLoad) {
		return 0
	}
	return s.SectionLoad[i]
}

// Encoder produces State values. The zero value is usable.
type Encoder struct {
	PriorityCeiling int
}

// New returns an encoder normalizing priorities against ceiling.
func New(priorityCeiling int) *Encoder {
	return &Encoder{PriorityCeiling: priorityCeiling}
}

// Encode builds the feature state for net and trains.
func (e *Encoder) Encode(net *model.Network, trains []model.Train) *State {
	ceiling := DefaultPriorityCeiling
	if e != nil && e.PriorityCeiling > 0 {
		ceiling = e.PriorityCeiling
	}

	stations := net.Stations()
	sections := net.Sections()
	sortedTrains := append([]model.Train(nil), trains...)
	sort.Slice(sortedTrains, func(i, j int) bool { return sortedTrains[i].ID < sortedTrains[j].ID })

	st := &State{
		Stations:  newIndex(net.StationCodes()),
		Sections:  newIndex(net.SectionIDs()),
		Divisions: divisions(stations),
	}
	st.StationFeatures = encodeStations(stations, st.Divisions)
	st.SectionFeatures = encodeSections(sections)

	trainIDs := make([]string, 0, len(sortedTrains))
	st.TrainFeatures = make([][]float64, 0, len(sortedTrains))
	occupancy := make(map[string]int)
	for _, t := range sortedTrains {
		trainIDs = append(trainIDs, t.ID)
		st.TrainFeatures = append(st.TrainFeatures, encodeTrain(t, ceiling))
		if t.Active() && t.SectionID != "" {
			occupancy[t.SectionID]++
		}
	}
	st.Trains = newIndex(trainIDs)

	st.SectionLoad = make([]float64, len(sections))
	for i, sec := range sections {
		tracks := sec.Tracks
		if tracks <= 0 {
			tracks = 1
		}
		st.SectionLoad[i] = float64(occupancy[sec.ID]) / float64(tracks)
	}
	return st
}

func divisions(stations []model.Station) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range stations {
		if s.Division == "" || seen[s.Division] {
			continue
		}
		seen[s.Division] = true
		out = append(out, s.Division)
	}
	sort.Strings(out)
	return out
}

func encodeStations(stations []model.Station, divs []string) [][]float64 {
	minLat, maxLat := math.Inf(1), math.Inf(-1)
	minLon, maxLon := math.Inf(1), math.Inf(-1)
	maxPlatforms := 0
	for _, s := range stations {
		minLat, maxLat = math.Min(minLat, s.Lat), math.Max(maxLat, s.Lat)
		minLon, maxLon = math.Min(minLon, s.Lon), math.Max(maxLon, s.Lon)
		if s.Platforms > maxPlatforms {
			maxPlatforms = s.Platforms
		}
	}

	out := make([][]float64, 0, len(stations))
	for _, s := range stations {
		v := []float64{
			minMax(s.Lat, minLat, maxLat),
			minMax(s.Lon, minLon, maxLon),
			flag(s.Junction),
			ratio(float64(s.Platforms), float64(maxPlatforms)),
		}
		for _, d := range divs {
			v = append(v, flag(s.Division == d))
		}
		out = append(out, v)
	}
	return out
}

func encodeSections(sections []model.Section) [][]float64 {
	var maxLen, maxSpeed float64
	maxTracks := 0
	for _, s := range sections {
		maxLen = math.Max(maxLen, s.LengthKm)
		maxSpeed = math.Max(maxSpeed, s.EffectiveSpeedKmh())
		if s.Tracks > maxTracks {
			maxTracks = s.Tracks
		}
	}
	out := make([][]float64, 0, len(sections))
	for _, s := range sections {
		out = append(out, []float64{
			ratio(s.LengthKm, maxLen),
			ratio(float64(s.Tracks), float64(maxTracks)),
			flag(s.Electrified),
			ratio(s.EffectiveSpeedKmh(), maxSpeed),
			flag(s.SingleTrack()),
		})
	}
	return out
}

// TrainFeatureNames labels the columns of a train vector.
var TrainFeatureNames = func() []string {
	names := []string{"speed", "progress", "delay", "priority"}
	for _, t := range model.TrainTypes {
		names = append(names, "type_"+string(t))
	}
	names = append(names, "signal_aspect")
	for _, s := range model.TrainStatuses {
		names = append(names, "status_"+string(s))
	}
	return names
}()

func encodeTrain(t model.Train, ceiling int) []float64 {
	v := make([]float64, 0, len(TrainFeatureNames))
	v = append(v,
		clamp01(t.SpeedKmh/ReferenceSpeedKmh),
		clamp01(t.Progress),
		math.Min(math.Max(t.DelaySeconds, 0), DelayCapSeconds)/DelayCapSeconds,
		clamp01(float64(t.Priority)/float64(ceiling)),
	)
	for _, typ := range model.TrainTypes {
		v = append(v, flag(t.Type == typ))
	}
	v = append(v, aspectValue(t.SignalAspect))
	for _, s := range model.TrainStatuses {
		v = append(v, flag(t.Status == s))
	}
	return v
}

func aspectValue(a model.SignalAspect) float64 {
	switch a {
	case model.AspectRed:
		return 0
	case model.AspectYellow:
		return 1.0 / 3
	case model.AspectDoubleYellow:
		return 2.0 / 3
	default:
		return 1
	}
}

func minMax(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

func ratio(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return clamp01(v / max)
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
