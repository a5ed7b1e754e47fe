package conflict

import (
	"math"
	"sort"

	"github.com/signalsfoundry/railtwin/model"
)

const (
	defaultProximityKm      = 2.0
	defaultPlatformApproach = 0.85
)

// DetectorConfig tunes the distance thresholds used by Detect.
type DetectorConfig struct {
	// ProximityKm is the same-direction gap below which trains conflict.
	ProximityKm float64 `yaml:"proximity_km" validate:"gte=0"`
	// PlatformApproach is the progress fraction after which a train counts
	// as arriving at its next station.
	PlatformApproach float64 `yaml:"platform_approach" validate:"gte=0,lte=1"`
}

// DefaultDetectorConfig returns the thresholds used when none are configured.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{ProximityKm: defaultProximityKm, PlatformApproach: defaultPlatformApproach}
}

// Detector scans train positions for conflicts. It holds no state between
// calls.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector constructs a detector, filling zero thresholds with defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.ProximityKm <= 0 {
		cfg.ProximityKm = defaultProximityKm
	}
	if cfg.PlatformApproach <= 0 || cfg.PlatformApproach > 1 {
		cfg.PlatformApproach = defaultPlatformApproach
	}
	return &Detector{cfg: cfg}
}

type placed struct {
	train   model.Train
	posKm   float64
	forward bool
}

// Detect returns every conflict among trains, sorted by conflict ID.
func (d *Detector) Detect(net *model.Network, trains []model.Train) []Conflict {
	bySection := make(map[string][]placed)
	for _, t := range trains {
		if !t.Active() || t.SectionID == "" {
			continue
		}
		sec, ok := net.Section(t.SectionID)
		if !ok {
			continue
		}
		bySection[t.SectionID] = append(bySection[t.SectionID], placed{
			train:   t,
			posKm:   t.PositionKm(sec),
			forward: t.Forward(sec),
		})
	}

	var out []Conflict
	for _, secID := range sortedKeys(bySection) {
		sec, _ := net.Section(secID)
		group := bySection[secID]
		sort.Slice(group, func(i, j int) bool { return group[i].train.ID < group[j].train.ID })
		if c, ok := d.headOn(sec, group); ok {
			out = append(out, c)
		}
		if c, ok := d.proximity(sec, group); ok {
			out = append(out, c)
		}
	}
	out = append(out, d.platform(net, trains)...)

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Detector) headOn(sec model.Section, group []placed) (Conflict, bool) {
	if !sec.SingleTrack() || len(group) < 2 {
		return Conflict{}, false
	}
	minGap := math.Inf(1)
	for i := range group {
		for j := i + 1; j < len(group); j++ {
			if group[i].forward == group[j].forward {
				continue
			}
			if gap := math.Abs(group[i].posKm - group[j].posKm); gap < minGap {
				minGap = gap
			}
		}
	}
	if math.IsInf(minGap, 1) {
		return Conflict{}, false
	}
	c, err := New(TypeHeadOn, sec.ID, "", headOnSeverity(minGap), trainIDs(group), minGap)
	if err != nil {
		return Conflict{}, false
	}
	return c, true
}

func (d *Detector) proximity(sec model.Section, group []placed) (Conflict, bool) {
	involved := make(map[string]bool)
	minGap := math.Inf(1)
	for i := range group {
		for j := i + 1; j < len(group); j++ {
			if group[i].forward != group[j].forward {
				continue
			}
			gap := math.Abs(group[i].posKm - group[j].posKm)
			if gap >= d.cfg.ProximityKm {
				continue
			}
			involved[group[i].train.ID] = true
			involved[group[j].train.ID] = true
			if gap < minGap {
				minGap = gap
			}
		}
	}
	if len(involved) < 2 {
		return Conflict{}, false
	}
	ids := make([]string, 0, len(involved))
	for id := range involved {
		ids = append(ids, id)
	}
	c, err := New(TypeProximity, sec.ID, "", proximitySeverity(minGap, d.cfg.ProximityKm), ids, minGap)
	if err != nil {
		return Conflict{}, false
	}
	return c, true
}

func (d *Detector) platform(net *model.Network, trains []model.Train) []Conflict {
	type approach struct {
		id        string
		sectionID string
		remainKm  float64
	}
	byStation := make(map[string][]approach)
	for _, t := range trains {
		if !t.Active() || t.Progress < d.cfg.PlatformApproach {
			continue
		}
		next := t.NextStation()
		sec, ok := net.Section(t.SectionID)
		if next == "" || !ok {
			continue
		}
		byStation[next] = append(byStation[next], approach{
			id:        t.ID,
			sectionID: t.SectionID,
			remainKm:  (1 - t.Progress) * sec.LengthKm,
		})
	}

	var out []Conflict
	for _, code := range sortedKeys(byStation) {
		st, ok := net.Station(code)
		if !ok {
			continue
		}
		arrivals := byStation[code]
		platforms := st.Platforms
		if platforms <= 0 {
			platforms = 1
		}
		if len(arrivals) <= platforms {
			continue
		}
		sort.Slice(arrivals, func(i, j int) bool {
			if arrivals[i].remainKm == arrivals[j].remainKm {
				return arrivals[i].id < arrivals[j].id
			}
			return arrivals[i].remainKm < arrivals[j].remainKm
		})
		ids := make([]string, 0, len(arrivals))
		for _, a := range arrivals {
			ids = append(ids, a.id)
		}
		gap := arrivals[1].remainKm - arrivals[0].remainKm
		severity := SeverityMedium
		if len(arrivals)-platforms >= 2 {
			severity = SeverityHigh
		}
		c, err := New(TypePlatform, arrivals[0].sectionID, code, severity, ids, gap)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func headOnSeverity(gapKm float64) Severity {
	switch {
	case gapKm < 1:
		return SeverityCritical
	case gapKm < 3:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func proximitySeverity(gapKm, thresholdKm float64) Severity {
	switch {
	case gapKm < thresholdKm*0.25:
		return SeverityCritical
	case gapKm < thresholdKm*0.5:
		return SeverityHigh
	case gapKm < thresholdKm*0.75:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func trainIDs(group []placed) []string {
	ids := make([]string, 0, len(group))
	for _, p := range group {
		ids = append(ids, p.train.ID)
	}
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
