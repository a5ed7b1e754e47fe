// Package policy provides secondary action sources for recommendation
// fusion. A policy's proposal is merged with the optimizer's result and is
// never trusted on its own.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/optimizer"
)

// Kind selects a secondary policy.
type Kind string

const (
	KindNone       Kind = "none"
	KindDelayAware Kind = "delay_aware"
)

var (
	// ErrUnknownKind is returned for an unrecognised policy kind.
	ErrUnknownKind = errors.New("unknown secondary policy")
	// ErrNoCandidates is returned when there is nothing to order.
	ErrNoCandidates = errors.New("no candidate trains")
)

// Proposal is a policy's suggested precedence and holds.
type Proposal struct {
	Order []string
	Holds map[string]int
}

// Winner returns the first train in the proposed order.
func (p Proposal) Winner() string {
	if len(p.Order) == 0 {
		return ""
	}
	return p.Order[0]
}

// Policy proposes a precedence for a conflict.
type Policy interface {
	Name() string
	Propose(ctx context.Context, c conflict.Conflict, trains []optimizer.Candidate) (Proposal, error)
}

// Config tunes the built-in policies.
type Config struct {
	Kind Kind `yaml:"kind" validate:"omitempty,oneof=none delay_aware"`
	// DelayCreditSeconds is how much accumulated delay counts as one
	// priority level for the delay-aware policy.
	DelayCreditSeconds float64 `yaml:"delay_credit_seconds" validate:"gte=0"`
}

// New selects a policy. KindNone (or empty) yields a nil Policy, which
// fusion treats as "no secondary source".
func New(cfg Config, headwaySeconds int) (Policy, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindDelayAware:
		return NewDelayAware(cfg.DelayCreditSeconds, headwaySeconds), nil
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Kind, ErrUnknownKind)
	}
}

// DelayAware ranks trains by priority plus a credit for delay already
// accumulated, so a badly late train can overtake one a level above it.
type DelayAware struct {
	creditSeconds  float64
	headwaySeconds int
}

// NewDelayAware constructs the policy; zero arguments use 900s of delay per
// priority level and a 120s headway.
func NewDelayAware(creditSeconds float64, headwaySeconds int) *DelayAware {
	if creditSeconds <= 0 {
		creditSeconds = 900
	}
	if headwaySeconds <= 0 {
		headwaySeconds = 120
	}
	return &DelayAware{creditSeconds: creditSeconds, headwaySeconds: headwaySeconds}
}

// Name implements Policy.
func (p *DelayAware) Name() string { return string(KindDelayAware) }

// Propose implements Policy.
func (p *DelayAware) Propose(_ context.Context, _ conflict.Conflict, trains []optimizer.Candidate) (Proposal, error) {
	if len(trains) == 0 {
		return Proposal{}, ErrNoCandidates
	}
	ranked := append([]optimizer.Candidate(nil), trains...)
	score := func(c optimizer.Candidate) float64 {
		return float64(c.Priority) + c.DelaySeconds/p.creditSeconds
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := score(ranked[i]), score(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].TrainID < ranked[j].TrainID
	})

	out := Proposal{Order: make([]string, len(ranked)), Holds: make(map[string]int, len(ranked))}
	for k, c := range ranked {
		out.Order[k] = c.TrainID
		out.Holds[c.TrainID] = k * p.headwaySeconds
	}
	return out, nil
}
