package optimizer

import (
	"context"
	"math"
	"time"
)

// deadlineCheckEvery is how many search nodes pass between clock reads.
const deadlineCheckEvery = 128

// search is the state of one branch-and-bound run. Candidates are explored
// in priority order, so among equal-cost orderings the first found (the
// priority ordering) is kept.
type search struct {
	o        *Optimizer
	ctx      context.Context
	trains   []Candidate
	weights  []float64
	deadline time.Time

	used  []bool
	order []int
	holds []int

	best      float64
	bestOrder []int
	bestHolds []int

	nodes   int
	expired bool
}

// solveExact minimizes the weighted hold sum subject to:
//   - exactly one winner with hold 0;
//   - each later train held at least one headway after the one before it;
//   - each non-winner held at least the priority-gap floor;
//   - no hold above the configured maximum.
func (o *Optimizer) solveExact(ctx context.Context, p Problem, deadline time.Time) (Result, error) {
	if o.cfg.SolveBudget <= 0 {
		return Result{}, ErrBudgetExceeded
	}
	trains := sortedCandidates(p.Trains)
	s := &search{
		o:        o,
		ctx:      ctx,
		trains:   trains,
		weights:  make([]float64, len(trains)),
		deadline: deadline,
		used:     make([]bool, len(trains)),
		order:    make([]int, 0, len(trains)),
		holds:    make([]int, 0, len(trains)),
		best:     math.Inf(1),
	}
	for i, t := range trains {
		s.weights[i] = o.Weight(t.Priority)
	}

	s.expand(0, 0)
	if s.expired {
		return Result{}, ErrBudgetExceeded
	}
	if s.bestOrder == nil {
		return Result{}, ErrInfeasible
	}

	res := Result{Path: PathExact, Objective: s.best, Assignments: make([]Assignment, len(s.bestOrder))}
	for k, idx := range s.bestOrder {
		res.Assignments[k] = Assignment{
			TrainID:     trains[idx].TrainID,
			Precedes:    k == 0,
			HoldSeconds: s.bestHolds[k],
		}
	}
	return res, nil
}

func (s *search) timeUp() bool {
	if s.expired {
		return true
	}
	s.nodes++
	if s.nodes%deadlineCheckEvery != 0 {
		return false
	}
	if s.ctx.Err() != nil || s.o.now().After(s.deadline) {
		s.expired = true
	}
	return s.expired
}

func (s *search) expand(lastHold int, cost float64) {
	if s.timeUp() {
		return
	}
	depth := len(s.order)
	if depth == len(s.trains) {
		if cost < s.best {
			s.best = cost
			s.bestOrder = append(s.bestOrder[:0], s.order...)
			s.bestHolds = append(s.bestHolds[:0], s.holds...)
		}
		return
	}
	if s.bound(lastHold, cost) >= s.best {
		return
	}

	headway := s.o.cfg.MinHeadwaySeconds
	for i := range s.trains {
		if s.used[i] {
			continue
		}
		hold := 0
		if depth > 0 {
			hold = lastHold + headway
			if floor := s.o.holdFloor(s.trains[s.order[0]], s.trains[i]); floor > hold {
				hold = floor
			}
			if hold > s.o.cfg.MaxHoldSeconds {
				continue
			}
		}
		s.used[i] = true
		s.order = append(s.order, i)
		s.holds = append(s.holds, hold)

		s.expand(hold, cost+float64(hold)*s.weights[i])

		s.order = s.order[:depth]
		s.holds = s.holds[:depth]
		s.used[i] = false
		if s.expired {
			return
		}
	}
}

// bound is an optimistic completion cost: every unplaced train is held at
// least one headway beyond the current hold.
func (s *search) bound(lastHold int, cost float64) float64 {
	if len(s.order) == 0 {
		return cost
	}
	next := float64(lastHold + s.o.cfg.MinHeadwaySeconds)
	for i := range s.trains {
		if !s.used[i] {
			cost += next * s.weights[i]
		}
	}
	return cost
}
