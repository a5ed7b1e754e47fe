package optimizer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/model"
)

func problem(kind conflict.Type, trains ...Candidate) Problem {
	return Problem{
		Conflict: conflict.Conflict{ID: string(kind) + "_S1", Type: kind, SectionID: "S1"},
		Trains:   trains,
		Section:  model.Section{ID: "S1", From: "A", To: "B", LengthKm: 10, Tracks: 1},
		From:     model.Station{Code: "A"},
		To:       model.Station{Code: "B", Junction: true},
	}
}

type solveCounter struct{ paths []string }

func (s *solveCounter) ObserveSolve(path string, _ time.Duration) { s.paths = append(s.paths, path) }

func checkShape(t *testing.T, cfg Config, res Result, n int) {
	t.Helper()
	if len(res.Assignments) != n {
		t.Fatalf("assignments = %d, want %d", len(res.Assignments), n)
	}
	winners := 0
	for i, a := range res.Assignments {
		if a.Precedes {
			winners++
			if i != 0 || a.HoldSeconds != 0 {
				t.Fatalf("winner %s at %d with hold %d", a.TrainID, i, a.HoldSeconds)
			}
			continue
		}
		if a.HoldSeconds < cfg.MinHeadwaySeconds {
			t.Fatalf("%s hold %d below headway %d", a.TrainID, a.HoldSeconds, cfg.MinHeadwaySeconds)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly one", winners)
	}
}

func TestSolveHeadOnExpressOverFreight(t *testing.T) {
	rec := &solveCounter{}
	o := New(DefaultConfig(), WithSolveRecorder(rec))
	res, err := o.Solve(context.Background(), problem(conflict.TypeHeadOn,
		Candidate{TrainID: "T2", Priority: 2, DelaySeconds: 1200, Type: model.TrainFreight},
		Candidate{TrainID: "T1", Priority: 5, Type: model.TrainExpress},
	))
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.Path != PathExact {
		t.Fatalf("path = %s (%s), want exact", res.Path, res.FallbackReason)
	}
	checkShape(t, o.Config(), res, 2)
	if diff := cmp.Diff(map[string]int{"T1": 0, "T2": 180}, res.Holds()); diff != "" {
		t.Fatalf("holds (-want +got):\n%s", diff)
	}
	if res.Winner() != "T1" || res.CrossingStation != "B" || res.Objective != 360 {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff([]string{"exact"}, rec.paths); diff != "" {
		t.Fatalf("recorded paths (-want +got):\n%s", diff)
	}
}

func TestSolveSpacesEveryFollower(t *testing.T) {
	o := New(DefaultConfig())
	res, err := o.Solve(context.Background(), problem(conflict.TypeProximity,
		Candidate{TrainID: "C", Priority: 1},
		Candidate{TrainID: "A", Priority: 5},
		Candidate{TrainID: "B", Priority: 3},
	))
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	checkShape(t, o.Config(), res, 3)
	if diff := cmp.Diff([]string{"A", "B", "C"}, res.Order()); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"A": 0, "B": 120, "C": 240}, res.Holds()); diff != "" {
		t.Fatalf("holds (-want +got):\n%s", diff)
	}
	if res.CrossingStation != "" {
		t.Fatalf("crossing station on proximity conflict = %q", res.CrossingStation)
	}
}

func TestSolveFallsBackWithoutBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SolveBudget = 0
	rec := &solveCounter{}
	o := New(cfg, WithSolveRecorder(rec))
	res, err := o.Solve(context.Background(), problem(conflict.TypeProximity,
		Candidate{TrainID: "X", Priority: 3},
		Candidate{TrainID: "Y", Priority: 3, DelaySeconds: 60},
		Candidate{TrainID: "Z", Priority: 3},
	))
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.Path != PathFallback || !strings.Contains(res.FallbackReason, "budget") {
		t.Fatalf("path = %s reason = %q, want budget fallback", res.Path, res.FallbackReason)
	}
	checkShape(t, cfg, res, 3)
	if diff := cmp.Diff([]string{"Y", "X", "Z"}, res.Order()); diff != "" {
		t.Fatalf("greedy order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"fallback"}, rec.paths); diff != "" {
		t.Fatalf("recorded paths (-want +got):\n%s", diff)
	}
}

func TestSolveInfeasibleUsesGreedy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHoldSeconds = 150
	o := New(cfg)
	res, err := o.Solve(context.Background(), problem(conflict.TypeProximity,
		Candidate{TrainID: "A", Priority: 2},
		Candidate{TrainID: "B", Priority: 2},
		Candidate{TrainID: "C", Priority: 2},
	))
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.Path != PathFallback || !strings.Contains(res.FallbackReason, ErrInfeasible.Error()) {
		t.Fatalf("path = %s reason = %q, want infeasible fallback", res.Path, res.FallbackReason)
	}
	checkShape(t, cfg, res, 3)
	for _, a := range res.Assignments {
		if a.HoldSeconds > cfg.MaxHoldSeconds {
			t.Fatalf("%s hold %d above max", a.TrainID, a.HoldSeconds)
		}
	}
}

func TestSolveIsDeterministic(t *testing.T) {
	o := New(DefaultConfig())
	a := []Candidate{
		{TrainID: "P", Priority: 4, DelaySeconds: 30},
		{TrainID: "Q", Priority: 4},
		{TrainID: "R", Priority: 1, DelaySeconds: 900},
		{TrainID: "S", Priority: 3},
	}
	b := []Candidate{a[3], a[1], a[2], a[0]}
	first, err := o.Solve(context.Background(), problem(conflict.TypeProximity, a...))
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := o.Solve(context.Background(), problem(conflict.TypeProximity, b...))
		if err != nil {
			t.Fatalf("Solve() error = %v", err)
		}
		if diff := cmp.Diff(first, again, cmpopts.IgnoreFields(Result{}, "Elapsed")); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestSolveRejectsMalformedProblems(t *testing.T) {
	o := New(DefaultConfig())
	if _, err := o.Solve(context.Background(), problem(conflict.TypeHeadOn, Candidate{TrainID: "T1"})); !errors.Is(err, ErrTooFewTrains) {
		t.Fatalf("single train error = %v", err)
	}
	if _, err := o.Solve(context.Background(), problem(conflict.TypeHeadOn,
		Candidate{TrainID: "T1"}, Candidate{TrainID: "T1"})); !errors.Is(err, ErrDuplicateTrain) {
		t.Fatalf("duplicate train error = %v", err)
	}
}

func TestCrossingStation(t *testing.T) {
	p := problem(conflict.TypeHeadOn)
	if got := CrossingStation(p); got != "B" {
		t.Fatalf("junction at To: got %q", got)
	}
	p.From.Junction = true
	if got := CrossingStation(p); got != "A" {
		t.Fatalf("both junctions: got %q, want From", got)
	}
	p.From.Junction, p.To.Junction = false, false
	if got := CrossingStation(p); got != "A" {
		t.Fatalf("no junctions: got %q, want From", got)
	}
}

func TestWeightGrowsWithImportance(t *testing.T) {
	o := New(Config{PriorityCeiling: 5, DelayPenalty: 2})
	if o.Weight(5) <= o.Weight(1) {
		t.Fatalf("top priority weight %v not above bottom %v", o.Weight(5), o.Weight(1))
	}
	for p := 1; p <= 5; p++ {
		if got, want := o.Weight(p), 2*float64(p); got != want {
			t.Fatalf("Weight(%d) = %v, want delay_penalty*priority = %v", p, got, want)
		}
	}
	if o.Weight(9) != o.Weight(5) || o.Weight(-3) != o.Weight(1) {
		t.Fatalf("out-of-range priorities not clamped")
	}
	if o.Config().MinHeadwaySeconds != DefaultConfig().MinHeadwaySeconds {
		t.Fatalf("zero headway not defaulted")
	}
}
