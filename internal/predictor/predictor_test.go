package predictor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/encoder"
	"github.com/signalsfoundry/railtwin/model"
)

var severities = []conflict.Severity{
	conflict.SeverityLow, conflict.SeverityMedium, conflict.SeverityHigh, conflict.SeverityCritical,
}

func headOn(severity conflict.Severity, distanceKm float64, trains ...string) conflict.Conflict {
	if len(trains) == 0 {
		trains = []string{"T1", "T2"}
	}
	return conflict.Conflict{
		ID: "head-on_S1", Type: conflict.TypeHeadOn, SectionID: "S1",
		Severity: severity, TrainIDs: trains, DistanceKm: distanceKm,
	}
}

func encoded(t *testing.T) *encoder.State {
	t.Helper()
	net, err := model.NewNetwork(
		[]model.Station{{Code: "A"}, {Code: "B"}},
		[]model.Section{{ID: "S1", From: "A", To: "B", LengthKm: 10, BaseSpeedKmh: 100}},
	)
	if err != nil {
		t.Fatalf("NewNetwork() error = %v", err)
	}
	return encoder.New(5).Encode(net, []model.Train{
		{ID: "T1", Priority: 5, SectionID: "S1", SpeedKmh: 100, Status: model.StatusCruising},
		{ID: "T2", Priority: 2, SectionID: "S1", DelaySeconds: 1200, Status: model.StatusCruising},
	})
}

func TestHeuristicFormula(t *testing.T) {
	tests := []struct {
		name string
		c    conflict.Conflict
		want float64
	}{
		{"critical touching", headOn(conflict.SeverityCritical, 0), 0.5 + 0.3*2.0/3 + 0.2},
		{"low far", headOn(conflict.SeverityLow, 10), 0.1 + 0.2},
		{"medium mid", headOn(conflict.SeverityMedium, 2.5, "a", "b", "c"), 0.25 + 0.3 + 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Heuristic{}.Score(context.Background(), tt.c, nil)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreIsMonotoneInSeverityAndProximity(t *testing.T) {
	st := encoded(t)
	learned, err := NewLearned(NewLinearScorer(LinearWeights{Bias: -1, Severity: 2}))
	if err != nil {
		t.Fatalf("NewLearned() error = %v", err)
	}
	for _, p := range []Predictor{Heuristic{}, learned} {
		for _, d := range []float64{0, 1, 2.5, 4, 8} {
			prev := -1.0
			for _, s := range severities {
				got := p.Score(context.Background(), headOn(s, d), st)
				if got < prev {
					t.Fatalf("%s: score fell from %v to %v raising severity to %s at %vkm", p.Name(), prev, got, s, d)
				}
				prev = got
			}
		}
		for _, s := range severities {
			near := p.Score(context.Background(), headOn(s, 0.5), st)
			far := p.Score(context.Background(), headOn(s, 4.5), st)
			if near < far {
				t.Fatalf("%s: nearer conflict scored lower (%v < %v)", p.Name(), near, far)
			}
		}
	}
}

func FuzzHeuristicBounded(f *testing.F) {
	f.Add(0, 0.0, 2)
	f.Add(3, 12.5, 7)
	f.Add(2, -1.0, 0)
	f.Fuzz(func(t *testing.T, sev int, distance float64, n int) {
		if n < 0 || n > 64 {
			t.Skip()
		}
		s := severities[((sev%4)+4)%4]
		ids := make([]string, n)
		c := headOn(s, distance, ids...)
		c.TrainIDs = ids
		got := Heuristic{}.Score(context.Background(), c, nil)
		if got < 0 || got > 1 || math.IsNaN(got) {
			t.Fatalf("Score(%s, %v, %d) = %v outside [0,1]", s, distance, n, got)
		}
		if again := (Heuristic{}).Score(context.Background(), c, nil); again != got {
			t.Fatalf("Score not deterministic: %v then %v", got, again)
		}
	})
}

func FuzzLearnedBounded(f *testing.F) {
	f.Add(1, 0.5, 2, 0.5)
	f.Add(3, 0.0, 5, 1.0)
	f.Add(0, -4.0, 0, -0.2)
	f.Add(2, 40.0, 3, 1.5)
	f.Add(1, 1.0, 2, math.NaN())
	f.Fuzz(func(t *testing.T, sev int, distance float64, n int, modelOut float64) {
		if n < 0 || n > 64 {
			t.Skip()
		}
		s := severities[((sev%4)+4)%4]
		ids := make([]string, n)
		c := headOn(s, distance, ids...)
		c.TrainIDs = ids
		p, err := NewLearned(&stubScorer{out: modelOut})
		if err != nil {
			t.Fatalf("NewLearned() error = %v", err)
		}
		got := p.Score(context.Background(), c, nil)
		if got < 0 || got > 1 || math.IsNaN(got) {
			t.Fatalf("Score(%s, %v, %d, model=%v) = %v outside [0,1]", s, distance, n, modelOut, got)
		}
		if math.IsNaN(modelOut) || modelOut < 0 || modelOut > 1 {
			if want := (Heuristic{}).Score(context.Background(), c, nil); got != want {
				t.Fatalf("out-of-range model %v scored %v, want heuristic %v", modelOut, got, want)
			}
		}
	})
}

type stubScorer struct {
	out   float64
	err   error
	panic bool
	calls int
}

func (s *stubScorer) Score(context.Context, conflict.Conflict, *encoder.State) (float64, error) {
	s.calls++
	if s.panic {
		panic("model exploded")
	}
	return s.out, s.err
}

type countingRecorder struct{ n int }

func (c *countingRecorder) IncPredictorFallback() { c.n++ }

func TestLearnedCombinesModelOutput(t *testing.T) {
	p, err := NewLearned(&stubScorer{out: 0.5})
	if err != nil {
		t.Fatalf("NewLearned() error = %v", err)
	}
	got := p.Score(context.Background(), headOn(conflict.SeverityHigh, 0), nil)
	want := 0.4*0.8 + 0.2*2.0/3 + 0.2 + 0.1
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("Score() = %v, want %v", got, want)
	}
}

func TestLearnedFallsBackPerCall(t *testing.T) {
	tests := []struct {
		name   string
		scorer *stubScorer
	}{
		{"error", &stubScorer{err: errors.New("tensor shape mismatch")}},
		{"panic", &stubScorer{panic: true}},
		{"out of range", &stubScorer{out: 1.7}},
		{"nan", &stubScorer{out: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &countingRecorder{}
			p, err := NewLearned(tt.scorer, WithFallbackRecorder(rec), WithLogger(nil))
			if err != nil {
				t.Fatalf("NewLearned() error = %v", err)
			}
			c := headOn(conflict.SeverityMedium, 1)
			got := p.Score(context.Background(), c, nil)
			if want := (Heuristic{}).Score(context.Background(), c, nil); got != want {
				t.Fatalf("Score() = %v, want heuristic %v", got, want)
			}
			p.Score(context.Background(), c, nil)
			if rec.n != 2 || tt.scorer.calls != 2 {
				t.Fatalf("fallbacks=%d calls=%d, want the model retried on every call", rec.n, tt.scorer.calls)
			}
		})
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	if p, err := New("", nil); err != nil || p.Name() != "heuristic" {
		t.Fatalf("New(\"\") = %v, %v", p, err)
	}
	if _, err := New(KindLearned, nil); !errors.Is(err, ErrScorerUnavailable) {
		t.Fatalf("New(learned, nil) error = %v, want ErrScorerUnavailable", err)
	}
	if _, err := New("neural", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("New(neural) error = %v, want ErrUnknownKind", err)
	}
	if p, err := New(KindLearned, &stubScorer{}); err != nil || p.Name() != "learned" {
		t.Fatalf("New(learned) = %v, %v", p, err)
	}
}

func TestLinearScorer(t *testing.T) {
	st := encoded(t)
	s := NewLinearScorer(LinearWeights{})
	out, err := s.Score(context.Background(), headOn(conflict.SeverityHigh, 1), st)
	if err != nil || out != 0.5 {
		t.Fatalf("zero-weight Score() = %v, %v; want 0.5", out, err)
	}
	if _, err := s.Score(context.Background(), headOn(conflict.SeverityHigh, 1), nil); err == nil {
		t.Fatalf("expected error without encoded state")
	}
	if _, err := s.Score(context.Background(), headOn(conflict.SeverityHigh, 1, "X", "Y"), st); err == nil {
		t.Fatalf("expected error when no conflict train is encoded")
	}

	heavy := NewLinearScorer(LinearWeights{Congestion: 4, Delay: 2})
	hi, _ := heavy.Score(context.Background(), headOn(conflict.SeverityHigh, 1), st)
	if hi <= 0.5 {
		t.Fatalf("congested delayed conflict scored %v, want > 0.5", hi)
	}
}

func TestLoadLinearScorer(t *testing.T) {
	if _, err := LoadLinearScorer(""); !errors.Is(err, ErrScorerUnavailable) {
		t.Fatalf("empty path error = %v", err)
	}
	if _, err := LoadLinearScorer(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrScorerUnavailable) {
		t.Fatalf("missing file error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(path, []byte("bias: 0\nseverity: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadLinearScorer(path)
	if err != nil {
		t.Fatalf("LoadLinearScorer() error = %v", err)
	}
	out, err := s.Score(context.Background(), headOn(conflict.SeverityLow, 3), encoded(t))
	if err != nil || out != 0.5 {
		t.Fatalf("loaded Score() = %v, %v", out, err)
	}
}
