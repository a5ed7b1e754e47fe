package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/railtwin/internal/fusion"
)

type failingStore struct{ err error }

func (f failingStore) Name() string                                 { return "broken" }
func (f failingStore) Append(context.Context, OverrideRecord) error { return f.err }
func (f failingStore) List(context.Context) ([]OverrideRecord, error) {
	return nil, f.err
}

type countingRecorder struct{ byStore map[string]int }

func (c *countingRecorder) IncOverride(store string) { c.byStore[store]++ }

func openMemoryBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func humanOrder(t *testing.T, ids ...string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"precedence": ids})
	require.NoError(t, err)
	return raw
}

func sampleRecommendation() *fusion.Recommendation {
	return &fusion.Recommendation{
		ConflictID: "head-on_S1",
		Precedence: []string{"T1", "T2"},
		Holds:      map[string]int{"T1": 0, "T2": 180},
		Confidence: 0.8,
		Source:     fusion.SourceOptimizerExact,
		Attribution: map[string]float64{
			fusion.FeaturePriority: 1,
		},
	}
}

func TestSubmitWithoutPriorRecommendationIsPersisted(t *testing.T) {
	ctx := context.Background()
	store := openMemoryBadger(t)
	loop, err := NewLoop(store, nil)
	require.NoError(t, err)

	rc, err := loop.Submit(ctx, OverrideRecord{
		ConflictID:    "head-on_S1",
		HumanSolution: humanOrder(t, "T2", "T1"),
		Reason:        "freight must clear the yard",
	})
	require.NoError(t, err)
	assert.Equal(t, "badger", rc.Store)
	assert.False(t, rc.Fallback)
	assert.NotEmpty(t, rc.ID)

	recs, err := loop.List(ctx, "head-on_S1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].AISolution)
	assert.Equal(t, rc.ID, recs[0].ID)
	assert.Equal(t, "freight must clear the yard", recs[0].Reason)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestSubmitFallsBackToFileLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "overrides", "fallback.jsonl")
	log, err := NewFileLog(path)
	require.NoError(t, err)
	assert.Equal(t, path, log.Path())
	rec := &countingRecorder{byStore: map[string]int{}}

	loop, err := NewLoop(failingStore{err: errors.New("disk full")}, log, WithOverrideRecorder(rec))
	require.NoError(t, err)

	rc, err := loop.Submit(ctx, OverrideRecord{
		ConflictID:    "proximity_S2",
		AISolution:    sampleRecommendation(),
		HumanSolution: humanOrder(t, "T2", "T1"),
	})
	require.NoError(t, err)
	assert.True(t, rc.Fallback)
	assert.Equal(t, "file", rc.Store)
	assert.Equal(t, 1, rec.byStore["file"])

	recs, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].AISolution)
	assert.Equal(t, []string{"T1", "T2"}, recs[0].AISolution.Precedence)
}

func TestSubmitFailsOnlyWhenBothStoresFail(t *testing.T) {
	bad := failingStore{err: errors.New("unavailable")}
	loop, err := NewLoop(bad, bad)
	require.NoError(t, err)

	_, err = loop.Submit(context.Background(), OverrideRecord{
		ConflictID:    "platform_B",
		HumanSolution: humanOrder(t, "T1", "T2"),
	})
	require.ErrorIs(t, err, ErrNotDurable)
}

func TestSubmitRejectsIncompleteRecords(t *testing.T) {
	loop, err := NewLoop(NewMemoryStore(), nil)
	require.NoError(t, err)

	_, err = loop.Submit(context.Background(), OverrideRecord{HumanSolution: humanOrder(t, "T1")})
	assert.ErrorIs(t, err, ErrMissingConflict)

	_, err = loop.Submit(context.Background(), OverrideRecord{ConflictID: "head-on_S1"})
	assert.ErrorIs(t, err, ErrMissingSolution)
}

func TestReward(t *testing.T) {
	cases := []struct {
		name    string
		outcome *Outcome
		matches bool
		want    float64
	}{
		{name: "no outcome", want: -0.3},
		{name: "human beat estimate", outcome: &Outcome{ActualDelaySeconds: 100, AIEstimatedDelaySeconds: 300}, want: -1.0},
		{name: "human did worse", outcome: &Outcome{ActualDelaySeconds: 400, AIEstimatedDelaySeconds: 300}, want: -0.3},
		{name: "same as ai", outcome: &Outcome{ActualDelaySeconds: 100, AIEstimatedDelaySeconds: 300}, matches: true, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Reward(OverrideRecord{Outcome: tc.outcome, MatchesAI: tc.matches})
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestSubmitAdjustsTrust(t *testing.T) {
	trust, err := fusion.NewTrust(fusion.DefaultTrustWeights(), fusion.DecayTrust{LearningRate: 0.2, Floor: 0.05})
	require.NoError(t, err)
	loop, err := NewLoop(NewMemoryStore(), nil, WithTrust(trust))
	require.NoError(t, err)

	before := trust.Weights().Optimizer
	for i := 0; i < 3; i++ {
		_, err := loop.Submit(context.Background(), OverrideRecord{
			ConflictID:    "head-on_S1",
			AISolution:    sampleRecommendation(),
			HumanSolution: humanOrder(t, "T2", "T1"),
		})
		require.NoError(t, err)
	}
	after := trust.Weights()
	assert.Less(t, after.Optimizer, before)
	assert.InDelta(t, 1.0, after.Optimizer+after.SecondaryPolicy+after.RiskModel, 1e-9)
}

func TestSubmitMatchingAIDoesNotMoveTrust(t *testing.T) {
	trust, err := fusion.NewTrust(fusion.DefaultTrustWeights(), fusion.DecayTrust{LearningRate: 0.2, Floor: 0.05})
	require.NoError(t, err)
	store := NewMemoryStore()
	loop, err := NewLoop(store, nil, WithTrust(trust))
	require.NoError(t, err)

	before := trust.Weights()
	rc, err := loop.Submit(context.Background(), OverrideRecord{
		ConflictID:    "head-on_S1",
		AISolution:    sampleRecommendation(),
		HumanSolution: humanOrder(t, "T1", "T2"),
	})
	require.NoError(t, err)
	assert.True(t, rc.MatchesAI)
	assert.Zero(t, rc.Reward)
	assert.Equal(t, before, trust.Weights())

	recs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].MatchesAI)

	for _, human := range []json.RawMessage{
		humanOrder(t, "T2", "T1"),
		json.RawMessage(`{"holds":{"T2":300}}`),
		json.RawMessage(`"let T2 wait"`),
	} {
		rc, err := loop.Submit(context.Background(), OverrideRecord{
			ConflictID:    "head-on_S1",
			AISolution:    sampleRecommendation(),
			HumanSolution: human,
		})
		require.NoError(t, err)
		assert.False(t, rc.MatchesAI, "human solution %s", human)
	}

	rc, err = loop.Submit(context.Background(), OverrideRecord{
		ConflictID:    "head-on_S1",
		HumanSolution: humanOrder(t, "T1", "T2"),
	})
	require.NoError(t, err)
	assert.False(t, rc.MatchesAI)
}

func TestReplayMovesFallbackRecords(t *testing.T) {
	ctx := context.Background()
	log, err := NewFileLog(filepath.Join(t.TempDir(), "fallback.jsonl"))
	require.NoError(t, err)

	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b"} {
		require.NoError(t, log.Append(ctx, OverrideRecord{
			ID:            id,
			ConflictID:    "head-on_S1",
			HumanSolution: humanOrder(t, "T2", "T1"),
			Timestamp:     t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	store := openMemoryBadger(t)
	loop, err := NewLoop(store, log)
	require.NoError(t, err)

	moved, err := loop.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	pending, err := log.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}
