package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/logging"
)

// OverrideRecorder counts persisted overrides by store.
type OverrideRecorder interface {
	IncOverride(store string)
}

// Loop persists overrides and feeds their reward to the trust weights.
type Loop struct {
	primary  Store
	fallback Store
	trust    *fusion.Trust
	log      logging.Logger
	metrics  OverrideRecorder
	now      func() time.Time
}

// Option customises a Loop.
type Option func(*Loop)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// WithOverrideRecorder attaches a metrics recorder.
func WithOverrideRecorder(r OverrideRecorder) Option {
	return func(lp *Loop) { lp.metrics = r }
}

// WithTrust routes rewards into the shared trust weights.
func WithTrust(t *fusion.Trust) Option {
	return func(lp *Loop) { lp.trust = t }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(lp *Loop) {
		if now != nil {
			lp.now = now
		}
	}
}

// NewLoop builds a feedback loop. primary must be non-nil; fallback may be
// nil, in which case a primary failure is returned to the caller.
func NewLoop(primary, fallback Store, opts ...Option) (*Loop, error) {
	if primary == nil {
		return nil, errors.New("feedback loop needs a primary store")
	}
	lp := &Loop{primary: primary, fallback: fallback, log: logging.Noop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(lp)
		}
	}
	return lp, nil
}

// Submit durably appends r and applies its reward. The record is written
// to the fallback log when the primary store fails; only a failure of both
// is an error.
func (lp *Loop) Submit(ctx context.Context, r OverrideRecord) (Receipt, error) {
	if err := r.validate(); err != nil {
		return Receipt{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = lp.now().UTC()
	}
	if r.AISolution != nil {
		clone := r.AISolution.Clone()
		r.AISolution = &clone
	}
	r.MatchesAI = r.confirmsAI()

	rc := Receipt{ID: r.ID, Reward: Reward(r), MatchesAI: r.MatchesAI}
	perr := lp.primary.Append(ctx, r)
	switch {
	case perr == nil:
		rc.Store = lp.primary.Name()
	case lp.fallback == nil:
		return Receipt{}, fmt.Errorf("%w: %s: %v", ErrNotDurable, lp.primary.Name(), perr)
	default:
		lp.log.Warn(ctx, "primary override store failed; writing fallback log",
			logging.String("override_id", r.ID),
			logging.String("conflict_id", r.ConflictID),
			logging.Err(perr),
		)
		if ferr := lp.fallback.Append(ctx, r); ferr != nil {
			lp.log.Error(ctx, "override lost: fallback log also failed",
				logging.String("override_id", r.ID),
				logging.Err(ferr),
			)
			return Receipt{}, fmt.Errorf("%w: %s: %v; %s: %v", ErrNotDurable,
				lp.primary.Name(), perr, lp.fallback.Name(), ferr)
		}
		rc.Store = lp.fallback.Name()
		rc.Fallback = true
	}
	if lp.metrics != nil {
		lp.metrics.IncOverride(rc.Store)
	}

	if lp.trust != nil && r.AISolution != nil && !r.MatchesAI {
		w := lp.trust.ApplyReward(r.AISolution.Source, rc.Reward)
		lp.log.Debug(ctx, "trust weights after override",
			logging.String("source", string(r.AISolution.Source)),
			logging.Float("reward", rc.Reward),
			logging.Float("optimizer", w.Optimizer),
			logging.Float("secondary_policy", w.SecondaryPolicy),
			logging.Float("risk_model", w.RiskModel),
		)
	}
	lp.log.Info(ctx, "override recorded",
		logging.String("override_id", r.ID),
		logging.String("conflict_id", r.ConflictID),
		logging.String("store", rc.Store),
		logging.Bool("had_ai_solution", r.AISolution != nil),
		logging.Bool("matches_ai", r.MatchesAI),
	)
	return rc, nil
}

// List returns every record for conflictID from both stores, oldest
// first. An empty conflictID lists everything.
func (lp *Loop) List(ctx context.Context, conflictID string) ([]OverrideRecord, error) {
	recs, err := lp.primary.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", lp.primary.Name(), err)
	}
	if lp.fallback != nil {
		more, err := lp.fallback.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", lp.fallback.Name(), err)
		}
		recs = mergeByTime(recs, more)
	}
	if conflictID == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.ConflictID == conflictID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Replay moves fallback-log records into the primary store and empties the
// log. Records already present in the primary are skipped.
func (lp *Loop) Replay(ctx context.Context) (int, error) {
	fl, ok := lp.fallback.(*FileLog)
	if !ok || fl == nil {
		return 0, nil
	}
	pending, err := fl.List(ctx)
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	existing, err := lp.primary.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", lp.primary.Name(), err)
	}
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.ID] = true
	}
	moved := 0
	for _, r := range pending {
		if seen[r.ID] {
			continue
		}
		if err := lp.primary.Append(ctx, r); err != nil {
			return moved, fmt.Errorf("replay override %s: %w", r.ID, err)
		}
		moved++
	}
	if err := fl.truncate(); err != nil {
		return moved, fmt.Errorf("truncate fallback log: %w", err)
	}
	lp.log.Info(ctx, "replayed fallback overrides", logging.Int("count", moved))
	return moved, nil
}

func mergeByTime(a, b []OverrideRecord) []OverrideRecord {
	out := make([]OverrideRecord, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Timestamp.Before(a[i].Timestamp) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
