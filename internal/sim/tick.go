package sim

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/railtwin/internal/conflict"
	"github.com/signalsfoundry/railtwin/internal/encoder"
	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/observability"
	"github.com/signalsfoundry/railtwin/internal/optimizer"
	"github.com/signalsfoundry/railtwin/internal/predictor"
	"github.com/signalsfoundry/railtwin/model"
)

// pipeline is the stateless per-conflict machinery shared by every run.
type pipeline struct {
	detector  *conflict.Detector
	encoder   *encoder.Encoder
	predictor predictor.Predictor
	optimizer *optimizer.Optimizer
	fusion    *fusion.Engine
	metrics   *observability.SimCollector
	log       logging.Logger
}

// onTick is the clock listener: one full tick of the run.
func (r *Run) onTick(now time.Time) {
	start := time.Now()
	ctx, span := observability.Tracer().Start(r.tickCtx, "sim.Tick")
	defer span.End()

	tick := r.clock.Steps()
	span.SetAttributes(attribute.String("run.id", r.id), attribute.Int64("run.tick", int64(tick)))

	r.advance(r.clock.Tick.Seconds())

	conflicts := r.p.detector.Detect(r.net, r.trains)
	st := r.p.encoder.Encode(r.net, r.trains)
	recs := make(map[string]fusion.Recommendation, len(conflicts))
	risk := make(map[string]float64, len(conflicts))
	factors := make(map[string]float64)

	for _, c := range conflicts {
		r.p.metrics.IncConflict(string(c.Type), string(c.Severity))
		score := r.p.predictor.Score(ctx, c, st)
		risk[c.ID] = score

		rec, ok := r.resolve(ctx, c, st, score, now)
		if !ok {
			continue
		}
		recs[c.ID] = rec
		r.applyHolds(rec)
		for id, f := range rec.SpeedMultipliers {
			if cur, seen := factors[id]; !seen || f < cur {
				factors[id] = f
			}
		}
	}
	r.speedFactor = factors
	span.SetAttributes(attribute.Int("run.conflicts", len(conflicts)))

	snap := r.buildSnapshot(now, tick, conflicts, recs, risk)
	r.snapshot.Store(snap)
	r.observers.broadcast(snap)
	r.p.metrics.ObserveTick(time.Since(start), false)
}

// resolve runs optimizer and fusion for one conflict. A conflict that
// cannot be resolved is logged and skipped; the tick carries on.
func (r *Run) resolve(ctx context.Context, c conflict.Conflict, st *encoder.State, risk float64, now time.Time) (fusion.Recommendation, bool) {
	cands := r.candidates(c)
	prob := optimizer.Problem{Conflict: c, Trains: cands}
	if sec, ok := r.net.Section(c.SectionID); ok {
		prob.Section = sec
		prob.From, _ = r.net.Station(sec.From)
		prob.To, _ = r.net.Station(sec.To)
	}
	res, solveErr := r.p.optimizer.Solve(ctx, prob)

	rec, err := r.p.fusion.Fuse(ctx, fusion.Input{
		Conflict:     c,
		Candidates:   cands,
		Optimizer:    res,
		OptimizerErr: solveErr,
		Risk:         risk,
		Congestion:   st.Congestion(c.SectionID),
		Now:          now,
	})
	if err != nil {
		r.log.Warn(ctx, "no recommendation for conflict",
			logging.String("conflict_id", c.ID),
			logging.Err(err),
		)
		return fusion.Recommendation{}, false
	}
	return rec, true
}

func (r *Run) candidates(c conflict.Conflict) []optimizer.Candidate {
	out := make([]optimizer.Candidate, 0, len(c.TrainIDs))
	for _, id := range c.TrainIDs {
		t, ok := r.train(id)
		if !ok {
			continue
		}
		out = append(out, optimizer.Candidate{
			TrainID:      t.ID,
			Priority:     t.Priority,
			DelaySeconds: t.DelaySeconds,
			Type:         t.Type,
		})
	}
	return out
}

func (r *Run) train(id string) (*model.Train, bool) {
	for i := range r.trains {
		if r.trains[i].ID == id {
			return &r.trains[i], true
		}
	}
	return nil, false
}

// applyHolds starts a hold on every non-winner not already holding.
func (r *Run) applyHolds(rec fusion.Recommendation) {
	for _, id := range rec.Precedence[1:] {
		t, ok := r.train(id)
		if !ok || !t.Active() || t.HoldRemaining > 0 {
			continue
		}
		if h := rec.Holds[id]; h > 0 {
			t.HoldRemaining = float64(h)
			t.SignalAspect = model.AspectRed
		}
	}
}

// advance moves every active train forward dt seconds.
func (r *Run) advance(dt float64) {
	for i := range r.trains {
		t := &r.trains[i]
		if !t.Active() || t.Status == model.StatusBlocked {
			continue
		}
		sec, ok := r.net.Section(t.SectionID)
		if !ok {
			t.Status = model.StatusBlocked
			t.SpeedKmh = 0
			continue
		}

		if t.HoldRemaining > 0 {
			dist, v := decelerateStep(t.SpeedKmh, 0, brakeKmhPerS, dt)
			t.SpeedKmh = v
			t.HoldRemaining = math.Max(0, t.HoldRemaining-dt)
			t.DelaySeconds += dt
			t.SignalAspect = model.AspectRed
			if v > 0 {
				t.Status = model.StatusBraking
			} else {
				t.Status = model.StatusQueued
			}
			r.move(t, sec, dist)
			continue
		}

		limit := sec.EffectiveSpeedKmh()
		maxSpeed := t.MaxSpeedKmh
		if maxSpeed <= 0 || maxSpeed > limit {
			maxSpeed = limit
		}
		target := maxSpeed
		t.SignalAspect = model.AspectGreen
		if f, ok := r.speedFactor[t.ID]; ok && f > 0 && f < 1 {
			target *= f
			t.SignalAspect = model.AspectYellow
		}

		var dist float64
		switch {
		case t.SpeedKmh < target:
			dist, t.SpeedKmh = accelerateStep(t.SpeedKmh, target, t.AccelKmhPerS, dt)
			t.Status = model.StatusAccelerating
		case t.SpeedKmh > target:
			dist, t.SpeedKmh = decelerateStep(t.SpeedKmh, target, brakeKmhPerS, dt)
			t.Status = model.StatusBraking
		default:
			dist = target * dt / 3600
		}
		if t.SpeedKmh == target && target > 0 {
			t.Status = model.StatusCruising
			if sec.Restricted() || target < t.MaxSpeedKmh {
				t.Status = model.StatusRestricted
			}
		}
		r.move(t, sec, dist)
	}
}

// move advances t by distKm, crossing into following sections as needed.
func (r *Run) move(t *model.Train, sec model.Section, distKm float64) {
	if sec.LengthKm <= 0 {
		t.Progress = 1
	} else {
		t.Progress += distKm / sec.LengthKm
	}
	for t.Progress >= 1 {
		overflowKm := (t.Progress - 1) * sec.LengthKm
		t.RouteIndex++
		next := t.NextStation()
		if next == "" {
			t.Status = model.StatusArrived
			t.SectionID = ""
			t.Progress = 1
			t.SpeedKmh = 0
			t.HoldRemaining = 0
			t.SignalAspect = model.AspectGreen
			return
		}
		ns, err := r.net.SectionBetween(t.LastStation(), next)
		if err != nil {
			r.log.Warn(r.tickCtx, "train has no section to next station",
				logging.String("train_id", t.ID),
				logging.String("from", t.LastStation()),
				logging.String("to", next),
				logging.Err(err),
			)
			t.Status = model.StatusBlocked
			t.SpeedKmh = 0
			t.Progress = 0
			return
		}
		t.SectionID = ns.ID
		sec = ns
		if ns.LengthKm <= 0 {
			t.Progress = 1
			continue
		}
		t.Progress = overflowKm / ns.LengthKm
	}
}

func (r *Run) buildSnapshot(now time.Time, tick uint64, conflicts []conflict.Conflict, recs map[string]fusion.Recommendation, risk map[string]float64) *Snapshot {
	snap := &Snapshot{
		RunID:           r.id,
		Tick:            tick,
		Timestamp:       now,
		State:           StateRunning,
		Trains:          make([]TrainPosition, 0, len(r.trains)),
		Conflicts:       append([]conflict.Conflict{}, conflicts...),
		Recommendations: recs,
		Risk:            risk,
	}
	if tick == 0 {
		snap.State = StateCreated
	}
	if snap.Recommendations == nil {
		snap.Recommendations = map[string]fusion.Recommendation{}
	}

	occupancy := make(map[string]int)
	for _, t := range r.trains {
		pos := TrainPosition{
			ID:            t.ID,
			Type:          t.Type,
			Priority:      t.Priority,
			SectionID:     t.SectionID,
			From:          t.LastStation(),
			To:            t.NextStation(),
			Progress:      t.Progress,
			SpeedKmh:      t.SpeedKmh,
			DelaySeconds:  t.DelaySeconds,
			HoldRemaining: t.HoldRemaining,
			Status:        t.Status,
			SignalAspect:  t.SignalAspect,
		}
		pos.Lat, pos.Lon = r.coordinates(t)
		snap.Trains = append(snap.Trains, pos)
		if t.Active() && t.SectionID != "" {
			occupancy[t.SectionID]++
		}
	}

	for _, sec := range r.net.Sections() {
		tracks := sec.Tracks
		if tracks <= 0 {
			tracks = 1
		}
		n := occupancy[sec.ID]
		snap.SectionLoad = append(snap.SectionLoad, SectionLoad{
			SectionID:   sec.ID,
			Trains:      n,
			Tracks:      tracks,
			Utilization: float64(n) / float64(tracks),
		})
	}
	return snap
}

// coordinates interpolates between the last and next station.
func (r *Run) coordinates(t model.Train) (lat, lon float64) {
	from, ok := r.net.Station(t.LastStation())
	if !ok {
		return 0, 0
	}
	to, ok := r.net.Station(t.NextStation())
	if !ok {
		return from.Lat, from.Lon
	}
	p := math.Max(0, math.Min(1, t.Progress))
	return from.Lat + (to.Lat-from.Lat)*p, from.Lon + (to.Lon-from.Lon)*p
}
