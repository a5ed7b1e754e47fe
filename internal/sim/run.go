package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/model"
	"github.com/signalsfoundry/railtwin/timectrl"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("simulation run not found")
	// ErrRunStopped is returned when starting or pausing a stopped run.
	ErrRunStopped = errors.New("simulation run is stopped")
	// ErrNotRunning is returned when pausing a run that is not running.
	ErrNotRunning = errors.New("simulation run is not running")
	// ErrNoNetwork is returned when a run is created without a network.
	ErrNoNetwork = errors.New("simulation run needs a network")
)

// Run is one isolated simulation. Train, conflict and snapshot state is
// mutated only by the run's tick goroutine; callers read snapshots.
type Run struct {
	id   string
	name string
	net  *model.Network
	p    *pipeline
	cfg  Config
	log  logging.Logger

	clock *timectrl.TimeController

	// Owned by the tick goroutine while running.
	trains      []model.Train
	speedFactor map[string]float64
	tickCtx     context.Context

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	snapshot  atomic.Pointer[Snapshot]
	observers *observerSet
}

func newRun(id, name string, net *model.Network, trains []model.Train, start time.Time, cfg Config, p *pipeline) *Run {
	own := make([]model.Train, len(trains))
	for i, t := range trains {
		own[i] = t.Clone()
	}
	sort.Slice(own, func(i, j int) bool { return own[i].ID < own[j].ID })

	log := p.log
	r := &Run{
		id:          id,
		name:        name,
		net:         net,
		p:           p,
		cfg:         cfg,
		log:         log,
		clock:       timectrl.NewTimeController(start, cfg.TickInterval, cfg.mode()),
		trains:      own,
		speedFactor: make(map[string]float64),
		state:       StateCreated,
		observers:   newObserverSet(cfg.ObserverBuffer, cfg.ObserverSendTimeout, log, p.metrics),
	}
	r.clock.AddListener(r.onTick)
	r.snapshot.Store(r.buildSnapshot(start, 0, nil, nil, nil))
	return r
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Name returns the scenario name the run was created from.
func (r *Run) Name() string { return r.name }

// State returns the lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns the most recent snapshot. It is never nil.
func (r *Run) Snapshot() *Snapshot { return r.snapshot.Load() }

// Recommendations returns the latest recommendation per conflict id.
func (r *Run) Recommendations() map[string]fusion.Recommendation {
	snap := r.Snapshot()
	out := make(map[string]fusion.Recommendation, len(snap.Recommendations))
	for id, rec := range snap.Recommendations {
		out[id] = rec.Clone()
	}
	return out
}

// Recommendation returns the latest recommendation for conflictID.
func (r *Run) Recommendation(conflictID string) (fusion.Recommendation, bool) {
	rec, ok := r.Snapshot().Recommendations[conflictID]
	if !ok {
		return fusion.Recommendation{}, false
	}
	return rec.Clone(), true
}

// Subscribe registers obs and immediately queues the current snapshot to
// it. The returned function unsubscribes.
func (r *Run) Subscribe(ctx context.Context, obs Observer) func() {
	id := r.observers.add(logging.ContextWithRunID(ctx, r.id), obs, r.Snapshot)
	return func() { r.observers.remove(id, false) }
}

// Observers returns the number of subscribed observers.
func (r *Run) Observers() int { return r.observers.len() }

// Start begins or resumes ticking. Starting a running run is a no-op.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateRunning:
		return nil
	case StateStopped:
		return fmt.Errorf("start run %s: %w", r.id, ErrRunStopped)
	}
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return fmt.Errorf("start run %s: previous tick loop still exiting: %w", r.id, ErrNotRunning)
		}
	}
	if r.cfg.MaxTicks > 0 && r.clock.Steps() >= uint64(r.cfg.MaxTicks) {
		return fmt.Errorf("start run %s: tick limit reached: %w", r.id, ErrRunStopped)
	}
	runCtx, cancel := context.WithCancel(logging.ContextWithRunID(context.WithoutCancel(ctx), r.id))
	r.cancel = cancel
	r.done = make(chan struct{})
	r.transitionLocked(StateRunning)
	go r.loop(runCtx, r.done)
	return nil
}

// Pause cancels the tick goroutine at the next tick boundary and keeps the
// last snapshot.
func (r *Run) Pause(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning {
		st := r.state
		r.mu.Unlock()
		if st == StateStopped {
			return fmt.Errorf("pause run %s: %w", r.id, ErrRunStopped)
		}
		return fmt.Errorf("pause run %s: %w", r.id, ErrNotRunning)
	}
	cancel, done := r.cancel, r.done
	r.transitionLocked(StatePaused)
	r.mu.Unlock()

	cancel()
	if err := r.wait(ctx, done); err != nil {
		return err
	}
	r.republish(StatePaused)
	return nil
}

// Stop ends the run permanently. Stopping a stopped run is a no-op.
func (r *Run) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	wasRunning := r.state == StateRunning
	r.transitionLocked(StateStopped)
	r.mu.Unlock()

	if wasRunning {
		cancel()
		if err := r.wait(ctx, done); err != nil {
			return err
		}
	}
	r.republish(StateStopped)
	return nil
}

// Done is closed when the current tick goroutine exits. It is nil before
// the first Start.
func (r *Run) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Run) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) transitionLocked(to State) {
	from := r.state
	r.state = to
	r.p.metrics.RunTransition(string(from), string(to))
	r.log.Info(logging.ContextWithRunID(context.Background(), r.id), "run state changed",
		logging.String("from", string(from)),
		logging.String("to", string(to)),
	)
}

func (r *Run) republish(st State) {
	if cur := r.Snapshot(); cur.State != st && cur.Error == "" {
		r.snapshot.Store(cur.withState(st))
	}
}

// loop drives the clock until cancelled. A panic anywhere in the tick body
// stops the run and records the failure in its last snapshot.
func (r *Run) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(ctx, fmt.Errorf("tick panic: %v", rec))
		}
	}()

	r.tickCtx = ctx
	remaining := 0
	if r.cfg.MaxTicks > 0 {
		remaining = r.cfg.MaxTicks - int(r.clock.Steps())
		if remaining <= 0 {
			r.finishLimit(ctx)
			return
		}
	}
	if err := r.clock.Run(ctx, remaining); err == nil && r.cfg.MaxTicks > 0 {
		r.finishLimit(ctx)
	}
}

// finishLimit stops a run that reached its tick limit. A run that was
// paused or stopped meanwhile keeps the state its caller set.
func (r *Run) finishLimit(ctx context.Context) {
	r.mu.Lock()
	stop := r.state == StateRunning
	if stop {
		r.transitionLocked(StateStopped)
	}
	r.mu.Unlock()
	if !stop {
		return
	}
	r.log.Info(ctx, "tick limit reached", logging.Int("ticks", r.cfg.MaxTicks))
	r.republish(StateStopped)
}

func (r *Run) fail(ctx context.Context, err error) {
	r.p.metrics.ObserveTick(0, true)
	r.log.Error(ctx, "simulation run failed; stopping", logging.Err(err))

	r.mu.Lock()
	if r.state != StateStopped {
		r.transitionLocked(StateStopped)
	}
	r.mu.Unlock()

	failed := r.Snapshot().withState(StateStopped)
	failed.Error = err.Error()
	failed.Timestamp = r.clock.Now()
	r.snapshot.Store(failed)
	r.observers.broadcast(failed)
}
