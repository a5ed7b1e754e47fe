// Package timectrl drives simulation time for a run.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime waits one wall-clock Tick between steps.
	RealTime Mode = iota
	// Accelerated steps as fast as listeners return, still by Tick.
	Accelerated
)

// ParseMode maps "realtime" and "accelerated" to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "", "realtime", "real_time":
		return RealTime, true
	case "accelerated":
		return Accelerated, true
	default:
		return RealTime, false
	}
}

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// TimeController advances simulation time in fixed steps and calls its
// listeners after each step. Listeners run on the goroutine that called
// Run, so a run's tick body never races with itself.
type TimeController struct {
	mu   sync.RWMutex
	Tick time.Duration
	Mode Mode

	currentTime time.Time
	steps       uint64

	listeners []func(time.Time)
}

// NewTimeController constructs a controller starting at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = time.Second
	}
	return &TimeController{Tick: tick, Mode: mode, currentTime: start}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Steps returns how many steps have completed.
func (tc *TimeController) Steps() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.steps
}

// AddListener registers a callback invoked on every step. Register before
// calling Run.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step advances one Tick and notifies listeners.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.steps++
	now := tc.currentTime
	listeners := tc.listeners
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Run steps until ctx is cancelled or maxSteps more steps have completed
// (maxSteps <= 0 means no limit). Cancellation is observed only between
// steps, so a step in progress always finishes. Run may be called again
// after it returns to resume from the current time.
func (tc *TimeController) Run(ctx context.Context, maxSteps int) error {
	var tick <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		tick = ticker.C
	}

	for n := 0; maxSteps <= 0 || n < maxSteps; n++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		tc.Step()
	}
	return nil
}
