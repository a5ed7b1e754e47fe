package sim

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/observability"
)

// Observer receives snapshots. Send must respect ctx's deadline; an error
// removes the observer from its run.
type Observer interface {
	Send(ctx context.Context, s *Snapshot) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, s *Snapshot) error

// Send implements Observer.
func (f ObserverFunc) Send(ctx context.Context, s *Snapshot) error { return f(ctx, s) }

type subscription struct {
	id      string
	obs     Observer
	mailbox chan *Snapshot
}

// observerSet is the only state shared between a run's tick goroutine and
// its callers. Each subscriber drains its own bounded mailbox so a slow
// observer never blocks a tick.
type observerSet struct {
	mu      sync.Mutex
	subs    map[string]*subscription
	buffer  int
	timeout time.Duration
	log     logging.Logger
	metrics *observability.SimCollector
	wg      sync.WaitGroup
}

func newObserverSet(buffer int, timeout time.Duration, log logging.Logger, m *observability.SimCollector) *observerSet {
	if buffer <= 0 {
		buffer = 8
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &observerSet{
		subs:    make(map[string]*subscription),
		buffer:  buffer,
		timeout: timeout,
		log:     log,
		metrics: m,
	}
}

// add registers obs and queues the snapshot current returns ahead of any
// later broadcast. current is loaded under the set's lock, so a tick that
// publishes concurrently is either that first frame or broadcast after it.
func (o *observerSet) add(ctx context.Context, obs Observer, current func() *Snapshot) string {
	sub := &subscription{id: uuid.NewString(), obs: obs, mailbox: make(chan *Snapshot, o.buffer)}
	o.mu.Lock()
	if current != nil {
		if snap := current(); snap != nil {
			sub.mailbox <- snap
		}
	}
	o.subs[sub.id] = sub
	o.mu.Unlock()
	o.metrics.ObserverAdded()

	o.wg.Add(1)
	go o.drain(logging.ContextWithLogger(context.WithoutCancel(ctx), o.log), sub)
	return sub.id
}

func (o *observerSet) drain(ctx context.Context, sub *subscription) {
	defer o.wg.Done()
	for snap := range sub.mailbox {
		sendCtx, cancel := context.WithTimeout(ctx, o.timeout)
		err := sub.obs.Send(sendCtx, snap)
		cancel()
		if err != nil {
			o.log.Warn(ctx, "pruning observer after failed send",
				logging.String("observer_id", sub.id),
				logging.Err(err),
			)
			o.remove(sub.id, true)
			return
		}
	}
}

// broadcast offers s to every mailbox without blocking. A full mailbox
// means the observer cannot keep up and it is pruned.
func (o *observerSet) broadcast(s *Snapshot) {
	o.mu.Lock()
	var lagging []string
	for id, sub := range o.subs {
		select {
		case sub.mailbox <- s:
		default:
			lagging = append(lagging, id)
		}
	}
	for _, id := range lagging {
		o.removeLocked(id, true)
	}
	o.mu.Unlock()
}

func (o *observerSet) remove(id string, pruned bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removeLocked(id, pruned)
}

func (o *observerSet) removeLocked(id string, pruned bool) bool {
	sub, ok := o.subs[id]
	if !ok {
		return false
	}
	delete(o.subs, id)
	close(sub.mailbox)
	o.metrics.ObserverRemoved(pruned)
	return true
}

func (o *observerSet) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// closeAll removes every observer and waits for their drains to finish.
func (o *observerSet) closeAll() {
	o.mu.Lock()
	for id := range o.subs {
		o.removeLocked(id, false)
	}
	o.mu.Unlock()
	o.wg.Wait()
}
