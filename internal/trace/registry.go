package trace

import (
	"context"
	"sync"
	"sync/atomic"

	"tracedash/internal/async"
	"tracedash/internal/logging"
)

// Callback receives the newest snapshot of a trace after every mutation.
type Callback func(Record)

type subscription struct {
	id     uint64
	fn     Callback
	onEnd  func()
	active atomic.Bool
}

// Registry maps trace ids to their subscribers. Subscriber lists are
// copy-on-write, so a notification loop iterates a stable slice while
// callbacks subscribe or unsubscribe.
type Registry struct {
	logger  logging.Logger
	metrics Metrics

	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*subscription
}

// NewRegistry creates an empty subscription registry.
func NewRegistry(logger logging.Logger, metrics Metrics) *Registry {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Registry{
		logger:  logging.OrNop(logger),
		metrics: metrics,
		subs:    make(map[string][]*subscription),
	}
}

// Subscribe registers fn for traceID and returns a function that removes
// exactly that registration. The returned function is idempotent and safe to
// call from inside fn.
func (r *Registry) Subscribe(traceID string, fn Callback) (unsubscribe func()) {
	return r.SubscribeUntilEnd(traceID, fn, nil)
}

// SubscribeUntilEnd is Subscribe with an onEnd hook that runs once if the
// registration is dropped by Drop rather than by unsubscribe.
func (r *Registry) SubscribeUntilEnd(traceID string, fn Callback, onEnd func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	sub := &subscription{id: r.nextID, fn: fn, onEnd: onEnd}
	sub.active.Store(true)
	current := r.subs[traceID]
	next := make([]*subscription, len(current), len(current)+1)
	copy(next, current)
	r.subs[traceID] = append(next, sub)
	count := len(r.subs[traceID])
	r.mu.Unlock()

	r.metrics.SubscriberAdded(context.Background())
	r.logger.Debug("Subscriber %d registered for trace %s (total: %d)", sub.id, traceID, count)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.remove(traceID, sub)
		})
	}
}

func (r *Registry) remove(traceID string, sub *subscription) {
	if !sub.active.Swap(false) {
		return
	}

	r.mu.Lock()
	current := r.subs[traceID]
	next := make([]*subscription, 0, len(current))
	for _, candidate := range current {
		if candidate != sub {
			next = append(next, candidate)
		}
	}
	if len(next) == 0 {
		delete(r.subs, traceID)
	} else {
		r.subs[traceID] = next
	}
	r.mu.Unlock()

	r.metrics.SubscriberRemoved(context.Background())
	r.logger.Debug("Subscriber %d removed from trace %s (remaining: %d)", sub.id, traceID, len(next))
}

// Notify delivers rec to every subscriber of traceID that is still active
// when its turn comes. A panicking callback is logged and skipped. It returns
// the number of callbacks that completed.
func (r *Registry) Notify(traceID string, rec Record) int {
	r.mu.Lock()
	subs := r.subs[traceID]
	r.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if async.Call(r.logger, "trace-subscriber", func() { sub.fn(rec) }) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of subscribers registered for traceID.
func (r *Registry) Count(traceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[traceID])
}

// Has reports whether traceID has an entry in the registry.
func (r *Registry) Has(traceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[traceID]
	return ok
}

// Drop deactivates and removes every subscriber of traceID, then runs the
// onEnd hook of each registration that was still active. It returns the
// number of registrations dropped.
func (r *Registry) Drop(traceID string) int {
	r.mu.Lock()
	subs := r.subs[traceID]
	delete(r.subs, traceID)
	r.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		if !sub.active.Swap(false) {
			continue
		}
		dropped++
		r.metrics.SubscriberRemoved(context.Background())
		if sub.onEnd != nil {
			async.Call(r.logger, "trace-subscriber-end", sub.onEnd)
		}
	}
	return dropped
}
