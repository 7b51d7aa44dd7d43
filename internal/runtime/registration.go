package runtime

import (
	"context"
	"sync"

	affinitypkg "github.com/drblury/flowbus/internal/runtime/affinity"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metricspkg "github.com/drblury/flowbus/internal/runtime/metrics"
)

// Handler processes a delivered message. A returned error (or a panic) is
// logged, reported to the consumer's affinity and counted as a failure; it
// never affects delivery of later messages.
type Handler func(ctx context.Context, msg *Message) error

type lifecycleState int

const (
	stateUnbound lifecycleState = iota
	stateRegistering
	stateRegistered
	stateUnregistering
	stateUnregistered
)

func (s lifecycleState) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateRegistering:
		return "registering"
	case stateRegistered:
		return "registered"
	case stateUnregistering:
		return "unregistering"
	case stateUnregistered:
		return "unregistered"
	}
	return "unknown"
}

type registrationResult struct {
	err error
}

// Registration is a consumer bound to one address. It owns the pending
// buffer, the demand counter and the lifecycle of its routing entry. All
// methods are safe for concurrent use; handler, interceptor and callback
// invocations run on the registration's affinity, never on the caller.
type Registration struct {
	bus           *Bus
	address       string
	replyAddress  string
	localOnly     bool
	replyConsumer bool
	affinity      *affinitypkg.Affinity
	logger        loggingpkg.ServiceLogger
	stats         *ConsumerStats

	mu                sync.Mutex
	state             lifecycleState
	routing           *routingHandle
	handler           Handler
	result            *registrationResult
	completionHandler func(error)
	endHandler        func()
	discardHandler    func(*Message)
	maxBuffered       int
	pending           *pendingBuffer
	demand            Demand
	metric            metricspkg.Handle
}

// Address returns the address the consumer is bound to.
func (r *Registration) Address() string { return r.address }

// ReplyAddress returns the address a reply consumer is waiting on, or "".
func (r *Registration) ReplyAddress() string { return r.replyAddress }

// LocalOnly reports whether the consumer is hidden from the cluster bridge.
func (r *Registration) LocalOnly() bool { return r.localOnly }

// Affinity returns the serial context deliveries run on.
func (r *Registration) Affinity() *affinitypkg.Affinity { return r.affinity }

// Handler attaches h. The first non-nil handler registers the consumer with
// the bus; later calls replace the handler in place. A nil handler
// unregisters.
func (r *Registration) Handler(h Handler) *Registration {
	if h == nil {
		r.Unregister(nil)
		return r
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
	if r.state == stateUnbound {
		r.state = stateRegistering
		// the bus never calls back into a registration synchronously
		r.routing = r.bus.addRegistration(r.address, r, r.replyAddress != "", r.localOnly)
	}
	return r
}

// IsRegistered reports whether a routing entry exists for this consumer.
func (r *Registration) IsRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routing != nil
}

// SetMaxBufferedMessages bounds the pending buffer. Lowering the bound evicts
// the oldest buffered messages to the discard handler.
func (r *Registration) SetMaxBufferedMessages(n int) error {
	if n < 0 {
		return errspkg.InvalidArgument("max buffered messages cannot be negative: %d", n)
	}

	r.mu.Lock()
	r.maxBuffered = n
	evicted := r.pending.TrimTo(n)
	r.discardLocked(evicted, metricspkg.DiscardShrink)
	r.mu.Unlock()
	return nil
}

// MaxBufferedMessages returns the current buffer bound.
func (r *Registration) MaxBufferedMessages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxBuffered
}

// Pause stops delivery; arriving messages are buffered.
func (r *Registration) Pause() *Registration {
	r.mu.Lock()
	r.demand = Finite(0)
	r.mu.Unlock()
	return r
}

// Resume restores unbounded demand and drains the buffer.
func (r *Registration) Resume() *Registration {
	r.addDemand(Unbounded)
	return r
}

// Fetch adds n to the demand and drains buffered messages while demand lasts.
func (r *Registration) Fetch(n int64) error {
	if n < 0 {
		return errspkg.InvalidArgument("fetch amount cannot be negative: %d", n)
	}
	r.addDemand(Finite(n))
	return nil
}

func (r *Registration) addDemand(d Demand) {
	r.mu.Lock()
	r.demand = r.demand.Plus(d)
	positive := !r.demand.IsZero()
	r.mu.Unlock()
	if positive {
		r.checkNextTick()
	}
}

// Demand returns the outstanding demand.
func (r *Registration) Demand() Demand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.demand
}

// PendingCount returns the number of buffered messages.
func (r *Registration) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len()
}

// DiscardHandler sets the callback for messages dropped on overflow, buffer
// shrink or unregistration. Without one, drops are only logged.
func (r *Registration) DiscardHandler(fn func(*Message)) *Registration {
	r.mu.Lock()
	r.discardHandler = fn
	r.mu.Unlock()
	return r
}

// EndHandler sets a callback run once unregistration completes.
func (r *Registration) EndHandler(fn func()) *Registration {
	r.mu.Lock()
	r.endHandler = fn
	r.mu.Unlock()
	return r
}

// ExceptionHandler is accepted for API compatibility and ignored; handler
// failures go to the affinity's error handler.
func (r *Registration) ExceptionHandler(func(error)) *Registration {
	return r
}

// CompletionHandler receives the registration result: nil once the bus
// acknowledged the consumer, or the failure. It always runs asynchronously.
func (r *Registration) CompletionHandler(cb func(error)) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	if r.result != nil {
		err := r.result.err
		r.mu.Unlock()
		r.callAsync(cb, err)
		return
	}
	r.completionHandler = cb
	r.mu.Unlock()
}

// setResult records the bus acknowledgement. Only the first result counts.
func (r *Registration) setResult(err error) {
	r.mu.Lock()
	if r.result != nil {
		r.mu.Unlock()
		return
	}
	r.result = &registrationResult{err: err}
	cb := r.completionHandler
	r.completionHandler = nil
	if err != nil {
		r.logger.Error("Failed to propagate consumer registration", err, nil)
	} else {
		if r.state == stateRegistering {
			r.state = stateRegistered
		}
		r.metric = r.bus.metrics.HandlerRegistered(r.address, r.replyAddress)
	}
	r.mu.Unlock()

	if cb != nil {
		r.callAsync(cb, err)
	}
}

// Unregister removes the consumer. Buffered messages go to the discard
// handler; done (optional) runs after the end handler once the routing entry
// is gone. Calling it again completes done with nil.
func (r *Registration) Unregister(done func(error)) {
	r.mu.Lock()
	if r.handler == nil {
		r.mu.Unlock()
		if done != nil {
			r.callAsync(done, nil)
		}
		return
	}

	r.handler = nil
	r.state = stateUnregistering

	onRemoved := done
	if end := r.endHandler; end != nil {
		onRemoved = func(err error) {
			end()
			if done != nil {
				done(err)
			}
		}
	}

	r.discardLocked(r.pending.Drain(), metricspkg.DiscardUnregister)
	r.discardHandler = nil

	routing := r.routing
	r.routing = nil

	if r.result == nil {
		r.result = &registrationResult{err: errspkg.ErrUnregisteredBeforeRegistration}
		if cb := r.completionHandler; cb != nil {
			r.completionHandler = nil
			r.callAsync(cb, r.result.err)
		}
	} else if r.result.err == nil {
		r.bus.metrics.HandlerUnregistered(r.metric)
	}
	r.mu.Unlock()

	r.bus.removeRegistration(routing, func(err error) {
		r.mu.Lock()
		r.state = stateUnregistered
		r.mu.Unlock()
		if onRemoved != nil {
			r.callAsync(onRemoved, err)
		}
	})
}

// handle is the bus ingress. It may be called from any goroutine.
func (r *Registration) handle(msg *Message) {
	r.mu.Lock()
	if !r.liveLocked() {
		r.mu.Unlock()
		return
	}

	if r.demand.IsZero() {
		if r.pending.Len() < r.maxBuffered {
			r.pending.Push(msg)
			r.mu.Unlock()
			return
		}
		dropped := msg
		if r.maxBuffered > 0 {
			dropped = r.pending.Pop()
			r.pending.Push(msg)
		}
		r.discardLocked([]*Message{dropped}, metricspkg.DiscardOverflow)
		r.mu.Unlock()
		return
	}

	if r.pending.Len() > 0 {
		r.pending.Push(msg)
		msg = r.pending.Pop()
	}
	r.demand = r.demand.Consume()
	r.deliverLocked(r.handler, msg)
	r.mu.Unlock()

	r.afterDispatch(msg)
}

func (r *Registration) liveLocked() bool {
	return r.handler != nil && (r.state == stateRegistering || r.state == stateRegistered)
}

func (r *Registration) isLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked()
}

// checkNextTick schedules one drain step when buffered messages can go out.
func (r *Registration) checkNextTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.Len() > 0 && !r.demand.IsZero() {
		r.affinity.Run(r.drainOne)
	}
}

func (r *Registration) drainOne() {
	r.mu.Lock()
	if !r.liveLocked() || r.demand.IsZero() {
		r.mu.Unlock()
		return
	}
	msg := r.pending.Pop()
	if msg == nil {
		r.mu.Unlock()
		return
	}
	r.demand = r.demand.Consume()
	r.deliverLocked(r.handler, msg)
	r.mu.Unlock()

	r.afterDispatch(msg)
}

// deliverLocked queues the delivery on the affinity. Queuing under the lock
// keeps delivery order equal to dequeue order.
func (r *Registration) deliverLocked(h Handler, msg *Message) {
	target := r.affinity
	if !msg.IsLocal() {
		target = target.Duplicate()
	}
	dc := newDeliveryContext(r, msg, h, target, r.bus.ReceiveInterceptors())
	target.Run(func() {
		if !r.isLive() {
			return
		}
		dc.run()
	})
}

// afterDispatch returns one credit to the producer and keeps draining. It runs
// right after the delivery is queued and outside r.mu, because a bridged
// credit publishes to the transport. The credit never waits for the handler.
func (r *Registration) afterDispatch(msg *Message) {
	if addr := msg.CreditAddress(); addr != "" {
		r.bus.SendCredit(addr, 1)
	}
	r.checkNextTick()
}

func (r *Registration) discardLocked(msgs []*Message, reason metricspkg.DiscardReason) {
	if len(msgs) == 0 {
		return
	}
	for range msgs {
		r.bus.metrics.MessageDiscarded(r.address, reason)
	}
	r.stats.recordDiscarded(len(msgs))

	discard := r.discardHandler
	if discard == nil {
		r.logger.Warn("Discarding messages", loggingpkg.LogFields{
			"reason":       string(reason),
			"count":        len(msgs),
			"max_buffered": r.maxBuffered,
		})
		return
	}
	r.affinity.Run(func() {
		for _, m := range msgs {
			discard(m)
		}
	})
}

func (r *Registration) currentMetric() metricspkg.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metric
}

func (r *Registration) callAsync(cb func(error), err error) {
	r.affinity.Run(func() { cb(err) })
}

// Snapshot returns a point-in-time view of the consumer for introspection.
func (r *Registration) Snapshot() ConsumerSnapshot {
	r.mu.Lock()
	snap := ConsumerSnapshot{
		Address:             r.address,
		ReplyAddress:        r.replyAddress,
		LocalOnly:           r.localOnly,
		State:               r.state.String(),
		Pending:             r.pending.Len(),
		Demand:              r.demand.String(),
		MaxBufferedMessages: r.maxBuffered,
	}
	if r.result != nil && r.result.err != nil {
		snap.RegistrationError = r.result.err.Error()
	}
	r.mu.Unlock()

	snap.Stats = r.stats.Snapshot()
	return snap
}
