package runtime

import (
	"context"
	"fmt"
	"time"

	affinitypkg "github.com/drblury/flowbus/internal/runtime/affinity"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	tracingpkg "github.com/drblury/flowbus/internal/runtime/tracing"
)

// Interceptor sees every message before the consumer handler does. It must
// call dc.Next() to continue the chain, either before returning or later from
// the consumer's affinity. A chain nobody continues is vetoed. A returned
// error or panic abandons the chain and is logged.
type Interceptor interface {
	Intercept(dc *DeliveryContext) error
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(dc *DeliveryContext) error

func (f InterceptorFunc) Intercept(dc *DeliveryContext) error { return f(dc) }

// DeliveryOutcome is the terminal state of a delivery.
type DeliveryOutcome int

const (
	// OutcomePending means the chain has not finished yet.
	OutcomePending DeliveryOutcome = iota
	// OutcomeDelivered means the handler ran, successfully or not.
	OutcomeDelivered
	// OutcomeVetoed means an interceptor returned without calling Next. A
	// later Next reopens the chain.
	OutcomeVetoed
	// OutcomeDropped means an interceptor failed before the handler ran.
	OutcomeDropped
)

func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeVetoed:
		return "vetoed"
	case OutcomeDropped:
		return "dropped"
	}
	return "pending"
}

// DeliveryContext carries one message through the interceptor chain to the
// consumer handler. It is only used on the consumer's affinity.
type DeliveryContext struct {
	reg          *Registration
	msg          *Message
	handler      Handler
	affinity     *affinitypkg.Affinity
	interceptors []Interceptor
	cursor       int

	ctx        context.Context
	outcome    DeliveryOutcome
	handlerErr error
	duration   time.Duration

	depth   int
	parked  bool
	resumed []func()
}

func newDeliveryContext(reg *Registration, msg *Message, h Handler, a *affinitypkg.Affinity, interceptors []Interceptor) *DeliveryContext {
	return &DeliveryContext{
		reg:          reg,
		msg:          msg,
		handler:      h,
		affinity:     a,
		interceptors: interceptors,
		ctx:          a.Context(),
	}
}

// Message returns the message being delivered.
func (dc *DeliveryContext) Message() *Message { return dc.msg }

// IsSend reports point-to-point delivery.
func (dc *DeliveryContext) IsSend() bool { return dc.msg.IsSend() }

// Body returns the raw payload.
func (dc *DeliveryContext) Body() []byte { return dc.msg.Payload }

// Context returns the context the handler will receive.
func (dc *DeliveryContext) Context() context.Context { return dc.ctx }

// SetContext replaces the context passed further down the chain.
func (dc *DeliveryContext) SetContext(ctx context.Context) {
	if ctx != nil {
		dc.ctx = ctx
	}
}

// Affinity returns the serial context the chain runs on. A deferred Next must
// be posted here.
func (dc *DeliveryContext) Affinity() *affinitypkg.Affinity { return dc.affinity }

// Address returns the consumer address.
func (dc *DeliveryContext) Address() string { return dc.reg.address }

// Outcome returns the delivery state reached so far.
func (dc *DeliveryContext) Outcome() DeliveryOutcome { return dc.outcome }

// Err returns the handler's error once the handler has run.
func (dc *DeliveryContext) Err() error { return dc.handlerErr }

// Duration returns the time spent in the handler.
func (dc *DeliveryContext) Duration() time.Duration { return dc.duration }

// Next advances to the next interceptor or, at the end of the chain, invokes
// the handler. An interceptor may also keep dc and call Next later from a
// task on the consumer's affinity; until then the message counts as vetoed.
func (dc *DeliveryContext) Next() {
	if dc.depth > 0 {
		dc.step()
		return
	}

	late := dc.parked
	switch {
	case late:
		if !dc.reg.isLive() {
			return
		}
		dc.parked = false
		dc.outcome = OutcomePending
		dc.reg.stats.unrecordVetoed()
	case dc.outcome != OutcomePending:
		return
	}

	dc.depth++
	dc.step()
	dc.depth--
	dc.settle(late)
}

func (dc *DeliveryContext) step() {
	for dc.cursor < len(dc.interceptors) {
		i := dc.interceptors[dc.cursor]
		dc.cursor++
		if i == nil {
			continue
		}
		if err := dc.intercept(i); err != nil {
			dc.reg.logger.Error("Failure in interceptor", err, loggingpkg.LogFields{
				"message_id": dc.msg.ID,
			})
			if dc.outcome == OutcomePending {
				dc.outcome = OutcomeDropped
			}
		}
		return
	}
	dc.invokeHandler()
}

func (dc *DeliveryContext) intercept(i Interceptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interceptor panicked: %v", r)
		}
	}()
	return i.Intercept(dc)
}

// settle records the outcome of an outermost pass. A chain still pending is
// parked as vetoed and may be reopened by a later Next.
func (dc *DeliveryContext) settle(late bool) {
	switch dc.outcome {
	case OutcomePending:
		dc.outcome = OutcomeVetoed
		dc.parked = true
		dc.reg.stats.recordVetoed()
		return
	case OutcomeDropped:
		dc.reg.stats.recordDropped()
	}
	if late {
		resumed := dc.resumed
		dc.resumed = nil
		for _, fn := range resumed {
			fn()
		}
	}
}

// whenResumed registers fn to run once a parked chain settles after a late
// Next.
func (dc *DeliveryContext) whenResumed(fn func()) {
	dc.resumed = append(dc.resumed, fn)
}

// run drives the chain from the start.
func (dc *DeliveryContext) run() {
	dc.Next()
}

func (dc *DeliveryContext) invokeHandler() {
	if dc.outcome != OutcomePending {
		return
	}
	dc.outcome = OutcomeDelivered

	reg := dc.reg
	span := reg.bus.metrics.BeginHandleMessage(reg.currentMetric(), dc.msg.IsLocal())

	ctx := dc.ctx
	var endTrace func(error)
	if tracer := reg.bus.tracer; tracer != nil && !reg.replyConsumer {
		ctx, endTrace = tracer.ReceiveRequest(ctx, tracingpkg.Request{
			MessageID: dc.msg.ID,
			Address:   dc.msg.Address,
			Operation: dc.msg.operation(),
			Headers:   dc.msg.Headers,
		})
	}

	start := time.Now()
	err := dc.callHandler(ctx)
	dc.duration = time.Since(start)
	dc.handlerErr = err

	if endTrace != nil {
		endTrace(err)
	}
	span.End(err)
	reg.stats.recordDelivered(dc.duration, err)

	if err != nil {
		reg.logger.Error("Failed to handle message", err, loggingpkg.LogFields{
			"message_id": dc.msg.ID,
		})
		dc.affinity.ReportError(err)
	}
}

func (dc *DeliveryContext) callHandler(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return dc.handler(ctx, dc.msg)
}
