// Package metrics defines the consumer metrics SPI used by the delivery
// pipeline and ships a Prometheus implementation.
package metrics

// DiscardReason labels why a message was dropped without being delivered.
type DiscardReason string

const (
	// DiscardOverflow is used when a paused consumer's buffer is full.
	DiscardOverflow DiscardReason = "overflow"
	// DiscardShrink is used when lowering the buffer limit evicts messages.
	DiscardShrink DiscardReason = "shrink"
	// DiscardUnregister is used for messages still buffered at unregistration.
	DiscardUnregister DiscardReason = "unregister"
)

// Handle is the per-consumer token returned by HandlerRegistered. Its
// contents are private to the Metrics implementation.
type Handle any

// Span measures the handling of a single message.
type Span interface {
	End(err error)
}

// Metrics receives consumer lifecycle and delivery events. Implementations
// must be safe for concurrent use and must not block.
type Metrics interface {
	HandlerRegistered(address, replyAddress string) Handle
	HandlerUnregistered(h Handle)
	BeginHandleMessage(h Handle, local bool) Span
	MessageDiscarded(address string, reason DiscardReason)
}

// Nop discards every event.
type Nop struct{}

func (Nop) HandlerRegistered(string, string) Handle { return nil }
func (Nop) HandlerUnregistered(Handle) {}
func (Nop) BeginHandleMessage(Handle, bool) Span { return nopSpan{} }
func (Nop) MessageDiscarded(string, DiscardReason) {}

type nopSpan struct{}

func (nopSpan) End(error) {}
