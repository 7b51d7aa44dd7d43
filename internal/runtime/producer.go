package runtime

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// ProducerOption customises a Producer.
type ProducerOption func(*Producer)

// WithWriteQueueMaxSize overrides the configured initial credit and write
// queue bound. Values below one are ignored.
func WithWriteQueueMaxSize(n int) ProducerOption {
	return func(p *Producer) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

// WithProducerHeaders stamps every message written by the producer.
func WithProducerHeaders(md metadatapkg.Metadata) ProducerOption {
	return func(p *Producer) {
		p.headers = p.headers.WithAll(md)
	}
}

type pendingWrite struct {
	ctx  context.Context
	body any
}

// Producer sends to one address under credit based flow control. Each message
// carries the producer's credit address; consumers return one credit per
// dispatched message. Without credit, writes queue up to the write queue
// bound.
type Producer struct {
	bus           *Bus
	address       string
	creditAddress string
	credits       *Registration
	logger        loggingpkg.ServiceLogger

	mu           sync.Mutex
	headers      metadatapkg.Metadata
	credit       int64
	maxSize      int
	queue        *queue.Queue
	drainHandler func()
	closed       bool
}

// Sender returns a Producer for address.
func (b *Bus) Sender(address string, opts ...ProducerOption) *Producer {
	p := &Producer{
		bus:           b,
		address:       address,
		creditAddress: idspkg.NewAddress(creditAddressPrefix),
		logger:        b.Logger.With(loggingpkg.LogFields{"producer": address}),
		headers:       metadatapkg.Metadata{},
		maxSize:       b.Conf.WriteQueueSize(),
		queue:         queue.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.credit = int64(p.maxSize)
	p.credits = b.Consumer(p.creditAddress, p.handleCredit)
	return p
}

// Address returns the destination address.
func (p *Producer) Address() string { return p.address }

// CreditAddress returns the address consumers return credit to.
func (p *Producer) CreditAddress() string { return p.creditAddress }

// Write sends body if credit remains, otherwise queues it.
func (p *Producer) Write(ctx context.Context, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errspkg.ErrProducerClosed
	}
	if p.credit > 0 && p.queue.Length() == 0 {
		p.credit--
		return p.sendLocked(ctx, body)
	}
	if p.queue.Length() >= p.maxSize {
		return errspkg.ErrWriteQueueFull
	}
	p.queue.Add(&pendingWrite{ctx: ctx, body: body})
	return nil
}

func (p *Producer) sendLocked(ctx context.Context, body any) error {
	return p.bus.Send(ctx, p.address, body,
		WithHeaders(p.headers),
		WithHeader(metadatapkg.KeyCreditAddress, p.creditAddress),
	)
}

// WriteQueueFull reports whether further writes would be rejected.
func (p *Producer) WriteQueueFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Length() >= p.maxSize
}

// QueuedWrites returns the number of writes waiting for credit.
func (p *Producer) QueuedWrites() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Length()
}

// Credits returns the credit left.
func (p *Producer) Credits() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credit
}

// SetWriteQueueMaxSize changes the write queue bound. Already queued writes
// are kept.
func (p *Producer) SetWriteQueueMaxSize(n int) error {
	if n < 1 {
		return errspkg.InvalidArgument("write queue max size must be positive: %d", n)
	}
	p.mu.Lock()
	p.maxSize = n
	p.mu.Unlock()
	return nil
}

// DrainHandler sets a callback run when a full write queue drains to half
// its bound.
func (p *Producer) DrainHandler(fn func()) *Producer {
	p.mu.Lock()
	p.drainHandler = fn
	p.mu.Unlock()
	return p
}

// Close unregisters the credit consumer and drops queued writes.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dropped := p.queue.Length()
	p.queue = queue.New()
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Warn("Dropping queued writes", loggingpkg.LogFields{"count": dropped})
	}
	p.credits.Unregister(nil)
	return nil
}

func (p *Producer) handleCredit(_ context.Context, msg *Message) error {
	var n int64
	if err := msg.Decode(&n); err != nil {
		return err
	}
	p.addCredit(n)
	return nil
}

func (p *Producer) addCredit(n int64) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	wasFull := p.queue.Length() >= p.maxSize
	p.credit += n
	for p.credit > 0 && p.queue.Length() > 0 {
		w := p.queue.Remove().(*pendingWrite)
		p.credit--
		if err := p.sendLocked(w.ctx, w.body); err != nil {
			p.logger.Error("Failed to send queued write", err, nil)
		}
	}
	var drain func()
	if wasFull && p.queue.Length() <= p.maxSize/2 {
		drain = p.drainHandler
	}
	p.mu.Unlock()

	if drain != nil {
		drain()
	}
}
