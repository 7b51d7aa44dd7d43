package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	transportpkg "github.com/drblury/flowbus/transport"
)

// bridge carries messages between bus nodes over a watermill transport. Each
// address maps to the topic of the same name; a node subscribes to an address
// while it has at least one consumer there that is not local-only.
type bridge struct {
	bus        *Bus
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     loggingpkg.ServiceLogger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	refs    int
	cancel  context.CancelFunc
	ready   bool
	err     error
	waiters []func(error)
}

func newBridge(b *Bus, t transportpkg.Transport) *bridge {
	return &bridge{
		bus:        b,
		publisher:  t.Publisher,
		subscriber: t.Subscriber,
		logger:     b.Logger.With(loggingpkg.LogFields{"component": "bridge"}),
		subs:       make(map[string]*subscription),
	}
}

// subscribe takes a reference on address and calls onReady once the
// subscription is live or has failed.
func (br *bridge) subscribe(address string, onReady func(error)) {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		onReady(errspkg.ErrBusClosed)
		return
	}

	if sub, ok := br.subs[address]; ok {
		sub.refs++
		if !sub.ready {
			sub.waiters = append(sub.waiters, onReady)
			br.mu.Unlock()
			return
		}
		err := sub.err
		br.mu.Unlock()
		onReady(err)
		return
	}

	ctx, cancel := context.WithCancel(br.bus.ctx)
	sub := &subscription{refs: 1, cancel: cancel, waiters: []func(error){onReady}}
	br.subs[address] = sub
	br.wg.Add(1)
	br.mu.Unlock()

	go br.run(ctx, address, sub)
}

// unsubscribe drops a reference; the last one cancels the subscription.
func (br *bridge) unsubscribe(address string) {
	br.mu.Lock()
	defer br.mu.Unlock()
	sub, ok := br.subs[address]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs > 0 {
		return
	}
	sub.cancel()
	delete(br.subs, address)
}

func (br *bridge) run(ctx context.Context, address string, sub *subscription) {
	defer br.wg.Done()

	messages, err := br.subscriber.Subscribe(ctx, address)
	if err != nil {
		err = fmt.Errorf("subscribe to %s: %w", address, err)
		br.logger.Error("Failed to subscribe", err, loggingpkg.LogFields{"address": address})
	}

	br.mu.Lock()
	sub.ready = true
	sub.err = err
	waiters := sub.waiters
	sub.waiters = nil
	br.mu.Unlock()

	for _, w := range waiters {
		w(err)
	}
	if err != nil {
		return
	}

	handler := middleware.Recoverer(correlationIDMiddleware(br.inbound(address)))
	for msg := range messages {
		if _, err := handler(msg); err != nil {
			br.logger.Error("Failed to process bridged message", err, loggingpkg.LogFields{
				"address":    address,
				"message_id": msg.UUID,
			})
		}
		// failures are local to this node; redelivery would loop
		msg.Ack()
	}
}

func (br *bridge) inbound(address string) message.HandlerFunc {
	return func(wm *message.Message) ([]*message.Message, error) {
		md := metadatapkg.FromWatermill(wm.Metadata)
		if md.Get(metadatapkg.KeyNode) == br.bus.nodeID {
			return nil, nil
		}
		target := md.Get(metadatapkg.KeyAddress)
		if target == "" {
			target = address
		}

		send, _ := strconv.ParseBool(md.Get(metadatapkg.KeySend))
		br.bus.deliverRemote(&Message{
			ID:           wm.UUID,
			Address:      target,
			ReplyAddress: md.Get(metadatapkg.KeyReplyAddress),
			Headers:      md.WithoutEnvelope(),
			Payload:      wm.Payload,
			send:         send,
			fromWire:     true,
			bus:          br.bus,
		})
		return nil, nil
	}
}

// correlationIDMiddleware makes sure every bridged message carries a
// correlation id before it reaches consumers.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if middleware.MessageCorrelationID(msg) == "" {
			middleware.SetCorrelationID(idspkg.CreateULID(), msg)
		}
		return h(msg)
	}
}

func (br *bridge) publish(msg *Message) error {
	wm := message.NewMessage(msg.ID, msg.Payload)
	wm.Metadata = metadatapkg.ToWatermill(msg.Headers)
	wm.Metadata.Set(metadatapkg.KeyNode, br.bus.nodeID)
	wm.Metadata.Set(metadatapkg.KeySend, strconv.FormatBool(msg.send))
	wm.Metadata.Set(metadatapkg.KeyAddress, msg.Address)
	if msg.ReplyAddress != "" {
		wm.Metadata.Set(metadatapkg.KeyReplyAddress, msg.ReplyAddress)
	}

	if err := br.publisher.Publish(msg.Address, wm); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Address, err)
	}
	return nil
}

func (br *bridge) close() error {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return nil
	}
	br.closed = true
	for address, sub := range br.subs {
		sub.cancel()
		delete(br.subs, address)
	}
	br.mu.Unlock()

	var errs []error
	if br.subscriber != nil {
		errs = append(errs, br.subscriber.Close())
	}
	if br.publisher != nil && any(br.publisher) != any(br.subscriber) {
		errs = append(errs, br.publisher.Close())
	}
	br.wg.Wait()
	return errors.Join(errs...)
}
