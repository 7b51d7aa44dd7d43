package runtime

import (
	"context"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	tracingpkg "github.com/drblury/flowbus/internal/runtime/tracing"
)

// Message is what consumers receive. Payload holds the encoded body; use
// Decode to unmarshal it.
type Message struct {
	ID           string
	Address      string
	ReplyAddress string
	Headers      metadatapkg.Metadata
	Payload      []byte

	send     bool
	fromWire bool
	bus      *Bus
}

// IsSend reports whether the message was sent point-to-point rather than
// published to every consumer.
func (m *Message) IsSend() bool { return m.send }

// FromWire reports whether the message arrived from another node through the
// cluster bridge.
func (m *Message) FromWire() bool { return m.fromWire }

// IsLocal reports whether the message was produced in this process.
func (m *Message) IsLocal() bool { return !m.fromWire }

// Header returns the value of a header, or "" when absent.
func (m *Message) Header(key string) string { return m.Headers.Get(key) }

// CreditAddress returns the address a consumer returns credit to, if any.
func (m *Message) CreditAddress() string { return m.Headers.Get(metadatapkg.KeyCreditAddress) }

// Decode unmarshals the JSON payload into v. Protobuf messages are decoded
// with protojson.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return jsoncodec.DecodeBody(m.Payload, v)
}

// Reply sends body to the message's reply address.
func (m *Message) Reply(ctx context.Context, body any, opts ...SendOption) error {
	if m.ReplyAddress == "" {
		return errspkg.ErrNoReplyAddress
	}
	if m.bus == nil {
		return errspkg.ErrBusRequired
	}
	return m.bus.Send(ctx, m.ReplyAddress, body, opts...)
}

func (m *Message) operation() string {
	if m.send {
		return tracingpkg.OperationSend
	}
	return tracingpkg.OperationPublish
}

// copyForDelivery gives each fan-out recipient its own headers.
func (m *Message) copyForDelivery() *Message {
	cp := *m
	cp.Headers = m.Headers.Clone()
	return &cp
}
