package runtime

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// JSONMessageContext exposes the decoded payload and headers to typed handlers.
type JSONMessageContext[T any] struct {
	Payload  T
	Metadata metadatapkg.Metadata
	Message  *Message
}

// CloneMetadata copies the headers so handlers can mutate them safely.
func (c JSONMessageContext[T]) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

// CorrelationID returns the correlation id header, if present.
func (c JSONMessageContext[T]) CorrelationID() string {
	return c.Metadata.Get(metadatapkg.KeyCorrelationID)
}

// JSONMessageHandler processes a decoded JSON payload.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// JSONReplyHandler processes a decoded JSON payload and returns the reply body.
type JSONReplyHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) (O, error)

// JSONHandler adapts a typed handler to Handler. Payloads that fail to decode
// are reported as handler failures.
func JSONHandler[T any](h JSONMessageHandler[T]) Handler {
	return func(ctx context.Context, msg *Message) error {
		event, err := decodeJSONEvent[T](msg)
		if err != nil {
			return err
		}
		return h(ctx, event)
	}
}

// JSONReplier adapts a typed request handler to Handler. The returned value is
// sent to the message's reply address when it has one.
func JSONReplier[T any, O any](h JSONReplyHandler[T, O]) Handler {
	return func(ctx context.Context, msg *Message) error {
		event, err := decodeJSONEvent[T](msg)
		if err != nil {
			return err
		}
		out, err := h(ctx, event)
		if err != nil {
			return err
		}
		if msg.ReplyAddress == "" {
			return nil
		}
		return msg.Reply(ctx, out, replyHeaders(msg)...)
	}
}

func decodeJSONEvent[T any](msg *Message) (JSONMessageContext[T], error) {
	var payload T
	if err := msg.Decode(&payload); err != nil {
		return JSONMessageContext[T]{}, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return JSONMessageContext[T]{
		Payload:  payload,
		Metadata: msg.Headers,
		Message:  msg,
	}, nil
}

// ProtoMessageContext exposes a decoded protobuf payload to typed handlers.
type ProtoMessageContext[T proto.Message] struct {
	Payload  T
	Metadata metadatapkg.Metadata
	Message  *Message
}

// CloneMetadata copies the headers so handlers can mutate them safely.
func (c ProtoMessageContext[T]) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

// ProtoMessageHandler processes a decoded protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) error

// ProtoReplyHandler processes a decoded protobuf payload and returns the reply.
type ProtoReplyHandler[T proto.Message, O proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) (O, error)

// ProtoHandler adapts a typed protobuf handler to Handler. Bodies travel as
// protojson, so JSON producers can feed proto consumers and the other way
// round. T must be a pointer to a generated message type.
func ProtoHandler[T proto.Message](h ProtoMessageHandler[T]) Handler {
	return func(ctx context.Context, msg *Message) error {
		event, err := decodeProtoEvent[T](msg)
		if err != nil {
			return err
		}
		return h(ctx, event)
	}
}

// ProtoReplier adapts a typed protobuf request handler to Handler, replying
// with its result when the message has a reply address.
func ProtoReplier[T proto.Message, O proto.Message](h ProtoReplyHandler[T, O]) Handler {
	return func(ctx context.Context, msg *Message) error {
		event, err := decodeProtoEvent[T](msg)
		if err != nil {
			return err
		}
		out, err := h(ctx, event)
		if err != nil {
			return err
		}
		if msg.ReplyAddress == "" {
			return nil
		}
		return msg.Reply(ctx, out, replyHeaders(msg)...)
	}
}

func decodeProtoEvent[T proto.Message](msg *Message) (ProtoMessageContext[T], error) {
	payload, err := newProtoMessage[T]()
	if err != nil {
		return ProtoMessageContext[T]{}, err
	}
	if err := msg.Decode(payload); err != nil {
		return ProtoMessageContext[T]{}, fmt.Errorf("failed to unmarshal proto payload: %w", err)
	}
	return ProtoMessageContext[T]{
		Payload:  payload,
		Metadata: msg.Headers,
		Message:  msg,
	}, nil
}

// newProtoMessage allocates the message T points to.
func newProtoMessage[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Ptr {
		return zero, fmt.Errorf("proto payload type %s must be a pointer", typ)
	}
	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected proto payload type %s", typ)
	}
	return typed, nil
}

func replyHeaders(msg *Message) []SendOption {
	corr := msg.Header(metadatapkg.KeyCorrelationID)
	if corr == "" {
		return nil
	}
	return []SendOption{WithHeader(metadatapkg.KeyCorrelationID, corr)}
}
