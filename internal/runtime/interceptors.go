package runtime

import (
	"context"

	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

type correlationIDKey struct{}

// CorrelationIDInterceptor stamps a correlation id on messages that lack one
// and exposes it to handlers through the context.
func CorrelationIDInterceptor() Interceptor {
	return InterceptorFunc(func(dc *DeliveryContext) error {
		msg := dc.Message()
		id := msg.Header(metadatapkg.KeyCorrelationID)
		if id == "" {
			id = idspkg.CreateULID()
			msg.Headers = msg.Headers.With(metadatapkg.KeyCorrelationID, id)
		}
		dc.SetContext(context.WithValue(dc.Context(), correlationIDKey{}, id))
		dc.Next()
		return nil
	})
}

// CorrelationIDFromContext returns the id set by CorrelationIDInterceptor.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// LogMessagesInterceptor logs every delivery with its headers at debug level.
// A nil logger falls back to the consumer's logger.
func LogMessagesInterceptor(logger loggingpkg.ServiceLogger) Interceptor {
	return InterceptorFunc(func(dc *DeliveryContext) error {
		l := logger
		if l == nil {
			l = dc.reg.logger
		}
		msg := dc.Message()
		l.Debug("Processing message", loggingpkg.LogFields{
			"message_id": msg.ID,
			"address":    dc.Address(),
			"send":       msg.IsSend(),
			"local":      msg.IsLocal(),
			"payload":    string(msg.Payload),
			"metadata":   msg.Headers,
		})
		dc.Next()
		return nil
	})
}

// FilterInterceptor vetoes deliveries for which accept returns false.
func FilterInterceptor(accept func(msg *Message) bool) Interceptor {
	return InterceptorFunc(func(dc *DeliveryContext) error {
		if accept == nil || accept(dc.Message()) {
			dc.Next()
		}
		return nil
	})
}
