// Package tracing defines the tracer SPI used around consumer handlers and an
// OpenTelemetry implementation that propagates trace context in headers.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

const (
	// InstrumentationName names the tracer obtained from the provider.
	InstrumentationName = "github.com/drblury/flowbus"

	// OperationSend and OperationPublish tag point-to-point and fan-out deliveries.
	OperationSend    = "send"
	OperationPublish = "publish"
)

// Request describes a message about to be handed to a consumer handler.
type Request struct {
	MessageID string
	Address   string
	Operation string
	Headers   metadatapkg.Metadata
}

// Tracer opens a span around each handler invocation and injects the active
// trace into outgoing headers.
type Tracer interface {
	ReceiveRequest(ctx context.Context, req Request) (context.Context, func(err error))
	Inject(ctx context.Context, headers metadatapkg.Metadata)
}

// OTel is a Tracer backed by OpenTelemetry.
type OTel struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewOTel creates a tracer from tp. A nil provider uses the global one.
func NewOTel(tp trace.TracerProvider) *OTel {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTel{
		tracer:     tp.Tracer(InstrumentationName),
		propagator: propagation.TraceContext{},
	}
}

func (o *OTel) ReceiveRequest(ctx context.Context, req Request) (context.Context, func(err error)) {
	if req.Headers != nil {
		ctx = o.propagator.Extract(ctx, propagation.MapCarrier(req.Headers))
	}
	ctx, span := o.tracer.Start(ctx, req.Address+" "+req.Operation,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "flowbus"),
			attribute.String("messaging.destination.name", req.Address),
			attribute.String("messaging.operation", req.Operation),
			attribute.String("messaging.message.id", req.MessageID),
		),
	)
	if cid := req.Headers.Get(metadatapkg.KeyCorrelationID); cid != "" {
		span.SetAttributes(attribute.String("messaging.message.conversation_id", cid))
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (o *OTel) Inject(ctx context.Context, headers metadatapkg.Metadata) {
	if ctx == nil || headers == nil {
		return
	}
	o.propagator.Inject(ctx, propagation.MapCarrier(headers))
}
