package flowbus

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/flowbus/internal/runtime"
	affinitypkg "github.com/drblury/flowbus/internal/runtime/affinity"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	metricspkg "github.com/drblury/flowbus/internal/runtime/metrics"
	tracingpkg "github.com/drblury/flowbus/internal/runtime/tracing"
	transportpkg "github.com/drblury/flowbus/transport"
)

type (
	Config          = configpkg.Config
	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies
	BusSnapshot     = runtimepkg.BusSnapshot

	Message         = runtimepkg.Message
	Handler         = runtimepkg.Handler
	Registration    = runtimepkg.Registration
	ConsumerOption  = runtimepkg.ConsumerOption
	SendOption      = runtimepkg.SendOption
	Demand          = runtimepkg.Demand
	Producer        = runtimepkg.Producer
	ProducerOption  = runtimepkg.ProducerOption
	Affinity        = affinitypkg.Affinity
	Executor        = affinitypkg.Executor
	Interceptor     = runtimepkg.Interceptor
	InterceptorFunc = runtimepkg.InterceptorFunc
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryOutcome = runtimepkg.DeliveryOutcome

	JSONMessageContext[T any]      = runtimepkg.JSONMessageContext[T]
	JSONMessageHandler[T any]      = runtimepkg.JSONMessageHandler[T]
	JSONReplyHandler[T any, O any] = runtimepkg.JSONReplyHandler[T, O]

	ProtoMessageContext[T proto.Message]                = runtimepkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message]                = runtimepkg.ProtoMessageHandler[T]
	ProtoReplyHandler[T proto.Message, O proto.Message] = runtimepkg.ProtoReplyHandler[T, O]

	// Delivery lifecycle hooks
	DeliveryInfo  = runtimepkg.DeliveryInfo
	DeliveryHooks = runtimepkg.DeliveryHooks

	// Statistics and introspection
	ConsumerSnapshot      = runtimepkg.ConsumerSnapshot
	ConsumerStatsSnapshot = runtimepkg.ConsumerStatsSnapshot
	ResourceUsage         = runtimepkg.ResourceUsage
	ErrorClassifier       = runtimepkg.ErrorClassifier
	ErrorCategory         = runtimepkg.ErrorCategory

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Metrics       = metricspkg.Metrics
	DiscardReason = metricspkg.DiscardReason
	Tracer        = tracingpkg.Tracer

	ConfigValidationError = errspkg.ConfigValidationError

	// Cluster bridge transports
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewBus         = runtimepkg.NewBus
	TryNewBus      = runtimepkg.TryNewBus
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	Unbounded = runtimepkg.Unbounded
	Finite    = runtimepkg.Finite

	LocalOnly               = runtimepkg.LocalOnly
	WithMaxBufferedMessages = runtimepkg.WithMaxBufferedMessages
	WithAffinity            = runtimepkg.WithAffinity
	WithHeader              = runtimepkg.WithHeader
	WithHeaders             = runtimepkg.WithHeaders
	WithWriteQueueMaxSize   = runtimepkg.WithWriteQueueMaxSize
	WithProducerHeaders     = runtimepkg.WithProducerHeaders

	CorrelationIDInterceptor = runtimepkg.CorrelationIDInterceptor
	CorrelationIDFromContext = runtimepkg.CorrelationIDFromContext
	LogMessagesInterceptor   = runtimepkg.LogMessagesInterceptor
	FilterInterceptor        = runtimepkg.FilterInterceptor

	// Delivery lifecycle hooks
	DeliveryHooksInterceptor = runtimepkg.DeliveryHooksInterceptor
	LoggingHooks             = runtimepkg.LoggingHooks
	MetricsHooks             = runtimepkg.MetricsHooks
	AlertingHooks            = runtimepkg.AlertingHooks

	NewExecutor = affinitypkg.NewExecutor

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrInvalidArgument                = errspkg.ErrInvalidArgument
	ErrUnregisteredBeforeRegistration = errspkg.ErrUnregisteredBeforeRegistration
	ErrAddressRequired                = errspkg.ErrAddressRequired
	ErrBusRequired                    = errspkg.ErrBusRequired
	ErrBusClosed                      = errspkg.ErrBusClosed
	ErrNoHandlers                     = errspkg.ErrNoHandlers
	ErrNoReplyAddress                 = errspkg.ErrNoReplyAddress
	ErrReplyTimeout                   = errspkg.ErrReplyTimeout
	ErrWriteQueueFull                 = errspkg.ErrWriteQueueFull
	ErrProducerClosed                 = errspkg.ErrProducerClosed
	ErrConfigRequired                 = errspkg.ErrConfigRequired
	ErrLoggerRequired                 = errspkg.ErrLoggerRequired

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID

	// Cluster bridge transports. Import the transport packages to register
	// them, e.g. _ "github.com/drblury/flowbus/transport/transports".
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
)

// Metadata keys reserved by flowbus.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyCreditAddress = metadatapkg.KeyCreditAddress
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// Delivery outcomes reported by DeliveryContext.Outcome.
const (
	OutcomePending   = runtimepkg.OutcomePending
	OutcomeDelivered = runtimepkg.OutcomeDelivered
	OutcomeVetoed    = runtimepkg.OutcomeVetoed
	OutcomeDropped   = runtimepkg.OutcomeDropped
)

// NewAffinity returns a serial context. Consumers given the same affinity via
// WithAffinity never run concurrently. A nil exec creates a private executor.
func NewAffinity(ctx context.Context, exec *Executor, errorHandler func(error)) *Affinity {
	return affinitypkg.New(ctx, exec, errorHandler)
}

// JSONHandler adapts a typed handler to Handler.
func JSONHandler[T any](h JSONMessageHandler[T]) Handler {
	return runtimepkg.JSONHandler(h)
}

// JSONReplier adapts a typed request handler to Handler, replying with its
// result.
func JSONReplier[T any, O any](h JSONReplyHandler[T, O]) Handler {
	return runtimepkg.JSONReplier(h)
}

// ProtoHandler adapts a typed protobuf handler to Handler. Bodies are
// protojson encoded on the wire.
func ProtoHandler[T proto.Message](h ProtoMessageHandler[T]) Handler {
	return runtimepkg.ProtoHandler(h)
}

// ProtoReplier adapts a typed protobuf request handler to Handler, replying
// with its result.
func ProtoReplier[T proto.Message, O proto.Message](h ProtoReplyHandler[T, O]) Handler {
	return runtimepkg.ProtoReplier(h)
}
