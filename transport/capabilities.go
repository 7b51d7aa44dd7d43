package transport

// Capabilities describes how a transport behaves underneath the cluster
// bridge.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string `json:"name"`

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsTracing indicates the transport carries message metadata, and
	// with it the trace context headers, end to end.
	SupportsTracing bool `json:"supports_tracing"`

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool `json:"supports_ack"`

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool `json:"supports_nack"`

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool `json:"supports_partitioning"`

	// CompetingConsumers indicates that one message on a topic reaches only
	// one subscribing node. Without it a bridged send reaches every node
	// with a consumer at the address.
	CompetingConsumers bool `json:"competing_consumers"`

	// Persistent indicates messages published while no node is subscribed
	// are kept.
	Persistent bool `json:"persistent"`

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64 `json:"max_message_size"`
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// PointToPoint reports whether a bridged send is consumed by a single node.
func (c Capabilities) PointToPoint() bool {
	return c.CompetingConsumers
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka with a consumer group per node.
	// Nodes configured with a shared group compete instead.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		Persistent:           true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP with a durable queue per node
	// and topic.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		Persistent:       true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS with one queue per node and topic.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsTracing: true,
		SupportsAck:     true,
		SupportsNack:    true,
		Persistent:      true,
		MaxMessageSize:  262144, // 256KB
	}

	// HTTPCapabilities for the HTTP peer transport. Each node posts to a
	// single peer, so a bridged send is handled by one node.
	HTTPCapabilities = Capabilities{
		Name:               "http",
		SupportsTracing:    true,
		SupportsAck:        true,
		CompetingConsumers: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a Capabilities value carrying only the name if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
