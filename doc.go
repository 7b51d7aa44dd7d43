// Package flowbus is an address based message bus with per-consumer flow
// control. A Bus routes messages by address to consumers registered on it:
// Send reaches one consumer, Publish reaches all of them and Request waits
// for a reply. Each consumer is a Registration that can be paused, resumed
// and fed an explicit demand with Fetch; messages that arrive without demand
// are buffered up to a bound and the oldest are evicted on overflow.
//
// Every Registration runs its handler and callbacks on an Affinity, a serial
// context that never runs two tasks at once. Consumers may share one Affinity
// to serialise across addresses. A Producer sends to one address under credit
// based backpressure: consumers return a credit for every message they
// dispatch, and the producer queues writes once its credit is spent.
//
// JSONHandler and ProtoHandler decode bodies into typed payloads; protobuf
// messages travel as protojson. Registration.BodyStream exposes raw bodies
// under the same flow control.
//
// # Transports
//
// With PubSubSystem set in Config, the bus bridges non-local consumers across
// nodes over Watermill. Built-in transports register themselves when their
// package is imported:
//   - channel: In-memory Go channels for tests and local development
//   - kafka: Kafka topics, one consumer group per node unless shared
//   - rabbitmq: AMQP fan-out exchanges with a queue per node
//   - aws: SNS topics fanned out to one SQS queue per node, LocalStack aware
//   - nats: Core NATS subjects
//   - http: Point-to-point delivery to a single peer
//
// # Interceptors
//
// Inbound interceptors see every delivery before the handler. The bundled
// ones add correlation ids, debug logging, filtering and DeliveryHooks for
// OnDeliveryStart, OnDeliveryDone, OnDeliveryError and OnDeliveryVetoed
// callbacks. OpenTelemetry spans and Prometheus metrics wrap the handler when
// enabled in Config, and BusDependencies swaps in custom implementations.
//
// # Introspection
//
// Bus.Start serves /api/consumers with per-consumer state, demand, buffer
// usage, latency percentiles and throughput, plus /metrics when Prometheus is
// enabled.
package flowbus
