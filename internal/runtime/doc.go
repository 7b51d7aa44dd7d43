/*
Package runtime provides the consumer and delivery machinery behind flowbus.

# Architecture Overview

A Bus routes messages by address to consumers. Each consumer is a
Registration: it owns a pending buffer, a demand counter and a serial
affinity that all of its deliveries and callbacks run on. Delivery passes
through the bus-wide interceptor chain before reaching the handler. When a
transport is configured, a bridge carries addresses between bus nodes over
Watermill.

# Package Structure

## Bus (bus.go, bridge.go)

The Bus owns the routing table and wires together:
  - Consumer registration and removal
  - Send, Publish and Request
  - The inbound interceptor chain
  - The cluster bridge (Watermill publisher and subscriber)
  - HTTP servers for metrics and introspection

## Registration (registration.go, demand.go, pending.go)

Flow control for a single consumer:
  - Pause, Resume and Fetch adjust the demand
  - Messages arriving without demand are buffered up to a bound
  - Overflow evicts the oldest buffered message
  - Every dispatched message returns one credit to its producer

## Delivery (delivery.go, interceptors.go, hooks.go)

The interceptor chain and the handler call:
  - CorrelationID: ensures message traceability
  - LogMessages: debug logging of message payloads
  - Filter: drops messages a predicate rejects
  - DeliveryHooks: callbacks around each delivery
  - OpenTelemetry spans and Prometheus metrics around the handler

## Producer (producer.go)

Credit based sender with a bounded write queue and drain notification.

## Stats & Introspection (stats.go, resources.go, introspection.go)

Per-consumer statistics served on /api/consumers:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling

# Sub-packages

  - affinity/: Serial executors and the contexts bound to them
  - config/: Bus configuration with validation and viper loading
  - errors/: Sentinel errors
  - ids/: ULID generation for message ids and reply addresses
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message header utilities
  - metrics/: Metrics SPI and Prometheus collectors
  - tracing/: Tracer SPI and OpenTelemetry implementation

# Usage Example

	bus := flowbus.NewBus(&flowbus.Config{}, logger, ctx, flowbus.BusDependencies{})

	reg := bus.Consumer("orders.created", func(ctx context.Context, msg *flowbus.Message) error {
		var order Order
		return msg.Decode(&order)
	})
	reg.Pause()
	_ = reg.Fetch(10)

	_ = bus.Send(ctx, "orders.created", Order{ID: "42"})
*/
package runtime
