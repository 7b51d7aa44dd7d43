// Package transports imports all built-in transports for auto-registration.
// Import this package to have every cluster bridge transport registered with
// the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/flowbus/transport/aws"
	_ "github.com/drblury/flowbus/transport/channel"
	_ "github.com/drblury/flowbus/transport/http"
	_ "github.com/drblury/flowbus/transport/kafka"
	_ "github.com/drblury/flowbus/transport/nats"
	_ "github.com/drblury/flowbus/transport/rabbitmq"
)
