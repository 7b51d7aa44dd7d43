package runtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	transportpkg "github.com/drblury/flowbus/transport"
)

// BusSnapshot is the payload of GET /api/consumers.
type BusSnapshot struct {
	NodeID       string                     `json:"node_id"`
	Transport    string                     `json:"transport"`
	Capabilities *transportpkg.Capabilities `json:"capabilities,omitempty"`
	Resource     ResourceUsage              `json:"resource"`
	Consumers    []ConsumerSnapshot         `json:"consumers"`
	CollectedAt  time.Time                  `json:"collected_at"`
}

// Snapshot collects the state of every consumer on this node.
func (b *Bus) Snapshot() BusSnapshot {
	transport := b.Conf.PubSubSystem
	if transport == "" {
		transport = "local"
	}
	return BusSnapshot{
		NodeID:       b.nodeID,
		Transport:    transport,
		Capabilities: b.capabilities,
		Resource:     b.resourceTracker.Snapshot(),
		Consumers:    b.Consumers(),
		CollectedAt:  time.Now().UTC(),
	}
}

func (b *Bus) registerIntrospection() {
	if !b.Conf.IntrospectionEnabled {
		return
	}

	port := b.Conf.IntrospectionPort
	if port == 0 {
		port = configpkg.DefaultIntrospectionPort
	}

	b.RegisterHTTPHandler(port, "/api/consumers", http.HandlerFunc(b.handleGetConsumers))
}

func (b *Bus) registerMetricsEndpoint() {
	if b.prometheus == nil || b.Conf.MetricsPort == 0 {
		return
	}
	handler := promhttp.Handler()
	if b.gatherer != nil {
		handler = promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{})
	}
	b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", handler)
}

func (b *Bus) handleGetConsumers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(b.Conf.IntrospectionCORSAllowedOrigins) > 0 {
		if allowed := b.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, b.Snapshot()); err != nil {
		b.Logger.Error("Failed to encode consumers", err, loggingpkg.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (b *Bus) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range b.Conf.IntrospectionCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
