package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

type entry struct {
	build Builder
	caps  *Capabilities
}

// Registry maps pubsub_system names to bridge transports. Transport packages
// add themselves from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is what Bus consults when Config names a pubsub system.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds builder under name. Registering a name again replaces the
// builder and forgets its capabilities.
func (r *Registry) Register(name string, builder Builder) {
	r.put(name, entry{build: builder})
}

// RegisterWithCapabilities is Register plus the delivery guarantees the bus
// reports in snapshots.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.put(name, entry{build: builder, caps: &caps})
}

func (r *Registry) put(name string, e entry) {
	r.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// GetCapabilities returns what name declared, or a zero Capabilities carrying
// only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if e, ok := r.lookup(name); ok && e.caps != nil {
		return *e.caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport named by cfg.GetPubSubSystem. A builder must
// return both halves; the bridge publishes and subscribes on every node.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	name := cfg.GetPubSubSystem()
	e, ok := r.lookup(name)
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	t, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	if t.Publisher == nil || t.Subscriber == nil {
		return Transport{}, fmt.Errorf("build %s transport: publisher and subscriber are required", name)
	}
	return t, nil
}

// Names lists registered transports, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
