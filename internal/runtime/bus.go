package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

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

const (
	replyAddressPrefix  = "__flowbus.reply"
	creditAddressPrefix = "__flowbus.credit"
)

// BusDependencies holds the optional collaborators a Bus can use. Leave
// fields nil to get the configured defaults.
type BusDependencies struct {
	// Metrics overrides the metrics sink. When nil, Prometheus collectors are
	// registered if metrics are enabled, otherwise metrics are discarded.
	Metrics metricspkg.Metrics
	// PrometheusRegisterer receives the default collectors. Defaults to
	// prometheus.DefaultRegisterer.
	PrometheusRegisterer prometheus.Registerer
	// Tracer overrides the delivery tracer. When nil and tracing is enabled an
	// OpenTelemetry tracer is built from TracerProvider.
	Tracer         tracingpkg.Tracer
	TracerProvider trace.TracerProvider
	// Transport is used for the cluster bridge instead of building one from
	// the configured PubSubSystem.
	Transport *transportpkg.Transport
	// Transports is the registry PubSubSystem is looked up in. Defaults to
	// transport.DefaultRegistry.
	Transports *transportpkg.Registry
	// Interceptors are installed as inbound interceptors in order.
	Interceptors []Interceptor
	// ExceptionHandler receives handler failures and panics reported on
	// consumer affinities.
	ExceptionHandler func(error)
	ErrorClassifier  ErrorClassifier
}

// routingHandle is a registration's entry in the routing table.
type routingHandle struct {
	address      string
	reg          *Registration
	replyHandler bool
	localOnly    bool
}

type interceptorEntry struct {
	interceptor Interceptor
}

// Bus routes messages between consumers by address. It delivers in-process
// and, when a transport is configured, bridges addresses across nodes.
type Bus struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	ctx    context.Context
	nodeID string

	mu       sync.RWMutex
	handlers map[string][]*routingHandle
	closed   bool

	interceptorsMu     sync.Mutex
	interceptorEntries []*interceptorEntry
	interceptors       atomic.Pointer[[]Interceptor]

	metrics          metricspkg.Metrics
	prometheus       *metricspkg.Prometheus
	gatherer         prometheus.Gatherer
	tracer           tracingpkg.Tracer
	exceptionHandler func(error)
	errorClassifier  ErrorClassifier
	resourceTracker  *resourceTracker

	bridge       *bridge
	capabilities *transportpkg.Capabilities

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	closeOnce sync.Once
}

// NewBus constructs a Bus for the supplied configuration. It panics when the
// configuration is invalid or the transport cannot be built; use TryNewBus to
// get the error instead.
func NewBus(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps BusDependencies) *Bus {
	b, err := TryNewBus(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return b
}

// TryNewBus constructs a Bus, returning an error instead of panicking.
func TryNewBus(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	nodeID := conf.GetNodeID()
	if nodeID == "" {
		nodeID = idspkg.CreateULID()
	}

	log.Info("Creating event bus", loggingpkg.LogFields{
		"node_id":       nodeID,
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	b := &Bus{
		Conf:             conf,
		Logger:           log,
		ctx:              ctx,
		nodeID:           nodeID,
		handlers:         make(map[string][]*routingHandle),
		exceptionHandler: deps.ExceptionHandler,
		errorClassifier:  deps.ErrorClassifier,
		resourceTracker:  newResourceTracker(),
	}
	if b.errorClassifier == nil {
		b.errorClassifier = defaultErrorClassifier
	}
	b.interceptors.Store(&[]Interceptor{})

	if err := b.configureMetrics(deps); err != nil {
		return nil, err
	}
	b.configureTracing(deps)

	for _, i := range deps.Interceptors {
		b.AddInboundInterceptor(i)
	}

	if err := b.configureBridge(deps); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) configureMetrics(deps BusDependencies) error {
	switch {
	case deps.Metrics != nil:
		b.metrics = deps.Metrics
	case b.Conf.MetricsEnabled:
		registerer := deps.PrometheusRegisterer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		p := metricspkg.NewPrometheus(registerer)
		if err := p.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		b.metrics = p
		b.prometheus = p
		if g, ok := registerer.(prometheus.Gatherer); ok {
			b.gatherer = g
		}
	default:
		b.metrics = metricspkg.Nop{}
	}
	return nil
}

func (b *Bus) configureTracing(deps BusDependencies) {
	switch {
	case deps.Tracer != nil:
		b.tracer = deps.Tracer
	case b.Conf.TracingEnabled:
		b.tracer = tracingpkg.NewOTel(deps.TracerProvider)
	}
}

// busTransportConfig hands transports the node id the bus settled on, which
// may be generated rather than configured.
type busTransportConfig struct {
	*configpkg.Config
	nodeID string
}

func (c busTransportConfig) GetNodeID() string { return c.nodeID }

func (b *Bus) configureBridge(deps BusDependencies) error {
	registry := deps.Transports
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}

	var transport transportpkg.Transport
	switch {
	case deps.Transport != nil:
		transport = *deps.Transport
	case b.Conf.PubSubSystem != "":
		cfg := busTransportConfig{Config: b.Conf, nodeID: b.nodeID}
		built, err := registry.Build(b.ctx, cfg, loggingpkg.NewWatermillAdapter(b.Logger))
		if err != nil {
			return fmt.Errorf("build transport %q: %w", b.Conf.PubSubSystem, err)
		}
		transport = built
	default:
		return nil
	}

	if b.Conf.PubSubSystem != "" {
		caps := registry.GetCapabilities(b.Conf.PubSubSystem)
		if b.Conf.PubSubSystem == "kafka" && b.Conf.KafkaConsumerGroup != "" {
			caps.CompetingConsumers = true
		}
		b.capabilities = &caps
		if !caps.PointToPoint() {
			b.Logger.Info("Bridged sends reach one consumer on every subscribed node", loggingpkg.LogFields{
				"transport": caps.Name,
			})
		}
	}

	b.bridge = newBridge(b, transport)
	return nil
}

// NodeID identifies this bus on the cluster bridge.
func (b *Bus) NodeID() string { return b.nodeID }

// Clustered reports whether a cluster bridge is configured.
func (b *Bus) Clustered() bool { return b.bridge != nil }

// TransportCapabilities describes the configured transport. It is nil when
// the bus runs without a named transport.
func (b *Bus) TransportCapabilities() *transportpkg.Capabilities { return b.capabilities }

// ConsumerOption customises a consumer created with NewConsumer.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	localOnly   bool
	maxBuffered int
	affinity    *affinitypkg.Affinity
}

// LocalOnly keeps the consumer off the cluster bridge.
func LocalOnly() ConsumerOption {
	return func(o *consumerOptions) { o.localOnly = true }
}

// WithMaxBufferedMessages overrides the configured pending buffer bound.
// Negative values are ignored.
func WithMaxBufferedMessages(n int) ConsumerOption {
	return func(o *consumerOptions) {
		if n >= 0 {
			o.maxBuffered = n
		}
	}
}

// WithAffinity runs deliveries on a if supplied, so several consumers can
// share one serial context.
func WithAffinity(a *affinitypkg.Affinity) ConsumerOption {
	return func(o *consumerOptions) { o.affinity = a }
}

// NewConsumer creates an unbound consumer. It registers once a handler is
// attached with Handler.
func (b *Bus) NewConsumer(address string, opts ...ConsumerOption) *Registration {
	o := consumerOptions{maxBuffered: b.Conf.MaxBufferedMessages()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return b.newRegistration(address, "", o, false)
}

// Consumer registers h at address, visible to the cluster bridge.
func (b *Bus) Consumer(address string, h Handler) *Registration {
	return b.NewConsumer(address).Handler(h)
}

// LocalConsumer registers h at address for in-process delivery only.
func (b *Bus) LocalConsumer(address string, h Handler) *Registration {
	return b.NewConsumer(address, LocalOnly()).Handler(h)
}

func (b *Bus) newRegistration(address, replyAddress string, o consumerOptions, replyConsumer bool) *Registration {
	logger := b.Logger.With(loggingpkg.LogFields{"address": address})
	r := &Registration{
		bus:           b,
		address:       address,
		replyAddress:  replyAddress,
		localOnly:     o.localOnly,
		replyConsumer: replyConsumer,
		logger:        logger,
		stats:         newConsumerStats(b.errorClassifier),
		maxBuffered:   o.maxBuffered,
		pending:       newPendingBuffer(),
		demand:        Unbounded,
	}
	r.affinity = o.affinity
	if r.affinity == nil {
		r.affinity = affinitypkg.New(b.ctx, nil, b.affinityErrorHandler(logger))
	}
	return r
}

func (b *Bus) affinityErrorHandler(logger loggingpkg.ServiceLogger) func(error) {
	return func(err error) {
		logger.Debug("Failure reported on consumer affinity", loggingpkg.LogFields{"error": err.Error()})
		if b.exceptionHandler != nil {
			b.exceptionHandler(err)
		}
	}
}

// addRegistration puts r in the routing table. It is called with r's lock
// held, so it never calls r synchronously; the registration result is always
// posted to r's affinity.
func (b *Bus) addRegistration(address string, r *Registration, replyHandler, localOnly bool) *routingHandle {
	if address == "" {
		r.affinity.Run(func() { r.setResult(errspkg.ErrAddressRequired) })
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		r.affinity.Run(func() { r.setResult(errspkg.ErrBusClosed) })
		return nil
	}
	h := &routingHandle{
		address:      address,
		reg:          r,
		replyHandler: replyHandler,
		localOnly:    localOnly,
	}
	b.handlers[address] = append(b.handlers[address], h)
	b.mu.Unlock()

	if b.bridge != nil && !localOnly {
		b.bridge.subscribe(address, func(err error) {
			r.affinity.Run(func() { r.setResult(err) })
		})
		return h
	}
	r.affinity.Run(func() { r.setResult(nil) })
	return h
}

// removeRegistration drops h from the routing table and calls done once the
// entry is gone.
func (b *Bus) removeRegistration(h *routingHandle, done func(error)) {
	if h == nil {
		done(nil)
		return
	}

	b.mu.Lock()
	handles := b.handlers[h.address]
	for i, candidate := range handles {
		if candidate == h {
			handles = append(handles[:i:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(b.handlers, h.address)
	} else {
		b.handlers[h.address] = handles
	}
	b.mu.Unlock()

	if b.bridge != nil && !h.localOnly {
		b.bridge.unsubscribe(h.address)
	}
	done(nil)
}

// handlesFor copies the routing entries for address. Callers deliver outside
// the bus lock.
func (b *Bus) handlesFor(address string, includeLocalOnly bool) []*routingHandle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handles := b.handlers[address]
	out := make([]*routingHandle, 0, len(handles))
	for _, h := range handles {
		if !includeLocalOnly && h.localOnly {
			continue
		}
		out = append(out, h)
	}
	return out
}

// SendOption customises an outgoing message.
type SendOption func(*sendOptions)

type sendOptions struct {
	headers      metadatapkg.Metadata
	replyAddress string
}

// WithHeaders adds headers to the outgoing message.
func WithHeaders(md metadatapkg.Metadata) SendOption {
	return func(o *sendOptions) {
		o.headers = o.headers.WithAll(md)
	}
}

// WithHeader adds a single header to the outgoing message.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		o.headers = o.headers.With(key, value)
	}
}

func withReplyAddress(address string) SendOption {
	return func(o *sendOptions) { o.replyAddress = address }
}

func (b *Bus) newMessage(ctx context.Context, address string, body any, send bool, opts []SendOption) (*Message, error) {
	if address == "" {
		return nil, errspkg.ErrAddressRequired
	}
	payload, err := jsoncodec.EncodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("encode body for %s: %w", address, err)
	}

	o := sendOptions{headers: metadatapkg.Metadata{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if b.tracer != nil {
		b.tracer.Inject(ctx, o.headers)
	}

	return &Message{
		ID:           idspkg.CreateULID(),
		Address:      address,
		ReplyAddress: o.replyAddress,
		Headers:      o.headers,
		Payload:      payload,
		send:         send,
		bus:          b,
	}, nil
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Send delivers body to one consumer of address. Local consumers win; when
// there is none the message goes to the cluster bridge.
func (b *Bus) Send(ctx context.Context, address string, body any, opts ...SendOption) error {
	if b.isClosed() {
		return errspkg.ErrBusClosed
	}
	msg, err := b.newMessage(ctx, address, body, true, opts)
	if err != nil {
		return err
	}

	if handles := b.handlesFor(address, true); len(handles) > 0 {
		handles[0].reg.handle(msg)
		return nil
	}
	if b.bridge != nil {
		return b.bridge.publish(msg)
	}
	return fmt.Errorf("%w: %s", errspkg.ErrNoHandlers, address)
}

// Publish delivers body to every consumer of address, local and remote.
func (b *Bus) Publish(ctx context.Context, address string, body any, opts ...SendOption) error {
	if b.isClosed() {
		return errspkg.ErrBusClosed
	}
	msg, err := b.newMessage(ctx, address, body, false, opts)
	if err != nil {
		return err
	}

	for _, h := range b.handlesFor(address, true) {
		h.reg.handle(msg.copyForDelivery())
	}
	if b.bridge != nil {
		return b.bridge.publish(msg)
	}
	return nil
}

// deliverRemote routes a message received from the cluster bridge to the
// consumers visible to it.
func (b *Bus) deliverRemote(msg *Message) {
	handles := b.handlesFor(msg.Address, false)
	if len(handles) == 0 {
		b.Logger.Debug("No consumer for bridged message", loggingpkg.LogFields{
			"address":    msg.Address,
			"message_id": msg.ID,
		})
		return
	}
	if msg.IsSend() {
		handles[0].reg.handle(msg)
		return
	}
	for _, h := range handles {
		h.reg.handle(msg.copyForDelivery())
	}
}

// Request sends body to address and waits for the reply, bounded by the
// configured reply timeout.
func (b *Bus) Request(ctx context.Context, address string, body any, opts ...SendOption) (*Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, b.Conf.RequestTimeout())
	defer cancel()

	replies := make(chan *Message, 1)
	registered := make(chan error, 1)

	reg := b.newRegistration(idspkg.NewAddress(replyAddressPrefix), address, consumerOptions{maxBuffered: 1}, true)
	reg.Handler(func(_ context.Context, msg *Message) error {
		select {
		case replies <- msg:
		default:
		}
		return nil
	})
	reg.CompletionHandler(func(err error) { registered <- err })
	defer reg.Unregister(nil)

	select {
	case err := <-registered:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, requestError(ctx, address)
	}

	opts = append(opts, withReplyAddress(reg.Address()))
	if err := b.Send(ctx, address, body, opts...); err != nil {
		return nil, err
	}

	select {
	case msg := <-replies:
		return msg, nil
	case <-ctx.Done():
		return nil, requestError(ctx, address)
	}
}

func requestError(ctx context.Context, address string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", errspkg.ErrReplyTimeout, address)
	}
	return ctx.Err()
}

// SendCredit returns n credits to a producer's credit address. Failures are
// logged, never returned.
func (b *Bus) SendCredit(address string, n int64) {
	if err := b.Send(b.ctx, address, n); err != nil {
		b.Logger.Debug("Failed to return credit", loggingpkg.LogFields{
			"credit_address": address,
			"error":          err.Error(),
		})
	}
}

// AddInboundInterceptor appends i to the chain every delivery runs through.
// The returned function removes it again.
func (b *Bus) AddInboundInterceptor(i Interceptor) (remove func()) {
	if i == nil {
		return func() {}
	}
	entry := &interceptorEntry{interceptor: i}

	b.interceptorsMu.Lock()
	b.interceptorEntries = append(b.interceptorEntries, entry)
	b.publishInterceptorsLocked()
	b.interceptorsMu.Unlock()

	return func() {
		b.interceptorsMu.Lock()
		defer b.interceptorsMu.Unlock()
		for idx, e := range b.interceptorEntries {
			if e == entry {
				b.interceptorEntries = append(b.interceptorEntries[:idx:idx], b.interceptorEntries[idx+1:]...)
				b.publishInterceptorsLocked()
				return
			}
		}
	}
}

func (b *Bus) publishInterceptorsLocked() {
	snapshot := make([]Interceptor, len(b.interceptorEntries))
	for idx, e := range b.interceptorEntries {
		snapshot[idx] = e.interceptor
	}
	b.interceptors.Store(&snapshot)
}

// ReceiveInterceptors returns the current interceptor chain. The slice must
// not be modified.
func (b *Bus) ReceiveInterceptors() []Interceptor {
	return *b.interceptors.Load()
}

// Consumers returns snapshots of every registered consumer sorted by address.
func (b *Bus) Consumers() []ConsumerSnapshot {
	b.mu.RLock()
	regs := make([]*Registration, 0, len(b.handlers))
	for _, handles := range b.handlers {
		for _, h := range handles {
			regs = append(regs, h.reg)
		}
	}
	b.mu.RUnlock()

	snaps := make([]ConsumerSnapshot, 0, len(regs))
	for _, r := range regs {
		snaps = append(snaps, r.Snapshot())
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Address < snaps[j].Address })
	return snaps
}

// Start serves the configured HTTP endpoints and blocks until ctx is done,
// then closes the bus.
func (b *Bus) Start(ctx context.Context) error {
	b.registerIntrospection()
	b.registerMetricsEndpoint()
	b.startHTTPServers()

	<-ctx.Done()
	return b.Close()
}

// Close stops the bridge and HTTP servers. Later sends fail with ErrBusClosed.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		var errs []error
		if b.bridge != nil {
			errs = append(errs, b.bridge.close())
		}
		errs = append(errs, b.stopHTTPServers())
		err = errors.Join(errs...)
		b.Logger.Info("Event bus closed", loggingpkg.LogFields{"node_id": b.nodeID})
	})
	return err
}

// RegisterHTTPHandler mounts handler on the server listening on port.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (b *Bus) startHTTPServers() {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		b.servers = append(b.servers, srv)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (b *Bus) stopHTTPServers() error {
	b.httpServersMu.Lock()
	servers := b.servers
	b.servers = nil
	b.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
