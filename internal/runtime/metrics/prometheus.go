package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "flowbus"
	subsystem = "consumer"

	// ReplyAddressLabel replaces the address label of reply consumers, whose
	// addresses are unique per request.
	ReplyAddressLabel = "__reply"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Prometheus exports consumer metrics as Prometheus collectors.
type Prometheus struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	handlersRegistered *prometheus.GaugeVec
	messagesHandled    *prometheus.CounterVec
	handleDuration     *prometheus.HistogramVec
	messagesDiscarded  *prometheus.CounterVec
}

type promHandle struct {
	address string
}

type promSpan struct {
	m       *Prometheus
	address string
	local   string
	start   time.Time
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewPrometheus creates the collectors. Call Register before use; a nil
// registerer falls back to prometheus.DefaultRegisterer.
func NewPrometheus(registerer prometheus.Registerer) *Prometheus {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		registerer:         registerer,
		handlersRegistered: newGaugeVec("handlers_registered", "Number of consumers currently registered per address", []string{"address"}),
		messagesHandled:    newCounterVec("messages_handled_total", "Messages handed to consumer handlers", []string{"address", "local", "outcome"}),
		handleDuration:     newHistogramVec("handle_duration_seconds", "Time spent in consumer handlers", prometheus.DefBuckets, []string{"address"}),
		messagesDiscarded:  newCounterVec("messages_discarded_total", "Messages dropped before reaching a handler", []string{"address", "reason"}),
	}
}

// Register registers the collectors. Safe to call multiple times; collectors
// already registered elsewhere are tolerated.
func (m *Prometheus) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.handlersRegistered, err = registerOrExisting(m.registerer, m.handlersRegistered); err != nil {
		return err
	}
	if m.messagesHandled, err = registerOrExisting(m.registerer, m.messagesHandled); err != nil {
		return err
	}
	if m.handleDuration, err = registerOrExisting(m.registerer, m.handleDuration); err != nil {
		return err
	}
	if m.messagesDiscarded, err = registerOrExisting(m.registerer, m.messagesDiscarded); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// registerOrExisting registers c, or adopts the collector another instance
// already registered under the same name so both feed one series.
func registerOrExisting[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
		return c, nil
	}
	return c, err
}

// Collectors exposes the underlying collectors, mainly for tests.
func (m *Prometheus) Collectors() (handlers *prometheus.GaugeVec, handled *prometheus.CounterVec, discarded *prometheus.CounterVec) {
	return m.handlersRegistered, m.messagesHandled, m.messagesDiscarded
}

func (m *Prometheus) HandlerRegistered(address, replyAddress string) Handle {
	label := address
	if replyAddress != "" {
		label = ReplyAddressLabel
	}
	m.handlersRegistered.WithLabelValues(label).Inc()
	return &promHandle{address: label}
}

func (m *Prometheus) HandlerUnregistered(h Handle) {
	ph, ok := h.(*promHandle)
	if !ok {
		return
	}
	m.handlersRegistered.WithLabelValues(ph.address).Dec()
}

func (m *Prometheus) BeginHandleMessage(h Handle, local bool) Span {
	ph, ok := h.(*promHandle)
	if !ok {
		return nopSpan{}
	}
	return &promSpan{
		m:       m,
		address: ph.address,
		local:   strconv.FormatBool(local),
		start:   time.Now(),
	}
}

func (m *Prometheus) MessageDiscarded(address string, reason DiscardReason) {
	m.messagesDiscarded.WithLabelValues(address, string(reason)).Inc()
}

func (s *promSpan) End(err error) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	s.m.messagesHandled.WithLabelValues(s.address, s.local, outcome).Inc()
	s.m.handleDuration.WithLabelValues(s.address).Observe(time.Since(s.start).Seconds())
}
