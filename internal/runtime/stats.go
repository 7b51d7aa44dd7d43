package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ConsumerStats accumulates delivery statistics for one consumer.
type ConsumerStats struct {
	mu sync.Mutex

	delivered         uint64
	failed            uint64
	vetoed            uint64
	dropped           uint64
	discarded         uint64
	totalHandlingTime int64
	lastDeliveredAt   time.Time
	errors            ErrorBreakdown

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	classifier       ErrorClassifier
}

// ConsumerStatsSnapshot is a copy of ConsumerStats safe to serialise.
type ConsumerStatsSnapshot struct {
	MessagesDelivered uint64            `json:"messages_delivered"`
	MessagesFailed    uint64            `json:"messages_failed"`
	MessagesVetoed    uint64            `json:"messages_vetoed"`
	MessagesDropped   uint64            `json:"messages_dropped"`
	MessagesDiscarded uint64            `json:"messages_discarded"`
	LastDeliveredAt   time.Time         `json:"last_delivered_at"`
	Latency           LatencyMetrics    `json:"latency"`
	Throughput        ThroughputMetrics `json:"throughput"`
	Errors            ErrorBreakdown    `json:"errors"`
}

// ConsumerSnapshot describes a consumer for the introspection API.
type ConsumerSnapshot struct {
	Address             string                `json:"address"`
	ReplyAddress        string                `json:"reply_address,omitempty"`
	LocalOnly           bool                  `json:"local_only"`
	State               string                `json:"state"`
	RegistrationError   string                `json:"registration_error,omitempty"`
	Pending             int                   `json:"pending"`
	Demand              string                `json:"demand"`
	MaxBufferedMessages int                   `json:"max_buffered_messages"`
	Stats               ConsumerStatsSnapshot `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors in consumer statistics.
type ErrorClassifier func(error) ErrorCategory

func newConsumerStats(classifier ErrorClassifier) *ConsumerStats {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return &ConsumerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		classifier:       classifier,
	}
}

func (s *ConsumerStats) recordDelivered(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delivered++
	if err != nil {
		s.failed++
	}
	s.totalHandlingTime += int64(duration)
	s.lastDeliveredAt = time.Now().UTC()
	s.latencyWindow.Add(duration)
	s.throughputWindow.Add(time.Now())
	s.errors.Record(s.classifier(err), err)
}

func (s *ConsumerStats) recordVetoed() {
	s.mu.Lock()
	s.vetoed++
	s.mu.Unlock()
}

// unrecordVetoed takes back a veto when a parked chain is continued.
func (s *ConsumerStats) unrecordVetoed() {
	s.mu.Lock()
	if s.vetoed > 0 {
		s.vetoed--
	}
	s.mu.Unlock()
}

func (s *ConsumerStats) recordDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *ConsumerStats) recordDiscarded(n int) {
	s.mu.Lock()
	s.discarded += uint64(n)
	s.mu.Unlock()
}

// Snapshot copies the current statistics.
func (s *ConsumerStats) Snapshot() ConsumerStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := ConsumerStatsSnapshot{
		MessagesDelivered: s.delivered,
		MessagesFailed:    s.failed,
		MessagesVetoed:    s.vetoed,
		MessagesDropped:   s.dropped,
		MessagesDiscarded: s.discarded,
		LastDeliveredAt:   s.lastDeliveredAt,
		Latency:           s.latencyWindow.Snapshot(),
		Errors:            s.errors,
	}
	if s.delivered > 0 {
		snap.Latency.AverageNs = s.totalHandlingTime / int64(s.delivered)
	}
	tp := s.throughputWindow.Snapshot(time.Now())
	snap.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    s.delivered,
	}
	return snap
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) Add(now time.Time) {
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) Snapshot(now time.Time) throughputSnapshot {
	tw.cleanup(now)
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	if errors.Is(err, errspkg.ErrInvalidArgument) {
		return ErrorCategoryValidation
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, errspkg.ErrReplyTimeout) {
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
