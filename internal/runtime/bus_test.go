package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metricspkg "github.com/drblury/flowbus/internal/runtime/metrics"
)

func TestTryNewBus_RequiresConfigAndLogger(t *testing.T) {
	_, err := TryNewBus(nil, loggingpkg.NewNopLogger(), context.Background(), BusDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = TryNewBus(newConfig(), nil, context.Background(), BusDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = TryNewBus(&configpkg.Config{DefaultMaxBufferedMessages: -1}, loggingpkg.NewNopLogger(), context.Background(), BusDependencies{})
	assert.Error(t, err)

	assert.Panics(t, func() {
		NewBus(nil, loggingpkg.NewNopLogger(), context.Background(), BusDependencies{})
	})
}

func TestBus_NodeID(t *testing.T) {
	b := newTestBusWith(t, &configpkg.Config{NodeID: "node-a"}, BusDependencies{})
	assert.Equal(t, "node-a", b.NodeID())
	assert.False(t, b.Clustered())
	assert.Nil(t, b.TransportCapabilities())

	generated := newTestBus(t)
	assert.NotEmpty(t, generated.NodeID())
}

func TestBus_SendReachesOneConsumer(t *testing.T) {
	b := newTestBus(t)
	first, second := &collector{}, &collector{}
	r1 := b.Consumer("orders", first.handle)
	r2 := b.Consumer("orders", second.handle)
	require.NoError(t, awaitRegistration(t, r1))
	require.NoError(t, awaitRegistration(t, r2))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(context.Background(), "orders", i))
	}
	first.waitFor(t, 3)
	flush(t, r2)

	assert.Equal(t, 0, second.len())
	assert.True(t, first.msgs[0].IsSend())
	assert.True(t, first.msgs[0].IsLocal())
}

func TestBus_PublishFansOut(t *testing.T) {
	b := newTestBus(t)
	first, second := &collector{}, &collector{}
	r1 := b.Consumer("news", first.handle)
	r2 := b.LocalConsumer("news", second.handle)
	require.NoError(t, awaitRegistration(t, r1))
	require.NoError(t, awaitRegistration(t, r2))

	require.NoError(t, b.Publish(context.Background(), "news", "hello", WithHeader("k", "v")))
	first.waitFor(t, 1)
	second.waitFor(t, 1)

	assert.False(t, first.msgs[0].IsSend())
	assert.Equal(t, "v", first.msgs[0].Header("k"))

	// each recipient gets its own headers
	first.msgs[0].Headers["k"] = "changed"
	assert.Equal(t, "v", second.msgs[0].Header("k"))

	assert.NoError(t, b.Publish(context.Background(), "nobody", "x"))
}

type failingBody struct{}

func (failingBody) MarshalJSON() ([]byte, error) { return nil, errors.New("not encodable") }

func TestBus_SendWithoutConsumers(t *testing.T) {
	b := newTestBus(t)
	err := b.Send(context.Background(), "nobody", "x")
	require.ErrorIs(t, err, errspkg.ErrNoHandlers)
	assert.Contains(t, err.Error(), "nobody")
}

func TestBus_InvalidMessages(t *testing.T) {
	b := newTestBus(t)
	assert.ErrorIs(t, b.Send(context.Background(), "", "x"), errspkg.ErrAddressRequired)
	assert.ErrorIs(t, b.Publish(context.Background(), "", "x"), errspkg.ErrAddressRequired)

	err := b.Send(context.Background(), "orders", failingBody{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode body for orders")
}

func TestBus_ClosedRejectsTraffic(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Send(context.Background(), "orders", "x"), errspkg.ErrBusClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "orders", "x"), errspkg.ErrBusClosed)

	reg := b.Consumer("orders", (&collector{}).handle)
	assert.ErrorIs(t, awaitRegistration(t, reg), errspkg.ErrBusClosed)
}

func TestBus_RequestReply(t *testing.T) {
	b := newTestBus(t)
	reg := b.Consumer("math.double", func(ctx context.Context, msg *Message) error {
		var n int
		if err := msg.Decode(&n); err != nil {
			return err
		}
		return msg.Reply(ctx, n*2, WithHeader("handled-by", "doubler"))
	})
	require.NoError(t, awaitRegistration(t, reg))

	reply, err := b.Request(context.Background(), "math.double", 21)
	require.NoError(t, err)

	var got int
	require.NoError(t, reply.Decode(&got))
	assert.Equal(t, 42, got)
	assert.Equal(t, "doubler", reply.Header("handled-by"))

	// the reply consumer is gone once the request returns
	require.Eventually(t, func() bool { return len(b.Consumers()) == 1 }, waitTimeout, waitTick)
}

func TestBus_RequestTimesOut(t *testing.T) {
	b := newTestBusWith(t, &configpkg.Config{ReplyTimeout: 50 * time.Millisecond}, BusDependencies{})
	reg := b.Consumer("silent", (&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))

	_, err := b.Request(context.Background(), "silent", "ping")
	require.ErrorIs(t, err, errspkg.ErrReplyTimeout)
	assert.Contains(t, err.Error(), "silent")
}

func TestBus_RequestCancelled(t *testing.T) {
	b := newTestBus(t)
	reg := b.Consumer("silent", (&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := b.Request(ctx, "silent", "ping")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBus_RequestWithoutConsumer(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Request(context.Background(), "nobody", "ping")
	assert.ErrorIs(t, err, errspkg.ErrNoHandlers)
}

func TestMessage_ReplyWithoutAddress(t *testing.T) {
	msg := &Message{}
	assert.ErrorIs(t, msg.Reply(context.Background(), "x"), errspkg.ErrNoReplyAddress)

	msg.ReplyAddress = "somewhere"
	assert.ErrorIs(t, msg.Reply(context.Background(), "x"), errspkg.ErrBusRequired)
}

func TestBus_ConsumersSortedByAddress(t *testing.T) {
	b := newTestBus(t)
	for _, address := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, awaitRegistration(t, b.Consumer(address, (&collector{}).handle)))
	}
	local := b.LocalConsumer("beta", (&collector{}).handle)
	require.NoError(t, awaitRegistration(t, local))

	snaps := b.Consumers()
	require.Len(t, snaps, 4)
	addresses := make([]string, 0, len(snaps))
	for _, s := range snaps {
		addresses = append(addresses, s.Address)
	}
	assert.Equal(t, []string{"alpha", "beta", "mid", "zeta"}, addresses)
	assert.True(t, snaps[1].LocalOnly)
	assert.Equal(t, "registered", snaps[0].State)
}

func TestBus_ExceptionHandlerReceivesHandlerFailures(t *testing.T) {
	failures := make(chan error, 1)
	b := newTestBusWith(t, newConfig(), BusDependencies{
		ExceptionHandler: func(err error) { failures <- err },
	})
	boom := errors.New("boom")
	reg := b.Consumer("orders", func(context.Context, *Message) error { return boom })
	require.NoError(t, awaitRegistration(t, reg))
	require.NoError(t, b.Send(context.Background(), "orders", "x"))

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, boom)
	case <-time.After(waitTimeout):
		t.Fatal("exception handler not called")
	}
}

func TestBus_DependencyInterceptorsInstalled(t *testing.T) {
	b := newTestBusWith(t, newConfig(), BusDependencies{
		Interceptors: []Interceptor{FilterInterceptor(func(*Message) bool { return false })},
	})
	assert.Len(t, b.ReceiveInterceptors(), 1)

	c := &collector{}
	reg := b.Consumer("orders", c.handle)
	require.NoError(t, awaitRegistration(t, reg))
	require.NoError(t, b.Send(context.Background(), "orders", "x"))
	flush(t, reg)

	assert.Equal(t, 0, c.len())
	assert.Equal(t, uint64(1), reg.Snapshot().Stats.MessagesVetoed)
}

func TestBus_PrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	b := newTestBusWith(t, &configpkg.Config{MetricsEnabled: true}, BusDependencies{PrometheusRegisterer: registry})
	require.NotNil(t, b.prometheus)

	boom := errors.New("boom")
	fail := true
	reg := b.Consumer("orders", func(context.Context, *Message) error {
		if fail {
			fail = false
			return boom
		}
		return nil
	})
	require.NoError(t, awaitRegistration(t, reg))
	require.NoError(t, b.Send(context.Background(), "orders", "a"))
	require.NoError(t, b.Send(context.Background(), "orders", "b"))
	flush(t, reg)

	handlers, handled, _ := b.prometheus.Collectors()
	assert.Equal(t, 1.0, testutil.ToFloat64(handlers.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(handled.WithLabelValues("orders", "true", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(handled.WithLabelValues("orders", "true", "success")))

	echo := b.Consumer("echo", func(ctx context.Context, msg *Message) error {
		return msg.Reply(ctx, "pong")
	})
	require.NoError(t, awaitRegistration(t, echo))
	_, err := b.Request(context.Background(), "echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(handled.WithLabelValues(metricspkg.ReplyAddressLabel, "true", "success")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(handlers.WithLabelValues(metricspkg.ReplyAddressLabel)) == 0
	}, waitTimeout, waitTick)

	done := make(chan error, 1)
	reg.Unregister(func(err error) { done <- err })
	require.NoError(t, <-done)
	assert.Equal(t, 0.0, testutil.ToFloat64(handlers.WithLabelValues("orders")))
}

func TestBus_MetricsDisabledUsesNop(t *testing.T) {
	b := newTestBus(t)
	assert.Nil(t, b.prometheus)
	assert.IsType(t, metricspkg.Nop{}, b.metrics)
}

func TestBus_OpenTelemetryTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := newTestBusWith(t, &configpkg.Config{TracingEnabled: true}, BusDependencies{TracerProvider: tp})
	c := &collector{}
	reg := b.Consumer("orders", c.handle)
	require.NoError(t, awaitRegistration(t, reg))
	require.NoError(t, b.Publish(context.Background(), "orders", "x"))
	c.waitFor(t, 1)
	flush(t, reg)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "orders publish", spans[0].Name())
}
