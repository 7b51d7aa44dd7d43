package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	affinitypkg "github.com/drblury/flowbus/internal/runtime/affinity"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

func TestRegistration_DeliversInOrder(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	reg := b.Consumer("news", c.handle)
	require.NoError(t, awaitRegistration(t, reg))

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Send(context.Background(), "news", fmt.Sprint(i)))
	}
	c.waitFor(t, 50)

	for i, body := range c.bodies(t) {
		assert.Equal(t, fmt.Sprint(i), body)
	}
	assert.True(t, reg.IsRegistered())
	assert.Equal(t, "registered", reg.Snapshot().State)
}

func TestRegistration_PauseBuffersAndFetchDrains(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	reg := b.Consumer("news", c.handle)
	require.NoError(t, awaitRegistration(t, reg))

	reg.Pause()
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Send(context.Background(), "news", s))
	}
	assert.Equal(t, 4, reg.PendingCount())
	assert.Equal(t, 0, c.len())

	require.NoError(t, reg.Fetch(2))
	c.waitFor(t, 2)
	flush(t, reg)
	flush(t, reg)

	assert.Equal(t, []string{"a", "b"}, c.bodies(t))
	assert.Equal(t, 2, reg.PendingCount())
	assert.True(t, reg.Demand().IsZero())

	reg.Resume()
	c.waitFor(t, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, c.bodies(t))
	assert.True(t, reg.Demand().IsUnbounded())
}

func TestRegistration_FetchConsumesDemandForNewMessages(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	reg := b.Consumer("news", c.handle)
	require.NoError(t, awaitRegistration(t, reg))

	reg.Pause()
	require.NoError(t, reg.Fetch(1))
	require.NoError(t, b.Send(context.Background(), "news", "first"))
	require.NoError(t, b.Send(context.Background(), "news", "second"))

	c.waitFor(t, 1)
	flush(t, reg)
	assert.Equal(t, []string{"first"}, c.bodies(t))
	assert.Equal(t, 1, reg.PendingCount())
}

func TestRegistration_FetchRejectsNegative(t *testing.T) {
	b := newTestBus(t)
	reg := b.Consumer("news", (&collector{}).handle)
	reg.Pause()

	err := reg.Fetch(-1)
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	assert.True(t, reg.Demand().IsZero())
}

func TestRegistration_OverflowDropsOldest(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	discarded := &collector{}

	reg := b.NewConsumer("news", WithMaxBufferedMessages(2))
	reg.DiscardHandler(func(m *Message) { _ = discarded.handle(context.Background(), m) })
	reg.Handler(c.handle)
	require.NoError(t, awaitRegistration(t, reg))

	reg.Pause()
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Send(context.Background(), "news", s))
	}

	discarded.waitFor(t, 2)
	assert.Equal(t, []string{"a", "b"}, discarded.bodies(t))
	assert.Equal(t, 2, reg.PendingCount())

	reg.Resume()
	c.waitFor(t, 2)
	assert.Equal(t, []string{"c", "d"}, c.bodies(t))
	assert.Equal(t, uint64(2), reg.Snapshot().Stats.MessagesDiscarded)
}

func TestRegistration_ZeroBufferDiscardsWhilePaused(t *testing.T) {
	b := newTestBus(t)
	discarded := &collector{}

	reg := b.NewConsumer("news", WithMaxBufferedMessages(0))
	reg.DiscardHandler(func(m *Message) { _ = discarded.handle(context.Background(), m) })
	reg.Handler((&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))

	reg.Pause()
	require.NoError(t, b.Send(context.Background(), "news", "lost"))

	discarded.waitFor(t, 1)
	assert.Equal(t, []string{"lost"}, discarded.bodies(t))
	assert.Equal(t, 0, reg.PendingCount())
}

func TestRegistration_OverflowWithoutDiscardHandlerLogs(t *testing.T) {
	log := newRecordingLogger()
	b := newTestBusLogged(t, &configpkg.Config{DefaultMaxBufferedMessages: 1}, log, BusDependencies{})

	reg := b.Consumer("news", (&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))
	reg.Pause()
	require.NoError(t, b.Send(context.Background(), "news", "a"))
	require.NoError(t, b.Send(context.Background(), "news", "b"))

	entries := log.find("Discarding messages")
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0].level)
	assert.Equal(t, "overflow", entries[0].fields["reason"])
	assert.Equal(t, "news", entries[0].fields["address"])
}

func TestRegistration_ShrinkEvictsOldest(t *testing.T) {
	b := newTestBus(t)
	discarded := &collector{}

	reg := b.NewConsumer("news")
	reg.DiscardHandler(func(m *Message) { _ = discarded.handle(context.Background(), m) })
	reg.Handler((&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))

	reg.Pause()
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Send(context.Background(), "news", s))
	}

	require.NoError(t, reg.SetMaxBufferedMessages(1))
	discarded.waitFor(t, 3)
	assert.Equal(t, []string{"a", "b", "c"}, discarded.bodies(t))
	assert.Equal(t, 1, reg.PendingCount())
	assert.Equal(t, 1, reg.MaxBufferedMessages())
}

func TestRegistration_SetMaxBufferedRejectsNegative(t *testing.T) {
	b := newTestBus(t)
	reg := b.NewConsumer("news", WithMaxBufferedMessages(5))

	err := reg.SetMaxBufferedMessages(-1)
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	assert.Equal(t, 5, reg.MaxBufferedMessages())
}

func TestRegistration_ReturnsCreditOnDispatch(t *testing.T) {
	b := newTestBus(t)
	credits := &collector{}
	creditReg := b.Consumer("credits", credits.handle)
	require.NoError(t, awaitRegistration(t, creditReg))

	reg := b.Consumer("news", (&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))
	reg.Pause()

	send := func() {
		require.NoError(t, b.Send(context.Background(), "news", "x",
			WithHeader(metadatapkg.KeyCreditAddress, "credits")))
	}
	send()
	send()
	flush(t, creditReg)
	assert.Equal(t, 0, credits.len(), "buffered messages return no credit")

	require.NoError(t, reg.Fetch(1))
	credits.waitFor(t, 1)

	var n int64
	require.NoError(t, credits.msgs[0].Decode(&n))
	assert.Equal(t, int64(1), n)
}

func TestRegistration_CreditDoesNotWaitForHandler(t *testing.T) {
	b := newTestBus(t)
	credits := &collector{}
	creditReg := b.Consumer("credits", credits.handle)
	require.NoError(t, awaitRegistration(t, creditReg))

	release := make(chan struct{})
	running := make(chan struct{})
	reg := b.Consumer("news", func(context.Context, *Message) error {
		close(running)
		<-release
		return nil
	})
	require.NoError(t, awaitRegistration(t, reg))
	defer close(release)

	require.NoError(t, b.Send(context.Background(), "news", "x",
		WithHeader(metadatapkg.KeyCreditAddress, "credits")))
	<-running
	credits.waitFor(t, 1)
}

func TestRegistration_VetoedMessageStillReturnsCredit(t *testing.T) {
	b := newTestBus(t)
	b.AddInboundInterceptor(FilterInterceptor(func(m *Message) bool { return m.Address != "news" }))

	credits := &collector{}
	require.NoError(t, awaitRegistration(t, b.Consumer("credits", credits.handle)))

	handled := &collector{}
	reg := b.Consumer("news", handled.handle)
	require.NoError(t, awaitRegistration(t, reg))

	require.NoError(t, b.Send(context.Background(), "news", "x",
		WithHeader(metadatapkg.KeyCreditAddress, "credits")))

	credits.waitFor(t, 1)
	flush(t, reg)
	assert.Equal(t, 0, handled.len())
	assert.Equal(t, uint64(1), reg.Snapshot().Stats.MessagesVetoed)
}

func TestRegistration_HandlerErrorsReachExceptionHandler(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	b := newTestBusWith(t, &configpkg.Config{}, BusDependencies{
		ExceptionHandler: func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})

	boom := errors.New("boom")
	reg := b.Consumer("news", func(context.Context, *Message) error { return boom })
	require.NoError(t, awaitRegistration(t, reg))

	require.NoError(t, b.Send(context.Background(), "news", "x"))
	require.NoError(t, b.Send(context.Background(), "news", "y"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 2
	}, waitTimeout, waitTick)
	assert.ErrorIs(t, reported[0], boom)

	stats := reg.Snapshot().Stats
	assert.Equal(t, uint64(2), stats.MessagesDelivered)
	assert.Equal(t, uint64(2), stats.MessagesFailed)
	assert.Equal(t, "boom", stats.Errors.LastError)
}

func TestRegistration_HandlerPanicIsRecovered(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	calls := 0
	reg := b.Consumer("news", func(ctx context.Context, msg *Message) error {
		calls++
		if calls == 1 {
			panic("kaboom")
		}
		return c.handle(ctx, msg)
	})
	require.NoError(t, awaitRegistration(t, reg))

	require.NoError(t, b.Send(context.Background(), "news", "first"))
	require.NoError(t, b.Send(context.Background(), "news", "second"))

	c.waitFor(t, 1)
	assert.Equal(t, []string{"second"}, c.bodies(t))
	assert.Equal(t, uint64(1), reg.Snapshot().Stats.MessagesFailed)
}

func TestRegistration_HandlerReplacedInPlace(t *testing.T) {
	b := newTestBus(t)
	first := &collector{}
	second := &collector{}

	reg := b.Consumer("news", first.handle)
	require.NoError(t, awaitRegistration(t, reg))
	require.NoError(t, b.Send(context.Background(), "news", "a"))
	first.waitFor(t, 1)

	reg.Handler(second.handle)
	require.NoError(t, b.Send(context.Background(), "news", "b"))
	second.waitFor(t, 1)

	assert.Equal(t, 1, first.len())
	assert.Len(t, b.Consumers(), 1)
}

func TestRegistration_EmptyAddressFailsRegistration(t *testing.T) {
	b := newTestBus(t)
	reg := b.Consumer("", (&collector{}).handle)

	err := awaitRegistration(t, reg)
	require.ErrorIs(t, err, errspkg.ErrAddressRequired)
	assert.False(t, reg.IsRegistered())
}

func TestRegistration_ClosedBusFailsRegistration(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Close())

	reg := b.Consumer("news", (&collector{}).handle)
	require.ErrorIs(t, awaitRegistration(t, reg), errspkg.ErrBusClosed)
}

func TestRegistration_CompletionHandlerRunsAsynchronously(t *testing.T) {
	b := newTestBus(t)
	reg := b.Consumer("news", (&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))

	var mu sync.Mutex
	mu.Lock()
	done := make(chan error, 1)
	// holding mu proves the callback does not run on this goroutine
	reg.CompletionHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		done <- err
	})
	mu.Unlock()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("completion handler not called")
	}
}

func TestRegistration_UnregisterBeforeRegistrationCompletes(t *testing.T) {
	b := newTestBus(t)
	a := affinitypkg.New(context.Background(), nil, nil)
	release := make(chan struct{})
	a.Run(func() { <-release })

	reg := b.NewConsumer("news", WithAffinity(a)).Handler((&collector{}).handle)
	result := make(chan error, 1)
	reg.CompletionHandler(func(err error) { result <- err })
	unregistered := make(chan error, 1)
	reg.Unregister(func(err error) { unregistered <- err })
	close(release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, errspkg.ErrUnregisteredBeforeRegistration)
	case <-time.After(waitTimeout):
		t.Fatal("completion handler not called")
	}
	select {
	case err := <-unregistered:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("unregister did not complete")
	}
	flush(t, reg)
	assert.Equal(t, "unregistered", reg.Snapshot().State)
}

func TestRegistration_UnregisterDiscardsPendingAndRunsEndHandler(t *testing.T) {
	b := newTestBus(t)
	discarded := &collector{}
	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	reg := b.NewConsumer("news")
	reg.DiscardHandler(func(m *Message) { _ = discarded.handle(context.Background(), m) })
	reg.EndHandler(func() { note("end") })
	reg.Handler((&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))

	reg.Pause()
	require.NoError(t, b.Send(context.Background(), "news", "a"))
	require.NoError(t, b.Send(context.Background(), "news", "b"))

	done := make(chan error, 1)
	reg.Unregister(func(err error) {
		note("done")
		done <- err
	})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("unregister did not complete")
	}

	discarded.waitFor(t, 2)
	assert.Equal(t, []string{"a", "b"}, discarded.bodies(t))
	assert.Equal(t, []string{"end", "done"}, order)
	assert.False(t, reg.IsRegistered())
	assert.Empty(t, b.Consumers())

	err := b.Send(context.Background(), "news", "c")
	assert.ErrorIs(t, err, errspkg.ErrNoHandlers)
}

func TestRegistration_SecondUnregisterSucceeds(t *testing.T) {
	b := newTestBus(t)
	discarded := &collector{}
	reg := b.NewConsumer("news")
	reg.DiscardHandler(func(m *Message) { _ = discarded.handle(context.Background(), m) })
	reg.Handler((&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))

	reg.Pause()
	for _, s := range []string{"a", "b"} {
		require.NoError(t, b.Send(context.Background(), "news", s))
	}
	require.Equal(t, 2, reg.PendingCount())

	first := make(chan error, 1)
	second := make(chan error, 1)
	reg.Unregister(func(err error) { first <- err })
	reg.Unregister(func(err error) { second <- err })

	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("unregister did not complete")
		}
	}

	// only the first call drains the buffer
	flush(t, reg)
	assert.Equal(t, []string{"a", "b"}, discarded.bodies(t))
	assert.Equal(t, uint64(2), reg.Snapshot().Stats.MessagesDiscarded)
}

func TestRegistration_ScheduledDeliveryAfterUnregisterDoesNothing(t *testing.T) {
	b := newTestBus(t)
	var calls int
	var mu sync.Mutex
	reg := b.Consumer("news", func(context.Context, *Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, awaitRegistration(t, reg))

	// park the affinity so the delivery task waits behind it
	release := make(chan struct{})
	parked := make(chan struct{})
	reg.Affinity().Run(func() {
		close(parked)
		<-release
	})
	<-parked

	require.NoError(t, b.Send(context.Background(), "news", "late"))
	done := make(chan error, 1)
	reg.Unregister(func(err error) { done <- err })
	close(release)

	require.NoError(t, <-done)
	flush(t, reg)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
	stats := reg.Snapshot().Stats
	assert.Equal(t, uint64(0), stats.MessagesDelivered)
	assert.Equal(t, uint64(0), stats.MessagesVetoed)
}

func TestRegistration_NilHandlerUnregisters(t *testing.T) {
	b := newTestBus(t)
	reg := b.Consumer("news", (&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))

	reg.Handler(nil)
	assert.False(t, reg.IsRegistered())
}

func TestRegistration_SharedAffinitySerialisesConsumers(t *testing.T) {
	b := newTestBus(t)
	a := affinitypkg.New(context.Background(), nil, nil)

	var mu sync.Mutex
	active, maxActive, total := 0, 0, 0
	h := func(context.Context, *Message) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		total++
		mu.Unlock()
		return nil
	}

	r1 := b.NewConsumer("a", WithAffinity(a)).Handler(h)
	r2 := b.NewConsumer("b", WithAffinity(a)).Handler(h)
	require.NoError(t, awaitRegistration(t, r1))
	require.NoError(t, awaitRegistration(t, r2))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send(context.Background(), "a", i))
		require.NoError(t, b.Send(context.Background(), "b", i))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 20
	}, waitTimeout, waitTick)
	assert.Equal(t, 1, maxActive)
}

func TestRegistration_SnapshotReportsFlowControl(t *testing.T) {
	b := newTestBus(t)
	reg := b.NewConsumer("news", WithMaxBufferedMessages(3), LocalOnly()).Handler((&collector{}).handle)
	require.NoError(t, awaitRegistration(t, reg))
	reg.Pause()
	require.NoError(t, reg.Fetch(0))
	require.NoError(t, b.Send(context.Background(), "news", "x"))

	snap := reg.Snapshot()
	assert.Equal(t, "news", snap.Address)
	assert.True(t, snap.LocalOnly)
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, "0", snap.Demand)
	assert.Equal(t, 3, snap.MaxBufferedMessages)
}
