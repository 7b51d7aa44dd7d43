package affinity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestExecutorRunsTasksInOrder(t *testing.T) {
	exec := NewExecutor(nil)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		exec.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestExecutorNeverRunsConcurrently(t *testing.T) {
	exec := NewExecutor(nil)

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		go exec.Execute(func() {
			defer wg.Done()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestExecutorRecoversPanics(t *testing.T) {
	recovered := make(chan any, 1)
	exec := NewExecutor(func(r any) { recovered <- r })

	ran := make(chan struct{})
	exec.Execute(func() { panic("boom") })
	exec.Execute(func() { close(ran) })

	select {
	case r := <-recovered:
		assert.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("executor stopped after a panic")
	}
}

func TestExecutorIgnoresNilTask(t *testing.T) {
	exec := NewExecutor(nil)
	exec.Execute(nil)
	assert.Equal(t, 0, exec.Pending())
}

func TestAffinityReportsTaskPanics(t *testing.T) {
	errs := make(chan error, 1)
	a := New(context.Background(), nil, func(err error) { errs <- err })

	a.Run(func() { panic("kaput") })

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "kaput")
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestAffinityReportError(t *testing.T) {
	var got error
	a := New(nil, nil, func(err error) { got = err })
	a.ReportError(nil)
	assert.NoError(t, got)

	want := errors.New("handler failed")
	a.ReportError(want)
	assert.ErrorIs(t, got, want)
	assert.NotNil(t, a.Context())
}

func TestDuplicateSharesExecutorButNotLocals(t *testing.T) {
	parentSpan := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parentSpan)
	a := New(ctx, nil, nil)
	a.PutLocal("k", "v")

	dup := a.Duplicate()

	assert.Same(t, a.Executor(), dup.Executor())
	_, ok := dup.GetLocal("k")
	assert.False(t, ok)
	v, ok := a.GetLocal("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.True(t, trace.SpanContextFromContext(a.Context()).IsValid())
	assert.False(t, trace.SpanContextFromContext(dup.Context()).IsValid())
}

func TestDuplicatePreservesOrderingWithParent(t *testing.T) {
	a := New(context.Background(), nil, nil)
	dup := a.Duplicate()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	a.Run(func() { mu.Lock(); got = append(got, "parent-1"); mu.Unlock() })
	dup.Run(func() { mu.Lock(); got = append(got, "dup"); mu.Unlock() })
	a.Run(func() { mu.Lock(); got = append(got, "parent-2"); mu.Unlock(); close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"parent-1", "dup", "parent-2"}, got)
}
