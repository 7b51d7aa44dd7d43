package affinity

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Affinity binds a serial Executor to a logical context: a context.Context
// carried into tasks, task-local storage and an error reporting channel.
// Duplicates share the executor, so ordering is preserved, but get their own
// locals and a context without the parent span.
type Affinity struct {
	exec         *Executor
	ctx          context.Context
	errorHandler func(error)

	mu     sync.Mutex
	locals map[any]any
}

// New creates an Affinity on exec. A nil exec gets a private executor.
// errorHandler receives errors passed to ReportError and task panics.
func New(ctx context.Context, exec *Executor, errorHandler func(error)) *Affinity {
	if ctx == nil {
		ctx = context.Background()
	}
	a := &Affinity{
		ctx:          ctx,
		errorHandler: errorHandler,
	}
	if exec == nil {
		exec = NewExecutor(func(recovered any) {
			a.ReportError(fmt.Errorf("affinity task panicked: %v", recovered))
		})
	}
	a.exec = exec
	return a
}

// Run posts task to the executor. Panics are recovered and reported.
func (a *Affinity) Run(task func()) {
	if task == nil {
		return
	}
	a.exec.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				a.ReportError(fmt.Errorf("affinity task panicked: %v", r))
			}
		}()
		task()
	})
}

// Context returns the context tasks on this affinity should use.
func (a *Affinity) Context() context.Context {
	return a.ctx
}

// Executor returns the underlying serial queue.
func (a *Affinity) Executor() *Executor {
	return a.exec
}

// Duplicate returns an affinity on the same executor with fresh locals and a
// context that no longer carries the parent's span.
func (a *Affinity) Duplicate() *Affinity {
	ctx := trace.ContextWithSpanContext(a.ctx, trace.SpanContext{})
	return &Affinity{
		exec:         a.exec,
		ctx:          ctx,
		errorHandler: a.errorHandler,
	}
}

// ReportError hands err to the error handler, if any.
func (a *Affinity) ReportError(err error) {
	if err == nil || a.errorHandler == nil {
		return
	}
	a.errorHandler(err)
}

// PutLocal stores a value scoped to this affinity.
func (a *Affinity) PutLocal(key, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locals == nil {
		a.locals = make(map[any]any)
	}
	a.locals[key] = value
}

// GetLocal reads a value stored with PutLocal.
func (a *Affinity) GetLocal(key any) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.locals[key]
	return v, ok
}
