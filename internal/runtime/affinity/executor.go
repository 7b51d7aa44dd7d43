// Package affinity provides the serial execution contexts that consumers
// deliver on. Every task posted to an Executor runs on its own goroutine, one
// at a time, in the order it was posted.
package affinity

import (
	"sync"

	"github.com/eapache/queue"
)

// Executor is a strictly serial task queue. A worker goroutine is started on
// demand when tasks arrive and exits once the queue is drained, so idle
// executors cost nothing.
type Executor struct {
	mu      sync.Mutex
	tasks   *queue.Queue
	running bool
	onPanic func(recovered any)
}

// NewExecutor creates an Executor. onPanic receives values recovered from
// tasks that panic; it may be nil.
func NewExecutor(onPanic func(recovered any)) *Executor {
	return &Executor{
		tasks:   queue.New(),
		onPanic: onPanic,
	}
}

// Execute appends task to the queue. It never runs task inline.
func (e *Executor) Execute(task func()) {
	if task == nil {
		return
	}
	e.mu.Lock()
	e.tasks.Add(task)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.drain()
}

// Pending reports how many tasks are waiting to run.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.Length()
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if e.tasks.Length() == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		task := e.tasks.Remove().(func())
		e.mu.Unlock()

		e.run(task)
	}
}

func (e *Executor) run(task func()) {
	defer func() {
		if r := recover(); r != nil && e.onPanic != nil {
			e.onPanic(r)
		}
	}()
	task()
}
