package engine

import (
	"context"
	"sync"
)

// serialQueue runs tasks one at a time on a dedicated goroutine. It
// models a serialized execution context: tasks submitted from any
// goroutine never overlap with each other.
type serialQueue struct {
	tasks    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		tasks: make(chan func()),
		stop:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *serialQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case task := <-q.tasks:
			task()
		case <-q.stop:
			return
		}
	}
}

// Enqueue submits a task without waiting for it. Returns false when the
// queue is stopped.
func (q *serialQueue) Enqueue(task func()) bool {
	select {
	case q.tasks <- task:
		return true
	case <-q.stop:
		return false
	}
}

// Do submits a task and waits for it to finish. Submission aborts when
// ctx is done or the queue is stopped; once running, the task itself
// runs to completion.
func (q *serialQueue) Do(ctx context.Context, task func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		task()
	}

	select {
	case q.tasks <- wrapped:
	case <-q.stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-q.stop:
		// Task may still be running; the worker drains it before exit.
		<-done
		return nil
	}
}

// Stop shuts the queue down. Pending submissions fail; the in-flight
// task, if any, completes first.
func (q *serialQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}
