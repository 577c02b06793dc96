package engine

import (
	"context"
	"sync"
)

// ConditionsChangedNotifier wakes waiters when environmental readiness
// conditions may have changed. Waiting is cooperative: a schedule that is
// not ready parks here instead of polling.
type ConditionsChangedNotifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewConditionsChangedNotifier() *ConditionsChangedNotifier {
	return &ConditionsChangedNotifier{ch: make(chan struct{})}
}

// Wait blocks until the next Notify or until ctx is done.
func (n *ConditionsChangedNotifier) Wait(ctx context.Context) error {
	n.mu.Lock()
	ch := n.ch
	n.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify wakes every current waiter. Waiters arriving after the call
// wait for the next one.
func (n *ConditionsChangedNotifier) Notify() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}
