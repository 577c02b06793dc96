package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierWakesAllWaiters(t *testing.T) {
	notifier := NewConditionsChangedNotifier()

	const waiters = 5
	var wg sync.WaitGroup
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- notifier.Wait(context.Background())
		}()
	}

	// Give the waiters a moment to park.
	time.Sleep(20 * time.Millisecond)
	notifier.Notify()
	wg.Wait()

	close(results)
	count := 0
	for err := range results {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestNotifierWaitRespectsContext(t *testing.T) {
	notifier := NewConditionsChangedNotifier()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := notifier.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifierLateWaiterWaitsForNextNotify(t *testing.T) {
	notifier := NewConditionsChangedNotifier()
	notifier.Notify()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, notifier.Wait(ctx), "a past notify must not satisfy a new waiter")
}

func TestSerialQueueRunsTasksInOrder(t *testing.T) {
	q := newSerialQueue()
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		q.Enqueue(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueueDoWaitsForCompletion(t *testing.T) {
	q := newSerialQueue()
	defer q.Stop()

	ran := false
	err := q.Do(context.Background(), func() {
		time.Sleep(10 * time.Millisecond)
		ran = true
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSerialQueueStoppedRejectsSubmissions(t *testing.T) {
	q := newSerialQueue()
	q.Stop()

	assert.False(t, q.Enqueue(func() {}))
	assert.Error(t, q.Do(context.Background(), func() {}))
}

func TestTaskSleeper(t *testing.T) {
	t.Run("non-positive duration returns immediately", func(t *testing.T) {
		start := time.Now()
		err := TaskSleeper{}.Sleep(context.Background(), -time.Hour)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("cancellation cuts the sleep short", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := TaskSleeper{}.Sleep(ctx, time.Hour)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
