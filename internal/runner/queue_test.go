package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueuePriorityOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Task{ID: "low", Kind: TaskExecute, Priority: 0}))
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "high", Kind: TaskExecute, Priority: 5}))
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "mid", Kind: TaskExecute, Priority: 3}))

	for _, want := range []string{"high", "mid", "low"} {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, task.ID)
		assert.NotNil(t, task.StartedAt)
	}
}

func TestMemoryQueueEqualPriorityKeepsFIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Task{ID: "first", Kind: TaskExecute}))
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "second", Kind: TaskExecute}))

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", task.ID)
}

func TestMemoryQueueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	done := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		done <- task
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "t1", Kind: TaskExecute}))

	select {
	case task := <-done:
		assert.Equal(t, "t1", task.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryQueueDequeueHonorsCancel(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestMemoryQueueNackRetryBudget(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Task{ID: "flaky", Kind: TaskExecute, MaxRetries: 1}))

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, task.ID))

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)

	err = q.Nack(ctx, task.ID)
	assert.Error(t, err)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryQueueCloseUnblocksConsumers(t *testing.T) {
	q := NewMemoryQueue()

	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe close")
	}

	assert.ErrorIs(t, q.Enqueue(context.Background(), &Task{ID: "late"}), ErrQueueClosed)
}
