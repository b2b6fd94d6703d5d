// Package runner hosts the workflow engine as a service: it owns the
// execution queue, webhook routing, wait timers, persistence through the
// storage adapter and the HTTP surface.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task kinds on the execution queue.
const (
	TaskExecute     = "execute"
	TaskSubWorkflow = "sub_workflow"
)

// Task is one unit of queued work: start a workflow execution, or run a
// child workflow and resume its parent.
type Task struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	WorkflowID  string                 `json:"workflow_id"`
	TriggerType string                 `json:"trigger_type,omitempty"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	Vars        map[string]interface{} `json:"vars,omitempty"`

	// ParentExecutionID and ParentNodeKey identify the suspended parent a
	// sub-workflow task resumes on completion. Empty on fire-and-forget
	// children.
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	ParentNodeKey     string `json:"parent_node_key,omitempty"`

	Priority   int        `json:"priority"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// TaskQueue is the execution queue contract. Dequeue blocks until a task
// arrives, the context ends or the queue closes.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *Task) error
	Dequeue(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, taskID string) error
	Nack(ctx context.Context, taskID string) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// ErrQueueClosed is returned by Dequeue after Close drains the queue.
var ErrQueueClosed = fmt.Errorf("queue is closed")

// MemoryQueue is the in-process queue backing the default runner profile.
// Higher priority tasks dequeue first; equal priorities keep FIFO order.
type MemoryQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	tasks      []*Task
	processing map[string]*Task
	closed     bool
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{processing: make(map[string]*Task)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

var _ TaskQueue = (*MemoryQueue)(nil)

// Enqueue inserts the task by priority.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	inserted := false
	for i, t := range q.tasks {
		if task.Priority > t.Priority {
			q.tasks = append(q.tasks[:i], append([]*Task{task}, q.tasks[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.tasks = append(q.tasks, task)
	}

	q.cond.Signal()
	return nil
}

// Dequeue pops the highest priority task, blocking until one arrives. A
// cancelled context unblocks with its error.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	// sync.Cond cannot wait on a context, so cancellation wakes the
	// waiters with a broadcast.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(q.tasks) == 0 && q.closed {
		return nil, ErrQueueClosed
	}

	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	now := time.Now().UTC()
	task.StartedAt = &now
	q.processing[task.ID] = task
	return task, nil
}

// Ack drops a completed task from the processing set.
func (q *MemoryQueue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, taskID)
	return nil
}

// Nack re-enqueues a failed task at reduced priority until its retry
// budget runs out.
func (q *MemoryQueue) Nack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.processing[taskID]
	if !ok {
		return fmt.Errorf("task %s not in processing", taskID)
	}
	delete(q.processing, taskID)

	task.RetryCount++
	if task.RetryCount > task.MaxRetries {
		return fmt.Errorf("task %s exhausted its retries", taskID)
	}
	task.Priority--
	task.StartedAt = nil
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return nil
}

// Len reports the number of waiting tasks.
func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return int64(len(q.tasks)), nil
}

// Close wakes all blocked consumers; queued tasks still drain.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
	return nil
}
