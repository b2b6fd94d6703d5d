package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisPollInterval paces the blocking Dequeue emulation on an empty
// sorted set.
const redisPollInterval = 250 * time.Millisecond

// RedisQueue is the distributed execution queue: a sorted set ordered by
// enqueue time minus priority, a processing hash and a dead-letter list
// for tasks past their retry budget.
type RedisQueue struct {
	client        *redis.Client
	queueKey      string
	processingKey string
	deadLetterKey string
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(client *redis.Client, queueName string) (*RedisQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if queueName == "" {
		queueName = "prana:executions"
	}
	return &RedisQueue{
		client:        client,
		queueKey:      queueName,
		processingKey: queueName + ":processing",
		deadLetterKey: queueName + ":deadletter",
	}, nil
}

var _ TaskQueue = (*RedisQueue)(nil)

// Enqueue adds the task to the sorted set. Priority subtracts whole
// seconds from the score, so higher priority pops first.
func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("serialize task: %w", err)
	}

	score := float64(time.Now().UnixNano()) - float64(task.Priority)*float64(time.Second)
	return q.client.ZAdd(ctx, q.queueKey, redis.Z{Score: score, Member: data}).Err()
}

// Dequeue pops the lowest scored task, polling until one arrives or the
// context ends.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		results, err := q.client.ZPopMin(ctx, q.queueKey, 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if len(results) > 0 {
			data, _ := results[0].Member.(string)
			var task Task
			if err := json.Unmarshal([]byte(data), &task); err != nil {
				return nil, fmt.Errorf("decode task: %w", err)
			}
			now := time.Now().UTC()
			task.StartedAt = &now
			payload, _ := json.Marshal(&task)
			if err := q.client.HSet(ctx, q.processingKey, task.ID, payload).Err(); err != nil {
				return nil, err
			}
			return &task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisPollInterval):
		}
	}
}

// Ack removes a completed task from the processing hash.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	return q.client.HDel(ctx, q.processingKey, taskID).Err()
}

// Nack re-enqueues a failed task at reduced priority, or moves it to the
// dead-letter list once the retry budget is spent.
func (q *RedisQueue) Nack(ctx context.Context, taskID string) error {
	data, err := q.client.HGet(ctx, q.processingKey, taskID).Result()
	if err != nil {
		return err
	}
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	if err := q.client.HDel(ctx, q.processingKey, taskID).Err(); err != nil {
		return err
	}

	task.RetryCount++
	if task.RetryCount > task.MaxRetries {
		dead, _ := json.Marshal(&task)
		return q.client.LPush(ctx, q.deadLetterKey, dead).Err()
	}
	task.Priority--
	task.StartedAt = nil
	return q.Enqueue(ctx, &task)
}

// Len reports the number of waiting tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey).Result()
}

// DeadLetterLen reports the number of dead-lettered tasks.
func (q *RedisQueue) DeadLetterLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadLetterKey).Result()
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
