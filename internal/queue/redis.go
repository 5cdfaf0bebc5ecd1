package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "tasks:pending"
	processingKey = "tasks:processing"
	inflightKey   = "tasks:inflight"
)

func leaseKey(jobID uuid.UUID) string {
	return fmt.Sprintf("tasks:lease:%s", jobID)
}

// RedisQueue implements Queue on a Redis list pair: a pending list that
// claimants BLMOVE from into a processing list, with a per-task lease key
// whose TTL is the visibility timeout. Ack removes the task everywhere; a
// lease that expires before Ack makes the task reappear via Reap.
type RedisQueue struct {
	client *redis.Client
	lease  time.Duration
}

// NewRedisQueue creates a RedisQueue from a Redis URL. lease is the
// visibility timeout granted to each claim.
func NewRedisQueue(redisURL string, lease time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &RedisQueue{client: redis.NewClient(opts), lease: lease}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, task models.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, wait time.Duration) (*models.Task, error) {
	payload, err := q.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	var task models.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// Unparseable payloads can never be processed; drop from processing.
		q.client.LRem(ctx, processingKey, 1, payload)
		return nil, fmt.Errorf("decode task payload: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, inflightKey, task.JobID.String(), payload)
	pipe.Set(ctx, leaseKey(task.JobID), payload, q.lease)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	return &task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID uuid.UUID) error {
	payload, err := q.client.HGet(ctx, inflightKey, jobID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return ErrUnknownTask
	}
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, payload)
	pipe.HDel(ctx, inflightKey, jobID.String())
	pipe.Del(ctx, leaseKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, jobID uuid.UUID, requeue bool) error {
	payload, err := q.client.HGet(ctx, inflightKey, jobID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return ErrUnknownTask
	}
	if err != nil {
		return fmt.Errorf("nack task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, payload)
	pipe.HDel(ctx, inflightKey, jobID.String())
	pipe.Del(ctx, leaseKey(jobID))
	if requeue {
		pipe.LPush(ctx, pendingKey, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	inflight, err := q.client.HGetAll(ctx, inflightKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list inflight tasks: %w", err)
	}

	recovered := 0
	for id, payload := range inflight {
		jobID, err := uuid.Parse(id)
		if err != nil {
			q.client.HDel(ctx, inflightKey, id)
			continue
		}
		alive, err := q.client.Exists(ctx, leaseKey(jobID)).Result()
		if err != nil {
			return recovered, fmt.Errorf("check lease: %w", err)
		}
		if alive > 0 {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processingKey, 1, payload)
		pipe.HDel(ctx, inflightKey, id)
		pipe.LPush(ctx, pendingKey, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("requeue expired task: %w", err)
		}
		recovered++
	}
	return recovered, nil
}

// IncrWithExpiry atomically increments a counter and refreshes its expiry.
// Used by the API rate-limit middleware.
func (q *RedisQueue) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := q.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
