package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/pkg/models"
)

// MemoryQueue is an in-process Queue with the same lease semantics as
// RedisQueue. It backs unit tests and single-node development setups.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []models.Task
	inflight map[uuid.UUID]leasedTask
	lease    time.Duration
	wake     chan struct{}
}

type leasedTask struct {
	task     models.Task
	deadline time.Time
}

func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &MemoryQueue{
		inflight: make(map[uuid.UUID]leasedTask),
		lease:    lease,
		wake:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Ping(context.Context) error { return nil }

func (q *MemoryQueue) Enqueue(_ context.Context, task models.Task) error {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, wait time.Duration) (*models.Task, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight[task.JobID] = leasedTask{task: task, deadline: time.Now().Add(q.lease)}
			q.mu.Unlock()
			return &task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrNoTask
		case <-q.wake:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[jobID]; !ok {
		return ErrUnknownTask
	}
	delete(q.inflight, jobID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, jobID uuid.UUID, requeue bool) error {
	q.mu.Lock()
	lt, ok := q.inflight[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownTask
	}
	delete(q.inflight, jobID)
	if requeue {
		q.pending = append(q.pending, lt.task)
	}
	q.mu.Unlock()

	if requeue {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (q *MemoryQueue) Reap(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	recovered := 0
	for id, lt := range q.inflight {
		if now.Before(lt.deadline) {
			continue
		}
		delete(q.inflight, id)
		q.pending = append(q.pending, lt.task)
		recovered++
	}
	if recovered > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return recovered, nil
}
