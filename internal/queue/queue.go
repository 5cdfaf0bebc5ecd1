// Package queue is the durable work-distribution channel between the
// orchestrator and inference workers. Delivery is at-least-once: a claimed
// task whose lease expires becomes claimable again, and the job store's
// conditional updates make the redelivery harmless.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/pkg/models"
)

var (
	// ErrNoTask is returned by Claim when the wait expired with nothing to do.
	ErrNoTask = errors.New("queue: no task available")
	// ErrUnknownTask is returned by Ack/Nack for tasks this consumer does not hold.
	ErrUnknownTask = errors.New("queue: task not in flight")
)

// Queue is the task-distribution interface.
type Queue interface {
	// Enqueue makes the task claimable. Returns once the task is durable.
	Enqueue(ctx context.Context, task models.Task) error
	// Claim blocks until a task is available, the wait window elapses
	// (ErrNoTask), or ctx is done. A claimed task is leased to the caller
	// and invisible to other claimants until Ack, Nack, or lease expiry.
	Claim(ctx context.Context, wait time.Duration) (*models.Task, error)
	// Ack removes a claimed task permanently.
	Ack(ctx context.Context, jobID uuid.UUID) error
	// Nack releases a claimed task, requeueing it when requeue is true and
	// dropping it otherwise.
	Nack(ctx context.Context, jobID uuid.UUID, requeue bool) error
	// Reap requeues claimed tasks whose lease expired (crashed worker).
	// Returns the number of tasks recovered.
	Reap(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}
