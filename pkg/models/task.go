package models

import (
	"time"

	"github.com/google/uuid"
)

// Task is the queue-level delivery unit for a job. It is 1:1 with a Job but
// kept distinct: the queue may redeliver a task (at-least-once) while the job
// record must never regress. The task carries enough metadata for a worker to
// start without a store round-trip.
type Task struct {
	JobID          uuid.UUID `json:"job_id"`
	StudyReference string    `json:"study_reference"`
	ModelReference string    `json:"model_reference"`
	VolumeKey      string    `json:"volume_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}
