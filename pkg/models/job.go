package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusTimedOut  = "timed_out"
	JobStatusCancelled = "cancelled"
)

// Artifact kinds produced by a completed job.
const (
	ArtifactSegmentation  = "segmentation"
	ArtifactAlignedVolume = "aligned_volume"
)

// Error kinds recorded on failed or timed-out jobs. Operators use these to
// distinguish data failures from infrastructure failures.
const (
	ErrKindValidation          = "validation_error"
	ErrKindProviderUnavailable = "provider_unavailable"
	ErrKindInference           = "inference_failure"
	ErrKindTimeout             = "timeout"
	ErrKindStorage             = "storage_error"
)

// Job is the durable record of one inference request's lifecycle. The API
// returns a job id on POST /api/v1/inference/jobs; clients poll
// GET /api/v1/inference/jobs/{id} until the status is terminal.
//
// Once a job reaches a terminal status no field except audit fields changes
// again; progress is meaningful only while running.
type Job struct {
	ID              uuid.UUID         `db:"id"               json:"id"`
	StudyReference  string            `db:"study_reference"  json:"study_reference"`
	ModelReference  string            `db:"model_reference"  json:"model_reference"`
	Status          string            `db:"status"           json:"status"`
	Progress        int               `db:"progress"         json:"progress"`
	ResultLocations map[string]string `db:"result_locations" json:"result_locations,omitempty"`
	ErrorKind       *string           `db:"error_kind"       json:"error_kind,omitempty"`
	ErrorDetail     *string           `db:"error_detail"     json:"error_detail,omitempty"`
	CreatedAt       time.Time         `db:"created_at"       json:"created_at"`
	StartedAt       *time.Time        `db:"started_at"       json:"started_at,omitempty"`
	FinishedAt      *time.Time        `db:"finished_at"      json:"finished_at,omitempty"`
	UpdatedAt       time.Time         `db:"updated_at"       json:"updated_at"`
}

// Terminal reports whether the status admits no further transitions.
func (j *Job) Terminal() bool {
	return TerminalStatus(j.Status)
}

// TerminalStatus reports whether status is one of the four terminal states.
func TerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	}
	return false
}
