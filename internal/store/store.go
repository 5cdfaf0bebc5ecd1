package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrConflict is returned when a conditional update finds the row in a
// different state than expected. Workers rely on this to resolve claim races:
// exactly one TransitionJob(pending -> running) succeeds per job.
var ErrConflict = errors.New("status precondition failed")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, int, error)
	// TransitionJob atomically moves a job from the expected status to the
	// new one. It never touches rows in any other status.
	TransitionJob(ctx context.Context, id uuid.UUID, from, to string, opts ...TransitionOption) error
	// UpdateProgress raises progress monotonically; it only applies while the
	// job is running, so a late worker write cannot thaw a terminal job.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error
	// ReapStalled times out running jobs whose last progress write is older
	// than the threshold. Returns the number of jobs reaped.
	ReapStalled(ctx context.Context, threshold time.Duration) (int, error)

	GetModelByName(ctx context.Context, name string) (*models.ModelDescriptor, error)
	ListModels(ctx context.Context) ([]*models.ModelDescriptor, error)

	CreateStudy(ctx context.Context, study *models.Study) error
	GetStudy(ctx context.Context, id uuid.UUID) (*models.Study, error)
	ListStudies(ctx context.Context, limit, offset int) ([]*models.Study, int, error)
	DeleteStudy(ctx context.Context, id uuid.UUID) error
}

type transitionParams struct {
	ErrorKind       *string
	ErrorDetail     *string
	ResultLocations map[string]string
	Progress        *int
}

type TransitionOption func(*transitionParams)

func WithError(kind, detail string) TransitionOption {
	return func(p *transitionParams) {
		p.ErrorKind = &kind
		p.ErrorDetail = &detail
	}
}

func WithResultLocations(locations map[string]string) TransitionOption {
	return func(p *transitionParams) {
		p.ResultLocations = locations
	}
}

func WithProgress(progress int) TransitionOption {
	return func(p *transitionParams) {
		p.Progress = &progress
	}
}
