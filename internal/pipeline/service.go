// Package pipeline is the orchestrator's application service: it owns the
// submit/status/cancel/artifact operations the HTTP facade exposes, keeping
// the job record store, the task queue, and the blob store consistent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/internal/blob"
	"github.com/medscanhq/segpipe/internal/queue"
	"github.com/medscanhq/segpipe/internal/store"
	"github.com/medscanhq/segpipe/pkg/models"
)

var (
	// ErrUnknownModel is returned when a submission names a model absent
	// from the registry.
	ErrUnknownModel = errors.New("pipeline: unknown model")
	// ErrUnknownStudy is returned when a submission references a study that
	// was never uploaded.
	ErrUnknownStudy = errors.New("pipeline: unknown study")
	// ErrNotReady is returned when artifacts are requested before the job
	// completed.
	ErrNotReady = errors.New("pipeline: job result not ready")
	// ErrUnknownArtifact is returned for artifact kinds the job did not
	// produce.
	ErrUnknownArtifact = errors.New("pipeline: unknown artifact kind")
)

// Service orchestrates inference jobs end to end.
type Service struct {
	store      store.Store
	queue      queue.Queue
	blobs      blob.Store
	presignTTL time.Duration
	logger     *slog.Logger
}

func NewService(st store.Store, q queue.Queue, blobs blob.Store, presignTTL time.Duration, logger *slog.Logger) *Service {
	if presignTTL <= 0 {
		presignTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		queue:      q,
		blobs:      blobs,
		presignTTL: presignTTL,
		logger:     logger,
	}
}

// UploadStudy stores the study volume and registers its metadata.
func (s *Service) UploadStudy(ctx context.Context, name, studyUID, seriesUID string, r io.Reader, size int64) (*models.Study, error) {
	study := &models.Study{
		ID:        uuid.New(),
		Name:      name,
		StudyUID:  studyUID,
		SeriesUID: seriesUID,
		SizeBytes: size,
		CreatedAt: time.Now().UTC(),
	}
	study.VolumeKey = blob.StudyVolumeKey(study.ID)

	if err := s.blobs.Put(ctx, study.VolumeKey, r, size); err != nil {
		return nil, fmt.Errorf("store study volume: %w", err)
	}
	if err := s.store.CreateStudy(ctx, study); err != nil {
		// Avoid an orphaned volume when the record write fails.
		if derr := s.blobs.Delete(ctx, study.VolumeKey); derr != nil {
			s.logger.Warn("orphaned study volume", "key", study.VolumeKey, "error", derr)
		}
		return nil, fmt.Errorf("register study: %w", err)
	}

	s.logger.Info("study uploaded", "study_id", study.ID, "study_uid", studyUID, "bytes", size)
	return study, nil
}

func (s *Service) GetStudy(ctx context.Context, id uuid.UUID) (*models.Study, error) {
	return s.store.GetStudy(ctx, id)
}

func (s *Service) ListStudies(ctx context.Context, limit, offset int) ([]*models.Study, int, error) {
	return s.store.ListStudies(ctx, limit, offset)
}

// DeleteStudy removes the study record and its volume.
func (s *Service) DeleteStudy(ctx context.Context, id uuid.UUID) error {
	study, err := s.store.GetStudy(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteStudy(ctx, id); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, study.VolumeKey); err != nil {
		s.logger.Warn("study volume cleanup failed", "key", study.VolumeKey, "error", err)
	}
	return nil
}

func (s *Service) ListModels(ctx context.Context) ([]*models.ModelDescriptor, error) {
	return s.store.ListModels(ctx)
}

// SubmitJob validates the references, creates a pending job, and enqueues
// its task. The job record is durable before the task is claimable.
func (s *Service) SubmitJob(ctx context.Context, studyRef, modelRef string) (*models.Job, error) {
	if _, err := s.store.GetModelByName(ctx, modelRef); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelRef)
		}
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	studyID, err := uuid.Parse(studyRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStudy, studyRef)
	}
	study, err := s.store.GetStudy(ctx, studyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStudy, studyRef)
		}
		return nil, fmt.Errorf("resolve study: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.New(),
		StudyReference: studyRef,
		ModelReference: modelRef,
		Status:         models.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	task := models.Task{
		JobID:          job.ID,
		StudyReference: studyRef,
		ModelReference: modelRef,
		VolumeKey:      study.VolumeKey,
		EnqueuedAt:     now,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		// The pending record stays; the stall reaper will not touch it and
		// an operator can resubmit. Surface the enqueue failure to the caller.
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "study", studyRef, "model", modelRef)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, int, error) {
	return s.store.ListJobs(ctx, limit, offset)
}

// CancelJob cancels a pending job. Jobs already claimed by a worker are left
// alone: cancellation after claim is a no-op whose outcome the caller
// observes through the job status.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	err := s.store.TransitionJob(ctx, id, models.JobStatusPending, models.JobStatusCancelled)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	return s.store.GetJob(ctx, id)
}

// ArtifactURL returns a presigned URL for one artifact of a completed job.
func (s *Service) ArtifactURL(ctx context.Context, id uuid.UUID, kind string) (string, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusCompleted {
		return "", fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}
	key, ok := job.ResultLocations[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownArtifact, kind)
	}
	url, err := s.blobs.Presign(ctx, key, s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign artifact: %w", err)
	}
	return url, nil
}

// Health reports per-dependency status.
func (s *Service) Health(ctx context.Context) map[string]string {
	checks := map[string]string{
		"database": "ok",
		"queue":    "ok",
		"storage":  "ok",
	}
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
	}
	if err := s.queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
	}
	if err := s.blobs.Ping(ctx); err != nil {
		checks["storage"] = err.Error()
	}
	return checks
}
