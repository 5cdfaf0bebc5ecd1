package pipeline_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/internal/blob"
	"github.com/medscanhq/segpipe/internal/pipeline"
	"github.com/medscanhq/segpipe/internal/queue"
	"github.com/medscanhq/segpipe/internal/store"
	"github.com/medscanhq/segpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	store *store.MemoryStore
	queue *queue.MemoryQueue
	blobs *blob.MemoryStore
	svc   *pipeline.Service
}

func setup(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	st.RegisterModel(&models.ModelDescriptor{
		Name:          "nnunet_test",
		PatchSize:     [3]int{64, 128, 128},
		NumClasses:    2,
		TargetSpacing: [3]float64{2.5, 1, 1},
	})
	q := queue.NewMemoryQueue(time.Minute)
	blobs := blob.NewMemoryStore()
	svc := pipeline.NewService(st, q, blobs, time.Hour, slog.New(slog.DiscardHandler))
	return &env{store: st, queue: q, blobs: blobs, svc: svc}
}

func uploadStudy(t *testing.T, e *env) *models.Study {
	t.Helper()
	study, err := e.svc.UploadStudy(context.Background(),
		"chest_ct_001.zip", "1.2.840.1", "1.2.840.1.1", strings.NewReader("volume-bytes"), 12)
	require.NoError(t, err)
	return study
}

func TestUploadStudy_StoresVolumeAndRecord(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	study := uploadStudy(t, e)

	ok, err := e.blobs.Exists(ctx, study.VolumeKey)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := e.svc.GetStudy(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.2.840.1", got.StudyUID)
}

func TestDeleteStudy_RemovesVolume(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	study := uploadStudy(t, e)

	require.NoError(t, e.svc.DeleteStudy(ctx, study.ID))

	ok, err := e.blobs.Exists(ctx, study.VolumeKey)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = e.svc.GetStudy(ctx, study.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitJob_CreatesPendingJobAndTask(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	study := uploadStudy(t, e)

	job, err := e.svc.SubmitJob(ctx, study.ID.String(), "nnunet_test")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)

	task, err := e.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.ID, task.JobID)
	assert.Equal(t, study.VolumeKey, task.VolumeKey)
}

func TestSubmitJob_UnknownModel(t *testing.T) {
	e := setup(t)
	study := uploadStudy(t, e)

	_, err := e.svc.SubmitJob(context.Background(), study.ID.String(), "nope")
	assert.ErrorIs(t, err, pipeline.ErrUnknownModel)
}

func TestSubmitJob_UnknownStudy(t *testing.T) {
	e := setup(t)

	_, err := e.svc.SubmitJob(context.Background(), uuid.NewString(), "nnunet_test")
	assert.ErrorIs(t, err, pipeline.ErrUnknownStudy)

	_, err = e.svc.SubmitJob(context.Background(), "not-a-uuid", "nnunet_test")
	assert.ErrorIs(t, err, pipeline.ErrUnknownStudy)
}

func TestCancelJob_PendingOnly(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	study := uploadStudy(t, e)

	job, err := e.svc.SubmitJob(ctx, study.ID.String(), "nnunet_test")
	require.NoError(t, err)

	cancelled, err := e.svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
}

func TestCancelJob_AfterClaimIsNoOp(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	study := uploadStudy(t, e)

	job, err := e.svc.SubmitJob(ctx, study.ID.String(), "nnunet_test")
	require.NoError(t, err)
	require.NoError(t, e.store.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning))

	got, err := e.svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func TestArtifactURL_NotReadyUntilCompleted(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	study := uploadStudy(t, e)

	job, err := e.svc.SubmitJob(ctx, study.ID.String(), "nnunet_test")
	require.NoError(t, err)

	// Every non-completed status answers not ready.
	_, err = e.svc.ArtifactURL(ctx, job.ID, models.ArtifactSegmentation)
	assert.ErrorIs(t, err, pipeline.ErrNotReady)

	require.NoError(t, e.store.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning))
	_, err = e.svc.ArtifactURL(ctx, job.ID, models.ArtifactSegmentation)
	assert.ErrorIs(t, err, pipeline.ErrNotReady)

	require.NoError(t, e.store.TransitionJob(ctx, job.ID, models.JobStatusRunning, models.JobStatusFailed,
		store.WithError(models.ErrKindInference, "boom")))
	_, err = e.svc.ArtifactURL(ctx, job.ID, models.ArtifactSegmentation)
	assert.ErrorIs(t, err, pipeline.ErrNotReady)
}

func TestArtifactURL_CompletedJob(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	study := uploadStudy(t, e)

	job, err := e.svc.SubmitJob(ctx, study.ID.String(), "nnunet_test")
	require.NoError(t, err)

	segKey := blob.ArtifactKey(job.ID, models.ArtifactSegmentation)
	require.NoError(t, e.blobs.Put(ctx, segKey, strings.NewReader("mask"), 4))

	require.NoError(t, e.store.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning))
	require.NoError(t, e.store.TransitionJob(ctx, job.ID, models.JobStatusRunning, models.JobStatusCompleted,
		store.WithResultLocations(map[string]string{models.ArtifactSegmentation: segKey})))

	url, err := e.svc.ArtifactURL(ctx, job.ID, models.ArtifactSegmentation)
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	_, err = e.svc.ArtifactURL(ctx, job.ID, "thumbnails")
	assert.ErrorIs(t, err, pipeline.ErrUnknownArtifact)
}

func TestArtifactURL_UnknownJob(t *testing.T) {
	e := setup(t)

	_, err := e.svc.ArtifactURL(context.Background(), uuid.New(), models.ArtifactSegmentation)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHealth_ReportsAllDependencies(t *testing.T) {
	e := setup(t)

	checks := e.svc.Health(context.Background())
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["queue"])
	assert.Equal(t, "ok", checks["storage"])
}
