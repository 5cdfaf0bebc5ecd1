package worker_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/internal/blob"
	"github.com/medscanhq/segpipe/internal/engine"
	"github.com/medscanhq/segpipe/internal/queue"
	"github.com/medscanhq/segpipe/internal/store"
	"github.com/medscanhq/segpipe/internal/volume"
	"github.com/medscanhq/segpipe/internal/worker"
	"github.com/medscanhq/segpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession labels every positive input voxel as class 1.
type fakeSession struct {
	numClasses int
}

func (s *fakeSession) Run(patch []float32) ([]float32, error) {
	out := make([]float32, s.numClasses*len(patch))
	for i, v := range patch {
		if v > 0 {
			out[len(patch)+i] = 1
		} else {
			out[i] = 1
		}
	}
	return out, nil
}

func (s *fakeSession) Close() error { return nil }

type fakeRuntime struct {
	failing map[engine.ProviderKind]bool
	opened  []engine.ProviderKind
}

func (r *fakeRuntime) Open(desc *models.ModelDescriptor, provider engine.Provider) (engine.Session, error) {
	if r.failing[provider.Kind] {
		return nil, fmt.Errorf("no %s device", provider.Kind)
	}
	r.opened = append(r.opened, provider.Kind)
	return &fakeSession{numClasses: desc.NumClasses}, nil
}

// flakyBlob fails the first failures Put calls.
type flakyBlob struct {
	blob.Store
	mu       sync.Mutex
	failures int
	puts     int
}

func (b *flakyBlob) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	b.mu.Lock()
	b.puts++
	fail := b.failures > 0
	if fail {
		b.failures--
	}
	b.mu.Unlock()
	if fail {
		return fmt.Errorf("connection reset")
	}
	return b.Store.Put(ctx, key, r, size)
}

type env struct {
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	blobs  blob.Store
	runner *worker.Runner
}

func testDescriptor() *models.ModelDescriptor {
	return &models.ModelDescriptor{
		ID:            uuid.New(),
		Name:          "nnunet_test",
		OnnxPath:      "nnunet_test.onnx",
		Modality:      "CT",
		PatchSize:     [3]int{4, 4, 4},
		NumClasses:    2,
		TargetSpacing: [3]float64{1, 1, 1},
		WindowCenter:  0,
		WindowWidth:   2000,
		IsActive:      true,
	}
}

func setup(t *testing.T, rt engine.Runtime, providers []string, blobs blob.Store) *env {
	t.Helper()
	st := store.NewMemoryStore()
	st.RegisterModel(testDescriptor())
	q := queue.NewMemoryQueue(time.Minute)
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}

	parsed, err := engine.ParseProviders(providers)
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)
	eng := engine.New(rt, parsed, 2, logger)

	return &env{
		store:  st,
		queue:  q,
		blobs:  blobs,
		runner: worker.NewRunner(st, q, blobs, eng, 3, logger),
	}
}

// seedJob creates a pending job plus its queued task and an uploaded study
// volume, returning the claimed task ready for Process.
func seedJob(t *testing.T, e *env) *models.Task {
	t.Helper()
	ctx := context.Background()

	studyID := uuid.New()
	volKey := blob.StudyVolumeKey(studyID)

	// A small CT block: air padding with a slab of tissue inside.
	raw := volume.NewVolume([3]int{8, 8, 8}, [3]float64{1, 1, 1})
	for i := range raw.Data {
		raw.Data[i] = -1024
	}
	for z := 2; z < 6; z++ {
		for y := 2; y < 6; y++ {
			for x := 2; x < 6; x++ {
				raw.Set(z, y, x, 100)
			}
		}
	}
	raw.Set(3, 3, 3, 500)

	var buf bytes.Buffer
	require.NoError(t, volume.EncodeVolume(&buf, raw))
	require.NoError(t, e.blobs.Put(ctx, volKey, bytes.NewReader(buf.Bytes()), int64(buf.Len())))

	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.New(),
		StudyReference: studyID.String(),
		ModelReference: "nnunet_test",
		Status:         models.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.store.CreateJob(ctx, job))

	task := models.Task{
		JobID:          job.ID,
		StudyReference: job.StudyReference,
		ModelReference: job.ModelReference,
		VolumeKey:      volKey,
		EnqueuedAt:     now,
	}
	require.NoError(t, e.queue.Enqueue(ctx, task))

	claimed, err := e.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	return claimed
}

func TestProcess_CompletesJob(t *testing.T) {
	e := setup(t, &fakeRuntime{}, []string{"gpu", "cpu"}, nil)
	ctx := context.Background()
	task := seedJob(t, e)

	e.runner.Process(ctx, task)

	job, err := e.store.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.ResultLocations)

	for _, kind := range []string{models.ArtifactSegmentation, models.ArtifactAlignedVolume} {
		key := blob.ArtifactKey(task.JobID, kind)
		assert.Equal(t, key, job.ResultLocations[kind])
		ok, err := e.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "artifact %s", kind)
	}
	ok, err := e.blobs.Exists(ctx, blob.CompletionMarkerKey(task.JobID))
	require.NoError(t, err)
	assert.True(t, ok)

	// Task settled with the queue.
	_, err = e.queue.Claim(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrNoTask)
	recovered, err := e.queue.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestProcess_SegmentationDecodes(t *testing.T) {
	e := setup(t, &fakeRuntime{}, []string{"cpu"}, nil)
	ctx := context.Background()
	task := seedJob(t, e)

	e.runner.Process(ctx, task)

	rc, err := e.blobs.Get(ctx, blob.ArtifactKey(task.JobID, models.ArtifactSegmentation))
	require.NoError(t, err)
	defer rc.Close()

	mask, err := volume.DecodeMask(rc)
	require.NoError(t, err)
	// Mask is restored to the study's native geometry.
	assert.Equal(t, [3]int{8, 8, 8}, mask.Dims)
}

func TestProcess_DuplicateDeliveryDropped(t *testing.T) {
	e := setup(t, &fakeRuntime{}, []string{"cpu"}, nil)
	ctx := context.Background()
	task := seedJob(t, e)

	// Another worker already claimed and finished the job.
	require.NoError(t, e.store.TransitionJob(ctx, task.JobID, models.JobStatusPending, models.JobStatusRunning))
	require.NoError(t, e.store.TransitionJob(ctx, task.JobID, models.JobStatusRunning, models.JobStatusCompleted))

	e.runner.Process(ctx, task)

	job, err := e.store.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	// The duplicate was acked, not requeued.
	_, err = e.queue.Claim(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrNoTask)
}

func TestProcess_FallsBackToCPU(t *testing.T) {
	rt := &fakeRuntime{failing: map[engine.ProviderKind]bool{engine.ProviderGPU: true}}
	e := setup(t, rt, []string{"gpu", "cpu"}, nil)
	ctx := context.Background()
	task := seedJob(t, e)

	e.runner.Process(ctx, task)

	job, err := e.store.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, []engine.ProviderKind{engine.ProviderCPU}, rt.opened)
}

func TestProcess_AllProvidersUnavailable(t *testing.T) {
	rt := &fakeRuntime{failing: map[engine.ProviderKind]bool{
		engine.ProviderGPU: true,
		engine.ProviderCPU: true,
	}}
	e := setup(t, rt, []string{"gpu", "cpu"}, nil)
	ctx := context.Background()
	task := seedJob(t, e)

	e.runner.Process(ctx, task)

	job, err := e.store.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorKind)
	assert.Equal(t, models.ErrKindProviderUnavailable, *job.ErrorKind)
}

func TestProcess_UnknownModelIsValidationError(t *testing.T) {
	e := setup(t, &fakeRuntime{}, []string{"cpu"}, nil)
	ctx := context.Background()
	task := seedJob(t, e)
	task.ModelReference = "no_such_model"

	e.runner.Process(ctx, task)

	job, err := e.store.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorKind)
	assert.Equal(t, models.ErrKindValidation, *job.ErrorKind)
}

func TestProcess_MissingVolumeIsValidationError(t *testing.T) {
	e := setup(t, &fakeRuntime{}, []string{"cpu"}, nil)
	ctx := context.Background()
	task := seedJob(t, e)
	require.NoError(t, e.blobs.Delete(ctx, task.VolumeKey))

	e.runner.Process(ctx, task)

	job, err := e.store.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorKind)
	assert.Equal(t, models.ErrKindValidation, *job.ErrorKind)
}

func TestProcess_FinalizeRetriesTransientStorageErrors(t *testing.T) {
	flaky := &flakyBlob{Store: blob.NewMemoryStore()}
	e := setup(t, &fakeRuntime{}, []string{"cpu"}, flaky)
	ctx := context.Background()
	task := seedJob(t, e)
	flaky.failures = 2

	e.runner.Process(ctx, task)

	job, err := e.store.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestProcess_StorageErrorAfterRetriesFailsJob(t *testing.T) {
	flaky := &flakyBlob{Store: blob.NewMemoryStore()}
	e := setup(t, &fakeRuntime{}, []string{"cpu"}, flaky)
	ctx := context.Background()
	task := seedJob(t, e)
	flaky.failures = 100

	e.runner.Process(ctx, task)

	job, err := e.store.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorKind)
	assert.Equal(t, models.ErrKindStorage, *job.ErrorKind)
}

func TestPool_ProcessesQueuedTask(t *testing.T) {
	e := setup(t, &fakeRuntime{}, []string{"cpu"}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	studyTask := seedJob(t, e)
	// seedJob claims; give the task back to the queue for the pool.
	require.NoError(t, e.queue.Nack(ctx, studyTask.JobID, true))

	pool := worker.NewPool(e.runner, e.queue, e.store, 1, 50*time.Millisecond, time.Hour, slog.New(slog.DiscardHandler))

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := e.store.GetJob(context.Background(), studyTask.JobID)
		return err == nil && job.Status == models.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
