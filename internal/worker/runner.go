// Package worker claims inference tasks from the queue and drives them
// through preprocessing, sliding-window inference, and artifact finalization.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/medscanhq/segpipe/internal/blob"
	"github.com/medscanhq/segpipe/internal/engine"
	"github.com/medscanhq/segpipe/internal/queue"
	"github.com/medscanhq/segpipe/internal/store"
	"github.com/medscanhq/segpipe/internal/volume"
	"github.com/medscanhq/segpipe/pkg/models"
)

// Progress checkpoints. Patch-level progress is mapped into the range
// between progressPreprocessed and progressInferred.
const (
	progressModelLoaded  = 5
	progressPreprocessed = 25
	progressInferred     = 80
	progressPostprocess  = 90
)

// foregroundThreshold separates air padding from tissue in raw CT volumes.
const foregroundThreshold = -900

// Runner executes one task at a time: the per-task state machine of a worker
// slot.
type Runner struct {
	store    store.Store
	queue    queue.Queue
	blobs    blob.Store
	engine   *engine.Engine
	attempts int
	logger   *slog.Logger
}

func NewRunner(st store.Store, q queue.Queue, blobs blob.Store, eng *engine.Engine, finalizeAttempts int, logger *slog.Logger) *Runner {
	if finalizeAttempts < 1 {
		finalizeAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    st,
		queue:    q,
		blobs:    blobs,
		engine:   eng,
		attempts: finalizeAttempts,
		logger:   logger,
	}
}

// Process runs a claimed task to completion. It always settles the task with
// the queue: Ack for anything the job record now reflects, Nack with requeue
// only for infrastructure errors where another worker may succeed.
func (r *Runner) Process(ctx context.Context, task *models.Task) {
	logger := r.logger.With("job_id", task.JobID, "study", task.StudyReference, "model", task.ModelReference)

	// Atomic claim. Losing means another delivery of this task already owns
	// the job, or the job was cancelled; either way this delivery is done.
	err := r.store.TransitionJob(ctx, task.JobID, models.JobStatusPending, models.JobStatusRunning)
	switch {
	case errors.Is(err, store.ErrConflict):
		logger.Info("job already claimed or settled, dropping duplicate delivery")
		r.ack(ctx, task)
		return
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("job record missing for task, dropping")
		r.ack(ctx, task)
		return
	case err != nil:
		logger.Error("claim failed, releasing task", "error", err)
		r.nack(ctx, task, true)
		return
	}

	if err := r.run(ctx, task, logger); err != nil {
		r.fail(ctx, task, err, logger)
		return
	}
	r.ack(ctx, task)
}

// taskError carries the error kind recorded on the job.
type taskError struct {
	kind string
	err  error
}

func (e *taskError) Error() string { return e.err.Error() }
func (e *taskError) Unwrap() error { return e.err }

func failTask(kind string, format string, args ...any) *taskError {
	return &taskError{kind: kind, err: fmt.Errorf(format, args...)}
}

func (r *Runner) run(ctx context.Context, task *models.Task, logger *slog.Logger) error {
	started := time.Now()

	desc, err := r.store.GetModelByName(ctx, task.ModelReference)
	if errors.Is(err, store.ErrNotFound) {
		return failTask(models.ErrKindValidation, "unknown model %q", task.ModelReference)
	}
	if err != nil {
		return failTask(models.ErrKindStorage, "load model descriptor: %w", err)
	}

	sess, provider, release, err := r.engine.Acquire(desc)
	if err != nil {
		if errors.Is(err, engine.ErrProviderUnavailable) {
			return failTask(models.ErrKindProviderUnavailable, "%w", err)
		}
		return failTask(models.ErrKindInference, "acquire session: %w", err)
	}
	defer release()
	logger.Info("model session ready", "provider", provider.Kind)
	r.progress(ctx, task, progressModelLoaded)

	raw, err := r.loadVolume(ctx, task.VolumeKey)
	if err != nil {
		return err
	}

	aligned, crop, err := preprocess(raw, desc)
	if err != nil {
		if errors.Is(err, volume.ErrEmptyVolume) {
			return failTask(models.ErrKindValidation, "preprocess: %w", err)
		}
		return failTask(models.ErrKindInference, "preprocess: %w", err)
	}
	r.progress(ctx, task, progressPreprocessed)

	mask, err := engine.Predict(ctx, sess, aligned, desc, func(done, total int) {
		span := progressInferred - progressPreprocessed
		r.progress(ctx, task, progressPreprocessed+span*done/total)
	})
	if err != nil {
		if ctx.Err() != nil {
			return failTask(models.ErrKindTimeout, "inference interrupted: %w", err)
		}
		return failTask(models.ErrKindInference, "inference: %w", err)
	}

	restored, err := postprocess(mask, crop, raw)
	if err != nil {
		return failTask(models.ErrKindInference, "postprocess: %w", err)
	}
	r.progress(ctx, task, progressPostprocess)

	locations, err := r.finalize(ctx, task, restored, aligned)
	if err != nil {
		return err
	}

	err = r.store.TransitionJob(ctx, task.JobID, models.JobStatusRunning, models.JobStatusCompleted,
		store.WithProgress(100), store.WithResultLocations(locations))
	if errors.Is(err, store.ErrConflict) {
		// Reaped as timed out while we were finishing. The artifacts are
		// durable; the record keeps the timeout verdict.
		logger.Warn("job no longer running at completion, keeping terminal status")
		return nil
	}
	if err != nil {
		return failTask(models.ErrKindStorage, "record completion: %w", err)
	}

	logger.Info("job completed", "duration", time.Since(started), "provider", provider.Kind)
	return nil
}

func (r *Runner) loadVolume(ctx context.Context, key string) (*volume.Volume, error) {
	rc, err := r.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, failTask(models.ErrKindValidation, "study volume %s not found", key)
	}
	if err != nil {
		return nil, failTask(models.ErrKindStorage, "fetch study volume: %w", err)
	}
	defer rc.Close()

	v, err := volume.DecodeVolume(rc)
	if err != nil {
		return nil, failTask(models.ErrKindValidation, "decode study volume: %w", err)
	}
	return v, nil
}

// preprocess crops away air, windows and normalizes intensities, and
// resamples onto the model's target spacing.
func preprocess(raw *volume.Volume, desc *models.ModelDescriptor) (*volume.Volume, volume.CropBox, error) {
	cropped, box, err := volume.CropToForeground(raw, foregroundThreshold)
	if err != nil {
		return nil, volume.CropBox{}, err
	}
	volume.ApplyWindow(cropped, desc.WindowCenter, desc.WindowWidth)
	aligned, err := volume.Resample(cropped, desc.TargetSpacing)
	if err != nil {
		return nil, volume.CropBox{}, err
	}
	return aligned, box, nil
}

// postprocess brings the predicted mask back to the study's native geometry:
// resample to the original spacing, then uncrop.
func postprocess(mask *volume.Mask, box volume.CropBox, raw *volume.Volume) (*volume.Mask, error) {
	native, err := volume.ResampleMask(mask, raw.Spacing)
	if err != nil {
		return nil, err
	}
	// Resampling rounds dimensions; clamp to the crop region before uncropping.
	cropDims := [3]int{box.ZMax - box.ZMin, box.YMax - box.YMin, box.XMax - box.XMin}
	if native.Dims != cropDims {
		native = fitMask(native, cropDims)
	}
	return volume.RestoreMask(native, box, raw.Dims, raw.Spacing), nil
}

func fitMask(m *volume.Mask, dims [3]int) *volume.Mask {
	out := volume.NewMask(dims, m.Spacing)
	for z := 0; z < dims[0] && z < m.Dims[0]; z++ {
		for y := 0; y < dims[1] && y < m.Dims[1]; y++ {
			for x := 0; x < dims[2] && x < m.Dims[2]; x++ {
				out.Set(z, y, x, m.At(z, y, x))
			}
		}
	}
	return out
}

// finalize uploads both artifacts and the completion marker, marker last.
// Each upload is retried a bounded number of times before the job fails with
// a storage error.
func (r *Runner) finalize(ctx context.Context, task *models.Task, mask *volume.Mask, aligned *volume.Volume) (map[string]string, error) {
	segKey := blob.ArtifactKey(task.JobID, models.ArtifactSegmentation)
	volKey := blob.ArtifactKey(task.JobID, models.ArtifactAlignedVolume)

	if err := r.putWithRetry(ctx, segKey, func(w io.Writer) error {
		return volume.EncodeMask(w, mask)
	}); err != nil {
		return nil, failTask(models.ErrKindStorage, "store segmentation: %w", err)
	}
	if err := r.putWithRetry(ctx, volKey, func(w io.Writer) error {
		return volume.EncodeVolume(w, aligned)
	}); err != nil {
		return nil, failTask(models.ErrKindStorage, "store aligned volume: %w", err)
	}
	if err := r.putBytesWithRetry(ctx, blob.CompletionMarkerKey(task.JobID), []byte("ok")); err != nil {
		return nil, failTask(models.ErrKindStorage, "store completion marker: %w", err)
	}

	return map[string]string{
		models.ArtifactSegmentation:  segKey,
		models.ArtifactAlignedVolume: volKey,
	}, nil
}

func (r *Runner) putWithRetry(ctx context.Context, key string, encode func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.putBytesWithRetry(ctx, key, buf.Bytes())
}

func (r *Runner) putBytesWithRetry(ctx context.Context, key string, data []byte) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		r.logger.Warn("artifact upload failed, retrying",
			"key", key, "attempt", attempt, "of", r.attempts, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return err
}

// progress writes are best effort; a conflict just means the job is no
// longer running.
func (r *Runner) progress(ctx context.Context, task *models.Task, pct int) {
	if err := r.store.UpdateProgress(ctx, task.JobID, pct); err != nil && !errors.Is(err, store.ErrConflict) {
		r.logger.Warn("progress update failed", "job_id", task.JobID, "progress", pct, "error", err)
	}
}

func (r *Runner) fail(ctx context.Context, task *models.Task, err error, logger *slog.Logger) {
	kind := models.ErrKindInference
	var te *taskError
	if errors.As(err, &te) {
		kind = te.kind
	}
	logger.Error("job failed", "kind", kind, "error", err)

	status := models.JobStatusFailed
	if kind == models.ErrKindTimeout {
		status = models.JobStatusTimedOut
	}
	terr := r.store.TransitionJob(ctx, task.JobID, models.JobStatusRunning, status,
		store.WithError(kind, err.Error()))
	if terr != nil && !errors.Is(terr, store.ErrConflict) {
		logger.Error("recording failure failed", "error", terr)
	}
	// Deterministic failures are settled; redelivery would fail identically.
	r.ack(ctx, task)
}

func (r *Runner) ack(ctx context.Context, task *models.Task) {
	if err := r.queue.Ack(ctx, task.JobID); err != nil && !errors.Is(err, queue.ErrUnknownTask) {
		r.logger.Warn("ack failed", "job_id", task.JobID, "error", err)
	}
}

func (r *Runner) nack(ctx context.Context, task *models.Task, requeue bool) {
	if err := r.queue.Nack(ctx, task.JobID, requeue); err != nil && !errors.Is(err, queue.ErrUnknownTask) {
		r.logger.Warn("nack failed", "job_id", task.JobID, "error", err)
	}
}
