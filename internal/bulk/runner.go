package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/internal/volume"
	"github.com/medscanhq/segpipe/pkg/models"
	"github.com/schollz/progressbar/v3"
)

// API is the slice of the orchestrator the batch runner needs.
type API interface {
	UploadStudy(path, studyUID, seriesUID string) (*models.Study, error)
	SubmitJob(studyRef, modelRef string) (*models.Job, error)
	GetJob(id uuid.UUID) (*models.Job, error)
	DownloadArtifact(id uuid.UUID, kind, dst string) error
}

// Options configures a batch run.
type Options struct {
	Model          string
	InputDir       string
	OutputDir      string
	PollInterval   time.Duration
	JobTimeout     time.Duration
	MinVoxels      int
	DownloadVolume bool
	ShowProgress   bool
}

// Runner processes every study file under InputDir sequentially. Results go
// to the processing log as each study finishes, so a killed run resumes where
// it stopped. A study whose job fails is logged as Failure and never retried.
type Runner struct {
	api    API
	log    *ProcessLog
	opts   Options
	logger *slog.Logger
}

func NewRunner(api API, log *ProcessLog, opts Options, logger *slog.Logger) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = time.Hour
	}
	return &Runner{api: api, log: log, opts: opts, logger: logger}
}

// Run processes the batch and returns the report entries for every study,
// including ones completed by a previous interrupted run.
func (r *Runner) Run(ctx context.Context) ([]models.ReportEntry, error) {
	paths, err := listStudies(r.opts.InputDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no study files under %s", r.opts.InputDir)
	}

	var bar *progressbar.ProgressBar
	if r.opts.ShowProgress {
		bar = progressbar.Default(int64(len(paths)), "studies")
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.log.Done(path) {
			r.logger.Info("study already processed, skipping", "path", path)
			if bar != nil {
				bar.Add(1)
			}
			continue
		}

		entry, err := r.processStudy(ctx, path)
		if err != nil {
			// Interrupted mid-study: the outcome is not terminal, so the
			// study stays out of the log and a restart reprocesses it.
			return nil, err
		}
		if err := r.log.Append(path, entry); err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	return r.log.Entries(), nil
}

// processStudy runs one study through the pipeline. A failed study yields a
// Failure entry rather than an error; the error return is reserved for
// cancellation, where no outcome should be recorded.
func (r *Runner) processStudy(ctx context.Context, path string) (entry models.ReportEntry, err error) {
	start := time.Now()
	entry = models.ReportEntry{
		PathToStudy:      path,
		ProcessingStatus: models.ProcessingFailure,
	}
	defer func() {
		entry.TimeOfProcessing = time.Since(start).Seconds()
	}()

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	study, err := r.api.UploadStudy(path, stem, stem)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return entry, cerr
		}
		r.logger.Error("upload failed", "path", path, "error", err)
		return entry, nil
	}
	entry.StudyUID = study.StudyUID
	entry.SeriesUID = study.SeriesUID

	job, err := r.api.SubmitJob(study.ID.String(), r.opts.Model)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return entry, cerr
		}
		r.logger.Error("submit failed", "path", path, "error", err)
		return entry, nil
	}
	r.logger.Info("job submitted", "path", path, "job_id", job.ID)

	job, err = r.awaitJob(ctx, job.ID)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return entry, cerr
		}
		r.logger.Error("job did not complete", "path", path, "job_id", job.ID, "error", err)
		return entry, nil
	}
	if job.Status != models.JobStatusCompleted {
		kind := ""
		if job.ErrorKind != nil {
			kind = *job.ErrorKind
		}
		r.logger.Error("job failed", "path", path, "job_id", job.ID,
			"status", job.Status, "error_kind", kind)
		return entry, nil
	}

	box, err := r.fetchLocalization(job, stem)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return entry, cerr
		}
		r.logger.Error("artifact retrieval failed", "path", path, "job_id", job.ID, "error", err)
		return entry, nil
	}

	entry.ProcessingStatus = models.ProcessingSuccess
	entry.PathologyLocalization = box.String()
	if !box.Empty() {
		entry.Pathology = 1
		entry.ProbabilityOfPathology = 1.0
	}
	return entry, nil
}

// awaitJob polls until the job is terminal or the per-job wall clock runs
// out. A timeout here only gives up on the client side; the server job keeps
// whatever verdict it reaches on its own.
func (r *Runner) awaitJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	deadline := time.Now().Add(r.opts.JobTimeout)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := r.api.GetJob(id)
		if err != nil {
			return &models.Job{ID: id}, err
		}
		if job.Terminal() {
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("gave up waiting after %s (last status %s, progress %d)",
				r.opts.JobTimeout, job.Status, job.Progress)
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchLocalization downloads the job's artifacts and computes the pathology
// bounding box from the segmentation mask.
func (r *Runner) fetchLocalization(job *models.Job, stem string) (volume.BoundingBox, error) {
	maskPath := filepath.Join(r.opts.OutputDir, stem+"_segmentation.spv")
	if err := r.api.DownloadArtifact(job.ID, models.ArtifactSegmentation, maskPath); err != nil {
		return volume.BoundingBox{}, err
	}
	if r.opts.DownloadVolume {
		volPath := filepath.Join(r.opts.OutputDir, stem+"_aligned.spv")
		if err := r.api.DownloadArtifact(job.ID, models.ArtifactAlignedVolume, volPath); err != nil {
			return volume.BoundingBox{}, err
		}
	}

	f, err := os.Open(maskPath)
	if err != nil {
		return volume.BoundingBox{}, err
	}
	defer f.Close()

	mask, err := volume.DecodeMask(f)
	if err != nil {
		return volume.BoundingBox{}, fmt.Errorf("decode segmentation: %w", err)
	}
	return volume.MaskBoundingBox(mask, r.opts.MinVoxels), nil
}

// listStudies collects the study files directly under dir, sorted by name so
// runs are deterministic. Subdirectories and dotfiles are ignored.
func listStudies(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
