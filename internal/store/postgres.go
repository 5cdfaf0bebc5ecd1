package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/medscanhq/segpipe/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, study_reference, model_reference, status, progress,
	result_locations, error_kind, error_detail, created_at, started_at, finished_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, study_reference, model_reference, status, progress, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.StudyReference, job.ModelReference, job.Status, job.Progress,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, int, error) {
	limit, offset = normalizePage(limit, offset)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// TransitionJob performs the single-statement conditional update that backs
// every status change. The WHERE clause carries the expected status, so two
// racing claimants cannot both move the same job: the loser sees ErrConflict.
func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, from, to string, opts ...TransitionOption) error {
	params := &transitionParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, from, to, now}
	argIdx := 5

	if to == models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.TerminalStatus(to) {
		query += fmt.Sprintf(", finished_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.Progress != nil {
		query += fmt.Sprintf(", progress = GREATEST(progress, $%d)", argIdx)
		args = append(args, *params.Progress)
		argIdx++
	}
	if params.ErrorKind != nil {
		query += fmt.Sprintf(", error_kind = $%d, error_detail = $%d", argIdx, argIdx+1)
		args = append(args, *params.ErrorKind, *params.ErrorDetail)
		argIdx += 2
	}
	if params.ResultLocations != nil {
		query += fmt.Sprintf(", result_locations = $%d", argIdx)
		args = append(args, params.ResultLocations)
		argIdx++
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}
		return fmt.Errorf("%w: expected %s, found %s", ErrConflict, from, current)
	}
	return nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = $3
		 WHERE id = $1 AND status = $4`,
		id, progress, time.Now().UTC(), models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ReapStalled(ctx context.Context, threshold time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error_kind = $2, error_detail = $3,
		        finished_at = $4, updated_at = $4
		 WHERE status = $5 AND updated_at < $6`,
		models.JobStatusTimedOut, models.ErrKindTimeout,
		"no progress update within stall timeout", now,
		models.JobStatusRunning, now.Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("reap stalled jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.StudyReference, &j.ModelReference, &j.Status, &j.Progress,
		&j.ResultLocations, &j.ErrorKind, &j.ErrorDetail,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Models ---

const modelColumns = `id, name, onnx_path, modality, patch_size, num_classes,
	target_spacing, window_center, window_width, is_active, created_at`

func (s *PostgresStore) GetModelByName(ctx context.Context, name string) (*models.ModelDescriptor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM inference_models WHERE name = $1 AND is_active`, name)
	m, err := scanModel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model by name: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]*models.ModelDescriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelColumns+` FROM inference_models WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []*models.ModelDescriptor
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanModel(row pgx.Row) (*models.ModelDescriptor, error) {
	var m models.ModelDescriptor
	var patch []int32
	var spacing []float64
	err := row.Scan(&m.ID, &m.Name, &m.OnnxPath, &m.Modality, &patch, &m.NumClasses,
		&spacing, &m.WindowCenter, &m.WindowWidth, &m.IsActive, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(patch) != 3 || len(spacing) != 3 {
		return nil, fmt.Errorf("model %s: malformed geometry arrays", m.Name)
	}
	for i := range 3 {
		m.PatchSize[i] = int(patch[i])
		m.TargetSpacing[i] = spacing[i]
	}
	return &m, nil
}

// --- Studies ---

const studyColumns = `id, name, study_uid, series_uid, volume_key, size_bytes, created_at`

func (s *PostgresStore) CreateStudy(ctx context.Context, study *models.Study) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO studies (id, name, study_uid, series_uid, volume_key, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		study.ID, study.Name, study.StudyUID, study.SeriesUID,
		study.VolumeKey, study.SizeBytes, study.CreatedAt)
	if err != nil {
		return fmt.Errorf("create study: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStudy(ctx context.Context, id uuid.UUID) (*models.Study, error) {
	var st models.Study
	err := s.pool.QueryRow(ctx,
		`SELECT `+studyColumns+` FROM studies WHERE id = $1`, id,
	).Scan(&st.ID, &st.Name, &st.StudyUID, &st.SeriesUID, &st.VolumeKey, &st.SizeBytes, &st.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get study: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) ListStudies(ctx context.Context, limit, offset int) ([]*models.Study, int, error) {
	limit, offset = normalizePage(limit, offset)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM studies`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count studies: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+studyColumns+` FROM studies ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list studies: %w", err)
	}
	defer rows.Close()

	var studies []*models.Study
	for rows.Next() {
		var st models.Study
		if err := rows.Scan(&st.ID, &st.Name, &st.StudyUID, &st.SeriesUID,
			&st.VolumeKey, &st.SizeBytes, &st.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan study: %w", err)
		}
		studies = append(studies, &st)
	}
	return studies, total, rows.Err()
}

func (s *PostgresStore) DeleteStudy(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM studies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete study: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
