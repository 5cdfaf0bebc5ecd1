package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/pkg/models"
)

// MemoryStore is an in-process Store with the same conditional-update
// semantics as PostgresStore. It backs unit tests and the in-process
// end-to-end tests; production always uses Postgres.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*models.Job
	modelsByRef map[string]*models.ModelDescriptor
	studies     map[uuid.UUID]*models.Study
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[uuid.UUID]*models.Job),
		modelsByRef: make(map[string]*models.ModelDescriptor),
		studies:     make(map[uuid.UUID]*models.Study),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// RegisterModel adds a model descriptor, standing in for the seed migration.
func (s *MemoryStore) RegisterModel(desc *models.ModelDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *desc
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.modelsByRef[cp.Name] = &cp
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, limit, offset int) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id uuid.UUID, from, to string, opts ...TransitionOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != from {
		return ErrConflict
	}

	var params transitionParams
	for _, opt := range opts {
		opt(&params)
	}

	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	if to == models.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if models.TerminalStatus(to) && job.FinishedAt == nil {
		job.FinishedAt = &now
	}
	if params.Progress != nil && *params.Progress > job.Progress {
		job.Progress = *params.Progress
	}
	if params.ErrorKind != nil {
		job.ErrorKind = params.ErrorKind
		job.ErrorDetail = params.ErrorDetail
	}
	if params.ResultLocations != nil {
		job.ResultLocations = params.ResultLocations
	}
	return nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.JobStatusRunning {
		return ErrConflict
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReapStalled(_ context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	kind := models.ErrKindTimeout
	detail := "no progress within stall timeout"
	reaped := 0
	for _, job := range s.jobs {
		if job.Status != models.JobStatusRunning || job.UpdatedAt.After(cutoff) {
			continue
		}
		now := time.Now().UTC()
		job.Status = models.JobStatusTimedOut
		job.ErrorKind = &kind
		job.ErrorDetail = &detail
		job.FinishedAt = &now
		job.UpdatedAt = now
		reaped++
	}
	return reaped, nil
}

func (s *MemoryStore) GetModelByName(_ context.Context, name string) (*models.ModelDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, ok := s.modelsByRef[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *desc
	return &cp, nil
}

func (s *MemoryStore) ListModels(_ context.Context) ([]*models.ModelDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ModelDescriptor, 0, len(s.modelsByRef))
	for _, desc := range s.modelsByRef {
		cp := *desc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateStudy(_ context.Context, study *models.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *study
	s.studies[study.ID] = &cp
	return nil
}

func (s *MemoryStore) GetStudy(_ context.Context, id uuid.UUID) (*models.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *study
	return &cp, nil
}

func (s *MemoryStore) ListStudies(_ context.Context, limit, offset int) ([]*models.Study, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*models.Study, 0, len(s.studies))
	for _, study := range s.studies {
		cp := *study
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (s *MemoryStore) DeleteStudy(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[id]; !ok {
		return ErrNotFound
	}
	delete(s.studies, id)
	return nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
