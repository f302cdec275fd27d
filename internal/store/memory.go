package store

import (
	"batch/internal/apperrors"
	"batch/pkg/model"
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"
)

// Memory keeps everything in process memory. State is lost on restart.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]*record
	batches map[string]*model.Batch
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*record),
		batches: make(map[string]*model.Batch),
	}
}

func (m *Memory) CreateJob(_ context.Context, job *model.Job, spec *corev1.PodSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return apperrors.Conflict("job", job.ID, "job already exists")
	}
	m.jobs[job.ID] = &record{Job: job.Clone(), Spec: spec.DeepCopy()}
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return r.Job.Clone(), nil
}

func (m *Memory) GetJobSpec(_ context.Context, id string) (*corev1.PodSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return r.Spec.DeepCopy(), nil
}

func (m *Memory) ListJobs(_ context.Context, filter Filter) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*model.Job, 0, len(m.jobs))
	for _, r := range m.jobs {
		if filter.matches(r.Job) {
			jobs = append(jobs, r.Job.Clone())
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (m *Memory) UpdateJob(_ context.Context, id string, u Update) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	next := r.Job.Clone()
	if err := u.apply(next, nowUTC()); err != nil {
		return nil, err
	}
	r.Job = next
	return next.Clone(), nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return apperrors.NotFound("job", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) CreateBatch(_ context.Context, batch *model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batches[batch.ID]; exists {
		return apperrors.Conflict("batch", batch.ID, "batch already exists")
	}
	m.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*model.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, apperrors.NotFound("batch", id)
	}
	var members []*model.Job
	for _, r := range m.jobs {
		if r.Job.BatchID == id {
			members = append(members, r.Job)
		}
	}
	out := cloneBatch(b)
	out.Jobs = countStates(members)
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
