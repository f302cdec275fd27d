// Package store persists jobs, their pod specs and batches.
package store

import (
	"batch/internal/apperrors"
	"batch/pkg/model"
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Store is the persistence boundary of the batch service. Implementations
// return apperrors.NotFound for unknown ids and refuse to move a job out of a
// terminal state.
type Store interface {
	// CreateJob inserts a new job together with the pod spec it runs.
	CreateJob(ctx context.Context, job *model.Job, spec *corev1.PodSpec) error

	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetJobSpec(ctx context.Context, id string) (*corev1.PodSpec, error)

	// ListJobs returns matching jobs ordered by creation time.
	ListJobs(ctx context.Context, filter Filter) ([]*model.Job, error)

	// UpdateJob applies u atomically and returns the updated job. Updating a
	// job that is already Complete or Cancelled fails with a Conflict.
	UpdateJob(ctx context.Context, id string, u Update) (*model.Job, error)

	DeleteJob(ctx context.Context, id string) error

	CreateBatch(ctx context.Context, batch *model.Batch) error

	// GetBatch returns the batch with Jobs holding a count for every state.
	GetBatch(ctx context.Context, id string) (*model.Batch, error)

	Ping(ctx context.Context) error
	Close() error
}

// Filter selects jobs in ListJobs. Zero fields match everything.
type Filter struct {
	State   model.State
	BatchID string
}

func (f Filter) matches(j *model.Job) bool {
	if f.State != "" && j.State != f.State {
		return false
	}
	if f.BatchID != "" && j.BatchID != f.BatchID {
		return false
	}
	return true
}

// Update is a state transition.
type Update struct {
	State    model.State
	ExitCode *int
	Error    string
}

// apply validates u against the job's current state and mutates j.
func (u Update) apply(j *model.Job, now time.Time) error {
	if !u.State.Valid() {
		return apperrors.Validationf("state", "unknown state %q", u.State)
	}
	if j.State.Terminal() {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job is already %s", j.State))
	}
	j.State = u.State
	if u.ExitCode != nil {
		code := *u.ExitCode
		j.ExitCode = &code
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	j.UpdatedAt = now
	return nil
}

// record is the persisted form of a job.
type record struct {
	Job  *model.Job      `json:"job"`
	Spec *corev1.PodSpec `json:"spec"`
}

func nowUTC() time.Time { return time.Now().UTC() }

func sortJobs(jobs []*model.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}

func countStates(jobs []*model.Job) map[model.State]int {
	counts := model.NewCounts()
	for _, j := range jobs {
		counts[j.State]++
	}
	return counts
}

func cloneBatch(b *model.Batch) *model.Batch {
	c := *b
	if b.Attributes != nil {
		c.Attributes = make(map[string]string, len(b.Attributes))
		for k, v := range b.Attributes {
			c.Attributes[k] = v
		}
	}
	c.Jobs = nil
	return &c
}
