package client

import (
	"batch/pkg/model"
	"context"
)

// Job is a handle to a remote job. It caches the last fetched status.
// A Job is not safe for concurrent use.
type Job struct {
	client     *Client
	id         string
	attributes map[string]string
	status     *model.Job
	deleted    bool
}

func newJob(c *Client, id string, attributes map[string]string, status *model.Job) *Job {
	if attributes == nil {
		attributes = map[string]string{}
	}
	return &Job{client: c, id: id, attributes: attributes, status: status}
}

// ID returns the server-assigned identifier, or "" after Delete.
func (j *Job) ID() string { return j.id }

// Attributes returns the user attributes the job was created with.
func (j *Job) Attributes() map[string]string { return j.attributes }

func (j *Job) check() error {
	if j.deleted {
		return errDeleted
	}
	return nil
}

// Status fetches the current status and caches it.
func (j *Job) Status(ctx context.Context) (*model.Job, error) {
	if err := j.check(); err != nil {
		return nil, err
	}
	s, err := j.client.getJob(ctx, j.id)
	if err != nil {
		return nil, err
	}
	j.status = s
	return s.Clone(), nil
}

// CachedStatus returns the last fetched status without a request.
func (j *Job) CachedStatus() (*model.Job, error) {
	if err := j.check(); err != nil {
		return nil, err
	}
	if j.status == nil {
		return nil, errNoStatus
	}
	return j.status.Clone(), nil
}

// IsComplete reports whether the cached status is terminal.
func (j *Job) IsComplete() (bool, error) {
	s, err := j.CachedStatus()
	if err != nil {
		return false, err
	}
	return model.JobTerminal(s), nil
}

// Wait polls the job until it is Complete or Cancelled and returns that status.
// It blocks for as long as ctx allows; pass a context with a deadline to bound it.
func (j *Job) Wait(ctx context.Context) (*model.Job, error) {
	if err := j.check(); err != nil {
		return nil, err
	}
	return wait(ctx, j.client, "job", j.id, j.Status, model.JobTerminal)
}

// Cancel asks the service to cancel the job. It does not wait for the
// cancellation to be observed.
func (j *Job) Cancel(ctx context.Context) error {
	if err := j.check(); err != nil {
		return err
	}
	return j.client.cancelJob(ctx, j.id)
}

// Delete removes the job from the service and invalidates the handle.
func (j *Job) Delete(ctx context.Context) error {
	if err := j.check(); err != nil {
		return err
	}
	if err := j.client.deleteJob(ctx, j.id); err != nil {
		return err
	}
	j.id = ""
	j.attributes = nil
	j.status = nil
	j.deleted = true
	return nil
}

// Log returns the job's log text.
func (j *Job) Log(ctx context.Context) (string, error) {
	if err := j.check(); err != nil {
		return "", err
	}
	return j.client.getJobLog(ctx, j.id)
}
