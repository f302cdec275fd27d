package client

import (
	"batch/pkg/model"
	"context"
)

// Batch is a handle to a remote batch and the jobs created through it.
// A Batch is not safe for concurrent use.
type Batch struct {
	client     *Client
	id         string
	attributes map[string]string
	status     *model.Batch
	jobs       []*Job
}

func newBatch(c *Client, id string, attributes map[string]string, status *model.Batch) *Batch {
	if attributes == nil {
		attributes = map[string]string{}
	}
	return &Batch{client: c, id: id, attributes: attributes, status: status}
}

// ID returns the server-assigned identifier.
func (b *Batch) ID() string { return b.id }

// Attributes returns the attributes the batch was created with.
func (b *Batch) Attributes() map[string]string { return b.attributes }

// Jobs returns the handles of jobs created through this batch handle.
func (b *Batch) Jobs() []*Job {
	out := make([]*Job, len(b.jobs))
	copy(out, b.jobs)
	return out
}

// CreateJob submits a job that belongs to this batch.
func (b *Batch) CreateJob(ctx context.Context, opts JobOptions) (*Job, error) {
	spec, err := opts.Spec()
	if err != nil {
		return nil, err
	}
	j, err := b.client.SubmitSpec(ctx, spec, b.id)
	if err != nil {
		return nil, err
	}
	b.jobs = append(b.jobs, j)
	return j, nil
}

// Status fetches the per-state job counts and caches them.
func (b *Batch) Status(ctx context.Context) (*model.Batch, error) {
	s, err := b.client.getBatch(ctx, b.id)
	if err != nil {
		return nil, err
	}
	b.status = s
	return cloneBatch(s), nil
}

// CachedStatus returns the last fetched status without a request.
func (b *Batch) CachedStatus() (*model.Batch, error) {
	if b.status == nil {
		return nil, errNoStatus
	}
	return cloneBatch(b.status), nil
}

// IsComplete reports whether the cached status has no job left in Created.
func (b *Batch) IsComplete() (bool, error) {
	s, err := b.CachedStatus()
	if err != nil {
		return false, err
	}
	return model.BatchTerminal(s), nil
}

// Wait polls the batch until no job remains in the Created state. Jobs may
// still be running when Wait returns.
func (b *Batch) Wait(ctx context.Context) (*model.Batch, error) {
	return wait(ctx, b.client, "batch", b.id, b.Status, model.BatchTerminal)
}

func cloneBatch(b *model.Batch) *model.Batch {
	c := *b
	c.Jobs = make(map[model.State]int, len(b.Jobs))
	for k, v := range b.Jobs {
		c.Jobs[k] = v
	}
	if b.Attributes != nil {
		c.Attributes = make(map[string]string, len(b.Attributes))
		for k, v := range b.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
