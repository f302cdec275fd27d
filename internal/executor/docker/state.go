package docker

import (
	"batch/internal/apperrors"
	"sync"
)

// jobState holds the Docker resources of a single job.
type jobState struct {
	containerID string
	volumes     []string
}

// stateRepo maps job ids to their resources with thread-safe access.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[string]*jobState
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[string]*jobState),
	}
}

// reserve claims a job id while its container is being created. Returns a
// Conflict if the id is already known. The slot holds nil until commit.
func (r *stateRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "job already started")
	}
	r.jobs[jobID] = nil
	return nil
}

func (r *stateRepo) commit(jobID string, js *jobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = js
}

// release forgets a job and returns its state if it existed.
func (r *stateRepo) release(jobID string) (*jobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, exists := r.jobs[jobID]
	if exists {
		delete(r.jobs, jobID)
	}
	return js, exists
}

// attachVolume records a volume against a known job. It reports false when
// no job with that id is tracked.
func (r *stateRepo) attachVolume(jobID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, exists := r.jobs[jobID]
	if !exists {
		return false
	}
	// A reserved job's Start tracks its own volumes.
	if js != nil {
		js.volumes = append(js.volumes, name)
	}
	return true
}

// get returns (nil, true) for a reserved job that is still starting.
func (r *stateRepo) get(jobID string) (*jobState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	js, exists := r.jobs[jobID]
	return js, exists
}

func (r *stateRepo) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
