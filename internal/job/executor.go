// Package job implements the batch service: job and batch lifecycle on top of
// a Store for records and an Executor for running pods.
package job

import (
	"batch/pkg/model"
	"context"

	corev1 "k8s.io/api/core/v1"
)

// Executor runs job pods on a container platform.
//
// The Store is the source of truth for job state. The Executor only reports
// what it observes; the Service decides which observations become
// transitions.
type Executor interface {
	// Start creates and starts the job's workload. The job runs
	// asynchronously; use Inspect to follow it.
	Start(ctx context.Context, jobID string, spec *corev1.PodSpec) error

	// Inspect reports the current state of a started job. Returns an
	// apperrors.NotFound error if the executor has no trace of it.
	Inspect(ctx context.Context, jobID string) (*Observation, error)

	// Log returns the combined output of the job's main container.
	Log(ctx context.Context, jobID string) (string, error)

	// Stop terminates a running job. Stopping a finished or unknown job
	// returns nil.
	Stop(ctx context.Context, jobID string) error

	// Remove deletes every resource created for the job. Removing an unknown
	// job returns nil.
	Remove(ctx context.Context, jobID string) error

	// Ready checks that the platform is reachable.
	Ready(ctx context.Context) error

	// Close releases client resources. Running jobs are not stopped.
	Close() error
}

// Observation is an executor's view of one job.
type Observation struct {
	State    model.State // Pending, Running or Complete
	ExitCode *int        // set once Complete
	Error    string      // platform-reported failure reason, if any
}

// ExitCode returns a pointer to code, for building Observations.
func ExitCode(code int) *int {
	return &code
}
