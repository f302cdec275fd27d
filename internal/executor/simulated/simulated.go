// Package simulated implements job.Executor in process. Jobs do no work:
// they are Pending for a while, Running for a while, then Complete. It backs
// local development and tests that need a service without a container
// platform.
package simulated

import (
	"batch/internal/apperrors"
	"batch/internal/config"
	"batch/internal/job"
	"batch/pkg/model"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Config sets how long simulated jobs stay in each state.
type Config struct {
	PendingFor time.Duration // time spent Pending after Start
	RunFor     time.Duration // time spent Running; 0 runs until Finish or Stop
}

// LoadConfigFromEnv loads simulation timings from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		PendingFor: config.GetDurationEnv("SIMULATED_PENDING_FOR", time.Second),
		RunFor:     config.GetDurationEnv("SIMULATED_RUN_FOR", 5*time.Second),
	}
}

type simJob struct {
	image    string
	command  []string
	started  time.Time
	finished bool
	exitCode int
	reason   string
}

// Executor is an in-memory job.Executor.
type Executor struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*simJob
}

// New creates a simulated executor.
func New(cfg Config) *Executor {
	return &Executor{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.With("component", "simulated-executor"),
		jobs:   make(map[string]*simJob),
	}
}

// Start records the job. It never pulls or runs anything.
func (e *Executor) Start(_ context.Context, jobID string, spec *corev1.PodSpec) error {
	if spec == nil || len(spec.Containers) == 0 {
		return apperrors.Validation("spec.containers", "spec must have at least one container")
	}
	c := spec.Containers[0]

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.jobs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "job already started")
	}
	e.jobs[jobID] = &simJob{
		image:   c.Image,
		command: append(append([]string(nil), c.Command...), c.Args...),
		started: e.now(),
	}
	e.logger.Debug("Job started", "jobId", jobID, "image", c.Image)
	return nil
}

// Inspect derives the job's state from the time since Start.
func (e *Executor) Inspect(_ context.Context, jobID string) (*job.Observation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[jobID]
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	if j.finished {
		return &job.Observation{State: model.StateComplete, ExitCode: job.ExitCode(j.exitCode), Error: j.reason}, nil
	}

	elapsed := e.now().Sub(j.started)
	switch {
	case elapsed < e.cfg.PendingFor:
		return &job.Observation{State: model.StatePending}, nil
	case e.cfg.RunFor <= 0 || elapsed < e.cfg.PendingFor+e.cfg.RunFor:
		return &job.Observation{State: model.StateRunning}, nil
	}
	j.finished = true
	return &job.Observation{State: model.StateComplete, ExitCode: job.ExitCode(0)}, nil
}

// Log returns a transcript naming the image and command.
func (e *Executor) Log(_ context.Context, jobID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[jobID]
	if !ok {
		return "", apperrors.NotFound("job", jobID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "image: %s\n", j.image)
	if len(j.command) > 0 {
		fmt.Fprintf(&b, "$ %s\n", strings.Join(j.command, " "))
	}
	if j.finished {
		fmt.Fprintf(&b, "exit code %d\n", j.exitCode)
	}
	return b.String(), nil
}

// Finish completes a job with the given exit code.
func (e *Executor) Finish(jobID string, exitCode int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[jobID]
	if !ok {
		return apperrors.NotFound("job", jobID)
	}
	if !j.finished {
		j.finished = true
		j.exitCode = exitCode
	}
	return nil
}

// Stop ends a job as if it had been killed.
func (e *Executor) Stop(_ context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if j, ok := e.jobs[jobID]; ok && !j.finished {
		j.finished = true
		j.exitCode = 137
		j.reason = "stopped"
	}
	return nil
}

// Remove forgets a job.
func (e *Executor) Remove(_ context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, jobID)
	return nil
}

func (e *Executor) Ready(context.Context) error { return nil }

func (e *Executor) Close() error { return nil }

var _ job.Executor = (*Executor)(nil)
