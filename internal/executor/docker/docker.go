// Package docker implements job.Executor on a Docker daemon. A job runs as a
// single container built from the first container of its pod spec.
package docker

import (
	"batch/internal/apperrors"
	"batch/internal/job"
	"batch/pkg/model"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	corev1 "k8s.io/api/core/v1"
)

// Executor implements job.Executor using Docker.
type Executor struct {
	client *client.Client
	cfg    Config
	state  *stateRepo
	logger *slog.Logger
}

// New connects to the Docker daemon from the environment and picks up job
// containers left by a previous run.
func New(ctx context.Context, cfg Config) (*Executor, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	e := &Executor{
		client: dockerClient,
		cfg:    cfg.withDefaults(),
		state:  newStateRepo(),
		logger: slog.With("component", "docker-executor"),
	}

	if err := e.reconcile(ctx); err != nil {
		e.logger.Warn("Failed to reconcile jobs", "error", err)
	}
	return e, nil
}

// reconcile rebuilds job state from labelled containers and volumes.
func (e *Executor) reconcile(ctx context.Context) error {
	managed := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy))

	containers, err := e.client.ContainerList(ctx, container.ListOptions{All: true, Filters: managed})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		if id := c.Labels[labelJobID]; id != "" {
			e.state.commit(id, &jobState{containerID: c.ID})
		}
	}

	volumes, err := e.client.VolumeList(ctx, volume.ListOptions{Filters: managed})
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, v := range volumes.Volumes {
		if e.state.attachVolume(v.Labels[labelJobID], v.Name) {
			continue
		}
		// Left by a start that failed before its container existed.
		e.logger.Info("Removing orphaned volume", "volume", v.Name)
		if err := e.client.VolumeRemove(ctx, v.Name, true); err != nil && !cerrdefs.IsNotFound(err) {
			e.logger.Warn("Failed to remove orphaned volume", "volume", v.Name, "error", err)
		}
	}

	e.logger.Info("Reconciliation complete", "jobs", e.state.size())
	return nil
}

// Start creates the job's volumes and container and starts it.
func (e *Executor) Start(ctx context.Context, jobID string, spec *corev1.PodSpec) error {
	plan, err := planContainer(jobID, spec, e.cfg)
	if err != nil {
		return err
	}
	if err := e.state.reserve(jobID); err != nil {
		return err
	}

	js := &jobState{}
	success := false
	defer func() {
		if !success {
			e.cleanup(context.WithoutCancel(ctx), js)
			e.state.release(jobID)
		}
	}()

	for _, name := range plan.volumes {
		if _, err := e.client.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: jobLabels(jobID)}); err != nil {
			return apperrors.Internal("docker.createVolume", err)
		}
		js.volumes = append(js.volumes, name)
	}

	if err := e.pullImageIfNeeded(ctx, plan.image); err != nil {
		return apperrors.Internal("docker.pullImage", err)
	}

	resp, err := e.client.ContainerCreate(ctx, plan.config, plan.host, nil, nil, containerName(jobID))
	if err != nil {
		return apperrors.Internal("docker.createContainer", err)
	}
	js.containerID = resp.ID

	if err := e.client.ContainerStart(ctx, js.containerID, container.StartOptions{}); err != nil {
		return apperrors.Internal("docker.startContainer", err)
	}

	e.state.commit(jobID, js)
	success = true
	e.logger.Debug("Container started", "jobId", jobID, "containerId", js.containerID)
	return nil
}

// Inspect reports the container's state.
func (e *Executor) Inspect(ctx context.Context, jobID string) (*job.Observation, error) {
	js, exists := e.state.get(jobID)
	if !exists {
		return nil, apperrors.NotFound("job", jobID)
	}
	if js == nil {
		return &job.Observation{State: model.StatePending}, nil
	}

	inspect, err := e.client.ContainerInspect(ctx, js.containerID)
	if cerrdefs.IsNotFound(err) {
		return nil, apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, apperrors.Unavailable("docker.inspectContainer", err)
	}
	return observe(inspect.State), nil
}

// observe maps Docker container state onto a job observation.
func observe(s *container.State) *job.Observation {
	if s == nil {
		return &job.Observation{State: model.StatePending}
	}
	switch {
	case s.Running, s.Paused, s.Restarting:
		return &job.Observation{State: model.StateRunning}
	case s.Status == "created":
		return &job.Observation{State: model.StatePending}
	}

	obs := &job.Observation{State: model.StateComplete, ExitCode: job.ExitCode(s.ExitCode), Error: s.Error}
	if s.OOMKilled && obs.Error == "" {
		obs.Error = "container was killed: out of memory"
	}
	return obs
}

// Log returns the container's stdout and stderr, demultiplexed.
func (e *Executor) Log(ctx context.Context, jobID string) (string, error) {
	js, exists := e.state.get(jobID)
	if !exists {
		return "", apperrors.NotFound("job", jobID)
	}
	if js == nil {
		return "", nil
	}

	logs, err := e.client.ContainerLogs(ctx, js.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if cerrdefs.IsNotFound(err) {
		return "", apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return "", apperrors.Unavailable("docker.containerLogs", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", apperrors.Unavailable("docker.containerLogs", err)
	}
	return buf.String(), nil
}

// Stop stops the container, keeping it for Inspect and Log.
func (e *Executor) Stop(ctx context.Context, jobID string) error {
	js, exists := e.state.get(jobID)
	if !exists || js == nil {
		return nil
	}

	timeout := int(e.cfg.StopTimeout.Seconds())
	err := e.client.ContainerStop(ctx, js.containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return apperrors.Unavailable("docker.stopContainer", err)
	}
	return nil
}

// Remove deletes the container and its volumes.
func (e *Executor) Remove(ctx context.Context, jobID string) error {
	js, exists := e.state.release(jobID)
	if !exists || js == nil {
		return nil
	}
	return e.cleanup(ctx, js)
}

// Ready checks if the Docker daemon is reachable and responsive.
func (e *Executor) Ready(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close releases the Docker client. Containers keep running.
func (e *Executor) Close() error {
	return e.client.Close()
}

func (e *Executor) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := e.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := e.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *Executor) cleanup(ctx context.Context, js *jobState) error {
	if js.containerID != "" {
		err := e.client.ContainerRemove(ctx, js.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			return apperrors.Unavailable("docker.removeContainer", err)
		}
	}
	for _, name := range js.volumes {
		if err := e.client.VolumeRemove(ctx, name, true); err != nil && !cerrdefs.IsNotFound(err) {
			return apperrors.Unavailable("docker.removeVolume", err)
		}
	}
	return nil
}

var _ job.Executor = (*Executor)(nil)
