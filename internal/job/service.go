package job

import (
	"batch/internal/apperrors"
	"batch/internal/observability"
	"batch/internal/store"
	"batch/pkg/model"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// launchTimeout bounds one Executor.Start call, image pulls included.
const launchTimeout = 10 * time.Minute

// Config tunes the Service.
type Config struct {
	LaunchWorkers      int           // concurrent launches (default: 4)
	LaunchBuffer       int           // queued launches (default: 1000)
	RefreshInterval    time.Duration // 0 disables the periodic refresh
	CallbackSigningKey string
}

func (c Config) withDefaults() Config {
	if c.LaunchWorkers <= 0 {
		c.LaunchWorkers = 4
	}
	if c.LaunchBuffer <= 0 {
		c.LaunchBuffer = 1000
	}
	return c
}

// Service manages the job lifecycle.
//
//	CreateJob -> Created (queued) -> launch worker -> Executor.Start -> Pending
//	Refresh / GetJob -> Executor.Inspect -> Running -> Complete
//	Cancel -> Executor.Stop -> Cancelled
//
// Created means accepted but not yet handed to the executor. A failed launch
// ends in Complete with exit code -1.
type Service struct {
	store    store.Store
	executor Executor
	notifier Notifier
	metrics  *observability.Metrics
	cfg      Config
	logger   *slog.Logger

	mu       sync.RWMutex
	closed   bool
	launches chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a job service. notifier and metrics may be nil.
// Call Start to begin launching jobs.
func NewService(st store.Store, executor Executor, notifier Notifier, metrics *observability.Metrics, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store:    st,
		executor: executor,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		logger:   slog.With("component", "job-service"),
		launches: make(chan string, cfg.LaunchBuffer),
	}
}

// Start re-queues jobs left in Created by a previous run, then starts the
// launch workers and the refresh loop. They run until Close.
func (s *Service) Start(ctx context.Context) error {
	pending, err := s.store.ListJobs(ctx, store.Filter{State: model.StateCreated})
	if err != nil {
		return fmt.Errorf("recover queued jobs: %w", err)
	}
	for _, j := range pending {
		if !s.enqueue(j.ID) {
			s.logger.Warn("Launch queue full, job stays queued until restart", "jobId", j.ID)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("Recovered queued jobs", "count", len(pending))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	for range s.cfg.LaunchWorkers {
		s.wg.Add(1)
		go s.launchWorker(runCtx)
	}
	if s.cfg.RefreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop(runCtx)
	}
	return nil
}

// Close stops accepting jobs and waits for in-flight launches. Jobs still in
// the queue stay Created and are recovered by the next Start.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateJob validates and queues a new job.
func (s *Service) CreateJob(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := validateJob(req); err != nil {
		return nil, err
	}
	if req.BatchID != "" {
		if _, err := s.store.GetBatch(ctx, req.BatchID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	j := &model.Job{
		ID:         uuid.NewString(),
		BatchID:    req.BatchID,
		State:      model.StateCreated,
		Attributes: req.Attributes,
		Callback:   req.Callback,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if j.Attributes == nil {
		j.Attributes = map[string]string{}
	}

	if err := s.store.CreateJob(ctx, j, req.Spec); err != nil {
		return nil, err
	}

	if !s.enqueue(j.ID) {
		if err := s.store.DeleteJob(ctx, j.ID); err != nil {
			s.logger.Error("Failed to remove rejected job", "jobId", j.ID, "error", err)
		}
		return nil, apperrors.Unavailable("job.create", errors.New("launch queue is full"))
	}

	image := req.Spec.Containers[0].Image
	s.metrics.RecordJobCreated(ctx, image)
	s.logger.Info("Job created", "jobId", j.ID, "batchId", j.BatchID, "image", image)
	return j, nil
}

// enqueue hands a job id to the launch workers without blocking.
func (s *Service) enqueue(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.launches <- id:
		s.metrics.RecordLaunchQueueDepth(context.Background(), int64(len(s.launches)))
		return true
	default:
		return false
	}
}

func (s *Service) launchWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.launches:
			s.metrics.RecordLaunchQueueDepth(ctx, int64(len(s.launches)))
			// An accepted launch runs to completion even during shutdown.
			launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), launchTimeout)
			s.launch(launchCtx, id)
			cancel()
		}
	}
}

// launch starts one queued job. Jobs cancelled or deleted while queued are skipped.
func (s *Service) launch(ctx context.Context, id string) {
	logger := s.logger.With("jobId", id)

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			logger.Error("Failed to load queued job", "error", err)
		}
		return
	}
	if j.State != model.StateCreated {
		return
	}
	spec, err := s.store.GetJobSpec(ctx, id)
	if err != nil {
		logger.Error("Failed to load job spec", "error", err)
		return
	}

	if err := s.executor.Start(ctx, id, spec); err != nil {
		logger.Error("Job failed to start", "error", err)
		s.metrics.RecordLaunchFailed(ctx)
		updated, uerr := s.store.UpdateJob(ctx, id, store.Update{
			State:    model.StateComplete,
			ExitCode: ExitCode(-1),
			Error:    fmt.Sprintf("failed to start: %v", err),
		})
		if uerr != nil {
			logger.Warn("Failed to record launch failure", "error", uerr)
			return
		}
		s.notify(updated)
		return
	}

	updated, err := s.store.UpdateJob(ctx, id, store.Update{State: model.StatePending})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Deleted while starting; nothing else will remove the workload.
			logger.Info("Job deleted during launch, removing it")
			if rerr := s.executor.Remove(ctx, id); rerr != nil {
				logger.Warn("Failed to remove job", "error", rerr)
			}
			return
		}
		// Cancelled while starting.
		logger.Info("Job changed during launch, stopping it", "error", err)
		if serr := s.executor.Stop(ctx, id); serr != nil {
			logger.Warn("Failed to stop job", "error", serr)
		}
		return
	}
	s.metrics.RecordJobLaunched(ctx)
	logger.Info("Job launched", "state", updated.State)
}

// GetJob returns a job, refreshing it from the executor when it is active.
func (s *Service) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isActive(j.State) {
		return j, nil
	}
	updated, err := s.refreshJob(ctx, j)
	if err != nil {
		s.logger.Warn("Failed to refresh job, returning stored state", "jobId", id, "error", err)
		return j, nil
	}
	return updated, nil
}

// ListJobs returns stored jobs matching filter without contacting the executor.
func (s *Service) ListJobs(ctx context.Context, filter store.Filter) ([]*model.Job, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, apperrors.Validationf("state", "unknown state %q", filter.State)
	}
	return s.store.ListJobs(ctx, filter)
}

// Log returns the job's output. Jobs that never reached the executor have an empty log.
func (s *Service) Log(ctx context.Context, id string) (string, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if j.State == model.StateCreated {
		return "", nil
	}
	log, err := s.executor.Log(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "", nil
	}
	return log, err
}

// Cancel stops a job. Cancelling a Complete or Cancelled job does nothing.
func (s *Service) Cancel(ctx context.Context, id string) error {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}
	logger := s.logger.With("jobId", id)

	if j.State != model.StateCreated {
		if err := s.executor.Stop(ctx, id); err != nil {
			logger.Error("Job cancellation failed", "error", err)
			return err
		}
	}

	updated, err := s.store.UpdateJob(ctx, id, store.Update{State: model.StateCancelled})
	if errors.Is(err, apperrors.ErrConflict) {
		// Finished on its own in the meantime.
		return nil
	}
	if err != nil {
		return err
	}
	s.transitioned(ctx, j, updated)
	logger.Info("Job cancelled")
	return nil
}

// Delete removes a job and its executor resources.
func (s *Service) Delete(ctx context.Context, id string) error {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.executor.Remove(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.metrics.RecordJobDeleted(ctx, isActive(j.State))
	s.logger.Info("Job deleted", "jobId", id)
	return nil
}

// CreateBatch creates an empty batch.
func (s *Service) CreateBatch(ctx context.Context, req *model.CreateBatchRequest) (*model.Batch, error) {
	if err := validateAttributes(req.Attributes); err != nil {
		return nil, err
	}
	b := &model.Batch{
		ID:         uuid.NewString(),
		Attributes: req.Attributes,
		CreatedAt:  time.Now().UTC(),
	}
	if b.Attributes == nil {
		b.Attributes = map[string]string{}
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	b.Jobs = model.NewCounts()
	s.logger.Info("Batch created", "batchId", b.ID)
	return b, nil
}

// GetBatch returns a batch with its per-state job counts.
func (s *Service) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	return s.store.GetBatch(ctx, id)
}

// Refresh re-inspects every Pending and Running job.
func (s *Service) Refresh(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordRefresh(ctx, time.Since(start).Seconds())
	}()

	var errs []error
	for _, state := range []model.State{model.StatePending, model.StateRunning} {
		jobs, err := s.store.ListJobs(ctx, store.Filter{State: state})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if _, err := s.refreshJob(ctx, j); err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Refresh incomplete", "error", err)
			}
		}
	}
}

// refreshJob applies the executor's observation of an active job.
func (s *Service) refreshJob(ctx context.Context, j *model.Job) (*model.Job, error) {
	obs, err := s.executor.Inspect(ctx, j.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		obs = &Observation{State: model.StateComplete, ExitCode: ExitCode(-1), Error: "job no longer exists on the executor"}
	} else if err != nil {
		return j, err
	}
	if !advances(j.State, obs.State) {
		return j, nil
	}

	updated, err := s.store.UpdateJob(ctx, j.ID, store.Update{State: obs.State, ExitCode: obs.ExitCode, Error: obs.Error})
	if errors.Is(err, apperrors.ErrConflict) {
		return s.store.GetJob(ctx, j.ID)
	}
	if err != nil {
		return j, err
	}
	s.transitioned(ctx, j, updated)
	return updated, nil
}

// transitioned records a stored state change and fires the callback.
func (s *Service) transitioned(ctx context.Context, before, after *model.Job) {
	s.logger.Info("Job state changed", "jobId", after.ID, "from", before.State, "to", after.State)
	if !after.State.Terminal() {
		s.metrics.RecordJobTransition(ctx, after.State.String())
		return
	}
	s.metrics.RecordJobFinished(ctx, after.State.String(), isActive(before.State), after.Succeeded(),
		after.UpdatedAt.Sub(after.CreatedAt).Seconds())
	s.notify(after)
}

func (s *Service) notify(j *model.Job) {
	if s.notifier == nil {
		return
	}
	event := callbackEvent(j, s.cfg.CallbackSigningKey)
	if event == nil {
		return
	}
	if err := s.notifier.Dispatch(event); err != nil {
		s.logger.Warn("Callback not queued", "jobId", j.ID, "url", j.Callback, "error", err)
	}
}

// isActive reports whether a job has been launched and not finished.
func isActive(state model.State) bool {
	return state == model.StatePending || state == model.StateRunning
}

// advances reports whether moving from one state to another goes forward in
// the Created -> Pending -> Running -> Complete order.
func advances(from, to model.State) bool {
	rank := map[model.State]int{
		model.StateCreated:  0,
		model.StatePending:  1,
		model.StateRunning:  2,
		model.StateComplete: 3,
	}
	f, okFrom := rank[from]
	t, okTo := rank[to]
	return okFrom && okTo && t > f
}
