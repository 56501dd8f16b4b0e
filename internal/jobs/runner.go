package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	perrors "packwise/internal/errors"
)

// Handler executes one job. It reports finished attempts through record.
// A non-nil result is stored even when err is set.
type Handler func(ctx context.Context, job *Job, record func(*AttemptRecord)) (interface{}, error)

// Runner executes jobs off the caller's goroutine. At most one job may be
// active per output directory, within this process and across processes.
type Runner struct {
	store   *Store
	logger  *slog.Logger
	handler Handler

	queue       chan *Job
	queueSize   int
	workerCount int

	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	cancel   map[string]context.CancelFunc
	contexts map[string]context.Context
	active   map[string]string // output dir -> job id
	locks    map[string]*Lock
	finished map[string]chan struct{}

	wg sync.WaitGroup

	processedCount atomic.Int64
	failedCount    atomic.Int64
}

// RunnerConfig contains configuration for the job runner.
type RunnerConfig struct {
	QueueSize   int
	WorkerCount int
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		QueueSize:   16,
		WorkerCount: 2,
	}
}

// NewRunner creates a new job runner.
func NewRunner(store *Store, logger *slog.Logger, config RunnerConfig, handler Handler) *Runner {
	if config.QueueSize <= 0 {
		config.QueueSize = 16
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Runner{
		store:       store,
		logger:      logger,
		handler:     handler,
		queue:       make(chan *Job, config.QueueSize),
		queueSize:   config.QueueSize,
		workerCount: config.WorkerCount,
		done:        make(chan struct{}),
		cancel:      make(map[string]context.CancelFunc),
		contexts:    make(map[string]context.Context),
		active:      make(map[string]string),
		locks:       make(map[string]*Lock),
		finished:    make(map[string]chan struct{}),
	}
}

// Start begins processing jobs.
func (r *Runner) Start() {
	r.logger.Debug("Starting job runner", "workers", r.workerCount, "queueSize", r.queueSize)
	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
}

// Stop cancels running jobs and waits for the workers.
func (r *Runner) Stop(timeout time.Duration) error {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	for id, cancel := range r.cancel {
		r.logger.Debug("Cancelling running job", "jobId", id)
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Debug("Job runner stopped cleanly")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("job runner shutdown timed out after %v", timeout)
	}
}

// Submit registers and queues a job for req. It fails with JobConflict
// when a job is already active for the same output directory.
func (r *Runner) Submit(req Request) (*Job, error) {
	select {
	case <-r.done:
		return nil, fmt.Errorf("runner is shutting down")
	default:
	}
	job := NewJob(req)
	dir := job.Request.OutputDir

	r.mu.Lock()
	if other, ok := r.active[dir]; ok {
		r.mu.Unlock()
		return nil, perrors.New(perrors.JobConflict,
			fmt.Sprintf("job %s is already building into %s", other, dir), nil).
			WithDetails(map[string]string{"activeJobId": other})
	}
	lock, err := AcquireLock(dir)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := r.store.CreateJob(job); err != nil {
		lock.Release()
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[dir] = job.ID
	r.locks[job.ID] = lock
	r.cancel[job.ID] = cancel
	r.contexts[job.ID] = ctx
	r.finished[job.ID] = make(chan struct{})
	r.mu.Unlock()

	select {
	case r.queue <- job:
		r.logger.Debug("Job queued", "jobId", job.ID, "outputDir", dir)
		return job, nil
	default:
		job.MarkFailed(string(perrors.ResourceError), errors.New("job queue is full"))
		_ = r.store.UpdateJob(job)
		r.release(job)
		return nil, perrors.New(perrors.ResourceError, "job queue is full", nil)
	}
}

// Cancel cancels a queued or running job. The running subprocess is
// killed; the handler records what was captured so far.
func (r *Runner) Cancel(jobID string) error {
	job, err := r.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if !job.CanCancel() {
		return fmt.Errorf("job cannot be cancelled in state: %s", job.Status)
	}

	r.mu.Lock()
	cancel, ok := r.cancel[job.ID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not owned by this process", job.ID)
	}
	cancel()
	r.logger.Info("Cancellation requested", "jobId", job.ID)
	return nil
}

// Wait blocks until the job finishes or ctx ends, then returns its stored
// state.
func (r *Runner) Wait(ctx context.Context, jobID string) (*Job, error) {
	r.mu.Lock()
	ch, ok := r.finished[jobID]
	r.mu.Unlock()
	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.store.GetJob(jobID)
}

// GetJob retrieves a job by ID.
func (r *Runner) GetJob(jobID string) (*Job, error) {
	return r.store.GetJob(jobID)
}

// ListJobs lists jobs with filters.
func (r *Runner) ListJobs(opts ListJobsOptions) (*ListJobsResponse, error) {
	return r.store.ListJobs(opts)
}

// RecoverInterrupted fails stored jobs that are queued or running but
// whose output directory lock is free, meaning their process is gone.
func (r *Runner) RecoverInterrupted() int {
	resp, err := r.store.ListJobs(ListJobsOptions{Status: []JobStatus{JobQueued, JobRunning}, Limit: 100})
	if err != nil {
		r.logger.Warn("Failed to list unfinished jobs", "error", err.Error())
		return 0
	}
	recovered := 0
	for _, summary := range resp.Jobs {
		r.mu.Lock()
		_, mine := r.locks[summary.ID]
		r.mu.Unlock()
		if mine {
			continue
		}
		job, err := r.store.GetJob(summary.ID)
		if err != nil || job == nil {
			continue
		}
		lock, err := AcquireLock(job.Request.OutputDir)
		if err != nil {
			// still held by a live process
			continue
		}
		if err := r.store.MarkInterrupted(job.ID); err == nil {
			recovered++
		}
		lock.Release()
	}
	if recovered > 0 {
		r.logger.Info("Marked interrupted jobs", "count", recovered)
	}
	return recovered
}

// worker processes jobs from the queue.
func (r *Runner) worker(id int) {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.queue:
			r.processJob(job)
		case <-r.done:
			r.logger.Debug("Job worker stopping", "workerId", id)
			r.drain()
			return
		}
	}
}

// drain cancels jobs still queued at shutdown.
func (r *Runner) drain() {
	for {
		select {
		case job := <-r.queue:
			job.MarkCancelled()
			_ = r.store.UpdateJob(job)
			r.release(job)
		default:
			return
		}
	}
}

// processJob executes a single job.
func (r *Runner) processJob(job *Job) {
	r.mu.Lock()
	ctx := r.contexts[job.ID]
	r.mu.Unlock()
	defer r.release(job)

	if ctx.Err() != nil {
		job.MarkCancelled()
		_ = r.store.UpdateJob(job)
		return
	}

	job.MarkStarted()
	if err := r.store.UpdateJob(job); err != nil {
		r.logger.Error("Failed to update job status", "jobId", job.ID, "error", err.Error())
	}
	r.logger.Info("Processing job", "jobId", job.ID, "entry", job.Request.Entry)

	record := func(rec *AttemptRecord) {
		rec.JobID = job.ID
		if rec.Number > job.Attempts {
			job.Attempts = rec.Number
		}
		if err := r.store.SaveAttempt(rec); err != nil {
			r.logger.Warn("Failed to save attempt", "jobId", job.ID, "attempt", rec.Number, "error", err.Error())
		}
		if err := r.store.UpdateJob(job); err != nil {
			r.logger.Warn("Failed to update job attempts", "jobId", job.ID, "error", err.Error())
		}
	}

	startTime := time.Now()
	result, err := r.handler(ctx, job, record)
	duration := time.Since(startTime)

	if result != nil {
		if markErr := job.MarkCompleted(result); markErr != nil {
			r.logger.Error("Failed to serialize job result", "jobId", job.ID, "error", markErr.Error())
		}
	}
	switch {
	case ctx.Err() != nil:
		job.MarkCancelled()
		job.ErrorCode = string(perrors.Cancelled)
		r.logger.Info("Job cancelled", "jobId", job.ID, "duration", duration.String())
	case err != nil:
		job.MarkFailed(string(perrors.CodeOf(err)), err)
		r.failedCount.Add(1)
		r.logger.Error("Job failed", "jobId", job.ID, "error", err.Error(), "duration", duration.String())
	default:
		if result == nil {
			_ = job.MarkCompleted(nil)
		}
		r.processedCount.Add(1)
		r.logger.Info("Job completed", "jobId", job.ID, "duration", duration.String())
	}

	if err := r.store.UpdateJob(job); err != nil {
		r.logger.Error("Failed to save job final state", "jobId", job.ID, "error", err.Error())
	}
}

// release frees the output directory and wakes waiters.
func (r *Runner) release(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lock, ok := r.locks[job.ID]; ok {
		lock.Release()
		delete(r.locks, job.ID)
	}
	if r.active[job.Request.OutputDir] == job.ID {
		delete(r.active, job.Request.OutputDir)
	}
	if cancel, ok := r.cancel[job.ID]; ok {
		cancel()
		delete(r.cancel, job.ID)
	}
	delete(r.contexts, job.ID)
	if ch, ok := r.finished[job.ID]; ok {
		close(ch)
		delete(r.finished, job.ID)
	}
}

// Stats returns runner statistics.
func (r *Runner) Stats() map[string]interface{} {
	r.mu.Lock()
	activeCount := len(r.active)
	r.mu.Unlock()

	return map[string]interface{}{
		"queueLength":    len(r.queue),
		"queueCapacity":  r.queueSize,
		"activeJobs":     activeCount,
		"processedTotal": r.processedCount.Load(),
		"failedTotal":    r.failedCount.Load(),
		"workerCount":    r.workerCount,
	}
}
