// Package worker runs the database-backed job queue: a pool of processors that
// claim jobs, retry failures with backoff and release work on shutdown, plus a
// scheduler that keeps periodic jobs enqueued.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// Queue is the persistence the worker needs. store.JobStore implements it.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	HasOpenJob(ctx context.Context, jobType string) (bool, error)
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	ReleaseJob(ctx context.Context, id int64) error
}

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers
type Handlers map[string]Handler

// Instrumentation provides hooks for monitoring job lifecycle
type Instrumentation struct {
	OnEnqueue   func(job *models.Job)
	OnStart     func(job *models.Job)
	OnComplete  func(job *models.Job, duration time.Duration)
	OnFail      func(job *models.Job, err error, duration time.Duration)
	OnRetry     func(job *models.Job, retryAfter time.Duration)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64
	JobsSucceeded   int64
	JobsFailed      int64
	JobsRetried     int64
	ActiveWorkers   int
	LastProcessedAt time.Time
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the maximum number of concurrent job processors
	MaxConcurrent int
	// PollInterval is the time between polling for new jobs
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for jobs to complete during shutdown
	ShutdownTimeout time.Duration
	// HeartbeatInterval is the interval for sending heartbeat metrics
	HeartbeatInterval time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             5 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
	}
}

// Worker is the async job queue processor
type Worker struct {
	config          Config
	queue           Queue
	handlers        Handlers
	instrumentation *Instrumentation

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks currently processing job IDs for graceful shutdown
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a new Worker instance
func New(config Config, queue Queue) *Worker {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = defaults.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}

	return &Worker{
		config:          config,
		queue:           queue,
		handlers:        make(Handlers),
		workerID:        "worker-" + uuid.NewString(),
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
		instrumentation: &Instrumentation{},
	}
}

// RegisterHandler binds a handler to a job type. Call before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instrumentation = inst
}

// Start begins the worker loop
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[worker] Starting with ID: %s, max concurrent: %d", w.workerID, w.config.MaxConcurrent)

	if w.instrumentation.OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}

	log.Printf("[worker] Started %d processors", w.config.MaxConcurrent)
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop(ctx context.Context) error {
	log.Printf("[worker] Initiating graceful shutdown...")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[worker] Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Printf("[worker] Shutdown timeout exceeded, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// processor is the main loop for a single worker goroutine
func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	processorID := fmt.Sprintf("%s-processor-%d", w.workerID, id)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[worker] Processor %s shutting down (context cancelled)", processorID)
			return
		case <-w.stopCh:
			log.Printf("[worker] Processor %s shutting down (stop signal)", processorID)
			return
		default:
			if err := w.processNextJob(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					log.Printf("[worker] Processor %s error: %v", processorID, err)
				}
				w.wait(ctx, w.config.PollInterval)
			}
		}
	}
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// processNextJob attempts to claim and process the next available job
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		w.wait(ctx, w.config.PollInterval)
		return nil
	}

	w.processJob(ctx, job)
	return nil
}

// processJob handles the execution of a single job
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	if w.instrumentation.OnStart != nil {
		w.instrumentation.OnStart(job)
	}

	log.Printf("[worker] Processing job %d (type: %s, attempt: %d/%d)",
		job.ID, job.JobType, job.Attempts, job.MaxAttempts)

	handler, ok := w.handler(job.JobType)
	if !ok {
		w.handleError(ctx, job, fmt.Errorf("no handler registered for job type: %s", job.JobType), start)
		return
	}

	if err := handler(jobCtx, job); err != nil {
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// retryDelay is the exponential backoff for the given attempt, capped at
// RetryMaxDelay, with ±20% jitter.
func (w *Worker) retryDelay(attempt int) time.Duration {
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(max(attempt-1, 0)))
	delay := min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

// handleError handles a job failure, retrying if appropriate
func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)

	log.Printf("[worker] Job %d failed after %v: %v", job.ID, duration, err)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnFail != nil {
		w.instrumentation.OnFail(job, err, duration)
	}

	if !job.CanRetry() {
		log.Printf("[worker] Job %d exhausted all %d attempts, marking as failed", job.ID, job.MaxAttempts)
		if err := w.queue.MarkFailed(ctx, job.ID, err.Error()); err != nil {
			log.Printf("[worker] Failed to mark job %d as failed: %v", job.ID, err)
		}
		return
	}

	delay := w.retryDelay(job.Attempts)

	w.statsMu.Lock()
	w.jobsRetried++
	w.statsMu.Unlock()

	if w.instrumentation.OnRetry != nil {
		w.instrumentation.OnRetry(job, delay)
	}

	log.Printf("[worker] Scheduling retry for job %d after %v (attempt %d/%d)",
		job.ID, delay, job.Attempts, job.MaxAttempts)

	if err := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); err != nil {
		log.Printf("[worker] Failed to schedule retry for job %d: %v", job.ID, err)
	}
}

// handleSuccess handles a successful job completion
func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := time.Since(start)

	log.Printf("[worker] Job %d completed successfully in %v", job.ID, duration)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnComplete != nil {
		w.instrumentation.OnComplete(job, duration)
	}

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Printf("[worker] Failed to mark job %d as completed: %v", job.ID, err)
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// releaseActiveJobs cancels running handlers and puts their jobs back to pending.
func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	jobIDs := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		jobIDs = append(jobIDs, id)
		cancel()
	}
	w.mu.Unlock()

	for _, id := range jobIDs {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			log.Printf("[worker] Failed to release job %d: %v", id, err)
		} else {
			log.Printf("[worker] Released job %d back to pending", id)
		}
	}
}

// heartbeat periodically sends stats updates
func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.instrumentation.OnHeartbeat(w.workerID, w.GetStats())
		}
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	activeWorkers := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveWorkers:   activeWorkers,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// Enqueue creates a new job in the queue
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	if w.instrumentation.OnEnqueue != nil {
		w.instrumentation.OnEnqueue(job)
	}

	log.Printf("[worker] Enqueued job %d (type: %s, priority: %s)", job.ID, job.JobType, job.Priority)
	return nil
}

// Schedule enqueues a job of jobType every interval unless one is already
// pending or processing. The first check runs immediately. It returns when
// ctx is cancelled or the worker stops.
func (w *Worker) Schedule(ctx context.Context, jobType string, interval time.Duration, newJob func() *models.Job) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := w.enqueueIfIdle(ctx, jobType, newJob); err != nil {
				log.Printf("[worker] schedule %s: %v", jobType, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (w *Worker) enqueueIfIdle(ctx context.Context, jobType string, newJob func() *models.Job) error {
	open, err := w.queue.HasOpenJob(ctx, jobType)
	if err != nil {
		return err
	}
	if open {
		return nil
	}
	return w.Enqueue(ctx, newJob())
}
