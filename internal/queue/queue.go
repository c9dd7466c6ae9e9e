// Package queue feeds pipeline requests through a bounded FIFO channel into
// a fixed worker pool and retains jobs and results for later retrieval.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"crucible/internal/config"
	"crucible/internal/logging"
	"crucible/internal/metrics"
	"crucible/internal/pipeline"
)

// resultRetention is how long terminal jobs and their results are kept.
const resultRetention = 24 * time.Hour

var (
	ErrJobNotFound = errors.New("queue: job not found")
	ErrQueueClosed = errors.New("queue: shutting down")
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is the queue's record of one pipeline request. Accessors return
// point-in-time copies; the canonical record only changes under the queue
// lock.
type Job struct {
	ID            string           `json:"id"`
	Request       pipeline.Request `json:"request"`
	Status        JobStatus        `json:"status"`
	StatusMessage string           `json:"status_message,omitempty"`
	QueuePosition int              `json:"queue_position"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     time.Time        `json:"started_at,omitempty"`
	CompletedAt   time.Time        `json:"completed_at,omitempty"`
	WebhookURL    string           `json:"webhook_url,omitempty"`
}

// Runner runs one pipeline request to a terminal result.
type Runner interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// JobQueue owns the job channel, the worker pool and the in-memory job and
// result stores.
type JobQueue struct {
	cfg      config.QueueConfig
	runner   Runner
	notifier *Notifier
	log      *zap.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	results map[string]*pipeline.Result
	cancels map[string]context.CancelFunc

	ch     chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds the queue and starts its workers.
func New(cfg config.QueueConfig, runner Runner) *JobQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &JobQueue{
		cfg:      cfg,
		runner:   runner,
		notifier: NewNotifier(),
		log:      logging.Named("queue"),
		jobs:     make(map[string]*Job),
		results:  make(map[string]*pipeline.Result),
		cancels:  make(map[string]context.CancelFunc),
		ch:       make(chan string, cfg.Capacity),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Enqueue validates the request and admits it as a new job. When the queue
// is at capacity it blocks until a slot frees, the caller cancels, or the
// queue shuts down. The returned job is a snapshot taken at admission.
func (q *JobQueue) Enqueue(ctx context.Context, req pipeline.Request, webhookURL string) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if q.ctx.Err() != nil {
		return nil, ErrQueueClosed
	}

	job := &Job{
		ID:         ulid.Make().String(),
		Request:    req,
		Status:     JobQueued,
		CreatedAt:  q.now(),
		WebhookURL: webhookURL,
	}

	// The job must be visible in the map before a worker can dequeue its id.
	q.mu.Lock()
	job.QueuePosition = len(q.ch) + 1
	q.jobs[job.ID] = job
	q.mu.Unlock()

	select {
	case q.ch <- job.ID:
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return nil, ctx.Err()
	case <-q.ctx.Done():
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	metrics.Get().JobsEnqueuedTotal.Inc()
	metrics.Get().QueueDepth.Set(float64(len(q.ch)))
	q.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("project_id", req.ProjectID),
		zap.String("user_id", req.UserID),
		zap.Int("queue_position", job.QueuePosition),
	)

	q.mu.RLock()
	cp := *job
	q.mu.RUnlock()
	return &cp, nil
}

// GetJob returns a copy of the job record.
func (q *JobQueue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// GetStatus returns the job's current status.
func (q *JobQueue) GetStatus(id string) (JobStatus, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	return job.Status, nil
}

// GetResult returns the stored pipeline result for a finished job.
func (q *JobQueue) GetResult(id string) (*pipeline.Result, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	res, ok := q.results[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return res, nil
}

// ListUserJobs returns the user's jobs sorted newest first, up to limit.
// A limit of zero or less means no limit.
func (q *JobQueue) ListUserJobs(userID string, limit int) []*Job {
	q.mu.RLock()
	jobs := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Request.UserID == userID {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	q.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// Cancel moves a Queued or Running job to Cancelled and signals its run
// context. Unknown and already-terminal jobs are a no-op returning false.
func (q *JobQueue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	cancel := q.cancels[id]
	job.Status = JobCancelled
	job.StatusMessage = "cancelled by caller"
	job.CompletedAt = q.now()
	duration := job.CompletedAt.Sub(job.CreatedAt)
	delete(q.cancels, id)
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	metrics.Get().RecordJobCompleted(string(JobCancelled), duration)
	q.log.Info("job cancelled", zap.String("job_id", id))
	return true
}

// Shutdown stops intake, signals every in-flight run, and returns once all
// workers have exited.
func (q *JobQueue) Shutdown() {
	q.cancel()
	q.wg.Wait()
	q.log.Info("queue shut down")
}

func (q *JobQueue) worker(n int) {
	defer q.wg.Done()
	log := q.log.With(zap.Int("worker", n))
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.ch:
			metrics.Get().QueueDepth.Set(float64(len(q.ch)))
			q.runJob(id, log)
		}
	}
}

func (q *JobQueue) runJob(id string, log *zap.Logger) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if job.Status.Terminal() {
		// Cancelled while still queued; nothing to run.
		q.mu.Unlock()
		log.Info("skipping cancelled job", zap.String("job_id", id))
		return
	}
	ctx, cancel := context.WithCancel(q.ctx)
	q.cancels[id] = cancel
	job.Status = JobRunning
	job.StartedAt = q.now()
	req := job.Request
	webhookURL := job.WebhookURL
	q.mu.Unlock()
	defer cancel()

	log.Info("job started",
		zap.String("job_id", id),
		zap.String("project_id", req.ProjectID),
	)

	res, err := q.runner.Execute(ctx, req)

	status := JobFailed
	msg := ""
	switch {
	case err != nil:
		msg = err.Error()
	case res == nil:
		msg = "pipeline returned no result"
	default:
		switch res.Status {
		case pipeline.StatusSuccess:
			status = JobCompleted
		case pipeline.StatusCancelled:
			status = JobCancelled
		default:
			status = JobFailed
		}
		msg = res.ErrorMessage
		q.storeResult(id, res)
	}
	q.finish(id, status, msg)

	log.Info("job finished",
		zap.String("job_id", id),
		zap.String("status", string(status)),
	)

	if webhookURL != "" {
		payload := Payload{
			JobID:     id,
			ProjectID: req.ProjectID,
			Status:    string(status),
			Success:   status == JobCompleted,
			Error:     msg,
		}
		if res != nil {
			payload.Iterations = res.Iterations
			payload.DurationMs = res.DurationMs
		}
		q.notifier.Deliver(context.Background(), webhookURL, payload)
	}
}

// finish applies the job's terminal transition. A job that is already
// terminal, from a Cancel that won the race, keeps its earlier state.
func (q *JobQueue) finish(id string, status JobStatus, msg string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	job.Status = status
	job.StatusMessage = msg
	job.CompletedAt = q.now()
	duration := job.CompletedAt.Sub(job.CreatedAt)
	delete(q.cancels, id)
	q.mu.Unlock()

	metrics.Get().RecordJobCompleted(string(status), duration)
	return true
}

// storeResult records the result and sweeps jobs whose retention expired.
func (q *JobQueue) storeResult(id string, res *pipeline.Result) {
	cutoff := q.now().Add(-resultRetention)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results[id] = res
	for jid, job := range q.jobs {
		if job.Status.Terminal() && !job.CompletedAt.IsZero() && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, jid)
			delete(q.results, jid)
		}
	}
}
