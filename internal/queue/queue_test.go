package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crucible/internal/config"
	"crucible/internal/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	status  pipeline.Status
	message string
	block   chan struct{}
}

func (f *fakeRunner) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	status := f.status
	message := f.message
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &pipeline.Result{
				ProjectID:    req.ProjectID,
				Status:       pipeline.StatusCancelled,
				Iterations:   1,
				ErrorMessage: "pipeline cancelled",
			}, nil
		}
	}
	if status == "" {
		status = pipeline.StatusSuccess
	}
	return &pipeline.Result{
		ProjectID:    req.ProjectID,
		Status:       status,
		Iterations:   1,
		DurationMs:   5,
		ErrorMessage: message,
	}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func validRequest() pipeline.Request {
	return pipeline.Request{
		ProjectID: "proj-1",
		UserID:    "user-1",
		Language:  "python",
		Prompt:    "a tool",
	}
}

func waitTerminal(t *testing.T, q *JobQueue, id string) JobStatus {
	t.Helper()
	var status JobStatus
	require.Eventually(t, func() bool {
		s, err := q.GetStatus(id)
		if err != nil {
			return false
		}
		status = s
		return s.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return status
}

func TestEnqueueRunsJobToCompletion(t *testing.T) {
	runner := &fakeRunner{}
	q := New(config.QueueConfig{Capacity: 4, Workers: 2}, runner)
	defer q.Shutdown()

	job, err := q.Enqueue(context.Background(), validRequest(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 1, job.QueuePosition)
	assert.False(t, job.CreatedAt.IsZero())

	status := waitTerminal(t, q, job.ID)
	assert.Equal(t, JobCompleted, status)

	stored, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.False(t, stored.StartedAt.IsZero())
	assert.False(t, stored.CompletedAt.IsZero())

	res, err := q.GetResult(job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, res.Status)
}

func TestEnqueueRejectsInvalidRequest(t *testing.T) {
	q := New(config.QueueConfig{Capacity: 1, Workers: 1}, &fakeRunner{})
	defer q.Shutdown()

	_, err := q.Enqueue(context.Background(), pipeline.Request{ProjectID: "p"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid request")
}

func TestJobStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		pipeline pipeline.Status
		message  string
		want     JobStatus
	}{
		{"success maps to completed", pipeline.StatusSuccess, "", JobCompleted},
		{"cancelled maps to cancelled", pipeline.StatusCancelled, "pipeline cancelled", JobCancelled},
		{"tests failed maps to failed", pipeline.StatusTestsFailed, "tests failed", JobFailed},
		{"rate limited maps to failed", pipeline.StatusRateLimited, "rate limit exceeded", JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{status: tt.pipeline, message: tt.message}
			q := New(config.QueueConfig{Capacity: 2, Workers: 1}, runner)
			defer q.Shutdown()

			job, err := q.Enqueue(context.Background(), validRequest(), "")
			require.NoError(t, err)

			assert.Equal(t, tt.want, waitTerminal(t, q, job.ID))
			stored, err := q.GetJob(job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.message, stored.StatusMessage)
		})
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	q := New(config.QueueConfig{Capacity: 1, Workers: 1}, &fakeRunner{})
	defer q.Shutdown()

	_, err := q.GetStatus("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.GetJob("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.GetResult("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListUserJobsNewestFirst(t *testing.T) {
	runner := &fakeRunner{}
	q := New(config.QueueConfig{Capacity: 8, Workers: 1}, runner)
	defer q.Shutdown()
	q.now = newFakeClock().Now

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := q.Enqueue(context.Background(), validRequest(), "")
		require.NoError(t, err)
		ids = append(ids, job.ID)
		waitTerminal(t, q, job.ID)
	}
	other := validRequest()
	other.UserID = "user-2"
	_, err := q.Enqueue(context.Background(), other, "")
	require.NoError(t, err)

	jobs := q.ListUserJobs("user-1", 2)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)

	assert.Len(t, q.ListUserJobs("user-1", 0), 3)
	assert.Empty(t, q.ListUserJobs("user-3", 10))
}

func TestCancelQueuedJobShortCircuits(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{block: release}
	q := New(config.QueueConfig{Capacity: 4, Workers: 1}, runner)
	defer q.Shutdown()

	first, err := q.Enqueue(context.Background(), validRequest(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := q.GetStatus(first.ID)
		return s == JobRunning
	}, 2*time.Second, 5*time.Millisecond)

	// The worker is busy, so this one stays queued.
	second, err := q.Enqueue(context.Background(), validRequest(), "")
	require.NoError(t, err)

	assert.True(t, q.Cancel(second.ID))
	status, err := q.GetStatus(second.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, status)

	// Repeat cancels of a terminal job are a no-op.
	assert.False(t, q.Cancel(second.ID))

	close(release)
	assert.Equal(t, JobCompleted, waitTerminal(t, q, first.ID))

	// The worker never ran the cancelled job.
	assert.Equal(t, 1, runner.callCount())
}

func TestCancelRunningJobSignalsContext(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})} // released only by ctx
	q := New(config.QueueConfig{Capacity: 2, Workers: 1}, runner)
	defer q.Shutdown()

	job, err := q.Enqueue(context.Background(), validRequest(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := q.GetStatus(job.ID)
		return s == JobRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, q.Cancel(job.ID))
	assert.Equal(t, JobCancelled, waitTerminal(t, q, job.ID))

	// The cancelled pipeline still hands back a result, which is retained.
	require.Eventually(t, func() bool {
		_, err := q.GetResult(job.ID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	res, err := q.GetResult(job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, res.Status)

	stored, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, stored.Status)
	assert.False(t, stored.CompletedAt.IsZero())
}

func TestEnqueueBlocksAtCapacity(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{block: release}
	q := New(config.QueueConfig{Capacity: 1, Workers: 1}, runner)
	defer q.Shutdown()
	defer close(release)

	first, err := q.Enqueue(context.Background(), validRequest(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := q.GetStatus(first.ID)
		return s == JobRunning
	}, 2*time.Second, 5*time.Millisecond)

	// Fills the single queue slot while the worker is busy.
	_, err = q.Enqueue(context.Background(), validRequest(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.Enqueue(ctx, validRequest(), "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The blocked enqueue left no trace behind.
	assert.Len(t, q.ListUserJobs("user-1", 0), 2)
}

func TestWebhookDelivered(t *testing.T) {
	received := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received <- p
	}))
	defer srv.Close()

	runner := &fakeRunner{}
	q := New(config.QueueConfig{Capacity: 2, Workers: 1}, runner)
	defer q.Shutdown()

	job, err := q.Enqueue(context.Background(), validRequest(), srv.URL)
	require.NoError(t, err)

	select {
	case p := <-received:
		assert.Equal(t, job.ID, p.JobID)
		assert.Equal(t, "proj-1", p.ProjectID)
		assert.Equal(t, string(JobCompleted), p.Status)
		assert.True(t, p.Success)
		assert.Equal(t, 1, p.Iterations)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestWebhookFailureDoesNotFailJob(t *testing.T) {
	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	runner := &fakeRunner{}
	q := New(config.QueueConfig{Capacity: 2, Workers: 1}, runner)
	defer q.Shutdown()

	job, err := q.Enqueue(context.Background(), validRequest(), srv.URL)
	require.NoError(t, err)

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never attempted")
	}
	assert.Equal(t, JobCompleted, waitTerminal(t, q, job.ID))
}

func TestRetentionSweepsExpiredJobs(t *testing.T) {
	runner := &fakeRunner{}
	q := New(config.QueueConfig{Capacity: 4, Workers: 1}, runner)
	defer q.Shutdown()
	clock := newFakeClock()
	q.now = clock.Now

	old, err := q.Enqueue(context.Background(), validRequest(), "")
	require.NoError(t, err)
	waitTerminal(t, q, old.ID)

	clock.Advance(25 * time.Hour)

	// The next completion triggers the sweep.
	fresh, err := q.Enqueue(context.Background(), validRequest(), "")
	require.NoError(t, err)
	waitTerminal(t, q, fresh.ID)

	_, err = q.GetJob(old.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.GetResult(old.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = q.GetJob(fresh.ID)
	assert.NoError(t, err)
}

func TestShutdownStopsIntake(t *testing.T) {
	q := New(config.QueueConfig{Capacity: 2, Workers: 2}, &fakeRunner{})
	q.Shutdown()

	_, err := q.Enqueue(context.Background(), validRequest(), "")
	assert.ErrorIs(t, err, ErrQueueClosed)
}
