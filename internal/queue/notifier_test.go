package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierDeliverPostsPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewNotifier()
	ok := n.Deliver(context.Background(), srv.URL, Payload{
		JobID:      "job-1",
		ProjectID:  "proj-1",
		Status:     "Completed",
		Success:    true,
		Iterations: 3,
		DurationMs: 1200,
	})

	require.True(t, ok)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "Completed", got.Status)
	assert.Equal(t, 3, got.Iterations)
}

func TestNotifierRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier()
	assert.False(t, n.Deliver(context.Background(), srv.URL, Payload{JobID: "job-1"}))
}

func TestNotifierBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier()
	for i := 0; i < 3; i++ {
		assert.False(t, n.Deliver(context.Background(), srv.URL, Payload{JobID: "job-1"}))
	}
	require.EqualValues(t, 3, hits.Load())

	// The breaker is open now; the next attempt never reaches the server.
	assert.False(t, n.Deliver(context.Background(), srv.URL, Payload{JobID: "job-1"}))
	assert.EqualValues(t, 3, hits.Load())
}

func TestNotifierThrottlesPerHost(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := NewNotifier()
	for i := 0; i < webhookBurst; i++ {
		assert.True(t, n.Deliver(context.Background(), srv.URL, Payload{JobID: "job-1"}))
	}

	// Burst spent; the next delivery is dropped before any request is made.
	assert.False(t, n.Deliver(context.Background(), srv.URL, Payload{JobID: "job-1"}))
	assert.EqualValues(t, webhookBurst, hits.Load())
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com:8080", hostOf("http://example.com:8080/hooks/1"))
	assert.Equal(t, "example.com", hostOf("https://example.com/a"))
	assert.Equal(t, "not a url", hostOf("not a url"))
}
