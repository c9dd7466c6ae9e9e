package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"crucible/internal/logging"
	"crucible/internal/metrics"
)

const (
	webhookTimeout     = 10 * time.Second
	webhookRate        = 2
	webhookBurst       = 4
	breakerCooldown    = 30 * time.Second
	breakerFailureTrip = 3
)

// Payload is the JSON body POSTed to a job's webhook URL.
type Payload struct {
	JobID      string `json:"job_id"`
	ProjectID  string `json:"project_id"`
	Status     string `json:"status"`
	Success    bool   `json:"success"`
	Iterations int    `json:"iterations"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Notifier delivers completion webhooks. Delivery is best effort: each
// destination host gets its own circuit breaker and rate budget, and a
// failed delivery is a log line, never an error for the job.
type Notifier struct {
	client *http.Client
	log    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limits   map[string]*rate.Limiter
}

func NewNotifier() *Notifier {
	return &Notifier{
		client:   &http.Client{Timeout: webhookTimeout},
		log:      logging.Named("webhook"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limits:   make(map[string]*rate.Limiter),
	}
}

// Deliver POSTs the payload to url and reports whether it was accepted.
func (n *Notifier) Deliver(ctx context.Context, rawURL string, payload Payload) bool {
	host := hostOf(rawURL)
	if !n.limiterFor(host).Allow() {
		metrics.Get().RecordWebhookDelivery(false)
		n.log.Warn("webhook delivery throttled",
			zap.String("url", rawURL),
			zap.String("job_id", payload.JobID),
		)
		return false
	}

	_, err := n.breakerFor(host).Execute(func() (interface{}, error) {
		return nil, n.post(ctx, rawURL, payload)
	})
	metrics.Get().RecordWebhookDelivery(err == nil)
	if err != nil {
		n.log.Warn("webhook delivery failed",
			zap.String("url", rawURL),
			zap.String("job_id", payload.JobID),
			zap.Error(err),
		)
		return false
	}

	n.log.Info("webhook delivered",
		zap.String("url", rawURL),
		zap.String("job_id", payload.JobID),
	)
	return true
}

func (n *Notifier) post(ctx context.Context, rawURL string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("queue: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) breakerFor(host string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	cb, ok := n.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailureTrip
			},
		})
		n.breakers[host] = cb
	}
	return cb
}

func (n *Notifier) limiterFor(host string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	lim, ok := n.limits[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(webhookRate), webhookBurst)
		n.limits[host] = lim
	}
	return lim
}

// hostOf keys breakers and limiters by destination host; unparseable URLs
// fall back to the raw string so they still get isolated budgets.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
