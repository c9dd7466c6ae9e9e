package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// nonRetryableMarkers name failure classes where rerunning identical source
// cannot change the outcome.
var nonRetryableMarkers = []string{
	"SyntaxError",
	"ImportError",
	"ModuleNotFoundError",
	"CompileError",
}

// ExecuteWithRetry runs Execute up to maxAttempts times, backing off
// exponentially between attempts (1s, 2s, 4s, ...). A failure carrying a
// non-retryable error class returns after the first attempt. RetryCount on
// the returned result counts the retries performed, not the attempts.
func (e *Executor) ExecuteWithRetry(ctx context.Context, req ExecutionRequest, maxAttempts int) (*ExecutionResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	bo := newRetryBackOff()
	var (
		res     *ExecutionResult
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, lastErr = e.Execute(ctx, req)
		if res != nil {
			res.RetryCount = attempt - 1
		}
		if lastErr == nil && res != nil && res.Success {
			return res, nil
		}
		if lastErr == nil && !isRetryable(res) {
			return res, nil
		}
		if attempt == maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		e.met.ExecutionRetries.Inc()
		e.log.Info("retrying execution",
			zap.String("project_id", req.ProjectID),
			zap.String("phase", string(req.Phase)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sandbox: retry wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return res, lastErr
}

// isRetryable inspects both the error type and the message text, since
// interpreter output often carries the class name only in the message.
func isRetryable(res *ExecutionResult) bool {
	if res == nil {
		return true
	}
	for _, execErr := range res.Errors {
		for _, marker := range nonRetryableMarkers {
			if string(execErr.Type) == marker || strings.Contains(execErr.Message, marker) {
				return false
			}
		}
	}
	return true
}

// newRetryBackOff yields 1s, 2s, 4s, ... without jitter.
func newRetryBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.Reset()
	return bo
}
