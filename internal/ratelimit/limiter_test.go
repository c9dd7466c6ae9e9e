package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crucible/internal/config"
)

// testLimiter pins the clock to a fixed instant so window math is exact.
// Advance time by assigning through the returned pointer.
func testLimiter(cfg config.RateLimitConfig) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckAllowTracksState(t *testing.T) {
	l, _ := testLimiter(config.Default().RateLimit)

	res := l.Check("proj-1", "user-1")
	require.True(t, res.Allowed)
	assert.Empty(t, res.Message)
	assert.Zero(t, res.RetryAfterSeconds)
	assert.Equal(t, 9, res.RemainingRequests)
	assert.InDelta(t, 10.0, res.RemainingDailyCost, 1e-9)

	stats := l.Stats("proj-1", "user-1")
	assert.Equal(t, 1, stats.Daily.Requests)
	assert.Equal(t, 1, stats.ActiveExecutions)
}

func TestCheckMinuteCapDenied(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxConcurrentExecutionsPerProject = 100
	l, _ := testLimiter(cfg)

	for i := 0; i < 10; i++ {
		res := l.Check("proj-1", "user-1")
		require.True(t, res.Allowed, "request %d should be admitted", i+1)
	}

	res := l.Check("proj-1", "user-1")
	require.False(t, res.Allowed)
	assert.Equal(t, 60, res.RetryAfterSeconds)
	assert.Contains(t, res.Message, "10 requests per minute")
	assert.Zero(t, res.RemainingRequests)

	// The denied request must not be logged against the user.
	stats := l.Stats("proj-1", "user-1")
	assert.Equal(t, 10, stats.Daily.Requests)
}

func TestCheckMinuteWindowSlides(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxConcurrentExecutionsPerProject = 100
	l, now := testLimiter(cfg)

	for i := 0; i < 10; i++ {
		require.True(t, l.Check("proj-1", "user-1").Allowed)
	}
	require.False(t, l.Check("proj-1", "user-1").Allowed)

	*now = now.Add(61 * time.Second)
	res := l.Check("proj-1", "user-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.RemainingRequests)
}

func TestCheckHourCapDenied(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxRequestsPerMinute = 1000
	cfg.MaxRequestsPerHour = 3
	cfg.MaxConcurrentExecutionsPerProject = 100
	l, now := testLimiter(cfg)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("proj-1", "user-1").Allowed)
		*now = now.Add(time.Minute)
	}

	res := l.Check("proj-1", "user-1")
	require.False(t, res.Allowed)
	assert.Equal(t, 3600, res.RetryAfterSeconds)
	assert.Contains(t, res.Message, "3 requests per hour")
}

func TestCheckUserDailyCostCapDenied(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxDailyCostPerUser = 1.0
	l, _ := testLimiter(cfg)

	// 100 iterations at $0.01 lands exactly on the cap.
	cost := l.Record("proj-1", "user-1", Usage{Iterations: 100})
	require.InDelta(t, 1.0, cost, 1e-9)

	res := l.Check("proj-1", "user-1")
	require.False(t, res.Allowed)
	assert.Contains(t, res.Message, "per user")
	assert.Equal(t, 43200, res.RetryAfterSeconds) // fixed clock sits at noon UTC
	assert.Zero(t, res.RemainingDailyCost)
}

func TestCheckProjectDailyCostCapDenied(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxDailyCostPerUser = 100.0
	cfg.MaxDailyCostPerProject = 2.0
	l, _ := testLimiter(cfg)

	l.Record("proj-1", "user-a", Usage{Iterations: 200})

	// A different user is still blocked once the project burns its budget.
	res := l.Check("proj-1", "user-b")
	require.False(t, res.Allowed)
	assert.Contains(t, res.Message, "per project")
	assert.Equal(t, 43200, res.RetryAfterSeconds)
}

func TestCheckMonthlyCostCapDenied(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxDailyCostPerUser = 100.0
	cfg.MaxDailyCostPerProject = 1000.0
	cfg.MaxMonthlyCostPerUser = 5.0
	l, _ := testLimiter(cfg)

	l.Record("proj-1", "user-1", Usage{Iterations: 500})

	res := l.Check("proj-1", "user-1")
	require.False(t, res.Allowed)
	assert.Contains(t, res.Message, "monthly cost limit")
	// Aug 25 noon to Sep 1 midnight UTC.
	assert.Equal(t, 561600, res.RetryAfterSeconds)
}

func TestCheckMonthlyCapDisabledByDefault(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxDailyCostPerUser = 1000.0
	cfg.MaxDailyCostPerProject = 1000.0
	l, _ := testLimiter(cfg)

	l.Record("proj-1", "user-1", Usage{Iterations: 900}) // $9 this month

	assert.True(t, l.Check("proj-1", "user-1").Allowed)
}

func TestCheckConcurrencyCapDenied(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxConcurrentExecutionsPerProject = 2
	l, _ := testLimiter(cfg)

	require.True(t, l.Check("proj-1", "user-1").Allowed)
	require.True(t, l.Check("proj-1", "user-1").Allowed)

	res := l.Check("proj-1", "user-1")
	require.False(t, res.Allowed)
	assert.Contains(t, res.Message, "concurrency limit")
	assert.Equal(t, 10, res.RetryAfterSeconds)

	// Finishing one run frees a slot.
	l.Record("proj-1", "user-1", Usage{Iterations: 1})
	assert.True(t, l.Check("proj-1", "user-1").Allowed)
}

func TestCheckDenialHasNoSideEffects(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxConcurrentExecutionsPerProject = 100
	l, _ := testLimiter(cfg)

	for i := 0; i < 10; i++ {
		require.True(t, l.Check("proj-1", "user-1").Allowed)
	}
	for i := 0; i < 3; i++ {
		require.False(t, l.Check("proj-1", "user-1").Allowed)
	}

	stats := l.Stats("proj-1", "user-1")
	assert.Equal(t, 10, stats.Daily.Requests)
	assert.Equal(t, 10, stats.ActiveExecutions)
}

func TestRecordCost(t *testing.T) {
	l, _ := testLimiter(config.Default().RateLimit)

	cost := l.Record("proj-1", "user-1", Usage{
		Iterations:        3,
		TokensUsed:        1200,
		DurationSeconds:   4.5,
		SandboxExecutions: 6,
	})

	// 3*0.01 + 1200*0.00001 + 4.5*0.001 + 6*0.005
	assert.InDelta(t, 0.0765, cost, 1e-9)

	stats := l.Stats("proj-1", "user-1")
	assert.InDelta(t, 0.0765, stats.Daily.UserCost, 1e-9)
	assert.InDelta(t, 0.0765, stats.Daily.ProjectCost, 1e-9)
}

func TestRecordRoundsCost(t *testing.T) {
	l, _ := testLimiter(config.Default().RateLimit)

	tests := []struct {
		name  string
		usage Usage
		want  float64
	}{
		{"below resolution", Usage{TokensUsed: 1}, 0},
		{"fifth decimal dropped", Usage{DurationSeconds: 1.23456}, 0.0012},
		{"exact", Usage{Iterations: 2}, 0.02},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, l.Cost(tt.usage), 1e-12)
		})
	}
}

func TestActiveExecutionsReturnToZero(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxConcurrentExecutionsPerProject = 100
	l, _ := testLimiter(cfg)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("proj-1", "user-1").Allowed)
	}
	for i := 0; i < 3; i++ {
		l.Record("proj-1", "user-1", Usage{Iterations: 1})
	}

	assert.Zero(t, l.Stats("proj-1", "user-1").ActiveExecutions)

	// A stray record must not drive the counter negative.
	l.Record("proj-1", "user-1", Usage{Iterations: 1})
	assert.Zero(t, l.Stats("proj-1", "user-1").ActiveExecutions)
}

func TestStatsWindows(t *testing.T) {
	l, now := testLimiter(config.Default().RateLimit)

	// Aug 25 2026 is a Tuesday, so the week starts Mon Aug 24.
	*now = time.Date(2026, time.August, 2, 12, 0, 0, 0, time.UTC)
	l.Record("proj-1", "user-1", Usage{Iterations: 100})
	*now = time.Date(2026, time.August, 24, 10, 0, 0, 0, time.UTC)
	l.Record("proj-1", "user-1", Usage{Iterations: 100})
	*now = time.Date(2026, time.August, 25, 11, 0, 0, 0, time.UTC)
	l.Record("proj-1", "user-1", Usage{Iterations: 100})

	*now = time.Date(2026, time.August, 25, 11, 30, 0, 0, time.UTC)
	require.True(t, l.Check("proj-1", "user-1").Allowed)

	*now = time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)
	stats := l.Stats("proj-1", "user-1")

	assert.InDelta(t, 1.0, stats.Daily.UserCost, 1e-9)
	assert.InDelta(t, 2.0, stats.Weekly.UserCost, 1e-9)
	assert.InDelta(t, 3.0, stats.Monthly.UserCost, 1e-9)
	assert.InDelta(t, 3.0, stats.Monthly.ProjectCost, 1e-9)
	assert.Equal(t, 1, stats.Daily.Requests)
	assert.Equal(t, 1, stats.ActiveExecutions)
}

func TestResetClearsProject(t *testing.T) {
	l, _ := testLimiter(config.Default().RateLimit)

	require.True(t, l.Check("proj-1", "user-1").Allowed)
	l.Record("proj-1", "user-1", Usage{Iterations: 100})

	l.Reset("proj-1")

	stats := l.Stats("proj-1", "user-1")
	assert.Zero(t, stats.Daily.ProjectCost)
	assert.Zero(t, stats.ActiveExecutions)
	// User-side accounting survives a project reset.
	assert.InDelta(t, 1.0, stats.Daily.UserCost, 1e-9)
}

func TestPruneExpiredRequests(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.MaxConcurrentExecutionsPerProject = 100
	l, now := testLimiter(cfg)

	require.True(t, l.Check("proj-1", "user-1").Allowed)
	require.True(t, l.Check("proj-1", "user-1").Allowed)

	*now = now.Add(25 * time.Hour)
	res := l.Check("proj-1", "user-1")
	require.True(t, res.Allowed)
	assert.Equal(t, 9, res.RemainingRequests)
	assert.Equal(t, 1, l.Stats("proj-1", "user-1").Daily.Requests)
}
