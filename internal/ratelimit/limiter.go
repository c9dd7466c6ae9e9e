// Package ratelimit admits pipeline requests against per-user and
// per-project quotas and accounts for cost after each run.
//
// State is in-memory: request timestamps per user, cost entries per user
// and per project, and a live execution count per project. Entries are
// pruned on access, so idle keys cost nothing beyond their map slot.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"crucible/internal/config"
	"crucible/internal/logging"
	"crucible/internal/metrics"
)

const (
	requestRetention = 24 * time.Hour
	costRetention    = 30 * 24 * time.Hour
)

// Usage summarizes one pipeline run for cost accounting.
type Usage struct {
	Iterations        int     `json:"iterations"`
	TokensUsed        int     `json:"tokens_used"`
	DurationSeconds   float64 `json:"duration_seconds"`
	SandboxExecutions int     `json:"sandbox_executions"`
}

// CheckResult is the admission decision.
type CheckResult struct {
	Allowed            bool    `json:"allowed"`
	Message            string  `json:"message,omitempty"`
	RetryAfterSeconds  int     `json:"retry_after_seconds,omitempty"`
	RemainingRequests  int     `json:"remaining_requests"`
	RemainingDailyCost float64 `json:"remaining_daily_cost"`
}

// Window aggregates usage over one reporting window.
type Window struct {
	Requests    int     `json:"requests"`
	UserCost    float64 `json:"user_cost"`
	ProjectCost float64 `json:"project_cost"`
}

// UsageStats is the windowed report for one user and project pair. Windows
// cut at UTC boundaries; request counts beyond 24 h are subject to pruning.
type UsageStats struct {
	Daily            Window `json:"daily"`
	Weekly           Window `json:"weekly"`
	Monthly          Window `json:"monthly"`
	ActiveExecutions int    `json:"active_executions"`
}

type costEntry struct {
	at   time.Time
	cost float64
}

type userState struct {
	requests []time.Time
	costs    []costEntry
}

type projectState struct {
	active int
	costs  []costEntry
}

// Limiter tracks quotas in memory, keyed by user and project.
type Limiter struct {
	cfg config.RateLimitConfig
	log *zap.Logger

	mu       sync.Mutex
	users    map[string]*userState
	projects map[string]*projectState

	now func() time.Time
}

func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:      cfg,
		log:      logging.Named("ratelimit"),
		users:    make(map[string]*userState),
		projects: make(map[string]*projectState),
		now:      time.Now,
	}
}

// Check admits or rejects a request. A denial mutates nothing beyond
// pruning; an allow appends the request timestamp and claims an execution
// slot in the same critical section.
func (l *Limiter) Check(projectID, userID string) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	user := l.user(userID)
	project := l.project(projectID)
	l.prune(user, project, now)

	minuteCount := countSince(user.requests, now.Add(-time.Minute))
	hourCount := countSince(user.requests, now.Add(-time.Hour))
	dayStart := utcDayStart(now)
	userDaily := sumCostsSince(user.costs, dayStart)
	projectDaily := sumCostsSince(project.costs, dayStart)

	res := CheckResult{
		RemainingRequests:  remaining(l.cfg.MaxRequestsPerMinute, minuteCount),
		RemainingDailyCost: clampCost(l.cfg.MaxDailyCostPerUser - userDaily),
	}

	switch {
	case minuteCount >= l.cfg.MaxRequestsPerMinute:
		res.Message = fmt.Sprintf("rate limit exceeded: %d requests per minute", l.cfg.MaxRequestsPerMinute)
		res.RetryAfterSeconds = 60
	case hourCount >= l.cfg.MaxRequestsPerHour:
		res.Message = fmt.Sprintf("rate limit exceeded: %d requests per hour", l.cfg.MaxRequestsPerHour)
		res.RetryAfterSeconds = 3600
	case l.cfg.MaxDailyCostPerUser > 0 && userDaily >= l.cfg.MaxDailyCostPerUser:
		res.Message = fmt.Sprintf("daily cost limit reached: $%.2f per user", l.cfg.MaxDailyCostPerUser)
		res.RetryAfterSeconds = secondsUntil(nextUTCDay(now), now)
	case l.cfg.MaxDailyCostPerProject > 0 && projectDaily >= l.cfg.MaxDailyCostPerProject:
		res.Message = fmt.Sprintf("daily cost limit reached: $%.2f per project", l.cfg.MaxDailyCostPerProject)
		res.RetryAfterSeconds = secondsUntil(nextUTCDay(now), now)
	case l.cfg.MaxMonthlyCostPerUser > 0 && sumCostsSince(user.costs, utcMonthStart(now)) >= l.cfg.MaxMonthlyCostPerUser:
		res.Message = fmt.Sprintf("monthly cost limit reached: $%.2f per user", l.cfg.MaxMonthlyCostPerUser)
		res.RetryAfterSeconds = secondsUntil(nextUTCMonth(now), now)
	case project.active >= l.cfg.MaxConcurrentExecutionsPerProject:
		res.Message = fmt.Sprintf("project concurrency limit reached: %d executions in flight", project.active)
		res.RetryAfterSeconds = 10
	default:
		res.Allowed = true
	}

	metrics.Get().RecordRateLimitCheck(res.Allowed)
	if !res.Allowed {
		l.log.Info("request denied",
			zap.String("project_id", projectID),
			zap.String("user_id", userID),
			zap.String("reason", res.Message),
		)
		return res
	}

	user.requests = append(user.requests, now)
	project.active++
	res.RemainingRequests = remaining(l.cfg.MaxRequestsPerMinute, minuteCount+1)
	return res
}

// Record accounts for a finished run, appends the cost to both logs and
// releases the project's execution slot. Returns the priced cost.
func (l *Limiter) Record(projectID, userID string, usage Usage) float64 {
	cost := l.Cost(usage)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	user := l.user(userID)
	project := l.project(projectID)

	entry := costEntry{at: now, cost: cost}
	user.costs = append(user.costs, entry)
	project.costs = append(project.costs, entry)
	if project.active > 0 {
		project.active--
	}
	metrics.Get().RecordedCostTotal.Add(cost)

	l.log.Info("usage recorded",
		zap.String("project_id", projectID),
		zap.String("user_id", userID),
		zap.Float64("cost", cost),
		zap.Int("iterations", usage.Iterations),
		zap.Int("tokens", usage.TokensUsed),
	)
	return cost
}

// Cost prices one run, rounded to 4 decimals so accumulations stay stable.
func (l *Limiter) Cost(usage Usage) float64 {
	cost := float64(usage.Iterations)*l.cfg.CostPerIteration +
		float64(usage.TokensUsed)*l.cfg.CostPerToken +
		usage.DurationSeconds*l.cfg.CostPerExecutionSecond +
		float64(usage.SandboxExecutions)*l.cfg.CostPerSandboxExecution
	return round4(cost)
}

// Stats reports windowed aggregates cut at UTC day, week and month starts.
func (l *Limiter) Stats(projectID, userID string) UsageStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	user := l.user(userID)
	project := l.project(projectID)
	l.prune(user, project, now)

	return UsageStats{
		Daily:            window(user, project, utcDayStart(now)),
		Weekly:           window(user, project, utcWeekStart(now)),
		Monthly:          window(user, project, utcMonthStart(now)),
		ActiveExecutions: project.active,
	}
}

// Reset drops the project's counters. User logs are unaffected.
func (l *Limiter) Reset(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.projects, projectID)
}

func (l *Limiter) user(id string) *userState {
	u, ok := l.users[id]
	if !ok {
		u = &userState{}
		l.users[id] = u
	}
	return u
}

func (l *Limiter) project(id string) *projectState {
	p, ok := l.projects[id]
	if !ok {
		p = &projectState{}
		l.projects[id] = p
	}
	return p
}

func (l *Limiter) prune(u *userState, p *projectState, now time.Time) {
	u.requests = pruneTimes(u.requests, now.Add(-requestRetention))
	u.costs = pruneCosts(u.costs, now.Add(-costRetention))
	p.costs = pruneCosts(p.costs, now.Add(-costRetention))
}

func window(u *userState, p *projectState, since time.Time) Window {
	return Window{
		Requests:    countSince(u.requests, since),
		UserCost:    round4(sumCostsSince(u.costs, since)),
		ProjectCost: round4(sumCostsSince(p.costs, since)),
	}
}

// Logs are append-only in time order, so pruning is a prefix cut.
func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func pruneCosts(cs []costEntry, cutoff time.Time) []costEntry {
	i := 0
	for i < len(cs) && cs[i].at.Before(cutoff) {
		i++
	}
	return cs[i:]
}

func countSince(ts []time.Time, since time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.Before(since) {
			n++
		}
	}
	return n
}

func sumCostsSince(cs []costEntry, since time.Time) float64 {
	var sum float64
	for _, c := range cs {
		if !c.at.Before(since) {
			sum += c.cost
		}
	}
	return sum
}

func remaining(limit, used int) int {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

func clampCost(c float64) float64 {
	if c < 0 {
		return 0
	}
	return round4(c)
}

func round4(c float64) float64 {
	return math.Round(c*10000) / 10000
}

func utcDayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func nextUTCDay(t time.Time) time.Time {
	return utcDayStart(t).Add(24 * time.Hour)
}

// utcWeekStart begins weeks on Monday.
func utcWeekStart(t time.Time) time.Time {
	day := utcDayStart(t)
	wd := int(day.Weekday())
	if wd == 0 {
		wd = 7
	}
	return day.AddDate(0, 0, -(wd - 1))
}

func utcMonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func nextUTCMonth(t time.Time) time.Time {
	return utcMonthStart(t).AddDate(0, 1, 0)
}

func secondsUntil(deadline, now time.Time) int {
	secs := int(math.Ceil(deadline.Sub(now).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}
