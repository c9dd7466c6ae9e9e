// Package config loads and validates runtime configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then CRUCIBLE_* environment variables. Secrets never live here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SandboxConfig controls container execution limits and placement.
type SandboxConfig struct {
	WorkspacePath           string            `yaml:"workspace_path" validate:"required"`
	MaxConcurrentExecutions int               `yaml:"max_concurrent_executions" validate:"min=1"`
	MemoryLimitMB           int               `yaml:"memory_limit_mb" validate:"min=16"`
	CPULimit                float64           `yaml:"cpu_limit" validate:"gt=0"`
	PidsLimit               int               `yaml:"pids_limit" validate:"min=8"`
	DefaultTimeoutSeconds   int               `yaml:"default_timeout_seconds" validate:"min=1"`
	Images                  map[string]string `yaml:"images"`
}

// RateLimitConfig controls admission caps and unit costs.
type RateLimitConfig struct {
	MaxRequestsPerMinute              int     `yaml:"max_requests_per_minute" validate:"min=1"`
	MaxRequestsPerHour                int     `yaml:"max_requests_per_hour" validate:"min=1"`
	MaxConcurrentExecutionsPerProject int     `yaml:"max_concurrent_executions_per_project" validate:"min=1"`
	MaxDailyCostPerUser               float64 `yaml:"max_daily_cost_per_user" validate:"gte=0"`
	MaxDailyCostPerProject            float64 `yaml:"max_daily_cost_per_project" validate:"gte=0"`
	MaxMonthlyCostPerUser             float64 `yaml:"max_monthly_cost_per_user" validate:"gte=0"`
	CostPerToken                      float64 `yaml:"cost_per_token" validate:"gte=0"`
	CostPerIteration                  float64 `yaml:"cost_per_iteration" validate:"gte=0"`
	CostPerSandboxExecution           float64 `yaml:"cost_per_sandbox_execution" validate:"gte=0"`
	CostPerExecutionSecond            float64 `yaml:"cost_per_execution_second" validate:"gte=0"`
}

// VerificationConfig controls the quality gate thresholds.
type VerificationConfig struct {
	MinQualityScore  float64 `yaml:"min_quality_score" validate:"gte=0,lte=100"`
	MinTestPassRate  float64 `yaml:"min_test_pass_rate" validate:"gte=0,lte=100"`
	RequireTests     bool    `yaml:"require_tests"`
	MaxBuildWarnings int     `yaml:"max_build_warnings" validate:"gte=0"`
}

// PipelineConfig bounds the self-correction loop.
type PipelineConfig struct {
	MaxTotalIterations        int `yaml:"max_total_iterations" validate:"min=1"`
	MaxSelfCorrectionAttempts int `yaml:"max_self_correction_attempts" validate:"min=1"`
}

// QueueConfig sizes the job queue and worker pool.
type QueueConfig struct {
	Capacity int `yaml:"capacity" validate:"min=1"`
	Workers  int `yaml:"workers" validate:"min=1"`
}

// Config is the root configuration document.
type Config struct {
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Verification VerificationConfig `yaml:"verification"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Queue        QueueConfig        `yaml:"queue"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			WorkspacePath:           defaultWorkspacePath(),
			MaxConcurrentExecutions: 5,
			MemoryLimitMB:           512,
			CPULimit:                1.0,
			PidsLimit:               128,
			DefaultTimeoutSeconds:   60,
			Images:                  map[string]string{},
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerMinute:              10,
			MaxRequestsPerHour:                100,
			MaxConcurrentExecutionsPerProject: 5,
			MaxDailyCostPerUser:               10.0,
			MaxDailyCostPerProject:            50.0,
			MaxMonthlyCostPerUser:             0, // disabled unless set
			CostPerToken:                      0.00001,
			CostPerIteration:                  0.01,
			CostPerSandboxExecution:           0.005,
			CostPerExecutionSecond:            0.001,
		},
		Verification: VerificationConfig{
			MinQualityScore:  70,
			MinTestPassRate:  80,
			RequireTests:     false,
			MaxBuildWarnings: 10,
		},
		Pipeline: PipelineConfig{
			MaxTotalIterations:        10,
			MaxSelfCorrectionAttempts: 5,
		},
		Queue: QueueConfig{
			Capacity: 100,
			Workers:  3,
		},
	}
}

// Load builds the effective configuration. path may be empty; a missing file
// at a non-empty path is an error, env overrides always apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	if c.Pipeline.MaxSelfCorrectionAttempts > c.Pipeline.MaxTotalIterations {
		return fmt.Errorf("config: max_self_correction_attempts (%d) exceeds max_total_iterations (%d)",
			c.Pipeline.MaxSelfCorrectionAttempts, c.Pipeline.MaxTotalIterations)
	}
	return nil
}

// applyEnv overlays CRUCIBLE_* environment variables.
func (c *Config) applyEnv() {
	c.Sandbox.WorkspacePath = getEnv("CRUCIBLE_WORKSPACE_PATH", c.Sandbox.WorkspacePath)
	c.Sandbox.MaxConcurrentExecutions = getEnvInt("CRUCIBLE_MAX_CONCURRENT_EXECUTIONS", c.Sandbox.MaxConcurrentExecutions)
	c.Sandbox.MemoryLimitMB = getEnvInt("CRUCIBLE_MEMORY_LIMIT_MB", c.Sandbox.MemoryLimitMB)
	c.Sandbox.CPULimit = getEnvFloat("CRUCIBLE_CPU_LIMIT", c.Sandbox.CPULimit)
	c.Sandbox.PidsLimit = getEnvInt("CRUCIBLE_PIDS_LIMIT", c.Sandbox.PidsLimit)
	c.Sandbox.DefaultTimeoutSeconds = getEnvInt("CRUCIBLE_DEFAULT_TIMEOUT_SECONDS", c.Sandbox.DefaultTimeoutSeconds)

	c.RateLimit.MaxRequestsPerMinute = getEnvInt("CRUCIBLE_MAX_REQUESTS_PER_MINUTE", c.RateLimit.MaxRequestsPerMinute)
	c.RateLimit.MaxRequestsPerHour = getEnvInt("CRUCIBLE_MAX_REQUESTS_PER_HOUR", c.RateLimit.MaxRequestsPerHour)
	c.RateLimit.MaxConcurrentExecutionsPerProject = getEnvInt("CRUCIBLE_MAX_CONCURRENT_PER_PROJECT", c.RateLimit.MaxConcurrentExecutionsPerProject)
	c.RateLimit.MaxDailyCostPerUser = getEnvFloat("CRUCIBLE_MAX_DAILY_COST_PER_USER", c.RateLimit.MaxDailyCostPerUser)
	c.RateLimit.MaxDailyCostPerProject = getEnvFloat("CRUCIBLE_MAX_DAILY_COST_PER_PROJECT", c.RateLimit.MaxDailyCostPerProject)
	c.RateLimit.MaxMonthlyCostPerUser = getEnvFloat("CRUCIBLE_MAX_MONTHLY_COST_PER_USER", c.RateLimit.MaxMonthlyCostPerUser)

	c.Verification.MinQualityScore = getEnvFloat("CRUCIBLE_MIN_QUALITY_SCORE", c.Verification.MinQualityScore)
	c.Verification.MinTestPassRate = getEnvFloat("CRUCIBLE_MIN_TEST_PASS_RATE", c.Verification.MinTestPassRate)
	c.Verification.RequireTests = getEnvBool("CRUCIBLE_REQUIRE_TESTS", c.Verification.RequireTests)
	c.Verification.MaxBuildWarnings = getEnvInt("CRUCIBLE_MAX_BUILD_WARNINGS", c.Verification.MaxBuildWarnings)

	c.Pipeline.MaxTotalIterations = getEnvInt("CRUCIBLE_MAX_TOTAL_ITERATIONS", c.Pipeline.MaxTotalIterations)
	c.Pipeline.MaxSelfCorrectionAttempts = getEnvInt("CRUCIBLE_MAX_SELF_CORRECTION_ATTEMPTS", c.Pipeline.MaxSelfCorrectionAttempts)

	c.Queue.Capacity = getEnvInt("CRUCIBLE_QUEUE_CAPACITY", c.Queue.Capacity)
	c.Queue.Workers = getEnvInt("CRUCIBLE_QUEUE_WORKERS", c.Queue.Workers)
}

func defaultWorkspacePath() string {
	if v := strings.TrimSpace(os.Getenv("CRUCIBLE_WORKSPACE_PATH")); v != "" {
		return v
	}
	return os.TempDir() + string(os.PathSeparator) + "crucible-workspaces"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
