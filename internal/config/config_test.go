package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.Queue.Capacity)
	assert.Equal(t, 3, cfg.Queue.Workers)
	assert.Equal(t, 5, cfg.Sandbox.MaxConcurrentExecutions)
	assert.Equal(t, 10, cfg.Pipeline.MaxTotalIterations)
	assert.Equal(t, 5, cfg.Pipeline.MaxSelfCorrectionAttempts)
	assert.Equal(t, 10, cfg.RateLimit.MaxRequestsPerMinute)
	assert.Equal(t, float64(70), cfg.Verification.MinQualityScore)
	assert.NotEmpty(t, cfg.Sandbox.WorkspacePath)

	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crucible.yaml")
	content := `
queue:
  capacity: 42
  workers: 7
sandbox:
  max_concurrent_executions: 2
rate_limit:
  max_requests_per_minute: 99
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Queue.Capacity)
	assert.Equal(t, 7, cfg.Queue.Workers)
	assert.Equal(t, 2, cfg.Sandbox.MaxConcurrentExecutions)
	assert.Equal(t, 99, cfg.RateLimit.MaxRequestsPerMinute)
	// Untouched fields keep defaults.
	assert.Equal(t, 10, cfg.Pipeline.MaxTotalIterations)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRUCIBLE_QUEUE_WORKERS", "9")
	t.Setenv("CRUCIBLE_MAX_REQUESTS_PER_MINUTE", "5")
	t.Setenv("CRUCIBLE_REQUIRE_TESTS", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Queue.Workers)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequestsPerMinute)
	assert.True(t, cfg.Verification.RequireTests)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "zero workers",
			mutate: func(c *Config) { c.Queue.Workers = 0 },
		},
		{
			name:   "zero queue capacity",
			mutate: func(c *Config) { c.Queue.Capacity = 0 },
		},
		{
			name:   "zero iterations",
			mutate: func(c *Config) { c.Pipeline.MaxTotalIterations = 0 },
		},
		{
			name:   "negative cpu",
			mutate: func(c *Config) { c.Sandbox.CPULimit = -1 },
		},
		{
			name:   "quality score above 100",
			mutate: func(c *Config) { c.Verification.MinQualityScore = 101 },
		},
		{
			name: "correction budget above iteration budget",
			mutate: func(c *Config) {
				c.Pipeline.MaxTotalIterations = 3
				c.Pipeline.MaxSelfCorrectionAttempts = 4
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
