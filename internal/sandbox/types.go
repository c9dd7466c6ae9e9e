// Package sandbox executes untrusted code inside locked-down containers.
//
// Each execution materializes a throwaway workspace, runs a generated
// entrypoint in an isolated container, parses diagnostics out of the output,
// and tears everything down. Concurrency is bounded by a process-wide
// semaphore.
package sandbox

import "time"

// ExecutionPhase selects which commands the generated entrypoint runs.
type ExecutionPhase string

const (
	PhaseStaticAnalysis       ExecutionPhase = "static_analysis"
	PhaseDependencyResolution ExecutionPhase = "dependency_resolution"
	PhaseBuild                ExecutionPhase = "build"
	PhaseRun                  ExecutionPhase = "run"
	PhaseTest                 ExecutionPhase = "test"
)

// ErrorType tags a structured execution error.
type ErrorType string

const (
	ErrTimeout         ErrorType = "Timeout"
	ErrInternal        ErrorType = "Internal"
	ErrLint            ErrorType = "Lint"
	ErrSyntax          ErrorType = "SyntaxError"
	ErrCompile         ErrorType = "CompileError"
	ErrImport          ErrorType = "ImportError"
	ErrModuleNotFound  ErrorType = "ModuleNotFoundError"
	ErrRuntime         ErrorType = "Runtime"
	ErrGenerationError ErrorType = "GenerationError"
	ErrException       ErrorType = "Exception"
)

// ProjectFile is one relative-path file in a workspace.
type ProjectFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ExecutionRequest describes one sandboxed invocation.
type ExecutionRequest struct {
	ProjectID      string            `json:"project_id"`
	Language       string            `json:"language"`
	Files          []ProjectFile     `json:"files"`
	EntryPoint     string            `json:"entry_point,omitempty"`
	Phase          ExecutionPhase    `json:"phase"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	AllowNetwork   bool              `json:"allow_network"`
	Env            map[string]string `json:"env,omitempty"`
}

// ExecutionError is one structured diagnostic parsed from container output.
type ExecutionError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	File       string    `json:"file,omitempty"`
	Line       int       `json:"line,omitempty"`
	Column     int       `json:"column,omitempty"`
	Code       string    `json:"code,omitempty"`
	StackTrace string    `json:"stack_trace,omitempty"`
}

// ExecutionResult is the synchronous outcome of one sandboxed invocation.
type ExecutionResult struct {
	Success         bool             `json:"success"`
	ExitCode        int              `json:"exit_code"`
	Stdout          string           `json:"stdout"`
	Stderr          string           `json:"stderr"`
	ContainerID     string           `json:"container_id"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Language        string           `json:"language"`
	Phase           ExecutionPhase   `json:"phase"`
	Errors          []ExecutionError `json:"errors,omitempty"`
	StackTrace      string           `json:"stack_trace,omitempty"`
	RetryCount      int              `json:"retry_count"`
}

// Stats is a point-in-time snapshot of executor counters.
type Stats struct {
	Active    int64 `json:"active"`
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

// Config controls the executor.
type Config struct {
	WorkspacePath           string
	MaxConcurrentExecutions int
	MemoryLimitMB           int
	CPULimit                float64
	PidsLimit               int
	DefaultTimeoutSeconds   int

	// Images overrides the per-language base image references.
	Images map[string]string
}

// DefaultConfig returns production-biased executor settings.
func DefaultConfig() Config {
	return Config{
		WorkspacePath:           defaultWorkspaceRoot(),
		MaxConcurrentExecutions: 5,
		MemoryLimitMB:           512,
		CPULimit:                1.0,
		PidsLimit:               128,
		DefaultTimeoutSeconds:   60,
		Images:                  map[string]string{},
	}
}

// effectiveTimeout resolves the request timeout against the per-language
// default already folded into spec.
func effectiveTimeout(req ExecutionRequest, spec languageSpec) time.Duration {
	secs := req.TimeoutSeconds
	if secs <= 0 {
		secs = spec.TimeoutSec
	}
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}
