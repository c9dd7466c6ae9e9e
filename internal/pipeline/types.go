package pipeline

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"crucible/internal/analysis"
	"crucible/internal/sandbox"
	"crucible/internal/verify"
)

// Status is the terminal (or transient) state of a pipeline run.
type Status string

const (
	StatusPending              Status = "Pending"
	StatusRunning              Status = "Running"
	StatusSuccess              Status = "Success"
	StatusGenerationFailed     Status = "GenerationFailed"
	StatusStaticAnalysisFailed Status = "StaticAnalysisFailed"
	StatusBuildFailed          Status = "BuildFailed"
	StatusTestsFailed          Status = "TestsFailed"
	StatusRuntimeFailed        Status = "RuntimeFailed"
	StatusVerificationFailed   Status = "VerificationFailed"
	StatusRateLimited          Status = "RateLimited"
	StatusCancelled            Status = "Cancelled"
	StatusInternalError        Status = "InternalError"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusRunning
}

// Phase names one step of an iteration.
type Phase string

const (
	PhaseGeneration     Phase = "Generation"
	PhaseStaticAnalysis Phase = "StaticAnalysis"
	PhaseBuild          Phase = "Build"
	PhaseTestGeneration Phase = "TestGeneration"
	PhaseTestExecution  Phase = "TestExecution"
	PhaseExecution      Phase = "Execution"
	PhaseVerification   Phase = "Verification"
)

// Request describes one pipeline run. Immutable once submitted.
type Request struct {
	ProjectID     string                `json:"project_id" validate:"required"`
	UserID        string                `json:"user_id" validate:"required"`
	Language      string                `json:"language" validate:"required"`
	Prompt        string                `json:"prompt"`
	Files         []sandbox.ProjectFile `json:"files,omitempty"`
	EntryPoint    string                `json:"entry_point,omitempty"`
	RunAfterBuild bool                  `json:"run_after_build"`
	Context       map[string]string     `json:"context,omitempty"`
	MaxIterations int                   `json:"max_iterations,omitempty" validate:"omitempty,min=1"`
}

var requestValidator = validator.New()

// Validate rejects requests the pipeline cannot run.
func (r *Request) Validate() error {
	if err := requestValidator.Struct(r); err != nil {
		return fmt.Errorf("pipeline: invalid request: %w", err)
	}
	if !sandbox.SupportedLanguage(r.Language) {
		return fmt.Errorf("pipeline: unsupported language %q", r.Language)
	}
	if r.Prompt == "" && len(r.Files) == 0 {
		return fmt.Errorf("pipeline: request needs a prompt or files")
	}
	return nil
}

// PhaseResult records the outcome of one phase execution.
type PhaseResult struct {
	Phase       Phase                          `json:"phase"`
	Success     bool                           `json:"success"`
	DurationMs  int64                          `json:"duration_ms"`
	Output      string                         `json:"output,omitempty"`
	ExitCode    int                            `json:"exit_code,omitempty"`
	Errors      []sandbox.ExecutionError       `json:"errors,omitempty"`
	OutputFiles []sandbox.ProjectFile          `json:"output_files,omitempty"`
	TokensUsed  int                            `json:"tokens_used,omitempty"`
	Analysis    *analysis.StaticAnalysisResult `json:"analysis,omitempty"`
	TestResults *verify.TestResults            `json:"test_results,omitempty"`
}

// PipelineError is one entry of the cumulative error history that drives
// self-correction. Rendered into the regeneration prompt as
// "[type] file:line: message".
type PipelineError struct {
	Phase   Phase  `json:"phase"`
	Type    string `json:"type"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e PipelineError) String() string {
	loc := e.File
	if e.File != "" && e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if loc == "" {
		return fmt.Sprintf("[%s] %s", e.Type, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, loc, e.Message)
}

// Result is the full record of one pipeline run.
type Result struct {
	ProjectID    string                     `json:"project_id"`
	RequestID    string                     `json:"request_id"`
	Status       Status                     `json:"status"`
	StartedAt    time.Time                  `json:"started_at"`
	CompletedAt  time.Time                  `json:"completed_at,omitempty"`
	DurationMs   int64                      `json:"duration_ms"`
	Iterations   int                        `json:"iterations"`
	Phases       []PhaseResult              `json:"phases"`
	OutputFiles  []sandbox.ProjectFile      `json:"output_files,omitempty"`
	Verification *verify.VerificationResult `json:"verification,omitempty"`
	ErrorMessage string                     `json:"error_message,omitempty"`
	TotalCost    float64                    `json:"total_cost"`
}

// TokensUsed sums generation tokens across all phases.
func (r *Result) TokensUsed() int {
	total := 0
	for _, p := range r.Phases {
		total += p.TokensUsed
	}
	return total
}

// SandboxExecutions counts the phases that ran inside a container.
func (r *Result) SandboxExecutions() int {
	n := 0
	for _, p := range r.Phases {
		switch p.Phase {
		case PhaseStaticAnalysis, PhaseBuild, PhaseTestExecution, PhaseExecution:
			n++
		}
	}
	return n
}

func toPipelineErrors(phase Phase, errs []sandbox.ExecutionError) []PipelineError {
	out := make([]PipelineError, 0, len(errs))
	for _, e := range errs {
		out = append(out, PipelineError{
			Phase:   phase,
			Type:    string(e.Type),
			Message: e.Message,
			File:    e.File,
			Line:    e.Line,
			Stack:   e.StackTrace,
		})
	}
	return out
}

func cloneFiles(files []sandbox.ProjectFile) []sandbox.ProjectFile {
	out := make([]sandbox.ProjectFile, len(files))
	copy(out, files)
	return out
}

// upsertFile replaces the file at the same path or appends it.
func upsertFile(files []sandbox.ProjectFile, f sandbox.ProjectFile) []sandbox.ProjectFile {
	for i := range files {
		if files[i].Path == f.Path {
			files[i] = f
			return files
		}
	}
	return append(files, f)
}
