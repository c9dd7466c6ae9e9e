// Package pipeline drives the closed loop: generate code, analyze it, build
// it, generate and run tests, optionally execute it, then verify. Accumulated
// errors feed back into the next generation until the gate passes or the
// iteration budget runs out.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crucible/internal/analysis"
	"crucible/internal/config"
	"crucible/internal/logging"
	"crucible/internal/metrics"
	"crucible/internal/ratelimit"
	"crucible/internal/sandbox"
	"crucible/internal/testgen"
	"crucible/internal/verify"
)

const (
	// errorHistoryTail bounds how many accumulated errors feed the
	// regeneration prompt.
	errorHistoryTail = 10
	// stackTraceLimit bounds how much of a stack trace the prompt carries.
	stackTraceLimit = 500
	// sandboxAttempts is the retry budget for build, test and run phases.
	sandboxAttempts = 3
)

// Narrow views of the collaborators so tests can fake each one in isolation.

type Sandboxed interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	ExecuteWithRetry(ctx context.Context, req sandbox.ExecutionRequest, maxAttempts int) (*sandbox.ExecutionResult, error)
}

type Analyzed interface {
	Analyze(ctx context.Context, projectID, language string, files []sandbox.ProjectFile) (*analysis.StaticAnalysisResult, error)
}

type TestsGenerated interface {
	Generate(language string, files []sandbox.ProjectFile) (*testgen.Result, error)
}

type Verified interface {
	Verify(projectID string, in verify.Input) *verify.VerificationResult
}

type RateLimited interface {
	Check(projectID, userID string) ratelimit.CheckResult
	Record(projectID, userID string, usage ratelimit.Usage) float64
}

// Deps are the collaborators an AgentPipeline composes.
type Deps struct {
	Generator Generator
	Sandbox   Sandboxed
	Analyzer  Analyzed
	TestGen   TestsGenerated
	Verifier  Verified
	Limiter   RateLimited
}

// AgentPipeline is the loop driver. Safe for concurrent use; each Execute
// call keeps all run state on its own stack.
type AgentPipeline struct {
	cfg  config.PipelineConfig
	deps Deps
	log  *zap.Logger
}

func New(cfg config.PipelineConfig, deps Deps) *AgentPipeline {
	return &AgentPipeline{
		cfg:  cfg,
		deps: deps,
		log:  logging.Named("pipeline"),
	}
}

// Execute runs one request to a terminal status. The returned error is
// non-nil only for requests that fail validation; every runtime outcome,
// including cancellation and panics in the driver, is encoded in the result.
func (p *AgentPipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		ProjectID: req.ProjectID,
		RequestID: uuid.NewString(),
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	check := p.deps.Limiter.Check(req.ProjectID, req.UserID)
	if !check.Allowed {
		p.finalize(res, StatusRateLimited, check.Message)
		return res, nil
	}

	// The limiter claimed an execution slot above; settle the account on
	// every exit from here on, including a panic.
	defer p.settle(req, res)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline driver panicked",
				zap.String("project_id", req.ProjectID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			p.finalize(res, StatusInternalError, fmt.Sprintf("internal error: %v", r))
		}
	}()

	p.run(ctx, req, res)
	return res, nil
}

// run executes the iteration loop and finalizes res exactly once.
func (p *AgentPipeline) run(ctx context.Context, req Request, res *Result) {
	maxIterations := p.cfg.MaxTotalIterations
	if req.MaxIterations > 0 && req.MaxIterations < maxIterations {
		maxIterations = req.MaxIterations
	}

	files := cloneFiles(req.Files)
	var history []PipelineError
	var lastAnalysis *analysis.StaticAnalysisResult
	lastFailure := StatusVerificationFailed

	for k := 1; k <= maxIterations; k++ {
		res.Iterations = k
		if cancelled(ctx) {
			p.finalize(res, StatusCancelled, "pipeline cancelled")
			return
		}
		p.log.Info("iteration starting",
			zap.String("project_id", req.ProjectID),
			zap.Int("iteration", k),
			zap.Int("accumulated_errors", len(history)),
		)

		// Generation runs on the first iteration when the caller supplied
		// no files, and on every iteration that follows an error.
		if (k == 1 && len(files) == 0) || len(history) > 0 {
			phase, generated := p.runGeneration(ctx, req, history, files)
			res.Phases = append(res.Phases, phase)
			if cancelled(ctx) {
				p.finalize(res, StatusCancelled, "pipeline cancelled")
				return
			}
			if !phase.Success {
				p.finalize(res, StatusGenerationFailed, phaseFailureMessage(phase, "code generation failed"))
				return
			}
			if len(generated) > 0 {
				files = generated
			}
		}

		// Static analysis.
		phase, analyzed := p.runStaticAnalysis(ctx, req, files)
		res.Phases = append(res.Phases, phase)
		lastAnalysis = analyzed
		if cancelled(ctx) {
			p.finalize(res, StatusCancelled, "pipeline cancelled")
			return
		}
		if !phase.Success {
			history = append(history, phaseErrors(phase)...)
			lastFailure = StatusStaticAnalysisFailed
			if len(history) >= p.cfg.MaxSelfCorrectionAttempts {
				p.finalize(res, StatusStaticAnalysisFailed, correctionExhausted("static analysis", history))
				return
			}
			continue
		}

		// Build.
		phase = p.runSandboxPhase(ctx, req, files, PhaseBuild, sandbox.PhaseBuild)
		res.Phases = append(res.Phases, phase)
		buildOutput := phase.Output
		if cancelled(ctx) {
			p.finalize(res, StatusCancelled, "pipeline cancelled")
			return
		}
		if !phase.Success {
			history = append(history, phaseErrors(phase)...)
			lastFailure = StatusBuildFailed
			if len(history) >= p.cfg.MaxSelfCorrectionAttempts {
				p.finalize(res, StatusBuildFailed, correctionExhausted("build", history))
				return
			}
			continue
		}

		// Test generation. Failures are logged and skipped, never fed back.
		phase, testFile := p.runTestGeneration(req, files)
		res.Phases = append(res.Phases, phase)
		testsGenerated := phase.Success
		if testsGenerated {
			files = upsertFile(files, testFile)
		}

		// Test execution.
		var testResults *verify.TestResults
		var testErrors []sandbox.ExecutionError
		testsRan := false
		if testsGenerated || hasTestFile(files) {
			phase = p.runSandboxPhase(ctx, req, files, PhaseTestExecution, sandbox.PhaseTest)
			res.Phases = append(res.Phases, phase)
			testsRan = true
			testResults = phase.TestResults
			testErrors = phase.Errors
			if cancelled(ctx) {
				p.finalize(res, StatusCancelled, "pipeline cancelled")
				return
			}
			if !phase.Success {
				history = append(history, phaseErrors(phase)...)
				lastFailure = StatusTestsFailed
				if len(history) >= p.cfg.MaxSelfCorrectionAttempts {
					p.finalize(res, StatusTestsFailed, correctionExhausted("tests", history))
					return
				}
				continue
			}
		}

		// Optional run of the built program.
		if req.RunAfterBuild {
			phase = p.runSandboxPhase(ctx, req, files, PhaseExecution, sandbox.PhaseRun)
			res.Phases = append(res.Phases, phase)
			if cancelled(ctx) {
				p.finalize(res, StatusCancelled, "pipeline cancelled")
				return
			}
			if !phase.Success {
				history = append(history, phaseErrors(phase)...)
				lastFailure = StatusRuntimeFailed
				if len(history) >= p.cfg.MaxSelfCorrectionAttempts {
					p.finalize(res, StatusRuntimeFailed, correctionExhausted("execution", history))
					return
				}
				continue
			}
		}

		// Verification gate.
		phase, verification := p.runVerification(req, verify.Input{
			Files:       files,
			Analysis:    lastAnalysis,
			Tests:       testResults,
			TestErrors:  testErrors,
			TestsRan:    testsRan,
			BuildRan:    true,
			BuildOutput: buildOutput,
		})
		res.Phases = append(res.Phases, phase)
		res.Verification = verification
		if verification.Passed {
			res.OutputFiles = files
			p.finalize(res, StatusSuccess, "")
			return
		}
		history = append(history, issueErrors(verification.Issues)...)
		if k == maxIterations {
			p.finalize(res, StatusVerificationFailed,
				fmt.Sprintf("verification failed with score %.1f after %d iterations", verification.OverallScore, k))
			return
		}
	}

	// Only reachable when the last iteration ended in a recoverable phase
	// failure, so history is non-empty and lastFailure names the phase.
	p.finalize(res, lastFailure,
		fmt.Sprintf("iteration budget of %d exhausted: %s", maxIterations, history[len(history)-1].Message))
}

func (p *AgentPipeline) finalize(res *Result, status Status, msg string) {
	res.Status = status
	res.ErrorMessage = msg
	res.CompletedAt = time.Now()
	res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	metrics.Get().RecordPipelineResult(string(status), res.Iterations)
	p.log.Info("pipeline finished",
		zap.String("project_id", res.ProjectID),
		zap.String("request_id", res.RequestID),
		zap.String("status", string(status)),
		zap.Int("iterations", res.Iterations),
		zap.Int64("duration_ms", res.DurationMs),
	)
}

// settle bills the run against the execution slot claimed at admission.
func (p *AgentPipeline) settle(req Request, res *Result) {
	usage := ratelimit.Usage{
		Iterations:        res.Iterations,
		TokensUsed:        res.TokensUsed(),
		DurationSeconds:   float64(res.DurationMs) / 1000.0,
		SandboxExecutions: res.SandboxExecutions(),
	}
	res.TotalCost = p.deps.Limiter.Record(req.ProjectID, req.UserID, usage)
}

// buildPrompt renders the original prompt plus a bounded tail of the error
// history for the next generation attempt.
func buildPrompt(original string, history []PipelineError) string {
	if len(history) == 0 {
		return original
	}
	tail := history
	if len(tail) > errorHistoryTail {
		tail = tail[len(tail)-errorHistoryTail:]
	}
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nThe previous attempt produced these errors; fix all of them:\n")
	for _, e := range tail {
		b.WriteString(e.String())
		b.WriteByte('\n')
		if e.Stack != "" {
			b.WriteString(truncate(e.Stack, stackTraceLimit))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func phaseErrors(phase PhaseResult) []PipelineError {
	if len(phase.Errors) > 0 {
		return toPipelineErrors(phase.Phase, phase.Errors)
	}
	// A failing phase always contributes at least one history entry.
	return []PipelineError{{
		Phase:   phase.Phase,
		Type:    string(sandbox.ErrInternal),
		Message: fmt.Sprintf("%s failed with exit code %d", phase.Phase, phase.ExitCode),
	}}
}

func issueErrors(issues []verify.Issue) []PipelineError {
	out := make([]PipelineError, 0, len(issues))
	for _, issue := range issues {
		out = append(out, PipelineError{
			Phase:   PhaseVerification,
			Type:    string(issue.Category),
			Message: issue.Message,
			File:    issue.File,
			Line:    issue.Line,
		})
	}
	return out
}

func phaseFailureMessage(phase PhaseResult, fallback string) string {
	if len(phase.Errors) > 0 {
		return phase.Errors[0].Message
	}
	return fallback
}

func correctionExhausted(what string, history []PipelineError) string {
	last := history[len(history)-1]
	return fmt.Sprintf("%s failed after %d self-correction attempts: %s", what, len(history), last.Message)
}

func hasTestFile(files []sandbox.ProjectFile) bool {
	for _, f := range files {
		lower := strings.ToLower(f.Path)
		if strings.HasPrefix(lower, "test_") || strings.Contains(lower, "_test.") ||
			strings.Contains(lower, ".test.") || strings.Contains(lower, "generatedtest") {
			return true
		}
	}
	return false
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
