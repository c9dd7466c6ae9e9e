package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crucible/internal/analysis"
	"crucible/internal/metrics"
	"crucible/internal/sandbox"
	"crucible/internal/verify"
)

func (p *AgentPipeline) runGeneration(ctx context.Context, req Request, history []PipelineError, files []sandbox.ProjectFile) (PhaseResult, []sandbox.ProjectFile) {
	start := time.Now()
	phase := PhaseResult{Phase: PhaseGeneration}

	gres, err := p.deps.Generator.Generate(ctx, GenerationRequest{
		ProjectID:     req.ProjectID,
		Language:      req.Language,
		Prompt:        buildPrompt(req.Prompt, history),
		ExistingFiles: files,
		Context:       req.Context,
	})
	switch {
	case err != nil:
		phase.Errors = []sandbox.ExecutionError{{
			Type:    sandbox.ErrGenerationError,
			Message: err.Error(),
		}}
	case gres == nil:
		phase.Errors = []sandbox.ExecutionError{{
			Type:    sandbox.ErrGenerationError,
			Message: "generator returned no result",
		}}
	case !gres.Success:
		msg := gres.Error
		if msg == "" {
			msg = "generator reported failure without detail"
		}
		phase.Errors = []sandbox.ExecutionError{{
			Type:    sandbox.ErrGenerationError,
			Message: msg,
		}}
	default:
		phase.Success = true
		phase.Output = gres.Explanation
		phase.TokensUsed = gres.TokensUsed
		phase.OutputFiles = gres.Files
	}

	p.finishPhase(&phase, start)
	if gres == nil {
		return phase, nil
	}
	return phase, gres.Files
}

func (p *AgentPipeline) runStaticAnalysis(ctx context.Context, req Request, files []sandbox.ProjectFile) (PhaseResult, *analysis.StaticAnalysisResult) {
	start := time.Now()
	phase := PhaseResult{Phase: PhaseStaticAnalysis}

	res, err := p.deps.Analyzer.Analyze(ctx, req.ProjectID, req.Language, files)
	if err != nil {
		phase.Errors = []sandbox.ExecutionError{{
			Type:    sandbox.ErrInternal,
			Message: err.Error(),
		}}
		p.finishPhase(&phase, start)
		return phase, nil
	}

	phase.Success = res.PassesGate
	phase.Analysis = res
	phase.Output = res.LintOutput
	if !res.PassesGate {
		phase.Errors = res.Errors()
	}
	p.finishPhase(&phase, start)
	return phase, res
}

// runSandboxPhase runs build, test and run phases inside a container with
// the retry budget; retryability is decided by the executor.
func (p *AgentPipeline) runSandboxPhase(ctx context.Context, req Request, files []sandbox.ProjectFile, name Phase, execPhase sandbox.ExecutionPhase) PhaseResult {
	start := time.Now()
	phase := PhaseResult{Phase: name}

	res, err := p.deps.Sandbox.ExecuteWithRetry(ctx, sandbox.ExecutionRequest{
		ProjectID:  req.ProjectID,
		Language:   req.Language,
		Files:      files,
		EntryPoint: req.EntryPoint,
		Phase:      execPhase,
	}, sandboxAttempts)
	if err != nil {
		phase.Errors = []sandbox.ExecutionError{{
			Type:    sandbox.ErrInternal,
			Message: err.Error(),
		}}
		p.finishPhase(&phase, start)
		return phase
	}

	phase.Success = res.Success
	phase.ExitCode = res.ExitCode
	phase.Output = combinedOutput(res)
	phase.Errors = res.Errors
	if name == PhaseTestExecution {
		phase.TestResults = parseTestOutput(phase.Output, res.ExitCode)
	}
	p.finishPhase(&phase, start)
	return phase
}

func (p *AgentPipeline) runTestGeneration(req Request, files []sandbox.ProjectFile) (PhaseResult, sandbox.ProjectFile) {
	start := time.Now()
	phase := PhaseResult{Phase: PhaseTestGeneration}

	res, err := p.deps.TestGen.Generate(req.Language, files)
	if err != nil {
		p.log.Warn("test generation failed, continuing without generated tests",
			zap.String("project_id", req.ProjectID),
			zap.Error(err),
		)
		phase.Errors = []sandbox.ExecutionError{{
			Type:    sandbox.ErrGenerationError,
			Message: err.Error(),
		}}
		p.finishPhase(&phase, start)
		return phase, sandbox.ProjectFile{}
	}

	phase.Success = true
	phase.Output = fmt.Sprintf("generated %s covering %d signatures", res.File.Path, len(res.Signatures))
	phase.OutputFiles = []sandbox.ProjectFile{res.File}
	p.finishPhase(&phase, start)
	return phase, res.File
}

func (p *AgentPipeline) runVerification(req Request, in verify.Input) (PhaseResult, *verify.VerificationResult) {
	start := time.Now()
	phase := PhaseResult{Phase: PhaseVerification}

	res := p.deps.Verifier.Verify(req.ProjectID, in)
	phase.Success = res.Passed
	phase.Output = fmt.Sprintf("score %.1f, %d issues", res.OverallScore, len(res.Issues))
	p.finishPhase(&phase, start)
	return phase, res
}

func (p *AgentPipeline) finishPhase(phase *PhaseResult, start time.Time) {
	elapsed := time.Since(start)
	phase.DurationMs = elapsed.Milliseconds()
	metrics.Get().RecordPhase(string(phase.Phase), elapsed)
	p.log.Debug("phase finished",
		zap.String("phase", string(phase.Phase)),
		zap.Bool("success", phase.Success),
		zap.Int64("duration_ms", phase.DurationMs),
	)
}

func combinedOutput(res *sandbox.ExecutionResult) string {
	switch {
	case res.Stderr == "":
		return res.Stdout
	case res.Stdout == "":
		return res.Stderr
	default:
		return res.Stdout + "\n" + res.Stderr
	}
}
