// Package analysis decides whether a file set is structurally valid and
// stylistically acceptable before build and test costs are incurred.
//
// The check runs in two stages: a host-side bracket matcher catches gross
// structural damage without spinning up a container, then the sandbox runs
// the language's own syntax checker and linter.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"crucible/internal/logging"
	"crucible/internal/sandbox"
)

// Sandboxed is the slice of the sandbox executor the analyzer needs.
type Sandboxed interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
}

// StaticAnalysisResult is the verdict over one file set.
type StaticAnalysisResult struct {
	SyntaxValid  bool                     `json:"syntax_valid"`
	SyntaxErrors []sandbox.ExecutionError `json:"syntax_errors,omitempty"`
	LintErrors   []sandbox.ExecutionError `json:"lint_errors,omitempty"`
	LintOutput   string                   `json:"lint_output,omitempty"`
	OverallScore int                      `json:"overall_score"`
	PassesGate   bool                     `json:"passes_gate"`
}

// Errors returns the diagnostics that should feed self-correction.
func (r *StaticAnalysisResult) Errors() []sandbox.ExecutionError {
	if !r.SyntaxValid {
		return r.SyntaxErrors
	}
	return r.LintErrors
}

// Analyzer runs static analysis through the sandbox.
type Analyzer struct {
	exec Sandboxed
	log  *zap.Logger
}

func New(exec Sandboxed) *Analyzer {
	return &Analyzer{
		exec: exec,
		log:  logging.Named("analysis"),
	}
}

// Analyze checks syntax host-side first; a structurally broken file set
// scores zero and never reaches the linter. An empty file set is trivially
// valid.
func (a *Analyzer) Analyze(ctx context.Context, projectID, language string, files []sandbox.ProjectFile) (*StaticAnalysisResult, error) {
	res := &StaticAnalysisResult{SyntaxValid: true}

	for _, f := range files {
		res.SyntaxErrors = append(res.SyntaxErrors, checkSyntax(language, f)...)
	}
	if len(res.SyntaxErrors) > 0 {
		res.SyntaxValid = false
		res.OverallScore = 0
		res.PassesGate = false
		a.log.Info("syntax check failed",
			zap.String("project_id", projectID),
			zap.String("language", language),
			zap.Int("errors", len(res.SyntaxErrors)),
		)
		return res, nil
	}

	if len(files) == 0 {
		res.OverallScore = 100
		res.PassesGate = true
		return res, nil
	}

	execRes, err := a.exec.Execute(ctx, sandbox.ExecutionRequest{
		ProjectID: projectID,
		Language:  language,
		Files:     files,
		Phase:     sandbox.PhaseStaticAnalysis,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: lint run: %w", err)
	}

	res.LintErrors = execRes.Errors
	res.LintOutput = strings.TrimSpace(execRes.Stdout + "\n" + execRes.Stderr)
	res.OverallScore = scoreLint(execRes.Errors)
	res.PassesGate = passesGate(res)

	a.log.Info("static analysis finished",
		zap.String("project_id", projectID),
		zap.String("language", language),
		zap.Int("score", res.OverallScore),
		zap.Bool("passes_gate", res.PassesGate),
		zap.Int("lint_errors", len(res.LintErrors)),
	)
	return res, nil
}

// scoreLint deducts 10 per error-class finding, 2 per warning, 1 otherwise.
func scoreLint(errs []sandbox.ExecutionError) int {
	score := 100
	for _, e := range errs {
		switch LintSeverity(e) {
		case "error":
			score -= 10
		case "warning":
			score -= 2
		default:
			score--
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// LintSeverity classifies a finding as "error", "warning" or "other". The
// type tag wins; otherwise the message text decides, since compilers and
// linters spell the severity there.
func LintSeverity(e sandbox.ExecutionError) string {
	switch e.Type {
	case sandbox.ErrCompile, sandbox.ErrSyntax:
		return "error"
	}
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "error"):
		return "error"
	case strings.Contains(msg, "warn"):
		return "warning"
	default:
		return "other"
	}
}

func passesGate(res *StaticAnalysisResult) bool {
	if !res.SyntaxValid {
		return false
	}
	for _, e := range res.LintErrors {
		if LintSeverity(e) == "error" {
			return false
		}
	}
	return true
}
