// Package verify computes the weighted pass/fail verdict over the artifacts
// a pipeline run produced. Checks are deterministic: the same artifacts
// always yield the same verdict, so loop behavior is reproducible.
package verify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"crucible/internal/analysis"
	"crucible/internal/config"
	"crucible/internal/logging"
	"crucible/internal/sandbox"
)

// Severity ranks an issue. Critical issues fail verification outright.
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

// Category names the check that produced an issue.
type Category string

const (
	CategoryQuality  Category = "quality"
	CategoryTests    Category = "tests"
	CategorySecurity Category = "security"
	CategoryBuild    Category = "build"
	CategoryRuntime  Category = "runtime"
)

// Issue is one finding from a verification check.
type Issue struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
}

// TestResults are the counts parsed from a test phase.
type TestResults struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name   Category `json:"name"`
	Passed bool     `json:"passed"`
	Score  float64  `json:"score"`
	Issues []Issue  `json:"issues,omitempty"`
}

// VerificationResult is the aggregate verdict.
type VerificationResult struct {
	ProjectID    string        `json:"project_id"`
	ValidatedAt  time.Time     `json:"validated_at"`
	Passed       bool          `json:"passed"`
	OverallScore float64       `json:"overall_score"`
	Checks       []CheckResult `json:"checks"`
	Issues       []Issue       `json:"issues,omitempty"`
}

// Input bundles the artifacts under verification. Nil or false fields mean
// the corresponding phase did not run; those checks are left out of the
// weighted average.
type Input struct {
	Files       []sandbox.ProjectFile
	Analysis    *analysis.StaticAnalysisResult
	Tests       *TestResults
	TestErrors  []sandbox.ExecutionError
	TestsRan    bool
	BuildRan    bool
	BuildOutput string
}

var checkWeights = map[Category]float64{
	CategoryQuality:  0.30,
	CategoryTests:    0.30,
	CategorySecurity: 0.20,
	CategoryBuild:    0.15,
	CategoryRuntime:  0.05,
}

// Gate runs the verification checks against configured thresholds.
type Gate struct {
	cfg config.VerificationConfig
	log *zap.Logger
}

func New(cfg config.VerificationConfig) *Gate {
	return &Gate{cfg: cfg, log: logging.Named("verify")}
}

// Verify runs every applicable check and combines them into one verdict.
func (g *Gate) Verify(projectID string, in Input) *VerificationResult {
	checks := []CheckResult{g.checkQuality(in.Analysis)}
	if in.TestsRan || g.cfg.RequireTests {
		checks = append(checks, g.checkTests(in.Tests))
	}
	checks = append(checks, g.checkSecurity(in.Files))
	if in.BuildRan {
		checks = append(checks, g.checkBuild(in.BuildOutput))
	}
	if in.TestsRan {
		checks = append(checks, g.checkRuntime(in.TestErrors))
	}

	res := &VerificationResult{
		ProjectID:   projectID,
		ValidatedAt: time.Now().UTC(),
		Checks:      checks,
	}

	var weighted, totalWeight float64
	critical := false
	byName := make(map[Category]CheckResult, len(checks))
	for _, c := range checks {
		byName[c.Name] = c
		weighted += c.Score * checkWeights[c.Name]
		totalWeight += checkWeights[c.Name]
		for _, issue := range c.Issues {
			res.Issues = append(res.Issues, issue)
			if issue.Severity == SeverityCritical {
				critical = true
			}
		}
	}
	if totalWeight > 0 {
		res.OverallScore = weighted / totalWeight
	}

	buildPassed := true
	if c, ok := byName[CategoryBuild]; ok {
		buildPassed = c.Passed
	}
	testsPassed := byName[CategoryTests].Passed

	res.Passed = byName[CategoryQuality].Passed &&
		buildPassed &&
		!critical &&
		(!g.cfg.RequireTests || testsPassed)

	g.log.Info("verification finished",
		zap.String("project_id", projectID),
		zap.Bool("passed", res.Passed),
		zap.Float64("score", res.OverallScore),
		zap.Int("issues", len(res.Issues)),
	)
	return res
}

func (g *Gate) checkQuality(res *analysis.StaticAnalysisResult) CheckResult {
	check := CheckResult{Name: CategoryQuality}
	if res == nil {
		check.Issues = append(check.Issues, Issue{
			Category: CategoryQuality,
			Severity: SeverityError,
			Message:  "no static analysis results to evaluate",
		})
		return check
	}

	check.Score = float64(res.OverallScore)
	check.Passed = res.SyntaxValid && check.Score >= g.cfg.MinQualityScore

	for _, e := range res.SyntaxErrors {
		check.Issues = append(check.Issues, Issue{
			Category: CategoryQuality,
			Severity: SeverityError,
			Message:  e.Message,
			File:     e.File,
			Line:     e.Line,
		})
	}
	for _, e := range res.LintErrors {
		if analysis.LintSeverity(e) != "error" {
			continue
		}
		check.Issues = append(check.Issues, Issue{
			Category: CategoryQuality,
			Severity: SeverityError,
			Message:  e.Message,
			File:     e.File,
			Line:     e.Line,
		})
	}
	return check
}

func (g *Gate) checkTests(tr *TestResults) CheckResult {
	check := CheckResult{Name: CategoryTests}
	if tr == nil || tr.Total == 0 {
		if g.cfg.RequireTests {
			check.Issues = append(check.Issues, Issue{
				Category: CategoryTests,
				Severity: SeverityError,
				Message:  "tests are required but no test results were found",
			})
			return check
		}
		check.Passed = true
		check.Score = 100
		check.Issues = append(check.Issues, Issue{
			Category: CategoryTests,
			Severity: SeverityInfo,
			Message:  "no test results to evaluate",
		})
		return check
	}

	check.Score = 100 * float64(tr.Passed) / float64(tr.Total)
	check.Passed = tr.Failed == 0 && check.Score >= g.cfg.MinTestPassRate
	if tr.Failed > 0 {
		check.Issues = append(check.Issues, Issue{
			Category: CategoryTests,
			Severity: SeverityError,
			Message:  fmt.Sprintf("%d of %d tests failed", tr.Failed, tr.Total),
		})
	}
	return check
}

var (
	buildErrorRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\berror\b[^\n]*:`),
		regexp.MustCompile(`Build FAILED`),
		regexp.MustCompile(`FAILURE:`),
		regexp.MustCompile(`(?i)fatal error`),
		regexp.MustCompile(`npm ERR!`),
	}
	buildWarningRe = regexp.MustCompile(`(?i)\bwarning\b`)
)

func (g *Gate) checkBuild(output string) CheckResult {
	check := CheckResult{Name: CategoryBuild, Passed: true, Score: 100}

	warnings := 0
	for i, line := range strings.Split(output, "\n") {
		if buildWarningRe.MatchString(line) {
			warnings++
		}
		for _, re := range buildErrorRes {
			if !re.MatchString(line) {
				continue
			}
			check.Passed = false
			check.Issues = append(check.Issues, Issue{
				Category: CategoryBuild,
				Severity: SeverityError,
				Message:  truncateLine(line),
				Line:     i + 1,
			})
			break
		}
	}

	if !check.Passed {
		check.Score = 0
	} else if warnings > g.cfg.MaxBuildWarnings {
		check.Score = 70
		check.Issues = append(check.Issues, Issue{
			Category: CategoryBuild,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("build produced %d warnings (limit %d)", warnings, g.cfg.MaxBuildWarnings),
		})
	}
	return check
}

func (g *Gate) checkRuntime(errs []sandbox.ExecutionError) CheckResult {
	check := CheckResult{Name: CategoryRuntime, Passed: true, Score: 100}
	for _, e := range errs {
		if e.Type != sandbox.ErrRuntime && e.Type != sandbox.ErrException {
			continue
		}
		check.Issues = append(check.Issues, Issue{
			Category: CategoryRuntime,
			Severity: SeverityError,
			Message:  e.Message,
			File:     e.File,
			Line:     e.Line,
		})
	}
	if n := len(check.Issues); n > 0 {
		check.Passed = false
		check.Score = clampScore(100 - 25*float64(n))
	}
	return check
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func truncateLine(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > 200 {
		return line[:200]
	}
	return line
}
