package verify

import (
	"fmt"
	"regexp"
	"strings"

	"crucible/internal/sandbox"
)

// The scan is line-based on purpose: a secret pasted into a comment is as
// leaked as one in code. False positives are tolerated over false negatives.
var (
	secretRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|password|passwd|pwd|token|auth)\s*[:=]\s*["'][^"']{6,}["']`),
		regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_.\-]{20,}`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`),
		regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`),
		regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`),
		regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.eyJ[A-Za-z0-9_\-]{10,}`),
	}

	sqlInjectionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)["'](SELECT|INSERT|UPDATE|DELETE|DROP)\b[^"']*["']\s*\+`),
		regexp.MustCompile(`(?i)\+\s*["'][^"']*\b(FROM|WHERE|VALUES|INTO|TABLE)\b`),
		regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP)\b[^"']*%s`),
		regexp.MustCompile(`(?i)f["'][^"']*\b(SELECT|INSERT|UPDATE|DELETE|DROP)\b[^"']*\{`),
		regexp.MustCompile("(?i)`[^`]*\\b(SELECT|INSERT|UPDATE|DELETE|DROP)\\b[^`]*\\$\\{"),
	}

	dangerousRes = []*regexp.Regexp{
		regexp.MustCompile(`\beval\s*\(`),
		regexp.MustCompile(`\bexec\s*\(`),
		regexp.MustCompile(`\bcompile\s*\(`),
		regexp.MustCompile(`(?i)shell\s*=\s*True`),
		regexp.MustCompile(`\bProcess\.Start\b`),
		regexp.MustCompile(`\bRuntime\.getRuntime\(\)\.exec\b|\bRuntime\.exec\b`),
	}
)

// checkSecurity scans file lines for leaked credentials, injectable SQL
// construction and dangerous primitives. Any Critical finding fails it.
func (g *Gate) checkSecurity(files []sandbox.ProjectFile) CheckResult {
	check := CheckResult{Name: CategorySecurity, Passed: true, Score: 100}

	var criticals, errors, warnings int
	for _, f := range files {
		for i, line := range strings.Split(f.Content, "\n") {
			lineNo := i + 1

			if matchesAny(secretRes, line) {
				criticals++
				check.Issues = append(check.Issues, Issue{
					Category: CategorySecurity,
					Severity: SeverityCritical,
					Message:  "possible hardcoded secret",
					File:     f.Path,
					Line:     lineNo,
				})
			}
			if matchesAny(sqlInjectionRes, line) {
				errors++
				check.Issues = append(check.Issues, Issue{
					Category: CategorySecurity,
					Severity: SeverityError,
					Message:  "possible SQL injection via string construction",
					File:     f.Path,
					Line:     lineNo,
				})
			}
			if m := firstMatch(dangerousRes, line); m != "" {
				warnings++
				check.Issues = append(check.Issues, Issue{
					Category: CategorySecurity,
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("dangerous construct %q", strings.TrimSpace(m)),
					File:     f.Path,
					Line:     lineNo,
				})
			}
		}
	}

	check.Passed = criticals == 0
	check.Score = clampScore(100 - 25*float64(criticals) - 10*float64(errors) - 5*float64(warnings))
	return check
}

func matchesAny(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func firstMatch(res []*regexp.Regexp, line string) string {
	for _, re := range res {
		if m := re.FindString(line); m != "" {
			return m
		}
	}
	return ""
}
