package sandbox

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// lintFinding is the element shape produced by linters configured for JSON
// output (pylint and friends write an array of these to stdout).
type lintFinding struct {
	Message string `json:"message"`
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
}

var (
	pythonFrameRe  = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	pythonExcRe    = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*(?:Error|Exception))\s*:\s*(.*)$`)
	nodeLocRe      = regexp.MustCompile(`([\w./\\-]+\.(?:js|jsx|ts|tsx)):(\d+):(\d+)`)
	nodeHeaderRe   = regexp.MustCompile(`^([\w./\\-]+\.(?:js|jsx|mjs|cjs|ts|tsx)):(\d+)$`)
	nodeSummaryRe  = regexp.MustCompile(`^([A-Za-z]+Error):\s*(.*)$`)
	csharpDiagRe   = regexp.MustCompile(`([\w./\\-]+\.cs)\((\d+),(\d+)\):\s*(error|warning)\s+([A-Za-z]+\d+):\s*(.*)`)
	goDiagRe       = regexp.MustCompile(`([\w./\\-]+\.go):(\d+):(\d+):\s*(.*)`)
	javaDiagRe     = regexp.MustCompile(`([\w./\\-]+\.java):(\d+):\s*(error|warning):\s*(.*)`)
	rustHeaderRe   = regexp.MustCompile(`^(error(?:\[[A-Z0-9]+\])?|warning):\s*(.*)$`)
	rustLocRe      = regexp.MustCompile(`-->\s*([\w./\\-]+\.rs):(\d+):(\d+)`)
	rubyDiagRe     = regexp.MustCompile(`^([\w./\\-]+\.rb):(\d+):\s*(.*)$`)
	rubyClassRe    = regexp.MustCompile(`\(([A-Za-z]+(?:Error|Exception))\)`)
	phpDiagRe      = regexp.MustCompile(`(?:PHP )?(Parse error|Fatal error):\s*(.*?) in ([\w./\\-]+\.php) on line (\d+)`)
	tsCompileRe    = regexp.MustCompile(`error TS\d+`)
	moduleNotFound = regexp.MustCompile(`[Cc]annot find module|MODULE_NOT_FOUND`)
)

// ParseDiagnostics converts raw process output into structured errors.
// Order of attempts: a JSON lint array, then per-language line patterns,
// then a single Runtime error carrying the trimmed stderr.
func ParseDiagnostics(language string, phase ExecutionPhase, stdout, stderr string) []ExecutionError {
	if errs := parseStructured(language, phase, stdout, stderr); len(errs) > 0 {
		return errs
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		return []ExecutionError{{Type: ErrRuntime, Message: msg}}
	}
	return nil
}

// parseStructured runs the JSON and pattern stages without the stderr
// fallback, so a clean static-analysis pass yields no errors.
func parseStructured(language string, phase ExecutionPhase, stdout, stderr string) []ExecutionError {
	if errs, ok := parseLintJSON(stdout); ok {
		return errs
	}
	if errs, ok := parseLintJSON(stderr); ok {
		return errs
	}

	combined := stdout + "\n" + stderr
	switch CanonicalLanguage(language) {
	case "python":
		return parsePythonDiagnostics(combined)
	case "javascript", "typescript":
		return parseNodeDiagnostics(combined)
	case "csharp":
		return parseCSharpDiagnostics(combined)
	case "go":
		return parseGoDiagnostics(combined, phase)
	case "java":
		return parseJavaDiagnostics(combined)
	case "rust":
		return parseRustDiagnostics(combined)
	case "ruby":
		return parseRubyDiagnostics(combined)
	case "php":
		return parsePHPDiagnostics(combined)
	default:
		return nil
	}
}

func parseLintJSON(out string) ([]ExecutionError, bool) {
	trimmed := strings.TrimSpace(out)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var findings []lintFinding
	if err := json.Unmarshal([]byte(trimmed), &findings); err != nil {
		return nil, false
	}
	errs := make([]ExecutionError, 0, len(findings))
	for _, f := range findings {
		errs = append(errs, ExecutionError{
			Type:    ErrLint,
			Message: f.Message,
			File:    f.Path,
			Line:    f.Line,
			Column:  f.Column,
		})
	}
	return errs, true
}

func parsePythonDiagnostics(out string) []ExecutionError {
	lines := strings.Split(out, "\n")

	// The exception summary is the last "Name: message" line of a traceback.
	excName, excMsg := "", ""
	for _, line := range lines {
		if m := pythonExcRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			excName, excMsg = m[1], m[2]
		}
	}

	var errs []ExecutionError
	for _, line := range lines {
		m := pythonFrameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		msg := strings.TrimSpace(line)
		if excName != "" {
			msg = excName + ": " + excMsg
		}
		errs = append(errs, ExecutionError{
			Type:    pythonErrorType(excName),
			Message: msg,
			File:    m[1],
			Line:    lineNo,
		})
	}
	return errs
}

func pythonErrorType(excName string) ErrorType {
	switch excName {
	case "SyntaxError", "IndentationError", "TabError":
		return ErrSyntax
	case "ModuleNotFoundError":
		return ErrModuleNotFound
	case "ImportError":
		return ErrImport
	case "":
		return ErrRuntime
	default:
		return ErrException
	}
}

func parseNodeDiagnostics(out string) []ExecutionError {
	lines := strings.Split(out, "\n")
	var errs []ExecutionError

	// node prints syntax and uncaught-exception banners as the failing
	// location, the offending source line, a caret under the column, then
	// "SomeError: message".
	summary := ""
	pendingFile, pendingLine, pendingCol := "", 0, 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := nodeHeaderRe.FindStringSubmatch(trimmed); m != nil {
			pendingFile = m[1]
			pendingLine, _ = strconv.Atoi(m[2])
			pendingCol = 0
			continue
		}
		if pendingFile != "" && pendingCol == 0 && strings.HasPrefix(trimmed, "^") {
			pendingCol = strings.Index(line, "^") + 1
			continue
		}
		if m := nodeSummaryRe.FindStringSubmatch(trimmed); m != nil {
			if summary == "" {
				summary = m[0]
			}
			if pendingFile != "" {
				errs = append(errs, ExecutionError{
					Type:    nodeErrorType(m[0], m[0]),
					Message: m[0],
					File:    pendingFile,
					Line:    pendingLine,
					Column:  pendingCol,
				})
				pendingFile = ""
			}
		}
	}

	// Location-style diagnostics (tsc and friends): file:line:col - message.
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Stack frames belong to the stack trace, not the error list.
		if strings.HasPrefix(trimmed, "at ") {
			continue
		}
		loc := nodeLocRe.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		m := nodeLocRe.FindStringSubmatch(line)
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])

		msg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line[loc[1]:]), "-"))
		if msg == "" {
			msg = summary
		}
		if msg == "" {
			msg = trimmed
		}
		errs = append(errs, ExecutionError{
			Type:    nodeErrorType(msg, summary),
			Message: msg,
			File:    m[1],
			Line:    lineNo,
			Column:  col,
		})
	}
	return errs
}

func nodeErrorType(msg, summary string) ErrorType {
	switch {
	case strings.Contains(msg, "SyntaxError") || strings.Contains(summary, "SyntaxError"):
		return ErrSyntax
	case moduleNotFound.MatchString(msg) || moduleNotFound.MatchString(summary):
		return ErrModuleNotFound
	case tsCompileRe.MatchString(msg):
		return ErrCompile
	default:
		return ErrRuntime
	}
}

func parseCSharpDiagnostics(out string) []ExecutionError {
	var errs []ExecutionError
	for _, line := range strings.Split(out, "\n") {
		m := csharpDiagRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		typ := ErrLint
		if m[4] == "error" {
			typ = ErrCompile
		}
		errs = append(errs, ExecutionError{
			Type:    typ,
			Message: m[4] + " " + m[5] + ": " + m[6],
			File:    m[1],
			Line:    lineNo,
			Column:  col,
			Code:    m[5],
		})
	}
	return errs
}

func parseGoDiagnostics(out string, phase ExecutionPhase) []ExecutionError {
	var errs []ExecutionError
	for _, line := range strings.Split(out, "\n") {
		m := goDiagRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		msg := strings.TrimSpace(m[4])
		typ := ErrLint
		switch {
		case strings.HasPrefix(msg, "syntax error"):
			typ = ErrSyntax
		case phase == PhaseBuild:
			typ = ErrCompile
		}
		errs = append(errs, ExecutionError{
			Type:    typ,
			Message: msg,
			File:    m[1],
			Line:    lineNo,
			Column:  col,
		})
	}
	return errs
}

func parseJavaDiagnostics(out string) []ExecutionError {
	var errs []ExecutionError
	for _, line := range strings.Split(out, "\n") {
		m := javaDiagRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		typ := ErrLint
		if m[3] == "error" {
			typ = ErrCompile
		}
		errs = append(errs, ExecutionError{
			Type:    typ,
			Message: m[3] + ": " + m[4],
			File:    m[1],
			Line:    lineNo,
		})
	}
	return errs
}

func parseRustDiagnostics(out string) []ExecutionError {
	var errs []ExecutionError
	header, severity := "", ""
	for _, line := range strings.Split(out, "\n") {
		if m := rustHeaderRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			header = m[2]
			severity = m[1]
			continue
		}
		m := rustLocRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		typ := ErrLint
		if strings.HasPrefix(severity, "error") {
			typ = ErrCompile
		}
		msg := header
		if msg == "" {
			msg = strings.TrimSpace(line)
		}
		errs = append(errs, ExecutionError{
			Type:    typ,
			Message: msg,
			File:    m[1],
			Line:    lineNo,
			Column:  col,
		})
	}
	return errs
}

func parseRubyDiagnostics(out string) []ExecutionError {
	var errs []ExecutionError
	for _, line := range strings.Split(out, "\n") {
		m := rubyDiagRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		msg := strings.TrimSpace(m[3])
		typ := ErrRuntime
		if strings.Contains(msg, "syntax error") {
			typ = ErrSyntax
		} else if cm := rubyClassRe.FindStringSubmatch(msg); cm != nil {
			typ = ErrException
		}
		errs = append(errs, ExecutionError{
			Type:    typ,
			Message: msg,
			File:    m[1],
			Line:    lineNo,
		})
	}
	return errs
}

func parsePHPDiagnostics(out string) []ExecutionError {
	var errs []ExecutionError
	for _, line := range strings.Split(out, "\n") {
		m := phpDiagRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[4])
		typ := ErrRuntime
		if m[1] == "Parse error" {
			typ = ErrSyntax
		}
		errs = append(errs, ExecutionError{
			Type:    typ,
			Message: m[1] + ": " + m[2],
			File:    m[3],
			Line:    lineNo,
		})
	}
	return errs
}

// ExtractStackTrace returns the contiguous tail of output starting at the
// first traceback or stack-frame marker. stderr wins over stdout since
// interpreters write tracebacks there.
func ExtractStackTrace(stdout, stderr string) string {
	if s := stackTail(stderr); s != "" {
		return s
	}
	return stackTail(stdout)
}

func stackTail(out string) string {
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(line, "Traceback") || strings.HasPrefix(trimmed, "at ") {
			return strings.TrimRight(strings.Join(lines[i:], "\n"), "\n")
		}
	}
	return ""
}
