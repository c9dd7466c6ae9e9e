package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLintJSON(t *testing.T) {
	out := `[{"message":"unused variable x","path":"main.py","line":3,"column":5}]`
	errs := ParseDiagnostics("python", PhaseStaticAnalysis, out, "")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrLint, errs[0].Type)
	assert.Equal(t, "unused variable x", errs[0].Message)
	assert.Equal(t, "main.py", errs[0].File)
	assert.Equal(t, 3, errs[0].Line)
	assert.Equal(t, 5, errs[0].Column)
}

func TestParsePythonTraceback(t *testing.T) {
	stderr := `Traceback (most recent call last):
  File "main.py", line 7, in <module>
    run()
  File "main.py", line 4, in run
    import missing
ModuleNotFoundError: No module named 'missing'`
	errs := ParseDiagnostics("python", PhaseRun, "", stderr)
	require.Len(t, errs, 2)
	for _, execErr := range errs {
		assert.Equal(t, ErrModuleNotFound, execErr.Type)
		assert.Equal(t, "ModuleNotFoundError: No module named 'missing'", execErr.Message)
		assert.Equal(t, "main.py", execErr.File)
	}
	assert.Equal(t, 7, errs[0].Line)
	assert.Equal(t, 4, errs[1].Line)
}

func TestParsePythonSyntaxError(t *testing.T) {
	stdout := `*** Error compiling './main.py'...
  File "./main.py", line 1
    def f(:
          ^
SyntaxError: invalid syntax`
	errs := ParseDiagnostics("python", PhaseStaticAnalysis, stdout, "")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrSyntax, errs[0].Type)
	assert.Equal(t, "SyntaxError: invalid syntax", errs[0].Message)
	assert.Equal(t, "./main.py", errs[0].File)
	assert.Equal(t, 1, errs[0].Line)
}

func TestParseGoDiagnostics(t *testing.T) {
	stderr := "./main.go:5:2: undefined: foo\n./util.go:10:1: syntax error: unexpected }"
	errs := ParseDiagnostics("go", PhaseBuild, "", stderr)
	require.Len(t, errs, 2)
	assert.Equal(t, ErrCompile, errs[0].Type)
	assert.Equal(t, "undefined: foo", errs[0].Message)
	assert.Equal(t, "./main.go", errs[0].File)
	assert.Equal(t, 5, errs[0].Line)
	assert.Equal(t, 2, errs[0].Column)
	assert.Equal(t, ErrSyntax, errs[1].Type)
}

func TestParseCSharpDiagnostics(t *testing.T) {
	stderr := `Program.cs(12,8): error CS1002: ; expected
Program.cs(20,4): warning CS0168: The variable 'x' is declared but never used`
	errs := ParseDiagnostics("csharp", PhaseBuild, "", stderr)
	require.Len(t, errs, 2)
	assert.Equal(t, ErrCompile, errs[0].Type)
	assert.Equal(t, "CS1002", errs[0].Code)
	assert.Equal(t, 12, errs[0].Line)
	assert.Equal(t, 8, errs[0].Column)
	assert.Equal(t, ErrLint, errs[1].Type)
	assert.Contains(t, errs[1].Message, "warning CS0168")
}

func TestParseTypeScriptDiagnostics(t *testing.T) {
	stdout := "src/app.ts:14:5 - error TS2322: Type 'string' is not assignable to type 'number'."
	errs := ParseDiagnostics("typescript", PhaseBuild, stdout, "")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCompile, errs[0].Type)
	assert.Equal(t, "src/app.ts", errs[0].File)
	assert.Equal(t, 14, errs[0].Line)
	assert.Equal(t, 5, errs[0].Column)
	assert.Contains(t, errs[0].Message, "TS2322")
}

func TestParseNodeSyntaxBanner(t *testing.T) {
	stderr := `main.js:1
function f(a){ return a+; }
                        ^

SyntaxError: Unexpected token ';'
    at wrapSafe (node:internal/modules/cjs/loader:1281:20)`
	errs := ParseDiagnostics("javascript", PhaseStaticAnalysis, "", stderr)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrSyntax, errs[0].Type)
	assert.Equal(t, "main.js", errs[0].File)
	assert.Equal(t, 1, errs[0].Line)
	assert.Equal(t, 25, errs[0].Column)
	assert.Equal(t, "SyntaxError: Unexpected token ';'", errs[0].Message)
}

func TestParseNodeStackFramesStayOutOfErrors(t *testing.T) {
	stderr := `Error: boom
    at thrower (/workspace/index.js:2:9)
    at Object.<anonymous> (/workspace/index.js:5:1)`
	errs := ParseDiagnostics("javascript", PhaseRun, "", stderr)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrRuntime, errs[0].Type)
}

func TestParseJavaDiagnostics(t *testing.T) {
	stderr := "Main.java:5: error: ';' expected"
	errs := ParseDiagnostics("java", PhaseBuild, "", stderr)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCompile, errs[0].Type)
	assert.Equal(t, "Main.java", errs[0].File)
	assert.Equal(t, 5, errs[0].Line)
}

func TestParseRustDiagnostics(t *testing.T) {
	stderr := "error[E0308]: mismatched types\n --> main.rs:2:5"
	errs := ParseDiagnostics("rust", PhaseBuild, "", stderr)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCompile, errs[0].Type)
	assert.Equal(t, "mismatched types", errs[0].Message)
	assert.Equal(t, "main.rs", errs[0].File)
	assert.Equal(t, 2, errs[0].Line)
	assert.Equal(t, 5, errs[0].Column)
}

func TestParseRubyDiagnostics(t *testing.T) {
	stderr := "main.rb:3: syntax error, unexpected end-of-input"
	errs := ParseDiagnostics("ruby", PhaseStaticAnalysis, "", stderr)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrSyntax, errs[0].Type)
	assert.Equal(t, 3, errs[0].Line)
}

func TestParsePHPDiagnostics(t *testing.T) {
	stderr := "PHP Parse error:  syntax error, unexpected ';' in /workspace/index.php on line 3"
	errs := ParseDiagnostics("php", PhaseStaticAnalysis, "", stderr)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrSyntax, errs[0].Type)
	assert.Equal(t, "/workspace/index.php", errs[0].File)
	assert.Equal(t, 3, errs[0].Line)
}

func TestParseDiagnosticsFallback(t *testing.T) {
	errs := ParseDiagnostics("python", PhaseRun, "", "  something exploded  ")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrRuntime, errs[0].Type)
	assert.Equal(t, "something exploded", errs[0].Message)
}

func TestParseDiagnosticsCleanOutput(t *testing.T) {
	assert.Empty(t, ParseDiagnostics("go", PhaseRun, "all good", ""))
}

func TestExtractStackTrace(t *testing.T) {
	stderr := `Error: boom
    at thrower (/workspace/index.js:2:9)
    at Object.<anonymous> (/workspace/index.js:5:1)`
	trace := ExtractStackTrace("", stderr)
	assert.True(t, strings.HasPrefix(trace, "    at thrower"), "trace: %q", trace)
	assert.Contains(t, trace, "index.js:5:1")

	py := "boom\nTraceback (most recent call last):\n  File \"main.py\", line 1"
	assert.True(t, strings.HasPrefix(ExtractStackTrace("", py), "Traceback"))

	assert.Equal(t, "", ExtractStackTrace("clean", "also clean"))
}
