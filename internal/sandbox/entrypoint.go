package sandbox

import "strings"

// entrypointName is the script path inside the workspace mount.
const entrypointName = "entrypoint.sh"

// BuildEntrypoint renders the deterministic shell script for one
// (language, phase) pair. entryPoint may be empty; each language falls back
// to its conventional entry file. Unknown languages produce a script that
// reports the failure and exits nonzero.
func BuildEntrypoint(language string, phase ExecutionPhase, entryPoint string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")

	switch CanonicalLanguage(language) {
	case "python":
		buildPythonEntrypoint(&b, phase, entryOr(entryPoint, "main.py"))
	case "javascript":
		buildNodeEntrypoint(&b, phase, entryOr(entryPoint, "index.js"), false)
	case "typescript":
		buildNodeEntrypoint(&b, phase, entryOr(entryPoint, "index.ts"), true)
	case "csharp":
		buildDotnetEntrypoint(&b, phase)
	case "java":
		buildJavaEntrypoint(&b, phase, entryOr(entryPoint, "Main"))
	case "go":
		buildGoEntrypoint(&b, phase)
	case "rust":
		buildRustEntrypoint(&b, phase, entryOr(entryPoint, "main.rs"))
	case "ruby":
		buildRubyEntrypoint(&b, phase, entryOr(entryPoint, "main.rb"))
	case "php":
		buildPHPEntrypoint(&b, phase, entryOr(entryPoint, "index.php"))
	default:
		b.WriteString("echo 'Unsupported language' >&2\nexit 1\n")
	}

	return b.String()
}

func buildPythonEntrypoint(b *strings.Builder, phase ExecutionPhase, entry string) {
	switch phase {
	case PhaseStaticAnalysis:
		b.WriteString("python -m compileall -q .\n")
		// Lint findings come back as a JSON array on stdout.
		b.WriteString("if command -v pylint >/dev/null 2>&1; then pylint --output-format=json ./*.py || true; fi\n")
	case PhaseDependencyResolution:
		b.WriteString("if [ -f requirements.txt ]; then pip install --no-cache-dir -q -r requirements.txt; fi\n")
	case PhaseBuild:
		b.WriteString("echo 'no build step for python'\n")
	case PhaseTest:
		// Stock images ship without pytest and the sandbox has no network,
		// so fall back to running the test files directly.
		b.WriteString("if python -c 'import pytest' >/dev/null 2>&1; then python -m pytest --tb=short -v; ")
		b.WriteString("else for f in ./test_*.py; do [ -e \"$f\" ] || continue; python \"$f\"; done; fi\n")
	case PhaseRun:
		b.WriteString("python " + shQuote(entry) + "\n")
	}
}

func buildNodeEntrypoint(b *strings.Builder, phase ExecutionPhase, entry string, typescript bool) {
	switch phase {
	case PhaseStaticAnalysis:
		if !typescript {
			b.WriteString("for f in ./*.js; do [ -e \"$f\" ] || continue; node --check \"$f\"; done\n")
		}
		b.WriteString("if [ -f package.json ]; then npm install --no-audit --no-fund --silent; fi\n")
		if typescript {
			b.WriteString("if [ -x node_modules/.bin/tsc ]; then node_modules/.bin/tsc --noEmit; fi\n")
		}
		b.WriteString("if [ -x node_modules/.bin/eslint ]; then node_modules/.bin/eslint -f json . || true; fi\n")
	case PhaseDependencyResolution:
		b.WriteString("if [ -f package.json ]; then npm install --no-audit --no-fund --silent; fi\n")
	case PhaseBuild:
		b.WriteString("if [ -f package.json ]; then npm run build --if-present; else echo 'no build step'; fi\n")
	case PhaseTest:
		if typescript {
			b.WriteString("if [ -f package.json ] && grep -q '\"test\"' package.json; then npm test; else npx tsx --test ./*.test.ts; fi\n")
		} else {
			b.WriteString("if [ -f package.json ] && grep -q '\"test\"' package.json; then npm test; else node --test; fi\n")
		}
	case PhaseRun:
		if typescript {
			b.WriteString("npx tsx " + shQuote(entry) + "\n")
		} else {
			b.WriteString("node " + shQuote(entry) + "\n")
		}
	}
}

func buildDotnetEntrypoint(b *strings.Builder, phase ExecutionPhase) {
	switch phase {
	case PhaseStaticAnalysis:
		b.WriteString("dotnet build -warnaserror -nologo\n")
	case PhaseDependencyResolution:
		b.WriteString("dotnet restore\n")
	case PhaseBuild:
		b.WriteString("dotnet restore\ndotnet build -c Release -nologo\n")
	case PhaseTest:
		b.WriteString("dotnet test -v normal\n")
	case PhaseRun:
		b.WriteString("dotnet run\n")
	}
}

func buildJavaEntrypoint(b *strings.Builder, phase ExecutionPhase, entry string) {
	mainClass := strings.TrimSuffix(entry, ".java")
	switch phase {
	case PhaseStaticAnalysis:
		b.WriteString("echo 'no static analysis step for java'\n")
	case PhaseDependencyResolution:
		b.WriteString("echo 'no dependency step for java'\n")
	case PhaseBuild:
		b.WriteString("mkdir -p out\njavac -d out ./*.java\n")
	case PhaseTest:
		b.WriteString("mkdir -p out\njavac -d out ./*.java\n")
		b.WriteString("if [ -f out/GeneratedTest.class ]; then java -cp out GeneratedTest; else echo 'no tests found'; fi\n")
	case PhaseRun:
		b.WriteString("mkdir -p out\njavac -d out ./*.java\njava -cp out " + shQuote(mainClass) + "\n")
	}
}

func buildGoEntrypoint(b *strings.Builder, phase ExecutionPhase) {
	// Generated file sets usually arrive without a go.mod.
	b.WriteString("[ -f go.mod ] || go mod init app >/dev/null 2>&1 || true\n")
	switch phase {
	case PhaseStaticAnalysis:
		b.WriteString("go vet ./...\n")
		b.WriteString("if command -v staticcheck >/dev/null 2>&1; then staticcheck ./... || true; fi\n")
	case PhaseDependencyResolution:
		b.WriteString("go mod tidy >/dev/null 2>&1 || true\ngo mod download\n")
	case PhaseBuild:
		b.WriteString("go build -o app ./...\n")
	case PhaseTest:
		b.WriteString("go test -v ./...\n")
	case PhaseRun:
		b.WriteString("go run .\n")
	}
}

func buildRustEntrypoint(b *strings.Builder, phase ExecutionPhase, entry string) {
	switch phase {
	case PhaseStaticAnalysis:
		b.WriteString("rustc --edition 2021 --emit=metadata --out-dir /tmp " + shQuote(entry) + "\n")
	case PhaseDependencyResolution:
		b.WriteString("if [ -f Cargo.toml ]; then cargo fetch; else echo 'no dependency step'; fi\n")
	case PhaseBuild:
		b.WriteString("if [ -f Cargo.toml ]; then cargo build --release; else rustc -O " + shQuote(entry) + " -o ./app; fi\n")
	case PhaseTest:
		// A generated test file takes precedence over tests inline in the entry.
		b.WriteString("if [ -f generated_test.rs ]; then rustc --edition 2021 --test generated_test.rs -o ./test_app; ")
		b.WriteString("else rustc --edition 2021 --test " + shQuote(entry) + " -o ./test_app; fi\n./test_app\n")
	case PhaseRun:
		b.WriteString("rustc -O " + shQuote(entry) + " -o ./app\n./app\n")
	}
}

func buildRubyEntrypoint(b *strings.Builder, phase ExecutionPhase, entry string) {
	switch phase {
	case PhaseStaticAnalysis:
		b.WriteString("for f in ./*.rb; do [ -e \"$f\" ] || continue; ruby -c \"$f\"; done\n")
	case PhaseDependencyResolution:
		b.WriteString("if [ -f Gemfile ] && command -v bundle >/dev/null 2>&1; then bundle install; else echo 'no dependency step'; fi\n")
	case PhaseBuild:
		b.WriteString("echo 'no build step for ruby'\n")
	case PhaseTest:
		b.WriteString("for f in ./test_*.rb; do [ -e \"$f\" ] || continue; ruby \"$f\"; done\n")
	case PhaseRun:
		b.WriteString("ruby " + shQuote(entry) + "\n")
	}
}

func buildPHPEntrypoint(b *strings.Builder, phase ExecutionPhase, entry string) {
	switch phase {
	case PhaseStaticAnalysis:
		b.WriteString("for f in ./*.php; do [ -e \"$f\" ] || continue; php -l \"$f\"; done\n")
	case PhaseDependencyResolution:
		b.WriteString("if [ -f composer.json ] && command -v composer >/dev/null 2>&1; then composer install --no-interaction; else echo 'no dependency step'; fi\n")
	case PhaseBuild:
		b.WriteString("echo 'no build step for php'\n")
	case PhaseTest:
		b.WriteString("for f in ./*test*.php; do [ -e \"$f\" ] || continue; php \"$f\"; done\n")
	case PhaseRun:
		b.WriteString("php " + shQuote(entry) + "\n")
	}
}

func entryOr(entry, fallback string) string {
	if strings.TrimSpace(entry) == "" {
		return fallback
	}
	return entry
}

// shQuote single-quotes a value for safe interpolation into the script.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
