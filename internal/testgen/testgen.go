// Package testgen derives a runnable test file from source code without
// calling a model. Signatures are pulled out with per-language regexes and
// each one gets a basic-input case plus an edge case; when nothing usable is
// found the emitted file degrades to a smoke test so the test phase still
// has something to execute.
package testgen

import (
	"fmt"

	"go.uber.org/zap"

	"crucible/internal/logging"
	"crucible/internal/sandbox"
)

// Parameter is one formal parameter of an extracted signature. Type is empty
// for dynamically-typed parameters without annotations.
type Parameter struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Signature describes one extracted function or method.
type Signature struct {
	Name       string      `json:"name"`
	File       string      `json:"file"`
	Class      string      `json:"class,omitempty"`
	Static     bool        `json:"static,omitempty"`
	Parameters []Parameter `json:"parameters"`
	ReturnType string      `json:"return_type,omitempty"`
	IsAsync    bool        `json:"is_async,omitempty"`
}

// Result carries the emitted test file and the signatures it covers.
// Signatures is empty when the file is a smoke test.
type Result struct {
	File       sandbox.ProjectFile `json:"file"`
	Signatures []Signature         `json:"signatures"`
}

// Generator emits test files for the supported languages.
type Generator struct {
	log *zap.Logger
}

func New() *Generator {
	return &Generator{log: logging.Named("testgen")}
}

// testFileName returns the conventional test file path per language, chosen
// so each language's test runner discovers it.
func testFileName(language string) string {
	switch language {
	case "python":
		return "test_generated.py"
	case "javascript":
		return "generated.test.js"
	case "typescript":
		return "generated.test.ts"
	case "go":
		return "generated_test.go"
	case "csharp":
		return "GeneratedTests.cs"
	case "java":
		return "GeneratedTest.java"
	case "ruby":
		return "test_generated.rb"
	case "php":
		return "generated_test.php"
	case "rust":
		return "generated_test.rs"
	}
	return ""
}

// Generate extracts signatures from files and emits one test file. Languages
// without an extractor still get a smoke test so downstream phases behave
// uniformly.
func (g *Generator) Generate(language string, files []sandbox.ProjectFile) (*Result, error) {
	lang := sandbox.CanonicalLanguage(language)
	name := testFileName(lang)
	if name == "" {
		return nil, fmt.Errorf("testgen: unsupported language %q", language)
	}

	sigs := Extract(lang, files)
	content := emit(lang, sigs, files)

	g.log.Info("tests generated",
		zap.String("language", lang),
		zap.Int("signatures", len(sigs)),
		zap.String("file", name),
	)
	return &Result{
		File:       sandbox.ProjectFile{Path: name, Content: content},
		Signatures: sigs,
	}, nil
}
