package pipeline

import (
	"context"

	"crucible/internal/sandbox"
)

// GenerationRequest is what the pipeline hands to a code generator. The
// prompt already carries the rendered error history on re-generation.
type GenerationRequest struct {
	ProjectID     string                `json:"project_id"`
	Language      string                `json:"language"`
	Prompt        string                `json:"prompt"`
	ExistingFiles []sandbox.ProjectFile `json:"existing_files,omitempty"`
	Context       map[string]string     `json:"context,omitempty"`
}

// GenerationResult is the generator's answer. Files, when present, replace
// the current file set wholesale.
type GenerationResult struct {
	Success     bool                  `json:"success"`
	Files       []sandbox.ProjectFile `json:"files,omitempty"`
	Explanation string                `json:"explanation,omitempty"`
	Error       string                `json:"error,omitempty"`
	TokensUsed  int                   `json:"tokens_used"`
}

// Generator produces code from a prompt. Implementations wrap a model
// provider; the pipeline never inspects anything beyond this contract.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// EchoGenerator returns the existing files unchanged. It lets the pipeline
// run end to end on caller-supplied code without a model provider, which is
// all the daemon wires by default; it cannot author or correct code.
type EchoGenerator struct{}

func (EchoGenerator) Generate(_ context.Context, req GenerationRequest) (*GenerationResult, error) {
	if len(req.ExistingFiles) == 0 {
		return &GenerationResult{
			Error: "echo generator has no files to work with; supply files or inject a model-backed generator",
		}, nil
	}
	return &GenerationResult{
		Success:     true,
		Files:       req.ExistingFiles,
		Explanation: "echoed existing files without modification",
	}, nil
}
