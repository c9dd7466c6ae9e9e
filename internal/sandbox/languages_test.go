package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalLanguage(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"python", "python"},
		{"Python3", "python"},
		{"py", "python"},
		{"js", "javascript"},
		{"node", "javascript"},
		{"NodeJS", "javascript"},
		{"ts", "typescript"},
		{"golang", "go"},
		{"dotnet", "csharp"},
		{"C#", "csharp"},
		{" java ", "java"},
		{"cobol", "cobol"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalLanguage(tt.input))
		})
	}
}

func TestSupportedLanguage(t *testing.T) {
	assert.True(t, SupportedLanguage("python"))
	assert.True(t, SupportedLanguage("golang"))
	assert.True(t, SupportedLanguage("node"))
	assert.False(t, SupportedLanguage("cobol"))
	assert.False(t, SupportedLanguage(""))
}

func TestResolveLanguage(t *testing.T) {
	cfg := Config{
		MemoryLimitMB:         512,
		CPULimit:              1.0,
		PidsLimit:             128,
		DefaultTimeoutSeconds: 60,
		Images:                map[string]string{"python": "registry.local/python:3.12"},
	}

	t.Run("configured image override", func(t *testing.T) {
		spec := resolveLanguage("py", cfg)
		assert.Equal(t, "registry.local/python:3.12", spec.Image)
		assert.Equal(t, 512, spec.MemoryMB)
		assert.Equal(t, 60, spec.TimeoutSec)
	})

	t.Run("language defaults win over globals", func(t *testing.T) {
		spec := resolveLanguage("csharp", cfg)
		assert.Equal(t, 1024, spec.MemoryMB)
		assert.Equal(t, 120, spec.TimeoutSec)
		assert.Equal(t, 1.0, spec.CPU)
		assert.Equal(t, 128, spec.Pids)
	})

	t.Run("unknown language falls back to minimal image", func(t *testing.T) {
		spec := resolveLanguage("cobol", cfg)
		assert.Equal(t, unsupportedImage, spec.Image)
		assert.Equal(t, "cobol", spec.Name)
		assert.Equal(t, 512, spec.MemoryMB)
	})
}
