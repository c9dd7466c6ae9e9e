package sandbox

import "strings"

// languageSpec holds runtime defaults for one supported language.
// Zero resource fields fall back to the executor config.
type languageSpec struct {
	Name       string
	Image      string
	MemoryMB   int
	CPU        float64
	Pids       int
	TimeoutSec int
}

// unsupportedImage is the minimal base used when the language is unknown; the
// generated entrypoint reports the failure from inside the container so the
// result trail stays uniform.
const unsupportedImage = "busybox:1.36"

var languageSpecs = map[string]languageSpec{
	"python": {
		Name:  "python",
		Image: "python:3.12-slim-bookworm",
	},
	"javascript": {
		Name:  "javascript",
		Image: "node:20-slim",
	},
	"typescript": {
		Name:  "typescript",
		Image: "node:20-slim",
	},
	"csharp": {
		Name:       "csharp",
		Image:      "mcr.microsoft.com/dotnet/sdk:8.0",
		MemoryMB:   1024,
		TimeoutSec: 120,
	},
	"java": {
		Name:       "java",
		Image:      "eclipse-temurin:21-jdk-jammy",
		MemoryMB:   1024,
		CPU:        1.5,
		Pids:       256,
		TimeoutSec: 90,
	},
	"go": {
		Name:       "go",
		Image:      "golang:1.22-bookworm",
		MemoryMB:   768,
		CPU:        1.5,
		Pids:       192,
		TimeoutSec: 90,
	},
	"rust": {
		Name:       "rust",
		Image:      "rust:1.75-slim-bookworm",
		MemoryMB:   1024,
		CPU:        2.0,
		Pids:       256,
		TimeoutSec: 120,
	},
	"ruby": {
		Name:  "ruby",
		Image: "ruby:3.3-slim",
	},
	"php": {
		Name:  "php",
		Image: "php:8.3-cli",
	},
}

// CanonicalLanguage maps aliases onto the canonical language name. Unknown
// inputs come back lowercased and trimmed.
func CanonicalLanguage(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	switch lang {
	case "js", "node", "nodejs":
		return "javascript"
	case "ts":
		return "typescript"
	case "py", "python3":
		return "python"
	case "golang":
		return "go"
	case "dotnet", "c#":
		return "csharp"
	default:
		return lang
	}
}

// SupportedLanguage reports whether the language (or an alias) is supported.
func SupportedLanguage(language string) bool {
	_, ok := languageSpecs[CanonicalLanguage(language)]
	return ok
}

// SupportedLanguages lists the canonical language names.
func SupportedLanguages() []string {
	names := make([]string, 0, len(languageSpecs))
	for name := range languageSpecs {
		names = append(names, name)
	}
	return names
}

// resolveLanguage returns the effective spec for a request language, applying
// configured image overrides and falling back to the global resource limits.
func resolveLanguage(language string, cfg Config) languageSpec {
	canonical := CanonicalLanguage(language)
	spec, ok := languageSpecs[canonical]
	if !ok {
		spec = languageSpec{Name: canonical, Image: unsupportedImage}
	}

	if override, ok := cfg.Images[canonical]; ok && override != "" {
		spec.Image = override
	}
	if spec.MemoryMB <= 0 {
		spec.MemoryMB = cfg.MemoryLimitMB
	}
	if spec.CPU <= 0 {
		spec.CPU = cfg.CPULimit
	}
	if spec.Pids <= 0 {
		spec.Pids = cfg.PidsLimit
	}
	if spec.TimeoutSec <= 0 {
		spec.TimeoutSec = cfg.DefaultTimeoutSeconds
	}
	return spec
}
