package testgen

import (
	"path/filepath"
	"regexp"
	"strings"

	"crucible/internal/sandbox"
)

// Extraction stays regex-based on purpose: generated single-file projects
// rarely exercise grammar corners, and a wrong miss only costs a weaker test
// file, never a pipeline failure.
var (
	pythonDefRe = regexp.MustCompile(`(?m)^(async\s+)?def\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*(?:->\s*([^:]+?))?\s*:`)

	jsFuncRe  = regexp.MustCompile(`(?m)^(?:export\s+)?(?:default\s+)?(async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(([^)]*)\)(?:\s*:\s*([^\n{]+))?`)
	jsArrowRe = regexp.MustCompile(`(?m)^(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(async\s+)?\(([^)]*)\)\s*(?::\s*([^=]+?))?\s*=>`)

	goFuncRe    = regexp.MustCompile(`(?m)^func\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*([^{\n]*)\{`)
	goPackageRe = regexp.MustCompile(`(?m)^package\s+([A-Za-z_]\w*)`)

	csMethodRe = regexp.MustCompile(`(?m)^\s*((?:(?:public|private|protected|internal|static|virtual|override|sealed|async)\s+)+)([\w<>\[\],.\s?]+?)\s+([A-Za-z_]\w*)\s*\(([^)]*)\)`)

	javaMethodRe = regexp.MustCompile(`(?m)^\s*((?:(?:public|private|protected|static|final|synchronized|abstract|native)\s+)+)([\w<>\[\],.\s]+?)\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*(?:throws\s+[\w.,\s]+)?\{`)

	classDeclRe = regexp.MustCompile(`(?m)^\s*(?:public\s+|internal\s+|final\s+|abstract\s+|sealed\s+|static\s+|partial\s+)*class\s+([A-Za-z_]\w*)`)

	rubyDefRe = regexp.MustCompile(`(?m)^def\s+(self\.)?([a-z_]\w*[?!]?)\s*(?:\(([^)]*)\))?`)

	phpFuncRe = regexp.MustCompile(`(?m)^function\s+([A-Za-z_]\w*)\s*\(([^)]*)\)(?:\s*:\s*\??([\w|\\]+))?`)
)

// Extract pulls callable signatures out of the file set. Duplicate names
// keep their first definition so emitted test names stay unique.
func Extract(language string, files []sandbox.ProjectFile) []Signature {
	var sigs []Signature
	for _, f := range files {
		if isTestPath(f.Path) {
			continue
		}
		switch language {
		case "python":
			sigs = append(sigs, extractPython(f)...)
		case "javascript", "typescript":
			sigs = append(sigs, extractJS(f)...)
		case "go":
			sigs = append(sigs, extractGo(f)...)
		case "csharp":
			sigs = append(sigs, extractCFamily(f, csMethodRe)...)
		case "java":
			sigs = append(sigs, extractCFamily(f, javaMethodRe)...)
		case "ruby":
			sigs = append(sigs, extractRuby(f)...)
		case "php":
			sigs = append(sigs, extractPHP(f)...)
		}
	}

	seen := make(map[string]bool, len(sigs))
	deduped := sigs[:0]
	for _, s := range sigs {
		if seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		deduped = append(deduped, s)
	}
	return deduped
}

func isTestPath(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return strings.HasPrefix(base, "test_") ||
		strings.Contains(base, "_test.") ||
		strings.Contains(base, ".test.") ||
		strings.HasPrefix(base, "generatedtest")
}

func skipName(name string) bool {
	switch {
	case name == "", name == "main", name == "init":
		return true
	case strings.HasPrefix(name, "_"):
		return true
	case strings.HasPrefix(name, "test"), strings.HasPrefix(name, "Test"):
		return true
	}
	return false
}

func extractPython(f sandbox.ProjectFile) []Signature {
	var sigs []Signature
	for _, m := range pythonDefRe.FindAllStringSubmatch(f.Content, -1) {
		name := m[2]
		if skipName(name) {
			continue
		}
		sigs = append(sigs, Signature{
			Name:       name,
			File:       f.Path,
			Parameters: parseDynamicParams(m[3]),
			ReturnType: strings.TrimSpace(m[4]),
			IsAsync:    m[1] != "",
		})
	}
	return sigs
}

func extractJS(f sandbox.ProjectFile) []Signature {
	var sigs []Signature
	for _, m := range jsFuncRe.FindAllStringSubmatch(f.Content, -1) {
		name := m[2]
		if skipName(name) {
			continue
		}
		sigs = append(sigs, Signature{
			Name:       name,
			File:       f.Path,
			Parameters: parseDynamicParams(m[3]),
			ReturnType: strings.TrimSpace(m[4]),
			IsAsync:    m[1] != "",
		})
	}
	for _, m := range jsArrowRe.FindAllStringSubmatch(f.Content, -1) {
		name := m[1]
		if skipName(name) {
			continue
		}
		sigs = append(sigs, Signature{
			Name:       name,
			File:       f.Path,
			Parameters: parseDynamicParams(m[3]),
			ReturnType: strings.TrimSpace(m[4]),
			IsAsync:    m[2] != "",
		})
	}
	return sigs
}

// extractGo skips methods: the receiver form never matches because an
// identifier must follow the func keyword.
func extractGo(f sandbox.ProjectFile) []Signature {
	var sigs []Signature
	for _, m := range goFuncRe.FindAllStringSubmatch(f.Content, -1) {
		name := m[1]
		if skipName(name) {
			continue
		}
		sigs = append(sigs, Signature{
			Name:       name,
			File:       f.Path,
			Parameters: parseGoParams(m[2]),
			ReturnType: strings.TrimSpace(m[3]),
		})
	}
	return sigs
}

func goPackageName(files []sandbox.ProjectFile) string {
	for _, f := range files {
		if !strings.HasSuffix(f.Path, ".go") {
			continue
		}
		if m := goPackageRe.FindStringSubmatch(f.Content); m != nil {
			return m[1]
		}
	}
	return "main"
}

// extractCFamily handles C# and Java. Each method is attributed to the
// nearest preceding class declaration so the emitter knows the call target.
// Constructors never match: they lack the return-type token.
func extractCFamily(f sandbox.ProjectFile, re *regexp.Regexp) []Signature {
	classes := classDeclRe.FindAllStringSubmatchIndex(f.Content, -1)
	enclosing := func(pos int) string {
		name := ""
		for _, c := range classes {
			if c[0] <= pos {
				name = f.Content[c[2]:c[3]]
			}
		}
		return name
	}

	var sigs []Signature
	for _, m := range re.FindAllStringSubmatchIndex(f.Content, -1) {
		mods := f.Content[m[2]:m[3]]
		ret := strings.TrimSpace(f.Content[m[4]:m[5]])
		name := f.Content[m[6]:m[7]]
		params := f.Content[m[8]:m[9]]
		if skipName(name) || name == ret {
			continue
		}
		if strings.Contains(params, "ref ") || strings.Contains(params, "out ") {
			continue
		}
		sigs = append(sigs, Signature{
			Name:       name,
			File:       f.Path,
			Class:      enclosing(m[0]),
			Static:     strings.Contains(mods, "static"),
			Parameters: parseTypedParams(params),
			ReturnType: ret,
			IsAsync:    strings.Contains(mods, "async"),
		})
	}
	return sigs
}

func extractRuby(f sandbox.ProjectFile) []Signature {
	var sigs []Signature
	for _, m := range rubyDefRe.FindAllStringSubmatch(f.Content, -1) {
		name := m[2]
		// Singleton methods on main are not reachable from a test class.
		if skipName(name) || m[1] != "" {
			continue
		}
		sigs = append(sigs, Signature{
			Name:       name,
			File:       f.Path,
			Parameters: parseRubyParams(m[3]),
		})
	}
	return sigs
}

func extractPHP(f sandbox.ProjectFile) []Signature {
	var sigs []Signature
	for _, m := range phpFuncRe.FindAllStringSubmatch(f.Content, -1) {
		name := m[1]
		if skipName(name) {
			continue
		}
		sigs = append(sigs, Signature{
			Name:       name,
			File:       f.Path,
			Parameters: parsePHPParams(m[2]),
			ReturnType: m[3],
		})
	}
	return sigs
}

// splitParams breaks a parameter list at top-level commas only, so generic
// and grouped types survive intact.
func splitParams(raw string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '<', '(', '[', '{':
			depth++
		case '>', ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, raw[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, raw[start:])
}

// parseDynamicParams handles python and javascript style lists, where the
// annotation follows the name and defaults follow an equals sign.
func parseDynamicParams(raw string) []Parameter {
	var params []Parameter
	for _, part := range splitParams(raw) {
		part = strings.TrimSpace(part)
		if part == "" || part == "self" || part == "cls" {
			continue
		}
		if strings.HasPrefix(part, "*") || strings.HasPrefix(part, "...") {
			continue
		}
		if eq := strings.Index(part, "="); eq >= 0 {
			part = strings.TrimSpace(part[:eq])
		}
		if strings.HasPrefix(part, "{") || strings.HasPrefix(part, "[") {
			params = append(params, Parameter{Name: "options", Type: "object"})
			continue
		}
		name, typ := part, ""
		if colon := strings.Index(part, ":"); colon >= 0 {
			name = strings.TrimSpace(part[:colon])
			typ = strings.TrimSpace(part[colon+1:])
		}
		params = append(params, Parameter{Name: strings.TrimSuffix(name, "?"), Type: typ})
	}
	return params
}

// parseTypedParams handles C# and Java "Type name" ordering.
func parseTypedParams(raw string) []Parameter {
	var params []Parameter
	for _, part := range splitParams(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if eq := strings.Index(part, "="); eq >= 0 {
			part = strings.TrimSpace(part[:eq])
		}
		part = strings.TrimPrefix(part, "params ")
		part = strings.TrimPrefix(part, "final ")
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		params = append(params, Parameter{
			Name: fields[len(fields)-1],
			Type: strings.Join(fields[:len(fields)-1], " "),
		})
	}
	return params
}

// parseGoParams expands grouped declarations like "a, b int" by walking the
// list right to left and carrying the last seen type.
func parseGoParams(raw string) []Parameter {
	parts := splitParams(raw)
	params := make([]Parameter, 0, len(parts))
	lastType := ""
	for i := len(parts) - 1; i >= 0; i-- {
		part := strings.TrimSpace(parts[i])
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		if len(fields) == 1 {
			params = append(params, Parameter{Name: fields[0], Type: lastType})
			continue
		}
		lastType = strings.Join(fields[1:], " ")
		params = append(params, Parameter{Name: fields[0], Type: lastType})
	}
	for i, j := 0, len(params)-1; i < j; i, j = i+1, j-1 {
		params[i], params[j] = params[j], params[i]
	}
	return params
}

// parseRubyParams keeps keyword parameters distinguishable by their trailing
// colon so the emitter can pass them by name.
func parseRubyParams(raw string) []Parameter {
	var params []Parameter
	for _, part := range splitParams(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "*") || strings.HasPrefix(part, "&") {
			continue
		}
		if eq := strings.Index(part, "="); eq >= 0 {
			part = strings.TrimSpace(part[:eq])
		}
		if colon := strings.Index(part, ":"); colon >= 0 {
			params = append(params, Parameter{Name: strings.TrimSpace(part[:colon]) + ":"})
			continue
		}
		params = append(params, Parameter{Name: part})
	}
	return params
}

// parsePHPParams handles "type $name" ordering with optional by-reference
// and nullable markers.
func parsePHPParams(raw string) []Parameter {
	var params []Parameter
	for _, part := range splitParams(raw) {
		part = strings.TrimSpace(part)
		if part == "" || strings.Contains(part, "...") {
			continue
		}
		if eq := strings.Index(part, "="); eq >= 0 {
			part = strings.TrimSpace(part[:eq])
		}
		fields := strings.Fields(part)
		name := fields[len(fields)-1]
		name = strings.TrimPrefix(name, "&")
		name = strings.TrimPrefix(name, "$")
		typ := ""
		if len(fields) > 1 {
			typ = strings.TrimPrefix(strings.Join(fields[:len(fields)-1], " "), "?")
		}
		params = append(params, Parameter{Name: name, Type: typ})
	}
	return params
}
