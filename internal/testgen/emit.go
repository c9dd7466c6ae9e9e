package testgen

import (
	"fmt"
	"strings"
	"unicode"

	"crucible/internal/sandbox"
)

func emit(language string, sigs []Signature, files []sandbox.ProjectFile) string {
	switch language {
	case "python":
		return emitPython(sigs)
	case "javascript":
		return emitJS(sigs, false)
	case "typescript":
		return emitJS(sigs, true)
	case "go":
		return emitGo(sigs, goPackageName(files))
	case "csharp":
		return emitCSharp(sigs)
	case "java":
		return emitJava(sigs)
	case "ruby":
		return emitRuby(sigs)
	case "php":
		return emitPHP(sigs)
	case "rust":
		return "#[test]\nfn generated_smoke() {\n    assert_eq!(2 + 2, 4);\n}\n"
	}
	return ""
}

// upperCamel converts snake or camel identifiers into an UpperCamel token
// for test names.
func upperCamel(name string) string {
	var b strings.Builder
	up := true
	for _, r := range name {
		switch r {
		case '_', '$', '?', '!':
			up = true
			continue
		}
		if up {
			b.WriteRune(unicode.ToUpper(r))
			up = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// snakeName lowercases an identifier into snake_case for python and ruby
// test names.
func snakeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '?' || r == '!' || r == '$':
			continue
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// moduleStem strips the extension and maps path separators to the
// language's import separator.
func moduleStem(path, ext, sep string) string {
	stem := strings.TrimSuffix(path, ext)
	return strings.ReplaceAll(strings.ReplaceAll(stem, "\\", "/"), "/", sep)
}

type importGroup struct {
	module string
	names  []string
}

func groupByFile(sigs []Signature, stem func(string) string) []importGroup {
	var groups []importGroup
	index := map[string]int{}
	for _, s := range sigs {
		mod := stem(s.File)
		i, ok := index[mod]
		if !ok {
			i = len(groups)
			index[mod] = i
			groups = append(groups, importGroup{module: mod})
		}
		groups[i].names = append(groups[i].names, s.Name)
	}
	return groups
}

func pySample(typ string, basic bool) string {
	if !basic {
		return "None"
	}
	t := strings.ToLower(strings.TrimSpace(typ))
	switch {
	case t == "str":
		return `"test"`
	case t == "int":
		return "42"
	case t == "float":
		return "3.14"
	case t == "bool":
		return "True"
	case strings.HasPrefix(t, "list"):
		return "[]"
	case strings.HasPrefix(t, "dict"):
		return "{}"
	case strings.HasPrefix(t, "set"):
		return "set()"
	case strings.HasPrefix(t, "tuple"):
		return "()"
	case t == "":
		return "42"
	default:
		return "None"
	}
}

func pyArgs(s Signature, basic bool) string {
	args := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		args = append(args, pySample(p.Type, basic))
	}
	return strings.Join(args, ", ")
}

func emitPython(sigs []Signature) string {
	var b strings.Builder
	b.WriteString("\"\"\"Generated tests.\"\"\"\n")

	for _, s := range sigs {
		if s.IsAsync {
			b.WriteString("import asyncio\n")
			break
		}
	}
	for _, g := range groupByFile(sigs, func(p string) string { return moduleStem(p, ".py", ".") }) {
		b.WriteString(fmt.Sprintf("from %s import %s\n", g.module, strings.Join(g.names, ", ")))
	}

	var testNames []string
	if len(sigs) == 0 {
		testNames = append(testNames, "test_generated_smoke")
		b.WriteString("\n\ndef test_generated_smoke():\n    assert True\n")
	}
	for _, s := range sigs {
		basic := "test_" + snakeName(s.Name) + "_basic_input"
		edge := "test_" + snakeName(s.Name) + "_edge_case"
		testNames = append(testNames, basic, edge)

		call := fmt.Sprintf("%s(%s)", s.Name, pyArgs(s, true))
		if s.IsAsync {
			call = "asyncio.run(" + call + ")"
		}
		b.WriteString("\n\ndef " + basic + "():\n")
		if strings.TrimSpace(s.ReturnType) == "None" {
			b.WriteString("    " + call + "\n")
		} else {
			b.WriteString("    result = " + call + "\n")
			b.WriteString("    assert result is not None\n")
		}

		edgeCall := fmt.Sprintf("%s(%s)", s.Name, pyArgs(s, false))
		if s.IsAsync {
			edgeCall = "asyncio.run(" + edgeCall + ")"
		}
		b.WriteString("\n\ndef " + edge + "():\n")
		b.WriteString("    try:\n")
		b.WriteString("        " + edgeCall + "\n")
		b.WriteString("    except (TypeError, ValueError, AttributeError):\n")
		b.WriteString("        pass\n")
	}

	// Runnable without pytest as well: the sandbox falls back to direct
	// execution when the framework is unavailable.
	b.WriteString("\n\nif __name__ == \"__main__\":\n")
	for _, name := range testNames {
		b.WriteString("    " + name + "()\n")
	}
	b.WriteString("    print(\"ALL TESTS PASSED\")\n")
	return b.String()
}

func jsSample(typ string, basic bool) string {
	if !basic {
		return "null"
	}
	t := strings.ToLower(strings.TrimSpace(typ))
	switch {
	case t == "string":
		return "'test'"
	case t == "number":
		return "42"
	case t == "boolean":
		return "true"
	case strings.HasSuffix(t, "[]"), strings.HasPrefix(t, "array"):
		return "[]"
	case t == "object", strings.HasPrefix(t, "{"), strings.HasPrefix(t, "record<"):
		return "{}"
	case t == "", t == "any", t == "unknown":
		return "42"
	default:
		return "null"
	}
}

func jsArgs(s Signature, basic bool) string {
	args := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		args = append(args, jsSample(p.Type, basic))
	}
	return strings.Join(args, ", ")
}

func jsVoid(ret string) bool {
	t := strings.ReplaceAll(strings.TrimSpace(ret), " ", "")
	return t == "void" || t == "Promise<void>"
}

func emitJS(sigs []Signature, typescript bool) string {
	var b strings.Builder
	if typescript {
		b.WriteString("import test from 'node:test';\nimport assert from 'node:assert';\n")
		for _, g := range groupByFile(sigs, func(p string) string { return "./" + strings.TrimSuffix(p, ".ts") }) {
			b.WriteString(fmt.Sprintf("import { %s } from '%s';\n", strings.Join(g.names, ", "), g.module))
		}
	} else {
		b.WriteString("'use strict';\nconst test = require('node:test');\nconst assert = require('node:assert');\n")
		for _, g := range groupByFile(sigs, func(p string) string { return "./" + p }) {
			b.WriteString(fmt.Sprintf("const { %s } = require('%s');\n", strings.Join(g.names, ", "), g.module))
		}
	}

	if len(sigs) == 0 {
		b.WriteString("\ntest('generated smoke', () => {\n  assert.ok(true);\n});\n")
		return b.String()
	}

	for _, s := range sigs {
		arrow := "() => {"
		await := ""
		if s.IsAsync {
			arrow = "async () => {"
			await = "await "
		}

		b.WriteString(fmt.Sprintf("\ntest('%s basic input', %s\n", s.Name, arrow))
		call := fmt.Sprintf("%s%s(%s)", await, s.Name, jsArgs(s, true))
		if jsVoid(s.ReturnType) {
			b.WriteString("  " + call + ";\n")
		} else {
			b.WriteString("  const result = " + call + ";\n")
			b.WriteString("  assert.notStrictEqual(result, undefined);\n")
		}
		b.WriteString("});\n")

		b.WriteString(fmt.Sprintf("\ntest('%s edge case', %s\n", s.Name, arrow))
		b.WriteString("  try {\n")
		b.WriteString(fmt.Sprintf("    %s%s(%s);\n", await, s.Name, jsArgs(s, false)))
		b.WriteString("  } catch (err) {\n")
		b.WriteString("    assert.ok(err instanceof Error);\n")
		b.WriteString("  }\n")
		b.WriteString("});\n")
	}
	return b.String()
}

var goIntTypes = map[string]bool{
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true,
	"byte": true, "rune": true, "uintptr": true,
}

// goSample returns a literal for the type, or "" when the caller should
// declare a zero-value variable instead.
func goSample(typ string, basic bool) string {
	switch {
	case typ == "string":
		if basic {
			return `"test"`
		}
		return `""`
	case goIntTypes[typ]:
		if basic {
			return "42"
		}
		return "0"
	case typ == "float32" || typ == "float64":
		if basic {
			return "3.14"
		}
		return "0"
	case typ == "bool":
		if basic {
			return "true"
		}
		return "false"
	case strings.HasPrefix(typ, "[]"), strings.HasPrefix(typ, "map["):
		if basic {
			return typ + "{}"
		}
		return "nil"
	case strings.HasPrefix(typ, "*"), strings.HasPrefix(typ, "chan "),
		strings.HasPrefix(typ, "func("), typ == "error",
		typ == "any", typ == "interface{}":
		return "nil"
	case typ == "":
		return "nil"
	default:
		return ""
	}
}

func goReturnCount(ret string) int {
	ret = strings.TrimSpace(ret)
	if ret == "" {
		return 0
	}
	if strings.HasPrefix(ret, "(") {
		inner := strings.TrimSuffix(strings.TrimPrefix(ret, "("), ")")
		return len(splitParams(inner))
	}
	return 1
}

func writeGoTest(b *strings.Builder, s Signature, basic bool) {
	suffix := "BasicInput"
	if !basic {
		suffix = "EdgeCase"
	}
	b.WriteString("\nfunc Test" + upperCamel(s.Name) + suffix + "(t *testing.T) {\n")
	if !basic {
		b.WriteString("\tdefer func() { _ = recover() }()\n")
	}

	args := make([]string, 0, len(s.Parameters))
	for i, p := range s.Parameters {
		if strings.HasPrefix(p.Type, "...") {
			continue
		}
		lit := goSample(p.Type, basic)
		if lit == "" {
			name := fmt.Sprintf("arg%d", i)
			b.WriteString("\tvar " + name + " " + p.Type + "\n")
			args = append(args, name)
		} else {
			args = append(args, lit)
		}
	}

	call := s.Name + "(" + strings.Join(args, ", ") + ")"
	switch n := goReturnCount(s.ReturnType); n {
	case 0:
		b.WriteString("\t" + call + "\n")
	case 1:
		b.WriteString("\tresult := " + call + "\n")
		b.WriteString("\t_ = result\n")
	default:
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("got%d", i)
		}
		b.WriteString("\t" + strings.Join(names, ", ") + " := " + call + "\n")
		for _, name := range names {
			b.WriteString("\t_ = " + name + "\n")
		}
	}
	b.WriteString("}\n")
}

func emitGo(sigs []Signature, pkg string) string {
	var b strings.Builder
	b.WriteString("package " + pkg + "\n\nimport \"testing\"\n")
	if len(sigs) == 0 {
		b.WriteString("\nfunc TestGeneratedSmoke(t *testing.T) {\n\tt.Log(\"no callable signatures found\")\n}\n")
		return b.String()
	}
	for _, s := range sigs {
		writeGoTest(&b, s, true)
		writeGoTest(&b, s, false)
	}
	return b.String()
}

func csSample(typ string) string {
	t := strings.TrimSpace(typ)
	switch t {
	case "string", "String":
		return `"test"`
	case "int", "long", "short", "uint", "ulong", "Int32", "Int64":
		return "42"
	case "double":
		return "3.14"
	case "float":
		return "3.14f"
	case "decimal":
		return "3.14m"
	case "bool":
		return "true"
	case "char":
		return "'a'"
	}
	if strings.HasSuffix(t, "[]") {
		return "new " + strings.TrimSuffix(t, "[]") + "[0]"
	}
	return "default"
}

func csArgs(s Signature, basic bool) string {
	args := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		if basic {
			args = append(args, csSample(p.Type))
		} else {
			args = append(args, "default")
		}
	}
	return strings.Join(args, ", ")
}

func csTarget(s Signature) string {
	if s.Static {
		return s.Class + "." + s.Name
	}
	return "new " + s.Class + "()." + s.Name
}

func emitCSharp(sigs []Signature) string {
	var b strings.Builder
	b.WriteString("using System;\nusing Xunit;\n\npublic class GeneratedTests\n{\n")

	wrote := false
	for _, s := range sigs {
		if s.Class == "" {
			continue
		}
		wrote = true
		void := s.ReturnType == "void" || s.ReturnType == "Task"

		b.WriteString("    [Fact]\n")
		b.WriteString("    public void " + upperCamel(s.Name) + "_BasicInput()\n    {\n")
		call := fmt.Sprintf("%s(%s)", csTarget(s), csArgs(s, true))
		if void {
			b.WriteString("        " + call + ";\n")
		} else {
			b.WriteString("        var result = " + call + ";\n")
			b.WriteString("        Assert.NotNull((object)result);\n")
		}
		b.WriteString("    }\n\n")

		b.WriteString("    [Fact]\n")
		b.WriteString("    public void " + upperCamel(s.Name) + "_EdgeCase()\n    {\n")
		b.WriteString("        try\n        {\n")
		b.WriteString(fmt.Sprintf("            %s(%s);\n", csTarget(s), csArgs(s, false)))
		b.WriteString("        }\n        catch (Exception)\n        {\n        }\n")
		b.WriteString("    }\n\n")
	}

	if !wrote {
		b.WriteString("    [Fact]\n    public void GeneratedSmoke()\n    {\n        Assert.True(true);\n    }\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func javaSample(typ string, basic bool) string {
	t := strings.TrimSpace(typ)
	switch t {
	case "int", "long", "short", "byte", "Integer", "Long":
		if basic {
			return "42"
		}
		return "0"
	case "double", "Double":
		if basic {
			return "3.14"
		}
		return "0.0"
	case "float", "Float":
		if basic {
			return "3.14f"
		}
		return "0.0f"
	case "boolean", "Boolean":
		if basic {
			return "true"
		}
		return "false"
	case "char", "Character":
		return "'a'"
	case "String":
		if basic {
			return `"test"`
		}
		return "null"
	}
	switch {
	case strings.HasSuffix(t, "[]"):
		return "new " + strings.TrimSuffix(t, "[]") + "[0]"
	case strings.HasPrefix(t, "List"), strings.HasPrefix(t, "ArrayList"):
		return "new java.util.ArrayList<>()"
	case strings.HasPrefix(t, "Map"), strings.HasPrefix(t, "HashMap"):
		return "new java.util.HashMap<>()"
	}
	return "null"
}

func javaArgs(s Signature, basic bool) string {
	args := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		args = append(args, javaSample(p.Type, basic))
	}
	return strings.Join(args, ", ")
}

func javaTarget(s Signature) string {
	if s.Static {
		return s.Class + "." + s.Name
	}
	return "new " + s.Class + "()." + s.Name
}

// emitJava writes a self-contained harness: the sandbox image carries no
// JUnit jar, so the tests run under a plain main with an exit code.
func emitJava(sigs []Signature) string {
	callable := sigs[:0:0]
	for _, s := range sigs {
		if s.Class != "" {
			callable = append(callable, s)
		}
	}

	var b strings.Builder
	b.WriteString("public class GeneratedTest {\n\n")
	b.WriteString("    private static int failures;\n\n")

	b.WriteString("    public static void main(String[] args) {\n")
	if len(callable) == 0 {
		b.WriteString("        check(\"generated smoke\", true);\n")
	}
	for _, s := range callable {
		b.WriteString("        test" + upperCamel(s.Name) + "BasicInput();\n")
		b.WriteString("        test" + upperCamel(s.Name) + "EdgeCase();\n")
	}
	b.WriteString("        if (failures > 0) {\n")
	b.WriteString("            System.out.println(failures + \" tests failed\");\n")
	b.WriteString("            System.exit(1);\n")
	b.WriteString("        }\n")
	b.WriteString("        System.out.println(\"ALL TESTS PASSED\");\n")
	b.WriteString("    }\n")

	for _, s := range callable {
		label := snakeName(s.Name) + " basic input"
		void := s.ReturnType == "void"

		b.WriteString("\n    static void test" + upperCamel(s.Name) + "BasicInput() {\n")
		b.WriteString("        try {\n")
		call := fmt.Sprintf("%s(%s)", javaTarget(s), javaArgs(s, true))
		if void {
			b.WriteString("            " + call + ";\n")
			b.WriteString("            check(\"" + label + "\", true);\n")
		} else {
			b.WriteString("            Object result = " + call + ";\n")
			b.WriteString("            check(\"" + label + "\", result != null);\n")
		}
		b.WriteString("        } catch (Throwable t) {\n")
		b.WriteString("            check(\"" + label + "\", false);\n")
		b.WriteString("        }\n    }\n")

		edgeLabel := snakeName(s.Name) + " edge case"
		b.WriteString("\n    static void test" + upperCamel(s.Name) + "EdgeCase() {\n")
		b.WriteString("        try {\n")
		b.WriteString(fmt.Sprintf("            %s(%s);\n", javaTarget(s), javaArgs(s, false)))
		b.WriteString("        } catch (Throwable t) {\n")
		b.WriteString("            // expected failures are acceptable here\n")
		b.WriteString("        }\n")
		b.WriteString("        check(\"" + edgeLabel + "\", true);\n")
		b.WriteString("    }\n")
	}

	b.WriteString("\n    private static void check(String name, boolean ok) {\n")
	b.WriteString("        if (ok) {\n")
	b.WriteString("            System.out.println(\"PASS \" + name);\n")
	b.WriteString("        } else {\n")
	b.WriteString("            failures++;\n")
	b.WriteString("            System.out.println(\"FAIL \" + name);\n")
	b.WriteString("        }\n")
	b.WriteString("    }\n}\n")
	return b.String()
}

func rubyArg(p Parameter, basic bool) string {
	value := "42"
	if !basic {
		value = "nil"
	}
	if strings.HasSuffix(p.Name, ":") {
		return p.Name + " " + value
	}
	return value
}

func rubyArgs(s Signature, basic bool) string {
	args := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		args = append(args, rubyArg(p, basic))
	}
	return strings.Join(args, ", ")
}

func emitRuby(sigs []Signature) string {
	var b strings.Builder
	b.WriteString("require 'minitest/autorun'\n")
	for _, g := range groupByFile(sigs, func(p string) string { return strings.TrimSuffix(p, ".rb") }) {
		b.WriteString("require_relative '" + g.module + "'\n")
	}

	b.WriteString("\nclass GeneratedTest < Minitest::Test\n")
	if len(sigs) == 0 {
		b.WriteString("  def test_generated_smoke\n    assert true\n  end\n")
	}
	for _, s := range sigs {
		b.WriteString("\n  def test_" + snakeName(s.Name) + "_basic_input\n")
		b.WriteString(fmt.Sprintf("    result = %s(%s)\n", s.Name, rubyArgs(s, true)))
		b.WriteString("    refute_nil result\n")
		b.WriteString("  end\n")

		b.WriteString("\n  def test_" + snakeName(s.Name) + "_edge_case\n")
		b.WriteString(fmt.Sprintf("    %s(%s)\n", s.Name, rubyArgs(s, false)))
		b.WriteString("  rescue StandardError\n")
		b.WriteString("  end\n")
	}
	b.WriteString("end\n")
	return b.String()
}

func phpSample(typ string, basic bool) string {
	if !basic {
		return "null"
	}
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "string":
		return "'test'"
	case "int":
		return "42"
	case "float":
		return "3.14"
	case "bool":
		return "true"
	case "array":
		return "[]"
	case "":
		return "42"
	default:
		return "null"
	}
}

func phpArgs(s Signature, basic bool) string {
	args := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		args = append(args, phpSample(p.Type, basic))
	}
	return strings.Join(args, ", ")
}

func emitPHP(sigs []Signature) string {
	var b strings.Builder
	b.WriteString("<?php\n\n")

	seen := map[string]bool{}
	for _, s := range sigs {
		if seen[s.File] {
			continue
		}
		seen[s.File] = true
		b.WriteString("require __DIR__ . '/" + s.File + "';\n")
	}

	b.WriteString("\n$failures = 0;\n\n")
	b.WriteString("function generated_check(string $name, bool $ok): void\n{\n")
	b.WriteString("    global $failures;\n")
	b.WriteString("    if ($ok) {\n        echo \"PASS {$name}\\n\";\n")
	b.WriteString("    } else {\n        fwrite(STDERR, \"FAIL {$name}\\n\");\n        $failures++;\n    }\n}\n")

	if len(sigs) == 0 {
		b.WriteString("\ngenerated_check('generated smoke', true);\n")
	}
	for _, s := range sigs {
		label := snakeName(s.Name) + " basic input"
		b.WriteString("\ntry {\n")
		b.WriteString(fmt.Sprintf("    $result = %s(%s);\n", s.Name, phpArgs(s, true)))
		b.WriteString(fmt.Sprintf("    generated_check('%s', $result !== null);\n", label))
		b.WriteString("} catch (Throwable $e) {\n")
		b.WriteString(fmt.Sprintf("    generated_check('%s', false);\n", label))
		b.WriteString("}\n")

		edge := snakeName(s.Name) + " edge case"
		b.WriteString("\ntry {\n")
		b.WriteString(fmt.Sprintf("    %s(%s);\n", s.Name, phpArgs(s, false)))
		b.WriteString(fmt.Sprintf("    generated_check('%s', true);\n", edge))
		b.WriteString("} catch (Throwable $e) {\n")
		b.WriteString(fmt.Sprintf("    generated_check('%s', true);\n", edge))
		b.WriteString("}\n")
	}

	b.WriteString("\nif ($failures > 0) {\n    exit(1);\n}\n")
	b.WriteString("echo \"ALL TESTS PASSED\\n\";\n")
	return b.String()
}
