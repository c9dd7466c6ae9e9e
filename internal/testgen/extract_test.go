package testgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crucible/internal/sandbox"
)

func TestExtractPython(t *testing.T) {
	src := `def add(a, b):
    return a + b


async def fetch_data(url: str) -> dict:
    return {}


def _hidden():
    pass


def test_existing():
    pass


def main():
    pass


class Thing:
    def method(self):
        pass
`
	sigs := Extract("python", []sandbox.ProjectFile{{Path: "main.py", Content: src}})
	require.Len(t, sigs, 2)

	assert.Equal(t, "add", sigs[0].Name)
	assert.Equal(t, []Parameter{{Name: "a"}, {Name: "b"}}, sigs[0].Parameters)
	assert.False(t, sigs[0].IsAsync)

	assert.Equal(t, "fetch_data", sigs[1].Name)
	assert.Equal(t, []Parameter{{Name: "url", Type: "str"}}, sigs[1].Parameters)
	assert.Equal(t, "dict", sigs[1].ReturnType)
	assert.True(t, sigs[1].IsAsync)
}

func TestExtractGo(t *testing.T) {
	src := `package main

func Add(a, b int) (int, error) {
	return a + b, nil
}

func helper(names []string, m map[string]int) string {
	return ""
}

func main() {
}

func (s *Server) Handle(w int) {
}
`
	sigs := Extract("go", []sandbox.ProjectFile{{Path: "main.go", Content: src}})
	require.Len(t, sigs, 2)

	assert.Equal(t, "Add", sigs[0].Name)
	assert.Equal(t, []Parameter{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}}, sigs[0].Parameters)
	assert.Equal(t, "(int, error)", sigs[0].ReturnType)

	assert.Equal(t, "helper", sigs[1].Name)
	assert.Equal(t, []Parameter{
		{Name: "names", Type: "[]string"},
		{Name: "m", Type: "map[string]int"},
	}, sigs[1].Parameters)
	assert.Equal(t, "string", sigs[1].ReturnType)
}

func TestExtractJS(t *testing.T) {
	src := `function add(a, b) {
  return a + b;
}

export async function fetchData(url) {
  return fetch(url);
}

const mul = (x, y) => x * y;

function main() {
}

  function inner() {
  }
`
	sigs := Extract("javascript", []sandbox.ProjectFile{{Path: "index.js", Content: src}})
	require.Len(t, sigs, 3)
	assert.Equal(t, "add", sigs[0].Name)
	assert.Equal(t, "fetchData", sigs[1].Name)
	assert.True(t, sigs[1].IsAsync)
	assert.Equal(t, "mul", sigs[2].Name)
	assert.Equal(t, []Parameter{{Name: "x"}, {Name: "y"}}, sigs[2].Parameters)
}

func TestExtractCSharp(t *testing.T) {
	src := `using System;

public class Calculator
{
    public Calculator()
    {
    }

    public static int Add(int a, int b)
    {
        return a + b;
    }

    public string Greet(string name)
    {
        return "Hello " + name;
    }

    private static void Reset(ref int value)
    {
    }
}
`
	sigs := Extract("csharp", []sandbox.ProjectFile{{Path: "Program.cs", Content: src}})
	require.Len(t, sigs, 2)

	assert.Equal(t, "Add", sigs[0].Name)
	assert.Equal(t, "Calculator", sigs[0].Class)
	assert.True(t, sigs[0].Static)
	assert.Equal(t, "int", sigs[0].ReturnType)
	assert.Equal(t, []Parameter{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}}, sigs[0].Parameters)

	assert.Equal(t, "Greet", sigs[1].Name)
	assert.False(t, sigs[1].Static)
}

func TestExtractJava(t *testing.T) {
	src := `public class StringUtils {
    public StringUtils() {
    }

    public static String reverse(String input) {
        return new StringBuilder(input).reverse().toString();
    }

    public static void main(String[] args) {
        System.out.println(reverse("abc"));
    }
}
`
	sigs := Extract("java", []sandbox.ProjectFile{{Path: "StringUtils.java", Content: src}})
	require.Len(t, sigs, 1)
	assert.Equal(t, "reverse", sigs[0].Name)
	assert.Equal(t, "StringUtils", sigs[0].Class)
	assert.True(t, sigs[0].Static)
	assert.Equal(t, "String", sigs[0].ReturnType)
}

func TestExtractSkipsTestFiles(t *testing.T) {
	files := []sandbox.ProjectFile{
		{Path: "test_generated.py", Content: "def probe():\n    pass\n"},
		{Path: "generated.test.js", Content: "function probe() {}\n"},
	}
	assert.Empty(t, Extract("python", files))
	assert.Empty(t, Extract("javascript", files))
}

func TestExtractDeduplicatesNames(t *testing.T) {
	files := []sandbox.ProjectFile{
		{Path: "a.py", Content: "def add(a, b):\n    return a + b\n"},
		{Path: "b.py", Content: "def add(x, y):\n    return x + y\n"},
	}
	sigs := Extract("python", files)
	require.Len(t, sigs, 1)
	assert.Equal(t, "a.py", sigs[0].File)
}

func TestSplitParams(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"plain", "int a, int b", []string{"int a", " int b"}},
		{"generic", "Dictionary<string, int> map, int count", []string{"Dictionary<string, int> map", " int count"}},
		{"nested call default", "a = f(1, 2), b", []string{"a = f(1, 2)", " b"}},
		{"empty", "", []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitParams(tt.raw))
		})
	}
}

func TestSkipName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"add", false},
		{"main", true},
		{"init", true},
		{"_private", true},
		{"testSomething", true},
		{"TestSomething", true},
		{"fetchData", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, skipName(tt.name))
		})
	}
}

func TestParseGoParamsGrouped(t *testing.T) {
	params := parseGoParams("a, b int, names []string")
	assert.Equal(t, []Parameter{
		{Name: "a", Type: "int"},
		{Name: "b", Type: "int"},
		{Name: "names", Type: "[]string"},
	}, params)
}

func TestParseDynamicParamsDefaults(t *testing.T) {
	params := parseDynamicParams("self, count: int = 10, *args, **kwargs")
	assert.Equal(t, []Parameter{{Name: "count", Type: "int"}}, params)
}
