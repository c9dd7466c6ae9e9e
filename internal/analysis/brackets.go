package analysis

import (
	"fmt"

	"crucible/internal/sandbox"
)

// commentRules selects which comment markers the matcher honors.
type commentRules struct {
	hash  bool
	slash bool
}

func commentStyle(language string) commentRules {
	switch sandbox.CanonicalLanguage(language) {
	case "python", "ruby":
		return commentRules{hash: true}
	case "php":
		return commentRules{hash: true, slash: true}
	default:
		return commentRules{slash: true}
	}
}

type openBracket struct {
	ch   byte
	line int
	col  int
}

var bracketPairs = map[byte]byte{')': '(', ']': '[', '}': '{'}

// checkSyntax runs the lightweight structural check for one file.
func checkSyntax(language string, f sandbox.ProjectFile) []sandbox.ExecutionError {
	return matchBrackets(f.Path, f.Content, commentStyle(language))
}

// matchBrackets tracks (), [] and {} in a single pass, skipping string
// literals (double, single, back-quoted) and comments. Unclosed and
// mismatched brackets report the opening location; a stray closer reports
// its own.
func matchBrackets(path, content string, style commentRules) []sandbox.ExecutionError {
	var (
		stack      []openBracket
		errs       []sandbox.ExecutionError
		line       = 1
		col        = 0
		inStr      byte
		inLine     bool
		inBlock    bool
		blockStart int
		escaped    bool
	)

	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\n' {
			line++
			col = 0
			inLine = false
			escaped = false
			// Back-quoted literals span lines; quote-delimited ones do not.
			if inStr == '"' || inStr == '\'' {
				inStr = 0
			}
			continue
		}
		col++

		switch {
		case inLine:
			continue
		case inBlock:
			if c == '/' && i >= blockStart+3 && content[i-1] == '*' {
				inBlock = false
			}
			continue
		case inStr != 0:
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == inStr {
				inStr = 0
			}
			continue
		}

		switch c {
		case '"', '\'', '`':
			inStr = c
		case '#':
			if style.hash {
				inLine = true
			}
		case '/':
			if style.slash && i+1 < len(content) {
				switch content[i+1] {
				case '/':
					inLine = true
				case '*':
					inBlock = true
					blockStart = i
				}
			}
		case '(', '[', '{':
			stack = append(stack, openBracket{ch: c, line: line, col: col})
		case ')', ']', '}':
			if len(stack) == 0 {
				errs = append(errs, syntaxErr(path, line, col,
					fmt.Sprintf("unmatched closing %q", string(c))))
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.ch != bracketPairs[c] {
				errs = append(errs, syntaxErr(path, top.line, top.col,
					fmt.Sprintf("bracket %q closed by %q", string(top.ch), string(c))))
			}
		}
	}

	for _, open := range stack {
		errs = append(errs, syntaxErr(path, open.line, open.col,
			fmt.Sprintf("unclosed bracket %q", string(open.ch))))
	}
	return errs
}

func syntaxErr(path string, line, col int, msg string) sandbox.ExecutionError {
	return sandbox.ExecutionError{
		Type:    sandbox.ErrSyntax,
		Message: msg,
		File:    path,
		Line:    line,
		Column:  col,
	}
}
