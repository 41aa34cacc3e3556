package sandbox

import (
	"fmt"
)

// SyntaxIssue describes where and why code failed structural
// validation.
type SyntaxIssue struct {
	Line    int
	Column  int
	Message string
}

func (e *SyntaxIssue) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// Validator checks a code string for structural validity without
// executing it. Validation creates no process, environment, or
// network resource and runs in time proportional to the input length.
type Validator interface {
	// Validate returns nil for structurally valid code.
	Validate(code string) *SyntaxIssue
}

// PythonValidator performs structural validation of Python source:
// delimiter balance, string termination, line continuations, and
// indentation after block headers. It is deliberately shallower than
// a full parser; code it accepts can still fail at runtime, which the
// engine reports as a runtime error.
type PythonValidator struct{}

// NewPythonValidator creates a validator for Python source code
func NewPythonValidator() *PythonValidator {
	return &PythonValidator{}
}

type openDelim struct {
	ch   rune
	line int
	col  int
}

var closingFor = map[rune]rune{')': '(', ']': '[', '}': '{'}

// Validate scans the code once, tracking strings, comments, delimiter
// nesting, and logical-line boundaries. A logical line starts at its
// first code character and ends at a newline reached with no open
// delimiter, string, or backslash continuation, so the indented-block
// rule is applied against the indentation where the logical line
// began.
//
//nolint:gocyclo,funlen // Single-pass scanner over several lexical states
func (PythonValidator) Validate(code string) *SyntaxIssue {
	var stack []openDelim

	line, col := 1, 0

	inString := false
	stringTriple := false
	var stringQuote rune
	stringLine, stringCol := 0, 0
	escaped := false

	inComment := false
	pendingBackslash := false
	continuation := false

	lineIndent := 0
	indentDone := false

	logicalOpen := false
	logicalStartLine := 0
	logicalStartIndent := 0
	var lastCode rune

	expectIndent := false
	headerLine := 0
	headerIndent := 0

	// beginCode marks the start of a logical line on its first code
	// character and enforces the indented-block rule there.
	beginCode := func() *SyntaxIssue {
		if logicalOpen {
			return nil
		}
		if expectIndent && lineIndent <= headerIndent {
			return &SyntaxIssue{
				Line:    line,
				Column:  col,
				Message: fmt.Sprintf("expected an indented block after line %d", headerLine),
			}
		}
		expectIndent = false
		logicalOpen = true
		logicalStartLine = line
		logicalStartIndent = lineIndent
		return nil
	}

	// endLogical closes the logical line at a newline reached outside
	// any delimiter or string.
	endLogical := func() {
		if !logicalOpen {
			return
		}
		if lastCode == ':' {
			expectIndent = true
			headerLine = logicalStartLine
			headerIndent = logicalStartIndent
		}
		logicalOpen = false
		lastCode = 0
	}

	runes := []rune(code)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		col++

		// Normalize line endings: the '\r' of a "\r\n" pair is dropped
		// so the '\n' drives line handling; a lone '\r' terminates the
		// line itself.
		if ch == '\r' {
			if i+1 < len(runes) && runes[i+1] == '\n' {
				col--
				continue
			}
			ch = '\n'
		}

		if ch == '\n' {
			if pendingBackslash {
				pendingBackslash = false
				continuation = true
			}
			if inString && !stringTriple {
				if escaped {
					escaped = false
				} else {
					return &SyntaxIssue{Line: stringLine, Column: stringCol, Message: "unterminated string literal"}
				}
			}
			if !continuation && !inString && len(stack) == 0 {
				endLogical()
			}
			continuation = false
			inComment = false
			lineIndent = 0
			indentDone = false
			line++
			col = 0
			continue
		}

		if pendingBackslash {
			return &SyntaxIssue{Line: line, Column: col, Message: "unexpected character after line continuation character"}
		}

		if inComment {
			continue
		}

		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case stringQuote:
				if !stringTriple {
					inString = false
				} else if i+2 < len(runes) && runes[i+1] == stringQuote && runes[i+2] == stringQuote {
					i += 2
					col += 2
					inString = false
				}
			}
			continue
		}

		if ch == ' ' || ch == '\t' {
			if !indentDone {
				lineIndent++
			}
			continue
		}
		indentDone = true

		if ch == '#' {
			inComment = true
			continue
		}
		if ch == '\\' {
			pendingBackslash = true
			continue
		}

		if issue := beginCode(); issue != nil {
			return issue
		}

		switch ch {
		case '\'', '"':
			inString = true
			stringQuote = ch
			stringLine, stringCol = line, col
			if i+2 < len(runes) && runes[i+1] == ch && runes[i+2] == ch {
				stringTriple = true
				i += 2
				col += 2
			} else {
				stringTriple = false
			}
		case '(', '[', '{':
			stack = append(stack, openDelim{ch: ch, line: line, col: col})
		case ')', ']', '}':
			want := closingFor[ch]
			if len(stack) == 0 {
				return &SyntaxIssue{Line: line, Column: col, Message: fmt.Sprintf("unmatched '%c'", ch)}
			}
			top := stack[len(stack)-1]
			if top.ch != want {
				return &SyntaxIssue{
					Line:    line,
					Column:  col,
					Message: fmt.Sprintf("closing '%c' does not match opening '%c' on line %d", ch, top.ch, top.line),
				}
			}
			stack = stack[:len(stack)-1]
		}
		lastCode = ch
	}

	if inString {
		msg := "unterminated string literal"
		if stringTriple {
			msg = "unterminated triple-quoted string literal"
		}
		return &SyntaxIssue{Line: stringLine, Column: stringCol, Message: msg}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return &SyntaxIssue{Line: top.line, Column: top.col, Message: fmt.Sprintf("'%c' was never closed", top.ch)}
	}
	endLogical()
	if expectIndent {
		return &SyntaxIssue{
			Line:    line,
			Column:  col + 1,
			Message: fmt.Sprintf("expected an indented block after line %d", headerLine),
		}
	}
	return nil
}
