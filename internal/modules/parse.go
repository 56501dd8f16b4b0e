package modules

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// rawImport is one import statement or dynamic import call as written in
// a source file, before relative names are resolved.
type rawImport struct {
	// Module may start with dots for relative imports. Empty when Expr is set.
	Module string
	// Names holds the imported names of a from-import ("*" for wildcard).
	Names []string
	From  bool
	// Conditional is set inside try/except/finally or if/elif/else blocks.
	Conditional bool
	// Dynamic marks importlib.import_module and __import__ calls.
	Dynamic bool
	// Package is the literal package= anchor of a relative dynamic import.
	Package string
	// Expr is the source text of a non-literal dynamic import argument.
	Expr string
	Line int
}

// fileParser extracts imports from one Python source file.
type fileParser interface {
	Parse(ctx context.Context, src []byte) ([]rawImport, error)
}

var (
	errBinary       = errors.New("file contains NUL bytes")
	errEncoding     = errors.New("file is not valid UTF-8")
	errUnterminated = errors.New("unexpected end of file inside string or brackets")
)

var (
	importStmt     = regexp.MustCompile(`^import\s+(.+)$`)
	fromStmt       = regexp.MustCompile(`^from\s+(\.*[A-Za-z_][\w.]*)\s+import\b\s*(.*)$`)
	fromRelStmt    = regexp.MustCompile(`^from\s+(\.+)\s*import\b\s*(.*)$`)
	dynamicCall    = regexp.MustCompile(`(?:\bimportlib\s*\.\s*import_module|\bimport_module|\b__import__)\s*\(`)
	stringLiteral  = regexp.MustCompile(`^[rRuU]?(['"])([^'"\\]*)['"]$`)
	packageKeyword = regexp.MustCompile(`^package\s*=\s*(.+)$`)
	headerKeyword  = regexp.MustCompile(`^(if|elif|else|try|except|finally|for|while|with|def|class|async|match|case)\b`)
)

// conditionalKeywords open blocks whose body may not run.
var conditionalKeywords = map[string]bool{
	"if": true, "elif": true, "else": true,
	"try": true, "except": true, "finally": true,
}

// lineParser is an indentation-aware line scanner for Python. It needs no
// cgo and is used when tree-sitter is unavailable.
type lineParser struct{}

type logicalLine struct {
	text   string
	line   int
	indent int
}

type block struct {
	indent      int
	conditional bool
}

// Parse implements fileParser.
func (lineParser) Parse(ctx context.Context, src []byte) ([]rawImport, error) {
	lines, err := splitLogical(src)
	if err != nil {
		return nil, err
	}

	var out []rawImport
	var stack []block
	for i, ll := range lines {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		for len(stack) > 0 && stack[len(stack)-1].indent >= ll.indent {
			stack = stack[:len(stack)-1]
		}
		cond := false
		for _, b := range stack {
			if b.conditional {
				cond = true
				break
			}
		}

		text := ll.text
		if m := headerKeyword.FindStringSubmatch(text); m != nil {
			colon := headerColon(text)
			if colon >= 0 {
				kw := m[1]
				if f := strings.Fields(text[:colon]); kw == "async" && len(f) > 1 {
					kw = f[1]
				}
				inner := cond || conditionalKeywords[kw] || (kw == "with" && strings.Contains(text[:colon], "suppress"))
				if kw != "def" && kw != "class" {
					out = appendDynamic(out, text[:colon], ll.line, inner)
				}
				stack = append(stack, block{indent: ll.indent, conditional: inner})
				if body := strings.TrimSpace(text[colon+1:]); body != "" {
					out = appendStatements(out, body, ll.line, inner)
				}
				continue
			}
		}
		out = appendStatements(out, text, ll.line, cond)
	}
	return out, nil
}

func appendStatements(out []rawImport, text string, line int, cond bool) []rawImport {
	for _, stmt := range splitTopLevel(text, ';') {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if m := importStmt.FindStringSubmatch(stmt); m != nil {
			for _, part := range splitTopLevel(m[1], ',') {
				name := firstField(part)
				if IsValidName(name) {
					out = append(out, rawImport{Module: name, Conditional: cond, Line: line})
				}
			}
			continue
		}
		m := fromStmt.FindStringSubmatch(stmt)
		if m == nil {
			m = fromRelStmt.FindStringSubmatch(stmt)
		}
		if m != nil {
			out = append(out, rawImport{
				Module:      m[1],
				Names:       importedNames(m[2]),
				From:        true,
				Conditional: cond,
				Line:        line,
			})
			continue
		}
		out = appendDynamic(out, stmt, line, cond)
	}
	return out
}

// appendDynamic records every importlib.import_module / __import__ call
// found in text.
func appendDynamic(out []rawImport, text string, line int, cond bool) []rawImport {
	for _, loc := range dynamicCall.FindAllStringIndex(text, -1) {
		args, ok := callArgs(text[loc[1]:])
		if !ok {
			continue
		}
		parts := splitTopLevel(args, ',')
		first := strings.TrimSpace(parts[0])
		if first == "" {
			continue
		}
		isImportModule := !strings.HasPrefix(strings.TrimSpace(text[loc[0]:loc[1]]), "__import__")

		imp := rawImport{Dynamic: true, Conditional: cond, Line: line}
		if lit, ok := literalString(first); ok {
			imp.Module = lit
		} else {
			imp.Expr = first
		}
		if isImportModule {
			for i, p := range parts[1:] {
				p = strings.TrimSpace(p)
				if km := packageKeyword.FindStringSubmatch(p); km != nil {
					p = km[1]
				} else if i != 0 {
					continue
				}
				if lit, ok := literalString(p); ok {
					imp.Package = lit
				}
			}
		}
		out = append(out, imp)
	}
	return out
}

// callArgs returns the text between an opening paren (already consumed)
// and its matching close.
func callArgs(s string) (string, bool) {
	depth := 1
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return s[:i], true
			}
		}
	}
	return "", false
}

func literalString(s string) (string, bool) {
	m := stringLiteral.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[2], true
}

func importedNames(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	var names []string
	for _, part := range strings.Split(s, ",") {
		name := firstField(part)
		if name == "*" || isIdentifier(name) {
			names = append(names, name)
		}
	}
	return names
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// headerColon finds the colon ending a compound statement header, skipping
// strings and brackets. Returns -1 when there is none.
func headerColon(s string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case ':':
			if depth == 0 && (i+1 >= len(s) || s[i+1] != '=') {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits s on sep outside strings and brackets.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// splitLogical joins physical lines into logical lines: comments are
// dropped, bracket and backslash continuations are joined and triple-quoted
// string bodies are blanked out.
func splitLogical(src []byte) ([]logicalLine, error) {
	if !utf8.Valid(src) {
		return nil, errEncoding
	}
	s := string(src)
	if strings.IndexByte(s, 0) >= 0 {
		return nil, errBinary
	}
	s = strings.TrimPrefix(s, "\ufeff")

	var (
		out       []logicalLine
		buf       strings.Builder
		line      = 1
		startLine = 1
		indent    = 0
		depth     = 0
		atStart   = true
	)
	flush := func() {
		if t := strings.TrimSpace(buf.String()); t != "" {
			out = append(out, logicalLine{text: t, line: startLine, indent: indent})
		}
		buf.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		if atStart {
			n := 0
			for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\f') {
				if s[i] == '\t' {
					n = (n/8 + 1) * 8
				} else if s[i] == ' ' {
					n++
				}
				i++
			}
			if i >= len(s) {
				break
			}
			c = s[i]
			indent = n
			startLine = line
			atStart = false
		}

		switch {
		case c == '#':
			for i+1 < len(s) && s[i+1] != '\n' {
				i++
			}
		case c == '\\' && i+1 < len(s) && s[i+1] == '\n':
			buf.WriteByte(' ')
			i++
			line++
		case c == '\\' && i+2 < len(s) && s[i+1] == '\r' && s[i+2] == '\n':
			buf.WriteByte(' ')
			i += 2
			line++
		case c == '\'' || c == '"':
			end, lines, ok := skipString(s, i)
			if !ok {
				return nil, errUnterminated
			}
			if lines > 0 || (end-i >= 6 && s[i+1] == c && s[i+2] == c) {
				buf.WriteString(`""`)
			} else {
				buf.WriteString(s[i : end+1])
			}
			line += lines
			i = end
		case c == '(' || c == '[' || c == '{':
			depth++
			buf.WriteByte(c)
		case c == ')' || c == ']' || c == '}':
			if depth > 0 {
				depth--
			}
			buf.WriteByte(c)
		case c == '\r':
		case c == '\n':
			line++
			if depth > 0 {
				buf.WriteByte(' ')
				continue
			}
			flush()
			atStart = true
		default:
			buf.WriteByte(c)
		}
	}

	if depth > 0 {
		return nil, errUnterminated
	}
	flush()
	return out, nil
}

// skipString returns the index of the closing quote of the string starting
// at s[i], and how many newlines it spans.
func skipString(s string, i int) (end int, lines int, ok bool) {
	q := s[i]
	triple := i+2 < len(s) && s[i+1] == q && s[i+2] == q
	j := i + 1
	if triple {
		j = i + 3
	}
	for ; j < len(s); j++ {
		switch s[j] {
		case '\\':
			if j+1 < len(s) && s[j+1] == '\n' {
				lines++
			}
			j++
		case '\n':
			if !triple {
				// unterminated single-quoted string: stop at end of line
				return j - 1, lines, true
			}
			lines++
		case q:
			if !triple {
				return j, lines, true
			}
			if j+2 < len(s) && s[j+1] == q && s[j+2] == q {
				return j + 2, lines, true
			}
		}
	}
	return 0, 0, false
}
