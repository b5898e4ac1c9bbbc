// Package repair fixes the structural defects AI models commonly leave in
// JSON output. It only adds or removes structural characters and never
// rewrites keys or values.
package repair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Failure is returned when the repaired text is still not valid JSON.
type Failure struct {
	Original string
	Repaired string
	Cause    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("json repair failed: %v", f.Cause)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Repair applies, in order: escape normalization, missing-brace insertion
// before ",{" inside arrays of objects, trailing comma removal and bracket
// balancing. The transformed text is always returned; a *Failure is
// returned alongside it when the text still does not parse.
//
// Repair is idempotent: Repair(Repair(x)) == Repair(x).
func Repair(candidate string) (string, error) {
	out := normalizeEscapes(candidate)
	out = closeObjectsBeforeComma(out)
	out = dropTrailingCommas(out)
	out = balance(out)

	if !json.Valid([]byte(out)) {
		var v interface{}
		cause := json.Unmarshal([]byte(out), &v)
		if cause == nil {
			cause = fmt.Errorf("invalid JSON")
		}
		return out, &Failure{Original: candidate, Repaired: out, Cause: cause}
	}
	return out, nil
}

// lexer tracks whether the current byte is inside a string literal.
type lexer struct {
	inString bool
	escaped  bool
}

// step consumes c and reports whether it is structural (outside any string
// literal, the opening quote included as part of the string).
func (l *lexer) step(c byte) bool {
	if l.inString {
		switch {
		case l.escaped:
			l.escaped = false
		case c == '\\':
			l.escaped = true
		case c == '"':
			l.inString = false
		}
		return false
	}
	if c == '"' {
		l.inString = true
		return false
	}
	return true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func closerFor(opener byte) byte {
	if opener == '[' {
		return ']'
	}
	return '}'
}

// brackets is the stack of open brackets outside strings. Positions of each
// opener kind are indexed so a closer finds its match without scanning.
type brackets struct {
	stack []byte
	open  [2][]int
}

func kind(c byte) int {
	if c == '[' || c == ']' {
		return 1
	}
	return 0
}

func (b *brackets) push(c byte) {
	k := kind(c)
	b.open[k] = append(b.open[k], len(b.stack))
	b.stack = append(b.stack, c)
}

// match returns the stack index of the nearest opener closed by c, or -1
// when c closes nothing and is stray.
func (b *brackets) match(c byte) int {
	o := b.open[kind(c)]
	if len(o) == 0 {
		return -1
	}
	return o[len(o)-1]
}

// truncate pops every opener at index n and above
func (b *brackets) truncate(n int) {
	b.stack = b.stack[:n]
	for k, o := range b.open {
		for len(o) > 0 && o[len(o)-1] >= n {
			o = o[:len(o)-1]
		}
		b.open[k] = o
	}
}

// shape says which closer kinds currently have an opener to match
func (b *brackets) shape() int {
	shape := 0
	if len(b.open[0]) > 0 {
		shape |= 1
	}
	if len(b.open[1]) > 0 {
		shape |= 2
	}
	return shape
}

// lookahead answers "first byte at or after i that is not whitespace and not
// a stray closer, or 0 at end of input" in constant time. Whether a closer is
// stray only depends on the shape of the stack, so one table is built per
// shape. With skipCommas set, commas are passed over as well. Openers and
// quotes stop the scan, so it never runs into a string literal.
type lookahead [4][]byte

func newLookahead(s string, skipCommas bool) *lookahead {
	var la lookahead
	for shape := range la {
		next := make([]byte, len(s)+1)
		for i := len(s) - 1; i >= 0; i-- {
			c := s[i]
			skip := isSpace(c) || (skipCommas && c == ',') ||
				(c == '}' && shape&1 == 0) || (c == ']' && shape&2 == 0)
			if skip {
				next[i] = next[i+1]
			} else {
				next[i] = c
			}
		}
		la[shape] = next
	}
	return &la
}

func (la *lookahead) next(i int, b *brackets) byte {
	return la[b.shape()][i]
}

// normalizeEscapes turns literal \n, \r and \t sequences outside strings into
// whitespace and drops any other backslash outside strings. Inside strings it
// escapes raw control characters and doubles backslashes that do not start a
// valid escape.
func normalizeEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var lx lexer
	for i := 0; i < len(s); i++ {
		c := s[i]
		if lx.inString && !lx.escaped && c < 0x20 {
			switch c {
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				fmt.Fprintf(&b, `\u%04x`, c)
			}
			continue
		}
		if lx.inString && !lx.escaped && c == '\\' && i+1 < len(s) && !validEscape(s[i+1:]) {
			// Keep the backslash as a literal character.
			b.WriteString(`\\`)
			continue
		}
		if !lx.inString && c == '\\' {
			if i+1 < len(s) {
				switch s[i+1] {
				case 'n':
					b.WriteByte('\n')
					i++
					continue
				case 'r':
					b.WriteByte('\r')
					i++
					continue
				case 't':
					b.WriteByte('\t')
					i++
					continue
				}
			}
			// A backslash outside a string is never valid JSON.
			continue
		}
		lx.step(c)
		b.WriteByte(c)
	}
	return b.String()
}

// validEscape reports whether rest, which follows a backslash inside a
// string, starts with a JSON escape sequence.
func validEscape(rest string) bool {
	switch rest[0] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return true
	case 'u':
		if len(rest) < 5 {
			return false
		}
		for i := 1; i < 5; i++ {
			if !isHex(rest[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// closeObjectsBeforeComma inserts "}" where an array element object is
// followed by ",{" without having been closed.
func closeObjectsBeforeComma(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	var lx lexer
	var br brackets
	var last byte
	la := newLookahead(s, false)
	for i := 0; i < len(s); i++ {
		c := s[i]
		wasString := lx.inString
		if !lx.step(c) {
			b.WriteByte(c)
			if wasString && !lx.inString {
				last = '"'
			}
			continue
		}
		switch c {
		case '{', '[':
			br.push(c)
		case '}', ']':
			if idx := br.match(c); idx >= 0 {
				br.truncate(idx)
			}
		case ',':
			n := len(br.stack)
			if n >= 2 && br.stack[n-1] == '{' && br.stack[n-2] == '[' &&
				endsValue(last) && la.next(i+1, &br) == '{' {
				b.WriteByte('}')
				br.truncate(n - 1)
			}
		}
		b.WriteByte(c)
		if !isSpace(c) {
			last = c
		}
	}
	return b.String()
}

func endsValue(c byte) bool {
	return c != 0 && strings.IndexByte("{[,:", c) < 0
}

// dropTrailingCommas removes commas, including runs of them, that are
// followed only by a closer or by the end of input.
func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var lx lexer
	var br brackets
	la := newLookahead(s, true)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !lx.step(c) {
			b.WriteByte(c)
			continue
		}
		switch c {
		case '{', '[':
			br.push(c)
		case '}', ']':
			if idx := br.match(c); idx >= 0 {
				br.truncate(idx)
			}
		case ',':
			switch la.next(i+1, &br) {
			case '}', ']', 0:
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// balance closes an unterminated string, closes unmatched openers in LIFO
// order, inserts closers skipped before a mismatched closer and drops stray
// closers.
func balance(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	var lx lexer
	var br brackets
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !lx.step(c) {
			b.WriteByte(c)
			continue
		}
		switch c {
		case '{', '[':
			br.push(c)
		case '}', ']':
			idx := br.match(c)
			if idx < 0 {
				continue
			}
			for j := len(br.stack) - 1; j > idx; j-- {
				b.WriteByte(closerFor(br.stack[j]))
			}
			br.truncate(idx)
		}
		b.WriteByte(c)
	}
	stack := br.stack

	out := b.String()
	if lx.inString {
		if lx.escaped {
			out = out[:len(out)-1]
		}
		out += `"`
	}
	if len(stack) == 0 {
		return out
	}
	closers := make([]byte, 0, len(stack))
	for j := len(stack) - 1; j >= 0; j-- {
		closers = append(closers, closerFor(stack[j]))
	}
	return out + string(closers)
}
