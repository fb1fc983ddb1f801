package sqlfeat

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokNumber
	tokString
	tokOp
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

// word reports whether t is an unquoted word equal to kw (case-insensitive).
func (t token) word(kw string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, kw)
}

// ident reports whether t can name a table.
func (t token) ident() bool {
	return t.kind == tokWord || t.kind == tokQuoted
}

// tokenize splits SQL into tokens, dropping comments and whitespace.
// Identifier parts joined by dots are emitted as one token.
func tokenize(sql string) []token {
	var toks []token
	rs := []rune(sql)
	n := len(rs)

	for i := 0; i < n; {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '-' && i+1 < n && rs[i+1] == '-', c == '#':
			for i < n && rs[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && rs[i+1] == '*':
			i += 2
			for i+1 < n && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i += 2

		case c == '\'' || c == '"':
			j := i + 1
			var b strings.Builder
			for j < n {
				if rs[j] == '\\' && j+1 < n {
					b.WriteRune(rs[j+1])
					j += 2
					continue
				}
				if rs[j] == c {
					if j+1 < n && rs[j+1] == c {
						b.WriteRune(c)
						j += 2
						continue
					}
					break
				}
				b.WriteRune(rs[j])
				j++
			}
			toks = append(toks, token{kind: tokString, text: b.String()})
			i = j + 1

		case c == '`' || c == '[':
			end := '`'
			if c == '[' {
				end = ']'
			}
			j := i + 1
			for j < n && rs[j] != end {
				j++
			}
			name := string(rs[i+1 : min(j, n)])
			i = j + 1
			toks = append(toks, token{kind: tokQuoted, text: name})

		case unicode.IsDigit(c):
			j := i
			for j < n && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[i:j])})
			i = j

		case isWordRune(c):
			j := i
			for j < n && (isWordRune(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: string(rs[i:j])})
			i = j

		case c == '.':
			toks = append(toks, token{kind: tokPunct, text: "."})
			i++

		case strings.ContainsRune("<>!=", c):
			j := i + 1
			if j < n && strings.ContainsRune("<>=", rs[j]) {
				j++
			}
			toks = append(toks, token{kind: tokOp, text: string(rs[i:j])})
			i = j

		default:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return joinDotted(toks)
}

func isWordRune(c rune) bool {
	return unicode.IsLetter(c) || c == '_' || c == '@' || c == '$'
}

// joinDotted merges "a" "." "b" into a single qualified identifier.
func joinDotted(toks []token) []token {
	out := make([]token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.ident() {
			for i+2 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "." && toks[i+2].ident() {
				t = token{kind: tokQuoted, text: t.text + "." + toks[i+2].text}
				i += 2
			}
		}
		out = append(out, t)
	}
	return out
}
