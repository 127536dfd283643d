// Localcloud
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package expr implements the DynamoDB expression language: a lexer,
// recursive-descent parsers for condition, key-condition, update, and
// projection expressions, and evaluators over attribute items.
package expr

import (
	"strings"

	"github.com/gravitational/trace"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNameRef  // #name
	tokValueRef // :value
	tokNumber   // list index
	tokComma
	tokDot
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokPlus
	tokMinus
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input  string
	pos    int
	tokens []token
}

// tokenize splits an expression into tokens, failing on unknown runes.
func tokenize(input string) ([]token, error) {
	l := &lexer{input: input}
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == ',':
			l.emit(tokComma, ",")
		case c == '.':
			l.emit(tokDot, ".")
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == '[':
			l.emit(tokLBracket, "[")
		case c == ']':
			l.emit(tokRBracket, "]")
		case c == '+':
			l.emit(tokPlus, "+")
		case c == '-':
			l.emit(tokMinus, "-")
		case c == '=':
			l.emit(tokEq, "=")
		case c == '<':
			switch {
			case l.peek(1) == '>':
				l.emitN(tokNe, "<>", 2)
			case l.peek(1) == '=':
				l.emitN(tokLe, "<=", 2)
			default:
				l.emit(tokLt, "<")
			}
		case c == '>':
			if l.peek(1) == '=' {
				l.emitN(tokGe, ">=", 2)
			} else {
				l.emit(tokGt, ">")
			}
		case c == '#':
			name := l.scanWord(l.pos + 1)
			if name == "" {
				return nil, trace.BadParameter("empty expression attribute name at position %d", l.pos)
			}
			l.emitN(tokNameRef, "#"+name, len(name)+1)
		case c == ':':
			name := l.scanWord(l.pos + 1)
			if name == "" {
				return nil, trace.BadParameter("empty expression attribute value at position %d", l.pos)
			}
			l.emitN(tokValueRef, ":"+name, len(name)+1)
		case c >= '0' && c <= '9':
			num := l.scanDigits(l.pos)
			l.emitN(tokNumber, num, len(num))
		case isWordStart(c):
			word := l.scanWord(l.pos)
			l.emitN(tokIdent, word, len(word))
		default:
			return nil, trace.BadParameter("unexpected character %q at position %d", string(c), l.pos)
		}
	}
	l.tokens = append(l.tokens, token{kind: tokEOF, pos: l.pos})
	return l.tokens, nil
}

func (l *lexer) peek(ahead int) byte {
	if l.pos+ahead < len(l.input) {
		return l.input[l.pos+ahead]
	}
	return 0
}

func (l *lexer) emit(kind tokenKind, text string) { l.emitN(kind, text, 1) }

func (l *lexer) emitN(kind tokenKind, text string, width int) {
	l.tokens = append(l.tokens, token{kind: kind, text: text, pos: l.pos})
	l.pos += width
}

func (l *lexer) scanWord(from int) string {
	end := from
	for end < len(l.input) && isWordPart(l.input[end]) {
		end++
	}
	return l.input[from:end]
}

func (l *lexer) scanDigits(from int) string {
	end := from
	for end < len(l.input) && l.input[end] >= '0' && l.input[end] <= '9' {
		end++
	}
	return l.input[from:end]
}

func isWordStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isWordPart(c byte) bool {
	return isWordStart(c) || c >= '0' && c <= '9'
}

// keyword reports whether an identifier token matches a reserved word,
// case-insensitively.
func (t token) keyword(word string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}
