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

package expr

import (
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

type parser struct {
	tokens []token
	pos    int
	refs   *Refs
}

func newParser(input string) (*parser, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &parser{tokens: tokens, refs: newRefs()}, nil
}

func (p *parser) cur() token  { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, trace.BadParameter("expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) atEOF() error {
	if t := p.cur(); t.kind != tokEOF {
		return trace.BadParameter("unexpected token %q at position %d", t.text, t.pos)
	}
	return nil
}

// ParseCondition parses a condition, filter, or key-condition expression.
// The returned Refs lists the #name and :value references the expression
// mentions.
func ParseCondition(input string) (Condition, *Refs, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil, trace.BadParameter("expression must not be empty")
	}
	p, err := newParser(input)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	cond, err := p.parseOr()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if err := p.atEOF(); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return cond, p.refs, nil
}

// Precedence, loosest first: OR, AND, NOT, comparators.

func (p *parser) parseOr() (Condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for p.cur().keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		left = OrCond{L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Condition, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for p.cur().keyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		left = AndCond{L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Condition, error) {
	if p.cur().keyword("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return NotCond{Inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Condition, error) {
	t := p.cur()

	if t.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, trace.Wrap(err)
		}
		return inner, nil
	}

	// Boolean function call.
	if t.kind == tokIdent && p.tokens[p.pos+1].kind == tokLParen && isBoolFunc(t.text) {
		return p.parseFuncCond()
	}

	// Comparison, BETWEEN, or IN on an operand.
	left, err := p.parseOperand()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	switch cur := p.cur(); {
	case cur.kind == tokEq, cur.kind == tokNe, cur.kind == tokLt,
		cur.kind == tokLe, cur.kind == tokGt, cur.kind == tokGe:
		op := p.next().text
		right, err := p.parseOperand()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return CompareCond{Op: op, L: left, R: right}, nil

	case cur.keyword("BETWEEN"):
		p.next()
		lo, err := p.parseOperand()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if t := p.next(); !t.keyword("AND") {
			return nil, trace.BadParameter("expected AND in BETWEEN at position %d", t.pos)
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return BetweenCond{Val: left, Lo: lo, Hi: hi}, nil

	case cur.keyword("IN"):
		p.next()
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nil, trace.Wrap(err)
		}
		var list []Operand
		for {
			op, err := p.parseOperand()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			list = append(list, op)
			if p.cur().kind != tokComma {
				break
			}
			p.next()
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, trace.Wrap(err)
		}
		return InCond{Val: left, List: list}, nil
	}

	return nil, trace.BadParameter("expected comparator, BETWEEN, or IN at position %d", p.cur().pos)
}

func isBoolFunc(name string) bool {
	switch strings.ToLower(name) {
	case "attribute_exists", "attribute_not_exists", "attribute_type",
		"begins_with", "contains":
		return true
	}
	return false
}

func (p *parser) parseFuncCond() (Condition, error) {
	name := strings.ToLower(p.next().text)
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, trace.Wrap(err)
	}
	path, err := p.parsePath()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	fc := FuncCond{Name: name, Path: path}
	wantArgs := 0
	switch name {
	case "attribute_type", "begins_with", "contains":
		wantArgs = 1
	}
	for i := 0; i < wantArgs; i++ {
		if _, err := p.expect(tokComma, ","); err != nil {
			return nil, trace.Wrap(err)
		}
		arg, err := p.parseOperand()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		fc.Args = append(fc.Args, arg)
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, trace.Wrap(err)
	}
	return fc, nil
}

// parseOperand parses a path, :value, or size(path).
func (p *parser) parseOperand() (Operand, error) {
	t := p.cur()

	if t.kind == tokValueRef {
		p.next()
		p.refs.Values[t.text] = true
		return ValueOperand{Ref: t.text}, nil
	}

	if t.kind == tokIdent && strings.EqualFold(t.text, "size") && p.tokens[p.pos+1].kind == tokLParen {
		p.next()
		p.next()
		path, err := p.parsePath()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, trace.Wrap(err)
		}
		return SizeOperand{Path: path}, nil
	}

	path, err := p.parsePath()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return PathOperand{Path: path}, nil
}

// parsePath parses ident(.ident|[index])* with #name references allowed
// at any step.
func (p *parser) parsePath() (Path, error) {
	var path Path

	elem, err := p.parsePathName()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	path = append(path, elem)

	for {
		switch p.cur().kind {
		case tokDot:
			p.next()
			elem, err := p.parsePathName()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			path = append(path, elem)
		case tokLBracket:
			p.next()
			num, err := p.expect(tokNumber, "list index")
			if err != nil {
				return nil, trace.Wrap(err)
			}
			idx, err := strconv.Atoi(num.text)
			if err != nil {
				return nil, trace.BadParameter("invalid list index %q", num.text)
			}
			if _, err := p.expect(tokRBracket, "]"); err != nil {
				return nil, trace.Wrap(err)
			}
			path = append(path, PathElem{Index: idx, IsIndex: true})
		default:
			p.refs.addPath(path)
			return path, nil
		}
	}
}

func (p *parser) parsePathName() (PathElem, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return PathElem{Name: t.text}, nil
	case tokNameRef:
		return PathElem{Name: t.text}, nil
	}
	return PathElem{}, trace.BadParameter("expected attribute name at position %d, got %q", t.pos, t.text)
}

// ParseProjection parses a comma-separated list of document paths.
func ParseProjection(input string) ([]Path, *Refs, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil, trace.BadParameter("projection expression must not be empty")
	}
	p, err := newParser(input)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	var paths []Path
	for {
		path, err := p.parsePath()
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		paths = append(paths, path)
		if p.cur().kind != tokComma {
			break
		}
		p.next()
	}
	if err := p.atEOF(); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return paths, p.refs, nil
}

// ParseUpdate parses an update expression: SET, REMOVE, ADD, and DELETE
// clauses in any order, each at most once.
func ParseUpdate(input string) (*Update, *Refs, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil, trace.BadParameter("update expression must not be empty")
	}
	p, err := newParser(input)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	update := &Update{}
	seen := make(map[string]bool)
	for p.cur().kind != tokEOF {
		clause := p.next()
		if clause.kind != tokIdent {
			return nil, nil, trace.BadParameter("expected update clause at position %d, got %q", clause.pos, clause.text)
		}
		word := strings.ToUpper(clause.text)
		if seen[word] {
			return nil, nil, trace.BadParameter("duplicate %s clause", word)
		}
		seen[word] = true

		switch word {
		case "SET":
			if err := p.parseSetClause(update); err != nil {
				return nil, nil, trace.Wrap(err)
			}
		case "REMOVE":
			if err := p.parseRemoveClause(update); err != nil {
				return nil, nil, trace.Wrap(err)
			}
		case "ADD":
			if err := p.parseAddClause(update); err != nil {
				return nil, nil, trace.Wrap(err)
			}
		case "DELETE":
			if err := p.parseDeleteClause(update); err != nil {
				return nil, nil, trace.Wrap(err)
			}
		default:
			return nil, nil, trace.BadParameter("unknown update clause %q", clause.text)
		}
	}
	return update, p.refs, nil
}

func (p *parser) parseSetClause(update *Update) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err := p.expect(tokEq, "="); err != nil {
			return trace.Wrap(err)
		}
		value, err := p.parseUpdateOperand()
		if err != nil {
			return trace.Wrap(err)
		}
		update.Set = append(update.Set, SetAction{Path: path, Value: value})
		if p.cur().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) parseRemoveClause(update *Update) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return trace.Wrap(err)
		}
		update.Remove = append(update.Remove, path)
		if p.cur().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) parseAddClause(update *Update) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return trace.Wrap(err)
		}
		ref, err := p.expect(tokValueRef, "expression attribute value")
		if err != nil {
			return trace.Wrap(err)
		}
		p.refs.Values[ref.text] = true
		update.Add = append(update.Add, AddAction{Path: path, Ref: ref.text})
		if p.cur().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) parseDeleteClause(update *Update) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return trace.Wrap(err)
		}
		ref, err := p.expect(tokValueRef, "expression attribute value")
		if err != nil {
			return trace.Wrap(err)
		}
		p.refs.Values[ref.text] = true
		update.Delete = append(update.Delete, DeleteAction{Path: path, Ref: ref.text})
		if p.cur().kind != tokComma {
			return nil
		}
		p.next()
	}
}

// parseUpdateOperand parses the right side of a SET action: operand,
// if_not_exists(path, operand), list_append(a, b), or a +/- b.
func (p *parser) parseUpdateOperand() (UpdateOperand, error) {
	left, err := p.parseUpdateTerm()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch p.cur().kind {
	case tokPlus, tokMinus:
		op := byte('+')
		if p.next().kind == tokMinus {
			op = '-'
		}
		right, err := p.parseUpdateTerm()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return Arith{Op: op, L: left, R: right}, nil
	}
	return left, nil
}

func (p *parser) parseUpdateTerm() (UpdateOperand, error) {
	t := p.cur()

	if t.kind == tokValueRef {
		p.next()
		p.refs.Values[t.text] = true
		return ValueOperand{Ref: t.text}, nil
	}

	if t.kind == tokIdent && p.tokens[p.pos+1].kind == tokLParen {
		switch strings.ToLower(t.text) {
		case "if_not_exists":
			p.next()
			p.next()
			path, err := p.parsePath()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, trace.Wrap(err)
			}
			fallback, err := p.parseUpdateOperand()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, trace.Wrap(err)
			}
			return IfNotExists{Path: path, Fallback: fallback}, nil
		case "list_append":
			p.next()
			p.next()
			a, err := p.parseUpdateOperand()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, trace.Wrap(err)
			}
			b, err := p.parseUpdateOperand()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, trace.Wrap(err)
			}
			return ListAppend{A: a, B: b}, nil
		default:
			return nil, trace.BadParameter("unknown function %q in update expression", t.text)
		}
	}

	path, err := p.parsePath()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return PathOperand{Path: path}, nil
}
