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
)

// PathElem is one step of a document path: a map key or a list index.
type PathElem struct {
	// Name is the attribute or map key. A leading # marks an expression
	// attribute name reference resolved at evaluation time.
	Name string
	// Index is the list index when IsIndex is set.
	Index   int
	IsIndex bool
}

// Path is a document path such as a.b[0].#c.
type Path []PathElem

// Root returns the top-level attribute name, resolved against names.
func (p Path) Root(names map[string]string) string {
	if len(p) == 0 {
		return ""
	}
	return p[0].resolve(names)
}

func (e PathElem) resolve(names map[string]string) string {
	if resolved, ok := names[e.Name]; ok && strings.HasPrefix(e.Name, "#") {
		return resolved
	}
	return e.Name
}

// String renders the path for error messages.
func (p Path) String() string {
	var b strings.Builder
	for i, e := range p {
		if e.IsIndex {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(e.Index))
			b.WriteByte(']')
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(e.Name)
	}
	return b.String()
}

// Operand is a value source in a condition: a path, a value reference, or
// size(path).
type Operand interface{ isOperand() }

// PathOperand reads a document path.
type PathOperand struct{ Path Path }

// ValueOperand references an expression attribute value (:v).
type ValueOperand struct{ Ref string }

// SizeOperand is the size(path) function used as a comparable number.
type SizeOperand struct{ Path Path }

func (PathOperand) isOperand()  {}
func (ValueOperand) isOperand() {}
func (SizeOperand) isOperand()  {}

// Condition is a boolean expression node.
type Condition interface{ isCondition() }

// AndCond is L AND R.
type AndCond struct{ L, R Condition }

// OrCond is L OR R.
type OrCond struct{ L, R Condition }

// NotCond negates the inner condition.
type NotCond struct{ Inner Condition }

// CompareCond applies a comparator: =, <>, <, <=, >, >=.
type CompareCond struct {
	Op   string
	L, R Operand
}

// BetweenCond is Op BETWEEN Lo AND Hi.
type BetweenCond struct {
	Val    Operand
	Lo, Hi Operand
}

// InCond is Val IN (list).
type InCond struct {
	Val  Operand
	List []Operand
}

// FuncCond is a boolean function call: attribute_exists,
// attribute_not_exists, attribute_type, begins_with, contains.
type FuncCond struct {
	Name string
	Path Path
	Args []Operand
}

func (AndCond) isCondition()     {}
func (OrCond) isCondition()      {}
func (NotCond) isCondition()     {}
func (CompareCond) isCondition() {}
func (BetweenCond) isCondition() {}
func (InCond) isCondition()      {}
func (FuncCond) isCondition()    {}

// UpdateOperand is a value source on the right side of a SET action.
type UpdateOperand interface{ isUpdateOperand() }

// IfNotExists is if_not_exists(path, fallback).
type IfNotExists struct {
	Path     Path
	Fallback UpdateOperand
}

// ListAppend is list_append(a, b).
type ListAppend struct{ A, B UpdateOperand }

// Arith is addition or subtraction of two number operands.
type Arith struct {
	Op   byte // '+' or '-'
	L, R UpdateOperand
}

func (PathOperand) isUpdateOperand()  {}
func (ValueOperand) isUpdateOperand() {}
func (IfNotExists) isUpdateOperand()  {}
func (ListAppend) isUpdateOperand()   {}
func (Arith) isUpdateOperand()        {}

// SetAction assigns a value to a path.
type SetAction struct {
	Path  Path
	Value UpdateOperand
}

// AddAction adds a number or set to a path.
type AddAction struct {
	Path Path
	Ref  string
}

// DeleteAction removes set members from a path.
type DeleteAction struct {
	Path Path
	Ref  string
}

// Update is a parsed update expression.
type Update struct {
	Set    []SetAction
	Remove []Path
	Add    []AddAction
	Delete []DeleteAction
}

// Refs tracks which expression attribute names and values an expression
// mentions, for unused-parameter validation.
type Refs struct {
	Names  map[string]bool
	Values map[string]bool
}

func newRefs() *Refs {
	return &Refs{Names: make(map[string]bool), Values: make(map[string]bool)}
}

func (r *Refs) addPath(p Path) {
	for _, e := range p {
		if strings.HasPrefix(e.Name, "#") {
			r.Names[e.Name] = true
		}
	}
}

func (r *Refs) addOperand(op Operand) {
	switch o := op.(type) {
	case PathOperand:
		r.addPath(o.Path)
	case ValueOperand:
		r.Values[o.Ref] = true
	case SizeOperand:
		r.addPath(o.Path)
	}
}
