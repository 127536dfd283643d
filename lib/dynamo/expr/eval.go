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
	"bytes"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/dynamo/attr"
)

// Env supplies the expression attribute names and values of one request.
type Env struct {
	Names  map[string]string
	Values map[string]attr.Value
}

// resolveName maps a path element to its concrete attribute name.
func (e *Env) resolveName(elem PathElem) (string, error) {
	if !strings.HasPrefix(elem.Name, "#") {
		return elem.Name, nil
	}
	name, ok := e.Names[elem.Name]
	if !ok {
		return "", trace.BadParameter("expression attribute name %s is not defined", elem.Name)
	}
	return name, nil
}

// resolveValue maps a :ref to its supplied value.
func (e *Env) resolveValue(ref string) (attr.Value, error) {
	v, ok := e.Values[ref]
	if !ok {
		return attr.Value{}, trace.BadParameter("expression attribute value %s is not defined", ref)
	}
	return v, nil
}

// Resolve walks a document path in item. ok is false when any step is
// absent; errors are reserved for undefined #name references.
func (e *Env) Resolve(item attr.Item, path Path) (attr.Value, bool, error) {
	if len(path) == 0 {
		return attr.Value{}, false, trace.BadParameter("empty document path")
	}
	root, err := e.resolveName(path[0])
	if err != nil {
		return attr.Value{}, false, trace.Wrap(err)
	}
	current, ok := item[root]
	if !ok {
		return attr.Value{}, false, nil
	}
	for _, elem := range path[1:] {
		if elem.IsIndex {
			if current.Kind != attr.KindL || elem.Index >= len(current.L) {
				return attr.Value{}, false, nil
			}
			current = current.L[elem.Index]
			continue
		}
		name, err := e.resolveName(elem)
		if err != nil {
			return attr.Value{}, false, trace.Wrap(err)
		}
		if current.Kind != attr.KindM {
			return attr.Value{}, false, nil
		}
		current, ok = current.M[name]
		if !ok {
			return attr.Value{}, false, nil
		}
	}
	return current, true, nil
}

// EvalCondition evaluates a condition against an item. Comparisons with
// absent attributes are false, never errors.
func EvalCondition(cond Condition, item attr.Item, env *Env) (bool, error) {
	switch c := cond.(type) {
	case AndCond:
		left, err := EvalCondition(c.L, item, env)
		if err != nil {
			return false, trace.Wrap(err)
		}
		if !left {
			return false, nil
		}
		return EvalCondition(c.R, item, env)

	case OrCond:
		left, err := EvalCondition(c.L, item, env)
		if err != nil {
			return false, trace.Wrap(err)
		}
		if left {
			return true, nil
		}
		return EvalCondition(c.R, item, env)

	case NotCond:
		inner, err := EvalCondition(c.Inner, item, env)
		if err != nil {
			return false, trace.Wrap(err)
		}
		return !inner, nil

	case CompareCond:
		return evalCompare(c, item, env)

	case BetweenCond:
		val, ok, err := evalOperand(c.Val, item, env)
		if err != nil || !ok {
			return false, trace.Wrap(err)
		}
		lo, ok, err := evalOperand(c.Lo, item, env)
		if err != nil || !ok {
			return false, trace.Wrap(err)
		}
		hi, ok, err := evalOperand(c.Hi, item, env)
		if err != nil || !ok {
			return false, trace.Wrap(err)
		}
		cmpLo, err := val.Compare(lo)
		if err != nil {
			return false, nil
		}
		cmpHi, err := val.Compare(hi)
		if err != nil {
			return false, nil
		}
		return cmpLo >= 0 && cmpHi <= 0, nil

	case InCond:
		val, ok, err := evalOperand(c.Val, item, env)
		if err != nil || !ok {
			return false, trace.Wrap(err)
		}
		for _, candidate := range c.List {
			other, ok, err := evalOperand(candidate, item, env)
			if err != nil {
				return false, trace.Wrap(err)
			}
			if ok && val.Equal(other) {
				return true, nil
			}
		}
		return false, nil

	case FuncCond:
		return evalFunc(c, item, env)
	}
	return false, trace.BadParameter("unknown condition node")
}

func evalCompare(c CompareCond, item attr.Item, env *Env) (bool, error) {
	left, ok, err := evalOperand(c.L, item, env)
	if err != nil || !ok {
		return false, trace.Wrap(err)
	}
	right, ok, err := evalOperand(c.R, item, env)
	if err != nil || !ok {
		return false, trace.Wrap(err)
	}

	switch c.Op {
	case "=":
		return left.Equal(right), nil
	case "<>":
		return !left.Equal(right), nil
	}

	cmp, err := left.Compare(right)
	if err != nil {
		// Mismatched or unordered types never match an ordering comparator.
		return false, nil
	}
	switch c.Op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, trace.BadParameter("unknown comparator %q", c.Op)
}

func evalOperand(op Operand, item attr.Item, env *Env) (attr.Value, bool, error) {
	switch o := op.(type) {
	case PathOperand:
		return env.Resolve(item, o.Path)
	case ValueOperand:
		v, err := env.resolveValue(o.Ref)
		if err != nil {
			return attr.Value{}, false, trace.Wrap(err)
		}
		return v, true, nil
	case SizeOperand:
		target, ok, err := env.Resolve(item, o.Path)
		if err != nil || !ok {
			return attr.Value{}, false, trace.Wrap(err)
		}
		size, err := valueSize(target)
		if err != nil {
			return attr.Value{}, false, nil
		}
		v, err := attr.NumberFromString(strconv.Itoa(size))
		if err != nil {
			return attr.Value{}, false, trace.Wrap(err)
		}
		return v, true, nil
	}
	return attr.Value{}, false, trace.BadParameter("unknown operand")
}

// valueSize implements the size() function per attribute type.
func valueSize(v attr.Value) (int, error) {
	switch v.Kind {
	case attr.KindS:
		return len(v.S), nil
	case attr.KindB:
		return len(v.B), nil
	case attr.KindL:
		return len(v.L), nil
	case attr.KindM:
		return len(v.M), nil
	case attr.KindSS:
		return len(v.SS), nil
	case attr.KindNS:
		return len(v.NS), nil
	case attr.KindBS:
		return len(v.BS), nil
	}
	return 0, trace.BadParameter("size() does not apply to %v", v.Kind.TypeName())
}

func evalFunc(c FuncCond, item attr.Item, env *Env) (bool, error) {
	target, exists, err := env.Resolve(item, c.Path)
	if err != nil {
		return false, trace.Wrap(err)
	}

	switch c.Name {
	case "attribute_exists":
		return exists, nil
	case "attribute_not_exists":
		return !exists, nil
	case "attribute_type":
		if !exists {
			return false, nil
		}
		want, ok, err := evalOperand(c.Args[0], item, env)
		if err != nil || !ok {
			return false, trace.Wrap(err)
		}
		if want.Kind != attr.KindS {
			return false, trace.BadParameter("attribute_type expects a string type name")
		}
		return target.Kind.TypeName() == want.S, nil
	case "begins_with":
		if !exists {
			return false, nil
		}
		prefix, ok, err := evalOperand(c.Args[0], item, env)
		if err != nil || !ok {
			return false, trace.Wrap(err)
		}
		switch {
		case target.Kind == attr.KindS && prefix.Kind == attr.KindS:
			return strings.HasPrefix(target.S, prefix.S), nil
		case target.Kind == attr.KindB && prefix.Kind == attr.KindB:
			return bytes.HasPrefix(target.B, prefix.B), nil
		}
		return false, nil
	case "contains":
		if !exists {
			return false, nil
		}
		needle, ok, err := evalOperand(c.Args[0], item, env)
		if err != nil || !ok {
			return false, trace.Wrap(err)
		}
		return valueContains(target, needle), nil
	}
	return false, trace.BadParameter("unknown function %q", c.Name)
}

// valueContains implements contains(): substring on strings, membership
// on sets and lists.
func valueContains(haystack, needle attr.Value) bool {
	switch haystack.Kind {
	case attr.KindS:
		return needle.Kind == attr.KindS && strings.Contains(haystack.S, needle.S)
	case attr.KindSS:
		for _, s := range haystack.SS {
			if needle.Kind == attr.KindS && needle.S == s {
				return true
			}
		}
	case attr.KindNS:
		for _, d := range haystack.NS {
			if needle.Kind == attr.KindN && needle.N.Cmp(d) == 0 {
				return true
			}
		}
	case attr.KindBS:
		for _, b := range haystack.BS {
			if needle.Kind == attr.KindB && bytes.Equal(needle.B, b) {
				return true
			}
		}
	case attr.KindL:
		for _, e := range haystack.L {
			if e.Equal(needle) {
				return true
			}
		}
	}
	return false
}
