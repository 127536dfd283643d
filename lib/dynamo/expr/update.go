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

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/dynamo/attr"
)

// ApplyUpdate applies a parsed update expression to item in place.
// keyAttrs are the table's key attribute names; updates may not touch them.
func ApplyUpdate(update *Update, item attr.Item, env *Env, keyAttrs map[string]bool) error {
	for _, action := range update.Set {
		if err := checkKeyPath(action.Path, env, keyAttrs); err != nil {
			return trace.Wrap(err)
		}
		val, err := evalUpdateOperand(action.Value, item, env)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := setPath(item, action.Path, env, val); err != nil {
			return trace.Wrap(err)
		}
	}

	for _, path := range update.Remove {
		if err := checkKeyPath(path, env, keyAttrs); err != nil {
			return trace.Wrap(err)
		}
		if err := removePath(item, path, env); err != nil {
			return trace.Wrap(err)
		}
	}

	for _, action := range update.Add {
		if err := checkKeyPath(action.Path, env, keyAttrs); err != nil {
			return trace.Wrap(err)
		}
		delta, err := env.resolveValue(action.Ref)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := applyAdd(item, action.Path, env, delta); err != nil {
			return trace.Wrap(err)
		}
	}

	for _, action := range update.Delete {
		if err := checkKeyPath(action.Path, env, keyAttrs); err != nil {
			return trace.Wrap(err)
		}
		members, err := env.resolveValue(action.Ref)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := applyDelete(item, action.Path, env, members); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func checkKeyPath(path Path, env *Env, keyAttrs map[string]bool) error {
	if len(keyAttrs) == 0 {
		return nil
	}
	root, err := env.resolveName(path[0])
	if err != nil {
		return trace.Wrap(err)
	}
	if keyAttrs[root] {
		return trace.BadParameter("cannot update attribute %s: this attribute is part of the key", root)
	}
	return nil
}

// evalUpdateOperand evaluates the right side of a SET action.
func evalUpdateOperand(op UpdateOperand, item attr.Item, env *Env) (attr.Value, error) {
	switch o := op.(type) {
	case ValueOperand:
		return env.resolveValue(o.Ref)

	case PathOperand:
		v, ok, err := env.Resolve(item, o.Path)
		if err != nil {
			return attr.Value{}, trace.Wrap(err)
		}
		if !ok {
			return attr.Value{}, trace.BadParameter("the provided expression refers to an attribute that does not exist: %s", o.Path)
		}
		return v, nil

	case IfNotExists:
		v, ok, err := env.Resolve(item, o.Path)
		if err != nil {
			return attr.Value{}, trace.Wrap(err)
		}
		if ok {
			return v, nil
		}
		return evalUpdateOperand(o.Fallback, item, env)

	case ListAppend:
		a, err := evalUpdateOperand(o.A, item, env)
		if err != nil {
			return attr.Value{}, trace.Wrap(err)
		}
		b, err := evalUpdateOperand(o.B, item, env)
		if err != nil {
			return attr.Value{}, trace.Wrap(err)
		}
		if a.Kind != attr.KindL || b.Kind != attr.KindL {
			return attr.Value{}, trace.BadParameter("list_append operands must be lists")
		}
		joined := make([]attr.Value, 0, len(a.L)+len(b.L))
		joined = append(joined, a.L...)
		joined = append(joined, b.L...)
		return attr.List(joined), nil

	case Arith:
		l, err := evalUpdateOperand(o.L, item, env)
		if err != nil {
			return attr.Value{}, trace.Wrap(err)
		}
		r, err := evalUpdateOperand(o.R, item, env)
		if err != nil {
			return attr.Value{}, trace.Wrap(err)
		}
		if l.Kind != attr.KindN || r.Kind != attr.KindN {
			return attr.Value{}, trace.BadParameter("arithmetic operands must be numbers")
		}
		if o.Op == '-' {
			return attr.Number(l.N.Sub(r.N)), nil
		}
		return attr.Number(l.N.Add(r.N)), nil
	}
	return attr.Value{}, trace.BadParameter("unknown update operand")
}

// container locates the parent of the final path element, creating nothing.
// It returns the parent value and the resolved last element.
func container(item attr.Item, path Path, env *Env) (parent attr.Value, last PathElem, err error) {
	last = path[len(path)-1]
	if !last.IsIndex {
		name, err := env.resolveName(last)
		if err != nil {
			return attr.Value{}, PathElem{}, trace.Wrap(err)
		}
		last.Name = name
	}
	parent, ok, err := env.Resolve(item, path[:len(path)-1])
	if err != nil {
		return attr.Value{}, PathElem{}, trace.Wrap(err)
	}
	if !ok {
		return attr.Value{}, PathElem{}, trace.BadParameter("the document path %s is invalid for the item", path)
	}
	return parent, last, nil
}

// setPath writes val at path. A list index past the end appends.
func setPath(item attr.Item, path Path, env *Env, val attr.Value) error {
	if len(path) == 1 {
		if path[0].IsIndex {
			return trace.BadParameter("a top-level document path cannot be an index")
		}
		name, err := env.resolveName(path[0])
		if err != nil {
			return trace.Wrap(err)
		}
		item[name] = val
		return nil
	}

	// Writes into nested containers mutate the shared L slice or M map in
	// place, so resolving the parent is enough.
	parent, last, err := container(item, path, env)
	if err != nil {
		return trace.Wrap(err)
	}
	if last.IsIndex {
		if parent.Kind != attr.KindL {
			return trace.BadParameter("the document path %s does not address a list", path)
		}
		if last.Index < len(parent.L) {
			parent.L[last.Index] = val
			return nil
		}
		grown := append(parent.L, val)
		return writeBack(item, path[:len(path)-1], env, attr.List(grown))
	}
	if parent.Kind != attr.KindM {
		return trace.BadParameter("the document path %s does not address a map", path)
	}
	parent.M[last.Name] = val
	return nil
}

// writeBack rewrites the value at path after a slice was reallocated.
func writeBack(item attr.Item, path Path, env *Env, val attr.Value) error {
	return setPath(item, path, env, val)
}

// removePath deletes the attribute at path. Removing a list index splices
// the list; a missing target is a no-op.
func removePath(item attr.Item, path Path, env *Env) error {
	if len(path) == 1 {
		if path[0].IsIndex {
			return trace.BadParameter("a top-level document path cannot be an index")
		}
		name, err := env.resolveName(path[0])
		if err != nil {
			return trace.Wrap(err)
		}
		delete(item, name)
		return nil
	}

	parent, ok, err := env.Resolve(item, path[:len(path)-1])
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return nil
	}
	last := path[len(path)-1]
	if last.IsIndex {
		if parent.Kind != attr.KindL || last.Index >= len(parent.L) {
			return nil
		}
		spliced := append(parent.L[:last.Index:last.Index], parent.L[last.Index+1:]...)
		return writeBack(item, path[:len(path)-1], env, attr.List(spliced))
	}
	name, err := env.resolveName(last)
	if err != nil {
		return trace.Wrap(err)
	}
	if parent.Kind == attr.KindM {
		delete(parent.M, name)
	}
	return nil
}

// applyAdd implements ADD: numeric addition or set union. A missing target
// starts from zero or the empty set.
func applyAdd(item attr.Item, path Path, env *Env, delta attr.Value) error {
	current, exists, err := env.Resolve(item, path)
	if err != nil {
		return trace.Wrap(err)
	}

	switch delta.Kind {
	case attr.KindN:
		if !exists {
			return setPath(item, path, env, delta)
		}
		if current.Kind != attr.KindN {
			return trace.BadParameter("ADD requires a number at %s, found %s", path, current.Kind.TypeName())
		}
		return setPath(item, path, env, attr.Number(current.N.Add(delta.N)))

	case attr.KindSS, attr.KindNS, attr.KindBS:
		if !exists {
			return setPath(item, path, env, delta.Clone())
		}
		if current.Kind != delta.Kind {
			return trace.BadParameter("ADD requires matching set types at %s", path)
		}
		return setPath(item, path, env, setUnion(current, delta))
	}
	return trace.BadParameter("ADD supports only numbers and sets, got %s", delta.Kind.TypeName())
}

func setUnion(a, b attr.Value) attr.Value {
	out := a.Clone()
	switch a.Kind {
	case attr.KindSS:
		have := make(map[string]bool, len(out.SS))
		for _, s := range out.SS {
			have[s] = true
		}
		for _, s := range b.SS {
			if !have[s] {
				out.SS = append(out.SS, s)
			}
		}
	case attr.KindNS:
		for _, d := range b.NS {
			found := false
			for _, e := range out.NS {
				if e.Cmp(d) == 0 {
					found = true
					break
				}
			}
			if !found {
				out.NS = append(out.NS, d)
			}
		}
	case attr.KindBS:
		for _, bs := range b.BS {
			found := false
			for _, e := range out.BS {
				if bytes.Equal(e, bs) {
					found = true
					break
				}
			}
			if !found {
				out.BS = append(out.BS, append([]byte(nil), bs...))
			}
		}
	}
	return out
}

// applyDelete implements DELETE: set difference. An emptied set is removed
// from the item.
func applyDelete(item attr.Item, path Path, env *Env, members attr.Value) error {
	current, exists, err := env.Resolve(item, path)
	if err != nil {
		return trace.Wrap(err)
	}
	if !exists {
		return nil
	}
	switch members.Kind {
	case attr.KindSS, attr.KindNS, attr.KindBS:
	default:
		return trace.BadParameter("DELETE supports only sets, got %s", members.Kind.TypeName())
	}
	if current.Kind != members.Kind {
		return trace.BadParameter("DELETE requires matching set types at %s", path)
	}

	remaining := setDifference(current, members)
	if setLen(remaining) == 0 {
		return removePath(item, path, env)
	}
	return setPath(item, path, env, remaining)
}

func setDifference(a, b attr.Value) attr.Value {
	out := attr.Value{Kind: a.Kind}
	switch a.Kind {
	case attr.KindSS:
		drop := make(map[string]bool, len(b.SS))
		for _, s := range b.SS {
			drop[s] = true
		}
		for _, s := range a.SS {
			if !drop[s] {
				out.SS = append(out.SS, s)
			}
		}
	case attr.KindNS:
		for _, d := range a.NS {
			dropped := false
			for _, e := range b.NS {
				if d.Cmp(e) == 0 {
					dropped = true
					break
				}
			}
			if !dropped {
				out.NS = append(out.NS, d)
			}
		}
	case attr.KindBS:
		for _, bs := range a.BS {
			dropped := false
			for _, e := range b.BS {
				if bytes.Equal(bs, e) {
					dropped = true
					break
				}
			}
			if !dropped {
				out.BS = append(out.BS, bs)
			}
		}
	}
	return out
}

func setLen(v attr.Value) int {
	switch v.Kind {
	case attr.KindSS:
		return len(v.SS)
	case attr.KindNS:
		return len(v.NS)
	case attr.KindBS:
		return len(v.BS)
	}
	return 0
}

// ApplyProjection returns a new item holding only the projected paths.
func ApplyProjection(paths []Path, item attr.Item, env *Env) (attr.Item, error) {
	out := make(attr.Item)
	for _, path := range paths {
		val, ok, err := env.Resolve(item, path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !ok {
			continue
		}
		if err := projectInto(out, path, env, val.Clone()); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return out, nil
}

// projectInto grafts val at path inside out, creating intermediate maps.
// Projected list elements collapse into a compacted list, matching how
// DynamoDB renders partial list projections.
func projectInto(out attr.Item, path Path, env *Env, val attr.Value) error {
	root, err := env.resolveName(path[0])
	if err != nil {
		return trace.Wrap(err)
	}
	if len(path) == 1 {
		out[root] = val
		return nil
	}

	current, ok := out[root]
	rest := path[1:]
	updated, err := graft(current, ok, rest, env, val)
	if err != nil {
		return trace.Wrap(err)
	}
	out[root] = updated
	return nil
}

func graft(current attr.Value, exists bool, rest Path, env *Env, val attr.Value) (attr.Value, error) {
	if len(rest) == 0 {
		return val, nil
	}
	elem := rest[0]
	if elem.IsIndex {
		if !exists || current.Kind != attr.KindL {
			current = attr.List(nil)
		}
		child, err := graft(attr.Value{}, false, rest[1:], env, val)
		if err != nil {
			return attr.Value{}, trace.Wrap(err)
		}
		current.L = append(current.L, child)
		return current, nil
	}
	name, err := env.resolveName(elem)
	if err != nil {
		return attr.Value{}, trace.Wrap(err)
	}
	if !exists || current.Kind != attr.KindM {
		current = attr.Map(make(map[string]attr.Value))
	}
	childCur, childOk := current.M[name]
	child, err := graft(childCur, childOk, rest[1:], env, val)
	if err != nil {
		return attr.Value{}, trace.Wrap(err)
	}
	current.M[name] = child
	return current, nil
}
