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

package table

import (
	"bytes"
	"hash/fnv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/dynamo/api"
	"github.com/gravitational/localcloud/lib/dynamo/attr"
	"github.com/gravitational/localcloud/lib/dynamo/expr"
)

// sortCondition is the sort-key constraint extracted from a key condition
// expression.
type sortCondition struct {
	op     string // "=", "<", "<=", ">", ">=", "between", "begins_with"
	v1, v2 attr.Value
}

func (c *sortCondition) matches(sk attr.Value) bool {
	if c == nil {
		return true
	}
	if c.op == "begins_with" {
		switch {
		case sk.Kind == attr.KindS && c.v1.Kind == attr.KindS:
			return strings.HasPrefix(sk.S, c.v1.S)
		case sk.Kind == attr.KindB && c.v1.Kind == attr.KindB:
			return bytes.HasPrefix(sk.B, c.v1.B)
		}
		return false
	}
	cmp := compareKeys(sk, c.v1)
	switch c.op {
	case "=":
		return cmp == 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "between":
		return cmp >= 0 && compareKeys(sk, c.v2) <= 0
	}
	return false
}

// parseKeyCondition validates the restricted key-condition grammar:
// pk = :v, optionally AND a single sort-key comparison, BETWEEN, or
// begins_with.
func (t *Table) parseKeyCondition(input string, env *expr.Env) (pk attr.Value, sc *sortCondition, refs *expr.Refs, err error) {
	cond, refs, err := expr.ParseCondition(input)
	if err != nil {
		return attr.Value{}, nil, nil, asValidation(err)
	}

	var hashCond, rangeCond expr.Condition
	if and, ok := cond.(expr.AndCond); ok {
		left, lerr := t.keyConditionTarget(and.L, env)
		if lerr != nil {
			return attr.Value{}, nil, nil, trace.Wrap(lerr)
		}
		if left == t.schema.Hash.Name {
			hashCond, rangeCond = and.L, and.R
		} else {
			hashCond, rangeCond = and.R, and.L
		}
	} else {
		hashCond = cond
	}

	pk, err = t.parseHashCondition(hashCond, env)
	if err != nil {
		return attr.Value{}, nil, nil, trace.Wrap(err)
	}
	if rangeCond != nil {
		if t.schema.Range == nil {
			return attr.Value{}, nil, nil, api.Validation("key condition references a sort key but the table has none")
		}
		sc, err = t.parseRangeCondition(rangeCond, env)
		if err != nil {
			return attr.Value{}, nil, nil, trace.Wrap(err)
		}
	}
	return pk, sc, refs, nil
}

// keyConditionTarget returns the key attribute a condition node constrains.
func (t *Table) keyConditionTarget(cond expr.Condition, env *expr.Env) (string, error) {
	var path expr.Path
	switch c := cond.(type) {
	case expr.CompareCond:
		p, ok := c.L.(expr.PathOperand)
		if !ok {
			return "", api.Validation("key condition must compare a key attribute")
		}
		path = p.Path
	case expr.BetweenCond:
		p, ok := c.Val.(expr.PathOperand)
		if !ok {
			return "", api.Validation("key condition must compare a key attribute")
		}
		path = p.Path
	case expr.FuncCond:
		path = c.Path
	default:
		return "", api.Validation("unsupported key condition")
	}
	if len(path) != 1 {
		return "", api.Validation("key condition paths must be top-level attributes")
	}
	return path.Root(env.Names), nil
}

func (t *Table) parseHashCondition(cond expr.Condition, env *expr.Env) (attr.Value, error) {
	c, ok := cond.(expr.CompareCond)
	if !ok || c.Op != "=" {
		return attr.Value{}, api.Validation("query key condition must include an equality test on the partition key")
	}
	target, err := t.keyConditionTarget(cond, env)
	if err != nil {
		return attr.Value{}, trace.Wrap(err)
	}
	if target != t.schema.Hash.Name {
		return attr.Value{}, api.Validation("query key condition must test the partition key %s", t.schema.Hash.Name)
	}
	v, err := t.keyConditionValue(c.R, env)
	if err != nil {
		return attr.Value{}, trace.Wrap(err)
	}
	if v.Kind.TypeName() != t.schema.types[t.schema.Hash.Name] {
		return attr.Value{}, api.Validation("partition key value has the wrong type")
	}
	return v, nil
}

func (t *Table) parseRangeCondition(cond expr.Condition, env *expr.Env) (*sortCondition, error) {
	target, err := t.keyConditionTarget(cond, env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if target != t.schema.Range.Name {
		return nil, api.Validation("key condition must test the sort key %s", t.schema.Range.Name)
	}

	switch c := cond.(type) {
	case expr.CompareCond:
		if c.Op == "<>" {
			return nil, api.Validation("key conditions do not support <>")
		}
		v, err := t.keyConditionValue(c.R, env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &sortCondition{op: c.Op, v1: v}, nil
	case expr.BetweenCond:
		lo, err := t.keyConditionValue(c.Lo, env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		hi, err := t.keyConditionValue(c.Hi, env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &sortCondition{op: "between", v1: lo, v2: hi}, nil
	case expr.FuncCond:
		if c.Name != "begins_with" {
			return nil, api.Validation("key conditions support only the begins_with function")
		}
		v, err := t.keyConditionValue(c.Args[0], env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &sortCondition{op: "begins_with", v1: v}, nil
	}
	return nil, api.Validation("unsupported sort key condition")
}

func (t *Table) keyConditionValue(op expr.Operand, env *expr.Env) (attr.Value, error) {
	ref, ok := op.(expr.ValueOperand)
	if !ok {
		return attr.Value{}, api.Validation("key condition values must be expression attribute values")
	}
	v, ok := env.Values[ref.Ref]
	if !ok {
		return attr.Value{}, api.Validation("expression attribute value %s is not defined", ref.Ref)
	}
	return v, nil
}

// conditionPaths collects every document path a condition mentions.
func conditionPaths(cond expr.Condition, out *[]expr.Path) {
	switch c := cond.(type) {
	case expr.AndCond:
		conditionPaths(c.L, out)
		conditionPaths(c.R, out)
	case expr.OrCond:
		conditionPaths(c.L, out)
		conditionPaths(c.R, out)
	case expr.NotCond:
		conditionPaths(c.Inner, out)
	case expr.CompareCond:
		operandPaths(c.L, out)
		operandPaths(c.R, out)
	case expr.BetweenCond:
		operandPaths(c.Val, out)
		operandPaths(c.Lo, out)
		operandPaths(c.Hi, out)
	case expr.InCond:
		operandPaths(c.Val, out)
		for _, o := range c.List {
			operandPaths(o, out)
		}
	case expr.FuncCond:
		*out = append(*out, c.Path)
		for _, o := range c.Args {
			operandPaths(o, out)
		}
	}
}

func operandPaths(op expr.Operand, out *[]expr.Path) {
	switch o := op.(type) {
	case expr.PathOperand:
		*out = append(*out, o.Path)
	case expr.SizeOperand:
		*out = append(*out, o.Path)
	}
}

// checkFilterAttributes rejects filters that touch key attributes.
func (t *Table) checkFilterAttributes(filter expr.Condition, env *expr.Env) error {
	var paths []expr.Path
	conditionPaths(filter, &paths)
	keys := t.schema.KeyAttributes()
	for _, p := range paths {
		if keys[p.Root(env.Names)] {
			return api.Validation("filter expression can only contain non-primary key attributes: %s", p.Root(env.Names))
		}
	}
	return nil
}

// Query returns items of one partition selected by the key condition, in
// sort-key order.
func (e *Engine) Query(tableName string, in QueryInput) (*Page, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if in.Limit < 0 {
		return nil, api.Validation("limit must not be negative")
	}
	if in.KeyCondition == "" {
		return nil, api.Validation("query requires a KeyConditionExpression")
	}
	env := &expr.Env{Names: in.Names, Values: in.Values}

	pk, sc, keyRefs, err := t.parseKeyCondition(in.KeyCondition, env)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var filter expr.Condition
	var filterRefs *expr.Refs
	if in.Filter != "" {
		filter, filterRefs, err = expr.ParseCondition(in.Filter)
		if err != nil {
			return nil, asValidation(err)
		}
		if err := t.checkFilterAttributes(filter, env); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	var projection []expr.Path
	var projRefs *expr.Refs
	if in.Projection != "" {
		projection, projRefs, err = expr.ParseProjection(in.Projection)
		if err != nil {
			return nil, asValidation(err)
		}
	}
	if err := checkRefs(in.Names, in.Values, keyRefs, filterRefs, projRefs); err != nil {
		return nil, trace.Wrap(err)
	}

	t.mu.RLock()
	var matches []*entry
	t.items.AscendGreaterOrEqual(&entry{pk: pk}, func(en *entry) bool {
		if compareKeys(en.pk, pk) != 0 {
			return false
		}
		if sc.matches(en.sk) {
			matches = append(matches, en)
		}
		return true
	})
	t.mu.RUnlock()

	if !in.ScanForward {
		for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
			matches[i], matches[j] = matches[j], matches[i]
		}
	}
	return t.paginate(matches, in.ExclusiveStartKey, in.Limit, !in.ScanForward, filter, projection, env)
}

// Scan walks the whole table, optionally one hash segment of it.
func (e *Engine) Scan(tableName string, in ScanInput) (*Page, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if in.Limit < 0 {
		return nil, api.Validation("limit must not be negative")
	}
	if in.TotalSegments < 0 || in.TotalSegments > 0 && (in.Segment < 0 || in.Segment >= in.TotalSegments) {
		return nil, api.Validation("segment must be between 0 and TotalSegments-1")
	}
	env := &expr.Env{Names: in.Names, Values: in.Values}

	var filter expr.Condition
	var filterRefs *expr.Refs
	if in.Filter != "" {
		filter, filterRefs, err = expr.ParseCondition(in.Filter)
		if err != nil {
			return nil, asValidation(err)
		}
	}
	var projection []expr.Path
	var projRefs *expr.Refs
	if in.Projection != "" {
		projection, projRefs, err = expr.ParseProjection(in.Projection)
		if err != nil {
			return nil, asValidation(err)
		}
	}
	if err := checkRefs(in.Names, in.Values, filterRefs, projRefs); err != nil {
		return nil, trace.Wrap(err)
	}

	t.mu.RLock()
	var matches []*entry
	t.items.Ascend(func(en *entry) bool {
		if in.TotalSegments > 0 && keySegment(en.pk, in.TotalSegments) != in.Segment {
			return true
		}
		matches = append(matches, en)
		return true
	})
	t.mu.RUnlock()

	return t.paginate(matches, in.ExclusiveStartKey, in.Limit, false, filter, projection, env)
}

// keySegment shards a partition key for parallel scans.
func keySegment(pk attr.Value, totalSegments int) int {
	h := fnv.New32a()
	switch pk.Kind {
	case attr.KindS:
		h.Write([]byte(pk.S))
	case attr.KindN:
		h.Write([]byte(pk.N.Rat().RatString()))
	case attr.KindB:
		h.Write(pk.B)
	}
	return int(h.Sum32() % uint32(totalSegments))
}

// paginate applies the exclusive start key, limit, filter, and projection
// to an ordered run of key matches. The limit counts key matches, not
// filter survivors.
func (t *Table) paginate(matches []*entry, startKey attr.Item, limit int, reverse bool, filter expr.Condition, projection []expr.Path, env *expr.Env) (*Page, error) {
	if len(startKey) > 0 {
		spk, ssk, err := t.requestKey(startKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		start := &entry{pk: spk, sk: ssk}
		// Resume at the first entry strictly past the start key in the
		// iteration direction. The start key itself may have been deleted
		// since the last page.
		i := 0
		for ; i < len(matches); i++ {
			passed := entryLess(start, matches[i])
			if reverse {
				passed = entryLess(matches[i], start)
			}
			if passed {
				break
			}
		}
		matches = matches[i:]
	}

	page := &Page{}
	for _, en := range matches {
		if limit > 0 && page.ScannedCount == limit {
			page.LastEvaluatedKey = t.keyItem(matches[page.ScannedCount-1])
			break
		}
		page.ScannedCount++

		keep := true
		if filter != nil {
			ok, err := expr.EvalCondition(filter, en.item, env)
			if err != nil {
				return nil, asValidation(err)
			}
			keep = ok
		}
		if !keep {
			continue
		}

		item := en.item.Clone()
		if projection != nil {
			projected, err := expr.ApplyProjection(projection, en.item, env)
			if err != nil {
				return nil, asValidation(err)
			}
			item = projected
		}
		page.Items = append(page.Items, item)
	}
	page.Count = len(page.Items)
	return page, nil
}
