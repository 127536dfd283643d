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
	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/dynamo/api"
	"github.com/gravitational/localcloud/lib/dynamo/attr"
	"github.com/gravitational/localcloud/lib/dynamo/expr"
)

// asValidation converts expression parse and eval failures into the wire
// error the caller expects.
func asValidation(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := api.AsError(err); ok {
		return err
	}
	if trace.IsBadParameter(err) {
		return api.Validation("%s", trace.UserMessage(err))
	}
	return trace.Wrap(err)
}

// keyValue pulls one key attribute out of item, checking its type.
func (t *Table) keyValue(item attr.Item, key KeyElement) (attr.Value, error) {
	v, ok := item[key.Name]
	if !ok {
		return attr.Value{}, api.Validation("one of the required keys was not given a value: %s", key.Name)
	}
	if v.Kind.TypeName() != t.schema.types[key.Name] {
		return attr.Value{}, api.Validation("key attribute %s has type %s, expected %s",
			key.Name, v.Kind.TypeName(), t.schema.types[key.Name])
	}
	return v, nil
}

// itemKey extracts and validates the key values of a full item.
func (t *Table) itemKey(item attr.Item) (pk, sk attr.Value, err error) {
	pk, err = t.keyValue(item, t.schema.Hash)
	if err != nil {
		return attr.Value{}, attr.Value{}, trace.Wrap(err)
	}
	if t.schema.Range != nil {
		sk, err = t.keyValue(item, *t.schema.Range)
		if err != nil {
			return attr.Value{}, attr.Value{}, trace.Wrap(err)
		}
	}
	return pk, sk, nil
}

// requestKey validates a Key map: exactly the key attributes, correct types.
func (t *Table) requestKey(key attr.Item) (pk, sk attr.Value, err error) {
	want := 1
	if t.schema.Range != nil {
		want = 2
	}
	if len(key) != want {
		return attr.Value{}, attr.Value{}, api.Validation("the provided key element does not match the schema")
	}
	return t.itemKey(key)
}

// keyItem rebuilds the wire Key map of an entry.
func (t *Table) keyItem(en *entry) attr.Item {
	key := attr.Item{t.schema.Hash.Name: en.pk}
	if t.schema.Range != nil {
		key[t.schema.Range.Name] = en.sk
	}
	return key
}

// checkRefs rejects supplied expression attribute names and values that no
// expression in the request references.
func checkRefs(names map[string]string, values map[string]attr.Value, used ...*expr.Refs) error {
	usedNames := make(map[string]bool)
	usedValues := make(map[string]bool)
	for _, refs := range used {
		if refs == nil {
			continue
		}
		for n := range refs.Names {
			usedNames[n] = true
		}
		for v := range refs.Values {
			usedValues[v] = true
		}
	}
	for n := range names {
		if !usedNames[n] {
			return api.Validation("value provided in ExpressionAttributeNames unused in expressions: %s", n)
		}
	}
	for v := range values {
		if !usedValues[v] {
			return api.Validation("value provided in ExpressionAttributeValues unused in expressions: %s", v)
		}
	}
	return nil
}

// evalCondition parses and evaluates a condition expression against item.
// A failing condition returns ConditionalCheckFailedException.
func evalCondition(cond expr.Condition, item attr.Item, env *expr.Env) error {
	ok, err := expr.EvalCondition(cond, item, env)
	if err != nil {
		return asValidation(err)
	}
	if !ok {
		return api.ConditionalCheckFailed()
	}
	return nil
}

// ItemKey extracts and validates the key attributes of an item.
func (e *Engine) ItemKey(tableName string, item attr.Item) (attr.Item, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pk, sk, err := t.itemKey(item)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return t.keyItem(&entry{pk: pk, sk: sk}), nil
}

// PutItem stores an item, replacing any existing item with the same key.
// ReturnValues ALL_OLD returns the replaced item.
func (e *Engine) PutItem(tableName string, in PutItemInput) (attr.Item, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch in.ReturnValues {
	case "", "NONE", "ALL_OLD":
	default:
		return nil, api.Validation("invalid ReturnValues for PutItem: %s", in.ReturnValues)
	}
	pk, sk, err := t.itemKey(in.Item)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var cond expr.Condition
	var refs *expr.Refs
	if in.Condition != "" {
		cond, refs, err = expr.ParseCondition(in.Condition)
		if err != nil {
			return nil, asValidation(err)
		}
	}
	if err := checkRefs(in.Names, in.Values, refs); err != nil {
		return nil, trace.Wrap(err)
	}
	env := &expr.Env{Names: in.Names, Values: in.Values}

	t.mu.Lock()
	defer t.mu.Unlock()

	pivot := &entry{pk: pk, sk: sk}
	old, exists := t.items.Get(pivot)
	if cond != nil {
		target := attr.Item{}
		if exists {
			target = old.item
		}
		if err := evalCondition(cond, target, env); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	t.items.ReplaceOrInsert(&entry{pk: pk, sk: sk, item: in.Item.Clone()})
	if in.ReturnValues == "ALL_OLD" && exists {
		return old.item.Clone(), nil
	}
	return nil, nil
}

// GetItem reads an item by key, optionally applying a projection.
func (e *Engine) GetItem(tableName string, in GetItemInput) (attr.Item, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pk, sk, err := t.requestKey(in.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var projection []expr.Path
	var refs *expr.Refs
	if in.Projection != "" {
		projection, refs, err = expr.ParseProjection(in.Projection)
		if err != nil {
			return nil, asValidation(err)
		}
	}
	if err := checkRefs(in.Names, nil, refs); err != nil {
		return nil, trace.Wrap(err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	en, ok := t.items.Get(&entry{pk: pk, sk: sk})
	if !ok {
		return nil, nil
	}
	if projection == nil {
		return en.item.Clone(), nil
	}
	out, err := expr.ApplyProjection(projection, en.item, &expr.Env{Names: in.Names})
	if err != nil {
		return nil, asValidation(err)
	}
	return out, nil
}

// UpdateItem applies an update expression to an item, creating it when
// absent. The five ReturnValues modes select which attribute snapshot
// comes back.
func (e *Engine) UpdateItem(tableName string, in UpdateItemInput) (attr.Item, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch in.ReturnValues {
	case "", "NONE", "ALL_OLD", "UPDATED_OLD", "ALL_NEW", "UPDATED_NEW":
	default:
		return nil, api.Validation("invalid ReturnValues for UpdateItem: %s", in.ReturnValues)
	}
	pk, sk, err := t.requestKey(in.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var update *expr.Update
	var updateRefs, condRefs *expr.Refs
	if in.Update != "" {
		update, updateRefs, err = expr.ParseUpdate(in.Update)
		if err != nil {
			return nil, asValidation(err)
		}
	}
	var cond expr.Condition
	if in.Condition != "" {
		cond, condRefs, err = expr.ParseCondition(in.Condition)
		if err != nil {
			return nil, asValidation(err)
		}
	}
	if err := checkRefs(in.Names, in.Values, updateRefs, condRefs); err != nil {
		return nil, trace.Wrap(err)
	}
	env := &expr.Env{Names: in.Names, Values: in.Values}

	t.mu.Lock()
	defer t.mu.Unlock()

	pivot := &entry{pk: pk, sk: sk}
	old, exists := t.items.Get(pivot)

	base := in.Key.Clone()
	if exists {
		base = old.item
	}
	if cond != nil {
		target := attr.Item{}
		if exists {
			target = old.item
		}
		if err := evalCondition(cond, target, env); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	updated := base.Clone()
	if update != nil {
		if err := expr.ApplyUpdate(update, updated, env, t.schema.KeyAttributes()); err != nil {
			return nil, asValidation(err)
		}
	}
	t.items.ReplaceOrInsert(&entry{pk: pk, sk: sk, item: updated})

	switch in.ReturnValues {
	case "ALL_OLD":
		if exists {
			return old.item.Clone(), nil
		}
		return nil, nil
	case "UPDATED_OLD":
		if exists {
			return pickAttributes(old.item, touchedAttributes(update, in.Names)), nil
		}
		return nil, nil
	case "ALL_NEW":
		return updated.Clone(), nil
	case "UPDATED_NEW":
		return pickAttributes(updated, touchedAttributes(update, in.Names)), nil
	}
	return nil, nil
}

// touchedAttributes returns the top-level attribute names an update
// expression writes to.
func touchedAttributes(update *expr.Update, names map[string]string) map[string]bool {
	touched := make(map[string]bool)
	if update == nil {
		return touched
	}
	for _, a := range update.Set {
		touched[a.Path.Root(names)] = true
	}
	for _, p := range update.Remove {
		touched[p.Root(names)] = true
	}
	for _, a := range update.Add {
		touched[a.Path.Root(names)] = true
	}
	for _, a := range update.Delete {
		touched[a.Path.Root(names)] = true
	}
	return touched
}

func pickAttributes(item attr.Item, names map[string]bool) attr.Item {
	out := make(attr.Item)
	for name := range names {
		if v, ok := item[name]; ok {
			out[name] = v.Clone()
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DeleteItem removes an item by key. Deleting an absent item succeeds.
func (e *Engine) DeleteItem(tableName string, in DeleteItemInput) (attr.Item, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch in.ReturnValues {
	case "", "NONE", "ALL_OLD":
	default:
		return nil, api.Validation("invalid ReturnValues for DeleteItem: %s", in.ReturnValues)
	}
	pk, sk, err := t.requestKey(in.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var cond expr.Condition
	var refs *expr.Refs
	if in.Condition != "" {
		cond, refs, err = expr.ParseCondition(in.Condition)
		if err != nil {
			return nil, asValidation(err)
		}
	}
	if err := checkRefs(in.Names, in.Values, refs); err != nil {
		return nil, trace.Wrap(err)
	}
	env := &expr.Env{Names: in.Names, Values: in.Values}

	t.mu.Lock()
	defer t.mu.Unlock()

	pivot := &entry{pk: pk, sk: sk}
	old, exists := t.items.Get(pivot)
	if cond != nil {
		target := attr.Item{}
		if exists {
			target = old.item
		}
		if err := evalCondition(cond, target, env); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if !exists {
		return nil, nil
	}
	t.items.Delete(pivot)
	if in.ReturnValues == "ALL_OLD" {
		return old.item.Clone(), nil
	}
	return nil, nil
}
