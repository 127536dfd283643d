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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/localcloud/lib/dynamo/api"
	"github.com/gravitational/localcloud/lib/dynamo/attr"
)

func TestPutGetDeleteItem(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "users")

	item := attr.Item{"id": attr.String("u1"), "name": attr.String("alice")}
	old, err := e.PutItem("users", PutItemInput{Item: item})
	require.NoError(t, err)
	require.Nil(t, old)

	got, err := e.GetItem("users", GetItemInput{Key: attr.Item{"id": attr.String("u1")}})
	require.NoError(t, err)
	require.Equal(t, item, got)

	// Replacing returns the old item under ALL_OLD.
	replacement := attr.Item{"id": attr.String("u1"), "name": attr.String("bob")}
	old, err = e.PutItem("users", PutItemInput{Item: replacement, ReturnValues: "ALL_OLD"})
	require.NoError(t, err)
	require.Equal(t, item, old)

	old, err = e.DeleteItem("users", DeleteItemInput{
		Key:          attr.Item{"id": attr.String("u1")},
		ReturnValues: "ALL_OLD",
	})
	require.NoError(t, err)
	require.Equal(t, replacement, old)

	got, err = e.GetItem("users", GetItemInput{Key: attr.Item{"id": attr.String("u1")}})
	require.NoError(t, err)
	require.Nil(t, got)

	// Deleting an absent item succeeds.
	_, err = e.DeleteItem("users", DeleteItemInput{Key: attr.Item{"id": attr.String("u1")}})
	require.NoError(t, err)
}

func TestItemKeyValidation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	rangeTable(t, e, "orders")

	// Missing sort key.
	_, err := e.PutItem("orders", PutItemInput{Item: attr.Item{"pk": attr.String("a")}})
	require.True(t, api.IsCode(err, api.ErrValidation))

	// Wrong key type.
	_, err = e.PutItem("orders", PutItemInput{Item: attr.Item{
		"pk": attr.String("a"), "sk": attr.String("not-a-number"),
	}})
	require.True(t, api.IsCode(err, api.ErrValidation))

	// Extra attribute in a Key map.
	_, err = e.GetItem("orders", GetItemInput{Key: attr.Item{
		"pk": attr.String("a"), "sk": num(t, "1"), "extra": attr.String("x"),
	}})
	require.True(t, api.IsCode(err, api.ErrValidation))

	_, err = e.PutItem("missing", PutItemInput{Item: attr.Item{"id": attr.String("x")}})
	require.True(t, api.IsCode(err, api.ErrResourceNotFound))
}

func TestConditionalPut(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "users")

	item := attr.Item{"id": attr.String("u1"), "n": num(t, "1")}
	_, err := e.PutItem("users", PutItemInput{Item: item, Condition: "attribute_not_exists(id)"})
	require.NoError(t, err)

	_, err = e.PutItem("users", PutItemInput{Item: item, Condition: "attribute_not_exists(id)"})
	require.True(t, api.IsCode(err, api.ErrConditionalCheckFailed))

	_, err = e.PutItem("users", PutItemInput{
		Item:      attr.Item{"id": attr.String("u1"), "n": num(t, "2")},
		Condition: "n = :expect",
		Values:    map[string]attr.Value{":expect": num(t, "1")},
	})
	require.NoError(t, err)
}

func TestConditionalAtomicity(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "locks")

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.UpdateItem("locks", UpdateItemInput{
				Key:       attr.Item{"id": attr.String("lock")},
				Update:    "SET holder = :h",
				Condition: "attribute_not_exists(id)",
				Values:    map[string]attr.Value{":h": attr.String("me")},
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.True(t, api.IsCode(err, api.ErrConditionalCheckFailed))
		}
	}
	require.Equal(t, 1, winners)
}

func TestUpdateItemArithmetic(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "counter")

	_, err := e.PutItem("counter", PutItemInput{Item: attr.Item{
		"id": attr.String("a"), "n": num(t, "0"),
	}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = e.UpdateItem("counter", UpdateItemInput{
			Key:    attr.Item{"id": attr.String("a")},
			Update: "SET n = if_not_exists(n, :zero) + :one",
			Values: map[string]attr.Value{
				":zero": num(t, "0"),
				":one":  num(t, "1"),
			},
		})
		require.NoError(t, err)
	}

	got, err := e.GetItem("counter", GetItemInput{Key: attr.Item{"id": attr.String("a")}})
	require.NoError(t, err)
	require.Equal(t, "3", got["n"].N.String())
}

func TestUpdateItemReturnValues(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "users")

	_, err := e.PutItem("users", PutItemInput{Item: attr.Item{
		"id": attr.String("u1"), "name": attr.String("alice"), "age": num(t, "30"),
	}})
	require.NoError(t, err)

	out, err := e.UpdateItem("users", UpdateItemInput{
		Key:          attr.Item{"id": attr.String("u1")},
		Update:       "SET age = :a",
		Values:       map[string]attr.Value{":a": num(t, "31")},
		ReturnValues: "UPDATED_OLD",
	})
	require.NoError(t, err)
	require.Equal(t, attr.Item{"age": num(t, "30")}, out)

	out, err = e.UpdateItem("users", UpdateItemInput{
		Key:          attr.Item{"id": attr.String("u1")},
		Update:       "SET age = :a",
		Values:       map[string]attr.Value{":a": num(t, "32")},
		ReturnValues: "UPDATED_NEW",
	})
	require.NoError(t, err)
	require.Equal(t, attr.Item{"age": num(t, "32")}, out)

	out, err = e.UpdateItem("users", UpdateItemInput{
		Key:          attr.Item{"id": attr.String("u1")},
		Update:       "REMOVE name",
		ReturnValues: "ALL_NEW",
	})
	require.NoError(t, err)
	require.Equal(t, attr.Item{"id": attr.String("u1"), "age": num(t, "32")}, out)

	// UpdateItem on an absent key creates the item.
	out, err = e.UpdateItem("users", UpdateItemInput{
		Key:          attr.Item{"id": attr.String("u2")},
		Update:       "SET name = :n",
		Values:       map[string]attr.Value{":n": attr.String("carol")},
		ReturnValues: "ALL_NEW",
	})
	require.NoError(t, err)
	require.Equal(t, attr.Item{"id": attr.String("u2"), "name": attr.String("carol")}, out)
}

func TestUnusedExpressionParameters(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "users")

	_, err := e.PutItem("users", PutItemInput{
		Item:   attr.Item{"id": attr.String("u1")},
		Values: map[string]attr.Value{":unused": attr.String("x")},
	})
	require.True(t, api.IsCode(err, api.ErrValidation))

	_, err = e.UpdateItem("users", UpdateItemInput{
		Key:    attr.Item{"id": attr.String("u1")},
		Update: "SET a = :v",
		Names:  map[string]string{"#unused": "a"},
		Values: map[string]attr.Value{":v": attr.String("x")},
	})
	require.True(t, api.IsCode(err, api.ErrValidation))
}

func TestUpdateKeyAttributeRejected(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "users")

	_, err := e.UpdateItem("users", UpdateItemInput{
		Key:    attr.Item{"id": attr.String("u1")},
		Update: "SET id = :v",
		Values: map[string]attr.Value{":v": attr.String("other")},
	})
	require.True(t, api.IsCode(err, api.ErrValidation))
}

func TestGetItemProjection(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "users")

	_, err := e.PutItem("users", PutItemInput{Item: attr.Item{
		"id":   attr.String("u1"),
		"name": attr.String("alice"),
		"addr": attr.Map(map[string]attr.Value{"city": attr.String("berlin")}),
	}})
	require.NoError(t, err)

	got, err := e.GetItem("users", GetItemInput{
		Key:        attr.Item{"id": attr.String("u1")},
		Projection: "#n, addr.city",
		Names:      map[string]string{"#n": "name"},
	})
	require.NoError(t, err)
	require.Equal(t, attr.Item{
		"name": attr.String("alice"),
		"addr": attr.Map(map[string]attr.Value{"city": attr.String("berlin")}),
	}, got)
}
