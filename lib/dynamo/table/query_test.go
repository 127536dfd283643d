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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/localcloud/lib/dynamo/api"
	"github.com/gravitational/localcloud/lib/dynamo/attr"
)

// seedOrders writes items pk="a" sk=1..9 and pk="b" sk=1..3.
func seedOrders(t *testing.T, e *Engine) {
	t.Helper()
	rangeTable(t, e, "orders")
	for i := 1; i <= 9; i++ {
		_, err := e.PutItem("orders", PutItemInput{Item: attr.Item{
			"pk":   attr.String("a"),
			"sk":   num(t, fmt.Sprintf("%d", i)),
			"name": attr.String(fmt.Sprintf("order-%d", i)),
		}})
		require.NoError(t, err)
	}
	for i := 1; i <= 3; i++ {
		_, err := e.PutItem("orders", PutItemInput{Item: attr.Item{
			"pk": attr.String("b"),
			"sk": num(t, fmt.Sprintf("%d", i)),
		}})
		require.NoError(t, err)
	}
}

func sortKeys(items []attr.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item["sk"].N.String())
	}
	return out
}

func TestQueryRange(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	seedOrders(t, e)

	values := map[string]attr.Value{
		":pk": attr.String("a"),
		":lo": {Kind: attr.KindN, N: mustDecimal(t, "3")},
		":hi": {Kind: attr.KindN, N: mustDecimal(t, "6")},
	}

	page, err := e.Query("orders", QueryInput{
		KeyCondition: "pk = :pk AND sk BETWEEN :lo AND :hi",
		Values:       values,
		ScanForward:  true,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"3", "4", "5", "6"}, sortKeys(page.Items))
	require.Nil(t, page.LastEvaluatedKey)

	page, err = e.Query("orders", QueryInput{
		KeyCondition: "pk = :pk AND sk BETWEEN :lo AND :hi",
		Values:       values,
		ScanForward:  false,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"6", "5", "4", "3"}, sortKeys(page.Items))
}

func TestQueryOperators(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	seedOrders(t, e)

	cases := []struct {
		cond string
		want []string
	}{
		{"pk = :pk", []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"}},
		{"pk = :pk AND sk = :v", []string{"5"}},
		{"pk = :pk AND sk < :v", []string{"1", "2", "3", "4"}},
		{"pk = :pk AND sk <= :v", []string{"1", "2", "3", "4", "5"}},
		{"pk = :pk AND sk > :v", []string{"6", "7", "8", "9"}},
		{"pk = :pk AND sk >= :v", []string{"5", "6", "7", "8", "9"}},
	}
	for _, tc := range cases {
		values := map[string]attr.Value{":pk": attr.String("a")}
		if strings.Contains(tc.cond, ":v") {
			values[":v"] = num(t, "5")
		}
		page, err := e.Query("orders", QueryInput{
			KeyCondition: tc.cond,
			Values:       values,
			ScanForward:  true,
		})
		require.NoError(t, err)
		require.Equal(t, tc.want, sortKeys(page.Items), "condition %q", tc.cond)
	}
}

func TestQueryBeginsWith(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	_, err := e.CreateTable("events",
		[]KeyElement{{Name: "pk", KeyType: "HASH"}, {Name: "sk", KeyType: "RANGE"}},
		[]AttributeDefinition{{Name: "pk", Type: "S"}, {Name: "sk", Type: "S"}}, "")
	require.NoError(t, err)

	for _, sk := range []string{"2025-05-30", "2025-06-01", "2025-06-15", "2025-07-01"} {
		_, err := e.PutItem("events", PutItemInput{Item: attr.Item{
			"pk": attr.String("dev"), "sk": attr.String(sk),
		}})
		require.NoError(t, err)
	}

	page, err := e.Query("events", QueryInput{
		KeyCondition: "pk = :pk AND begins_with(sk, :month)",
		Values: map[string]attr.Value{
			":pk":    attr.String("dev"),
			":month": attr.String("2025-06"),
		},
		ScanForward: true,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, "2025-06-01", page.Items[0]["sk"].S)
	require.Equal(t, "2025-06-15", page.Items[1]["sk"].S)
}

func TestQueryPaginationRoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	seedOrders(t, e)

	for _, limit := range []int{1, 2, 4, 9, 10} {
		var all []string
		var start attr.Item
		for {
			page, err := e.Query("orders", QueryInput{
				KeyCondition:      "pk = :pk",
				Values:            map[string]attr.Value{":pk": attr.String("a")},
				Limit:             limit,
				ExclusiveStartKey: start,
				ScanForward:       true,
			})
			require.NoError(t, err)
			all = append(all, sortKeys(page.Items)...)
			if page.LastEvaluatedKey == nil {
				break
			}
			start = page.LastEvaluatedKey
		}
		require.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"}, all, "limit %d", limit)
	}
}

func TestQueryFilter(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	seedOrders(t, e)

	// The filter runs after key selection; the limit counts key matches.
	page, err := e.Query("orders", QueryInput{
		KeyCondition: "pk = :pk",
		Filter:       "name = :n",
		Values: map[string]attr.Value{
			":pk": attr.String("a"),
			":n":  attr.String("order-3"),
		},
		ScanForward: true,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, 9, page.ScannedCount)
	require.Equal(t, 1, page.Count)

	// Filters may not reference key attributes.
	_, err = e.Query("orders", QueryInput{
		KeyCondition: "pk = :pk",
		Filter:       "sk > :v",
		Values: map[string]attr.Value{
			":pk": attr.String("a"),
			":v":  num(t, "1"),
		},
		ScanForward: true,
	})
	require.True(t, api.IsCode(err, api.ErrValidation))
}

func TestQueryValidation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	seedOrders(t, e)

	for _, cond := range []string{
		"",
		"sk > :v",
		"pk > :pk",
		"pk = :pk OR sk = :v",
		"pk = :pk AND contains(sk, :v)",
	} {
		_, err := e.Query("orders", QueryInput{
			KeyCondition: cond,
			Values: map[string]attr.Value{
				":pk": attr.String("a"),
				":v":  num(t, "1"),
			},
			ScanForward: true,
		})
		require.True(t, api.IsCode(err, api.ErrValidation), "condition %q: %v", cond, err)
	}
}

func TestScan(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	seedOrders(t, e)

	page, err := e.Scan("orders", ScanInput{})
	require.NoError(t, err)
	require.Len(t, page.Items, 12)

	page, err = e.Scan("orders", ScanInput{
		Filter: "attribute_exists(#n)",
		Names:  map[string]string{"#n": "name"},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 9)
}

func TestScanPaginationRoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	seedOrders(t, e)

	var count int
	var start attr.Item
	for {
		page, err := e.Scan("orders", ScanInput{Limit: 5, ExclusiveStartKey: start})
		require.NoError(t, err)
		count += len(page.Items)
		if page.LastEvaluatedKey == nil {
			break
		}
		start = page.LastEvaluatedKey
	}
	require.Equal(t, 12, count)
}

func TestScanSegments(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	hashTable(t, e, "users")
	for i := 0; i < 20; i++ {
		_, err := e.PutItem("users", PutItemInput{Item: attr.Item{
			"id": attr.String(fmt.Sprintf("user-%d", i)),
		}})
		require.NoError(t, err)
	}

	const segments = 4
	seen := make(map[string]int)
	for seg := 0; seg < segments; seg++ {
		page, err := e.Scan("users", ScanInput{Segment: seg, TotalSegments: segments})
		require.NoError(t, err)
		for _, item := range page.Items {
			seen[item["id"].S]++
		}
	}
	require.Len(t, seen, 20)
	for id, n := range seen {
		require.Equal(t, 1, n, "item %s", id)
	}

	_, err := e.Scan("users", ScanInput{Segment: 4, TotalSegments: 4})
	require.True(t, api.IsCode(err, api.ErrValidation))
}

func mustDecimal(t *testing.T, s string) attr.Decimal {
	t.Helper()
	d, err := attr.ParseDecimal(s)
	require.NoError(t, err)
	return d
}
