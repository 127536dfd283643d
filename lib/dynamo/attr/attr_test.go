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

package attr

import (
	"encoding/json"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestValueWireForm(t *testing.T) {
	wire := `{"M":{"name":{"S":"alice"},"age":{"N":"30"},"tags":{"SS":["a","b"]},"scores":{"L":[{"N":"1.5"},{"NULL":true},{"BOOL":false}]}}}`

	var v Value
	require.NoError(t, json.Unmarshal([]byte(wire), &v))
	require.Equal(t, KindM, v.Kind)
	require.Equal(t, "alice", v.M["name"].S)
	require.Equal(t, "30", v.M["age"].N.String())
	require.Equal(t, KindNull, v.M["scores"].L[1].Kind)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	var back Value
	require.NoError(t, json.Unmarshal(out, &back))
	require.True(t, v.Equal(back))
}

func TestValueValidation(t *testing.T) {
	for _, wire := range []string{
		`{"SS":[]}`,
		`{"NS":[]}`,
		`{"BS":[]}`,
		`{"SS":["a","a"]}`,
		`{"NS":["1","1.0"]}`,
		`{"N":"not-a-number"}`,
		`{"S":"x","N":"1"}`,
		`{"XX":"y"}`,
	} {
		var v Value
		err := json.Unmarshal([]byte(wire), &v)
		require.Error(t, err, wire)
		require.True(t, trace.IsBadParameter(err), wire)
	}
}

func TestDecimalArithmetic(t *testing.T) {
	a, err := ParseDecimal("0.1")
	require.NoError(t, err)
	b, err := ParseDecimal("0.2")
	require.NoError(t, err)

	// Exact decimal arithmetic, no float drift.
	require.Equal(t, "0.3", a.Add(b).String())
	require.Equal(t, "-0.1", a.Sub(b).String())

	big1, err := ParseDecimal("123456789012345678901234567890")
	require.NoError(t, err)
	one, err := ParseDecimal("1")
	require.NoError(t, err)
	require.Equal(t, "123456789012345678901234567891", big1.Add(one).String())

	// The original wire text round-trips untouched.
	d, err := ParseDecimal("1.500")
	require.NoError(t, err)
	require.Equal(t, "1.500", d.String())

	x, _ := ParseDecimal("1.5")
	require.Equal(t, 0, d.Cmp(x))
}

func TestValueCompare(t *testing.T) {
	n1, _ := NumberFromString("9")
	n2, _ := NumberFromString("10")
	c, err := n1.Compare(n2)
	require.NoError(t, err)
	require.Equal(t, -1, c)

	// Lexicographic would get this backwards.
	s1, s2 := String("10"), String("9")
	c, err = s1.Compare(s2)
	require.NoError(t, err)
	require.Equal(t, -1, c)

	_, err = n1.Compare(s1)
	require.Error(t, err)
	_, err = Boolean(true).Compare(Boolean(false))
	require.Error(t, err)
}

func TestItemClone(t *testing.T) {
	item := Item{
		"pk":   String("a"),
		"data": Map(map[string]Value{"inner": List([]Value{String("x")})}),
	}
	clone := item.Clone()
	clone["data"].M["inner"].L[0] = String("mutated")
	require.Equal(t, "x", item["data"].M["inner"].L[0].S)
}
