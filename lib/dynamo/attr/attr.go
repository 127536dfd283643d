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

// Package attr implements the DynamoDB AttributeValue tagged union, its
// single-key JSON wire form, and the typed comparison rules.
package attr

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/gravitational/trace"
)

// Kind discriminates the AttributeValue union.
type Kind int

const (
	KindS Kind = iota
	KindN
	KindB
	KindBool
	KindNull
	KindSS
	KindNS
	KindBS
	KindL
	KindM
)

// TypeName returns the wire tag of a kind.
func (k Kind) TypeName() string {
	switch k {
	case KindS:
		return "S"
	case KindN:
		return "N"
	case KindB:
		return "B"
	case KindBool:
		return "BOOL"
	case KindNull:
		return "NULL"
	case KindSS:
		return "SS"
	case KindNS:
		return "NS"
	case KindBS:
		return "BS"
	case KindL:
		return "L"
	case KindM:
		return "M"
	}
	return "?"
}

// Value is one DynamoDB attribute value.
type Value struct {
	Kind Kind
	S    string
	N    Decimal
	B    []byte
	Bool bool
	SS   []string
	NS   []Decimal
	BS   [][]byte
	L    []Value
	M    map[string]Value
}

// Item is a DynamoDB item: attribute name to value.
type Item map[string]Value

// Convenience constructors.

func String(s string) Value { return Value{Kind: KindS, S: s} }
func Number(n Decimal) Value { return Value{Kind: KindN, N: n} }
func Binary(b []byte) Value { return Value{Kind: KindB, B: b} }
func Boolean(b bool) Value  { return Value{Kind: KindBool, Bool: b} }
func Null() Value           { return Value{Kind: KindNull} }
func List(vals []Value) Value { return Value{Kind: KindL, L: vals} }
func Map(m map[string]Value) Value { return Value{Kind: KindM, M: m} }

// NumberFromString parses s and returns an N value.
func NumberFromString(s string) (Value, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return Value{}, trace.Wrap(err)
	}
	return Number(d), nil
}

// MarshalJSON emits the single-key wire object.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindS:
		return json.Marshal(map[string]string{"S": v.S})
	case KindN:
		return json.Marshal(map[string]string{"N": v.N.String()})
	case KindB:
		return json.Marshal(map[string]string{"B": base64.StdEncoding.EncodeToString(v.B)})
	case KindBool:
		return json.Marshal(map[string]bool{"BOOL": v.Bool})
	case KindNull:
		return json.Marshal(map[string]bool{"NULL": true})
	case KindSS:
		return json.Marshal(map[string][]string{"SS": v.SS})
	case KindNS:
		out := make([]string, 0, len(v.NS))
		for _, d := range v.NS {
			out = append(out, d.String())
		}
		return json.Marshal(map[string][]string{"NS": out})
	case KindBS:
		out := make([]string, 0, len(v.BS))
		for _, b := range v.BS {
			out = append(out, base64.StdEncoding.EncodeToString(b))
		}
		return json.Marshal(map[string][]string{"BS": out})
	case KindL:
		list := v.L
		if list == nil {
			list = []Value{}
		}
		return json.Marshal(map[string][]Value{"L": list})
	case KindM:
		m := v.M
		if m == nil {
			m = map[string]Value{}
		}
		return json.Marshal(map[string]map[string]Value{"M": m})
	}
	return nil, trace.BadParameter("unknown attribute kind %v", v.Kind)
}

// UnmarshalJSON parses the single-key wire object.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return trace.BadParameter("malformed attribute value: %v", err)
	}
	if len(raw) != 1 {
		return trace.BadParameter("attribute value must have exactly one type key, got %d", len(raw))
	}
	for tag, body := range raw {
		return trace.Wrap(v.decode(tag, body))
	}
	return nil
}

func (v *Value) decode(tag string, body json.RawMessage) error {
	switch tag {
	case "S":
		v.Kind = KindS
		return trace.Wrap(jsonInto(body, &v.S))
	case "N":
		var s string
		if err := jsonInto(body, &s); err != nil {
			return trace.Wrap(err)
		}
		d, err := ParseDecimal(s)
		if err != nil {
			return trace.Wrap(err)
		}
		v.Kind, v.N = KindN, d
		return nil
	case "B":
		var s string
		if err := jsonInto(body, &s); err != nil {
			return trace.Wrap(err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return trace.BadParameter("invalid base64 binary value")
		}
		v.Kind, v.B = KindB, b
		return nil
	case "BOOL":
		v.Kind = KindBool
		return trace.Wrap(jsonInto(body, &v.Bool))
	case "NULL":
		var isNull bool
		if err := jsonInto(body, &isNull); err != nil {
			return trace.Wrap(err)
		}
		v.Kind = KindNull
		return nil
	case "SS":
		v.Kind = KindSS
		if err := jsonInto(body, &v.SS); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(checkStringSet(v.SS))
	case "NS":
		var raw []string
		if err := jsonInto(body, &raw); err != nil {
			return trace.Wrap(err)
		}
		if len(raw) == 0 {
			return trace.BadParameter("number set must not be empty")
		}
		v.Kind = KindNS
		v.NS = make([]Decimal, 0, len(raw))
		for _, s := range raw {
			d, err := ParseDecimal(s)
			if err != nil {
				return trace.Wrap(err)
			}
			for _, existing := range v.NS {
				if existing.Cmp(d) == 0 {
					return trace.BadParameter("number set contains duplicate value %v", s)
				}
			}
			v.NS = append(v.NS, d)
		}
		return nil
	case "BS":
		var raw []string
		if err := jsonInto(body, &raw); err != nil {
			return trace.Wrap(err)
		}
		if len(raw) == 0 {
			return trace.BadParameter("binary set must not be empty")
		}
		v.Kind = KindBS
		v.BS = make([][]byte, 0, len(raw))
		for _, s := range raw {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return trace.BadParameter("invalid base64 in binary set")
			}
			for _, existing := range v.BS {
				if bytes.Equal(existing, b) {
					return trace.BadParameter("binary set contains duplicate value")
				}
			}
			v.BS = append(v.BS, b)
		}
		return nil
	case "L":
		v.Kind = KindL
		if v.L == nil {
			v.L = []Value{}
		}
		return trace.Wrap(jsonInto(body, &v.L))
	case "M":
		v.Kind = KindM
		if v.M == nil {
			v.M = map[string]Value{}
		}
		return trace.Wrap(jsonInto(body, &v.M))
	}
	return trace.BadParameter("unknown attribute type %q", tag)
}

func jsonInto(data json.RawMessage, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return trace.BadParameter("malformed attribute value: %v", err)
	}
	return nil
}

func checkStringSet(ss []string) error {
	if len(ss) == 0 {
		return trace.BadParameter("string set must not be empty")
	}
	seen := make(map[string]bool, len(ss))
	for _, s := range ss {
		if seen[s] {
			return trace.BadParameter("string set contains duplicate value %q", s)
		}
		seen[s] = true
	}
	return nil
}

// Equal reports deep equality; numbers compare numerically.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindS:
		return v.S == o.S
	case KindN:
		return v.N.Cmp(o.N) == 0
	case KindB:
		return bytes.Equal(v.B, o.B)
	case KindBool:
		return v.Bool == o.Bool
	case KindNull:
		return true
	case KindSS:
		return stringSetEqual(v.SS, o.SS)
	case KindNS:
		if len(v.NS) != len(o.NS) {
			return false
		}
		for _, d := range v.NS {
			found := false
			for _, e := range o.NS {
				if d.Cmp(e) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case KindBS:
		if len(v.BS) != len(o.BS) {
			return false
		}
		for _, b := range v.BS {
			found := false
			for _, e := range o.BS {
				if bytes.Equal(b, e) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case KindL:
		if len(v.L) != len(o.L) {
			return false
		}
		for i := range v.L {
			if !v.L[i].Equal(o.L[i]) {
				return false
			}
		}
		return true
	case KindM:
		if len(v.M) != len(o.M) {
			return false
		}
		for k, val := range v.M {
			other, ok := o.M[k]
			if !ok || !val.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Compare orders two scalar values of the same kind: strings and binary
// by raw bytes, numbers numerically. Ordering other kinds is an error.
func (v Value) Compare(o Value) (int, error) {
	if v.Kind != o.Kind {
		return 0, trace.BadParameter("cannot compare %v with %v", v.Kind.TypeName(), o.Kind.TypeName())
	}
	switch v.Kind {
	case KindS:
		return bytes.Compare([]byte(v.S), []byte(o.S)), nil
	case KindN:
		return v.N.Cmp(o.N), nil
	case KindB:
		return bytes.Compare(v.B, o.B), nil
	}
	return 0, trace.BadParameter("values of type %v are not ordered", v.Kind.TypeName())
}

// IsScalar reports whether the value can serve as a key attribute.
func (v Value) IsScalar() bool {
	return v.Kind == KindS || v.Kind == KindN || v.Kind == KindB
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	out := v
	switch v.Kind {
	case KindB:
		out.B = append([]byte(nil), v.B...)
	case KindSS:
		out.SS = append([]string(nil), v.SS...)
	case KindNS:
		out.NS = append([]Decimal(nil), v.NS...)
	case KindBS:
		out.BS = make([][]byte, len(v.BS))
		for i, b := range v.BS {
			out.BS[i] = append([]byte(nil), b...)
		}
	case KindL:
		out.L = make([]Value, len(v.L))
		for i, e := range v.L {
			out.L[i] = e.Clone()
		}
	case KindM:
		out.M = make(map[string]Value, len(v.M))
		for k, e := range v.M {
			out.M[k] = e.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	out := make(Item, len(i))
	for k, v := range i {
		out[k] = v.Clone()
	}
	return out
}

// Size approximates the DynamoDB size metric: attribute name lengths plus
// value payload lengths.
func (i Item) Size() int {
	total := 0
	for k, v := range i {
		total += len(k) + v.size()
	}
	return total
}

func (v Value) size() int {
	switch v.Kind {
	case KindS:
		return len(v.S)
	case KindN:
		return len(v.N.String())
	case KindB:
		return len(v.B)
	case KindBool, KindNull:
		return 1
	case KindSS:
		n := 0
		for _, s := range v.SS {
			n += len(s)
		}
		return n
	case KindNS:
		n := 0
		for _, d := range v.NS {
			n += len(d.String())
		}
		return n
	case KindBS:
		n := 0
		for _, b := range v.BS {
			n += len(b)
		}
		return n
	case KindL:
		n := 3
		for _, e := range v.L {
			n += e.size() + 1
		}
		return n
	case KindM:
		n := 3
		for k, e := range v.M {
			n += len(k) + e.size() + 1
		}
		return n
	}
	return 0
}
