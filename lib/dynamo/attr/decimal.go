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
	"math/big"
	"strings"

	"github.com/gravitational/trace"
)

// Decimal is an arbitrary-precision decimal number. The original wire text
// is preserved so values round-trip unchanged; arithmetic results render a
// normalized form.
type Decimal struct {
	text string
	rat  *big.Rat
}

// ParseDecimal parses a DynamoDB number literal.
func ParseDecimal(s string) (Decimal, error) {
	rat, ok := new(big.Rat).SetString(s)
	if !ok || strings.ContainsAny(s, "/xXpP") {
		return Decimal{}, trace.BadParameter("invalid number %q", s)
	}
	return Decimal{text: s, rat: rat}, nil
}

// String returns the wire form: the original text when the value came off
// the wire, the normalized expansion otherwise.
func (d Decimal) String() string {
	if d.text != "" {
		return d.text
	}
	if d.rat == nil {
		return "0"
	}
	return ratString(d.rat)
}

// Rat returns the exact rational value.
func (d Decimal) Rat() *big.Rat {
	if d.rat == nil {
		return new(big.Rat)
	}
	return d.rat
}

// Cmp compares two decimals numerically.
func (d Decimal) Cmp(o Decimal) int { return d.Rat().Cmp(o.Rat()) }

// Add returns d + o.
func (d Decimal) Add(o Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Add(d.Rat(), o.Rat())}
}

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Sub(d.Rat(), o.Rat())}
}

// ratString renders a rational whose denominator divides a power of ten as
// an exact decimal string. Sums and differences of decimals always do.
func ratString(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	// The expansion terminates at scale max(#2s, #5s) of the denominator.
	den := new(big.Int).Set(r.Denom())
	two, five := big.NewInt(2), big.NewInt(5)
	rem := new(big.Int)
	twos, fives := 0, 0
	for {
		q, m := new(big.Int).QuoRem(den, two, rem)
		if m.Sign() != 0 {
			break
		}
		den, twos = q, twos+1
	}
	for {
		q, m := new(big.Int).QuoRem(den, five, rem)
		if m.Sign() != 0 {
			break
		}
		den, fives = q, fives+1
	}
	scale := twos
	if fives > scale {
		scale = fives
	}
	out := r.FloatString(scale)
	// Trim a trailing zero tail left by over-estimated scale.
	if strings.Contains(out, ".") {
		out = strings.TrimRight(out, "0")
		out = strings.TrimSuffix(out, ".")
	}
	return out
}
