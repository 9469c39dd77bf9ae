// Copyright (C) 2022 Sneller, Inc.
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

package value

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/dchest/siphash"
)

func typeRank(k Kind) int {
	switch k {
	case Empty, Null:
		return 0
	case Bool:
		return 1
	case Number:
		return 2
	case ShortString, LongString:
		return 3
	case Array:
		return 4
	default:
		return 5
	}
}

// Compare imposes a total order over values:
// null < bool < number < string < array < object.
// Arrays compare element-wise with shorter arrays
// first; objects compare attribute-wise over the
// sorted union of their attribute names, treating
// a missing attribute as null.
func Compare(a, b Value) int {
	ra, rb := typeRank(a.kind), typeRank(b.kind)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case 2:
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.Str(), b.Str())
	case 4:
		la, lb := a.Len(), b.Len()
		for i := 0; i < la && i < lb; i++ {
			if c := Compare(a.p.elems[i], b.p.elems[i]); c != 0 {
				return c
			}
		}
		switch {
		case la < lb:
			return -1
		case la > lb:
			return 1
		}
		return 0
	}
	for _, k := range keyUnion(a, b) {
		if c := Compare(a.Get(k), b.Get(k)); c != 0 {
			return c
		}
	}
	return 0
}

// Equal returns whether Compare(a, b) == 0.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

func keyUnion(a, b Value) []string {
	ka, kb := a.Keys(), b.Keys()
	all := make([]string, 0, len(ka)+len(kb))
	all = append(all, ka...)
	all = append(all, kb...)
	sort.Strings(all)
	out := all[:0]
	for i := range all {
		if i > 0 && all[i] == all[i-1] {
			continue
		}
		out = append(out, all[i])
	}
	return out
}

const (
	hashK0 = 0x736f6d6570736575
	hashK1 = 0x646f72616e646f6d
)

// Hash returns a hash of v consistent with
// Equal: values that compare equal hash equal.
func Hash(v Value) uint64 {
	return siphash.Hash(hashK0, hashK1, AppendCanonical(nil, v))
}

// HashTuple hashes an ordered tuple of values.
func HashTuple(vs []Value) uint64 {
	var buf []byte
	for i := range vs {
		buf = AppendCanonical(buf, vs[i])
	}
	return siphash.Hash(hashK0, hashK1, buf)
}

// AppendCanonical appends an encoding of v
// to dst that is identical for values that
// compare equal.
func AppendCanonical(dst []byte, v Value) []byte {
	dst = append(dst, byte(typeRank(v.kind)))
	switch typeRank(v.kind) {
	case 1:
		if v.b {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case 2:
		f := v.n
		if f == 0 {
			f = 0 // fold -0
		}
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(f))
	case 3:
		s := v.Str()
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		dst = append(dst, s...)
	case 4:
		dst = binary.AppendUvarint(dst, uint64(v.Len()))
		for i := range v.p.elems {
			dst = AppendCanonical(dst, v.p.elems[i])
		}
	case 5:
		keys := append([]string(nil), v.Keys()...)
		sort.Strings(keys)
		n := 0
		for _, k := range keys {
			if !v.Get(k).IsNull() {
				n++
			}
		}
		dst = binary.AppendUvarint(dst, uint64(n))
		for _, k := range keys {
			a := v.Get(k)
			if a.IsNull() {
				// missing and null compare equal
				continue
			}
			dst = binary.AppendUvarint(dst, uint64(len(k)))
			dst = append(dst, k...)
			dst = AppendCanonical(dst, a)
		}
	}
	return dst
}
