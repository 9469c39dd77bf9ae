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
	"fmt"
)

// Wire is the serialized form of a Value.
// External values are detached before they
// are serialized, so a Wire never references
// storage.
type Wire struct {
	Kind  int      `ion:"k"`
	Bool  bool     `ion:"b,omitempty"`
	Num   float64  `ion:"n,omitempty"`
	Str   string   `ion:"s,omitempty"`
	Elems []Wire   `ion:"e,omitempty"`
	Keys  []string `ion:"f,omitempty"`
}

// ToWire converts v into its serialized form.
func (v Value) ToWire() Wire {
	switch v.kind {
	case Bool:
		return Wire{Kind: int(Bool), Bool: v.b}
	case Number:
		return Wire{Kind: int(Number), Num: v.n}
	case ShortString, LongString:
		return Wire{Kind: int(LongString), Str: v.Str()}
	case Array:
		w := Wire{Kind: int(Array), Elems: make([]Wire, len(v.p.elems))}
		for i := range v.p.elems {
			w.Elems[i] = v.p.elems[i].ToWire()
		}
		return w
	case Object, External:
		keys := v.Keys()
		w := Wire{Kind: int(Object), Keys: append([]string(nil), keys...), Elems: make([]Wire, len(keys))}
		for i, k := range keys {
			w.Elems[i] = v.Get(k).ToWire()
		}
		return w
	}
	return Wire{Kind: int(v.kind)}
}

// FromWire converts w into an owned Value.
func (h *Heap) FromWire(w Wire) (Value, error) {
	switch Kind(w.Kind) {
	case Empty:
		return Value{}, nil
	case Null:
		return NullValue(), nil
	case Bool:
		return NewBool(w.Bool), nil
	case Number:
		return NewNumber(w.Num), nil
	case ShortString, LongString:
		return h.String(w.Str), nil
	case Array:
		elems := make([]Value, len(w.Elems))
		for i := range w.Elems {
			e, err := h.FromWire(w.Elems[i])
			if err != nil {
				destroyAll(elems[:i])
				return Value{}, err
			}
			elems[i] = e
		}
		return h.Array(elems...), nil
	case Object:
		if len(w.Keys) != len(w.Elems) {
			return Value{}, fmt.Errorf("value.FromWire: %d keys for %d attributes", len(w.Keys), len(w.Elems))
		}
		vals := make([]Value, len(w.Elems))
		for i := range w.Elems {
			e, err := h.FromWire(w.Elems[i])
			if err != nil {
				destroyAll(vals[:i])
				return Value{}, err
			}
			vals[i] = e
		}
		return h.Object(w.Keys, vals), nil
	}
	return Value{}, fmt.Errorf("value.FromWire: unexpected kind %d", w.Kind)
}

// FromWire converts w using the default heap.
func FromWire(w Wire) (Value, error) { return defaultHeap.FromWire(w) }
