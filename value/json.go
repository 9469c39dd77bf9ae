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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// AppendJSON appends the JSON text of v to dst.
func (v Value) AppendJSON(dst []byte) []byte {
	switch v.kind {
	case Empty, Null:
		return append(dst, "null"...)
	case Bool:
		return strconv.AppendBool(dst, v.b)
	case Number:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return append(dst, "null"...)
		}
		return strconv.AppendFloat(dst, v.n, 'g', -1, 64)
	case ShortString, LongString:
		return strconv.AppendQuote(dst, v.Str())
	case Array:
		dst = append(dst, '[')
		for i := range v.p.elems {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = v.p.elems[i].AppendJSON(dst)
		}
		return append(dst, ']')
	}
	dst = append(dst, '{')
	for i, k := range v.Keys() {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendQuote(dst, k)
		dst = append(dst, ':')
		dst = v.Get(k).AppendJSON(dst)
	}
	return append(dst, '}')
}

// String implements fmt.Stringer
func (v Value) String() string {
	return string(v.AppendJSON(nil))
}

// FromJSON parses one JSON value using the
// default heap. Attribute order is preserved.
func FromJSON(text []byte) (Value, error) {
	return defaultHeap.FromJSON(text)
}

// FromJSON parses one JSON value into h.
func (h *Heap) FromJSON(text []byte) (Value, error) {
	d := json.NewDecoder(bytes.NewReader(text))
	d.UseNumber()
	v, err := h.decodeJSON(d)
	if err != nil {
		return Value{}, fmt.Errorf("value.FromJSON: %w", err)
	}
	return v, nil
}

// DecodeJSON reads the next JSON value from d.
// The decoder must have UseNumber set.
func (h *Heap) DecodeJSON(d *json.Decoder) (Value, error) {
	return h.decodeJSON(d)
}

func (h *Heap) decodeJSON(d *json.Decoder) (Value, error) {
	tok, err := d.Token()
	if err != nil {
		if err == io.EOF {
			return Value{}, io.ErrUnexpectedEOF
		}
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return NewBool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return NewNumber(f), nil
	case string:
		return h.String(t), nil
	case json.Delim:
		switch t {
		case '[':
			var elems []Value
			for d.More() {
				e, err := h.decodeJSON(d)
				if err != nil {
					destroyAll(elems)
					return Value{}, err
				}
				elems = append(elems, e)
			}
			if _, err := d.Token(); err != nil {
				destroyAll(elems)
				return Value{}, err
			}
			return h.Array(elems...), nil
		case '{':
			var keys []string
			var vals []Value
			for d.More() {
				kt, err := d.Token()
				if err != nil {
					destroyAll(vals)
					return Value{}, err
				}
				k, _ := kt.(string)
				e, err := h.decodeJSON(d)
				if err != nil {
					destroyAll(vals)
					return Value{}, err
				}
				keys = append(keys, k)
				vals = append(vals, e)
			}
			if _, err := d.Token(); err != nil {
				destroyAll(vals)
				return Value{}, err
			}
			return h.Object(keys, vals), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

func destroyAll(vs []Value) {
	for i := range vs {
		vs[i].Destroy()
	}
}

// From converts a Go value built from nil, bool,
// integers, float64, string, []any and
// map[string]any into a Value. Map attributes
// are sorted by name.
func (h *Heap) From(x any) Value {
	switch x := x.(type) {
	case nil:
		return NullValue()
	case Value:
		return x.Clone()
	case bool:
		return NewBool(x)
	case int:
		return NewInt(int64(x))
	case int64:
		return NewInt(x)
	case float64:
		return NewNumber(x)
	case string:
		return h.String(x)
	case []any:
		elems := make([]Value, len(x))
		for i := range x {
			elems[i] = h.From(x[i])
		}
		return h.Array(elems...)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vals := make([]Value, len(keys))
		for i := range keys {
			vals[i] = h.From(x[keys[i]])
		}
		return h.Object(keys, vals)
	}
	panic(fmt.Sprintf("value.From: unsupported type %T", x))
}

// From converts a Go value using the default heap.
func From(x any) Value { return defaultHeap.From(x) }
