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

// Package value implements the tagged Value union
// that flows through query execution, together
// with its ownership rules.
//
// A Value is one of three shapes:
//
//   - inline: null, bool, number and short strings
//     carry no heap payload and are copied freely;
//   - owned: long strings, arrays and objects hold a
//     heap payload that exactly one owner must
//     release with Destroy;
//   - view: a borrowed reference to someone else's
//     payload that is only valid while the owner
//     is alive. Destroying a view is a no-op.
//
// External values reference a Document owned by
// the storage engine; they are never released by
// the execution core and must be detached before
// they outlive the storage read that produced them.
package value

import (
	"fmt"
	"math"
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	// Empty is the zero Value; it marks
	// an unused register slot.
	Empty Kind = iota
	Null
	Bool
	Number
	ShortString
	LongString
	Array
	Object
	External
)

// MaxShortString is the longest string
// stored inline in a Value.
const MaxShortString = 16

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case ShortString, LongString:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	case External:
		return "document"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Value is a tagged union of query data.
// The zero Value is Empty.
type Value struct {
	kind Kind
	view bool
	b    bool
	n    float64
	s    string
	p    *payload
	doc  *Document
}

// payload is the heap-backed part of a
// LongString, Array or Object value.
type payload struct {
	heap  *Heap
	size  int
	str   string
	elems []Value
	keys  []string
	freed bool
}

// NullValue returns the null value.
func NullValue() Value { return Value{kind: Null} }

// NewBool returns a boolean value.
func NewBool(b bool) Value { return Value{kind: Bool, b: b} }

// NewNumber returns a numeric value.
func NewNumber(f float64) Value { return Value{kind: Number, n: f} }

// NewInt returns a numeric value.
func NewInt(i int64) Value { return Value{kind: Number, n: float64(i)} }

// NewString returns a string value allocated
// from the default heap.
func NewString(s string) Value { return defaultHeap.String(s) }

// NewArray returns an array value allocated
// from the default heap. The array takes
// ownership of elems.
func NewArray(elems ...Value) Value { return defaultHeap.Array(elems...) }

// NewObject returns an object value allocated
// from the default heap. The object takes
// ownership of vals.
func NewObject(keys []string, vals []Value) Value { return defaultHeap.Object(keys, vals) }

// NewExternal returns a value referencing
// a storage-owned document.
func NewExternal(d *Document) Value {
	if d == nil {
		return NullValue()
	}
	return Value{kind: External, doc: d}
}

// Kind returns the type tag of v.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty returns whether v is the
// "unused slot" marker.
func (v Value) IsEmpty() bool { return v.kind == Empty }

// IsNull returns whether v is null or empty.
func (v Value) IsNull() bool { return v.kind == Null || v.kind == Empty }

// IsString returns whether v is a string.
func (v Value) IsString() bool { return v.kind == ShortString || v.kind == LongString }

// IsObject returns whether v is an object
// or a document.
func (v Value) IsObject() bool { return v.kind == Object || v.kind == External }

// IsView returns whether v borrows its payload.
func (v Value) IsView() bool { return v.view }

// Owned returns whether v is responsible
// for releasing a heap payload.
func (v Value) Owned() bool { return v.p != nil && !v.view }

// Handle returns a comparable identity
// for the heap payload of v, or nil if
// v does not reference a heap payload.
// Two values share a Handle exactly when
// one is a view or alias of the other.
func (v Value) Handle() any {
	if v.p == nil {
		return nil
	}
	return v.p
}

// Bool returns the boolean stored in v.
func (v Value) Bool() bool { return v.b }

// Number returns the number stored in v.
func (v Value) Number() float64 { return v.n }

// Str returns the string stored in v,
// or "" if v is not a string.
func (v Value) Str() string {
	switch v.kind {
	case ShortString:
		return v.s
	case LongString:
		return v.p.str
	}
	return ""
}

// Document returns the document referenced
// by an External value.
func (v Value) Document() *Document { return v.doc }

// Len returns the number of elements of
// an array or attributes of an object.
func (v Value) Len() int {
	switch v.kind {
	case Array, Object:
		return len(v.p.elems)
	case External:
		return v.doc.Body.Len() + len(systemAttributes)
	case ShortString, LongString:
		return len(v.Str())
	}
	return 0
}

// At returns a view of the ith array element.
// It returns null if i is out of range.
func (v Value) At(i int) Value {
	if v.kind != Array || i < 0 || i >= len(v.p.elems) {
		return NullValue()
	}
	return v.p.elems[i].View()
}

// Keys returns the attribute names of an
// object in insertion order. The result
// must not be modified.
func (v Value) Keys() []string {
	switch v.kind {
	case Object:
		return v.p.keys
	case External:
		return append(systemAttributes[:len(systemAttributes):len(systemAttributes)], v.doc.Body.Keys()...)
	}
	return nil
}

// Get returns a view of the named attribute,
// or null if v has no such attribute.
func (v Value) Get(key string) Value {
	switch v.kind {
	case Object:
		for i := range v.p.keys {
			if v.p.keys[i] == key {
				return v.p.elems[i].View()
			}
		}
	case External:
		return v.doc.Get(key)
	}
	return NullValue()
}

// Has returns whether v has an attribute named key.
func (v Value) Has(key string) bool {
	switch v.kind {
	case Object:
		for i := range v.p.keys {
			if v.p.keys[i] == key {
				return true
			}
		}
	case External:
		return v.doc.Has(key)
	}
	return false
}

// View returns a borrowed reference to v.
func (v Value) View() Value {
	if v.p != nil {
		v.view = true
	}
	return v
}

// Clone returns a deep copy of v that
// is owned by the caller. Cloning an
// External value keeps the reference
// to the storage document.
func (v Value) Clone() Value {
	if v.p == nil {
		v.view = false
		return v
	}
	return v.p.heap.clone(v)
}

// Detach returns an owned copy of v that
// does not depend on storage: External
// values are converted into objects.
func (v Value) Detach() Value {
	if v.kind == External {
		return v.doc.detach(v.doc.heap())
	}
	return v.Clone()
}

// Destroy releases the payload of v if v owns
// it and resets v to Empty.
func (v *Value) Destroy() {
	if v.p != nil && !v.view {
		v.p.release()
	}
	*v = Value{}
}

// Truthy returns the boolean interpretation of v.
func (v Value) Truthy() bool {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return v.n != 0 && !math.IsNaN(v.n)
	case ShortString, LongString:
		return v.Str() != ""
	case Array, Object, External:
		return true
	}
	return false
}

// ToNumber returns the numeric interpretation of v.
func (v Value) ToNumber() (float64, bool) {
	switch v.kind {
	case Number:
		return v.n, true
	case Bool:
		if v.b {
			return 1, true
		}
		return 0, true
	case Null, Empty:
		return 0, true
	case ShortString, LongString:
		var f float64
		_, err := fmt.Sscanf(v.Str(), "%g", &f)
		return f, err == nil
	case Array:
		switch len(v.p.elems) {
		case 0:
			return 0, true
		case 1:
			return v.p.elems[0].ToNumber()
		}
	}
	return 0, false
}

func (p *payload) release() {
	if p.freed {
		panic("value: payload released twice")
	}
	p.freed = true
	for i := range p.elems {
		p.elems[i].Destroy()
	}
	p.heap.free(p)
}
