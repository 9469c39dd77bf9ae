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
	"sync"
)

// Allocator observes the allocation and
// release of Value payloads.
type Allocator interface {
	Alloc(size int)
	Free(size int)
}

type nopAllocator struct{}

func (nopAllocator) Alloc(int) {}
func (nopAllocator) Free(int)  {}

// Heap creates heap-backed values whose
// payloads are reported to an Allocator.
type Heap struct {
	a Allocator
}

var defaultHeap = &Heap{a: nopAllocator{}}

// Default returns the heap used by
// NewString, NewArray and NewObject.
func Default() *Heap { return defaultHeap }

// With returns a Heap reporting to a.
func With(a Allocator) *Heap {
	if a == nil {
		return defaultHeap
	}
	return &Heap{a: a}
}

const valueSize = 64

func (h *Heap) alloc(size int) *payload {
	h.a.Alloc(size)
	return &payload{heap: h, size: size}
}

func (h *Heap) free(p *payload) {
	h.a.Free(p.size)
}

// String returns a string value.
// Short strings are stored inline.
func (h *Heap) String(s string) Value {
	if len(s) <= MaxShortString {
		return Value{kind: ShortString, s: s}
	}
	p := h.alloc(len(s))
	p.str = s
	return Value{kind: LongString, p: p}
}

// Array returns an array value that owns elems.
// Views in elems are cloned.
func (h *Heap) Array(elems ...Value) Value {
	p := h.alloc(len(elems) * valueSize)
	p.elems = make([]Value, len(elems))
	for i := range elems {
		p.elems[i] = owned(elems[i])
	}
	return Value{kind: Array, p: p}
}

// Object returns an object value that owns vals.
// Views in vals are cloned. A repeated key
// keeps its last value.
func (h *Heap) Object(keys []string, vals []Value) Value {
	p := h.alloc(len(keys) * valueSize)
	p.keys = make([]string, 0, len(keys))
	p.elems = make([]Value, 0, len(keys))
outer:
	for i := range keys {
		v := owned(vals[i])
		for j := range p.keys {
			if p.keys[j] == keys[i] {
				p.elems[j].Destroy()
				p.elems[j] = v
				continue outer
			}
		}
		p.keys = append(p.keys, keys[i])
		p.elems = append(p.elems, v)
	}
	return Value{kind: Object, p: p}
}

func owned(v Value) Value {
	if v.view {
		return v.Clone()
	}
	return v
}

func (h *Heap) clone(v Value) Value {
	src := v.p
	p := h.alloc(src.size)
	p.str = src.str
	if src.keys != nil {
		p.keys = append([]string(nil), src.keys...)
	}
	if src.elems != nil {
		p.elems = make([]Value, len(src.elems))
		for i := range src.elems {
			p.elems[i] = src.elems[i].Clone()
		}
	}
	return Value{kind: v.kind, p: p}
}

// Counter is an Allocator that counts
// allocations and releases. It is safe
// for concurrent use.
type Counter struct {
	lock   sync.Mutex
	allocs int
	frees  int
	live   int
}

// Alloc implements Allocator.Alloc
func (c *Counter) Alloc(size int) {
	c.lock.Lock()
	c.allocs++
	c.live += size
	c.lock.Unlock()
}

// Free implements Allocator.Free
func (c *Counter) Free(size int) {
	c.lock.Lock()
	c.frees++
	c.live -= size
	c.lock.Unlock()
}

// Allocs returns the number of payloads allocated.
func (c *Counter) Allocs() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.allocs
}

// Frees returns the number of payloads released.
func (c *Counter) Frees() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.frees
}

// Live returns the number of outstanding
// payload units.
func (c *Counter) Live() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.live
}

// Balanced returns whether every allocated
// payload has been released.
func (c *Counter) Balanced() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.allocs == c.frees && c.live == 0
}
