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

// Document is a stored document as returned
// by a storage engine. The storage engine owns
// a Document; the execution core references it
// through External values and never modifies it.
type Document struct {
	Collection string
	Key        string
	Rev        string
	// Body holds the user attributes as an
	// Object value. System attributes are
	// synthesized by Get.
	Body Value
}

var systemAttributes = []string{"_key", "_id", "_rev"}

// ID returns the document handle "collection/key".
func (d *Document) ID() string { return d.Collection + "/" + d.Key }

// Get returns a view of the named attribute.
func (d *Document) Get(key string) Value {
	switch key {
	case "_key":
		return NewString(d.Key).View()
	case "_id":
		return NewString(d.ID()).View()
	case "_rev":
		return NewString(d.Rev).View()
	}
	return d.Body.Get(key)
}

// Has returns whether the document has the named attribute.
func (d *Document) Has(key string) bool {
	switch key {
	case "_key", "_id", "_rev":
		return true
	}
	return d.Body.Has(key)
}

func (d *Document) heap() *Heap {
	if d.Body.p != nil {
		return d.Body.p.heap
	}
	return defaultHeap
}

func (d *Document) detach(h *Heap) Value {
	keys := make([]string, 0, d.Body.Len()+len(systemAttributes))
	vals := make([]Value, 0, cap(keys))
	keys = append(keys, "_key", "_id", "_rev")
	vals = append(vals, h.String(d.Key), h.String(d.ID()), h.String(d.Rev))
	for _, k := range d.Body.Keys() {
		keys = append(keys, k)
		vals = append(vals, d.Body.Get(k).Clone())
	}
	return h.Object(keys, vals)
}
