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

package sorting

import (
	"github.com/SnellerInc/shardql/heap"
	"github.com/SnellerInc/shardql/value"
)

// Merger performs a k-way merge of sorted
// streams. Each stream is identified by its
// index; the caller supplies the key tuple of
// the current row of every stream.
type Merger struct {
	keys func(src int) []value.Value
	dirs []Direction
	cmp  Comparator
	q    *heap.Queue[int]
}

// NewMerger constructs a Merger. keys(src) must
// return the key values of the current row of
// stream src for as long as src is queued.
func NewMerger(keys func(src int) []value.Value, dirs []Direction, cmp Comparator) *Merger {
	m := &Merger{keys: keys, dirs: dirs, cmp: cmp}
	m.q = heap.New(m.less)
	return m
}

// ties are broken by stream index so
// that the merge is deterministic
func (m *Merger) less(a, b int) bool {
	rel, _ := CompareTuples(m.keys(a), m.keys(b), m.dirs, m.cmp)
	if rel != 0 {
		return rel < 0
	}
	return a < b
}

// Push queues a stream that has a current row.
func (m *Merger) Push(src int) { m.q.Push(src) }

// Pop dequeues the stream whose current row
// is the smallest.
func (m *Merger) Pop() int { return m.q.Pop() }

// Len returns the number of queued streams.
func (m *Merger) Len() int { return m.q.Len() }

// Reset dequeues every stream.
func (m *Merger) Reset() { m.q.Reset() }
