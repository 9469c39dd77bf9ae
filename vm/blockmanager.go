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

package vm

import (
	"sync"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/value"
)

// slotSize is the accounted size of one register slot.
const slotSize = 64

// maxPooled is the number of idle blocks
// kept per (rows, regs) shape.
const maxPooled = 8

type shape struct {
	rows, regs int
}

// BlockManager allocates ItemBlocks for one
// query, pooling their storage by shape and
// enforcing a memory limit.
type BlockManager struct {
	lock  sync.Mutex
	pools map[shape][]*ItemBlock
	limit int64
	used  int64
	peak  int64
}

// NewBlockManager returns a manager that
// refuses to hand out more than limit bytes of
// block storage at once. A limit <= 0 is unlimited.
func NewBlockManager(limit int64) *BlockManager {
	return &BlockManager{pools: make(map[shape][]*ItemBlock), limit: limit}
}

// Request returns an empty block with the
// given shape.
func (m *BlockManager) Request(rows, regs int) (*ItemBlock, error) {
	size := int64(rows) * int64(regs) * slotSize
	m.lock.Lock()
	if m.limit > 0 && m.used+size > m.limit {
		used := m.used
		m.lock.Unlock()
		return nil, errcode.Newf(errcode.ResourceLimit, "query would use more than %d bytes of block memory (using %d, requested %d)", m.limit, used, size)
	}
	m.used += size
	if m.used > m.peak {
		m.peak = m.used
	}
	sh := shape{rows, regs}
	var b *ItemBlock
	if lst := m.pools[sh]; len(lst) > 0 {
		b = lst[len(lst)-1]
		m.pools[sh] = lst[:len(lst)-1]
	}
	m.lock.Unlock()
	if b == nil {
		b = &ItemBlock{
			vals: make([]value.Value, rows*regs),
			refs: make(map[any]int),
		}
	}
	b.rows, b.regs, b.mgr = rows, regs, m
	return b, nil
}

func (m *BlockManager) put(b *ItemBlock) {
	sh := shape{len(b.vals) / max(b.regs, 1), b.regs}
	if b.regs == 0 {
		sh.rows = b.rows
	}
	size := int64(sh.rows) * int64(sh.regs) * slotSize
	m.lock.Lock()
	defer m.lock.Unlock()
	m.used -= size
	if len(m.pools[sh]) < maxPooled {
		m.pools[sh] = append(m.pools[sh], b)
	}
}

// Used returns the bytes of block storage
// currently handed out.
func (m *BlockManager) Used() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.used
}

// Peak returns the largest value Used has reached.
func (m *BlockManager) Peak() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.peak
}
