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
	"fmt"

	"github.com/SnellerInc/shardql/value"
)

// ItemBlock is a fixed-capacity grid of
// rows by registers. A register that is unused
// in a row holds the Empty value.
//
// An ItemBlock owns the heap payloads of the
// values stored in it. Several slots may alias
// the same payload (see CopyValuesFromRow); the
// block counts the aliases and releases the
// payload when the last one is erased.
//
// An ItemBlock is owned by exactly one holder
// at a time and is not safe for concurrent use.
type ItemBlock struct {
	rows, regs int
	vals       []value.Value
	refs       map[any]int
	mgr        *BlockManager
}

// Rows returns the number of rows.
func (b *ItemBlock) Rows() int { return b.rows }

// Regs returns the number of registers per row.
func (b *ItemBlock) Regs() int { return b.regs }

func (b *ItemBlock) slot(row, reg int) *value.Value {
	if row >= b.rows || reg >= b.regs {
		panic(fmt.Sprintf("vm.ItemBlock: (%d, %d) out of range (%d x %d)", row, reg, b.rows, b.regs))
	}
	return &b.vals[row*b.regs+reg]
}

// Get returns a view of the value at (row, reg).
// The view is valid until the slot is erased or
// the block is destroyed.
func (b *ItemBlock) Get(row, reg int) value.Value {
	return b.slot(row, reg).View()
}

// IsEmpty returns whether (row, reg) is unused.
func (b *ItemBlock) IsEmpty(row, reg int) bool {
	return b.slot(row, reg).IsEmpty()
}

// Set stores v at (row, reg) and takes ownership of it.
// A view is cloned first. Set panics if the slot is
// already occupied.
func (b *ItemBlock) Set(row, reg int, v value.Value) {
	s := b.slot(row, reg)
	if !s.IsEmpty() {
		panic(fmt.Sprintf("vm.ItemBlock: register %d of row %d is already set", reg, row))
	}
	if v.IsView() {
		v = v.Clone()
	}
	*s = v
	if h := v.Handle(); h != nil {
		b.refs[h]++
	}
}

// share stores an alias of a payload
// already owned by b.
func (b *ItemBlock) share(row, reg int, v value.Value) {
	s := b.slot(row, reg)
	if !s.IsEmpty() {
		panic(fmt.Sprintf("vm.ItemBlock: register %d of row %d is already set", reg, row))
	}
	*s = v
	if h := v.Handle(); h != nil {
		b.refs[h]++
	}
}

// Steal removes the value at (row, reg) and returns
// it, owned by the caller. If other slots alias the
// same payload the caller receives a clone.
func (b *ItemBlock) Steal(row, reg int) value.Value {
	s := b.slot(row, reg)
	v := *s
	*s = value.Value{}
	h := v.Handle()
	if h == nil {
		return v
	}
	n, ok := b.refs[h]
	if !ok {
		// the payload moved to another block
		return v.View().Clone()
	}
	if n == 1 {
		delete(b.refs, h)
		return v
	}
	b.refs[h] = n - 1
	return v.View().Clone()
}

// Erase releases the value at (row, reg).
func (b *ItemBlock) Erase(row, reg int) {
	b.release(b.slot(row, reg))
}

func (b *ItemBlock) release(s *value.Value) {
	h := s.Handle()
	if h == nil {
		*s = value.Value{}
		return
	}
	n, ok := b.refs[h]
	switch {
	case !ok:
		*s = value.Value{}
	case n == 1:
		delete(b.refs, h)
		s.Destroy()
	default:
		b.refs[h] = n - 1
		*s = value.Value{}
	}
}

// EraseRow releases every value of a row.
func (b *ItemBlock) EraseRow(row int) {
	for reg := 0; reg < b.regs; reg++ {
		b.Erase(row, reg)
	}
}

// ShrinkTo reduces the block to its first n rows,
// releasing the values of the rows removed.
// A block never grows.
func (b *ItemBlock) ShrinkTo(n int) {
	if n > b.rows {
		panic(fmt.Sprintf("vm.ItemBlock: cannot grow from %d to %d rows", b.rows, n))
	}
	for row := n; row < b.rows; row++ {
		b.EraseRow(row)
	}
	b.rows = n
}

// CopyValuesFromRow makes the given registers of
// dst alias the values of the same registers in src,
// both rows of b. Registers already set in dst
// and registers empty in src are left alone.
func (b *ItemBlock) CopyValuesFromRow(dst, src int, regs []int) {
	for _, reg := range regs {
		v := *b.slot(src, reg)
		if v.IsEmpty() || !b.IsEmpty(dst, reg) {
			continue
		}
		b.share(dst, reg, v)
	}
}

// CopyRegisters clones the given registers of row
// srow in src into row drow of dst.
func CopyRegisters(dst *ItemBlock, drow int, src *ItemBlock, srow int, regs []int) {
	for _, reg := range regs {
		v := src.Get(srow, reg)
		if v.IsEmpty() {
			continue
		}
		dst.Set(drow, reg, v)
	}
}

// Destroy releases every value and returns
// the block's storage to its manager.
// Destroying a nil block is a no-op.
func (b *ItemBlock) Destroy() {
	if b == nil {
		return
	}
	n := b.rows * b.regs
	for i := 0; i < n; i++ {
		b.release(&b.vals[i])
	}
	for h := range b.refs {
		delete(b.refs, h)
	}
	if mgr := b.mgr; mgr != nil {
		b.mgr = nil
		mgr.put(b)
	}
}

// mover relocates values between blocks.
// cache remembers, per destination block,
// the destination value of each source payload
// already relocated, so that aliases stay
// aliases and a payload is copied at most once.
//
// With stealFirst set the first relocation of
// a payload moves it even if other source slots
// still alias it; their later relocations then
// clone it from its new owner. This is only
// valid when every destination block outlives
// the relocation pass.
type mover struct {
	cache      map[any]value.Value
	stealFirst bool
}

func newMover(stealFirst bool) *mover {
	return &mover{cache: make(map[any]value.Value), stealFirst: stealFirst}
}

// reset starts a new destination block.
func (m *mover) reset() {
	for k := range m.cache {
		delete(m.cache, k)
	}
}

func (m *mover) move(dst *ItemBlock, drow int, src *ItemBlock, srow, reg int) {
	s := src.slot(srow, reg)
	v := *s
	h := v.Handle()
	if h == nil {
		*s = value.Value{}
		if !v.IsEmpty() {
			dst.Set(drow, reg, v)
		}
		return
	}
	if c, ok := m.cache[h]; ok {
		dst.share(drow, reg, c)
		src.release(s)
		return
	}
	n, owned := src.refs[h]
	switch {
	case owned && (n == 1 || m.stealFirst):
		delete(src.refs, h)
		*s = value.Value{}
	case owned:
		src.refs[h] = n - 1
		*s = value.Value{}
		v = v.View().Clone()
	default:
		*s = value.Value{}
		v = v.View().Clone()
	}
	dst.Set(drow, reg, v)
	m.cache[h] = v
}

// moveRow relocates every register of a row.
func (m *mover) moveRow(dst *ItemBlock, drow int, src *ItemBlock, srow int) {
	for reg := 0; reg < src.regs && reg < dst.regs; reg++ {
		m.move(dst, drow, src, srow, reg)
	}
}

// StealRows moves the given rows of b, in order, into
// a new block. The rows left behind in b are empty.
func (b *ItemBlock) StealRows(rows []int) (*ItemBlock, error) {
	out, err := b.mgr.Request(len(rows), b.regs)
	if err != nil {
		return nil, err
	}
	m := newMover(false)
	for i, row := range rows {
		m.moveRow(out, i, b, row)
	}
	return out, nil
}

// StealRange moves rows [from, to) of b into a new block.
func (b *ItemBlock) StealRange(from, to int) (*ItemBlock, error) {
	rows := make([]int, to-from)
	for i := range rows {
		rows[i] = from + i
	}
	return b.StealRows(rows)
}

// Slice copies rows [from, to) of b into a new
// block, leaving b unchanged.
func (b *ItemBlock) Slice(from, to int) (*ItemBlock, error) {
	out, err := b.mgr.Request(to-from, b.regs)
	if err != nil {
		return nil, err
	}
	cache := make(map[any]value.Value)
	for row := from; row < to; row++ {
		for reg := 0; reg < b.regs; reg++ {
			v := *b.slot(row, reg)
			if v.IsEmpty() {
				continue
			}
			h := v.Handle()
			if h == nil {
				out.Set(row-from, reg, v)
				continue
			}
			if c, ok := cache[h]; ok {
				out.share(row-from, reg, c)
				continue
			}
			c := v.View().Clone()
			out.Set(row-from, reg, c)
			cache[h] = c
		}
	}
	return out, nil
}

// Concatenate moves the rows of every block
// into one new block and destroys the inputs.
// All blocks must have the same number of registers.
func Concatenate(mgr *BlockManager, blocks []*ItemBlock) (*ItemBlock, error) {
	switch len(blocks) {
	case 0:
		return nil, nil
	case 1:
		return blocks[0], nil
	}
	rows, regs := 0, 0
	for _, b := range blocks {
		rows += b.rows
		if regs != 0 && b.regs != regs {
			return nil, fmt.Errorf("vm.Concatenate: mismatched register counts %d and %d", regs, b.regs)
		}
		regs = b.regs
	}
	out, err := mgr.Request(rows, regs)
	if err != nil {
		return nil, err
	}
	m := newMover(true)
	pos := 0
	for _, b := range blocks {
		for row := 0; row < b.rows; row++ {
			m.moveRow(out, pos, b, row)
			pos++
		}
		b.Destroy()
	}
	return out, nil
}
