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

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/value"
)

// Kind identifies the operator implementing a Block.
type Kind int

const (
	KindSingleton Kind = iota
	KindEnumerateCollection
	KindEnumerateList
	KindIndex
	KindFilter
	KindLimit
	KindCalculation
	KindSubquery
	KindSort
	KindSortedCollect
	KindHashedCollect
	KindCountCollect
	KindReturn
	KindNoResults
	KindInsert
	KindRemove
	KindUpdate
	KindReplace
	KindUpsert
	KindScatter
	KindDistribute
	KindGather
	KindRemote
	KindTraversal
)

var kindNames = [...]string{
	"Singleton", "EnumerateCollection", "EnumerateList", "Index",
	"Filter", "Limit", "Calculation", "Subquery", "Sort",
	"SortedCollect", "HashedCollect", "CountCollect", "Return",
	"NoResults", "Insert", "Remove", "Update", "Replace",
	"Upsert", "Scatter", "Distribute", "Gather", "Remote",
	"Traversal",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Block is the pull-iterator contract
// implemented by every operator.
type Block interface {
	// Kind returns the operator kind.
	Kind() Kind
	// InitializeCursor resets the block and its
	// dependencies. If items is non-nil, row pos of
	// items supplies the registers inherited by the
	// rows the block produces until the next call.
	InitializeCursor(items *ItemBlock, pos int) error
	// GetOrSkipSome produces at least atLeast and at
	// most atMost rows unless the input is exhausted.
	// atMost must be positive.
	// When skipping is set the rows are only counted:
	// the returned block is nil and the count is the
	// number of rows skipped. Otherwise the count is
	// zero and a nil block signals exhaustion.
	GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error)
	// Shutdown releases the resources held by the
	// block and shuts down its dependencies exactly
	// once. It returns the first error encountered,
	// or err if there was none.
	Shutdown(err error) error
	// Dependencies returns the direct dependencies.
	Dependencies() []Block
}

// GetSome returns a batch of rows from b, or
// nil when b is exhausted.
func GetSome(b Block, atLeast, atMost int) (*ItemBlock, error) {
	blk, _, err := b.GetOrSkipSome(atLeast, atMost, false)
	if err != nil {
		return nil, err
	}
	if blk != nil && blk.Rows() == 0 {
		blk.Destroy()
		blk = nil
	}
	return blk, nil
}

// SkipSome discards a batch of rows from b and
// returns how many were skipped; 0 means b is
// exhausted.
func SkipSome(b Block, atLeast, atMost int) (int, error) {
	_, n, err := b.GetOrSkipSome(atLeast, atMost, true)
	return n, err
}

// RegisterInfo describes the registers of the
// rows flowing into and out of a block.
type RegisterInfo struct {
	// In is the number of registers of input rows.
	In int
	// Out is the number of registers of output rows.
	Out int
	// Keep lists the input registers still
	// needed downstream; they are copied into
	// output rows.
	Keep []int
	// Clear lists the registers erased from
	// rows passed through unchanged.
	Clear []int
}

// base implements the parts of Block
// shared by the operators.
type base struct {
	q    *Query
	deps []Block
	regs RegisterInfo

	// blocks fetched from deps[0] and
	// not yet consumed; pos is the first
	// unconsumed row of buffer[0]
	buffer    []*ItemBlock
	pos       int
	exhausted bool

	// prepare, if set, transforms each fetched
	// block; it takes ownership of its argument
	prepare func(*ItemBlock) (*ItemBlock, error)

	shut    bool
	shutErr error
}

func (b *base) Dependencies() []Block { return b.deps }

func (b *base) dep() Block { return b.deps[0] }

func (b *base) batch() int { return b.q.BatchSize }

// fetch pulls one more non-empty block from the
// dependency into the buffer, passing it through
// prepare if set. It returns false once the
// dependency is exhausted.
func (b *base) fetch(atMost int) (bool, error) {
	if atMost <= 0 {
		atMost = b.batch()
	}
	for !b.exhausted {
		if err := b.q.Check(); err != nil {
			return false, err
		}
		blk, err := GetSome(b.dep(), atMost, atMost)
		if err != nil {
			return false, err
		}
		if blk == nil {
			b.exhausted = true
			break
		}
		b.clearRegisters(blk)
		if b.prepare != nil {
			blk, err = b.prepare(blk)
			if err != nil {
				return false, err
			}
		}
		if blk == nil || blk.Rows() == 0 {
			blk.Destroy()
			continue
		}
		b.buffer = append(b.buffer, blk)
		return true, nil
	}
	return false, nil
}

// fetchAll pulls the whole input into the buffer.
func (b *base) fetchAll() error {
	for {
		ok, err := b.fetch(b.batch())
		if err != nil || !ok {
			return err
		}
	}
}

// pop destroys the first buffered block.
func (b *base) pop() {
	b.buffer[0].Destroy()
	b.buffer[0] = nil
	b.buffer = b.buffer[1:]
	b.pos = 0
}

func (b *base) clearBuffer() {
	for _, blk := range b.buffer {
		blk.Destroy()
	}
	b.buffer = nil
	b.pos = 0
}

func (b *base) clearRegisters(blk *ItemBlock) {
	if blk == nil || len(b.regs.Clear) == 0 {
		return
	}
	for row := 0; row < blk.Rows(); row++ {
		for _, reg := range b.regs.Clear {
			if reg < blk.Regs() {
				blk.Erase(row, reg)
			}
		}
	}
}

// take returns up to n buffered rows as one
// block, handing over a whole buffered block
// when possible.
func (b *base) take(n int) (*ItemBlock, error) {
	cur := b.buffer[0]
	if b.pos == 0 && cur.Rows() <= n {
		b.buffer[0] = nil
		b.buffer = b.buffer[1:]
		return cur, nil
	}
	end := b.pos + n
	if end > cur.Rows() {
		end = cur.Rows()
	}
	out, err := cur.StealRange(b.pos, end)
	if err != nil {
		return nil, err
	}
	b.pos = end
	if b.pos == cur.Rows() {
		b.pop()
	}
	return out, nil
}

// passThrough serves rows from the buffer, fetching
// as needed, without modifying them.
func (b *base) passThrough(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if atLeast > atMost {
		atLeast = atMost
	}
	var parts []*ItemBlock
	got := 0
	for got < atLeast || (got == 0 && atMost > 0) {
		if len(b.buffer) == 0 {
			ok, err := b.fetch(atMost - got)
			if err != nil {
				destroyAll(parts)
				return nil, 0, err
			}
			if !ok {
				break
			}
		}
		if skipping {
			cur := b.buffer[0]
			n := min(cur.Rows()-b.pos, atMost-got)
			b.pos += n
			got += n
			if b.pos == cur.Rows() {
				b.pop()
			}
			continue
		}
		blk, err := b.take(atMost - got)
		if err != nil {
			destroyAll(parts)
			return nil, 0, err
		}
		got += blk.Rows()
		parts = append(parts, blk)
	}
	if skipping {
		return nil, got, nil
	}
	out, err := Concatenate(b.q.Blocks, parts)
	if err != nil {
		destroyAll(parts)
		return nil, 0, err
	}
	return out, 0, nil
}

func destroyAll(lst []*ItemBlock) {
	for _, blk := range lst {
		blk.Destroy()
	}
}

func (b *base) initializeCursor(items *ItemBlock, pos int) error {
	b.clearBuffer()
	b.exhausted = false
	for _, d := range b.deps {
		if err := d.InitializeCursor(items, pos); err != nil {
			return err
		}
	}
	return nil
}

func (b *base) shutdown(err error) error {
	if b.shut {
		if b.shutErr != nil {
			return b.shutErr
		}
		return err
	}
	b.shut = true
	b.clearBuffer()
	first := err
	for _, d := range b.deps {
		if e := d.Shutdown(err); e != nil && first == nil {
			first = e
		}
	}
	b.shutErr = first
	return first
}

// newBlock requests an output block.
func (b *base) newBlock(rows int) (*ItemBlock, error) {
	return b.q.Blocks.Request(rows, b.regs.Out)
}

// rowEnv resolves expression variables
// against one row of a block.
type rowEnv struct {
	blk  *ItemBlock
	row  int
	vars map[int]int
}

func (e *rowEnv) Var(id int) (value.Value, bool) {
	reg, ok := e.vars[id]
	if !ok || reg >= e.blk.Regs() {
		return value.Value{}, false
	}
	return e.blk.Get(e.row, reg), true
}

// checkRequest rejects a request for no rows,
// which would be indistinguishable from exhaustion.
func checkRequest(atMost int) error {
	if atMost < 1 {
		return errcode.Newf(errcode.BadParameter, "request for %d rows", atMost)
	}
	return nil
}

func structural(format string, args ...any) error {
	return errcode.Newf(errcode.PlanStructure, format, args...)
}

// inheritor copies registers of input rows into
// the rows of one output block. Values copied
// from the same payload share one clone.
type inheritor struct {
	cache map[any]value.Value
}

func (h *inheritor) reset() {
	for k := range h.cache {
		delete(h.cache, k)
	}
}

func (h *inheritor) copy(dst *ItemBlock, drow int, src *ItemBlock, srow int, regs []int) {
	if h.cache == nil {
		h.cache = make(map[any]value.Value)
	}
	for _, reg := range regs {
		v := src.Get(srow, reg)
		if v.IsEmpty() {
			continue
		}
		k := v.Handle()
		if k == nil {
			dst.Set(drow, reg, v)
			continue
		}
		if c, ok := h.cache[k]; ok {
			dst.share(drow, reg, c)
			continue
		}
		c := v.Clone()
		dst.Set(drow, reg, c)
		h.cache[k] = c
	}
}
