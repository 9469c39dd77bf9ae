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
	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// rowSource produces the new values of the
// output rows generated for one input row.
type rowSource interface {
	// start begins producing rows for row
	// of blk.
	start(blk *ItemBlock, row int) error
	// next returns the values of up to n more
	// rows, one value per output register and
	// row; an empty result ends the input row.
	// The values are owned by the caller.
	next(n int) ([]value.Value, error)
	// stop releases the state of the input row.
	stop()
}

// expander implements GetOrSkipSome for blocks
// producing zero or more rows per input row.
type expander struct {
	base
	src    rowSource
	outs   []int
	active bool
	inh    inheritor
}

func (e *expander) resetExpander() {
	if e.active {
		e.src.stop()
		e.active = false
	}
}

func (e *expander) advance() {
	e.src.stop()
	e.active = false
	e.pos++
	if e.pos == e.buffer[0].Rows() {
		e.pop()
	}
}

func (e *expander) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	var out *ItemBlock
	fail := func(err error) (*ItemBlock, int, error) {
		out.Destroy()
		return nil, 0, err
	}
	produced := 0
	width := len(e.outs)
	atMost = max(min(atMost, e.batch()), atLeast)
	for produced < atMost {
		if !e.active {
			if len(e.buffer) == 0 {
				ok, err := e.fetch(e.batch())
				if err != nil {
					return fail(err)
				}
				if !ok {
					break
				}
			}
			if err := e.q.Check(); err != nil {
				return fail(err)
			}
			if err := e.src.start(e.buffer[0], e.pos); err != nil {
				return fail(err)
			}
			e.active = true
		}
		vals, err := e.src.next(atMost - produced)
		if err != nil {
			return fail(err)
		}
		if len(vals) == 0 {
			e.advance()
			continue
		}
		n := len(vals) / width
		if skipping {
			for i := range vals {
				vals[i].Destroy()
			}
			produced += n
			continue
		}
		if out == nil {
			out, err = e.newBlock(atMost)
			if err != nil {
				for i := range vals {
					vals[i].Destroy()
				}
				return nil, 0, err
			}
			e.inh.reset()
		}
		in := e.buffer[0]
		for i := 0; i < n; i++ {
			e.inh.copy(out, produced, in, e.pos, e.regs.Keep)
			for j, reg := range e.outs {
				if v := vals[i*width+j]; !v.IsEmpty() {
					out.Set(produced, reg, v)
				}
			}
			produced++
		}
	}
	if skipping {
		return nil, produced, nil
	}
	if out != nil {
		out.ShrinkTo(produced)
	}
	return out, 0, nil
}

func (e *expander) InitializeCursor(items *ItemBlock, pos int) error {
	e.resetExpander()
	return e.initializeCursor(items, pos)
}

func (e *expander) Shutdown(err error) error {
	e.resetExpander()
	return e.shutdown(err)
}

// EnumerateList produces one row per
// element of an array register.
type EnumerateList struct {
	expander
	in   int
	list value.Value
	idx  int
}

// NewEnumerateList returns an EnumerateList over dep
// that iterates register in and writes each element
// into register out.
func NewEnumerateList(q *Query, dep Block, regs RegisterInfo, in, out int) *EnumerateList {
	l := &EnumerateList{in: in}
	l.expander = expander{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		src:  l,
		outs: []int{out},
	}
	return l
}

func (l *EnumerateList) Kind() Kind { return KindEnumerateList }

func (l *EnumerateList) start(blk *ItemBlock, row int) error {
	l.list = blk.Get(row, l.in)
	l.idx = 0
	switch l.list.Kind() {
	case value.Array, value.Null, value.Empty:
		return nil
	}
	return errcode.Newf(errcode.TypeMismatch, "cannot enumerate a value of kind %s", l.list.Kind())
}

func (l *EnumerateList) next(n int) ([]value.Value, error) {
	if l.list.Kind() != value.Array {
		return nil, nil
	}
	end := min(l.list.Len(), l.idx+n)
	vals := make([]value.Value, 0, end-l.idx)
	for ; l.idx < end; l.idx++ {
		vals = append(vals, l.list.At(l.idx).Clone())
	}
	return vals, nil
}

func (l *EnumerateList) stop() { l.list = value.Value{} }

// EnumerateCollection produces one row per
// document of a shard.
type EnumerateCollection struct {
	expander
	shard   string
	reverse bool
	cursor  storage.Cursor
}

// NewEnumerateCollection returns an EnumerateCollection
// over dep that scans shard and writes each document
// into register out.
func NewEnumerateCollection(q *Query, dep Block, regs RegisterInfo, shard string, out int, reverse bool) *EnumerateCollection {
	c := &EnumerateCollection{shard: shard, reverse: reverse}
	c.expander = expander{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		src:  c,
		outs: []int{out},
	}
	return c
}

func (c *EnumerateCollection) Kind() Kind { return KindEnumerateCollection }

func (c *EnumerateCollection) start(*ItemBlock, int) error {
	if c.cursor != nil {
		if r, ok := c.cursor.(storage.Rearmable); ok {
			return r.Rearm(c.q.Context, nil)
		}
		c.cursor.Close()
		c.cursor = nil
	}
	cur, err := c.q.Storage.OpenCursor(c.q.Context, c.shard, nil, nil, storage.CursorOptions{
		BatchSize: c.batch(),
		Reverse:   c.reverse,
	})
	if err != nil {
		return err
	}
	c.cursor = cur
	return nil
}

func (c *EnumerateCollection) next(n int) ([]value.Value, error) {
	return nextDocuments(c.cursor, n, c.q.Stats.scannedFull)
}

func (c *EnumerateCollection) stop() {}

func (c *EnumerateCollection) Shutdown(err error) error {
	if c.cursor != nil {
		c.cursor.Close()
		c.cursor = nil
	}
	return c.expander.Shutdown(err)
}

func nextDocuments(cur storage.Cursor, n int, count func(int)) ([]value.Value, error) {
	if cur == nil || !cur.HasMore() {
		return nil, nil
	}
	docs, err := cur.Next(n)
	if err != nil {
		return nil, err
	}
	count(len(docs))
	vals := make([]value.Value, len(docs))
	for i, d := range docs {
		vals[i] = value.NewExternal(d)
	}
	return vals, nil
}
