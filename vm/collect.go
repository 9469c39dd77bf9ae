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
	"github.com/SnellerInc/shardql/value"
)

// GroupRegister maps a grouping register of
// the input to a register of the output.
type GroupRegister struct {
	In, Out int
}

// KeepVariable names a register collected
// into the INTO array of a Collect.
type KeepVariable struct {
	Name string
	Reg  int
}

// CollectOptions configure a Collect.
// Unused output registers are -1.
type CollectOptions struct {
	Groups     []GroupRegister
	Aggregates []Aggregate
	// Count receives the number of rows
	// in the group (WITH COUNT INTO).
	Count int
	// Into receives an array with one
	// entry per row of the group.
	Into int
	// IntoExpr is the register collected into
	// Into; if it is -1 the entries are objects
	// built from Keep.
	IntoExpr int
	Keep     []KeepVariable
}

// group is the state of one group. Keys,
// accumulators and INTO entries are owned.
type group struct {
	keys  []value.Value
	aggs  []Aggregator
	count int64
	into  []value.Value
}

func (o *CollectOptions) newGroup(h *value.Heap, blk *ItemBlock, row int) *group {
	g := &group{aggs: make([]Aggregator, len(o.Aggregates))}
	if blk != nil {
		g.keys = make([]value.Value, len(o.Groups))
		for i, gr := range o.Groups {
			g.keys[i] = blk.Get(row, gr.In).Detach()
		}
	}
	for i := range o.Aggregates {
		g.aggs[i] = o.Aggregates[i].Func(h)
	}
	return g
}

// add incorporates row of blk into g.
func (o *CollectOptions) add(h *value.Heap, g *group, blk *ItemBlock, row int) error {
	g.count++
	for i, a := range o.Aggregates {
		var v value.Value
		if a.In >= 0 {
			v = blk.Get(row, a.In)
		}
		if err := g.aggs[i].Reduce(v); err != nil {
			return err
		}
	}
	if o.Into < 0 {
		return nil
	}
	if o.IntoExpr >= 0 {
		v := blk.Get(row, o.IntoExpr)
		if v.IsEmpty() {
			v = value.NullValue()
		}
		g.into = append(g.into, v.Detach())
		return nil
	}
	names := make([]string, len(o.Keep))
	vals := make([]value.Value, len(o.Keep))
	for i, k := range o.Keep {
		names[i] = k.Name
		v := blk.Get(row, k.Reg)
		if v.IsEmpty() {
			v = value.NullValue()
		}
		vals[i] = v.Detach()
	}
	g.into = append(g.into, h.Object(names, vals))
	return nil
}

// emit writes g into row of out and
// transfers the ownership of its state.
func (o *CollectOptions) emit(h *value.Heap, g *group, out *ItemBlock, row int) {
	for i, gr := range o.Groups {
		v := value.NullValue()
		if i < len(g.keys) {
			v = g.keys[i]
		}
		out.Set(row, gr.Out, v)
	}
	g.keys = nil
	for i, a := range o.Aggregates {
		out.Set(row, a.Out, g.aggs[i].Steal())
	}
	if o.Count >= 0 {
		out.Set(row, o.Count, value.NewInt(g.count))
	}
	if o.Into >= 0 {
		out.Set(row, o.Into, h.Array(g.into...))
		g.into = nil
	}
}

// matches returns whether the grouping
// registers of row equal the keys of g.
func (o *CollectOptions) matches(g *group, blk *ItemBlock, row int, cmp func(a, b value.Value) int) bool {
	for i, gr := range o.Groups {
		if cmp(g.keys[i], blk.Get(row, gr.In)) != 0 {
			return false
		}
	}
	return true
}

func (g *group) release() {
	for i := range g.keys {
		g.keys[i].Destroy()
	}
	g.keys = nil
	for _, a := range g.aggs {
		a.Release()
	}
	for i := range g.into {
		g.into[i].Destroy()
	}
	g.into = nil
}

func (q *Query) compare(a, b value.Value) int {
	if q.Storage != nil {
		return q.Storage.Compare(a, b)
	}
	return value.Compare(a, b)
}

// SortedCollect groups input that is sorted on
// the grouping registers: a group ends when the
// key of the next row differs.
type SortedCollect struct {
	base
	opts    CollectOptions
	cur     *group
	emitted bool
	done    bool
}

// NewSortedCollect returns a SortedCollect over dep.
func NewSortedCollect(q *Query, dep Block, regs RegisterInfo, opts CollectOptions) *SortedCollect {
	return &SortedCollect{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		opts: opts,
	}
}

func (c *SortedCollect) Kind() Kind { return KindSortedCollect }

func (c *SortedCollect) reset() {
	if c.cur != nil {
		c.cur.release()
		c.cur = nil
	}
	c.emitted = false
	c.done = false
}

func (c *SortedCollect) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if c.done {
		return nil, 0, nil
	}
	atMost = max(min(atMost, c.batch()), atLeast, 1)
	var out *ItemBlock
	n := 0
	emit := func(g *group) error {
		if out == nil {
			var err error
			out, err = c.newBlock(atMost)
			if err != nil {
				return err
			}
		}
		c.opts.emit(c.q.Heap, g, out, n)
		g.release()
		n++
		c.emitted = true
		return nil
	}
	fail := func(err error) (*ItemBlock, int, error) {
		out.Destroy()
		return nil, 0, err
	}
	for n < atMost {
		if len(c.buffer) == 0 {
			ok, err := c.fetch(c.batch())
			if err != nil {
				return fail(err)
			}
			if !ok {
				g := c.cur
				c.cur = nil
				if g == nil && len(c.opts.Groups) == 0 && !c.emitted {
					g = c.opts.newGroup(c.q.Heap, nil, 0)
				}
				if g != nil {
					if err := emit(g); err != nil {
						g.release()
						return fail(err)
					}
				}
				c.done = true
				break
			}
		}
		if err := c.q.Check(); err != nil {
			return fail(err)
		}
		blk := c.buffer[0]
		if c.cur != nil && !c.opts.matches(c.cur, blk, c.pos, c.q.compare) {
			g := c.cur
			c.cur = nil
			if err := emit(g); err != nil {
				g.release()
				return fail(err)
			}
			continue
		}
		if c.cur == nil {
			c.cur = c.opts.newGroup(c.q.Heap, blk, c.pos)
		}
		if err := c.opts.add(c.q.Heap, c.cur, blk, c.pos); err != nil {
			return fail(err)
		}
		c.pos++
		if c.pos == blk.Rows() {
			c.pop()
		}
	}
	if out == nil {
		return nil, 0, nil
	}
	out.ShrinkTo(n)
	if skipping {
		out.Destroy()
		return nil, n, nil
	}
	return out, 0, nil
}

func (c *SortedCollect) InitializeCursor(items *ItemBlock, pos int) error {
	c.reset()
	return c.initializeCursor(items, pos)
}

func (c *SortedCollect) Shutdown(err error) error {
	c.reset()
	return c.shutdown(err)
}

// CountCollect counts its input rows
// and produces a single row.
type CountCollect struct {
	base
	out  int
	done bool
}

// NewCountCollect returns a CountCollect over dep
// writing the count into register out.
func NewCountCollect(q *Query, dep Block, regs RegisterInfo, out int) *CountCollect {
	return &CountCollect{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		out:  out,
	}
}

func (c *CountCollect) Kind() Kind { return KindCountCollect }

func (c *CountCollect) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if err := checkRequest(atMost); err != nil {
		return nil, 0, err
	}
	if c.done {
		return nil, 0, nil
	}
	var total int64
	for {
		if err := c.q.Check(); err != nil {
			return nil, 0, err
		}
		n, err := SkipSome(c.dep(), c.batch(), c.batch())
		if err != nil {
			return nil, 0, err
		}
		if n == 0 {
			break
		}
		total += int64(n)
	}
	c.done = true
	if skipping {
		return nil, 1, nil
	}
	out, err := c.newBlock(1)
	if err != nil {
		return nil, 0, err
	}
	out.Set(0, c.out, value.NewInt(total))
	return out, 0, nil
}

func (c *CountCollect) InitializeCursor(items *ItemBlock, pos int) error {
	c.done = false
	return c.initializeCursor(items, pos)
}

func (c *CountCollect) Shutdown(err error) error { return c.shutdown(err) }
