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
	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/value"
)

// Calculation evaluates an expression for
// every row and stores the result in an
// output register.
type Calculation struct {
	base
	node expr.Node
	out  int
	vars map[int]int
}

// NewCalculation returns a Calculation over dep that
// writes node into register out. vars maps the
// variables referenced by node to registers.
func NewCalculation(q *Query, dep Block, regs RegisterInfo, node expr.Node, out int, vars map[int]int) *Calculation {
	c := &Calculation{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		node: node,
		out:  out,
		vars: vars,
	}
	c.prepare = c.compute
	return c
}

func (c *Calculation) Kind() Kind { return KindCalculation }

func (c *Calculation) compute(blk *ItemBlock) (*ItemBlock, error) {
	ctx, release, err := c.q.evalContext(c.node.Heavy())
	if err != nil {
		blk.Destroy()
		return nil, err
	}
	defer release()
	env := &rowEnv{blk: blk, vars: c.vars}
	for row := 0; row < blk.Rows(); row++ {
		if err := c.q.Check(); err != nil {
			blk.Destroy()
			return nil, err
		}
		env.row = row
		v, err := c.node.Eval(ctx, env)
		if err != nil {
			blk.Destroy()
			return nil, err
		}
		blk.Set(row, c.out, v)
	}
	return blk, nil
}

func (c *Calculation) InitializeCursor(items *ItemBlock, pos int) error {
	return c.initializeCursor(items, pos)
}

func (c *Calculation) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	return c.passThrough(atLeast, atMost, skipping)
}

func (c *Calculation) Shutdown(err error) error { return c.shutdown(err) }

// Subquery runs a nested plan once per input row
// and stores the array of its results in an
// output register. The nested plan is seeded
// with the input row.
type Subquery struct {
	base
	sub    Block
	result int
	out    int
}

// NewSubquery returns a Subquery over dep running sub.
// result is the register holding the values in the
// blocks produced by sub.
func NewSubquery(q *Query, dep, sub Block, regs RegisterInfo, result, out int) *Subquery {
	s := &Subquery{
		base:   base{q: q, deps: []Block{dep, sub}, regs: regs},
		sub:    sub,
		result: result,
		out:    out,
	}
	s.prepare = s.run
	return s
}

func (s *Subquery) Kind() Kind { return KindSubquery }

func (s *Subquery) run(blk *ItemBlock) (*ItemBlock, error) {
	var vals []value.Value
	fail := func(err error) (*ItemBlock, error) {
		for i := range vals {
			vals[i].Destroy()
		}
		blk.Destroy()
		return nil, err
	}
	for row := 0; row < blk.Rows(); row++ {
		if err := s.q.Check(); err != nil {
			return fail(err)
		}
		if err := s.sub.InitializeCursor(blk, row); err != nil {
			return fail(err)
		}
		for {
			res, err := GetSome(s.sub, s.batch(), s.batch())
			if err != nil {
				return fail(err)
			}
			if res == nil {
				break
			}
			for i := 0; i < res.Rows(); i++ {
				v := res.Steal(i, s.result)
				if v.IsEmpty() {
					v = value.NullValue()
				}
				vals = append(vals, v)
			}
			res.Destroy()
		}
		blk.Set(row, s.out, s.q.Heap.Array(vals...))
		vals = vals[:0]
	}
	return blk, nil
}

func (s *Subquery) InitializeCursor(items *ItemBlock, pos int) error {
	s.clearBuffer()
	s.exhausted = false
	return s.dep().InitializeCursor(items, pos)
}

func (s *Subquery) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	return s.passThrough(atLeast, atMost, skipping)
}

func (s *Subquery) Shutdown(err error) error { return s.shutdown(err) }
