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

// Return hands the values of one register to
// the consumer of the engine. At the root of a
// plan it can pass its input through unchanged;
// otherwise it produces single-register rows.
type Return struct {
	base
	reg  int
	root bool
}

// NewReturn returns a Return over dep for register reg.
func NewReturn(q *Query, dep Block, regs RegisterInfo, reg int, passThrough bool) *Return {
	r := &Return{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		reg:  reg,
		root: passThrough,
	}
	if !passThrough {
		r.regs.Out = 1
		r.prepare = r.project
	}
	return r
}

func (r *Return) Kind() Kind { return KindReturn }

// Register returns the register holding the
// returned values in the blocks r produces.
func (r *Return) Register() int {
	if r.root {
		return r.reg
	}
	return 0
}

func (r *Return) project(blk *ItemBlock) (*ItemBlock, error) {
	defer blk.Destroy()
	out, err := r.newBlock(blk.Rows())
	if err != nil {
		return nil, err
	}
	for row := 0; row < blk.Rows(); row++ {
		if v := blk.Steal(row, r.reg); !v.IsEmpty() {
			out.Set(row, 0, v)
		}
	}
	return out, nil
}

func (r *Return) InitializeCursor(items *ItemBlock, pos int) error {
	return r.initializeCursor(items, pos)
}

func (r *Return) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	return r.passThrough(atLeast, atMost, skipping)
}

func (r *Return) Shutdown(err error) error { return r.shutdown(err) }
