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

// Filter passes the rows whose
// condition register is truthy.
type Filter struct {
	base
	cond   int
	chosen []int
}

// NewFilter returns a Filter over dep that tests
// register cond of every row.
func NewFilter(q *Query, dep Block, regs RegisterInfo, cond int) *Filter {
	f := &Filter{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		cond: cond,
	}
	f.prepare = f.choose
	return f
}

func (f *Filter) Kind() Kind { return KindFilter }

// choose reduces blk to the rows that pass.
func (f *Filter) choose(blk *ItemBlock) (*ItemBlock, error) {
	f.chosen = f.chosen[:0]
	for row := 0; row < blk.Rows(); row++ {
		if err := f.q.Check(); err != nil {
			blk.Destroy()
			return nil, err
		}
		if blk.Get(row, f.cond).Truthy() {
			f.chosen = append(f.chosen, row)
		}
	}
	f.q.Stats.filtered(blk.Rows() - len(f.chosen))
	switch len(f.chosen) {
	case blk.Rows():
		return blk, nil
	case 0:
		blk.Destroy()
		return nil, nil
	}
	out, err := blk.StealRows(f.chosen)
	blk.Destroy()
	return out, err
}

func (f *Filter) InitializeCursor(items *ItemBlock, pos int) error {
	return f.initializeCursor(items, pos)
}

func (f *Filter) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	return f.passThrough(atLeast, atMost, skipping)
}

func (f *Filter) Shutdown(err error) error { return f.shutdown(err) }
