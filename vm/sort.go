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
	"github.com/SnellerInc/shardql/sorting"
	"github.com/SnellerInc/shardql/value"
)

// Sort materializes its whole input and
// produces it ordered by a list of keys.
type Sort struct {
	base
	keys   []sorting.Key
	stable bool

	sorted bool
	coords []sorting.Coord
	next   int
	mv     *mover
}

// NewSort returns a Sort over dep. If stable is set,
// rows with equal keys keep their input order.
func NewSort(q *Query, dep Block, regs RegisterInfo, keys []sorting.Key, stable bool) *Sort {
	return &Sort{
		base:   base{q: q, deps: []Block{dep}, regs: regs},
		keys:   keys,
		stable: stable,
		mv:     newMover(false),
	}
}

func (s *Sort) Kind() Kind { return KindSort }

// Value implements sorting.Rows.
func (s *Sort) Value(c sorting.Coord, reg int) value.Value {
	return s.buffer[c.Block].Get(int(c.Row), reg)
}

func (s *Sort) doSort() error {
	if err := s.fetchAll(); err != nil {
		return err
	}
	s.coords = s.coords[:0]
	for i, blk := range s.buffer {
		for row := 0; row < blk.Rows(); row++ {
			s.coords = append(s.coords, sorting.Coord{Block: int32(i), Row: int32(row)})
		}
	}
	sorting.Coords(s.coords, s, s.keys, s.q.compare, s.stable || s.q.StableSort)
	s.sorted = true
	s.next = 0
	return nil
}

func (s *Sort) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if !s.sorted {
		if err := s.doSort(); err != nil {
			return nil, 0, err
		}
	}
	n := min(atMost, len(s.coords)-s.next)
	if n <= 0 {
		s.clearBuffer()
		return nil, 0, nil
	}
	chunk := s.coords[s.next : s.next+n]
	s.next += n
	if skipping {
		for _, c := range chunk {
			s.buffer[c.Block].EraseRow(int(c.Row))
		}
		return nil, n, nil
	}
	out, err := s.q.Blocks.Request(n, s.buffer[0].Regs())
	if err != nil {
		return nil, 0, err
	}
	s.mv.reset()
	for i, c := range chunk {
		s.mv.moveRow(out, i, s.buffer[c.Block], int(c.Row))
	}
	return out, 0, nil
}

func (s *Sort) InitializeCursor(items *ItemBlock, pos int) error {
	s.sorted = false
	s.coords = s.coords[:0]
	s.next = 0
	return s.initializeCursor(items, pos)
}

func (s *Sort) Shutdown(err error) error { return s.shutdown(err) }
