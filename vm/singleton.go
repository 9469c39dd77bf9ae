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

// Singleton produces exactly one row. The row
// carries the whitelisted registers of the row
// passed to InitializeCursor, if any.
type Singleton struct {
	base
	whitelist []int
	inherited []value.Value
	done      bool
}

// NewSingleton returns a Singleton producing rows
// of regs registers that inherit the registers
// in whitelist.
func NewSingleton(q *Query, regs int, whitelist []int) *Singleton {
	return &Singleton{
		base:      base{q: q, regs: RegisterInfo{Out: regs}},
		whitelist: whitelist,
	}
}

func (s *Singleton) Kind() Kind { return KindSingleton }

func (s *Singleton) release() {
	for i := range s.inherited {
		s.inherited[i].Destroy()
	}
	s.inherited = s.inherited[:0]
}

func (s *Singleton) InitializeCursor(items *ItemBlock, pos int) error {
	s.release()
	s.done = false
	if items == nil {
		return nil
	}
	for _, reg := range s.whitelist {
		if reg >= items.Regs() || reg >= s.regs.Out {
			return structural("singleton register %d is out of range", reg)
		}
		s.inherited = append(s.inherited, items.Get(pos, reg).Clone())
	}
	return nil
}

func (s *Singleton) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if err := checkRequest(atMost); err != nil {
		return nil, 0, err
	}
	if s.done {
		return nil, 0, nil
	}
	s.done = true
	if skipping {
		return nil, 1, nil
	}
	out, err := s.newBlock(1)
	if err != nil {
		return nil, 0, err
	}
	for i, v := range s.inherited {
		if !v.IsEmpty() {
			out.Set(0, s.whitelist[i], v.View())
		}
	}
	return out, 0, nil
}

func (s *Singleton) Shutdown(err error) error {
	s.release()
	return s.shutdown(err)
}

// NoResults is an always exhausted source.
type NoResults struct {
	base
}

// NewNoResults returns a block that produces no rows.
// The dependencies, if any, are never pulled.
func NewNoResults(q *Query, regs int, deps ...Block) *NoResults {
	return &NoResults{base: base{q: q, deps: deps, regs: RegisterInfo{Out: regs}}}
}

func (n *NoResults) Kind() Kind { return KindNoResults }

func (n *NoResults) InitializeCursor(items *ItemBlock, pos int) error {
	return n.initializeCursor(items, pos)
}

func (n *NoResults) GetOrSkipSome(int, int, bool) (*ItemBlock, int, error) {
	return nil, 0, nil
}

func (n *NoResults) Shutdown(err error) error { return n.shutdown(err) }
