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

type limitState int

const (
	beforeOffset limitState = iota
	counting
	limitDone
)

// Limit skips offset rows and then passes at
// most limit rows. With full count enabled it
// drains its input after the limit is reached
// and adds the total number of input rows to
// the query's full count.
type Limit struct {
	base
	offset, limit int
	fullCount     bool

	state    limitState
	produced int
	seen     int64
}

// NewLimit returns a Limit over dep.
func NewLimit(q *Query, dep Block, regs RegisterInfo, offset, limit int, fullCount bool) *Limit {
	return &Limit{
		base:      base{q: q, deps: []Block{dep}, regs: regs},
		offset:    offset,
		limit:     limit,
		fullCount: fullCount,
	}
}

func (l *Limit) Kind() Kind { return KindLimit }

func (l *Limit) InitializeCursor(items *ItemBlock, pos int) error {
	l.state = beforeOffset
	l.produced = 0
	l.seen = 0
	return l.initializeCursor(items, pos)
}

func (l *Limit) skipOffset() error {
	for int(l.seen) < l.offset {
		n := l.offset - int(l.seen)
		skipped, err := SkipSome(l.dep(), n, n)
		if err != nil {
			return err
		}
		if skipped == 0 {
			break
		}
		l.seen += int64(skipped)
	}
	return nil
}

// finish moves to the terminal state,
// draining the input if required.
func (l *Limit) finish(drain bool) error {
	if drain && l.fullCount {
		for {
			if err := l.q.Check(); err != nil {
				return err
			}
			n, err := SkipSome(l.dep(), l.batch(), l.batch())
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			l.seen += int64(n)
		}
	}
	if l.fullCount {
		l.q.Stats.fullCount(l.seen)
	}
	l.state = limitDone
	return nil
}

func (l *Limit) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if l.state == beforeOffset {
		if err := l.skipOffset(); err != nil {
			return nil, 0, err
		}
		l.state = counting
	}
	if l.state == limitDone {
		return nil, 0, nil
	}
	if l.produced >= l.limit {
		return nil, 0, l.finish(true)
	}
	atMost = min(atMost, l.limit-l.produced)
	atLeast = min(atLeast, atMost)
	blk, skipped, err := l.dep().GetOrSkipSome(atLeast, atMost, skipping)
	if err != nil {
		return nil, 0, err
	}
	n := skipped
	if blk != nil {
		n = blk.Rows()
	}
	l.produced += n
	l.seen += int64(n)
	switch {
	case n == 0:
		err = l.finish(false)
	case l.produced >= l.limit:
		err = l.finish(true)
	}
	if err != nil {
		blk.Destroy()
		return nil, 0, err
	}
	if n == 0 {
		blk.Destroy()
		return nil, 0, nil
	}
	if blk != nil {
		l.clearRegisters(blk)
	}
	return blk, skipped, nil
}

func (l *Limit) Shutdown(err error) error { return l.shutdown(err) }
