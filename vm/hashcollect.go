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

// HashedCollect groups input in any order using a
// hash table keyed by the grouping registers.
// The order of the groups it produces is unspecified.
type HashedCollect struct {
	base
	opts CollectOptions

	table  map[uint64][]*group
	groups []*group
	next   int
	built  bool
	keys   []value.Value
}

// NewHashedCollect returns a HashedCollect over dep.
// INTO is not supported by the hashed algorithm.
func NewHashedCollect(q *Query, dep Block, regs RegisterInfo, opts CollectOptions) (*HashedCollect, error) {
	if opts.Into >= 0 {
		return nil, structural("hashed collect cannot produce INTO arrays")
	}
	return &HashedCollect{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		opts: opts,
	}, nil
}

func (c *HashedCollect) Kind() Kind { return KindHashedCollect }

// release walks the whole table and
// releases every remaining group.
func (c *HashedCollect) release() {
	for _, g := range c.groups {
		g.release()
	}
	c.groups = nil
	c.table = nil
	c.next = 0
	c.built = false
}

func (c *HashedCollect) lookup(hash uint64, blk *ItemBlock, row int) *group {
	for _, g := range c.table[hash] {
		if c.opts.matches(g, blk, row, c.q.compare) {
			return g
		}
	}
	return nil
}

func (c *HashedCollect) build() error {
	c.table = make(map[uint64][]*group)
	for {
		ok, err := c.fetch(c.batch())
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		blk := c.buffer[0]
		for row := 0; row < blk.Rows(); row++ {
			if err := c.q.Check(); err != nil {
				return err
			}
			c.keys = c.keys[:0]
			for _, gr := range c.opts.Groups {
				c.keys = append(c.keys, blk.Get(row, gr.In))
			}
			hash := value.HashTuple(c.keys)
			g := c.lookup(hash, blk, row)
			if g == nil {
				g = c.opts.newGroup(c.q.Heap, blk, row)
				c.table[hash] = append(c.table[hash], g)
				c.groups = append(c.groups, g)
			}
			if err := c.opts.add(c.q.Heap, g, blk, row); err != nil {
				return err
			}
		}
		c.pop()
	}
	if len(c.opts.Groups) == 0 && len(c.groups) == 0 {
		c.groups = append(c.groups, c.opts.newGroup(c.q.Heap, nil, 0))
	}
	c.built = true
	return nil
}

func (c *HashedCollect) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if !c.built {
		if err := c.build(); err != nil {
			c.release()
			return nil, 0, err
		}
	}
	n := min(atMost, len(c.groups)-c.next)
	if n <= 0 {
		return nil, 0, nil
	}
	chunk := c.groups[c.next : c.next+n]
	if skipping {
		for _, g := range chunk {
			g.release()
		}
		c.next += n
		return nil, n, nil
	}
	out, err := c.newBlock(n)
	if err != nil {
		return nil, 0, err
	}
	for i, g := range chunk {
		c.opts.emit(c.q.Heap, g, out, i)
		g.release()
	}
	c.next += n
	return out, 0, nil
}

func (c *HashedCollect) InitializeCursor(items *ItemBlock, pos int) error {
	c.release()
	return c.initializeCursor(items, pos)
}

func (c *HashedCollect) Shutdown(err error) error {
	c.release()
	return c.shutdown(err)
}
