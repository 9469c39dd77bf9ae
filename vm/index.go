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
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// Index produces the documents of a shard that
// match a condition, using one index per branch
// of the condition. Terms that depend on the
// input row are evaluated once per input row.
type Index struct {
	expander
	shard   string
	cond    *expr.Condition
	vars    map[int]int
	reverse bool

	env     rowEnv
	branch  int
	dry     bool
	cursors []storage.Cursor
	spliced storage.Condition
	fixed   []storage.Condition
	seen    map[string]struct{}
}

// NewIndex returns an Index over dep scanning shard
// with cond and writing each document into register out.
func NewIndex(q *Query, dep Block, regs RegisterInfo, shard string, cond *expr.Condition, vars map[int]int, out int, reverse bool) *Index {
	x := &Index{
		shard:   shard,
		cond:    cond,
		vars:    vars,
		reverse: reverse,
		cursors: make([]storage.Cursor, len(cond.Branches)),
	}
	x.expander = expander{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		src:  x,
		outs: []int{out},
	}
	if len(cond.Branches) > 1 {
		x.seen = make(map[string]struct{})
	}
	return x
}

func (x *Index) Kind() Kind { return KindIndex }

func (x *Index) start(blk *ItemBlock, row int) error {
	x.env = rowEnv{blk: blk, row: row, vars: x.vars}
	x.branch = -1
	return nil
}

// condition returns the storage condition of branch
// i for the current row.
func (x *Index) condition(i int) (storage.Condition, error) {
	if x.cond.Constant() {
		if x.fixed == nil {
			x.fixed = make([]storage.Condition, len(x.cond.Branches))
		}
		if x.fixed[i] == nil {
			c, err := x.cond.Splice(expr.NewContext(x.q.Heap), &x.env, i)
			if err != nil {
				return nil, err
			}
			x.fixed[i] = c
		}
		return x.fixed[i], nil
	}
	ctx, release, err := x.q.evalContext(x.cond.Heavy())
	if err != nil {
		return nil, err
	}
	defer release()
	c, err := x.cond.Splice(ctx, &x.env, i)
	if err != nil {
		return nil, err
	}
	x.spliced = c
	return c, nil
}

// open positions the cursor of branch i
// on the documents of the current row.
func (x *Index) open(i int) error {
	expr.Release(x.spliced)
	x.spliced = nil
	cond, err := x.condition(i)
	if err != nil {
		return err
	}
	if cur := x.cursors[i]; cur != nil {
		if r, ok := cur.(storage.Rearmable); ok {
			return r.Rearm(x.q.Context, cond)
		}
		cur.Close()
		x.cursors[i] = nil
	}
	idx := x.cond.Branches[i].Index
	cur, err := x.q.Storage.OpenCursor(x.q.Context, x.shard, &idx, cond, storage.CursorOptions{
		BatchSize: x.batch(),
		Reverse:   x.reverse,
	})
	if err != nil {
		return err
	}
	x.cursors[i] = cur
	return nil
}

func (x *Index) next(n int) ([]value.Value, error) {
	for {
		if x.branch < 0 || x.dry || !x.cursors[x.branch].HasMore() {
			if x.branch+1 >= len(x.cond.Branches) {
				return nil, nil
			}
			x.branch++
			x.dry = false
			if err := x.open(x.branch); err != nil {
				return nil, err
			}
			continue
		}
		docs, err := x.cursors[x.branch].Next(n)
		if err != nil {
			return nil, err
		}
		x.q.Stats.scannedIndex(len(docs))
		x.dry = len(docs) == 0
		last := x.branch == len(x.cond.Branches)-1
		vals := make([]value.Value, 0, len(docs))
		for _, d := range docs {
			if x.seen != nil {
				if _, dup := x.seen[d.Key]; dup {
					continue
				}
				if !last {
					x.seen[d.Key] = struct{}{}
				}
			}
			vals = append(vals, value.NewExternal(d))
		}
		if len(vals) > 0 {
			return vals, nil
		}
	}
}

func (x *Index) stop() {
	expr.Release(x.spliced)
	x.spliced = nil
	for k := range x.seen {
		delete(x.seen, k)
	}
	x.env = rowEnv{}
}

func (x *Index) Shutdown(err error) error {
	for i, cur := range x.cursors {
		if cur != nil {
			cur.Close()
			x.cursors[i] = nil
		}
	}
	for _, c := range x.fixed {
		expr.Release(c)
	}
	x.fixed = nil
	return x.expander.Shutdown(err)
}
