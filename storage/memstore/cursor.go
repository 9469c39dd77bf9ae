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

package memstore

import (
	"context"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// cursor is a snapshot of the documents
// matching a condition at the time the
// cursor was opened or rearmed.
type cursor struct {
	store *Store
	shard string
	idx   *storage.Index
	opts  storage.CursorOptions
	docs  []*value.Document
	pos   int
}

// OpenCursor implements storage.Storage.OpenCursor
func (s *Store) OpenCursor(ctx context.Context, name string, idx *storage.Index, cond storage.Condition, opts storage.CursorOptions) (storage.Cursor, error) {
	c := &cursor{store: s, shard: name, idx: idx, opts: opts}
	if err := c.Rearm(ctx, cond); err != nil {
		return nil, err
	}
	return c, nil
}

// Rearm implements storage.Rearmable.Rearm
func (c *cursor) Rearm(ctx context.Context, cond storage.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.docs, c.pos = nil, 0
	s := c.store
	s.lock.RLock()
	defer s.lock.RUnlock()
	sh, err := s.shardLocked(c.shard)
	if err != nil {
		return err
	}
	if c.idx == nil || c.idx.Type == storage.Primary || c.idx.Type == storage.EdgeIndex {
		sh.docs.Ascend(func(d *value.Document) bool {
			if cond.Matches(d) {
				c.docs = append(c.docs, d)
			}
			return true
		})
	} else {
		var x *index
		for _, cand := range sh.indexes {
			if cand.def.Name == c.idx.Name {
				x = cand
				break
			}
		}
		if x == nil {
			return errcode.Newf(errcode.PlanStructure, "index %q not found on %s", c.idx.Name, c.shard)
		}
		c.scan(x, cond)
	}
	if c.opts.Reverse {
		for i, j := 0, len(c.docs)-1; i < j; i, j = i+1, j-1 {
			c.docs[i], c.docs[j] = c.docs[j], c.docs[i]
		}
	}
	return nil
}

// scan walks x starting at the lower bound
// of the first indexed field and stops once
// its upper bound is exceeded.
func (c *cursor) scan(x *index, cond storage.Condition) {
	first := x.def.Fields[0]
	var lower, upper *storage.Term
	for i := range cond {
		t := &cond[i]
		if t.Attribute != first {
			continue
		}
		switch t.Op {
		case storage.EQ:
			lower, upper = t, t
		case storage.GT, storage.GE:
			lower = t
		case storage.LT, storage.LE:
			upper = t
		}
	}
	visit := func(e entry) bool {
		if upper != nil {
			cmp := value.Compare(e.vals[0], upper.Value)
			if cmp > 0 || (cmp == 0 && upper.Op == storage.LT) {
				return false
			}
		}
		return true
	}
	collect := func(e entry) bool {
		if !visit(e) {
			return false
		}
		if cond.Matches(e.doc) {
			c.docs = append(c.docs, e.doc)
		}
		return true
	}
	if lower == nil {
		x.tree.Ascend(collect)
		return
	}
	pivot := entry{vals: make([]value.Value, len(x.def.Fields)), doc: &value.Document{}}
	pivot.vals[0] = lower.Value
	x.tree.AscendGreaterOrEqual(pivot, collect)
}

func (c *cursor) HasMore() bool { return c.pos < len(c.docs) }

func (c *cursor) Next(n int) ([]*value.Document, error) {
	if n <= 0 {
		n = c.opts.BatchSize
	}
	end := c.pos + n
	if end > len(c.docs) || n <= 0 {
		end = len(c.docs)
	}
	out := c.docs[c.pos:end]
	c.pos = end
	return out, nil
}

func (c *cursor) Close() error {
	c.docs = nil
	return nil
}
