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
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/value"
)

type fixture struct {
	t      *testing.T
	q      *Query
	alloc  *value.Counter
	consts []value.Value
}

func newFixture(t *testing.T, batch int) *fixture {
	c := &value.Counter{}
	q := NewQuery(context.Background(), "test", nil, Options{BatchSize: batch})
	q.Heap = value.With(c)
	return &fixture{t: t, q: q, alloc: c}
}

// source returns a block producing one row of
// width registers per item, holding the item
// in register 1.
func (f *fixture) source(width int, items ...any) Block {
	lst := f.q.Heap.From(items)
	f.consts = append(f.consts, lst)
	s := NewSingleton(f.q, 1, nil)
	c := NewCalculation(f.q, s, RegisterInfo{In: 1, Out: 1}, &expr.Const{Value: lst}, 0, nil)
	return NewEnumerateList(f.q, c, RegisterInfo{In: 1, Out: width}, 0, 1)
}

// finish shuts b down and checks that
// every payload was released.
func (f *fixture) finish(b Block) {
	require.NoError(f.t, b.Shutdown(nil))
	for i := range f.consts {
		f.consts[i].Destroy()
	}
	require.True(f.t, f.alloc.Balanced(), "allocs %d frees %d live %d",
		f.alloc.Allocs(), f.alloc.Frees(), f.alloc.Live())
}

func ints(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// drain initializes b and pulls every row,
// checking the batch size contract. It returns
// the JSON text of the given registers per row.
func drain(t *testing.T, b Block, atLeast, atMost int, regs ...int) [][]string {
	require.NoError(t, b.InitializeCursor(nil, 0))
	var out [][]string
	for {
		blk, err := GetSome(b, atLeast, atMost)
		require.NoError(t, err)
		if blk == nil {
			return out
		}
		require.LessOrEqual(t, blk.Rows(), atMost)
		for row := 0; row < blk.Rows(); row++ {
			r := make([]string, len(regs))
			for i, reg := range regs {
				r[i] = blk.Get(row, reg).String()
			}
			out = append(out, r)
		}
		short := blk.Rows() < atLeast
		blk.Destroy()
		if short {
			next, err := GetSome(b, atLeast, atMost)
			require.NoError(t, err)
			require.Nil(t, next, "short batch before exhaustion")
			return out
		}
	}
}

// column is drain for a single register.
func column(t *testing.T, b Block, atLeast, atMost, reg int) []string {
	var out []string
	for _, r := range drain(t, b, atLeast, atMost, reg) {
		out = append(out, r[0])
	}
	return out
}

// static is a source of prebuilt blocks.
type static struct {
	base
	blocks []*ItemBlock
}

func newStatic(q *Query, blocks ...*ItemBlock) *static {
	return &static{base: base{q: q}, blocks: blocks}
}

func (s *static) Kind() Kind { return KindNoResults }

func (s *static) InitializeCursor(*ItemBlock, int) error { return nil }

func (s *static) GetOrSkipSome(_, _ int, skipping bool) (*ItemBlock, int, error) {
	if len(s.blocks) == 0 {
		return nil, 0, nil
	}
	b := s.blocks[0]
	s.blocks = s.blocks[1:]
	if skipping {
		n := b.Rows()
		b.Destroy()
		return nil, n, nil
	}
	return b, 0, nil
}

func (s *static) Shutdown(err error) error {
	destroyAll(s.blocks)
	s.blocks = nil
	return s.shutdown(err)
}

// killer passes its dependency through and
// kills the query once after batches have
// been handed out.
type killer struct {
	base
	after int
}

func newKiller(q *Query, dep Block, after int) *killer {
	return &killer{base: base{q: q, deps: []Block{dep}}, after: after}
}

func (k *killer) Kind() Kind { return KindNoResults }

func (k *killer) InitializeCursor(items *ItemBlock, pos int) error {
	return k.initializeCursor(items, pos)
}

func (k *killer) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	blk, n, err := k.dep().GetOrSkipSome(atLeast, atMost, skipping)
	if err == nil && (blk != nil || n > 0) {
		k.after--
		if k.after == 0 {
			k.q.Kill()
		}
	}
	return blk, n, err
}

func (k *killer) Shutdown(err error) error { return k.shutdown(err) }
