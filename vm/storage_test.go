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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/storage/memstore"
	"github.com/SnellerInc/shardql/value"
)

func newStore(t *testing.T, collection, shard string, docs ...map[string]any) *memstore.Store {
	s := memstore.New(nil)
	fill(t, s, collection, shard, docs...)
	return s
}

func fill(t *testing.T, s *memstore.Store, collection, shard string, docs ...map[string]any) {
	s.CreateShard(collection, shard)
	for _, d := range docs {
		v := value.From(d)
		_, err := s.Insert(context.Background(), shard, v, storage.WriteOptions{})
		v.Destroy()
		require.NoError(t, err)
	}
}

func numbered(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"_key": fmt.Sprintf("k%d", i), "v": i}
	}
	return out
}

// pluck drains b and returns attribute attr
// of register reg in every row.
func pluck(t *testing.T, b Block, reg int, attr string) []string {
	require.NoError(t, b.InitializeCursor(nil, 0))
	var out []string
	for {
		blk, err := GetSome(b, 4, 4)
		require.NoError(t, err)
		if blk == nil {
			return out
		}
		for row := 0; row < blk.Rows(); row++ {
			out = append(out, blk.Get(row, reg).Get(attr).String())
		}
		blk.Destroy()
	}
}

func quoted(strs ...string) []string {
	out := make([]string, len(strs))
	for i := range strs {
		out[i] = fmt.Sprintf("%q", strs[i])
	}
	return out
}

func modifyOpts(shard string) ModifyOptions {
	return ModifyOptions{Shard: shard, Doc: -1, Key: -1, Update: -1, Old: -1, New: -1}
}

func TestInsertIgnoreErrors(t *testing.T) {
	f := newFixture(t, 10)
	st := newStore(t, "c", "s1")
	f.q.Storage = st
	src := f.source(3,
		map[string]any{"_key": "a", "v": 1},
		map[string]any{"_key": "a", "v": 2},
		map[string]any{"_key": "b", "v": 3})
	opts := modifyOpts("s1")
	opts.Doc, opts.New, opts.IgnoreErrors = 1, 2, true
	m, err := NewModify(f.q, KindInsert, src, RegisterInfo{In: 3, Out: 3, Keep: []int{1}}, opts)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "3"}, pluck(t, m, 2, "v"))
	require.Equal(t, int64(2), f.q.Stats.WritesExecuted)
	require.Equal(t, int64(1), f.q.Stats.WritesIgnored)
	require.Equal(t, 2, st.Count("s1"))
	f.finish(m)
}

func TestInsertConflict(t *testing.T) {
	f := newFixture(t, 10)
	f.q.Storage = newStore(t, "c", "s1", map[string]any{"_key": "a"})
	opts := modifyOpts("s1")
	opts.Doc = 1
	m, err := NewModify(f.q, KindInsert, f.source(2, map[string]any{"_key": "a"}), RegisterInfo{In: 2, Out: 2}, opts)
	require.NoError(t, err)
	require.NoError(t, m.InitializeCursor(nil, 0))
	_, err = GetSome(m, 10, 10)
	require.Error(t, err)
	require.Equal(t, errcode.UniqueConstraint, errcode.CodeOf(err))
	f.finish(m)
}

func TestRemoveIgnoreMissing(t *testing.T) {
	for _, complete := range []bool{false, true} {
		f := newFixture(t, 10)
		st := newStore(t, "c", "s1", map[string]any{"_key": "a"}, map[string]any{"_key": "b"})
		f.q.Storage = st
		opts := modifyOpts("s1")
		opts.Key, opts.Old = 1, 2
		opts.IgnoreDocumentNotFound = true
		opts.ReadCompleteInput = complete
		m, err := NewModify(f.q, KindRemove, f.source(3, "a", "x", "b"), RegisterInfo{In: 3, Out: 3}, opts)
		require.NoError(t, err)
		require.Equal(t, quoted("a", "b"), pluck(t, m, 2, "_key"))
		require.Zero(t, st.Count("s1"))
		require.Equal(t, int64(1), f.q.Stats.WritesIgnored)
		f.finish(m)
	}
}

func TestUpdateShardKey(t *testing.T) {
	run := func(patch map[string]any) error {
		f := newFixture(t, 10)
		f.q.Storage = newStore(t, "c", "s1", map[string]any{"_key": "a", "region": "eu", "v": 1})
		f.q.DataNode = true
		opts := modifyOpts("s1")
		opts.Doc = 1
		opts.ShardKeys = []string{"region"}
		m, err := NewModify(f.q, KindUpdate, f.source(2, patch), RegisterInfo{In: 2, Out: 2}, opts)
		require.NoError(t, err)
		require.NoError(t, m.InitializeCursor(nil, 0))
		blk, err := GetSome(m, 10, 10)
		blk.Destroy()
		f.finish(m)
		return err
	}
	require.NoError(t, run(map[string]any{"_key": "a", "v": 2}))
	require.NoError(t, run(map[string]any{"_key": "a", "region": "eu"}))
	err := run(map[string]any{"_key": "a", "region": "us"})
	require.Error(t, err)
	require.Equal(t, errcode.ShardKeyChange, errcode.CodeOf(err))
}

func TestUpsert(t *testing.T) {
	f := newFixture(t, 10)
	st := newStore(t, "c", "s1", map[string]any{"_key": "a", "n": 1})
	f.q.Storage = st
	src := f.source(5,
		map[string]any{"_key": "a", "look": map[string]any{"_key": "a"}, "upd": map[string]any{"n": 5}},
		map[string]any{"_key": "z", "look": map[string]any{"_key": "z"}, "upd": map[string]any{"n": 9}})
	ri := RegisterInfo{In: 5, Out: 5}
	vars := map[int]int{7: 1}
	look := NewCalculation(f.q, src, ri, &expr.Attr{Of: &expr.Var{ID: 7}, Name: "look"}, 2, vars)
	upd := NewCalculation(f.q, look, ri, &expr.Attr{Of: &expr.Var{ID: 7}, Name: "upd"}, 3, vars)
	opts := modifyOpts("s1")
	opts.Doc, opts.Key, opts.Update, opts.New = 1, 2, 3, 4
	m, err := NewModify(f.q, KindUpsert, upd, ri, opts)
	require.NoError(t, err)
	require.Equal(t, quoted("a", "z"), pluck(t, m, 4, "_key"))
	require.Equal(t, int64(2), f.q.Stats.WritesExecuted)

	ctx := context.Background()
	a, err := st.Read(ctx, "s1", "a")
	require.NoError(t, err)
	require.Equal(t, "5", a.Get("n").String())
	z, err := st.Read(ctx, "s1", "z")
	require.NoError(t, err)
	require.True(t, z.Has("upd"))
	f.finish(m)
}

func TestModifyStructure(t *testing.T) {
	f := newFixture(t, 10)
	_, err := NewModify(f.q, KindInsert, f.source(2), RegisterInfo{In: 2, Out: 2}, modifyOpts("s1"))
	require.Equal(t, errcode.PlanStructure, errcode.CodeOf(err))
	opts := modifyOpts("s1")
	opts.Doc = 1
	_, err = NewModify(f.q, KindUpsert, f.source(2), RegisterInfo{In: 2, Out: 2}, opts)
	require.Equal(t, errcode.PlanStructure, errcode.CodeOf(err))
	_, err = NewModify(f.q, KindSort, f.source(2), RegisterInfo{In: 2, Out: 2}, opts)
	require.Equal(t, errcode.PlanStructure, errcode.CodeOf(err))
}

func TestEnumerateCollection(t *testing.T) {
	f := newFixture(t, 3)
	f.q.Storage = newStore(t, "c", "s1", numbered(10)...)
	b := NewEnumerateCollection(f.q, NewSingleton(f.q, 1, nil), RegisterInfo{In: 1, Out: 1}, "s1", 0, true)
	want := quoted("k9", "k8", "k7", "k6", "k5", "k4", "k3", "k2", "k1", "k0")
	require.Equal(t, want, pluck(t, b, 0, "_key"))
	require.Equal(t, want, pluck(t, b, 0, "_key"))
	require.Equal(t, int64(20), f.q.Stats.ScannedFull)
	f.finish(b)
}

func byV() storage.Index {
	return storage.Index{Name: "byV", Type: storage.Persistent, Fields: []string{"v"}}
}

func term(op storage.Op, n expr.Node) expr.Term {
	return expr.Term{Attribute: "v", Op: op, Value: n}
}

func num(i int64) expr.Node { return &expr.Const{Value: value.NewInt(i)} }

func TestIndexBranches(t *testing.T) {
	f := newFixture(t, 4)
	st := newStore(t, "c", "s1", numbered(10)...)
	require.NoError(t, st.EnsureIndex("s1", byV()))
	f.q.Storage = st
	cond := &expr.Condition{Branches: []expr.Branch{
		{Index: byV(), Terms: []expr.Term{term(storage.LT, num(4))}},
		{Index: byV(), Terms: []expr.Term{term(storage.GE, num(2)), term(storage.LT, num(6))}},
	}}
	b := NewIndex(f.q, NewSingleton(f.q, 1, nil), RegisterInfo{In: 1, Out: 1}, "s1", cond, nil, 0, false)
	require.Equal(t, []string{"0", "1", "2", "3", "4", "5"}, pluck(t, b, 0, "v"))
	require.Equal(t, int64(8), f.q.Stats.ScannedIndex)
	f.finish(b)
}

func TestIndexPerRow(t *testing.T) {
	f := newFixture(t, 4)
	st := newStore(t, "c", "s1", numbered(10)...)
	require.NoError(t, st.EnsureIndex("s1", byV()))
	f.q.Storage = st
	cond := &expr.Condition{Branches: []expr.Branch{
		{Index: byV(), Terms: []expr.Term{term(storage.EQ, &expr.Var{ID: 7, Name: "x"})}},
	}}
	b := NewIndex(f.q, f.source(3, 3, 11, 7), RegisterInfo{In: 3, Out: 3, Keep: []int{1}}, "s1", cond, map[int]int{7: 1}, 2, false)
	rows := drain(t, b, 4, 4, 1)
	require.Equal(t, [][]string{{"3"}, {"7"}}, rows)
	f.finish(b)
}

func TestTraversal(t *testing.T) {
	f := newFixture(t, 2)
	st := newStore(t, "v", "v",
		map[string]any{"_key": "a"}, map[string]any{"_key": "b"},
		map[string]any{"_key": "c"}, map[string]any{"_key": "d"})
	fill(t, st, "e", "e",
		map[string]any{"_key": "e1", "_from": "v/a", "_to": "v/b"},
		map[string]any{"_key": "e2", "_from": "v/b", "_to": "v/c"},
		map[string]any{"_key": "e3", "_from": "v/a", "_to": "v/d"},
		map[string]any{"_key": "e4", "_from": "v/c", "_to": "v/a"})
	f.q.Storage = st
	opts := TraversalOptions{
		In: 1, Vertex: 2, Edge: -1, Path: 3,
		MinDepth: 1, MaxDepth: 3,
		Direction:    storage.Outbound,
		EdgeShards:   []string{"e"},
		VertexShards: map[string][]string{"v": {"v"}},
	}
	b, err := NewTraversal(f.q, f.source(4, "v/a"), RegisterInfo{In: 4, Out: 4}, opts)
	require.NoError(t, err)
	require.NoError(t, b.InitializeCursor(nil, 0))
	var verts []string
	var lens [][2]int
	for {
		blk, err := GetSome(b, 2, 2)
		require.NoError(t, err)
		if blk == nil {
			break
		}
		for row := 0; row < blk.Rows(); row++ {
			verts = append(verts, blk.Get(row, 2).Get("_key").Str())
			p := blk.Get(row, 3)
			lens = append(lens, [2]int{p.Get("vertices").Len(), p.Get("edges").Len()})
		}
		blk.Destroy()
	}
	require.Equal(t, []string{"b", "d", "c"}, verts)
	require.Equal(t, [][2]int{{2, 1}, {2, 1}, {3, 2}}, lens)
	f.finish(b)

	f = newFixture(t, 2)
	_, err = NewTraversal(f.q, f.source(4), RegisterInfo{In: 4, Out: 4}, opts)
	require.Equal(t, errcode.NotImplemented, errcode.CodeOf(err))
}
