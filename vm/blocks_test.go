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
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/sorting"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

func strs(lo, hi int) []string {
	var out []string
	if lo <= hi {
		for i := lo; i <= hi; i++ {
			out = append(out, strconv.Itoa(i))
		}
		return out
	}
	for i := lo; i >= hi; i-- {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

func greater(q *Query, dep Block, width, reg, out int, than int64) Block {
	cmp := &expr.Compare{
		Op:    storage.GT,
		Left:  &expr.Var{ID: 7, Name: "x"},
		Right: &expr.Const{Value: value.NewInt(than)},
	}
	ri := RegisterInfo{In: width, Out: width}
	return NewCalculation(q, dep, ri, cmp, out, map[int]int{7: reg})
}

func TestBatchContract(t *testing.T) {
	pipelines := []struct {
		name  string
		build func(f *fixture) Block
		want  []string
	}{
		{
			name:  "enumerate",
			build: func(f *fixture) Block { return f.source(2, ints(23)...) },
			want:  strs(0, 22),
		},
		{
			name: "filter",
			build: func(f *fixture) Block {
				calc := greater(f.q, f.source(3, ints(23)...), 3, 1, 2, 10)
				return NewFilter(f.q, calc, RegisterInfo{In: 3, Out: 3}, 2)
			},
			want: strs(11, 22),
		},
		{
			name: "sort",
			build: func(f *fixture) Block {
				keys := []sorting.Key{{Register: 1, Direction: sorting.Descending}}
				return NewSort(f.q, f.source(2, ints(23)...), RegisterInfo{In: 2, Out: 2}, keys, false)
			},
			want: strs(22, 0),
		},
		{
			name: "limit",
			build: func(f *fixture) Block {
				return NewLimit(f.q, f.source(2, ints(23)...), RegisterInfo{In: 2, Out: 2}, 3, 12, false)
			},
			want: strs(3, 14),
		},
	}
	sizes := [][2]int{{1, 1}, {1, 5}, {3, 7}, {7, 7}, {10, 100}}
	for _, p := range pipelines {
		p := p
		for _, sz := range sizes {
			sz := sz
			t.Run(p.name+"/"+strconv.Itoa(sz[0])+"-"+strconv.Itoa(sz[1]), func(t *testing.T) {
				f := newFixture(t, 4)
				b := p.build(f)
				require.Equal(t, p.want, column(t, b, sz[0], sz[1], 1))
				f.finish(b)
			})
		}
	}
}

func TestSkipSome(t *testing.T) {
	f := newFixture(t, 4)
	calc := greater(f.q, f.source(3, ints(20)...), 3, 1, 2, 4)
	b := NewFilter(f.q, calc, RegisterInfo{In: 3, Out: 3}, 2)
	require.NoError(t, b.InitializeCursor(nil, 0))
	n, err := SkipSome(b, 5, 5)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	blk, err := GetSome(b, 3, 3)
	require.NoError(t, err)
	require.Equal(t, "10", blk.Get(0, 1).String())
	blk.Destroy()
	total := 0
	for {
		n, err := SkipSome(b, 100, 100)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.Equal(t, 7, total)
	require.EqualValues(t, 5, f.q.Stats.Filtered)
	f.finish(b)
}

func TestFilterIdempotent(t *testing.T) {
	f := newFixture(t, 3)
	items := []any{5, 1, 12, 7, 3, 30, 11, 2}
	calc := greater(f.q, f.source(3, items...), 3, 1, 2, 4)
	b := NewFilter(f.q, calc, RegisterInfo{In: 3, Out: 3}, 2)
	first := column(t, b, 1, 4, 1)
	second := column(t, b, 1, 4, 1)
	require.Equal(t, []string{"5", "12", "7", "30", "11"}, first)
	require.Equal(t, first, second)
	f.finish(b)
}

func TestLimitFullCount(t *testing.T) {
	f := newFixture(t, 3)
	src := f.source(3, ints(10)...)
	seen := greater(f.q, src, 3, 1, 2, -1)
	b := NewLimit(f.q, seen, RegisterInfo{In: 3, Out: 3}, 2, 2, true)
	require.Equal(t, []string{"2", "3"}, column(t, b, 1, 10, 1))
	require.EqualValues(t, 10, f.q.Stats.FullCount)
	require.True(t, src.(*EnumerateList).exhausted)
	f.finish(b)
}

func TestLimitSkipClears(t *testing.T) {
	f := newFixture(t, 4)
	b := NewLimit(f.q, f.source(2, ints(10)...), RegisterInfo{In: 2, Out: 2, Clear: []int{0}}, 0, 5, false)
	require.NoError(t, b.InitializeCursor(nil, 0))
	n, err := SkipSome(b, 3, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	blk, err := GetSome(b, 5, 5)
	require.NoError(t, err)
	require.Equal(t, 2, blk.Rows())
	require.Equal(t, "3", blk.Get(0, 1).String())
	blk.Destroy()
	blk, err = GetSome(b, 5, 5)
	require.NoError(t, err)
	require.Nil(t, blk)
	f.finish(b)

	// counting skips through the limit
	f = newFixture(t, 3)
	lim := NewLimit(f.q, f.source(2, ints(7)...), RegisterInfo{In: 2, Out: 2, Clear: []int{1}}, 1, 3, false)
	c := NewCountCollect(f.q, lim, RegisterInfo{In: 2, Out: 3}, 2)
	require.Equal(t, []string{"3"}, column(t, c, 1, 10, 2))
	f.finish(c)

	f = newFixture(t, 4)
	lim = NewLimit(f.q, f.source(2, ints(10)...), RegisterInfo{In: 2, Out: 2, Clear: []int{0}}, 2, 4, false)
	e := NewEngine("e", f.q, lim, 1)
	require.NoError(t, e.InitializeCursor())
	blk, skipped, done, err := e.Execute(3, 2)
	require.NoError(t, err)
	require.Equal(t, 3, skipped)
	require.True(t, done)
	require.Equal(t, 1, blk.Rows())
	require.Equal(t, "5", blk.Get(0, 1).String())
	blk.Destroy()
	_, err = e.Shutdown(nil)
	require.NoError(t, err)
	f.finish(lim)
}

func TestEmptyRequest(t *testing.T) {
	f := newFixture(t, 4)
	s := NewSingleton(f.q, 1, nil)
	require.NoError(t, s.InitializeCursor(nil, 0))
	_, err := GetSome(s, 0, 0)
	require.True(t, errcode.Is(err, errcode.BadParameter), "%v", err)
	// the row is still there
	blk, err := GetSome(s, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 1, blk.Rows())
	blk.Destroy()
	f.finish(s)

	f = newFixture(t, 4)
	c := NewCountCollect(f.q, f.source(2, ints(3)...), RegisterInfo{In: 2, Out: 3}, 2)
	require.NoError(t, c.InitializeCursor(nil, 0))
	_, err = SkipSome(c, 0, 0)
	require.True(t, errcode.Is(err, errcode.BadParameter), "%v", err)
	require.Equal(t, []string{"3"}, column(t, c, 1, 1, 2))
	f.finish(c)
}

func TestSortStable(t *testing.T) {
	f := newFixture(t, 2)
	items := []any{
		map[string]any{"k": 2, "i": 0},
		map[string]any{"k": 1, "i": 1},
		map[string]any{"k": 2, "i": 2},
		map[string]any{"k": 1, "i": 3},
		map[string]any{"k": 0, "i": 4},
	}
	src := f.source(3, items...)
	key := NewCalculation(f.q, src, RegisterInfo{In: 3, Out: 3},
		&expr.Attr{Of: &expr.Var{ID: 1, Name: "doc"}, Name: "k"}, 2, map[int]int{1: 1})
	b := NewSort(f.q, key, RegisterInfo{In: 3, Out: 3},
		[]sorting.Key{{Register: 2, Direction: sorting.Ascending}}, true)
	var order []string
	for _, r := range drain(t, b, 1, 10, 1) {
		v, err := value.FromJSON([]byte(r[0]))
		require.NoError(t, err)
		order = append(order, v.Get("i").String())
		v.Destroy()
	}
	require.Equal(t, []string{"4", "1", "3", "0", "2"}, order)
	f.finish(b)
}

func TestSortSharedValues(t *testing.T) {
	f := newFixture(t, 2)
	blk, err := f.q.Blocks.Request(4, 2)
	require.NoError(t, err)
	for row, k := range []int64{3, 1, 2, 0} {
		blk.Set(row, 0, value.NewInt(k))
	}
	blk.Set(0, 1, f.q.Heap.String("a value shared by two rows"))
	blk.CopyValuesFromRow(3, 0, []int{1})
	blk.Set(1, 1, f.q.Heap.String("a value owned by a single row"))
	b := NewSort(f.q, newStatic(f.q, blk), RegisterInfo{In: 2, Out: 2},
		[]sorting.Key{{Register: 0, Direction: sorting.Ascending}}, false)
	rows := drain(t, b, 2, 2, 0, 1)
	require.Equal(t, [][]string{
		{"0", `"a value shared by two rows"`},
		{"1", `"a value owned by a single row"`},
		{"2", "null"},
		{"3", `"a value shared by two rows"`},
	}, rows)
	f.finish(b)
}

func TestSortedCollect(t *testing.T) {
	f := newFixture(t, 4)
	src := f.source(4, 1, 1, 2, 2, 2, 3)
	b := NewSortedCollect(f.q, src, RegisterInfo{In: 2, Out: 4}, CollectOptions{
		Groups:   []GroupRegister{{In: 1, Out: 2}},
		Count:    3,
		Into:     -1,
		IntoExpr: -1,
	})
	require.Equal(t, [][]string{{"1", "2"}, {"2", "3"}, {"3", "1"}}, drain(t, b, 1, 10, 2, 3))
	require.Equal(t, [][]string{{"1", "2"}, {"2", "3"}, {"3", "1"}}, drain(t, b, 1, 1, 2, 3))
	f.finish(b)
}

func TestSortedCollectInto(t *testing.T) {
	f := newFixture(t, 4)
	items := []any{
		map[string]any{"g": "a", "v": 1},
		map[string]any{"g": "a", "v": 2},
		map[string]any{"g": "b", "v": 3},
	}
	src := f.source(3, items...)
	g := NewCalculation(f.q, src, RegisterInfo{In: 3, Out: 3},
		&expr.Attr{Of: &expr.Var{ID: 1, Name: "doc"}, Name: "g"}, 2, map[int]int{1: 1})
	length := MustAggregate("LENGTH")
	b := NewSortedCollect(f.q, g, RegisterInfo{In: 3, Out: 6}, CollectOptions{
		Groups:     []GroupRegister{{In: 2, Out: 3}},
		Aggregates: []Aggregate{{Func: length, In: -1, Out: 4}},
		Count:      -1,
		Into:       5,
		IntoExpr:   -1,
		Keep:       []KeepVariable{{Name: "g", Reg: 2}},
	})
	require.Equal(t, [][]string{
		{`"a"`, "2", `[{"g":"a"},{"g":"a"}]`},
		{`"b"`, "1", `[{"g":"b"}]`},
	}, drain(t, b, 1, 10, 3, 4, 5))
	f.finish(b)
}

func TestTotalAggregation(t *testing.T) {
	f := newFixture(t, 4)
	length, sum := MustAggregate("LENGTH"), MustAggregate("SUM")
	opts := CollectOptions{
		Aggregates: []Aggregate{{Func: length, In: -1, Out: 2}, {Func: sum, In: 1, Out: 3}},
		Count:      -1,
		Into:       -1,
		IntoExpr:   -1,
	}
	b := NewSortedCollect(f.q, f.source(2), RegisterInfo{In: 2, Out: 4}, opts)
	require.Equal(t, [][]string{{"0", "0"}}, drain(t, b, 1, 10, 2, 3))
	f.finish(b)

	f = newFixture(t, 4)
	h, err := NewHashedCollect(f.q, f.source(2, 4, 5, 6), RegisterInfo{In: 2, Out: 4}, opts)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"3", "15"}}, drain(t, h, 1, 10, 2, 3))
	f.finish(h)
}

func TestHashedCollect(t *testing.T) {
	f := newFixture(t, 4)
	src := f.source(4, 1, 2, 1, 3, 2, 1)
	b, err := NewHashedCollect(f.q, src, RegisterInfo{In: 2, Out: 4}, CollectOptions{
		Groups:   []GroupRegister{{In: 1, Out: 2}},
		Count:    3,
		Into:     -1,
		IntoExpr: -1,
	})
	require.NoError(t, err)
	got := make(map[string]string)
	for _, r := range drain(t, b, 1, 2, 2, 3) {
		got[r[0]] = r[1]
	}
	require.Equal(t, map[string]string{"1": "3", "2": "2", "3": "1"}, got)
	f.finish(b)

	_, err = NewHashedCollect(f.q, src, RegisterInfo{In: 2, Out: 4}, CollectOptions{Into: 3})
	require.Error(t, err)
}

func TestAggregates(t *testing.T) {
	c := &value.Counter{}
	h := value.With(c)
	input := []value.Value{
		value.NewInt(3), value.NullValue(), value.NewInt(1),
		h.String("a long string used as an aggregate input"), value.NewInt(3),
	}
	run := func(name string) string {
		a := MustAggregate(name)(h)
		for _, v := range input {
			require.NoError(t, a.Reduce(v))
		}
		v := a.Steal()
		defer v.Destroy()
		return v.String()
	}
	require.Equal(t, "5", run("LENGTH"))
	require.Equal(t, "null", run("SUM"))
	require.Equal(t, "1", run("MIN"))
	require.Equal(t, `"a long string used as an aggregate input"`, run("MAX"))
	require.Equal(t, `[3,1,"a long string used as an aggregate input"]`, run("UNIQUE"))
	require.Equal(t, "3", run("COUNT_DISTINCT"))
	require.Equal(t, `[3,null,1,"a long string used as an aggregate input",3]`, run("PUSH"))
	for i := range input {
		input[i].Destroy()
	}
	require.True(t, c.Balanced())

	_, err := LookupAggregate("MEDIAN")
	require.Error(t, err)
}

func TestCountCollect(t *testing.T) {
	f := newFixture(t, 3)
	b := NewCountCollect(f.q, f.source(2, ints(11)...), RegisterInfo{In: 2, Out: 3}, 2)
	require.Equal(t, []string{"11"}, column(t, b, 1, 10, 2))
	f.finish(b)
}

func TestReturn(t *testing.T) {
	f := newFixture(t, 3)
	src := f.source(2, "a string long enough to be allocated", 2, nil)
	b := NewReturn(f.q, src, RegisterInfo{In: 2, Out: 2}, 1, false)
	require.Equal(t, 0, b.Register())
	require.Equal(t, []string{`"a string long enough to be allocated"`, "2", "null"}, column(t, b, 1, 2, 0))
	f.finish(b)
}

func TestSubquery(t *testing.T) {
	f := newFixture(t, 4)
	outer := f.source(3, 1, 2, 3)
	inner := NewSingleton(f.q, 4, []int{1})
	pair := NewCalculation(f.q, inner, RegisterInfo{In: 4, Out: 4},
		&expr.Array{Elems: []expr.Node{&expr.Var{ID: 1, Name: "x"}, &expr.Var{ID: 1, Name: "x"}}},
		3, map[int]int{1: 1})
	each := NewEnumerateList(f.q, pair, RegisterInfo{In: 4, Out: 5}, 3, 4)
	ret := NewReturn(f.q, each, RegisterInfo{In: 5, Out: 5}, 4, false)
	b := NewSubquery(f.q, outer, ret, RegisterInfo{In: 3, Out: 3}, ret.Register(), 2)
	require.Equal(t, []string{"[1,1]", "[2,2]", "[3,3]"}, column(t, b, 1, 10, 2))
	f.finish(b)
}

func TestEnumerateListErrors(t *testing.T) {
	f := newFixture(t, 4)
	src := f.source(2, 1)
	b := NewEnumerateList(f.q, src, RegisterInfo{In: 2, Out: 3}, 1, 2)
	require.NoError(t, b.InitializeCursor(nil, 0))
	_, err := GetSome(b, 1, 10)
	require.Error(t, err)
	f.finish(b)
}

func TestGather(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		f := newFixture(t, 2)
		deps := []Block{f.source(2, 1, 4, 7), f.source(2, 2, 3, 9), f.source(2)}
		keys := []sorting.Key{{Register: 1, Direction: sorting.Ascending}}
		b := NewGather(f.q, deps, RegisterInfo{In: 2, Out: 2}, keys, parallel)
		require.Equal(t, []string{"1", "2", "3", "4", "7", "9"}, column(t, b, 1, 4, 1))
		f.finish(b)

		f = newFixture(t, 2)
		deps = []Block{f.source(2, 1, 4, 7), f.source(2, 2, 3, 9)}
		b = NewGather(f.q, deps, RegisterInfo{In: 2, Out: 2}, nil, parallel)
		got := column(t, b, 1, 3, 1)
		sort.Strings(got)
		require.Equal(t, []string{"1", "2", "3", "4", "7", "9"}, got)
		f.finish(b)
	}
}

func TestScatter(t *testing.T) {
	f := newFixture(t, 2)
	b := NewScatter(f.q, f.source(2, ints(5)...), RegisterInfo{In: 2, Out: 2}, []string{"s1", "s2"})
	require.NoError(t, b.InitializeCursor(nil, 0))
	read := func(shard string, n int) []string {
		blk, _, err := b.GetOrSkipSomeForShard(n, n, false, shard)
		require.NoError(t, err)
		if blk == nil {
			return nil
		}
		defer blk.Destroy()
		var out []string
		for row := 0; row < blk.Rows(); row++ {
			out = append(out, blk.Get(row, 1).String())
		}
		return out
	}
	require.Equal(t, []string{"0", "1", "2"}, read("s1", 3))
	require.Equal(t, []string{"0"}, read("s2", 1))
	require.Equal(t, []string{"3", "4"}, read("s1", 3))
	require.Nil(t, read("s1", 3))
	require.Equal(t, []string{"1", "2", "3", "4"}, read("s2", 10))
	require.False(t, b.Done())
	require.NoError(t, b.ShutdownForShard("s1", nil))
	require.NoError(t, b.ShutdownForShard("s2", nil))
	require.True(t, b.Done())
	_, _, err := b.GetOrSkipSomeForShard(1, 1, false, "s3")
	require.Error(t, err)
	f.finish(b)
}

func TestDistribute(t *testing.T) {
	f := newFixture(t, 3)
	shards := []string{"s1", "s2", "s3"}
	var items []any
	for i := 0; i < 12; i++ {
		items = append(items, map[string]any{"_key": "k" + strconv.Itoa(i)})
	}
	items = append(items, map[string]any{"v": 1})
	b := NewDistribute(f.q, f.source(2, items...), RegisterInfo{In: 2, Out: 2}, shards,
		DistributeOptions{Reg: 1, CreateKeys: true})
	require.NoError(t, b.InitializeCursor(nil, 0))
	total := 0
	for _, shard := range shards {
		for {
			blk, _, err := b.GetOrSkipSomeForShard(1, 2, false, shard)
			require.NoError(t, err)
			if blk == nil {
				break
			}
			for row := 0; row < blk.Rows(); row++ {
				doc := blk.Get(row, 1)
				require.True(t, doc.Has("_key"))
				require.Equal(t, shard, ShardFor(doc, []string{"_key"}, shards))
				require.Equal(t, shard, ShardFor(doc.Get("_key"), []string{"_key"}, shards))
				total++
			}
			blk.Destroy()
		}
	}
	require.Equal(t, 13, total)
	f.finish(b)
}
