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

package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/value"
	"github.com/SnellerInc/shardql/vm"
)

// subqueryPlan is
//
//	FOR x IN [1, 2, 3] RETURN (RETURN x * 10)
func subqueryPlan() *Node {
	sub := chain(
		&Node{ID: 5, Kind: vm.KindSingleton},
		&Node{ID: 6, Kind: vm.KindCalculation, Out: 3, Expr: &expr.Arith{Op: '*', Left: ref(2), Right: num(10)}},
		&Node{ID: 7, Kind: vm.KindReturn, In: 3},
	)
	return chain(
		&Node{ID: 1, Kind: vm.KindSingleton},
		&Node{ID: 2, Kind: vm.KindCalculation, Out: 1, Expr: &expr.Const{Value: value.From([]any{1, 2, 3})}},
		&Node{ID: 3, Kind: vm.KindEnumerateList, In: 1, Out: 2},
		&Node{ID: 4, Kind: vm.KindSubquery, Out: 4, Sub: sub},
		&Node{ID: 8, Kind: vm.KindReturn, In: 4},
	)
}

func TestPlanRegisters(t *testing.T) {
	rp, err := PlanRegisters(subqueryPlan())
	require.NoError(t, err)
	require.Equal(t, 4, rp.Width)
	for v := 1; v <= 4; v++ {
		r, ok := rp.Register(v)
		require.True(t, ok)
		require.Equal(t, v-1, r)
	}
	_, ok := rp.Register(9)
	require.False(t, ok)

	regs := func(id int) NodeRegisters {
		nr, ok := rp.Node(id)
		require.True(t, ok, "node %d", id)
		require.Equal(t, 4, nr.Regs.In)
		require.Equal(t, 4, nr.Regs.Out)
		return nr
	}
	// the nested plan reads x from the outer row
	require.Equal(t, []int{1}, regs(5).Whitelist)
	require.Empty(t, regs(1).Whitelist)
	// the list is not needed past the enumeration
	require.Empty(t, regs(3).Regs.Keep)
	require.Empty(t, regs(4).Regs.Clear)
	require.Equal(t, []int{1}, regs(8).Regs.Clear)

	require.Equal(t, 3, regs(4).Depth)
	require.Equal(t, 3, regs(5).Depth)
	require.Equal(t, 4, regs(6).Depth)
	require.Len(t, rp.Depths(), 5)

	require.Equal(t, []VarRegister{{1, 0}, {2, 1}, {3, 2}, {4, 3}}, rp.Vars())
	require.Panics(t, func() { rp.define(9, 1) })
}

func TestInstantiateSubquery(t *testing.T) {
	root := subqueryPlan()
	rp, err := PlanRegisters(root)
	require.NoError(t, err)
	q := vm.NewQuery(context.Background(), "test", nil, vm.Options{BatchSize: 2})
	blk, result, err := Instantiate(q, root, rp)
	require.NoError(t, err)
	require.Equal(t, 3, result)
	e := vm.NewEngine("e", q, blk, result)
	require.NoError(t, e.InitializeCursor())
	vals, err := e.All()
	require.NoError(t, err)
	_, err = e.Shutdown(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"[10]", "[20]", "[30]"}, strs(vals))
}

func TestInstantiateCountAfterLimit(t *testing.T) {
	// FOR x IN [1..7] LIMIT 1, 3 COLLECT WITH COUNT INTO n RETURN n
	root := chain(
		&Node{ID: 1, Kind: vm.KindSingleton},
		&Node{ID: 2, Kind: vm.KindCalculation, Out: 1, Expr: &expr.Const{Value: value.From([]any{1, 2, 3, 4, 5, 6, 7})}},
		&Node{ID: 3, Kind: vm.KindEnumerateList, In: 1, Out: 2},
		&Node{ID: 4, Kind: vm.KindLimit, Offset: 1, Limit: 3},
		&Node{ID: 5, Kind: vm.KindCountCollect, Out: 3},
		&Node{ID: 6, Kind: vm.KindReturn, In: 3},
	)
	rp, err := PlanRegisters(root)
	require.NoError(t, err)
	nr, ok := rp.Node(4)
	require.True(t, ok)
	require.NotEmpty(t, nr.Regs.Clear)

	q := vm.NewQuery(context.Background(), "test", nil, vm.Options{BatchSize: 2})
	blk, result, err := Instantiate(q, root, rp)
	require.NoError(t, err)
	e := vm.NewEngine("e", q, blk, result)
	require.NoError(t, e.InitializeCursor())
	vals, err := e.All()
	require.NoError(t, err)
	_, err = e.Shutdown(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, strs(vals))
}

func TestPlanRegistersErrors(t *testing.T) {
	// use of an undefined variable
	_, err := PlanRegisters(chain(
		&Node{ID: 1, Kind: vm.KindSingleton},
		&Node{ID: 2, Kind: vm.KindReturn, In: 7},
	))
	require.True(t, errcode.Is(err, errcode.VariableNotFound), "%v", err)

	// variables defined below a collect are hidden
	_, err = PlanRegisters(chain(
		&Node{ID: 1, Kind: vm.KindSingleton},
		&Node{ID: 2, Kind: vm.KindCalculation, Out: 1, Expr: num(1)},
		&Node{ID: 3, Kind: vm.KindCountCollect, Out: 2},
		&Node{ID: 4, Kind: vm.KindReturn, In: 1},
	))
	require.True(t, errcode.Is(err, errcode.VariableNotFound), "%v", err)

	// redefinition
	_, err = PlanRegisters(chain(
		&Node{ID: 1, Kind: vm.KindSingleton},
		&Node{ID: 2, Kind: vm.KindCalculation, Out: 1, Expr: num(1)},
		&Node{ID: 3, Kind: vm.KindCalculation, Out: 1, Expr: num(2)},
		&Node{ID: 4, Kind: vm.KindReturn, In: 1},
	))
	require.True(t, errcode.Is(err, errcode.PlanStructure), "%v", err)

	// duplicate node ids
	_, err = PlanRegisters(chain(
		&Node{ID: 1, Kind: vm.KindSingleton},
		&Node{ID: 1, Kind: vm.KindReturn},
	))
	require.True(t, errcode.Is(err, errcode.PlanStructure), "%v", err)
}
