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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/value"
)

const long = "a string that does not fit inline"

func TestOwnershipRoundTrip(t *testing.T) {
	c := &value.Counter{}
	h := value.With(c)
	mgr := NewBlockManager(0)
	b, err := mgr.Request(3, 2)
	require.NoError(t, err)

	s := h.String(long)
	b.Set(0, 0, s)
	b.Set(1, 0, s.View())
	b.Set(2, 1, h.Array(h.String(long), value.NewInt(1)))
	b.CopyValuesFromRow(2, 0, []int{0})

	stolen := b.Steal(2, 0)
	require.Equal(t, long, stolen.Str())
	stolen.Destroy()
	require.True(t, b.IsEmpty(2, 0))

	cp, err := b.Slice(0, 3)
	require.NoError(t, err)
	require.Equal(t, long, cp.Get(1, 0).Str())

	rows, err := cp.StealRows([]int{2, 0})
	require.NoError(t, err)
	require.Equal(t, 2, rows.Rows())
	require.Equal(t, 2, rows.Get(0, 1).Len())
	cp.Destroy()

	all, err := Concatenate(mgr, []*ItemBlock{b, rows})
	require.NoError(t, err)
	require.Equal(t, 5, all.Rows())
	all.EraseRow(4)
	all.ShrinkTo(2)
	all.Destroy()

	require.True(t, c.Balanced(), "allocs %d frees %d", c.Allocs(), c.Frees())
	require.Zero(t, mgr.Used())
	require.Positive(t, mgr.Peak())
}

func TestStealShared(t *testing.T) {
	c := &value.Counter{}
	h := value.With(c)
	mgr := NewBlockManager(0)
	b, err := mgr.Request(2, 1)
	require.NoError(t, err)
	b.Set(0, 0, h.String(long))
	b.CopyValuesFromRow(1, 0, []int{0})

	first := b.Steal(0, 0)
	second := b.Steal(1, 0)
	require.Equal(t, first.Str(), second.Str())
	require.Equal(t, 2, c.Allocs())
	first.Destroy()
	second.Destroy()
	b.Destroy()
	require.True(t, c.Balanced())
}

func TestItemBlockPanics(t *testing.T) {
	mgr := NewBlockManager(0)
	b, err := mgr.Request(1, 1)
	require.NoError(t, err)
	b.Set(0, 0, value.NewInt(1))
	require.Panics(t, func() { b.Set(0, 0, value.NewInt(2)) })
	require.Panics(t, func() { b.Get(1, 0) })
	require.Panics(t, func() { b.ShrinkTo(2) })
	b.Destroy()
}

func TestBlockManagerLimit(t *testing.T) {
	mgr := NewBlockManager(10 * slotSize)
	a, err := mgr.Request(2, 4)
	require.NoError(t, err)
	_, err = mgr.Request(1, 4)
	require.Error(t, err)
	require.Equal(t, errcode.ResourceLimit, errcode.CodeOf(err))
	a.Destroy()
	b, err := mgr.Request(2, 4)
	require.NoError(t, err)
	require.Same(t, a, b)
	b.Destroy()
	require.Zero(t, mgr.Used())
}

func TestWireRoundTrip(t *testing.T) {
	c := &value.Counter{}
	h := value.With(c)
	mgr := NewBlockManager(0)
	b, err := mgr.Request(2, 3)
	require.NoError(t, err)
	b.Set(0, 0, h.String(long))
	b.Set(0, 2, value.NewBool(true))
	b.Set(1, 1, h.From(map[string]any{"a": []any{1, "x"}}))

	w := EncodeBlock(b)
	out, err := DecodeBlock(mgr, h, w, 4)
	require.NoError(t, err)
	require.Equal(t, 4, out.Regs())
	for row := 0; row < 2; row++ {
		for reg := 0; reg < 3; reg++ {
			require.Equal(t, b.Get(row, reg).String(), out.Get(row, reg).String())
		}
	}
	require.True(t, out.IsEmpty(0, 1))
	b.Destroy()
	out.Destroy()
	require.True(t, c.Balanced())

	w.Vals = w.Vals[1:]
	_, err = DecodeBlock(mgr, h, w, 3)
	require.Error(t, err)
}
