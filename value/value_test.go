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

package value

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOwnership(t *testing.T) {
	var c Counter
	h := With(&c)

	long := h.String(strings.Repeat("x", 40))
	short := h.String("abc")
	require.True(t, long.Owned())
	require.False(t, short.Owned())
	require.Equal(t, 1, c.Allocs())

	arr := h.Array(long, short)
	require.Equal(t, 2, c.Allocs())

	view := arr.View()
	require.Equal(t, arr.Handle(), view.Handle())
	view.Destroy()
	require.Equal(t, 0, c.Frees(), "destroying a view releases nothing")

	cl := arr.Clone()
	require.NotEqual(t, arr.Handle(), cl.Handle())
	require.Equal(t, 4, c.Allocs())
	require.True(t, Equal(arr, cl))

	arr.Destroy()
	require.True(t, arr.IsEmpty())
	cl.Destroy()
	require.True(t, c.Balanced())
}

func TestArrayClonesViews(t *testing.T) {
	var c Counter
	h := With(&c)
	s := h.String(strings.Repeat("y", 20))
	arr := h.Array(s.View())
	require.Equal(t, 3, c.Allocs())
	s.Destroy()
	require.Equal(t, strings.Repeat("y", 20), arr.At(0).Str())
	arr.Destroy()
	require.True(t, c.Balanced())
}

func TestDoubleRelease(t *testing.T) {
	v := NewString(strings.Repeat("z", 30))
	alias := v
	v.Destroy()
	require.Panics(t, func() { alias.Destroy() })
}

func TestCompare(t *testing.T) {
	order := []Value{
		NullValue(),
		NewBool(false),
		NewBool(true),
		NewInt(-1),
		NewNumber(2.5),
		NewString(""),
		NewString("abc"),
		NewString(strings.Repeat("b", 30)),
		NewArray(),
		NewArray(NewInt(1)),
		NewArray(NewInt(1), NewInt(2)),
		NewArray(NewInt(2)),
		From(map[string]any{}),
		From(map[string]any{"a": 1}),
		From(map[string]any{"a": 2}),
	}
	for i := range order {
		for j := range order {
			c := Compare(order[i], order[j])
			switch {
			case i < j:
				require.Equal(t, -1, c, "%s vs %s", order[i], order[j])
			case i > j:
				require.Equal(t, 1, c, "%s vs %s", order[i], order[j])
			default:
				require.Equal(t, 0, c)
			}
		}
	}
}

func TestHashConsistent(t *testing.T) {
	a := From(map[string]any{"x": 1, "y": "two"})
	b, err := FromJSON([]byte(`{"y":"two","x":1,"z":null}`))
	require.NoError(t, err)
	require.True(t, Equal(a, b))
	require.Equal(t, Hash(a), Hash(b))
	require.Equal(t, Hash(NewNumber(0)), Hash(NewNumber(math.Copysign(0, -1))))
	require.NotEqual(t, HashTuple([]Value{NewInt(1), NewInt(2)}), HashTuple([]Value{NewInt(2), NewInt(1)}))
}

func TestDocumentDetach(t *testing.T) {
	var c Counter
	h := With(&c)
	body := h.Object([]string{"name"}, []Value{h.String("ada")})
	doc := &Document{Collection: "users", Key: "1", Rev: "_a", Body: body}
	ext := NewExternal(doc)
	require.Equal(t, "users/1", ext.Get("_id").Str())
	require.Equal(t, "ada", ext.Get("name").Str())

	before := c.Allocs()
	d := ext.Detach()
	require.Equal(t, Object, d.Kind())
	require.Greater(t, c.Allocs(), before)
	require.True(t, Equal(ext, d))
	d.Destroy()
	body.Destroy()
	require.True(t, c.Balanced())
}

func TestJSON(t *testing.T) {
	text := `{"b":[1,true,null,"s"],"a":{"c":2.5}}`
	v, err := FromJSON([]byte(text))
	require.NoError(t, err)
	require.Equal(t, text, v.String())
	require.Equal(t, []string{"b", "a"}, v.Keys())

	_, err = FromJSON([]byte(`[1,2`))
	require.Error(t, err)
}

func TestWire(t *testing.T) {
	doc := &Document{Collection: "c", Key: "k", Rev: "r", Body: From(map[string]any{"v": []any{1, "x"}})}
	w := NewExternal(doc).ToWire()
	got, err := FromWire(w)
	require.NoError(t, err)
	require.Equal(t, Object, got.Kind())
	require.Equal(t, "k", got.Get("_key").Str())
	require.True(t, Equal(doc.Body.Get("v"), got.Get("v")))
}

func TestTruthy(t *testing.T) {
	require.False(t, NullValue().Truthy())
	require.False(t, NewInt(0).Truthy())
	require.True(t, NewInt(3).Truthy())
	require.False(t, NewString("").Truthy())
	require.True(t, NewArray().Truthy())
	n, ok := NewString("12.5").ToNumber()
	require.True(t, ok)
	require.Equal(t, 12.5, n)
}
