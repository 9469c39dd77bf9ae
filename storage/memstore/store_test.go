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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

func fill(t *testing.T, s *Store, shard string, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		doc := value.From(map[string]any{"_key": "k" + string(rune('a'+i)), "n": i, "even": i%2 == 0})
		_, err := s.Insert(ctx, shard, doc, storage.WriteOptions{})
		require.NoError(t, err)
		doc.Destroy()
	}
}

func drain(t *testing.T, c storage.Cursor) []string {
	var keys []string
	for c.HasMore() {
		docs, err := c.Next(3)
		require.NoError(t, err)
		for _, d := range docs {
			keys = append(keys, d.Key)
		}
	}
	require.NoError(t, c.Close())
	return keys
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	s.CreateShard("c", "s1")
	require.NoError(t, s.EnsureIndex("s1", storage.Index{Name: "n", Type: storage.Persistent, Fields: []string{"n"}}))
	fill(t, s, "s1", 8)
	require.Equal(t, 8, s.Count("s1"))

	c, err := s.OpenCursor(ctx, "s1", nil, nil, storage.CursorOptions{})
	require.NoError(t, err)
	require.Len(t, drain(t, c), 8)

	idx := &storage.Index{Name: "n", Type: storage.Persistent, Fields: []string{"n"}}
	cond := storage.Condition{
		{Attribute: "n", Op: storage.GE, Value: value.NewInt(2)},
		{Attribute: "n", Op: storage.LT, Value: value.NewInt(5)},
	}
	c, err = s.OpenCursor(ctx, "s1", idx, cond, storage.CursorOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"kc", "kd", "ke"}, drain(t, c))

	c, err = s.OpenCursor(ctx, "s1", idx, storage.Condition{{Attribute: "n", Op: storage.EQ, Value: value.NewInt(7)}}, storage.CursorOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"kh"}, drain(t, c))

	r, ok := c.(storage.Rearmable)
	require.True(t, ok)
	require.NoError(t, r.Rearm(ctx, storage.Condition{{Attribute: "n", Op: storage.IN, Value: value.From([]any{0, 1})}}))
	require.Equal(t, []string{"ka", "kb"}, drain(t, c))
}

func TestWrites(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	s.CreateShard("c", "s1")
	fill(t, s, "s1", 2)

	_, err := s.Insert(ctx, "s1", value.From(map[string]any{"_key": "ka"}), storage.WriteOptions{})
	require.True(t, errcode.Is(err, errcode.UniqueConstraint))

	_, err = s.Insert(ctx, "s1", value.NewInt(3), storage.WriteOptions{})
	require.True(t, errcode.Is(err, errcode.TypeMismatch))

	res, err := s.Update(ctx, "s1", "ka", value.From(map[string]any{"n": 10, "even": nil}), storage.WriteOptions{ReturnOld: true, ReturnNew: true})
	require.NoError(t, err)
	require.Equal(t, float64(0), res.Old.Get("n").Number())
	require.Equal(t, float64(10), res.New.Get("n").Number())
	require.False(t, res.New.Has("even"))

	res, err = s.Replace(ctx, "s1", "kb", value.From(map[string]any{"x": "y"}), storage.WriteOptions{ReturnNew: true})
	require.NoError(t, err)
	require.Equal(t, "y", res.New.Get("x").Str())
	require.False(t, res.New.Has("n"))

	_, err = s.Remove(ctx, "s1", "zz", storage.WriteOptions{})
	require.True(t, errcode.Is(err, errcode.DocumentNotFound))
	_, err = s.Remove(ctx, "s1", "ka", storage.WriteOptions{})
	require.NoError(t, err)
	_, err = s.Read(ctx, "s1", "ka")
	require.True(t, errcode.Is(err, errcode.DocumentNotFound))

	res, err = s.Insert(ctx, "s1", value.From(map[string]any{"v": 1}), storage.WriteOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Key)
}

func TestUniqueIndex(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	s.CreateShard("c", "s1")
	require.NoError(t, s.EnsureIndex("s1", storage.Index{Name: "email", Type: storage.Persistent, Fields: []string{"email"}, Unique: true}))
	_, err := s.Insert(ctx, "s1", value.From(map[string]any{"email": "a@x"}), storage.WriteOptions{})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "s1", value.From(map[string]any{"email": "a@x"}), storage.WriteOptions{})
	require.True(t, errcode.Is(err, errcode.UniqueConstraint))
	require.Equal(t, 1, s.Count("s1"))
}

func TestLocks(t *testing.T) {
	s := New(nil)
	s.CreateShard("c", "s1")
	ctx := context.Background()
	require.NoError(t, s.Lock(ctx, "s1", storage.Read))
	require.NoError(t, s.Lock(ctx, "s1", storage.Write))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, s.Lock(short, "s1", storage.Exclusive))

	s.Unlock("s1", storage.Read)
	s.Unlock("s1", storage.Write)
	require.NoError(t, s.Lock(ctx, "s1", storage.Exclusive))
	s.Unlock("s1", storage.Exclusive)
}

func TestEdges(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	s.CreateShard("knows", "e1")
	for _, e := range [][2]string{{"v/a", "v/b"}, {"v/a", "v/c"}, {"v/c", "v/a"}} {
		_, err := s.Insert(ctx, "e1", value.From(map[string]any{"_from": e[0], "_to": e[1]}), storage.WriteOptions{})
		require.NoError(t, err)
	}
	out, err := s.Edges(ctx, "e1", "v/a", storage.Outbound)
	require.NoError(t, err)
	require.Len(t, out, 2)
	in, err := s.Edges(ctx, "e1", "v/a", storage.Inbound)
	require.NoError(t, err)
	require.Len(t, in, 1)
	all, err := s.Edges(ctx, "e1", "v/a", storage.Any)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
