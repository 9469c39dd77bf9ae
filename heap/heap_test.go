// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package heap

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	q := New(func(x, y int) bool { return x < y })
	want := make([]int, 500)
	for i := range want {
		want[i] = rand.Intn(1000)
		q.Push(want[i])
	}
	sort.Ints(want)
	got := make([]int, 0, len(want))
	for q.Len() > 0 {
		got = append(got, q.Pop())
	}
	require.Equal(t, want, got)
}

func TestQueueFix(t *testing.T) {
	q := New(func(x, y *int) bool { return *x < *y })
	vals := []int{5, 3, 9, 1}
	for i := range vals {
		q.Push(&vals[i])
	}
	require.Equal(t, 1, *q.Peek())
	// advance the smallest in place, as a merge does
	*q.Peek() = 7
	q.Fix()
	var got []int
	for q.Len() > 0 {
		got = append(got, *q.Pop())
	}
	require.Equal(t, []int{3, 5, 7, 9}, got)

	q.Push(&vals[0])
	q.Reset()
	require.Equal(t, 0, q.Len())
}
