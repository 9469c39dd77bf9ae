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

package sorting

import (
	"golang.org/x/exp/slices"

	"github.com/SnellerInc/shardql/value"
)

// Direction encodes the sorting direction of a key (ASC/DESC)
type Direction int

const (
	Ascending  Direction = 1  // Sort ascending
	Descending Direction = -1 // Sort descending
)

func (d Direction) String() string {
	if d == Descending {
		return "DESC"
	}
	return "ASC"
}

// Key is one sort key: the register
// holding the value and its direction.
type Key struct {
	Register  int       `ion:"reg"`
	Direction Direction `ion:"dir"`
}

// Comparator compares two values, returning
// a negative, zero or positive int.
type Comparator func(a, b value.Value) int

// CompareTuples compares two equally sized tuples and returns
// an int indicating relation:
//
//	< 0 -- less
//	= 0 -- equal
//	> 0 -- greater
//
// along with the index of the first key that differs
// (when the tuples are equal, index is len(a)).
func CompareTuples(a, b []value.Value, dirs []Direction, cmp Comparator) (relation int, index int) {
	if len(a) != len(b) || len(a) != len(dirs) {
		panic("sorting: trying to compare tuples of different sizes")
	}
	for i := range a {
		if c := cmp(a[i], b[i]); c != 0 {
			if dirs[i] == Descending {
				c = -c
			}
			return c, i
		}
	}
	return 0, len(a)
}

// Coord addresses one row of a sequence of blocks.
type Coord struct {
	Block int32
	Row   int32
}

// Rows gives access to the sort key values of
// buffered rows addressed by Coord.
type Rows interface {
	// Value returns a view of the value
	// in register reg of the row at c.
	Value(c Coord, reg int) value.Value
}

// Coords sorts coordinate pairs by the keys of the
// rows they address. If stable is set, rows that
// compare equal on every key keep their order.
func Coords(coords []Coord, rows Rows, keys []Key, cmp Comparator, stable bool) {
	less := func(a, b Coord) bool {
		for i := range keys {
			c := cmp(rows.Value(a, keys[i].Register), rows.Value(b, keys[i].Register))
			if c == 0 {
				continue
			}
			if keys[i].Direction == Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	}
	if stable {
		slices.SortStableFunc(coords, less)
	} else {
		slices.SortFunc(coords, less)
	}
}
