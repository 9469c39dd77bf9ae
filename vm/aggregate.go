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
	"strings"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/value"
)

// Aggregator accumulates one aggregate
// function over the rows of a group.
type Aggregator interface {
	// Reduce incorporates one more value.
	// The aggregator does not retain v.
	Reduce(v value.Value) error
	// Steal returns the result and resets
	// the aggregator.
	Steal() value.Value
	// Release discards the accumulated state.
	Release()
}

// AggregateFunc creates aggregators.
type AggregateFunc func(h *value.Heap) Aggregator

var aggregates = map[string]AggregateFunc{
	"LENGTH":         func(*value.Heap) Aggregator { return &lengthAgg{} },
	"COUNT":          func(*value.Heap) Aggregator { return &lengthAgg{} },
	"SUM":            func(*value.Heap) Aggregator { return &sumAgg{} },
	"AVERAGE":        func(*value.Heap) Aggregator { return &avgAgg{} },
	"AVG":            func(*value.Heap) Aggregator { return &avgAgg{} },
	"MIN":            func(*value.Heap) Aggregator { return &minMaxAgg{dir: -1} },
	"MAX":            func(*value.Heap) Aggregator { return &minMaxAgg{dir: 1} },
	"PUSH":           func(h *value.Heap) Aggregator { return &pushAgg{h: h} },
	"UNIQUE":         func(h *value.Heap) Aggregator { return &uniqueAgg{h: h} },
	"COUNT_DISTINCT": func(h *value.Heap) Aggregator { return &uniqueAgg{h: h, count: true} },
	"COUNT_UNIQUE":   func(h *value.Heap) Aggregator { return &uniqueAgg{h: h, count: true} },
}

// LookupAggregate returns the aggregate function
// with the given name.
func LookupAggregate(name string) (AggregateFunc, error) {
	fn, ok := aggregates[strings.ToUpper(name)]
	if !ok {
		return nil, errcode.Newf(errcode.PlanStructure, "unknown aggregate function %q", name)
	}
	return fn, nil
}

// MustAggregate is LookupAggregate
// but panics on error.
func MustAggregate(name string) AggregateFunc {
	fn, err := LookupAggregate(name)
	if err != nil {
		panic(err)
	}
	return fn
}

// Aggregate describes one aggregate computed by
// a Collect. In is the input register, or -1 for
// aggregates that ignore their input.
type Aggregate struct {
	Func AggregateFunc
	In   int
	Out  int
}

type lengthAgg struct{ n int64 }

func (a *lengthAgg) Reduce(value.Value) error { a.n++; return nil }
func (a *lengthAgg) Steal() value.Value {
	v := value.NewInt(a.n)
	a.n = 0
	return v
}
func (a *lengthAgg) Release() { a.n = 0 }

type sumAgg struct {
	sum     float64
	invalid bool
}

func (a *sumAgg) Reduce(v value.Value) error {
	if v.IsNull() {
		return nil
	}
	if v.Kind() != value.Number {
		a.invalid = true
		return nil
	}
	a.sum += v.Number()
	return nil
}

func (a *sumAgg) Steal() value.Value {
	defer a.Release()
	if a.invalid {
		return value.NullValue()
	}
	return value.NewNumber(a.sum)
}

func (a *sumAgg) Release() { *a = sumAgg{} }

type avgAgg struct {
	sum     float64
	n       int64
	invalid bool
}

func (a *avgAgg) Reduce(v value.Value) error {
	if v.IsNull() {
		return nil
	}
	if v.Kind() != value.Number {
		a.invalid = true
		return nil
	}
	a.sum += v.Number()
	a.n++
	return nil
}

func (a *avgAgg) Steal() value.Value {
	defer a.Release()
	if a.invalid || a.n == 0 {
		return value.NullValue()
	}
	return value.NewNumber(a.sum / float64(a.n))
}

func (a *avgAgg) Release() { *a = avgAgg{} }

// minMaxAgg keeps the smallest (dir < 0) or
// largest (dir > 0) non-null value.
type minMaxAgg struct {
	dir int
	cur value.Value
}

func (a *minMaxAgg) Reduce(v value.Value) error {
	if v.IsNull() {
		return nil
	}
	if !a.cur.IsEmpty() && value.Compare(v, a.cur)*a.dir <= 0 {
		return nil
	}
	a.cur.Destroy()
	a.cur = v.Detach()
	return nil
}

func (a *minMaxAgg) Steal() value.Value {
	v := a.cur
	a.cur = value.Value{}
	if v.IsEmpty() {
		return value.NullValue()
	}
	return v
}

func (a *minMaxAgg) Release() { a.cur.Destroy() }

type pushAgg struct {
	h    *value.Heap
	vals []value.Value
}

func (a *pushAgg) Reduce(v value.Value) error {
	if v.IsEmpty() {
		v = value.NullValue()
	}
	a.vals = append(a.vals, v.Detach())
	return nil
}

func (a *pushAgg) Steal() value.Value {
	v := a.h.Array(a.vals...)
	a.vals = nil
	return v
}

func (a *pushAgg) Release() {
	for i := range a.vals {
		a.vals[i].Destroy()
	}
	a.vals = nil
}

// uniqueAgg collects distinct non-null values
// in order of first appearance, or counts them.
type uniqueAgg struct {
	h     *value.Heap
	count bool
	seen  map[uint64][]int
	vals  []value.Value
}

func (a *uniqueAgg) Reduce(v value.Value) error {
	if v.IsNull() {
		return nil
	}
	if a.seen == nil {
		a.seen = make(map[uint64][]int)
	}
	hash := value.Hash(v)
	for _, i := range a.seen[hash] {
		if value.Equal(a.vals[i], v) {
			return nil
		}
	}
	a.seen[hash] = append(a.seen[hash], len(a.vals))
	a.vals = append(a.vals, v.Detach())
	return nil
}

func (a *uniqueAgg) Steal() value.Value {
	if a.count {
		n := len(a.vals)
		a.Release()
		return value.NewInt(int64(n))
	}
	v := a.h.Array(a.vals...)
	a.vals = nil
	a.seen = nil
	return v
}

func (a *uniqueAgg) Release() {
	for i := range a.vals {
		a.vals[i].Destroy()
	}
	a.vals = nil
	a.seen = nil
}
