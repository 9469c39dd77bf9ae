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
	"sync/atomic"
)

// Stats is a collection of statistics
// aggregated during the execution of a query.
// Fields are updated atomically.
type Stats struct {
	// ScannedFull is the number of documents
	// produced by full collection scans.
	ScannedFull int64 `ion:"scannedFull,omitempty"`
	// ScannedIndex is the number of documents
	// produced by index cursors.
	ScannedIndex int64 `ion:"scannedIndex,omitempty"`
	// Filtered is the number of rows
	// removed by filters.
	Filtered int64 `ion:"filtered,omitempty"`
	// WritesExecuted and WritesIgnored count
	// successful and ignored modifications.
	WritesExecuted int64 `ion:"writesExecuted,omitempty"`
	WritesIgnored  int64 `ion:"writesIgnored,omitempty"`
	// FullCount is the number of rows a
	// LIMIT with full-count tracking would
	// have produced without the limit.
	FullCount int64 `ion:"fullCount,omitempty"`
}

// Add atomically adds the counters of o to s.
func (s *Stats) Add(o *Stats) {
	atomic.AddInt64(&s.ScannedFull, atomic.LoadInt64(&o.ScannedFull))
	atomic.AddInt64(&s.ScannedIndex, atomic.LoadInt64(&o.ScannedIndex))
	atomic.AddInt64(&s.Filtered, atomic.LoadInt64(&o.Filtered))
	atomic.AddInt64(&s.WritesExecuted, atomic.LoadInt64(&o.WritesExecuted))
	atomic.AddInt64(&s.WritesIgnored, atomic.LoadInt64(&o.WritesIgnored))
	atomic.AddInt64(&s.FullCount, atomic.LoadInt64(&o.FullCount))
}

// Snapshot returns a consistent-enough copy of s.
func (s *Stats) Snapshot() Stats {
	var out Stats
	out.Add(s)
	return out
}

func (s *Stats) scannedFull(n int)    { atomic.AddInt64(&s.ScannedFull, int64(n)) }
func (s *Stats) scannedIndex(n int)   { atomic.AddInt64(&s.ScannedIndex, int64(n)) }
func (s *Stats) filtered(n int)       { atomic.AddInt64(&s.Filtered, int64(n)) }
func (s *Stats) writesExecuted(n int) { atomic.AddInt64(&s.WritesExecuted, int64(n)) }
func (s *Stats) writesIgnored(n int)  { atomic.AddInt64(&s.WritesIgnored, int64(n)) }
func (s *Stats) fullCount(n int64)    { atomic.AddInt64(&s.FullCount, n) }
