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
	"sync"

	"go.uber.org/zap"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/value"
)

// Engine executes one instantiated plan. Calls
// into an engine are serialized, so an engine
// rooted at a ShardedBlock can serve several
// remote clients concurrently.
type Engine struct {
	ID    string
	Query *Query
	Root  Block
	// Result is the register holding the
	// results in the blocks of Root.
	Result int

	lock     sync.Mutex
	shutDown bool
	err      error
}

// NewEngine returns an engine for the plan rooted at root.
func NewEngine(id string, q *Query, root Block, result int) *Engine {
	return &Engine{ID: id, Query: q, Root: root, Result: result}
}

// InitializeCursor resets the plan.
func (e *Engine) InitializeCursor() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.shutDown {
		return errcode.Newf(errcode.Internal, "engine %s is shut down", e.ID)
	}
	return e.Root.InitializeCursor(nil, 0)
}

// Execute skips up to skip rows and then returns
// up to atMost rows. done reports that the plan
// has no more rows.
func (e *Engine) Execute(skip, atMost int) (*ItemBlock, int, bool, error) {
	return e.execute(skip, atMost, "")
}

// ExecuteForShard is Execute for one client
// of an engine rooted at a ShardedBlock.
func (e *Engine) ExecuteForShard(shard string, skip, atMost int) (*ItemBlock, int, bool, error) {
	return e.execute(skip, atMost, shard)
}

// GetOrSkipSome calls GetOrSkipSome on the root
// block, or GetOrSkipSomeForShard if shard is set.
func (e *Engine) GetOrSkipSome(atLeast, atMost int, skipping bool, shard string) (*ItemBlock, int, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.shutDown {
		return nil, 0, errcode.Newf(errcode.Internal, "engine %s is shut down", e.ID)
	}
	return e.getOrSkip(atLeast, atMost, skipping, shard)
}

func (e *Engine) getOrSkip(atLeast, atMost int, skipping bool, shard string) (*ItemBlock, int, error) {
	if shard == "" {
		return e.Root.GetOrSkipSome(atLeast, atMost, skipping)
	}
	sb, ok := e.Root.(ShardedBlock)
	if !ok {
		return nil, 0, structural("engine %s does not serve clients", e.ID)
	}
	return sb.GetOrSkipSomeForShard(atLeast, atMost, skipping, shard)
}

func (e *Engine) execute(skip, atMost int, shard string) (*ItemBlock, int, bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.shutDown {
		return nil, 0, true, errcode.Newf(errcode.Internal, "engine %s is shut down", e.ID)
	}
	skipped := 0
	for skipped < skip {
		_, n, err := e.getOrSkip(skip-skipped, skip-skipped, true, shard)
		if err != nil {
			return nil, skipped, false, err
		}
		if n == 0 {
			return nil, skipped, true, nil
		}
		skipped += n
	}
	if atMost <= 0 {
		return nil, skipped, false, nil
	}
	blk, _, err := e.getOrSkip(atMost, atMost, false, shard)
	if err != nil {
		return nil, skipped, false, err
	}
	if blk != nil && blk.Rows() == 0 {
		blk.Destroy()
		blk = nil
	}
	done := blk == nil || blk.Rows() < atMost
	return blk, skipped, done, nil
}

// All runs the plan to completion and
// returns the owned result values.
func (e *Engine) All() ([]value.Value, error) {
	var out []value.Value
	for {
		blk, _, done, err := e.Execute(0, e.Query.BatchSize)
		if err != nil {
			for i := range out {
				out[i].Destroy()
			}
			return nil, err
		}
		if blk != nil {
			for row := 0; row < blk.Rows(); row++ {
				v := blk.Steal(row, e.Result)
				if v.IsEmpty() {
					v = value.NullValue()
				}
				out = append(out, v)
			}
			blk.Destroy()
		}
		if done {
			return out, nil
		}
	}
}

// Shutdown shuts the plan down once and
// returns the statistics of the query.
func (e *Engine) Shutdown(err error) (Stats, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if !e.shutDown {
		e.shutDown = true
		e.err = e.Root.Shutdown(err)
		if e.err != nil {
			e.Query.Logger.Warn("engine shut down with error",
				zap.String("engine", e.ID),
				zap.String("query", e.Query.ID),
				zap.Error(e.err))
		}
	}
	return e.Query.Stats.Snapshot(), e.err
}

// ShutdownForShard shuts down one client of an
// engine rooted at a ShardedBlock. The engine is
// shut down with its last client; done reports
// whether that happened.
func (e *Engine) ShutdownForShard(shard string, err error) (bool, Stats, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.shutDown {
		return true, e.Query.Stats.Snapshot(), e.err
	}
	sb, ok := e.Root.(ShardedBlock)
	if !ok {
		return false, Stats{}, structural("engine %s does not serve clients", e.ID)
	}
	rerr := sb.ShutdownForShard(shard, err)
	if sb.Done() {
		e.shutDown = true
		e.err = rerr
	}
	return e.shutDown, e.Query.Stats.Snapshot(), rerr
}
