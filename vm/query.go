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
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// DefaultBatchSize is the number of rows
// requested per batch when none is configured.
const DefaultBatchSize = 1000

// Options are the per-query execution options.
type Options struct {
	// BatchSize is the preferred number of
	// rows per ItemBlock.
	BatchSize int
	// StableSort selects a stable sort
	// algorithm for SORT.
	StableSort bool
	// DataNode is set when the query fragment
	// runs on a shard-holding server.
	DataNode bool
	// Server is the id of this server.
	Server string
	// MemoryLimit bounds the block storage
	// of the query; 0 is unlimited.
	MemoryLimit int64
}

// Query is the runtime context shared by every
// operator of an Engine.
type Query struct {
	// ID identifies the query across servers.
	ID      string
	Context context.Context
	Storage storage.Storage
	// Remote reaches engines on other servers.
	Remote   RemoteEngine
	Blocks   *BlockManager
	Heap     *value.Heap
	Contexts *ContextPool
	Logger   *zap.Logger
	Stats    Stats
	Options

	killed atomic.Bool
}

// NewQuery constructs a Query. Unset
// optional fields are given defaults.
func NewQuery(ctx context.Context, id string, st storage.Storage, opts Options) *Query {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Query{
		ID:       id,
		Context:  ctx,
		Storage:  st,
		Blocks:   NewBlockManager(opts.MemoryLimit),
		Heap:     value.Default(),
		Contexts: NewContextPool(1, value.Default()),
		Logger:   zap.NewNop(),
		Options:  opts,
	}
}

// Kill requests cooperative cancellation.
func (q *Query) Kill() { q.killed.Store(true) }

// Killed returns whether Kill was called.
func (q *Query) Killed() bool { return q.killed.Load() }

// Check returns an error if the query has been
// killed or its context is done. Operators call
// Check at least once per input row.
func (q *Query) Check() error {
	if q.killed.Load() {
		return errcode.New(errcode.Killed)
	}
	if err := q.Context.Err(); err != nil {
		return errcode.Wrapf(errcode.Killed, err, "query %s", q.ID)
	}
	return nil
}

// ContextPool bounds the number of managed
// expression contexts in use at once.
type ContextPool struct {
	sem  *semaphore.Weighted
	heap *value.Heap
	pool sync.Pool
}

// NewContextPool returns a pool of at most n
// managed contexts allocating from h.
func NewContextPool(n int, h *value.Heap) *ContextPool {
	if n <= 0 {
		n = 1
	}
	p := &ContextPool{sem: semaphore.NewWeighted(int64(n)), heap: h}
	p.pool.New = func() any { return expr.NewManagedContext(h) }
	return p
}

// Acquire waits for a managed context.
func (p *ContextPool) Acquire(ctx context.Context) (*expr.Context, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errcode.Wrapf(errcode.Killed, err, "waiting for an execution context")
	}
	return p.pool.Get().(*expr.Context), nil
}

// Release returns a context obtained from Acquire.
func (p *ContextPool) Release(c *expr.Context) {
	c.Reset()
	p.pool.Put(c)
	p.sem.Release(1)
}

// evalContext returns the context needed to evaluate
// an expression: a managed one when heavy is set.
// The returned function releases it.
func (q *Query) evalContext(heavy bool) (*expr.Context, func(), error) {
	if !heavy {
		return expr.NewContext(q.Heap), func() {}, nil
	}
	c, err := q.Contexts.Acquire(q.Context)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { q.Contexts.Release(c) }, nil
}
