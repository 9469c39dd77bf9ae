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

	"go.uber.org/zap"

	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/vm"
)

// Options are the execution options of
// a query; they are shipped with every
// setup request.
type Options struct {
	BatchSize     int   `ion:"batch_size,omitempty" json:"batchSize,omitempty"`
	MemoryLimit   int64 `ion:"memory_limit,omitempty" json:"memoryLimit,omitempty"`
	StableSort    bool  `ion:"stable_sort,omitempty" json:"stableSort,omitempty"`
	HeavyContexts int   `ion:"heavy_contexts,omitempty" json:"heavyContexts,omitempty"`
	// ShardAllowList, if not empty, restricts
	// the query to the listed shards.
	ShardAllowList []string `ion:"allow,omitempty" json:"shardAllowList,omitempty"`
}

// query returns a vm.Query for one engine.
func (o *Options) query(ctx context.Context, id, server string, dataNode bool, st storage.Storage, remote vm.RemoteEngine, logger *zap.Logger) *vm.Query {
	q := vm.NewQuery(ctx, id, st, vm.Options{
		BatchSize:   o.BatchSize,
		StableSort:  o.StableSort,
		DataNode:    dataNode,
		Server:      server,
		MemoryLimit: o.MemoryLimit,
	})
	if o.HeavyContexts > 0 {
		q.Contexts = vm.NewContextPool(o.HeavyContexts, q.Heap)
	}
	q.Remote = remote
	if logger != nil {
		q.Logger = logger.With(zap.String("query", id))
	}
	return q
}
