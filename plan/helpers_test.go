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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/storage/memstore"
	"github.com/SnellerInc/shardql/value"
	"github.com/SnellerInc/shardql/vm"
)

// cluster is a set of in-process data
// servers and a coordinator, connected
// by a LocalTransport.
type cluster struct {
	t       testing.TB
	local   *LocalTransport
	stores  map[string]*memstore.Store
	servers map[string]*Server
	regs    map[string]*prometheus.Registry
	topo    *Topology
	coord   *Coordinator
}

func newCluster(t testing.TB, names ...string) *cluster {
	c := &cluster{
		t:       t,
		local:   &LocalTransport{},
		stores:  make(map[string]*memstore.Store),
		servers: make(map[string]*Server),
		regs:    make(map[string]*prometheus.Registry),
		topo:    &Topology{Collections: make(map[string]CollectionTopology)},
	}
	logger := zaptest.NewLogger(t)
	for _, name := range names {
		st := memstore.New(nil)
		reg := prometheus.NewRegistry()
		srv, err := NewServer(name, st, c.local, reg, logger)
		require.NoError(t, err)
		c.stores[name] = st
		c.servers[name] = srv
		c.regs[name] = reg
		c.local.Add(srv)
	}
	coord, err := NewServer("coord", nil, c.local, prometheus.NewRegistry(), logger)
	require.NoError(t, err)
	c.servers["coord"] = coord
	c.local.Add(coord)
	c.coord = &Coordinator{
		Name:      "coord",
		Topology:  c.topo,
		Transport: c.local,
		Local:     coord,
		Options:   Options{BatchSize: 3},
		Logger:    logger,
	}
	t.Cleanup(func() {
		for _, srv := range c.servers {
			srv.Close()
		}
	})
	return c
}

// collection creates a collection whose
// shards are placed as given.
func (c *cluster) collection(name string, shards ...ShardInfo) {
	for _, sh := range shards {
		st, ok := c.stores[sh.Server]
		require.True(c.t, ok, "unknown server %s", sh.Server)
		st.CreateShard(name, sh.ID)
	}
	c.topo.Collections[name] = CollectionTopology{Shards: shards}
}

// insert places every document on the
// shard its shard keys hash to.
func (c *cluster) insert(coll string, docs ...map[string]any) {
	ct := c.topo.Collections[coll]
	ids := make([]string, len(ct.Shards))
	for i := range ct.Shards {
		ids[i] = ct.Shards[i].ID
	}
	for _, d := range docs {
		v := value.From(d)
		id := vm.ShardFor(v, c.topo.ShardKeys(coll), ids)
		i := 0
		for ct.Shards[i].ID != id {
			i++
		}
		_, err := c.stores[ct.Shards[i].Server].Insert(context.Background(), id, v, storage.WriteOptions{})
		v.Destroy()
		require.NoError(c.t, err)
	}
}

// count returns the number of documents
// in every shard of coll.
func (c *cluster) count(coll string) int {
	n := 0
	for _, sh := range c.topo.Collections[coll].Shards {
		n += c.stores[sh.Server].Count(sh.ID)
	}
	return n
}

// idle checks that no server holds engines.
func (c *cluster) idle() {
	for name, srv := range c.servers {
		require.Zero(c.t, srv.Registry().Len(), "server %s", name)
	}
}

func numbered(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"_key": "k" + string(rune('0'+i)), "v": i}
	}
	return out
}

// chain makes every node the only
// dependency of the node following it
// and returns the last node.
func chain(nodes ...*Node) *Node {
	for i := 1; i < len(nodes); i++ {
		nodes[i].Deps = []*Node{nodes[i-1]}
	}
	return nodes[len(nodes)-1]
}

func ref(id int) *expr.Var { return &expr.Var{ID: id} }

func attr(id int, name string) *expr.Attr {
	return &expr.Attr{Of: ref(id), Name: name}
}

func num(f float64) *expr.Const { return &expr.Const{Value: value.NewNumber(f)} }

func strs(vals []value.Value) []string {
	out := make([]string, len(vals))
	for i := range vals {
		out[i] = vals[i].String()
		vals[i].Destroy()
	}
	return out
}

// readPlan filters the users collection on
// v > 4 on the data nodes and returns u.v.
func readPlan() *Node {
	return chain(
		&Node{ID: 1, Kind: vm.KindSingleton},
		&Node{ID: 2, Kind: vm.KindEnumerateCollection, Collection: "users", Out: 1},
		&Node{ID: 3, Kind: vm.KindCalculation, Out: 2, Expr: &expr.Compare{Op: storage.GT, Left: attr(1, "v"), Right: num(4)}},
		&Node{ID: 4, Kind: vm.KindFilter, In: 2},
		&Node{ID: 5, Kind: vm.KindCalculation, Out: 3, Expr: attr(1, "v")},
		&Node{ID: 6, Kind: vm.KindRemote},
		&Node{ID: 7, Kind: vm.KindGather},
		&Node{ID: 8, Kind: vm.KindReturn, In: 3},
	)
}

// removePlan enumerates c1 on its shards, sends
// every document to the c2 shard owning its key
// and removes the matching c2 documents there.
func removePlan() *Node {
	return chain(
		&Node{ID: 1, Kind: vm.KindSingleton},
		&Node{ID: 2, Kind: vm.KindEnumerateCollection, Collection: "c1", Out: 1},
		&Node{ID: 3, Kind: vm.KindRemote},
		&Node{ID: 4, Kind: vm.KindGather},
		&Node{ID: 5, Kind: vm.KindDistribute, In: 1},
		&Node{ID: 6, Kind: vm.KindRemote},
		&Node{ID: 7, Kind: vm.KindCalculation, Out: 2, Expr: attr(1, "_key")},
		&Node{ID: 8, Kind: vm.KindRemove, Collection: "c2", Modify: &ModifySpec{Key: 2, Old: 3, IgnoreDocumentNotFound: true}},
		&Node{ID: 9, Kind: vm.KindRemote},
		&Node{ID: 10, Kind: vm.KindGather},
		&Node{ID: 11, Kind: vm.KindReturn, In: 3},
	)
}
