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

package shardql

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/plan"
	"github.com/SnellerInc/shardql/storage/memstore"
	"github.com/SnellerInc/shardql/vm"
)

const sample = `
name: coord
peers:
  db1: 10.0.0.1:7400
  db2: 10.0.0.2:7400
dialTimeout: 250ms
memoryLimit: 512MiB
batchSize: 64
readCompleteInput: true
logLevel: debug
topology:
  collections:
    users:
      shards:
        - {id: s1, server: db1}
        - {id: s2, server: db2}
      shardKeys: [region]
`

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, "coord", c.Name)
	require.Equal(t, ":7400", c.Listen)
	require.Equal(t, plan.DefaultCompressAbove, c.CompressAbove)

	opts := c.ExecOptions()
	require.Equal(t, 64, opts.BatchSize)
	require.Equal(t, int64(512<<20), opts.MemoryLimit)

	shards, err := c.Topology.Shards("users", nil)
	require.NoError(t, err)
	require.Equal(t, []plan.ShardInfo{{ID: "s1", Server: "db1"}, {ID: "s2", Server: "db2"}}, shards)
	require.Equal(t, []string{"region"}, c.Topology.ShardKeys("users"))

	tr := c.Transport(nil)
	require.Equal(t, c.Peers, tr.Peers)
	require.NotNil(t, tr.Dial)

	logger, err := c.Logger()
	require.NoError(t, err)
	logger.Sync()
}

func TestParseConfigErrors(t *testing.T) {
	for _, text := range []string{
		"batchSize: 0",
		"memoryLimit: lots",
		"dialTimeout: soon",
		"logLevel: loud",
		"unknownSetting: 1",
		"name: coord\ntopology: {collections: {c: {shards: [{id: s1, server: nowhere}]}}}",
		"topology: {collections: {c: {shards: []}}}",
	} {
		_, err := ParseConfig([]byte(text))
		require.True(t, errcode.Is(err, errcode.BadParameter), "%q: %v", text, err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardql.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "250ms", c.DialTimeout)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	c := DefaultConfig()
	c.ReadCompleteInput = true
	c.FullCount = true
	lim := &plan.Node{ID: 3, Kind: vm.KindLimit, Limit: 1}
	ins := &plan.Node{ID: 2, Kind: vm.KindInsert, Modify: &plan.ModifySpec{Doc: 1}}
	ins.Deps = []*plan.Node{{ID: 1, Kind: vm.KindSingleton}}
	lim.Deps = []*plan.Node{ins}
	c.ApplyDefaults(lim)
	require.True(t, ins.Modify.ReadCompleteInput)
	require.True(t, lim.FullCount)
}

func TestLoad(t *testing.T) {
	st := memstore.New(nil)
	st.CreateShard("users", "s1")
	text := `{"_key": "a", "v": 1}
{"_key": "b", "v": 2}
{"_key": "c", "v": 3}`
	n, err := Load(context.Background(), st, "s1", strings.NewReader(text))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, st.Count("s1"))

	n, err = Load(context.Background(), st, "s1", strings.NewReader(`{"_key": "d"} [1, 2]`))
	require.Equal(t, 1, n)
	require.True(t, errcode.Is(err, errcode.DocumentKeyBad), "%v", err)

	_, err = Load(context.Background(), st, "s1", strings.NewReader(`{"_key": `))
	require.True(t, errcode.Is(err, errcode.BadParameter), "%v", err)
}

func TestConfigRun(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "s1.jsonl")
	require.NoError(t, os.WriteFile(data, []byte(`{"_key": "a", "v": 1}
{"_key": "b", "v": 2}
`), 0o644))

	db1 := DefaultConfig()
	db1.Name = "db1"
	db1.Topology = plan.Topology{Collections: map[string]plan.CollectionTopology{
		"users": {Shards: []plan.ShardInfo{{ID: "s1", Server: "db1"}}},
	}}
	db1.Data = map[string]string{"s1": data}
	st := memstore.New(nil)
	loaded, err := db1.Bootstrap(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"s1": 2}, loaded)

	logger := zaptest.NewLogger(t)
	local := &plan.LocalTransport{}
	srv, err := plan.NewServer("db1", st, local, prometheus.NewRegistry(), logger)
	require.NoError(t, err)
	defer srv.Close()
	local.Add(srv)

	coord := *db1
	coord.Name = "coord"
	co := coord.Coordinator(local, nil, logger)
	root := &plan.Node{ID: 4, Kind: vm.KindReturn, In: 2, Deps: []*plan.Node{
		{ID: 3, Kind: vm.KindGather, Deps: []*plan.Node{
			{ID: 2, Kind: vm.KindRemote, Deps: []*plan.Node{
				{ID: 5, Kind: vm.KindCalculation, Out: 2, Expr: &expr.Attr{Of: &expr.Var{ID: 1}, Name: "_key"}, Deps: []*plan.Node{
					{ID: 1, Kind: vm.KindEnumerateCollection, Collection: "users", Out: 1, Deps: []*plan.Node{
						{ID: 6, Kind: vm.KindSingleton},
					}},
				}},
			}},
		}},
	}}
	stats, out, err := coord.Run(context.Background(), co, root)
	require.NoError(t, err)
	sort.Strings(out)
	require.Equal(t, []string{`"a"`, `"b"`}, out)
	require.Equal(t, int64(2), stats.ScannedFull)
	require.Zero(t, srv.Registry().Len())

	// reads leave the documents in place
	require.Equal(t, 2, st.Count("s1"))
}
