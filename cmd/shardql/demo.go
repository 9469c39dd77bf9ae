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

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SnellerInc/shardql"
	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/plan"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/storage/memstore"
	"github.com/SnellerInc/shardql/value"
	"github.com/SnellerInc/shardql/vm"
)

func newDemoCmd() *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run sample queries on an in-process cluster of two data nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return demo(cmd.Context(), cmd.OutOrStdout(), cfg, logger, rows)
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 1000, "number of users to insert")
	return cmd
}

var cities = []string{"Berlin", "Lisbon", "Osaka", "Toronto"}

func users(n int) value.Value {
	lst := make([]any, n)
	for i := range lst {
		lst[i] = map[string]any{
			"_key": fmt.Sprintf("u%d", i),
			"name": fmt.Sprintf("user%d", i),
			"age":  20 + i%50,
			"city": cities[i%len(cities)],
		}
	}
	return value.From(lst)
}

func chain(nodes ...*plan.Node) *plan.Node {
	for i := 1; i < len(nodes); i++ {
		nodes[i].Deps = []*plan.Node{nodes[i-1]}
	}
	return nodes[len(nodes)-1]
}

func v(id int) *expr.Var { return &expr.Var{ID: id} }

func attr(id int, name string) *expr.Attr { return &expr.Attr{Of: v(id), Name: name} }

type query struct {
	title string
	root  *plan.Node
}

func queries(rows int) []query {
	return []query{{
		title: fmt.Sprintf("FOR d IN %d docs INSERT d INTO users COLLECT WITH COUNT INTO n RETURN n", rows),
		root: chain(
			&plan.Node{ID: 1, Kind: vm.KindSingleton},
			&plan.Node{ID: 2, Kind: vm.KindCalculation, Out: 1, Expr: &expr.Const{Value: users(rows)}},
			&plan.Node{ID: 3, Kind: vm.KindEnumerateList, In: 1, Out: 2},
			&plan.Node{ID: 4, Kind: vm.KindDistribute, In: 2, CreateKeys: true},
			&plan.Node{ID: 5, Kind: vm.KindRemote},
			&plan.Node{ID: 6, Kind: vm.KindInsert, Collection: "users", Modify: &plan.ModifySpec{Doc: 2}},
			&plan.Node{ID: 7, Kind: vm.KindRemote},
			&plan.Node{ID: 8, Kind: vm.KindGather},
			&plan.Node{ID: 9, Kind: vm.KindCountCollect, Out: 3},
			&plan.Node{ID: 10, Kind: vm.KindReturn, In: 3},
		),
	}, {
		title: "FOR u IN users FILTER u.age > 66 LIMIT 5 RETURN u.name",
		root: chain(
			&plan.Node{ID: 1, Kind: vm.KindSingleton},
			&plan.Node{ID: 2, Kind: vm.KindEnumerateCollection, Collection: "users", Out: 1},
			&plan.Node{ID: 3, Kind: vm.KindCalculation, Out: 2, Expr: &expr.Compare{
				Op: storage.GT, Left: attr(1, "age"), Right: &expr.Const{Value: value.NewNumber(66)}}},
			&plan.Node{ID: 4, Kind: vm.KindFilter, In: 2},
			&plan.Node{ID: 5, Kind: vm.KindCalculation, Out: 3, Expr: attr(1, "name")},
			&plan.Node{ID: 6, Kind: vm.KindRemote},
			&plan.Node{ID: 7, Kind: vm.KindGather},
			&plan.Node{ID: 8, Kind: vm.KindLimit, Limit: 5, FullCount: true},
			&plan.Node{ID: 9, Kind: vm.KindReturn, In: 3},
		),
	}, {
		title: "FOR u IN users COLLECT city = u.city AGGREGATE age = AVERAGE(u.age), n = LENGTH(1) SORT city RETURN {city, age, n}",
		root: chain(
			&plan.Node{ID: 1, Kind: vm.KindSingleton},
			&plan.Node{ID: 2, Kind: vm.KindEnumerateCollection, Collection: "users", Out: 1},
			&plan.Node{ID: 3, Kind: vm.KindCalculation, Out: 2, Expr: attr(1, "city")},
			&plan.Node{ID: 4, Kind: vm.KindCalculation, Out: 3, Expr: attr(1, "age")},
			&plan.Node{ID: 5, Kind: vm.KindRemote},
			&plan.Node{ID: 6, Kind: vm.KindGather},
			&plan.Node{ID: 7, Kind: vm.KindHashedCollect, Collect: &plan.CollectSpec{
				Groups: []plan.GroupVar{{In: 2, Out: 4}},
				Aggregates: []plan.AggregateVar{
					{Func: "AVERAGE", In: 3, Out: 5},
					{Func: "LENGTH", Out: 6},
				},
			}},
			&plan.Node{ID: 8, Kind: vm.KindSort, Sort: []plan.SortVar{{Var: 4}}},
			&plan.Node{ID: 9, Kind: vm.KindCalculation, Out: 7, Expr: &expr.Object{
				Keys:   []string{"city", "age", "n"},
				Values: []expr.Node{v(4), v(5), v(6)},
			}},
			&plan.Node{ID: 10, Kind: vm.KindReturn, In: 7},
		),
	}, {
		title: "FOR u IN users SORT u.age DESC LIMIT 3 RETURN u.name",
		root: chain(
			&plan.Node{ID: 1, Kind: vm.KindSingleton},
			&plan.Node{ID: 2, Kind: vm.KindEnumerateCollection, Collection: "users", Out: 1},
			&plan.Node{ID: 3, Kind: vm.KindCalculation, Out: 2, Expr: attr(1, "age")},
			&plan.Node{ID: 4, Kind: vm.KindCalculation, Out: 3, Expr: attr(1, "name")},
			&plan.Node{ID: 5, Kind: vm.KindSort, Sort: []plan.SortVar{{Var: 2, Descending: true}}},
			&plan.Node{ID: 6, Kind: vm.KindRemote},
			&plan.Node{ID: 7, Kind: vm.KindGather, Sort: []plan.SortVar{{Var: 2, Descending: true}}},
			&plan.Node{ID: 8, Kind: vm.KindLimit, Limit: 3},
			&plan.Node{ID: 9, Kind: vm.KindReturn, In: 3},
		),
	}}
}

// demo runs the sample queries on a coordinator
// and two data nodes connected in-process.
func demo(ctx context.Context, w io.Writer, cfg *shardql.Config, logger *zap.Logger, rows int) error {
	cfg.Name = "coord"
	cfg.Topology = plan.Topology{Collections: map[string]plan.CollectionTopology{
		"users": {Shards: []plan.ShardInfo{
			{ID: "s1", Server: "db1"},
			{ID: "s2", Server: "db2"},
			{ID: "s3", Server: "db1"},
		}},
	}}
	reg := prometheus.NewRegistry()
	local := &plan.LocalTransport{}
	for _, name := range []string{"db1", "db2"} {
		node := *cfg
		node.Name = name
		node.Data = nil
		st := memstore.New(nil)
		if _, err := node.Bootstrap(ctx, st); err != nil {
			return err
		}
		srv, err := plan.NewServer(name, st, local, reg, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
		local.Add(srv)
	}
	self, err := plan.NewServer(cfg.Name, nil, local, reg, logger)
	if err != nil {
		return err
	}
	defer self.Close()
	local.Add(self)
	co := cfg.Coordinator(local, self, logger)

	for _, q := range queries(rows) {
		start := time.Now()
		stats, out, err := cfg.Run(ctx, co, q.root)
		if err != nil {
			return fmt.Errorf("%s: %w", q.title, err)
		}
		fmt.Fprintf(w, "%s\n", q.title)
		for _, line := range out {
			fmt.Fprintf(w, "  %s\n", line)
		}
		fmt.Fprintf(w, "  -- %s scanned, %s filtered, %s written in %s\n\n",
			humanize.Comma(stats.ScannedFull+stats.ScannedIndex),
			humanize.Comma(stats.Filtered),
			humanize.Comma(stats.WritesExecuted),
			time.Since(start).Round(time.Microsecond))
	}
	return nil
}
