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
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
	"github.com/SnellerInc/shardql/vm"
)

// teardownTimeout bounds each shutdown request
// sent while aborting a deployment.
const teardownTimeout = 5 * time.Second

// Coordinator deploys plans across a cluster.
type Coordinator struct {
	// Name is the server id of the coordinator.
	Name     string
	Topology *Topology
	// Transport reaches the data nodes.
	Transport Transport
	// Local serves the coordinator engines that
	// data nodes pull from. It must be reachable
	// through Transport under Name.
	Local   *Server
	Options Options
	Logger  *zap.Logger
}

// Session is a deployed query.
type Session struct {
	ID string
	// Engine produces the results of the query.
	Engine *vm.Engine
	Split  *Split

	c      *Coordinator
	plan   *Node
	rp     *RegisterPlan
	nodes  map[int]*Node
	locked map[string]bool
	// engines of the coordinator snippets,
	// by the id of their boundary node
	engines map[int]string
	data    []vm.RemoteRef
	local   []string
}

func (c *Coordinator) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Coordinator) storage() storage.Storage {
	if c.Local == nil {
		return nil
	}
	return c.Local.Storage
}

// Prepare splits the plan rooted at root, deploys its
// snippets and returns the session running it. The
// plan is not modified. Snippets are deployed so that
// every engine exists before the engines pulling from
// it. If any step fails, the engines deployed so far
// are shut down before the error is returned.
func (c *Coordinator) Prepare(ctx context.Context, root *Node) (*Session, error) {
	plan := root.Clone()
	rp, err := PlanRegisters(plan)
	if err != nil {
		return nil, err
	}
	split, err := NewSplit(plan, c.Topology, c.Options.ShardAllowList)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:      uuid.NewString(),
		Split:   split,
		c:       c,
		plan:    plan,
		rp:      rp,
		nodes:   make(map[int]*Node),
		locked:  make(map[string]bool),
		engines: make(map[int]string),
	}
	Walk(plan, func(n *Node) { s.nodes[n.ID] = n })
	if err := s.deploy(ctx); err != nil {
		s.abort(ctx, err)
		return nil, err
	}
	return s, nil
}

func (s *Session) deploy(ctx context.Context) error {
	last := len(s.Split.Snippets) - 1
	for _, sn := range s.Split.Snippets[:last] {
		var err error
		if sn.Coordinator {
			err = s.deployLocal(ctx, sn)
		} else {
			err = s.deployRemote(ctx, sn)
		}
		if err != nil {
			return err
		}
	}
	top := s.Split.Top()
	q := s.c.Options.query(ctx, s.ID, s.c.Name, false, s.c.storage(), s.c.Transport, s.c.logger())
	blk, result, err := Instantiate(q, top.Root, s.rp)
	if err != nil {
		return err
	}
	s.Engine = vm.NewEngine(uuid.NewString(), q, blk, result)
	if err := s.Engine.InitializeCursor(); err != nil {
		s.Engine.Shutdown(err)
		s.Engine = nil
		return err
	}
	return nil
}

// deployLocal instantiates a coordinator snippet
// that data-node engines pull from.
func (s *Session) deployLocal(ctx context.Context, sn *Snippet) error {
	if s.c.Local == nil {
		return errcode.Newf(errcode.PlanStructure, "coordinator %s cannot serve data nodes", s.c.Name)
	}
	q := s.c.Options.query(ctx, s.ID, s.c.Name, false, s.c.storage(), s.c.Transport, s.c.logger())
	blk, result, err := Instantiate(q, sn.Root, s.rp)
	if err != nil {
		return err
	}
	e := vm.NewEngine(uuid.NewString(), q, blk, result)
	if err := e.InitializeCursor(); err != nil {
		e.Shutdown(err)
		return err
	}
	s.c.Local.Register(s.ID, e)
	s.local = append(s.local, e.ID)
	s.engines[sn.Boundary] = e.ID
	return nil
}

// target is one instance of a data snippet: a
// shard of its collection, or for a traversal
// snippet a server.
type target struct {
	key    string
	server string
}

func (s *Session) targets(sn *Snippet) ([]target, error) {
	var out []target
	if sn.Collection != "" {
		info := s.Split.Collection(sn.Collection)
		for _, sh := range info.Shards {
			out = append(out, target{key: sh.ID, server: sh.Server})
		}
	} else {
		for _, server := range s.Split.TraversalServers(sn) {
			out = append(out, target{key: server, server: server})
		}
	}
	if len(out) == 0 {
		return nil, errcode.Newf(errcode.PlanStructure, "snippet below remote #%d has no shards to run on", sn.Boundary)
	}
	return out, nil
}

// bind specializes a copy of a data snippet for t.
func (s *Session) bind(sn *Snippet, root *Node, t target) error {
	var err error
	walkSnippet(root, func(n *Node) {
		switch {
		case n.Kind == vm.KindRemote:
			id, ok := s.engines[n.ID]
			if !ok {
				err = errcode.Newf(errcode.PlanStructure, "remote #%d has no coordinator engine", n.ID)
				return
			}
			n.Refs = []vm.RemoteRef{{Server: s.c.Name, Engine: id, Shard: t.key}}
		case n.Kind == vm.KindTraversal:
			ts := n.Traverse
			ts.EdgeShards = nil
			for _, name := range ts.Edges {
				ts.EdgeShards = append(ts.EdgeShards, s.Split.shardsOn(name, t.server)...)
			}
			ts.VertexShards = make(map[string][]string)
			for _, name := range ts.Vertices {
				ts.VertexShards[name] = s.Split.shardsOn(name, t.server)
			}
		case n.Collection != "" && n.Collection == sn.Collection && n.Access() != storage.None:
			n.Shard = t.key
		}
	})
	return err
}

// deployRemote sends one instance of a data snippet
// per target to the servers holding the targets.
func (s *Session) deployRemote(ctx context.Context, sn *Snippet) error {
	targets, err := s.targets(sn)
	if err != nil {
		return err
	}
	wires := make(map[string][]SnippetWire)
	var servers []string
	for _, t := range targets {
		root := sn.Root.cloneSnippet()
		if err := s.bind(sn, root, t); err != nil {
			return err
		}
		sw, err := EncodeSnippet(fmt.Sprintf("%d:%s", sn.Boundary, t.key), root, s.rp)
		if err != nil {
			return err
		}
		if _, ok := wires[t.server]; !ok {
			servers = append(servers, t.server)
		}
		wires[t.server] = append(wires[t.server], sw)
	}
	raws := make([][]byte, len(servers))
	for i, server := range servers {
		b := &Bundle{Query: s.ID, Coordinator: s.c.Name, Options: s.c.Options}
		if !s.locked[server] {
			b.Locks = s.Split.Locks(server)
		}
		if err := b.SetSnippets(wires[server]); err != nil {
			return err
		}
		if raws[i], err = b.Encode(); err != nil {
			return err
		}
	}
	results := make([]map[string]string, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, server := range servers {
		i, server := i, server
		g.Go(func() error {
			ids, err := s.c.Transport.Setup(gctx, server, raws[i])
			results[i] = ids
			return err
		})
	}
	err = g.Wait()
	// engines created by successful setups must be
	// known to abort, even if another setup failed
	for i, server := range servers {
		if results[i] == nil {
			continue
		}
		s.locked[server] = true
		for _, id := range results[i] {
			s.data = append(s.data, vm.RemoteRef{Server: server, Engine: id})
		}
	}
	if err != nil {
		return err
	}
	for i, server := range servers {
		if len(results[i]) != len(wires[server]) {
			return errcode.Newf(errcode.ClusterEngineCount, "%s created %d engines for %d snippets", server, len(results[i]), len(wires[server]))
		}
	}
	boundary, ok := s.nodes[sn.Boundary]
	if !ok {
		return errcode.Newf(errcode.PlanStructure, "unknown remote #%d", sn.Boundary)
	}
	boundary.Refs = boundary.Refs[:0]
	for _, t := range targets {
		i := slices.Index(servers, t.server)
		id, ok := results[i][fmt.Sprintf("%d:%s", sn.Boundary, t.key)]
		if !ok {
			return errcode.Newf(errcode.ClusterEngineCount, "%s returned no engine for %s", t.server, t.key)
		}
		boundary.Refs = append(boundary.Refs, vm.RemoteRef{Server: t.server, Engine: id})
	}
	return nil
}

// abort shuts down everything deployed so far.
// Shutdown requests are best-effort; their
// failures are logged and otherwise ignored.
func (s *Session) abort(ctx context.Context, cause error) {
	code := errcode.CodeOf(cause)
	logger := s.c.logger().With(zap.String("query", s.ID))
	for _, ref := range s.data {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		if _, err := s.c.Transport.Shutdown(sctx, ref, code); err != nil {
			logger.Warn("teardown", zap.Stringer("engine", ref), zap.Error(err))
		}
		cancel()
	}
	s.data = nil
	s.shutdownLocal(cause)
}

func (s *Session) shutdownLocal(cause error) {
	for _, id := range s.local {
		if e, err := s.c.Local.Registry().Get(id); err == nil {
			e.Shutdown(cause)
			s.c.Local.Registry().Remove(id)
			s.c.Local.metrics.engines.Dec()
		}
	}
	s.local = nil
}

// Shutdown shuts down the query and returns its
// statistics. Engines on data nodes are shut down
// by the engines pulling from them.
func (s *Session) Shutdown(err error) (vm.Stats, error) {
	stats, err := s.Engine.Shutdown(err)
	s.shutdownLocal(err)
	return stats, err
}

// Run prepares the plan rooted at root, runs it to
// completion and shuts it down. The returned values
// are owned by the caller.
func (c *Coordinator) Run(ctx context.Context, root *Node) ([]value.Value, vm.Stats, error) {
	s, err := c.Prepare(ctx, root)
	if err != nil {
		return nil, vm.Stats{}, err
	}
	vals, err := s.Engine.All()
	stats, serr := s.Shutdown(err)
	if err == nil {
		err = serr
	}
	if err != nil {
		for i := range vals {
			vals[i].Destroy()
		}
		return nil, stats, err
	}
	return vals, stats, nil
}
