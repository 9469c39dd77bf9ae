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
	"sort"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/vm"
)

// ShardInfo places one shard on a server.
type ShardInfo struct {
	ID     string `json:"id" ion:"id"`
	Server string `json:"server" ion:"server"`
}

// CollectionTopology lists the shards
// of one collection in shard order.
type CollectionTopology struct {
	Shards    []ShardInfo `json:"shards"`
	ShardKeys []string    `json:"shardKeys,omitempty"`
}

// Topology is the cluster layout.
type Topology struct {
	Collections map[string]CollectionTopology `json:"collections"`
}

// Shards returns the shards of coll that
// are in allow, or all of them if allow is empty.
func (t *Topology) Shards(coll string, allow []string) ([]ShardInfo, error) {
	ct, ok := t.Collections[coll]
	if !ok {
		return nil, errcode.Newf(errcode.CollectionMissing, "collection %q not found", coll)
	}
	if len(allow) == 0 {
		return slices.Clone(ct.Shards), nil
	}
	var out []ShardInfo
	for _, s := range ct.Shards {
		if slices.Contains(allow, s.ID) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ShardKeys returns the shard keys of coll.
func (t *Topology) ShardKeys(coll string) []string {
	keys := t.Collections[coll].ShardKeys
	if len(keys) == 0 {
		return []string{"_key"}
	}
	return keys
}

// CollectionInfo is the use a query
// makes of one collection.
type CollectionInfo struct {
	Name string
	// Mode is the strictest access
	// of any node of the query.
	Mode   storage.AccessMode
	Shards []ShardInfo
}

// Snippet is a portion of a plan that runs
// within one engine per target.
type Snippet struct {
	// ID correlates a coordinator snippet
	// with the engines pulling from it.
	ID string
	// Boundary is the id of the Remote node
	// consuming the rows of the snippet; it is
	// 0 for the top snippet.
	Boundary    int
	Coordinator bool
	Root        *Node
	// Parent is the snippet holding Boundary.
	Parent *Snippet
	// Collection is the collection whose shards
	// a data snippet is instantiated for.
	Collection string
	// Traversals are the traversal nodes of
	// the snippet, instantiated per server.
	Traversals []*Node
}

// Split is a plan split into snippets.
type Split struct {
	// Snippets are ordered so that every snippet
	// comes before the snippet consuming it. The
	// last snippet is the top coordinator snippet.
	Snippets    []*Snippet
	Collections []*CollectionInfo
}

// Top returns the snippet producing the
// results of the query.
func (s *Split) Top() *Snippet { return s.Snippets[len(s.Snippets)-1] }

// Collection returns the use of the named
// collection, or nil if it is not used.
func (s *Split) Collection(name string) *CollectionInfo {
	for _, c := range s.Collections {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Locks returns the lock mode of every
// shard placed on server.
func (s *Split) Locks(server string) []ShardLock {
	var out []ShardLock
	for _, c := range s.Collections {
		if c.Mode == storage.None {
			continue
		}
		for _, sh := range c.Shards {
			if sh.Server == server {
				out = append(out, ShardLock{Shard: sh.ID, Mode: c.Mode})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}

// Servers returns the servers holding
// at least one shard used by the query.
func (s *Split) Servers() []string {
	var out []string
	for _, c := range s.Collections {
		for _, sh := range c.Shards {
			if !slices.Contains(out, sh.Server) {
				out = append(out, sh.Server)
			}
		}
	}
	slices.Sort(out)
	return out
}

// TraversalServers returns the servers holding edge
// shards of the traversals of sn, which run one
// engine per server.
func (s *Split) TraversalServers(sn *Snippet) []string {
	var out []string
	for _, t := range sn.Traversals {
		for _, name := range t.Traverse.Edges {
			c := s.Collection(name)
			if c == nil {
				continue
			}
			for _, sh := range c.Shards {
				if !slices.Contains(out, sh.Server) {
					out = append(out, sh.Server)
				}
			}
		}
	}
	slices.Sort(out)
	return out
}

// shardsOn returns the shards of the named
// collection placed on server.
func (s *Split) shardsOn(name, server string) []string {
	var out []string
	if c := s.Collection(name); c != nil {
		for _, sh := range c.Shards {
			if sh.Server == server {
				out = append(out, sh.ID)
			}
		}
	}
	return out
}

// ShardLock is a lock requested on a shard.
type ShardLock struct {
	Shard string             `ion:"shard"`
	Mode  storage.AccessMode `ion:"mode"`
}

type splitter struct {
	topo  *Topology
	allow []string
	out   Split
}

// NewSplit splits the plan rooted at root at its
// Remote nodes. The plan must start on the
// coordinator; every Remote switches between
// coordinator and data-node execution. Shards
// not in allow are excluded when allow is not
// empty.
//
// The plan is annotated in place: Scatter and
// Distribute nodes get their clients and shard
// keys from topo.
func NewSplit(root *Node, topo *Topology, allow []string) (*Split, error) {
	s := &splitter{topo: topo, allow: allow}
	top := &Snippet{ID: uuid.NewString(), Coordinator: true, Root: root}
	if err := s.walk(root, top); err != nil {
		return nil, err
	}
	if err := s.close(top); err != nil {
		return nil, err
	}
	sort.Slice(s.out.Collections, func(i, j int) bool {
		return s.out.Collections[i].Name < s.out.Collections[j].Name
	})
	for _, sn := range s.out.Snippets {
		if !sn.Coordinator || sn.Parent == nil {
			continue
		}
		if err := s.clients(sn); err != nil {
			return nil, err
		}
	}
	return &s.out, nil
}

func (s *splitter) walk(n *Node, cur *Snippet) error {
	if n.Kind == vm.KindRemote {
		if len(n.Deps) != 1 {
			return errcode.Newf(errcode.PlanStructure, "remote #%d has %d dependencies", n.ID, len(n.Deps))
		}
		next := &Snippet{
			Coordinator: !cur.Coordinator,
			Boundary:    n.ID,
			Root:        n.Deps[0],
			Parent:      cur,
		}
		if next.Coordinator {
			next.ID = uuid.NewString()
		}
		if err := s.walk(n.Deps[0], next); err != nil {
			return err
		}
		return s.close(next)
	}
	if err := s.note(n, cur); err != nil {
		return err
	}
	if n.Sub != nil {
		if err := s.walk(n.Sub, cur); err != nil {
			return err
		}
	}
	for _, d := range n.Deps {
		if err := s.walk(d, cur); err != nil {
			return err
		}
	}
	return nil
}

// note records the collections used by n.
func (s *splitter) note(n *Node, cur *Snippet) error {
	mode := n.Access()
	if mode == storage.None {
		return nil
	}
	if cur.Coordinator {
		return errcode.Newf(errcode.PlanStructure, "%s #%d must run on a data node", n.Kind, n.ID)
	}
	if n.Kind == vm.KindTraversal {
		if n.Traverse == nil || len(n.Traverse.Edges) == 0 {
			return errcode.Newf(errcode.PlanStructure, "traversal #%d has no edge collections", n.ID)
		}
		for _, c := range n.Traverse.Edges {
			if err := s.record(c, mode); err != nil {
				return err
			}
		}
		for _, c := range n.Traverse.Vertices {
			if err := s.record(c, mode); err != nil {
				return err
			}
		}
		cur.Traversals = append(cur.Traversals, n)
		return nil
	}
	if n.Collection == "" {
		return errcode.Newf(errcode.PlanStructure, "%s #%d has no collection", n.Kind, n.ID)
	}
	if err := s.record(n.Collection, mode); err != nil {
		return err
	}
	if cur.Collection == "" {
		cur.Collection = n.Collection
	} else if cur.Collection != n.Collection {
		return errcode.Newf(errcode.PlanStructure, "snippet uses both %q and %q", cur.Collection, n.Collection)
	}
	if isModify(n.Kind) && len(n.ShardKeys) == 0 {
		n.ShardKeys = s.topo.ShardKeys(n.Collection)
	}
	return nil
}

func (s *splitter) record(name string, mode storage.AccessMode) error {
	for _, c := range s.out.Collections {
		if c.Name == name {
			c.Mode = c.Mode.Max(mode)
			return nil
		}
	}
	shards, err := s.topo.Shards(name, s.allow)
	if err != nil {
		return err
	}
	s.out.Collections = append(s.out.Collections, &CollectionInfo{Name: name, Mode: mode, Shards: shards})
	return nil
}

func (s *splitter) close(sn *Snippet) error {
	if !sn.Coordinator {
		switch {
		case sn.Collection == "" && len(sn.Traversals) == 0:
			return errcode.Newf(errcode.PlanStructure, "data-node snippet below remote #%d uses no collection", sn.Boundary)
		case sn.Collection != "" && len(sn.Traversals) > 0:
			return errcode.Newf(errcode.PlanStructure, "traversal #%d shares a snippet with %q", sn.Traversals[0].ID, sn.Collection)
		}
	} else if sn.Parent != nil {
		switch sn.Root.Kind {
		case vm.KindScatter, vm.KindDistribute:
		default:
			return errcode.Newf(errcode.PlanStructure, "coordinator snippet below remote #%d must start with a scatter or distribute, not %s", sn.Boundary, sn.Root.Kind)
		}
	}
	s.out.Snippets = append(s.out.Snippets, sn)
	return nil
}

// clients sets the clients of the Scatter or
// Distribute at the root of sn: one per shard
// the consuming snippet runs on.
func (s *splitter) clients(sn *Snippet) error {
	n := sn.Root
	coll := n.Collection
	if coll == "" {
		coll = sn.Parent.Collection
	}
	n.Clients = n.Clients[:0]
	if coll == "" && len(sn.Parent.Traversals) > 0 {
		n.Clients = append(n.Clients, s.out.TraversalServers(sn.Parent)...)
		return nil
	}
	if coll == "" {
		return errcode.Newf(errcode.PlanStructure, "%s #%d feeds no collection", n.Kind, n.ID)
	}
	shards, err := s.topo.Shards(coll, s.allow)
	if err != nil {
		return err
	}
	for _, sh := range shards {
		n.Clients = append(n.Clients, sh.ID)
	}
	if n.Kind == vm.KindDistribute && len(n.ShardKeys) == 0 {
		n.ShardKeys = s.topo.ShardKeys(coll)
	}
	return nil
}
