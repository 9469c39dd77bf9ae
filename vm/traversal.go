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
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// TraversalOptions configure a Traversal.
// Unused output registers are -1.
type TraversalOptions struct {
	// In holds the start vertex: a document,
	// a document id or an object with _id.
	In                 int
	Vertex, Edge, Path int
	MinDepth, MaxDepth int
	Direction          storage.Direction
	// EdgeShards are the edge shards to follow.
	EdgeShards []string
	// VertexShards maps vertex collections to
	// the shards that may hold their documents.
	VertexShards map[string][]string
}

type step struct {
	id     string
	vertex *value.Document
	edge   *value.Document
	parent *step
	depth  int
}

// Traversal produces the vertices reachable from
// a start vertex, breadth first, visiting every
// vertex at most once.
type Traversal struct {
	expander
	opts  TraversalOptions
	graph storage.GraphStore
	found []*step
	served int
}

// NewTraversal returns a Traversal over dep.
func NewTraversal(q *Query, dep Block, regs RegisterInfo, opts TraversalOptions) (*Traversal, error) {
	g, ok := q.Storage.(storage.GraphStore)
	if !ok {
		return nil, errcode.Newf(errcode.NotImplemented, "storage does not support traversals")
	}
	if opts.Vertex < 0 && opts.Edge < 0 && opts.Path < 0 {
		return nil, structural("traversal without output registers")
	}
	t := &Traversal{opts: opts, graph: g}
	var outs []int
	for _, reg := range []int{opts.Vertex, opts.Edge, opts.Path} {
		if reg >= 0 {
			outs = append(outs, reg)
		}
	}
	t.expander = expander{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		src:  t,
		outs: outs,
	}
	return t, nil
}

func (t *Traversal) Kind() Kind { return KindTraversal }

func vertexID(v value.Value) string {
	switch {
	case v.Kind() == value.External:
		return v.Document().ID()
	case v.IsString():
		return v.Str()
	case v.IsObject():
		if id := v.Get("_id"); id.IsString() {
			return id.Str()
		}
	}
	return ""
}

// vertex reads the document with the given id,
// returning nil if it does not exist.
func (t *Traversal) vertex(id string) (*value.Document, error) {
	coll, key, ok := strings.Cut(id, "/")
	if !ok {
		return nil, nil
	}
	for _, shard := range t.opts.VertexShards[coll] {
		doc, err := t.q.Storage.Read(t.q.Context, shard, key)
		if err == nil {
			return doc, nil
		}
		if errcode.CodeOf(err) != errcode.DocumentNotFound {
			return nil, err
		}
	}
	return nil, nil
}

func (t *Traversal) start(blk *ItemBlock, row int) error {
	t.found = t.found[:0]
	t.served = 0
	id := vertexID(blk.Get(row, t.opts.In))
	if id == "" {
		return nil
	}
	doc, err := t.vertex(id)
	if err != nil {
		return err
	}
	root := &step{id: id, vertex: doc}
	if t.opts.MinDepth == 0 {
		t.found = append(t.found, root)
	}
	visited := map[string]bool{id: true}
	frontier := []*step{root}
	for depth := 1; depth <= t.opts.MaxDepth && len(frontier) > 0; depth++ {
		var next []*step
		for _, s := range frontier {
			if err := t.q.Check(); err != nil {
				return err
			}
			for _, shard := range t.opts.EdgeShards {
				edges, err := t.graph.Edges(t.q.Context, shard, s.id, t.opts.Direction)
				if err != nil {
					return err
				}
				for _, e := range edges {
					other := e.Get("_to").Str()
					if other == s.id {
						other = e.Get("_from").Str()
					}
					if visited[other] {
						continue
					}
					visited[other] = true
					doc, err := t.vertex(other)
					if err != nil {
						return err
					}
					child := &step{id: other, vertex: doc, edge: e, parent: s, depth: depth}
					if depth >= t.opts.MinDepth {
						t.found = append(t.found, child)
					}
					next = append(next, child)
				}
			}
		}
		frontier = next
	}
	return nil
}

func (t *Traversal) path(s *step) value.Value {
	var verts, edges []value.Value
	for ; s != nil; s = s.parent {
		verts = append(verts, value.NewExternal(s.vertex))
		if s.edge != nil {
			edges = append(edges, value.NewExternal(s.edge))
		}
	}
	reverse(verts)
	reverse(edges)
	h := t.q.Heap
	return h.Object([]string{"edges", "vertices"}, []value.Value{h.Array(edges...), h.Array(verts...)})
}

func reverse(vs []value.Value) {
	for i, j := 0, len(vs)-1; i < j; i, j = i+1, j-1 {
		vs[i], vs[j] = vs[j], vs[i]
	}
}

func (t *Traversal) next(n int) ([]value.Value, error) {
	end := min(len(t.found), t.served+n)
	var vals []value.Value
	for _, s := range t.found[t.served:end] {
		if t.opts.Vertex >= 0 {
			vals = append(vals, value.NewExternal(s.vertex))
		}
		if t.opts.Edge >= 0 {
			vals = append(vals, value.NewExternal(s.edge))
		}
		if t.opts.Path >= 0 {
			vals = append(vals, t.path(s))
		}
	}
	t.served = end
	return vals, nil
}

func (t *Traversal) stop() {
	t.found = t.found[:0]
	t.served = 0
}
