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
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/sorting"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/vm"
)

// Node is one operator of a logical plan.
// Variables are referenced by positive ids;
// the same ids appear as expr.Var.ID in
// expressions. A variable id of 0 is unused.
type Node struct {
	// ID is unique within a plan.
	ID   int
	Kind vm.Kind
	Deps []*Node

	// Collection is the collection read or
	// written, or for Scatter and Distribute
	// the collection whose shards are the clients.
	Collection string
	// Shard is set once the node is bound
	// to one shard of Collection.
	Shard string

	// In is the variable consumed by the node
	// and Out the variable it defines.
	In, Out int
	Expr    expr.Node
	Cond    *expr.Condition
	Reverse bool

	Offset, Limit int
	FullCount     bool

	// Sort keys for Sort and sorted Gather.
	Sort     []SortVar
	Stable   bool
	Parallel bool

	// Sub is the nested plan of a Subquery.
	// Its root must be a Return.
	Sub *Node

	Collect  *CollectSpec
	Modify   *ModifySpec
	Traverse *TraversalSpec

	ShardKeys  []string
	CreateKeys bool

	// Refs are the engines a Remote pulls
	// from once the plan is deployed.
	Refs []vm.RemoteRef
	// Clients are the shards served by
	// a Scatter or Distribute.
	Clients []string
}

// SortVar is a sort key over a variable.
type SortVar struct {
	Var        int  `ion:"var"`
	Descending bool `ion:"desc,omitempty"`
}

// GroupVar maps a grouped variable to
// the variable holding the group key.
type GroupVar struct {
	In  int `ion:"in"`
	Out int `ion:"out"`
}

// AggregateVar is one aggregate of a Collect.
type AggregateVar struct {
	Func string `ion:"func"`
	In   int    `ion:"in,omitempty"`
	Out  int    `ion:"out"`
}

// KeepVar names a variable kept in INTO entries.
type KeepVar struct {
	Name string `ion:"name"`
	Var  int    `ion:"var"`
}

// CollectSpec configures the Collect kinds.
type CollectSpec struct {
	Groups     []GroupVar     `ion:"groups,omitempty"`
	Aggregates []AggregateVar `ion:"aggregates,omitempty"`
	Count      int            `ion:"count,omitempty"`
	Into       int            `ion:"into,omitempty"`
	IntoExpr   int            `ion:"into_expr,omitempty"`
	Keep       []KeepVar      `ion:"keep,omitempty"`
}

// ModifySpec configures the modification kinds.
type ModifySpec struct {
	Doc    int `ion:"doc,omitempty"`
	Key    int `ion:"key,omitempty"`
	Update int `ion:"update,omitempty"`
	Old    int `ion:"old,omitempty"`
	New    int `ion:"new,omitempty"`

	Write                  storage.WriteOptions `ion:"write"`
	IgnoreErrors           bool                 `ion:"ignore_errors,omitempty"`
	IgnoreDocumentNotFound bool                 `ion:"ignore_missing,omitempty"`
	ReadCompleteInput      bool                 `ion:"complete_input,omitempty"`
	UpsertReplace          bool                 `ion:"upsert_replace,omitempty"`
	// Exclusive requests an exclusive
	// lock instead of a write lock.
	Exclusive bool `ion:"exclusive,omitempty"`
}

// TraversalSpec configures a Traversal.
type TraversalSpec struct {
	Vertex   int               `ion:"vertex,omitempty"`
	Edge     int               `ion:"edge,omitempty"`
	Path     int               `ion:"path,omitempty"`
	MinDepth int               `ion:"min"`
	MaxDepth int               `ion:"max"`
	Dir      storage.Direction `ion:"dir"`
	// Edges and Vertices name the collections;
	// the shard lists are filled in when the
	// traversal is bound to a server.
	Edges        []string            `ion:"edges"`
	Vertices     []string            `ion:"vertices,omitempty"`
	EdgeShards   []string            `ion:"edge_shards,omitempty"`
	VertexShards map[string][]string `ion:"vertex_shards,omitempty"`
}

// Uses appends the variables read by n
// (not including those read by n.Sub).
func (n *Node) Uses(dst []int) []int {
	add := func(v int) {
		if v > 0 && !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	switch n.Kind {
	case vm.KindEnumerateList, vm.KindFilter, vm.KindReturn,
		vm.KindDistribute, vm.KindTraversal:
		add(n.In)
	case vm.KindIndex:
		if n.Cond != nil {
			for _, v := range n.Cond.Vars(nil) {
				add(v)
			}
		}
	case vm.KindCalculation:
		for _, v := range expr.Vars(nil, n.Expr) {
			add(v)
		}
	case vm.KindSort, vm.KindGather:
		for _, s := range n.Sort {
			add(s.Var)
		}
	case vm.KindSortedCollect, vm.KindHashedCollect:
		if c := n.Collect; c != nil {
			for _, g := range c.Groups {
				add(g.In)
			}
			for _, a := range c.Aggregates {
				add(a.In)
			}
			add(c.IntoExpr)
			for _, k := range c.Keep {
				add(k.Var)
			}
		}
	case vm.KindInsert, vm.KindRemove, vm.KindUpdate, vm.KindReplace, vm.KindUpsert:
		if m := n.Modify; m != nil {
			add(m.Doc)
			add(m.Key)
			add(m.Update)
		}
	}
	return dst
}

// Defines appends the variables defined by n.
func (n *Node) Defines(dst []int) []int {
	add := func(v int) {
		if v > 0 {
			dst = append(dst, v)
		}
	}
	switch n.Kind {
	case vm.KindEnumerateCollection, vm.KindEnumerateList, vm.KindIndex,
		vm.KindCalculation, vm.KindSubquery, vm.KindCountCollect:
		add(n.Out)
	case vm.KindSortedCollect, vm.KindHashedCollect:
		if c := n.Collect; c != nil {
			for _, g := range c.Groups {
				add(g.Out)
			}
			for _, a := range c.Aggregates {
				add(a.Out)
			}
			add(c.Count)
			add(c.Into)
		}
	case vm.KindInsert, vm.KindRemove, vm.KindUpdate, vm.KindReplace, vm.KindUpsert:
		if m := n.Modify; m != nil {
			add(m.Old)
			add(m.New)
		}
	case vm.KindTraversal:
		if t := n.Traverse; t != nil {
			add(t.Vertex)
			add(t.Edge)
			add(t.Path)
		}
	}
	return dst
}

// builds reports whether n produces fresh rows
// instead of passing its input rows through.
func (n *Node) builds() bool {
	switch n.Kind {
	case vm.KindEnumerateCollection, vm.KindEnumerateList, vm.KindIndex,
		vm.KindTraversal, vm.KindInsert, vm.KindRemove, vm.KindUpdate,
		vm.KindReplace, vm.KindUpsert:
		return true
	}
	return false
}

// collects reports whether n hides every
// variable defined below it.
func (n *Node) collects() bool {
	switch n.Kind {
	case vm.KindSortedCollect, vm.KindHashedCollect, vm.KindCountCollect:
		return true
	}
	return false
}

func isModify(k vm.Kind) bool {
	switch k {
	case vm.KindInsert, vm.KindRemove, vm.KindUpdate, vm.KindReplace, vm.KindUpsert:
		return true
	}
	return false
}

// Access returns the lock mode n requires
// on its collection.
func (n *Node) Access() storage.AccessMode {
	switch {
	case n.Kind == vm.KindEnumerateCollection || n.Kind == vm.KindIndex:
		return storage.Read
	case isModify(n.Kind):
		if n.Modify != nil && n.Modify.Exclusive {
			return storage.Exclusive
		}
		return storage.Write
	case n.Kind == vm.KindTraversal:
		return storage.Read
	}
	return storage.None
}

// Walk calls fn for n and every node below it,
// parents before dependencies. Nested plans
// are visited after the node owning them.
func Walk(n *Node, fn func(*Node)) {
	fn(n)
	if n.Sub != nil {
		Walk(n.Sub, fn)
	}
	for _, d := range n.Deps {
		Walk(d, fn)
	}
}

// walkSnippet is Walk but does not descend
// past Remote nodes.
func walkSnippet(n *Node, fn func(*Node)) {
	fn(n)
	if n.Sub != nil {
		walkSnippet(n.Sub, fn)
	}
	if n.Kind == vm.KindRemote {
		return
	}
	for _, d := range n.Deps {
		walkSnippet(d, fn)
	}
}

// Clone returns a deep copy of the tree rooted at n.
// Expressions are shared; they are never mutated.
func (n *Node) Clone() *Node { return n.clone(false) }

// cloneSnippet is Clone but stops at Remote
// nodes, which are copied without dependencies.
func (n *Node) cloneSnippet() *Node { return n.clone(true) }

func (n *Node) clone(snippet bool) *Node {
	c := *n
	c.Deps = nil
	if !snippet || n.Kind != vm.KindRemote {
		c.Deps = make([]*Node, len(n.Deps))
		for i := range n.Deps {
			c.Deps[i] = n.Deps[i].clone(snippet)
		}
	}
	if n.Sub != nil {
		c.Sub = n.Sub.clone(snippet)
	}
	c.Sort = slices.Clone(n.Sort)
	c.Refs = slices.Clone(n.Refs)
	c.Clients = slices.Clone(n.Clients)
	if n.Collect != nil {
		cs := *n.Collect
		c.Collect = &cs
	}
	if n.Modify != nil {
		ms := *n.Modify
		c.Modify = &ms
	}
	if n.Traverse != nil {
		ts := *n.Traverse
		ts.EdgeShards = slices.Clone(ts.EdgeShards)
		if ts.VertexShards != nil {
			vs := make(map[string][]string, len(ts.VertexShards))
			for k, v := range ts.VertexShards {
				vs[k] = slices.Clone(v)
			}
			ts.VertexShards = vs
		}
		c.Traverse = &ts
	}
	return &c
}

func (n *Node) sortKeys(rp *RegisterPlan) ([]sorting.Key, error) {
	keys := make([]sorting.Key, len(n.Sort))
	for i, s := range n.Sort {
		reg, err := rp.lookup(s.Var)
		if err != nil {
			return nil, err
		}
		keys[i] = sorting.Key{Register: reg, Direction: sorting.Ascending}
		if s.Descending {
			keys[i].Direction = sorting.Descending
		}
	}
	return keys, nil
}

// String returns an indented description
// of the tree rooted at n.
func (n *Node) String() string {
	var sb strings.Builder
	n.describe(&sb, 0)
	return sb.String()
}

func (n *Node) describe(dst *strings.Builder, indent int) {
	for i := 0; i < indent; i++ {
		dst.WriteString("  ")
	}
	fmt.Fprintf(dst, "%s #%d", n.Kind, n.ID)
	if n.Collection != "" {
		dst.WriteString(" ")
		dst.WriteString(n.Collection)
		if n.Shard != "" {
			dst.WriteString("/")
			dst.WriteString(n.Shard)
		}
	}
	if n.Expr != nil {
		dst.WriteString(" ")
		dst.WriteString(expr.ToString(n.Expr))
	}
	for _, r := range n.Refs {
		dst.WriteString(" ")
		dst.WriteString(r.String())
	}
	dst.WriteString("\n")
	if n.Sub != nil {
		n.Sub.describe(dst, indent+2)
	}
	for _, d := range n.Deps {
		d.describe(dst, indent+1)
	}
}
