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
	"bytes"
	"fmt"

	"github.com/amazon-ion/ion-go/ion"
	"golang.org/x/crypto/blake2b"

	"github.com/SnellerInc/shardql/compr"
	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/expr"
	"github.com/SnellerInc/shardql/vm"
)

// NodeWire is the serialized form of a Node.
// Dependencies and nested plans are referenced
// by node id.
type NodeWire struct {
	ID   int     `ion:"id"`
	Kind vm.Kind `ion:"kind"`
	Deps []int   `ion:"deps,omitempty"`
	Sub  int     `ion:"sub,omitempty"`

	Collection string            `ion:"coll,omitempty"`
	Shard      string            `ion:"shard,omitempty"`
	In         int               `ion:"in,omitempty"`
	Out        int               `ion:"out,omitempty"`
	Expr       *expr.Wire        `ion:"expr,omitempty"`
	Cond       []expr.WireBranch `ion:"cond,omitempty"`
	Reverse    bool              `ion:"reverse,omitempty"`
	Offset     int               `ion:"offset,omitempty"`
	Limit      int               `ion:"limit,omitempty"`
	FullCount  bool              `ion:"full_count,omitempty"`
	Sort       []SortVar         `ion:"sort,omitempty"`
	Stable     bool              `ion:"stable,omitempty"`
	Parallel   bool              `ion:"parallel,omitempty"`
	Collect    *CollectSpec      `ion:"collect,omitempty"`
	Modify     *ModifySpec       `ion:"modify,omitempty"`
	Traverse   *TraversalSpec    `ion:"traverse,omitempty"`
	ShardKeys  []string          `ion:"shard_keys,omitempty"`
	CreateKeys bool              `ion:"create_keys,omitempty"`
	Refs       []vm.RemoteRef    `ion:"refs,omitempty"`
	Clients    []string          `ion:"clients,omitempty"`

	Regs NodeRegisters `ion:"regs"`
}

// SnippetWire is one snippet instance
// shipped to a data node.
type SnippetWire struct {
	// Key correlates the engine created for
	// the snippet with the request.
	Key   string        `ion:"key"`
	Root  int           `ion:"root"`
	Width int           `ion:"width"`
	Vars  []VarRegister `ion:"vars,omitempty"`
	Nodes []NodeWire    `ion:"nodes"`
}

// EncodeSnippet serializes the snippet rooted at
// root. Encoding stops at Remote nodes.
func EncodeSnippet(key string, root *Node, rp *RegisterPlan) (SnippetWire, error) {
	sw := SnippetWire{Key: key, Root: root.ID, Width: rp.Width}
	used := make(map[int]bool)
	var err error
	var encode func(n *Node)
	encode = func(n *Node) {
		if err != nil {
			return
		}
		nr, ok := rp.Node(n.ID)
		if !ok {
			err = errcode.Newf(errcode.PlanStructure, "%s #%d has no registers", n.Kind, n.ID)
			return
		}
		w := NodeWire{
			ID:         n.ID,
			Kind:       n.Kind,
			Collection: n.Collection,
			Shard:      n.Shard,
			In:         n.In,
			Out:        n.Out,
			Reverse:    n.Reverse,
			Offset:     n.Offset,
			Limit:      n.Limit,
			FullCount:  n.FullCount,
			Sort:       n.Sort,
			Stable:     n.Stable,
			Parallel:   n.Parallel,
			Collect:    n.Collect,
			Modify:     n.Modify,
			Traverse:   n.Traverse,
			ShardKeys:  n.ShardKeys,
			CreateKeys: n.CreateKeys,
			Refs:       n.Refs,
			Clients:    n.Clients,
			Regs:       nr,
		}
		if n.Expr != nil {
			ew := expr.Encode(n.Expr)
			w.Expr = &ew
		}
		if n.Cond != nil {
			w.Cond = expr.EncodeCondition(n.Cond)
		}
		for _, v := range n.Uses(n.Defines(nil)) {
			used[v] = true
		}
		if n.Sub != nil {
			w.Sub = n.Sub.ID
		}
		if n.Kind != vm.KindRemote {
			for _, d := range n.Deps {
				w.Deps = append(w.Deps, d.ID)
			}
		}
		sw.Nodes = append(sw.Nodes, w)
		if n.Sub != nil {
			encode(n.Sub)
		}
		if n.Kind != vm.KindRemote {
			for _, d := range n.Deps {
				encode(d)
			}
		}
	}
	encode(root)
	if err != nil {
		return SnippetWire{}, err
	}
	for _, vr := range rp.Vars() {
		if used[vr.Var] {
			sw.Vars = append(sw.Vars, vr)
		}
	}
	return sw, nil
}

// Decode rebuilds the snippet tree and
// its register plan.
func (sw *SnippetWire) Decode() (*Node, *RegisterPlan, error) {
	rp := &RegisterPlan{
		Width: sw.Width,
		vars:  make(map[int]int, len(sw.Vars)),
		nodes: make(map[int]*NodeRegisters, len(sw.Nodes)),
		final: true,
	}
	for _, vr := range sw.Vars {
		if vr.Reg < 0 || vr.Reg >= sw.Width {
			return nil, nil, errcode.Newf(errcode.PlanStructure, "variable %d has register %d outside width %d", vr.Var, vr.Reg, sw.Width)
		}
		rp.vars[vr.Var] = vr.Reg
	}
	nodes := make(map[int]*Node, len(sw.Nodes))
	for i := range sw.Nodes {
		w := &sw.Nodes[i]
		if _, dup := nodes[w.ID]; dup {
			return nil, nil, errcode.Newf(errcode.PlanStructure, "node id %d is not unique", w.ID)
		}
		n := &Node{
			ID:         w.ID,
			Kind:       w.Kind,
			Collection: w.Collection,
			Shard:      w.Shard,
			In:         w.In,
			Out:        w.Out,
			Reverse:    w.Reverse,
			Offset:     w.Offset,
			Limit:      w.Limit,
			FullCount:  w.FullCount,
			Sort:       w.Sort,
			Stable:     w.Stable,
			Parallel:   w.Parallel,
			Collect:    w.Collect,
			Modify:     w.Modify,
			Traverse:   w.Traverse,
			ShardKeys:  w.ShardKeys,
			CreateKeys: w.CreateKeys,
			Refs:       w.Refs,
			Clients:    w.Clients,
		}
		var err error
		if w.Expr != nil {
			if n.Expr, err = expr.Decode(*w.Expr); err != nil {
				return nil, nil, err
			}
		}
		if len(w.Cond) > 0 {
			if n.Cond, err = expr.DecodeCondition(w.Cond); err != nil {
				return nil, nil, err
			}
		}
		regs := w.Regs
		rp.nodes[w.ID] = &regs
		nodes[w.ID] = n
	}
	link := func(id int) (*Node, error) {
		n, ok := nodes[id]
		if !ok {
			return nil, errcode.Newf(errcode.PlanStructure, "reference to unknown node %d", id)
		}
		return n, nil
	}
	for i := range sw.Nodes {
		w := &sw.Nodes[i]
		n := nodes[w.ID]
		for _, id := range w.Deps {
			d, err := link(id)
			if err != nil {
				return nil, nil, err
			}
			n.Deps = append(n.Deps, d)
		}
		if w.Sub != 0 {
			sub, err := link(w.Sub)
			if err != nil {
				return nil, nil, err
			}
			n.Sub = sub
		}
	}
	root, err := link(sw.Root)
	if err != nil {
		return nil, nil, err
	}
	return root, rp, nil
}

// Bundle is a setup request: the snippets
// one server instantiates for a query.
type Bundle struct {
	Query       string      `ion:"query"`
	Coordinator string      `ion:"coordinator"`
	Options     Options     `ion:"options"`
	Locks       []ShardLock `ion:"locks,omitempty"`
	// Sum is the blake2b-256 digest of the
	// serialized snippets; servers use it to
	// cache decoded plans.
	Sum      []byte `ion:"sum"`
	Snippets []byte `ion:"snippets"`
}

type snippetList struct {
	Snippets []SnippetWire `ion:"snippets"`
}

// bundleCompression is used for
// the snippets of a Bundle.
const bundleCompression = "zstd"

// SetSnippets serializes lst into b.
func (b *Bundle) SetSnippets(lst []SnippetWire) error {
	raw, err := ion.MarshalBinary(&snippetList{Snippets: lst})
	if err != nil {
		return fmt.Errorf("plan.Bundle: encoding snippets: %w", err)
	}
	sum := blake2b.Sum256(raw)
	b.Sum = sum[:]
	b.Snippets = compr.Pack(compr.Compression(bundleCompression), raw, nil)
	return nil
}

// DecodeSnippets reverses SetSnippets,
// verifying the digest.
func (b *Bundle) DecodeSnippets() ([]SnippetWire, error) {
	raw, err := compr.Unpack(compr.Decompression(bundleCompression), b.Snippets)
	if err != nil {
		return nil, errcode.Wrapf(errcode.ClusterBadResponse, err, "plan.Bundle")
	}
	sum := blake2b.Sum256(raw)
	if !bytes.Equal(sum[:], b.Sum) {
		return nil, errcode.Newf(errcode.ClusterBadResponse, "plan.Bundle: snippet digest mismatch")
	}
	var lst snippetList
	if err := ion.Unmarshal(raw, &lst); err != nil {
		return nil, errcode.Wrapf(errcode.ClusterBadResponse, err, "plan.Bundle: decoding snippets")
	}
	return lst.Snippets, nil
}

// Encode serializes b.
func (b *Bundle) Encode() ([]byte, error) {
	return ion.MarshalBinary(b)
}

// DecodeBundle reverses Bundle.Encode.
func DecodeBundle(raw []byte) (*Bundle, error) {
	b := new(Bundle)
	if err := ion.Unmarshal(raw, b); err != nil {
		return nil, errcode.Wrapf(errcode.ClusterBadResponse, err, "plan.DecodeBundle")
	}
	return b, nil
}
