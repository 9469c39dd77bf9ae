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
	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/vm"
)

// Instantiate builds the blocks of the plan rooted at
// root. It returns the root block and the register
// of the root block's rows holding the results.
//
// Remote nodes are leaves: their dependencies run on
// other servers and are reached through their Refs.
// A Remote under a Gather produces one vm.Remote per
// reference; anywhere else it must have exactly one.
func Instantiate(q *vm.Query, root *Node, rp *RegisterPlan) (vm.Block, int, error) {
	b := &builder{q: q, rp: rp}
	blk, err := b.build(root, true)
	if err != nil {
		return nil, -1, err
	}
	if ret, ok := blk.(*vm.Return); ok {
		return blk, ret.Register(), nil
	}
	return blk, -1, nil
}

type builder struct {
	q  *vm.Query
	rp *RegisterPlan
}

func (b *builder) regs(n *Node) (vm.RegisterInfo, error) {
	nr, ok := b.rp.nodes[n.ID]
	if !ok {
		return vm.RegisterInfo{}, errcode.Newf(errcode.PlanStructure, "%s #%d has no registers", n.Kind, n.ID)
	}
	return nr.Regs, nil
}

func (b *builder) dep(n *Node) (vm.Block, error) {
	if len(n.Deps) != 1 {
		return nil, errcode.Newf(errcode.PlanStructure, "%s #%d has %d dependencies", n.Kind, n.ID, len(n.Deps))
	}
	return b.build(n.Deps[0], false)
}

func (b *builder) shard(n *Node) (string, error) {
	if n.Shard == "" {
		return "", errcode.Newf(errcode.PlanStructure, "%s #%d on %q is not bound to a shard", n.Kind, n.ID, n.Collection)
	}
	return n.Shard, nil
}

func (b *builder) remotes(n *Node, regs vm.RegisterInfo) []vm.Block {
	out := make([]vm.Block, len(n.Refs))
	for i := range n.Refs {
		out[i] = vm.NewRemote(b.q, regs, n.Refs[i])
	}
	return out
}

func (b *builder) build(n *Node, root bool) (vm.Block, error) {
	regs, err := b.regs(n)
	if err != nil {
		return nil, err
	}
	switch n.Kind {
	case vm.KindSingleton:
		return vm.NewSingleton(b.q, b.rp.Width, b.rp.nodes[n.ID].Whitelist), nil
	case vm.KindNoResults:
		deps := make([]vm.Block, len(n.Deps))
		for i := range n.Deps {
			deps[i], err = b.build(n.Deps[i], false)
			if err != nil {
				return nil, err
			}
		}
		return vm.NewNoResults(b.q, b.rp.Width, deps...), nil
	case vm.KindRemote:
		if len(n.Refs) != 1 {
			return nil, errcode.Newf(errcode.PlanStructure, "remote #%d has %d engines outside a gather", n.ID, len(n.Refs))
		}
		return vm.NewRemote(b.q, regs, n.Refs[0]), nil
	case vm.KindGather:
		var deps []vm.Block
		for _, d := range n.Deps {
			if d.Kind == vm.KindRemote {
				dregs, err := b.regs(d)
				if err != nil {
					return nil, err
				}
				deps = append(deps, b.remotes(d, dregs)...)
				continue
			}
			blk, err := b.build(d, false)
			if err != nil {
				return nil, err
			}
			deps = append(deps, blk)
		}
		if len(deps) == 0 {
			return nil, errcode.Newf(errcode.PlanStructure, "gather #%d has no inputs", n.ID)
		}
		keys, err := n.sortKeys(b.rp)
		if err != nil {
			return nil, err
		}
		return vm.NewGather(b.q, deps, regs, keys, n.Parallel), nil
	}

	dep, err := b.dep(n)
	if err != nil {
		return nil, err
	}
	switch n.Kind {
	case vm.KindEnumerateCollection:
		shard, err := b.shard(n)
		if err != nil {
			return nil, err
		}
		out, err := b.rp.lookup(n.Out)
		if err != nil {
			return nil, err
		}
		return vm.NewEnumerateCollection(b.q, dep, regs, shard, out, n.Reverse), nil
	case vm.KindEnumerateList:
		in, err := b.rp.lookup(n.In)
		if err != nil {
			return nil, err
		}
		out, err := b.rp.lookup(n.Out)
		if err != nil {
			return nil, err
		}
		return vm.NewEnumerateList(b.q, dep, regs, in, out), nil
	case vm.KindIndex:
		shard, err := b.shard(n)
		if err != nil {
			return nil, err
		}
		if n.Cond == nil {
			return nil, errcode.Newf(errcode.PlanStructure, "index #%d has no condition", n.ID)
		}
		vars, err := b.rp.varMap(n.Cond.Vars(nil))
		if err != nil {
			return nil, err
		}
		out, err := b.rp.lookup(n.Out)
		if err != nil {
			return nil, err
		}
		return vm.NewIndex(b.q, dep, regs, shard, n.Cond, vars, out, n.Reverse), nil
	case vm.KindFilter:
		in, err := b.rp.lookup(n.In)
		if err != nil {
			return nil, err
		}
		return vm.NewFilter(b.q, dep, regs, in), nil
	case vm.KindLimit:
		return vm.NewLimit(b.q, dep, regs, n.Offset, n.Limit, n.FullCount), nil
	case vm.KindCalculation:
		if n.Expr == nil {
			return nil, errcode.Newf(errcode.PlanStructure, "calculation #%d has no expression", n.ID)
		}
		vars, err := b.rp.varMap(n.Uses(nil))
		if err != nil {
			return nil, err
		}
		out, err := b.rp.lookup(n.Out)
		if err != nil {
			return nil, err
		}
		return vm.NewCalculation(b.q, dep, regs, n.Expr, out, vars), nil
	case vm.KindSubquery:
		sub, err := b.build(n.Sub, false)
		if err != nil {
			return nil, err
		}
		ret, ok := sub.(*vm.Return)
		if !ok {
			return nil, errcode.Newf(errcode.PlanStructure, "nested plan of #%d must end in Return", n.ID)
		}
		out, err := b.rp.lookup(n.Out)
		if err != nil {
			return nil, err
		}
		return vm.NewSubquery(b.q, dep, sub, regs, ret.Register(), out), nil
	case vm.KindSort:
		keys, err := n.sortKeys(b.rp)
		if err != nil {
			return nil, err
		}
		return vm.NewSort(b.q, dep, regs, keys, n.Stable || b.q.StableSort), nil
	case vm.KindSortedCollect, vm.KindHashedCollect:
		opts, err := b.collect(n)
		if err != nil {
			return nil, err
		}
		if n.Kind == vm.KindSortedCollect {
			return vm.NewSortedCollect(b.q, dep, regs, opts), nil
		}
		hc, err := vm.NewHashedCollect(b.q, dep, regs, opts)
		if err != nil {
			return nil, err
		}
		return hc, nil
	case vm.KindCountCollect:
		out, err := b.rp.lookup(n.Out)
		if err != nil {
			return nil, err
		}
		return vm.NewCountCollect(b.q, dep, regs, out), nil
	case vm.KindReturn:
		in, err := b.rp.lookup(n.In)
		if err != nil {
			return nil, err
		}
		return vm.NewReturn(b.q, dep, regs, in, root), nil
	case vm.KindInsert, vm.KindRemove, vm.KindUpdate, vm.KindReplace, vm.KindUpsert:
		opts, err := b.modify(n)
		if err != nil {
			return nil, err
		}
		m, err := vm.NewModify(b.q, n.Kind, dep, regs, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	case vm.KindScatter:
		if len(n.Clients) == 0 {
			return nil, errcode.Newf(errcode.PlanStructure, "scatter #%d has no clients", n.ID)
		}
		return vm.NewScatter(b.q, dep, regs, n.Clients), nil
	case vm.KindDistribute:
		if len(n.Clients) == 0 {
			return nil, errcode.Newf(errcode.PlanStructure, "distribute #%d has no clients", n.ID)
		}
		in, err := b.rp.lookup(n.In)
		if err != nil {
			return nil, err
		}
		return vm.NewDistribute(b.q, dep, regs, n.Clients, vm.DistributeOptions{
			Reg:        in,
			ShardKeys:  n.ShardKeys,
			CreateKeys: n.CreateKeys,
		}), nil
	case vm.KindTraversal:
		opts, err := b.traversal(n)
		if err != nil {
			return nil, err
		}
		t, err := vm.NewTraversal(b.q, dep, regs, opts)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, errcode.Newf(errcode.NotImplemented, "cannot instantiate %s #%d", n.Kind, n.ID)
}

func (b *builder) collect(n *Node) (vm.CollectOptions, error) {
	c := n.Collect
	if c == nil {
		return vm.CollectOptions{}, errcode.Newf(errcode.PlanStructure, "collect #%d has no options", n.ID)
	}
	var opts vm.CollectOptions
	var err error
	for _, g := range c.Groups {
		var gr vm.GroupRegister
		if gr.In, err = b.rp.lookup(g.In); err != nil {
			return opts, err
		}
		if gr.Out, err = b.rp.lookup(g.Out); err != nil {
			return opts, err
		}
		opts.Groups = append(opts.Groups, gr)
	}
	for _, a := range c.Aggregates {
		fn, err := vm.LookupAggregate(a.Func)
		if err != nil {
			return opts, err
		}
		agg := vm.Aggregate{Func: fn}
		if agg.In, err = b.rp.optional(a.In); err != nil {
			return opts, err
		}
		if agg.Out, err = b.rp.lookup(a.Out); err != nil {
			return opts, err
		}
		opts.Aggregates = append(opts.Aggregates, agg)
	}
	if opts.Count, err = b.rp.optional(c.Count); err != nil {
		return opts, err
	}
	if opts.Into, err = b.rp.optional(c.Into); err != nil {
		return opts, err
	}
	if opts.IntoExpr, err = b.rp.optional(c.IntoExpr); err != nil {
		return opts, err
	}
	for _, k := range c.Keep {
		reg, err := b.rp.lookup(k.Var)
		if err != nil {
			return opts, err
		}
		opts.Keep = append(opts.Keep, vm.KeepVariable{Name: k.Name, Reg: reg})
	}
	return opts, nil
}

func (b *builder) modify(n *Node) (vm.ModifyOptions, error) {
	m := n.Modify
	if m == nil {
		return vm.ModifyOptions{}, errcode.Newf(errcode.PlanStructure, "%s #%d has no options", n.Kind, n.ID)
	}
	shard, err := b.shard(n)
	if err != nil {
		return vm.ModifyOptions{}, err
	}
	opts := vm.ModifyOptions{
		Shard:                  shard,
		Write:                  m.Write,
		IgnoreErrors:           m.IgnoreErrors,
		IgnoreDocumentNotFound: m.IgnoreDocumentNotFound,
		ReadCompleteInput:      m.ReadCompleteInput,
		UpsertReplace:          m.UpsertReplace,
		ShardKeys:              n.ShardKeys,
	}
	for _, f := range []struct {
		dst *int
		v   int
	}{
		{&opts.Doc, m.Doc}, {&opts.Key, m.Key}, {&opts.Update, m.Update},
		{&opts.Old, m.Old}, {&opts.New, m.New},
	} {
		if *f.dst, err = b.rp.optional(f.v); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func (b *builder) traversal(n *Node) (vm.TraversalOptions, error) {
	t := n.Traverse
	if t == nil {
		return vm.TraversalOptions{}, errcode.Newf(errcode.PlanStructure, "traversal #%d has no options", n.ID)
	}
	opts := vm.TraversalOptions{
		MinDepth:     t.MinDepth,
		MaxDepth:     t.MaxDepth,
		Direction:    t.Dir,
		EdgeShards:   t.EdgeShards,
		VertexShards: t.VertexShards,
	}
	var err error
	if opts.In, err = b.rp.lookup(n.In); err != nil {
		return opts, err
	}
	for _, f := range []struct {
		dst *int
		v   int
	}{{&opts.Vertex, t.Vertex}, {&opts.Edge, t.Edge}, {&opts.Path, t.Path}} {
		if *f.dst, err = b.rp.optional(f.v); err != nil {
			return opts, err
		}
	}
	return opts, nil
}
