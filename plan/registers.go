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
	"golang.org/x/exp/slices"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/vm"
)

// NodeRegisters is the register assignment
// of one node.
type NodeRegisters struct {
	// Depth counts the variable-defining
	// nodes at or below the node.
	Depth int             `ion:"depth"`
	Regs  vm.RegisterInfo `ion:"regs"`
	// Whitelist lists the registers a nested
	// Singleton inherits from the outer row.
	Whitelist []int `ion:"whitelist,omitempty"`
}

// VarRegister is one variable assignment.
type VarRegister struct {
	Var int `ion:"var"`
	Reg int `ion:"reg"`
}

// RegisterPlan assigns a register to every
// variable of a plan and describes, per node,
// the registers kept and cleared. It is
// immutable once built.
type RegisterPlan struct {
	// Width is the register count of every
	// row produced by the plan.
	Width int

	vars   map[int]int
	nodes  map[int]*NodeRegisters
	depths []int
	final  bool
}

// Register returns the register of variable v.
func (p *RegisterPlan) Register(v int) (int, bool) {
	r, ok := p.vars[v]
	return r, ok
}

func (p *RegisterPlan) lookup(v int) (int, error) {
	r, ok := p.vars[v]
	if !ok {
		return -1, errcode.Newf(errcode.VariableNotFound, "variable %d has no register", v)
	}
	return r, nil
}

// optional returns the register of v or -1 if v is 0.
func (p *RegisterPlan) optional(v int) (int, error) {
	if v == 0 {
		return -1, nil
	}
	return p.lookup(v)
}

func (p *RegisterPlan) varMap(vars []int) (map[int]int, error) {
	m := make(map[int]int, len(vars))
	for _, v := range vars {
		r, err := p.lookup(v)
		if err != nil {
			return nil, err
		}
		m[v] = r
	}
	return m, nil
}

// Node returns the registers of the node with id.
func (p *RegisterPlan) Node(id int) (NodeRegisters, bool) {
	nr, ok := p.nodes[id]
	if !ok {
		return NodeRegisters{}, false
	}
	return *nr, true
}

// Depths returns, per depth, the number of
// registers defined up to that depth.
func (p *RegisterPlan) Depths() []int { return slices.Clone(p.depths) }

// Vars returns the variable assignments
// sorted by variable.
func (p *RegisterPlan) Vars() []VarRegister {
	out := make([]VarRegister, 0, len(p.vars))
	for v, r := range p.vars {
		out = append(out, VarRegister{Var: v, Reg: r})
	}
	slices.SortFunc(out, func(a, b VarRegister) bool { return a.Var < b.Var })
	return out
}

func (p *RegisterPlan) node(id int) *NodeRegisters {
	if p.final {
		panic("plan: RegisterPlan modified after it was finalized")
	}
	nr := p.nodes[id]
	if nr == nil {
		nr = &NodeRegisters{}
		p.nodes[id] = nr
	}
	return nr
}

func (p *RegisterPlan) define(v int, id int) error {
	if p.final {
		panic("plan: RegisterPlan modified after it was finalized")
	}
	if _, ok := p.vars[v]; ok {
		return errcode.Newf(errcode.PlanStructure, "variable %d redefined by node #%d", v, id)
	}
	p.vars[v] = p.Width
	p.Width++
	return nil
}

// scope is the set of variables
// visible at some point of a plan.
type scope struct {
	vis   []int
	depth int
}

type planner struct {
	rp *RegisterPlan
	// per node id: variables needed above the
	// node and outer variables read inside
	// a nested plan
	above map[int][]int
	outer map[int][]int
	seen  map[int]bool
}

// PlanRegisters assigns registers for the plan rooted at root.
// Every variable gets its own register, so rows of any node
// of the plan share one width. A root Return passes its rows
// through; a nested Return projects its input onto register 0.
func PlanRegisters(root *Node) (*RegisterPlan, error) {
	p := &planner{
		rp: &RegisterPlan{
			vars:  make(map[int]int),
			nodes: make(map[int]*NodeRegisters),
		},
		above: make(map[int][]int),
		outer: make(map[int][]int),
		seen:  make(map[int]bool),
	}
	if _, err := p.assign(root, scope{}); err != nil {
		return nil, err
	}
	p.need(root, nil)
	p.present(root, nil, true)
	for _, nr := range p.rp.nodes {
		nr.Regs.In = p.rp.Width
		nr.Regs.Out = p.rp.Width
	}
	p.rp.final = true
	return p.rp, nil
}

func (p *planner) assign(n *Node, seed scope) (scope, error) {
	if p.seen[n.ID] {
		return scope{}, errcode.Newf(errcode.PlanStructure, "node id %d is not unique", n.ID)
	}
	p.seen[n.ID] = true
	in := seed
	for i, d := range n.Deps {
		s, err := p.assign(d, seed)
		if err != nil {
			return scope{}, err
		}
		if i == 0 {
			in = s
		}
	}
	if n.Kind == vm.KindSubquery && n.Sub == nil {
		return scope{}, errcode.Newf(errcode.PlanStructure, "subquery #%d has no nested plan", n.ID)
	}
	for _, v := range n.Uses(nil) {
		if !slices.Contains(in.vis, v) {
			return scope{}, errcode.Newf(errcode.VariableNotFound, "variable %d is not visible at %s #%d", v, n.Kind, n.ID)
		}
	}
	if n.Sub != nil {
		if n.Sub.Kind != vm.KindReturn {
			return scope{}, errcode.Newf(errcode.PlanStructure, "nested plan of #%d must end in Return", n.ID)
		}
		if _, err := p.assign(n.Sub, scope{vis: in.vis, depth: in.depth + 1}); err != nil {
			return scope{}, err
		}
		var outer []int
		Walk(n.Sub, func(c *Node) {
			for _, v := range c.Uses(nil) {
				if slices.Contains(in.vis, v) && !slices.Contains(outer, v) {
					outer = append(outer, v)
				}
			}
		})
		p.outer[n.ID] = outer
		leaf := n.Sub
		for len(leaf.Deps) > 0 {
			leaf = leaf.Deps[0]
		}
		if leaf.Kind != vm.KindSingleton {
			return scope{}, errcode.Newf(errcode.PlanStructure, "nested plan of #%d must start with Singleton", n.ID)
		}
		wl := p.rp.node(leaf.ID)
		for _, v := range outer {
			wl.Whitelist = append(wl.Whitelist, p.rp.vars[v])
		}
		slices.Sort(wl.Whitelist)
	}
	defs := n.Defines(nil)
	for _, v := range defs {
		if err := p.rp.define(v, n.ID); err != nil {
			return scope{}, err
		}
	}
	out := scope{depth: in.depth}
	switch {
	case n.collects():
		out.vis = defs
	default:
		out.vis = append(slices.Clone(in.vis), defs...)
	}
	if len(defs) > 0 {
		out.depth++
	}
	nr := p.rp.node(n.ID)
	nr.Depth = out.depth
	for len(p.rp.depths) <= out.depth {
		p.rp.depths = append(p.rp.depths, 0)
	}
	p.rp.depths[out.depth] = max(p.rp.depths[out.depth], p.rp.Width)
	return out, nil
}

// need records, top-down, the variables read
// by the ancestors of each node.
func (p *planner) need(n *Node, above []int) {
	p.above[n.ID] = above
	below := n.Uses(nil)
	if !n.collects() {
		defs := n.Defines(nil)
		for _, v := range above {
			if !slices.Contains(defs, v) && !slices.Contains(below, v) {
				below = append(below, v)
			}
		}
	}
	for _, v := range p.outer[n.ID] {
		if !slices.Contains(below, v) {
			below = append(below, v)
		}
	}
	if n.Sub != nil {
		p.need(n.Sub, nil)
	}
	for _, d := range n.Deps {
		p.need(d, below)
	}
}

func clearable(k vm.Kind) bool {
	switch k {
	case vm.KindFilter, vm.KindLimit, vm.KindCalculation, vm.KindSubquery,
		vm.KindSort, vm.KindReturn, vm.KindScatter, vm.KindDistribute:
		return true
	}
	return false
}

// present computes, bottom-up, the variables
// still held in the rows produced by each node
// and fills in Keep and Clear.
func (p *planner) present(n *Node, seed []int, root bool) []int {
	var in []int
	if len(n.Deps) == 0 {
		in = seed
	}
	for _, d := range n.Deps {
		for _, v := range p.present(d, seed, false) {
			if !slices.Contains(in, v) {
				in = append(in, v)
			}
		}
	}
	nr := p.rp.node(n.ID)
	if n.Kind == vm.KindSingleton && len(nr.Whitelist) > 0 {
		in = nil
		for v, r := range p.rp.vars {
			if slices.Contains(nr.Whitelist, r) {
				in = append(in, v)
			}
		}
	}
	if n.Sub != nil {
		p.present(n.Sub, nil, false)
	}
	above := p.above[n.ID]
	uses := n.Uses(nil)
	defs := n.Defines(nil)
	var out []int
	switch {
	case n.collects():
		out = defs
	case n.builds():
		for _, v := range in {
			if slices.Contains(above, v) {
				nr.Regs.Keep = append(nr.Regs.Keep, p.rp.vars[v])
				out = append(out, v)
			}
		}
		slices.Sort(nr.Regs.Keep)
		out = append(out, defs...)
	case n.Kind == vm.KindReturn && !root:
		out = nil
	default:
		for _, v := range in {
			if clearable(n.Kind) && !slices.Contains(uses, v) && !slices.Contains(above, v) &&
				!slices.Contains(p.outer[n.ID], v) {
				nr.Regs.Clear = append(nr.Regs.Clear, p.rp.vars[v])
				continue
			}
			out = append(out, v)
		}
		slices.Sort(nr.Regs.Clear)
		out = append(out, defs...)
	}
	return out
}
