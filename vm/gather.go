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
	"golang.org/x/sync/errgroup"

	"github.com/SnellerInc/shardql/sorting"
	"github.com/SnellerInc/shardql/value"
)

// Gather combines the rows of several dependencies,
// either in any order or, if sort keys are given,
// merged according to the keys. Each dependency
// must produce rows sorted by the keys.
type Gather struct {
	base
	keys     []sorting.Key
	dirs     []sorting.Direction
	parallel bool

	heads   []*ItemBlock
	pos     []int
	done    []bool
	tuples  [][]value.Value
	merger  *sorting.Merger
	started bool
	mv      *mover
}

// NewGather returns a Gather over deps. If parallel is
// set, dependencies are pulled concurrently; they
// must not share state (typically Remote blocks).
func NewGather(q *Query, deps []Block, regs RegisterInfo, keys []sorting.Key, parallel bool) *Gather {
	g := &Gather{
		base:     base{q: q, deps: deps, regs: regs},
		keys:     keys,
		parallel: parallel,
		heads:    make([]*ItemBlock, len(deps)),
		pos:      make([]int, len(deps)),
		done:     make([]bool, len(deps)),
		mv:       newMover(false),
	}
	if len(keys) > 0 {
		g.dirs = make([]sorting.Direction, len(keys))
		for i := range keys {
			g.dirs[i] = keys[i].Direction
		}
		g.tuples = make([][]value.Value, len(deps))
		g.merger = sorting.NewMerger(g.tuple, g.dirs, q.compare)
	}
	return g
}

func (g *Gather) Kind() Kind { return KindGather }

func (g *Gather) tuple(src int) []value.Value {
	t := g.tuples[src][:0]
	for _, k := range g.keys {
		t = append(t, g.heads[src].Get(g.pos[src], k.Register))
	}
	g.tuples[src] = t
	return t
}

// pull fetches the next block of dependency i.
func (g *Gather) pull(i int) error {
	blk, err := GetSome(g.deps[i], g.batch(), g.batch())
	if err != nil {
		return err
	}
	if blk == nil {
		g.done[i] = true
		return nil
	}
	g.clearRegisters(blk)
	g.heads[i] = blk
	g.pos[i] = 0
	return nil
}

// prefetch pulls a block from every dependency
// that has none buffered and is not exhausted.
func (g *Gather) prefetch() (bool, error) {
	var need []int
	for i := range g.deps {
		if g.heads[i] == nil && !g.done[i] {
			need = append(need, i)
		}
	}
	if len(need) == 0 {
		return false, nil
	}
	if err := g.q.Check(); err != nil {
		return false, err
	}
	if !g.parallel || len(need) == 1 {
		for _, i := range need {
			if err := g.pull(i); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	var eg errgroup.Group
	for _, i := range need {
		i := i
		eg.Go(func() error { return g.pull(i) })
	}
	return true, eg.Wait()
}

func (g *Gather) advance(i, n int) {
	g.pos[i] += n
	if g.pos[i] == g.heads[i].Rows() {
		g.heads[i].Destroy()
		g.heads[i] = nil
	}
}

func (g *Gather) unordered(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	var parts []*ItemBlock
	got := 0
	for got < atMost && (got < atLeast || got == 0) {
		i := -1
		for j := range g.heads {
			if g.heads[j] != nil {
				i = j
				break
			}
		}
		if i < 0 {
			ok, err := g.prefetch()
			if err != nil {
				destroyAll(parts)
				return nil, 0, err
			}
			if !ok {
				break
			}
			continue
		}
		blk := g.heads[i]
		n := min(blk.Rows()-g.pos[i], atMost-got)
		if !skipping {
			if g.pos[i] == 0 && n == blk.Rows() {
				parts = append(parts, blk)
				g.heads[i] = nil
				got += n
				continue
			}
			part, err := blk.StealRange(g.pos[i], g.pos[i]+n)
			if err != nil {
				destroyAll(parts)
				return nil, 0, err
			}
			parts = append(parts, part)
		}
		got += n
		g.advance(i, n)
	}
	if skipping {
		return nil, got, nil
	}
	out, err := Concatenate(g.q.Blocks, parts)
	if err != nil {
		destroyAll(parts)
		return nil, 0, err
	}
	return out, 0, nil
}

func (g *Gather) sorted(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if !g.started {
		if _, err := g.prefetch(); err != nil {
			return nil, 0, err
		}
		g.merger.Reset()
		for i := range g.heads {
			if g.heads[i] != nil {
				g.merger.Push(i)
			}
		}
		g.started = true
	}
	atMost = max(min(atMost, g.batch()), atLeast)
	var out *ItemBlock
	n := 0
	for n < atMost && g.merger.Len() > 0 {
		if err := g.q.Check(); err != nil {
			out.Destroy()
			return nil, 0, err
		}
		i := g.merger.Pop()
		if skipping {
			g.heads[i].EraseRow(g.pos[i])
		} else {
			if out == nil {
				var err error
				if out, err = g.newBlock(atMost); err != nil {
					return nil, 0, err
				}
				g.mv.reset()
			}
			g.mv.moveRow(out, n, g.heads[i], g.pos[i])
		}
		n++
		g.advance(i, 1)
		if g.heads[i] == nil && !g.done[i] {
			if err := g.pull(i); err != nil {
				out.Destroy()
				return nil, 0, err
			}
		}
		if g.heads[i] != nil {
			g.merger.Push(i)
		}
	}
	if skipping {
		return nil, n, nil
	}
	if out != nil {
		out.ShrinkTo(n)
	}
	return out, 0, nil
}

func (g *Gather) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if g.merger != nil {
		return g.sorted(atLeast, atMost, skipping)
	}
	return g.unordered(atLeast, atMost, skipping)
}

func (g *Gather) reset() {
	for i := range g.heads {
		g.heads[i].Destroy()
		g.heads[i] = nil
		g.pos[i] = 0
		g.done[i] = false
	}
	g.started = false
	if g.merger != nil {
		g.merger.Reset()
	}
}

func (g *Gather) InitializeCursor(items *ItemBlock, pos int) error {
	g.reset()
	if !g.parallel {
		return g.initializeCursor(items, pos)
	}
	var eg errgroup.Group
	for _, d := range g.deps {
		d := d
		eg.Go(func() error { return d.InitializeCursor(items, pos) })
	}
	return eg.Wait()
}

func (g *Gather) Shutdown(err error) error {
	g.reset()
	return g.shutdown(err)
}
