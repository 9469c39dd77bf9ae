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
	"context"
	"fmt"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/value"
)

// RemoteRef addresses an engine on another node.
type RemoteRef struct {
	// Server is the node running the engine.
	Server string `ion:"server"`
	// Engine is the opaque engine id.
	Engine string `ion:"engine"`
	// Shard identifies the client when the engine
	// is rooted at a Scatter or Distribute block.
	Shard string `ion:"shard,omitempty"`
}

func (r RemoteRef) String() string {
	if r.Shard == "" {
		return r.Server + "/" + r.Engine
	}
	return r.Server + "/" + r.Engine + ":" + r.Shard
}

// RemoteEngine is implemented by the transport
// used to pull rows from engines on other nodes.
type RemoteEngine interface {
	InitializeCursor(ctx context.Context, ref RemoteRef) error
	GetOrSkipSome(ctx context.Context, ref RemoteRef, atLeast, atMost int, skipping bool) (*BlockWire, int, error)
	// Shutdown shuts the engine down and returns
	// the statistics it accumulated.
	Shutdown(ctx context.Context, ref RemoteRef, code errcode.Code) (Stats, error)
}

// BlockWire is the serialized form of an
// ItemBlock. Values are stored row-major.
type BlockWire struct {
	Rows int          `ion:"rows"`
	Regs int          `ion:"regs"`
	Vals []value.Wire `ion:"vals,omitempty"`
}

// EncodeBlock serializes b.
func EncodeBlock(b *ItemBlock) *BlockWire {
	w := &BlockWire{Rows: b.Rows(), Regs: b.Regs(), Vals: make([]value.Wire, b.Rows()*b.Regs())}
	for row := 0; row < b.Rows(); row++ {
		for reg := 0; reg < b.Regs(); reg++ {
			w.Vals[row*b.Regs()+reg] = b.Get(row, reg).ToWire()
		}
	}
	return w
}

// DecodeBlock deserializes w into a block of at
// least regs registers requested from mgr.
func DecodeBlock(mgr *BlockManager, h *value.Heap, w *BlockWire, regs int) (*ItemBlock, error) {
	if len(w.Vals) != w.Rows*w.Regs {
		return nil, fmt.Errorf("vm.DecodeBlock: %d values for %d x %d block", len(w.Vals), w.Rows, w.Regs)
	}
	out, err := mgr.Request(w.Rows, max(regs, w.Regs))
	if err != nil {
		return nil, err
	}
	for row := 0; row < w.Rows; row++ {
		for reg := 0; reg < w.Regs; reg++ {
			v, err := h.FromWire(w.Vals[row*w.Regs+reg])
			if err != nil {
				out.Destroy()
				return nil, err
			}
			if !v.IsEmpty() {
				out.Set(row, reg, v)
			}
		}
	}
	return out, nil
}

// Remote produces the rows of an engine
// running on another node.
type Remote struct {
	base
	ref RemoteRef
}

// NewRemote returns a block pulling from ref.
func NewRemote(q *Query, regs RegisterInfo, ref RemoteRef) *Remote {
	return &Remote{base: base{q: q, regs: regs}, ref: ref}
}

func (r *Remote) Kind() Kind { return KindRemote }

// Ref returns the engine r pulls from.
func (r *Remote) Ref() RemoteRef { return r.ref }

func (r *Remote) InitializeCursor(*ItemBlock, int) error {
	if r.q.Remote == nil {
		return structural("remote block without a transport")
	}
	return r.q.Remote.InitializeCursor(r.q.Context, r.ref)
}

func (r *Remote) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if r.q.Remote == nil {
		return nil, 0, structural("remote block without a transport")
	}
	if err := r.q.Check(); err != nil {
		return nil, 0, err
	}
	w, n, err := r.q.Remote.GetOrSkipSome(r.q.Context, r.ref, atLeast, atMost, skipping)
	if err != nil {
		return nil, 0, err
	}
	if skipping || w == nil || w.Rows == 0 {
		return nil, n, nil
	}
	blk, err := DecodeBlock(r.q.Blocks, r.q.Heap, w, r.regs.Out)
	if err != nil {
		return nil, 0, errcode.Wrapf(errcode.ClusterBadResponse, err, "block from %s", r.ref)
	}
	return blk, 0, nil
}

// Shutdown shuts down the remote engine and adds
// its statistics to those of the query.
func (r *Remote) Shutdown(err error) error {
	if r.shut {
		return r.shutdown(err)
	}
	if r.q.Remote != nil {
		stats, e := r.q.Remote.Shutdown(context.WithoutCancel(r.q.Context), r.ref, errcode.CodeOf(err))
		if e != nil {
			r.q.Logger.Sugar().Warnf("shutting down %s: %v", r.ref, e)
			if err == nil {
				err = e
			}
		} else {
			r.q.Stats.Add(&stats)
		}
	}
	return r.shutdown(err)
}
