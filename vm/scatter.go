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
	"github.com/google/uuid"

	"github.com/SnellerInc/shardql/value"
)

// ShardedBlock is implemented by blocks that serve
// several clients, one per shard, each pulling
// its own stream of rows.
type ShardedBlock interface {
	Block
	// Clients returns the client ids.
	Clients() []string
	// GetOrSkipSomeForShard is GetOrSkipSome
	// for one client.
	GetOrSkipSomeForShard(atLeast, atMost int, skipping bool, shard string) (*ItemBlock, int, error)
	// ShutdownForShard shuts down one client. The
	// dependencies are shut down with the last client.
	ShutdownForShard(shard string, err error) error
	// Done returns whether every client
	// has been shut down.
	Done() bool
}

// client is the read position of one client:
// the block (absolute for Scatter, within the
// client queue for Distribute) and row.
type client struct {
	blk, row int
	done     bool
}

type clients struct {
	ids   []string
	index map[string]int
	state []client
}

func newClients(ids []string) clients {
	c := clients{ids: ids, index: make(map[string]int, len(ids)), state: make([]client, len(ids))}
	for i, id := range ids {
		c.index[id] = i
	}
	return c
}

// Clients returns the client ids.
func (c *clients) Clients() []string { return c.ids }

func (c *clients) lookup(shard string) (int, error) {
	i, ok := c.index[shard]
	if !ok {
		return 0, structural("unknown client %q", shard)
	}
	return i, nil
}

// finish marks client i as done and returns
// whether it was the last one.
func (c *clients) finish(i int) bool {
	if c.state[i].done {
		return false
	}
	c.state[i].done = true
	return c.Done()
}

// Done returns whether every client is done.
func (c *clients) Done() bool {
	for i := range c.state {
		if !c.state[i].done {
			return false
		}
	}
	return true
}

func (c *clients) resetClients() {
	for i := range c.state {
		c.state[i] = client{}
	}
}

// Scatter sends every input row to every client.
type Scatter struct {
	base
	clients
	first int // absolute index of buffer[0]
}

// NewScatter returns a Scatter over dep serving the given clients.
func NewScatter(q *Query, dep Block, regs RegisterInfo, shards []string) *Scatter {
	return &Scatter{
		base:    base{q: q, deps: []Block{dep}, regs: regs},
		clients: newClients(shards),
	}
}

func (s *Scatter) Kind() Kind { return KindScatter }

// GetOrSkipSome serves the first client.
func (s *Scatter) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	return s.GetOrSkipSomeForShard(atLeast, atMost, skipping, s.ids[0])
}

func (s *Scatter) GetOrSkipSomeForShard(atLeast, atMost int, skipping bool, shard string) (*ItemBlock, int, error) {
	c, err := s.lookup(shard)
	if err != nil {
		return nil, 0, err
	}
	st := &s.state[c]
	var parts []*ItemBlock
	got := 0
	for got < atMost && (got < atLeast || got == 0) {
		i := st.blk - s.first
		if i >= len(s.buffer) {
			ok, err := s.fetch(s.batch())
			if err != nil {
				destroyAll(parts)
				return nil, 0, err
			}
			if !ok {
				break
			}
			continue
		}
		blk := s.buffer[i]
		n := min(blk.Rows()-st.row, atMost-got)
		if !skipping {
			part, err := blk.Slice(st.row, st.row+n)
			if err != nil {
				destroyAll(parts)
				return nil, 0, err
			}
			parts = append(parts, part)
		}
		got += n
		st.row += n
		if st.row == blk.Rows() {
			st.blk++
			st.row = 0
		}
	}
	s.collect()
	if skipping {
		return nil, got, nil
	}
	out, err := Concatenate(s.q.Blocks, parts)
	if err != nil {
		destroyAll(parts)
		return nil, 0, err
	}
	return out, 0, nil
}

// collect releases the blocks every
// active client has consumed.
func (s *Scatter) collect() {
	low := -1
	for i := range s.state {
		if s.state[i].done {
			continue
		}
		if low < 0 || s.state[i].blk < low {
			low = s.state[i].blk
		}
	}
	if low < 0 {
		low = s.first + len(s.buffer)
	}
	for s.first < low && len(s.buffer) > 0 {
		s.buffer[0].Destroy()
		s.buffer = s.buffer[1:]
		s.first++
	}
}

func (s *Scatter) InitializeCursor(items *ItemBlock, pos int) error {
	s.resetClients()
	s.first = 0
	return s.initializeCursor(items, pos)
}

func (s *Scatter) ShutdownForShard(shard string, err error) error {
	c, e := s.lookup(shard)
	if e != nil {
		return e
	}
	if !s.finish(c) {
		s.collect()
		return err
	}
	return s.shutdown(err)
}

func (s *Scatter) Shutdown(err error) error { return s.shutdown(err) }

// DistributeOptions configure a Distribute.
type DistributeOptions struct {
	// Reg holds the document, or the key, of
	// each row.
	Reg int
	// ShardKeys are the attributes hashed
	// to choose a shard.
	ShardKeys []string
	// CreateKeys adds a generated _key to
	// documents that have none.
	CreateKeys bool
}

// Distribute sends every input row to the
// client owning the row's shard.
type Distribute struct {
	base
	clients
	opts   DistributeOptions
	queues [][]*ItemBlock
	rows   [][]int
}

// NewDistribute returns a Distribute over dep
// routing rows to the given shards.
func NewDistribute(q *Query, dep Block, regs RegisterInfo, shards []string, opts DistributeOptions) *Distribute {
	if len(opts.ShardKeys) == 0 {
		opts.ShardKeys = []string{"_key"}
	}
	return &Distribute{
		base:    base{q: q, deps: []Block{dep}, regs: regs},
		clients: newClients(shards),
		opts:    opts,
		queues:  make([][]*ItemBlock, len(shards)),
		rows:    make([][]int, len(shards)),
	}
}

func (d *Distribute) Kind() Kind { return KindDistribute }

// ShardFor returns the shard of shards owning v,
// a document or a document key, by hashing the
// values of its shard key attributes.
func ShardFor(v value.Value, shardKeys, shards []string) string {
	vals := make([]value.Value, len(shardKeys))
	for i, k := range shardKeys {
		if k == "_key" && v.IsString() {
			vals[i] = v
			continue
		}
		vals[i] = v.Get(k)
	}
	return shards[value.HashTuple(vals)%uint64(len(shards))]
}

// withKey returns doc with a generated _key
// if it is an object without one.
func (d *Distribute) withKey(doc value.Value) (value.Value, bool) {
	if doc.Kind() != value.Object || doc.Has("_key") {
		return doc, false
	}
	keys := append([]string{"_key"}, doc.Keys()...)
	vals := make([]value.Value, len(keys))
	vals[0] = d.q.Heap.String(uuid.NewString())
	for i, k := range keys[1:] {
		vals[i+1] = doc.Get(k)
	}
	return d.q.Heap.Object(keys, vals), true
}

// route splits blk into the client queues.
func (d *Distribute) route() (bool, error) {
	ok, err := d.fetch(d.batch())
	if !ok || err != nil {
		return false, err
	}
	blk := d.buffer[0]
	d.buffer = d.buffer[1:]
	defer blk.Destroy()
	for i := range d.rows {
		d.rows[i] = d.rows[i][:0]
	}
	for row := 0; row < blk.Rows(); row++ {
		if err := d.q.Check(); err != nil {
			return false, err
		}
		if d.opts.CreateKeys {
			if doc, ok := d.withKey(blk.Get(row, d.opts.Reg)); ok {
				blk.Erase(row, d.opts.Reg)
				blk.Set(row, d.opts.Reg, doc)
			}
		}
		shard := ShardFor(blk.Get(row, d.opts.Reg), d.opts.ShardKeys, d.ids)
		c := d.index[shard]
		d.rows[c] = append(d.rows[c], row)
	}
	for c, rows := range d.rows {
		if len(rows) == 0 || d.state[c].done {
			continue
		}
		part, err := blk.StealRows(rows)
		if err != nil {
			return false, err
		}
		d.queues[c] = append(d.queues[c], part)
	}
	return true, nil
}

// GetOrSkipSome serves the first client.
func (d *Distribute) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	return d.GetOrSkipSomeForShard(atLeast, atMost, skipping, d.ids[0])
}

func (d *Distribute) GetOrSkipSomeForShard(atLeast, atMost int, skipping bool, shard string) (*ItemBlock, int, error) {
	c, err := d.lookup(shard)
	if err != nil {
		return nil, 0, err
	}
	st := &d.state[c]
	var parts []*ItemBlock
	got := 0
	for got < atMost && (got < atLeast || got == 0) {
		if len(d.queues[c]) == 0 {
			ok, err := d.route()
			if err != nil {
				destroyAll(parts)
				return nil, 0, err
			}
			if !ok {
				break
			}
			continue
		}
		blk := d.queues[c][0]
		n := min(blk.Rows()-st.row, atMost-got)
		if !skipping {
			var part *ItemBlock
			if st.row == 0 && n == blk.Rows() {
				part = blk
				d.queues[c][0] = nil
			} else if part, err = blk.StealRange(st.row, st.row+n); err != nil {
				destroyAll(parts)
				return nil, 0, err
			}
			parts = append(parts, part)
		}
		got += n
		st.row += n
		if st.row == blk.Rows() {
			d.queues[c][0].Destroy()
			d.queues[c] = d.queues[c][1:]
			st.row = 0
		}
	}
	if skipping {
		return nil, got, nil
	}
	out, err := Concatenate(d.q.Blocks, parts)
	if err != nil {
		destroyAll(parts)
		return nil, 0, err
	}
	return out, 0, nil
}

func (d *Distribute) clearQueues() {
	for c := range d.queues {
		destroyAll(d.queues[c])
		d.queues[c] = nil
	}
}

func (d *Distribute) InitializeCursor(items *ItemBlock, pos int) error {
	d.clearQueues()
	d.resetClients()
	return d.initializeCursor(items, pos)
}

func (d *Distribute) ShutdownForShard(shard string, err error) error {
	c, e := d.lookup(shard)
	if e != nil {
		return e
	}
	destroyAll(d.queues[c])
	d.queues[c] = nil
	if !d.finish(c) {
		return err
	}
	return d.shutdown(err)
}

func (d *Distribute) Shutdown(err error) error {
	d.clearQueues()
	return d.shutdown(err)
}
