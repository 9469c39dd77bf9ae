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
	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// ModifyOptions configure a modification block.
// Unused registers are -1.
type ModifyOptions struct {
	// Shard is the shard written to.
	Shard string
	// Doc is the register of the document to
	// insert, the patch of an update or the new
	// body of a replace. For an upsert it is the
	// document inserted when Key finds nothing.
	Doc int
	// Key is the register holding the document
	// key, a document or an object with a _key
	// attribute. If it is -1 the key is taken
	// from Doc. For an upsert it is the lookup
	// document.
	Key int
	// Update is the patch (or replacement,
	// with UpsertReplace) of an upsert.
	Update int
	// Old and New receive the document
	// images before and after the write.
	Old, New int

	Write                  storage.WriteOptions
	IgnoreErrors           bool
	IgnoreDocumentNotFound bool
	ReadCompleteInput      bool
	UpsertReplace          bool
	// ShardKeys are the shard key attributes of
	// the collection; an update or replace on a
	// data node must not change them.
	ShardKeys []string
}

// Modify applies one write per input row. Its
// output contains the rows that were written.
type Modify struct {
	base
	kind Kind
	opts ModifyOptions
	inh  inheritor
	read bool
}

// NewModify returns a modification block of the
// given kind (KindInsert, KindRemove, KindUpdate,
// KindReplace or KindUpsert) over dep.
func NewModify(q *Query, kind Kind, dep Block, regs RegisterInfo, opts ModifyOptions) (*Modify, error) {
	switch kind {
	case KindInsert, KindUpdate, KindReplace, KindUpsert:
		if opts.Doc < 0 {
			return nil, structural("%s needs a document register", kind)
		}
	case KindRemove:
		if opts.Key < 0 && opts.Doc < 0 {
			return nil, structural("remove needs a key register")
		}
	default:
		return nil, structural("%s is not a modification", kind)
	}
	if kind == KindUpsert && (opts.Key < 0 || opts.Update < 0) {
		return nil, structural("upsert needs lookup and update registers")
	}
	if opts.Old >= 0 {
		opts.Write.ReturnOld = true
	}
	if opts.New >= 0 {
		opts.Write.ReturnNew = true
	}
	m := &Modify{
		base: base{q: q, deps: []Block{dep}, regs: regs},
		kind: kind,
		opts: opts,
	}
	if !m.completeInput() {
		m.prepare = m.apply
	}
	return m, nil
}

func (m *Modify) Kind() Kind { return m.kind }

// completeInput returns whether the whole input
// is read before the first write. An upsert
// always reads its complete input since a later
// lookup may observe an earlier write.
func (m *Modify) completeInput() bool {
	return m.opts.ReadCompleteInput || m.kind == KindUpsert
}

// key extracts a document key from v.
func key(v value.Value) (string, error) {
	switch {
	case v.Kind() == value.External:
		return v.Document().Key, nil
	case v.IsString():
		if v.Str() != "" {
			return v.Str(), nil
		}
	case v.IsObject():
		if k := v.Get("_key"); k.IsString() && k.Str() != "" {
			return k.Str(), nil
		}
	}
	return "", errcode.Newf(errcode.DocumentKeyBad, "cannot extract a document key from %s", v.Kind())
}

func (m *Modify) rowKey(blk *ItemBlock, row int) (string, error) {
	reg := m.opts.Key
	if reg < 0 {
		reg = m.opts.Doc
	}
	return key(blk.Get(row, reg))
}

// checkShardKeys rejects writes on a data node
// that change a shard key attribute of the
// document with key k.
func (m *Modify) checkShardKeys(k string, doc value.Value) error {
	if !m.q.DataNode || len(m.opts.ShardKeys) == 0 {
		return nil
	}
	if len(m.opts.ShardKeys) == 1 && m.opts.ShardKeys[0] == "_key" {
		return nil
	}
	old, err := m.q.Storage.Read(m.q.Context, m.opts.Shard, k)
	if err != nil {
		return err
	}
	for _, attr := range m.opts.ShardKeys {
		if m.kind == KindUpdate && !doc.Has(attr) {
			continue
		}
		if m.q.compare(old.Get(attr), doc.Get(attr)) != 0 {
			return errcode.Newf(errcode.ShardKeyChange, "must not change the value of shard key attribute %q", attr)
		}
	}
	return nil
}

func (m *Modify) write(blk *ItemBlock, row int) (storage.Result, error) {
	ctx, st, o := m.q.Context, m.q.Storage, &m.opts
	switch m.kind {
	case KindInsert:
		return st.Insert(ctx, o.Shard, blk.Get(row, o.Doc), o.Write)
	case KindRemove:
		k, err := m.rowKey(blk, row)
		if err != nil {
			return storage.Result{}, err
		}
		return st.Remove(ctx, o.Shard, k, o.Write)
	case KindUpdate, KindReplace:
		k, err := m.rowKey(blk, row)
		if err != nil {
			return storage.Result{}, err
		}
		doc := blk.Get(row, o.Doc)
		if err := m.checkShardKeys(k, doc); err != nil {
			return storage.Result{}, err
		}
		if m.kind == KindUpdate {
			return st.Update(ctx, o.Shard, k, doc, o.Write)
		}
		return st.Replace(ctx, o.Shard, k, doc, o.Write)
	}
	return m.upsert(blk, row)
}

func (m *Modify) upsert(blk *ItemBlock, row int) (storage.Result, error) {
	ctx, st, o := m.q.Context, m.q.Storage, &m.opts
	lookup := blk.Get(row, o.Key)
	var found string
	if lookup.IsObject() {
		if k, err := key(lookup); err == nil {
			_, err := st.Read(ctx, o.Shard, k)
			switch {
			case err == nil:
				found = k
			case errcode.CodeOf(err) != errcode.DocumentNotFound:
				return storage.Result{}, err
			}
		}
	}
	if found == "" {
		return st.Insert(ctx, o.Shard, blk.Get(row, o.Doc), o.Write)
	}
	doc := blk.Get(row, o.Update)
	if err := m.checkShardKeys(found, doc); err != nil {
		return storage.Result{}, err
	}
	if o.UpsertReplace {
		return st.Replace(ctx, o.Shard, found, doc, o.Write)
	}
	return st.Update(ctx, o.Shard, found, doc, o.Write)
}

// ignored returns whether a failed write
// is counted and skipped.
func (m *Modify) ignored(err error) bool {
	code := errcode.CodeOf(err)
	if code == errcode.DocumentNotFound && m.opts.IgnoreDocumentNotFound {
		return true
	}
	return m.opts.IgnoreErrors && !code.Fatal()
}

// apply performs the writes of blk and returns
// the block of rows written successfully.
func (m *Modify) apply(blk *ItemBlock) (*ItemBlock, error) {
	defer blk.Destroy()
	out, err := m.newBlock(blk.Rows())
	if err != nil {
		return nil, err
	}
	m.inh.reset()
	n := 0
	for row := 0; row < blk.Rows(); row++ {
		if err := m.q.Check(); err != nil {
			out.Destroy()
			return nil, err
		}
		res, err := m.write(blk, row)
		if err != nil {
			if !m.ignored(err) {
				out.Destroy()
				return nil, err
			}
			m.q.Stats.writesIgnored(1)
			continue
		}
		m.q.Stats.writesExecuted(1)
		m.inh.copy(out, n, blk, row, m.regs.Keep)
		if m.opts.Old >= 0 {
			out.Set(n, m.opts.Old, orNull(res.Old))
		} else {
			res.Old.Destroy()
		}
		if m.opts.New >= 0 {
			out.Set(n, m.opts.New, orNull(res.New))
		} else {
			res.New.Destroy()
		}
		n++
	}
	out.ShrinkTo(n)
	return out, nil
}

func orNull(v value.Value) value.Value {
	if v.IsEmpty() {
		return value.NullValue()
	}
	return v
}

func (m *Modify) GetOrSkipSome(atLeast, atMost int, skipping bool) (*ItemBlock, int, error) {
	if m.completeInput() && !m.read {
		if err := m.fetchAll(); err != nil {
			return nil, 0, err
		}
		for i, blk := range m.buffer {
			m.buffer[i] = nil
			out, err := m.apply(blk)
			if err != nil {
				m.clearBuffer()
				return nil, 0, err
			}
			m.buffer[i] = out
		}
		kept := m.buffer[:0]
		for _, blk := range m.buffer {
			if blk.Rows() > 0 {
				kept = append(kept, blk)
			} else {
				blk.Destroy()
			}
		}
		m.buffer = kept
		m.read = true
	}
	return m.passThrough(atLeast, atMost, skipping)
}

func (m *Modify) InitializeCursor(items *ItemBlock, pos int) error {
	m.read = false
	return m.initializeCursor(items, pos)
}

func (m *Modify) Shutdown(err error) error { return m.shutdown(err) }
