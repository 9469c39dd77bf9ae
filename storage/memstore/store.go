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

// Package memstore is an in-memory storage
// engine implementing storage.Storage,
// storage.Locker and storage.GraphStore.
package memstore

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sync/semaphore"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

const degree = 16

// maxLockWeight is the weight of an
// exclusive shard lock.
const maxLockWeight = 1 << 20

// Store is an in-memory document store.
// A Store is safe for concurrent use.
type Store struct {
	heap *value.Heap

	lock   sync.RWMutex
	shards map[string]*shard
	seq    uint64
}

type shard struct {
	name       string
	collection string
	docs       *btree.BTreeG[*value.Document]
	indexes    []*index
	qlock      *semaphore.Weighted
}

type entry struct {
	vals []value.Value
	doc  *value.Document
}

type index struct {
	def  storage.Index
	tree *btree.BTreeG[entry]
}

func byKey(a, b *value.Document) bool { return a.Key < b.Key }

func lessEntry(a, b entry) bool {
	for i := range a.vals {
		if c := value.Compare(a.vals[i], b.vals[i]); c != 0 {
			return c < 0
		}
	}
	return a.doc.Key < b.doc.Key
}

// New constructs an empty Store whose
// documents are allocated from h.
// A nil heap uses value.Default.
func New(h *value.Heap) *Store {
	if h == nil {
		h = value.Default()
	}
	return &Store{heap: h, shards: make(map[string]*shard)}
}

// CreateShard creates an empty shard of collection.
func (s *Store) CreateShard(collection, name string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.shards[name]; ok {
		return
	}
	s.shards[name] = &shard{
		name:       name,
		collection: collection,
		docs:       btree.NewG[*value.Document](degree, byKey),
		qlock:      semaphore.NewWeighted(maxLockWeight),
	}
}

// Shards returns the names of all shards.
func (s *Store) Shards() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]string, 0, len(s.shards))
	for name := range s.shards {
		out = append(out, name)
	}
	return out
}

// EnsureIndex adds a persistent index to a shard.
func (s *Store) EnsureIndex(name string, idx storage.Index) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	sh, err := s.shardLocked(name)
	if err != nil {
		return err
	}
	for _, x := range sh.indexes {
		if x.def.Name == idx.Name {
			return nil
		}
	}
	if idx.Type != storage.Persistent {
		return errcode.Newf(errcode.NotImplemented, "memstore: cannot create index of type %d", idx.Type)
	}
	x := &index{def: idx, tree: btree.NewG[entry](degree, lessEntry)}
	sh.docs.Ascend(func(d *value.Document) bool {
		x.tree.ReplaceOrInsert(x.entry(d))
		return true
	})
	sh.indexes = append(sh.indexes, x)
	return nil
}

// Count returns the number of documents in a shard.
func (s *Store) Count(name string) int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	sh, ok := s.shards[name]
	if !ok {
		return 0
	}
	return sh.docs.Len()
}

func (s *Store) shardLocked(name string) (*shard, error) {
	sh, ok := s.shards[name]
	if !ok {
		return nil, errcode.Newf(errcode.CollectionMissing, "shard %q not found", name)
	}
	return sh, nil
}

func (x *index) entry(d *value.Document) entry {
	e := entry{vals: make([]value.Value, len(x.def.Fields)), doc: d}
	for i, f := range x.def.Fields {
		e.vals[i] = d.Get(f)
	}
	return e
}

func (x *index) insert(d *value.Document) error {
	e := x.entry(d)
	if x.def.Unique {
		conflict := false
		probe := entry{vals: e.vals, doc: &value.Document{}}
		x.tree.AscendGreaterOrEqual(probe, func(o entry) bool {
			for i := range o.vals {
				if value.Compare(o.vals[i], e.vals[i]) != 0 {
					return false
				}
			}
			conflict = o.doc.Key != d.Key
			return !conflict
		})
		if conflict {
			return errcode.Newf(errcode.UniqueConstraint, "unique constraint violated in index %q", x.def.Name)
		}
	}
	x.tree.ReplaceOrInsert(e)
	return nil
}

func (x *index) remove(d *value.Document) {
	x.tree.Delete(x.entry(d))
}

// Compare implements storage.Storage.Compare
func (s *Store) Compare(a, b value.Value) int { return value.Compare(a, b) }

// Read implements storage.Storage.Read
func (s *Store) Read(ctx context.Context, name, key string) (*value.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	sh, err := s.shardLocked(name)
	if err != nil {
		return nil, err
	}
	d, ok := sh.docs.Get(&value.Document{Key: key})
	if !ok {
		return nil, errcode.Newf(errcode.DocumentNotFound, "document %s/%s not found", sh.collection, key)
	}
	return d, nil
}

func (s *Store) nextRev() string {
	s.seq++
	return strconv.FormatUint(s.seq, 36)
}

// body strips system attributes from doc and
// returns an object owned by the store.
func (s *Store) body(doc value.Value) value.Value {
	keys := make([]string, 0, doc.Len())
	vals := make([]value.Value, 0, doc.Len())
	for _, k := range doc.Keys() {
		switch k {
		case "_key", "_id", "_rev":
			continue
		}
		keys = append(keys, k)
		vals = append(vals, s.copyOf(doc.Get(k)))
	}
	return s.heap.Object(keys, vals)
}

// copyOf deep-copies v into the store's heap.
func (s *Store) copyOf(v value.Value) value.Value {
	out, err := s.heap.FromWire(v.ToWire())
	if err != nil {
		panic(err)
	}
	return out
}

func (s *Store) result(old, cur *value.Document, opts storage.WriteOptions) storage.Result {
	var r storage.Result
	if cur != nil {
		r.Key, r.Rev = cur.Key, cur.Rev
	} else if old != nil {
		r.Key, r.Rev = old.Key, old.Rev
	}
	if opts.ReturnOld && old != nil {
		r.Old = value.NewExternal(old).Detach()
	}
	if opts.ReturnNew && cur != nil {
		r.New = value.NewExternal(cur).Detach()
	}
	return r
}

func (s *Store) put(sh *shard, old, d *value.Document) error {
	if old != nil {
		for _, x := range sh.indexes {
			x.remove(old)
		}
	}
	for i, x := range sh.indexes {
		if err := x.insert(d); err != nil {
			for _, y := range sh.indexes[:i] {
				y.remove(d)
			}
			if old != nil {
				for _, y := range sh.indexes {
					y.tree.ReplaceOrInsert(y.entry(old))
				}
			}
			return err
		}
	}
	sh.docs.ReplaceOrInsert(d)
	return nil
}

// Insert implements storage.Storage.Insert
func (s *Store) Insert(ctx context.Context, name string, doc value.Value, opts storage.WriteOptions) (storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return storage.Result{}, err
	}
	if !doc.IsObject() {
		return storage.Result{}, errcode.Newf(errcode.TypeMismatch, "cannot insert %s as a document", doc.Kind())
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	sh, err := s.shardLocked(name)
	if err != nil {
		return storage.Result{}, err
	}
	var key string
	if k := doc.Get("_key"); !k.IsNull() {
		if !k.IsString() || k.Str() == "" {
			return storage.Result{}, errcode.Newf(errcode.DocumentKeyBad, "illegal document key %s", k)
		}
		key = k.Str()
	} else {
		s.seq++
		key = strconv.FormatUint(s.seq, 10)
	}
	old, exists := sh.docs.Get(&value.Document{Key: key})
	if exists && !opts.Overwrite {
		return storage.Result{}, errcode.Newf(errcode.UniqueConstraint, "unique constraint violated: %s/%s", sh.collection, key)
	}
	d := &value.Document{Collection: sh.collection, Key: key, Rev: s.nextRev(), Body: s.body(doc)}
	if !exists {
		old = nil
	}
	if err := s.put(sh, old, d); err != nil {
		d.Body.Destroy()
		return storage.Result{}, err
	}
	return s.result(old, d, opts), nil
}

// Update implements storage.Storage.Update
func (s *Store) Update(ctx context.Context, name, key string, patch value.Value, opts storage.WriteOptions) (storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return storage.Result{}, err
	}
	if !patch.IsObject() {
		return storage.Result{}, errcode.Newf(errcode.TypeMismatch, "cannot update with %s", patch.Kind())
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	sh, err := s.shardLocked(name)
	if err != nil {
		return storage.Result{}, err
	}
	old, ok := sh.docs.Get(&value.Document{Key: key})
	if !ok {
		return storage.Result{}, errcode.Newf(errcode.DocumentNotFound, "document %s/%s not found", sh.collection, key)
	}
	merged := merge(old.Body, patch, opts)
	d := &value.Document{Collection: sh.collection, Key: key, Rev: s.nextRev(), Body: s.body(merged)}
	merged.Destroy()
	if err := s.put(sh, old, d); err != nil {
		d.Body.Destroy()
		return storage.Result{}, err
	}
	return s.result(old, d, opts), nil
}

// merge produces old updated by patch.
func merge(old, patch value.Value, opts storage.WriteOptions) value.Value {
	var keys []string
	var vals []value.Value
	for _, k := range old.Keys() {
		keys = append(keys, k)
		vals = append(vals, old.Get(k))
	}
outer:
	for _, k := range patch.Keys() {
		pv := patch.Get(k)
		for i := range keys {
			if keys[i] != k {
				continue
			}
			if opts.MergeObjects && vals[i].Kind() == value.Object && pv.Kind() == value.Object {
				vals[i] = merge(vals[i], pv, opts)
			} else {
				vals[i] = pv
			}
			continue outer
		}
		keys = append(keys, k)
		vals = append(vals, pv)
	}
	if !opts.KeepNull {
		n := 0
		for i := range keys {
			if vals[i].Kind() == value.Null {
				vals[i].Destroy()
				continue
			}
			keys[n], vals[n] = keys[i], vals[i]
			n++
		}
		keys, vals = keys[:n], vals[:n]
	}
	return value.NewObject(keys, vals)
}

// Replace implements storage.Storage.Replace
func (s *Store) Replace(ctx context.Context, name, key string, doc value.Value, opts storage.WriteOptions) (storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return storage.Result{}, err
	}
	if !doc.IsObject() {
		return storage.Result{}, errcode.Newf(errcode.TypeMismatch, "cannot replace with %s", doc.Kind())
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	sh, err := s.shardLocked(name)
	if err != nil {
		return storage.Result{}, err
	}
	old, ok := sh.docs.Get(&value.Document{Key: key})
	if !ok {
		return storage.Result{}, errcode.Newf(errcode.DocumentNotFound, "document %s/%s not found", sh.collection, key)
	}
	d := &value.Document{Collection: sh.collection, Key: key, Rev: s.nextRev(), Body: s.body(doc)}
	if err := s.put(sh, old, d); err != nil {
		d.Body.Destroy()
		return storage.Result{}, err
	}
	return s.result(old, d, opts), nil
}

// Remove implements storage.Storage.Remove
func (s *Store) Remove(ctx context.Context, name, key string, opts storage.WriteOptions) (storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return storage.Result{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	sh, err := s.shardLocked(name)
	if err != nil {
		return storage.Result{}, err
	}
	old, ok := sh.docs.Delete(&value.Document{Key: key})
	if !ok {
		return storage.Result{}, errcode.Newf(errcode.DocumentNotFound, "document %s/%s not found", sh.collection, key)
	}
	for _, x := range sh.indexes {
		x.remove(old)
	}
	return s.result(old, nil, opts), nil
}

// Lock implements storage.Locker.Lock.
// Read and write locks are shared;
// an exclusive lock excludes every other query.
func (s *Store) Lock(ctx context.Context, name string, mode storage.AccessMode) error {
	if mode == storage.None {
		return nil
	}
	s.lock.RLock()
	sh, err := s.shardLocked(name)
	s.lock.RUnlock()
	if err != nil {
		return err
	}
	return sh.qlock.Acquire(ctx, weight(mode))
}

// Unlock implements storage.Locker.Unlock
func (s *Store) Unlock(name string, mode storage.AccessMode) {
	if mode == storage.None {
		return
	}
	s.lock.RLock()
	sh, ok := s.shards[name]
	s.lock.RUnlock()
	if ok {
		sh.qlock.Release(weight(mode))
	}
}

func weight(mode storage.AccessMode) int64 {
	if mode == storage.Exclusive {
		return maxLockWeight
	}
	return 1
}

// Edges implements storage.GraphStore.Edges
func (s *Store) Edges(ctx context.Context, name, id string, dir storage.Direction) ([]*value.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	sh, err := s.shardLocked(name)
	if err != nil {
		return nil, err
	}
	var out []*value.Document
	sh.docs.Ascend(func(d *value.Document) bool {
		from, to := d.Get("_from").Str(), d.Get("_to").Str()
		switch dir {
		case storage.Outbound:
			if from == id {
				out = append(out, d)
			}
		case storage.Inbound:
			if to == id {
				out = append(out, d)
			}
		default:
			if from == id || to == id {
				out = append(out, d)
			}
		}
		return true
	})
	return out, nil
}
