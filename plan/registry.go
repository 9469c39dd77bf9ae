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
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/vm"
)

// Registry holds the engines running on one
// server and the shard locks of their queries.
// The locks of a query are taken by its first
// setup and released with its last engine.
type Registry struct {
	locker storage.Locker

	lock    sync.Mutex
	engines map[string]*registered
	queries map[string]*queryState
}

type registered struct {
	engine *vm.Engine
	query  string
	cancel context.CancelFunc
}

type queryState struct {
	engines int
	held    []ShardLock
}

// NewRegistry returns an empty registry. If
// locker is nil no shard locks are taken.
func NewRegistry(locker storage.Locker) *Registry {
	return &Registry{
		locker:  locker,
		engines: make(map[string]*registered),
		queries: make(map[string]*queryState),
	}
}

// Lock takes locks for query unless it already
// holds locks on this server. On failure no
// lock remains held.
func (r *Registry) Lock(ctx context.Context, query string, locks []ShardLock) error {
	r.lock.Lock()
	qs := r.queries[query]
	if qs == nil {
		qs = &queryState{}
		r.queries[query] = qs
	}
	if len(qs.held) > 0 || r.locker == nil {
		r.lock.Unlock()
		return nil
	}
	r.lock.Unlock()

	var held []ShardLock
	for _, l := range locks {
		if l.Mode == storage.None {
			continue
		}
		if err := r.locker.Lock(ctx, l.Shard, l.Mode); err != nil {
			unlockAll(r.locker, held)
			return errcode.Wrapf(errcode.Killed, err, "locking shard %s", l.Shard)
		}
		held = append(held, l)
	}
	r.lock.Lock()
	qs.held = held
	r.lock.Unlock()
	return nil
}

func unlockAll(l storage.Locker, held []ShardLock) {
	for i := len(held) - 1; i >= 0; i-- {
		l.Unlock(held[i].Shard, held[i].Mode)
	}
}

// Add registers e under e.ID for query.
// cancel, if not nil, is called when the engine
// is removed.
func (r *Registry) Add(query string, e *vm.Engine, cancel context.CancelFunc) {
	r.lock.Lock()
	defer r.lock.Unlock()
	qs := r.queries[query]
	if qs == nil {
		qs = &queryState{}
		r.queries[query] = qs
	}
	qs.engines++
	r.engines[e.ID] = &registered{engine: e, query: query, cancel: cancel}
}

// NewID returns a fresh engine id.
func (r *Registry) NewID() string { return uuid.NewString() }

// Get returns the engine with id.
func (r *Registry) Get(id string) (*vm.Engine, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	reg, ok := r.engines[id]
	if !ok {
		return nil, errcode.Newf(errcode.ClusterEngineAbsent, "engine %s not found", id)
	}
	return reg.engine, nil
}

// Remove unregisters the engine with id and
// releases the locks of its query if it was
// the last engine of the query.
func (r *Registry) Remove(id string) {
	r.lock.Lock()
	reg, ok := r.engines[id]
	if !ok {
		r.lock.Unlock()
		return
	}
	delete(r.engines, id)
	var held []ShardLock
	if qs := r.queries[reg.query]; qs != nil {
		qs.engines--
		if qs.engines <= 0 {
			held = qs.held
			delete(r.queries, reg.query)
		}
	}
	r.lock.Unlock()
	if reg.cancel != nil {
		reg.cancel()
	}
	if r.locker != nil {
		unlockAll(r.locker, held)
	}
}

// Release drops the state of query if it
// has no engines, releasing its locks.
func (r *Registry) Release(query string) {
	r.lock.Lock()
	qs := r.queries[query]
	if qs == nil || qs.engines > 0 {
		r.lock.Unlock()
		return
	}
	delete(r.queries, query)
	r.lock.Unlock()
	if r.locker != nil {
		unlockAll(r.locker, qs.held)
	}
}

// Len returns the number of registered engines.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.engines)
}

// Engines returns the ids of the engines of query.
func (r *Registry) Engines(query string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []string
	for id, reg := range r.engines {
		if reg.query == query {
			out = append(out, id)
		}
	}
	return out
}
