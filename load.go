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

package shardql

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/storage/memstore"
	"github.com/SnellerInc/shardql/value"
)

// Load inserts every JSON document read from r
// into shard and returns the number inserted.
// Documents are separated by whitespace, as in
// JSON-lines files.
func Load(ctx context.Context, st storage.Storage, shard string, r io.Reader) (int, error) {
	d := json.NewDecoder(r)
	d.UseNumber()
	h := value.Default()
	n := 0
	for d.More() {
		doc, err := h.DecodeJSON(d)
		if err != nil {
			return n, errcode.Wrapf(errcode.BadParameter, err, "document %d of shard %s", n+1, shard)
		}
		if !doc.IsObject() {
			doc.Destroy()
			return n, errcode.Newf(errcode.DocumentKeyBad, "document %d of shard %s is not an object", n+1, shard)
		}
		_, err = st.Insert(ctx, shard, doc, storage.WriteOptions{})
		doc.Destroy()
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Bootstrap creates the shards the topology
// places on this server and loads their data
// files into st.
func (c *Config) Bootstrap(ctx context.Context, st *memstore.Store) (map[string]int, error) {
	loaded := make(map[string]int)
	for coll, ct := range c.Topology.Collections {
		for _, sh := range ct.Shards {
			if sh.Server == c.Name {
				st.CreateShard(coll, sh.ID)
			}
		}
	}
	for shard, path := range c.Data {
		f, err := os.Open(path)
		if err != nil {
			return loaded, err
		}
		n, err := Load(ctx, st, shard, f)
		f.Close()
		if err != nil {
			return loaded, err
		}
		loaded[shard] = n
	}
	return loaded, nil
}
