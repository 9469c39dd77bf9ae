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

// Package storage describes the storage and
// transaction engine consumed by query execution.
//
// The execution core never inspects how documents
// are stored; it opens index cursors, reads single
// documents and applies writes through the
// interfaces in this package. Every operation
// addresses a physical shard by name. A
// single-server deployment uses the collection
// name as the name of its only shard.
package storage

import (
	"context"
	"fmt"

	"github.com/SnellerInc/shardql/value"
)

// AccessMode is the lock mode a query
// requires on a shard.
type AccessMode int

const (
	None AccessMode = iota
	Read
	Write
	Exclusive
)

func (m AccessMode) String() string {
	switch m {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// Max returns the stricter of m and o.
func (m AccessMode) Max(o AccessMode) AccessMode {
	if o > m {
		return o
	}
	return m
}

// IndexType is the physical kind of an index.
type IndexType int

const (
	// Primary indexes the document key.
	Primary IndexType = iota
	// Persistent is a sorted index over
	// one or more attributes.
	Persistent
	// EdgeIndex indexes _from and _to
	// of an edge collection.
	EdgeIndex
)

// Index describes an index of a collection.
type Index struct {
	Name   string    `ion:"name"`
	Type   IndexType `ion:"type"`
	Fields []string  `ion:"fields,omitempty"`
	Unique bool      `ion:"unique,omitempty"`
}

// Op is a comparison operator in an index condition.
type Op int

const (
	EQ Op = iota
	NE
	LT
	LE
	GT
	GE
	IN
)

var opNames = [...]string{"==", "!=", "<", "<=", ">", ">=", "IN"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Term is one comparison "attribute op value".
type Term struct {
	Attribute string
	Op        Op
	Value     value.Value
}

// Matches returns whether the attribute
// value v satisfies the term.
func (t *Term) Matches(v value.Value) bool {
	switch t.Op {
	case EQ:
		return value.Compare(v, t.Value) == 0
	case NE:
		return value.Compare(v, t.Value) != 0
	case LT:
		return value.Compare(v, t.Value) < 0
	case LE:
		return value.Compare(v, t.Value) <= 0
	case GT:
		return value.Compare(v, t.Value) > 0
	case GE:
		return value.Compare(v, t.Value) >= 0
	case IN:
		for i := 0; i < t.Value.Len(); i++ {
			if value.Compare(v, t.Value.At(i)) == 0 {
				return true
			}
		}
	}
	return false
}

// Condition is a conjunction of terms
// evaluated against one index.
// An empty Condition matches every document.
type Condition []Term

// Matches returns whether doc satisfies every term.
func (c Condition) Matches(doc *value.Document) bool {
	for i := range c {
		if !c[i].Matches(doc.Get(c[i].Attribute)) {
			return false
		}
	}
	return true
}

// CursorOptions controls how a cursor
// produces documents.
type CursorOptions struct {
	// BatchSize is the preferred number
	// of documents per call to Next.
	BatchSize int
	// Reverse iterates the index in
	// descending order.
	Reverse bool
}

// Cursor enumerates documents.
type Cursor interface {
	// HasMore returns whether Next may
	// return more documents.
	HasMore() bool
	// Next returns up to n documents.
	Next(n int) ([]*value.Document, error)
	// Close releases the cursor.
	Close() error
}

// Rearmable is implemented by cursors that can
// be reset to a new condition without reopening.
type Rearmable interface {
	Rearm(ctx context.Context, cond Condition) error
}

// WriteOptions modify a single write.
type WriteOptions struct {
	ReturnOld bool
	ReturnNew bool
	// KeepNull keeps attributes explicitly set
	// to null by an update; otherwise they are removed.
	KeepNull bool
	// MergeObjects merges nested objects
	// on update instead of replacing them.
	MergeObjects bool
	// Overwrite turns an insert with an existing
	// key into a replace.
	Overwrite bool
}

// Result describes a completed write.
// Old and New, when requested, are owned
// by the caller and do not reference storage.
type Result struct {
	Key string
	Rev string
	Old value.Value
	New value.Value
}

// Storage is the document store queried
// and modified by execution.
type Storage interface {
	// OpenCursor opens a cursor over the documents
	// of shard that satisfy cond. A nil index
	// requests a full scan in primary key order.
	OpenCursor(ctx context.Context, shard string, idx *Index, cond Condition, opts CursorOptions) (Cursor, error)
	// Read returns the document with the given key.
	// A missing document is reported with
	// errcode.DocumentNotFound.
	Read(ctx context.Context, shard, key string) (*value.Document, error)
	// Insert stores a new document; the key is taken
	// from the _key attribute or generated.
	Insert(ctx context.Context, shard string, doc value.Value, opts WriteOptions) (Result, error)
	// Update merges patch into the document with key.
	Update(ctx context.Context, shard, key string, patch value.Value, opts WriteOptions) (Result, error)
	// Replace substitutes the body of the document with key.
	Replace(ctx context.Context, shard, key string, doc value.Value, opts WriteOptions) (Result, error)
	// Remove deletes the document with key.
	Remove(ctx context.Context, shard, key string, opts WriteOptions) (Result, error)
	// Compare imposes the total order of the
	// value domain used by sorting and grouping.
	Compare(a, b value.Value) int
}

// Locker is implemented by storage engines
// that lock shards for the duration of a query.
type Locker interface {
	Lock(ctx context.Context, shard string, mode AccessMode) error
	Unlock(shard string, mode AccessMode)
}

// Direction is the edge direction of a traversal.
type Direction int

const (
	Outbound Direction = iota
	Inbound
	Any
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "OUTBOUND"
	case Inbound:
		return "INBOUND"
	default:
		return "ANY"
	}
}

// GraphStore is implemented by storage engines
// that can look up the edges of a vertex.
type GraphStore interface {
	// Edges returns the edges in shard connected to
	// the vertex with document handle id.
	Edges(ctx context.Context, shard, id string, dir Direction) ([]*value.Document, error)
}
