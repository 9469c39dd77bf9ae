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

// Package errcode defines the stable numeric
// error codes reported by query execution.
//
// Every error that leaves the execution core
// carries exactly one Code; wrapping an error
// preserves the innermost code so that the
// first fatal error encountered is the one
// a client observes.
package errcode

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code is a stable numeric error code.
type Code int

const (
	OK Code = 0

	Internal Code = 4

	// plan-structural errors
	PlanStructure    Code = 1541
	VariableNotFound Code = 1512
	NotImplemented   Code = 9
	BadParameter     Code = 10

	// storage-operation errors
	DocumentNotFound  Code = 1202
	UniqueConstraint  Code = 1210
	TypeMismatch      Code = 1227
	DocumentKeyBad    Code = 1221
	ShardKeyChange    Code = 1471
	CollectionMissing Code = 1203

	// cluster-communication errors
	ClusterUnreachable  Code = 1478
	ClusterBadResponse  Code = 1479
	ClusterEngineCount  Code = 1480
	ClusterEngineAbsent Code = 1481

	// cancellation
	Killed Code = 1500

	// resource errors
	ResourceLimit Code = 32
)

// Category is the coarse classification of a Code.
type Category int

const (
	CategoryInternal Category = iota
	CategoryStructural
	CategoryStorage
	CategoryCluster
	CategoryCancel
	CategoryResource
)

func (c Category) String() string {
	switch c {
	case CategoryStructural:
		return "structural"
	case CategoryStorage:
		return "storage"
	case CategoryCluster:
		return "cluster"
	case CategoryCancel:
		return "cancel"
	case CategoryResource:
		return "resource"
	default:
		return "internal"
	}
}

// Category returns the category of c.
func (c Code) Category() Category {
	switch c {
	case PlanStructure, VariableNotFound, NotImplemented, BadParameter:
		return CategoryStructural
	case DocumentNotFound, UniqueConstraint, TypeMismatch,
		DocumentKeyBad, ShardKeyChange, CollectionMissing:
		return CategoryStorage
	case ClusterUnreachable, ClusterBadResponse,
		ClusterEngineCount, ClusterEngineAbsent:
		return CategoryCluster
	case Killed:
		return CategoryCancel
	case ResourceLimit:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// Fatal returns whether an error with this
// code always aborts the whole query.
// Only storage errors may be ignored.
func (c Code) Fatal() bool {
	return c.Category() != CategoryStorage
}

var names = map[Code]string{
	OK:                  "ok",
	Internal:            "internal error",
	PlanStructure:       "malformed plan",
	VariableNotFound:    "variable not found",
	NotImplemented:      "not implemented",
	BadParameter:        "bad parameter",
	DocumentNotFound:    "document not found",
	UniqueConstraint:    "unique constraint violated",
	TypeMismatch:        "type mismatch",
	DocumentKeyBad:      "illegal document key",
	ShardKeyChange:      "must not change the value of a shard key attribute",
	CollectionMissing:   "collection not found",
	ClusterUnreachable:  "server unreachable",
	ClusterBadResponse:  "malformed response from server",
	ClusterEngineCount:  "mismatched engine count in setup response",
	ClusterEngineAbsent: "remote engine not found",
	Killed:              "query killed",
	ResourceLimit:       "resource limit exceeded",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("code %d", int(c))
}

// Error is an error carrying a Code.
type Error struct {
	Code Code
	// Server, if set, is the server
	// that originally raised the error.
	Server string

	err error
}

func (e *Error) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s (from %s)", e.err.Error(), e.Server)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// Newf creates a new error with the given code.
func Newf(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, err: errors.NewWithDepthf(1, format, args...)}
}

// New creates a new error with the given code
// and its default message.
func New(code Code) error {
	return &Error{Code: code, err: errors.NewWithDepth(1, code.String())}
}

// Wrapf annotates err with a message and a code.
// If err already carries a code, that code is kept.
func Wrapf(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		code = inner.Code
	}
	return &Error{Code: code, err: errors.WrapWithDepthf(1, err, format, args...)}
}

// FromRemote rebuilds an error reported by
// another server so that it carries the same
// code on this side of the boundary.
func FromRemote(server string, code Code, msg string) error {
	if code == OK {
		code = Internal
	}
	return &Error{Code: code, Server: server, err: errors.NewWithDepth(1, msg)}
}

// CodeOf returns the Code carried by err.
// Context cancellation maps to Killed and
// any uncoded error maps to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Killed
	}
	return Internal
}

// Is returns whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
