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

// Package vm implements the pull-based
// execution operators of a query.
//
// Each operator implements Block. A consumer
// pulls batches of rows from its dependency by
// calling GetSome (or SkipSome when the rows
// themselves are not needed); batches travel as
// *ItemBlock, a rows-by-registers grid of values
// whose ownership moves with the block. Control
// (cursor re-initialization and shutdown) flows
// from the root towards the leaves.
//
// An Engine owns the operator tree of one
// physical plan fragment. Fragments running on
// other servers are reached through Remote,
// which pulls batches over a RemoteEngine.
package vm
