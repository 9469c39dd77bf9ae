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

package errcode

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	err := Newf(DocumentNotFound, "document %q", "users/1")
	require.Equal(t, DocumentNotFound, CodeOf(err))
	require.True(t, Is(err, DocumentNotFound))

	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, DocumentNotFound, CodeOf(wrapped))

	// wrapping keeps the innermost code
	rewrapped := Wrapf(Internal, err, "while removing")
	require.Equal(t, DocumentNotFound, CodeOf(rewrapped))
	require.Contains(t, rewrapped.Error(), "users/1")

	require.Equal(t, Killed, CodeOf(context.Canceled))
	require.Equal(t, Internal, CodeOf(fmt.Errorf("plain")))
	require.Equal(t, OK, CodeOf(nil))
	require.Nil(t, Wrapf(Internal, nil, "nothing"))
}

func TestCategory(t *testing.T) {
	require.Equal(t, CategoryStorage, ShardKeyChange.Category())
	require.Equal(t, CategoryCluster, ClusterEngineCount.Category())
	require.Equal(t, CategoryCancel, Killed.Category())
	require.Equal(t, CategoryStructural, PlanStructure.Category())
	require.False(t, UniqueConstraint.Fatal())
	require.True(t, ClusterUnreachable.Fatal())
}

func TestFromRemote(t *testing.T) {
	err := FromRemote("db1", UniqueConstraint, "conflict on _key")
	require.Equal(t, UniqueConstraint, CodeOf(err))
	require.Contains(t, err.Error(), "db1")
	require.Equal(t, Internal, CodeOf(FromRemote("db1", OK, "?")))
}
