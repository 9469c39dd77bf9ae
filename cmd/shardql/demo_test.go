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

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SnellerInc/shardql"
)

func TestDemo(t *testing.T) {
	var out bytes.Buffer
	err := demo(context.Background(), &out, shardql.DefaultConfig(), zaptest.NewLogger(t), 40)
	require.NoError(t, err)
	text := out.String()
	require.Contains(t, text, "\n  40\n")
	for _, city := range cities {
		require.Contains(t, text, `"city":"`+city+`"`)
	}
	// ages run from 20 to 59
	idx := strings.Index(text, "SORT u.age DESC")
	require.NotEqual(t, -1, idx)
	require.Contains(t, text[idx:], `"user39"`)
}
