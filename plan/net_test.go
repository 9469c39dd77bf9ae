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
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/vm"
)

func TestFrame(t *testing.T) {
	var buf [framesize]byte
	mkframe(frameget|frameCompressed, 1234).put(buf[:])
	f := getframe(buf[:])
	require.Equal(t, frameget, f.kind())
	require.True(t, f.compressed())
	require.Equal(t, 1234, f.length())

	mkframe(frameok, maxframe).put(buf[:])
	f = getframe(buf[:])
	require.Equal(t, frameok, f.kind())
	require.False(t, f.compressed())
	require.Equal(t, maxframe, f.length())
}

// pipes returns a NetTransport whose connections
// are served in-process by the servers of c.
func (c *cluster) pipes(compressAbove int) *NetTransport {
	peers := make(map[string]string)
	for name := range c.servers {
		peers[name] = name
	}
	return &NetTransport{
		Peers:         peers,
		CompressAbove: compressAbove,
		Dial: func(_ context.Context, _, addr string) (net.Conn, error) {
			srv, ok := c.servers[addr]
			if !ok {
				return nil, errors.New("no such server")
			}
			client, server := net.Pipe()
			go Serve(server, srv)
			return client, nil
		},
	}
}

func TestNetTransport(t *testing.T) {
	c := newCluster(t, "db1", "db2")
	c.collection("users",
		ShardInfo{ID: "s1", Server: "db1"},
		ShardInfo{ID: "s2", Server: "db2"})
	c.insert("users", numbered(10)...)
	nt := c.pipes(64)
	defer nt.Close()
	c.coord.Transport = nt

	vals, stats, err := c.coord.Run(context.Background(), readPlan())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"5", "6", "7", "8", "9"}, strs(vals))
	require.Equal(t, int64(10), stats.ScannedFull)
	c.idle()

	ctx := context.Background()
	ref := vm.RemoteRef{Server: "db2", Engine: "missing"}
	_, _, err = nt.GetOrSkipSome(ctx, ref, 1, 10, false)
	require.True(t, errcode.Is(err, errcode.ClusterEngineAbsent), "%v", err)
	require.True(t, strings.Contains(err.Error(), "db2"), "%v", err)
	// the connection survives errors reported by the peer
	_, err = nt.Shutdown(ctx, ref, errcode.OK)
	require.True(t, errcode.Is(err, errcode.ClusterEngineAbsent), "%v", err)
	require.Len(t, nt.idle["db2"], 1)

	_, err = nt.Setup(ctx, "db9", nil)
	require.True(t, errcode.Is(err, errcode.ClusterUnreachable), "%v", err)
}

func TestServeEOF(t *testing.T) {
	c := newCluster(t, "db1")
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(server, c.servers["db1"]) }()

	cl := NewClient("db1", client, 0)
	err := cl.InitializeCursor(context.Background(), vm.RemoteRef{Server: "db1", Engine: "missing"})
	require.True(t, errcode.Is(err, errcode.ClusterEngineAbsent), "%v", err)
	require.NoError(t, cl.Close())
	require.NoError(t, <-done)
}

func TestServeUnexpectedFrame(t *testing.T) {
	c := newCluster(t, "db1")
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(server, c.servers["db1"]) }()

	cn := newConn(client, 0)
	require.NoError(t, cn.write(frameok, &struct{}{}))
	kind, _, err := cn.read()
	require.NoError(t, err)
	require.Equal(t, frameerr, kind)
	require.ErrorIs(t, <-done, errUnexpectedFrame)

	// the server closed the pipe
	cl := &Client{Server: "db1", conn: cn}
	_, err = cl.Setup(context.Background(), nil)
	require.True(t, errcode.Is(err, errcode.ClusterUnreachable), "%v", err)
	require.True(t, cl.broken)
}
