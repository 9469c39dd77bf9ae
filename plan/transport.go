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

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/vm"
)

// Transport reaches the servers of a cluster:
// it delivers setup requests and the engine
// operations of vm.RemoteEngine.
type Transport interface {
	vm.RemoteEngine
	// Setup sends the encoded bundle to server
	// and returns the engine id per snippet key.
	Setup(ctx context.Context, server string, bundle []byte) (map[string]string, error)
}

// LocalTransport is a Transport
// that calls in-process servers.
type LocalTransport struct {
	lock    sync.RWMutex
	servers map[string]*Server
}

// Add makes s reachable by its name.
func (l *LocalTransport) Add(s *Server) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.servers == nil {
		l.servers = make(map[string]*Server)
	}
	l.servers[s.Name] = s
}

func (l *LocalTransport) server(name string) (*Server, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	s, ok := l.servers[name]
	if !ok {
		return nil, errcode.Newf(errcode.ClusterUnreachable, "server %q is unknown", name)
	}
	return s, nil
}

func (l *LocalTransport) Setup(ctx context.Context, server string, bundle []byte) (map[string]string, error) {
	s, err := l.server(server)
	if err != nil {
		return nil, err
	}
	return s.Setup(ctx, bundle)
}

func (l *LocalTransport) InitializeCursor(ctx context.Context, ref vm.RemoteRef) error {
	s, err := l.server(ref.Server)
	if err != nil {
		return err
	}
	return s.InitializeCursor(ctx, ref)
}

func (l *LocalTransport) GetOrSkipSome(ctx context.Context, ref vm.RemoteRef, atLeast, atMost int, skipping bool) (*vm.BlockWire, int, error) {
	s, err := l.server(ref.Server)
	if err != nil {
		return nil, 0, err
	}
	return s.GetOrSkipSome(ctx, ref, atLeast, atMost, skipping)
}

func (l *LocalTransport) Shutdown(ctx context.Context, ref vm.RemoteRef, code errcode.Code) (vm.Stats, error) {
	s, err := l.server(ref.Server)
	if err != nil {
		return vm.Stats{}, err
	}
	return s.Shutdown(ctx, ref, code)
}
