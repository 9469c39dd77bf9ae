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
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/vm"
)

// DefaultPlanCacheSize is the number of decoded
// setup requests a Server keeps.
const DefaultPlanCacheSize = 128

type decoded struct {
	key  string
	root *Node
	rp   *RegisterPlan
}

type serverMetrics struct {
	setups      prometheus.Counter
	setupErrors prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	engines     prometheus.Gauge
	rows        prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer, server string) *serverMetrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"server": server}
	return &serverMetrics{
		setups: f.NewCounter(prometheus.CounterOpts{
			Name:        "shardql_setups_total",
			Help:        "Setup requests received.",
			ConstLabels: labels,
		}),
		setupErrors: f.NewCounter(prometheus.CounterOpts{
			Name:        "shardql_setup_errors_total",
			Help:        "Setup requests that failed.",
			ConstLabels: labels,
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name:        "shardql_plan_cache_hits_total",
			Help:        "Setup requests served from the plan cache.",
			ConstLabels: labels,
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name:        "shardql_plan_cache_misses_total",
			Help:        "Setup requests whose snippets were decoded.",
			ConstLabels: labels,
		}),
		engines: f.NewGauge(prometheus.GaugeOpts{
			Name:        "shardql_engines",
			Help:        "Engines currently registered.",
			ConstLabels: labels,
		}),
		rows: f.NewCounter(prometheus.CounterOpts{
			Name:        "shardql_rows_sent_total",
			Help:        "Rows returned to remote engines.",
			ConstLabels: labels,
		}),
	}
}

// Server runs engines on behalf of other servers.
// It instantiates the snippets of setup requests
// and serves the engine operations of vm.RemoteEngine
// by engine id.
type Server struct {
	Name    string
	Storage storage.Storage
	// Remote is used by the engines of the
	// server to reach engines elsewhere.
	Remote vm.RemoteEngine
	Logger *zap.Logger

	registry *Registry
	plans    *lru.Cache[string, []decoded]
	metrics  *serverMetrics

	// ctx is the parent of every engine's context
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer returns a server named name executing
// against st. Metrics are registered with reg; a nil
// reg disables registration.
func NewServer(name string, st storage.Storage, remote vm.RemoteEngine, reg prometheus.Registerer, logger *zap.Logger) (*Server, error) {
	plans, err := lru.New[string, []decoded](DefaultPlanCacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	locker, _ := st.(storage.Locker)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Name:     name,
		Storage:  st,
		Remote:   remote,
		Logger:   logger.With(zap.String("server", name)),
		registry: NewRegistry(locker),
		plans:    plans,
		metrics:  newServerMetrics(reg, name),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Registry returns the engines of s.
func (s *Server) Registry() *Registry { return s.registry }

// Close shuts down every registered engine.
func (s *Server) Close() {
	s.cancel()
	s.registry.lock.Lock()
	ids := make([]string, 0, len(s.registry.engines))
	for id := range s.registry.engines {
		ids = append(ids, id)
	}
	s.registry.lock.Unlock()
	for _, id := range ids {
		if e, err := s.registry.Get(id); err == nil {
			e.Shutdown(errcode.New(errcode.Killed))
		}
		s.registry.Remove(id)
		s.metrics.engines.Dec()
	}
}

func (s *Server) snippets(b *Bundle) ([]decoded, error) {
	key := hex.EncodeToString(b.Sum)
	if lst, ok := s.plans.Get(key); ok {
		s.metrics.cacheHits.Inc()
		return lst, nil
	}
	s.metrics.cacheMisses.Inc()
	wire, err := b.DecodeSnippets()
	if err != nil {
		return nil, err
	}
	lst := make([]decoded, len(wire))
	for i := range wire {
		root, rp, err := wire[i].Decode()
		if err != nil {
			return nil, err
		}
		lst[i] = decoded{key: wire[i].Key, root: root, rp: rp}
	}
	s.plans.Add(key, lst)
	return lst, nil
}

// Setup instantiates the snippets of the encoded
// bundle raw and returns the engine id created
// for each snippet key. The locks requested by
// the bundle are taken before any engine is
// created. On failure no engine remains.
func (s *Server) Setup(ctx context.Context, raw []byte) (map[string]string, error) {
	s.metrics.setups.Inc()
	ids, err := s.setup(ctx, raw)
	if err != nil {
		s.metrics.setupErrors.Inc()
		s.Logger.Warn("setup failed", zap.Error(err))
	}
	return ids, err
}

func (s *Server) setup(ctx context.Context, raw []byte) (map[string]string, error) {
	b, err := DecodeBundle(raw)
	if err != nil {
		return nil, err
	}
	lst, err := s.snippets(b)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Lock(ctx, b.Query, b.Locks); err != nil {
		s.registry.Release(b.Query)
		return nil, err
	}
	ids := make(map[string]string, len(lst))
	var created []*vm.Engine
	fail := func(err error) (map[string]string, error) {
		for _, e := range created {
			e.Shutdown(err)
			s.registry.Remove(e.ID)
			s.metrics.engines.Dec()
		}
		s.registry.Release(b.Query)
		return nil, err
	}
	for i := range lst {
		if _, dup := ids[lst[i].key]; dup {
			return fail(errcode.Newf(errcode.PlanStructure, "snippet key %q is not unique", lst[i].key))
		}
		ectx, cancel := context.WithCancel(s.ctx)
		q := b.Options.query(ectx, b.Query, s.Name, true, s.Storage, s.Remote, s.Logger)
		blk, result, err := Instantiate(q, lst[i].root, lst[i].rp)
		if err != nil {
			cancel()
			return fail(err)
		}
		e := vm.NewEngine(s.registry.NewID(), q, blk, result)
		s.registry.Add(b.Query, e, cancel)
		s.metrics.engines.Inc()
		created = append(created, e)
		ids[lst[i].key] = e.ID
	}
	s.Logger.Debug("setup",
		zap.String("query", b.Query),
		zap.String("coordinator", b.Coordinator),
		zap.Int("engines", len(ids)))
	return ids, nil
}

// Register adds an engine created locally, such
// as a coordinator engine pulled from by data
// nodes, to the registry of s.
func (s *Server) Register(query string, e *vm.Engine) {
	s.registry.Add(query, e, nil)
	s.metrics.engines.Inc()
}

// InitializeCursor implements vm.RemoteEngine.InitializeCursor.
// Engines serving several clients are initialized
// when they are created, so a client initializing
// its cursor is not forwarded.
func (s *Server) InitializeCursor(ctx context.Context, ref vm.RemoteRef) error {
	e, err := s.registry.Get(ref.Engine)
	if err != nil {
		return err
	}
	if ref.Shard != "" {
		return nil
	}
	return e.InitializeCursor()
}

// GetOrSkipSome implements vm.RemoteEngine.GetOrSkipSome.
func (s *Server) GetOrSkipSome(ctx context.Context, ref vm.RemoteRef, atLeast, atMost int, skipping bool) (*vm.BlockWire, int, error) {
	e, err := s.registry.Get(ref.Engine)
	if err != nil {
		return nil, 0, err
	}
	blk, n, err := e.GetOrSkipSome(atLeast, atMost, skipping, ref.Shard)
	if err != nil {
		return nil, 0, err
	}
	if blk == nil {
		return nil, n, nil
	}
	defer blk.Destroy()
	s.metrics.rows.Add(float64(blk.Rows()))
	return vm.EncodeBlock(blk), 0, nil
}

// Shutdown implements vm.RemoteEngine.Shutdown.
// The statistics of an engine serving several
// clients are returned to the client that
// shuts it down last.
func (s *Server) Shutdown(ctx context.Context, ref vm.RemoteRef, code errcode.Code) (vm.Stats, error) {
	e, err := s.registry.Get(ref.Engine)
	if err != nil {
		return vm.Stats{}, err
	}
	var cause error
	if code != errcode.OK {
		cause = errcode.New(code)
	}
	var stats vm.Stats
	if ref.Shard != "" {
		var done bool
		done, stats, err = e.ShutdownForShard(ref.Shard, cause)
		if !done {
			stats = vm.Stats{}
		} else {
			s.registry.Remove(ref.Engine)
			s.metrics.engines.Dec()
		}
	} else {
		stats, err = e.Shutdown(cause)
		s.registry.Remove(ref.Engine)
		s.metrics.engines.Dec()
	}
	if cause != nil && errcode.CodeOf(err) == code {
		err = nil
	}
	return stats, err
}
