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
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SnellerInc/shardql"
	"github.com/SnellerInc/shardql/plan"
	"github.com/SnellerInc/shardql/storage/memstore"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a data node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *shardql.Config, logger *zap.Logger) error {
	if cfg.Name == "" {
		return errors.New("serve: the configuration has no name")
	}
	st := memstore.New(nil)
	loaded, err := cfg.Bootstrap(ctx, st)
	if err != nil {
		return err
	}
	for shard, n := range loaded {
		logger.Info("loaded shard", zap.String("shard", shard), zap.String("documents", humanize.Comma(int64(n))))
	}

	tr := cfg.Transport(logger)
	defer tr.Close()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv, err := plan.NewServer(cfg.Name, st, tr, reg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: cfg.Metrics, Handler: mux}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer hs.Close()
	}

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- plan.ServeListener(l, srv) }()
	logger.Info("serving",
		zap.String("addr", l.Addr().String()),
		zap.String("memoryLimit", cfg.MemoryLimit),
		zap.Int("batchSize", cfg.BatchSize))

	select {
	case <-ctx.Done():
		l.Close()
		<-errc
		logger.Info("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}
