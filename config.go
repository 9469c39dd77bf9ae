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

// Package shardql holds the configuration shared
// by the coordinator and data-node processes.
package shardql

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/plan"
	"github.com/SnellerInc/shardql/vm"
)

// DefaultBatchSize is the number of rows
// requested per pull when none is configured.
const DefaultBatchSize = 1000

// Config is the configuration of one process.
type Config struct {
	// Name is the server id of this process.
	Name string `json:"name"`
	// Listen is the address data-node
	// requests are served on.
	Listen string `json:"listen,omitempty"`
	// Metrics, if set, is the address
	// /metrics is served on.
	Metrics string `json:"metrics,omitempty"`
	// Peers maps server ids to addresses.
	Peers       map[string]string `json:"peers,omitempty"`
	DialTimeout string            `json:"dialTimeout,omitempty"`
	// CompressAbove is the frame payload size
	// above which payloads are compressed.
	CompressAbove int `json:"compressAbove,omitempty"`

	BatchSize int `json:"batchSize,omitempty"`
	// MemoryLimit bounds the block memory of a
	// query, in bytes or with a unit ("512MiB").
	MemoryLimit   string `json:"memoryLimit,omitempty"`
	HeavyContexts int    `json:"heavyContexts,omitempty"`
	StableSort    bool   `json:"stableSort,omitempty"`
	// ReadCompleteInput and FullCount are the
	// defaults for modification and limit nodes.
	ReadCompleteInput bool     `json:"readCompleteInput,omitempty"`
	FullCount         bool     `json:"fullCount,omitempty"`
	ShardAllowList    []string `json:"shardAllowList,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`

	Topology plan.Topology `json:"topology"`
	// Data maps shard ids of this server to
	// files of JSON lines loaded at startup.
	Data map[string]string `json:"data,omitempty"`
}

// DefaultConfig returns the configuration used
// for settings missing from a configuration file.
func DefaultConfig() *Config {
	c := &Config{
		Listen:        ":7400",
		DialTimeout:   "5s",
		CompressAbove: plan.DefaultCompressAbove,
		BatchSize:     DefaultBatchSize,
		LogLevel:      "info",
	}
	if memTotal > 0 {
		c.MemoryLimit = humanize.IBytes(uint64(memTotal / 4))
	}
	return c
}

// LoadConfig reads the YAML file at path
// on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

// ParseConfig parses YAML (or JSON) text
// on top of DefaultConfig.
func ParseConfig(text []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.UnmarshalStrict(text, c); err != nil {
		return nil, errcode.Wrapf(errcode.BadParameter, err, "parsing configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the settings that
// cannot be checked while parsing.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errcode.Newf(errcode.BadParameter, "batchSize must be positive, not %d", c.BatchSize)
	}
	if _, err := c.memoryLimit(); err != nil {
		return err
	}
	if _, err := c.dialTimeout(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errcode.Wrapf(errcode.BadParameter, err, "logLevel")
	}
	for coll, ct := range c.Topology.Collections {
		if len(ct.Shards) == 0 {
			return errcode.Newf(errcode.BadParameter, "collection %q has no shards", coll)
		}
		for _, sh := range ct.Shards {
			if sh.Server != c.Name {
				if _, ok := c.Peers[sh.Server]; !ok {
					return errcode.Newf(errcode.BadParameter, "shard %s of %q is on unknown server %q", sh.ID, coll, sh.Server)
				}
			}
		}
	}
	return nil
}

func (c *Config) memoryLimit() (int64, error) {
	if c.MemoryLimit == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MemoryLimit)
	if err != nil {
		return 0, errcode.Wrapf(errcode.BadParameter, err, "memoryLimit")
	}
	return int64(n), nil
}

func (c *Config) dialTimeout() (time.Duration, error) {
	if c.DialTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.DialTimeout)
	if err != nil {
		return 0, errcode.Wrapf(errcode.BadParameter, err, "dialTimeout")
	}
	return d, nil
}

// ExecOptions returns the per-query options.
func (c *Config) ExecOptions() plan.Options {
	limit, _ := c.memoryLimit()
	return plan.Options{
		BatchSize:      c.BatchSize,
		MemoryLimit:    limit,
		StableSort:     c.StableSort,
		HeavyContexts:  c.HeavyContexts,
		ShardAllowList: c.ShardAllowList,
	}
}

// ApplyDefaults sets the configured defaults on
// the modification and limit nodes of a plan.
func (c *Config) ApplyDefaults(root *plan.Node) {
	plan.Walk(root, func(n *plan.Node) {
		switch {
		case n.Modify != nil && c.ReadCompleteInput:
			n.Modify.ReadCompleteInput = true
		case n.Kind == vm.KindLimit && c.FullCount:
			n.FullCount = true
		}
	})
}

// Transport returns a transport reaching the peers.
func (c *Config) Transport(logger *zap.Logger) *plan.NetTransport {
	timeout, _ := c.dialTimeout()
	d := &net.Dialer{Timeout: timeout}
	return &plan.NetTransport{
		Peers:         c.Peers,
		Dial:          d.DialContext,
		CompressAbove: c.CompressAbove,
		Logger:        logger,
	}
}

// Logger builds the process logger. Debug
// level selects the development encoder.
func (c *Config) Logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if c.Name != "" {
		logger = logger.With(zap.String("node", c.Name))
	}
	return logger, nil
}

// Coordinator returns a coordinator for the
// configured cluster. local serves the engines
// data nodes pull from and must be reachable by
// them under c.Name.
func (c *Config) Coordinator(tr plan.Transport, local *plan.Server, logger *zap.Logger) *plan.Coordinator {
	return &plan.Coordinator{
		Name:      c.Name,
		Topology:  &c.Topology,
		Transport: tr,
		Local:     local,
		Options:   c.ExecOptions(),
		Logger:    logger,
	}
}

// Run runs root on the cluster with the configured
// defaults applied.
func (c *Config) Run(ctx context.Context, co *plan.Coordinator, root *plan.Node) (vm.Stats, []string, error) {
	c.ApplyDefaults(root)
	vals, stats, err := co.Run(ctx, root)
	if err != nil {
		return stats, nil, err
	}
	out := make([]string, len(vals))
	for i := range vals {
		out[i] = vals[i].String()
		vals[i].Destroy()
	}
	return stats, out, nil
}
