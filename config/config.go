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

// Package config loads a ClusterConfig from a YAML file and turns it
// into the functional options the client constructors expect, rather
// than handing callers raw fields to thread through by hand.
package config

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/muxis"
	"github.com/SnellerInc/muxis/cluster"
)

// ClusterConfig covers every item in the configuration surface a
// cluster client accepts, plus a username/password pair that Options
// passes on as WithAuth (which a ClusterClient does not use for AUTH).
type ClusterConfig struct {
	Seeds string `json:"seeds"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	QueueSize      int           `json:"queueSize,omitempty"`
	ReadTimeout    time.Duration `json:"readTimeout,omitempty"`
	WriteTimeout   time.Duration `json:"writeTimeout,omitempty"`
	MaxFrameSize   int           `json:"maxFrameSize,omitempty"`
	RedirectBudget int           `json:"redirectBudget,omitempty"`
	IORetryBudget  int           `json:"ioRetryBudget,omitempty"`
	RetryBaseDelay time.Duration `json:"retryBaseDelay,omitempty"`
	KeyAffinity    bool          `json:"keyAffinity,omitempty"`

	Pool  PoolConfig  `json:"pool,omitempty"`
	Storm StormConfig `json:"storm,omitempty"`
}

// PoolConfig mirrors cluster.PoolConfig in YAML-friendly form.
type PoolConfig struct {
	MaxConnectionsPerNode int           `json:"maxConnectionsPerNode,omitempty"`
	MinIdlePerNode        int           `json:"minIdlePerNode,omitempty"`
	MaxIdleTime           time.Duration `json:"maxIdleTime,omitempty"`
	HealthCheckInterval   time.Duration `json:"healthCheckInterval,omitempty"`
}

// StormConfig mirrors cluster.StormConfig in YAML-friendly form.
type StormConfig struct {
	Threshold int           `json:"threshold,omitempty"`
	Window    time.Duration `json:"window,omitempty"`
	Cooldown  time.Duration `json:"cooldown,omitempty"`
}

// Load reads and parses a ClusterConfig from a YAML file at path.
func Load(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg ClusterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Seeds == "" {
		return nil, fmt.Errorf("config: %s: seeds is required", path)
	}
	return &cfg, nil
}

// Options turns a loaded ClusterConfig into the list of muxis.Option
// values the client constructors expect.
func (c *ClusterConfig) Options() []muxis.Option {
	var opts []muxis.Option
	if c.Username != "" || c.Password != "" {
		opts = append(opts, muxis.WithAuth(c.Username, c.Password))
	}
	if c.QueueSize > 0 {
		opts = append(opts, muxis.WithQueueSize(c.QueueSize))
	}
	if c.ReadTimeout > 0 {
		opts = append(opts, muxis.WithReadTimeout(c.ReadTimeout))
	}
	if c.WriteTimeout > 0 {
		opts = append(opts, muxis.WithWriteTimeout(c.WriteTimeout))
	}
	if c.MaxFrameSize > 0 {
		opts = append(opts, muxis.WithMaxFrameSize(c.MaxFrameSize))
	}
	if c.RedirectBudget > 0 {
		opts = append(opts, muxis.WithRedirectBudget(c.RedirectBudget))
	}
	if c.IORetryBudget > 0 {
		opts = append(opts, muxis.WithIORetryBudget(c.IORetryBudget))
	}
	if c.RetryBaseDelay > 0 {
		opts = append(opts, muxis.WithRetryBaseDelay(int(c.RetryBaseDelay.Milliseconds())))
	}
	if c.KeyAffinity {
		opts = append(opts, muxis.WithKeyAffinity(true))
	}
	if c.Pool != (PoolConfig{}) {
		opts = append(opts, muxis.WithPoolConfig(cluster.PoolConfig{
			MaxConnectionsPerNode: c.Pool.MaxConnectionsPerNode,
			MinIdlePerNode:        c.Pool.MinIdlePerNode,
			MaxIdleTime:           c.Pool.MaxIdleTime,
			HealthCheckInterval:   c.Pool.HealthCheckInterval,
			KeyAffinity:           c.KeyAffinity,
		}))
	}
	if c.Storm != (StormConfig{}) {
		opts = append(opts, muxis.WithStormConfig(cluster.StormConfig{
			Threshold: c.Storm.Threshold,
			Window:    c.Storm.Window,
			Cooldown:  c.Storm.Cooldown,
		}))
	}
	return opts
}
