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

package muxis

import (
	"log"
	"time"

	"github.com/SnellerInc/muxis/cluster"
	"github.com/SnellerInc/muxis/conn"
	"github.com/SnellerInc/muxis/mux"
	"github.com/SnellerInc/muxis/resp"
)

// clientConfig holds every option a Client or ClusterClient accepts.
// Config loaded from YAML (see package config) is turned into a list
// of these options rather than consumed as raw fields, matching this
// codebase's functional-options constructors.
type clientConfig struct {
	queueSize     int
	readTimeout   time.Duration
	writeTimeout  time.Duration
	maxFrameSize  int
	username      string
	password      string
	logger        *log.Logger
	poolCfg       cluster.PoolConfig
	stormCfg      cluster.StormConfig
	redirectLimit int
	ioRetryLimit  int
	retryBaseMS   int
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		queueSize:     mux.DefaultQueueSize,
		maxFrameSize:  resp.DefaultMaxFrameSize,
		poolCfg:       cluster.DefaultPoolConfig(),
		stormCfg:      cluster.DefaultStormConfig(),
		redirectLimit: 5,
		ioRetryLimit:  3,
		retryBaseMS:   100,
	}
}

// Option configures a Client or ClusterClient at construction time.
type Option func(*clientConfig)

// WithQueueSize overrides the multiplexer's request/waiter channel
// bound (default 1024).
func WithQueueSize(n int) Option { return func(c *clientConfig) { c.queueSize = n } }

// WithReadTimeout sets the per-syscall read timeout (default: unset,
// block forever).
func WithReadTimeout(d time.Duration) Option { return func(c *clientConfig) { c.readTimeout = d } }

// WithWriteTimeout sets the per-call write timeout (default: unset).
func WithWriteTimeout(d time.Duration) Option { return func(c *clientConfig) { c.writeTimeout = d } }

// WithMaxFrameSize overrides the decoder's max frame size (default 512
// MiB).
func WithMaxFrameSize(n int) Option { return func(c *clientConfig) { c.maxFrameSize = n } }

// WithAuth configures credentials that Dial sends via AUTH on its
// freshly dialed connection. An empty username sends the
// single-argument AUTH form. ClusterClient does not send AUTH on the
// connections it dials, so these credentials have no effect there.
func WithAuth(username, password string) Option {
	return func(c *clientConfig) { c.username, c.password = username, password }
}

// WithLogger attaches a diagnostics logger. Nil (the default) disables
// logging entirely; no logging library is required to use this client.
func WithLogger(l *log.Logger) Option { return func(c *clientConfig) { c.logger = l } }

// WithRedirectBudget overrides the per-call MOVED/ASK redirect budget
// (default 5), cluster clients only.
func WithRedirectBudget(n int) Option { return func(c *clientConfig) { c.redirectLimit = n } }

// WithIORetryBudget overrides the per-call I/O retry budget (default
// 3), cluster clients only.
func WithIORetryBudget(n int) Option { return func(c *clientConfig) { c.ioRetryLimit = n } }

// WithRetryBaseDelay overrides the exponential backoff base delay in
// milliseconds (default 100), cluster clients only.
func WithRetryBaseDelay(ms int) Option { return func(c *clientConfig) { c.retryBaseMS = ms } }

// WithPoolConfig overrides the per-node connection pool's admission
// ceiling and eviction policy, cluster clients only.
func WithPoolConfig(cfg cluster.PoolConfig) Option { return func(c *clientConfig) { c.poolCfg = cfg } }

// WithStormConfig overrides the redirect-storm tracker's threshold,
// window, and cooldown, cluster clients only.
func WithStormConfig(cfg cluster.StormConfig) Option {
	return func(c *clientConfig) { c.stormCfg = cfg }
}

// WithKeyAffinity enables key-sticky pool selection: when a node has
// more than one pooled connection, ClusterClient.Command (which knows
// the keys involved) biases repeated access to the same key toward the
// same connection rather than plain rotation. Cluster clients only;
// has no effect on ClusterClient.Execute, which has no key to hash.
func WithKeyAffinity(enabled bool) Option {
	return func(c *clientConfig) { c.poolCfg.KeyAffinity = enabled }
}

func (c *clientConfig) connOpts() []conn.Option {
	var opts []conn.Option
	if c.readTimeout > 0 {
		opts = append(opts, conn.WithReadTimeout(c.readTimeout))
	}
	if c.writeTimeout > 0 {
		opts = append(opts, conn.WithWriteTimeout(c.writeTimeout))
	}
	if c.maxFrameSize > 0 {
		opts = append(opts, conn.WithMaxFrameSize(c.maxFrameSize))
	}
	return opts
}

func (c *clientConfig) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Client is a single-node connection to the store: a thin,
// cheaply-shared wrapper around a Multiplexer that applies AUTH at
// connect time and translates transport/protocol failures into the
// module's Error taxonomy.
type Client struct {
	cfg clientConfig
	mp  *mux.Multiplexer
}

// Dial connects to addr (host:port) over TCP and returns a ready
// Client. If credentials were configured via WithAuth, AUTH is sent
// before Dial returns; an error-frame reply surfaces as KindAuth.
func Dial(addr string, opts ...Option) (*Client, error) {
	cfg := defaultClientConfig()
	for _, o := range opts {
		o(&cfg)
	}
	traceID := newTraceID()
	mp, err := mux.Dial("tcp", addr, cfg.queueSize, cfg.connOpts()...)
	if err != nil {
		return nil, wrapErr(KindTransport, err, "dial %s", addr)
	}
	cfg.logf("muxis[%s]: connected to %s", traceID, addr)
	cl := &Client{cfg: cfg, mp: mp}
	if cfg.password != "" {
		if err := cl.auth(traceID); err != nil {
			mp.Close()
			return nil, err
		}
	}
	return cl, nil
}

func (c *Client) auth(traceID string) error {
	c.cfg.logf("muxis[%s]: authenticating as %q (credential %s)", traceID, c.cfg.username, redactSecret(c.cfg.password))
	f, err := c.mp.Submit(authCommand(c.cfg.username, c.cfg.password))
	if err != nil {
		return wrapErr(KindTransport, err, "auth")
	}
	if f.IsError() {
		return &Error{Kind: KindAuth, Message: f.Str}
	}
	return nil
}

// Do submits a command (an array of bulk strings, built by the
// caller) and returns the raw reply frame. Error frames are returned
// as a non-nil Frame with a nil error; it is the caller's
// responsibility to check Frame.IsError() for reply types other than
// a definite success, matching how every other command builder
// outside this core's scope is expected to behave.
func (c *Client) Do(cmd resp.Frame) (resp.Frame, error) {
	f, err := c.mp.Submit(cmd)
	if err != nil {
		return resp.Frame{}, wrapErr(KindTransport, err, "submit")
	}
	return f, nil
}

// Ping issues PING and reports whether the server answered without an
// error frame.
func (c *Client) Ping() error {
	f, err := c.Do(pingCommand())
	if err != nil {
		return err
	}
	if f.IsError() {
		e := classifyServerError(f.Str)
		if e.Kind == kindMoved || e.Kind == kindAsk {
			return newErr(KindServer, "%s", f.Str)
		}
		return e
	}
	return nil
}

// Close terminates the underlying multiplexer; every outstanding and
// future call on this Client (or any handle sharing it) thereafter
// fails.
func (c *Client) Close() { c.mp.Close() }
