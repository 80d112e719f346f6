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
	"strings"
	"sync"
	"time"

	"github.com/SnellerInc/muxis/cluster"
	"github.com/SnellerInc/muxis/internal/ioclass"
	"github.com/SnellerInc/muxis/mux"
	"github.com/SnellerInc/muxis/resp"
)

// ClusterClient binds the slot hash, topology, pool, and storm tracker
// together: it resolves a command's slot to a master node, dispatches
// it through the pool, and interprets MOVED/ASK/CLUSTERDOWN/CROSSSLOT
// redirects with bounded retry budgets.
//
// A ClusterClient is cheaply shared: every field besides cfg and seeds
// is already reference-typed or guarded by its own lock, so copying
// the pointer is sufficient; there is no separate handle type as there
// is for a single connection.
type ClusterClient struct {
	cfg   clientConfig
	seeds []string

	mu       sync.RWMutex
	topology *cluster.Topology

	pool  *cluster.Pool
	storm *cluster.StormTracker
}

// ParseAddresses splits a comma-separated seed list into bare
// host:port strings, stripping an optional "redis://" or "rediss://"
// scheme (the latter denotes transport security, which is out of
// scope here — a byte stream is assumed). Whitespace around entries is
// ignored and empty entries are skipped. An all-empty list is reported
// as KindInvalidArgument.
func ParseAddresses(seedList string) ([]string, error) {
	var addrs []string
	for _, part := range strings.Split(seedList, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.TrimPrefix(part, "rediss://")
		part = strings.TrimPrefix(part, "redis://")
		addrs = append(addrs, part)
	}
	if len(addrs) == 0 {
		return nil, newErr(KindInvalidArgument, "no valid addresses provided")
	}
	return addrs, nil
}

// NewClusterClient parses seedList, performs one topology refresh
// against the seeds (first success wins), and returns a ready client.
// Construction fails if no seed yields a parseable slot map.
func NewClusterClient(seedList string, opts ...Option) (*ClusterClient, error) {
	cfg := defaultClientConfig()
	for _, o := range opts {
		o(&cfg)
	}
	addrs, err := ParseAddresses(seedList)
	if err != nil {
		return nil, err
	}
	rc := &ClusterClient{
		cfg:      cfg,
		seeds:    addrs,
		topology: cluster.NewTopology(),
		pool:     cluster.NewPool(cfg.poolCfg),
		storm:    cluster.NewStormTracker(cfg.stormCfg),
	}
	traceID := newTraceID()
	cfg.logf("muxis[%s]: bootstrapping cluster client from seeds %v", traceID, addrs)
	if err := rc.refreshTopology(); err != nil {
		return nil, err
	}
	cfg.logf("muxis[%s]: initial topology covers %d node(s)", traceID, rc.NodeCount())
	return rc, nil
}

// refreshTopology iterates the seeds in order; the first one that
// yields a parseable CLUSTER SLOTS reply wins. On success the new
// topology is swapped in atomically and the storm tracker is reset.
func (rc *ClusterClient) refreshTopology() error {
	var lastErr error
	for _, addr := range rc.seeds {
		topo, err := rc.fetchTopologyFromNode(addr)
		if err != nil {
			lastErr = err
			rc.cfg.logf("muxis: topology refresh from %s failed: %v", addr, err)
			continue
		}
		rc.mu.Lock()
		rc.topology = topo
		rc.mu.Unlock()
		rc.storm.Reset()
		return nil
	}
	return wrapErr(KindProtocol, lastErr, "failed to refresh topology from any seed node")
}

func (rc *ClusterClient) fetchTopologyFromNode(addr string) (*cluster.Topology, error) {
	h, err := mux.Dial("tcp", addr, rc.cfg.queueSize, rc.cfg.connOpts()...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	f, err := h.Submit(clusterSlotsCommand())
	if err != nil {
		return nil, err
	}
	if f.IsError() {
		return nil, newErr(KindServer, "%s", f.Str)
	}
	return cluster.FromClusterSlots(f)
}

// bestEffortRefresh refreshes topology and swallows the error, logging
// it instead: several call sites in the retry loop refresh opportunis-
// tically and must not let a failed refresh abort an otherwise-valid
// retry attempt.
func (rc *ClusterClient) bestEffortRefresh() {
	if err := rc.refreshTopology(); err != nil {
		rc.cfg.logf("muxis: best-effort topology refresh failed: %v", err)
	}
}

// RefreshTopology forces an unconditional topology refresh, bypassing
// the storm tracker. Useful for application-driven recovery after a
// known topology change.
func (rc *ClusterClient) RefreshTopology() error { return rc.refreshTopology() }

// NodeCount reports how many distinct nodes the current topology
// snapshot knows about.
func (rc *ClusterClient) NodeCount() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.topology.Nodes)
}

// ValidateSameSlot asserts every key hashes to the same slot, as
// required before dispatching a multi-key command; an empty key set or
// a cross-slot mismatch fails locally without touching the network.
func ValidateSameSlot(keys []string) (uint16, error) {
	if len(keys) == 0 {
		return 0, newErr(KindInvalidArgument, "no keys provided")
	}
	slot := cluster.KeySlot(keys[0])
	for _, k := range keys[1:] {
		if cluster.KeySlot(k) != slot {
			return 0, &Error{Kind: KindCrossSlot}
		}
	}
	return slot, nil
}

// getConnectionForSlot resolves slot's master, returning a pooled
// handle if one is healthy or a freshly dialed one (added to the
// pool) otherwise. affinityKey, if non-empty and key affinity is
// enabled, biases selection among multiple pooled handles for the same
// node toward the one this key has used before.
func (rc *ClusterClient) getConnectionForSlot(slot uint16, affinityKey string) (*mux.Multiplexer, cluster.NodeID, string, error) {
	rc.mu.RLock()
	master, ok := rc.topology.MasterForSlot(slot)
	rc.mu.RUnlock()
	if !ok {
		return nil, "", "", newErr(KindProtocol, "no node found for slot %d", slot)
	}
	var h *mux.Multiplexer
	if affinityKey != "" && rc.cfg.poolCfg.KeyAffinity {
		h = rc.pool.GetForKey(master.ID, affinityKey)
	} else {
		h = rc.pool.Get(master.ID)
	}
	if h != nil {
		return h, master.ID, master.Address, nil
	}
	h, err := mux.Dial("tcp", master.Address, rc.cfg.queueSize, rc.cfg.connOpts()...)
	if err != nil {
		return nil, master.ID, master.Address, err
	}
	if err := rc.pool.Add(master.ID, master.Address, h); err != nil {
		rc.cfg.logf("muxis: pool admission for %s failed: %v", master.Address, err)
	}
	return h, master.ID, master.Address, nil
}

// getConnectionForAddress resolves an explicit address (as named by an
// ASK redirect) to a handle: it tries the pool if the address is
// already a known topology node, but a freshly dialed connection is
// never added to the pool. This matches the reference implementation's
// asymmetry between slot-resolved connections (pool-managed) and
// redirect-target connections (not), which is left as an explicit
// implementation choice by the source design. pooled reports whether
// the handle came from the pool; the caller is responsible for closing
// a non-pooled handle once done with it.
func (rc *ClusterClient) getConnectionForAddress(addr string) (h *mux.Multiplexer, pooled bool, err error) {
	rc.mu.RLock()
	var id cluster.NodeID
	for nid, n := range rc.topology.Nodes {
		if n.Address == addr {
			id = nid
			break
		}
	}
	rc.mu.RUnlock()
	if id != "" {
		if h := rc.pool.Get(id); h != nil {
			return h, true, nil
		}
	}
	h, err = mux.Dial("tcp", addr, rc.cfg.queueSize, rc.cfg.connOpts()...)
	return h, false, err
}

func backoff(baseMS, attempt int) time.Duration {
	return time.Duration(baseMS) * time.Millisecond * time.Duration(int(1)<<(attempt-1))
}

// Execute routes cmd to the master of slot, following redirects and
// retrying transient I/O faults within the configured budgets. Callers
// compute slot themselves (via cluster.KeySlot, or ValidateSameSlot
// for a multi-key command).
func (rc *ClusterClient) Execute(cmd resp.Frame, slot uint16) (resp.Frame, error) {
	return rc.execute(cmd, slot, "")
}

func (rc *ClusterClient) execute(cmd resp.Frame, slot uint16, affinityKey string) (resp.Frame, error) {
	redirects := 0
	ioRetries := 0
	for {
		handle, nodeID, addr, err := rc.getConnectionForSlot(slot, affinityKey)
		if err != nil {
			if me, ok := err.(*Error); ok && me.Kind == KindProtocol {
				return resp.Frame{}, me
			}
			if !ioclass.Transient(err) {
				return resp.Frame{}, wrapErr(KindTransport, err, "permanent dial failure")
			}
			ioRetries++
			if ioRetries > rc.cfg.ioRetryLimit {
				return resp.Frame{}, wrapErr(KindTransport, err, "io retry budget exceeded")
			}
			rc.bestEffortRefresh()
			time.Sleep(backoff(rc.cfg.retryBaseMS, ioRetries))
			continue
		}

		frame, err := handle.Submit(cmd)
		if err != nil {
			if !ioclass.Transient(err) {
				rc.pool.MarkUnhealthy(nodeID, addr)
				return resp.Frame{}, wrapErr(KindTransport, err, "permanent submit failure")
			}
			ioRetries++
			if ioRetries > rc.cfg.ioRetryLimit {
				return resp.Frame{}, wrapErr(KindTransport, err, "io retry budget exceeded")
			}
			rc.pool.MarkUnhealthy(nodeID, addr)
			rc.bestEffortRefresh()
			time.Sleep(backoff(rc.cfg.retryBaseMS, ioRetries))
			continue
		}

		if !frame.IsError() {
			return frame, nil
		}

		classified := classifyServerError(frame.Str)
		switch classified.Kind {
		case kindMoved:
			redirects++
			if redirects > rc.cfg.redirectLimit {
				return resp.Frame{}, newErr(KindProtocol, "exceeded maximum redirects")
			}
			if rc.storm.ShouldRefresh() {
				rc.bestEffortRefresh()
			}
			continue
		case kindAsk:
			redirects++
			if redirects > rc.cfg.redirectLimit {
				return resp.Frame{}, newErr(KindProtocol, "exceeded maximum redirects")
			}
			f, err := rc.executeAsk(classified.Addr, cmd)
			if me, ok := err.(*Error); ok && (me.Kind == kindMoved || me.Kind == kindAsk) {
				// The ASK target redirected again: retry by slot, still
				// within the redirect budget.
				continue
			}
			return f, err
		default:
			return resp.Frame{}, classified
		}
	}
}

// executeAsk issues the one-shot ASKING preamble followed by cmd on
// the same connection to addr, per the ASK redirect contract. Topology
// is left unchanged by this path.
func (rc *ClusterClient) executeAsk(addr string, cmd resp.Frame) (resp.Frame, error) {
	h, pooled, err := rc.getConnectionForAddress(addr)
	if err != nil {
		return resp.Frame{}, wrapErr(KindTransport, err, "dial %s", addr)
	}
	if !pooled {
		defer h.Close()
	}
	if _, err := h.Submit(askingCommand()); err != nil {
		return resp.Frame{}, wrapErr(KindTransport, err, "asking %s", addr)
	}
	f, err := h.Submit(cmd)
	if err != nil {
		return resp.Frame{}, wrapErr(KindTransport, err, "submit after asking %s", addr)
	}
	if f.IsError() {
		return resp.Frame{}, classifyServerError(f.Str)
	}
	return f, nil
}

// Command routes cmd to the slot owning the given keys, enforcing the
// multi-key guard first.
func (rc *ClusterClient) Command(keys []string, cmd resp.Frame) (resp.Frame, error) {
	slot, err := ValidateSameSlot(keys)
	if err != nil {
		return resp.Frame{}, err
	}
	return rc.execute(cmd, slot, keys[0])
}

// Close closes and evicts every pooled connection. No QUIT or other
// goodbye command is sent to the server first.
func (rc *ClusterClient) Close() { rc.pool.Clear() }
