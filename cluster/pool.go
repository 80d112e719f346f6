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

package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"

	"github.com/SnellerInc/muxis/mux"
)

// poolSipKey0/poolSipKey1 seed the siphash used by GetForKey. They are
// fixed rather than randomized at startup: key affinity only needs to
// be stable within one process's lifetime, and a fixed seed keeps
// selection reproducible across runs for debugging.
const (
	poolSipKey0 = 0x6f75746572706f6f // "outerpoo"
	poolSipKey1 = 0x6c65722d73697068 // "ler-siph"
)

// PoolConfig configures a Pool's admission ceiling and eviction
// policy.
type PoolConfig struct {
	MaxConnectionsPerNode int
	MinIdlePerNode        int
	MaxIdleTime           time.Duration
	HealthCheckInterval   time.Duration

	// KeyAffinity selects GetForKey over Get when a node has more than
	// one pooled connection, biasing repeated access to the same key
	// toward the same connection.
	KeyAffinity bool
}

// DefaultPoolConfig matches the configuration surface enumerated for
// this client: 10 connections per node, 1 minimum idle, a 5 minute
// idle ceiling, and a 30 second health-check interval.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnectionsPerNode: 10,
		MinIdlePerNode:        1,
		MaxIdleTime:           5 * time.Minute,
		HealthCheckInterval:   30 * time.Second,
	}
}

// NodeConnection is a pooled multiplexer handle plus the bookkeeping
// the pool needs to decide when to evict it.
type NodeConnection struct {
	handle     *mux.Multiplexer
	address    string
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   uint64
	healthy    bool
}

func newNodeConnection(h *mux.Multiplexer, address string) *NodeConnection {
	now := time.Now()
	return &NodeConnection{handle: h, address: address, createdAt: now, lastUsedAt: now, healthy: true}
}

// Handle returns the underlying multiplexer handle.
func (c *NodeConnection) Handle() *mux.Multiplexer { return c.handle }

// Address returns the node's host:port.
func (c *NodeConnection) Address() string { return c.address }

// touch records a checkout: bumps last-used time and use count. Unlike
// the reference implementation, where this happens as a side effect of
// taking a mutable reference to the connection, Go has no implicit
// analog, so the pool calls this explicitly at checkout time.
func (c *NodeConnection) touch() {
	c.lastUsedAt = time.Now()
	c.useCount++
}

func (c *NodeConnection) idleTime() time.Duration { return time.Since(c.lastUsedAt) }

func (c *NodeConnection) shouldClose(maxIdle time.Duration) bool {
	return !c.healthy || c.idleTime() > maxIdle
}

// Pool is a per-node bag of pooled multiplexer handles with health and
// idle-eviction bookkeeping. A single mutex guards the whole map;
// per-node operations hold it for O(connections for that node), while
// Cleanup, Clear and TotalConnections walk every node.
type Pool struct {
	cfg  PoolConfig
	mu   sync.Mutex
	byID map[NodeID][]*NodeConnection
}

// NewPool constructs an empty pool with cfg.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{cfg: cfg, byID: make(map[NodeID][]*NodeConnection)}
}

// Add admits a freshly dialed handle for node id at address. It fails
// if the per-node ceiling has already been reached.
func (p *Pool) Add(id NodeID, address string, handle *mux.Multiplexer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byID[id]
	if len(conns) >= p.cfg.MaxConnectionsPerNode {
		return fmt.Errorf("cluster: maximum connections (%d) reached for node", p.cfg.MaxConnectionsPerNode)
	}
	p.byID[id] = append(conns, newNodeConnection(handle, address))
	return nil
}

// Get returns a healthy handle for node id, or nil if none is
// available. Selection is round-robin-via-rotation: the first healthy
// entry found is moved to the back of the node's list before its
// handle is returned, so repeated Gets cycle through every healthy
// connection rather than always favoring the first one.
func (p *Pool) Get(id NodeID) *mux.Multiplexer {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byID[id]
	for i, c := range conns {
		if !c.healthy {
			continue
		}
		conns = append(conns[:i:i], conns[i+1:]...)
		c.touch()
		conns = append(conns, c)
		p.byID[id] = conns
		return c.handle
	}
	return nil
}

// GetForKey returns a healthy handle for node id using key-sticky
// selection: siphash(key) picks a starting index into the node's
// connection list, and the first healthy entry at or after that index
// (wrapping around) is returned. This gives repeated calls for the same
// key a tendency to land on the same pooled connection when a node has
// more than one, without requiring per-key state. Falls back to Get
// when the node has at most one connection.
func (p *Pool) GetForKey(id NodeID, key string) *mux.Multiplexer {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byID[id]
	if len(conns) == 0 {
		return nil
	}
	if len(conns) == 1 {
		if !conns[0].healthy {
			return nil
		}
		conns[0].touch()
		return conns[0].handle
	}
	start := int(siphash.Hash(poolSipKey0, poolSipKey1, []byte(key)) % uint64(len(conns)))
	for i := 0; i < len(conns); i++ {
		idx := (start + i) % len(conns)
		if conns[idx].healthy {
			conns[idx].touch()
			return conns[idx].handle
		}
	}
	return nil
}

// Remove drops every entry for node id matching address, closing each
// evicted handle.
func (p *Pool) Remove(id NodeID, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byID[id]
	for {
		i := slices.IndexFunc(conns, func(c *NodeConnection) bool { return c.address == address })
		if i < 0 {
			break
		}
		conns[i].handle.Close()
		conns = slices.Delete(conns, i, i+1)
	}
	if len(conns) == 0 {
		delete(p.byID, id)
	} else {
		p.byID[id] = conns
	}
}

// MarkUnhealthy flips the healthy flag off on every entry for node id
// matching address.
func (p *Pool) MarkUnhealthy(id NodeID, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.byID[id] {
		if c.address == address {
			c.healthy = false
		}
	}
}

// Cleanup drops entries that are unhealthy or idle beyond MaxIdleTime,
// closing each evicted handle, and drops any node mapping that becomes
// empty as a result. It is idempotent and safe to call at any time,
// e.g. from a periodic timer.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conns := range p.byID {
		kept := conns[:0]
		for _, c := range conns {
			if c.shouldClose(p.cfg.MaxIdleTime) {
				c.handle.Close()
			} else {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(p.byID, id)
		} else {
			p.byID[id] = kept
		}
	}
}

// TotalConnections returns the connection count across all nodes.
func (p *Pool) TotalConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, conns := range p.byID {
		n += len(conns)
	}
	return n
}

// NodeConnectionCount returns the connection count for one node.
func (p *Pool) NodeConnectionCount(id NodeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID[id])
}

// HealthyConnectionCount returns the healthy connection count for one
// node.
func (p *Pool) HealthyConnectionCount(id NodeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.byID[id] {
		if c.healthy {
			n++
		}
	}
	return n
}

// Clear closes and drops every pooled connection.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.byID {
		for _, c := range conns {
			c.handle.Close()
		}
	}
	p.byID = make(map[NodeID][]*NodeConnection)
}
