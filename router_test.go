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
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SnellerInc/muxis/cluster"
	"github.com/SnellerInc/muxis/conn"
	"github.com/SnellerInc/muxis/resp"
)

// testNode is an in-process fake cluster node. Each accepted connection
// is served by reading frames in a loop and dispatching on the
// uppercased command name to respond, rather than by a fixed script
// position: the router may dial several connections (or reuse one
// across retries) to the same address, and a position-based script
// cannot tell those apart.
type testNode struct {
	ln   net.Listener
	addr string
}

func newTestNode(t *testing.T, respond func(cmdName string, addr string) resp.Frame) *testNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	node := &testNode{ln: ln, addr: ln.Addr().String()}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func(nc net.Conn) {
				c := conn.New(nc)
				for {
					f, err := c.ReadFrame()
					if err != nil {
						return
					}
					name := ""
					if f.Type == resp.TypeArray && len(f.Array) > 0 {
						name = strings.ToUpper(string(f.Array[0].Bulk))
					}
					if err := c.WriteFrame(respond(name, node.addr)); err != nil {
						return
					}
				}
			}(nc)
		}
	}()
	return node
}

func (n *testNode) Close() { n.ln.Close() }

func clusterSlotsReply(addr string) resp.Frame {
	host, port := splitHostPortForTest(addr)
	return resp.Array(resp.Array(
		resp.Integer(0), resp.Integer(cluster.SlotCount-1),
		resp.Array(resp.BulkFromString(host), resp.Integer(port), resp.BulkFromString(addr)),
	))
}

func splitHostPortForTest(addr string) (string, int64) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int64
	for _, c := range portStr {
		port = port*10 + int64(c-'0')
	}
	return host, port
}

// E4: a MOVED reply on the first attempt trips the storm tracker
// (Threshold 1), which refreshes topology before the retry; the
// refreshed CLUSTER SLOTS reply now names node B as the slot's master,
// so the retry reaches node B. Per spec this is the documented way to
// test MOVED: stub the refreshed map behind the first redirect rather
// than have the router jump to the named address directly, since a
// single MOVED without a qualifying storm does not move the map.
func TestE4MovedRedirect(t *testing.T) {
	var nodeB *testNode
	var mu sync.Mutex
	var redirected bool
	nodeA := newTestNode(t, func(name, addr string) resp.Frame {
		if name == "CLUSTER" {
			mu.Lock()
			moved := redirected
			mu.Unlock()
			if moved {
				return clusterSlotsReply(nodeB.addr)
			}
			return clusterSlotsReply(addr)
		}
		mu.Lock()
		redirected = true
		mu.Unlock()
		return resp.Err("MOVED 3999 " + nodeB.addr)
	})
	defer nodeA.Close()

	nodeB = newTestNode(t, func(name, addr string) resp.Frame {
		return resp.BulkFromString("final-value")
	})
	defer nodeB.Close()

	rc, err := NewClusterClient(nodeA.addr, WithStormConfig(cluster.StormConfig{
		Threshold: 1,
		Window:    time.Hour,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	f, err := rc.Execute(resp.Array(resp.BulkFromString("GET"), resp.BulkFromString("x")), 3999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(f.Bulk) != "final-value" {
		t.Fatalf("got %+v", f)
	}
}

// E5: an ASK reply triggers an ASKING preamble then the retried command
// on the same connection to the named address; topology is unchanged.
func TestE5AskRedirect(t *testing.T) {
	var nodeB *testNode
	nodeA := newTestNode(t, func(name, addr string) resp.Frame {
		if name == "CLUSTER" {
			return clusterSlotsReply(addr)
		}
		return resp.Err("ASK 12182 " + nodeB.addr)
	})
	defer nodeA.Close()

	var mu sync.Mutex
	var gotAsking, gotSet bool
	nodeB = newTestNode(t, func(name, addr string) resp.Frame {
		mu.Lock()
		switch name {
		case "ASKING":
			gotAsking = true
		case "SET":
			gotSet = true
		}
		mu.Unlock()
		return resp.SimpleString("OK")
	})
	defer nodeB.Close()

	rc, err := NewClusterClient(nodeA.addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	before := rc.NodeCount()
	cmd := resp.Array(resp.BulkFromString("SET"), resp.BulkFromString("y"), resp.BulkFromString("v"))
	f, err := rc.Execute(cmd, 12182)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Str != "OK" {
		t.Fatalf("got %+v", f)
	}
	mu.Lock()
	defer mu.Unlock()
	if !gotAsking || !gotSet {
		t.Fatalf("expected ASKING then SET on node B, got asking=%v set=%v", gotAsking, gotSet)
	}
	if rc.NodeCount() != before {
		t.Fatal("ASK must not change topology")
	}
}

// property 15: given more redirects than the configured budget allows,
// the call terminates with redirect-budget-exceeded after exactly
// budget+1 attempts.
func TestRedirectBudgetExceeded(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	nodeA := newTestNode(t, func(name, addr string) resp.Frame {
		if name == "CLUSTER" {
			return clusterSlotsReply(addr)
		}
		mu.Lock()
		attempts++
		mu.Unlock()
		return resp.Err("MOVED 1 " + addr)
	})
	defer nodeA.Close()

	rc, err := NewClusterClient(nodeA.addr,
		WithRedirectBudget(3),
		WithStormConfig(cluster.StormConfig{Threshold: 1000000}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	_, err = rc.Execute(resp.Array(resp.BulkFromString("GET")), 1)
	me, ok := err.(*Error)
	if !ok || me.Kind != KindProtocol {
		t.Fatalf("got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 4 {
		t.Fatalf("expected 4 attempts (budget 3 + 1 initial), got %d", attempts)
	}
}

// property 17: a multi-key call whose keys resolve to >= 2 slots never
// touches the network.
func TestMultiKeyCrossSlotNeverDials(t *testing.T) {
	_, err := ValidateSameSlot([]string{"a", "b", "c"})
	me, ok := err.(*Error)
	if !ok || me.Kind != KindCrossSlot {
		t.Fatalf("got %v", err)
	}
}

func TestMultiKeyEmptyIsInvalidArgument(t *testing.T) {
	_, err := ValidateSameSlot(nil)
	me, ok := err.(*Error)
	if !ok || me.Kind != KindInvalidArgument {
		t.Fatalf("got %v", err)
	}
}

func TestParseAddresses(t *testing.T) {
	addrs, err := ParseAddresses(" redis://a:1 , b:2,, rediss://c:3 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a:1", "b:2", "c:3"}
	if len(addrs) != len(want) {
		t.Fatalf("got %v", addrs)
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("got %v want %v", addrs, want)
		}
	}
}

func TestParseAddressesAllEmpty(t *testing.T) {
	_, err := ParseAddresses(" , , ")
	me, ok := err.(*Error)
	if !ok || me.Kind != KindInvalidArgument {
		t.Fatalf("got %v", err)
	}
}

func TestClusterDownSurfaces(t *testing.T) {
	nodeA := newTestNode(t, func(name, addr string) resp.Frame {
		if name == "CLUSTER" {
			return clusterSlotsReply(addr)
		}
		return resp.Err("CLUSTERDOWN The cluster is down")
	})
	defer nodeA.Close()

	rc, err := NewClusterClient(nodeA.addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	_, err = rc.Execute(resp.Array(resp.BulkFromString("GET")), 1)
	me, ok := err.(*Error)
	if !ok || me.Kind != KindClusterDown {
		t.Fatalf("got %v", err)
	}
}

func TestCrossSlotServerErrorSurfaces(t *testing.T) {
	nodeA := newTestNode(t, func(name, addr string) resp.Frame {
		if name == "CLUSTER" {
			return clusterSlotsReply(addr)
		}
		return resp.Err("CROSSSLOT Keys in request don't hash to the same slot")
	})
	defer nodeA.Close()

	rc, err := NewClusterClient(nodeA.addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	_, err = rc.Execute(resp.Array(resp.BulkFromString("MGET")), 1)
	me, ok := err.(*Error)
	if !ok || me.Kind != KindCrossSlot {
		t.Fatalf("got %v", err)
	}
}

// TestIORetryBudgetExhausted exercises the I/O-retry path (property 16):
// a node that accepts the command connection but drops it without a
// reply forces ioclass.Transient's catch-all branch, which keeps the
// router retrying until the budget is spent. Asserts both the exact
// attempt count (ioRetryLimit+1) and that the backoff between attempts
// never shrinks.
func TestIORetryBudgetExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().String()

	var mu sync.Mutex
	var cmdAttempts []time.Time

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func(nc net.Conn) {
				c := conn.New(nc)
				f, err := c.ReadFrame()
				if err != nil {
					nc.Close()
					return
				}
				name := ""
				if f.Type == resp.TypeArray && len(f.Array) > 0 {
					name = strings.ToUpper(string(f.Array[0].Bulk))
				}
				if name == "CLUSTER" {
					c.WriteFrame(clusterSlotsReply(addr))
					nc.Close()
					return
				}
				mu.Lock()
				cmdAttempts = append(cmdAttempts, time.Now())
				mu.Unlock()
				nc.Close()
			}(nc)
		}
	}()

	const ioRetryBudget = 2
	rc, err := NewClusterClient(addr,
		WithIORetryBudget(ioRetryBudget),
		WithRetryBaseDelay(15),
		WithStormConfig(cluster.StormConfig{Threshold: 1000000}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	_, err = rc.Execute(resp.Array(resp.BulkFromString("GET"), resp.BulkFromString("x")), 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	me, ok := err.(*Error)
	if !ok || me.Kind != KindTransport {
		t.Fatalf("expected KindTransport, got %#v", err)
	}

	mu.Lock()
	attempts := append([]time.Time(nil), cmdAttempts...)
	mu.Unlock()

	wantAttempts := ioRetryBudget + 1
	if len(attempts) != wantAttempts {
		t.Fatalf("expected %d command attempts, got %d", wantAttempts, len(attempts))
	}
	var prevDelta time.Duration
	for i := 1; i < len(attempts); i++ {
		delta := attempts[i].Sub(attempts[i-1])
		if i > 1 && delta < prevDelta {
			t.Fatalf("expected nondecreasing backoff, got %v then %v", prevDelta, delta)
		}
		prevDelta = delta
	}
}
