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
	"testing"

	"github.com/SnellerInc/muxis/resp"
)

func nodeEntry(ip string, port int64, id string) resp.Frame {
	items := []resp.Frame{resp.BulkFromString(ip), resp.Integer(port)}
	if id != "" {
		items = append(items, resp.BulkFromString(id))
	}
	return resp.Array(items...)
}

func rangeEntry(start, end int64, master resp.Frame, replicas ...resp.Frame) resp.Frame {
	items := append([]resp.Frame{resp.Integer(start), resp.Integer(end), master}, replicas...)
	return resp.Array(items...)
}

func TestFromClusterSlotsBasic(t *testing.T) {
	f := resp.Array(
		rangeEntry(0, 5460, nodeEntry("127.0.0.1", 7000, "node-a"), nodeEntry("127.0.0.1", 7003, "node-a-replica")),
		rangeEntry(5461, 10922, nodeEntry("127.0.0.1", 7001, "node-b")),
	)
	topo, err := FromClusterSlots(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topo.Ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %d", len(topo.Ranges))
	}
	master, ok := topo.MasterForSlot(100)
	if !ok || master.Address != "127.0.0.1:7000" {
		t.Fatalf("got %+v ok=%v", master, ok)
	}
	reps := topo.ReplicasForSlot(100)
	if len(reps) != 1 || reps[0] != "node-a-replica" {
		t.Fatalf("got %v", reps)
	}
}

func TestFromClusterSlotsMalformedMasterSkipsRange(t *testing.T) {
	bad := resp.Array(resp.Integer(0), resp.Integer(100), resp.SimpleString("not-an-array"))
	good := rangeEntry(5461, 10922, nodeEntry("127.0.0.1", 7001, "node-b"))
	topo, err := FromClusterSlots(resp.Array(bad, good))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topo.Ranges) != 1 {
		t.Fatalf("expected malformed range to be skipped, got %d ranges", len(topo.Ranges))
	}
}

func TestFromClusterSlotsNonArrayIsError(t *testing.T) {
	_, err := FromClusterSlots(resp.SimpleString("not an array"))
	if err == nil {
		t.Fatal("expected an error for a non-array top level")
	}
}

func TestFromClusterSlotsNodeIDFallback(t *testing.T) {
	f := resp.Array(rangeEntry(0, 100, nodeEntry("10.0.0.1", 6379, "")))
	topo, err := FromClusterSlots(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := topo.MasterForSlot(0)
	if !ok || m.ID != "10.0.0.1:6379" {
		t.Fatalf("expected fallback id, got %+v", m)
	}
}

func TestIsFullyCovered(t *testing.T) {
	topo := NewTopology()
	topo.Ranges = []SlotRange{{Start: 0, End: SlotCount - 1, Master: "n"}}
	if !topo.IsFullyCovered() {
		t.Fatal("expected full coverage")
	}
	topo.Ranges = []SlotRange{{Start: 0, End: 100, Master: "n"}}
	if topo.IsFullyCovered() {
		t.Fatal("expected incomplete coverage")
	}
}

func TestParseNodeFlags(t *testing.T) {
	f := ParseNodeFlags("slave,fail?")
	if !f.Replica || !f.SoftFail || f.Master {
		t.Fatalf("got %+v", f)
	}
	if f.IsAvailableReplica() {
		t.Fatal("a soft-failed replica must not be available")
	}
}

func TestNodeFlagsHardFailUnavailable(t *testing.T) {
	f := ParseNodeFlags("master,fail")
	if f.IsAvailableMaster() {
		t.Fatal("hard-failed master must not be available")
	}
}
