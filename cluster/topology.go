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
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/SnellerInc/muxis/resp"
)

// NodeID is an opaque stable string identifying a cluster node: the
// protocol-level node id when known, otherwise its "ip:port" address.
type NodeID string

// NodeFlags mirrors the comma-separated flag text a CLUSTER NODES line
// carries for a node (e.g. "master", "slave,fail?"). CLUSTER SLOTS
// replies do not carry this text, so nodes discovered only through a
// slot-map refresh get a flags value inferred from their structural
// role (master or replica) instead of parsed text.
type NodeFlags struct {
	Master    bool
	Replica   bool
	Myself    bool
	SoftFail  bool
	HardFail  bool
	Handshake bool
	NoAddr    bool
}

// ParseNodeFlags parses a comma-separated CLUSTER NODES flag field.
// "fail?" and "pfail" both map to SoftFail, matching the protocol's use
// of either spelling across server versions.
func ParseNodeFlags(s string) NodeFlags {
	var f NodeFlags
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "master":
			f.Master = true
		case "slave", "replica":
			f.Replica = true
		case "myself":
			f.Myself = true
		case "fail?", "pfail":
			f.SoftFail = true
		case "fail":
			f.HardFail = true
		case "handshake":
			f.Handshake = true
		case "noaddr":
			f.NoAddr = true
		}
	}
	return f
}

// IsAvailableMaster reports whether a node with these flags is usable
// as a command target: master, and neither soft- nor hard-failed.
func (f NodeFlags) IsAvailableMaster() bool {
	return f.Master && !f.SoftFail && !f.HardFail
}

// IsAvailableReplica reports the replica analog of IsAvailableMaster.
func (f NodeFlags) IsAvailableReplica() bool {
	return f.Replica && !f.SoftFail && !f.HardFail
}

// NodeInfo describes one node in a topology snapshot.
type NodeInfo struct {
	ID       NodeID
	Address  string
	Flags    NodeFlags
	MasterID NodeID // set only for replicas
}

func (n NodeInfo) IsMaster() bool  { return n.Flags.Master }
func (n NodeInfo) IsReplica() bool { return n.Flags.Replica }
func (n NodeInfo) IsAvailable() bool {
	if n.Flags.Master {
		return n.Flags.IsAvailableMaster()
	}
	return n.Flags.IsAvailableReplica()
}

// SlotRange is a contiguous, inclusive range of slots bound to one
// master and zero or more replicas.
type SlotRange struct {
	Start    uint16
	End      uint16
	Master   NodeID
	Replicas []NodeID
}

// Contains reports whether slot falls within this range.
func (r SlotRange) Contains(slot uint16) bool { return slot >= r.Start && slot <= r.End }

// Len returns the number of slots covered by this range.
func (r SlotRange) Len() int { return int(r.End) - int(r.Start) + 1 }

func (r SlotRange) IsEmpty() bool { return r.End < r.Start }

// Topology is an immutable slot-range map plus a node table. Callers
// never mutate a Topology in place; a refresh constructs a new one and
// the router swaps it in atomically.
type Topology struct {
	Ranges []SlotRange
	Nodes  map[NodeID]NodeInfo
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{Nodes: make(map[NodeID]NodeInfo)}
}

// MasterForSlot returns the master node owning slot, if any.
func (t *Topology) MasterForSlot(slot uint16) (NodeInfo, bool) {
	for _, r := range t.Ranges {
		if r.Contains(slot) {
			n, ok := t.Nodes[r.Master]
			return n, ok
		}
	}
	return NodeInfo{}, false
}

// ReplicasForSlot returns the replica node ids owning slot's range.
func (t *Topology) ReplicasForSlot(slot uint16) []NodeID {
	for _, r := range t.Ranges {
		if r.Contains(slot) {
			return r.Replicas
		}
	}
	return nil
}

// Node looks up a node by id.
func (t *Topology) Node(id NodeID) (NodeInfo, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// IsFullyCovered reports whether every slot in [0, SlotCount) is
// contained in some range.
func (t *Topology) IsFullyCovered() bool {
	covered := make([]bool, SlotCount)
	for _, r := range t.Ranges {
		for s := int(r.Start); s <= int(r.End); s++ {
			covered[s] = true
		}
	}
	for _, c := range covered {
		if !c {
			return false
		}
	}
	return true
}

// FromClusterSlots parses a CLUSTER SLOTS-shaped reply: a top-level
// array whose elements are per-range arrays of shape
// [start, end, master-node, replica-node*], where each node sub-array
// is [ip-bytes, port-int, id-bytes?]. A range whose master cannot be
// parsed is skipped, not fatal, matching every other malformed
// sub-element in this parse; only a non-array top level is an error.
func FromClusterSlots(f resp.Frame) (*Topology, error) {
	if f.Type != resp.TypeArray {
		return nil, fmt.Errorf("cluster: CLUSTER SLOTS reply must be an array, got %v", f.Type)
	}
	t := NewTopology()
	for _, rangeFrame := range f.Array {
		r, nodes, ok := parseSlotRange(rangeFrame)
		if !ok {
			continue
		}
		t.Ranges = append(t.Ranges, r)
		for id, info := range nodes {
			t.Nodes[id] = info
		}
	}
	// Keep ranges ordered by start slot: lookups still scan linearly
	// (the table is small, tens of entries at most), but a sorted table
	// makes any future binary-search lookup straightforward and makes
	// printed/logged topology stable.
	slices.SortFunc(t.Ranges, func(a, b SlotRange) bool { return a.Start < b.Start })
	return t, nil
}

func parseSlotRange(f resp.Frame) (SlotRange, map[NodeID]NodeInfo, bool) {
	if f.Type != resp.TypeArray || len(f.Array) < 3 {
		return SlotRange{}, nil, false
	}
	start, ok := asUint16(f.Array[0])
	if !ok {
		return SlotRange{}, nil, false
	}
	end, ok := asUint16(f.Array[1])
	if !ok {
		return SlotRange{}, nil, false
	}
	masterID, masterInfo, ok := parseNodeEntry(f.Array[2], true)
	if !ok {
		return SlotRange{}, nil, false
	}
	nodes := map[NodeID]NodeInfo{masterID: masterInfo}
	var replicas []NodeID
	for _, rf := range f.Array[3:] {
		id, info, ok := parseNodeEntry(rf, false)
		if !ok {
			continue
		}
		nodes[id] = info
		replicas = append(replicas, id)
	}
	return SlotRange{Start: start, End: end, Master: masterID, Replicas: replicas}, nodes, true
}

// parseNodeEntry parses [ip, port, id?]; falls back to "ip:port" as the
// id when the id element is absent or not a bulk string.
func parseNodeEntry(f resp.Frame, isMaster bool) (NodeID, NodeInfo, bool) {
	if f.Type != resp.TypeArray || len(f.Array) < 2 {
		return "", NodeInfo{}, false
	}
	ip, ok := asString(f.Array[0])
	if !ok {
		return "", NodeInfo{}, false
	}
	port, ok := asInt(f.Array[1])
	if !ok {
		return "", NodeInfo{}, false
	}
	addr := fmt.Sprintf("%s:%d", ip, port)
	id := NodeID(addr)
	if len(f.Array) >= 3 {
		if idStr, ok := asString(f.Array[2]); ok && idStr != "" {
			id = NodeID(idStr)
		}
	}
	flags := NodeFlags{Master: isMaster, Replica: !isMaster}
	return id, NodeInfo{ID: id, Address: addr, Flags: flags}, true
}

func asUint16(f resp.Frame) (uint16, bool) {
	n, ok := asInt(f)
	if !ok || n < 0 || n > 0xFFFF {
		return 0, false
	}
	return uint16(n), true
}

func asInt(f resp.Frame) (int64, bool) {
	switch f.Type {
	case resp.TypeInteger:
		return f.Int, true
	case resp.TypeBulkString:
		if f.Bulk == nil {
			return 0, false
		}
		n, err := strconv.ParseInt(string(f.Bulk), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asString(f resp.Frame) (string, bool) {
	if f.Type != resp.TypeBulkString || f.Bulk == nil {
		return "", false
	}
	return string(f.Bulk), true
}
