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

// Package cluster implements the sharding primitives of the client:
// slot hashing, topology snapshots, a per-node connection pool, and a
// redirect-storm tracker. The router that binds these together lives
// in the top-level package, which is the only consumer of this
// package's exported surface that needs to translate these into the
// public error taxonomy.
package cluster

// SlotCount is the number of hash slots in the cluster keyspace.
const SlotCount = 16384

// KeySlot computes the cluster slot (0-16383) for key: extract its
// hash tag if one is present, then run CRC-16/IBM-SDLC (the X-25
// variant, polynomial 0x1021, reflected in/out, init and xorout
// 0xFFFF) over the selected bytes, modulo SlotCount.
func KeySlot(key string) uint16 {
	tag := hashTag(key)
	return crc16X25([]byte(tag)) % SlotCount
}

// hashTag extracts the substring between the first '{' and the next
// '}' after it, provided that substring is non-empty; otherwise it
// returns the whole key. This lets an application colocate related
// keys on the same slot by sharing a common {tag}.
func hashTag(key string) string {
	start := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '{' {
			start = i
			break
		}
	}
	if start < 0 {
		return key
	}
	end := -1
	for i := start + 1; i < len(key); i++ {
		if key[i] == '}' {
			end = i
			break
		}
	}
	if end < 0 {
		return key
	}
	if end == start+1 {
		// Empty tag: {}
		return key
	}
	return key[start+1 : end]
}

// crc16X25 computes the CRC-16/IBM-SDLC (X-25) checksum of data: a
// reflected CRC with polynomial 0x1021, initial value 0xFFFF, and a
// final XOR of 0xFFFF.
func crc16X25(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFF
}
