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

import "github.com/SnellerInc/muxis/resp"

// The surface of every individual command builder is out of scope for
// this module (they are mechanical serializations over the codec); the
// handful below are the ones the core itself must issue on the wire.

// cmdArray builds an Array-of-BulkString command frame from parts.
func cmdArray(parts ...string) resp.Frame {
	items := make([]resp.Frame, len(parts))
	for i, p := range parts {
		items[i] = resp.BulkFromString(p)
	}
	return resp.Array(items...)
}

func clusterSlotsCommand() resp.Frame { return cmdArray("CLUSTER", "SLOTS") }

func askingCommand() resp.Frame { return cmdArray("ASKING") }

func pingCommand() resp.Frame { return cmdArray("PING") }

func authCommand(username, password string) resp.Frame {
	if username != "" {
		return cmdArray("AUTH", username, password)
	}
	return cmdArray("AUTH", password)
}
