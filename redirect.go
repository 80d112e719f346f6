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
	"strconv"
	"strings"
)

// classifyServerError turns the text payload of an error frame into the
// appropriate sentinel or taxonomy Kind. It never fails: a malformed
// MOVED/ASK line, or any other text, becomes a generic KindServer
// error rather than a hard parse failure.
func classifyServerError(msg string) *Error {
	msg = strings.TrimSpace(msg)
	if rest, ok := cutPrefix(msg, "MOVED "); ok {
		if slot, addr, ok := parseRedirect(rest); ok {
			return movedErr(slot, addr)
		}
	} else if rest, ok := cutPrefix(msg, "ASK "); ok {
		if slot, addr, ok := parseRedirect(rest); ok {
			return askErr(slot, addr)
		}
	}
	if strings.HasPrefix(msg, "CLUSTERDOWN") {
		return &Error{Kind: KindClusterDown}
	}
	if strings.Contains(msg, "CROSSSLOT") {
		return &Error{Kind: KindCrossSlot}
	}
	return newErr(KindServer, "%s", msg)
}

func cutPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// parseRedirect splits "<slot> <addr>" into its two whitespace
// separated fields. Exactly two fields are required and the first
// must parse as a uint16 slot number; anything else is reported as
// not-ok so the caller falls back to a generic server error.
func parseRedirect(s string) (uint16, string, bool) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, "", false
	}
	slot, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(slot), parts[1], true
}
