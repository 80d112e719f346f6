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
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// newTraceID returns a fresh correlation id for one Dial or
// NewClusterClient call, included in the log lines that call itself
// writes (connect and AUTH for Dial, bootstrap for NewClusterClient).
// Later router log lines (topology refresh, pool admission) do not
// carry it.
func newTraceID() string {
	return uuid.NewString()
}

// redactSecret returns a short, stable fingerprint of a credential
// suitable for a log line: the password itself must never be logged,
// but a fingerprint lets an operator confirm two log lines refer to
// the same credential without exposing it.
func redactSecret(s string) string {
	if s == "" {
		return "(empty)"
	}
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}
