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

// Package ioclass classifies a network error as transient (worth an I/O
// retry) or fatal, refining the router's "every I/O error is retryable
// up to budget" default with the platform's actual errno where one is
// available.
package ioclass

// Transient reports false only for errors known to be permanent (such
// as a permission failure) and true otherwise: for retryable conditions
// (connection reset, broken pipe, a timed-out syscall) and for errors
// it cannot classify. Callers that cannot classify an error should treat
// it as transient, since the retry budget already bounds the cost of
// guessing wrong; Transient only ever narrows, never widens, what the
// router retries.
func Transient(err error) bool {
	return transient(err)
}
