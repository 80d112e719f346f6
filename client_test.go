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
	"testing"

	"github.com/SnellerInc/muxis/conn"
	"github.com/SnellerInc/muxis/mux"
	"github.com/SnellerInc/muxis/resp"
)

// scriptedServer replies to each incoming frame with the next frame
// from replies, in order, then stops.
func scriptedServer(t *testing.T, nc net.Conn, replies []resp.Frame) {
	t.Helper()
	c := conn.New(nc)
	for _, r := range replies {
		if _, err := c.ReadFrame(); err != nil {
			return
		}
		if err := c.WriteFrame(r); err != nil {
			return
		}
	}
}

func clientOverPipe(t *testing.T, replies []resp.Frame) *Client {
	t.Helper()
	client, server := net.Pipe()
	go scriptedServer(t, server, replies)
	return &Client{cfg: defaultClientConfig(), mp: mux.New(conn.New(client), 16)}
}

func TestClientPingOK(t *testing.T) {
	c := clientOverPipe(t, []resp.Frame{resp.SimpleString("PONG")})
	if err := c.Ping(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientPingError(t *testing.T) {
	c := clientOverPipe(t, []resp.Frame{resp.Err("ERR boom")})
	err := c.Ping()
	if err == nil {
		t.Fatal("expected an error")
	}
	me, ok := err.(*Error)
	if !ok || me.Kind != KindServer {
		t.Fatalf("got %v", err)
	}
}

func TestClientAuthSuccess(t *testing.T) {
	client, server := net.Pipe()
	go scriptedServer(t, server, []resp.Frame{resp.SimpleString("OK")})
	cfg := defaultClientConfig()
	cfg.password = "hunter2"
	cl := &Client{cfg: cfg, mp: mux.New(conn.New(client), 16)}
	if err := cl.auth("test-trace"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientAuthFailure(t *testing.T) {
	client, server := net.Pipe()
	go scriptedServer(t, server, []resp.Frame{resp.Err("WRONGPASS")})
	cfg := defaultClientConfig()
	cfg.password = "wrong"
	cl := &Client{cfg: cfg, mp: mux.New(conn.New(client), 16)}
	err := cl.auth("test-trace")
	me, ok := err.(*Error)
	if !ok || me.Kind != KindAuth {
		t.Fatalf("got %v", err)
	}
}
