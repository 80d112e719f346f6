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

// Package mux turns a single full-duplex conn.Conn into a cheaply
// cloneable, concurrently-submittable command endpoint with ordered
// FIFO request/response semantics.
package mux

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/SnellerInc/muxis/conn"
	"github.com/SnellerInc/muxis/resp"
)

// DefaultQueueSize is the default bound on both the request and waiter
// channels.
const DefaultQueueSize = 1024

// ErrClosed is returned to submitters once the multiplexer has been
// closed. After a read or write failure, submitters instead receive
// that recorded failure.
var ErrClosed = errors.New("mux: connection closed")

// request is the internal (frame, reply slot) tuple submitted to the
// writer task.
type request struct {
	frame resp.Frame
	reply chan reply
}

type reply struct {
	frame resp.Frame
	err   error
}

// Multiplexer fans in concurrent command submissions over one
// connection. The zero value is not usable; construct with New.
//
// Two goroutines (writer, reader) coordinate via two channels exactly
// as described for the reference implementation this module is ported
// from: a bounded request channel carrying (frame, reply slot) and a
// bounded waiter channel carrying just the reply slot, so that the
// reader delivers each incoming frame to the oldest outstanding
// request, preserving the server's response order.
type Multiplexer struct {
	conn  *conn.Conn
	reqCh chan request

	closeOnce sync.Once
	done      chan struct{}
	errOnce   sync.Once
	fatalErr  error
}

// New wraps c and spawns its writer and reader goroutines. queueSize
// bounds both internal channels; a non-positive value selects
// DefaultQueueSize. The Multiplexer takes ownership of c: Close closes
// it.
func New(c *conn.Conn, queueSize int) *Multiplexer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	m := &Multiplexer{
		conn:  c,
		reqCh: make(chan request, queueSize),
		done:  make(chan struct{}),
	}
	reader, writer := c.Split()
	waiterCh := make(chan chan reply, queueSize)
	go m.runWriter(writer, waiterCh)
	go m.runReader(reader, waiterCh)
	return m
}

// runWriter consumes requests, writes each frame, and forwards the
// reply slot to the waiter channel so the reader can match the next
// incoming frame to it. On a write failure it completes that reply
// slot with the error and terminates; on termination it closes the
// waiter channel, which causes the reader to exit once it drains any
// slots already queued.
func (m *Multiplexer) runWriter(w *conn.WriteHalf, waiterCh chan chan reply) {
	defer close(waiterCh)
	for req := range m.reqCh {
		if err := w.WriteFrame(req.frame); err != nil {
			m.fail(fmt.Errorf("mux: write failed: %w", err))
			req.reply <- reply{err: m.fatalErr}
			return
		}
		waiterCh <- req.reply
	}
}

// runReader consumes waiters in order, reads exactly one frame per
// waiter, and delivers it into that waiter's reply slot. On a read
// failure it delivers the error to that waiter (best-effort) and
// terminates; every waiter already queued behind it, plus every future
// submitter, observes that same read failure.
func (m *Multiplexer) runReader(r *conn.ReadHalf, waiterCh chan chan reply) {
	for slot := range waiterCh {
		f, err := r.ReadFrame()
		if err != nil {
			m.fail(fmt.Errorf("mux: read failed: %w", err))
			select {
			case slot <- reply{err: m.fatalErr}:
			default:
			}
			return
		}
		select {
		case slot <- reply{frame: f}:
		default:
			// Submitter abandoned its call; the frame is still
			// consumed from the wire so the connection stays in
			// sync, but nobody is listening for it.
		}
	}
	m.fail(ErrClosed)
}

// fail records the first fatal error observed by either task.
func (m *Multiplexer) fail(err error) {
	m.errOnce.Do(func() {
		m.fatalErr = err
		close(m.done)
	})
}

// Submit writes frame on this connection and waits for the matching
// response, honoring the documented FIFO ordering guarantee. It is
// safe to call concurrently from any number of goroutines and from any
// clone of this handle (Multiplexer values are already reference
// types; share the pointer).
func (m *Multiplexer) Submit(frame resp.Frame) (resp.Frame, error) {
	select {
	case <-m.done:
		return resp.Frame{}, m.terminalErr()
	default:
	}
	slot := make(chan reply, 1)
	select {
	case m.reqCh <- request{frame: frame, reply: slot}:
	case <-m.done:
		return resp.Frame{}, m.terminalErr()
	}
	select {
	case r := <-slot:
		if r.err != nil {
			return resp.Frame{}, r.err
		}
		return r.frame, nil
	case <-m.done:
		return resp.Frame{}, m.terminalErr()
	}
}

func (m *Multiplexer) terminalErr() error {
	if m.fatalErr != nil {
		return m.fatalErr
	}
	return ErrClosed
}

// Close shuts the multiplexer down: the request channel is closed,
// which the writer observes as its range loop ending; the writer then
// closes the waiter channel, which the reader observes the same way.
// Close also closes the underlying connection, replacing the Rust
// original's Drop-triggered socket teardown since Go has no destructor.
// Close is idempotent and may be called from any clone of the handle.
// Submit calls made after Close returns fail with ErrClosed (or the
// failure recorded before it).
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() {
		m.fail(ErrClosed)
		close(m.reqCh)
		m.conn.Close()
	})
}

// Dial opens a new TCP connection to addr and wraps it in a
// Multiplexer with the given queue size and conn.Options.
func Dial(network, addr string, queueSize int, opts ...conn.Option) (*Multiplexer, error) {
	nc, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("mux: dial %s: %w", addr, err)
	}
	c := conn.New(nc, opts...)
	return New(c, queueSize), nil
}
