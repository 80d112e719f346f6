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

// Package conn wraps a duplex byte stream with a resp.Decoder and a
// resp.Encoder, exposing frame-at-a-time read/write with optional
// per-call timeouts.
package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/SnellerInc/muxis/resp"
)

// ErrClosed is returned by ReadFrame when the peer closed the stream
// cleanly with no buffered bytes remaining.
var ErrClosed = errors.New("conn: connection closed")

// readBufSize is the size of a single bounded read issued by ReadFrame
// when the decoder reports NeedMore.
const readBufSize = 4096

// Conn wraps any net.Conn-shaped duplex stream, owning a decoder and an
// encoder. It is safe for one reader and one writer to use
// concurrently; it is not safe for concurrent readers or concurrent
// writers among themselves.
type Conn struct {
	rw           net.Conn
	dec          *resp.Decoder
	enc          *resp.Encoder
	readTimeout  time.Duration
	writeTimeout time.Duration
	readBuf      [readBufSize]byte
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithReadTimeout sets the per-syscall read timeout. Zero means no
// timeout (block forever).
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// WithWriteTimeout sets the per-call write timeout. Zero means no
// timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithMaxFrameSize overrides the decoder's max frame size.
func WithMaxFrameSize(n int) Option {
	return func(c *Conn) { c.dec = resp.NewDecoder(n) }
}

// New wraps rw in a Conn.
func New(rw net.Conn, opts ...Option) *Conn {
	c := &Conn{
		rw:  rw,
		dec: resp.NewDecoder(0),
		enc: resp.NewEncoder(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WriteFrame encodes f and writes it in full. If a write timeout is
// configured, the underlying write deadline is set for this call only.
func (c *Conn) WriteFrame(f resp.Frame) error {
	if c.writeTimeout > 0 {
		if err := c.rw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("conn: set write deadline: %w", err)
		}
		defer c.rw.SetWriteDeadline(time.Time{})
	}
	buf := c.enc.Encode(f)
	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("conn: write: %w", err)
	}
	return nil
}

// ReadFrame returns the next complete frame, issuing bounded reads
// until the decoder has enough bytes. The read timeout, if configured,
// applies per underlying read syscall, not to the whole call.
func (c *Conn) ReadFrame() (resp.Frame, error) {
	for {
		f, ok, err := c.dec.Decode()
		if err != nil {
			return resp.Frame{}, fmt.Errorf("conn: %w", err)
		}
		if ok {
			return f, nil
		}
		if c.readTimeout > 0 {
			if err := c.rw.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return resp.Frame{}, fmt.Errorf("conn: set read deadline: %w", err)
			}
		}
		n, err := c.rw.Read(c.readBuf[:])
		if n > 0 {
			c.dec.Append(c.readBuf[:n])
		}
		if err != nil {
			if err == io.EOF && n == 0 {
				if c.dec.Buffered() == 0 {
					return resp.Frame{}, ErrClosed
				}
				return resp.Frame{}, fmt.Errorf("conn: %w", io.ErrUnexpectedEOF)
			}
			return resp.Frame{}, fmt.Errorf("conn: read: %w", err)
		}
	}
}

// Close closes the underlying stream.
func (c *Conn) Close() error { return c.rw.Close() }

// ReadHalf returns a half of the Conn that owns only the decoder, for
// use from a dedicated reader goroutine.
func (c *Conn) ReadHalf() *ReadHalf { return &ReadHalf{c: c} }

// WriteHalf returns a half of the Conn that owns only the encoder, for
// use from a dedicated writer goroutine.
func (c *Conn) WriteHalf() *WriteHalf { return &WriteHalf{c: c} }

// Split consumes the Conn's symmetric API and returns independent
// reader and writer halves for simultaneous use by two goroutines. The
// underlying stream already supports concurrent reads and writes (as
// net.Conn implementations do), so no further synchronization is
// required between the two halves.
func (c *Conn) Split() (*ReadHalf, *WriteHalf) {
	return c.ReadHalf(), c.WriteHalf()
}

// ReadHalf is the read side of a split Conn.
type ReadHalf struct{ c *Conn }

// ReadFrame reads the next frame from the read half.
func (r *ReadHalf) ReadFrame() (resp.Frame, error) { return r.c.ReadFrame() }

// Close closes the underlying stream. Calling Close on either half
// closes the whole stream.
func (r *ReadHalf) Close() error { return r.c.Close() }

// WriteHalf is the write side of a split Conn.
type WriteHalf struct{ c *Conn }

// WriteFrame writes f on the write half.
func (w *WriteHalf) WriteFrame(f resp.Frame) error { return w.c.WriteFrame(f) }

// Close closes the underlying stream.
func (w *WriteHalf) Close() error { return w.c.Close() }
