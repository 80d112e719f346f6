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

package resp

import "strconv"

// Encoder serializes frames to bytes. It holds no state beyond a
// reusable scratch buffer and is safe for use by a single writer at a
// time (the Connection type serializes calls).
type Encoder struct {
	scratch []byte
}

// NewEncoder constructs an Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Encode appends the wire representation of f to dst and returns the
// extended slice.
func Encode(dst []byte, f Frame) []byte {
	switch f.Type {
	case TypeSimpleString:
		dst = append(dst, '+')
		dst = append(dst, f.Str...)
		return append(dst, '\r', '\n')
	case TypeError:
		dst = append(dst, '-')
		dst = append(dst, f.Str...)
		return append(dst, '\r', '\n')
	case TypeInteger:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, f.Int, 10)
		return append(dst, '\r', '\n')
	case TypeBulkString:
		if f.Bulk == nil {
			return append(dst, '$', '-', '1', '\r', '\n')
		}
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(f.Bulk)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, f.Bulk...)
		return append(dst, '\r', '\n')
	case TypeArray:
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(f.Array)), 10)
		dst = append(dst, '\r', '\n')
		for i := range f.Array {
			dst = Encode(dst, f.Array[i])
		}
		return dst
	case TypeNull:
		// Identical bytes to the nil bulk string: the wire does not
		// distinguish them.
		return append(dst, '$', '-', '1', '\r', '\n')
	default:
		panic("resp: encode of unknown frame type")
	}
}

// Encode resets the encoder's reusable scratch buffer, writes the wire
// representation of f into it, and returns the encoded bytes. The returned slice is only valid until the next call
// to Encode on the same Encoder.
func (e *Encoder) Encode(f Frame) []byte {
	e.scratch = e.scratch[:0]
	e.scratch = Encode(e.scratch, f)
	return e.scratch
}
