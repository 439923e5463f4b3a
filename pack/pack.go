// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package pack implements a direction-aware big-endian field packer over a
// fixed transaction buffer. The same sequence of calls serializes a structure
// when the element is in Write mode and deserializes it in Read mode.
package pack

import (
	"encoding/binary"
	"errors"
)

// Direction selects whether an Element moves data from fields into the
// buffer (Write) or from the buffer into fields (Read).
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// MaxIndex is the highest byte index addressable by an element cursor.
const MaxIndex = 0xFFFF

// errors
var (
	ErrNilBuffer = errors.New("pack: nil buffer")
	ErrBounds    = errors.New("pack: element exceeds buffer bounds")
)

// Element is a window over a shared transaction buffer with its own cursor.
// Offset is the start of the window inside the buffer, Size the hard cap of
// the window and Data the number of bytes packed so far.
//
// Field operations never fail. An operation that would move the cursor past
// Size is skipped and the cursor is left where it was. Callers must check
// message lengths before packing instead of relying on this.
type Element struct {
	buf    []byte
	Offset int
	Size   int
	Data   int
	Dir    Direction
}

// NewElement creates an element over buf[offset:offset+size].
func NewElement(buf []byte, dir Direction, offset, size int) (*Element, error) {
	if buf == nil {
		return nil, ErrNilBuffer
	}
	if offset < 0 || size < 0 || offset+size > len(buf) || offset+size > MaxIndex+1 {
		return nil, ErrBounds
	}
	return &Element{buf: buf, Offset: offset, Size: size, Dir: dir}, nil
}

// Sub carves a child element at offset (relative to this element) with the
// given size. The child shares the buffer and direction but keeps its own cursor.
func (e *Element) Sub(offset, size int) (*Element, error) {
	if offset < 0 || size < 0 || offset+size > e.Size {
		return nil, ErrBounds
	}
	return NewElement(e.buf, e.Dir, e.Offset+offset, size)
}

// Rest carves a child element covering everything after the bytes already packed.
func (e *Element) Rest() (*Element, error) {
	return e.Sub(e.Data, e.Size-e.Data)
}

// Remaining returns the number of bytes still available to the cursor.
func (e *Element) Remaining() int {
	return e.Size - e.Data
}

// Bytes returns the packed region of the element.
func (e *Element) Bytes() []byte {
	return e.buf[e.Offset : e.Offset+e.Data]
}

// Window returns the whole region of the element, packed or not.
func (e *Element) Window() []byte {
	return e.buf[e.Offset : e.Offset+e.Size]
}

// Reset rewinds the cursor.
func (e *Element) Reset() {
	e.Data = 0
}

// Skip advances the cursor by n bytes without touching the buffer.
func (e *Element) Skip(n int) {
	e.advance(n)
}

// advance reserves n bytes and returns their absolute start index.
func (e *Element) advance(n int) (int, bool) {
	if n < 0 || e.Data+n > e.Size {
		return 0, false
	}
	start := e.Offset + e.Data
	if start+n > MaxIndex+1 || start+n > len(e.buf) {
		return 0, false
	}
	e.Data += n
	return start, true
}

// U8 packs a single byte.
func (e *Element) U8(v *uint8) {
	i, ok := e.advance(1)
	if !ok {
		return
	}
	if e.Dir == Write {
		e.buf[i] = *v
	} else {
		*v = e.buf[i]
	}
}

// U16 packs a big-endian 16-bit value.
func (e *Element) U16(v *uint16) {
	i, ok := e.advance(2)
	if !ok {
		return
	}
	if e.Dir == Write {
		binary.BigEndian.PutUint16(e.buf[i:], *v)
	} else {
		*v = binary.BigEndian.Uint16(e.buf[i:])
	}
}

// U32 packs a big-endian 32-bit value.
func (e *Element) U32(v *uint32) {
	i, ok := e.advance(4)
	if !ok {
		return
	}
	if e.Dir == Write {
		binary.BigEndian.PutUint32(e.buf[i:], *v)
	} else {
		*v = binary.BigEndian.Uint32(e.buf[i:])
	}
}

// U64 packs a big-endian 64-bit value.
func (e *Element) U64(v *uint64) {
	i, ok := e.advance(8)
	if !ok {
		return
	}
	if e.Dir == Write {
		binary.BigEndian.PutUint64(e.buf[i:], *v)
	} else {
		*v = binary.BigEndian.Uint64(e.buf[i:])
	}
}

// Block packs len(p) raw bytes.
func (e *Element) Block(p []byte) {
	i, ok := e.advance(len(p))
	if !ok {
		return
	}
	if e.Dir == Write {
		copy(e.buf[i:], p)
	} else {
		copy(p, e.buf[i:i+len(p)])
	}
}
