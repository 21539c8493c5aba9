// Copyright 2026 The sallyvm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sallyport implements the shared-memory syscall proxy between a
// confidential guest and its untrusted host.
//
// Guest code cannot call host operations directly: there is no shared
// address space and the host is not trusted. Instead the guest writes a
// structured request into a fixed-size shared block, performs a sally (a
// synchronous, voluntary trap to the host), and the host executor services
// the request and writes a response into the same block before resuming
// the guest. The guest side re-validates everything the host claims to
// have written; a response pointing outside the block's data area is
// hostile and is never dereferenced.
//
// A block carries no per-request identity beyond its slot index, so at
// most one request may be in flight per block. Distinct blocks may be
// driven concurrently by distinct vCPUs.
package sallyport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrProtocolViolation is returned when the peer's half of a block does
// not decode to a well-formed message, or when a response claims data
// outside the validated bounds. On the guest side this means the host is
// misbehaving; the offending call fails but the VM continues.
var ErrProtocolViolation = errors.New("sallyport protocol violation")

// Block layout. A block is a fixed-capacity shared slab: an 8-byte header
// holding the exchange state and the operation code, a 48-byte argument
// area of six 64-bit words, and a data area filling the rest.
//
//	0x00	state	uint32
//	0x04	op	uint32
//	0x08	args	[6]uint64
//	0x38	data	[capacity - 0x38]byte
const (
	stateOffset = 0
	opOffset    = 4
	argsOffset  = 8
	numArgs     = 6
	HeaderSize  = argsOffset + numArgs*8
)

// DefaultBlockSize is one control page plus sixteen data pages, the
// block size guests are linked against unless configured otherwise.
const DefaultBlockSize = 0x11000

// Exchange states.
const (
	StateEmpty uint32 = iota
	StateRequest
	StateResponse
)

// Operation codes are Linux syscall numbers.
const (
	OpRead      = uint32(unix.SYS_READ)
	OpWrite     = uint32(unix.SYS_WRITE)
	OpClose     = uint32(unix.SYS_CLOSE)
	OpExitGroup = uint32(unix.SYS_EXIT_GROUP)
)

// Block is one shared-memory exchange slab. The byte slice aliases memory
// jointly owned by guest and host; all access goes through the explicit
// field accessors below.
type Block []byte

// Valid returns true if the block is large enough to hold a header and a
// non-empty data area.
func (b Block) Valid() bool {
	return len(b) > HeaderSize
}

// State returns the exchange state.
func (b Block) State() uint32 {
	return getUint32(b[stateOffset:])
}

// SetState sets the exchange state.
func (b Block) SetState(s uint32) {
	putUint32(b[stateOffset:], s)
}

// Op returns the operation code.
func (b Block) Op() uint32 {
	return getUint32(b[opOffset:])
}

// SetOp sets the operation code.
func (b Block) SetOp(op uint32) {
	putUint32(b[opOffset:], op)
}

// Arg returns argument word i.
//
// Precondition: 0 <= i < numArgs.
func (b Block) Arg(i int) uint64 {
	return getUint64(b[argsOffset+8*i:])
}

// SetArg sets argument word i.
//
// Precondition: 0 <= i < numArgs.
func (b Block) SetArg(i int, v uint64) {
	putUint64(b[argsOffset+8*i:], v)
}

// Data returns the block's data area.
func (b Block) Data() []byte {
	return b[HeaderSize:]
}

// Reset clears the header for the next exchange.
func (b Block) Reset() {
	for i := 0; i < HeaderSize; i++ {
		b[i] = 0
	}
}

// checkDataRange validates a claimed (offset, length) pair against the
// data area. Anything out of range is a protocol violation, never a cast.
func (b Block) checkDataRange(off, length uint64) error {
	size := uint64(len(b.Data()))
	if off > size || length > size || off+length > size {
		return ErrProtocolViolation
	}
	return nil
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint64(b []byte) uint64 {
	return uint64(getUint32(b)) | uint64(getUint32(b[4:]))<<32
}

func putUint64(b []byte, v uint64) {
	putUint32(b, uint32(v))
	putUint32(b[4:], uint32(v>>32))
}
