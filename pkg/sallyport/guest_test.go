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

package sallyport

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// hostilePlatform answers every sally with whatever response respond
// writes into the block, standing in for a compromised host.
type hostilePlatform struct {
	block   Block
	respond func(Block)
}

func (p *hostilePlatform) Sally() error {
	p.respond(p.block)
	return nil
}

func (p *hostilePlatform) ValidateSlice(ptr uintptr, n int) ([]byte, error) {
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n), nil
}

func TestHostileReadResponses(t *testing.T) {
	dataSize := uint64(testBlockSize - HeaderSize)
	for _, tc := range []struct {
		name    string
		respond func(Block)
	}{
		{
			name: "data offset outside the block",
			respond: func(b Block) {
				b.SetArg(0, 4)
				b.SetArg(2, dataSize+1)
				b.SetArg(3, 4)
				b.SetState(StateResponse)
			},
		},
		{
			name: "data length outside the block",
			respond: func(b Block) {
				b.SetArg(0, dataSize+1)
				b.SetArg(2, 0)
				b.SetArg(3, dataSize+1)
				b.SetState(StateResponse)
			},
		},
		{
			name: "range wraps past the end",
			respond: func(b Block) {
				b.SetArg(0, 4)
				b.SetArg(2, dataSize-2)
				b.SetArg(3, 4)
				b.SetState(StateResponse)
			},
		},
		{
			name: "return larger than requested",
			respond: func(b Block) {
				b.SetArg(0, dataSize)
				b.SetArg(2, 0)
				b.SetArg(3, dataSize)
				b.SetState(StateResponse)
			},
		},
		{
			name: "return disagrees with claimed length",
			respond: func(b Block) {
				b.SetArg(0, 2)
				b.SetArg(2, 0)
				b.SetArg(3, 4)
				b.SetState(StateResponse)
			},
		},
		{
			name: "wrong operation echoed",
			respond: func(b Block) {
				b.SetArg(0, 4)
				b.SetArg(2, 0)
				b.SetArg(3, 4)
				b.SetOp(OpWrite)
				b.SetState(StateResponse)
			},
		},
		{
			name: "state never advanced",
			respond: func(b Block) {
				b.SetArg(0, 4)
				b.SetArg(2, 0)
				b.SetArg(3, 4)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			block := make(Block, testBlockSize)
			p := &hostilePlatform{block: block, respond: tc.respond}
			h, err := NewHandler(block, p, CapRead)
			if err != nil {
				t.Fatalf("NewHandler: %v", err)
			}
			buf := bytes.Repeat([]byte{0xa5}, 16)
			want := bytes.Clone(buf)
			if _, err := h.Read(3, buf); !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("Read = %v, want ErrProtocolViolation", err)
			}
			// A rejected response must not leak into the caller's buffer.
			if !bytes.Equal(buf, want) {
				t.Error("caller buffer modified by a rejected response")
			}
		})
	}
}

func TestHostileWriteReturn(t *testing.T) {
	block := make(Block, testBlockSize)
	p := &hostilePlatform{block: block, respond: func(b Block) {
		b.SetArg(0, uint64(len(b.Data()))) // more than was submitted
		b.SetState(StateResponse)
	}}
	h, err := NewHandler(block, p, CapWrite)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if _, err := h.Write(3, []byte("abcd")); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Write = %v, want ErrProtocolViolation", err)
	}
}

// rejectingPlatform refuses to vouch for any guest memory.
type rejectingPlatform struct{}

func (rejectingPlatform) Sally() error { return nil }

func (rejectingPlatform) ValidateSlice(ptr uintptr, n int) ([]byte, error) {
	return nil, unix.EFAULT
}

func TestUnvalidatedBufferRejected(t *testing.T) {
	block := make(Block, testBlockSize)
	h, err := NewHandler(block, rejectingPlatform{}, CapRead|CapWrite)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if _, err := h.Read(3, make([]byte, 8)); err != unix.EFAULT {
		t.Errorf("Read with rejected buffer = %v, want EFAULT", err)
	}
	if _, err := h.Write(3, make([]byte, 8)); err != unix.EFAULT {
		t.Errorf("Write with rejected buffer = %v, want EFAULT", err)
	}
	if block.State() != StateEmpty {
		t.Error("request submitted despite failed buffer validation")
	}
}

func TestErrnoResponsesSurface(t *testing.T) {
	block := make(Block, testBlockSize)
	p := &hostilePlatform{block: block, respond: func(b Block) {
		b.SetArg(0, 0)
		b.SetArg(1, uint64(unix.EBADF))
		b.SetState(StateResponse)
	}}
	h, err := NewHandler(block, p, CapRead|CapClose)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if _, err := h.Read(3, make([]byte, 8)); err != unix.EBADF {
		t.Errorf("Read = %v, want EBADF", err)
	}
	if err := h.Close(3); err != unix.EBADF {
		t.Errorf("Close = %v, want EBADF", err)
	}
}

func TestUndersizedBlockRejected(t *testing.T) {
	if _, err := NewHandler(make(Block, HeaderSize), rejectingPlatform{}, CapRead); err == nil {
		t.Error("NewHandler accepted a block with no data area")
	}
}
