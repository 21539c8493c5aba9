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
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Capability gates one class of host-mediated operation. A Handler built
// without a capability answers that class with ENOSYS and never performs
// a sally for it.
type Capability uint32

// Capabilities.
const (
	CapClose Capability = 1 << iota
	CapRead
	CapWrite
	CapExit
)

// Platform is the guest's execution environment: the sally transition and
// the guest's own notion of which memory is its to touch. Host-claimed
// pointers and lengths pass through ValidateSlice before any dereference;
// that check is a security invariant, not a convenience.
type Platform interface {
	// Sally performs the voluntary trap to the host. The calling
	// goroutine suspends until the host has written a response into the
	// block and resumed the guest.
	Sally() error

	// ValidateSlice checks that [ptr, ptr+n) lies within the guest's own
	// memory and returns a typed view of it. Anything outside is an
	// error, never a cast.
	ValidateSlice(ptr uintptr, n int) ([]byte, error)
}

// Handler exposes syscall-shaped operations over one sallyport block. A
// Handler owns its block for the duration of each call; calls on the same
// Handler must not overlap (single-in-flight-per-block).
type Handler struct {
	block    Block
	platform Platform
	caps     Capability
}

// NewHandler wraps a block. The block must be large enough to hold a
// header and data area.
func NewHandler(b Block, p Platform, caps Capability) (*Handler, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("sallyport block of %d bytes is too small", len(b))
	}
	return &Handler{block: b, platform: p, caps: caps}, nil
}

// sally submits the encoded request and decodes the response header,
// verifying that the host echoed the operation.
func (h *Handler) sally(op uint32) error {
	h.block.SetOp(op)
	h.block.SetState(StateRequest)
	if err := h.platform.Sally(); err != nil {
		return err
	}
	if h.block.State() != StateResponse || h.block.Op() != op {
		return ErrProtocolViolation
	}
	return nil
}

// respErrno extracts the host-reported errno from a decoded response.
func (h *Handler) respErrno() error {
	if e := h.block.Arg(1); e != 0 {
		return unix.Errno(e)
	}
	return nil
}

// Close closes the opaquely-held host file descriptor fd.
func (h *Handler) Close(fd int) error {
	if h.caps&CapClose == 0 {
		return unix.ENOSYS
	}
	h.block.Reset()
	h.block.SetArg(0, uint64(fd))
	if err := h.sally(OpClose); err != nil {
		return err
	}
	return h.respErrno()
}

// Read reads from the host fd into buf, returning the number of bytes
// read. Reads larger than the block's data area are truncated; callers
// observe an ordinary short read.
func (h *Handler) Read(fd int, buf []byte) (int, error) {
	if h.caps&CapRead == 0 {
		return 0, unix.ENOSYS
	}
	out, err := h.validate(buf)
	if err != nil {
		return 0, err
	}
	count := uint64(len(out))
	if max := uint64(len(h.block.Data())); count > max {
		count = max
	}

	h.block.Reset()
	h.block.SetArg(0, uint64(fd))
	h.block.SetArg(1, 0) // data offset the host must fill
	h.block.SetArg(2, count)
	if err := h.sally(OpRead); err != nil {
		return 0, err
	}
	if err := h.respErrno(); err != nil {
		return 0, err
	}

	ret, dataOff, dataLen := h.block.Arg(0), h.block.Arg(2), h.block.Arg(3)
	// The host decides how much it read, but it does not get to point the
	// guest at arbitrary memory: the claimed range must sit inside the
	// block's data area and inside what was asked for.
	if ret != dataLen || ret > count {
		return 0, ErrProtocolViolation
	}
	if err := h.block.checkDataRange(dataOff, dataLen); err != nil {
		return 0, err
	}
	copy(out, h.block.Data()[dataOff:dataOff+dataLen])
	return int(ret), nil
}

// Write writes buf to the host fd, returning the number of bytes written.
// Writes larger than the block's data area are truncated; callers observe
// an ordinary short write.
func (h *Handler) Write(fd int, buf []byte) (int, error) {
	if h.caps&CapWrite == 0 {
		return 0, unix.ENOSYS
	}
	in, err := h.validate(buf)
	if err != nil {
		return 0, err
	}
	count := uint64(len(in))
	if max := uint64(len(h.block.Data())); count > max {
		count = max
	}

	h.block.Reset()
	copy(h.block.Data(), in[:count])
	h.block.SetArg(0, uint64(fd))
	h.block.SetArg(1, 0) // data offset of the payload
	h.block.SetArg(2, count)
	if err := h.sally(OpWrite); err != nil {
		return 0, err
	}
	if err := h.respErrno(); err != nil {
		return 0, err
	}

	ret := h.block.Arg(0)
	if ret > count {
		return 0, ErrProtocolViolation
	}
	return int(ret), nil
}

// Exit asks the host to terminate the guest with the given status. On
// success the call does not return to guest code; the host tears the
// vCPU down instead of resuming it.
func (h *Handler) Exit(status int) error {
	if h.caps&CapExit == 0 {
		return unix.ENOSYS
	}
	h.block.Reset()
	h.block.SetArg(0, uint64(status))
	if err := h.sally(OpExitGroup); err != nil {
		return err
	}
	return h.respErrno()
}

// validate runs a caller-supplied buffer through the platform's bounds
// check before it is used to build a request.
func (h *Handler) validate(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	return h.platform.ValidateSlice(uintptr(unsafe.Pointer(&buf[0])), len(buf))
}
