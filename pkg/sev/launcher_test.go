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

package sev

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	abi "sallyvm.dev/sallyvm/pkg/abi/sev"
	"sallyvm.dev/sallyvm/pkg/vm"
)

// fakeFirmware emulates the kernel side of the launch ioctls.
type fakeFirmware struct {
	// cmds is the sequence of launch command codes issued.
	cmds []uint32

	// failUpdates fails this many LaunchUpdate commands before
	// succeeding, reporting fwErr through the envelope.
	failUpdates int
	failStart   bool
	fwErr       uint32

	cpuidCalls int
}

func (f *fakeFirmware) ioctl(fd int, req, arg uintptr) (uintptr, unix.Errno) {
	switch req {
	case _KVM_GET_SUPPORTED_CPUID:
		f.cpuidCalls++
		buf := unsafe.Slice((*byte)(unsafe.Pointer(arg)), kvmCPUIDHeaderSize+kvmCPUIDEntrySize)
		binary.LittleEndian.PutUint32(buf[0:4], 1)
		// One entry: leaf 0 reporting a max leaf of 0xd.
		entry := buf[kvmCPUIDHeaderSize:]
		binary.LittleEndian.PutUint32(entry[12:16], 0xd)
		return 0, 0
	case abi.IoctlMemoryEncryptOp:
		env := unsafe.Slice((*byte)(unsafe.Pointer(arg)), abi.CmdSize)
		var cmd abi.Cmd
		cmd.UnmarshalBytes(env)
		f.cmds = append(f.cmds, cmd.Code)
		fail := func() unix.Errno {
			cmd.Error = f.fwErr
			cmd.MarshalBytes(env)
			return unix.EIO
		}
		switch cmd.Code {
		case abi.CmdLaunchStart:
			if f.failStart {
				return 0, fail()
			}
		case abi.CmdLaunchUpdate:
			if f.failUpdates > 0 {
				f.failUpdates--
				return 0, fail()
			}
			// The kernel consumes the range, advancing len to zero.
			payload := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(cmd.Data))), abi.LaunchUpdateSize)
			binary.LittleEndian.PutUint64(payload[16:24], 0)
		}
		return 0, 0
	}
	return 0, 0
}

// updates counts LaunchUpdate commands issued.
func (f *fakeFirmware) updates() int {
	n := 0
	for _, c := range f.cmds {
		if c == abi.CmdLaunchUpdate {
			n++
		}
	}
	return n
}

func newTestLauncher(t *testing.T, f *fakeFirmware) *Launcher {
	t.Helper()
	m, err := vm.NewMachine(-1, vm.Config{BlockSize: vm.PageSize, Ioctl: f.ioctl})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	l, err := NewLauncher(m, -1, &Device{fd: -1}, f.ioctl)
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}
	return l
}

func onePageRegion(gpa uint64) *vm.Region {
	return &vm.Region{GPA: gpa, Backing: make([]byte, vm.PageSize)}
}

func TestLauncherIssuesInit2(t *testing.T) {
	f := &fakeFirmware{}
	newTestLauncher(t, f)
	if len(f.cmds) != 1 || f.cmds[0] != abi.CmdInit2 {
		t.Errorf("commands after NewLauncher = %v, want [%d]", f.cmds, abi.CmdInit2)
	}
}

func TestUpdateOutOfOrder(t *testing.T) {
	f := &fakeFirmware{}
	l := newTestLauncher(t, f)

	if err := l.UpdateData(onePageRegion(0x1000), abi.PageTypeNormal); !errors.Is(err, ErrBadState) {
		t.Errorf("update before start = %v, want ErrBadState", err)
	}
	if err := l.Start(Policy{Bits: 0x30000}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.UpdateData(onePageRegion(0x1000), abi.PageTypeNormal); err != nil {
		t.Fatalf("UpdateData: %v", err)
	}
	if err := l.Finish(nil, [abi.HostDataSize]byte{}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := l.UpdateData(onePageRegion(0x2000), abi.PageTypeNormal); !errors.Is(err, ErrBadState) {
		t.Errorf("update after finish = %v, want ErrBadState", err)
	}
}

func TestStartTwiceRejected(t *testing.T) {
	l := newTestLauncher(t, &fakeFirmware{})
	if err := l.Start(Policy{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(Policy{}); !errors.Is(err, ErrBadState) {
		t.Errorf("second Start = %v, want ErrBadState", err)
	}
}

func TestFinishTwiceRejected(t *testing.T) {
	l := newTestLauncher(t, &fakeFirmware{})
	if err := l.Start(Policy{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Finish(nil, [abi.HostDataSize]byte{}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := l.Finish(nil, [abi.HostDataSize]byte{}); !errors.Is(err, ErrBadState) {
		t.Errorf("second Finish = %v, want ErrBadState", err)
	}
	if l.State() != Finished {
		t.Errorf("state = %v, want Finished", l.State())
	}
}

func TestStartFailureIsFatal(t *testing.T) {
	f := &fakeFirmware{failStart: true, fwErr: 0x16}
	l := newTestLauncher(t, f)
	err := l.Start(Policy{Bits: 1})
	var hw *HardwareError
	if !errors.As(err, &hw) {
		t.Fatalf("Start = %v, want HardwareError", err)
	}
	if hw.FwErr != 0x16 {
		t.Errorf("FwErr = %#x, want 0x16", hw.FwErr)
	}
	if l.State() != Uninitialized {
		t.Errorf("state after failed Start = %v, want Uninitialized", l.State())
	}
}

func TestSinglePageTypesRejectOversizedBuffers(t *testing.T) {
	for _, pt := range []abi.PageType{abi.PageTypeCPUID, abi.PageTypeSecrets} {
		f := &fakeFirmware{}
		l := newTestLauncher(t, f)
		if err := l.Start(Policy{}); err != nil {
			t.Fatalf("Start: %v", err)
		}
		big := &vm.Region{GPA: 0x1000, Backing: make([]byte, 2*vm.PageSize)}
		if err := l.UpdateData(big, pt); err == nil {
			t.Errorf("%v: UpdateData accepted a two-page buffer", pt)
		}
		if n := f.updates(); n != 0 {
			t.Errorf("%v: %d update commands issued for a bad buffer, want 0", pt, n)
		}
	}
}

func TestCPUIDRetriesExactlyOnce(t *testing.T) {
	f := &fakeFirmware{failUpdates: 1}
	l := newTestLauncher(t, f)
	if err := l.Start(Policy{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.UpdateData(onePageRegion(0x1000), abi.PageTypeCPUID); err != nil {
		t.Fatalf("UpdateData(CPUID) after one rejection = %v, want nil", err)
	}
	if n := f.updates(); n != 2 {
		t.Errorf("%d update commands, want 2", n)
	}
	if f.cpuidCalls != 1 {
		t.Errorf("%d CPUID imports, want 1", f.cpuidCalls)
	}
}

func TestCPUIDSecondRejectionFatal(t *testing.T) {
	f := &fakeFirmware{failUpdates: 2, fwErr: 0x19}
	l := newTestLauncher(t, f)
	if err := l.Start(Policy{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := l.UpdateData(onePageRegion(0x1000), abi.PageTypeCPUID)
	var hw *HardwareError
	if !errors.As(err, &hw) {
		t.Fatalf("UpdateData = %v, want HardwareError", err)
	}
	if hw.FwErr != 0x19 {
		t.Errorf("FwErr = %#x, want 0x19", hw.FwErr)
	}
	// Never a third attempt.
	if n := f.updates(); n != 2 {
		t.Errorf("%d update commands, want 2", n)
	}
}

func TestNormalUpdateNotRetried(t *testing.T) {
	f := &fakeFirmware{failUpdates: 1}
	l := newTestLauncher(t, f)
	if err := l.Start(Policy{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.UpdateData(onePageRegion(0x1000), abi.PageTypeNormal); err == nil {
		t.Error("UpdateData(Normal) = nil after a rejection, want error")
	}
	if n := f.updates(); n != 1 {
		t.Errorf("%d update commands, want 1", n)
	}
}

func TestCPUIDPageImport(t *testing.T) {
	f := &fakeFirmware{}
	page := make([]byte, vm.PageSize)
	if err := importCPUID(-1, f.ioctl, page); err != nil {
		t.Fatalf("importCPUID: %v", err)
	}
	if got := binary.LittleEndian.Uint32(page[0:4]); got != 1 {
		t.Errorf("function count = %d, want 1", got)
	}
	// The single entry's eax output sits at the start of the register
	// block within the first 48-byte function record.
	if got := binary.LittleEndian.Uint32(page[snpCPUIDHeaderSize+24:]); got != 0xd {
		t.Errorf("eax = %#x, want 0xd", got)
	}
	if err := importCPUID(-1, f.ioctl, make([]byte, 8)); err == nil {
		t.Error("importCPUID accepted a non-page buffer")
	}
}
