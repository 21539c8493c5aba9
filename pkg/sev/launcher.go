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
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	abi "sallyvm.dev/sallyvm/pkg/abi/sev"
	"sallyvm.dev/sallyvm/pkg/vm"
)

// Launch sequencing errors.
var (
	// ErrBadState is returned for launch operations issued out of order:
	// Update before Start or after Finish, Start twice, Finish twice.
	ErrBadState = errors.New("launch operation out of order")

	// ErrNoSallyport is returned when a launch reaches Finish without a
	// single sallyport block registered. A confidential guest with no
	// communication channel is a build error, not a runtime condition.
	ErrNoSallyport = errors.New("no sallyport blocks registered")
)

// HardwareError is a launch operation the platform rejected. FwErr is the
// firmware-reported error code when the firmware got far enough to report
// one; otherwise only the OS errno is meaningful.
type HardwareError struct {
	Op    string
	FwErr uint32
	Errno unix.Errno
}

// Error implements error.
func (e *HardwareError) Error() string {
	if e.FwErr != 0 {
		return fmt.Sprintf("%s: firmware error %#x", e.Op, e.FwErr)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Errno)
}

// Unwrap makes the OS errno visible to errors.Is.
func (e *HardwareError) Unwrap() error {
	return e.Errno
}

// State is the launch phase. Transitions are linear and irreversible:
// Uninitialized -> Started -> Finished.
type State int

// Launch states.
const (
	Uninitialized State = iota
	Started
	Finished
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Started:
		return "started"
	case Finished:
		return "finished"
	default:
		return "invalid"
	}
}

// Policy is the guest launch policy, set once at Start and immutable
// thereafter.
type Policy struct {
	// Bits is the guest policy bitmask. See Table 7 of the SEV-SNP
	// firmware specification.
	Bits uint64

	// GOSVW indicates guest OS visible workarounds.
	GOSVW [16]uint8
}

// IDSignature is the optional guest owner signature bundle attached at
// launch finish. Absence means the guest launches unsigned.
type IDSignature struct {
	Block *abi.IDBlock
	Auth  *abi.IDAuth
}

// Launcher drives one guest through the launch sequence. It must be owned
// exclusively by the orchestrating goroutine until Finish returns; the
// hardware rejects interleaved launch sessions.
type Launcher struct {
	state State
	vmFd  int
	kvmFd int
	dev   *Device
	ioctl vm.Ioctl
}

// NewLauncher initializes the SEV-SNP platform in KVM for the given VM
// and returns a launcher in the Uninitialized state. A nil ioctl means
// the host implementation.
func NewLauncher(m *vm.Machine, kvmFd int, dev *Device, ioctl vm.Ioctl) (*Launcher, error) {
	if ioctl == nil {
		ioctl = vm.HostIoctl
	}
	l := &Launcher{
		vmFd:  m.Fd(),
		kvmFd: kvmFd,
		dev:   dev,
		ioctl: ioctl,
	}
	init := abi.NewInit2()
	payload := make([]byte, abi.Init2Size)
	init.MarshalBytes(payload)
	if err := l.enc("SNP_INIT2", abi.CmdInit2, payload); err != nil {
		return nil, err
	}
	return l, nil
}

// enc issues one launch command through KVM_MEMORY_ENCRYPT_OP. The
// payload buffer is read, and for some commands rewritten, by the kernel.
func (l *Launcher) enc(op string, code uint32, payload []byte) error {
	cmd := abi.Cmd{
		Code:  code,
		SevFd: uint32(l.dev.Fd()),
	}
	if len(payload) > 0 {
		cmd.Data = uint64(uintptr(unsafe.Pointer(&payload[0])))
	}
	env := make([]byte, abi.CmdSize)
	cmd.MarshalBytes(env)

	_, errno := l.ioctl(l.vmFd, abi.IoctlMemoryEncryptOp, uintptr(unsafe.Pointer(&env[0])))
	runtime.KeepAlive(payload)
	if errno != 0 {
		cmd.UnmarshalBytes(env)
		return &HardwareError{Op: op, FwErr: cmd.Error, Errno: errno}
	}
	return nil
}

// Start issues the launch start operation once, binding the policy to the
// guest. Start failures are fatal for this launch attempt; only the
// platform-open step above this layer is retried.
func (l *Launcher) Start(policy Policy) error {
	if l.state != Uninitialized {
		return fmt.Errorf("start in state %v: %w", l.state, ErrBadState)
	}
	start := abi.LaunchStart{
		Policy: policy.Bits,
		GOSVW:  policy.GOSVW,
	}
	payload := make([]byte, abi.LaunchStartSize)
	start.MarshalBytes(payload)
	if err := l.enc("SNP_LAUNCH_START", abi.CmdLaunchStart, payload); err != nil {
		return err
	}
	l.state = Started
	logrus.WithField("policy", fmt.Sprintf("%#x", policy.Bits)).Debug("launch started")
	return nil
}

// UpdateData inserts and measures one region's pages with the given page
// type. CPUID and Secrets pages must be exactly one hardware page; a
// violation is a caller bug and is never retried. The CPUID path imports
// the host CPU's feature table into the page first and, if the firmware
// rejects the update because it range-corrected the values in place,
// retries the same update exactly once.
func (l *Launcher) UpdateData(r *vm.Region, t abi.PageType) error {
	if l.state != Started {
		return fmt.Errorf("update in state %v: %w", l.state, ErrBadState)
	}
	switch t {
	case abi.PageTypeCPUID, abi.PageTypeSecrets:
		if len(r.Backing) != vm.PageSize {
			return fmt.Errorf("%v region must be exactly one page, got %#x bytes", t, len(r.Backing))
		}
	}

	if t != abi.PageTypeCPUID {
		return l.update(r, t)
	}

	if err := importCPUID(l.kvmFd, l.ioctl, r.Backing); err != nil {
		return fmt.Errorf("importing CPUID page: %w", err)
	}
	if err := l.update(r, t); err != nil {
		// The firmware rewrites out-of-range CPUID values into the page
		// and fails the update; the corrected page is valid on the next
		// attempt. The rejection is not distinguishable from other
		// failures, so retry once unconditionally.
		logrus.Debugf("CPUID update rejected, retrying with corrected page: %v", err)
		if err := l.update(r, t); err != nil {
			return fmt.Errorf("CPUID update after firmware correction: %w", err)
		}
	}
	return nil
}

func (l *Launcher) update(r *vm.Region, t abi.PageType) error {
	update := abi.LaunchUpdate{
		StartGFN: r.GPA / vm.PageSize,
		UAddr:    r.HVA(),
		Len:      r.Length(),
		PageType: t,
	}
	payload := make([]byte, abi.LaunchUpdateSize)
	update.MarshalBytes(payload)
	if err := l.enc("SNP_LAUNCH_UPDATE", abi.CmdLaunchUpdate, payload); err != nil {
		return err
	}
	update.UnmarshalBytes(payload)
	if !update.Done() {
		return fmt.Errorf("launch update left %#x bytes unconsumed at gfn %#x", update.Len, update.StartGFN)
	}
	logrus.WithFields(logrus.Fields{
		"gpa":  fmt.Sprintf("%#x", r.GPA),
		"len":  fmt.Sprintf("%#x", r.Length()),
		"type": t,
	}).Debug("launch update")
	return nil
}

// Finish completes the launch, folding in the guest owner's signature
// when present, and seals the measurement. It is valid exactly once; the
// transition to Finished is irreversible.
func (l *Launcher) Finish(sig *IDSignature, hostData [abi.HostDataSize]byte) error {
	if l.state != Started {
		return fmt.Errorf("finish in state %v: %w", l.state, ErrBadState)
	}
	finish := abi.LaunchFinish{
		HostData: hostData,
	}
	if sig != nil {
		finish.IDBlockUAddr = uint64(uintptr(unsafe.Pointer(sig.Block)))
		finish.IDAuthUAddr = uint64(uintptr(unsafe.Pointer(sig.Auth)))
		finish.IDBlockEn = 1
		finish.AuthKeyEn = 1
	}
	payload := make([]byte, abi.LaunchFinishSize)
	finish.MarshalBytes(payload)
	err := l.enc("SNP_LAUNCH_FINISH", abi.CmdLaunchFinish, payload)
	runtime.KeepAlive(sig)
	if err != nil {
		return err
	}
	l.state = Finished
	logrus.WithField("signed", sig != nil).Info("launch finished")
	return nil
}

// State returns the current launch phase.
func (l *Launcher) State() State {
	return l.state
}
