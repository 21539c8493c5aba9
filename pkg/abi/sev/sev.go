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

// Package sev describes the KVM SEV-SNP launch ioctl command ABI.
//
// The four launch commands are issued through KVM_MEMORY_ENCRYPT_OP on the
// VM file descriptor. Each command wraps a fixed-layout payload behind a
// generic envelope; the payload layouts mirror the kernel's expectations
// byte for byte, including reserved fields, so every structure here is an
// explicit encode/decode pair rather than a Go struct passed by layout.
package sev

import (
	"encoding/binary"
)

// Launch command codes, assigned by the kernel in
// include/uapi/linux/kvm.h. These values must never be renumbered.
const (
	CmdInit2        = 22
	CmdLaunchStart  = 100
	CmdLaunchUpdate = 101
	CmdLaunchFinish = 102
)

// ioctl bits for x86-64.
const (
	iocNrBits    = 8
	iocTypeBits  = 8
	iocSizeBits  = 14
	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
	iocWrite     = 1
	iocRead      = 2

	kvmIoc = 0xAE
)

// IoctlMemoryEncryptOp is KVM_MEMORY_ENCRYPT_OP: _IOWR(KVMIO, 0xba,
// unsigned long). The kernel declares the argument as an unsigned long but
// reads a Cmd envelope through it, so the encoded size is 8, not CmdSize.
const IoctlMemoryEncryptOp = ((iocWrite | iocRead) << iocDirShift) |
	(kvmIoc << iocTypeShift) |
	(8 << iocSizeShift) |
	(0xBA << iocNrShift)

// PageType classifies a page for a launch update, per Table 58 of the
// SEV-SNP firmware specification.
type PageType uint8

// Page types. The hardware encoding has no zero value; a zero PageType is
// always a bug.
const (
	PageTypeNormal     PageType = 0x1
	PageTypeVMSA       PageType = 0x2
	PageTypeZero       PageType = 0x3
	PageTypeUnmeasured PageType = 0x4
	PageTypeSecrets    PageType = 0x5
	PageTypeCPUID      PageType = 0x6
)

// String implements fmt.Stringer.
func (t PageType) String() string {
	switch t {
	case PageTypeNormal:
		return "NORMAL"
	case PageTypeVMSA:
		return "VMSA"
	case PageTypeZero:
		return "ZERO"
	case PageTypeUnmeasured:
		return "UNMEASURED"
	case PageTypeSecrets:
		return "SECRETS"
	case PageTypeCPUID:
		return "CPUID"
	default:
		return "UNKNOWN"
	}
}

// CmdSize is the size of the encoded Cmd envelope.
//
// Layout (kernel struct kvm_sev_cmd):
//
//	0x00	id	uint32
//	0x04	-	implicit padding
//	0x08	data	uint64
//	0x10	error	uint32
//	0x14	sev_fd	uint32
const CmdSize = 24

// Cmd is the generic SEV command envelope.
//
// This mirrors kvm_sev_cmd.
type Cmd struct {
	Code  uint32
	Data  uint64
	Error uint32
	SevFd uint32
}

// MarshalBytes encodes c into b.
//
// Precondition: len(b) >= CmdSize.
func (c *Cmd) MarshalBytes(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], c.Code)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], c.Data)
	binary.LittleEndian.PutUint32(b[16:20], c.Error)
	binary.LittleEndian.PutUint32(b[20:24], c.SevFd)
}

// UnmarshalBytes decodes c from b. The kernel writes the firmware error
// code back through the envelope, so callers re-decode after the ioctl.
//
// Precondition: len(b) >= CmdSize.
func (c *Cmd) UnmarshalBytes(b []byte) {
	c.Code = binary.LittleEndian.Uint32(b[0:4])
	c.Data = binary.LittleEndian.Uint64(b[8:16])
	c.Error = binary.LittleEndian.Uint32(b[16:20])
	c.SevFd = binary.LittleEndian.Uint32(b[20:24])
}
