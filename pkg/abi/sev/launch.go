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
)

// Encoded payload sizes.
const (
	Init2Size        = 48
	LaunchStartSize  = 64
	LaunchUpdateSize = 64
	LaunchFinishSize = 88
)

// HostDataSize is the size of the opaque host-supplied data folded into
// LaunchFinish. The firmware does not interpret this value.
const HostDataSize = 32

// Init2 initializes the SEV-SNP platform in KVM.
//
// This mirrors kvm_sev_init. Layout:
//
//	0x00	vmsa_features	uint64
//	0x08	flags		uint32
//	0x0c	ghcb_version	uint16
//	0x0e	pad1		uint16
//	0x10	pad2		[8]uint32
type Init2 struct {
	VMSAFeatures uint64
	Flags        uint32
	GHCBVersion  uint16
}

// NewInit2 returns an Init2 pinned to the maximum GHCB protocol version
// the guest is allowed to negotiate.
func NewInit2() Init2 {
	return Init2{GHCBVersion: 2}
}

// MarshalBytes encodes i into b.
//
// Precondition: len(b) >= Init2Size.
func (i *Init2) MarshalBytes(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], i.VMSAFeatures)
	binary.LittleEndian.PutUint32(b[8:12], i.Flags)
	binary.LittleEndian.PutUint16(b[12:14], i.GHCBVersion)
	clear(b[14:Init2Size])
}

// LaunchStart initializes the flow to launch a guest.
//
// This mirrors kvm_sev_snp_launch_start. Layout:
//
//	0x00	policy	uint64
//	0x08	gosvw	[16]uint8
//	0x18	flags	uint16
//	0x1a	pad0	[6]uint8
//	0x20	pad1	[4]uint64
type LaunchStart struct {
	// Policy is the guest policy. See Table 7 of the SEV-SNP firmware
	// specification.
	Policy uint64

	// GOSVW indicates guest OS visible workarounds. The format is
	// hypervisor defined.
	GOSVW [16]uint8
}

// MarshalBytes encodes s into b.
//
// Precondition: len(b) >= LaunchStartSize.
func (s *LaunchStart) MarshalBytes(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], s.Policy)
	copy(b[8:24], s.GOSVW[:])
	clear(b[24:LaunchStartSize])
}

// LaunchUpdate inserts pages into the guest physical address space.
//
// This mirrors kvm_sev_snp_launch_update. Layout:
//
//	0x00	start_gfn	uint64
//	0x08	uaddr		uint64
//	0x10	len		uint64
//	0x18	page_type	uint8
//	0x19	pad0		uint8
//	0x1a	flags		uint16
//	0x1c	pad1		uint32
//	0x20	pad2		[4]uint64
type LaunchUpdate struct {
	// StartGFN is the guest start frame number, i.e. the guest physical
	// address shifted right by the page bits.
	StartGFN uint64

	// UAddr is the userspace address of the pages to be encrypted.
	UAddr uint64

	// Len is the byte length of the range at UAddr.
	Len uint64

	// PageType is the encoded page type.
	PageType PageType
}

// MarshalBytes encodes u into b.
//
// Precondition: len(b) >= LaunchUpdateSize.
func (u *LaunchUpdate) MarshalBytes(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], u.StartGFN)
	binary.LittleEndian.PutUint64(b[8:16], u.UAddr)
	binary.LittleEndian.PutUint64(b[16:24], u.Len)
	b[24] = uint8(u.PageType)
	clear(b[25:LaunchUpdateSize])
}

// UnmarshalBytes decodes u from b. The kernel advances start_gfn, uaddr
// and len as it consumes the range, so callers re-decode to observe
// partial progress.
//
// Precondition: len(b) >= LaunchUpdateSize.
func (u *LaunchUpdate) UnmarshalBytes(b []byte) {
	u.StartGFN = binary.LittleEndian.Uint64(b[0:8])
	u.UAddr = binary.LittleEndian.Uint64(b[8:16])
	u.Len = binary.LittleEndian.Uint64(b[16:24])
	u.PageType = PageType(b[24])
}

// Done returns true once the kernel has consumed the whole update range.
func (u *LaunchUpdate) Done() bool {
	return u.Len == 0
}

// LaunchFinish completes the guest launch flow.
//
// This mirrors kvm_sev_snp_launch_finish. Layout:
//
//	0x00	id_block_uaddr	uint64
//	0x08	id_auth_uaddr	uint64
//	0x10	id_block_en	uint8
//	0x11	auth_key_en	uint8
//	0x12	vcek_disabled	uint8
//	0x13	host_data	[32]uint8
//	0x33	pad0		[3]uint8
//	0x36	flags		uint16
//	0x38	pad1		[4]uint64
type LaunchFinish struct {
	// IDBlockUAddr is the userspace address of the ID block. Ignored
	// when IDBlockEn is 0.
	IDBlockUAddr uint64

	// IDAuthUAddr is the userspace address of the ID authentication
	// information. Ignored when IDBlockEn is 0.
	IDAuthUAddr uint64

	// IDBlockEn indicates that the ID block is present.
	IDBlockEn uint8

	// AuthKeyEn indicates that the author key is present in the ID
	// authentication information. Ignored when IDBlockEn is 0.
	AuthKeyEn uint8

	// VcekDisabled disables the use of the VCEK for attestation.
	VcekDisabled uint8

	// HostData is opaque host-supplied data describing the guest.
	HostData [HostDataSize]uint8
}

// MarshalBytes encodes f into b.
//
// Precondition: len(b) >= LaunchFinishSize.
func (f *LaunchFinish) MarshalBytes(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], f.IDBlockUAddr)
	binary.LittleEndian.PutUint64(b[8:16], f.IDAuthUAddr)
	b[16] = f.IDBlockEn
	b[17] = f.AuthKeyEn
	b[18] = f.VcekDisabled
	copy(b[19:51], f.HostData[:])
	clear(b[51:LaunchFinishSize])
}
