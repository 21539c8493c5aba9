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
	"fmt"
)

// Signature blob sizes, fixed by the SEV-SNP firmware specification
// (Tables 75 and 76). The firmware rejects any other length, so these are
// checked at construction rather than at launch finish.
const (
	IDBlockSize = 96
	IDAuthSize  = 4096
)

// IDBlock is the guest owner's signed identity block, carried opaquely.
type IDBlock [IDBlockSize]byte

// IDAuth is the authentication structure for an IDBlock, carried opaquely.
type IDAuth [IDAuthSize]byte

// NewIDBlock copies b into an IDBlock, rejecting any blob that is not
// exactly IDBlockSize bytes.
func NewIDBlock(b []byte) (*IDBlock, error) {
	if len(b) != IDBlockSize {
		return nil, fmt.Errorf("invalid ID block size %d, want %d", len(b), IDBlockSize)
	}
	var blk IDBlock
	copy(blk[:], b)
	return &blk, nil
}

// NewIDAuth copies b into an IDAuth, rejecting any blob that is not
// exactly IDAuthSize bytes.
func NewIDAuth(b []byte) (*IDAuth, error) {
	if len(b) != IDAuthSize {
		return nil, fmt.Errorf("invalid ID auth size %d, want %d", len(b), IDAuthSize)
	}
	var auth IDAuth
	copy(auth[:], b)
	return &auth, nil
}

// VMSASha384 is the SHA-384 of the kernel-built VMSA page for an
// unmodified vCPU, as folded into the launch measurement by the final
// VMSA-typed launch update. This can change across kernel versions; there
// is currently no ioctl to launch with a caller-defined VMSA, so
// attestation verifiers need this reference value.
var VMSASha384 = [48]byte{
	0x64, 0x65, 0x7e, 0x8c, 0xbf, 0xcb, 0x82, 0x71, 0x16, 0xbf, 0x6e, 0x1b, 0x2d, 0xcc, 0x27, 0x49,
	0x18, 0xe6, 0xa2, 0x17, 0xb7, 0x59, 0x97, 0xdf, 0x16, 0x45, 0x52, 0x5e, 0x71, 0x59, 0x58, 0x13,
	0xf8, 0x99, 0x13, 0xc4, 0x60, 0x62, 0x1d, 0xb2, 0xa2, 0xa2, 0xe2, 0xbc, 0x91, 0x4d, 0x98, 0x5d,
}
