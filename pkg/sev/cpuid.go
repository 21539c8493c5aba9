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
	"fmt"
	"runtime"
	"unsafe"

	"sallyvm.dev/sallyvm/pkg/vm"
)

// _KVM_GET_SUPPORTED_CPUID is _IOWR(KVMIO, 0x05, struct kvm_cpuid2),
// issued against the /dev/kvm fd.
const _KVM_GET_SUPPORTED_CPUID = 0xc008ae05

// kvm_cpuid2 layout: nent u32, padding u32, then nent entries of
// kvm_cpuid_entry2 (function, index, flags, eax, ebx, ecx, edx,
// padding[3], all u32).
const (
	kvmCPUIDHeaderSize = 8
	kvmCPUIDEntrySize  = 40
	kvmCPUIDMaxEntries = 256
)

// SNP CPUID page layout, per the GHCB specification: a 16-byte header
// (count u32, reserved) followed by up to 64 function entries of 48 bytes
// each (eax_in, ecx_in u32; xcr0_in, xss_in u64; eax, ebx, ecx, edx u32;
// reserved u64).
const (
	snpCPUIDHeaderSize   = 16
	snpCPUIDFunctionSize = 48
	snpCPUIDMaxFunctions = 64
)

// importCPUID fills page, which must be exactly one hardware page, with
// the guest-visible CPUID table derived from KVM's supported-CPUID list.
// The firmware validates, and may range-correct, these values during the
// CPUID-typed launch update.
func importCPUID(kvmFd int, ioctl vm.Ioctl, page []byte) error {
	if len(page) != vm.PageSize {
		return fmt.Errorf("CPUID page must be %#x bytes, got %#x", vm.PageSize, len(page))
	}

	buf := make([]byte, kvmCPUIDHeaderSize+kvmCPUIDMaxEntries*kvmCPUIDEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], kvmCPUIDMaxEntries)
	_, errno := ioctl(kvmFd, _KVM_GET_SUPPORTED_CPUID, uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(buf)
	if errno != 0 {
		return fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %v", errno)
	}

	nent := binary.LittleEndian.Uint32(buf[0:4])
	if nent > snpCPUIDMaxFunctions {
		// The SNP page has room for 64 functions; the kernel reports the
		// full supported set, of which the leading leaves are the ones
		// guests sample.
		nent = snpCPUIDMaxFunctions
	}

	clear(page)
	binary.LittleEndian.PutUint32(page[0:4], nent)
	for i := uint32(0); i < nent; i++ {
		entry := buf[kvmCPUIDHeaderSize+int(i)*kvmCPUIDEntrySize:]
		fn := page[snpCPUIDHeaderSize+int(i)*snpCPUIDFunctionSize:]
		// eax_in, ecx_in.
		copy(fn[0:4], entry[0:4])
		copy(fn[4:8], entry[4:8])
		// xcr0_in and xss_in stay zero; the firmware corrects the
		// xsave-dependent leaves itself.
		// eax..edx.
		copy(fn[24:40], entry[12:28])
	}
	return nil
}
