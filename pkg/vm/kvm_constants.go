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

package vm

// KVM ioctl numbers, from linux/kvm.h.
const (
	_KVM_CREATE_VM               = 0xae01
	_KVM_GET_VCPU_MMAP_SIZE      = 0xae04
	_KVM_CREATE_VCPU             = 0xae41
	_KVM_SET_USER_MEMORY_REGION2 = 0x40a0ae49
	_KVM_RUN                     = 0xae80
	_KVM_ENABLE_CAP              = 0x4068aea3
	_KVM_SET_MEMORY_ATTRIBUTES   = 0x4020aed2
)

// KVM capability and hypercall constants, from linux/kvm.h and
// linux/kvm_para.h.
const (
	_KVM_CAP_EXIT_HYPERCALL = 201
	_KVM_HC_MAP_GPA_RANGE   = 12
)

// _KVM_X86_SNP_VM selects the SEV-SNP VM type at KVM_CREATE_VM.
const _KVM_X86_SNP_VM = 4

// _KVM_MEM_GUEST_MEMFD marks a memory region as backed by private guest
// memory.
const _KVM_MEM_GUEST_MEMFD = 1 << 2

// _KVM_MEMORY_ATTRIBUTE_PRIVATE marks a guest physical range as
// encrypted-private in KVM_SET_MEMORY_ATTRIBUTES.
const _KVM_MEMORY_ATTRIBUTE_PRIVATE = 1 << 3

// KVM exit reasons, from linux/kvm.h.
const (
	_KVM_EXIT_IO           = 2
	_KVM_EXIT_HYPERCALL    = 3
	_KVM_EXIT_HLT          = 5
	_KVM_EXIT_SHUTDOWN     = 8
	_KVM_EXIT_SYSTEM_EVENT = 24
)

// kvm_run layout offsets. Only the fields the run loop dispatches on are
// decoded; the rest of the mmap'd structure is left to the kernel.
const (
	_KVM_RUN_EXIT_REASON = 8  // uint32
	_KVM_RUN_IO          = 32 // union start
	_KVM_RUN_IO_SIZE     = _KVM_RUN_IO + 1
	_KVM_RUN_IO_PORT     = _KVM_RUN_IO + 2
	_KVM_RUN_IO_DATA_OFF = _KVM_RUN_IO + 8
)
