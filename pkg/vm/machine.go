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

// Package vm tracks the guest physical memory layout of a KVM virtual
// machine: the mapped regions, their backing host pages, their KVM memory
// slots, and the sallyport blocks committed inside them.
package vm

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PageSize is the hardware page size used for guest memory.
const PageSize = 0x1000

// Ioctl issues one ioctl against fd. Implementations other than HostIoctl
// exist only so tests can run without /dev/kvm.
type Ioctl func(fd int, req, arg uintptr) (uintptr, unix.Errno)

// HostIoctl issues a real ioctl syscall.
func HostIoctl(fd int, req, arg uintptr) (uintptr, unix.Errno) {
	r, _, errno := unix.RawSyscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	return r, errno
}

// RegionFlags describe how a mapped region is used by the guest.
type RegionFlags uint32

const (
	// RegionSallyport marks a region whose pages carry sallyport blocks.
	RegionSallyport RegionFlags = 1 << iota
)

// Region is one live guest physical mapping.
//
// A Region exclusively owns its backing host pages; they are unmapped only
// when the machine is destroyed. No two live Regions overlap in guest
// physical range or share a slot.
type Region struct {
	// GPA is the page-aligned guest physical start address.
	GPA uint64

	// Backing is the host view of the region's pages.
	Backing []byte

	// Slot is the KVM memory slot id.
	Slot uint32
}

// HVA returns the host virtual address of the backing pages.
func (r *Region) HVA() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.Backing[0])))
}

// Length returns the byte length of the region.
func (r *Region) Length() uint64 {
	return uint64(len(r.Backing))
}

// SallyBlock locates one committed sallyport block.
type SallyBlock struct {
	// GPA is the guest physical address of the block.
	GPA uint64

	// Data is the host view of the block's bytes.
	Data []byte
}

// Config parameterizes a machine.
type Config struct {
	// BlockSize is the sallyport block size, uniform across the VM.
	BlockSize uint64

	// Ioctl overrides the ioctl implementation. Nil means HostIoctl.
	Ioctl Ioctl
}

// Machine owns the VM file descriptor and the guest memory layout.
//
// The launch sequence constructs the machine single-threaded. Once the
// guest runs the machine may be shared, but each vCPU is driven by at most
// one goroutine at a time.
type Machine struct {
	// fd is the vm fd.
	fd int

	// kvmFd is the /dev/kvm fd the machine was created from.
	kvmFd int

	// nextSlot is the next slot for mapRegion. Slots are never reused
	// within one machine.
	nextSlot uint32

	blockSize uint64
	ioctl     Ioctl

	// regions are the live mappings, in mapping order.
	regions []Region

	// sallyports is the committed block table. The index of an entry is
	// the block's slot in the guest/host contract, so insertion order is
	// load-bearing: blocks are appended in ascending guest physical
	// address order within each sallyport-carrying region.
	sallyports []SallyBlock

	// vcpus are the created vCPUs, indexed by id.
	vcpus []*VCPU
}

// NewMachine creates the SEV-SNP VM on the opened /dev/kvm fd and enables
// the map-GPA-range hypercall exit the guest uses to flip page visibility.
func NewMachine(kvmFd int, cfg Config) (*Machine, error) {
	if cfg.BlockSize == 0 || cfg.BlockSize%PageSize != 0 {
		return nil, fmt.Errorf("invalid sallyport block size %#x", cfg.BlockSize)
	}
	ioctl := cfg.Ioctl
	if ioctl == nil {
		ioctl = HostIoctl
	}

	vmFd, errno := ioctl(kvmFd, _KVM_CREATE_VM, _KVM_X86_SNP_VM)
	if errno != 0 {
		return nil, fmt.Errorf("creating SNP VM: %v", errno)
	}

	m := &Machine{
		fd:        int(vmFd),
		kvmFd:     kvmFd,
		blockSize: cfg.BlockSize,
		ioctl:     ioctl,
	}
	if err := m.enableCap(_KVM_CAP_EXIT_HYPERCALL, 1<<_KVM_HC_MAP_GPA_RANGE); err != nil {
		unix.Close(m.fd)
		return nil, fmt.Errorf("enabling hypercall exits: %w", err)
	}
	return m, nil
}

// Fd returns the vm fd.
func (m *Machine) Fd() int {
	return m.fd
}

// enableCap mirrors kvm_enable_cap.
func (m *Machine) enableCap(cap uint32, arg0 uint64) error {
	var buf [104]byte // 4 cap + 4 flags + 4*8 args + 64 pad
	putUint32(buf[0:], cap)
	putUint64(buf[8:], arg0)
	if _, errno := m.ioctl(m.fd, _KVM_ENABLE_CAP, uintptr(unsafe.Pointer(&buf[0]))); errno != 0 {
		return errno
	}
	return nil
}

// MapRegion installs pages at the guest physical address gpa.
//
// Mapping no pages is a no-op: no slot is allocated and no error is
// returned. A region overlapping a live region's guest physical range is
// rejected; this is a caller bug, not a runtime condition. Regions flagged
// RegionSallyport additionally commit floor(len/blockSize) sallyport
// blocks, in ascending address order.
func (m *Machine) MapRegion(gpa uint64, pages []byte, flags RegionFlags) (*Region, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	if gpa%PageSize != 0 || uint64(len(pages))%PageSize != 0 {
		return nil, fmt.Errorf("unaligned mapping [%#x,%#x)", gpa, gpa+uint64(len(pages)))
	}
	length := uint64(len(pages))
	for i := range m.regions {
		r := &m.regions[i]
		if gpa < r.GPA+r.Length() && r.GPA < gpa+length {
			return nil, fmt.Errorf("mapping [%#x,%#x) overlaps region slot %d [%#x,%#x)",
				gpa, gpa+length, r.Slot, r.GPA, r.GPA+r.Length())
		}
	}

	slot := m.nextSlot
	if err := m.setMemoryRegion(slot, gpa, pages); err != nil {
		return nil, fmt.Errorf("setting memory region slot %d: %w", slot, err)
	}
	if err := m.setMemoryAttributes(gpa, length, _KVM_MEMORY_ATTRIBUTE_PRIVATE); err != nil {
		return nil, fmt.Errorf("marking [%#x,%#x) private: %w", gpa, gpa+length, err)
	}
	m.nextSlot++

	region := Region{
		GPA:     gpa,
		Backing: pages,
		Slot:    slot,
	}
	m.regions = append(m.regions, region)

	if flags&RegionSallyport != 0 {
		n := length / m.blockSize
		for i := uint64(0); i < n; i++ {
			off := i * m.blockSize
			m.sallyports = append(m.sallyports, SallyBlock{
				GPA:  gpa + off,
				Data: pages[off : off+m.blockSize],
			})
		}
		logrus.WithFields(logrus.Fields{
			"gpa":    fmt.Sprintf("%#x", gpa),
			"blocks": n,
		}).Debug("committed sallyport blocks")
	}

	logrus.WithFields(logrus.Fields{
		"slot": slot,
		"gpa":  fmt.Sprintf("%#x", gpa),
		"len":  fmt.Sprintf("%#x", length),
	}).Debug("mapped region")
	return &region, nil
}

// setMemoryRegion mirrors kvm_userspace_memory_region2.
func (m *Machine) setMemoryRegion(slot uint32, gpa uint64, pages []byte) error {
	var buf [160]byte
	putUint32(buf[0:], slot)
	putUint32(buf[4:], 0) // flags
	putUint64(buf[8:], gpa)
	putUint64(buf[16:], uint64(len(pages)))
	putUint64(buf[24:], uint64(uintptr(unsafe.Pointer(&pages[0]))))
	if _, errno := m.ioctl(m.fd, _KVM_SET_USER_MEMORY_REGION2, uintptr(unsafe.Pointer(&buf[0]))); errno != 0 {
		return errno
	}
	return nil
}

// setMemoryAttributes mirrors kvm_memory_attributes.
func (m *Machine) setMemoryAttributes(gpa, length, attrs uint64) error {
	var buf [32]byte
	putUint64(buf[0:], gpa)
	putUint64(buf[8:], length)
	putUint64(buf[16:], attrs)
	if _, errno := m.ioctl(m.fd, _KVM_SET_MEMORY_ATTRIBUTES, uintptr(unsafe.Pointer(&buf[0]))); errno != 0 {
		return errno
	}
	return nil
}

// Regions returns the live regions in mapping order.
func (m *Machine) Regions() []Region {
	return m.regions
}

// Sallyports returns the committed block table. Index is the block slot.
func (m *Machine) Sallyports() []SallyBlock {
	return m.sallyports
}

// BlockSize returns the sallyport block size.
func (m *Machine) BlockSize() uint64 {
	return m.blockSize
}

// Destroy unmaps all backing pages and closes the vCPU and vm fds. The
// regions' guest lifetimes end here and nowhere else.
func (m *Machine) Destroy() {
	for _, c := range m.vcpus {
		c.destroy()
	}
	m.vcpus = nil
	for i := range m.regions {
		if err := unix.Munmap(m.regions[i].Backing); err != nil {
			logrus.Warnf("unmapping region slot %d: %v", m.regions[i].Slot, err)
		}
	}
	m.regions = nil
	m.sallyports = nil
	unix.Close(m.fd)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64(b []byte, v uint64) {
	putUint32(b, uint32(v))
	putUint32(b[4:], uint32(v>>32))
}
