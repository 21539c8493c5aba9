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

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SallyDoorbell is the I/O port the guest writes a sallyport block slot
// index to when it needs host service. The write traps as KVM_EXIT_IO;
// the vCPU stays suspended until the host resumes it, which is what makes
// a sally a synchronous request/response exchange.
const SallyDoorbell = 0xB10C

// ExitHandler consumes vCPU exits that need host service.
type ExitHandler interface {
	// Sallyport services the request pending in the block at slot idx.
	// It returns true once the guest has asked to terminate.
	Sallyport(idx int) (done bool, err error)
}

// VCPU is a single KVM vCPU.
type VCPU struct {
	// id is the vCPU id.
	id int

	// fd is the vCPU fd.
	fd int

	// mu serializes Run; only one goroutine drives a vCPU at a time.
	mu sync.Mutex

	// runData is the mmap'd kvm_run structure, mapped on first Run.
	runData []byte

	// machine is the owning machine.
	machine *Machine
}

// NewVCPU creates a vCPU with the given id.
func (m *Machine) NewVCPU(id int) (*VCPU, error) {
	fd, errno := m.ioctl(m.fd, _KVM_CREATE_VCPU, uintptr(id))
	if errno != 0 {
		return nil, fmt.Errorf("creating vCPU %d: %v", id, errno)
	}
	c := &VCPU{
		id:      id,
		fd:      int(fd),
		machine: m,
	}
	m.vcpus = append(m.vcpus, c)
	return c, nil
}

// mapRunData maps the kernel's kvm_run structure for this vCPU.
func (c *VCPU) mapRunData() error {
	if c.runData != nil {
		return nil
	}
	size, errno := c.machine.ioctl(c.machine.kvmFd, _KVM_GET_VCPU_MMAP_SIZE, 0)
	if errno != 0 {
		return fmt.Errorf("getting run data size: %v", errno)
	}
	b, err := unix.Mmap(c.fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mapping run data for vCPU %d: %w", c.id, err)
	}
	c.runData = b
	return nil
}

// Run drives the vCPU until the guest terminates or an unrecoverable exit
// occurs. Each host exit is serviced synchronously: the guest does not
// execute again until the handler returns.
func (c *VCPU) Run(h ExitHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mapRunData(); err != nil {
		return err
	}
	for {
		if _, errno := c.machine.ioctl(c.fd, _KVM_RUN, 0); errno != 0 {
			if errno == unix.EINTR {
				continue
			}
			return fmt.Errorf("KVM_RUN vCPU %d: %v", c.id, errno)
		}
		reason := getUint32(c.runData[_KVM_RUN_EXIT_REASON:])
		switch reason {
		case _KVM_EXIT_IO:
			idx, err := c.decodeDoorbell()
			if err != nil {
				return err
			}
			done, err := h.Sallyport(idx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case _KVM_EXIT_HYPERCALL:
			// Guest page visibility flips (MAP_GPA_RANGE) need no
			// host-side bookkeeping here; resume.
		case _KVM_EXIT_HLT, _KVM_EXIT_SHUTDOWN, _KVM_EXIT_SYSTEM_EVENT:
			return nil
		default:
			return fmt.Errorf("vCPU %d: unexpected exit reason %d", c.id, reason)
		}
	}
}

// decodeDoorbell extracts the block slot index from a doorbell I/O exit.
func (c *VCPU) decodeDoorbell() (int, error) {
	port := getUint16(c.runData[_KVM_RUN_IO_PORT:])
	if port != SallyDoorbell {
		return 0, fmt.Errorf("vCPU %d: I/O exit on unexpected port %#x", c.id, port)
	}
	size := c.runData[_KVM_RUN_IO_SIZE]
	off := getUint64(c.runData[_KVM_RUN_IO_DATA_OFF:])
	if off+uint64(size) > uint64(len(c.runData)) {
		return 0, fmt.Errorf("vCPU %d: I/O data outside run structure", c.id)
	}
	var idx uint32
	switch size {
	case 1:
		idx = uint32(c.runData[off])
	case 2:
		idx = uint32(getUint16(c.runData[off:]))
	case 4:
		idx = getUint32(c.runData[off:])
	default:
		return 0, fmt.Errorf("vCPU %d: bad doorbell width %d", c.id, size)
	}
	return int(idx), nil
}

func (c *VCPU) destroy() {
	if c.runData != nil {
		unix.Munmap(c.runData)
		c.runData = nil
	}
	unix.Close(c.fd)
}

func getUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func getUint32(b []byte) uint32 {
	return uint32(getUint16(b)) | uint32(getUint16(b[2:]))<<16
}

func getUint64(b []byte) uint64 {
	return uint64(getUint32(b)) | uint64(getUint32(b[4:]))<<32
}
