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

// Package keep builds and drives confidential guests. A Builder walks one
// guest through the measured launch sequence; the Keep it produces is the
// running VM handle.
package keep

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	abi "sallyvm.dev/sallyvm/pkg/abi/sev"
	"sallyvm.dev/sallyvm/pkg/retry"
	"sallyvm.dev/sallyvm/pkg/sev"
	"sallyvm.dev/sallyvm/pkg/vm"
)

// Device-open hooks, swappable in tests.
var (
	openKVM = func() (int, error) {
		return unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	}
	openSEV = sev.OpenDevice
)

// allocPages obtains the backing for a guest region. A hook so tests can
// avoid mmap.
var allocPages = func(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// Segment is one guest-physical mapping to build into the measured image.
type Segment struct {
	// GPA is the guest physical start address, page-aligned.
	GPA uint64

	// Size is the byte length, a multiple of the page size. Zero is a
	// no-op.
	Size uint64

	// PageType is the measured page classification.
	PageType abi.PageType

	// Sallyport marks the segment as carrying sallyport blocks.
	Sallyport bool

	// Data is the initial contents, copied into the backing pages. May
	// be shorter than Size; the remainder stays zero.
	Data []byte
}

// Builder owns the launch sequence for one guest. It is single-goroutine;
// the hardware rejects interleaved launch sessions anyway.
type Builder struct {
	cfg      Config
	kvmFd    int
	machine  *vm.Machine
	dev      *sev.Device
	launcher *sev.Launcher
}

// NewBuilder creates the SNP VM, initializes the SEV platform, and starts
// the launch session with the configured policy. Device opens and VM
// creation race with other launch sessions on the same host, so that
// bundle is retried; a rejected launch start is fatal for the attempt.
func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var b *Builder
	err := retry.Do(func() error {
		kvmFd, err := openKVM()
		if err != nil {
			return fmt.Errorf("opening /dev/kvm: %w", err)
		}
		m, err := vm.NewMachine(kvmFd, vm.Config{BlockSize: cfg.BlockSize, Ioctl: cfg.Ioctl})
		if err != nil {
			unix.Close(kvmFd)
			return err
		}
		dev, err := openSEV()
		if err != nil {
			m.Destroy()
			unix.Close(kvmFd)
			return err
		}
		l, err := sev.NewLauncher(m, kvmFd, dev, cfg.Ioctl)
		if err != nil {
			dev.Close()
			m.Destroy()
			unix.Close(kvmFd)
			return err
		}
		b = &Builder{cfg: cfg, kvmFd: kvmFd, machine: m, dev: dev, launcher: l}
		return nil
	}, retry.Options{})
	if err != nil {
		return nil, err
	}

	if err := b.launcher.Start(sev.Policy{Bits: cfg.Policy}); err != nil {
		b.close()
		return nil, err
	}
	logrus.WithField("policy", fmt.Sprintf("%#x", cfg.Policy)).Debug("launch session started")
	return b, nil
}

// Map allocates backing for seg, maps it into the guest, and folds it
// into the launch measurement. Empty segments are no-ops.
func (b *Builder) Map(seg Segment) (*vm.Region, error) {
	if seg.Size == 0 {
		return nil, nil
	}
	if uint64(len(seg.Data)) > seg.Size {
		return nil, fmt.Errorf("segment at %#x: %d data bytes exceed size %#x", seg.GPA, len(seg.Data), seg.Size)
	}
	pages, err := allocPages(seg.Size)
	if err != nil {
		return nil, fmt.Errorf("allocating %#x bytes for segment at %#x: %w", seg.Size, seg.GPA, err)
	}
	copy(pages, seg.Data)

	var flags vm.RegionFlags
	if seg.Sallyport {
		flags |= vm.RegionSallyport
	}
	r, err := b.machine.MapRegion(seg.GPA, pages, flags)
	if err != nil {
		unix.Munmap(pages)
		return nil, err
	}
	if err := b.launcher.UpdateData(r, seg.PageType); err != nil {
		return nil, err
	}
	return r, nil
}

// Finish seals the launch measurement and returns the running guest
// handle. A guest with no sallyport blocks registered has no way to talk
// to the host, so Finish treats an empty table as a build error.
func (b *Builder) Finish() (*Keep, error) {
	if len(b.machine.Sallyports()) == 0 {
		return nil, sev.ErrNoSallyport
	}
	sig, err := b.loadSignature()
	if err != nil {
		return nil, err
	}

	vcpu, err := b.machine.NewVCPU(0)
	if err != nil {
		return nil, err
	}

	var hostData [abi.HostDataSize]byte
	copy(hostData[:], b.cfg.HostData)
	if err := b.launcher.Finish(sig, hostData); err != nil {
		return nil, err
	}
	return &Keep{
		machine: b.machine,
		dev:     b.dev,
		kvmFd:   b.kvmFd,
		vcpus:   []*vm.VCPU{vcpu},
	}, nil
}

// loadSignature reads the configured id-block and id-auth blobs. The
// blobs are fixed-size hardware structures; a short or long file is a
// packaging error, not something to pad or truncate.
func (b *Builder) loadSignature() (*sev.IDSignature, error) {
	if b.cfg.IDBlockPath == "" {
		return nil, nil
	}
	blockBytes, err := os.ReadFile(b.cfg.IDBlockPath)
	if err != nil {
		return nil, fmt.Errorf("reading id block: %w", err)
	}
	block, err := abi.NewIDBlock(blockBytes)
	if err != nil {
		return nil, err
	}
	authBytes, err := os.ReadFile(b.cfg.IDAuthPath)
	if err != nil {
		return nil, fmt.Errorf("reading id auth: %w", err)
	}
	auth, err := abi.NewIDAuth(authBytes)
	if err != nil {
		return nil, err
	}
	return &sev.IDSignature{Block: block, Auth: auth}, nil
}

// close tears down a partially built keep.
func (b *Builder) close() {
	b.dev.Close()
	b.machine.Destroy()
	unix.Close(b.kvmFd)
}
