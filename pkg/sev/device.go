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

// Package sev drives the SEV-SNP guest launch sequence: platform
// initialization, launch start, per-region launch updates, and launch
// finish, in strict order against one platform device handle.
package sev

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// devicePath is the SEV platform device node.
const devicePath = "/dev/sev"

// Device is an open handle to the SEV platform device. The firmware
// serializes launch sessions through it, so opening can fail transiently
// while another session is in flight; callers retry the open, not the
// launch operations issued through it.
type Device struct {
	fd int
}

// OpenDevice opens the platform device.
func OpenDevice() (*Device, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", devicePath, err)
	}
	return &Device{fd: fd}, nil
}

// DeviceFromFd wraps an already-open platform device fd. The Device takes
// ownership of the fd.
func DeviceFromFd(fd int) *Device {
	return &Device{fd: fd}
}

// Fd returns the raw device fd.
func (d *Device) Fd() int {
	return d.fd
}

// Close closes the device.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}
