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

package sallyport

import (
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Execute services the request pending in b using host-local resources
// and writes the response in place, never growing past the block's fixed
// capacity. Operations the host does not implement are answered with
// ENOSYS rather than crashing; malformed requests are answered with
// EINVAL. Execute returns true once the guest has requested termination.
//
// The file descriptors in requests are host file descriptors the guest
// holds opaquely; the guest cannot name anything the host did not give
// it.
func Execute(b Block) (exited bool) {
	if !b.Valid() || b.State() != StateRequest {
		respondErrno(b, unix.EINVAL)
		return false
	}

	op := b.Op()
	switch op {
	case OpClose:
		respond(b, 0, unix.Close(int(b.Arg(0))))

	case OpRead:
		fd, off, count := int(b.Arg(0)), b.Arg(1), b.Arg(2)
		if err := b.checkDataRange(off, count); err != nil {
			respondErrno(b, unix.EINVAL)
			return false
		}
		n, err := unix.Read(fd, b.Data()[off:off+count])
		if err != nil {
			respond(b, 0, err)
			return false
		}
		b.SetArg(2, off)
		b.SetArg(3, uint64(n))
		respond(b, uint64(n), nil)

	case OpWrite:
		fd, off, count := int(b.Arg(0)), b.Arg(1), b.Arg(2)
		if err := b.checkDataRange(off, count); err != nil {
			respondErrno(b, unix.EINVAL)
			return false
		}
		n, err := unix.Write(fd, b.Data()[off:off+count])
		if err != nil {
			respond(b, 0, err)
			return false
		}
		respond(b, uint64(n), nil)

	case OpExitGroup:
		status := b.Arg(0)
		logrus.WithField("status", status).Debug("guest requested exit")
		respond(b, 0, nil)
		return true

	default:
		logrus.WithField("op", op).Debug("unsupported sallyport operation")
		respondErrno(b, unix.ENOSYS)
	}
	return false
}

// respond writes a response for the in-place request: ret in arg 0 and
// the errno, if any, in arg 1.
func respond(b Block, ret uint64, err error) {
	b.SetArg(0, ret)
	b.SetArg(1, uint64(errnoOf(err)))
	b.SetState(StateResponse)
}

// respondErrno rejects the exchange without touching the arguments
// beyond the error slot.
func respondErrno(b Block, errno unix.Errno) {
	if !b.Valid() {
		return
	}
	b.SetArg(0, 0)
	b.SetArg(1, uint64(errno))
	b.SetState(StateResponse)
}

func errnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
