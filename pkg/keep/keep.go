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

package keep

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"sallyvm.dev/sallyvm/pkg/sallyport"
	"sallyvm.dev/sallyvm/pkg/sev"
	"sallyvm.dev/sallyvm/pkg/vm"
)

// Keep is a finished, runnable guest. The region backings live as long as
// the keep does.
type Keep struct {
	machine *vm.Machine
	dev     *sev.Device
	kvmFd   int
	vcpus   []*vm.VCPU
}

// Sallyports returns the committed block table, indexed by the slot ids
// the guest rings the doorbell with.
func (k *Keep) Sallyports() []vm.SallyBlock {
	return k.machine.Sallyports()
}

// Run drives the guest's vCPUs until the guest exits or faults, one
// goroutine per vCPU. Cancelling ctx stops each vCPU at its next exit to
// the host; a vCPU burning inside the guest is not interrupted.
func (k *Keep) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range k.vcpus {
		c := c
		exec := &executor{keep: k, ctx: ctx}
		g.Go(func() error {
			return c.Run(exec)
		})
	}
	return g.Wait()
}

// Destroy releases the guest: vCPUs, region backings, VM and device fds.
// The keep must not be used afterwards.
func (k *Keep) Destroy() {
	k.machine.Destroy()
	k.dev.Close()
	unix.Close(k.kvmFd)
}

// executor services doorbell exits for one vCPU.
type executor struct {
	keep *Keep
	ctx  context.Context
}

// Sallyport implements vm.ExitHandler.Sallyport.
func (e *executor) Sallyport(idx int) (bool, error) {
	if err := e.ctx.Err(); err != nil {
		return true, err
	}
	table := e.keep.machine.Sallyports()
	if idx < 0 || idx >= len(table) {
		return true, fmt.Errorf("doorbell for sallyport block %d, table has %d", idx, len(table))
	}
	exited := sallyport.Execute(sallyport.Block(table[idx].Data))
	if exited {
		logrus.WithField("block", idx).Debug("guest exited")
	}
	return exited, nil
}
