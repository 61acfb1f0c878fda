// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loader

import (
	"fmt"

	"github.com/google/logger"
	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/igvm/abi"
	"github.com/qemu/qemu-sub037/memory"
	"github.com/qemu/qemu-sub037/sev"
)

// processor is the state of one ProcessFile call.
type processor struct {
	file    File
	support cgs.Support
	mem     *memory.AddressSpace
	vcpus   int

	onlyVPContext bool

	// Strategies chosen once from the support backend and the native fallbacks.
	memoryMapper cgs.MemoryMapper
	setVPContext func(gpa uint64, data []byte, vpIndex uint16) error

	compatibilityMask uint32
	platformType      abi.PlatformType
	headerIndex       int
	params            paramStore

	// seenIDBlock is set by any ID block directive, compatible or not.
	seenIDBlock bool
	idBlock     *sev.IDBlock
	idAuth      *sev.IDAuthentication
	policy      uint64

	// Pending run of contiguous pages. regionPageCount is zero iff there is no run.
	regionStart      uint64
	regionStartIndex int
	regionLastIndex  int
	regionPageCount  uint64
	prevPage         abi.PageData
	prevHasData      bool

	closed bool
}

func newProcessor(file File, support cgs.Support, opts *Options) *processor {
	p := &processor{
		file:          file,
		support:       support,
		mem:           opts.Memory,
		vcpus:         opts.VCPUs,
		memoryMapper:  opts.NativeMemoryMap,
		onlyVPContext: opts.OnlyVPContext,
	}
	if p.vcpus == 0 {
		p.vcpus = 1
	}
	if mapper, ok := support.(cgs.MemoryMapper); ok {
		p.memoryMapper = mapper
	}
	switch {
	case support != nil:
		p.setVPContext = func(gpa uint64, data []byte, vpIndex uint16) error {
			return support.SetGuestState(gpa, data, cgs.PageTypeVMSA, vpIndex)
		}
	case opts.NativeVPContext != nil:
		p.setVPContext = opts.NativeVPContext.SetVPContext
	}
	return p
}

// prepareMemory returns the host memory backing [gpa, gpa+size). It creates a RAM region named
// after regionID when nothing is mapped there yet.
func (p *processor) prepareMemory(gpa, size uint64, regionID int) ([]byte, error) {
	if p.mem == nil {
		return nil, fmt.Errorf("could not prepare memory at address 0x%X: no guest address space", gpa)
	}
	if s, ok := p.mem.Find(gpa, size); ok {
		if !s.Region.IsRAM() {
			return nil, fmt.Errorf("could not prepare memory at address 0x%X due to existing non-RAM region %q",
				gpa, s.Region.Name)
		}
		if s.GPA != gpa || s.Size < size {
			return nil, fmt.Errorf("could not prepare memory at address 0x%X: region size exceeded", gpa)
		}
		return s.Region.HostSlice(s.Offset, size)
	}
	guestMemfd := p.support != nil && p.support.RequireGuestMemfd()
	r, err := p.mem.NewRAMRegion(fmt.Sprintf("igvm.%X", regionID), size, guestMemfd)
	if err != nil {
		return nil, fmt.Errorf("could not prepare memory at address 0x%X: %v", gpa, err)
	}
	if err := p.mem.AddSubregion(gpa, r); err != nil {
		r.Release()
		return nil, fmt.Errorf("could not prepare memory at address 0x%X: %v", gpa, err)
	}
	logger.V(1).Infof("created region %q at 0x%x size 0x%x", r.Name, gpa, size)
	return r.HostSlice(0, size)
}

// cleanup releases every parameter area, the ID block, and the file. Only the first call has an
// effect.
func (p *processor) cleanup() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.params.releaseAll()
	p.idBlock = nil
	p.idAuth = nil
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("could not close IGVM file: %v", err)
	}
	return nil
}
