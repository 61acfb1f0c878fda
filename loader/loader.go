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

// Package loader processes an IGVM file into a guest: it negotiates the isolation platform,
// populates guest memory from the file's directives, and hands launch policy to the confidential
// guest support backend.
package loader

import (
	"errors"

	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/igvm/abi"
	"github.com/qemu/qemu-sub037/memory"
	"go.uber.org/multierr"
)

var (
	// ErrNoPlatform is returned when no platform the file supports can run on this host.
	ErrNoPlatform = errors.New("IGVM file does not describe a compatible supported platform")
	// ErrMultipleIDBlocks is returned when a file has more than one SNP ID block.
	ErrMultipleIDBlocks = errors.New("multiple ID blocks encountered in IGVM file")
	// ErrUnknownHeader is returned for a header type the loader has no handler for.
	ErrUnknownHeader = errors.New("unknown header type encountered when processing file")
)

// File is a parsed IGVM file. *igvm.File implements it.
type File interface {
	HeaderCount(section abi.Section) (int, error)
	HeaderType(section abi.Section, index int) (abi.HeaderType, error)
	// Header returns the payload that follows the variable header prefix.
	Header(section abi.Section, index int) ([]byte, error)
	// HeaderData returns the file data a header refers to, or igvm.ErrNoData.
	HeaderData(section abi.Section, index int) ([]byte, error)
	Close() error
}

// VPContextSetter loads the initial register state of a virtual processor of an unisolated guest.
type VPContextSetter interface {
	SetVPContext(gpa uint64, data []byte, vpIndex uint16) error
}

// Options configures how a file is loaded.
type Options struct {
	// Memory is the guest physical address space that memory directives populate.
	Memory *memory.AddressSpace
	// VCPUs is the number of virtual processors reported to the guest. Zero means one.
	VCPUs int
	// NativeMemoryMap enumerates guest memory when the support backend does not.
	NativeMemoryMap cgs.MemoryMapper
	// NativeVPContext loads VP contexts when no support backend is attached.
	NativeVPContext VPContextSetter
	// OnlyVPContext stops after the VP contexts of the directive section are loaded.
	OnlyVPContext bool
}

// ProcessFile loads file into a guest. The support backend is optional. The file is closed before
// ProcessFile returns, on success and on failure.
func ProcessFile(file File, support cgs.Support, opts *Options) error {
	_, err := process(file, support, opts)
	return err
}

// process runs a file through every stage and returns the processor for inspection.
func process(file File, support cgs.Support, opts *Options) (p *processor, err error) {
	if opts == nil {
		opts = &Options{}
	}
	p = newProcessor(file, support, opts)
	defer func() {
		err = multierr.Append(err, p.cleanup())
	}()

	if err := p.negotiatePlatform(); err != nil {
		return p, err
	}
	if err := p.walkDirectives(); err != nil {
		return p, err
	}
	if opts.OnlyVPContext {
		return p, nil
	}
	if err := p.walk(abi.SectionInitialization); err != nil {
		return p, err
	}
	// The last run of pages is still pending.
	if err := p.observePage(nil); err != nil {
		return p, err
	}
	return p, p.handOffPolicy()
}
