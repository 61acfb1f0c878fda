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


package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/go-sev-guest/kds"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/pkg/errors"
	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/loader"
	"github.com/qemu/qemu-sub037/memory"
	"github.com/qemu/qemu-sub037/native"
	"github.com/qemu/qemu-sub037/sev"
)

const (
	// PlatformNative loads the guest without a confidential guest support backend.
	PlatformNative = "native"
	// PlatformSEVSNP loads the guest into a software SEV-SNP launch.
	PlatformSEVSNP = "sev-snp"

	defaultMemorySize = 0x20000000
)

// Machine describes the guest an IGVM file is loaded into.
type Machine struct {
	// VCPUs is the number of virtual processors.
	VCPUs int `toml:"vcpus"`
	// MemorySize is the guest RAM size in bytes.
	MemorySize uint64 `toml:"memory_size"`
	// Platform is PlatformNative or PlatformSEVSNP.
	Platform string `toml:"platform"`
	// Product is the AMD product line, e.g. "Milan", used for SEV-SNP measurement.
	Product string `toml:"product"`
	// VmsaAtDirectiveGPA measures VMSAs at the GPA of their VP context instead of the product's
	// VMSA address.
	VmsaAtDirectiveGPA bool `toml:"vmsa_at_directive_gpa"`
	// GuestMemfd backs private guest memory with guest_memfd.
	GuestMemfd bool `toml:"guest_memfd"`
}

// DefaultMachine returns a single VCPU native machine with 512 MiB of RAM.
func DefaultMachine() *Machine {
	return &Machine{
		VCPUs:      1,
		MemorySize: defaultMemorySize,
		Platform:   PlatformNative,
		Product:    kds.ProductLine(&sgpb.SevProduct{Name: sgpb.SevProduct_SEV_PRODUCT_MILAN}),
	}
}

// LoadMachine reads a TOML machine description. Keys the file leaves out keep their default.
func LoadMachine(path string) (*Machine, error) {
	m := DefaultMachine()
	meta, err := toml.DecodeFile(path, m)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse machine configuration %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown machine configuration keys: %s", path, strings.Join(keys, ", "))
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid machine configuration %q", path)
	}
	return m, nil
}

// Validate returns an error if the machine cannot be built.
func (m *Machine) Validate() error {
	if m.VCPUs < 1 || m.VCPUs > 0xffff {
		return fmt.Errorf("vcpus must be between 1 and 65535, got %d", m.VCPUs)
	}
	if m.MemorySize <= native.MBBIOSEnd {
		return fmt.Errorf("memory_size 0x%x must be larger than 1 MiB", m.MemorySize)
	}
	if m.MemorySize%0x1000 != 0 {
		return fmt.Errorf("memory_size 0x%x is not page aligned", m.MemorySize)
	}
	switch m.Platform {
	case PlatformNative, PlatformSEVSNP:
	default:
		return fmt.Errorf("unknown platform %q, want %q or %q", m.Platform, PlatformNative, PlatformSEVSNP)
	}
	if _, err := m.product(); err != nil {
		return err
	}
	return nil
}

func (m *Machine) product() (sgpb.SevProduct_SevProductName, error) {
	product, err := kds.ParseProductLine(m.Product)
	if err != nil {
		return sgpb.SevProduct_SEV_PRODUCT_UNKNOWN, fmt.Errorf("unknown product %q: %v", m.Product, err)
	}
	return product.Name, nil
}

// LaunchOptions returns the SEV-SNP launch options for the machine.
func (m *Machine) LaunchOptions() (*sev.LaunchOptions, error) {
	product, err := m.product()
	if err != nil {
		return nil, err
	}
	return &sev.LaunchOptions{
		Product:            product,
		VmsaAtDirectiveGPA: m.VmsaAtDirectiveGPA,
		GuestMemfd:         m.GuestMemfd,
	}, nil
}

// Guest is the state a file is loaded into.
type Guest struct {
	// Memory is the guest physical address space.
	Memory *memory.AddressSpace
	// Launch is the SEV-SNP launch, or nil for a native guest.
	Launch *sev.Launch
	// VPContexts records the VP contexts of a native guest.
	VPContexts *native.VPContexts
	// MemoryMap is the e820 map reported to the guest.
	MemoryMap *native.MemoryMap
}

// Support returns the guest's confidential guest support backend, or nil for a native guest.
func (g *Guest) Support() cgs.Support {
	if g.Launch == nil {
		return nil
	}
	return g.Launch
}

// Close releases guest memory.
func (g *Guest) Close() error {
	return g.Memory.Close()
}

// NewGuest builds an empty guest for the machine.
func (m *Machine) NewGuest() (*Guest, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	memMap, err := native.NewMemoryMap(m.MemorySize)
	if err != nil {
		return nil, err
	}
	g := &Guest{
		Memory:     memory.NewAddressSpace(),
		VPContexts: &native.VPContexts{},
		MemoryMap:  memMap,
	}
	if m.Platform == PlatformSEVSNP {
		opts, err := m.LaunchOptions()
		if err != nil {
			return nil, err
		}
		g.Launch = sev.NewLaunch(opts)
	}
	return g, nil
}

// LoaderOptions returns the options that load a file into g.
func (m *Machine) LoaderOptions(g *Guest, onlyVPContext bool) *loader.Options {
	return &loader.Options{
		Memory:          g.Memory,
		VCPUs:           m.VCPUs,
		NativeMemoryMap: g.MemoryMap,
		NativeVPContext: g.VPContexts,
		OnlyVPContext:   onlyVPContext,
	}
}
