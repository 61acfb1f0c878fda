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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/igvm"
	"github.com/qemu/qemu-sub037/igvm/abi"
	"github.com/qemu/qemu-sub037/memory"
	"github.com/qemu/qemu-sub037/native"
	"github.com/qemu/qemu-sub037/testing/fakecgs"
	"github.com/qemu/qemu-sub037/testing/igvmtest"
	"github.com/qemu/qemu-sub037/testing/match"
)

func newMemory(t *testing.T) *memory.AddressSpace {
	t.Helper()
	mem := memory.NewAddressSpace()
	t.Cleanup(func() {
		if err := mem.Close(); err != nil {
			t.Errorf("mem.Close() = %v, want nil", err)
		}
	})
	return mem
}

func snpSupport() *fakecgs.Support {
	return &fakecgs.Support{Platforms: []cgs.Platform{cgs.PlatformSEVSNP}}
}

// state is a SetGuestState call without its contents.
type state struct {
	GPA      uint64
	Size     int
	PageType cgs.PageType
	VPIndex  uint16
}

func states(s *fakecgs.Support) []state {
	var result []state
	for _, gs := range s.States {
		result = append(result, state{GPA: gs.GPA, Size: len(gs.Data), PageType: gs.PageType, VPIndex: gs.VPIndex})
	}
	return result
}

func regionNames(mem *memory.AddressSpace) []string {
	var names []string
	for _, r := range mem.Regions() {
		names = append(names, r.Name)
	}
	return names
}

func guestBytes(t *testing.T, mem *memory.AddressSpace, gpa, size uint64) []byte {
	t.Helper()
	s, ok := mem.Find(gpa, size)
	if !ok || s.GPA != gpa || s.Size < size {
		t.Fatalf("no guest memory at [0x%x, +0x%x)", gpa, size)
	}
	data, err := s.Region.HostSlice(s.Offset, size)
	if err != nil {
		t.Fatalf("HostSlice(0x%x, 0x%x) = %v, want nil", s.Offset, size, err)
	}
	return data
}

// boardMemory returns an address space with a device at 0x40000 and one page of RAM at 0x50000.
func boardMemory(t *testing.T) *memory.AddressSpace {
	t.Helper()
	mem := newMemory(t)
	if err := mem.AddMMIO("dev", 0x40000, 0x1000); err != nil {
		t.Fatal(err)
	}
	ram, err := mem.NewRAMRegion("ram", 0x1000, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.AddSubregion(0x50000, ram); err != nil {
		t.Fatal(err)
	}
	return mem
}

func TestVPCountNative(t *testing.T) {
	f := igvmtest.Parse(t, igvmtest.Platform(abi.PlatformTypeNative).
		AddParameterArea(&abi.ParameterArea{NumberOfBytes: 0x1000, ParameterAreaIndex: 0}, nil).
		AddParameter(abi.HeaderTypeVPCountParameter, &abi.Parameter{ParameterAreaIndex: 0}).
		AddParameterInsert(&abi.ParameterInsert{GPA: 0x8000, CompatibilityMask: 1, ParameterAreaIndex: 0}))
	mem := newMemory(t)

	if err := ProcessFile(f, nil, &Options{Memory: mem, VCPUs: 4}); err != nil {
		t.Fatalf("ProcessFile() = %v, want nil", err)
	}
	if diff := cmp.Diff([]byte{4, 0, 0, 0}, guestBytes(t, mem, 0x8000, 4)); diff != "" {
		t.Errorf("parameter area contents differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"igvm.2"}, regionNames(mem)); diff != "" {
		t.Errorf("regions differ (-want +got):\n%s", diff)
	}
	if f.Closes != 1 {
		t.Errorf("file closed %d times, want 1", f.Closes)
	}
}

func TestOnlyVPContext(t *testing.T) {
	b := func() *igvmtest.File {
		return igvmtest.Parse(t, igvmtest.Platform(abi.PlatformTypeSEVSNP, abi.PlatformTypeNative).
			AddGuestPolicy(&abi.GuestPolicy{Policy: 0x30000, CompatibilityMask: 3}).
			AddPageData(&abi.PageData{GPA: 0x1000, CompatibilityMask: 3}, igvmtest.Page(1)).
			AddRequiredMemory(&abi.RequiredMemory{GPA: 0x10000, CompatibilityMask: 3, NumberOfBytes: 0x1000}).
			AddVPContext(&abi.VPContext{GPA: 0x3000, CompatibilityMask: 3, VPIndex: 1}, igvmtest.Page(0xaa)))
	}

	t.Run("support", func(t *testing.T) {
		f := b()
		support := snpSupport()
		mem := newMemory(t)
		if err := ProcessFile(f, support, &Options{Memory: mem, OnlyVPContext: true}); err != nil {
			t.Fatalf("ProcessFile() = %v, want nil", err)
		}
		want := []state{{GPA: 0x3000, Size: abi.PageSize4K, PageType: cgs.PageTypeVMSA, VPIndex: 1}}
		if diff := cmp.Diff(want, states(support)); diff != "" {
			t.Errorf("guest state differs (-want +got):\n%s", diff)
		}
		if regions := mem.Regions(); len(regions) != 0 {
			t.Errorf("ProcessFile() created %d regions, want 0", len(regions))
		}
		if len(support.Policies) != 0 {
			t.Errorf("ProcessFile() handed off %d policies, want 0", len(support.Policies))
		}
		if f.Closes != 1 {
			t.Errorf("file closed %d times, want 1", f.Closes)
		}
	})

	t.Run("native", func(t *testing.T) {
		vps := &native.VPContexts{}
		mem := newMemory(t)
		if err := ProcessFile(b(), nil, &Options{Memory: mem, OnlyVPContext: true, NativeVPContext: vps}); err != nil {
			t.Fatalf("ProcessFile() = %v, want nil", err)
		}
		got, ok := vps.Get(1)
		if !ok {
			t.Fatal("VP 1 has no context")
		}
		if diff := cmp.Diff(native.VPContext{GPA: 0x3000, Data: igvmtest.Page(0xaa)}, got); diff != "" {
			t.Errorf("VP context differs (-want +got):\n%s", diff)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		err := ProcessFile(b(), nil, &Options{Memory: newMemory(t), OnlyVPContext: true})
		if !match.Error(err, "VP context is present in the IGVM file but is not supported") {
			t.Errorf("ProcessFile() = %v, want unsupported VP context error", err)
		}
	})
}

func TestCompatibilityGating(t *testing.T) {
	// SNP has mask 1 and native mask 2. Only directives with bit 0 set apply.
	f := igvmtest.Parse(t, igvmtest.Platform(abi.PlatformTypeSEVSNP, abi.PlatformTypeNative).
		AddGuestPolicy(&abi.GuestPolicy{Policy: 0x30000, CompatibilityMask: 1}).
		AddGuestPolicy(&abi.GuestPolicy{Policy: 0x70000, CompatibilityMask: 2}).
		AddPageData(&abi.PageData{GPA: 0x1000, CompatibilityMask: 2}, igvmtest.Page(1)).
		AddPageData(&abi.PageData{GPA: 0x2000, CompatibilityMask: 3}, igvmtest.Page(2)).
		AddRequiredMemory(&abi.RequiredMemory{GPA: 0x10000, CompatibilityMask: 2, NumberOfBytes: 0x1000}).
		AddParameterArea(&abi.ParameterArea{NumberOfBytes: 0x1000, ParameterAreaIndex: 0}, nil).
		AddParameterInsert(&abi.ParameterInsert{GPA: 0x20000, CompatibilityMask: 2, ParameterAreaIndex: 0}).
		AddSNPIDBlock(&abi.SNPIDBlock{CompatibilityMask: 2}).
		AddVPContext(&abi.VPContext{GPA: 0x3000, CompatibilityMask: 2}, igvmtest.Page(0xaa)))
	support := snpSupport()
	mem := newMemory(t)

	p, err := process(f, support, &Options{Memory: mem})
	if err != nil {
		t.Fatalf("ProcessFile() = %v, want nil", err)
	}
	if p.compatibilityMask != 1 || p.platformType != abi.PlatformTypeSEVSNP {
		t.Errorf("negotiated %v with mask 0x%x, want %v with mask 1", p.platformType, p.compatibilityMask,
			abi.PlatformTypeSEVSNP)
	}
	want := []state{{GPA: 0x2000, Size: abi.PageSize4K, PageType: cgs.PageTypeNormal}}
	if diff := cmp.Diff(want, states(support)); diff != "" {
		t.Errorf("guest state differs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"igvm.1"}, regionNames(mem)); diff != "" {
		t.Errorf("regions differ (-want +got):\n%s", diff)
	}
	wantPolicies := []fakecgs.GuestPolicy{{Kind: cgs.PolicySEV, Policy: 0x30000}}
	if diff := cmp.Diff(wantPolicies, support.Policies); diff != "" {
		t.Errorf("guest policies differ (-want +got):\n%s", diff)
	}
}

func TestProcessFileErrors(t *testing.T) {
	tcs := []struct {
		name    string
		builder *igvmtestBuilder
		support cgs.Support
		opts    *Options
		wantErr string
	}{
		{
			name:    "no directives",
			builder: newBuilder(abi.PlatformTypeNative),
			wantErr: "invalid directive header count in IGVM file: 0",
		},
		{
			name:    "no platform",
			builder: newBuilder(abi.PlatformTypeSEVSNP).page(0x1000, 1, nil),
			wantErr: "IGVM file does not describe a compatible supported platform",
		},
		{
			name: "unknown directive",
			builder: newBuilder(abi.PlatformTypeNative).raw(abi.HeaderTypeSRAT,
				make([]byte, abi.SizeofParameter)),
			wantErr: "unknown header type encountered when processing file: (type 0x308)",
		},
		{
			name:    "memory map without mapper",
			builder: newBuilder(abi.PlatformTypeNative).area(0, 0x1000).memoryMap(0),
			wantErr: "IGVM file contains a memory map but this is not supported by the current system",
		},
		{
			name:    "non-RAM region",
			builder: newBuilder(abi.PlatformTypeNative).page(0x40000, 1, igvmtest.Page(1)),
			wantErr: "due to existing non-RAM region \"dev\"",
		},
		{
			name:    "region size exceeded",
			builder: newBuilder(abi.PlatformTypeNative).page(0x50000, 1, nil).page(0x51000, 1, nil),
			wantErr: "could not prepare memory at address 0x50000: region size exceeded",
		},
		{
			name:    "guest state rejected",
			builder: newBuilder(abi.PlatformTypeSEVSNP).page(0x1000, 1, nil),
			support: &fakecgs.Support{
				Platforms:        []cgs.Platform{cgs.PlatformSEVSNP},
				SetGuestStateErr: errors.New("launch update failed"),
			},
			wantErr: "launch update failed",
		},
		{
			name:    "guest policy rejected",
			builder: newBuilder(abi.PlatformTypeSEVSNP).page(0x1000, 1, nil),
			support: &fakecgs.Support{
				Platforms:         []cgs.Platform{cgs.PlatformSEVSNP},
				SetGuestPolicyErr: errors.New("bad policy"),
			},
			wantErr: "could not set guest policy: bad policy",
		},
		{
			name:    "no address space",
			builder: newBuilder(abi.PlatformTypeNative).page(0x1000, 1, nil),
			opts:    &Options{},
			wantErr: "no guest address space",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := igvmtest.Parse(t, tc.builder.Builder)
			opts := tc.opts
			if opts == nil {
				opts = &Options{Memory: boardMemory(t)}
			}
			err := ProcessFile(f, tc.support, opts)
			if !match.Error(err, tc.wantErr) {
				t.Errorf("ProcessFile() = %v, want %q", err, tc.wantErr)
			}
			if f.Closes != 1 {
				t.Errorf("file closed %d times, want 1", f.Closes)
			}
		})
	}
}

func TestUnknownHeaderIs(t *testing.T) {
	f := igvmtest.Parse(t, newBuilder(abi.PlatformTypeNative).raw(abi.HeaderTypeMADT, nil).Builder)
	if err := ProcessFile(f, nil, &Options{Memory: newMemory(t)}); !errors.Is(err, ErrUnknownHeader) {
		t.Errorf("ProcessFile() = %v, want %v", err, ErrUnknownHeader)
	}
}

func TestCleanup(t *testing.T) {
	tcs := []struct {
		name     string
		builder  *igvmtestBuilder
		closeErr error
		wantErrs []string
	}{
		{
			name:    "success",
			builder: newBuilder(abi.PlatformTypeSEVSNP).area(0, 0x1000).area(1, 0x1000).insert(0, 0x8000).idBlock(1),
		},
		{
			name: "handler failure",
			builder: newBuilder(abi.PlatformTypeSEVSNP).area(0, 0x1000).area(1, 0x1000).idBlock(1).
				raw(abi.HeaderTypeMADT, nil),
			wantErrs: []string{"unknown header type"},
		},
		{
			name:     "close failure",
			builder:  newBuilder(abi.PlatformTypeSEVSNP).area(0, 0x1000),
			closeErr: errors.New("close failed"),
			wantErrs: []string{"could not close IGVM file: close failed"},
		},
		{
			name:     "handler and close failure",
			builder:  newBuilder(abi.PlatformTypeSEVSNP).area(0, 0x1000).idBlock(1).idBlock(1),
			closeErr: errors.New("close failed"),
			wantErrs: []string{"multiple ID blocks", "close failed"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := igvmtest.Parse(t, tc.builder.Builder)
			f.CloseErr = tc.closeErr
			p, err := process(f, snpSupport(), &Options{Memory: newMemory(t)})
			if !match.AllErrors(err, tc.wantErrs...) {
				t.Errorf("ProcessFile() = %v, want %q", err, tc.wantErrs)
			}
			if f.Closes != 1 {
				t.Errorf("file closed %d times, want 1", f.Closes)
			}
			if p.params.allocated != p.params.released {
				t.Errorf("%d parameter areas allocated, %d released", p.params.allocated, p.params.released)
			}
			for _, a := range p.params.areas {
				if a.data != nil {
					t.Errorf("parameter area %d still holds data", a.index)
				}
			}
			if p.idBlock != nil || p.idAuth != nil {
				t.Error("ID block not released")
			}
			if err := p.cleanup(); err != nil || f.Closes != 1 {
				t.Errorf("second cleanup() = %v and %d closes, want nil and 1", err, f.Closes)
			}
		})
	}
}

// igvmtestBuilder adds shorthand for the directives tests use most.
type igvmtestBuilder struct {
	*igvm.Builder
}

func newBuilder(types ...abi.PlatformType) *igvmtestBuilder {
	return &igvmtestBuilder{Builder: igvmtest.Platform(types...)}
}

func (b *igvmtestBuilder) page(gpa uint64, mask uint32, data []byte) *igvmtestBuilder {
	b.AddPageData(&abi.PageData{GPA: gpa, CompatibilityMask: mask}, data)
	return b
}

func (b *igvmtestBuilder) area(index uint32, size uint64) *igvmtestBuilder {
	b.AddParameterArea(&abi.ParameterArea{NumberOfBytes: size, ParameterAreaIndex: index}, nil)
	return b
}

func (b *igvmtestBuilder) insert(index uint32, gpa uint64) *igvmtestBuilder {
	b.AddParameterInsert(&abi.ParameterInsert{GPA: gpa, CompatibilityMask: 1, ParameterAreaIndex: index})
	return b
}

func (b *igvmtestBuilder) memoryMap(index uint32) *igvmtestBuilder {
	b.AddParameter(abi.HeaderTypeMemoryMap, &abi.Parameter{ParameterAreaIndex: index})
	return b
}

func (b *igvmtestBuilder) idBlock(mask uint32) *igvmtestBuilder {
	b.AddSNPIDBlock(&abi.SNPIDBlock{CompatibilityMask: mask})
	return b
}

func (b *igvmtestBuilder) raw(typ abi.HeaderType, payload []byte) *igvmtestBuilder {
	b.AddRaw(typ, payload)
	return b
}
