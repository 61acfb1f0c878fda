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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/igvm/abi"
	"github.com/qemu/qemu-sub037/native"
	"github.com/qemu/qemu-sub037/testing/fakecgs"
	"github.com/qemu/qemu-sub037/testing/igvmtest"
	"github.com/qemu/qemu-sub037/testing/match"
)

func decodeMemoryMap(t *testing.T, data []byte) []abi.MemoryMapEntry {
	t.Helper()
	var entries []abi.MemoryMapEntry
	for off := 0; off+abi.SizeofMemoryMapEntry <= len(data); off += abi.SizeofMemoryMapEntry {
		e, err := abi.MemoryMapEntryFromBytes(data[off:])
		if err != nil {
			t.Fatal(err)
		}
		if *e == (abi.MemoryMapEntry{}) {
			break
		}
		entries = append(entries, *e)
	}
	return entries
}

func TestMemoryMap(t *testing.T) {
	unsorted := []cgs.MemMapEntry{
		{GPA: 0x100000, Size: 0x7f00000, Type: cgs.MemTypeRAM},
		{GPA: 0xa0000, Size: 0x60000, Type: cgs.MemTypeReserved},
		{GPA: 0x1000, Size: 0x9f000, Type: cgs.MemTypeRAM},
		{GPA: 0x8000000, Size: 0x1000, Type: cgs.MemTypeNVS},
		{GPA: 0x9000000, Size: 0x2000, Type: cgs.MemTypeACPI},
		{GPA: 0xa000000, Size: 0x1000, Type: cgs.MemTypeUnusable},
	}
	sorted := []abi.MemoryMapEntry{
		{StartingGPAPageNumber: 0x1, NumberOfPages: 0x9f, EntryType: abi.MemoryMapEntryMemory},
		{StartingGPAPageNumber: 0xa0, NumberOfPages: 0x60, EntryType: abi.MemoryMapEntryPlatformReserved},
		{StartingGPAPageNumber: 0x100, NumberOfPages: 0x7f00, EntryType: abi.MemoryMapEntryMemory},
		{StartingGPAPageNumber: 0x8000, NumberOfPages: 1, EntryType: abi.MemoryMapEntryPersistent},
		{StartingGPAPageNumber: 0x9000, NumberOfPages: 2, EntryType: abi.MemoryMapEntryPlatformReserved},
		{StartingGPAPageNumber: 0xa000, NumberOfPages: 1, EntryType: abi.MemoryMapEntryPlatformReserved},
	}
	nativeMap, err := native.NewMemoryMap(0x100000000 + 0x40000000)
	if err != nil {
		t.Fatal(err)
	}
	// One 4 KiB area holds 170 entries.
	var full []cgs.MemMapEntry
	var fullWant []abi.MemoryMapEntry
	for i := uint64(1); i <= 0x1000/abi.SizeofMemoryMapEntry; i++ {
		full = append(full, cgs.MemMapEntry{GPA: i * 0x1000, Size: 0x1000, Type: cgs.MemTypeRAM})
		fullWant = append(fullWant, abi.MemoryMapEntry{
			StartingGPAPageNumber: i,
			NumberOfPages:         1,
			EntryType:             abi.MemoryMapEntryMemory,
		})
	}
	overflow := append(full[:len(full):len(full)], cgs.MemMapEntry{GPA: 0x200000, Size: 0x1000, Type: cgs.MemTypeRAM})
	tcs := []struct {
		name     string
		areaSize uint64
		support  cgs.Support
		native   cgs.MemoryMapper
		want     []abi.MemoryMapEntry
		wantErr  string
	}{
		{
			name:     "native mapper sorted",
			areaSize: 0x1000,
			native:   &fakecgs.MemoryMapper{Entries: unsorted},
			want:     sorted,
		},
		{
			name:     "support mapper overrides native",
			areaSize: 0x1000,
			support: &fakecgs.SupportWithMemoryMap{
				MemoryMapper: fakecgs.MemoryMapper{Entries: unsorted[2:3]},
			},
			native: &fakecgs.MemoryMapper{Entries: unsorted},
			want:   sorted[0:1],
		},
		{
			name:     "machine memory map",
			areaSize: 0x1000,
			native:   nativeMap,
			want: []abi.MemoryMapEntry{
				{StartingGPAPageNumber: 0, NumberOfPages: 0x9f, EntryType: abi.MemoryMapEntryMemory},
				{StartingGPAPageNumber: 0x9f, NumberOfPages: 1, EntryType: abi.MemoryMapEntryPlatformReserved},
				{StartingGPAPageNumber: 0xf0, NumberOfPages: 0x10, EntryType: abi.MemoryMapEntryPlatformReserved},
				{StartingGPAPageNumber: 0x100, NumberOfPages: 0xbff00, EntryType: abi.MemoryMapEntryMemory},
				{StartingGPAPageNumber: 0x100000, NumberOfPages: 0x80000, EntryType: abi.MemoryMapEntryMemory},
			},
		},
		{
			name:     "exact fit",
			areaSize: 0x1000,
			native:   &fakecgs.MemoryMapper{Entries: full},
			want:     fullWant,
		},
		{
			name:     "overflow",
			areaSize: 0x1000,
			native:   &fakecgs.MemoryMapper{Entries: overflow},
			wantErr:  "guest memory map size exceeds parameter area defined in IGVM file",
		},
		{
			name:     "mapper failure",
			areaSize: 0x1000,
			native:   &fakecgs.MemoryMapper{Entries: unsorted, Fail: true, FailAt: 2},
			wantErr:  "could not read guest memory map entry 2: fake memory map failure",
		},
		{
			name:     "mapper failure on first entry",
			areaSize: 0x1000,
			native:   &fakecgs.MemoryMapper{Entries: unsorted, Fail: true},
			wantErr:  "could not read guest memory map entry 0: fake memory map failure",
		},
		{
			name:     "unknown type",
			areaSize: 0x1000,
			native:   &fakecgs.MemoryMapper{Entries: []cgs.MemMapEntry{{Type: 42}}},
			wantErr:  "unknown guest memory map entry type MemType(42)",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			b := newBuilder(abi.PlatformTypeNative).area(0, tc.areaSize).memoryMap(0).insert(0, 0x10000)
			mem := newMemory(t)
			err := ProcessFile(igvmtest.Parse(t, b.Builder), tc.support, &Options{Memory: mem, NativeMemoryMap: tc.native})
			if !match.Error(err, tc.wantErr) {
				t.Fatalf("ProcessFile() = %v, want %q", err, tc.wantErr)
			}
			if tc.wantErr != "" {
				return
			}
			got := decodeMemoryMap(t, guestBytes(t, mem, 0x10000, tc.areaSize))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("memory map differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParameterFields(t *testing.T) {
	tcs := []struct {
		name    string
		size    uint64
		typ     abi.HeaderType
		offset  uint32
		want    []byte
		wantErr string
	}{
		{
			name:   "vp count",
			size:   0x1000,
			typ:    abi.HeaderTypeVPCountParameter,
			offset: 4,
			want:   []byte{3, 0, 0, 0},
		},
		{
			name:   "environment info",
			size:   0x1000,
			typ:    abi.HeaderTypeEnvironmentInfoParameter,
			offset: 0,
			want:   []byte{1, 0, 0, 0},
		},
		{
			name:    "vp count past end",
			size:    0x1000,
			typ:     abi.HeaderTypeVPCountParameter,
			offset:  0xffe,
			wantErr: "parameter field at offset 4094 exceeds parameter area size 4096",
		},
		{
			name:   "vp count at end",
			size:   0x1000,
			typ:    abi.HeaderTypeVPCountParameter,
			offset: 0xffc,
			want:   []byte{3, 0, 0, 0},
		},
		{
			name:    "environment info past end",
			size:    0x1000,
			typ:     abi.HeaderTypeEnvironmentInfoParameter,
			offset:  0xffffffff,
			wantErr: "parameter field at offset 4294967295 exceeds parameter area size 4096",
		},
		{
			name:    "unaligned area",
			size:    6,
			typ:     abi.HeaderTypeVPCountParameter,
			wantErr: "parameter area 0 size 0x6 is not 4 KiB aligned",
		},
		{
			name:    "huge unaligned area",
			size:    0xffffffff,
			typ:     abi.HeaderTypeVPCountParameter,
			wantErr: "parameter area 0 size 0xffffffff is not 4 KiB aligned",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			b := newBuilder(abi.PlatformTypeNative).area(0, tc.size)
			b.AddParameter(tc.typ, &abi.Parameter{ParameterAreaIndex: 0, ByteOffset: tc.offset})
			b.insert(0, 0x10000)
			mem := newMemory(t)
			err := ProcessFile(igvmtest.Parse(t, b.Builder), nil, &Options{Memory: mem, VCPUs: 3})
			if !match.Error(err, tc.wantErr) {
				t.Fatalf("ProcessFile() = %v, want %q", err, tc.wantErr)
			}
			if tc.wantErr != "" {
				return
			}
			if diff := cmp.Diff(tc.want, guestBytes(t, mem, 0x10000+uint64(tc.offset), uint64(len(tc.want)))); diff != "" {
				t.Errorf("parameter field at offset 0x%x differs (-want +got):\n%s", tc.offset, diff)
			}
		})
	}
}

func TestParameterInsert(t *testing.T) {
	t.Run("missing area", func(t *testing.T) {
		mem := newMemory(t)
		b := newBuilder(abi.PlatformTypeNative).area(0, 0x1000).insert(1, 0x10000)
		b.AddParameter(abi.HeaderTypeVPCountParameter, &abi.Parameter{ParameterAreaIndex: 1})
		if err := ProcessFile(igvmtest.Parse(t, b.Builder), nil, &Options{Memory: mem}); err != nil {
			t.Fatalf("ProcessFile() = %v, want nil", err)
		}
		if regions := mem.Regions(); len(regions) != 0 {
			t.Errorf("ProcessFile() created %d regions, want 0", len(regions))
		}
	})

	t.Run("inserted twice", func(t *testing.T) {
		b := newBuilder(abi.PlatformTypeNative).area(0, 0x1000).insert(0, 0x10000).insert(0, 0x20000)
		err := ProcessFile(igvmtest.Parse(t, b.Builder), nil, &Options{Memory: newMemory(t)})
		if !match.Error(err, "parameter area 0 was already inserted") {
			t.Errorf("ProcessFile() = %v, want already inserted error", err)
		}
	})

	t.Run("written after insert", func(t *testing.T) {
		b := newBuilder(abi.PlatformTypeNative).area(0, 0x1000).insert(0, 0x10000)
		b.AddParameter(abi.HeaderTypeVPCountParameter, &abi.Parameter{ParameterAreaIndex: 0})
		err := ProcessFile(igvmtest.Parse(t, b.Builder), nil, &Options{Memory: newMemory(t)})
		if !match.Error(err, "parameter area 0 was already inserted") {
			t.Errorf("ProcessFile() = %v, want already inserted error", err)
		}
	})

	t.Run("unmeasured", func(t *testing.T) {
		support := snpSupport()
		b := newBuilder(abi.PlatformTypeSEVSNP).area(0, 0x1000).insert(0, 0x10000)
		if err := ProcessFile(igvmtest.Parse(t, b.Builder), support, &Options{Memory: newMemory(t)}); err != nil {
			t.Fatalf("ProcessFile() = %v, want nil", err)
		}
		want := []state{{GPA: 0x10000, Size: 0x1000, PageType: cgs.PageTypeUnmeasured}}
		if diff := cmp.Diff(want, states(support)); diff != "" {
			t.Errorf("guest state differs (-want +got):\n%s", diff)
		}
	})
}

func TestParamStoreDuplicateIndices(t *testing.T) {
	var s paramStore
	s.create(7, 4)
	s.create(7, 8)
	field, err := s.field(7, 0, 4)
	if err != nil {
		t.Fatalf("field(7, 0, 4) = %v, want nil", err)
	}
	field[0] = 1
	if s.areas[0].data[0] != 1 || s.areas[1].data[0] != 0 {
		t.Error("field() did not select the first area with the index")
	}
	if got := len(s.matching(7)); got != 2 {
		t.Errorf("matching(7) returned %d areas, want 2", got)
	}
	if got, err := s.field(8, 0, 4); got != nil || err != nil {
		t.Errorf("field(8, 0, 4) = %v, %v, want nil, nil", got, err)
	}
	s.releaseAll()
	s.releaseAll()
	if s.allocated != 2 || s.released != 2 {
		t.Errorf("allocated %d and released %d areas, want 2 and 2", s.allocated, s.released)
	}
}
