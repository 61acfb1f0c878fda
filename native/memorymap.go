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

// Package native provides the guest setup strategies used when no confidential guest support
// backend handles them.
package native

import (
	"fmt"

	"github.com/qemu/qemu-sub037/cgs"
)

// Legacy PC layout below 1 MiB, widened to page granularity. The page holding the EBDA is
// reserved whole since the guest memory map counts in 4 KiB pages.
// refs https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/x86/bios.c#L66-L86
const (
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009f000
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000

	// PCIHoleStart is where 32-bit device space begins. RAM past it is relocated above 4 GiB.
	PCIHoleStart = 0xc0000000
	fourGiB      = 0x100000000

	pageSize = 0x1000
)

// MemoryMap is an e820-style guest memory map.
type MemoryMap struct {
	entries []cgs.MemMapEntry
}

// NewMemoryMap returns the memory map of a PC with memSize bytes of RAM.
func NewMemoryMap(memSize uint64) (*MemoryMap, error) {
	if memSize <= MBBIOSEnd {
		return nil, fmt.Errorf("guest memory size 0x%x must be larger than 1 MiB", memSize)
	}
	if memSize%pageSize != 0 {
		return nil, fmt.Errorf("guest memory size 0x%x is not page aligned", memSize)
	}
	m := &MemoryMap{}
	m.AddEntry(RealModeIvtBegin, EBDAStart-RealModeIvtBegin, cgs.MemTypeRAM)
	m.AddEntry(EBDAStart, VGARAMBegin-EBDAStart, cgs.MemTypeReserved)
	m.AddEntry(MBBIOSBegin, MBBIOSEnd-MBBIOSBegin, cgs.MemTypeReserved)
	low := min(memSize, PCIHoleStart)
	m.AddEntry(MBBIOSEnd, low-MBBIOSEnd, cgs.MemTypeRAM)
	if memSize > PCIHoleStart {
		m.AddEntry(fourGiB, memSize-PCIHoleStart, cgs.MemTypeRAM)
	}
	return m, nil
}

// AddEntry appends an entry to the map.
func (m *MemoryMap) AddEntry(gpa, size uint64, memType cgs.MemType) {
	m.entries = append(m.entries, cgs.MemMapEntry{GPA: gpa, Size: size, Type: memType})
}

// Entries returns the entries in insertion order.
func (m *MemoryMap) Entries() []cgs.MemMapEntry {
	return m.entries
}

// MemMapEntry implements cgs.MemoryMapper.
func (m *MemoryMap) MemMapEntry(i int) (cgs.MemMapEntry, bool, error) {
	if i < 0 {
		return cgs.MemMapEntry{}, false, fmt.Errorf("invalid memory map index %d", i)
	}
	if i >= len(m.entries) {
		return cgs.MemMapEntry{}, false, nil
	}
	return m.entries[i], true, nil
}
