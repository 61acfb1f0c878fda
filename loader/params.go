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

	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/igvm/abi"
	"golang.org/x/exp/slices"
)

// paramArea is a host buffer the file asks to be filled with runtime values and later inserted
// into guest memory.
type paramArea struct {
	index    uint32
	size     uint32
	data     []byte
	consumed bool
	released bool
}

// paramStore holds parameter areas in creation order. Indices are not required to be unique.
type paramStore struct {
	areas []*paramArea

	allocated int
	released  int
}

func (s *paramStore) create(index, size uint32) {
	s.areas = append(s.areas, &paramArea{index: index, size: size, data: make([]byte, size)})
	s.allocated++
}

// find returns the first area with index.
func (s *paramStore) find(index uint32) *paramArea {
	for _, a := range s.areas {
		if a.index == index {
			return a
		}
	}
	return nil
}

// field returns the n bytes at offset within the first area with index. A missing area yields
// nil and no error.
func (s *paramStore) field(index, offset, n uint32) ([]byte, error) {
	a := s.find(index)
	if a == nil {
		return nil, nil
	}
	if a.consumed {
		return nil, fmt.Errorf("parameter area %d was already inserted", index)
	}
	if uint64(offset)+uint64(n) > uint64(a.size) {
		return nil, fmt.Errorf("parameter field at offset %d exceeds parameter area size %d", offset, a.size)
	}
	return a.data[offset : offset+n], nil
}

// populateMemoryMap writes the guest memory map enumerated by mapper into the first area with
// index as IGVM memory map entries sorted by starting page.
func (s *paramStore) populateMemoryMap(index uint32, mapper cgs.MemoryMapper) error {
	a := s.find(index)
	if a == nil {
		return nil
	}
	if a.consumed {
		return fmt.Errorf("parameter area %d was already inserted", index)
	}
	capacity := int(a.size / abi.SizeofMemoryMapEntry)
	var entries []abi.MemoryMapEntry
	for i := 0; ; i++ {
		e, ok, err := mapper.MemMapEntry(i)
		if err != nil {
			return fmt.Errorf("could not read guest memory map entry %d: %v", i, err)
		}
		if !ok {
			break
		}
		if i >= capacity {
			return fmt.Errorf("guest memory map size exceeds parameter area defined in IGVM file")
		}
		typ, err := memoryMapEntryType(e.Type)
		if err != nil {
			return err
		}
		entries = append(entries, abi.MemoryMapEntry{
			StartingGPAPageNumber: e.GPA / abi.PageSize4K,
			NumberOfPages:         e.Size / abi.PageSize4K,
			EntryType:             typ,
		})
	}
	slices.SortStableFunc(entries, func(x, y abi.MemoryMapEntry) int {
		switch {
		case x.StartingGPAPageNumber < y.StartingGPAPageNumber:
			return -1
		case x.StartingGPAPageNumber > y.StartingGPAPageNumber:
			return 1
		}
		return 0
	})
	for i := range entries {
		if err := entries[i].Put(a.data[i*abi.SizeofMemoryMapEntry:]); err != nil {
			return err
		}
	}
	return nil
}

func memoryMapEntryType(t cgs.MemType) (abi.MemoryMapEntryType, error) {
	switch t {
	case cgs.MemTypeRAM:
		return abi.MemoryMapEntryMemory, nil
	case cgs.MemTypeReserved, cgs.MemTypeACPI, cgs.MemTypeUnusable:
		return abi.MemoryMapEntryPlatformReserved, nil
	case cgs.MemTypeNVS:
		return abi.MemoryMapEntryPersistent, nil
	}
	return 0, fmt.Errorf("unknown guest memory map entry type %v", t)
}

// matching returns every area with index, in creation order.
func (s *paramStore) matching(index uint32) []*paramArea {
	var result []*paramArea
	for _, a := range s.areas {
		if a.index == index {
			result = append(result, a)
		}
	}
	return result
}

func (s *paramStore) release(a *paramArea) {
	if a.released {
		return
	}
	a.data = nil
	a.released = true
	s.released++
}

func (s *paramStore) releaseAll() {
	for _, a := range s.areas {
		s.release(a)
	}
}
