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

package memory

import (
	"fmt"

	"fortio.org/safecast"
)

// Range is a span of guest physical addresses.
type Range struct {
	Start  uint64
	Length uint64
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Start, r.End())
}

// End returns the first address past the range.
func (r Range) End() uint64 {
	return r.Start + r.Length
}

// Intersect returns the overlap of r and other, or the zero Range if they do not overlap.
func (r Range) Intersect(other Range) Range {
	if r.Start >= other.End() || other.Start >= r.End() {
		return Range{}
	}
	start := max(r.Start, other.Start)
	end := min(r.End(), other.End())
	if end == start { // Only allow a single representation of zero.
		return Range{}
	}
	return Range{Start: start, Length: end - start}
}

func rangeLess(a, b *Region) bool {
	return a.Range.Start < b.Range.Start
}

// Region is a named span of guest physical memory, either RAM with host backing or a device
// (MMIO) region without.
type Region struct {
	Name string
	// Range is where the region is mapped. Start is meaningful only after the region is added to
	// an address space.
	Range      Range
	GuestMemfd bool
	ram        bool
	host       []byte
	mapped     bool
	release    func() error
}

// IsRAM returns whether the region is backed by host memory.
func (r *Region) IsRAM() bool {
	return r.ram
}

// Size returns the size of the region in bytes.
func (r *Region) Size() uint64 {
	return r.Range.Length
}

// HostSlice returns the host memory backing size bytes of the region starting at offset.
func (r *Region) HostSlice(offset, size uint64) ([]byte, error) {
	if !r.ram {
		return nil, fmt.Errorf("region %q is not RAM", r.Name)
	}
	if offset > r.Range.Length || size > r.Range.Length-offset {
		return nil, fmt.Errorf("host slice [0x%x, +0x%x) exceeds region %q of size 0x%x",
			offset, size, r.Name, r.Range.Length)
	}
	start, err := safecast.Conv[int](offset)
	if err != nil {
		return nil, err
	}
	end, err := safecast.Conv[int](offset + size)
	if err != nil {
		return nil, err
	}
	return r.host[start:end:end], nil
}

// Release frees the region's host backing. Regions mapped into an address space are released
// by its Close.
func (r *Region) Release() error {
	if r.release == nil {
		return nil
	}
	err := r.release()
	r.release = nil
	r.host = nil
	return err
}

// Section is the part of a region that a lookup matched.
type Section struct {
	Region *Region
	// GPA is the first guest physical address of the match.
	GPA uint64
	// Offset is the offset of GPA within Region.
	Offset uint64
	// Size is the number of matching bytes.
	Size uint64
}
