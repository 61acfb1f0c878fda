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

// Package memory models a guest physical address space made of RAM and device regions.
package memory

import (
	"fmt"
	"sync"

	"fortio.org/safecast"
	"github.com/google/btree"
	"github.com/google/logger"
	"go.uber.org/multierr"
)

const btreeDegree = 8

// AddressSpace is the set of regions mapped into a guest's physical address space. Regions do not
// overlap.
type AddressSpace struct {
	mu      sync.Mutex
	regions *btree.BTreeG[*Region]
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{regions: btree.NewG[*Region](btreeDegree, rangeLess)}
}

// NewRAMRegion returns an unmapped RAM region of size bytes with zeroed host backing.
func (as *AddressSpace) NewRAMRegion(name string, size uint64, guestMemfd bool) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("RAM region %q has zero size", name)
	}
	n, err := safecast.Conv[int](size)
	if err != nil {
		return nil, fmt.Errorf("RAM region %q size 0x%x: %v", name, size, err)
	}
	host, release, err := allocate(n)
	if err != nil {
		return nil, fmt.Errorf("could not allocate RAM region %q: %v", name, err)
	}
	return &Region{
		Name:       name,
		Range:      Range{Length: size},
		GuestMemfd: guestMemfd,
		ram:        true,
		host:       host,
		release:    release,
	}, nil
}

// AddSubregion maps r at gpa.
func (as *AddressSpace) AddSubregion(gpa uint64, r *Region) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.mapped {
		return fmt.Errorf("region %q is already mapped at 0x%x", r.Name, r.Range.Start)
	}
	if gpa+r.Range.Length < gpa {
		return fmt.Errorf("region %q at 0x%x of size 0x%x wraps the address space", r.Name, gpa, r.Range.Length)
	}
	want := Range{Start: gpa, Length: r.Range.Length}
	if s, ok := as.findLocked(want); ok {
		return fmt.Errorf("region %q at %v overlaps region %q at %v", r.Name, want, s.Region.Name, s.Region.Range)
	}
	r.Range.Start = gpa
	r.mapped = true
	as.regions.ReplaceOrInsert(r)
	logger.V(2).Infof("mapped %s region %q at %v", regionKind(r), r.Name, r.Range)
	return nil
}

// AddMMIO maps a device region without host backing.
func (as *AddressSpace) AddMMIO(name string, gpa, size uint64) error {
	if size == 0 {
		return fmt.Errorf("MMIO region %q has zero size", name)
	}
	return as.AddSubregion(gpa, &Region{Name: name, Range: Range{Length: size}})
}

func regionKind(r *Region) string {
	if r.ram {
		return "RAM"
	}
	return "MMIO"
}

func (as *AddressSpace) findLocked(want Range) (Section, bool) {
	var found Section
	var ok bool
	check := func(r *Region) bool {
		if overlap := r.Range.Intersect(want); overlap.Length != 0 {
			found = Section{
				Region: r,
				GPA:    overlap.Start,
				Offset: overlap.Start - r.Range.Start,
				Size:   overlap.Length,
			}
			ok = true
		}
		return false
	}
	// Only the last region starting at or before want.Start can contain it.
	pivot := &Region{Range: Range{Start: want.Start}}
	as.regions.DescendLessOrEqual(pivot, check)
	if ok {
		return found, true
	}
	as.regions.AscendGreaterOrEqual(pivot, func(r *Region) bool {
		if r.Range.Start >= want.End() {
			return false
		}
		check(r)
		return !ok
	})
	return found, ok
}

// Find returns the lowest addressed part of a mapped region that intersects [gpa, gpa+size).
func (as *AddressSpace) Find(gpa, size uint64) (Section, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.findLocked(Range{Start: gpa, Length: size})
}

// Regions returns every mapped region in address order.
func (as *AddressSpace) Regions() []*Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	regions := make([]*Region, 0, as.regions.Len())
	as.regions.Ascend(func(r *Region) bool {
		regions = append(regions, r)
		return true
	})
	return regions
}

// Close releases the host backing of every RAM region and empties the address space.
func (as *AddressSpace) Close() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	var err error
	as.regions.Ascend(func(r *Region) bool {
		err = multierr.Append(err, r.Release())
		return true
	})
	as.regions.Clear(false)
	return err
}
