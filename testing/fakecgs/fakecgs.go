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

// Package fakecgs provides a confidential guest support backend that records every call.
package fakecgs

import (
	"errors"

	"github.com/qemu/qemu-sub037/cgs"
	"golang.org/x/exp/slices"
)

// SupportCheck is a recorded CheckSupport call.
type SupportCheck struct {
	Platform          cgs.Platform
	Version           uint16
	HighestVTL        uint8
	SharedGPABoundary uint64
}

// GuestState is a recorded SetGuestState call. Data is a copy of the memory passed in.
type GuestState struct {
	GPA      uint64
	Data     []byte
	PageType cgs.PageType
	VPIndex  uint16
}

// GuestPolicy is a recorded SetGuestPolicy call.
type GuestPolicy struct {
	Kind    cgs.PolicyKind
	Policy  uint64
	IDBlock []byte
	IDAuth  []byte
}

// Support is a fake cgs.Support. The zero value supports no isolation platform.
type Support struct {
	// Platforms are the platforms CheckSupport accepts.
	Platforms []cgs.Platform
	// GuestMemfd is returned by RequireGuestMemfd.
	GuestMemfd bool
	// SetGuestStateErr, if set, is returned by SetGuestState after the call is recorded.
	SetGuestStateErr error
	// SetGuestPolicyErr, if set, is returned by SetGuestPolicy after the call is recorded.
	SetGuestPolicyErr error

	Checks   []SupportCheck
	States   []GuestState
	Policies []GuestPolicy
}

// CheckSupport records the query and returns whether p is one of s.Platforms.
func (s *Support) CheckSupport(p cgs.Platform, version uint16, highestVTL uint8, sharedGPABoundary uint64) bool {
	s.Checks = append(s.Checks, SupportCheck{
		Platform:          p,
		Version:           version,
		HighestVTL:        highestVTL,
		SharedGPABoundary: sharedGPABoundary,
	})
	return slices.Contains(s.Platforms, p)
}

// SetGuestState records the call.
func (s *Support) SetGuestState(gpa uint64, data []byte, pageType cgs.PageType, vpIndex uint16) error {
	s.States = append(s.States, GuestState{
		GPA:      gpa,
		Data:     slices.Clone(data),
		PageType: pageType,
		VPIndex:  vpIndex,
	})
	return s.SetGuestStateErr
}

// SetGuestPolicy records the call.
func (s *Support) SetGuestPolicy(kind cgs.PolicyKind, policy uint64, idBlock, idAuth []byte) error {
	s.Policies = append(s.Policies, GuestPolicy{
		Kind:    kind,
		Policy:  policy,
		IDBlock: slices.Clone(idBlock),
		IDAuth:  slices.Clone(idAuth),
	})
	return s.SetGuestPolicyErr
}

// RequireGuestMemfd returns s.GuestMemfd.
func (s *Support) RequireGuestMemfd() bool {
	return s.GuestMemfd
}

// ErrMemMap is returned by a failing MemoryMapper once it reaches FailAt.
var ErrMemMap = errors.New("fake memory map failure")

// MemoryMapper is a fake cgs.MemoryMapper over a fixed list of entries.
type MemoryMapper struct {
	Entries []cgs.MemMapEntry
	// Fail makes MemMapEntry fail for index FailAt.
	Fail   bool
	FailAt int
}

// MemMapEntry returns entry i of m.Entries.
func (m *MemoryMapper) MemMapEntry(i int) (cgs.MemMapEntry, bool, error) {
	if m.Fail && i == m.FailAt {
		return cgs.MemMapEntry{}, false, ErrMemMap
	}
	if i < 0 || i >= len(m.Entries) {
		return cgs.MemMapEntry{}, false, nil
	}
	return m.Entries[i], true, nil
}

// SupportWithMemoryMap is a Support that also enumerates the guest memory map.
type SupportWithMemoryMap struct {
	Support
	MemoryMapper
}
