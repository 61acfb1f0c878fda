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

// Package cgs defines the capabilities a confidential guest support backend offers to a guest
// image loader.
package cgs

import "fmt"

// Platform is an isolation platform a confidential guest support backend may provide.
type Platform int

const (
	// PlatformNative is an unisolated guest.
	PlatformNative Platform = iota
	// PlatformSEV is AMD SEV.
	PlatformSEV
	// PlatformSEVES is AMD SEV with encrypted register state.
	PlatformSEVES
	// PlatformSEVSNP is AMD SEV with secure nested paging.
	PlatformSEVSNP
)

func (p Platform) String() string {
	switch p {
	case PlatformNative:
		return "native"
	case PlatformSEV:
		return "SEV"
	case PlatformSEVES:
		return "SEV-ES"
	case PlatformSEVSNP:
		return "SEV-SNP"
	}
	return fmt.Sprintf("Platform(%d)", int(p))
}

// PageType describes how a backend must treat guest memory passed to SetGuestState. The values
// match the SNP_LAUNCH_UPDATE page types where one exists.
type PageType int

const (
	// PageTypeNormal is measured guest memory with contents.
	PageTypeNormal PageType = 1
	// PageTypeVMSA is the initial register state of a virtual processor.
	PageTypeVMSA PageType = 2
	// PageTypeZero is measured memory known to be all zero.
	PageTypeZero PageType = 3
	// PageTypeUnmeasured is memory whose contents are not measured.
	PageTypeUnmeasured PageType = 4
	// PageTypeSecrets is the platform secrets page.
	PageTypeSecrets PageType = 5
	// PageTypeCPUID is a CPUID page the platform validates.
	PageTypeCPUID PageType = 6
	// PageTypeRequiredMemory is memory the guest needs present but that carries no contents.
	PageTypeRequiredMemory PageType = 7
)

var pageTypeNames = map[PageType]string{
	PageTypeNormal:         "NORMAL",
	PageTypeVMSA:           "VMSA",
	PageTypeZero:           "ZERO",
	PageTypeUnmeasured:     "UNMEASURED",
	PageTypeSecrets:        "SECRETS",
	PageTypeCPUID:          "CPUID",
	PageTypeRequiredMemory: "REQUIRED_MEMORY",
}

func (p PageType) String() string {
	if name, ok := pageTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PageType(%d)", int(p))
}

// PolicyKind identifies the format of a guest policy.
type PolicyKind int

const (
	// PolicySEV is an AMD SEV family guest policy.
	PolicySEV PolicyKind = iota
)

// MemType is the type of a host memory map entry.
type MemType int

const (
	// MemTypeRAM is usable RAM.
	MemTypeRAM MemType = iota
	// MemTypeReserved is memory the guest must not use.
	MemTypeReserved
	// MemTypeACPI is memory holding ACPI tables.
	MemTypeACPI
	// MemTypeNVS is ACPI non-volatile storage.
	MemTypeNVS
	// MemTypeUnusable is memory with errors.
	MemTypeUnusable
)

func (m MemType) String() string {
	switch m {
	case MemTypeRAM:
		return "RAM"
	case MemTypeReserved:
		return "reserved"
	case MemTypeACPI:
		return "ACPI"
	case MemTypeNVS:
		return "NVS"
	case MemTypeUnusable:
		return "unusable"
	}
	return fmt.Sprintf("MemType(%d)", int(m))
}

// MemMapEntry is one entry of the host's view of guest memory.
type MemMapEntry struct {
	GPA  uint64
	Size uint64
	Type MemType
}

// Support is a confidential guest support backend.
type Support interface {
	// CheckSupport returns whether the backend can run a guest on the given platform.
	CheckSupport(p Platform, version uint16, highestVTL uint8, sharedGPABoundary uint64) bool
	// SetGuestState adds data at gpa to the guest's initial state.
	SetGuestState(gpa uint64, data []byte, pageType PageType, vpIndex uint16) error
	// SetGuestPolicy sets the guest policy and optional ID block and ID authentication
	// structure. A nil idBlock means no ID block is supplied.
	SetGuestPolicy(kind PolicyKind, policy uint64, idBlock, idAuth []byte) error
	// RequireGuestMemfd returns whether guest RAM must be backed by guest_memfd.
	RequireGuestMemfd() bool
}

// MemoryMapper enumerates the guest memory map.
type MemoryMapper interface {
	// MemMapEntry returns entry i of the memory map. It returns false once i is past the end.
	MemMapEntry(i int) (MemMapEntry, bool, error)
}
