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

// Package abi defines binary interface conversion functions for the IGVM file format.
package abi

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic is "IGVM" read as a little endian uint32.
	Magic = 0x4D564749

	// FormatVersion1 is the original IGVM fixed header format.
	FormatVersion1 = 1
	// FormatVersion2 extends the fixed header with an architecture and page size.
	FormatVersion2 = 2

	// SizeofFixedHeaderV1 is the ABI size of IGVM_FIXED_HEADER.
	SizeofFixedHeaderV1 = 24
	// SizeofFixedHeaderV2 is the ABI size of IGVM_FIXED_HEADER_V2.
	SizeofFixedHeaderV2 = 32
	// SizeofVariableHeader is the ABI size of the type and length prefix of every variable header.
	SizeofVariableHeader = 8
	// VariableHeaderAlignment is the alignment of every variable header in the header section.
	VariableHeaderAlignment = 8

	// SizeofSupportedPlatform is the ABI size of IGVM_VHS_SUPPORTED_PLATFORM.
	SizeofSupportedPlatform = 16
	// SizeofGuestPolicy is the ABI size of IGVM_VHS_GUEST_POLICY.
	SizeofGuestPolicy = 16
	// SizeofPageData is the ABI size of IGVM_VHS_PAGE_DATA.
	SizeofPageData = 24
	// SizeofParameterArea is the ABI size of IGVM_VHS_PARAMETER_AREA.
	SizeofParameterArea = 16
	// SizeofParameterInsert is the ABI size of IGVM_VHS_PARAMETER_INSERT.
	SizeofParameterInsert = 16
	// SizeofParameter is the ABI size of IGVM_VHS_PARAMETER.
	SizeofParameter = 8
	// SizeofVPContext is the ABI size of IGVM_VHS_VP_CONTEXT including trailing padding.
	SizeofVPContext = 24
	// SizeofRequiredMemory is the ABI size of IGVM_VHS_REQUIRED_MEMORY.
	SizeofRequiredMemory = 24
	// SizeofMemoryMapEntry is the ABI size of IGVM_VHS_MEMORY_MAP_ENTRY.
	SizeofMemoryMapEntry = 24
	// SizeofEnvironmentInfo is the ABI size of IgvmEnvironmentInfo.
	SizeofEnvironmentInfo = 4
	// SizeofSNPIDBlockSignature is the ABI size of IGVM_VHS_SNP_ID_BLOCK_SIGNATURE.
	SizeofSNPIDBlockSignature = 144
	// SizeofSNPIDBlockPublicKey is the ABI size of IGVM_VHS_SNP_ID_BLOCK_PUBLIC_KEY.
	SizeofSNPIDBlockPublicKey = 152
	// SizeofSNPIDBlock is the ABI size of IGVM_VHS_SNP_ID_BLOCK.
	SizeofSNPIDBlock = 104 + 2*SizeofSNPIDBlockSignature + 2*SizeofSNPIDBlockPublicKey

	// ECDSAComponentSize is the size of an ECDSA signature component or curve coordinate.
	ECDSAComponentSize = 72

	// PageSize4K is the size of a page whose data header does not set IS_2MB_PAGE.
	PageSize4K = 0x1000
	// PageSize2M is the size of a page whose data header sets IS_2MB_PAGE.
	PageSize2M = 0x200000
)

// Architecture is the IGVM_FIXED_HEADER_V2 architecture enumeration.
type Architecture uint32

const (
	// ArchitectureX64 is an x86-64 guest.
	ArchitectureX64 Architecture = 0
	// ArchitectureAArch64 is an arm64 guest.
	ArchitectureAArch64 Architecture = 1
)

// HeaderType is the IgvmVariableHeaderType enumeration.
type HeaderType uint32

// Variable header types. The numeric range of a type determines its section.
const (
	HeaderTypeSupportedPlatform         HeaderType = 0x001
	HeaderTypeGuestPolicy               HeaderType = 0x101
	HeaderTypeRelocatableRegion         HeaderType = 0x102
	HeaderTypePageTableRelocationRegion HeaderType = 0x103
	HeaderTypeParameterArea             HeaderType = 0x301
	HeaderTypePageData                  HeaderType = 0x302
	HeaderTypeParameterInsert           HeaderType = 0x303
	HeaderTypeVPContext                 HeaderType = 0x304
	HeaderTypeRequiredMemory            HeaderType = 0x305
	HeaderTypeVPCountParameter          HeaderType = 0x307
	HeaderTypeSRAT                      HeaderType = 0x308
	HeaderTypeMADT                      HeaderType = 0x309
	HeaderTypeMMIORanges                HeaderType = 0x30A
	HeaderTypeSNPIDBlock                HeaderType = 0x30B
	HeaderTypeMemoryMap                 HeaderType = 0x30C
	HeaderTypeErrorRange                HeaderType = 0x30D
	HeaderTypeCommandLine               HeaderType = 0x30E
	HeaderTypeSLIT                      HeaderType = 0x30F
	HeaderTypePPTT                      HeaderType = 0x310
	HeaderTypeVBSMeasurement            HeaderType = 0x311
	HeaderTypeDeviceTree                HeaderType = 0x312
	HeaderTypeEnvironmentInfoParameter  HeaderType = 0x313
	headerTypePlatformFirst             HeaderType = 0x001
	headerTypePlatformLast              HeaderType = 0x100
	headerTypeInitializationFirst       HeaderType = 0x101
	headerTypeInitializationLast        HeaderType = 0x200
	headerTypeDirectiveFirst            HeaderType = 0x301
	headerTypeDirectiveLast             HeaderType = 0x400
)

var headerTypeNames = map[HeaderType]string{
	HeaderTypeSupportedPlatform:         "SUPPORTED_PLATFORM",
	HeaderTypeGuestPolicy:               "GUEST_POLICY",
	HeaderTypeRelocatableRegion:         "RELOCATABLE_REGION",
	HeaderTypePageTableRelocationRegion: "PAGE_TABLE_RELOCATION_REGION",
	HeaderTypeParameterArea:             "PARAMETER_AREA",
	HeaderTypePageData:                  "PAGE_DATA",
	HeaderTypeParameterInsert:           "PARAMETER_INSERT",
	HeaderTypeVPContext:                 "VP_CONTEXT",
	HeaderTypeRequiredMemory:            "REQUIRED_MEMORY",
	HeaderTypeVPCountParameter:          "VP_COUNT_PARAMETER",
	HeaderTypeSRAT:                      "SRAT",
	HeaderTypeMADT:                      "MADT",
	HeaderTypeMMIORanges:                "MMIO_RANGES",
	HeaderTypeSNPIDBlock:                "SNP_ID_BLOCK",
	HeaderTypeMemoryMap:                 "MEMORY_MAP",
	HeaderTypeErrorRange:                "ERROR_RANGE",
	HeaderTypeCommandLine:               "COMMAND_LINE",
	HeaderTypeSLIT:                      "SLIT",
	HeaderTypePPTT:                      "PPTT",
	HeaderTypeVBSMeasurement:            "VBS_MEASUREMENT",
	HeaderTypeDeviceTree:                "DEVICE_TREE",
	HeaderTypeEnvironmentInfoParameter:  "ENVIRONMENT_INFO_PARAMETER",
}

func (t HeaderType) String() string {
	if name, ok := headerTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint32(t))
}

// Section identifies which of the three ordered header sections of an IGVM file a header is in.
type Section int

const (
	// SectionPlatform holds the platform headers that declare supported isolation platforms.
	SectionPlatform Section = iota
	// SectionInitialization holds headers that configure the guest before directives apply.
	SectionInitialization
	// SectionDirective holds headers that describe the guest's initial memory and CPU state.
	SectionDirective
	// SectionCount is the number of sections.
	SectionCount
)

func (s Section) String() string {
	switch s {
	case SectionPlatform:
		return "platform"
	case SectionInitialization:
		return "initialization"
	case SectionDirective:
		return "directive"
	}
	return fmt.Sprintf("section(%d)", int(s))
}

// SectionOf returns the section a header type belongs to.
func SectionOf(t HeaderType) (Section, error) {
	switch {
	case t >= headerTypePlatformFirst && t <= headerTypePlatformLast:
		return SectionPlatform, nil
	case t >= headerTypeInitializationFirst && t <= headerTypeInitializationLast:
		return SectionInitialization, nil
	case t >= headerTypeDirectiveFirst && t <= headerTypeDirectiveLast:
		return SectionDirective, nil
	}
	return SectionCount, fmt.Errorf("header type 0x%x is not in any section", uint32(t))
}

// PlatformType is the IgvmPlatformType enumeration.
type PlatformType uint8

// Platform types a SUPPORTED_PLATFORM header can declare.
const (
	PlatformTypeNative       PlatformType = 0x00
	PlatformTypeVSMIsolation PlatformType = 0x01
	PlatformTypeSEVSNP       PlatformType = 0x02
	PlatformTypeTDX          PlatformType = 0x03
	PlatformTypeSEV          PlatformType = 0x04
	PlatformTypeSEVES        PlatformType = 0x05
)

func (p PlatformType) String() string {
	switch p {
	case PlatformTypeNative:
		return "NATIVE"
	case PlatformTypeVSMIsolation:
		return "VSM_ISOLATION"
	case PlatformTypeSEVSNP:
		return "SEV_SNP"
	case PlatformTypeTDX:
		return "TDX"
	case PlatformTypeSEV:
		return "SEV"
	case PlatformTypeSEVES:
		return "SEV_ES"
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint8(p))
}

// PageDataFlags is the IGVM_VHF_PAGE_DATA bitfield.
type PageDataFlags uint32

const (
	// PageDataIs2MBPage marks a page data header as describing a 2 MiB page.
	PageDataIs2MBPage PageDataFlags = 1 << 0
	// PageDataUnmeasured marks a page whose contents are not part of the launch measurement.
	PageDataUnmeasured PageDataFlags = 1 << 1
	// PageDataShared marks a page as host visible.
	PageDataShared PageDataFlags = 1 << 2
)

// PageSize returns the size of the page described by a header with these flags.
func (f PageDataFlags) PageSize() uint64 {
	if f&PageDataIs2MBPage != 0 {
		return PageSize2M
	}
	return PageSize4K
}

// PageDataType is the IGVM_VHS_PAGE_DATA data type enumeration.
type PageDataType uint16

const (
	// PageDataTypeNormal is ordinary guest memory.
	PageDataTypeNormal PageDataType = 0
	// PageDataTypeSecrets is the platform secrets page.
	PageDataTypeSecrets PageDataType = 1
	// PageDataTypeCPUIDData is a CPUID page the platform validates.
	PageDataTypeCPUIDData PageDataType = 2
	// PageDataTypeCPUIDXF is a CPUID page with extended XSAVE features.
	PageDataTypeCPUIDXF PageDataType = 3
)

// MemoryMapEntryType is the IGVM_MEMORY_MAP_ENTRY_TYPE enumeration.
type MemoryMapEntryType uint16

const (
	// MemoryMapEntryMemory is ordinary RAM.
	MemoryMapEntryMemory MemoryMapEntryType = 0
	// MemoryMapEntryPlatformReserved is memory the guest must not use.
	MemoryMapEntryPlatformReserved MemoryMapEntryType = 1
	// MemoryMapEntryPersistent is non-volatile memory.
	MemoryMapEntryPersistent MemoryMapEntryType = 2
	// MemoryMapEntryVTL2Protectable is RAM that can be protected by VTL2.
	MemoryMapEntryVTL2Protectable MemoryMapEntryType = 3
)

// FixedHeader is IGVM_FIXED_HEADER, extended with the V2 fields when FormatVersion is 2.
type FixedHeader struct {
	Magic                uint32
	FormatVersion        uint32
	VariableHeaderOffset uint32
	VariableHeaderSize   uint32
	TotalFileSize        uint32
	Checksum             uint32
	Architecture         Architecture
	PageSize             uint32
}

// Size returns the ABI size of the fixed header for its format version.
func (h *FixedHeader) Size() int {
	if h.FormatVersion >= FormatVersion2 {
		return SizeofFixedHeaderV2
	}
	return SizeofFixedHeaderV1
}

// Put writes h in its ABI format to the beginning of data.
func (h *FixedHeader) Put(data []byte) error {
	if len(data) < h.Size() {
		return fmt.Errorf("data too small for IGVM fixed header: %d < %d", len(data), h.Size())
	}
	binary.LittleEndian.PutUint32(data[0:4], h.Magic)
	binary.LittleEndian.PutUint32(data[4:8], h.FormatVersion)
	binary.LittleEndian.PutUint32(data[8:12], h.VariableHeaderOffset)
	binary.LittleEndian.PutUint32(data[12:16], h.VariableHeaderSize)
	binary.LittleEndian.PutUint32(data[16:20], h.TotalFileSize)
	binary.LittleEndian.PutUint32(data[20:24], h.Checksum)
	if h.FormatVersion >= FormatVersion2 {
		binary.LittleEndian.PutUint32(data[24:28], uint32(h.Architecture))
		binary.LittleEndian.PutUint32(data[28:32], h.PageSize)
	}
	return nil
}

// FixedHeaderFromBytes interprets the beginning of an IGVM file as its fixed header.
func FixedHeaderFromBytes(data []byte) (*FixedHeader, error) {
	if len(data) < SizeofFixedHeaderV1 {
		return nil, fmt.Errorf("data too small for IGVM fixed header: %d < %d", len(data), SizeofFixedHeaderV1)
	}
	h := &FixedHeader{
		Magic:                binary.LittleEndian.Uint32(data[0:4]),
		FormatVersion:        binary.LittleEndian.Uint32(data[4:8]),
		VariableHeaderOffset: binary.LittleEndian.Uint32(data[8:12]),
		VariableHeaderSize:   binary.LittleEndian.Uint32(data[12:16]),
		TotalFileSize:        binary.LittleEndian.Uint32(data[16:20]),
		Checksum:             binary.LittleEndian.Uint32(data[20:24]),
	}
	if h.FormatVersion >= FormatVersion2 {
		if len(data) < SizeofFixedHeaderV2 {
			return nil, fmt.Errorf("data too small for IGVM fixed header v2: %d < %d", len(data), SizeofFixedHeaderV2)
		}
		h.Architecture = Architecture(binary.LittleEndian.Uint32(data[24:28]))
		h.PageSize = binary.LittleEndian.Uint32(data[28:32])
	}
	return h, nil
}

// VariableHeader is IGVM_VHS_VARIABLE_HEADER, the prefix of every variable header.
type VariableHeader struct {
	Type   HeaderType
	Length uint32
}

// Put writes h in its ABI format to the beginning of data.
func (h *VariableHeader) Put(data []byte) error {
	if len(data) < SizeofVariableHeader {
		return fmt.Errorf("data too small for variable header: %d < %d", len(data), SizeofVariableHeader)
	}
	binary.LittleEndian.PutUint32(data[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(data[4:8], h.Length)
	return nil
}

// VariableHeaderFromBytes interprets data as a variable header prefix.
func VariableHeaderFromBytes(data []byte) (*VariableHeader, error) {
	if len(data) < SizeofVariableHeader {
		return nil, fmt.Errorf("data too small for variable header: %d < %d", len(data), SizeofVariableHeader)
	}
	return &VariableHeader{
		Type:   HeaderType(binary.LittleEndian.Uint32(data[0:4])),
		Length: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func checkSize(name string, data []byte, size int) error {
	if len(data) < size {
		return fmt.Errorf("data too small for %s: %d < %d", name, len(data), size)
	}
	return nil
}

// SupportedPlatform is IGVM_VHS_SUPPORTED_PLATFORM.
type SupportedPlatform struct {
	CompatibilityMask uint32
	HighestVTL        uint8
	PlatformType      PlatformType
	PlatformVersion   uint16
	SharedGPABoundary uint64
}

// Put writes p in its ABI format to the beginning of data.
func (p *SupportedPlatform) Put(data []byte) error {
	if err := checkSize("supported platform", data, SizeofSupportedPlatform); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data[0:4], p.CompatibilityMask)
	data[4] = p.HighestVTL
	data[5] = uint8(p.PlatformType)
	binary.LittleEndian.PutUint16(data[6:8], p.PlatformVersion)
	binary.LittleEndian.PutUint64(data[8:16], p.SharedGPABoundary)
	return nil
}

// SupportedPlatformFromBytes interprets a header payload as SupportedPlatform.
func SupportedPlatformFromBytes(data []byte) (*SupportedPlatform, error) {
	if err := checkSize("supported platform", data, SizeofSupportedPlatform); err != nil {
		return nil, err
	}
	return &SupportedPlatform{
		CompatibilityMask: binary.LittleEndian.Uint32(data[0:4]),
		HighestVTL:        data[4],
		PlatformType:      PlatformType(data[5]),
		PlatformVersion:   binary.LittleEndian.Uint16(data[6:8]),
		SharedGPABoundary: binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}

// GuestPolicy is IGVM_VHS_GUEST_POLICY.
type GuestPolicy struct {
	Policy            uint64
	CompatibilityMask uint32
}

// Put writes p in its ABI format to the beginning of data.
func (p *GuestPolicy) Put(data []byte) error {
	if err := checkSize("guest policy", data, SizeofGuestPolicy); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[0:8], p.Policy)
	binary.LittleEndian.PutUint32(data[8:12], p.CompatibilityMask)
	binary.LittleEndian.PutUint32(data[12:16], 0)
	return nil
}

// GuestPolicyFromBytes interprets a header payload as GuestPolicy.
func GuestPolicyFromBytes(data []byte) (*GuestPolicy, error) {
	if err := checkSize("guest policy", data, SizeofGuestPolicy); err != nil {
		return nil, err
	}
	return &GuestPolicy{
		Policy:            binary.LittleEndian.Uint64(data[0:8]),
		CompatibilityMask: binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// PageData is IGVM_VHS_PAGE_DATA.
type PageData struct {
	GPA               uint64
	CompatibilityMask uint32
	FileOffset        uint32
	Flags             PageDataFlags
	DataType          PageDataType
}

// Put writes p in its ABI format to the beginning of data.
func (p *PageData) Put(data []byte) error {
	if err := checkSize("page data", data, SizeofPageData); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[0:8], p.GPA)
	binary.LittleEndian.PutUint32(data[8:12], p.CompatibilityMask)
	binary.LittleEndian.PutUint32(data[12:16], p.FileOffset)
	binary.LittleEndian.PutUint32(data[16:20], uint32(p.Flags))
	binary.LittleEndian.PutUint16(data[20:22], uint16(p.DataType))
	binary.LittleEndian.PutUint16(data[22:24], 0)
	return nil
}

// PageDataFromBytes interprets a header payload as PageData.
func PageDataFromBytes(data []byte) (*PageData, error) {
	if err := checkSize("page data", data, SizeofPageData); err != nil {
		return nil, err
	}
	return &PageData{
		GPA:               binary.LittleEndian.Uint64(data[0:8]),
		CompatibilityMask: binary.LittleEndian.Uint32(data[8:12]),
		FileOffset:        binary.LittleEndian.Uint32(data[12:16]),
		Flags:             PageDataFlags(binary.LittleEndian.Uint32(data[16:20])),
		DataType:          PageDataType(binary.LittleEndian.Uint16(data[20:22])),
	}, nil
}

// ParameterArea is IGVM_VHS_PARAMETER_AREA.
type ParameterArea struct {
	NumberOfBytes      uint64
	ParameterAreaIndex uint32
	FileOffset         uint32
}

// Put writes p in its ABI format to the beginning of data.
func (p *ParameterArea) Put(data []byte) error {
	if err := checkSize("parameter area", data, SizeofParameterArea); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[0:8], p.NumberOfBytes)
	binary.LittleEndian.PutUint32(data[8:12], p.ParameterAreaIndex)
	binary.LittleEndian.PutUint32(data[12:16], p.FileOffset)
	return nil
}

// ParameterAreaFromBytes interprets a header payload as ParameterArea.
func ParameterAreaFromBytes(data []byte) (*ParameterArea, error) {
	if err := checkSize("parameter area", data, SizeofParameterArea); err != nil {
		return nil, err
	}
	return &ParameterArea{
		NumberOfBytes:      binary.LittleEndian.Uint64(data[0:8]),
		ParameterAreaIndex: binary.LittleEndian.Uint32(data[8:12]),
		FileOffset:         binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// ParameterInsert is IGVM_VHS_PARAMETER_INSERT.
type ParameterInsert struct {
	GPA                uint64
	CompatibilityMask  uint32
	ParameterAreaIndex uint32
}

// Put writes p in its ABI format to the beginning of data.
func (p *ParameterInsert) Put(data []byte) error {
	if err := checkSize("parameter insert", data, SizeofParameterInsert); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[0:8], p.GPA)
	binary.LittleEndian.PutUint32(data[8:12], p.CompatibilityMask)
	binary.LittleEndian.PutUint32(data[12:16], p.ParameterAreaIndex)
	return nil
}

// ParameterInsertFromBytes interprets a header payload as ParameterInsert.
func ParameterInsertFromBytes(data []byte) (*ParameterInsert, error) {
	if err := checkSize("parameter insert", data, SizeofParameterInsert); err != nil {
		return nil, err
	}
	return &ParameterInsert{
		GPA:                binary.LittleEndian.Uint64(data[0:8]),
		CompatibilityMask:  binary.LittleEndian.Uint32(data[8:12]),
		ParameterAreaIndex: binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// Parameter is IGVM_VHS_PARAMETER, the payload of every header that fills part of a parameter
// area (VP count, memory map, environment info, ...).
type Parameter struct {
	ParameterAreaIndex uint32
	ByteOffset         uint32
}

// Put writes p in its ABI format to the beginning of data.
func (p *Parameter) Put(data []byte) error {
	if err := checkSize("parameter", data, SizeofParameter); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data[0:4], p.ParameterAreaIndex)
	binary.LittleEndian.PutUint32(data[4:8], p.ByteOffset)
	return nil
}

// ParameterFromBytes interprets a header payload as Parameter.
func ParameterFromBytes(data []byte) (*Parameter, error) {
	if err := checkSize("parameter", data, SizeofParameter); err != nil {
		return nil, err
	}
	return &Parameter{
		ParameterAreaIndex: binary.LittleEndian.Uint32(data[0:4]),
		ByteOffset:         binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// VPContext is IGVM_VHS_VP_CONTEXT.
type VPContext struct {
	GPA               uint64
	CompatibilityMask uint32
	FileOffset        uint32
	VPIndex           uint16
}

// Put writes v in its ABI format to the beginning of data.
func (v *VPContext) Put(data []byte) error {
	if err := checkSize("VP context", data, SizeofVPContext); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[0:8], v.GPA)
	binary.LittleEndian.PutUint32(data[8:12], v.CompatibilityMask)
	binary.LittleEndian.PutUint32(data[12:16], v.FileOffset)
	binary.LittleEndian.PutUint16(data[16:18], v.VPIndex)
	for i := 18; i < SizeofVPContext; i++ {
		data[i] = 0
	}
	return nil
}

// VPContextFromBytes interprets a header payload as VPContext. The trailing padding is optional.
func VPContextFromBytes(data []byte) (*VPContext, error) {
	if err := checkSize("VP context", data, 20); err != nil {
		return nil, err
	}
	return &VPContext{
		GPA:               binary.LittleEndian.Uint64(data[0:8]),
		CompatibilityMask: binary.LittleEndian.Uint32(data[8:12]),
		FileOffset:        binary.LittleEndian.Uint32(data[12:16]),
		VPIndex:           binary.LittleEndian.Uint16(data[16:18]),
	}, nil
}

// RequiredMemory is IGVM_VHS_REQUIRED_MEMORY.
type RequiredMemory struct {
	GPA               uint64
	CompatibilityMask uint32
	NumberOfBytes     uint32
	Flags             uint32
}

// Put writes r in its ABI format to the beginning of data.
func (r *RequiredMemory) Put(data []byte) error {
	if err := checkSize("required memory", data, SizeofRequiredMemory); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[0:8], r.GPA)
	binary.LittleEndian.PutUint32(data[8:12], r.CompatibilityMask)
	binary.LittleEndian.PutUint32(data[12:16], r.NumberOfBytes)
	binary.LittleEndian.PutUint32(data[16:20], r.Flags)
	binary.LittleEndian.PutUint32(data[20:24], 0)
	return nil
}

// RequiredMemoryFromBytes interprets a header payload as RequiredMemory.
func RequiredMemoryFromBytes(data []byte) (*RequiredMemory, error) {
	if err := checkSize("required memory", data, SizeofRequiredMemory); err != nil {
		return nil, err
	}
	return &RequiredMemory{
		GPA:               binary.LittleEndian.Uint64(data[0:8]),
		CompatibilityMask: binary.LittleEndian.Uint32(data[8:12]),
		NumberOfBytes:     binary.LittleEndian.Uint32(data[12:16]),
		Flags:             binary.LittleEndian.Uint32(data[16:20]),
	}, nil
}

// MemoryMapEntry is IGVM_VHS_MEMORY_MAP_ENTRY.
type MemoryMapEntry struct {
	StartingGPAPageNumber uint64
	NumberOfPages         uint64
	EntryType             MemoryMapEntryType
	Flags                 uint16
}

// Put writes e in its ABI format to the beginning of data.
func (e *MemoryMapEntry) Put(data []byte) error {
	if err := checkSize("memory map entry", data, SizeofMemoryMapEntry); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[0:8], e.StartingGPAPageNumber)
	binary.LittleEndian.PutUint64(data[8:16], e.NumberOfPages)
	binary.LittleEndian.PutUint16(data[16:18], uint16(e.EntryType))
	binary.LittleEndian.PutUint16(data[18:20], e.Flags)
	binary.LittleEndian.PutUint32(data[20:24], 0)
	return nil
}

// MemoryMapEntryFromBytes interprets data as a MemoryMapEntry.
func MemoryMapEntryFromBytes(data []byte) (*MemoryMapEntry, error) {
	if err := checkSize("memory map entry", data, SizeofMemoryMapEntry); err != nil {
		return nil, err
	}
	return &MemoryMapEntry{
		StartingGPAPageNumber: binary.LittleEndian.Uint64(data[0:8]),
		NumberOfPages:         binary.LittleEndian.Uint64(data[8:16]),
		EntryType:             MemoryMapEntryType(binary.LittleEndian.Uint16(data[16:18])),
		Flags:                 binary.LittleEndian.Uint16(data[18:20]),
	}, nil
}

// EnvironmentInfo is IgvmEnvironmentInfo.
type EnvironmentInfo struct {
	MemoryIsShared bool
}

// Put writes e in its ABI format to the beginning of data. Reserved bits in data are preserved.
func (e *EnvironmentInfo) Put(data []byte) error {
	if err := checkSize("environment info", data, SizeofEnvironmentInfo); err != nil {
		return err
	}
	v := binary.LittleEndian.Uint32(data[0:4]) &^ 1
	if e.MemoryIsShared {
		v |= 1
	}
	binary.LittleEndian.PutUint32(data[0:4], v)
	return nil
}

// SNPIDBlockSignature is IGVM_VHS_SNP_ID_BLOCK_SIGNATURE, an ECDSA signature in two
// little-endian components.
type SNPIDBlockSignature struct {
	R [ECDSAComponentSize]byte
	S [ECDSAComponentSize]byte
}

func (s *SNPIDBlockSignature) put(data []byte) {
	copy(data[0:ECDSAComponentSize], s.R[:])
	copy(data[ECDSAComponentSize:SizeofSNPIDBlockSignature], s.S[:])
}

func (s *SNPIDBlockSignature) populate(data []byte) {
	copy(s.R[:], data[0:ECDSAComponentSize])
	copy(s.S[:], data[ECDSAComponentSize:SizeofSNPIDBlockSignature])
}

// SNPIDBlockPublicKey is IGVM_VHS_SNP_ID_BLOCK_PUBLIC_KEY.
type SNPIDBlockPublicKey struct {
	Curve uint32
	Qx    [ECDSAComponentSize]byte
	Qy    [ECDSAComponentSize]byte
}

func (k *SNPIDBlockPublicKey) put(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], k.Curve)
	binary.LittleEndian.PutUint32(data[4:8], 0)
	copy(data[8:80], k.Qx[:])
	copy(data[80:SizeofSNPIDBlockPublicKey], k.Qy[:])
}

func (k *SNPIDBlockPublicKey) populate(data []byte) {
	k.Curve = binary.LittleEndian.Uint32(data[0:4])
	copy(k.Qx[:], data[8:80])
	copy(k.Qy[:], data[80:SizeofSNPIDBlockPublicKey])
}

// SNPIDBlock is IGVM_VHS_SNP_ID_BLOCK.
type SNPIDBlock struct {
	CompatibilityMask  uint32
	AuthorKeyEnabled   uint8
	LD                 [48]byte
	FamilyID           [16]byte
	ImageID            [16]byte
	Version            uint32
	GuestSVN           uint32
	IDKeyAlgorithm     uint32
	AuthorKeyAlgorithm uint32
	IDKeySignature     SNPIDBlockSignature
	IDPublicKey        SNPIDBlockPublicKey
	AuthorKeySignature SNPIDBlockSignature
	AuthorPublicKey    SNPIDBlockPublicKey
}

const (
	snpIDBlockIDKeySignatureOffset     = 104
	snpIDBlockIDPublicKeyOffset        = snpIDBlockIDKeySignatureOffset + SizeofSNPIDBlockSignature
	snpIDBlockAuthorKeySignatureOffset = snpIDBlockIDPublicKeyOffset + SizeofSNPIDBlockPublicKey
	snpIDBlockAuthorPublicKeyOffset    = snpIDBlockAuthorKeySignatureOffset + SizeofSNPIDBlockSignature
)

// Put writes b in its ABI format to the beginning of data.
func (b *SNPIDBlock) Put(data []byte) error {
	if err := checkSize("SNP ID block", data, SizeofSNPIDBlock); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data[0:4], b.CompatibilityMask)
	data[4] = b.AuthorKeyEnabled
	data[5], data[6], data[7] = 0, 0, 0
	copy(data[8:56], b.LD[:])
	copy(data[56:72], b.FamilyID[:])
	copy(data[72:88], b.ImageID[:])
	binary.LittleEndian.PutUint32(data[88:92], b.Version)
	binary.LittleEndian.PutUint32(data[92:96], b.GuestSVN)
	binary.LittleEndian.PutUint32(data[96:100], b.IDKeyAlgorithm)
	binary.LittleEndian.PutUint32(data[100:104], b.AuthorKeyAlgorithm)
	b.IDKeySignature.put(data[snpIDBlockIDKeySignatureOffset:snpIDBlockIDPublicKeyOffset])
	b.IDPublicKey.put(data[snpIDBlockIDPublicKeyOffset:snpIDBlockAuthorKeySignatureOffset])
	b.AuthorKeySignature.put(data[snpIDBlockAuthorKeySignatureOffset:snpIDBlockAuthorPublicKeyOffset])
	b.AuthorPublicKey.put(data[snpIDBlockAuthorPublicKeyOffset:SizeofSNPIDBlock])
	return nil
}

// SNPIDBlockFromBytes interprets a header payload as SNPIDBlock.
func SNPIDBlockFromBytes(data []byte) (*SNPIDBlock, error) {
	if err := checkSize("SNP ID block", data, SizeofSNPIDBlock); err != nil {
		return nil, err
	}
	b := &SNPIDBlock{
		CompatibilityMask:  binary.LittleEndian.Uint32(data[0:4]),
		AuthorKeyEnabled:   data[4],
		Version:            binary.LittleEndian.Uint32(data[88:92]),
		GuestSVN:           binary.LittleEndian.Uint32(data[92:96]),
		IDKeyAlgorithm:     binary.LittleEndian.Uint32(data[96:100]),
		AuthorKeyAlgorithm: binary.LittleEndian.Uint32(data[100:104]),
	}
	copy(b.LD[:], data[8:56])
	copy(b.FamilyID[:], data[56:72])
	copy(b.ImageID[:], data[72:88])
	b.IDKeySignature.populate(data[snpIDBlockIDKeySignatureOffset:snpIDBlockIDPublicKeyOffset])
	b.IDPublicKey.populate(data[snpIDBlockIDPublicKeyOffset:snpIDBlockAuthorKeySignatureOffset])
	b.AuthorKeySignature.populate(data[snpIDBlockAuthorKeySignatureOffset:snpIDBlockAuthorPublicKeyOffset])
	b.AuthorPublicKey.populate(data[snpIDBlockAuthorPublicKeyOffset:SizeofSNPIDBlock])
	return b, nil
}

// CompatibilityMask returns the compatibility mask a header payload of the given type carries,
// and whether that type carries one at all.
func CompatibilityMask(t HeaderType, payload []byte) (uint32, bool) {
	var off int
	switch t {
	case HeaderTypeSupportedPlatform, HeaderTypeSNPIDBlock:
		off = 0
	case HeaderTypeGuestPolicy, HeaderTypePageData, HeaderTypeParameterInsert,
		HeaderTypeVPContext, HeaderTypeRequiredMemory:
		off = 8
	default:
		return 0, false
	}
	if len(payload) < off+4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload[off : off+4]), true
}
