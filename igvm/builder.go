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

package igvm

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
	"github.com/qemu/qemu-sub037/igvm/abi"
	"golang.org/x/exp/slices"
)

// noOffset marks a builder entry whose payload has no file offset field.
const noOffset = -1

type entry struct {
	section abi.Section
	typ     abi.HeaderType
	payload []byte
	data    []byte
	// offsetField is the position of the uint32 file offset within payload.
	offsetField int
}

// Builder assembles an IGVM file. Headers are emitted grouped by section in the order they were
// added, and file data is laid out after the variable header section.
type Builder struct {
	FormatVersion uint32
	Architecture  abi.Architecture
	entries       []entry
	err           error
}

// NewBuilder returns a builder for a version 1 IGVM file.
func NewBuilder() *Builder {
	return &Builder{FormatVersion: abi.FormatVersion1}
}

type putter interface {
	Put([]byte) error
}

func (b *Builder) add(typ abi.HeaderType, size int, p putter, data []byte, offsetField int) *Builder {
	if b.err != nil {
		return b
	}
	section, err := abi.SectionOf(typ)
	if err != nil {
		b.err = err
		return b
	}
	payload := make([]byte, size)
	if err := p.Put(payload); err != nil {
		b.err = err
		return b
	}
	b.entries = append(b.entries, entry{
		section:     section,
		typ:         typ,
		payload:     payload,
		data:        data,
		offsetField: offsetField,
	})
	return b
}

// AddRaw adds a header with an arbitrary payload and no file data.
func (b *Builder) AddRaw(typ abi.HeaderType, payload []byte) *Builder {
	if b.err != nil {
		return b
	}
	section, err := abi.SectionOf(typ)
	if err != nil {
		b.err = err
		return b
	}
	b.entries = append(b.entries, entry{section: section, typ: typ, payload: payload, offsetField: noOffset})
	return b
}

// AddSupportedPlatform adds a SUPPORTED_PLATFORM header.
func (b *Builder) AddSupportedPlatform(p *abi.SupportedPlatform) *Builder {
	return b.add(abi.HeaderTypeSupportedPlatform, abi.SizeofSupportedPlatform, p, nil, noOffset)
}

// AddGuestPolicy adds a GUEST_POLICY header.
func (b *Builder) AddGuestPolicy(p *abi.GuestPolicy) *Builder {
	return b.add(abi.HeaderTypeGuestPolicy, abi.SizeofGuestPolicy, p, nil, noOffset)
}

// AddPageData adds a PAGE_DATA header. A nil or empty data leaves the file offset zero.
func (b *Builder) AddPageData(p *abi.PageData, data []byte) *Builder {
	return b.add(abi.HeaderTypePageData, abi.SizeofPageData, p, data, 12)
}

// AddParameterArea adds a PARAMETER_AREA header with optional initial contents.
func (b *Builder) AddParameterArea(p *abi.ParameterArea, data []byte) *Builder {
	return b.add(abi.HeaderTypeParameterArea, abi.SizeofParameterArea, p, data, 12)
}

// AddParameterInsert adds a PARAMETER_INSERT header.
func (b *Builder) AddParameterInsert(p *abi.ParameterInsert) *Builder {
	return b.add(abi.HeaderTypeParameterInsert, abi.SizeofParameterInsert, p, nil, noOffset)
}

// AddParameter adds a header of type typ whose payload is an IGVM_VHS_PARAMETER, such as
// VP_COUNT_PARAMETER, MEMORY_MAP or ENVIRONMENT_INFO_PARAMETER.
func (b *Builder) AddParameter(typ abi.HeaderType, p *abi.Parameter) *Builder {
	return b.add(typ, abi.SizeofParameter, p, nil, noOffset)
}

// AddVPContext adds a VP_CONTEXT header with its register state page.
func (b *Builder) AddVPContext(v *abi.VPContext, data []byte) *Builder {
	return b.add(abi.HeaderTypeVPContext, abi.SizeofVPContext, v, data, 12)
}

// AddRequiredMemory adds a REQUIRED_MEMORY header.
func (b *Builder) AddRequiredMemory(r *abi.RequiredMemory) *Builder {
	return b.add(abi.HeaderTypeRequiredMemory, abi.SizeofRequiredMemory, r, nil, noOffset)
}

// AddSNPIDBlock adds an SNP_ID_BLOCK header.
func (b *Builder) AddSNPIDBlock(idb *abi.SNPIDBlock) *Builder {
	return b.add(abi.HeaderTypeSNPIDBlock, abi.SizeofSNPIDBlock, idb, nil, noOffset)
}

// Build returns the serialized IGVM file.
func (b *Builder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	entries := slices.Clone(b.entries)
	slices.SortStableFunc(entries, func(x, y entry) int { return int(x.section) - int(y.section) })

	fixed := &abi.FixedHeader{
		Magic:         abi.Magic,
		FormatVersion: b.FormatVersion,
		Architecture:  b.Architecture,
	}
	if b.FormatVersion >= abi.FormatVersion2 {
		fixed.PageSize = abi.PageSize4K
	}
	variableSize := 0
	for _, e := range entries {
		variableSize = alignUp(variableSize+abi.SizeofVariableHeader+len(e.payload), abi.VariableHeaderAlignment)
	}
	dataSize := 0
	for _, e := range entries {
		dataSize += len(e.data)
	}
	total := fixed.Size() + variableSize + dataSize
	var err error
	if fixed.VariableHeaderOffset, err = safecast.Conv[uint32](fixed.Size()); err != nil {
		return nil, err
	}
	if fixed.VariableHeaderSize, err = safecast.Conv[uint32](variableSize); err != nil {
		return nil, err
	}
	if fixed.TotalFileSize, err = safecast.Conv[uint32](total); err != nil {
		return nil, fmt.Errorf("IGVM file too large: %v", err)
	}

	out := make([]byte, total)
	variable := out[fixed.Size() : fixed.Size()+variableSize]
	dataOff := fixed.Size() + variableSize
	off := 0
	for _, e := range entries {
		vh := abi.VariableHeader{Type: e.typ, Length: uint32(len(e.payload))}
		if err := vh.Put(variable[off:]); err != nil {
			return nil, err
		}
		payload := variable[off+abi.SizeofVariableHeader : off+abi.SizeofVariableHeader+len(e.payload)]
		copy(payload, e.payload)
		if e.offsetField != noOffset && len(e.data) > 0 {
			copy(out[dataOff:], e.data)
			binary.LittleEndian.PutUint32(payload[e.offsetField:e.offsetField+4], uint32(dataOff))
			dataOff += len(e.data)
		}
		off = alignUp(off+abi.SizeofVariableHeader+len(e.payload), abi.VariableHeaderAlignment)
	}
	if fixed.Checksum, err = Checksum(fixed, variable); err != nil {
		return nil, err
	}
	if err := fixed.Put(out); err != nil {
		return nil, err
	}
	return out, nil
}
