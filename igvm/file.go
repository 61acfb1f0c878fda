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

// Package igvm reads and writes Independent Guest Virtual Machine (IGVM) files.
package igvm

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"fortio.org/safecast"
	"github.com/qemu/qemu-sub037/igvm/abi"
)

var (
	// ErrNoData is returned by HeaderData when a header does not reference any file data.
	ErrNoData = errors.New("header has no associated file data")
	// ErrBadMagic is returned when a file does not start with the IGVM magic.
	ErrBadMagic = errors.New("not an IGVM file")
	// ErrClosed is returned when a closed File is accessed.
	ErrClosed = errors.New("IGVM file is closed")
)

type header struct {
	typ     abi.HeaderType
	payload []byte
}

// File is a parsed IGVM file. Header payloads alias the file contents.
type File struct {
	// Fixed is the fixed header at the start of the file.
	Fixed    *abi.FixedHeader
	contents []byte
	sections [abi.SectionCount][]header
	closed   bool
}

// Open reads and parses the IGVM file at path.
func Open(path string) (*File, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read IGVM file %q: %v", path, err)
	}
	f, err := Parse(contents)
	if err != nil {
		return nil, fmt.Errorf("could not parse IGVM file %q: %w", path, err)
	}
	return f, nil
}

// Checksum returns the IGVM checksum of contents: the CRC32 of the fixed header with a zeroed
// checksum field followed by the variable header section.
func Checksum(fixed *abi.FixedHeader, variableHeaders []byte) (uint32, error) {
	zeroed := *fixed
	zeroed.Checksum = 0
	buf := make([]byte, zeroed.Size())
	if err := zeroed.Put(buf); err != nil {
		return 0, err
	}
	sum := crc32.ChecksumIEEE(buf)
	return crc32.Update(sum, crc32.IEEETable, variableHeaders), nil
}

// Parse interprets contents as an IGVM file.
func Parse(contents []byte) (*File, error) {
	fixed, err := abi.FixedHeaderFromBytes(contents)
	if err != nil {
		return nil, err
	}
	if fixed.Magic != abi.Magic {
		return nil, fmt.Errorf("%w: magic 0x%08x", ErrBadMagic, fixed.Magic)
	}
	if fixed.FormatVersion != abi.FormatVersion1 && fixed.FormatVersion != abi.FormatVersion2 {
		return nil, fmt.Errorf("unsupported IGVM format version %d", fixed.FormatVersion)
	}
	if int(fixed.TotalFileSize) != len(contents) {
		return nil, fmt.Errorf("IGVM total file size %d does not match actual size %d",
			fixed.TotalFileSize, len(contents))
	}
	start := uint64(fixed.VariableHeaderOffset)
	end := start + uint64(fixed.VariableHeaderSize)
	if start < uint64(fixed.Size()) || end > uint64(len(contents)) {
		return nil, fmt.Errorf("variable header section [0x%x, 0x%x) is outside the file (size 0x%x)",
			start, end, len(contents))
	}
	variable := contents[start:end]
	sum, err := Checksum(fixed, variable)
	if err != nil {
		return nil, err
	}
	if sum != fixed.Checksum {
		return nil, fmt.Errorf("IGVM checksum mismatch: header says 0x%08x, computed 0x%08x",
			fixed.Checksum, sum)
	}

	f := &File{Fixed: fixed, contents: contents}
	section := abi.SectionPlatform
	for off := 0; off < len(variable); {
		vh, err := abi.VariableHeaderFromBytes(variable[off:])
		if err != nil {
			return nil, fmt.Errorf("variable header at offset 0x%x: %v", off, err)
		}
		payloadStart := off + abi.SizeofVariableHeader
		payloadEnd := payloadStart + int(vh.Length)
		if payloadEnd > len(variable) {
			return nil, fmt.Errorf("variable header %v at offset 0x%x has length 0x%x past the end of the section",
				vh.Type, off, vh.Length)
		}
		s, err := abi.SectionOf(vh.Type)
		if err != nil {
			return nil, fmt.Errorf("variable header at offset 0x%x: %v", off, err)
		}
		if s < section {
			return nil, fmt.Errorf("%v header %v at offset 0x%x follows the %v section", s, vh.Type, off, section)
		}
		section = s
		f.sections[s] = append(f.sections[s], header{typ: vh.Type, payload: variable[payloadStart:payloadEnd]})
		off = alignUp(payloadEnd, abi.VariableHeaderAlignment)
	}
	return f, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func (f *File) lookup(section abi.Section, index int) (*header, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if section < 0 || section >= abi.SectionCount {
		return nil, fmt.Errorf("invalid section %v", section)
	}
	headers := f.sections[section]
	if index < 0 || index >= len(headers) {
		return nil, fmt.Errorf("%v header index %d out of range [0, %d)", section, index, len(headers))
	}
	return &headers[index], nil
}

// HeaderCount returns the number of headers in section.
func (f *File) HeaderCount(section abi.Section) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if section < 0 || section >= abi.SectionCount {
		return 0, fmt.Errorf("invalid section %v", section)
	}
	return len(f.sections[section]), nil
}

// HeaderType returns the type of the header at index within section.
func (f *File) HeaderType(section abi.Section, index int) (abi.HeaderType, error) {
	h, err := f.lookup(section, index)
	if err != nil {
		return 0, err
	}
	return h.typ, nil
}

// Header returns the payload of the header at index within section, without the variable header
// prefix.
func (f *File) Header(section abi.Section, index int) ([]byte, error) {
	h, err := f.lookup(section, index)
	if err != nil {
		return nil, err
	}
	return h.payload, nil
}

// HeaderData returns the file data the header at index within section refers to. It returns
// ErrNoData for headers without data, including those whose file offset is zero.
func (f *File) HeaderData(section abi.Section, index int) ([]byte, error) {
	h, err := f.lookup(section, index)
	if err != nil {
		return nil, err
	}
	var offset uint32
	var size uint64
	switch h.typ {
	case abi.HeaderTypePageData:
		pd, err := abi.PageDataFromBytes(h.payload)
		if err != nil {
			return nil, err
		}
		offset, size = pd.FileOffset, pd.Flags.PageSize()
	case abi.HeaderTypeVPContext:
		vp, err := abi.VPContextFromBytes(h.payload)
		if err != nil {
			return nil, err
		}
		offset, size = vp.FileOffset, abi.PageSize4K
	case abi.HeaderTypeParameterArea:
		pa, err := abi.ParameterAreaFromBytes(h.payload)
		if err != nil {
			return nil, err
		}
		offset, size = pa.FileOffset, pa.NumberOfBytes
	default:
		return nil, ErrNoData
	}
	if offset == 0 {
		return nil, ErrNoData
	}
	if int(offset) >= len(f.contents) {
		return nil, fmt.Errorf("%v header %d data offset 0x%x is past the end of the file", h.typ, index, offset)
	}
	end := uint64(offset) + size
	if end > uint64(len(f.contents)) {
		end = uint64(len(f.contents))
	}
	n, err := safecast.Conv[int](end)
	if err != nil {
		return nil, err
	}
	return f.contents[offset:n], nil
}

// Close releases the file. Any later access fails with ErrClosed.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	f.contents = nil
	f.sections = [abi.SectionCount][]header{}
	return nil
}
