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

	"github.com/qemu/qemu-sub037/igvm/abi"
)

type handler func(p *processor, payload []byte) error

// handlers holds the header types the loader processes, per section.
var handlers = map[abi.Section]map[abi.HeaderType]handler{
	abi.SectionDirective: {
		abi.HeaderTypePageData:                 (*processor).pageData,
		abi.HeaderTypeVPContext:                (*processor).vpContext,
		abi.HeaderTypeParameterArea:            (*processor).parameterArea,
		abi.HeaderTypeParameterInsert:          (*processor).parameterInsert,
		abi.HeaderTypeMemoryMap:                (*processor).memoryMap,
		abi.HeaderTypeVPCountParameter:         (*processor).vpCount,
		abi.HeaderTypeEnvironmentInfoParameter: (*processor).environmentInfo,
		abi.HeaderTypeRequiredMemory:           (*processor).requiredMemory,
		abi.HeaderTypeSNPIDBlock:               (*processor).snpIDBlock,
	},
	abi.SectionInitialization: {
		abi.HeaderTypeGuestPolicy: (*processor).guestPolicy,
	},
}

// walkDirectives dispatches the directive section, or only its VP contexts when the processor is
// limited to them. A file without directives is invalid.
func (p *processor) walkDirectives() error {
	count, err := p.file.HeaderCount(abi.SectionDirective)
	if err != nil {
		return fmt.Errorf("invalid directive header count in IGVM file: %v", err)
	}
	if count <= 0 {
		return fmt.Errorf("invalid directive header count in IGVM file: %d", count)
	}
	return p.walkN(abi.SectionDirective, count, p.onlyVPContext)
}

// walk dispatches every header of a section in file order.
func (p *processor) walk(section abi.Section) error {
	count, err := p.file.HeaderCount(section)
	if err != nil {
		return fmt.Errorf("invalid %v header count in IGVM file: %v", section, err)
	}
	return p.walkN(section, count, false)
}

func (p *processor) walkN(section abi.Section, count int, onlyVPContext bool) error {
	for i := 0; i < count; i++ {
		typ, err := p.file.HeaderType(section, i)
		if err != nil {
			return fmt.Errorf("invalid %v header in IGVM file at index %d: %v", section, i, err)
		}
		if onlyVPContext && typ != abi.HeaderTypeVPContext {
			continue
		}
		p.headerIndex = i
		if err := p.dispatch(section, typ); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs the handler for the header at the current index.
func (p *processor) dispatch(section abi.Section, typ abi.HeaderType) error {
	h, ok := handlers[section][typ]
	if !ok {
		return fmt.Errorf("%w: (type 0x%X)", ErrUnknownHeader, uint32(typ))
	}
	payload, err := p.file.Header(section, p.headerIndex)
	if err != nil {
		return fmt.Errorf("IGVM file is invalid: failed to read %v header %d: %v", section, p.headerIndex, err)
	}
	return h(p, payload)
}

// compatible reports whether a header with the given compatibility mask applies to the negotiated
// platform.
func (p *processor) compatible(mask uint32) bool {
	return mask&p.compatibilityMask != 0
}
