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

	"github.com/google/logger"
	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/igvm/abi"
)

// observePage adds a compatible page data directive at the current header index to the pending
// run, flushing the run first if the page cannot extend it. A nil page flushes the pending run.
func (p *processor) observePage(page *abi.PageData) error {
	if page == nil {
		if p.regionPageCount == 0 {
			return nil
		}
		return p.flushRegion()
	}
	data, err := p.headerData(p.headerIndex)
	if err != nil {
		return fmt.Errorf("IGVM file contains invalid page data for directive with index %d: %v", p.headerIndex, err)
	}
	hasData := data != nil
	if p.regionPageCount != 0 && !p.extendsRegion(page, hasData) {
		if err := p.flushRegion(); err != nil {
			return err
		}
	}
	if p.regionPageCount == 0 {
		p.regionStart = page.GPA
		p.regionStartIndex = p.headerIndex
	}
	p.prevPage = *page
	p.prevHasData = hasData
	p.regionLastIndex = p.headerIndex
	p.regionPageCount++
	return nil
}

// extendsRegion reports whether page directly follows the pending run in both guest memory and
// the file, with the same attributes.
func (p *processor) extendsRegion(page *abi.PageData, hasData bool) bool {
	prev := &p.prevPage
	return hasData == p.prevHasData &&
		page.Flags == prev.Flags &&
		page.DataType == prev.DataType &&
		page.CompatibilityMask == prev.CompatibilityMask &&
		prev.GPA+prev.Flags.PageSize() == page.GPA &&
		p.regionLastIndex+1 == p.headerIndex
}

// flushRegion copies the pending run into one guest memory region and reports it to the support
// backend.
func (p *processor) flushRegion() error {
	start, count := p.regionStartIndex, p.regionPageCount
	flags, dataType := p.prevPage.Flags, p.prevPage.DataType
	p.regionPageCount = 0

	pageSize := flags.PageSize()
	pages := make([][]byte, count)
	zero := true
	for i := range pages {
		index := start + i
		data, err := p.headerData(index)
		if err != nil {
			return fmt.Errorf("IGVM file contains invalid page data for directive with index %d: %v", index, err)
		}
		if uint64(len(data)) > pageSize {
			return fmt.Errorf("IGVM file contains page data with invalid size for directive with index %d", index)
		}
		if data != nil {
			zero = false
		}
		pages[i] = data
	}

	region, err := p.prepareMemory(p.regionStart, count*pageSize, start)
	if err != nil {
		return err
	}
	for i, data := range pages {
		page := region[uint64(i)*pageSize : uint64(i+1)*pageSize]
		n := copy(page, data)
		clear(page[n:])
	}
	logger.V(1).Infof("IGVM directives %d to %d: %d pages at 0x%x", start, start+int(count)-1, count, p.regionStart)

	if p.support == nil {
		return nil
	}
	pageType, ok := cgsPageType(dataType, flags, zero)
	if !ok {
		return fmt.Errorf("invalid page type in IGVM file: directives %d to %d, page type %d",
			start, start+int(count)-1, dataType)
	}
	return p.support.SetGuestState(p.regionStart, region, pageType, 0)
}

// cgsPageType translates an IGVM page data type to the page type a support backend understands.
func cgsPageType(dataType abi.PageDataType, flags abi.PageDataFlags, zero bool) (cgs.PageType, bool) {
	switch dataType {
	case abi.PageDataTypeNormal:
		if flags&abi.PageDataUnmeasured != 0 {
			return cgs.PageTypeUnmeasured, true
		}
		if zero {
			return cgs.PageTypeZero, true
		}
		return cgs.PageTypeNormal, true
	case abi.PageDataTypeSecrets:
		return cgs.PageTypeSecrets, true
	case abi.PageDataTypeCPUIDData, abi.PageDataTypeCPUIDXF:
		return cgs.PageTypeCPUID, true
	}
	return 0, false
}
