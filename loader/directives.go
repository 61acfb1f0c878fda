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
	"encoding/binary"
	"errors"
	"fmt"

	"fortio.org/safecast"
	"github.com/google/logger"
	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/igvm"
	"github.com/qemu/qemu-sub037/igvm/abi"
)

func (p *processor) pageData(payload []byte) error {
	pd, err := abi.PageDataFromBytes(payload)
	if err != nil {
		return err
	}
	if !p.compatible(pd.CompatibilityMask) {
		logger.V(2).Infof("skipping page data at 0x%x with compatibility mask 0x%x", pd.GPA, pd.CompatibilityMask)
		return nil
	}
	return p.observePage(pd)
}

func (p *processor) vpContext(payload []byte) error {
	vp, err := abi.VPContextFromBytes(payload)
	if err != nil {
		return err
	}
	if !p.compatible(vp.CompatibilityMask) {
		return nil
	}
	if p.setVPContext == nil {
		return errors.New("A VP context is present in the IGVM file but is not supported by the current system")
	}
	data, err := p.file.HeaderData(abi.SectionDirective, p.headerIndex)
	if err != nil {
		return fmt.Errorf("invalid VP context in IGVM file at index %d: %v", p.headerIndex, err)
	}
	return p.setVPContext(vp.GPA, data, vp.VPIndex)
}

func (p *processor) parameterArea(payload []byte) error {
	pa, err := abi.ParameterAreaFromBytes(payload)
	if err != nil {
		return err
	}
	if pa.NumberOfBytes%abi.PageSize4K != 0 {
		return fmt.Errorf("parameter area %d size 0x%x is not 4 KiB aligned", pa.ParameterAreaIndex, pa.NumberOfBytes)
	}
	size, err := safecast.Conv[uint32](pa.NumberOfBytes)
	if err != nil {
		return fmt.Errorf("parameter area %d size 0x%x: %v", pa.ParameterAreaIndex, pa.NumberOfBytes, err)
	}
	p.params.create(pa.ParameterAreaIndex, size)
	return nil
}

// parameterInsert copies every area with the directive's index into guest memory and releases it.
func (p *processor) parameterInsert(payload []byte) error {
	pi, err := abi.ParameterInsertFromBytes(payload)
	if err != nil {
		return err
	}
	if !p.compatible(pi.CompatibilityMask) {
		return nil
	}
	for _, a := range p.params.matching(pi.ParameterAreaIndex) {
		if a.consumed {
			return fmt.Errorf("parameter area %d was already inserted", a.index)
		}
		region, err := p.prepareMemory(pi.GPA, uint64(a.size), p.headerIndex)
		if err != nil {
			return err
		}
		copy(region, a.data)
		a.consumed = true
		p.params.release(a)
		if p.support != nil {
			if err := p.support.SetGuestState(pi.GPA, region, cgs.PageTypeUnmeasured, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *processor) memoryMap(payload []byte) error {
	param, err := abi.ParameterFromBytes(payload)
	if err != nil {
		return err
	}
	if p.memoryMapper == nil {
		return errors.New("IGVM file contains a memory map but this is not supported by the current system")
	}
	return p.params.populateMemoryMap(param.ParameterAreaIndex, p.memoryMapper)
}

func (p *processor) vpCount(payload []byte) error {
	param, err := abi.ParameterFromBytes(payload)
	if err != nil {
		return err
	}
	count, err := safecast.Conv[uint32](p.vcpus)
	if err != nil {
		return fmt.Errorf("vCPU count %d: %v", p.vcpus, err)
	}
	field, err := p.params.field(param.ParameterAreaIndex, param.ByteOffset, 4)
	if err != nil || field == nil {
		return err
	}
	binary.LittleEndian.PutUint32(field, count)
	return nil
}

func (p *processor) environmentInfo(payload []byte) error {
	param, err := abi.ParameterFromBytes(payload)
	if err != nil {
		return err
	}
	field, err := p.params.field(param.ParameterAreaIndex, param.ByteOffset, abi.SizeofEnvironmentInfo)
	if err != nil || field == nil {
		return err
	}
	info := abi.EnvironmentInfo{MemoryIsShared: true}
	return info.Put(field)
}

func (p *processor) requiredMemory(payload []byte) error {
	rm, err := abi.RequiredMemoryFromBytes(payload)
	if err != nil {
		return err
	}
	if !p.compatible(rm.CompatibilityMask) {
		return nil
	}
	region, err := p.prepareMemory(rm.GPA, uint64(rm.NumberOfBytes), p.headerIndex)
	if err != nil {
		return err
	}
	if p.support == nil {
		return nil
	}
	return p.support.SetGuestState(rm.GPA, region, cgs.PageTypeRequiredMemory, 0)
}

func (p *processor) guestPolicy(payload []byte) error {
	gp, err := abi.GuestPolicyFromBytes(payload)
	if err != nil {
		return err
	}
	if p.compatible(gp.CompatibilityMask) {
		p.policy = gp.Policy
	}
	return nil
}

// headerData returns the data of a directive, or nil if it has none.
func (p *processor) headerData(index int) ([]byte, error) {
	data, err := p.file.HeaderData(abi.SectionDirective, index)
	if errors.Is(err, igvm.ErrNoData) {
		return nil, nil
	}
	return data, err
}
