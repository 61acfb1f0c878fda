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

// isolationPlatforms maps the IGVM platform types a support backend may provide to the backend's
// platform names.
var isolationPlatforms = map[abi.PlatformType]cgs.Platform{
	abi.PlatformTypeSEV:    cgs.PlatformSEV,
	abi.PlatformTypeSEVES:  cgs.PlatformSEVES,
	abi.PlatformTypeSEVSNP: cgs.PlatformSEVSNP,
}

// platformPreference lists platform types from strongest to weakest isolation.
var platformPreference = []abi.PlatformType{
	abi.PlatformTypeSEVSNP,
	abi.PlatformTypeSEVES,
	abi.PlatformTypeSEV,
	abi.PlatformTypeNative,
}

// negotiatePlatform picks the strongest platform that both the file and the host support and
// records its compatibility mask.
func (p *processor) negotiatePlatform() error {
	count, err := p.file.HeaderCount(abi.SectionPlatform)
	if err != nil {
		return fmt.Errorf("invalid platform header count in IGVM file: %v", err)
	}
	masks := make(map[abi.PlatformType]uint32)
	for i := 0; i < count; i++ {
		typ, err := p.file.HeaderType(abi.SectionPlatform, i)
		if err != nil {
			return fmt.Errorf("invalid platform header in IGVM file at index %d: %v", i, err)
		}
		if typ != abi.HeaderTypeSupportedPlatform {
			continue
		}
		payload, err := p.file.Header(abi.SectionPlatform, i)
		if err != nil {
			return fmt.Errorf("invalid platform header in IGVM file at index %d: %v", i, err)
		}
		sp, err := abi.SupportedPlatformFromBytes(payload)
		if err != nil {
			return fmt.Errorf("invalid platform header in IGVM file at index %d: %v", i, err)
		}
		if sp.PlatformType == abi.PlatformTypeNative {
			masks[sp.PlatformType] = sp.CompatibilityMask
			continue
		}
		platform, ok := isolationPlatforms[sp.PlatformType]
		if !ok {
			logger.V(2).Infof("ignoring %v platform header at index %d", sp.PlatformType, i)
			continue
		}
		if p.support == nil {
			logger.V(2).Infof("ignoring %v platform header without confidential guest support", sp.PlatformType)
			continue
		}
		if p.support.CheckSupport(platform, sp.PlatformVersion, sp.HighestVTL, sp.SharedGPABoundary) {
			masks[sp.PlatformType] = sp.CompatibilityMask
		} else {
			logger.V(1).Infof("%v version %d is not supported by this host", platform, sp.PlatformVersion)
		}
	}
	for _, pt := range platformPreference {
		if mask := masks[pt]; mask != 0 {
			p.platformType = pt
			p.compatibilityMask = mask
			logger.V(1).Infof("IGVM platform %v selected with compatibility mask 0x%x", pt, mask)
			return nil
		}
	}
	return ErrNoPlatform
}
