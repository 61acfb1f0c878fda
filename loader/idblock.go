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
	"github.com/qemu/qemu-sub037/sev"
)

// snpIDBlock captures the file's SNP ID block in the layout SNP_LAUNCH_FINISH expects. A file may
// carry only one, whatever the compatibility mask of the others.
func (p *processor) snpIDBlock(payload []byte) error {
	if p.seenIDBlock {
		return ErrMultipleIDBlocks
	}
	p.seenIDBlock = true
	b, err := abi.SNPIDBlockFromBytes(payload)
	if err != nil {
		return err
	}
	if !p.compatible(b.CompatibilityMask) {
		return nil
	}
	p.idBlock, p.idAuth = idBlockFromIGVM(b)
	return nil
}

func idBlockFromIGVM(b *abi.SNPIDBlock) (*sev.IDBlock, *sev.IDAuthentication) {
	block := &sev.IDBlock{
		LD:       b.LD,
		FamilyID: b.FamilyID,
		ImageID:  b.ImageID,
		Version:  sev.IDBlockVersion,
		GuestSVN: b.GuestSVN,
	}
	auth := &sev.IDAuthentication{
		IDKeyAlgorithm:     b.IDKeyAlgorithm,
		AuthorKeyAlgorithm: b.AuthorKeyAlgorithm,
		// The IGVM ID key signature signs the ID block, and the author key signature signs the
		// ID key.
		IDBlockSignature: sev.Signature{R: b.IDKeySignature.R, S: b.IDKeySignature.S},
		IDKey:            sev.PublicKey{Curve: b.IDPublicKey.Curve, Qx: b.IDPublicKey.Qx, Qy: b.IDPublicKey.Qy},
		IDKeySignature:   sev.Signature{R: b.AuthorKeySignature.R, S: b.AuthorKeySignature.S},
		AuthorKey: sev.PublicKey{
			Curve: b.AuthorPublicKey.Curve,
			Qx:    b.AuthorPublicKey.Qx,
			Qy:    b.AuthorPublicKey.Qy,
		},
	}
	return block, auth
}

// handOffPolicy passes the guest policy and any ID block to the support backend of an SEV family
// guest.
func (p *processor) handOffPolicy() error {
	if p.support == nil {
		return nil
	}
	switch p.platformType {
	case abi.PlatformTypeSEV, abi.PlatformTypeSEVES, abi.PlatformTypeSEVSNP:
	default:
		return nil
	}
	var idBlock, idAuth []byte
	if p.idBlock != nil {
		p.idBlock.Policy = p.policy
		var err error
		if idBlock, err = p.idBlock.Bytes(); err != nil {
			return err
		}
		if idAuth, err = p.idAuth.Bytes(); err != nil {
			return err
		}
	}
	logger.V(1).Infof("handing off %v guest policy 0x%x (ID block: %t)", p.platformType, p.policy, idBlock != nil)
	if err := p.support.SetGuestPolicy(cgs.PolicySEV, p.policy, idBlock, idAuth); err != nil {
		return fmt.Errorf("could not set guest policy: %w", err)
	}
	return nil
}
