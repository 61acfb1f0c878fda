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

package sev

import (
	"encoding/binary"
	"fmt"

	"github.com/qemu/qemu-sub037/cgs"
)

// Types and values specified in AMD SNP API revision 1.51
// https://www.amd.com/system/files/TechDocs/56860.pdf

const (
	// PageSize is the granularity of SNP_LAUNCH_UPDATE.
	PageSize = 0x1000

	// IsInitialMeasuredImage is the flag for whether a page is included in the Initial Measured
	// Image (IMI).
	IsInitialMeasuredImage = 1

	// SizeofPageInfo is the ABI size of PAGE_INFO.
	SizeofPageInfo = 0x70

	// SizeofVmsa is the ABI size of the SEV-ES VMCB secure save area.
	SizeofVmsa = 0x670

	// SizeofIDBlock is the ABI size of the SNP_LAUNCH_FINISH ID_BLOCK.
	SizeofIDBlock = 0x60
	// SizeofIDAuthentication is the ABI size of the SNP_LAUNCH_FINISH ID_AUTH_INFO page.
	SizeofIDAuthentication = 0x1000
	// SizeofSignature is the ABI size of an ECDSA P-384 signature field in ID_AUTH_INFO.
	SizeofSignature = 0x200
	// SizeofPublicKey is the ABI size of an ECDSA public key field in ID_AUTH_INFO.
	SizeofPublicKey = 0x404

	// IDBlockVersion is the only defined ID_BLOCK version.
	IDBlockVersion = 1

	// FamilyIDSize is the size of the ID_BLOCK FAMILY_ID field.
	FamilyIDSize = 16
	// ImageIDSize is the size of the ID_BLOCK IMAGE_ID field.
	ImageIDSize = 16
	// ECDSAComponentSize is the size of a P-384 signature component or curve coordinate in the
	// AMD little-endian encoding.
	ECDSAComponentSize = 72

	idAuthIDBlockSigOffset = 0x40
	idAuthIDKeyOffset      = 0x240
	idAuthIDKeySigOffset   = 0x680
	idAuthAuthorKeyOffset  = 0x880
)

// PageType is an enum to safe-guard validity of Secure Nested Paging (SNP) page types.
// SNP ABI documentation for SNP_LAUNCH_UPDATE, Encodings for the PAGE_TYPE Field.
type PageType uint8

const (
	// PageTypeNormal is the SEV-SNP ABI encoding of a normally measured page.
	PageTypeNormal PageType = iota + 1
	// PageTypeVmsa is the SEV-SNP ABI encoding of an encrypted VMCB save area.
	PageTypeVmsa
	// PageTypeZero is the SEV-SNP ABI encoding of a zero page.
	PageTypeZero
	// PageTypeUnmeasured is the SEV-SNP ABI encoding of an unmeasured page
	PageTypeUnmeasured
	// PageTypeSecret is the SEV-SNP ABI encoding of the special Secrets page that the firmware will
	// populate at launch.
	PageTypeSecret
	// PageTypeCpuid is the SEV-SNP ABI encoding of a CPUID table page that the firmware will check
	// at launch.
	PageTypeCpuid
)

// PageTypeFromCgs returns the SNP_LAUNCH_UPDATE encoding of a guest state page type.
func PageTypeFromCgs(t cgs.PageType) (PageType, error) {
	switch t {
	case cgs.PageTypeNormal:
		return PageTypeNormal, nil
	case cgs.PageTypeVMSA:
		return PageTypeVmsa, nil
	case cgs.PageTypeZero:
		return PageTypeZero, nil
	case cgs.PageTypeUnmeasured:
		return PageTypeUnmeasured, nil
	case cgs.PageTypeSecrets:
		return PageTypeSecret, nil
	case cgs.PageTypeCPUID:
		return PageTypeCpuid, nil
	}
	return 0, fmt.Errorf("page type %v has no SNP_LAUNCH_UPDATE encoding", t)
}

// PageInfo represents an extension to the running launch_digest of an SNP launch. This
// struct is documented AMD ABI in SNP firmware API revision 1.51 as PAGE_INFO:
type PageInfo struct {
	// 48 is SHA384_DIGEST_LENGTH
	digestCur  [48]byte
	contents   [48]byte
	length     uint16
	pageType   uint8
	imi        uint8 // Bits 7:1 are reserved.
	vmpl1Perms uint8
	vmpl2Perms uint8
	vmpl3Perms uint8
	gpa        uint64
}

// Put writes the PageInfo into data as an SEV-SNP PAGE_INFO byte sequence.
func (p *PageInfo) Put(data []byte) error {
	if len(data) < SizeofPageInfo {
		return fmt.Errorf("data too small for PageInfo: %d < %d", len(data), SizeofPageInfo)
	}
	copy(data[0:0x30], p.digestCur[:])
	copy(data[0x30:0x60], p.contents[:])
	binary.LittleEndian.PutUint16(data[0x60:0x62], p.length)
	data[0x62] = p.pageType
	data[0x63] = p.imi

	vmplPerms :=
		(uint32(p.vmpl1Perms) << 8) |
			(uint32(p.vmpl2Perms) << 16) |
			(uint32(p.vmpl3Perms) << 24)
	binary.LittleEndian.PutUint32(data[0x64:0x68], vmplPerms)
	binary.LittleEndian.PutUint64(data[0x68:0x70], p.gpa)
	return nil
}

// Bytes serializes a PageInfo into an SEV-SNP PAGE_INFO byte sequence.
func (p *PageInfo) Bytes() ([]byte, error) {
	result := make([]byte, SizeofPageInfo)
	if err := p.Put(result); err != nil {
		return nil, err
	}
	return result, nil
}

// IDBlock is the SNP_LAUNCH_FINISH ID_BLOCK structure.
type IDBlock struct {
	LD       [48]byte
	FamilyID [FamilyIDSize]byte
	ImageID  [ImageIDSize]byte
	Version  uint32
	GuestSVN uint32
	Policy   uint64
}

// Put writes the ID block into data in its ABI format.
func (b *IDBlock) Put(data []byte) error {
	if len(data) < SizeofIDBlock {
		return fmt.Errorf("data too small for IDBlock: %d < %d", len(data), SizeofIDBlock)
	}
	copy(data[0x00:0x30], b.LD[:])
	copy(data[0x30:0x40], b.FamilyID[:])
	copy(data[0x40:0x50], b.ImageID[:])
	binary.LittleEndian.PutUint32(data[0x50:0x54], b.Version)
	binary.LittleEndian.PutUint32(data[0x54:0x58], b.GuestSVN)
	binary.LittleEndian.PutUint64(data[0x58:0x60], b.Policy)
	return nil
}

// Bytes returns the ABI format of the ID block.
func (b *IDBlock) Bytes() ([]byte, error) {
	result := make([]byte, SizeofIDBlock)
	if err := b.Put(result); err != nil {
		return nil, err
	}
	return result, nil
}

// IDBlockFromBytes interprets data as an ID_BLOCK.
func IDBlockFromBytes(data []byte) (*IDBlock, error) {
	if len(data) < SizeofIDBlock {
		return nil, fmt.Errorf("data too small for IDBlock: %d < %d", len(data), SizeofIDBlock)
	}
	b := &IDBlock{
		Version:  binary.LittleEndian.Uint32(data[0x50:0x54]),
		GuestSVN: binary.LittleEndian.Uint32(data[0x54:0x58]),
		Policy:   binary.LittleEndian.Uint64(data[0x58:0x60]),
	}
	copy(b.LD[:], data[0x00:0x30])
	copy(b.FamilyID[:], data[0x30:0x40])
	copy(b.ImageID[:], data[0x40:0x50])
	return b, nil
}

// Signature is an ECDSA signature with little-endian R and S components.
type Signature struct {
	R [ECDSAComponentSize]byte
	S [ECDSAComponentSize]byte
}

// Put writes the signature to the start of data. The rest of a SizeofSignature field is reserved.
func (s *Signature) Put(data []byte) error {
	if len(data) < SizeofSignature {
		return fmt.Errorf("data too small for Signature: %d < %d", len(data), SizeofSignature)
	}
	copy(data[0:ECDSAComponentSize], s.R[:])
	copy(data[ECDSAComponentSize:2*ECDSAComponentSize], s.S[:])
	return nil
}

// PublicKey is an ECDSA public key on a named curve.
type PublicKey struct {
	Curve uint32
	Qx    [ECDSAComponentSize]byte
	Qy    [ECDSAComponentSize]byte
}

// Put packs the key into data as curve followed by Qx and Qy.
func (k *PublicKey) Put(data []byte) error {
	if len(data) < SizeofPublicKey {
		return fmt.Errorf("data too small for PublicKey: %d < %d", len(data), SizeofPublicKey)
	}
	binary.LittleEndian.PutUint32(data[0:4], k.Curve)
	copy(data[4:4+ECDSAComponentSize], k.Qx[:])
	copy(data[4+ECDSAComponentSize:4+2*ECDSAComponentSize], k.Qy[:])
	return nil
}

// IDAuthentication is the SNP_LAUNCH_FINISH ID_AUTH_INFO structure.
type IDAuthentication struct {
	IDKeyAlgorithm     uint32
	AuthorKeyAlgorithm uint32
	IDBlockSignature   Signature
	IDKey              PublicKey
	IDKeySignature     Signature
	AuthorKey          PublicKey
}

// Put writes the ID authentication information into data in its ABI format. Reserved fields are
// zeroed.
func (a *IDAuthentication) Put(data []byte) error {
	if len(data) < SizeofIDAuthentication {
		return fmt.Errorf("data too small for IDAuthentication: %d < %d", len(data), SizeofIDAuthentication)
	}
	clear(data[:SizeofIDAuthentication])
	binary.LittleEndian.PutUint32(data[0x00:0x04], a.IDKeyAlgorithm)
	binary.LittleEndian.PutUint32(data[0x04:0x08], a.AuthorKeyAlgorithm)
	if err := a.IDBlockSignature.Put(data[idAuthIDBlockSigOffset:idAuthIDKeyOffset]); err != nil {
		return err
	}
	if err := a.IDKey.Put(data[idAuthIDKeyOffset:0x644]); err != nil {
		return err
	}
	if err := a.IDKeySignature.Put(data[idAuthIDKeySigOffset:idAuthAuthorKeyOffset]); err != nil {
		return err
	}
	return a.AuthorKey.Put(data[idAuthAuthorKeyOffset : idAuthAuthorKeyOffset+SizeofPublicKey])
}

// Bytes returns the ABI format of the ID authentication information.
func (a *IDAuthentication) Bytes() ([]byte, error) {
	result := make([]byte, SizeofIDAuthentication)
	if err := a.Put(result); err != nil {
		return nil, err
	}
	return result, nil
}
