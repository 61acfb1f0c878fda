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
	"fmt"

	sgabi "github.com/google/go-sev-guest/abi"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/logger"
	"github.com/pkg/errors"
	"github.com/qemu/qemu-sub037/cgs"
	"golang.org/x/exp/slices"
)

// ErrLaunchDigestMismatch is returned when an ID block does not carry the computed launch digest.
var ErrLaunchDigestMismatch = errors.New("ID block launch digest mismatch")

// LaunchOptions represents the measurement-impacting configurable features of a VM launch.
type LaunchOptions struct {
	Product sgpb.SevProduct_SevProductName
	// VmsaAtDirectiveGPA measures VMSAs at the GPA their VP context names instead of the product's
	// high address, which is where KVM measures them.
	VmsaAtDirectiveGPA bool
	// GuestMemfd requests guest_memfd backing for private guest memory.
	GuestMemfd bool
}

// LaunchOptionsDefault returns a default object of LaunchOptions.
func LaunchOptionsDefault() *LaunchOptions {
	return &LaunchOptions{Product: sgpb.SevProduct_SEV_PRODUCT_MILAN}
}

type vmsa struct {
	gpa     uint64
	vpIndex uint16
	page    []byte
}

// Launch is a software SEV-SNP launch context. It accepts the guest state an IGVM loader produces
// and reconstructs the MEASUREMENT the AMD secure processor would compute for it.
type Launch struct {
	opts        LaunchOptions
	measurement SnpMeasurement
	vmsas       []vmsa
	policy      uint64
	policySet   bool
	idBlock     *IDBlock
	idAuth      []byte
	finished    bool
}

// NewLaunch returns a launch context for opts, or defaults if opts is nil.
func NewLaunch(opts *LaunchOptions) *Launch {
	if opts == nil {
		opts = LaunchOptionsDefault()
	}
	return &Launch{
		opts:        *opts,
		measurement: SnpMeasurement{Product: opts.Product},
	}
}

// CheckSupport returns true only for SEV-SNP.
func (l *Launch) CheckSupport(p cgs.Platform, version uint16, highestVTL uint8, sharedGPABoundary uint64) bool {
	logger.V(2).Infof("SNP launch asked about %v version %d, highest VTL %d, shared GPA boundary 0x%x",
		p, version, highestVTL, sharedGPABoundary)
	return p == cgs.PlatformSEVSNP
}

// SetGuestState measures data as launch updates of the given page type. VMSAs are measured when
// the launch finishes, after every page.
func (l *Launch) SetGuestState(gpa uint64, data []byte, pageType cgs.PageType, vpIndex uint16) error {
	if l.finished {
		return errors.New("SNP launch already finished")
	}
	switch pageType {
	case cgs.PageTypeRequiredMemory:
		logger.V(1).Infof("required memory [0x%x, +0x%x) is not measured", gpa, len(data))
		return nil
	case cgs.PageTypeVMSA:
		if len(data) < SizeofVmsa || len(data) > PageSize {
			return fmt.Errorf("VMSA for VP %d is 0x%x bytes, want between 0x%x and 0x%x",
				vpIndex, len(data), SizeofVmsa, PageSize)
		}
		page := make([]byte, PageSize)
		copy(page, data)
		l.vmsas = append(l.vmsas, vmsa{gpa: gpa, vpIndex: vpIndex, page: page})
		return nil
	case cgs.PageTypeNormal:
		return l.measurement.Update(gpa, data, PageTypeNormal)
	}
	spt, err := PageTypeFromCgs(pageType)
	if err != nil {
		return err
	}
	return l.measurement.ZeroContentUpdate(gpa, uint64(len(data)), spt)
}

// SetGuestPolicy records the guest policy and the optional ID block and its authentication
// information for the end of the launch.
func (l *Launch) SetGuestPolicy(kind cgs.PolicyKind, policy uint64, idBlock, idAuth []byte) error {
	if kind != cgs.PolicySEV {
		return fmt.Errorf("unsupported guest policy kind %d", kind)
	}
	if _, err := sgabi.ParseSnpPolicy(policy); err != nil {
		return errors.Wrapf(err, "invalid SEV-SNP guest policy 0x%x", policy)
	}
	l.policy = policy
	l.policySet = true
	if idBlock == nil {
		return nil
	}
	b, err := IDBlockFromBytes(idBlock)
	if err != nil {
		return err
	}
	if b.Version != IDBlockVersion {
		return fmt.Errorf("ID block version %d, want %d", b.Version, IDBlockVersion)
	}
	if b.Policy != policy {
		return fmt.Errorf("ID block policy 0x%x does not match guest policy 0x%x", b.Policy, policy)
	}
	if len(idAuth) != SizeofIDAuthentication {
		return fmt.Errorf("ID authentication information is %d bytes, want %d", len(idAuth), SizeofIDAuthentication)
	}
	l.idBlock = b
	l.idAuth = slices.Clone(idAuth)
	return nil
}

// RequireGuestMemfd returns whether the launch was configured for guest_memfd backing.
func (l *Launch) RequireGuestMemfd() bool {
	return l.opts.GuestMemfd
}

// Policy returns the guest policy and whether one was set.
func (l *Launch) Policy() (uint64, bool) {
	return l.policy, l.policySet
}

// IDBlock returns the ID block passed with the guest policy, if any.
func (l *Launch) IDBlock() *IDBlock {
	return l.idBlock
}

// Finish measures the VMSAs in VP index order and returns the launch digest. If an ID block was
// supplied, its launch digest must match.
func (l *Launch) Finish() ([]byte, error) {
	if !l.finished {
		slices.SortStableFunc(l.vmsas, func(a, b vmsa) int { return int(a.vpIndex) - int(b.vpIndex) })
		for _, v := range l.vmsas {
			gpa := ProductHighAddress(l.opts.Product)
			if l.opts.VmsaAtDirectiveGPA {
				gpa = v.gpa
			}
			if err := l.measurement.Update4K(gpa, v.page, PageTypeVmsa); err != nil {
				return nil, fmt.Errorf("could not measure VMSA for VP %d: %v", v.vpIndex, err)
			}
		}
		l.finished = true
	}
	if l.idBlock != nil && l.idBlock.LD != l.measurement.Digest {
		return nil, fmt.Errorf("%w: ID block has %x, launch measured %x", ErrLaunchDigestMismatch,
			l.idBlock.LD, l.measurement.Digest)
	}
	return l.measurement.Digest[:], nil
}
