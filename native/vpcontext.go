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

package native

import (
	"fmt"

	"github.com/google/logger"
	"golang.org/x/exp/slices"
)

// VPContext is the initial register state of one virtual processor.
type VPContext struct {
	GPA  uint64
	Data []byte
}

// VPContexts collects the initial register state of each virtual processor of an unisolated
// guest for the VMM to load before the first run.
type VPContexts struct {
	contexts map[uint16]VPContext
}

// SetVPContext records the register state for vpIndex. Each VP may be set once.
func (v *VPContexts) SetVPContext(gpa uint64, data []byte, vpIndex uint16) error {
	if v.contexts == nil {
		v.contexts = make(map[uint16]VPContext)
	}
	if _, ok := v.contexts[vpIndex]; ok {
		return fmt.Errorf("VP context for VP %d is already set", vpIndex)
	}
	v.contexts[vpIndex] = VPContext{GPA: gpa, Data: slices.Clone(data)}
	logger.V(1).Infof("recorded 0x%x byte VP context for VP %d", len(data), vpIndex)
	return nil
}

// Get returns the register state recorded for vpIndex.
func (v *VPContexts) Get(vpIndex uint16) (VPContext, bool) {
	c, ok := v.contexts[vpIndex]
	return c, ok
}

// Indices returns the VP indices with recorded state in increasing order.
func (v *VPContexts) Indices() []uint16 {
	indices := make([]uint16, 0, len(v.contexts))
	for i := range v.contexts {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	return indices
}
