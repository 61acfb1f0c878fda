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
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/qemu/qemu-sub037/cgs"
)

func TestIDBlockLayout(t *testing.T) {
	b := &IDBlock{Version: IDBlockVersion, GuestSVN: 7, Policy: 0x30000}
	for i := range b.LD {
		b.LD[i] = 0x11
	}
	for i := range b.FamilyID {
		b.FamilyID[i] = 0x22
		b.ImageID[i] = 0x33
	}
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}
	if len(data) != SizeofIDBlock {
		t.Fatalf("len(Bytes()) = %d, want %d", len(data), SizeofIDBlock)
	}
	checks := []struct {
		name   string
		lo, hi int
		want   byte
	}{
		{name: "ld", lo: 0x00, hi: 0x30, want: 0x11},
		{name: "family_id", lo: 0x30, hi: 0x40, want: 0x22},
		{name: "image_id", lo: 0x40, hi: 0x50, want: 0x33},
	}
	for _, c := range checks {
		if !bytes.Equal(data[c.lo:c.hi], bytes.Repeat([]byte{c.want}, c.hi-c.lo)) {
			t.Errorf("%s bytes [0x%x:0x%x] = %x, want all 0x%x", c.name, c.lo, c.hi, data[c.lo:c.hi], c.want)
		}
	}
	if got := binary.LittleEndian.Uint32(data[0x50:0x54]); got != IDBlockVersion {
		t.Errorf("version = %d, want %d", got, IDBlockVersion)
	}
	if got := binary.LittleEndian.Uint32(data[0x54:0x58]); got != 7 {
		t.Errorf("guest_svn = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint64(data[0x58:0x60]); got != 0x30000 {
		t.Errorf("policy = 0x%x, want 0x30000", got)
	}
	back, err := IDBlockFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(b, back); diff != "" {
		t.Errorf("IDBlockFromBytes(Bytes()) returned diff (-want +got):\n%s", diff)
	}
}

func TestIDAuthenticationLayout(t *testing.T) {
	a := &IDAuthentication{IDKeyAlgorithm: 1, AuthorKeyAlgorithm: 2}
	a.IDBlockSignature.R[0], a.IDBlockSignature.S[0] = 0xA1, 0xA2
	a.IDKey.Curve = 2
	a.IDKey.Qx[0], a.IDKey.Qy[0] = 0xB1, 0xB2
	a.IDKeySignature.R[71], a.IDKeySignature.S[71] = 0xC1, 0xC2
	a.AuthorKey.Curve = 3
	a.AuthorKey.Qx[71], a.AuthorKey.Qy[71] = 0xD1, 0xD2
	data, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes() = %v", err)
	}
	if len(data) != SizeofIDAuthentication {
		t.Fatalf("len(Bytes()) = %d, want %d", len(data), SizeofIDAuthentication)
	}
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(data[off : off+4]) }
	if u32(0) != 1 || u32(4) != 2 {
		t.Errorf("algorithms = %d, %d, want 1, 2", u32(0), u32(4))
	}
	wantBytes := map[int]byte{
		0x40:            0xA1,
		0x40 + 72:       0xA2,
		0x240 + 4:       0xB1,
		0x240 + 4 + 72:  0xB2,
		0x680 + 71:      0xC1,
		0x680 + 72 + 71: 0xC2,
		0x880 + 4 + 71:  0xD1,
		0x880 + 4 + 143: 0xD2,
	}
	for off, want := range wantBytes {
		if data[off] != want {
			t.Errorf("byte at 0x%x = 0x%x, want 0x%x", off, data[off], want)
		}
	}
	if u32(0x240) != 2 || u32(0x880) != 3 {
		t.Errorf("curves = %d, %d, want 2, 3", u32(0x240), u32(0x880))
	}
	nonzero := 0
	for _, b := range data {
		if b != 0 {
			nonzero++
		}
	}
	// 2 algorithm bytes, 2 curve bytes, and the 8 marker bytes.
	if nonzero != 12 {
		t.Errorf("ID authentication has %d nonzero bytes, want 12", nonzero)
	}
}

func TestPageTypeFromCgs(t *testing.T) {
	tcs := []struct {
		in      cgs.PageType
		want    PageType
		wantErr bool
	}{
		{in: cgs.PageTypeNormal, want: PageTypeNormal},
		{in: cgs.PageTypeVMSA, want: PageTypeVmsa},
		{in: cgs.PageTypeZero, want: PageTypeZero},
		{in: cgs.PageTypeUnmeasured, want: PageTypeUnmeasured},
		{in: cgs.PageTypeSecrets, want: PageTypeSecret},
		{in: cgs.PageTypeCPUID, want: PageTypeCpuid},
		{in: cgs.PageTypeRequiredMemory, wantErr: true},
	}
	for _, tc := range tcs {
		got, err := PageTypeFromCgs(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("PageTypeFromCgs(%v) = %v, %v. Want %v, error %v", tc.in, got, err, tc.want, tc.wantErr)
		}
	}
}
