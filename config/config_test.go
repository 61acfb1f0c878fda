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


package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/qemu/qemu-sub037/igvm"
	"github.com/qemu/qemu-sub037/igvm/abi"
	"github.com/qemu/qemu-sub037/sev"
	"github.com/qemu/qemu-sub037/testing/igvmtest"
	"github.com/qemu/qemu-sub037/testing/match"
)

func writeFile(t *testing.T, name string, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIgvmCfgComplete(t *testing.T) {
	valid := igvmtest.Write(t, igvmtest.Platform(abi.PlatformTypeNative))
	tcs := []struct {
		name     string
		filename string
		wantErr  string
		wantIs   error
	}{
		{name: "valid", filename: valid},
		{name: "no filename", wantIs: ErrNoFilename},
		{
			name:     "missing file",
			filename: filepath.Join(t.TempDir(), "missing.igvm"),
			wantErr:  "could not read IGVM file",
		},
		{
			name:     "not an IGVM file",
			filename: writeFile(t, "zero.igvm", make([]byte, 64)),
			wantIs:   igvm.ErrBadMagic,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &IgvmCfg{Filename: tc.filename}
			err := cfg.Complete()
			if tc.wantIs != nil {
				if !errors.Is(err, tc.wantIs) {
					t.Fatalf("Complete() = %v, want %v", err, tc.wantIs)
				}
				return
			}
			if !match.Error(err, tc.wantErr) {
				t.Fatalf("Complete() = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestProcessNative(t *testing.T) {
	b := igvmtest.Platform(abi.PlatformTypeNative)
	b.AddPageData(&abi.PageData{GPA: 0x1000, CompatibilityMask: 1}, igvmtest.Page(0xaa))
	b.AddVPContext(&abi.VPContext{CompatibilityMask: 1, VPIndex: 0}, igvmtest.Page(0xbb))
	cfg := &IgvmCfg{Filename: igvmtest.Write(t, b)}

	m := DefaultMachine()
	var g *Guest
	// Each call reopens the file, so a completed configuration loads any number of guests.
	for i := 0; i < 2; i++ {
		var err error
		g, err = m.NewGuest()
		if err != nil {
			t.Fatalf("NewGuest() = %v, want nil", err)
		}
		guest := g
		t.Cleanup(func() { guest.Close() })
		if g.Support() != nil {
			t.Error("native guest has a support backend")
		}
		if err := cfg.Process(g.Support(), m.LoaderOptions(g, false)); err != nil {
			t.Fatalf("Process() #%d = %v, want nil", i, err)
		}
	}
	s, ok := g.Memory.Find(0x1000, abi.PageSize4K)
	if !ok {
		t.Fatal("no guest memory at 0x1000")
	}
	data, err := s.Region.HostSlice(s.Offset, abi.PageSize4K)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, igvmtest.Page(0xaa)) {
		t.Error("guest page at 0x1000 does not hold the file's data")
	}
	vp, ok := g.VPContexts.Get(0)
	if !ok || !bytes.Equal(vp.Data, igvmtest.Page(0xbb)) {
		t.Errorf("VP 0 context = %v, %t, want the file's context", vp.GPA, ok)
	}
}

func TestProcessSNP(t *testing.T) {
	b := igvmtest.Platform(abi.PlatformTypeSEVSNP)
	b.AddPageData(&abi.PageData{GPA: 0x1000, CompatibilityMask: 1}, igvmtest.Page(0xaa))
	b.AddGuestPolicy(&abi.GuestPolicy{Policy: 0x30000, CompatibilityMask: 1})
	cfg := &IgvmCfg{Filename: igvmtest.Write(t, b)}

	m := DefaultMachine()
	m.Platform = PlatformSEVSNP
	g, err := m.NewGuest()
	if err != nil {
		t.Fatalf("NewGuest() = %v, want nil", err)
	}
	defer g.Close()
	if err := cfg.Process(g.Support(), m.LoaderOptions(g, false)); err != nil {
		t.Fatalf("Process() = %v, want nil", err)
	}
	if policy, ok := g.Launch.Policy(); !ok || policy != 0x30000 {
		t.Errorf("launch policy = 0x%x, %t, want 0x30000, true", policy, ok)
	}

	want := &sev.SnpMeasurement{Product: sgpb.SevProduct_SEV_PRODUCT_MILAN}
	if err := want.Update4K(0x1000, igvmtest.Page(0xaa), sev.PageTypeNormal); err != nil {
		t.Fatal(err)
	}
	got, err := g.Launch.Finish()
	if err != nil {
		t.Fatalf("Finish() = %v, want nil", err)
	}
	if !bytes.Equal(got, want.Digest[:]) {
		t.Errorf("launch digest = %x, want %x", got, want.Digest)
	}
}

func TestLoadMachine(t *testing.T) {
	tcs := []struct {
		name    string
		config  string
		want    *Machine
		wantErr string
	}{
		{
			name: "full",
			config: `vcpus = 4
memory_size = 0x40000000
platform = "sev-snp"
product = "Genoa"
vmsa_at_directive_gpa = true
guest_memfd = true
`,
			want: &Machine{
				VCPUs:              4,
				MemorySize:         0x40000000,
				Platform:           PlatformSEVSNP,
				Product:            "Genoa",
				VmsaAtDirectiveGPA: true,
				GuestMemfd:         true,
			},
		},
		{
			name:   "defaults kept",
			config: "vcpus = 2\n",
			want: &Machine{
				VCPUs:      2,
				MemorySize: defaultMemorySize,
				Platform:   PlatformNative,
				Product:    "Milan",
			},
		},
		{
			name:    "unknown key",
			config:  "vcpus = 2\nballoon = true\n",
			wantErr: "unknown machine configuration keys: balloon",
		},
		{
			name:    "zero vcpus",
			config:  "vcpus = 0\n",
			wantErr: "vcpus must be between 1 and 65535, got 0",
		},
		{
			name:    "small memory",
			config:  "memory_size = 0x1000\n",
			wantErr: "memory_size 0x1000 must be larger than 1 MiB",
		},
		{
			name:    "unaligned memory",
			config:  "memory_size = 0x200001\n",
			wantErr: "memory_size 0x200001 is not page aligned",
		},
		{
			name:    "unknown platform",
			config:  "platform = \"tdx\"\n",
			wantErr: "unknown platform \"tdx\"",
		},
		{
			name:    "unknown product",
			config:  "product = \"Naples\"\n",
			wantErr: "unknown product \"Naples\"",
		},
		{
			name:    "bad TOML",
			config:  "vcpus = \n",
			wantErr: "could not parse machine configuration",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LoadMachine(writeFile(t, "machine.toml", []byte(tc.config)))
			if !match.Error(err, tc.wantErr) {
				t.Fatalf("LoadMachine() = %v, want %q", err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("LoadMachine() differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLaunchOptions(t *testing.T) {
	m := DefaultMachine()
	m.Product = "Genoa"
	m.GuestMemfd = true
	got, err := m.LaunchOptions()
	if err != nil {
		t.Fatalf("LaunchOptions() = %v, want nil", err)
	}
	want := &sev.LaunchOptions{Product: sgpb.SevProduct_SEV_PRODUCT_GENOA, GuestMemfd: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LaunchOptions() differs (-want +got):\n%s", diff)
	}
}
