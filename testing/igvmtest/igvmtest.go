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

// Package igvmtest provides IGVM file fixtures for tests.
package igvmtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/qemu/qemu-sub037/igvm"
	"github.com/qemu/qemu-sub037/igvm/abi"
)

// File wraps a parsed IGVM file to count closes and to replace header data.
type File struct {
	*igvm.File
	// Data replaces the data of the directive at the given index.
	Data map[int][]byte
	// CloseErr is returned by every Close call.
	CloseErr error

	Closes int
}

// HeaderData returns the replacement data for a directive if there is one.
func (f *File) HeaderData(section abi.Section, index int) ([]byte, error) {
	if section == abi.SectionDirective {
		if data, ok := f.Data[index]; ok {
			return data, nil
		}
	}
	return f.File.HeaderData(section, index)
}

// Close closes the underlying file on the first call and counts every call.
func (f *File) Close() error {
	f.Closes++
	if f.Closes == 1 {
		if err := f.File.Close(); err != nil {
			return err
		}
	}
	return f.CloseErr
}

// Build returns the contents of the file b describes.
func Build(t testing.TB, b *igvm.Builder) []byte {
	t.Helper()
	contents, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v, want nil", err)
	}
	return contents
}

// Parse returns the file b describes.
func Parse(t testing.TB, b *igvm.Builder) *File {
	t.Helper()
	f, err := igvm.Parse(Build(t, b))
	if err != nil {
		t.Fatalf("igvm.Parse() = %v, want nil", err)
	}
	return &File{File: f}
}

// Write writes the file b describes to a temporary directory and returns its path.
func Write(t testing.TB, b *igvm.Builder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guest.igvm")
	if err := os.WriteFile(path, Build(t, b), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Platform returns a builder with a supported platform header for each platform type, with
// compatibility masks 1, 2, 4, and so on.
func Platform(types ...abi.PlatformType) *igvm.Builder {
	b := igvm.NewBuilder()
	for i, pt := range types {
		b.AddSupportedPlatform(&abi.SupportedPlatform{
			CompatibilityMask: 1 << i,
			PlatformType:      pt,
			PlatformVersion:   1,
		})
	}
	return b
}

// Page returns page contents filled with b.
func Page(b byte) []byte {
	page := make([]byte, abi.PageSize4K)
	for i := range page {
		page[i] = b
	}
	return page
}
