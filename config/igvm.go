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


// Package config holds the backend and machine configuration a guest is loaded with.
package config

import (
	"github.com/pkg/errors"
	"github.com/qemu/qemu-sub037/cgs"
	"github.com/qemu/qemu-sub037/igvm"
	"github.com/qemu/qemu-sub037/loader"
)

// ErrNoFilename is returned when an IGVM backend is completed without a file name.
var ErrNoFilename = errors.New("IGVM file name must be set")

// IgvmCfg is the IGVM backend configuration of a guest. The file is reopened on every Process
// call and closed when processing ends.
type IgvmCfg struct {
	// Filename is the path of the IGVM file describing the guest's initial state.
	Filename string

	complete bool
}

// Complete validates the configuration by parsing the named file.
func (c *IgvmCfg) Complete() error {
	if c.Filename == "" {
		return ErrNoFilename
	}
	f, err := igvm.Open(c.Filename)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "could not close IGVM file %q", c.Filename)
	}
	c.complete = true
	return nil
}

// Process loads the configured file into a guest through support and opts.
func (c *IgvmCfg) Process(support cgs.Support, opts *loader.Options) error {
	if !c.complete {
		if err := c.Complete(); err != nil {
			return err
		}
	}
	f, err := igvm.Open(c.Filename)
	if err != nil {
		return err
	}
	return loader.ProcessFile(f, support, opts)
}
