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


package cmd

import (
	"flag"

	"github.com/google/go-sev-guest/kds"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/spf13/cobra"
)

// Lets this command read a TOML machine description.
func addMachineFlag(cmd *cobra.Command, f *string) {
	cmd.PersistentFlags().StringVar(f, "machine", "",
		"Path to a TOML machine description. Flags override its values.")
}

func addOnlyVPContextFlag(cmd *cobra.Command, f *bool) {
	cmd.PersistentFlags().BoolVar(f, "only_vp_context", false,
		"If true, loads only the VP contexts of the file and leaves guest memory untouched.")
}

type amdProductFlag struct {
	v *sgpb.SevProduct_SevProductName
}

func (p *amdProductFlag) String() string {
	if p.v == nil {
		return "<unset>"
	}
	return kds.ProductLine(&sgpb.SevProduct{Name: *p.v})
}

func (p *amdProductFlag) Set(value string) error {
	if value != "" {
		product, err := kds.ParseProductLine(value)
		if err != nil {
			return err
		}
		*p.v = product.Name
		return nil
	}
	return nil
}

func amdProductVar(v *sgpb.SevProduct_SevProductName, name string, defaultValue sgpb.SevProduct_SevProductName, usage string) *flag.Flag {
	f := &amdProductFlag{v: v}
	*v = defaultValue
	return &flag.Flag{
		Name:     name,
		Value:    f,
		Usage:    usage,
		DefValue: kds.ProductLine(&sgpb.SevProduct{Name: defaultValue}),
	}
}
