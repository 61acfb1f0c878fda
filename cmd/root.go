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
	"golang.org/x/net/context"

	"github.com/qemu/qemu-sub037/cmd/output"
	"github.com/spf13/cobra"
)

// makeRootCmd creates an entrypoint for igvmtool. Output options already in ctx0 are reused so
// that callers can redirect output.
func makeRootCmd(ctx0 context.Context, app *AppComponents) *cobra.Command {
	ctx := ctx0
	flags, err := output.FromContext(ctx0)
	if err != nil {
		flags = &output.Options{}
		ctx = output.NewContext(ctx0, flags)
	}
	cmp := Compose(globalBase(), app.Global)
	cmd := &cobra.Command{
		Use: "igvmtool",
		Long: `Command line tool for IGVM guest images

This tool lists the headers of an IGVM file, loads it into an in-memory guest, and computes the
SEV-SNP launch measurement the file produces.
`,
		PersistentPreRunE: cmp.PersistentPreRunE,
	}
	cmd.SetContext(ctx)
	(&machineCommand{}).AddFlags(cmd)
	if app.Global != nil {
		app.Global.AddFlags(cmd)
	}
	flags.AddFlags(cmd)
	return cmd
}

// RunFn is the signature of a cobra command's RunE.
type RunFn func(*cobra.Command, []string) error
