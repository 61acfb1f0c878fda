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
	"errors"
	"golang.org/x/net/context"

	"github.com/google/go-sev-guest/kds"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/qemu/qemu-sub037/cmd/output"
	"github.com/qemu/qemu-sub037/config"
	"github.com/spf13/cobra"
)

var errNoMachine = errors.New("no machine configuration in context")

// machineCommand resolves the machine a file is loaded into from --machine and the flags that
// override it.
type machineCommand struct {
	path               string
	vcpus              int
	memorySize         uint64
	platform           string
	product            sgpb.SevProduct_SevProductName
	vmsaAtDirectiveGPA bool
	guestMemfd         bool

	machine *config.Machine
}

type machineKeyType struct{}

var machineKey machineKeyType

func newMachineContext(ctx context.Context, m *machineCommand) context.Context {
	return context.WithValue(ctx, machineKey, m)
}

func machineCommandFrom(ctx context.Context) (*machineCommand, error) {
	m, ok := ctx.Value(machineKey).(*machineCommand)
	if !ok {
		return nil, errNoMachine
	}
	return m, nil
}

// machineFrom returns the resolved machine in ctx.
func machineFrom(ctx context.Context) (*config.Machine, error) {
	m, err := machineCommandFrom(ctx)
	if err != nil {
		return nil, err
	}
	if m.machine == nil {
		return nil, errNoMachine
	}
	return m.machine, nil
}

// AddFlags adds the machine flags to cmd and its subcommands.
func (c *machineCommand) AddFlags(cmd *cobra.Command) {
	defaults := config.DefaultMachine()
	addMachineFlag(cmd, &c.path)
	cmd.PersistentFlags().IntVar(&c.vcpus, "vcpus", defaults.VCPUs, "Number of virtual processors")
	cmd.PersistentFlags().Uint64Var(&c.memorySize, "memory_size", defaults.MemorySize,
		"Guest RAM size in bytes")
	cmd.PersistentFlags().StringVar(&c.platform, "platform", defaults.Platform,
		"Platform to load the guest for. One of native, sev-snp")
	cmd.PersistentFlags().AddGoFlag(
		amdProductVar(&c.product, "snp_product", sgpb.SevProduct_SEV_PRODUCT_MILAN,
			"SEV-SNP product line. One of Milan, Genoa"))
	cmd.PersistentFlags().BoolVar(&c.vmsaAtDirectiveGPA, "vmsa_at_directive_gpa", false,
		"Measure VMSAs at the GPA of their VP context instead of the product's VMSA address")
	cmd.PersistentFlags().BoolVar(&c.guestMemfd, "guest_memfd", false,
		"Back private guest memory with guest_memfd")
	cmd.SetContext(newMachineContext(cmd.Context(), c))
}

// PersistentPreRunE resolves the machine. Flags set on the command line take precedence over the
// machine description.
func (c *machineCommand) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	m := config.DefaultMachine()
	if c.path != "" {
		var err error
		if m, err = config.LoadMachine(c.path); err != nil {
			return err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("vcpus") {
		m.VCPUs = c.vcpus
	}
	if flags.Changed("memory_size") {
		m.MemorySize = c.memorySize
	}
	if flags.Changed("platform") {
		m.Platform = c.platform
	}
	if flags.Changed("snp_product") {
		m.Product = kds.ProductLine(&sgpb.SevProduct{Name: c.product})
	}
	if flags.Changed("vmsa_at_directive_gpa") {
		m.VmsaAtDirectiveGPA = c.vmsaAtDirectiveGPA
	}
	if flags.Changed("guest_memfd") {
		m.GuestMemfd = c.guestMemfd
	}
	if err := m.Validate(); err != nil {
		return err
	}
	c.machine = m
	return nil
}

// InitContext returns ctx unchanged. The machine is already in the context.
func (c *machineCommand) InitContext(ctx context.Context) (context.Context, error) {
	return ctx, nil
}

// globalBase validates the output and machine flags for every subcommand.
func globalBase() CommandComponent {
	return &PartialComponent{
		FPersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts, err := output.FromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := opts.Validate(cmd); err != nil {
				return err
			}
			m, err := machineCommandFrom(cmd.Context())
			if err != nil {
				return err
			}
			return m.PersistentPreRunE(cmd, args)
		},
	}
}
