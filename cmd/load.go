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
	"context"
	"fmt"

	"github.com/qemu/qemu-sub037/cmd/output"
	"github.com/qemu/qemu-sub037/config"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/types/known/structpb"
)

// loadCommand loads an IGVM file into an in-memory guest and reports what it created.
type loadCommand struct {
	path          string
	onlyVPContext bool
}

// AddFlags adds any implementation-specific flags for this command component.
func (c *loadCommand) AddFlags(cmd *cobra.Command) {
	addOnlyVPContextFlag(cmd, &c.onlyVPContext)
}

// PersistentPreRunE returns an error if the results of the parsed flags constitute an error.
func (c *loadCommand) PersistentPreRunE(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("load expects exactly one argument, got %d", len(args))
	}
	c.path = args[0]
	return nil
}

// InitContext extends the given context with whatever else the component needs before execution.
func (c *loadCommand) InitContext(ctx context.Context) (context.Context, error) {
	return ctx, nil
}

// guestReport is what a loaded guest looks like from the outside.
func guestReport(g *config.Guest) map[string]any {
	var regions []any
	for _, r := range g.Memory.Regions() {
		regions = append(regions, map[string]any{
			"name":  r.Name,
			"start": hex64(r.Range.Start),
			"size":  hex64(r.Range.Length),
			"ram":   r.IsRAM(),
		})
	}
	var vps []any
	for _, i := range g.VPContexts.Indices() {
		vp, _ := g.VPContexts.Get(i)
		vps = append(vps, map[string]any{
			"vp_index": uint32(i),
			"gpa":      hex64(vp.GPA),
			"size":     len(vp.Data),
		})
	}
	report := map[string]any{"regions": regions, "vp_contexts": vps}
	if g.Launch != nil {
		if policy, ok := g.Launch.Policy(); ok {
			report["policy"] = hex64(policy)
		}
	}
	return report
}

func (c *loadCommand) run(ctx context.Context) (err error) {
	m, err := machineFrom(ctx)
	if err != nil {
		return err
	}
	g, err := m.NewGuest()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, g.Close())
	}()
	cfg := &config.IgvmCfg{Filename: c.path}
	if err := cfg.Process(g.Support(), m.LoaderOptions(g, c.onlyVPContext)); err != nil {
		return err
	}
	output.Debugf(ctx, "loaded %s for platform %s with %d VCPUs", c.path, m.Platform, m.VCPUs)
	report := guestReport(g)
	if output.WantJSON(ctx) {
		s, err := structpb.NewStruct(report)
		if err != nil {
			return fmt.Errorf("could not render guest: %v", err)
		}
		_, err = output.Struct(ctx, s)
		return err
	}
	for _, r := range g.Memory.Regions() {
		output.Infof(ctx, "region %s %v", r.Name, r.Range)
	}
	for _, i := range g.VPContexts.Indices() {
		vp, _ := g.VPContexts.Get(i)
		output.Infof(ctx, "vp %d context at 0x%x (%d bytes)", i, vp.GPA, len(vp.Data))
	}
	if policy, ok := report["policy"]; ok {
		output.Infof(ctx, "guest policy %s", policy)
	}
	return nil
}

func makeLoadCmd(ctx context.Context, app *AppComponents) *cobra.Command {
	base := &loadCommand{}
	cmp := Compose(globalBase(), app.Global, base, app.Load)
	cmd := &cobra.Command{
		Use: "load FILE [flags]",
		Long: `Loads an IGVM file into an in-memory guest of the configured machine and lists the
memory regions and VP contexts it created.`,
		Args:              cobra.ExactArgs(1),
		PersistentPreRunE: cmp.PersistentPreRunE,
		RunE:              ComposeRun(cmp, base.run),
	}
	cmd.SetContext(ctx)
	cmp.AddFlags(cmd)
	return cmd
}
