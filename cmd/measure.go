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
	"encoding/hex"
	"fmt"

	sgabi "github.com/google/go-sev-guest/abi"
	"github.com/google/uuid"
	"github.com/qemu/qemu-sub037/cmd/output"
	"github.com/qemu/qemu-sub037/config"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/types/known/structpb"
)

// measureCommand computes the SEV-SNP launch digest of an IGVM file.
type measureCommand struct {
	path string
}

// AddFlags adds any implementation-specific flags for this command component.
func (c *measureCommand) AddFlags(*cobra.Command) {}

// PersistentPreRunE returns an error if the results of the parsed flags constitute an error.
func (c *measureCommand) PersistentPreRunE(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("measure expects exactly one argument, got %d", len(args))
	}
	c.path = args[0]
	return nil
}

// InitContext extends the given context with whatever else the component needs before execution.
func (c *measureCommand) InitContext(ctx context.Context) (context.Context, error) {
	return ctx, nil
}

func policyReport(policy uint64) (map[string]any, error) {
	p, err := sgabi.ParseSnpPolicy(policy)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"value":         hex64(policy),
		"abi":           fmt.Sprintf("%d.%d", p.ABIMajor, p.ABIMinor),
		"smt":           p.SMT,
		"migrate_ma":    p.MigrateMA,
		"debug":         p.Debug,
		"single_socket": p.SingleSocket,
	}, nil
}

func (c *measureCommand) run(ctx context.Context) (err error) {
	m, err := machineFrom(ctx)
	if err != nil {
		return err
	}
	snp := *m
	snp.Platform = config.PlatformSEVSNP
	g, err := snp.NewGuest()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, g.Close())
	}()
	cfg := &config.IgvmCfg{Filename: c.path}
	if err := cfg.Process(g.Support(), snp.LoaderOptions(g, false)); err != nil {
		return err
	}
	digest, err := g.Launch.Finish()
	if err != nil {
		return err
	}
	report := map[string]any{"launch_digest": hex.EncodeToString(digest)}
	if policy, ok := g.Launch.Policy(); ok {
		if report["policy"], err = policyReport(policy); err != nil {
			return err
		}
	}
	if idb := g.Launch.IDBlock(); idb != nil {
		report["id_block"] = map[string]any{
			"family_id": uuid.UUID(idb.FamilyID).String(),
			"image_id":  uuid.UUID(idb.ImageID).String(),
			"guest_svn": idb.GuestSVN,
			"version":   idb.Version,
		}
	}
	if output.WantJSON(ctx) {
		s, err := structpb.NewStruct(report)
		if err != nil {
			return fmt.Errorf("could not render measurement: %v", err)
		}
		_, err = output.Struct(ctx, s)
		return err
	}
	output.Infof(ctx, "%s", report["launch_digest"])
	if policy, ok := report["policy"].(map[string]any); ok {
		output.Debugf(ctx, "guest policy %s ABI %s, SMT %t, debug %t", policy["value"], policy["abi"],
			policy["smt"], policy["debug"])
	}
	if idb, ok := report["id_block"].(map[string]any); ok {
		output.Debugf(ctx, "ID block family %s image %s guest SVN %d", idb["family_id"], idb["image_id"],
			idb["guest_svn"])
	}
	return nil
}

func makeMeasureCmd(ctx context.Context, app *AppComponents) *cobra.Command {
	base := &measureCommand{}
	cmp := Compose(globalBase(), app.Global, base, app.Measure)
	cmd := &cobra.Command{
		Use: "measure FILE [flags]",
		Long: `Loads an IGVM file into a software SEV-SNP launch and outputs the launch digest as a
hex string. Any ID block in the file must carry the same digest.`,
		Args:              cobra.ExactArgs(1),
		PersistentPreRunE: cmp.PersistentPreRunE,
		RunE:              ComposeRun(cmp, base.run),
	}
	cmd.SetContext(ctx)
	cmp.AddFlags(cmd)
	return cmd
}
