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
	"strings"

	"github.com/google/uuid"
	"github.com/qemu/qemu-sub037/cmd/output"
	"github.com/qemu/qemu-sub037/igvm"
	"github.com/qemu/qemu-sub037/igvm/abi"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/types/known/structpb"
)

// parameterTypes are the directives whose payload is an IGVM_VHS_PARAMETER.
var parameterTypes = []abi.HeaderType{
	abi.HeaderTypeVPCountParameter,
	abi.HeaderTypeSRAT,
	abi.HeaderTypeMADT,
	abi.HeaderTypeMMIORanges,
	abi.HeaderTypeMemoryMap,
	abi.HeaderTypeCommandLine,
	abi.HeaderTypeSLIT,
	abi.HeaderTypePPTT,
	abi.HeaderTypeDeviceTree,
	abi.HeaderTypeEnvironmentInfoParameter,
}

// headerInfo is the presentation of one variable header.
type headerInfo struct {
	section abi.Section
	index   int
	typ     abi.HeaderType
	fields  map[string]any
}

func hex64(v uint64) string { return fmt.Sprintf("0x%x", v) }

// describeFields decodes the payload of a header of type typ into named fields.
func describeFields(typ abi.HeaderType, payload []byte) (map[string]any, error) {
	switch typ {
	case abi.HeaderTypeSupportedPlatform:
		p, err := abi.SupportedPlatformFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"platform":            p.PlatformType.String(),
			"mask":                hex64(uint64(p.CompatibilityMask)),
			"version":             uint32(p.PlatformVersion),
			"highest_vtl":         uint32(p.HighestVTL),
			"shared_gpa_boundary": hex64(p.SharedGPABoundary),
		}, nil
	case abi.HeaderTypeGuestPolicy:
		p, err := abi.GuestPolicyFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{"policy": hex64(p.Policy), "mask": hex64(uint64(p.CompatibilityMask))}, nil
	case abi.HeaderTypePageData:
		p, err := abi.PageDataFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"gpa":         hex64(p.GPA),
			"mask":        hex64(uint64(p.CompatibilityMask)),
			"flags":       hex64(uint64(p.Flags)),
			"data_type":   uint32(p.DataType),
			"file_offset": hex64(uint64(p.FileOffset)),
		}, nil
	case abi.HeaderTypeParameterArea:
		p, err := abi.ParameterAreaFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"area":        p.ParameterAreaIndex,
			"size":        hex64(p.NumberOfBytes),
			"file_offset": hex64(uint64(p.FileOffset)),
		}, nil
	case abi.HeaderTypeParameterInsert:
		p, err := abi.ParameterInsertFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"gpa":  hex64(p.GPA),
			"mask": hex64(uint64(p.CompatibilityMask)),
			"area": p.ParameterAreaIndex,
		}, nil
	case abi.HeaderTypeVPContext:
		v, err := abi.VPContextFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"gpa":      hex64(v.GPA),
			"mask":     hex64(uint64(v.CompatibilityMask)),
			"vp_index": uint32(v.VPIndex),
		}, nil
	case abi.HeaderTypeRequiredMemory:
		r, err := abi.RequiredMemoryFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"gpa":   hex64(r.GPA),
			"mask":  hex64(uint64(r.CompatibilityMask)),
			"size":  hex64(uint64(r.NumberOfBytes)),
			"flags": hex64(uint64(r.Flags)),
		}, nil
	case abi.HeaderTypeSNPIDBlock:
		b, err := abi.SNPIDBlockFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"mask":      hex64(uint64(b.CompatibilityMask)),
			"family_id": uuid.UUID(b.FamilyID).String(),
			"image_id":  uuid.UUID(b.ImageID).String(),
			"guest_svn": b.GuestSVN,
			"version":   b.Version,
		}, nil
	}
	if slices.Contains(parameterTypes, typ) {
		p, err := abi.ParameterFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{"area": p.ParameterAreaIndex, "offset": hex64(uint64(p.ByteOffset))}, nil
	}
	return map[string]any{"payload_size": len(payload)}, nil
}

// describeHeaders returns every header of f in file order.
func describeHeaders(f *igvm.File) ([]*headerInfo, error) {
	var infos []*headerInfo
	for section := abi.Section(0); section < abi.SectionCount; section++ {
		count, err := f.HeaderCount(section)
		if err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			typ, err := f.HeaderType(section, i)
			if err != nil {
				return nil, err
			}
			payload, err := f.Header(section, i)
			if err != nil {
				return nil, err
			}
			fields, err := describeFields(typ, payload)
			if err != nil {
				return nil, fmt.Errorf("could not decode %v header %d: %v", section, i, err)
			}
			infos = append(infos, &headerInfo{section: section, index: i, typ: typ, fields: fields})
		}
	}
	return infos, nil
}

func (h *headerInfo) String() string {
	keys := maps.Keys(h.fields)
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, h.fields[k])
	}
	return fmt.Sprintf("%-14v %4d  %-28v %s", h.section, h.index, h.typ, strings.Join(parts, " "))
}

func (h *headerInfo) asMap() map[string]any {
	return map[string]any{
		"section": h.section.String(),
		"index":   h.index,
		"type":    h.typ.String(),
		"fields":  h.fields,
	}
}

// inspectCommand lists the headers of an IGVM file.
type inspectCommand struct {
	path string
}

// AddFlags adds any implementation-specific flags for this command component.
func (c *inspectCommand) AddFlags(*cobra.Command) {}

// PersistentPreRunE returns an error if the results of the parsed flags constitute an error.
func (c *inspectCommand) PersistentPreRunE(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("inspect expects exactly one argument, got %d", len(args))
	}
	c.path = args[0]
	return nil
}

// InitContext extends the given context with whatever else the component needs before execution.
func (c *inspectCommand) InitContext(ctx context.Context) (context.Context, error) {
	return ctx, nil
}

func (c *inspectCommand) run(ctx context.Context) (err error) {
	f, err := igvm.Open(c.path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	headers, err := describeHeaders(f)
	if err != nil {
		return err
	}
	if output.WantJSON(ctx) {
		list := make([]any, len(headers))
		for i, h := range headers {
			list[i] = h.asMap()
		}
		s, err := structpb.NewStruct(map[string]any{
			"format_version": f.Fixed.FormatVersion,
			"headers":        list,
		})
		if err != nil {
			return fmt.Errorf("could not render headers: %v", err)
		}
		_, err = output.Struct(ctx, s)
		return err
	}
	output.Infof(ctx, "IGVM format version %d, %d headers", f.Fixed.FormatVersion, len(headers))
	for _, h := range headers {
		output.Infof(ctx, "%v", h)
	}
	return nil
}

func makeInspectCmd(ctx context.Context, app *AppComponents) *cobra.Command {
	base := &inspectCommand{}
	cmp := Compose(globalBase(), app.Global, base, app.Inspect)
	cmd := &cobra.Command{
		Use:               "inspect FILE [flags]",
		Long:              `Lists the headers of an IGVM file in file order.`,
		Args:              cobra.ExactArgs(1),
		PersistentPreRunE: cmp.PersistentPreRunE,
		RunE:              ComposeRun(cmp, base.run),
	}
	cmd.SetContext(ctx)
	cmp.AddFlags(cmd)
	return cmd
}
