// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/reflink-ng/lib/fsdump"
	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/slices"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "dump-extents",
			Short: "Dump all refcount records as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(world *fsdump.World, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			type agExtents struct {
				AG      fsprim.AGNumber
				Extents []refcount.Extent
			}

			ags := world.Refcounts.AGs()
			slices.Sort(ags)

			out := make([]agExtents, 0, len(ags))
			var total int
			for _, ag := range ags {
				ents := agExtents{AG: ag}
				err := world.Refcounts.AG(ag).Walk(func(ext refcount.Extent) error {
					ents.Extents = append(ents.Extents, ext)
					return nil
				})
				if err != nil {
					return err
				}
				total += len(ents.Extents)
				out = append(out, ents)
			}
			dlog.Infof(ctx, "Writing %d record(s) in %d AG(s) to stdout...", total, len(out))

			return writeJSONFile(os.Stdout, out, lowmemjson.ReEncoder{
				Indent:                "\t",
				ForceTrailingNewlines: true,
			})
		},
	})
}
