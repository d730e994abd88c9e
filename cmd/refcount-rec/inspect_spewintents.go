// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/reflink-ng/lib/fsdump"
	"git.lukeshu.com/reflink-ng/lib/intentlog"
	"git.lukeshu.com/reflink-ng/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "spew-intents",
			Short: "Spew the logged intents that have no matching done record",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(world *fsdump.World, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true

			stale := intentlog.Stale(world.Mgr.Log)
			dlog.Infof(ctx, "%d unfinished intent(s) in the log", len(stale))
			for _, si := range stale {
				id, extents, err := intentlog.ParseIntent(si.Data)
				if err != nil {
					textui.Fprintf(os.Stdout, "lsn=%d id=%#x = UNPARSEABLE: %v\n",
						si.LSN, si.ID, err)
					continue
				}
				textui.Fprintf(os.Stdout, "lsn=%d id=%#x = ", si.LSN, id)
				spew.Dump(extents)
				_, _ = os.Stdout.WriteString("\n")
			}
			return nil
		},
	})
}
