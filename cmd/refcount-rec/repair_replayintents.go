// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/reflink-ng/lib/fsdump"
	"git.lukeshu.com/reflink-ng/lib/intentlog"
	"git.lukeshu.com/reflink-ng/lib/textui"
)

func init() {
	repairers = append(repairers, subcommand{
		Command: cobra.Command{
			Use:   "replay-intents",
			Short: "Replay unfinished refcount intents from the log, as crash recovery would",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(world *fsdump.World, cmd *cobra.Command, _ []string) error {
			ctx := dlog.WithField(cmd.Context(), "refcount-rec.replay.step", "replay")

			stale := intentlog.Stale(world.Mgr.Log)
			if len(stale) == 0 {
				textui.Fprintf(os.Stdout, "replay-intents: log is clean, nothing to replay\n")
				return nil
			}
			dlog.Infof(ctx, "replaying %d unfinished intent(s)", len(stale))

			if err := intentlog.Recover(ctx, world.Mgr, world.Mnt); err != nil {
				return err
			}

			for _, fe := range world.Dump.Freed {
				textui.Fprintf(os.Stdout, "replay-intents: freed %v\n", fe)
			}
			textui.Fprintf(os.Stdout, "replay-intents: replayed %d intent(s)\n", len(stale))
			return nil
		},
	})
}
