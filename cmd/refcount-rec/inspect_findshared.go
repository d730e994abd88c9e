// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"strconv"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/reflink-ng/lib/fsdump"
	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/textui"
)

func init() {
	var maximal bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "find-shared START_BLOCK BLOCK_COUNT",
			Short: "Report whether any block in a range is shared by more than one owner",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(world *fsdump.World, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			start, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return err
			}
			count, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return err
			}

			fbno, flen, found, err := world.Mnt.FindShared(ctx,
				fsprim.FSBlock(start), fsprim.ExtLen(count), maximal)
			if err != nil {
				return err
			}
			if !found {
				textui.Fprintf(os.Stdout, "[%v,%v): no shared blocks\n",
					start, start+count)
				return nil
			}
			textui.Fprintf(os.Stdout, "[%v,%v): first shared run is [%v,%v)\n",
				start, start+count, uint64(fbno), uint64(fbno)+uint64(flen))
			return nil
		},
	}
	cmd.Command.Flags().BoolVar(&maximal, "maximal", false,
		"extend the reported run across adjacent shared records")
	inspectors = append(inspectors, cmd)
}
