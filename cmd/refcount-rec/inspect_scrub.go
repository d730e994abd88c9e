// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/reflink-ng/lib/fsdump"
	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/rmap"
	"git.lukeshu.com/reflink-ng/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "scrub",
			Short: "Cross-reference the refcount index against the reverse-mapping index",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(world *fsdump.World, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var mu sync.Mutex
			var problems []refcount.ScrubProblem

			// AGs are independent; scrub them in parallel.
			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
			for ag := fsprim.AGNumber(0); ag < world.Dump.Geometry.AGCount; ag++ {
				ag := ag
				grp.Go(fmt.Sprintf("ag-%d", ag), func(ctx context.Context) error {
					ctx = dlog.WithField(ctx, "refcount-rec.scrub.ag", ag)
					found, err := world.Mnt.Scrub(ctx, ag, rmap.Query{AG: world.Rmaps.AG(ag)})
					if err != nil {
						return err
					}
					mu.Lock()
					problems = append(problems, found...)
					mu.Unlock()
					return nil
				})
			}
			if err := grp.Wait(); err != nil {
				return err
			}

			if len(problems) == 0 {
				textui.Fprintf(os.Stdout, "scrub: clean\n")
				return nil
			}
			sort.Slice(problems, func(i, j int) bool {
				if problems[i].AG != problems[j].AG {
					return problems[i].AG < problems[j].AG
				}
				return problems[i].Ext.Start < problems[j].Ext.Start
			})
			for _, p := range problems {
				textui.Fprintf(os.Stdout, "scrub: %v\n", p)
			}
			return fmt.Errorf("scrub: %d problem(s) found", len(problems))
		},
	})
}
