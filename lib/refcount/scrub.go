// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/slices"
)

// RmapRecord is one reverse-mapping of a block range to an owner, as
// seen by the scrubber.  Owners are opaque here; only the number of
// distinct mappings per block matters.
type RmapRecord struct {
	Start fsprim.AGBlock
	Len   fsprim.ExtLen
}

// RmapQuery answers "who maps this range" questions against the
// reverse-mapping index of one AG.
type RmapQuery interface {
	// QueryRange calls fn for every mapping overlapping
	// [bno, bno+ln), in ascending Start order.
	QueryRange(ctx context.Context, bno fsprim.AGBlock, ln fsprim.ExtLen, fn func(RmapRecord) error) error
	// CowStagingBlocks returns the total number of blocks the
	// rmap index tags as CoW staging.
	CowStagingBlocks(ctx context.Context) (uint64, error)
}

// ScrubProblem describes one inconsistency found by Scrub.
type ScrubProblem struct {
	AG  fsprim.AGNumber
	Ext Extent
	Msg string
}

func (p ScrubProblem) String() string {
	return fmt.Sprintf("ag=%v %v: %s", p.AG, p.Ext, p.Msg)
}

// rmapFragments decides whether the given partial mappings can be
// stitched into target whole layers of coverage of
// [ext.Start, ext.End()).
//
// The mappings arrive sorted by Start.  Exactly target of them must
// begin at or before the left edge; from there we advance boundary by
// boundary, retiring every mapping ending at the current boundary and
// promoting one mapping starting exactly there for each, until the
// layered depth reaches the right edge.
func rmapFragments(ext Extent, target int64, frags []RmapRecord) bool {
	if target < 0 {
		return false
	}
	if target == 0 {
		return true
	}

	var worklist []RmapRecord
	for len(frags) > 0 && frags[0].Start <= ext.Start {
		worklist = append(worklist, frags[0])
		frags = frags[1:]
	}
	// More mappings reaching the left edge than the remaining
	// refcount is over-coverage, fewer can never be completed by
	// fragments that start later.
	if int64(len(worklist)) != target {
		return false
	}

	for {
		// The next boundary is the earliest end among the
		// mappings currently covering the span.
		nbno := fsprim.NullAGBlock
		for _, frag := range worklist {
			nbno = slices.Min(nbno, frag.Start.Add(frag.Len))
		}
		if nbno >= ext.End() {
			// Covered through the right edge at full depth.
			return true
		}

		// Retire the mappings ending at the boundary.
		var removed int
		keep := worklist[:0]
		for _, frag := range worklist {
			if frag.Start.Add(frag.Len) == nbno {
				removed++
			} else {
				keep = append(keep, frag)
			}
		}
		worklist = keep

		// Replace each with a mapping starting exactly there.
		for removed > 0 && len(frags) > 0 && frags[0].Start == nbno {
			worklist = append(worklist, frags[0])
			frags = frags[1:]
			removed--
		}
		if removed != 0 {
			return false
		}
		// A leftover fragment starting at or before the boundary
		// would push some block past the stored refcount.
		if len(frags) > 0 && frags[0].Start <= nbno {
			return false
		}
	}
}

// scrubExtent cross-references one stored extent against the reverse
// mapping index.  A mapping that fully covers the extent counts as
// one whole reference on its own; the rest are fragments that must
// stitch into whole layers of coverage.
func (cur *Cursor) scrubExtent(ctx context.Context, rmap RmapQuery, ext Extent, problems *[]ScrubProblem) error {
	var seen int64
	var frags []RmapRecord
	err := rmap.QueryRange(ctx, ext.Start, ext.Len, func(rec RmapRecord) error {
		if rec.Start <= ext.Start && rec.Start.Add(rec.Len) >= ext.End() {
			seen++
		} else {
			frags = append(frags, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !rmapFragments(ext, int64(ext.RefCount)-seen, frags) {
		msg := "reverse mappings cannot be layered to the stored refcount"
		dlog.Infof(ctx, "refcount: scrub: ag=%v %v: %s", cur.ag, ext, msg)
		*problems = append(*problems, ScrubProblem{AG: cur.ag, Ext: ext, Msg: msg})
	}
	return nil
}

// Scrub checks the refcount index of one AG for internal consistency
// and against the reverse-mapping index.  It returns the problems
// found; an empty slice means the AG is clean.  A non-nil error means
// the scrub itself could not run to completion.
func (mnt *Mount) Scrub(ctx context.Context, ag fsprim.AGNumber, rmap RmapQuery) ([]ScrubProblem, error) {
	cur, err := mnt.NewCursor(ctx, ag)
	if err != nil {
		return nil, err
	}

	var problems []ScrubProblem
	report := func(ext Extent, msg string) {
		dlog.Infof(ctx, "refcount: scrub: ag=%v %v: %s", ag, ext, msg)
		problems = append(problems, ScrubProblem{AG: ag, Ext: ext, Msg: msg})
	}

	var cowBlocks uint64
	prev := Extent{Start: fsprim.NullAGBlock}

	ok, err := cur.idx.LookupGE(ctx, 0)
	if err != nil {
		return nil, err
	}
	for ok {
		ext, err := mustGetRec(ctx, cur)
		if err != nil {
			return nil, err
		}

		// Structural checks first; a structurally bad record
		// is not worth cross-referencing.
		switch {
		case ext.Len == 0:
			report(ext, "zero-length record")
		case uint64(ext.Start)+uint64(ext.Len) > uint64(mnt.Geo.AGBlocks):
			report(ext, "record extends beyond the AG")
		case ext.RefCount == 0:
			report(ext, "zero refcount record")
		default:
			if prev.Start != fsprim.NullAGBlock {
				if prev.End() > ext.Start {
					report(ext, "record overlaps its predecessor")
				} else if prev.End() == ext.Start &&
					prev.RefCount == ext.RefCount && ext.RefCount >= 2 {
					report(ext, "record should have been merged with its predecessor")
				}
			}
			if ext.RefCount == 1 {
				cowBlocks += uint64(ext.Len)
			} else if rmap != nil {
				if err := cur.scrubExtent(ctx, rmap, ext, &problems); err != nil {
					return nil, err
				}
			}
		}
		prev = ext

		ok, err = cur.idx.Next(ctx)
		if err != nil {
			return nil, err
		}
	}

	// CoW staging extents are cross-referenced in aggregate: every
	// staged block carries a staging tag in the rmap, so the
	// totals must agree.
	if rmap != nil {
		rmapCow, err := rmap.CowStagingBlocks(ctx)
		if err != nil {
			return nil, err
		}
		if rmapCow != cowBlocks {
			report(Extent{}, "CoW staging block totals disagree with the reverse mapping")
		}
	}

	dlog.Infof(ctx, "refcount: scrub: ag=%v done, %d problem(s)", ag, len(problems))
	return problems, nil
}
