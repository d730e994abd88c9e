// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
)

// CoW staging extents are tracked in the same index as shared
// extents, but with refcount 1 (ordinary shared extents are only ever
// recorded with refcount >= 2, so the two populations cannot collide
// or merge).  A staging extent marks blocks reserved for a pending
// copy-on-write so that crash recovery can find and reclaim them.

// adjustCowExtents reifies or removes a staging extent covering
// exactly [agbno, agbno+aglen).
func (cur *Cursor) adjustCowExtents(
	ctx context.Context,
	agbno fsprim.AGBlock,
	aglen fsprim.ExtLen,
	adj adjustOp,
) error {
	if aglen == 0 {
		return nil
	}

	if _, err := lookupGE(ctx, cur, agbno); err != nil {
		return err
	}
	ext, ok, err := getRec(ctx, cur)
	if err != nil {
		return err
	}
	if !ok {
		ext = Extent{Start: fsprim.AGBlock(cur.mnt.Geo.AGBlocks)}
	}

	switch adj {
	case adjustCowAlloc:
		// Adding a staging extent: the range must be a hole.
		if agbno.Add(aglen) > ext.Start {
			return cur.corruptf("cow alloc [%v,%v) overlaps %v",
				agbno, agbno.Add(aglen), ext)
		}
		tmp := Extent{Start: agbno, Len: aglen, RefCount: 1}
		dlog.Debugf(ctx, "refcount: ag=%v cow stage %v", cur.ag, tmp)
		if err := insertRec(ctx, cur, tmp); err != nil {
			return err
		}
		cur.bud.nrOps++
	case adjustCowFree:
		// Removing a staging extent: it must match exactly.
		if ext.Start != agbno || ext.Len != aglen || ext.RefCount != 1 {
			return cur.corruptf("cow unstage [%v,%v) does not match %v",
				agbno, agbno.Add(aglen), ext)
		}
		dlog.Debugf(ctx, "refcount: ag=%v cow unstage %v", cur.ag, ext)
		if err := deleteRec(ctx, cur); err != nil {
			return err
		}
		cur.bud.nrOps++
	default:
		return cur.corruptf("cow adjust: invalid op %d", adj)
	}
	return nil
}

// adjustCow splits around and merges across the boundaries of the
// staging range, then hands the remainder to adjustCowExtents.
func (cur *Cursor) adjustCow(
	ctx context.Context,
	agbno fsprim.AGBlock,
	aglen fsprim.ExtLen,
	adj adjustOp,
) error {
	// Ensure that no extents cross the boundaries of the range.
	if _, err := cur.splitExtent(ctx, agbno); err != nil {
		return err
	}
	if _, err := cur.splitExtent(ctx, agbno.Add(aglen)); err != nil {
		return err
	}

	// Try to merge with the left or right extents of the range.
	if _, err := cur.mergeExtents(ctx, &agbno, &aglen, adj, filterCow); err != nil {
		return err
	}

	return cur.adjustCowExtents(ctx, agbno, aglen, adj)
}

// cowAlloc records [agbno, agbno+aglen) as staged for copy-on-write.
func (cur *Cursor) cowAlloc(ctx context.Context, agbno fsprim.AGBlock, aglen fsprim.ExtLen) error {
	if err := cur.adjustCow(ctx, agbno, aglen, adjustCowAlloc); err != nil {
		return err
	}
	if cur.mnt.Rmap != nil {
		return cur.mnt.Rmap.AllocCow(ctx, cur.ag, agbno, aglen)
	}
	return nil
}

// cowFree removes the staging record for [agbno, agbno+aglen).
func (cur *Cursor) cowFree(ctx context.Context, agbno fsprim.AGBlock, aglen fsprim.ExtLen) error {
	if err := cur.adjustCow(ctx, agbno, aglen, adjustCowFree); err != nil {
		return err
	}
	if cur.mnt.Rmap != nil {
		return cur.mnt.Rmap.FreeCow(ctx, cur.ag, agbno, aglen)
	}
	return nil
}
