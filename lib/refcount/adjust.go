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

// Adjusting the reference count of a range [agbno, agbno+aglen):
//
// 1. Split any stored extent that straddles either boundary of the
//    range, so every stored extent is either wholly inside or wholly
//    outside it.
//
// 2. Find the stored extents just outside each boundary (left,
//    right) and the possibly-implicit extents just inside each
//    boundary (cleft, cright).  A gap in the index is an implicit
//    extent with refcount 1: the blocks are assumed to be mapped by
//    exactly one file.  If applying the delta to cleft/cright makes
//    them equal to their outside neighbor, merge instead of leaving
//    two adjacent records with equal refcounts.
//
// 3. Walk the remaining middle of the range left to right, applying
//    the delta: gaps are reified (insert refcount 2 on increase) or
//    handed to free-space reclamation (decrease from 1 frees the
//    blocks); stored records are updated, or deleted when they fall
//    back to the implicit refcount.
//
// The walk may stop early when the transaction budget runs out; the
// caller re-queues the unfinished remainder as a fresh intent.

type adjustOp int

const (
	adjustIncrease adjustOp = 1
	adjustDecrease adjustOp = -1
	adjustCowAlloc adjustOp = 0
	adjustCowFree  adjustOp = -1
)

// neighborFilter restricts which records may participate in boundary
// merges: shared extents and CoW-staging extents must never merge
// with each other.
type neighborFilter int

const (
	filterShared neighborFilter = iota
	filterCow
)

func addRC(rc fsprim.RefCount, adj adjustOp) fsprim.RefCount {
	return fsprim.RefCount(int64(rc) + int64(adj))
}

func (cur *Cursor) corruptf(format string, a ...any) error {
	return fmt.Errorf("refcount: ag=%v: %s: %w", cur.ag, fmt.Sprintf(format, a...), ErrCorrupt)
}

// splitExtent splits a stored extent that crosses agbno into two
// records, preserving the refcount on both halves.
func (cur *Cursor) splitExtent(ctx context.Context, agbno fsprim.AGBlock) (shapeChanged bool, err error) {
	ok, err := lookupLE(ctx, cur, agbno)
	if err != nil || !ok {
		return false, err
	}
	rcext, err := mustGetRec(ctx, cur)
	if err != nil {
		return false, err
	}
	if rcext.Start == agbno || rcext.End() <= agbno {
		return false, nil
	}

	dlog.Debugf(ctx, "refcount: ag=%v split %v at %v", cur.ag, rcext, agbno)

	// Establish the right half.
	tmp := rcext
	tmp.Start = agbno
	tmp.Len -= agbno.Delta(rcext.Start)
	if err := updateRec(ctx, cur, tmp); err != nil {
		return true, err
	}

	// Insert the left half.
	tmp = rcext
	tmp.Len = agbno.Delta(rcext.Start)
	if err := insertRec(ctx, cur, tmp); err != nil {
		return true, err
	}
	return true, nil
}

// mergeCenter merges left, the center span, and right into a single
// record, fully resolving the adjustment range.
func (cur *Cursor) mergeCenter(
	ctx context.Context,
	left, center Extent,
	extlen uint64,
	aglen *fsprim.ExtLen,
) error {
	ok, err := lookupGE(ctx, cur, center.Start)
	if err != nil {
		return err
	}
	if !ok {
		return cur.corruptf("merge center: no record at or after %v", center.Start)
	}

	// If the center is implicit (refcount 1, no record), the
	// record under the cursor is right; otherwise it is the
	// center record and right is its successor.  Either way,
	// deleting forward eats everything that left will absorb.
	if err := deleteRec(ctx, cur); err != nil {
		return err
	}
	if center.RefCount > 1 {
		if err := deleteRec(ctx, cur); err != nil {
			return err
		}
	}

	ok, err = lookupLE(ctx, cur, left.Start)
	if err != nil {
		return err
	}
	if !ok {
		return cur.corruptf("merge center: left record at %v vanished", left.Start)
	}

	left.Len = fsprim.ExtLen(extlen)
	if err := updateRec(ctx, cur, left); err != nil {
		return err
	}
	*aglen = 0
	return nil
}

// mergeLeft extends left rightward to absorb cleft.
func (cur *Cursor) mergeLeft(
	ctx context.Context,
	left, cleft Extent,
	agbno *fsprim.AGBlock,
	aglen *fsprim.ExtLen,
) error {
	if cleft.RefCount > 1 {
		ok, err := lookupLE(ctx, cur, cleft.Start)
		if err != nil {
			return err
		}
		if !ok {
			return cur.corruptf("merge left: no record at %v", cleft.Start)
		}
		if err := deleteRec(ctx, cur); err != nil {
			return err
		}
	}

	ok, err := lookupLE(ctx, cur, left.Start)
	if err != nil {
		return err
	}
	if !ok {
		return cur.corruptf("merge left: left record at %v vanished", left.Start)
	}

	left.Len += cleft.Len
	if err := updateRec(ctx, cur, left); err != nil {
		return err
	}

	*agbno = agbno.Add(cleft.Len)
	*aglen -= cleft.Len
	return nil
}

// mergeRight extends right leftward to absorb cright.
func (cur *Cursor) mergeRight(
	ctx context.Context,
	right, cright Extent,
	aglen *fsprim.ExtLen,
) error {
	if cright.RefCount > 1 {
		ok, err := lookupLE(ctx, cur, cright.Start)
		if err != nil {
			return err
		}
		if !ok {
			return cur.corruptf("merge right: no record at %v", cright.Start)
		}
		if err := deleteRec(ctx, cur); err != nil {
			return err
		}
	}

	ok, err := lookupLE(ctx, cur, right.Start)
	if err != nil {
		return err
	}
	if !ok {
		return cur.corruptf("merge right: right record at %v vanished", right.Start)
	}

	right.Start = right.Start.Sub(cright.Len)
	right.Len += cright.Len
	if err := updateRec(ctx, cur, right); err != nil {
		return err
	}

	*aglen -= cright.Len
	return nil
}

// findLeftExtents finds the extent ending exactly at agbno (left) and
// the extent starting at agbno (cleft), inventing an implicit
// refcount-1 cleft for any gap.  Assumes extents crossing agbno have
// already been split.  A zero-length result means "absent".
func (cur *Cursor) findLeftExtents(
	ctx context.Context,
	agbno fsprim.AGBlock,
	aglen fsprim.ExtLen,
	filter neighborFilter,
) (left, cleft Extent, err error) {
	ok, err := lookupLE(ctx, cur, agbno-1)
	if err != nil || !ok {
		return left, cleft, err
	}
	tmp, err := mustGetRec(ctx, cur)
	if err != nil {
		return left, cleft, err
	}

	if tmp.End() != agbno {
		return left, cleft, nil
	}
	if filter == filterShared && tmp.RefCount < 2 {
		return left, cleft, nil
	}
	if filter == filterCow && tmp.RefCount > 1 {
		return left, cleft, nil
	}
	// We have a left extent; retrieve (or invent) cleft.
	left = tmp

	ok, err = cur.idx.Next(ctx)
	if err != nil {
		return left, cleft, err
	}
	if ok {
		tmp, err = mustGetRec(ctx, cur)
		if err != nil {
			return left, cleft, err
		}
		if tmp.Start == agbno {
			cleft = tmp
		} else {
			// Gap at the start of the range: invent the
			// implied refcount-1 extent.
			cleft = Extent{
				Start:    agbno,
				Len:      slices.Min(aglen, tmp.Start.Delta(agbno)),
				RefCount: 1,
			}
		}
	} else {
		// No records at all past agbno; the implied extent
		// covers the whole range.
		cleft = Extent{Start: agbno, Len: aglen, RefCount: 1}
	}
	dlog.Tracef(ctx, "refcount: ag=%v find_left at %v: left=%v cleft=%v", cur.ag, agbno, left, cleft)
	return left, cleft, nil
}

// findRightExtents is the mirror image of findLeftExtents for the
// range's right edge.  Assumes extents crossing agbno+aglen have
// already been split.
func (cur *Cursor) findRightExtents(
	ctx context.Context,
	agbno fsprim.AGBlock,
	aglen fsprim.ExtLen,
	filter neighborFilter,
) (right, cright Extent, err error) {
	ok, err := lookupGE(ctx, cur, agbno.Add(aglen))
	if err != nil || !ok {
		return right, cright, err
	}
	tmp, err := mustGetRec(ctx, cur)
	if err != nil {
		return right, cright, err
	}

	if tmp.Start != agbno.Add(aglen) {
		return right, cright, nil
	}
	if filter == filterShared && tmp.RefCount < 2 {
		return right, cright, nil
	}
	if filter == filterCow && tmp.RefCount > 1 {
		return right, cright, nil
	}
	// We have a right extent; retrieve (or invent) cright.
	right = tmp

	ok, err = cur.idx.Prev(ctx)
	if err != nil {
		return right, cright, err
	}
	if ok {
		tmp, err = mustGetRec(ctx, cur)
		if err != nil {
			return right, cright, err
		}
		if tmp.End() == agbno.Add(aglen) {
			cright = tmp
		} else {
			// Gap at the end of the range: invent the
			// implied refcount-1 extent.
			start := slices.Max(agbno, tmp.End())
			cright = Extent{
				Start:    start,
				Len:      right.Start.Delta(start),
				RefCount: 1,
			}
		}
	} else {
		// No records at all before the boundary; the implied
		// extent covers the whole range.
		cright = Extent{Start: agbno, Len: aglen, RefCount: 1}
	}
	dlog.Tracef(ctx, "refcount: ag=%v find_right at %v: cright=%v right=%v",
		cur.ag, agbno.Add(aglen), cright, right)
	return right, cright, nil
}

// mergeExtents tries to merge with the extents on the boundaries of
// the adjustment range, shrinking [agbno, agbno+aglen) by whatever
// the merges resolved.
func (cur *Cursor) mergeExtents(
	ctx context.Context,
	agbno *fsprim.AGBlock,
	aglen *fsprim.ExtLen,
	adj adjustOp,
	filter neighborFilter,
) (shapeChanged bool, err error) {
	left, cleft, err := cur.findLeftExtents(ctx, *agbno, *aglen, filter)
	if err != nil {
		return false, err
	}
	right, cright, err := cur.findRightExtents(ctx, *agbno, *aglen, filter)
	if err != nil {
		return false, err
	}

	// No left or right extent to merge with; exit.
	if left.Len == 0 && right.Len == 0 {
		return false, nil
	}
	shapeChanged = true

	cequal := cleft.Start == cright.Start && cleft.Len == cright.Len

	// Try to merge left, center, and right.  cleft must == cright.
	ulen := uint64(left.Len) + uint64(cleft.Len) + uint64(right.Len)
	if left.Len != 0 && right.Len != 0 && cleft.Len != 0 && cright.Len != 0 &&
		cequal &&
		left.RefCount == addRC(cleft.RefCount, adj) &&
		right.RefCount == addRC(cleft.RefCount, adj) &&
		ulen < fsprim.MaxExtentLen {
		dlog.Debugf(ctx, "refcount: ag=%v merge center %v %v %v", cur.ag, left, cleft, right)
		return true, cur.mergeCenter(ctx, left, cleft, ulen, aglen)
	}

	// Try to merge left and cleft.
	ulen = uint64(left.Len) + uint64(cleft.Len)
	if left.Len != 0 && cleft.Len != 0 &&
		left.RefCount == addRC(cleft.RefCount, adj) &&
		ulen < fsprim.MaxExtentLen {
		dlog.Debugf(ctx, "refcount: ag=%v merge left %v %v", cur.ag, left, cleft)
		if err := cur.mergeLeft(ctx, left, cleft, agbno, aglen); err != nil {
			return true, err
		}
		// If cleft == cright, there is no longer a cright to
		// merge with right.  We're done.
		if cequal {
			return true, nil
		}
	}

	// Try to merge cright and right.
	ulen = uint64(right.Len) + uint64(cright.Len)
	if right.Len != 0 && cright.Len != 0 &&
		right.RefCount == addRC(cright.RefCount, adj) &&
		ulen < fsprim.MaxExtentLen {
		dlog.Debugf(ctx, "refcount: ag=%v merge right %v %v", cur.ag, cright, right)
		return true, cur.mergeRight(ctx, right, cright, aglen)
	}

	return true, nil
}

// adjustExtents walks the middle extents of the (already split and
// merged) range and applies the delta.
//
// Precondition: every gap in the index inside the range covers blocks
// that are mapped by exactly one file, so its implied refcount really
// is 1.  Nothing here re-checks that; a violation elsewhere would be
// silently folded into wrong counts.
func (cur *Cursor) adjustExtents(
	ctx context.Context,
	agbno fsprim.AGBlock,
	aglen fsprim.ExtLen,
	adjusted *fsprim.ExtLen,
	adj adjustOp,
) error {
	// Merging did all the work already.
	if aglen == 0 {
		return nil
	}

	if _, err := lookupGE(ctx, cur, agbno); err != nil {
		return err
	}

	for aglen > 0 && cur.bud.stillHaveSpace() {
		ext, ok, err := getRec(ctx, cur)
		if err != nil {
			return err
		}
		if !ok {
			ext = Extent{Start: fsprim.AGBlock(cur.mnt.Geo.AGBlocks)}
		}

		// A hole before the next record: the blocks are
		// mapped exactly once, so pretend there's a record
		// with refcount 1 there.
		if ext.Start != agbno {
			tmp := Extent{
				Start:    agbno,
				Len:      slices.Min(aglen, ext.Start.Delta(agbno)),
				RefCount: addRC(1, adj),
			}
			dlog.Debugf(ctx, "refcount: ag=%v modify %v", cur.ag, tmp)

			// Either cover the hole (increase) or hand
			// the now-unreferenced blocks back (decrease).
			if tmp.RefCount != 0 {
				if err := insertRec(ctx, cur, tmp); err != nil {
					return err
				}
				cur.bud.nrOps++
			} else {
				if err := cur.free(ctx, tmp.Start, tmp.Len, OwnerNone); err != nil {
					return err
				}
			}

			*adjusted += tmp.Len
			agbno = agbno.Add(tmp.Len)
			aglen -= tmp.Len

			if _, err := lookupGE(ctx, cur, agbno); err != nil {
				return err
			}
		}

		// Stop if there's nothing left to modify.
		if aglen == 0 || !cur.bud.stillHaveSpace() {
			break
		}

		// Adjust the stored record, unless its refcount is
		// saturated; saturated records can't be represented
		// any higher, so they are skipped.
		if ext.RefCount != fsprim.MaxRefCount {
			ext.RefCount = addRC(ext.RefCount, adj)
			dlog.Debugf(ctx, "refcount: ag=%v modify %v", cur.ag, ext)
			switch {
			case ext.RefCount > 1:
				if err := updateRec(ctx, cur, ext); err != nil {
					return err
				}
				cur.bud.nrOps++
			case ext.RefCount == 1:
				// Back to the implicit representation.
				if err := deleteRec(ctx, cur); err != nil {
					return err
				}
				cur.bud.nrOps++
				// The delete repositioned the cursor at
				// the successor; don't step again.
				*adjusted += ext.Len
				agbno = agbno.Add(ext.Len)
				aglen -= ext.Len
				continue
			default: // 0
				if err := cur.free(ctx, ext.Start, ext.Len, OwnerNone); err != nil {
					return err
				}
			}
		}

		if _, err := cur.idx.Next(ctx); err != nil {
			return err
		}
		*adjusted += ext.Len
		agbno = agbno.Add(ext.Len)
		aglen -= ext.Len
	}

	return nil
}

// adjust applies delta to the refcount of every block in
// [agbno, agbno+aglen), returning how many blocks were actually
// covered before the budget ran out.
func (cur *Cursor) adjust(
	ctx context.Context,
	agbno fsprim.AGBlock,
	aglen fsprim.ExtLen,
	adj adjustOp,
) (adjusted fsprim.ExtLen, err error) {
	switch adj {
	case adjustIncrease:
		dlog.Debugf(ctx, "refcount: ag=%v increase [%v,%v)", cur.ag, agbno, agbno.Add(aglen))
	case adjustDecrease:
		dlog.Debugf(ctx, "refcount: ag=%v decrease [%v,%v)", cur.ag, agbno, agbno.Add(aglen))
	default:
		return 0, cur.corruptf("adjust: invalid op %d", adj)
	}

	// Ensure that no extents cross the boundaries of the range.
	var shapeChanges uint
	shapeChanged, err := cur.splitExtent(ctx, agbno)
	if err != nil {
		return 0, err
	}
	if shapeChanged {
		shapeChanges++
	}
	shapeChanged, err = cur.splitExtent(ctx, agbno.Add(aglen))
	if err != nil {
		return 0, err
	}
	if shapeChanged {
		shapeChanges++
	}

	// Try to merge with the left or right extents of the range.
	origLen := aglen
	shapeChanged, err = cur.mergeExtents(ctx, &agbno, &aglen, adj, filterShared)
	if err != nil {
		return 0, err
	}
	if shapeChanged {
		shapeChanges++
	}
	adjusted += origLen - aglen
	if shapeChanges > 0 {
		cur.bud.shapeChanges++
	}

	// Now that we've taken care of the ends, adjust the middle.
	if err := cur.adjustExtents(ctx, agbno, aglen, &adjusted, adj); err != nil {
		return adjusted, err
	}
	return adjusted, nil
}
