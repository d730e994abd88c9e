// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/slices"
)

// findShared scans [agbno, agbno+aglen) for blocks with refcount >= 2
// and returns the first shared run.  found is false when no block in
// the range is shared.  When maximal is set the run is extended across
// immediately-adjacent shared records; otherwise only the first
// record's overlap is reported.
func (cur *Cursor) findShared(
	ctx context.Context,
	agbno fsprim.AGBlock,
	aglen fsprim.ExtLen,
	maximal bool,
) (fbno fsprim.AGBlock, flen fsprim.ExtLen, found bool, err error) {
	dlog.Tracef(ctx, "refcount: ag=%v find shared [%v,%v)", cur.ag, agbno, agbno.Add(aglen))

	// By convention, s[fbno] == NullAGBlock means "nothing found".
	fbno = fsprim.NullAGBlock

	ok, err := lookupLE(ctx, cur, agbno)
	if err != nil {
		return fbno, 0, false, err
	}
	var ext Extent
	if ok {
		ext, err = mustGetRec(ctx, cur)
		if err != nil {
			return fbno, 0, false, err
		}
	}

	// If the extent ends before the start of the query range, skip
	// to the record covering (or after) the start.
	if !ok || ext.End() <= agbno {
		ok, err = cur.idx.Next(ctx)
		if err != nil {
			return fbno, 0, false, err
		}
		if !ok {
			return fbno, 0, false, nil
		}
		ext, err = mustGetRec(ctx, cur)
		if err != nil {
			return fbno, 0, false, err
		}
	}

	// Skip records that are wholly before the range, or inside the
	// range but not shared (refcount 1 records are CoW staging).
	for ext.Start < agbno.Add(aglen) && ext.RefCount < 2 {
		ok, err = cur.idx.Next(ctx)
		if err != nil {
			return fbno, 0, false, err
		}
		if !ok {
			return fbno, 0, false, nil
		}
		ext, err = mustGetRec(ctx, cur)
		if err != nil {
			return fbno, 0, false, err
		}
	}
	if ext.Start >= agbno.Add(aglen) {
		return fbno, 0, false, nil
	}

	// The first shared block may precede the range; clamp both ends.
	fbno = slices.Max(ext.Start, agbno)
	flen = slices.Min(ext.End().Delta(fbno), agbno.Add(aglen).Delta(fbno))
	if !maximal || fbno.Add(flen) >= agbno.Add(aglen) {
		dlog.Tracef(ctx, "refcount: ag=%v shared [%v,%v)", cur.ag, fbno, fbno.Add(flen))
		return fbno, flen, true, nil
	}

	// Extend the run across adjacent shared records.
	for {
		ok, err = cur.idx.Next(ctx)
		if err != nil {
			return fbno, flen, true, err
		}
		if !ok {
			break
		}
		ext, err = mustGetRec(ctx, cur)
		if err != nil {
			return fbno, flen, true, err
		}
		if ext.Start != fbno.Add(flen) ||
			ext.Start >= agbno.Add(aglen) ||
			ext.RefCount < 2 {
			break
		}
		flen += slices.Min(ext.Len, agbno.Add(aglen).Delta(ext.Start))
		if fbno.Add(flen) >= agbno.Add(aglen) {
			break
		}
	}

	dlog.Tracef(ctx, "refcount: ag=%v shared [%v,%v)", cur.ag, fbno, fbno.Add(flen))
	return fbno, flen, true, nil
}

// FindShared reports whether any block in [fsbno, fsbno+blockcount)
// is shared by more than one owner, and if so where the first shared
// run starts and how long it is.  CoW staging extents do not count as
// shared.  maximal extends the reported run across adjacent shared
// records instead of stopping at the first one.
//
// When the filesystem forces copy-on-write for all writes, every
// block is treated as shared regardless of the index contents.
func (mnt *Mount) FindShared(
	ctx context.Context,
	fsbno fsprim.FSBlock,
	blockcount fsprim.ExtLen,
	maximal bool,
) (shared fsprim.FSBlock, sharedLen fsprim.ExtLen, found bool, err error) {
	if mnt.AlwaysCoW {
		return fsbno, blockcount, true, nil
	}
	if !mnt.Reflink {
		return 0, 0, false, nil
	}

	ag := mnt.Geo.AG(fsbno)
	cur, err := mnt.NewCursor(ctx, ag)
	if err != nil {
		return 0, 0, false, err
	}

	fbno, flen, found, err := cur.findShared(ctx, mnt.Geo.AGBlock(fsbno), blockcount, maximal)
	if err != nil || !found {
		return 0, 0, false, err
	}
	return mnt.Geo.FSBlock(ag, fbno), flen, true, nil
}
