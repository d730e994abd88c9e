// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
)

// Source hands out the refcount index of an allocation group.  The
// external transaction/locking layer is responsible for excluding
// concurrent mutation of the same AG before an index is handed out.
type Source interface {
	AGIndex(ctx context.Context, ag fsprim.AGNumber) (Index, error)
}

// OwnerTag says on whose behalf blocks are being freed.
type OwnerTag int

const (
	OwnerNone OwnerTag = iota
	OwnerCow
)

// FreeFunc is the free-space reclamation callback, owned by the
// external allocator; the walk hands it every span whose refcount
// dropped to the free threshold.
type FreeFunc func(ctx context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen, owner OwnerTag) error

// RmapHook registers/unregisters CoW ownership tags in the reverse
// mapping index, when the filesystem carries one.
type RmapHook interface {
	AllocCow(ctx context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen) error
	FreeCow(ctx context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen) error
}

// Mount carries the filesystem-wide state the refcount engine reads.
type Mount struct {
	Geo fsprim.Geometry

	// Reflink gates the whole engine: the Record* enqueue
	// functions no-op when the filesystem lacks the feature.
	Reflink bool

	// AlwaysCoW forces every FindShared query to report its whole
	// input range as shared (debug mode forcing copy-on-write).
	AlwaysCoW bool

	Indexes Source
	Free    FreeFunc // may be nil
	Rmap    RmapHook // may be nil; filesystems without an rmap index

	// LogRes and BlockSize seed each cursor's Budget.
	LogRes    uint64
	BlockSize uint64
	// ForceMaxOps is plumbed into each cursor's Budget.
	ForceMaxOps uint
}

// Cursor is the per-AG working state of one adjustment pass: the AG's
// index plus the running transaction budget.  A cursor is only ever
// used by a single transaction-holding goroutine.
type Cursor struct {
	mnt *Mount
	ag  fsprim.AGNumber
	idx Index
	bud Budget
}

func (mnt *Mount) NewCursor(ctx context.Context, ag fsprim.AGNumber) (*Cursor, error) {
	if ag >= mnt.Geo.AGCount {
		return nil, fmt.Errorf("refcount: ag=%v is beyond the %v AGs of the filesystem: %w",
			ag, mnt.Geo.AGCount, ErrCorrupt)
	}
	idx, err := mnt.Indexes.AGIndex(ctx, ag)
	if err != nil {
		return nil, err
	}
	return &Cursor{
		mnt: mnt,
		ag:  ag,
		idx: idx,
		bud: Budget{
			LogRes:      mnt.LogRes,
			BlockSize:   mnt.BlockSize,
			ForceMaxOps: mnt.ForceMaxOps,
		},
	}, nil
}

func (cur *Cursor) AG() fsprim.AGNumber { return cur.ag }

func (cur *Cursor) free(ctx context.Context, bno fsprim.AGBlock, ln fsprim.ExtLen, owner OwnerTag) error {
	dlog.Debugf(ctx, "refcount: ag=%v free [%v,%v) owner=%v", cur.ag, bno, bno.Add(ln), owner)
	if cur.mnt.Free == nil {
		return nil
	}
	return cur.mnt.Free(ctx, cur.ag, bno, ln, owner)
}

// FinishOne processes one deferred refcount operation.  The caller
// passes back the cursor between calls so that consecutive operations
// against the same AG share the AG's index position and budget; when
// the AG changes, the budget counters carry over to the new cursor so
// the whole transaction stays bounded.
//
// The returned adjusted count may be less than blockcount if the
// budget ran out; the caller must re-queue the remainder as a fresh
// intent.
func FinishOne(
	ctx context.Context,
	mnt *Mount,
	pcur **Cursor,
	kind Kind,
	startblock fsprim.FSBlock,
	blockcount fsprim.ExtLen,
) (adjusted fsprim.ExtLen, err error) {
	ag := mnt.Geo.AG(startblock)
	bno := mnt.Geo.AGBlock(startblock)

	dlog.Debugf(ctx, "refcount: finish %v ag=%v [%v,%v)", kind, ag, bno, bno.Add(blockcount))

	cur := *pcur
	var nrOps, shapeChanges uint
	if cur != nil && cur.ag != ag {
		nrOps = cur.bud.nrOps
		shapeChanges = cur.bud.shapeChanges
		cur = nil
		*pcur = nil
	}
	if cur == nil {
		cur, err = mnt.NewCursor(ctx, ag)
		if err != nil {
			return 0, err
		}
		cur.bud.nrOps = nrOps
		cur.bud.shapeChanges = shapeChanges
	}
	*pcur = cur

	switch kind {
	case Increase:
		adjusted, err = cur.adjust(ctx, bno, blockcount, adjustIncrease)
	case Decrease:
		adjusted, err = cur.adjust(ctx, bno, blockcount, adjustDecrease)
	case CowAlloc:
		if err = cur.cowAlloc(ctx, bno, blockcount); err == nil {
			adjusted = blockcount
		}
	case CowFree:
		if err = cur.cowFree(ctx, bno, blockcount); err == nil {
			adjusted = blockcount
		}
	default:
		return 0, fmt.Errorf("refcount: finish: unknown intent kind %v: %w", kind, ErrCorrupt)
	}
	if err == nil && adjusted != blockcount {
		dlog.Debugf(ctx, "refcount: finish %v ag=%v leftover [%v,%v)",
			kind, ag, bno.Add(adjusted), bno.Add(blockcount))
	}
	return adjusted, err
}
