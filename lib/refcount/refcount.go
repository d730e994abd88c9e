// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package refcount implements the shared-extent reference-count
// engine of a copy-on-write-capable block allocator.
//
// The engine maintains, per allocation group, an ordered index of
// extents that are referenced by more than one file mapping
// ("shared" extents, refcount >= 2) and of extents newly allocated
// for copy-on-write writeback but not yet linked into any file
// ("CoW-staging" extents, refcount == 1).  Extents referenced exactly
// once by a file are not stored at all; they are implied by the gaps
// between stored records.
//
// The index itself is an external capability (see Index); this
// package only issues lookups, inserts, updates, and deletes against
// it, and wraps the crash-safety protocol around those mutations.
package refcount

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
)

// ErrCorrupt is the EFSCORRUPTED-class sentinel: an invariant that
// should hold on-disk does not.  Callers must treat it as fatal to
// the whole transaction.
var ErrCorrupt = errors.New("refcount index is corrupt")

// Extent is one stored refcount record.
//
// Invariants on the stored set: Len > 0; RefCount >= 1; no two
// stored extents overlap; no two adjacent stored extents carry the
// same refcount, except that CoW-staging extents (RefCount == 1) are
// never merged across the CoW/shared boundary.
type Extent struct {
	Start    fsprim.AGBlock
	Len      fsprim.ExtLen
	RefCount fsprim.RefCount
}

// End returns the first block just past the extent.
func (ext Extent) End() fsprim.AGBlock {
	return ext.Start.Add(ext.Len)
}

func (ext Extent) String() string {
	return fmt.Sprintf("[%d,%d)=%d", ext.Start, ext.End(), ext.RefCount)
}

// Index is the ordered refcount-extent container, keyed by extent
// start block.  It is a cursor-style capability: every lookup
// positions an implicit cursor, and Get/Update/Delete/Next/Prev act
// on that position.
//
// Any method may return an error wrapping ErrCorrupt if the
// underlying structure is inconsistent.
type Index interface {
	// LookupLE positions the cursor at the last record whose
	// Start is <= bno; ok=false leaves the cursor logically
	// before the first record.
	LookupLE(ctx context.Context, bno fsprim.AGBlock) (ok bool, err error)
	// LookupGE positions the cursor at the first record whose
	// Start is >= bno; ok=false leaves the cursor logically
	// after the last record.
	LookupGE(ctx context.Context, bno fsprim.AGBlock) (ok bool, err error)
	// Get returns the record under the cursor.
	Get(ctx context.Context) (ext Extent, ok bool, err error)
	// Insert adds a record and positions the cursor at it.
	Insert(ctx context.Context, ext Extent) error
	// Update overwrites the record under the cursor; the new
	// record's Start must not reorder it past its neighbors.
	Update(ctx context.Context, ext Extent) error
	// Delete removes the record under the cursor and repositions
	// the cursor at the removed record's successor.
	Delete(ctx context.Context) error
	// Next steps the cursor forward.
	Next(ctx context.Context) (ok bool, err error)
	// Prev steps the cursor backward.
	Prev(ctx context.Context) (ok bool, err error)
}

// These wrappers mirror the trace-and-check discipline the adjusters
// rely on: a helper either works or yields a corruption error with
// enough context to identify the failed step.

func lookupLE(ctx context.Context, cur *Cursor, bno fsprim.AGBlock) (bool, error) {
	dlog.Tracef(ctx, "refcount: ag=%v lookup_le bno=%v", cur.ag, bno)
	return cur.idx.LookupLE(ctx, bno)
}

func lookupGE(ctx context.Context, cur *Cursor, bno fsprim.AGBlock) (bool, error) {
	dlog.Tracef(ctx, "refcount: ag=%v lookup_ge bno=%v", cur.ag, bno)
	return cur.idx.LookupGE(ctx, bno)
}

func getRec(ctx context.Context, cur *Cursor) (Extent, bool, error) {
	return cur.idx.Get(ctx)
}

// mustGetRec is getRec for callers that have already established that
// a record must be present; absence is corruption.
func mustGetRec(ctx context.Context, cur *Cursor) (Extent, error) {
	ext, ok, err := cur.idx.Get(ctx)
	if err != nil {
		return Extent{}, err
	}
	if !ok {
		return Extent{}, fmt.Errorf("refcount: ag=%v: expected record under cursor: %w",
			cur.ag, ErrCorrupt)
	}
	return ext, nil
}

func updateRec(ctx context.Context, cur *Cursor, ext Extent) error {
	dlog.Tracef(ctx, "refcount: ag=%v update %v", cur.ag, ext)
	return cur.idx.Update(ctx, ext)
}

func insertRec(ctx context.Context, cur *Cursor, ext Extent) error {
	dlog.Tracef(ctx, "refcount: ag=%v insert %v", cur.ag, ext)
	return cur.idx.Insert(ctx, ext)
}

// deleteRec removes the record under the cursor; afterward the cursor
// sits on the removed record's successor, so a caller walking forward
// must not step again.
func deleteRec(ctx context.Context, cur *Cursor) error {
	ext, err := mustGetRec(ctx, cur)
	if err != nil {
		return err
	}
	dlog.Tracef(ctx, "refcount: ag=%v delete %v", cur.ag, ext)
	return cur.idx.Delete(ctx)
}
