// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/refcount/refcountidx"
)

type freedExtent struct {
	AG    fsprim.AGNumber
	Start fsprim.AGBlock
	Len   fsprim.ExtLen
	Owner refcount.OwnerTag
}

type env struct {
	Store *refcountidx.Store
	Mnt   *refcount.Mount
	Freed []freedExtent
}

func newEnv() *env {
	ret := &env{
		Store: refcountidx.NewStore(),
	}
	ret.Mnt = &refcount.Mount{
		Geo: fsprim.Geometry{
			AGBlocks: 10000,
			AGCount:  4,
		},
		Reflink:   true,
		Indexes:   ret.Store,
		LogRes:    1 << 20,
		BlockSize: 4096,
		Free: func(_ context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen, owner refcount.OwnerTag) error {
			ret.Freed = append(ret.Freed, freedExtent{AG: ag, Start: bno, Len: ln, Owner: owner})
			return nil
		},
	}
	return ret
}

func ext(start fsprim.AGBlock, ln fsprim.ExtLen, rc fsprim.RefCount) refcount.Extent {
	return refcount.Extent{Start: start, Len: ln, RefCount: rc}
}

func (e *env) seed(ctx context.Context, t *testing.T, ag fsprim.AGNumber, exts ...refcount.Extent) {
	t.Helper()
	idx := e.Store.AG(ag)
	for _, x := range exts {
		require.NoError(t, idx.Insert(ctx, x))
	}
}

// dumpRaw returns the AG's records in order, with no invariant
// checking.  For index states mid-way through a budget-interrupted
// adjust, where unmerged equal-refcount neighbors are legitimate
// until the re-queued remainder runs.
func (e *env) dumpRaw(t *testing.T, ag fsprim.AGNumber) []refcount.Extent {
	t.Helper()
	var ret []refcount.Extent
	require.NoError(t, e.Store.AG(ag).Walk(func(x refcount.Extent) error {
		ret = append(ret, x)
		return nil
	}))
	return ret
}

// dump returns the AG's records in order, checking the structural
// invariants on the way: records must not overlap, and abutting
// records with equal refcounts should have been merged (except CoW
// staging records, which never merge with anything).
func (e *env) dump(t *testing.T, ag fsprim.AGNumber) []refcount.Extent {
	t.Helper()
	ret := e.dumpRaw(t, ag)
	for i := 1; i < len(ret); i++ {
		prev, cur := ret[i-1], ret[i]
		assert.LessOrEqual(t, prev.End(), cur.Start,
			"overlapping records %v and %v", prev, cur)
		if prev.End() == cur.Start && prev.RefCount > 1 {
			assert.NotEqual(t, prev.RefCount, cur.RefCount,
				"unmerged neighbors %v and %v", prev, cur)
		}
	}
	return ret
}

func (e *env) finish(ctx context.Context, t *testing.T, kind refcount.Kind, start fsprim.FSBlock, ln fsprim.ExtLen) fsprim.ExtLen {
	t.Helper()
	var cur *refcount.Cursor
	adjusted, err := refcount.FinishOne(ctx, e.Mnt, &cur, kind, start, ln)
	require.NoError(t, err)
	return adjusted
}

func TestAdjust(t *testing.T) {
	t.Parallel()
	type testcase struct {
		Seed []refcount.Extent
		Kind refcount.Kind
		Beg  fsprim.FSBlock
		Len  fsprim.ExtLen

		Want      []refcount.Extent
		WantFreed []freedExtent
	}
	testcases := map[string]testcase{
		"first-share": {
			Kind: refcount.Increase, Beg: 100, Len: 10,
			Want: []refcount.Extent{ext(100, 10, 2)},
		},
		"share-again": {
			Seed: []refcount.Extent{ext(100, 10, 2)},
			Kind: refcount.Increase, Beg: 100, Len: 10,
			Want: []refcount.Extent{ext(100, 10, 3)},
		},
		"unshare-to-implicit": {
			Seed: []refcount.Extent{ext(100, 10, 2)},
			Kind: refcount.Decrease, Beg: 100, Len: 10,
			Want: nil,
		},
		"unshare-to-free": {
			Kind: refcount.Decrease, Beg: 50, Len: 10,
			Want:      nil,
			WantFreed: []freedExtent{{AG: 0, Start: 50, Len: 10, Owner: refcount.OwnerNone}},
		},
		"split-middle": {
			Seed: []refcount.Extent{ext(100, 100, 2)},
			Kind: refcount.Increase, Beg: 120, Len: 10,
			Want: []refcount.Extent{ext(100, 20, 2), ext(120, 10, 3), ext(130, 70, 2)},
		},
		"merge-left": {
			Seed: []refcount.Extent{ext(100, 10, 2)},
			Kind: refcount.Increase, Beg: 110, Len: 10,
			Want: []refcount.Extent{ext(100, 20, 2)},
		},
		"merge-right": {
			Seed: []refcount.Extent{ext(110, 10, 2)},
			Kind: refcount.Increase, Beg: 100, Len: 10,
			Want: []refcount.Extent{ext(100, 20, 2)},
		},
		"merge-center-stored": {
			Seed: []refcount.Extent{ext(100, 10, 3), ext(110, 10, 2), ext(120, 10, 3)},
			Kind: refcount.Increase, Beg: 110, Len: 10,
			Want: []refcount.Extent{ext(100, 30, 3)},
		},
		"merge-center-implicit": {
			Seed: []refcount.Extent{ext(100, 10, 2), ext(150, 10, 2)},
			Kind: refcount.Increase, Beg: 110, Len: 40,
			Want: []refcount.Extent{ext(100, 60, 2)},
		},
		"merge-on-decrease": {
			Seed: []refcount.Extent{ext(100, 20, 2), ext(120, 10, 3), ext(130, 70, 2)},
			Kind: refcount.Decrease, Beg: 120, Len: 10,
			Want: []refcount.Extent{ext(100, 100, 2)},
		},
		"saturated-is-skipped": {
			Seed: []refcount.Extent{ext(100, 10, fsprim.MaxRefCount)},
			Kind: refcount.Increase, Beg: 100, Len: 10,
			Want: []refcount.Extent{ext(100, 10, fsprim.MaxRefCount)},
		},
		"other-ag": {
			Kind: refcount.Increase, Beg: 10000 + 300, Len: 5,
			Want: nil, // ag 0 stays empty; ag 1 is checked below
		},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, true)
			e := newEnv()
			e.seed(ctx, t, 0, tc.Seed...)

			adjusted := e.finish(ctx, t, tc.Kind, tc.Beg, tc.Len)
			assert.Equal(t, tc.Len, adjusted)
			assert.Equal(t, tc.Want, e.dump(t, 0))
			assert.Equal(t, tc.WantFreed, e.Freed)
		})
	}

	t.Run("other-ag-lands-in-its-ag", func(t *testing.T) {
		t.Parallel()
		ctx := dlog.NewTestContext(t, true)
		e := newEnv()
		adjusted := e.finish(ctx, t, refcount.Increase, 10000+300, 5)
		assert.Equal(t, fsprim.ExtLen(5), adjusted)
		assert.Nil(t, e.dump(t, 0))
		assert.Equal(t, []refcount.Extent{ext(300, 5, 2)}, e.dump(t, 1))
	})
}

func TestAdjustRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newEnv()

	// Share a range twice, then fully unshare it; the index must
	// come back empty and nothing may be freed (the last reference
	// is the implicit file mapping, not ours to free).
	e.finish(ctx, t, refcount.Increase, 500, 40)
	e.finish(ctx, t, refcount.Increase, 510, 10)
	assert.Equal(t,
		[]refcount.Extent{ext(500, 10, 2), ext(510, 10, 3), ext(520, 20, 2)},
		e.dump(t, 0))

	e.finish(ctx, t, refcount.Decrease, 510, 10)
	assert.Equal(t, []refcount.Extent{ext(500, 40, 2)}, e.dump(t, 0))
	e.finish(ctx, t, refcount.Decrease, 500, 40)
	assert.Nil(t, e.dump(t, 0))
	assert.Empty(t, e.Freed)
}

func TestAdjustBudget(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newEnv()
	e.Mnt.ForceMaxOps = 1
	e.seed(ctx, t, 0, ext(10, 10, 2), ext(30, 10, 2))

	// The budget runs out after two mutations; the caller gets a
	// partial count and must re-queue the remainder.
	var cur *refcount.Cursor
	adjusted, err := refcount.FinishOne(ctx, e.Mnt, &cur, refcount.Increase, 10, 30)
	require.NoError(t, err)
	assert.Equal(t, fsprim.ExtLen(20), adjusted)
	assert.Equal(t,
		[]refcount.Extent{ext(10, 10, 3), ext(20, 10, 2), ext(30, 10, 2)},
		e.dumpRaw(t, 0))

	// Finishing the remainder under a fresh budget completes the
	// range.
	cur = nil
	adjusted, err = refcount.FinishOne(ctx, e.Mnt, &cur, refcount.Increase, 30, 10)
	require.NoError(t, err)
	assert.Equal(t, fsprim.ExtLen(10), adjusted)
	assert.Equal(t,
		[]refcount.Extent{ext(10, 10, 3), ext(20, 10, 2), ext(30, 10, 3)},
		e.dump(t, 0))
}

func TestAdjustCorrupt(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)

	t.Run("beyond-last-ag", func(t *testing.T) {
		e := newEnv()
		var cur *refcount.Cursor
		_, err := refcount.FinishOne(ctx, e.Mnt, &cur, refcount.Increase,
			fsprim.FSBlock(uint64(10000)*4+1), 1)
		assert.ErrorIs(t, err, refcount.ErrCorrupt)
	})
	t.Run("unknown-kind", func(t *testing.T) {
		e := newEnv()
		var cur *refcount.Cursor
		_, err := refcount.FinishOne(ctx, e.Mnt, &cur, refcount.Kind(42), 100, 1)
		assert.ErrorIs(t, err, refcount.ErrCorrupt)
	})
}

type recordingHook struct {
	allocs, frees []freedExtent
}

func (h *recordingHook) AllocCow(_ context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen) error {
	h.allocs = append(h.allocs, freedExtent{AG: ag, Start: bno, Len: ln})
	return nil
}

func (h *recordingHook) FreeCow(_ context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen) error {
	h.frees = append(h.frees, freedExtent{AG: ag, Start: bno, Len: ln})
	return nil
}

func TestCowStaging(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newEnv()
	hook := new(recordingHook)
	e.Mnt.Rmap = hook

	// Staging extents are recorded with refcount 1 and tagged in
	// the reverse mapping.
	e.finish(ctx, t, refcount.CowAlloc, 200, 10)
	assert.Equal(t, []refcount.Extent{ext(200, 10, 1)}, e.dump(t, 0))
	assert.Len(t, hook.allocs, 1)

	// Adjacent staging extents merge.
	e.finish(ctx, t, refcount.CowAlloc, 210, 10)
	assert.Equal(t, []refcount.Extent{ext(200, 20, 1)}, e.dump(t, 0))

	// Staging extents never read as shared.
	_, _, found, err := e.Mnt.FindShared(ctx, 195, 30, true)
	require.NoError(t, err)
	assert.False(t, found)

	// Retiring the middle of a staging extent splits it.
	e.finish(ctx, t, refcount.CowFree, 205, 10)
	assert.Equal(t, []refcount.Extent{ext(200, 5, 1), ext(215, 5, 1)}, e.dump(t, 0))
	assert.Len(t, hook.frees, 1)

	e.finish(ctx, t, refcount.CowFree, 200, 5)
	e.finish(ctx, t, refcount.CowFree, 215, 5)
	assert.Nil(t, e.dump(t, 0))
}

func TestCowCorrupt(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)

	t.Run("free-without-record", func(t *testing.T) {
		e := newEnv()
		var cur *refcount.Cursor
		_, err := refcount.FinishOne(ctx, e.Mnt, &cur, refcount.CowFree, 200, 10)
		assert.ErrorIs(t, err, refcount.ErrCorrupt)
	})
	t.Run("alloc-over-record", func(t *testing.T) {
		e := newEnv()
		e.seed(ctx, t, 0, ext(205, 10, 2))
		var cur *refcount.Cursor
		_, err := refcount.FinishOne(ctx, e.Mnt, &cur, refcount.CowAlloc, 200, 10)
		assert.ErrorIs(t, err, refcount.ErrCorrupt)
	})
}
