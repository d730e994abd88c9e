// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package intentlog

import (
	"errors"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/refcount/refcountidx"
	"git.lukeshu.com/reflink-ng/lib/txn"
)

type testEnv struct {
	Store *refcountidx.Store
	Mnt   *refcount.Mount
	Mgr   *txn.Manager
}

func newTestEnv() *testEnv {
	store := refcountidx.NewStore()
	return &testEnv{
		Store: store,
		Mnt: &refcount.Mount{
			Geo: fsprim.Geometry{
				AGBlocks: 1000,
				AGCount:  4,
			},
			Reflink:   true,
			Indexes:   store,
			LogRes:    1 << 20,
			BlockSize: 4096,
		},
		Mgr: &txn.Manager{
			Log:       txn.NewLog(),
			LogRes:    1 << 20,
			BlockSize: 4096,
		},
	}
}

func (e *testEnv) dump(t *testing.T, ag fsprim.AGNumber) []refcount.Extent {
	t.Helper()
	var ret []refcount.Extent
	require.NoError(t, e.Store.AG(ag).Walk(func(x refcount.Extent) error {
		ret = append(ret, x)
		return nil
	}))
	return ret
}

func (e *testEnv) countRecords(typ uint16) int {
	n := 0
	for _, rec := range e.Mgr.Log.Records() {
		if rec.Type == typ {
			n++
		}
	}
	return n
}

func ext(start fsprim.AGBlock, ln fsprim.ExtLen, rc fsprim.RefCount) refcount.Extent {
	return refcount.Extent{Start: start, Len: ln, RefCount: rc}
}

func TestRun(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newTestEnv()

	require.NoError(t, Run(ctx, e.Mgr, e.Mnt, func(q Queue) error {
		refcount.RecordIncrease(ctx, e.Mnt, q, 100, 10)
		return nil
	}))

	assert.Equal(t, []refcount.Extent{ext(100, 10, 2)}, e.dump(t, 0))
	// One intent record, committed before the work, and one done
	// record after it.
	recs := e.Mgr.Log.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, recTypeIntent, recs[0].Type)
	assert.Equal(t, recTypeDone, recs[1].Type)

	id, extents, err := decodeIntent(recs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, []refcount.Intent{{Kind: refcount.Increase, Start: 100, Len: 10}}, extents)
	doneID, doneExtents, err := decodeDone(recs[1].Data)
	require.NoError(t, err)
	assert.Equal(t, id, doneID)
	// The done record carries the completed work, trimmed to what
	// was actually applied.
	assert.Equal(t, []refcount.Intent{{Kind: refcount.Increase, Start: 100, Len: 10}}, doneExtents)

	assert.Empty(t, Stale(e.Mgr.Log))
}

func TestRunError(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newTestEnv()

	sentinel := errors.New("nope")
	err := Run(ctx, e.Mgr, e.Mnt, func(q Queue) error {
		refcount.RecordIncrease(ctx, e.Mnt, q, 100, 10)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// Nothing logged, nothing applied.
	assert.Zero(t, e.Mgr.Log.Len())
	assert.Nil(t, e.dump(t, 0))
}

func TestRunNoReflink(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newTestEnv()
	e.Mnt.Reflink = false

	require.NoError(t, Run(ctx, e.Mgr, e.Mnt, func(q Queue) error {
		refcount.RecordIncrease(ctx, e.Mnt, q, 100, 10)
		return nil
	}))
	assert.Zero(t, e.Mgr.Log.Len())
	assert.Nil(t, e.dump(t, 0))
}

func TestRunChainsIntents(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newTestEnv()
	e.Mnt.ForceMaxOps = 1

	idx := e.Store.AG(0)
	require.NoError(t, idx.Insert(ctx, ext(10, 10, 2)))
	require.NoError(t, idx.Insert(ctx, ext(30, 10, 2)))

	// The tiny budget forces the adjustment to span transactions:
	// the remainder is re-queued under a fresh intent each roll.
	require.NoError(t, Run(ctx, e.Mgr, e.Mnt, func(q Queue) error {
		refcount.RecordIncrease(ctx, e.Mnt, q, 10, 30)
		return nil
	}))

	assert.Equal(t,
		[]refcount.Extent{ext(10, 10, 3), ext(20, 10, 2), ext(30, 10, 3)},
		e.dump(t, 0))
	assert.Equal(t, 2, e.countRecords(recTypeIntent))
	assert.Equal(t, 2, e.countRecords(recTypeDone))
	assert.Empty(t, Stale(e.Mgr.Log))

	// Each done record carries the portion that its transaction
	// actually applied; across the chain, the trimmed extents tile
	// the whole requested range.
	var applied []refcount.Intent
	for _, rec := range e.Mgr.Log.Records() {
		if rec.Type != recTypeDone {
			continue
		}
		_, extents, err := decodeDone(rec.Data)
		require.NoError(t, err)
		applied = append(applied, extents...)
	}
	next := fsprim.FSBlock(10)
	for _, ri := range applied {
		assert.Equal(t, refcount.Increase, ri.Kind)
		assert.Equal(t, next, ri.Start)
		next = next.Add(ri.Len)
	}
	assert.Equal(t, fsprim.FSBlock(40), next)
	require.NotEmpty(t, applied)
	assert.Less(t, applied[0].Len, fsprim.ExtLen(30))
}

func TestStale(t *testing.T) {
	t.Parallel()
	e := newTestEnv()

	e.Mgr.Log.Append(recTypeIntent, encodeIntent(0x10,
		[]refcount.Intent{{Kind: refcount.Increase, Start: 100, Len: 10}}))
	e.Mgr.Log.Append(recTypeIntent, encodeIntent(0x20,
		[]refcount.Intent{{Kind: refcount.Decrease, Start: 200, Len: 5}}))
	e.Mgr.Log.Append(recTypeDone, encodeDone(0x10, nil))

	stale := Stale(e.Mgr.Log)
	require.Len(t, stale, 1)
	assert.Equal(t, uint64(0x20), stale[0].ID)
}

func TestRecover(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newTestEnv()

	e.Mgr.Log.Append(recTypeIntent, encodeIntent(0x77, []refcount.Intent{
		{Kind: refcount.Increase, Start: 100, Len: 10},
		{Kind: refcount.CowAlloc, Start: 1000 + 200, Len: 8},
	}))

	require.NoError(t, Recover(ctx, e.Mgr, e.Mnt))
	assert.Equal(t, []refcount.Extent{ext(100, 10, 2)}, e.dump(t, 0))
	assert.Equal(t, []refcount.Extent{ext(200, 8, 1)}, e.dump(t, 1))
	assert.Empty(t, Stale(e.Mgr.Log))

	// Recovery again finds nothing to do: the replayed intent got
	// its done record.
	require.NoError(t, Recover(ctx, e.Mgr, e.Mnt))
	assert.Equal(t, []refcount.Extent{ext(100, 10, 2)}, e.dump(t, 0))
}

func TestRecoverDiscardsBadBatch(t *testing.T) {
	t.Parallel()
	// Recovery logs the discarded batch at error level; that is the
	// expected outcome here, not a test failure.
	ctx := dlog.NewTestContext(t, false)
	e := newTestEnv()

	// Batch 0x1 is damaged (block 0 is never shareable); batch 0x2
	// is fine.  The bad batch is discarded whole, the good one
	// still replays.
	e.Mgr.Log.Append(recTypeIntent, encodeIntent(0x1, []refcount.Intent{
		{Kind: refcount.Increase, Start: 500, Len: 10},
		{Kind: refcount.Increase, Start: 0, Len: 10},
	}))
	e.Mgr.Log.Append(recTypeIntent, encodeIntent(0x2, []refcount.Intent{
		{Kind: refcount.Increase, Start: 700, Len: 10},
	}))

	err := Recover(ctx, e.Mgr, e.Mnt)
	assert.Error(t, err)
	assert.Equal(t, []refcount.Extent{ext(700, 10, 2)}, e.dump(t, 0))
	// The discarded batch stays stale; a later repair can decide
	// what to do with it.
	stale := Stale(e.Mgr.Log)
	require.Len(t, stale, 1)
	assert.Equal(t, uint64(0x1), stale[0].ID)
}

func TestRecoverValidation(t *testing.T) {
	t.Parallel()
	type testcase struct {
		Intent refcount.Intent
	}
	testcases := map[string]testcase{
		"start-zero":     {Intent: refcount.Intent{Kind: refcount.Increase, Start: 0, Len: 1}},
		"start-past-end": {Intent: refcount.Intent{Kind: refcount.Increase, Start: 4000, Len: 1}},
		"zero-len":       {Intent: refcount.Intent{Kind: refcount.Increase, Start: 100, Len: 0}},
		"len-over-ag":    {Intent: refcount.Intent{Kind: refcount.Increase, Start: 100, Len: 1000}},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			e := newTestEnv()
			e.Mgr.Log.Append(recTypeIntent, encodeIntent(0x9, []refcount.Intent{tc.Intent}))

			assert.Error(t, Recover(ctx, e.Mgr, e.Mnt))
			assert.Nil(t, e.dump(t, 0))
		})
	}
}

func TestRecoverRequeuesRemainder(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	e := newTestEnv()
	e.Mnt.ForceMaxOps = 1

	idx := e.Store.AG(0)
	require.NoError(t, idx.Insert(ctx, ext(10, 10, 2)))
	require.NoError(t, idx.Insert(ctx, ext(30, 10, 2)))

	e.Mgr.Log.Append(recTypeIntent, encodeIntent(0x5, []refcount.Intent{
		{Kind: refcount.Increase, Start: 10, Len: 30},
	}))

	require.NoError(t, Recover(ctx, e.Mgr, e.Mnt))
	assert.Equal(t,
		[]refcount.Extent{ext(10, 10, 3), ext(20, 10, 2), ext(30, 10, 3)},
		e.dump(t, 0))
	assert.Empty(t, Stale(e.Mgr.Log))
}
