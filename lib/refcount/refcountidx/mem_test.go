// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcountidx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/refcount/refcountidx"
)

func ext(start fsprim.AGBlock, ln fsprim.ExtLen, rc fsprim.RefCount) refcount.Extent {
	return refcount.Extent{Start: start, Len: ln, RefCount: rc}
}

func newIdx(ctx context.Context, t *testing.T, exts ...refcount.Extent) *refcountidx.Mem {
	t.Helper()
	m := refcountidx.NewMem()
	for _, x := range exts {
		require.NoError(t, m.Insert(ctx, x))
	}
	return m
}

func TestLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newIdx(ctx, t, ext(10, 5, 2), ext(30, 5, 2), ext(50, 5, 2))

	type testcase struct {
		LE     bool
		Bno    fsprim.AGBlock
		WantOK bool
		Want   fsprim.AGBlock
	}
	testcases := map[string]testcase{
		"le-exact":      {LE: true, Bno: 30, WantOK: true, Want: 30},
		"le-between":    {LE: true, Bno: 45, WantOK: true, Want: 30},
		"le-after-all":  {LE: true, Bno: 99, WantOK: true, Want: 50},
		"le-before-all": {LE: true, Bno: 5, WantOK: false},
		"ge-exact":      {Bno: 30, WantOK: true, Want: 30},
		"ge-between":    {Bno: 31, WantOK: true, Want: 50},
		"ge-before-all": {Bno: 0, WantOK: true, Want: 10},
		"ge-after-all":  {Bno: 99, WantOK: false},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			var ok bool
			var err error
			if tc.LE {
				ok, err = m.LookupLE(ctx, tc.Bno)
			} else {
				ok, err = m.LookupGE(ctx, tc.Bno)
			}
			require.NoError(t, err)
			require.Equal(t, tc.WantOK, ok)
			if tc.WantOK {
				got, ok, err := m.Get(ctx)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, tc.Want, got.Start)
			}
		})
	}
}

func TestInsertErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newIdx(ctx, t, ext(10, 5, 2))

	assert.ErrorIs(t, m.Insert(ctx, ext(10, 7, 3)), refcount.ErrCorrupt)
	assert.ErrorIs(t, m.Insert(ctx, ext(20, 0, 2)), refcount.ErrCorrupt)
}

func TestUpdateMovesRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newIdx(ctx, t, ext(10, 10, 2))

	ok, err := m.LookupLE(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)

	// Splitting shrinks the record in place under a new start.
	require.NoError(t, m.Update(ctx, ext(15, 5, 2)))
	assert.Equal(t, 1, m.Len())
	got, ok, err := m.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ext(15, 5, 2), got)

	// An update with no cursor position is corruption.
	m2 := refcountidx.NewMem()
	assert.ErrorIs(t, m2.Update(ctx, ext(1, 1, 2)), refcount.ErrCorrupt)
}

func TestDeleteRepositions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newIdx(ctx, t, ext(10, 5, 2), ext(30, 5, 2), ext(50, 5, 2))

	ok, err := m.LookupGE(ctx, 30)
	require.NoError(t, err)
	require.True(t, ok)

	// Deleting leaves the cursor on the removed record's
	// successor; a walk that just deleted must not step again.
	require.NoError(t, m.Delete(ctx))
	got, ok, err := m.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fsprim.AGBlock(50), got.Start)

	// Deleting the last record leaves the cursor past the end.
	require.NoError(t, m.Delete(ctx))
	_, ok, err = m.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStepping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newIdx(ctx, t, ext(10, 5, 2), ext(30, 5, 2))

	// A failed LookupLE parks the cursor before the first record;
	// Next enters the tree from the front.
	ok, err := m.LookupLE(ctx, 5)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = m.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	got, _, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, fsprim.AGBlock(10), got.Start)

	ok, err = m.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// And symmetrically off the back end.
	ok, err = m.Prev(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	got, _, err = m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, fsprim.AGBlock(30), got.Start)
	ok, err = m.Prev(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Prev(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalkAndStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := refcountidx.NewStore()
	idx, err := store.AGIndex(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(ctx, ext(20, 5, 2)))
	require.NoError(t, idx.Insert(ctx, ext(10, 5, 2)))

	// The same AG must come back as the same index.
	var got []refcount.Extent
	require.NoError(t, store.AG(3).Walk(func(x refcount.Extent) error {
		got = append(got, x)
		return nil
	}))
	assert.Equal(t, []refcount.Extent{ext(10, 5, 2), ext(20, 5, 2)}, got)

	assert.ElementsMatch(t, []fsprim.AGNumber{3}, store.AGs())
	assert.Equal(t, 0, store.AG(7).Len())
}
