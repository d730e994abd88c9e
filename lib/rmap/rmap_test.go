// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rmap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/rmap"
)

func mapping(start fsprim.AGBlock, ln fsprim.ExtLen, owner rmap.Owner) rmap.Mapping {
	return rmap.Mapping{Start: start, Len: ln, Owner: owner}
}

func TestMapUnmap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := rmap.NewMem()

	require.NoError(t, m.Map(ctx, mapping(100, 10, 1)))
	require.NoError(t, m.Map(ctx, mapping(100, 10, 2)))
	assert.Equal(t, 2, m.Len())

	// Same range, same owner: duplicate.
	assert.Error(t, m.Map(ctx, mapping(100, 10, 1)))
	// Zero-length mappings are meaningless.
	assert.Error(t, m.Map(ctx, mapping(100, 0, 3)))

	require.NoError(t, m.Unmap(ctx, mapping(100, 10, 1)))
	assert.Equal(t, 1, m.Len())
	// Unmap must match exactly.
	assert.Error(t, m.Unmap(ctx, mapping(100, 5, 2)))
}

func TestQueryRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := rmap.NewMem()
	require.NoError(t, m.Map(ctx, mapping(10, 10, 1)))
	require.NoError(t, m.Map(ctx, mapping(15, 10, 2)))
	require.NoError(t, m.Map(ctx, mapping(40, 10, 1)))

	var got []rmap.Mapping
	require.NoError(t, m.QueryRange(ctx, 18, 10, func(rec rmap.Mapping) error {
		got = append(got, rec)
		return nil
	}))
	// Overlap is inclusive of partial overlap on both sides, and
	// the results arrive in ascending order.
	assert.Equal(t, []rmap.Mapping{mapping(10, 10, 1), mapping(15, 10, 2)}, got)
}

func TestCowBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := rmap.NewMem()
	require.NoError(t, m.Map(ctx, mapping(10, 10, 1)))
	require.NoError(t, m.Map(ctx, mapping(50, 5, rmap.OwnerCow)))
	require.NoError(t, m.Map(ctx, mapping(70, 3, rmap.OwnerCow)))

	total, err := m.CowBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), total)
}

func TestRefcountHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := rmap.NewStore()
	hook := rmap.Hook{Store: store}

	require.NoError(t, hook.AllocCow(ctx, 2, 100, 10))
	total, err := store.AG(2).CowBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), total)

	require.NoError(t, hook.FreeCow(ctx, 2, 100, 10))
	assert.Equal(t, 0, store.AG(2).Len())

	// Freeing staging blocks that were never staged is an error.
	assert.Error(t, hook.FreeCow(ctx, 2, 100, 10))
}

func TestRefcountQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := rmap.NewMem()
	require.NoError(t, m.Map(ctx, mapping(100, 10, 1)))
	require.NoError(t, m.Map(ctx, mapping(100, 10, rmap.OwnerCow)))

	// The scrub view hides staging mappings from range queries but
	// counts them in the staging total.
	q := rmap.Query{AG: m}
	var got []refcount.RmapRecord
	require.NoError(t, q.QueryRange(ctx, 0, 1000, func(rec refcount.RmapRecord) error {
		got = append(got, rec)
		return nil
	}))
	assert.Equal(t, []refcount.RmapRecord{{Start: 100, Len: 10}}, got)

	total, err := q.CowStagingBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), total)
}
