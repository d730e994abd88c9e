// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rmap

import (
	"context"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
)

// Hook adapts a Store into the refcount engine's CoW-tagging
// callback.
type Hook struct {
	Store *Store
}

var _ refcount.RmapHook = Hook{}

func (h Hook) AllocCow(ctx context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen) error {
	return h.Store.AG(ag).Map(ctx, Mapping{Start: bno, Len: ln, Owner: OwnerCow})
}

func (h Hook) FreeCow(ctx context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen) error {
	return h.Store.AG(ag).Unmap(ctx, Mapping{Start: bno, Len: ln, Owner: OwnerCow})
}

// Query adapts one AG's Mem into the scrubber's view of the reverse
// mapping: file mappings only, with the CoW staging blocks reported
// in aggregate.
type Query struct {
	AG *Mem
}

var _ refcount.RmapQuery = Query{}

func (q Query) QueryRange(ctx context.Context, bno fsprim.AGBlock, ln fsprim.ExtLen, fn func(refcount.RmapRecord) error) error {
	return q.AG.QueryRange(ctx, bno, ln, func(rec Mapping) error {
		if rec.Owner == OwnerCow {
			return nil
		}
		return fn(refcount.RmapRecord{Start: rec.Start, Len: rec.Len})
	})
}

func (q Query) CowStagingBlocks(ctx context.Context) (uint64, error) {
	return q.AG.CowBlocks(ctx)
}
