// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package intentlog

import (
	"context"
	"fmt"

	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/txn"
)

// DeferType plugs refcount operations into the deferred-operation
// queue: batches of refcount.Intent work items, covered by
// IntentItem/DoneItem log pairs, finished through refcount.FinishOne.
type DeferType struct {
	Mnt *refcount.Mount
}

var _ txn.DeferType = DeferType{}

func (DeferType) Name() string { return "refcount" }

func (DeferType) MaxItems() int { return maxFastExtents }

// DiffItems sorts work items by allocation group, so that one batch
// finishes all its work in an AG before moving to the next.
func (dt DeferType) DiffItems(a, b any) int {
	ra := a.(*refcount.Intent)
	rb := b.(*refcount.Intent)
	return int(dt.Mnt.Geo.AG(ra.Start)) - int(dt.Mnt.Geo.AG(rb.Start))
}

func (DeferType) CreateIntent(ctx context.Context, tx *txn.Trans, items []any) (txn.Item, error) {
	cui := newIntentItem(len(items))
	for _, item := range items {
		cui.extents = append(cui.extents, *item.(*refcount.Intent))
	}
	tx.AddItem(cui)
	return cui, nil
}

func (DeferType) AbortIntent(ctx context.Context, intent txn.Item) {
	intent.(*IntentItem).release(ctx)
}

func (DeferType) CreateDone(ctx context.Context, tx *txn.Trans, intent txn.Item, count int) (txn.Item, error) {
	cud := &DoneItem{
		intent:  intent.(*IntentItem),
		extents: make([]refcount.Intent, 0, count),
	}
	tx.AddItem(cud)
	return cud, nil
}

// finishState carries the refcount cursor across the items of one
// batch, so consecutive items against the same AG share position and
// budget.
type finishState struct {
	cur *refcount.Cursor
}

func (dt DeferType) FinishItem(ctx context.Context, tx *txn.Trans, done txn.Item, item any, state *any) error {
	st, ok := (*state).(*finishState)
	if !ok {
		st = new(finishState)
		*state = st
	}
	ri := item.(*refcount.Intent)
	cud := done.(*DoneItem)

	adjusted, err := refcount.FinishOne(ctx, dt.Mnt, &st.cur, ri.Kind, ri.Start, ri.Len)
	// The done record accounts for whatever got applied, even when the
	// step errors out or only part of the range was covered.
	cud.appendFinished(*ri, adjusted)
	if err != nil {
		return fmt.Errorf("intentlog: finishing %v: %w", *ri, err)
	}
	if adjusted < ri.Len {
		// Trim the item to its unfinished remainder and ask for
		// another transaction.
		ri.Start = ri.Start.Add(adjusted)
		ri.Len -= adjusted
		return txn.ErrAgain
	}
	return nil
}

func (DeferType) FinishCleanup(ctx context.Context, tx *txn.Trans, state any) {}

func (DeferType) CancelItem(ctx context.Context, item any) {}

// Queue adapts a transaction's defer queue into the refcount
// engine's enqueue capability.
type Queue struct {
	Tx  *txn.Trans
	Typ DeferType
}

var _ refcount.DeferQueue = Queue{}

func (q Queue) AddIntent(ri *refcount.Intent) {
	q.Tx.Defer(q.Typ, ri)
}
