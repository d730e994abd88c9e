// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package txn

import (
	"context"
	"errors"
	"sort"

	"github.com/datawire/dlib/dlog"
)

// ErrAgain is returned by DeferType.FinishItem when the item made
// partial progress and must be re-queued into the next transaction.
var ErrAgain = errors.New("deferred item needs another transaction")

// DeferType is one class of deferrable operation.  Implementations
// describe how to batch work items, how to log an intent covering a
// batch, and how to finish one item at a time.
type DeferType interface {
	Name() string
	// MaxItems bounds how many work items one intent may cover.
	MaxItems() int
	// DiffItems orders work items within a batch; items that
	// touch the same region of the filesystem sort together so
	// they are finished with locality.
	DiffItems(a, b any) int
	// CreateIntent builds the intent log item covering items and
	// attaches it to tx.
	CreateIntent(ctx context.Context, tx *Trans, items []any) (Item, error)
	// AbortIntent releases an intent whose transaction is being
	// cancelled before commit.
	AbortIntent(ctx context.Context, intent Item)
	// CreateDone builds the done log item paired with intent and
	// attaches it to tx.
	CreateDone(ctx context.Context, tx *Trans, intent Item, count int) (Item, error)
	// FinishItem applies one work item, recording progress in the
	// done item.  state carries scratch data (an index cursor)
	// across the items of one batch.  Returning ErrAgain means
	// the item was trimmed to its unfinished remainder and must
	// be re-queued under a fresh intent.
	FinishItem(ctx context.Context, tx *Trans, done Item, item any, state *any) error
	// FinishCleanup releases the scratch state after a batch.
	FinishCleanup(ctx context.Context, tx *Trans, state any)
	// CancelItem releases one unfinished work item.
	CancelItem(ctx context.Context, item any)
}

// deferPending is one batch: a run of work items of the same type,
// covered by one intent once the owning transaction commits.
type deferPending struct {
	typ    DeferType
	items  []any
	intent Item
}

// Defer queues a work item.  Items of the same type accumulate into
// the current batch until MaxItems is hit.
func (tx *Trans) Defer(typ DeferType, item any) {
	if n := len(tx.defers); n > 0 {
		dp := tx.defers[n-1]
		if dp.typ == typ && dp.intent == nil &&
			(typ.MaxItems() == 0 || len(dp.items) < typ.MaxItems()) {
			dp.items = append(dp.items, item)
			return
		}
	}
	tx.defers = append(tx.defers, &deferPending{
		typ:   typ,
		items: []any{item},
	})
}

// HasDefers reports whether any deferred work is still queued.
func (tx *Trans) HasDefers() bool {
	return len(tx.defers) > 0
}

// createIntents logs an intent for every batch that lacks one,
// sorting each batch's items first.  Called right before the
// transaction commits so the intents hit the log ahead of any work.
func createIntents(ctx context.Context, tx *Trans) error {
	for _, dp := range tx.defers {
		if dp.intent != nil {
			continue
		}
		sort.SliceStable(dp.items, func(i, j int) bool {
			return dp.typ.DiffItems(dp.items[i], dp.items[j]) < 0
		})
		intent, err := dp.typ.CreateIntent(ctx, tx, dp.items)
		if err != nil {
			return err
		}
		dp.intent = intent
		dlog.Debugf(ctx, "txn: defer %s: intent over %d item(s)",
			dp.typ.Name(), len(dp.items))
	}
	return nil
}

// Finish runs the deferred work queued on tx to completion, rolling
// the transaction as needed, and returns the final (uncommitted)
// transaction.  On error the transaction chain is already cancelled.
func Finish(ctx context.Context, tx *Trans) (*Trans, error) {
	for len(tx.defers) > 0 {
		// Log intents for all new work, then roll so they
		// commit before any of the work itself.
		if err := createIntents(ctx, tx); err != nil {
			tx.Cancel(ctx)
			return nil, err
		}
		ntx, err := tx.mgr.Roll(ctx, tx)
		if err != nil {
			tx.Cancel(ctx)
			return nil, err
		}
		tx = ntx

		dp := tx.defers[0]
		if err := finishBatch(ctx, tx, dp); err != nil {
			tx.Cancel(ctx)
			return nil, err
		}
		if len(dp.items) == 0 {
			tx.defers = tx.defers[1:]
		}
	}
	return tx, nil
}

// finishBatch applies the items of one batch.  On ErrAgain the batch
// keeps its unfinished items and sheds its intent, so the next roll
// logs a fresh intent over the remainder.
func finishBatch(ctx context.Context, tx *Trans, dp *deferPending) error {
	done, err := dp.typ.CreateDone(ctx, tx, dp.intent, len(dp.items))
	if err != nil {
		return err
	}
	// The done item now owns the intent's done-pairing reference;
	// a later cancel must release through it, not AbortIntent.
	dp.intent = nil

	var state any
	defer func() {
		dp.typ.FinishCleanup(ctx, tx, state)
	}()

	for len(dp.items) > 0 {
		item := dp.items[0]
		err := dp.typ.FinishItem(ctx, tx, done, item, &state)
		if errors.Is(err, ErrAgain) {
			// The item was trimmed to its unfinished
			// remainder; the next roll logs a fresh intent
			// over the whole rest of the batch.
			dlog.Debugf(ctx, "txn: defer %s: partial progress, re-queueing %d item(s)",
				dp.typ.Name(), len(dp.items))
			return nil
		}
		if err != nil {
			return err
		}
		dp.items = dp.items[1:]
	}
	return nil
}

func cancelDefers(ctx context.Context, defers []*deferPending) {
	for _, dp := range defers {
		if dp.intent != nil {
			dp.typ.AbortIntent(ctx, dp.intent)
			dp.intent = nil
		}
		for _, item := range dp.items {
			dp.typ.CancelItem(ctx, item)
		}
		dp.items = nil
	}
}
