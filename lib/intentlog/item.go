// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package intentlog logs refcount operations as intent/done record
// pairs, so that a crash between "decided to adjust" and "finished
// adjusting" can be repaired by replaying the unfinished intents.
//
// Lifecycle: queueing deferred refcount work creates an IntentItem
// covering a batch of operations; the intent record commits to the
// log before any index mutation.  As the work finishes, a paired
// DoneItem commits, cancelling the intent.  Recovery scans the log
// for intents with no matching done and replays them.
package intentlog

import (
	"context"
	"sync/atomic"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/txn"
)

// maxFastExtents bounds both the batch size of one intent and the
// size class of pooled items.
const maxFastExtents = 16

var (
	intentPool = &typedsync.Pool[*IntentItem]{New: func() *IntentItem { return new(IntentItem) }}
	nextID     atomic.Uint64
)

// IntentItem is the in-memory intent log item covering one batch of
// refcount operations.
//
// It is owned by two parties at once: the transaction that logs it,
// and the done item that will cancel it.  Each drops one reference;
// the item is freed when both are gone.
type IntentItem struct {
	id      uint64
	extents []refcount.Intent
	refs    atomic.Int32
}

var _ txn.Item = (*IntentItem)(nil)

func newIntentItem(nextents int) *IntentItem {
	var ret *IntentItem
	if nextents <= maxFastExtents {
		ret, _ = intentPool.Get()
	} else {
		ret = new(IntentItem)
	}
	ret.id = nextID.Add(1)
	ret.refs.Store(2)
	if cap(ret.extents) < nextents {
		ret.extents = make([]refcount.Intent, 0, nextents)
	} else {
		ret.extents = ret.extents[:0]
	}
	return ret
}

// recoveredIntentItem wraps an intent parsed back out of the log.
// Only the done-pairing reference exists; the log-lifetime reference
// was consumed when the record was originally committed.
func recoveredIntentItem(id uint64) *IntentItem {
	ret, _ := intentPool.Get()
	ret.id = id
	ret.refs.Store(1)
	ret.extents = ret.extents[:0]
	return ret
}

func (cui *IntentItem) ID() uint64 { return cui.id }

func (cui *IntentItem) release(ctx context.Context) {
	refs := cui.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		dlog.Errorf(ctx, "intentlog: intent %#x over-released", cui.id)
		return
	}
	if cap(cui.extents) <= maxFastExtents {
		cui.id = 0
		cui.extents = cui.extents[:0]
		intentPool.Put(cui)
	}
}

// Committed writes the intent record and drops the log-lifetime
// reference; from here on only the done pairing keeps the item
// alive.
func (cui *IntentItem) Committed(ctx context.Context, log *txn.Log) error {
	lsn := log.Append(recTypeIntent, encodeIntent(cui.id, cui.extents))
	dlog.Debugf(ctx, "intentlog: intent %#x committed at lsn=%d, %d extent(s)",
		cui.id, lsn, len(cui.extents))
	cui.release(ctx)
	return nil
}

func (cui *IntentItem) Aborted(ctx context.Context) {
	dlog.Debugf(ctx, "intentlog: intent %#x aborted", cui.id)
	cui.release(ctx)
}

// DoneItem is the log item that cancels an intent.  It accumulates
// the extents that were actually completed; committing it writes the
// done record and drops the intent's done-pairing reference, aborting
// drops the reference without writing.
type DoneItem struct {
	intent  *IntentItem
	extents []refcount.Intent
}

var _ txn.Item = (*DoneItem)(nil)

// appendFinished records one completed range, trimmed to what was
// actually applied.  Zero-length completions are recorded too: the
// done record accounts for every finish step taken under it, not just
// the productive ones.
func (cud *DoneItem) appendFinished(ri refcount.Intent, adjusted fsprim.ExtLen) {
	ri.Len = adjusted
	cud.extents = append(cud.extents, ri)
}

func (cud *DoneItem) Committed(ctx context.Context, log *txn.Log) error {
	lsn := log.Append(recTypeDone, encodeDone(cud.intent.id, cud.extents))
	dlog.Debugf(ctx, "intentlog: done for intent %#x committed at lsn=%d, %d extent(s)",
		cud.intent.id, lsn, len(cud.extents))
	cud.intent.release(ctx)
	return nil
}

func (cud *DoneItem) Aborted(ctx context.Context) {
	dlog.Debugf(ctx, "intentlog: done for intent %#x aborted", cud.intent.id)
	cud.intent.release(ctx)
}
