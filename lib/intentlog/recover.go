// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package intentlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/txn"
)

// validateExtent rejects operations that cannot possibly describe
// blocks of this filesystem.  A record failing these checks means
// the log itself is damaged; replaying it would corrupt the index.
func validateExtent(mnt *refcount.Mount, ri refcount.Intent) error {
	switch {
	case ri.Start == 0:
		return fmt.Errorf("start block 0 is never shareable")
	case ri.Start >= mnt.Geo.DBlocks():
		return fmt.Errorf("start block %v is beyond the filesystem", ri.Start)
	case ri.Len == 0:
		return fmt.Errorf("zero block count")
	case uint64(ri.Len) >= uint64(mnt.Geo.AGBlocks):
		return fmt.Errorf("block count %v exceeds the AG size", ri.Len)
	}
	return nil
}

// StaleIntent is a logged intent with no matching done record: work
// that was decided on but not known to have finished.
type StaleIntent struct {
	LSN  uint64
	ID   uint64
	Data []byte
}

// Stale scans the log and returns the intents with no matching done
// record, in log order.
func Stale(log *txn.Log) []StaleIntent {
	byID := make(map[uint64]int)
	var stale []StaleIntent
	for _, rec := range log.Records() {
		switch rec.Type {
		case recTypeIntent:
			if len(rec.Data) < hdrSize {
				continue
			}
			id, _, _ := decodeIntent(rec.Data)
			byID[id] = len(stale)
			stale = append(stale, StaleIntent{LSN: rec.LSN, ID: id, Data: rec.Data})
		case recTypeDone:
			id, _, err := decodeDone(rec.Data)
			if err != nil {
				continue
			}
			if i, ok := byID[id]; ok {
				stale[i].Data = nil
				delete(byID, id)
			}
		}
	}
	ret := stale[:0]
	for _, si := range stale {
		if si.Data != nil {
			ret = append(ret, si)
		}
	}
	return ret
}

// ParseIntent decodes an intent record body into its operations.
func ParseIntent(data []byte) (id uint64, extents []refcount.Intent, err error) {
	return decodeIntent(data)
}

// Recover scans the log for intents with no matching done record and
// replays each unfinished batch.
//
// A batch that fails validation is discarded: its error is reported,
// but the remaining batches are still replayed.  An error from the
// replay itself is fatal and stops recovery immediately.
func Recover(ctx context.Context, mgr *txn.Manager, mnt *refcount.Mount) error {
	var errs derror.MultiError
	replayed := 0
	for _, si := range Stale(mgr.Log) {
		if err := recoverOne(ctx, mgr, mnt, si.Data); err != nil {
			var bad badBatchError
			if errors.As(err, &bad) {
				dlog.Errorf(ctx, "intentlog: recovery: discarding lsn=%d: %v", si.LSN, err)
				errs = append(errs, err)
				continue
			}
			return err
		}
		replayed++
	}
	dlog.Infof(ctx, "intentlog: recovery: replayed %d intent(s), discarded %d", replayed, len(errs))
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// badBatchError marks a batch that failed validation and was
// discarded, as opposed to a replay failure that aborts recovery.
type badBatchError struct {
	err error
}

func (e badBatchError) Error() string { return e.err.Error() }
func (e badBatchError) Unwrap() error { return e.err }

func recoverOne(ctx context.Context, mgr *txn.Manager, mnt *refcount.Mount, data []byte) error {
	id, extents, err := decodeIntent(data)
	if err != nil {
		return badBatchError{err: err}
	}
	// Validate everything before touching the index: a batch is
	// replayed whole or not at all.
	for i, ri := range extents {
		if err := validateExtent(mnt, ri); err != nil {
			return badBatchError{err: fmt.Errorf("intent %#x extent %d (%v): %w", id, i, ri, err)}
		}
	}

	dlog.Infof(ctx, "intentlog: recovery: replaying intent %#x, %d extent(s)", id, len(extents))

	dtyp := DeferType{Mnt: mnt}
	tx := mgr.Begin(ctx)
	// Pair the stale intent with a done record inside the recovery
	// transaction, so that a crash during replay re-runs only the
	// re-queued remainders, not the whole batch again.
	tx.AddItem(&DoneItem{intent: recoveredIntentItem(id)})

	var cur *refcount.Cursor
	for _, ri := range extents {
		adjusted, err := refcount.FinishOne(ctx, mnt, &cur, ri.Kind, ri.Start, ri.Len)
		if err != nil {
			tx.Cancel(ctx)
			return fmt.Errorf("intentlog: recovery: replaying %v of intent %#x: %w", ri, id, err)
		}
		if adjusted < ri.Len {
			rem := ri
			rem.Start = rem.Start.Add(adjusted)
			rem.Len -= adjusted
			tx.Defer(dtyp, &rem)
		}
	}

	tx, err = txn.Finish(ctx, tx)
	if err != nil {
		return fmt.Errorf("intentlog: recovery: finishing remainders of intent %#x: %w", id, err)
	}
	return tx.Commit(ctx)
}
