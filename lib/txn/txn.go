// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package txn provides the transaction framework the refcount engine
// runs inside: transactions that attach log items and commit them to
// a write-ahead Log, a Manager that rolls one transaction into the
// next while keeping deferred work alive, and a deferred-operation
// queue that turns "too big for one transaction" updates into chains
// of logged intents.
package txn

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
)

// Item is a log item attached to a transaction.
type Item interface {
	// Committed is called once, when the owning transaction
	// commits; the item writes its log records here.
	Committed(ctx context.Context, log *Log) error
	// Aborted is called once, when the owning transaction
	// cancels without committing.
	Aborted(ctx context.Context)
}

// Trans is one transaction: a set of dirty log items plus any
// deferred work queued while it was open.  A transaction ends in
// exactly one Commit or Cancel.
type Trans struct {
	mgr    *Manager
	items  []Item
	defers []*deferPending
	done   bool
}

// Manager creates and rolls transactions against one log.
type Manager struct {
	Log *Log

	// LogRes and BlockSize describe the per-transaction log
	// reservation; the refcount engine budgets against them.
	LogRes    uint64
	BlockSize uint64
}

func (mgr *Manager) Begin(ctx context.Context) *Trans {
	dlog.Tracef(ctx, "txn: begin")
	return &Trans{mgr: mgr}
}

// Roll commits tx and returns a fresh transaction, carrying the
// deferred-work queue over so chained intents stay owned by a live
// transaction.
func (mgr *Manager) Roll(ctx context.Context, tx *Trans) (*Trans, error) {
	defers := tx.defers
	tx.defers = nil
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	ntx := mgr.Begin(ctx)
	ntx.defers = defers
	return ntx, nil
}

func (tx *Trans) Manager() *Manager { return tx.mgr }

// AddItem attaches a dirty log item to the transaction.
func (tx *Trans) AddItem(it Item) {
	tx.items = append(tx.items, it)
}

// Commit writes every attached item to the log.  Commit is
// all-or-nothing only in the sense of the in-memory model: the first
// item error aborts the rest.
func (tx *Trans) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("txn: commit of a finished transaction")
	}
	tx.done = true
	dlog.Tracef(ctx, "txn: commit, %d item(s)", len(tx.items))
	for _, it := range tx.items {
		if err := it.Committed(ctx, tx.mgr.Log); err != nil {
			return err
		}
	}
	tx.items = nil
	return nil
}

// Cancel aborts the transaction: every attached item and every
// queued deferred operation is released.
func (tx *Trans) Cancel(ctx context.Context) {
	if tx.done {
		return
	}
	tx.done = true
	dlog.Tracef(ctx, "txn: cancel, %d item(s), %d deferred batch(es)",
		len(tx.items), len(tx.defers))
	// An intent item holds two references: one for its own log
	// lifetime (dropped by Aborted here, or by Committed on the
	// commit path) and one for its done pairing (dropped by
	// AbortIntent in cancelDefers, unless a done item has already
	// taken it over).
	for _, it := range tx.items {
		it.Aborted(ctx)
	}
	tx.items = nil
	cancelDefers(ctx, tx.defers)
	tx.defers = nil
}
