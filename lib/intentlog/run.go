// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package intentlog

import (
	"context"

	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/txn"
)

// Run wraps one logical update: it begins a transaction, lets fn
// queue refcount operations against it, then logs the intents,
// finishes all the deferred work (rolling as needed), and commits.
// If fn returns an error nothing is logged or applied.
func Run(ctx context.Context, mgr *txn.Manager, mnt *refcount.Mount, fn func(q Queue) error) error {
	tx := mgr.Begin(ctx)
	q := Queue{Tx: tx, Typ: DeferType{Mnt: mnt}}
	if err := fn(q); err != nil {
		tx.Cancel(ctx)
		return err
	}
	tx, err := txn.Finish(ctx, tx)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
