// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package txn_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/reflink-ng/lib/txn"
)

type testItem struct {
	name      string
	committed *[]string
	aborted   *[]string
}

func (it *testItem) Committed(_ context.Context, log *txn.Log) error {
	*it.committed = append(*it.committed, it.name)
	log.Append(0x1, []byte(it.name))
	return nil
}

func (it *testItem) Aborted(context.Context) {
	*it.aborted = append(*it.aborted, it.name)
}

func TestCommitAndCancel(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	mgr := &txn.Manager{Log: txn.NewLog()}

	var committed, aborted []string
	item := func(name string) *testItem {
		return &testItem{name: name, committed: &committed, aborted: &aborted}
	}

	tx := mgr.Begin(ctx)
	tx.AddItem(item("a"))
	tx.AddItem(item("b"))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"a", "b"}, committed)
	assert.Equal(t, 2, mgr.Log.Len())

	// Committing twice is a programming error.
	assert.Error(t, tx.Commit(ctx))
	// But Cancel after Commit is a harmless no-op.
	tx.Cancel(ctx)

	tx = mgr.Begin(ctx)
	tx.AddItem(item("c"))
	tx.Cancel(ctx)
	tx.Cancel(ctx)
	assert.Equal(t, []string{"c"}, aborted)
	assert.Equal(t, 2, mgr.Log.Len())
}

func TestRollCarriesDefers(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	mgr := &txn.Manager{Log: txn.NewLog()}

	typ := &testDeferType{}
	tx := mgr.Begin(ctx)
	tx.Defer(typ, "x")
	require.True(t, tx.HasDefers())

	ntx, err := mgr.Roll(ctx, tx)
	require.NoError(t, err)
	assert.True(t, ntx.HasDefers())
	ntx.Cancel(ctx)
	assert.Equal(t, []string{"x"}, typ.cancelled)
}

// testDeferType counts work items measured in "units"; FinishItem
// consumes at most budget units per call and returns ErrAgain with the
// remainder, mimicking a budget-bounded refcount adjustment.
type testDeferType struct {
	budget    int
	intents   [][]any
	finished  []int
	cancelled []string
	aborts    int
	cleanups  int
}

type testIntent struct{ items []any }

func (*testIntent) Committed(context.Context, *txn.Log) error { return nil }
func (*testIntent) Aborted(context.Context)                   {}

func (*testDeferType) Name() string  { return "test" }
func (*testDeferType) MaxItems() int { return 2 }

func (*testDeferType) DiffItems(a, b any) int {
	return len(fmt.Sprint(a)) - len(fmt.Sprint(b))
}

func (dt *testDeferType) CreateIntent(_ context.Context, tx *txn.Trans, items []any) (txn.Item, error) {
	cp := append([]any(nil), items...)
	dt.intents = append(dt.intents, cp)
	it := &testIntent{items: cp}
	tx.AddItem(it)
	return it, nil
}

func (dt *testDeferType) AbortIntent(_ context.Context, _ txn.Item) {
	dt.aborts++
}

func (dt *testDeferType) CreateDone(_ context.Context, tx *txn.Trans, intent txn.Item, _ int) (txn.Item, error) {
	return intent, nil
}

func (dt *testDeferType) FinishItem(_ context.Context, _ *txn.Trans, _ txn.Item, item any, state *any) error {
	if *state == nil {
		*state = new(int)
	}
	spent := (*state).(*int)
	units := item.(int)
	if dt.budget > 0 && *spent+units > dt.budget {
		return txn.ErrAgain
	}
	*spent += units
	dt.finished = append(dt.finished, units)
	return nil
}

func (dt *testDeferType) FinishCleanup(_ context.Context, _ *txn.Trans, state any) {
	dt.cleanups++
}

func (dt *testDeferType) CancelItem(_ context.Context, item any) {
	dt.cancelled = append(dt.cancelled, fmt.Sprint(item))
}

func TestFinish(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	mgr := &txn.Manager{Log: txn.NewLog()}

	typ := &testDeferType{}
	tx := mgr.Begin(ctx)
	tx.Defer(typ, 1)
	tx.Defer(typ, 2)
	tx.Defer(typ, 3) // over MaxItems, goes into a second batch

	ftx, err := txn.Finish(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, ftx.Commit(ctx))

	assert.Equal(t, [][]any{{1, 2}, {3}}, typ.intents)
	assert.Equal(t, []int{1, 2, 3}, typ.finished)
	assert.Equal(t, 2, typ.cleanups)
	assert.Zero(t, typ.aborts)
	assert.False(t, ftx.HasDefers())
}

func TestFinishRequeuesPartialProgress(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	mgr := &txn.Manager{Log: txn.NewLog()}

	// A 3-unit budget finishes item 2 but not item 3 in the first
	// batch; the remainder must come back under a fresh intent.
	typ := &testDeferType{budget: 3}
	tx := mgr.Begin(ctx)
	tx.Defer(typ, 2)
	tx.Defer(typ, 3)

	ftx, err := txn.Finish(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, ftx.Commit(ctx))

	assert.Equal(t, [][]any{{2, 3}, {3}}, typ.intents)
	assert.Equal(t, []int{2, 3}, typ.finished)
}

func TestFinishSortsItems(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	mgr := &txn.Manager{Log: txn.NewLog()}

	typ := &testDeferType{}
	tx := mgr.Begin(ctx)
	tx.Defer(typ, 10) // two digits sorts after one
	tx.Defer(typ, 2)

	ftx, err := txn.Finish(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, ftx.Commit(ctx))

	assert.Equal(t, [][]any{{2, 10}}, typ.intents)
}
