// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
)

// Kind says what a deferred refcount operation does to its range.
// The set is closed; both the logging path and the finish path switch
// over it exhaustively and treat anything else as corruption.
type Kind int

const (
	Increase Kind = iota
	Decrease
	CowAlloc
	CowFree
)

func (k Kind) String() string {
	switch k {
	case Increase:
		return "increase"
	case Decrease:
		return "decrease"
	case CowAlloc:
		return "cow-alloc"
	case CowFree:
		return "cow-free"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Intent is one pending range operation.  It is owned exclusively by
// the deferred-operation queue from creation until its range is fully
// applied (or the transaction aborts).
type Intent struct {
	Kind  Kind
	Start fsprim.FSBlock
	Len   fsprim.ExtLen
}

func (ri Intent) String() string {
	return fmt.Sprintf("%v [%v,%v)", ri.Kind, ri.Start, ri.Start.Add(ri.Len))
}

// DeferQueue is the slice of the transaction manager's deferred-work
// queue that the enqueue API needs.
type DeferQueue interface {
	AddIntent(ri *Intent)
}

func recordIntent(ctx context.Context, mnt *Mount, dq DeferQueue, kind Kind, start fsprim.FSBlock, ln fsprim.ExtLen) {
	dlog.Debugf(ctx, "refcount: defer %v ag=%v [%v,%v)",
		kind, mnt.Geo.AG(start), mnt.Geo.AGBlock(start), mnt.Geo.AGBlock(start).Add(ln))
	dq.AddIntent(&Intent{
		Kind:  kind,
		Start: start,
		Len:   ln,
	})
}

// RecordIncrease queues a refcount increase for the blocks backing a
// file's extent.  No-op if the filesystem lacks the reflink feature.
func RecordIncrease(ctx context.Context, mnt *Mount, dq DeferQueue, start fsprim.FSBlock, ln fsprim.ExtLen) {
	if !mnt.Reflink {
		return
	}
	recordIntent(ctx, mnt, dq, Increase, start, ln)
}

// RecordDecrease queues a refcount decrease for the blocks backing a
// file's extent.  No-op if the filesystem lacks the reflink feature.
func RecordDecrease(ctx context.Context, mnt *Mount, dq DeferQueue, start fsprim.FSBlock, ln fsprim.ExtLen) {
	if !mnt.Reflink {
		return
	}
	recordIntent(ctx, mnt, dq, Decrease, start, ln)
}

// RecordCowAlloc queues recording of a CoW staging extent.  No-op if
// the filesystem lacks the reflink feature.
func RecordCowAlloc(ctx context.Context, mnt *Mount, dq DeferQueue, start fsprim.FSBlock, ln fsprim.ExtLen) {
	if !mnt.Reflink {
		return
	}
	recordIntent(ctx, mnt, dq, CowAlloc, start, ln)
}

// RecordCowFree queues retirement of a CoW staging extent.  No-op if
// the filesystem lacks the reflink feature.
func RecordCowFree(ctx context.Context, mnt *Mount, dq DeferQueue, start fsprim.FSBlock, ln fsprim.ExtLen) {
	if !mnt.Reflink {
		return
	}
	recordIntent(ctx, mnt, dq, CowFree, start, ln)
}
