// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount

// While adjusting the refcounts of a range we have to keep an eye on
// the number of records we're dirtying: run too many in a single
// transaction and we'd exceed the transaction's log reservation.
// Each record mutation conservatively costs perRecordLogBytes in the
// log, and each shape change (split/merge) must additionally leave
// room for index rebalancing on both ends of the range.
//
// The penalty for answering "yes" incorrectly is a shut-down
// filesystem; the penalty for answering "no" incorrectly is more
// transaction rolls than strictly necessary.  Be conservative.
const (
	perRecordLogBytes = 32
	splitLogBlocks    = 5
)

// Budget tracks how many more index mutations the current
// transaction can absorb.  Budget exhaustion is not an error; it is
// the signal to stop, return a partial count, and resume in a fresh
// transaction.
type Budget struct {
	// LogRes is the owning transaction's log reservation, in
	// bytes.
	LogRes uint64
	// BlockSize is the filesystem block size, used to convert
	// shape changes into reservation bytes.
	BlockSize uint64
	// ForceMaxOps, if nonzero, forces exhaustion once more than
	// that many mutations have run.  Deterministic stand-in for
	// real reservation pressure in tests.
	ForceMaxOps uint

	nrOps        uint
	shapeChanges uint
}

func (b *Budget) stillHaveSpace() bool {
	if b.ForceMaxOps != 0 && b.nrOps > b.ForceMaxOps {
		return false
	}
	// The first mutation is always allowed; a transaction that
	// can't fit even one would never make progress.
	if b.nrOps == 0 {
		return true
	}
	overhead := uint64(b.shapeChanges) * splitLogBlocks * b.BlockSize
	if overhead > b.LogRes {
		return false
	}
	return b.LogRes-overhead > uint64(b.nrOps)*perRecordLogBytes
}
