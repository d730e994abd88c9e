// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fsprim implements the primitive address and count types
// shared by the refcount engine: allocation-group-relative block
// numbers, filesystem-absolute block numbers, extent lengths, and
// reference counts.
package fsprim

type (
	// AGNumber identifies one allocation group.
	AGNumber uint32
	// AGBlock is a block offset within an allocation group.
	AGBlock uint32
	// FSBlock is a filesystem-absolute block number.
	FSBlock uint64
	// ExtLen is a count of contiguous blocks.
	ExtLen uint32
	// RefCount is the number of mappings referencing an extent.
	RefCount uint32
)

const (
	// NullAGBlock is the "no such block" sentinel.
	NullAGBlock AGBlock = ^AGBlock(0)

	// MaxRefCount is the highest representable reference count;
	// records pinned at this value are never adjusted further.
	MaxRefCount RefCount = ^RefCount(0)

	// MaxExtentLen is the exclusive ceiling on a stored extent's
	// length; merges whose combined length would reach it are not
	// performed.
	MaxExtentLen uint64 = uint64(^ExtLen(0))
)

func (bno AGBlock) Add(n ExtLen) AGBlock { return bno + AGBlock(n) }
func (bno AGBlock) Sub(n ExtLen) AGBlock { return bno - AGBlock(n) }

// Delta returns bno-other as an ExtLen; other must not be beyond bno.
func (bno AGBlock) Delta(other AGBlock) ExtLen { return ExtLen(bno - other) }

func (fsb FSBlock) Add(n ExtLen) FSBlock { return fsb + FSBlock(n) }
