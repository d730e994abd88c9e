// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fsprim

import (
	"fmt"
)

// Geometry describes how the filesystem's block space is carved into
// allocation groups.  Every AG is AGBlocks long; the refcount engine
// only ever reads these two fields of the superblock.
type Geometry struct {
	AGBlocks ExtLen
	AGCount  AGNumber
}

func (g Geometry) Validate() error {
	if g.AGBlocks == 0 {
		return fmt.Errorf("geometry: AGBlocks must be positive")
	}
	if g.AGCount == 0 {
		return fmt.Errorf("geometry: AGCount must be positive")
	}
	return nil
}

// DBlocks is the total number of blocks addressable by this geometry.
func (g Geometry) DBlocks() FSBlock {
	return FSBlock(g.AGBlocks) * FSBlock(g.AGCount)
}

// AG splits a filesystem-absolute block number into its allocation
// group number.
func (g Geometry) AG(fsb FSBlock) AGNumber {
	return AGNumber(fsb / FSBlock(g.AGBlocks))
}

// AGBlock splits a filesystem-absolute block number into its
// AG-relative block offset.
func (g Geometry) AGBlock(fsb FSBlock) AGBlock {
	return AGBlock(fsb % FSBlock(g.AGBlocks))
}

// FSBlock joins an AG number and an AG-relative offset back into a
// filesystem-absolute block number.
func (g Geometry) FSBlock(ag AGNumber, bno AGBlock) FSBlock {
	return FSBlock(ag)*FSBlock(g.AGBlocks) + FSBlock(bno)
}

// ContainsFSBlock reports whether fsb names a block inside the
// filesystem's address space.
func (g Geometry) ContainsFSBlock(fsb FSBlock) bool {
	return fsb < g.DBlocks() && g.AGBlock(fsb) < AGBlock(g.AGBlocks)
}
