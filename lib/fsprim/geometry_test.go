// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fsprim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
)

func TestGeometry(t *testing.T) {
	t.Parallel()
	g := fsprim.Geometry{AGBlocks: 1000, AGCount: 4}

	assert.NoError(t, g.Validate())
	assert.Error(t, fsprim.Geometry{AGCount: 4}.Validate())
	assert.Error(t, fsprim.Geometry{AGBlocks: 1000}.Validate())

	assert.Equal(t, fsprim.FSBlock(4000), g.DBlocks())

	type testcase struct {
		FSB      fsprim.FSBlock
		AG       fsprim.AGNumber
		Bno      fsprim.AGBlock
		Contains bool
	}
	testcases := map[string]testcase{
		"origin":     {FSB: 0, AG: 0, Bno: 0, Contains: true},
		"in-ag0":     {FSB: 999, AG: 0, Bno: 999, Contains: true},
		"ag1-start":  {FSB: 1000, AG: 1, Bno: 0, Contains: true},
		"in-ag2":     {FSB: 2345, AG: 2, Bno: 345, Contains: true},
		"last-block": {FSB: 3999, AG: 3, Bno: 999, Contains: true},
		"past-end":   {FSB: 4000, AG: 4, Bno: 0, Contains: false},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.AG, g.AG(tc.FSB))
			assert.Equal(t, tc.Bno, g.AGBlock(tc.FSB))
			assert.Equal(t, tc.FSB, g.FSBlock(tc.AG, tc.Bno))
			assert.Equal(t, tc.Contains, g.ContainsFSBlock(tc.FSB))
		})
	}
}

func TestAddrArith(t *testing.T) {
	t.Parallel()
	assert.Equal(t, fsprim.AGBlock(110), fsprim.AGBlock(100).Add(10))
	assert.Equal(t, fsprim.AGBlock(90), fsprim.AGBlock(100).Sub(10))
	assert.Equal(t, fsprim.ExtLen(25), fsprim.AGBlock(125).Delta(100))
	assert.Equal(t, fsprim.FSBlock(5005), fsprim.FSBlock(5000).Add(5))
}
