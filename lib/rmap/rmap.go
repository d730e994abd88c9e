// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmap maintains per-allocation-group reverse mappings:
// which owner maps which block range.  The refcount engine uses it
// two ways: CoW staging extents tag their blocks with a special
// owner so crash recovery can find them, and the scrubber
// cross-references stored refcounts against the number of file
// mappings per block.
package rmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
)

// Owner identifies who maps a block range.  Nonnegative values are
// file identifiers; negative values are reserved for internal
// owners.
type Owner int64

// OwnerCow tags blocks held by a CoW staging extent.  They belong to
// no file yet; a crash before the remap completes leaves them to be
// reclaimed by recovery.
const OwnerCow Owner = -9

func (o Owner) String() string {
	if o == OwnerCow {
		return "cow"
	}
	return fmt.Sprintf("%d", int64(o))
}

// Mapping is one reverse-mapping record.  Unlike refcount extents,
// mappings from different owners may overlap freely.
type Mapping struct {
	Start fsprim.AGBlock
	Len   fsprim.ExtLen
	Owner Owner
}

func (m Mapping) End() fsprim.AGBlock {
	return m.Start.Add(m.Len)
}

func (m Mapping) String() string {
	return fmt.Sprintf("[%d,%d)@%v", m.Start, m.End(), m.Owner)
}

func mappingLess(a, b Mapping) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.Len != b.Len {
		return a.Len < b.Len
	}
	return a.Owner < b.Owner
}

// Mem is the in-memory reverse-mapping index of one allocation
// group.  Safe for one writer or many readers; the transaction layer
// serializes writers per AG.
type Mem struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Mapping]
}

func NewMem() *Mem {
	return &Mem{
		tree: btree.NewG[Mapping](32, mappingLess),
	}
}

// Map records a mapping.  Duplicate mappings (same range, same
// owner) are an error.
func (m *Mem) Map(ctx context.Context, rec Mapping) error {
	if rec.Len == 0 {
		return fmt.Errorf("rmap: map of zero-length record %v", rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tree.Get(rec); ok {
		return fmt.Errorf("rmap: duplicate mapping %v", rec)
	}
	m.tree.ReplaceOrInsert(rec)
	return nil
}

// Unmap removes a mapping; the record must match exactly.
func (m *Mem) Unmap(ctx context.Context, rec Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tree.Delete(rec); !ok {
		return fmt.Errorf("rmap: no such mapping %v", rec)
	}
	return nil
}

// QueryRange calls fn for every mapping overlapping [bno, bno+ln),
// in ascending order.
func (m *Mem) QueryRange(ctx context.Context, bno fsprim.AGBlock, ln fsprim.ExtLen, fn func(Mapping) error) error {
	m.mu.RLock()
	recs := make([]Mapping, 0, 8)
	m.tree.Ascend(func(rec Mapping) bool {
		if rec.Start >= bno.Add(ln) {
			return false
		}
		if rec.End() > bno {
			recs = append(recs, rec)
		}
		return true
	})
	m.mu.RUnlock()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// CowBlocks returns the total number of blocks mapped under the CoW
// staging owner.
func (m *Mem) CowBlocks(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	m.tree.Ascend(func(rec Mapping) bool {
		if rec.Owner == OwnerCow {
			total += uint64(rec.Len)
		}
		return true
	})
	return total, nil
}

// Len returns the number of stored mappings.
func (m *Mem) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Store hands out one Mem per allocation group, creating them on
// demand.
type Store struct {
	mu  sync.Mutex
	ags map[fsprim.AGNumber]*Mem
}

func NewStore() *Store {
	return &Store{
		ags: make(map[fsprim.AGNumber]*Mem),
	}
}

// AG returns the reverse-mapping index for one allocation group.
func (s *Store) AG(ag fsprim.AGNumber) *Mem {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.ags[ag]
	if !ok {
		m = NewMem()
		s.ags[ag] = m
	}
	return m
}
