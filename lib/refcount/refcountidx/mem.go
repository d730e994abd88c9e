// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package refcountidx provides an in-memory refcount.Index backed by
// a B-tree, plus a Store that hands out one index per allocation
// group.
package refcountidx

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
)

type cursorState int

const (
	beforeFirst cursorState = iota
	atRecord
	afterLast
)

// Mem is an in-memory refcount.Index.  It is not safe for concurrent
// use; the transaction layer serializes access per AG.
type Mem struct {
	tree *btree.BTreeG[refcount.Extent]

	state cursorState
	pos   fsprim.AGBlock
}

var _ refcount.Index = (*Mem)(nil)

func extentLess(a, b refcount.Extent) bool {
	return a.Start < b.Start
}

func NewMem() *Mem {
	return &Mem{
		tree: btree.NewG[refcount.Extent](32, extentLess),
	}
}

func pivot(bno fsprim.AGBlock) refcount.Extent {
	return refcount.Extent{Start: bno}
}

func (m *Mem) LookupLE(_ context.Context, bno fsprim.AGBlock) (bool, error) {
	found := false
	m.tree.DescendLessOrEqual(pivot(bno), func(ext refcount.Extent) bool {
		m.state = atRecord
		m.pos = ext.Start
		found = true
		return false
	})
	if !found {
		m.state = beforeFirst
	}
	return found, nil
}

func (m *Mem) LookupGE(_ context.Context, bno fsprim.AGBlock) (bool, error) {
	found := false
	m.tree.AscendGreaterOrEqual(pivot(bno), func(ext refcount.Extent) bool {
		m.state = atRecord
		m.pos = ext.Start
		found = true
		return false
	})
	if !found {
		m.state = afterLast
	}
	return found, nil
}

func (m *Mem) Get(context.Context) (refcount.Extent, bool, error) {
	if m.state != atRecord {
		return refcount.Extent{}, false, nil
	}
	ext, ok := m.tree.Get(pivot(m.pos))
	if !ok {
		return refcount.Extent{}, false, fmt.Errorf(
			"refcountidx: record at %v vanished under the cursor: %w",
			m.pos, refcount.ErrCorrupt)
	}
	return ext, true, nil
}

func (m *Mem) Insert(_ context.Context, ext refcount.Extent) error {
	if ext.Len == 0 {
		return fmt.Errorf("refcountidx: insert of zero-length record at %v: %w",
			ext.Start, refcount.ErrCorrupt)
	}
	if _, ok := m.tree.Get(pivot(ext.Start)); ok {
		return fmt.Errorf("refcountidx: insert collides with existing record at %v: %w",
			ext.Start, refcount.ErrCorrupt)
	}
	m.tree.ReplaceOrInsert(ext)
	m.state = atRecord
	m.pos = ext.Start
	return nil
}

func (m *Mem) Update(_ context.Context, ext refcount.Extent) error {
	if m.state != atRecord {
		return fmt.Errorf("refcountidx: update with no record under the cursor: %w",
			refcount.ErrCorrupt)
	}
	if ext.Start != m.pos {
		if _, ok := m.tree.Delete(pivot(m.pos)); !ok {
			return fmt.Errorf("refcountidx: record at %v vanished under the cursor: %w",
				m.pos, refcount.ErrCorrupt)
		}
	}
	m.tree.ReplaceOrInsert(ext)
	m.pos = ext.Start
	return nil
}

func (m *Mem) Delete(_ context.Context) error {
	if m.state != atRecord {
		return fmt.Errorf("refcountidx: delete with no record under the cursor: %w",
			refcount.ErrCorrupt)
	}
	if _, ok := m.tree.Delete(pivot(m.pos)); !ok {
		return fmt.Errorf("refcountidx: record at %v vanished under the cursor: %w",
			m.pos, refcount.ErrCorrupt)
	}
	// Reposition at the removed record's successor.
	found := false
	m.tree.AscendGreaterOrEqual(pivot(m.pos), func(ext refcount.Extent) bool {
		m.pos = ext.Start
		found = true
		return false
	})
	if !found {
		m.state = afterLast
	}
	return nil
}

func (m *Mem) Next(context.Context) (bool, error) {
	switch m.state {
	case afterLast:
		return false, nil
	case beforeFirst:
		found := false
		m.tree.Ascend(func(ext refcount.Extent) bool {
			m.state = atRecord
			m.pos = ext.Start
			found = true
			return false
		})
		if !found {
			m.state = afterLast
		}
		return found, nil
	default:
		found := false
		m.tree.AscendGreaterOrEqual(pivot(m.pos), func(ext refcount.Extent) bool {
			if ext.Start == m.pos {
				return true
			}
			m.pos = ext.Start
			found = true
			return false
		})
		if !found {
			m.state = afterLast
		}
		return found, nil
	}
}

func (m *Mem) Prev(context.Context) (bool, error) {
	switch m.state {
	case beforeFirst:
		return false, nil
	case afterLast:
		found := false
		m.tree.Descend(func(ext refcount.Extent) bool {
			m.state = atRecord
			m.pos = ext.Start
			found = true
			return false
		})
		if !found {
			m.state = beforeFirst
		}
		return found, nil
	default:
		found := false
		m.tree.DescendLessOrEqual(pivot(m.pos), func(ext refcount.Extent) bool {
			if ext.Start == m.pos {
				return true
			}
			m.pos = ext.Start
			found = true
			return false
		})
		if !found {
			m.state = beforeFirst
		}
		return found, nil
	}
}

// Len returns the number of stored records.
func (m *Mem) Len() int {
	return m.tree.Len()
}

// Walk calls fn on every record in ascending order, without moving
// the cursor.
func (m *Mem) Walk(fn func(refcount.Extent) error) error {
	var err error
	m.tree.Ascend(func(ext refcount.Extent) bool {
		err = fn(ext)
		return err == nil
	})
	return err
}

// Store hands out one Mem index per allocation group, creating them
// on demand.  It implements refcount.Source.
type Store struct {
	mu  sync.Mutex
	ags map[fsprim.AGNumber]*Mem
}

var _ refcount.Source = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		ags: make(map[fsprim.AGNumber]*Mem),
	}
}

func (s *Store) AGIndex(_ context.Context, ag fsprim.AGNumber) (refcount.Index, error) {
	return s.AG(ag), nil
}

// AG returns the index for one allocation group, creating it if
// needed.
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

// AGs returns the allocation groups that have an index.
func (s *Store) AGs() []fsprim.AGNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]fsprim.AGNumber, 0, len(s.ags))
	for ag := range s.ags {
		ret = append(ret, ag)
	}
	return ret
}
