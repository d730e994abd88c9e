// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fsdump reads and writes snapshots of a filesystem's
// sharing metadata: the geometry, the per-AG refcount and
// reverse-mapping indexes, and the intent log.  The refcount-rec
// tool operates on these snapshots instead of live block devices.
package fsdump

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/maps"
	"git.lukeshu.com/reflink-ng/lib/refcount"
	"git.lukeshu.com/reflink-ng/lib/refcount/refcountidx"
	"git.lukeshu.com/reflink-ng/lib/rmap"
	"git.lukeshu.com/reflink-ng/lib/txn"
)

// Dump is the JSON-serializable snapshot.
type Dump struct {
	Geometry fsprim.Geometry

	// Reflink and AlwaysCoW mirror the filesystem feature bits.
	Reflink   bool
	AlwaysCoW bool

	// LogRes and BlockSize size the transaction budget.
	LogRes    uint64
	BlockSize uint64

	Refcounts map[fsprim.AGNumber][]refcount.Extent
	Rmaps     map[fsprim.AGNumber][]rmap.Mapping
	Log       []txn.Record

	// Freed accumulates the extents handed back to the space
	// allocator while operating on the snapshot.
	Freed []FreedExtent
}

// FreedExtent is a range returned to the free-space allocator.
type FreedExtent struct {
	AG    fsprim.AGNumber
	Start fsprim.AGBlock
	Len   fsprim.ExtLen
}

func (fe FreedExtent) String() string {
	return fmt.Sprintf("ag=%d [%d,%d)", fe.AG, fe.Start, fe.Start.Add(fe.Len))
}

// World is a Dump materialized into live in-memory structures.
type World struct {
	Dump *Dump

	Refcounts *refcountidx.Store
	Rmaps     *rmap.Store
	Mnt       *refcount.Mount
	Mgr       *txn.Manager
}

// Build materializes the snapshot.
func (d *Dump) Build(ctx context.Context) (*World, error) {
	if err := d.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("fsdump: %w", err)
	}
	if d.BlockSize == 0 {
		return nil, fmt.Errorf("fsdump: zero block size")
	}

	w := &World{
		Dump:      d,
		Refcounts: refcountidx.NewStore(),
		Rmaps:     rmap.NewStore(),
	}

	for _, ag := range maps.SortedKeys(d.Refcounts) {
		if ag >= d.Geometry.AGCount {
			return nil, fmt.Errorf("fsdump: refcount records for nonexistent ag=%d", ag)
		}
		idx := w.Refcounts.AG(ag)
		exts := d.Refcounts[ag]
		sorted := make([]refcount.Extent, len(exts))
		copy(sorted, exts)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
		for _, ext := range sorted {
			if err := idx.Insert(ctx, ext); err != nil {
				return nil, fmt.Errorf("fsdump: ag=%d: %w", ag, err)
			}
		}
	}
	for _, ag := range maps.SortedKeys(d.Rmaps) {
		if ag >= d.Geometry.AGCount {
			return nil, fmt.Errorf("fsdump: reverse mappings for nonexistent ag=%d", ag)
		}
		mem := w.Rmaps.AG(ag)
		for _, m := range d.Rmaps[ag] {
			if err := mem.Map(ctx, m); err != nil {
				return nil, fmt.Errorf("fsdump: ag=%d: %w", ag, err)
			}
		}
	}

	log := txn.NewLog()
	for _, rec := range d.Log {
		log.Append(rec.Type, rec.Data)
	}

	w.Mnt = &refcount.Mount{
		Geo:       d.Geometry,
		Reflink:   d.Reflink,
		AlwaysCoW: d.AlwaysCoW,
		Indexes:   w.Refcounts,
		Free: func(ctx context.Context, ag fsprim.AGNumber, bno fsprim.AGBlock, ln fsprim.ExtLen, owner refcount.OwnerTag) error {
			dlog.Debugf(ctx, "fsdump: freed ag=%d [%d,%d)", ag, bno, bno.Add(ln))
			d.Freed = append(d.Freed, FreedExtent{AG: ag, Start: bno, Len: ln})
			return nil
		},
		Rmap:      rmap.Hook{Store: w.Rmaps},
		LogRes:    d.LogRes,
		BlockSize: d.BlockSize,
	}
	w.Mgr = &txn.Manager{
		Log:       log,
		LogRes:    d.LogRes,
		BlockSize: d.BlockSize,
	}
	return w, nil
}

// Collect re-serializes the live structures back into the snapshot,
// so a modified World can be written out.
func (w *World) Collect(ctx context.Context) (*Dump, error) {
	out := &Dump{
		Geometry:  w.Dump.Geometry,
		Reflink:   w.Dump.Reflink,
		AlwaysCoW: w.Dump.AlwaysCoW,
		LogRes:    w.Dump.LogRes,
		BlockSize: w.Dump.BlockSize,
		Refcounts: make(map[fsprim.AGNumber][]refcount.Extent),
		Rmaps:     make(map[fsprim.AGNumber][]rmap.Mapping),
		Log:       w.Mgr.Log.Records(),
		Freed:     w.Dump.Freed,
	}
	for _, ag := range w.Refcounts.AGs() {
		var exts []refcount.Extent
		err := w.Refcounts.AG(ag).Walk(func(ext refcount.Extent) error {
			exts = append(exts, ext)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(exts) > 0 {
			out.Refcounts[ag] = exts
		}
	}
	for ag := fsprim.AGNumber(0); ag < w.Dump.Geometry.AGCount; ag++ {
		mem := w.Rmaps.AG(ag)
		if mem.Len() == 0 {
			continue
		}
		var maps []rmap.Mapping
		err := mem.QueryRange(ctx, 0, w.Dump.Geometry.AGBlocks, func(m rmap.Mapping) error {
			maps = append(maps, m)
			return nil
		})
		if err != nil {
			return nil, err
		}
		out.Rmaps[ag] = maps
	}
	return out, nil
}
