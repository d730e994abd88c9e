// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package intentlog

import (
	"fmt"

	"git.lukeshu.com/reflink-ng/lib/binstruct"
	"git.lukeshu.com/reflink-ng/lib/fsprim"
	"git.lukeshu.com/reflink-ng/lib/refcount"
)

// Log record types.
const (
	recTypeIntent uint16 = 0x1242
	recTypeDone   uint16 = 0x1243
)

// An intent record is an intentHdr followed by NExtents intentExtents;
// a done record is a doneHdr followed by the extents that were
// actually completed, trimmed to the applied lengths.  FmtSize is the
// layout version; only version 1 exists.
type intentHdr struct {
	Type          uint16 `bin:"off=0x0, siz=0x2"`
	FmtSize       uint16 `bin:"off=0x2, siz=0x2"`
	NExtents      uint32 `bin:"off=0x4, siz=0x4"`
	ID            uint64 `bin:"off=0x8, siz=0x8"`
	binstruct.End `bin:"off=0x10"`
}

type intentExtent struct {
	Start         uint64 `bin:"off=0x0, siz=0x8"`
	Len           uint32 `bin:"off=0x8, siz=0x4"`
	Flags         uint32 `bin:"off=0xc, siz=0x4"`
	binstruct.End `bin:"off=0x10"`
}

type doneHdr struct {
	Type          uint16 `bin:"off=0x0, siz=0x2"`
	FmtSize       uint16 `bin:"off=0x2, siz=0x2"`
	NExtents      uint32 `bin:"off=0x4, siz=0x4"`
	ID            uint64 `bin:"off=0x8, siz=0x8"`
	binstruct.End `bin:"off=0x10"`
}

var (
	hdrSize    = binstruct.StaticSize(intentHdr{})
	extentSize = binstruct.StaticSize(intentExtent{})
)

const fmtSize = 1

// The flags field carries the operation kind; zero is reserved so a
// zeroed record never decodes as a valid operation.
const (
	wireIncrease uint32 = 1 + iota
	wireDecrease
	wireCowAlloc
	wireCowFree
)

func kindToWire(k refcount.Kind) uint32 {
	switch k {
	case refcount.Increase:
		return wireIncrease
	case refcount.Decrease:
		return wireDecrease
	case refcount.CowAlloc:
		return wireCowAlloc
	case refcount.CowFree:
		return wireCowFree
	default:
		panic(fmt.Errorf("intentlog: cannot encode kind %v", k))
	}
}

func kindFromWire(flags uint32) (refcount.Kind, bool) {
	switch flags {
	case wireIncrease:
		return refcount.Increase, true
	case wireDecrease:
		return refcount.Decrease, true
	case wireCowAlloc:
		return refcount.CowAlloc, true
	case wireCowFree:
		return refcount.CowFree, true
	default:
		return 0, false
	}
}

func mustMarshal(obj any) []byte {
	dat, err := binstruct.Marshal(obj)
	if err != nil {
		panic(err)
	}
	return dat
}

func encodeIntent(id uint64, extents []refcount.Intent) []byte {
	data := make([]byte, 0, hdrSize+extentSize*len(extents))
	data = append(data, mustMarshal(intentHdr{
		Type:     recTypeIntent,
		FmtSize:  fmtSize,
		NExtents: uint32(len(extents)),
		ID:       id,
	})...)
	for _, ri := range extents {
		data = append(data, mustMarshal(intentExtent{
			Start: uint64(ri.Start),
			Len:   uint32(ri.Len),
			Flags: kindToWire(ri.Kind),
		})...)
	}
	return data
}

func decodeIntent(data []byte) (id uint64, extents []refcount.Intent, err error) {
	if len(data) < hdrSize {
		return 0, nil, fmt.Errorf("intentlog: intent record truncated at %d bytes", len(data))
	}
	var hdr intentHdr
	if _, err := binstruct.Unmarshal(data, &hdr); err != nil {
		return 0, nil, fmt.Errorf("intentlog: intent record: %w", err)
	}
	if hdr.Type != recTypeIntent {
		return 0, nil, fmt.Errorf("intentlog: intent record has type %#x", hdr.Type)
	}
	if hdr.FmtSize != fmtSize {
		return 0, nil, fmt.Errorf("intentlog: intent record has format size %d", hdr.FmtSize)
	}
	id = hdr.ID
	if hdr.NExtents == 0 {
		return id, nil, fmt.Errorf("intentlog: intent %#x has no extents", id)
	}
	if uint64(len(data)) != uint64(hdrSize)+uint64(extentSize)*uint64(hdr.NExtents) {
		return id, nil, fmt.Errorf("intentlog: intent %#x body is %d bytes, expected %d",
			id, len(data)-hdrSize, uint64(extentSize)*uint64(hdr.NExtents))
	}
	extents = make([]refcount.Intent, hdr.NExtents)
	for i := range extents {
		var ext intentExtent
		if _, err := binstruct.Unmarshal(data[hdrSize+extentSize*i:], &ext); err != nil {
			return id, nil, fmt.Errorf("intentlog: intent %#x extent %d: %w", id, i, err)
		}
		kind, ok := kindFromWire(ext.Flags)
		if !ok {
			return id, nil, fmt.Errorf("intentlog: intent %#x extent %d has invalid flags %#x",
				id, i, ext.Flags)
		}
		extents[i] = refcount.Intent{
			Kind:  kind,
			Start: fsprim.FSBlock(ext.Start),
			Len:   fsprim.ExtLen(ext.Len),
		}
	}
	return id, extents, nil
}

func encodeDone(id uint64, extents []refcount.Intent) []byte {
	data := make([]byte, 0, hdrSize+extentSize*len(extents))
	data = append(data, mustMarshal(doneHdr{
		Type:     recTypeDone,
		FmtSize:  fmtSize,
		NExtents: uint32(len(extents)),
		ID:       id,
	})...)
	for _, ri := range extents {
		data = append(data, mustMarshal(intentExtent{
			Start: uint64(ri.Start),
			Len:   uint32(ri.Len),
			Flags: kindToWire(ri.Kind),
		})...)
	}
	return data
}

// decodeDone returns the paired intent id and the completed extents.
// Unlike an intent, a done record may name zero extents: the pairing
// alone is what retires the intent.  Completed lengths may also be
// zero, recording a finish step that made no progress before its
// remainder was re-queued.
func decodeDone(data []byte) (id uint64, extents []refcount.Intent, err error) {
	if len(data) < hdrSize {
		return 0, nil, fmt.Errorf("intentlog: done record truncated at %d bytes", len(data))
	}
	var hdr doneHdr
	if _, err := binstruct.Unmarshal(data, &hdr); err != nil {
		return 0, nil, fmt.Errorf("intentlog: done record: %w", err)
	}
	if hdr.Type != recTypeDone {
		return 0, nil, fmt.Errorf("intentlog: done record has type %#x", hdr.Type)
	}
	if hdr.FmtSize != fmtSize {
		return 0, nil, fmt.Errorf("intentlog: done record has format size %d", hdr.FmtSize)
	}
	id = hdr.ID
	if uint64(len(data)) != uint64(hdrSize)+uint64(extentSize)*uint64(hdr.NExtents) {
		return id, nil, fmt.Errorf("intentlog: done %#x body is %d bytes, expected %d",
			id, len(data)-hdrSize, uint64(extentSize)*uint64(hdr.NExtents))
	}
	extents = make([]refcount.Intent, hdr.NExtents)
	for i := range extents {
		var ext intentExtent
		if _, err := binstruct.Unmarshal(data[hdrSize+extentSize*i:], &ext); err != nil {
			return id, nil, fmt.Errorf("intentlog: done %#x extent %d: %w", id, i, err)
		}
		kind, ok := kindFromWire(ext.Flags)
		if !ok {
			return id, nil, fmt.Errorf("intentlog: done %#x extent %d has invalid flags %#x",
				id, i, ext.Flags)
		}
		extents[i] = refcount.Intent{
			Kind:  kind,
			Start: fsprim.FSBlock(ext.Start),
			Len:   fsprim.ExtLen(ext.Len),
		}
	}
	return id, extents, nil
}
