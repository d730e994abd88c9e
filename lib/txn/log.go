// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package txn

import (
	"sync"
)

// Record is one committed log record.  Type identifies the item
// class that wrote it; Data is that class's own wire encoding.
type Record struct {
	LSN  uint64
	Type uint16
	Data []byte
}

// Log is the write-ahead intent log: an ordered sequence of records,
// appended at commit and scanned at recovery.
type Log struct {
	mu   sync.Mutex
	recs []Record
	next uint64
}

func NewLog() *Log {
	return &Log{next: 1}
}

// Append adds a record and returns its sequence number.  The data is
// not copied; the caller must not reuse the buffer.
func (l *Log) Append(typ uint16, data []byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	lsn := l.next
	l.next++
	l.recs = append(l.recs, Record{LSN: lsn, Type: typ, Data: data})
	return lsn
}

// Records returns a snapshot of the log contents in commit order.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]Record, len(l.recs))
	copy(ret, l.recs)
	return ret
}

// Len returns the number of committed records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recs)
}
