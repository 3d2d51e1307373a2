// Package stream implements the resumable event-streaming core: append-only
// per-channel ledgers with bounded retention, and channels that forward events
// to at most one live subscriber while preserving sequence order.
package stream

import (
	"encoding/json"
	"time"
)

// Record is one event as durably appended to a channel ledger. Records are
// immutable once appended.
type Record struct {
	Seq        uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"producedAt"`
}

// Retention bounds how much history a ledger keeps. Zero values mean
// unbounded for that dimension.
type Retention struct {
	MaxEvents int
	MaxAge    time.Duration
}

// Ledger is the append-only history of one channel. Implementations are not
// required to be safe for concurrent use: the owning Channel serializes all
// access (single-writer-per-channel discipline).
type Ledger interface {
	// Append stores a record. Records must arrive in sequence order.
	Append(rec Record) error

	// NextAfter returns the first retained record with Seq > seq.
	NextAfter(seq uint64) (Record, bool)

	// Oldest returns the lowest retained sequence id, if any record is retained.
	Oldest() (uint64, bool)

	// LastSeq returns the highest sequence id ever appended, including records
	// that have since been evicted. Zero means nothing was ever appended.
	LastSeq() uint64

	// Len returns the number of retained records.
	Len() int

	// Release discards all retained records. The ledger is unusable afterwards.
	Release() error
}

// memoryLedger keeps records in a slice, evicting from the front once the
// retention bound is exceeded.
type memoryLedger struct {
	records   []Record
	lastSeq   uint64
	retention Retention
	now       func() time.Time
}

func newMemoryLedger(ret Retention) *memoryLedger {
	return &memoryLedger{retention: ret, now: time.Now}
}

func (l *memoryLedger) Append(rec Record) error {
	l.records = append(l.records, rec)
	l.lastSeq = rec.Seq
	l.evict()
	return nil
}

func (l *memoryLedger) NextAfter(seq uint64) (Record, bool) {
	l.evictAged()
	for _, rec := range l.records {
		if rec.Seq > seq {
			return rec, true
		}
	}
	return Record{}, false
}

func (l *memoryLedger) Oldest() (uint64, bool) {
	l.evictAged()
	if len(l.records) == 0 {
		return 0, false
	}
	return l.records[0].Seq, true
}

func (l *memoryLedger) LastSeq() uint64 { return l.lastSeq }

func (l *memoryLedger) Len() int { return len(l.records) }

func (l *memoryLedger) Release() error {
	l.records = nil
	return nil
}

// evict drops the oldest records until both retention bounds hold.
func (l *memoryLedger) evict() {
	if max := l.retention.MaxEvents; max > 0 && len(l.records) > max {
		drop := len(l.records) - max
		l.records = append(l.records[:0], l.records[drop:]...)
	}
	l.evictAged()
}

func (l *memoryLedger) evictAged() {
	if l.retention.MaxAge <= 0 || len(l.records) == 0 {
		return
	}
	cutoff := l.now().Add(-l.retention.MaxAge)
	drop := 0
	for drop < len(l.records) && l.records[drop].ProducedAt.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		l.records = append(l.records[:0], l.records[drop:]...)
	}
}
