package stream

import (
	"errors"
	"fmt"

	"github.com/relaykit/relay/internal/storage"
)

// FileStore persists each channel ledger as a JSON document so retained
// history survives a process restart within the retention window. Appends
// rewrite the whole document; channel ledgers are small by construction
// (bounded retention), so this stays cheap.
type FileStore struct {
	retention Retention
	docs      *storage.Storage
}

// NewFileStore creates a store writing ledgers under dir.
func NewFileStore(dir string, ret Retention) *FileStore {
	return &FileStore{
		retention: ret,
		docs:      storage.New(dir),
	}
}

func (s *FileStore) Open(sessionID, channelKey string) (Ledger, error) {
	ledger := &fileLedger{
		mem:  newMemoryLedger(s.retention),
		docs: s.docs,
		path: []string{"ledger", sessionID, channelKey},
	}
	if err := ledger.load(); err != nil {
		return nil, fmt.Errorf("load ledger %s/%s: %w", sessionID, channelKey, err)
	}
	return ledger, nil
}

func (s *FileStore) Drop(sessionID string) error {
	return s.docs.DeleteAll([]string{"ledger", sessionID})
}

// ledgerDoc is the on-disk shape of one channel ledger.
type ledgerDoc struct {
	LastSeq uint64   `json:"lastSeq"`
	Records []Record `json:"records"`
}

// fileLedger wraps the in-memory ledger and mirrors it to disk. Like all
// ledgers it is serialized by its owning channel.
type fileLedger struct {
	mem  *memoryLedger
	docs *storage.Storage
	path []string
}

func (l *fileLedger) load() error {
	var doc ledgerDoc
	if err := l.docs.Get(l.path, &doc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	l.mem.records = doc.Records
	l.mem.lastSeq = doc.LastSeq
	l.mem.evict()
	return nil
}

func (l *fileLedger) Append(rec Record) error {
	if err := l.mem.Append(rec); err != nil {
		return err
	}
	return l.persist()
}

func (l *fileLedger) NextAfter(seq uint64) (Record, bool) { return l.mem.NextAfter(seq) }
func (l *fileLedger) Oldest() (uint64, bool)              { return l.mem.Oldest() }
func (l *fileLedger) LastSeq() uint64                     { return l.mem.LastSeq() }
func (l *fileLedger) Len() int                            { return l.mem.Len() }

func (l *fileLedger) Release() error {
	if err := l.mem.Release(); err != nil {
		return err
	}
	return l.docs.Delete(l.path)
}

func (l *fileLedger) persist() error {
	return l.docs.Put(l.path, ledgerDoc{
		LastSeq: l.mem.lastSeq,
		Records: l.mem.records,
	})
}
