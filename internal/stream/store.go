package stream

import "sync"

// Store owns the ledgers for all channels, keyed by (sessionID, channelKey).
// Ledgers returned by Open are exclusively owned by their channel; the store
// only tracks them so a whole session's history can be dropped at once.
type Store interface {
	// Open returns the ledger for the given channel, creating it if absent.
	Open(sessionID, channelKey string) (Ledger, error)

	// Drop releases every ledger belonging to the session.
	Drop(sessionID string) error
}

// MemoryStore keeps all ledgers in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	retention Retention
	ledgers   map[string]map[string]Ledger
}

// NewMemoryStore creates a store whose ledgers share the given retention.
func NewMemoryStore(ret Retention) *MemoryStore {
	return &MemoryStore{
		retention: ret,
		ledgers:   make(map[string]map[string]Ledger),
	}
}

func (s *MemoryStore) Open(sessionID, channelKey string) (Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.ledgers[sessionID]
	if !ok {
		byKey = make(map[string]Ledger)
		s.ledgers[sessionID] = byKey
	}
	if ledger, ok := byKey[channelKey]; ok {
		return ledger, nil
	}

	ledger := newMemoryLedger(s.retention)
	byKey[channelKey] = ledger
	return ledger, nil
}

func (s *MemoryStore) Drop(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ledger := range s.ledgers[sessionID] {
		if err := ledger.Release(); err != nil {
			return err
		}
	}
	delete(s.ledgers, sessionID)
	return nil
}
