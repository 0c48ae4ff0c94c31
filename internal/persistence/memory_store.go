package persistence

import (
	"context"
	"sync"
)

type memoryRow struct {
	clock   uint64
	kind    string
	payload []byte
}

// MemoryStore keeps the update log in process memory. It backs the memory:// URI and tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]memoryRow
	opts Options
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]memoryRow),
		opts: opts.withDefaults(),
	}
}

func (s *MemoryStore) GetUpdates(_ context.Context, docName string) ([][]byte, error) {
	s.mu.Lock()
	rows := append([]memoryRow(nil), s.docs[docName]...)
	s.mu.Unlock()

	updates := make([][]byte, 0, len(rows))
	for _, row := range rows {
		expanded, err := expandRow(row.kind, row.payload)
		if err != nil {
			return nil, err
		}
		updates = append(updates, expanded...)
	}
	return updates, nil
}

func (s *MemoryStore) StoreUpdate(_ context.Context, docName string, update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.docs[docName]
	var clock uint64
	if n := len(rows); n > 0 {
		clock = rows[n-1].clock + 1
	}
	rows = append(rows, memoryRow{clock: clock, kind: kindDelta, payload: append([]byte(nil), update...)})
	s.docs[docName] = rows

	if len(rows) < s.opts.FlushSize {
		return nil
	}
	return s.compactLocked(docName, nil)
}

func (s *MemoryStore) Compact(_ context.Context, docName string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked(docName, state)
}

func (s *MemoryStore) compactLocked(docName string, state []byte) error {
	rows := s.docs[docName]
	updates := make([][]byte, 0, len(rows)+1)
	var clock uint64
	for _, row := range rows {
		expanded, err := expandRow(row.kind, row.payload)
		if err != nil {
			return err
		}
		updates = append(updates, expanded...)
		clock = row.clock
	}
	if state != nil {
		updates = append(updates, state)
	}
	if len(updates) == 0 {
		return nil
	}

	payload, err := buildSnapshot(updates, s.opts.Merge)
	if err != nil {
		return err
	}
	s.docs[docName] = []memoryRow{{clock: clock, kind: kindSnapshot, payload: payload}}
	return nil
}

// Rows reports how many log rows are held for docName.
func (s *MemoryStore) Rows(docName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[docName])
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }
