package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory document store. It's suitable for tests and
// single-process deployments where durability across restarts isn't needed.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*memoryDoc
	closed bool
}

type memoryDoc struct {
	snapshot []byte
	updates  [][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memoryDoc)}
}

// Load retrieves a document's snapshot and appended updates.
func (m *MemoryStore) Load(_ context.Context, docID string) ([]byte, [][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nil, ErrStoreClosed
	}
	doc, ok := m.docs[docID]
	if !ok {
		return nil, nil, nil
	}
	updates := make([][]byte, len(doc.updates))
	copy(updates, doc.updates)
	return doc.snapshot, updates, nil
}

// AppendUpdate adds one update to the document's log.
func (m *MemoryStore) AppendUpdate(_ context.Context, docID string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	doc, ok := m.docs[docID]
	if !ok {
		doc = &memoryDoc{}
		m.docs[docID] = doc
	}
	doc.updates = append(doc.updates, append([]byte(nil), update...))
	return nil
}

// SaveSnapshot replaces the document's snapshot and clears the update log.
func (m *MemoryStore) SaveSnapshot(_ context.Context, docID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.docs[docID] = &memoryDoc{snapshot: append([]byte(nil), snapshot...)}
	return nil
}

// DeleteDoc removes all persisted state for a document.
func (m *MemoryStore) DeleteDoc(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.docs, docID)
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.docs = nil
	return nil
}
