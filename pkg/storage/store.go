// Package storage provides persistence backends for document history.
//
// A document persists as one optional snapshot plus an ordered log of
// appended updates. Loading replays the snapshot first, then each update in
// append order. Saving a snapshot compacts the log: the snapshot replaces
// everything appended before it.
package storage

import (
	"context"
	"errors"
)

// Store defines the interface for document persistence backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load retrieves a document's snapshot and appended updates.
	// An unknown document returns (nil, nil, nil).
	Load(ctx context.Context, docID string) (snapshot []byte, updates [][]byte, err error)

	// AppendUpdate adds one update to the end of the document's log.
	AppendUpdate(ctx context.Context, docID string, update []byte) error

	// SaveSnapshot replaces the document's snapshot and clears the update
	// log. Called when the last connection on a document closes.
	SaveSnapshot(ctx context.Context, docID string, snapshot []byte) error

	// DeleteDoc removes all persisted state for a document. It does not
	// return an error if the document doesn't exist.
	DeleteDoc(ctx context.Context, docID string) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
var ErrStoreClosed = errors.New("storage: store is closed")
