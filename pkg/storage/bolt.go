package storage

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	boltSnapshotsBucket = []byte("snapshots")
	boltUpdatesBucket   = []byte("updates")
)

// BoltStore is a bbolt-backed document store. It keeps everything in a single
// file, which makes it a good fit for single-node deployments that need
// durability without an external database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltSnapshotsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltUpdatesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load retrieves a document's snapshot and appended updates.
func (s *BoltStore) Load(_ context.Context, docID string) ([]byte, [][]byte, error) {
	var snapshot []byte
	var updates [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltSnapshotsBucket).Get([]byte(docID)); v != nil {
			snapshot = append([]byte(nil), v...)
		}
		b := tx.Bucket(boltUpdatesBucket).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			updates = append(updates, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: load %q: %w", docID, err)
	}
	return snapshot, updates, nil
}

// AppendUpdate adds one update to the document's log.
func (s *BoltStore) AppendUpdate(_ context.Context, docID string, update []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(boltUpdatesBucket).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], update)
	})
	if err != nil {
		return fmt.Errorf("storage: append update for %q: %w", docID, err)
	}
	return nil
}

// SaveSnapshot replaces the document's snapshot and clears the update log.
func (s *BoltStore) SaveSnapshot(_ context.Context, docID string, snapshot []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(boltSnapshotsBucket).Put([]byte(docID), snapshot); err != nil {
			return err
		}
		updates := tx.Bucket(boltUpdatesBucket)
		if updates.Bucket([]byte(docID)) == nil {
			return nil
		}
		return updates.DeleteBucket([]byte(docID))
	})
	if err != nil {
		return fmt.Errorf("storage: save snapshot for %q: %w", docID, err)
	}
	return nil
}

// DeleteDoc removes all persisted state for a document.
func (s *BoltStore) DeleteDoc(_ context.Context, docID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(boltSnapshotsBucket).Delete([]byte(docID)); err != nil {
			return err
		}
		updates := tx.Bucket(boltUpdatesBucket)
		if updates.Bucket([]byte(docID)) == nil {
			return nil
		}
		return updates.DeleteBucket([]byte(docID))
	})
	if err != nil {
		return fmt.Errorf("storage: delete %q: %w", docID, err)
	}
	return nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
