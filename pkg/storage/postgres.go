package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS doc_snapshots (
	doc_id     TEXT PRIMARY KEY,
	snapshot   BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS doc_updates (
	id         BIGSERIAL PRIMARY KEY,
	doc_id     TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS doc_updates_doc_id_idx ON doc_updates (doc_id, id);
`

// PostgresStore is a PostgreSQL-backed document store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn and creates the schema if
// it doesn't exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Load retrieves a document's snapshot and appended updates.
func (s *PostgresStore) Load(ctx context.Context, docID string) ([]byte, [][]byte, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM doc_snapshots WHERE doc_id = $1`, docID,
	).Scan(&snapshot)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("storage: load snapshot for %q: %w", docID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM doc_updates WHERE doc_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: load updates for %q: %w", docID, err)
	}
	defer rows.Close()

	var updates [][]byte
	for rows.Next() {
		var u []byte
		if err := rows.Scan(&u); err != nil {
			return nil, nil, fmt.Errorf("storage: scan update for %q: %w", docID, err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage: load updates for %q: %w", docID, err)
	}
	return snapshot, updates, nil
}

// AppendUpdate adds one update to the document's log.
func (s *PostgresStore) AppendUpdate(ctx context.Context, docID string, update []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO doc_updates (doc_id, payload) VALUES ($1, $2)`, docID, update)
	if err != nil {
		return fmt.Errorf("storage: append update for %q: %w", docID, err)
	}
	return nil
}

// SaveSnapshot replaces the document's snapshot and clears the update log in
// one transaction.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, docID string, snapshot []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx for %q: %w", docID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO doc_snapshots (doc_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (doc_id) DO UPDATE SET snapshot = $2, updated_at = now()`,
		docID, snapshot)
	if err != nil {
		return fmt.Errorf("storage: upsert snapshot for %q: %w", docID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM doc_updates WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("storage: clear updates for %q: %w", docID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit snapshot for %q: %w", docID, err)
	}
	return nil
}

// DeleteDoc removes all persisted state for a document.
func (s *PostgresStore) DeleteDoc(ctx context.Context, docID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx for %q: %w", docID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM doc_snapshots WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("storage: delete snapshot for %q: %w", docID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM doc_updates WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("storage: delete updates for %q: %w", docID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete for %q: %w", docID, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
