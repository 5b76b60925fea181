package doseapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRecordNotFound is returned for lookups of ids that do not exist.
var ErrRecordNotFound = errors.New("record not found")

// Storage is the persistence boundary for user-scoped record documents.
type Storage interface {
	List(ctx context.Context, userID, collection string) ([]map[string]any, error)
	Get(ctx context.Context, userID, collection, id string) (map[string]any, error)
	Upsert(ctx context.Context, userID, collection, id string, doc map[string]any) (map[string]any, error)
	Delete(ctx context.Context, userID, collection, id string) error
}

// PgStorage stores record documents as JSONB rows keyed by
// (user, collection, id).
type PgStorage struct {
	pool *pgxpool.Pool
}

// NewPgStorage creates a Postgres-backed storage and its schema.
func NewPgStorage(ctx context.Context, pool *pgxpool.Pool) (*PgStorage, error) {
	s := &PgStorage{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	return s, nil
}

func (s *PgStorage) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tracker_records (
			user_id    TEXT NOT NULL,
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, collection, id)
		)`)
	return err
}

// List returns every record document in the collection for the user.
func (s *PgStorage) List(ctx context.Context, userID, collection string) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM tracker_records
		WHERE user_id = $1 AND collection = $2
		ORDER BY updated_at, id
	`, userID, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode record document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return docs, nil
}

// Get fetches one record document.
func (s *PgStorage) Get(ctx context.Context, userID, collection, id string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM tracker_records
		WHERE user_id = $1 AND collection = $2 AND id = $3
	`, userID, collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record document: %w", err)
	}
	return doc, nil
}

// Upsert writes the full document, creating or replacing by id.
func (s *PgStorage) Upsert(ctx context.Context, userID, collection, id string, doc map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record document: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tracker_records (user_id, collection, id, doc, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, collection, id) DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
	`, userID, collection, id, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert record: %w", err)
	}
	return doc, nil
}

// Delete removes one record document.
func (s *PgStorage) Delete(ctx context.Context, userID, collection, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tracker_records
		WHERE user_id = $1 AND collection = $2 AND id = $3
	`, userID, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}
