package docstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres implements Store over a single jsonb-backed table:
//
//	CREATE TABLE documents (
//	    pk    TEXT NOT NULL,
//	    sk    TEXT NOT NULL,
//	    attrs JSONB NOT NULL DEFAULT '{}',
//	    PRIMARY KEY (pk, sk)
//	);
type Postgres struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgres creates a Postgres-backed document store. A nil pool yields a
// store whose every operation fails with ErrNotConfigured, mirroring a
// missing table location.
func NewPostgres(pool *pgxpool.Pool, table string, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = "documents"
	}
	return &Postgres{pool: pool, table: table, logger: logger}
}

func (s *Postgres) ensure() error {
	if s.pool == nil {
		return ErrNotConfigured
	}
	return nil
}

// Put upserts the item. Re-writing the same (pk, sk) replaces the previous
// attributes; this is the idempotent-upsert contract the record store
// relies on.
func (s *Postgres) Put(ctx context.Context, pk, sk string, attrs map[string]any) error {
	if err := s.ensure(); err != nil {
		return err
	}

	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (pk, sk, attrs)
		VALUES ($1, $2, $3)
		ON CONFLICT (pk, sk) DO UPDATE SET attrs = EXCLUDED.attrs
	`, s.table)

	if _, err := s.pool.Exec(ctx, query, pk, sk, payload); err != nil {
		return &TransientError{Op: "put", Err: err}
	}
	return nil
}

// Get returns nil, nil when the item does not exist.
func (s *Postgres) Get(ctx context.Context, pk, sk string) (*Item, error) {
	if err := s.ensure(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT attrs FROM %s WHERE pk = $1 AND sk = $2`, s.table)

	var payload []byte
	err := s.pool.QueryRow(ctx, query, pk, sk).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &TransientError{Op: "get", Err: err}
	}

	attrs := map[string]any{}
	if err := json.Unmarshal(payload, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal attrs: %w", err)
	}
	return &Item{PK: pk, SK: sk, Attrs: attrs}, nil
}

// Query pages through the partition in sort-key order. The cursor encodes
// the last returned sort key.
func (s *Postgres) Query(ctx context.Context, pk, skPrefix string, limit int, cursor string) (*Page, error) {
	if err := s.ensure(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT sk, attrs FROM %s
		WHERE pk = $1 AND sk LIKE $2 || '%%' AND sk > $3
		ORDER BY sk ASC
		LIMIT $4
	`, s.table)

	rows, err := s.pool.Query(ctx, query, pk, skPrefix, after, limit)
	if err != nil {
		return nil, &TransientError{Op: "query", Err: err}
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		var sk string
		var payload []byte
		if err := rows.Scan(&sk, &payload); err != nil {
			return nil, &TransientError{Op: "query scan", Err: err}
		}
		attrs := map[string]any{}
		if err := json.Unmarshal(payload, &attrs); err != nil {
			return nil, fmt.Errorf("unmarshal attrs: %w", err)
		}
		page.Items = append(page.Items, Item{PK: pk, SK: sk, Attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "query rows", Err: err}
	}

	if len(page.Items) == limit {
		page.Cursor = encodeCursor(page.Items[len(page.Items)-1].SK)
	}
	return page, nil
}

// UpdateAttributes merges the given fields into an existing item's attrs.
func (s *Postgres) UpdateAttributes(ctx context.Context, pk, sk string, fields map[string]any) error {
	if err := s.ensure(); err != nil {
		return err
	}

	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET attrs = attrs || $3::jsonb
		WHERE pk = $1 AND sk = $2
	`, s.table)

	if _, err := s.pool.Exec(ctx, query, pk, sk, patch); err != nil {
		return &TransientError{Op: "update", Err: err}
	}
	return nil
}

// RemoveAttributes drops the named fields from an existing item's attrs.
func (s *Postgres) RemoveAttributes(ctx context.Context, pk, sk string, fields ...string) error {
	if err := s.ensure(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET attrs = attrs - $3::text[]
		WHERE pk = $1 AND sk = $2
	`, s.table)

	if _, err := s.pool.Exec(ctx, query, pk, sk, fields); err != nil {
		return &TransientError{Op: "remove", Err: err}
	}
	return nil
}

func encodeCursor(sk string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sk))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
