package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against a single vigil_records table.
// The optimistic version check rides on the UPDATE's WHERE clause: zero
// affected rows with an existing record means a concurrent writer won.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Schema is the DDL for the records table. Applied by the operator's
// migration tooling, not by this package.
const Schema = `
CREATE TABLE IF NOT EXISTS vigil_records (
    kind        TEXT        NOT NULL,
    id          TEXT        NOT NULL,
    version     BIGINT      NOT NULL,
    index_key   TEXT        NOT NULL DEFAULT '',
    data        JSONB       NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS vigil_records_index_key ON vigil_records (kind, index_key, updated_at);
`

// NewPostgresStore connects a pool to the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vigil_records (kind, id, version, index_key, data, updated_at)
		VALUES ($1, $2, 1, $3, $4, now())`,
		rec.Kind, rec.ID, rec.IndexKey, rec.Data)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: %s/%s already exists: %w", rec.Kind, rec.ID, ErrConflict)
		}
		return fmt.Errorf("storage: create %s/%s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rec Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vigil_records
		SET version = version + 1, index_key = $4, data = $5, updated_at = now()
		WHERE kind = $1 AND id = $2 AND version = $3`,
		rec.Kind, rec.ID, rec.Version, rec.IndexKey, rec.Data)
	if err != nil {
		return fmt.Errorf("storage: update %s/%s: %w", rec.Kind, rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing record from version race.
		if _, getErr := s.Get(ctx, rec.Kind, rec.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: %s/%s stale version %d: %w", rec.Kind, rec.ID, rec.Version, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	rec := Record{Kind: kind, ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT version, index_key, data, updated_at
		FROM vigil_records WHERE kind = $1 AND id = $2`,
		kind, id).Scan(&rec.Version, &rec.IndexKey, &rec.Data, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: get %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByIndex(ctx context.Context, kind Kind, indexKey string, since time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, version, index_key, data, updated_at
		FROM vigil_records
		WHERE kind = $1 AND index_key = $2 AND updated_at >= $3
		ORDER BY updated_at ASC`,
		kind, indexKey, since)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s by %q: %w", kind, indexKey, err)
	}
	defer rows.Close()
	return scanRecords(kind, rows)
}

func (s *PostgresStore) ListAll(ctx context.Context, kind Kind) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, version, index_key, data, updated_at
		FROM vigil_records WHERE kind = $1 ORDER BY id ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", kind, err)
	}
	defer rows.Close()
	return scanRecords(kind, rows)
}

func scanRecords(kind Kind, rows pgx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.IndexKey, &rec.Data, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan %s: %w", kind, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	// pgconn.PgError code 23505; matched by SQLSTATE to avoid importing
	// pgconn here just for the type assertion.
	type sqlState interface{ SQLState() string }
	var se sqlState
	return errors.As(err, &se) && se.SQLState() == "23505"
}

var _ Store = (*PostgresStore)(nil)
