package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// SQLStore persists chain entries on database/sql. The (tenant_id,
// sequence) primary key makes duplicate appends fail at the store, so
// two racing appenders cannot both claim a sequence.
type SQLStore struct {
	db *sql.DB
}

const chainSchema = `
CREATE TABLE IF NOT EXISTS chain_entries (
	tenant_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	entry_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (tenant_id, sequence)
);
CREATE INDEX IF NOT EXISTS chain_entries_entry_id ON chain_entries (entry_id);
`

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

// OpenSQLiteStore opens (or creates) a SQLite-backed chain store at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chain: failed to open sqlite db: %w", err)
	}
	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the schema if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, chainSchema); err != nil {
		return fmt.Errorf("chain: failed to init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Append(ctx context.Context, tenantID string, e Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_entries (tenant_id, sequence, entry_id, timestamp, algorithm, prev_hash, content_hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, sequence) DO NOTHING
	`, tenantID, e.Sequence, e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Algorithm, e.PrevHash, e.ContentHash, string(e.Payload))
	if err != nil {
		return fmt.Errorf("chain: failed to insert entry: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chain: failed to check rows affected: %w", err)
	}
	if inserted == 0 {
		return fault.Newf(fault.CodeContention, "chain sequence %d already exists for tenant %s", e.Sequence, tenantID)
	}
	return nil
}

func (s *SQLStore) Entries(ctx context.Context, tenantID string, w Window) ([]Entry, error) {
	query := `
		SELECT entry_id, sequence, timestamp, algorithm, prev_hash, content_hash, payload
		FROM chain_entries
		WHERE tenant_id = $1 AND sequence >= $2`
	args := []any{tenantID, w.Start}
	if w.End >= 0 {
		args = append(args, w.End)
		query += fmt.Sprintf(" AND sequence <= $%d", len(args))
	}
	query += " ORDER BY sequence ASC"
	if w.Max > 0 {
		args = append(args, w.Max)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chain: failed to iterate entries: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Head(ctx context.Context, tenantID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entry_id, sequence, timestamp, algorithm, prev_hash, content_hash, payload
		FROM chain_entries
		WHERE tenant_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, tenantID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) Count(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chain_entries WHERE tenant_id = $1
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chain: failed to count entries: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Delete(ctx context.Context, tenantID string, sequence int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chain_entries WHERE tenant_id = $1 AND sequence = $2
	`, tenantID, sequence)
	if err != nil {
		return fmt.Errorf("chain: failed to delete entry: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chain: failed to check rows affected: %w", err)
	}
	if deleted == 0 {
		return fault.Newf(fault.CodeRecordNotFound, "chain entry %d not found for tenant %s", sequence, tenantID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e       Entry
		ts      string
		payload string
	)
	if err := row.Scan(&e.EntryID, &e.Sequence, &ts, &e.Algorithm, &e.PrevHash, &e.ContentHash, &payload); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("chain: failed to scan entry: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("chain: failed to parse timestamp: %w", err)
	}
	e.Timestamp = parsed
	e.Payload = json.RawMessage(payload)
	return e, nil
}
