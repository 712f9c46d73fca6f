package runindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// SQLIndex implements Index on database/sql. It works with SQLite and
// Postgres; timestamps are stored as fixed-width UTC strings so string
// ordering is chronological and portable across drivers.
type SQLIndex struct {
	db *sql.DB
}

// timeFormat always prints nanoseconds so updated_at sorts correctly
// as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const indexSchema = `
CREATE TABLE IF NOT EXISTS run_index (
	run_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	repo TEXT NOT NULL,
	state TEXT NOT NULL,
	initiator TEXT,
	pr_url TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS run_index_updated_at ON run_index (updated_at DESC);
`

// NewSQLIndex wraps an open database handle.
func NewSQLIndex(db *sql.DB) *SQLIndex {
	return &SQLIndex{db: db}
}

// OpenSQLiteIndex opens (or creates) a SQLite-backed index at path.
func OpenSQLiteIndex(ctx context.Context, path string) (*SQLIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runindex: failed to open sqlite db: %w", err)
	}
	idx := NewSQLIndex(db)
	if err := idx.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// Init creates the schema if missing.
func (s *SQLIndex) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, indexSchema); err != nil {
		return fmt.Errorf("runindex: failed to init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLIndex) Close() error { return s.db.Close() }

func (s *SQLIndex) Put(ctx context.Context, entry Entry) error {
	if entry.RunID == "" {
		return fault.Newf(fault.CodeInvalidInput, "index entry requires a run id")
	}
	query := `
		INSERT INTO run_index (run_id, tenant_id, repo, state, initiator, pr_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			tenant_id = $2, repo = $3, state = $4, initiator = $5,
			pr_url = $6, created_at = $7, updated_at = $8
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.RunID, entry.TenantID, entry.Repo, entry.State, entry.Initiator, entry.PRURL,
		entry.CreatedAt.UTC().Format(timeFormat),
		entry.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("runindex: failed to upsert %s: %w", entry.RunID, err)
	}
	return nil
}

func (s *SQLIndex) Get(ctx context.Context, runID string) (Entry, error) {
	query := `SELECT run_id, tenant_id, repo, state, initiator, pr_url, created_at, updated_at
		FROM run_index WHERE run_id = $1`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fault.Newf(fault.CodeRunNotFound, "run %s not in index", runID)
		}
		return Entry{}, fmt.Errorf("runindex: failed to get %s: %w", runID, err)
	}
	return e, nil
}

func (s *SQLIndex) List(ctx context.Context, f Filter) ([]Entry, error) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("repo", f.Repo)
	add("state", f.State)
	add("tenant_id", f.TenantID)

	query := `SELECT run_id, tenant_id, repo, state, initiator, pr_url, created_at, updated_at FROM run_index`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, run_id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("runindex: failed to list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("runindex: failed to scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runindex: failed to iterate rows: %w", err)
	}
	return entries, nil
}

func (s *SQLIndex) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_index WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("runindex: failed to delete %s: %w", runID, err)
	}
	return nil
}

func (s *SQLIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("runindex: failed to count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var initiator, prURL sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&e.RunID, &e.TenantID, &e.Repo, &e.State, &initiator, &prURL, &createdAt, &updatedAt); err != nil {
		return Entry{}, err
	}
	e.Initiator = initiator.String
	e.PRURL = prURL.String
	var err error
	if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Entry{}, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if e.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Entry{}, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	return e, nil
}
