package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// SQLStore implements Store on database/sql. The atomicity of CheckAndSet
// comes from a transaction plus the primary-key constraint: two racers both
// miss the read, one insert wins, the loser re-reads inside its retry.
type SQLStore struct {
	db     *sql.DB
	bounds TTLBounds
	now    func() time.Time
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	key_hash TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	run_id TEXT,
	result TEXT,
	payload_hash TEXT,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_expires_at ON idempotency_records (expires_at);
`

// timeFormat is fixed width (nanoseconds always printed, UTC only) so
// lexicographic comparison of expires_at matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, bounds: DefaultTTLBounds(), now: time.Now}
}

// WithTTLBounds overrides the TTL clamp range, typically from the
// runtime configuration.
func (s *SQLStore) WithTTLBounds(b TTLBounds) *SQLStore {
	s.bounds = b
	return s
}

// OpenSQLiteStore opens (or creates) a SQLite-backed store at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("idempotency: failed to open sqlite db: %w", err)
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
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("idempotency: failed to init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) CheckAndSet(ctx context.Context, key, tenantID string, ttlSeconds int, payloadHash string) (CheckResult, error) {
	if key == "" {
		return CheckResult{}, fault.Newf(fault.CodeInvalidInput, "idempotency key must not be empty")
	}
	keyHash := HashKey(key)
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency: failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanRecord(tx.QueryRowContext(ctx, selectByHash, keyHash))
	switch {
	case err == nil && !existing.Expired(now):
		if payloadHash != "" && payloadHash != existing.PayloadHash {
			return CheckResult{}, collisionErr(key)
		}
		return CheckResult{IsNew: false, Record: existing}, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return CheckResult{}, fmt.Errorf("idempotency: failed to read record: %w", err)
	}

	rec := Record{
		KeyHash:     keyHash,
		Key:         key,
		TenantID:    tenantID,
		Status:      StatusPending,
		PayloadHash: payloadHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(s.bounds.Clamp(ttlSeconds)) * time.Second),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key_hash, key, tenant_id, status, payload_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key_hash) DO UPDATE SET
			key = $2, tenant_id = $3, status = $4, run_id = NULL, result = NULL,
			payload_hash = $5, created_at = $6, expires_at = $7
	`, keyHash, key, tenantID, StatusPending, payloadHash,
		rec.CreatedAt.Format(timeFormat), rec.ExpiresAt.Format(timeFormat))
	if err != nil {
		return CheckResult{}, fault.Wrap(fault.CodeContention,
			fmt.Errorf("idempotency: failed to claim key: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return CheckResult{}, fault.Wrap(fault.CodeContention,
			fmt.Errorf("idempotency: failed to commit claim: %w", err))
	}
	return CheckResult{IsNew: true, Record: rec}, nil
}

func (s *SQLStore) Complete(ctx context.Context, keyHash, runID string, result map[string]any) error {
	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("idempotency: failed to marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	return s.update(ctx, keyHash,
		`UPDATE idempotency_records SET status = $1, run_id = $2, result = $3 WHERE key_hash = $4`,
		StatusCompleted, runID, resultJSON, keyHash)
}

func (s *SQLStore) Fail(ctx context.Context, keyHash, errMsg string) error {
	var resultJSON sql.NullString
	if errMsg != "" {
		data, _ := json.Marshal(map[string]any{"error": errMsg})
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	return s.update(ctx, keyHash,
		`UPDATE idempotency_records SET status = $1, result = $2 WHERE key_hash = $3`,
		StatusFailed, resultJSON, keyHash)
}

func (s *SQLStore) update(ctx context.Context, keyHash, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("idempotency: failed to update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fault.Newf(fault.CodeRecordNotFound, "idempotency record %s not found", keyHash)
	}
	return nil
}

const selectByHash = `SELECT key_hash, key, tenant_id, status, run_id, result, payload_hash, created_at, expires_at
	FROM idempotency_records WHERE key_hash = $1`

func (s *SQLStore) Get(ctx context.Context, key string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectByHash, HashKey(key)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fault.Newf(fault.CodeRecordNotFound, "idempotency record for key %s not found", key)
		}
		return Record{}, fmt.Errorf("idempotency: failed to get record: %w", err)
	}
	if rec.Expired(s.now().UTC()) {
		return Record{}, fault.Newf(fault.CodeRecordNotFound, "idempotency record for key %s not found", key)
	}
	return rec, nil
}

func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if fault.KindOf(err) == fault.KindNotFound {
		return false, nil
	}
	return false, err
}

func (s *SQLStore) Cleanup(ctx context.Context, batch int) (int, error) {
	now := s.now().UTC().Format(timeFormat)
	query := `DELETE FROM idempotency_records WHERE expires_at <= $1`
	args := []any{now}
	if batch > 0 {
		query = `DELETE FROM idempotency_records WHERE key_hash IN (
			SELECT key_hash FROM idempotency_records WHERE expires_at <= $1 LIMIT $2)`
		args = append(args, batch)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("idempotency: failed to cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency: failed to check rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var runID, result, payloadHash sql.NullString
	var createdAt, expiresAt string
	if err := row.Scan(&rec.KeyHash, &rec.Key, &rec.TenantID, &rec.Status,
		&runID, &result, &payloadHash, &createdAt, &expiresAt); err != nil {
		return Record{}, err
	}
	rec.RunID = runID.String
	rec.PayloadHash = payloadHash.String
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return Record{}, fmt.Errorf("bad result payload: %w", err)
		}
	}
	var err error
	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Record{}, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if rec.ExpiresAt, err = time.Parse(timeFormat, expiresAt); err != nil {
		return Record{}, fmt.Errorf("bad expires_at %q: %w", expiresAt, err)
	}
	return rec, nil
}
