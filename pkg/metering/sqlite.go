package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore implements Store on database/sql. Ingestion is one transaction
// covering the event insert and both bucket upserts; a duplicate event id
// aborts the insert and the whole transaction quietly no-ops.
type SQLStore struct {
	db *sql.DB
}

const meteringSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	type TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	occurred_at TEXT NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS usage_events_tenant ON usage_events (tenant_id, occurred_at);
CREATE TABLE IF NOT EXISTS usage_aggregates (
	tenant_id TEXT NOT NULL,
	bucket TEXT NOT NULL,
	type TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, bucket, type)
);
`

// occurredAtFormat is fixed width (nanoseconds always printed, UTC
// only) so lexicographic comparison of occurred_at matches
// chronological order.
const occurredAtFormat = "2006-01-02T15:04:05.000000000Z"

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

// OpenSQLiteStore opens (or creates) a SQLite-backed store at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metering: failed to open sqlite db: %w", err)
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
	if _, err := s.db.ExecContext(ctx, meteringSchema); err != nil {
		return fmt.Errorf("metering: failed to init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Record(ctx context.Context, e Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	var metadata sql.NullString
	if e.Metadata != nil {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("metering: failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, type, quantity, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.TenantID, e.Type, e.Quantity, e.OccurredAt.UTC().Format(occurredAtFormat), metadata)
	if err != nil {
		return fmt.Errorf("metering: failed to insert event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metering: failed to check rows affected: %w", err)
	}
	if inserted == 0 {
		// Duplicate event id: already counted.
		return nil
	}

	for _, bucket := range []string{DailyBucket(e.OccurredAt), MonthlyBucket(e.OccurredAt)} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_aggregates (tenant_id, bucket, type, quantity)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, bucket, type) DO UPDATE SET quantity = quantity + $4
		`, e.TenantID, bucket, e.Type, e.Quantity); err != nil {
			return fmt.Errorf("metering: failed to update aggregate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metering: failed to commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Events(ctx context.Context, tenantID string, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, type, quantity, occurred_at, metadata
		FROM usage_events WHERE tenant_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at ASC
	`, tenantID, since.UTC().Format(occurredAtFormat))
	if err != nil {
		return nil, fmt.Errorf("metering: failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var occurredAt string
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Type, &e.Quantity, &occurredAt, &metadata); err != nil {
			return nil, fmt.Errorf("metering: failed to scan event: %w", err)
		}
		if e.OccurredAt, err = time.Parse(occurredAtFormat, occurredAt); err != nil {
			return nil, fmt.Errorf("metering: bad occurred_at %q: %w", occurredAt, err)
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("metering: bad metadata payload: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metering: failed to iterate events: %w", err)
	}
	return events, nil
}

func (s *SQLStore) Aggregate(ctx context.Context, tenantID, bucket string) (Aggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, quantity FROM usage_aggregates WHERE tenant_id = $1 AND bucket = $2
	`, tenantID, bucket)
	if err != nil {
		return Aggregate{}, fmt.Errorf("metering: failed to read aggregate: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agg := Aggregate{TenantID: tenantID, Bucket: bucket, Counters: make(map[string]int64)}
	for rows.Next() {
		var eventType string
		var quantity int64
		if err := rows.Scan(&eventType, &quantity); err != nil {
			return Aggregate{}, fmt.Errorf("metering: failed to scan aggregate: %w", err)
		}
		agg.Counters[eventType] = quantity
	}
	if err := rows.Err(); err != nil {
		return Aggregate{}, fmt.Errorf("metering: failed to iterate aggregate: %w", err)
	}
	return agg, nil
}
