package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/metering"
)

// PostgresStore persists tenants in Postgres. Plan limits and settings
// are stored as JSON columns so the schema does not chase plan shape
// changes.
type PostgresStore struct {
	db *sql.DB
}

const tenantSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	org_login TEXT NOT NULL,
	display_name TEXT NOT NULL,
	installation_id BIGINT NOT NULL,
	installed_by TEXT NOT NULL,
	plan TEXT NOT NULL,
	plan_limits TEXT NOT NULL,
	status TEXT NOT NULL,
	runs_this_month BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	settings TEXT
);
`

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// OpenPostgresStore connects with a lib/pq DSN and ensures the schema.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tenant: failed to open postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the schema if missing.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, tenantSchema); err != nil {
		return fmt.Errorf("tenant: failed to init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

const tenantColumns = `id, org_id, org_login, display_name, installation_id, installed_by,
	plan, plan_limits, status, runs_this_month, created_at, updated_at, settings`

func (s *PostgresStore) Create(ctx context.Context, t Tenant) error {
	limits, settings, err := encodeTenantJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, t.ID, t.OrgID, t.OrgLogin, t.DisplayName, t.InstallationID, t.InstalledBy,
		t.Plan, limits, string(t.Status), t.RunsThisMonth,
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano), settings)
	if err != nil {
		return fmt.Errorf("tenant: failed to insert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1
	`, id)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return Tenant{}, fault.Newf(fault.CodeTenantNotFound, "tenant %s not found", id)
	}
	return t, err
}

func (s *PostgresStore) Update(ctx context.Context, t Tenant) error {
	limits, settings, err := encodeTenantJSON(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET
			org_id = $2, org_login = $3, display_name = $4, installation_id = $5,
			installed_by = $6, plan = $7, plan_limits = $8, status = $9,
			runs_this_month = $10, updated_at = $11, settings = $12
		WHERE id = $1
	`, t.ID, t.OrgID, t.OrgLogin, t.DisplayName, t.InstallationID, t.InstalledBy,
		t.Plan, limits, string(t.Status), t.RunsThisMonth,
		t.UpdatedAt.UTC().Format(time.RFC3339Nano), settings)
	if err != nil {
		return fmt.Errorf("tenant: failed to update tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tenant: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fault.Newf(fault.CodeTenantNotFound, "tenant %s not found", t.ID)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("tenant: failed to query tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenant: failed to iterate tenants: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("tenant: failed to delete tenant: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tenant: failed to check rows affected: %w", err)
	}
	if deleted == 0 {
		return fault.Newf(fault.CodeTenantNotFound, "tenant %s not found", id)
	}
	return nil
}

func encodeTenantJSON(t Tenant) (limits string, settings sql.NullString, err error) {
	lb, err := json.Marshal(t.PlanLimits)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("tenant: failed to marshal plan limits: %w", err)
	}
	if t.Settings != nil {
		sb, err := json.Marshal(t.Settings)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("tenant: failed to marshal settings: %w", err)
		}
		settings = sql.NullString{String: string(sb), Valid: true}
	}
	return string(lb), settings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (Tenant, error) {
	var (
		t                    Tenant
		status               string
		limits               string
		settings             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.OrgID, &t.OrgLogin, &t.DisplayName, &t.InstallationID, &t.InstalledBy,
		&t.Plan, &limits, &status, &t.RunsThisMonth, &createdAt, &updatedAt, &settings)
	if err != nil {
		if err == sql.ErrNoRows {
			return Tenant{}, err
		}
		return Tenant{}, fmt.Errorf("tenant: failed to scan tenant: %w", err)
	}
	t.Status = Status(status)
	var pl metering.Limits
	if err := json.Unmarshal([]byte(limits), &pl); err != nil {
		return Tenant{}, fmt.Errorf("tenant: failed to parse plan limits: %w", err)
	}
	t.PlanLimits = pl
	if settings.Valid {
		if err := json.Unmarshal([]byte(settings.String), &t.Settings); err != nil {
			return Tenant{}, fmt.Errorf("tenant: failed to parse settings: %w", err)
		}
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Tenant{}, fmt.Errorf("tenant: failed to parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Tenant{}, fmt.Errorf("tenant: failed to parse updated_at: %w", err)
	}
	return t, nil
}
