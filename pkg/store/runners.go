package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RunnerRow represents a row in the runners table.
type RunnerRow struct {
	TenantID      string
	RunnerID      string
	Name          string
	Languages     []string
	Tags          []string
	ProjectID     *int64
	PublicBaseURL string
	RegisteredAt  time.Time
	LastSeen      time.Time
}

// UpsertRunner inserts a runner or refreshes its declared capabilities and
// last_seen. registered_at is kept from the first insert.
func UpsertRunner(ctx context.Context, db *sql.DB, r RunnerRow) error {
	if ctx == nil {
		ctx = context.Background()
	}

	languages, err := marshalList(r.Languages)
	if err != nil {
		return fmt.Errorf("encode languages: %w", err)
	}
	tags, err := marshalList(r.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	registeredAt := r.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = r.LastSeen
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO runners
		 (tenant_id, runner_id, name, languages, tags, project_id,
		  public_base_url, registered_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, runner_id) DO UPDATE SET
		   name = excluded.name,
		   languages = excluded.languages,
		   tags = excluded.tags,
		   project_id = excluded.project_id,
		   public_base_url = excluded.public_base_url,
		   last_seen = excluded.last_seen`,
		r.TenantID, r.RunnerID, nullString(r.Name), languages, tags, nullInt64(r.ProjectID),
		nullString(r.PublicBaseURL), formatDBTime(registeredAt), formatDBTime(r.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

const runnerColumns = `tenant_id, runner_id, name, languages, tags, project_id,
	public_base_url, registered_at, last_seen`

// GetRunner retrieves a runner by tenant and id.
func GetRunner(ctx context.Context, db *sql.DB, tenantID, runnerID string) (*RunnerRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE tenant_id = ? AND runner_id = ?`,
		tenantID, runnerID)
	r, err := scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return r, nil
}

// ListRunners returns a tenant's runners ordered by id. An empty tenant
// lists every tenant.
func ListRunners(ctx context.Context, db *sql.DB, tenantID string) ([]RunnerRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + runnerColumns + ` FROM runners`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY tenant_id, runner_id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunnerRow
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunner(s rowScanner) (*RunnerRow, error) {
	var (
		r                      RunnerRow
		name, baseURL          sql.NullString
		languages, tags        string
		projectID              sql.NullInt64
		registeredRaw, seenRaw any
	)
	if err := s.Scan(&r.TenantID, &r.RunnerID, &name, &languages, &tags, &projectID,
		&baseURL, &registeredRaw, &seenRaw); err != nil {
		return nil, err
	}
	r.Name = name.String
	r.PublicBaseURL = baseURL.String
	r.ProjectID = int64Ptr(projectID)

	var err error
	if r.Languages, err = unmarshalList(languages); err != nil {
		return nil, fmt.Errorf("parse languages: %w", err)
	}
	if r.Tags, err = unmarshalList(tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	if r.RegisteredAt, err = parseDBTimeValue(registeredRaw); err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	if r.LastSeen, err = parseDBTimeValue(seenRaw); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	return &r, nil
}

func marshalList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
