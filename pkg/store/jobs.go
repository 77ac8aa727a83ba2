package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Lifecycle names as persisted in jobs.status.
const (
	statusQueued  = "Queued"
	statusPending = "Pending"
	statusWaiting = "Waiting"
	statusError   = "Error"
)

// JobRow represents a row in the jobs table. Empty strings are stored as NULL.
type JobRow struct {
	ID               int64
	GUID             string
	TenantID         string
	TestRunID        *int64
	TestProjectID    *int64
	Language         string
	Script           string
	Environment      map[string]string
	Status           string
	StdOut           string
	StdErr           string
	Result           string
	Format           string
	ArtifactContent  []byte
	ArtifactPatterns []string
	ArtifactHandle   string
	ErrorMessage     string
	ClaimedBy        string
	ClaimedAt        *time.Time
	Attempt          int
	CreatedAt        time.Time
	ModifiedAt       time.Time
	CreatedBy        string
	ModifiedBy       string
}

const jobColumns = `id, guid, tenant_id, test_run_id, test_project_id, language, script,
	environment, status, std_out, std_err, result, format, artifact_content,
	artifact_patterns, artifact_handle, error_message, claimed_by, claimed_at,
	attempt, created_at, modified_at, created_by, modified_by`

// InsertJob inserts a job and sets j.ID.
func InsertJob(ctx context.Context, db *sql.DB, j *JobRow) error {
	if ctx == nil {
		ctx = context.Background()
	}

	env, err := marshalEnv(j.Environment)
	if err != nil {
		return fmt.Errorf("encode environment: %w", err)
	}
	patterns, err := marshalList(j.ArtifactPatterns)
	if err != nil {
		return fmt.Errorf("encode artifact patterns: %w", err)
	}
	attempt := j.Attempt
	if attempt < 1 {
		attempt = 1
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO jobs
		 (guid, tenant_id, test_run_id, test_project_id, language, script,
		  environment, status, std_out, std_err, result, format, artifact_content,
		  artifact_patterns, artifact_handle, error_message, claimed_by, claimed_at,
		  attempt, created_at, modified_at, created_by, modified_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.GUID, j.TenantID, nullInt64(j.TestRunID), nullInt64(j.TestProjectID),
		nullString(j.Language), nullString(j.Script), env, j.Status,
		nullString(j.StdOut), nullString(j.StdErr), nullString(j.Result), nullString(j.Format),
		blob(j.ArtifactContent), patterns, nullString(j.ArtifactHandle), nullString(j.ErrorMessage),
		nullString(j.ClaimedBy), formatOptionalDBTime(j.ClaimedAt), attempt,
		formatDBTime(j.CreatedAt), formatDBTime(j.ModifiedAt), j.CreatedBy, j.ModifiedBy)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read job id: %w", err)
	}
	j.ID = id
	j.Attempt = attempt
	return nil
}

// GetJobByGUID retrieves a job by its external token.
func GetJobByGUID(ctx context.Context, db *sql.DB, guid string) (*JobRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := scanJob(db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE guid = ?`, guid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJob retrieves a job by storage id.
func GetJob(ctx context.Context, db *sql.DB, id int64) (*JobRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := scanJob(db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// JobFilter selects jobs for ListJobs. Zero values do not filter.
type JobFilter struct {
	TenantID string
	Status   string
	Limit    int
}

// ListJobs returns jobs newest first.
func ListJobs(ctx context.Context, db *sql.DB, f JobFilter) ([]JobRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryJobs(ctx, db, query, args...)
}

// ClaimQuery describes the runner a job is being matched for.
type ClaimQuery struct {
	TenantID string
	// ProjectID nil matches only jobs without a project; otherwise only
	// jobs of that project.
	ProjectID *int64
	// Languages are compared case-insensitively. Jobs without a language
	// always match so the coordinator can fail them explicitly.
	Languages []string
}

// FindClaimableJob returns the lowest-id queued job matching q.
func FindClaimableJob(ctx context.Context, db *sql.DB, q ClaimQuery) (*JobRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? AND tenant_id = ?`
	args := []any{statusQueued, q.TenantID}
	if q.ProjectID == nil {
		query += ` AND test_project_id IS NULL`
	} else {
		query += ` AND test_project_id = ?`
		args = append(args, *q.ProjectID)
	}

	langs := make([]string, 0, len(q.Languages))
	for _, l := range q.Languages {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			langs = append(langs, l)
		}
	}
	if len(langs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(langs)), ", ")
		query += ` AND (language IS NULL OR language = '' OR lower(language) IN (` + placeholders + `))`
		for _, l := range langs {
			args = append(args, l)
		}
	} else {
		query += ` AND (language IS NULL OR language = '')`
	}
	query += ` ORDER BY id ASC LIMIT 1`

	j, err := scanJob(db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find claimable job: %w", err)
	}
	return j, nil
}

// MarkJobClaimed moves a queued job to Pending. It reports false when the
// job is no longer queued.
func MarkJobClaimed(ctx context.Context, db *sql.DB, id int64, runnerID, actor string, at time.Time) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claimed_by = ?, claimed_at = ?, modified_at = ?, modified_by = ?
		 WHERE id = ? AND status = ?`,
		statusPending, nullString(runnerID), formatDBTime(at), formatDBTime(at), actor, id, statusQueued)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows: %w", err)
	}
	return n == 1, nil
}

// UpdateJob writes the reported fields of j: status, outputs, error and
// audit fields. Claim fields and the artifact handle have their own writers
// and are left alone.
func UpdateJob(ctx context.Context, db *sql.DB, j *JobRow) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, std_out = ?, std_err = ?, result = ?, format = ?,
		   artifact_content = ?, error_message = ?, modified_at = ?, modified_by = ?
		 WHERE id = ?`,
		j.Status, nullString(j.StdOut), nullString(j.StdErr), nullString(j.Result), nullString(j.Format),
		blob(j.ArtifactContent), nullString(j.ErrorMessage), formatDBTime(j.ModifiedAt), j.ModifiedBy,
		j.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return expectOne(res, "update job", j.ID)
}

// SetArtifactHandle records the blob key of an uploaded archive. No other
// column is touched.
func SetArtifactHandle(ctx context.Context, db *sql.DB, id int64, handle, actor string, at time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET artifact_handle = ?, modified_at = ?, modified_by = ? WHERE id = ?`,
		nullString(handle), formatDBTime(at), actor, id)
	if err != nil {
		return fmt.Errorf("set artifact handle: %w", err)
	}
	return expectOne(res, "set artifact handle", id)
}

func expectOne(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: id %d not found", op, id)
	}
	return nil
}

// ListStaleClaims returns Pending and Waiting jobs claimed before cutoff.
func ListStaleClaims(ctx context.Context, db *sql.DB, cutoff time.Time) ([]JobRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return queryJobs(ctx, db,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?) AND claimed_at IS NOT NULL AND claimed_at < ?
		 ORDER BY id ASC`,
		statusPending, statusWaiting, formatDBTime(cutoff))
}

// ExpireClaim moves a stale Pending or Waiting job to Error. It reports
// false when the job progressed since it was read.
func ExpireClaim(ctx context.Context, db *sql.DB, j JobRow, message, actor string, at time.Time) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if j.ClaimedAt == nil {
		return false, nil
	}

	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, modified_at = ?, modified_by = ?
		 WHERE id = ? AND status = ? AND claimed_at = ?`,
		statusError, message, formatDBTime(at), actor, j.ID, j.Status, formatDBTime(*j.ClaimedAt))
	if err != nil {
		return false, fmt.Errorf("expire claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire claim rows: %w", err)
	}
	return n == 1, nil
}

// CountJobsByStatus returns job counts keyed by status. An empty tenant
// counts every tenant.
func CountJobsByStatus(ctx context.Context, db *sql.DB, tenantID string) (map[string]int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT status, COUNT(*) FROM jobs`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

func queryJobs(ctx context.Context, db *sql.DB, query string, args ...any) ([]JobRow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanJob(s rowScanner) (*JobRow, error) {
	var (
		j                                   JobRow
		testRunID, testProjectID            sql.NullInt64
		language, script, env               sql.NullString
		stdOut, stdErr, result, format      sql.NullString
		patterns, handle, errMsg, claimedBy sql.NullString
		artifact                            []byte
		claimedRaw, createdRaw, modifiedRaw any
	)
	if err := s.Scan(&j.ID, &j.GUID, &j.TenantID, &testRunID, &testProjectID, &language, &script,
		&env, &j.Status, &stdOut, &stdErr, &result, &format, &artifact,
		&patterns, &handle, &errMsg, &claimedBy, &claimedRaw,
		&j.Attempt, &createdRaw, &modifiedRaw, &j.CreatedBy, &j.ModifiedBy); err != nil {
		return nil, err
	}

	j.TestRunID = int64Ptr(testRunID)
	j.TestProjectID = int64Ptr(testProjectID)
	j.Language = language.String
	j.Script = script.String
	j.StdOut = stdOut.String
	j.StdErr = stdErr.String
	j.Result = result.String
	j.Format = format.String
	j.ArtifactHandle = handle.String
	j.ErrorMessage = errMsg.String
	j.ClaimedBy = claimedBy.String
	if len(artifact) > 0 {
		j.ArtifactContent = artifact
	}

	var err error
	if j.Environment, err = unmarshalEnv(env.String); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if j.ArtifactPatterns, err = unmarshalList(patterns.String); err != nil {
		return nil, fmt.Errorf("parse artifact_patterns: %w", err)
	}
	if j.ClaimedAt, err = parseOptionalDBTime(claimedRaw); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	if j.CreatedAt, err = parseDBTimeValue(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.ModifiedAt, err = parseDBTimeValue(modifiedRaw); err != nil {
		return nil, fmt.Errorf("parse modified_at: %w", err)
	}
	return &j, nil
}

func marshalEnv(env map[string]string) (sql.NullString, error) {
	if len(env) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalEnv(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func blob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
