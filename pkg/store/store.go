// Package store persists runners and jobs in SQLite or libsql.
//
// Functions take a *sql.DB opened with Open and migrated with Migrate.
// Lookups return nil, nil when the row does not exist.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	driverLibsql = "libsql"
	memoryDSN    = ":memory:"
)

type Config struct {
	// Path is a database file, a file: or libsql: DSN, or ":memory:".
	Path string

	// URL is a remote libsql database such as libsql://hub.turso.io.
	URL string

	// AuthToken is added to URL as the authToken query parameter unless
	// the URL already carries one.
	AuthToken string
}

// Open opens the database described by cfg, creating local files and their
// parent directories as needed. Remote URLs need a cgo build.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	if isRemote(dsn) && !remoteSupported {
		return nil, errors.New("libsql URL requires cgo-enabled build")
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := tuneLocal(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return db, nil
}

func isRemote(dsn string) bool {
	return strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://")
}

func buildDSN(cfg Config) (string, error) {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		return withAuthToken(raw, cfg.AuthToken)
	}

	p := strings.TrimSpace(cfg.Path)
	switch {
	case p == "":
		return "", errors.New("store path or url is required")
	case p == memoryDSN, strings.HasPrefix(p, "libsql:"):
		return p, nil
	case strings.HasPrefix(p, "file:"):
		u, err := url.Parse(p)
		if err != nil {
			return "", fmt.Errorf("invalid store path: %w", err)
		}
		local := u.Path
		if local == "" {
			local = u.Opaque
		}
		return p, mkParent(strings.TrimPrefix(local, "//"))
	default:
		return "file:" + filepath.Clean(p), mkParent(p)
	}
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return dsn, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func mkParent(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if path == "" || dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- shared data directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// tuneLocal pins local databases to one connection. In-memory databases are
// per connection; files get WAL and a busy timeout.
func tuneLocal(ctx context.Context, db *sql.DB, dsn string) error {
	if dsn != memoryDSN && !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if dsn == memoryDSN {
		db.SetConnMaxLifetime(0)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		var out string
		if err := db.QueryRowContext(ctx, pragma).Scan(&out); err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}
	return nil
}
