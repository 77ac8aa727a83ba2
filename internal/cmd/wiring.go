package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/internal/config"
	"github.com/3leaps/runnerhub/pkg/blobstore"
	filestore "github.com/3leaps/runnerhub/pkg/blobstore/file"
	s3store "github.com/3leaps/runnerhub/pkg/blobstore/s3"
	"github.com/3leaps/runnerhub/pkg/jobs"
	"github.com/3leaps/runnerhub/pkg/lock"
	"github.com/3leaps/runnerhub/pkg/store"
)

// openStore opens and migrates the job database.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, store.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, exitError(ExitUnavailable, "Failed to open job store", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, exitError(ExitUnavailable, "Failed to migrate job store", err)
	}
	return db, nil
}

func newQueue(db *sql.DB, cfg *config.Config, logger *zap.Logger) *jobs.Queue {
	return jobs.NewQueue(db, jobs.Config{
		MaxLogBytes:             cfg.Jobs.MaxLogBytes,
		DefaultArtifactPatterns: cfg.Jobs.DefaultArtifactPatterns,
	}, logger)
}

// claimLock is the configured dispatch lock plus a health probe and a
// release func for its connections.
type claimLock struct {
	kind   lock.Kind
	locker lock.Locker
	ping   func(ctx context.Context) error
	close  func()
}

func openLock(ctx context.Context, cfg config.DispatchConfig, logger *zap.Logger) (*claimLock, error) {
	kind, err := lock.ParseKind(cfg.Lock)
	if err != nil {
		return nil, exitError(ExitConfig, "Invalid dispatch lock", err)
	}
	switch kind {
	case lock.KindRedis:
		l, client, err := lock.NewRedisFromURL(cfg.RedisURL, lock.RedisConfig{
			Key:    cfg.RedisKey,
			Expiry: cfg.RedisExpiry,
		}, logger)
		if err != nil {
			return nil, exitError(ExitConfig, "Invalid redis lock settings", err)
		}
		return &claimLock{
			kind:   kind,
			locker: l,
			ping:   func(ctx context.Context) error { return pingRedis(ctx, client) },
			close:  func() { _ = client.Close() },
		}, nil
	case lock.KindPostgres:
		l, err := lock.NewPostgres(ctx, cfg.PostgresURL, lock.PostgresConfig{Key: cfg.AdvisoryKey}, logger)
		if err != nil {
			return nil, exitError(ExitUnavailable, "Failed to connect postgres lock", err)
		}
		return &claimLock{kind: kind, locker: l, ping: l.Ping, close: l.Close}, nil
	default:
		return &claimLock{kind: kind, locker: lock.NewLocal(), close: func() {}}, nil
	}
}

func pingRedis(ctx context.Context, c redis.UniversalClient) error {
	return c.Ping(ctx).Err()
}

func openBlobStore(ctx context.Context, cfg config.ArtifactsConfig) (blobstore.Store, error) {
	kind, err := blobstore.ParseKind(cfg.Provider)
	if err != nil {
		return nil, exitError(ExitConfig, "Invalid artifact provider", err)
	}
	switch kind {
	case blobstore.KindS3:
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:            cfg.S3.Bucket,
			Prefix:            cfg.S3.Prefix,
			Region:            cfg.S3.Region,
			UseInstanceRegion: cfg.S3.UseInstanceRegion,
			Endpoint:          cfg.S3.Endpoint,
			Profile:           cfg.S3.Profile,
			AccessKeyID:       cfg.S3.AccessKeyID,
			SecretAccessKey:   cfg.S3.SecretAccessKey,
			ForcePathStyle:    cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, exitError(ExitUnavailable, "Failed to open S3 artifact store", err)
		}
		return s, nil
	default:
		s, err := filestore.New(filestore.Config{BaseDir: cfg.File.Dir})
		if err != nil {
			return nil, exitError(ExitConfig, "Invalid file artifact store", err)
		}
		return s, nil
	}
}

// openOutput opens the importer's JSONL destination. "-" and "" mean stdout.
func openOutput(path string) (io.WriteCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	// #nosec G301 -- output directories use 0755 like other data dirs
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	// #nosec G302 G304 -- path comes from operator configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open importer output: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
