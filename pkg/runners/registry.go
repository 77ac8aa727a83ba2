// Package runners keeps the registry of execution agents.
package runners

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/3leaps/runnerhub/pkg/store"
)

// ErrInvalidRegistration is returned for registrations missing identity.
var ErrInvalidRegistration = errors.New("invalid runner registration")

// DefaultCacheSize bounds the number of cached runners.
const DefaultCacheSize = 1024

// Runner is a registered execution agent.
type Runner struct {
	TenantID      string
	ID            string
	Name          string
	Languages     []string
	Tags          []string
	ProjectID     *int64
	PublicBaseURL string
	RegisteredAt  time.Time
	LastSeen      time.Time
}

// Dispatchable reports whether the runner can be handed jobs. Runners that
// declare no languages never match any job.
func (r *Runner) Dispatchable() bool {
	return r != nil && len(r.Languages) > 0
}

// Registration is a runner's registration or heartbeat payload.
type Registration struct {
	TenantID      string
	RunnerID      string
	Name          string
	Languages     []string
	ProjectID     *int64
	Tags          []string
	PublicBaseURL string
}

// Registry stores runners and caches lookups.
type Registry struct {
	db    *sql.DB
	cache *lru.Cache
	now   func() time.Time
}

// NewRegistry returns a Registry over a migrated store database.
func NewRegistry(db *sql.DB, cacheSize int) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create runner cache: %w", err)
	}
	return &Registry{db: db, cache: cache, now: time.Now}, nil
}

func cacheKey(tenantID, runnerID string) string {
	return tenantID + "/" + runnerID
}

// Register creates the runner or refreshes its declaration and last-seen
// time. It is idempotent.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Runner, error) {
	tenantID := strings.TrimSpace(reg.TenantID)
	runnerID := strings.TrimSpace(reg.RunnerID)
	if tenantID == "" || runnerID == "" {
		return nil, fmt.Errorf("%w: tenant and runner id are required", ErrInvalidRegistration)
	}

	row := store.RunnerRow{
		TenantID:      tenantID,
		RunnerID:      runnerID,
		Name:          strings.TrimSpace(reg.Name),
		Languages:     normalizeSet(reg.Languages),
		Tags:          normalizeSet(reg.Tags),
		ProjectID:     reg.ProjectID,
		PublicBaseURL: strings.TrimSpace(reg.PublicBaseURL),
		LastSeen:      r.now().UTC(),
	}
	if err := store.UpsertRunner(ctx, r.db, row); err != nil {
		return nil, err
	}

	// Re-read so RegisteredAt reflects the first registration.
	stored, err := store.GetRunner(ctx, r.db, tenantID, runnerID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("runner %s vanished after upsert", cacheKey(tenantID, runnerID))
	}
	runner := fromRow(stored)
	r.cache.Add(cacheKey(tenantID, runnerID), runner)
	return copyRunner(runner), nil
}

// GetByID returns the runner, or nil when it was never registered.
func (r *Registry) GetByID(ctx context.Context, tenantID, runnerID string) (*Runner, error) {
	key := cacheKey(tenantID, runnerID)
	if v, ok := r.cache.Get(key); ok {
		return copyRunner(v.(*Runner)), nil
	}
	row, err := store.GetRunner(ctx, r.db, tenantID, runnerID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	runner := fromRow(row)
	r.cache.Add(key, runner)
	return copyRunner(runner), nil
}

// List returns the tenant's runners. An empty tenant lists all runners.
func (r *Registry) List(ctx context.Context, tenantID string) ([]Runner, error) {
	rows, err := store.ListRunners(ctx, r.db, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Runner, 0, len(rows))
	for i := range rows {
		out = append(out, *fromRow(&rows[i]))
	}
	return out, nil
}

// Forget drops a cached entry so the next lookup reads the store.
func (r *Registry) Forget(tenantID, runnerID string) {
	r.cache.Remove(cacheKey(tenantID, runnerID))
}

func fromRow(row *store.RunnerRow) *Runner {
	return &Runner{
		TenantID:      row.TenantID,
		ID:            row.RunnerID,
		Name:          row.Name,
		Languages:     row.Languages,
		Tags:          row.Tags,
		ProjectID:     row.ProjectID,
		PublicBaseURL: row.PublicBaseURL,
		RegisteredAt:  row.RegisteredAt,
		LastSeen:      row.LastSeen,
	}
}

func copyRunner(in *Runner) *Runner {
	out := *in
	out.Languages = append([]string(nil), in.Languages...)
	out.Tags = append([]string(nil), in.Tags...)
	if in.ProjectID != nil {
		p := *in.ProjectID
		out.ProjectID = &p
	}
	return &out
}

// normalizeSet trims, lower-cases, de-duplicates and sorts values.
func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
