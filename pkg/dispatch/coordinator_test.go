package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/jobs"
	"github.com/3leaps/runnerhub/pkg/lock"
	"github.com/3leaps/runnerhub/pkg/store"
)

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	expired  int
}

func (m *recordingMetrics) ObserveClaim(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

func (m *recordingMetrics) ObserveExpired(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired += n
}

func (m *recordingMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

func newQueue(t *testing.T) *jobs.Queue {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))
	return jobs.NewQueue(db, jobs.Config{}, nil)
}

func enqueue(t *testing.T, q *jobs.Queue, tenant, language string, project *int64) *jobs.Job {
	t.Helper()
	j := &jobs.Job{TenantID: tenant, Language: language, TestProjectID: project, Script: "true"}
	require.NoError(t, q.Enqueue(context.Background(), j, "admin"))
	return j
}

func ptr(v int64) *int64 { return &v }

func TestClaimNext_AtMostOnce(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("127.0.0.1:%s", srv.Port())})
	defer func() { _ = client.Close() }()

	lockers := []struct {
		name   string
		locker lock.Locker
	}{
		{"local", lock.NewLocal()},
		{"redis", lock.NewRedis(client, lock.RedisConfig{RetryDelay: 2 * time.Millisecond, Tries: 5000}, nil)},
	}
	for _, tc := range lockers {
		t.Run(tc.name, func(t *testing.T) {
			q := newQueue(t)
			job := enqueue(t, q, "acme", "bash", nil)
			c := NewCoordinator(q, tc.locker, Config{LockTimeout: 10 * time.Second})

			const n = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				claimed []*jobs.Job
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					got, err := c.ClaimNext(context.Background(), Claim{
						TenantID:  "acme",
						Languages: []string{"bash"},
						RunnerID:  fmt.Sprintf("r%d", i),
					})
					assert.NoError(t, err)
					if got != nil {
						mu.Lock()
						claimed = append(claimed, got)
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			require.Len(t, claimed, 1)
			assert.Equal(t, job.GUID, claimed[0].GUID)
			assert.Equal(t, jobs.Pending, claimed[0].Status)

			stored, err := q.Get(context.Background(), "acme", job.GUID)
			require.NoError(t, err)
			assert.Equal(t, jobs.Pending, stored.Status)
			assert.Equal(t, claimed[0].ClaimedBy, stored.ClaimedBy)
		})
	}
}

func TestClaimNext_TenantProjectLanguage(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	c := NewCoordinator(q, lock.NewLocal(), Config{})

	other := enqueue(t, q, "globex", "bash", nil)
	scoped := enqueue(t, q, "acme", "bash", ptr(9))
	python := enqueue(t, q, "acme", "Python", nil)

	got, err := c.ClaimNext(ctx, Claim{TenantID: "acme", Languages: []string{"bash"}, RunnerID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, got, "unbound bash runner sees neither the project job nor the python job")

	got, err = c.ClaimNext(ctx, Claim{TenantID: "acme", Languages: []string{"python"}, RunnerID: "r1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, python.GUID, got.GUID, "language compare ignores case")

	got, err = c.ClaimNext(ctx, Claim{TenantID: "acme", ProjectID: ptr(9), Languages: []string{"bash"}, RunnerID: "r2"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, scoped.GUID, got.GUID)

	got, err = c.ClaimNext(ctx, Claim{TenantID: "globex", Languages: []string{"bash"}, RunnerID: "r3"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, other.GUID, got.GUID)
}

func TestClaimNext_LowestIDFirst(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	c := NewCoordinator(q, lock.NewLocal(), Config{})
	first := enqueue(t, q, "acme", "bash", nil)
	second := enqueue(t, q, "acme", "bash", nil)

	got, err := c.ClaimNext(ctx, Claim{TenantID: "acme", Languages: []string{"bash"}, RunnerID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, first.GUID, got.GUID)
	got, err = c.ClaimNext(ctx, Claim{TenantID: "acme", Languages: []string{"bash"}, RunnerID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, second.GUID, got.GUID)
	got, err = c.ClaimNext(ctx, Claim{TenantID: "acme", Languages: []string{"bash"}, RunnerID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimNext_NoLanguageJobFailed(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	m := &recordingMetrics{}
	c := NewCoordinator(q, lock.NewLocal(), Config{}, WithMetrics(m))
	bare := enqueue(t, q, "acme", "", nil)

	got, err := c.ClaimNext(ctx, Claim{TenantID: "acme", Languages: []string{"go"}, RunnerID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := q.Get(ctx, "acme", bare.GUID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Error, stored.Status)
	assert.Equal(t, NoLanguageMessage, stored.ErrorMessage)
	assert.Equal(t, "r1", stored.ClaimedBy)
	assert.Equal(t, 1, m.count(OutcomeRejected))
}

func TestClaimNext_RunnerWithoutLanguages(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	c := NewCoordinator(q, lock.NewLocal(), Config{})
	bare := enqueue(t, q, "acme", "", nil)

	got, err := c.ClaimNext(ctx, Claim{TenantID: "acme", RunnerID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := q.Get(ctx, "acme", bare.GUID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Queued, stored.Status, "non-dispatchable runners claim nothing")
}

func TestClaimNext_LockTimeoutIsNoJob(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	l := lock.NewLocal()
	m := &recordingMetrics{}
	c := NewCoordinator(q, l, Config{LockTimeout: 20 * time.Millisecond}, WithMetrics(m))
	job := enqueue(t, q, "acme", "bash", nil)

	unlock, err := l.Lock(ctx)
	require.NoError(t, err)
	got, err := c.ClaimNext(ctx, Claim{TenantID: "acme", Languages: []string{"bash"}, RunnerID: "r1"})
	unlock()
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, m.count(OutcomeLockTimeout))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	got, err = c.ClaimNext(cancelled, Claim{TenantID: "acme", Languages: []string{"bash"}, RunnerID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := q.Get(ctx, "acme", job.GUID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Queued, stored.Status)
}
