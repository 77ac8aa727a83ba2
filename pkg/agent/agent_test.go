package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/api"
)

type fakeServer struct {
	mu        sync.Mutex
	jobs      []api.JobAssignment
	registers int
	reports   []api.StatusUpdate
	uploads   map[string][]byte
	pollErr   error
	reportErr error
}

func (f *fakeServer) Register(_ context.Context, runnerID string, reg api.RunnerRegistration) (*api.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	return &api.Runner{ID: runnerID, TenantID: "acme", Languages: reg.Languages, Dispatchable: len(reg.Languages) > 0}, nil
}

func (f *fakeServer) Poll(context.Context, string) (*api.JobAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.jobs) == 0 {
		return nil, nil
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return &j, nil
}

func (f *fakeServer) ReportStatus(_ context.Context, _, _ string, u api.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return f.reportErr
	}
	f.reports = append(f.reports, u)
	return nil
}

func (f *fakeServer) UploadArtifact(_ context.Context, _, guid, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string][]byte)
	}
	f.uploads[guid+"/"+filename] = data
	return nil
}

func (f *fakeServer) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r.Status)
	}
	return out
}

func newTestAgent(t *testing.T, srv Server, langs ...string) *Agent {
	t.Helper()
	a, err := New(srv, newTestExecutor(t), Config{
		RunnerID:     "r1",
		Languages:    langs,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return a
}

func TestNew_FiltersLanguages(t *testing.T) {
	a := newTestAgent(t, &fakeServer{}, "SH", "cobol", "", "python")
	assert.Equal(t, []string{"sh", "python"}, a.registration().Languages)
	assert.Equal(t, "r1", a.registration().Name)

	_, err := New(&fakeServer{}, newTestExecutor(t), Config{}, nil)
	assert.Error(t, err)
}

func TestAgent_HandleSuccess(t *testing.T) {
	requireSh(t)
	srv := &fakeServer{}
	a := newTestAgent(t, srv, "sh")

	a.Handle(context.Background(), api.JobAssignment{
		GUID:             "g1",
		Language:         "sh",
		Script:           `mkdir -p "$RUNNERHUB_OUTPUT_DIR" && echo '<testsuites/>' > "$RUNNERHUB_OUTPUT_DIR/r.xml" && echo done`,
		ArtifactPatterns: []string{"*.xml"},
	})

	assert.Equal(t, []string{"Waiting", "Running", "Completed"}, srv.statuses())
	final := srv.reports[2]
	require.NotNil(t, final.StdOut)
	assert.Equal(t, "done\n", *final.StdOut)
	assert.Nil(t, final.ErrorMessage)
	assert.Contains(t, srv.uploads, "g1/"+ArtifactFilename)
}

func TestAgent_HandleFailure(t *testing.T) {
	requireSh(t)
	srv := &fakeServer{}
	a := newTestAgent(t, srv, "sh")

	a.Handle(context.Background(), api.JobAssignment{GUID: "g2", Language: "sh", Script: "exit 1"})

	assert.Equal(t, []string{"Waiting", "Running", "Error"}, srv.statuses())
	require.NotNil(t, srv.reports[2].ErrorMessage)
	assert.Contains(t, *srv.reports[2].ErrorMessage, "script failed")
	assert.Empty(t, srv.uploads)
}

func TestAgent_HandleUnsupportedLanguage(t *testing.T) {
	srv := &fakeServer{}
	a := newTestAgent(t, srv, "sh")

	a.Handle(context.Background(), api.JobAssignment{GUID: "g3", Language: "cobol", Script: "x"})

	assert.Equal(t, []string{"Error"}, srv.statuses())
	rec, err := a.exec.Store().Get("g3")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, rec.State)
}

func TestAgent_HandleStopsWhenReportRejected(t *testing.T) {
	srv := &fakeServer{reportErr: &APIError{StatusCode: 404}}
	a := newTestAgent(t, srv, "sh")

	a.Handle(context.Background(), api.JobAssignment{GUID: "g4", Language: "sh", Script: "true"})

	_, err := a.exec.Store().Get("g4")
	assert.Error(t, err, "job must not run after Waiting was rejected")
}

func TestAgent_RunOnce(t *testing.T) {
	requireSh(t)
	srv := &fakeServer{jobs: []api.JobAssignment{{GUID: "g5", Language: "sh", Script: "true"}}}
	a := newTestAgent(t, srv, "sh")

	handled, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)

	srv.pollErr = errors.New("down")
	_, err = a.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestAgent_RunUntilCancelled(t *testing.T) {
	requireSh(t)
	srv := &fakeServer{jobs: []api.JobAssignment{{GUID: "g6", Language: "sh", Script: "true"}}}
	a := newTestAgent(t, srv, "sh")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := srv.statuses()
		return len(s) == 3 && s[2] == "Completed"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
	srv.mu.Lock()
	assert.GreaterOrEqual(t, srv.registers, 1)
	srv.mu.Unlock()
}
