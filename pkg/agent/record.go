package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// State is the local lifecycle state of a job executed by this runner.
//
// Values are persisted in job.json.
type State string

const (
	StateReceived  State = "received"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateRejected  State = "rejected"
	StateUnknown   State = "unknown"
)

// Record is the local copy of an executed job, written to job.json.
type Record struct {
	GUID      string   `json:"guid"`
	Language  string   `json:"language,omitempty"`
	State     State    `json:"state"`
	TestRunID *int64   `json:"test_run_id,omitempty"`
	Attempt   int      `json:"attempt,omitempty"`
	Patterns  []string `json:"artifact_patterns,omitempty"`
	PID       int      `json:"pid,omitempty"`
	ExitCode  *int     `json:"exit_code,omitempty"`
	Error     string   `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	WorkDir      string `json:"work_dir,omitempty"`
	StdoutPath   string `json:"stdout_path,omitempty"`
	StderrPath   string `json:"stderr_path,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
}

// RecordStore keeps job records on disk:
//
//	<root>/<guid>/job.json
//	<root>/<guid>/stdout.log
//	<root>/<guid>/stderr.log
//	<root>/<guid>/work/
type RecordStore struct {
	root string
}

func NewRecordStore(root string) *RecordStore {
	return &RecordStore{root: strings.TrimSpace(root)}
}

func (s *RecordStore) Root() string {
	return s.root
}

func (s *RecordStore) Dir(guid string) string {
	return filepath.Join(s.root, guid)
}

func (s *RecordStore) Path(guid string) string {
	return filepath.Join(s.Dir(guid), "job.json")
}

func validGUID(guid string) error {
	switch {
	case guid == "":
		return fmt.Errorf("job guid is required")
	case guid == "." || guid == ".." || strings.ContainsAny(guid, `/\`):
		return fmt.Errorf("invalid job guid %q", guid)
	}
	return nil
}

// Write replaces job.json atomically.
func (s *RecordStore) Write(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	guid := strings.TrimSpace(rec.GUID)
	if err := validGUID(guid); err != nil {
		return err
	}
	if s.root == "" {
		return fmt.Errorf("agent data dir is empty")
	}
	dir := s.Dir(guid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(guid)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads a record. A record left running by a process that no longer
// exists is rewritten as unknown.
func (s *RecordStore) Get(guid string) (*Record, error) {
	guid = strings.TrimSpace(guid)
	if err := validGUID(guid); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path(guid))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, fmt.Errorf("job.json is empty")
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	if rec.State == StateRunning && rec.PID > 0 && !processAlive(rec.PID) {
		rec.State = StateUnknown
		now := time.Now().UTC()
		rec.EndedAt = &now
		_ = s.Write(&rec)
	}
	return &rec, nil
}

// List returns every readable record, newest first.
func (s *RecordStore) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agent data dir: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})
	return out, nil
}

func sortTime(r Record) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return p.Signal(syscall.Signal(0)) == nil
}
