package agent

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/pkg/api"
	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/match"
)

// ErrUnsupportedLanguage is returned for jobs whose language has no local
// interpreter.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Environment variables set for every job script.
const (
	EnvJobGUID    = "RUNNERHUB_JOB_GUID"
	EnvTestRunID  = "RUNNERHUB_TEST_RUN_ID"
	EnvOutputDir  = "RUNNERHUB_OUTPUT_DIR"
	EnvResultFile = "RUNNERHUB_RESULT_FILE"
)

const (
	DefaultMaxLogBytes = 1 << 20
	DefaultOutputDir   = "out"

	waitDelay = 5 * time.Second
)

var interpreters = map[string][]string{
	"sh":         {"sh", "-c"},
	"bash":       {"bash", "-c"},
	"python":     {"python3", "-c"},
	"python3":    {"python3", "-c"},
	"node":       {"node", "-e"},
	"javascript": {"node", "-e"},
	"pwsh":       {"pwsh", "-NoProfile", "-Command"},
	"powershell": {"pwsh", "-NoProfile", "-Command"},
}

// Supported reports whether lang has an interpreter mapping.
func Supported(lang string) bool {
	_, ok := interpreters[strings.ToLower(strings.TrimSpace(lang))]
	return ok
}

// SupportedLanguages returns the mapped language names, sorted.
func SupportedLanguages() []string {
	out := make([]string, 0, len(interpreters))
	for k := range interpreters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Command builds the argv running script in lang.
func Command(lang, script string) ([]string, error) {
	argv, ok := interpreters[strings.ToLower(strings.TrimSpace(lang))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return append(append([]string(nil), argv...), script), nil
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// DataDir holds one directory per job.
	DataDir string

	// OutputDir is the directory, relative to the job work dir, that is
	// scanned for artifacts. Empty means DefaultOutputDir.
	OutputDir string

	// MaxLogBytes bounds the stdout and stderr sent back. The tail is kept.
	MaxLogBytes int

	Logger *zap.Logger
}

// Outcome is what one job run produced.
type Outcome struct {
	Record *Record
	Stdout string
	Stderr string

	// Result is the content of the result file, if the script wrote one.
	Result []byte
	Format formats.TestResultFormat

	// Archive is a zip of output files matching the job's artifact patterns.
	Archive []byte

	// Err describes why the script failed; nil when it exited 0.
	Err error
}

// Succeeded reports whether the script ran and exited 0.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Err == nil
}

// Executor runs job scripts as child processes.
type Executor struct {
	store       *RecordStore
	outputDir   string
	maxLogBytes int
	logger      *zap.Logger
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("agent data dir is required")
	}
	out := strings.TrimSpace(cfg.OutputDir)
	if out == "" {
		out = DefaultOutputDir
	}
	if filepath.IsAbs(out) || strings.HasPrefix(filepath.Clean(out), "..") {
		return nil, fmt.Errorf("output dir %q must be relative to the job work dir", out)
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = DefaultMaxLogBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Executor{
		store:       NewRecordStore(cfg.DataDir),
		outputDir:   out,
		maxLogBytes: cfg.MaxLogBytes,
		logger:      cfg.Logger,
	}, nil
}

func (e *Executor) Store() *RecordStore {
	return e.store
}

// Reject records a job that was not run.
func (e *Executor) Reject(job api.JobAssignment, reason error) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		GUID:      job.GUID,
		Language:  job.Language,
		State:     StateRejected,
		TestRunID: job.TestRunID,
		Attempt:   job.Attempt,
		Error:     reason.Error(),
		CreatedAt: now,
		EndedAt:   &now,
	}
	return rec, e.store.Write(rec)
}

// Run executes job and blocks until the script exits or ctx is done.
//
// A script that fails, times out or cannot start is reported through
// Outcome.Err. The returned error is reserved for local failures such as an
// unwritable data dir.
func (e *Executor) Run(ctx context.Context, job api.JobAssignment) (*Outcome, error) {
	if err := validGUID(job.GUID); err != nil {
		return nil, err
	}
	argv, err := Command(job.Language, job.Script)
	if err != nil {
		return nil, err
	}

	jobDir := e.store.Dir(job.GUID)
	workDir := filepath.Join(jobDir, "work")
	outDir := filepath.Join(workDir, e.outputDir)
	resultFile := filepath.Join(jobDir, "result")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job work dir: %w", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		GUID:       job.GUID,
		Language:   job.Language,
		State:      StateReceived,
		TestRunID:  job.TestRunID,
		Attempt:    job.Attempt,
		Patterns:   job.ArtifactPatterns,
		CreatedAt:  now,
		WorkDir:    workDir,
		StdoutPath: filepath.Join(jobDir, "stdout.log"),
		StderrPath: filepath.Join(jobDir, "stderr.log"),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}

	stdoutFile, err := os.Create(rec.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(rec.StderrPath)
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = jobEnv(job, outDir, resultFile)
	cmd.WaitDelay = waitDelay

	log := e.logger.With(zap.String("guid", job.GUID), zap.String("language", job.Language))
	out := &Outcome{Record: rec}

	if err := cmd.Start(); err != nil {
		out.Err = fmt.Errorf("start %s: %w", argv[0], err)
		e.finish(rec, StateFailed, nil, out.Err)
		log.Warn("Failed to start job", zap.Error(err))
		return out, e.store.Write(rec)
	}
	started := time.Now().UTC()
	rec.State = StateRunning
	rec.PID = cmd.Process.Pid
	rec.StartedAt = &started
	if err := e.store.Write(rec); err != nil {
		log.Warn("Failed to persist running job record", zap.Error(err))
	}
	log.Info("Started job", zap.Int("pid", rec.PID))

	waitErr := cmd.Wait()
	var exitCode *int
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		exitCode = &code
	}
	switch {
	case waitErr == nil:
		e.finish(rec, StateCompleted, exitCode, nil)
	case ctx.Err() != nil:
		out.Err = fmt.Errorf("job aborted: %w", context.Cause(ctx))
		e.finish(rec, StateFailed, exitCode, out.Err)
	default:
		out.Err = fmt.Errorf("script failed: %w", waitErr)
		e.finish(rec, StateFailed, exitCode, out.Err)
	}

	// Log files keep the raw bytes; reports go out without terminal escapes.
	out.Stdout = stripansi.Strip(readTail(rec.StdoutPath, e.maxLogBytes))
	out.Stderr = stripansi.Strip(readTail(rec.StderrPath, e.maxLogBytes))

	if data, err := os.ReadFile(resultFile); err == nil && len(bytes.TrimSpace(data)) > 0 {
		out.Result = data
		out.Format = formats.Sniff(data)
	}

	if len(job.ArtifactPatterns) > 0 {
		archive, n, err := zipMatches(outDir, job.ArtifactPatterns)
		switch {
		case err != nil:
			log.Warn("Failed to archive job output", zap.Error(err))
		case n > 0:
			out.Archive = archive
			rec.ArtifactPath = filepath.Join(jobDir, "artifacts.zip")
			if err := os.WriteFile(rec.ArtifactPath, archive, 0o644); err != nil {
				log.Warn("Failed to keep local artifact copy", zap.Error(err))
				rec.ArtifactPath = ""
			}
		}
	}

	log.Info("Finished job",
		zap.String("state", string(rec.State)),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("archive_bytes", len(out.Archive)))
	return out, e.store.Write(rec)
}

func (e *Executor) finish(rec *Record, state State, exitCode *int, err error) {
	now := time.Now().UTC()
	rec.State = state
	rec.ExitCode = exitCode
	rec.EndedAt = &now
	if err != nil {
		rec.Error = err.Error()
	}
}

func jobEnv(job api.JobAssignment, outDir, resultFile string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(job.EnvironmentVariables))
	for k := range job.EnvironmentVariables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+job.EnvironmentVariables[k])
	}
	env = append(env,
		EnvJobGUID+"="+job.GUID,
		EnvOutputDir+"="+outDir,
		EnvResultFile+"="+resultFile,
	)
	if job.TestRunID != nil {
		env = append(env, fmt.Sprintf("%s=%d", EnvTestRunID, *job.TestRunID))
	}
	return env
}

// readTail returns at most max bytes from the end of the file at path.
func readTail(path string, max int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if size := info.Size(); size > int64(max) {
		if _, err := f.Seek(size-int64(max), io.SeekStart); err != nil {
			return ""
		}
	}
	b, err := io.ReadAll(io.LimitReader(f, int64(max)))
	if err != nil {
		return ""
	}
	return string(b)
}

// zipMatches archives regular files under root whose slash-separated
// relative path matches one of patterns. It returns the archive and the
// number of files added.
func zipMatches(root string, patterns []string) ([]byte, int, error) {
	m, err := match.New(match.Config{Includes: patterns})
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	n := 0
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !m.Match(rel) {
			return nil
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		_ = zw.Close()
		return nil, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), n, nil
}
