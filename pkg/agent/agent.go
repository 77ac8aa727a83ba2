// Package agent is a reference runner: it registers with a runnerhub
// server, polls for jobs, runs their scripts locally and reports the
// outcome.
//
// Local job records are kept under the data dir as <guid>/job.json next
// to the captured logs and the job work dir.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/runnerhub/pkg/api"
)

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultHeartbeatInterval = time.Minute
	DefaultJobTimeout        = 30 * time.Minute

	// ArtifactFilename is the upload name of a job's output archive.
	ArtifactFilename = "artifacts.zip"

	reportTimeout = 30 * time.Second
)

// Config describes the runner this agent registers as.
type Config struct {
	RunnerID  string
	Name      string
	Languages []string
	Tags      []string
	ProjectID *int64

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
}

// Server is the part of Client the agent uses.
type Server interface {
	Register(ctx context.Context, runnerID string, reg api.RunnerRegistration) (*api.Runner, error)
	Poll(ctx context.Context, runnerID string) (*api.JobAssignment, error)
	ReportStatus(ctx context.Context, runnerID, guid string, u api.StatusUpdate) error
	UploadArtifact(ctx context.Context, runnerID, guid, filename string, data []byte) error
}

// Agent polls a server and executes the jobs it is given, one at a time.
type Agent struct {
	server Server
	exec   *Executor
	cfg    Config
	logger *zap.Logger
}

// New returns an Agent. Languages without a local interpreter are dropped
// from the registration.
func New(server Server, exec *Executor, cfg Config, logger *zap.Logger) (*Agent, error) {
	if server == nil || exec == nil {
		return nil, fmt.Errorf("agent requires a server client and an executor")
	}
	cfg.RunnerID = strings.TrimSpace(cfg.RunnerID)
	if cfg.RunnerID == "" {
		return nil, fmt.Errorf("runner id is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.RunnerID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	langs := make([]string, 0, len(cfg.Languages))
	for _, l := range cfg.Languages {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if !Supported(l) {
			logger.Warn("Language has no local interpreter; not advertising it", zap.String("language", l))
			continue
		}
		langs = append(langs, l)
	}
	if len(langs) == 0 {
		logger.Warn("Runner advertises no languages; the server will not dispatch to it")
	}
	cfg.Languages = langs

	return &Agent{
		server: server,
		exec:   exec,
		cfg:    cfg,
		logger: logger.With(zap.String("runner", cfg.RunnerID)),
	}, nil
}

func (a *Agent) registration() api.RunnerRegistration {
	return api.RunnerRegistration{
		ID:        a.cfg.RunnerID,
		Name:      a.cfg.Name,
		Tags:      a.cfg.Tags,
		Languages: a.cfg.Languages,
		ProjectID: a.cfg.ProjectID,
	}
}

// Register registers the runner once.
func (a *Agent) Register(ctx context.Context) (*api.Runner, error) {
	r, err := a.server.Register(ctx, a.cfg.RunnerID, a.registration())
	if err != nil {
		return nil, fmt.Errorf("register runner: %w", err)
	}
	return r, nil
}

// Run registers, then polls and heartbeats until ctx is done. A failed
// initial registration is returned; later failures are logged and retried.
func (a *Agent) Run(ctx context.Context) error {
	r, err := a.Register(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("Registered runner",
		zap.String("tenant", r.TenantID),
		zap.Strings("languages", r.Languages),
		zap.Bool("dispatchable", r.Dispatchable))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeat(gctx) })
	g.Go(func() error { return a.pollLoop(gctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *Agent) heartbeat(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := a.Register(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) error {
	for {
		wait := a.cfg.PollInterval
		handled, err := a.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			if ae, ok := IsRateLimited(err); ok {
				if ae.RetryAfter > wait {
					wait = ae.RetryAfter
				}
				a.logger.Debug("Poll rate limited", zap.Duration("wait", wait))
			} else {
				a.logger.Warn("Poll failed", zap.Error(err))
			}
		case handled:
			// Drain the queue before sleeping again.
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce polls once and runs the job it gets, if any. It reports whether a
// job was handled.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	job, err := a.server.Poll(ctx, a.cfg.RunnerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	a.Handle(ctx, *job)
	return true, nil
}

// Handle runs one claimed job and reports every step to the server.
// Reports are sent even after ctx is cancelled so a shutdown does not leave
// the job waiting for the claim-expiry sweep.
func (a *Agent) Handle(ctx context.Context, job api.JobAssignment) {
	log := a.logger.With(zap.String("guid", job.GUID), zap.String("language", job.Language), zap.Int("attempt", job.Attempt))

	if !Supported(job.Language) {
		err := fmt.Errorf("%w: runner %s cannot run %q", ErrUnsupportedLanguage, a.cfg.RunnerID, job.Language)
		log.Warn("Rejecting job", zap.Error(err))
		if _, rerr := a.exec.Reject(job, err); rerr != nil {
			log.Warn("Failed to record rejected job", zap.Error(rerr))
		}
		a.report(ctx, log, job.GUID, api.StatusUpdate{Status: "Error", ErrorMessage: strptr(err.Error())})
		return
	}

	if !a.report(ctx, log, job.GUID, api.StatusUpdate{Status: "Waiting"}) {
		return
	}
	if !a.report(ctx, log, job.GUID, api.StatusUpdate{Status: "Running"}) {
		return
	}

	jobCtx, cancel := context.WithTimeoutCause(ctx, a.cfg.JobTimeout,
		fmt.Errorf("job exceeded timeout of %s", a.cfg.JobTimeout))
	out, err := a.exec.Run(jobCtx, job)
	cancel()
	if err != nil {
		log.Error("Failed to run job", zap.Error(err))
		a.report(ctx, log, job.GUID, api.StatusUpdate{Status: "Error", ErrorMessage: strptr(err.Error())})
		return
	}

	if len(out.Archive) > 0 {
		uctx, ucancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		err := a.server.UploadArtifact(uctx, a.cfg.RunnerID, job.GUID, ArtifactFilename, out.Archive)
		ucancel()
		if err != nil {
			log.Warn("Failed to upload artifact", zap.Error(err))
		}
	}

	final := api.StatusUpdate{
		Status: "Completed",
		StdOut: strptr(out.Stdout),
		StdErr: strptr(out.Stderr),
	}
	if len(out.Result) > 0 {
		final.Result = strptr(string(out.Result))
		if out.Format.Known() {
			final.Format = strptr(out.Format.String())
		}
	}
	if !out.Succeeded() {
		final.Status = "Error"
		final.ErrorMessage = strptr(out.Err.Error())
	}
	a.report(ctx, log, job.GUID, final)
}

func (a *Agent) report(ctx context.Context, log *zap.Logger, guid string, u api.StatusUpdate) bool {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := a.server.ReportStatus(rctx, a.cfg.RunnerID, guid, u); err != nil {
		log.Warn("Failed to report status", zap.String("status", u.Status), zap.Error(err))
		return false
	}
	log.Debug("Reported status", zap.String("status", u.Status))
	return true
}

func strptr(s string) *string {
	return &s
}

var _ Server = (*Client)(nil)
