package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/runnerhub/internal/errors"
	"github.com/3leaps/runnerhub/pkg/api"
	"github.com/3leaps/runnerhub/pkg/auth"
	"github.com/3leaps/runnerhub/pkg/blobstore"
	"github.com/3leaps/runnerhub/pkg/dispatch"
	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/importer"
	"github.com/3leaps/runnerhub/pkg/jobs"
	"github.com/3leaps/runnerhub/pkg/runners"
)

// maxJSONBody bounds registration and status bodies. Status reports carry
// logs and inline artifacts, so this is generous.
const maxJSONBody = 32 << 20

// DefaultMaxUploadBytes bounds artifact uploads when RunnerAPI leaves it unset.
const DefaultMaxUploadBytes int64 = 64 << 20

// ArtifactSubmitter queues uploaded archives for result import.
type ArtifactSubmitter interface {
	SubmitArtifact(ev importer.ArtifactEvent) error
}

// StatusMetrics counts applied status reports.
type StatusMetrics interface {
	ObserveStatusReport(status string)
}

// RunnerAPI serves the runner protocol under /api/runners.
type RunnerAPI struct {
	Registry    *runners.Registry
	Coordinator *dispatch.Coordinator
	Queue       *jobs.Queue

	// Blobs stores uploaded artifacts. Uploads answer 503 when nil.
	Blobs blobstore.Store

	// Importer receives uploaded .zip archives of jobs with a test run.
	Importer ArtifactSubmitter

	Metrics        StatusMetrics
	MaxUploadBytes int64
	Logger         *zap.Logger
}

func (a *RunnerAPI) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// Routes mounts the runner endpoints on r. Paths are relative to /api/runners.
func (a *RunnerAPI) Routes(r chi.Router, pollLimit func(http.Handler) http.Handler) {
	r.Put("/{runnerId}", a.RegisterRunner)
	poll := r
	if pollLimit != nil {
		poll = r.With(pollLimit)
	}
	poll.Get("/{runnerId}/jobs/next", a.NextJob)
	r.Put("/{runnerId}/jobs/{guid}/status", a.ReportStatus)
	r.Post("/{runnerId}/jobs/{guid}/artifacts", a.UploadArtifact)
}

func principal(r *http.Request) (auth.Principal, error) {
	p, ok := auth.FromContext(r.Context())
	if !ok || p.TenantID == "" {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	return p, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return apperrors.BadRequest("invalid JSON body: "+err.Error(), err)
	}
	return nil
}

// RegisterRunner handles PUT /api/runners/{runnerId}.
func (a *RunnerAPI) RegisterRunner(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	runnerID := chi.URLParam(r, "runnerId")

	var body api.RunnerRegistration
	if err := decodeJSON(w, r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	if body.ID != "" && body.ID != runnerID {
		respondWithError(w, r, apperrors.BadRequest(
			fmt.Sprintf("body id %q does not match path id %q", body.ID, runnerID), nil))
		return
	}

	projectID := body.ProjectID
	if p.ProjectID != nil {
		if projectID != nil && *projectID != *p.ProjectID {
			respondWithError(w, r, apperrors.New(http.StatusForbidden, api.CodeForbidden,
				fmt.Sprintf("credential is bound to project %d", *p.ProjectID)))
			return
		}
		projectID = p.ProjectID
	}

	runner, err := a.Registry.Register(r.Context(), runners.Registration{
		TenantID:      p.TenantID,
		RunnerID:      runnerID,
		Name:          body.Name,
		Languages:     body.Languages,
		ProjectID:     projectID,
		Tags:          body.Tags,
		PublicBaseURL: body.PublicBaseURL,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !runner.Dispatchable() {
		a.logger().Warn("Runner registered without languages; it will not receive jobs",
			zap.String("tenant", p.TenantID),
			zap.String("runner", runnerID))
	}
	apperrors.WriteJSON(w, http.StatusOK, toAPIRunner(runner))
}

func toAPIRunner(r *runners.Runner) api.Runner {
	return api.Runner{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Name:          r.Name,
		Tags:          r.Tags,
		PublicBaseURL: r.PublicBaseURL,
		Languages:     r.Languages,
		ProjectID:     r.ProjectID,
		RegisteredAt:  r.RegisteredAt,
		LastSeen:      r.LastSeen,
		Dispatchable:  r.Dispatchable(),
	}
}

// NextJob handles GET /api/runners/{runnerId}/jobs/next. Unknown and
// non-dispatchable runners get 204 like an empty queue.
func (a *RunnerAPI) NextJob(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	runnerID := chi.URLParam(r, "runnerId")
	log := a.logger().With(zap.String("tenant", p.TenantID), zap.String("runner", runnerID))

	runner, err := a.Registry.GetByID(r.Context(), p.TenantID, runnerID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if runner == nil {
		log.Warn("Poll from unregistered runner")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !runner.Dispatchable() {
		log.Warn("Poll from runner without languages")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, err := a.Coordinator.ClaimNext(r.Context(), dispatch.Claim{
		TenantID:  p.TenantID,
		ProjectID: runner.ProjectID,
		Languages: runner.Languages,
		RunnerID:  runnerID,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Info("Assigned job", zap.String("guid", job.GUID), zap.Int("attempt", job.Attempt))
	apperrors.WriteJSON(w, http.StatusOK, api.JobAssignment{
		GUID:                 job.GUID,
		TestRunID:            job.TestRunID,
		Script:               job.Script,
		Language:             job.Language,
		EnvironmentVariables: job.Environment,
		ArtifactPatterns:     job.ArtifactPatterns,
		Attempt:              job.Attempt,
	})
}

// ReportStatus handles PUT /api/runners/{runnerId}/jobs/{guid}/status.
func (a *RunnerAPI) ReportStatus(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	runnerID := chi.URLParam(r, "runnerId")
	guid := chi.URLParam(r, "guid")

	var body api.StatusUpdate
	if err := decodeJSON(w, r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	report, err := toReport(body)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	job, err := a.Queue.ReportStatus(r.Context(), p.TenantID, guid, report, "runner:"+runnerID)
	if err != nil {
		if errors.Is(err, jobs.ErrForbidden) {
			a.logger().Warn("Status report for another tenant's job",
				zap.String("tenant", p.TenantID),
				zap.String("runner", runnerID),
				zap.String("guid", guid))
		}
		respondWithError(w, r, err)
		return
	}
	if a.Metrics != nil {
		a.Metrics.ObserveStatusReport(job.Status.String())
	}
	w.WriteHeader(http.StatusNoContent)
}

func toReport(body api.StatusUpdate) (jobs.Report, error) {
	status, err := jobs.ParseStatus(body.Status)
	if err != nil {
		return jobs.Report{}, apperrors.BadRequest(err.Error(), err)
	}
	report := jobs.Report{
		Status:          status,
		StdOut:          body.StdOut,
		StdErr:          body.StdErr,
		Result:          body.Result,
		ArtifactContent: body.ArtifactContent,
		ErrorMessage:    body.ErrorMessage,
	}
	if body.Format != nil && strings.TrimSpace(*body.Format) != "" {
		f, err := formats.ParseFormat(*body.Format)
		if err != nil {
			return jobs.Report{}, apperrors.BadRequest(err.Error(), err)
		}
		report.Format = &f
	}
	return report, nil
}

// UploadArtifact handles POST /api/runners/{runnerId}/jobs/{guid}/artifacts.
// The raw body is stored under <tenant>/<guid>/<filename>.
func (a *RunnerAPI) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	runnerID := chi.URLParam(r, "runnerId")
	guid := chi.URLParam(r, "guid")
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		respondWithError(w, r, apperrors.BadRequest("filename query parameter is required", nil))
		return
	}
	if a.Blobs == nil {
		respondWithError(w, r, apperrors.Unavailable("artifact storage is not configured"))
		return
	}

	job, err := a.Queue.Get(r.Context(), p.TenantID, guid)
	if err != nil {
		if errors.Is(err, jobs.ErrForbidden) {
			a.logger().Warn("Artifact upload for another tenant's job",
				zap.String("tenant", p.TenantID),
				zap.String("runner", runnerID),
				zap.String("guid", guid))
		}
		respondWithError(w, r, err)
		return
	}
	key, err := blobstore.Key(p.TenantID, guid, filename)
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(err.Error(), err))
		return
	}

	limit := a.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	if r.ContentLength > limit {
		respondWithError(w, r, apperrors.TooLarge(limit))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if len(data) == 0 {
		respondWithError(w, r, apperrors.BadRequest("artifact body is empty", nil))
		return
	}

	if err := a.Blobs.Put(r.Context(), key, bytes.NewReader(data), int64(len(data))); err != nil {
		respondWithError(w, r, err)
		return
	}
	if _, err := a.Queue.AttachArtifact(context.WithoutCancel(r.Context()), p.TenantID, guid, key, "runner:"+runnerID); err != nil {
		respondWithError(w, r, err)
		return
	}
	a.logger().Info("Stored artifact",
		zap.String("tenant", p.TenantID),
		zap.String("guid", guid),
		zap.String("key", key),
		zap.Int("bytes", len(data)))

	if a.Importer != nil && job.TestRunID != nil && strings.EqualFold(path.Ext(key), ".zip") {
		err := a.Importer.SubmitArtifact(importer.ArtifactEvent{
			TenantID:      p.TenantID,
			TestRunID:     *job.TestRunID,
			TestProjectID: job.TestProjectID,
			GlobPattern:   strings.Join(job.ArtifactPatterns, "\n"),
			ZipBytes:      data,
			JobGUID:       guid,
		})
		if err != nil {
			a.logger().Warn("Artifact not queued for import", zap.String("guid", guid), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
