// Package jobs implements the mosaic job lifecycle: enqueueing work with the
// external worker and applying its authenticated status callbacks.
package jobs

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tilemosaic/mosaicd/internal/cache"
	"github.com/tilemosaic/mosaicd/internal/dispatch"
	"github.com/tilemosaic/mosaicd/internal/storage"
	"github.com/tilemosaic/mosaicd/internal/store"
	"github.com/tilemosaic/mosaicd/pkg/models"
)

// MaxTileCount caps the number of tiles a single job may use.
const MaxTileCount = 4000

const statusCacheTTL = 10 * time.Minute

// allowedTransitions lists, per current status, the statuses a worker
// callback may move a job to. Terminal statuses have no entries.
var allowedTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobSubmitted:        {models.JobProcessing},
	models.JobProcessing:       {models.JobProcessing, models.JobGeneratedPreview, models.JobFailed, models.JobAborted},
	models.JobGeneratedPreview: {models.JobFinished, models.JobFailed, models.JobAborted},
}

// EnqueueParams are the client-supplied knobs of a new mosaic job.
type EnqueueParams struct {
	N            int       `json:"n"`
	Algorithm    string    `json:"algorithm"`
	ColorSpace   string    `json:"color_space"`
	Subdivisions int       `json:"subdivisions"`
	Repetitions  int       `json:"repetitions"`
	CropCount    int       `json:"crop_count"`
	Target       uuid.UUID `json:"target"`
}

// Service coordinates the job table, the worker, the artifact storage, and
// the status cache.
type Service struct {
	store      store.Store
	cache      cache.Cache
	dispatcher dispatch.Dispatcher
	storage    storage.Storage
}

func NewService(s store.Store, c cache.Cache, d dispatch.Dispatcher, fs storage.Storage) *Service {
	return &Service{store: s, cache: c, dispatcher: d, storage: fs}
}

// Enqueue validates the request, persists the job, and hands it to the
// worker. The job is created first so a dispatch failure leaves a visible
// record in the created status; it only moves to submitted once the worker
// has accepted it.
func (s *Service) Enqueue(ctx context.Context, owner string, projectID uuid.UUID, params EnqueueParams) (*models.Job, error) {
	exists, err := s.store.ProjectExists(ctx, owner, projectID)
	if err != nil {
		return nil, fmt.Errorf("checking project: %w", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	target, err := s.store.GetTargetImage(ctx, params.Target)
	if err != nil {
		return nil, fmt.Errorf("looking up target image: %w", err)
	}
	if target.ProjectID != projectID {
		return nil, store.ErrNotFound
	}

	n, err := s.resolveTileCount(ctx, projectID, params.N)
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generating job token: %w", err)
	}

	job := &models.Job{
		ID:            uuid.New(),
		Token:         token,
		ProjectID:     projectID,
		TargetImageID: target.ID,
		Status:        models.JobCreated,
		N:             n,
		Algorithm:     params.Algorithm,
		ColorSpace:    params.ColorSpace,
		Subdivisions:  params.Subdivisions,
		Repetitions:   params.Repetitions,
		CropCount:     params.CropCount,
		StartedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	tilePaths, err := s.store.ListTileImagePaths(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing tile images: %w", err)
	}
	tiles := make([]string, len(tilePaths))
	for i, p := range tilePaths {
		tiles[i] = s.storage.ResolveImagePath(p)
	}

	payload := dispatch.JobPayload{
		JobID:        job.ID,
		Username:     owner,
		ProjectID:    projectID,
		Token:        token,
		N:            n,
		Algorithm:    job.Algorithm,
		ColorSpace:   job.ColorSpace,
		Subdivisions: job.Subdivisions,
		Repetitions:  job.Repetitions,
		CropCount:    job.CropCount,
		Target:       s.storage.ResolveImagePath(target.FilePath),
		Tiles:        tiles,
	}
	if err := s.dispatcher.Submit(ctx, payload); err != nil {
		slog.Error("job dispatch failed", "job_id", job.ID, "error", err)
		return nil, err
	}

	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobSubmitted); err != nil {
		return nil, fmt.Errorf("marking job submitted: %w", err)
	}
	job.Status = models.JobSubmitted

	s.cacheStatus(ctx, job.ID, job.Status)
	slog.Info("job enqueued", "job_id", job.ID, "project_id", projectID, "n", n)
	return job, nil
}

// resolveTileCount fills in n=0 with the project's actual tile count and
// enforces the ceiling.
func (s *Service) resolveTileCount(ctx context.Context, projectID uuid.UUID, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: n must not be negative", ErrValidation)
	}
	if n == 0 {
		count, err := s.store.CountTileImages(ctx, projectID)
		if err != nil {
			return 0, fmt.Errorf("counting tile images: %w", err)
		}
		if count == 0 {
			return 0, fmt.Errorf("%w: project has no tile images", ErrValidation)
		}
		n = count
	}
	if n > MaxTileCount {
		return 0, fmt.Errorf("%w: %d > %d", ErrTileLimit, n, MaxTileCount)
	}
	return n, nil
}

// IsTokenValid reports whether token is the secret of the given job. Unknown
// jobs are treated as an invalid token, not an error.
func (s *Service) IsTokenValid(ctx context.Context, jobID uuid.UUID, token string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tokenMatches(job.Token, token), nil
}

// UpdateStatus applies a worker callback. The token must match, the target
// status must be reachable from the current one, and progress is clamped to
// [0, 1]. Moving to generated_preview additionally requires the mosaic
// artifact to exist on disk; if it does not, the job fails instead.
func (s *Service) UpdateStatus(ctx context.Context, jobID uuid.UUID, token string, target models.JobStatus, progress *float64) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if !tokenMatches(job.Token, token) {
		return nil, ErrUnauthorized
	}

	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}
	if target == models.JobProcessing && progress == nil {
		return nil, fmt.Errorf("%w: processing requires a progress value", ErrValidation)
	}
	if !transitionAllowed(job.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, target)
	}

	if target == models.JobGeneratedPreview {
		owner, err := s.store.GetProjectOwner(ctx, job.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("resolving project owner: %w", err)
		}
		if !s.storage.MosaicExists(owner, job.ProjectID, job.ID) {
			slog.Error("preview reported but mosaic artifact missing", "job_id", job.ID)
			target = models.JobFailed
		}
	}

	var opts []store.JobUpdateOption
	if progress != nil {
		opts = append(opts, store.WithProgress(clampProgress(*progress)))
	}
	if target.IsTerminal() {
		opts = append(opts, store.WithFinishedAt(time.Now().UTC()))
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, target, opts...); err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}

	s.cacheStatus(ctx, jobID, target)

	updated, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reloading job: %w", err)
	}
	return updated, nil
}

// Get returns a job scoped to its project.
func (s *Service) Get(ctx context.Context, projectID, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetProjectJob(ctx, projectID, jobID)
}

// List returns all jobs of a project, newest first.
func (s *Service) List(ctx context.Context, projectID uuid.UUID) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, projectID)
}

// Delete removes a terminal job and its mosaic artifact. Active jobs are
// rejected with ErrJobActive.
func (s *Service) Delete(ctx context.Context, projectID, jobID uuid.UUID) error {
	job, err := s.store.GetProjectJob(ctx, projectID, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return ErrJobActive
	}

	owner, err := s.store.GetProjectOwner(ctx, projectID)
	if err != nil {
		return fmt.Errorf("resolving project owner: %w", err)
	}
	if err := s.storage.DeleteMosaic(owner, projectID, jobID); err != nil {
		return fmt.Errorf("deleting mosaic artifact: %w", err)
	}

	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	slog.Info("job deleted", "job_id", jobID, "project_id", projectID)
	return nil
}

// cacheStatus updates the status cache best-effort; a cache outage never
// fails the request.
func (s *Service) cacheStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus) {
	if err := s.cache.SetJobStatus(ctx, jobID, string(status), statusCacheTTL); err != nil {
		slog.Warn("could not cache job status", "job_id", jobID, "error", err)
	}
}

func transitionAllowed(from, to models.JobStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

func tokenMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
