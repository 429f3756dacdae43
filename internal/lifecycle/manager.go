// Package lifecycle creates analysis jobs, dispatches them to the work queue
// and answers status queries on behalf of an owner.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framehunter/internal/analysis"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/internal/queue"
	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("job not found")
	ErrConflict     = errors.New("job state conflict")
)

// StatusUnavailable is reported for an id whose lookup failed transiently.
const StatusUnavailable = "unavailable"

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	staleScanLimit      = 1000
	defaultStoreTimeout = 10 * time.Second
)

// StatusItem is one entry of a batch status query.
type StatusItem struct {
	JobID        string           `json:"job_id"`
	Status       string           `json:"status"`
	Video        *models.VideoRef `json:"video,omitempty"`
	Result       json.RawMessage  `json:"result,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	UpdatedAt    *time.Time       `json:"updated_at,omitempty"`
}

// RequeueReport summarizes one stale-job sweep.
type RequeueReport struct {
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Invalidator drops cached search results of an owner.
type Invalidator interface {
	Invalidate(ctx context.Context, ownerID string) error
}

// Manager owns job creation, dispatch and owner-scoped reads.
type Manager struct {
	store        store.Store
	queue        queue.Queue
	index        Invalidator
	attempts     int
	backoff      time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

type Option func(*Manager)

// WithStoreTimeout bounds each store and queue call.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.storeTimeout = d
		}
	}
}

// WithInvalidator is told about restarted and deleted jobs.
func WithInvalidator(inv Invalidator) Option {
	return func(m *Manager) { m.index = inv }
}

// NewManager creates a Manager. Attempts below one are raised to one.
func NewManager(st store.Store, q queue.Queue, cfg config.DispatchConfig, opts ...Option) *Manager {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	m := &Manager{
		store:        st,
		queue:        q,
		attempts:     attempts,
		backoff:      cfg.Backoff,
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// bounded derives the context for one store or queue call.
func (m *Manager) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.storeTimeout)
}

func (m *Manager) invalidate(ctx context.Context, ownerID string) {
	if m.index == nil {
		return
	}
	if err := m.index.Invalidate(ctx, ownerID); err != nil {
		slog.Warn("search cache invalidation failed", "owner", ownerID, "error", err)
	}
}

// CreateAndDispatch persists a queued job and enqueues it. A failed enqueue
// leaves the job queued with diagnostics; only a failed store write errors.
func (m *Manager) CreateAndDispatch(ctx context.Context, owner models.Owner, sessionID string, video models.VideoRef) (*models.Job, error) {
	if strings.TrimSpace(owner.UserID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	video.Bucket = strings.TrimSpace(video.Bucket)
	video.Key = strings.TrimSpace(video.Key)
	if video.Bucket == "" || video.Key == "" {
		return nil, fmt.Errorf("%w: bucket and key are required", ErrInvalidInput)
	}
	kind, _ := analysis.ParseToolKind(video.Tool)
	video.Tool = string(kind)

	now := m.now()
	job := &models.Job{
		ID:        uuid.New(),
		Status:    models.JobStatusQueued,
		Owner:     owner,
		SessionID: strings.TrimSpace(sessionID),
		Video:     video,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.createJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	diag := m.dispatch(ctx, job)
	job.Dispatch = &diag
	return job, nil
}

// dispatch sends the job envelope with bounded retry and records the outcome.
func (m *Manager) dispatch(ctx context.Context, job *models.Job) models.DispatchDiagnostics {
	diag := models.DispatchDiagnostics{}
	body, err := queue.Envelope{
		JobID: job.ID.String(),
		Tool:  job.Video.Tool,
		Args:  queue.EnvelopeArgs{Bucket: job.Video.Bucket, Key: job.Video.Key},
	}.Encode()
	if err != nil {
		diag.LastError = err.Error()
		m.recordDispatch(ctx, job.ID, diag)
		return diag
	}

	for attempt := 1; attempt <= m.attempts; attempt++ {
		diag.Attempts = attempt
		msgID, err := m.send(ctx, body)
		if err == nil {
			enqueued := m.now()
			diag.MessageID = msgID
			diag.EnqueuedAt = &enqueued
			diag.LastError = ""
			break
		}
		diag.LastError = err.Error()
		slog.Warn("job dispatch failed",
			"job_id", job.ID,
			"attempt", attempt,
			"error", err,
		)
		if attempt == m.attempts || !sleep(ctx, m.backoff) {
			break
		}
	}

	if diag.MessageID == "" {
		slog.Error("job left queued after dispatch retries",
			"job_id", job.ID,
			"attempts", diag.Attempts,
			"error", diag.LastError,
		)
	}
	m.recordDispatch(ctx, job.ID, diag)
	return diag
}

func (m *Manager) createJob(ctx context.Context, job *models.Job) error {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return m.store.CreateJob(ctx, job)
}

func (m *Manager) send(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return m.queue.Send(ctx, body)
}

// recordDispatch outlives a cancelled request so a sent message is never
// left without diagnostics.
func (m *Manager) recordDispatch(ctx context.Context, id uuid.UUID, diag models.DispatchDiagnostics) {
	ctx, cancel := m.bounded(context.WithoutCancel(ctx))
	defer cancel()
	if err := m.store.SetDispatchDiagnostics(ctx, id, diag); err != nil {
		slog.Warn("recording dispatch diagnostics failed", "job_id", id, "error", err)
	}
}

// sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ListLimit clamps a requested listing size; zero or negative selects the default.
func ListLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

// ListForOwner returns the owner's jobs, newest first. A non-empty sessionID
// narrows the listing to that session.
func (m *Manager) ListForOwner(ctx context.Context, owner models.Owner, sessionID string, limit int) ([]*models.Job, error) {
	if owner.UserID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	jobs, err := m.listJobs(ctx, store.JobFilter{
		OwnerID:   owner.UserID,
		SessionID: strings.TrimSpace(sessionID),
		Limit:     ListLimit(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// Get returns one of the owner's jobs. Another owner's job is reported as
// ErrNotFound.
func (m *Manager) Get(ctx context.Context, owner models.Owner, id string) (*models.Job, error) {
	jobID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, ErrNotFound
	}
	job, err := m.getJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if owner.UserID == "" || job.Owner.UserID != owner.UserID {
		return nil, ErrNotFound
	}
	return job, nil
}

// GetStatus resolves each id independently. Malformed, missing and foreign
// ids all yield not_found; a failed lookup yields unavailable for that id.
func (m *Manager) GetStatus(ctx context.Context, owner models.Owner, ids []string) []StatusItem {
	items := make([]StatusItem, 0, len(ids))
	for _, id := range ids {
		item := StatusItem{JobID: id}
		job, err := m.Get(ctx, owner, id)
		switch {
		case errors.Is(err, ErrNotFound):
			item.Status = models.JobStatusNotFound
		case err != nil:
			slog.Warn("job status lookup failed", "job_id", id, "error", err)
			item.Status = StatusUnavailable
		default:
			item.Status = job.Status
			item.Video = &job.Video
			item.Result = job.Result
			item.ErrorMessage = job.ErrorMessage
			updated := job.UpdatedAt
			item.UpdatedAt = &updated
		}
		items = append(items, item)
	}
	return items
}

// RequeueStale re-dispatches queued jobs older than maxAge. A job whose last
// successful enqueue is younger than maxAge is skipped.
func (m *Manager) RequeueStale(ctx context.Context, maxAge time.Duration) (RequeueReport, error) {
	var report RequeueReport
	if maxAge <= 0 {
		return report, fmt.Errorf("%w: max age must be positive", ErrInvalidInput)
	}
	cutoff := m.now().Add(-maxAge)

	jobs, err := m.listJobs(ctx, store.JobFilter{
		Statuses:      []string{models.JobStatusQueued},
		CreatedBefore: cutoff,
		Limit:         staleScanLimit,
	})
	if err != nil {
		return report, fmt.Errorf("listing stale jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if d := job.Dispatch; d != nil && d.EnqueuedAt != nil && d.EnqueuedAt.After(cutoff) {
			report.Skipped++
			continue
		}
		diag := m.dispatch(ctx, job)
		if diag.MessageID == "" {
			report.Failed++
			continue
		}
		report.Requeued++
	}

	slog.Info("stale job sweep finished",
		"requeued", report.Requeued,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// Requeue re-dispatches a queued or failed job.
func (m *Manager) Requeue(ctx context.Context, owner models.Owner, id string) (*models.Job, error) {
	job, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobStatusQueued:
	case models.JobStatusError:
		if err := m.reset(ctx, job.ID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: job is %s", ErrConflict, job.Status)
	}
	m.dispatch(ctx, job)
	return m.Get(ctx, owner, id)
}

// Restart clears any previous outcome and runs the job again. A worker still
// running the old attempt will have its result rejected.
func (m *Manager) Restart(ctx context.Context, owner models.Owner, id string) (*models.Job, error) {
	job, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := m.reset(ctx, job.ID); err != nil {
		return nil, err
	}
	m.invalidate(ctx, job.Owner.UserID)
	m.dispatch(ctx, job)
	return m.Get(ctx, owner, id)
}

func (m *Manager) reset(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	err := m.store.UpdateJobStatus(ctx, id, models.JobStatusQueued, store.WithRestart())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case err != nil:
		return fmt.Errorf("resetting job: %w", err)
	}
	return nil
}

// Delete removes a job regardless of owner.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	job, err := m.getJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("getting job: %w", err)
	}
	return m.delete(ctx, job)
}

// DeleteForOwner removes one of the owner's jobs.
func (m *Manager) DeleteForOwner(ctx context.Context, owner models.Owner, id string) error {
	job, err := m.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	return m.delete(ctx, job)
}

func (m *Manager) delete(ctx context.Context, job *models.Job) error {
	dctx, cancel := m.bounded(ctx)
	defer cancel()
	err := m.store.DeleteJob(dctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	m.invalidate(ctx, job.Owner.UserID)
	return nil
}

func (m *Manager) getJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return m.store.GetJob(ctx, id)
}

func (m *Manager) listJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return m.store.ListJobs(ctx, filter)
}
