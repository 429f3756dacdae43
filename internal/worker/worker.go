// Package worker polls the work queue and runs analysis jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/framehunter/internal/analysis"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/internal/objectstore"
	"github.com/kiranshivaraju/framehunter/internal/queue"
	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// Indexer is notified after a job's result is committed.
type Indexer interface {
	Index(ctx context.Context, job *models.Job) error
}

type Deps struct {
	Store   store.Store
	Queue   queue.Queue
	Objects objectstore.Store
	Tools   *analysis.Toolset
	// Indexer is optional.
	Indexer Indexer
	// TempDir holds downloaded sources; empty means the OS default.
	TempDir string
}

// Worker processes queue messages. Every message ends acked unless the job
// could not be read or marked running, in which case lease expiry redelivers it.
type Worker struct {
	deps Deps
	cfg  config.WorkerConfig
	now  func() time.Time
}

func New(deps Deps, cfg config.WorkerConfig) *Worker {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 2 * time.Second
	}
	return &Worker{
		deps: deps,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled. Receive failures back off and retry.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		"worker_id", w.cfg.ID,
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
	)
	for {
		if ctx.Err() != nil {
			slog.Info("worker stopped", "worker_id", w.cfg.ID)
			return nil
		}
		if _, err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.IdleBackoff):
			}
		}
	}
}

// PollOnce receives one batch and processes it. It returns the number of
// messages received.
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	msgs, err := w.deps.Queue.Receive(ctx, w.cfg.BatchSize, w.cfg.Wait, w.cfg.Lease)
	if err != nil {
		return 0, err
	}

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			w.handle(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return len(msgs), nil
}

// handle processes one message and acks it when the outcome is final.
func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while handling message",
				"message_id", msg.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	if w.process(ctx, msg) {
		w.ack(ctx, msg)
	}
}

// process runs the per-message state machine and reports whether to ack.
func (w *Worker) process(ctx context.Context, msg queue.Message) bool {
	log := slog.With("message_id", msg.ID, "receive_count", msg.ReceiveCount)

	env, err := queue.DecodeEnvelope(msg.Body)
	if err != nil {
		log.Error("dropping malformed message", "error", err)
		return true
	}
	jobID, err := uuid.Parse(env.JobID)
	if err != nil {
		log.Error("dropping message with invalid job id", "job_id", env.JobID, "error", err)
		return true
	}
	log = log.With("job_id", jobID)

	job, err := w.getJob(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("job not found, dropping message")
		return true
	case err != nil:
		log.Error("job lookup failed, leaving message for redelivery", "error", err)
		return false
	}
	if job.IsTerminal() {
		log.Info("duplicate delivery for finished job", "status", job.Status)
		return true
	}

	if err := w.updateStatus(ctx, jobID, models.JobStatusRunning); err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			log.Info("job moved on before start", "error", err)
			return true
		default:
			log.Error("marking running failed, leaving message for redelivery", "error", err)
			return false
		}
	}

	kind := w.selectTool(job, env)
	log = log.With("tool", kind)
	tool, err := w.deps.Tools.Get(kind)
	if err != nil {
		w.fail(ctx, log, jobID, err)
		return true
	}

	start := time.Now()
	res, err := w.execute(ctx, tool, job.Video)
	if err != nil {
		w.fail(ctx, log, jobID, err)
		return true
	}
	log.Info("tool finished", "duration_ms", time.Since(start).Milliseconds())

	if err := w.commit(ctx, log, jobID, res); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			log.Info("dropping stale result", "error", err)
			return true
		}
		w.fail(ctx, log, jobID, err)
	}
	return true
}

// selectTool prefers the stored tool, then the message tool, then the default.
func (w *Worker) selectTool(job *models.Job, env *queue.Envelope) analysis.ToolKind {
	if kind, ok := analysis.ParseToolKind(job.Video.Tool); ok {
		return kind
	}
	kind, _ := analysis.ParseToolKind(env.Tool)
	return kind
}

func (w *Worker) execute(ctx context.Context, tool analysis.Tool, video models.VideoRef) (res *models.AnalysisResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.toolTimeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
			slog.Error("tool panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	file, cleanup, err := w.download(ctx, video)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res, err = tool.Execute(ctx, analysis.Source{Video: video, Path: file})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool timed out after %s: %w", w.toolTimeout(), err)
		}
		return nil, err
	}
	return res, nil
}

func (w *Worker) toolTimeout() time.Duration {
	if w.cfg.ToolTimeout > 0 {
		return w.cfg.ToolTimeout
	}
	return 4 * time.Minute
}

// download copies the source object to a temp file.
func (w *Worker) download(ctx context.Context, video models.VideoRef) (string, func(), error) {
	if w.deps.Objects == nil {
		return "", nil, errors.New("no object store configured")
	}
	rc, err := w.deps.Objects.Get(ctx, video.Bucket, video.Key)
	if err != nil {
		return "", nil, fmt.Errorf("fetching s3://%s/%s: %w", video.Bucket, video.Key, err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(w.deps.TempDir, "framehunter-*"+path.Ext(video.Key))
	if err != nil {
		return "", nil, fmt.Errorf("creating temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("downloading source: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("closing temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}

// commit re-reads the job, merges the result and writes the worker-owned
// fields. A restart during the run makes the write fail with
// store.ErrInvalidTransition.
func (w *Worker) commit(ctx context.Context, log *slog.Logger, id uuid.UUID, res *models.AnalysisResult) error {
	current, err := w.getJob(ctx, id)
	if err != nil {
		return fmt.Errorf("re-reading job: %w", err)
	}
	merged, err := Merge(current, res, w.now())
	if err != nil {
		return err
	}
	if err := w.updateStatus(ctx, id, models.JobStatusDone,
		store.WithResult(merged.Result),
		store.WithSearchFields(merged.Search),
	); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	log.Info("job done",
		"keywords", len(merged.Search.Keywords),
		"tags", len(merged.Search.Tags),
	)

	if w.deps.Indexer != nil {
		if err := w.deps.Indexer.Index(ctx, merged); err != nil {
			log.Warn("indexing failed", "error", err)
		}
	}
	return nil
}

// fail records err on a running job. A failed write, including the
// ErrInvalidTransition of a pass overtaken by a restart, is logged and the
// message is still acked.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, id uuid.UUID, cause error) {
	log.Error("job failed", "error", cause)
	err := w.updateStatus(ctx, id, models.JobStatusError, store.WithErrorMessage(cause.Error()))
	if err != nil {
		log.Error("recording job failure failed", "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	ctx, cancel := w.storeContext(ctx)
	defer cancel()
	if err := w.deps.Queue.Delete(ctx, msg); err != nil {
		slog.Warn("ack failed", "message_id", msg.ID, "error", err)
	}
}

func (w *Worker) getJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	ctx, cancel := w.storeContext(ctx)
	defer cancel()
	return w.deps.Store.GetJob(ctx, id)
}

func (w *Worker) updateStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	ctx, cancel := w.storeContext(ctx)
	defer cancel()
	return w.deps.Store.UpdateJobStatus(ctx, id, status, opts...)
}

// storeContext bounds one store or queue call. It is detached from
// cancellation so that an in-flight message can still record its outcome
// during shutdown.
func (w *Worker) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := w.cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
