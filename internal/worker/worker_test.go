package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framehunter/internal/analysis"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/internal/objectstore"
	"github.com/kiranshivaraju/framehunter/internal/queue"
	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLease = 40 * time.Millisecond

type memObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (o *memObjects) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.data[bucket+"/"+key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (o *memObjects) Put(_ context.Context, bucket, key string, r io.Reader, _ int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data[bucket+"/"+key] = b
	return nil
}

// stubTool returns a fixed result after running hook.
type stubTool struct {
	kind  analysis.ToolKind
	calls atomic.Int32
	hook  func(ctx context.Context, src analysis.Source) error
	res   func(src analysis.Source) *models.AnalysisResult
}

func (s *stubTool) Kind() analysis.ToolKind { return s.kind }

func (s *stubTool) Execute(ctx context.Context, src analysis.Source) (*models.AnalysisResult, error) {
	s.calls.Add(1)
	if s.hook != nil {
		if err := s.hook(ctx, src); err != nil {
			return nil, err
		}
	}
	if s.res != nil {
		return s.res(src), nil
	}
	return &models.AnalysisResult{
		Tool:  string(s.kind),
		Video: src.Video,
		Labels: &models.LabelResult{UniqueLabels: []models.LabelStat{
			{Name: "Car", MaxConfidence: 99},
		}},
	}, nil
}

type recordingIndexer struct {
	mu   sync.Mutex
	jobs []uuid.UUID
	err  error
}

func (r *recordingIndexer) Index(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job.ID)
	return r.err
}

// flakyStore fails GetJob while failing is set and UpdateJobStatus while
// failingUpdates is set.
type flakyStore struct {
	*store.MemoryStore
	failing        atomic.Bool
	failingUpdates atomic.Bool
}

func (s *flakyStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	if s.failingUpdates.Load() {
		return errors.New("connection reset")
	}
	return s.MemoryStore.UpdateJobStatus(ctx, id, status, opts...)
}

func (s *flakyStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if s.failing.Load() {
		return nil, errors.New("connection refused")
	}
	return s.MemoryStore.GetJob(ctx, id)
}

type harness struct {
	store   *flakyStore
	queue   *queue.MemoryQueue
	objects *memObjects
	indexer *recordingIndexer
	tools   map[analysis.ToolKind]*stubTool
	worker  *Worker
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	h := &harness{
		store:   &flakyStore{MemoryStore: store.NewMemoryStore()},
		queue:   queue.NewMemoryQueue(5),
		objects: &memObjects{data: map[string][]byte{}},
		indexer: &recordingIndexer{},
		tools:   map[analysis.ToolKind]*stubTool{},
	}
	var tools []analysis.Tool
	for _, k := range []analysis.ToolKind{
		analysis.ToolBlackframe, analysis.ToolText, analysis.ToolLabels,
		analysis.ToolComplete, analysis.ToolArchive,
	} {
		st := &stubTool{kind: k}
		h.tools[k] = st
		tools = append(tools, st)
	}
	h.worker = New(Deps{
		Store:   h.store,
		Queue:   h.queue,
		Objects: h.objects,
		Tools:   analysis.NewToolsetFrom(tools...),
		Indexer: h.indexer,
		TempDir: t.TempDir(),
	}, config.WorkerConfig{
		ID:           "test",
		BatchSize:    5,
		Wait:         0,
		Lease:        testLease,
		Concurrency:  concurrency,
		ToolTimeout:  time.Second,
		StoreTimeout: time.Second,
		IdleBackoff:  10 * time.Millisecond,
	})
	return h
}

// enqueue stores a queued job with a source object and dispatches it.
func (h *harness) enqueue(t *testing.T, owner, key, tool string) *models.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		Status:    models.JobStatusQueued,
		Owner:     models.Owner{UserID: owner},
		SessionID: "sess",
		Video:     models.VideoRef{Bucket: "media", Key: key, Tool: tool},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	h.objects.data["media/"+key] = []byte("video-bytes")
	h.send(t, queue.Envelope{JobID: job.ID.String(), Tool: tool, Args: queue.EnvelopeArgs{Bucket: "media", Key: key}})
	return job
}

func (h *harness) send(t *testing.T, env queue.Envelope) {
	t.Helper()
	body, err := env.Encode()
	require.NoError(t, err)
	_, err = h.queue.Send(context.Background(), body)
	require.NoError(t, err)
}

func (h *harness) poll(t *testing.T) int {
	t.Helper()
	n, err := h.worker.PollOnce(context.Background())
	require.NoError(t, err)
	return n
}

// redelivered waits out the lease and reports how many messages came back.
func (h *harness) redelivered(t *testing.T) int {
	t.Helper()
	time.Sleep(2 * testLease)
	msgs, err := h.queue.Receive(context.Background(), 10, 0, time.Minute)
	require.NoError(t, err)
	return len(msgs)
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := h.store.MemoryStore.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestWorker_HappyPath(t *testing.T) {
	h := newHarness(t, 1)
	job := h.enqueue(t, "alice", "ads/bmw_spot.mp4", "labels")

	assert.Equal(t, 1, h.poll(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, "alice", got.Owner.UserID)
	assert.Equal(t, "sess", got.SessionID)
	require.NotNil(t, got.Search)
	assert.Contains(t, got.Search.Keywords, "bmw")
	assert.Equal(t, []string{"car"}, got.Search.Tags)

	var res models.AnalysisResult
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.Equal(t, "labels", res.Tool)

	assert.EqualValues(t, 1, h.tools[analysis.ToolLabels].calls.Load())
	assert.Equal(t, []uuid.UUID{job.ID}, h.indexer.jobs)
	assert.Equal(t, 0, h.redelivered(t))
}

func TestWorker_SourceIsDownloaded(t *testing.T) {
	h := newHarness(t, 1)
	var seen []byte
	h.tools[analysis.ToolComplete].hook = func(_ context.Context, src analysis.Source) error {
		b, err := os.ReadFile(src.Path)
		seen = b
		return err
	}
	h.enqueue(t, "alice", "clip.mp4", "")
	h.poll(t)
	assert.Equal(t, "video-bytes", string(seen))
}

func TestWorker_StoredToolWinsOverMessage(t *testing.T) {
	h := newHarness(t, 1)
	job := h.enqueue(t, "alice", "a.mp4", "blackframe")
	h.send(t, queue.Envelope{JobID: job.ID.String(), Tool: "text"})

	h.poll(t)
	assert.EqualValues(t, 1, h.tools[analysis.ToolBlackframe].calls.Load())
	assert.EqualValues(t, 0, h.tools[analysis.ToolText].calls.Load())
}

func TestWorker_MessageToolUsedWhenStoredToolUnknown(t *testing.T) {
	h := newHarness(t, 1)
	job := h.enqueue(t, "alice", "a.mp4", "")
	// replace the queued envelope with one naming a tool
	msgs, err := h.queue.Receive(context.Background(), 10, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, h.queue.Delete(context.Background(), msgs[0]))
	h.send(t, queue.Envelope{JobID: job.ID.String(), Tool: "rekognition_detect_text"})

	h.poll(t)
	assert.EqualValues(t, 1, h.tools[analysis.ToolText].calls.Load())
}

func TestWorker_MalformedMessageIsAcked(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.queue.Send(context.Background(), []byte("{not json"))
	require.NoError(t, err)
	h.send(t, queue.Envelope{JobID: "not-a-uuid"})

	assert.Equal(t, 2, h.poll(t))
	assert.Equal(t, 0, h.redelivered(t))
}

func TestWorker_UnknownJobIsAcked(t *testing.T) {
	h := newHarness(t, 1)
	h.send(t, queue.Envelope{JobID: uuid.NewString(), Tool: "labels"})

	h.poll(t)
	assert.Equal(t, 0, h.redelivered(t))
	assert.EqualValues(t, 0, h.tools[analysis.ToolLabels].calls.Load())
}

func TestWorker_DuplicateDeliveryDoesNotRerun(t *testing.T) {
	h := newHarness(t, 1)
	job := h.enqueue(t, "alice", "a.mp4", "labels")
	h.poll(t)
	first := h.job(t, job.ID)

	h.send(t, queue.Envelope{JobID: job.ID.String(), Tool: "labels"})
	h.poll(t)

	assert.EqualValues(t, 1, h.tools[analysis.ToolLabels].calls.Load())
	again := h.job(t, job.ID)
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)
	assert.JSONEq(t, string(first.Result), string(again.Result))
}

func TestWorker_ToolFailureMarksError(t *testing.T) {
	h := newHarness(t, 1)
	h.tools[analysis.ToolText].hook = func(context.Context, analysis.Source) error {
		return analysis.ErrNoDetections
	}
	job := h.enqueue(t, "alice", "a.mp4", "text")

	h.poll(t)
	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "every detection call failed")
	assert.Nil(t, got.Search)
	assert.Empty(t, h.indexer.jobs)
	assert.Equal(t, 0, h.redelivered(t))
}

func TestWorker_MissingObjectMarksError(t *testing.T) {
	h := newHarness(t, 1)
	job := h.enqueue(t, "alice", "a.mp4", "labels")
	delete(h.objects.data, "media/a.mp4")

	h.poll(t)
	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Contains(t, *got.ErrorMessage, "object not found")
}

func TestWorker_ToolPanicIsContained(t *testing.T) {
	h := newHarness(t, 1)
	h.tools[analysis.ToolLabels].hook = func(context.Context, analysis.Source) error {
		panic("decoder exploded")
	}
	bad := h.enqueue(t, "alice", "bad.mp4", "labels")
	good := h.enqueue(t, "alice", "good.mp4", "text")

	assert.Equal(t, 2, h.poll(t))
	assert.Equal(t, models.JobStatusError, h.job(t, bad.ID).Status)
	assert.Contains(t, *h.job(t, bad.ID).ErrorMessage, "decoder exploded")
	assert.Equal(t, models.JobStatusDone, h.job(t, good.ID).Status)
}

func TestWorker_ToolTimeout(t *testing.T) {
	h := newHarness(t, 1)
	h.worker.cfg.ToolTimeout = 20 * time.Millisecond
	h.tools[analysis.ToolLabels].hook = func(ctx context.Context, _ analysis.Source) error {
		<-ctx.Done()
		return ctx.Err()
	}
	job := h.enqueue(t, "alice", "a.mp4", "labels")

	h.poll(t)
	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Contains(t, *got.ErrorMessage, "timed out")
}

func TestWorker_RestartDuringRunDropsStaleResult(t *testing.T) {
	h := newHarness(t, 1)
	var job *models.Job
	h.tools[analysis.ToolLabels].hook = func(ctx context.Context, _ analysis.Source) error {
		return h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusQueued, store.WithRestart())
	}
	job = h.enqueue(t, "alice", "a.mp4", "labels")

	h.poll(t)
	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Search)
	assert.Empty(t, h.indexer.jobs)
	assert.Equal(t, 0, h.redelivered(t))
}

func TestWorker_FailureAfterRestartKeepsRestart(t *testing.T) {
	h := newHarness(t, 1)
	var job *models.Job
	var restarted atomic.Bool
	h.tools[analysis.ToolLabels].hook = func(ctx context.Context, _ analysis.Source) error {
		if restarted.Swap(true) {
			return nil
		}
		if err := h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusQueued, store.WithRestart()); err != nil {
			return err
		}
		h.send(t, queue.Envelope{JobID: job.ID.String(), Tool: "labels"})
		return errors.New("old pass failed")
	}
	job = h.enqueue(t, "alice", "a.mp4", "labels")

	h.poll(t)
	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Nil(t, got.ErrorMessage)

	assert.Equal(t, 1, h.poll(t))
	got = h.job(t, job.ID)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.EqualValues(t, 2, h.tools[analysis.ToolLabels].calls.Load())
}

func TestWorker_MarkRunningFailureRedelivers(t *testing.T) {
	h := newHarness(t, 1)
	job := h.enqueue(t, "alice", "a.mp4", "labels")

	h.store.failingUpdates.Store(true)
	h.poll(t)
	h.store.failingUpdates.Store(false)

	assert.Equal(t, models.JobStatusQueued, h.job(t, job.ID).Status)
	assert.EqualValues(t, 0, h.tools[analysis.ToolLabels].calls.Load())
	time.Sleep(2 * testLease)
	assert.Equal(t, 1, h.poll(t))
	assert.Equal(t, models.JobStatusDone, h.job(t, job.ID).Status)
}

func TestWorker_TransientStoreFailureRedelivers(t *testing.T) {
	h := newHarness(t, 1)
	job := h.enqueue(t, "alice", "a.mp4", "labels")

	h.store.failing.Store(true)
	h.poll(t)
	h.store.failing.Store(false)

	assert.Equal(t, models.JobStatusQueued, h.job(t, job.ID).Status)
	time.Sleep(2 * testLease)
	assert.Equal(t, 1, h.poll(t))
	assert.Equal(t, models.JobStatusDone, h.job(t, job.ID).Status)
}

func TestWorker_IndexerFailureDoesNotFailJob(t *testing.T) {
	h := newHarness(t, 1)
	h.indexer.err = errors.New("redis down")
	job := h.enqueue(t, "alice", "a.mp4", "labels")

	h.poll(t)
	assert.Equal(t, models.JobStatusDone, h.job(t, job.ID).Status)
}

func TestWorker_ConcurrentBatch(t *testing.T) {
	h := newHarness(t, 3)
	var running, peak atomic.Int32
	h.tools[analysis.ToolLabels].hook = func(context.Context, analysis.Source) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	var jobs []*models.Job
	for _, k := range []string{"1.mp4", "2.mp4", "3.mp4", "4.mp4", "5.mp4"} {
		jobs = append(jobs, h.enqueue(t, "alice", k, "labels"))
	}

	assert.Equal(t, 5, h.poll(t))
	for _, j := range jobs {
		assert.Equal(t, models.JobStatusDone, h.job(t, j.ID).Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 1)
	h.worker.cfg.Wait = 10 * time.Millisecond
	job := h.enqueue(t, "alice", "a.mp4", "labels")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := h.store.MemoryStore.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == models.JobStatusDone
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestMerge_IsIdempotent(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(time.Minute)
	current := &models.Job{
		ID:        uuid.New(),
		Status:    models.JobStatusRunning,
		Owner:     models.Owner{UserID: "alice"},
		SessionID: "s",
		Video:     models.VideoRef{Bucket: "b", Key: "red_car.mp4", Tool: "labels"},
		CreatedAt: created,
	}
	res := &models.AnalysisResult{Tool: "labels", Labels: &models.LabelResult{
		UniqueLabels: []models.LabelStat{{Name: "Car"}},
	}}

	once, err := Merge(current, res, now)
	require.NoError(t, err)
	twice, err := Merge(once, res, now)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, models.JobStatusDone, once.Status)
	assert.Equal(t, created, once.CreatedAt)
	assert.Equal(t, now, once.UpdatedAt)
	assert.Equal(t, current.Owner, once.Owner)
	assert.Equal(t, current.Video, once.Video)
}

func TestMerge_RejectsNil(t *testing.T) {
	_, err := Merge(nil, &models.AnalysisResult{}, time.Now())
	assert.Error(t, err)
	_, err = Merge(&models.Job{}, nil, time.Now())
	assert.Error(t, err)
}
