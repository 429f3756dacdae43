package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framehunter/internal/ai/mock"
	"github.com/kiranshivaraju/framehunter/internal/analysis"
	"github.com/kiranshivaraju/framehunter/internal/chat"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/internal/retrieval"
	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = models.Owner{UserID: "u1", UserEmail: "u1@example.com"}

func chatConfig() config.ChatConfig {
	return config.ChatConfig{
		ResultLimit:     5,
		ContextJobs:     5,
		ContextLabels:   15,
		ContextTexts:    10,
		MaxSnippetBytes: 120,
		MaxContextBytes: 4000,
		MaxTokens:       150,
	}
}

type fixture struct {
	st       *store.MemoryStore
	engine   *retrieval.Engine
	provider *mock.MockProvider
	orch     *chat.Orchestrator
}

func newFixture(t *testing.T, provider *mock.MockProvider) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	engine, err := retrieval.NewEngine(st, retrieval.DefaultParams(), nil)
	require.NoError(t, err)
	var p models.GenerativeProvider
	if provider != nil {
		p = provider
	}
	return &fixture{
		st:       st,
		engine:   engine,
		provider: provider,
		orch:     chat.NewOrchestrator(engine, st, p, chatConfig(), 200*time.Millisecond),
	}
}

// addDone stores a finished job whose search fields derive from res.
func (f *fixture) addDone(t *testing.T, session, key string, res *models.AnalysisResult) *models.Job {
	t.Helper()
	video := models.VideoRef{Bucket: "media", Key: key, Tool: "complete"}
	res.Video = video
	raw, err := json.Marshal(res)
	require.NoError(t, err)
	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		Status:    models.JobStatusDone,
		Owner:     owner,
		SessionID: session,
		Video:     video,
		Result:    raw,
		Search:    analysis.DeriveSearchFields(video, res),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.st.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) addPending(t *testing.T, session, status string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.st.CreateJob(context.Background(), &models.Job{
		ID:        uuid.New(),
		Status:    status,
		Owner:     owner,
		SessionID: session,
		Video:     models.VideoRef{Bucket: "media", Key: "pending.mp4", Tool: "complete"},
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func carResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		Tool: "complete",
		Labels: &models.LabelResult{UniqueLabels: []models.LabelStat{
			{Name: "Car", MaxConfidence: 98},
			{Name: "Road", MaxConfidence: 85},
			{Name: "Tree", MaxConfidence: 60},
		}},
		Text: &models.TextResult{Count: 1, Texts: []models.TextHit{
			{Text: "BMW M3", Confidence: 97},
		}},
		Blackframes: &models.BlackframeResult{Count: 0},
	}
}

func introResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		Tool:        "complete",
		Blackframes: &models.BlackframeResult{Count: 4},
		Labels: &models.LabelResult{UniqueLabels: []models.LabelStat{
			{Name: "Person", MaxConfidence: 90},
		}},
	}
}

func ask(f *fixture, session, msg string) chat.Answer {
	return f.orch.Ask(context.Background(), chat.Request{Owner: owner, SessionID: session, Message: msg})
}

func TestAsk_BrandTemplate(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider())
	f.addDone(t, "s1", "uploads/drive.mp4", carResult())
	f.addDone(t, "s1", "uploads/intro.mp4", introResult())

	ans := ask(f, "s1", "Welche Videos zeigen BMW?")
	assert.Equal(t, chat.SourceRetrieval, ans.Source)
	require.Len(t, ans.Matches, 1)
	assert.Equal(t, "drive.mp4", ans.Matches[0].Filename)
	assert.Contains(t, ans.Text, "BMW")
	assert.Contains(t, ans.Text, "drive.mp4")
	assert.Contains(t, ans.Text, `"BMW M3"`)
	assert.Zero(t, f.provider.Calls())
}

func TestAsk_GenericTemplateListsTags(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider())
	f.addDone(t, "s1", "uploads/drive.mp4", carResult())

	ans := ask(f, "s1", "videos mit autos")
	assert.Equal(t, chat.SourceRetrieval, ans.Source)
	assert.Contains(t, ans.Text, "drive.mp4")
	assert.Contains(t, ans.Text, "tags: car")
}

func TestAsk_BlackframeTemplate(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider())
	f.addDone(t, "s1", "uploads/drive.mp4", carResult())
	f.addDone(t, "s1", "uploads/intro.mp4", introResult())

	ans := ask(f, "s1", "which videos have blackframes?")
	assert.Equal(t, chat.SourceRetrieval, ans.Source)
	require.Len(t, ans.Matches, 1)
	assert.Contains(t, ans.Text, "intro.mp4: 4 black frames")
}

func TestAsk_TextTemplate(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider())
	f.addDone(t, "s1", "uploads/drive.mp4", carResult())
	f.addDone(t, "s1", "uploads/intro.mp4", introResult())

	ans := ask(f, "s1", "Welche Videos enthalten Text?")
	assert.Equal(t, chat.SourceRetrieval, ans.Source)
	require.Len(t, ans.Matches, 1)
	assert.Contains(t, ans.Text, `drive.mp4: "BMW M3"`)
}

func TestAsk_ProgressWhenJobsPending(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider())
	f.addDone(t, "s1", "uploads/drive.mp4", carResult())
	f.addPending(t, "s1", models.JobStatusRunning)
	f.addPending(t, "s1", models.JobStatusQueued)
	f.addPending(t, "s1", models.JobStatusError)

	ans := ask(f, "s1", "zeige mir giraffen")
	assert.Equal(t, chat.SourceProgress, ans.Source)
	assert.Contains(t, ans.Text, "2 running")
	assert.Contains(t, ans.Text, "1 done")
	assert.Contains(t, ans.Text, "1 failed")
	assert.Empty(t, ans.Matches)
	assert.Zero(t, f.provider.Calls())
}

func TestAsk_ProgressScopedToSession(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider())
	f.addPending(t, "other", models.JobStatusRunning)

	ans := ask(f, "s1", "zeige mir giraffen")
	assert.Equal(t, chat.SourceGenerative, ans.Source)
}

func TestAsk_GenerativeFallbackContext(t *testing.T) {
	var got models.CompletionRequest
	provider := &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
			got = req
			return "  Two videos were analysed.  ", nil
		},
	}
	f := newFixture(t, provider)
	job := f.addDone(t, "s1", "uploads/drive.mp4", carResult())

	ans := ask(f, "s1", "Hallo!")
	assert.Equal(t, chat.SourceGenerative, ans.Source)
	assert.Equal(t, "Two videos were analysed.", ans.Text)
	assert.Equal(t, 150, got.MaxTokens)
	assert.NotEmpty(t, got.System)
	assert.Contains(t, got.User, "Video: drive.mp4")
	assert.Contains(t, got.User, "Labels detected: Car, Road")
	assert.NotContains(t, got.User, "Tree")
	assert.Contains(t, got.User, "Text detected: BMW M3")
	assert.Contains(t, got.User, "Job ID: "+job.ID.String())
	assert.Contains(t, got.User, "Question: Hallo!")
}

func TestAsk_GenerativeContextIsBounded(t *testing.T) {
	var got models.CompletionRequest
	provider := &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
			got = req
			return "ok", nil
		},
	}
	f := newFixture(t, provider)
	long := strings.Repeat("x", 500)
	res := &models.AnalysisResult{Text: &models.TextResult{}}
	for i := 0; i < 30; i++ {
		res.Text.Texts = append(res.Text.Texts, models.TextHit{Text: long + string(rune('a'+i%26)), Confidence: 90})
	}
	for i := 0; i < 8; i++ {
		f.addDone(t, "", "uploads/v.mp4", res)
	}

	ask(f, "", "hallo")
	assert.LessOrEqual(t, strings.Count(got.User, "Video: "), 5)
	assert.LessOrEqual(t, len(got.User), 4000+200)
	assert.NotContains(t, got.User, long)
}

func TestAsk_ProviderFailureCanned(t *testing.T) {
	f := newFixture(t, mock.NewFailingProvider(errors.New("bedrock down")))
	f.addDone(t, "s1", "uploads/drive.mp4", carResult())

	ans := ask(f, "s1", "gibt es giraffen?")
	assert.Equal(t, chat.SourceFallback, ans.Source)
	assert.NotEmpty(t, ans.Text)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestAsk_ProviderTimeoutCanned(t *testing.T) {
	f := newFixture(t, mock.NewTimeoutProvider())

	start := time.Now()
	ans := ask(f, "s1", "gibt es giraffen?")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, chat.SourceFallback, ans.Source)
	assert.NotEmpty(t, ans.Text)
}

func TestAsk_EmptyModelOutputCanned(t *testing.T) {
	provider := &mock.MockProvider{Name_: "mock", CompleteFunc: func(context.Context, models.CompletionRequest) (string, error) {
		return "   ", nil
	}}
	f := newFixture(t, provider)

	ans := ask(f, "s1", "which videos have blackframes?")
	assert.Equal(t, chat.SourceFallback, ans.Source)
	assert.Contains(t, ans.Text, "black frames")
}

func TestAsk_NoProviderCanned(t *testing.T) {
	f := newFixture(t, nil)

	ans := ask(f, "s1", "")
	assert.Equal(t, chat.SourceFallback, ans.Source)
	assert.NotEmpty(t, ans.Text)
	assert.NotNil(t, ans.Matches)
}

func TestAsk_TenantIsolation(t *testing.T) {
	f := newFixture(t, mock.NewFailingProvider(errors.New("off")))
	f.addDone(t, "s1", "uploads/drive.mp4", carResult())

	ans := f.orch.Ask(context.Background(), chat.Request{
		Owner:   models.Owner{UserID: "intruder"},
		Message: "Welche Videos zeigen BMW?",
	})
	assert.Equal(t, chat.SourceFallback, ans.Source)
	assert.Empty(t, ans.Matches)
	assert.NotContains(t, ans.Text, "drive.mp4")
}

type failingSearch struct{}

func (failingSearch) Search(context.Context, retrieval.Query) ([]models.SearchHit, error) {
	return nil, errors.New("store unavailable")
}

func TestAsk_RetrievalErrorFallsThrough(t *testing.T) {
	st := store.NewMemoryStore()
	provider := mock.NewMockProvider()
	orch := chat.NewOrchestrator(failingSearch{}, st, provider, chatConfig(), time.Second)

	ans := orch.Ask(context.Background(), chat.Request{Owner: owner, Message: "BMW"})
	assert.Equal(t, chat.SourceGenerative, ans.Source)
	assert.Equal(t, 1, provider.Calls())
}

type hangingSearch struct{}

func (hangingSearch) Search(ctx context.Context, _ retrieval.Query) ([]models.SearchHit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type hangingJobs struct{}

func (hangingJobs) ListJobs(ctx context.Context, _ store.JobFilter) ([]*models.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAsk_DeadlineReturnsFallback(t *testing.T) {
	cfg := chatConfig()
	cfg.AskTimeout = 100 * time.Millisecond
	orch := chat.NewOrchestrator(hangingSearch{}, hangingJobs{}, nil, cfg, time.Second)

	start := time.Now()
	ans := orch.Ask(context.Background(), chat.Request{Owner: owner, Message: "Welche Videos zeigen BMW?"})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, chat.SourceFallback, ans.Source)
	assert.NotEmpty(t, strings.TrimSpace(ans.Text))
	assert.NotNil(t, ans.Matches)
}

func TestAsk_JobLookupsAreBounded(t *testing.T) {
	cfg := chatConfig()
	cfg.AskTimeout = 5 * time.Second
	engine, err := retrieval.NewEngine(store.NewMemoryStore(), retrieval.DefaultParams(), nil)
	require.NoError(t, err)
	provider := mock.NewMockProvider()
	orch := chat.NewOrchestrator(engine, hangingJobs{}, provider, cfg, time.Second,
		chat.WithStoreTimeout(20*time.Millisecond))

	start := time.Now()
	ans := orch.Ask(context.Background(), chat.Request{Owner: owner, Message: "hallo"})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, chat.SourceGenerative, ans.Source)
	assert.Equal(t, 1, provider.Calls())
}

func TestSuggestions(t *testing.T) {
	got := chat.Suggestions()
	require.NotEmpty(t, got)
	assert.Contains(t, got, "Show me videos with cars")
	assert.Contains(t, got, "Zeig mir Videos mit Autos")

	got[0] = "changed"
	assert.NotEqual(t, "changed", chat.Suggestions()[0])
}
