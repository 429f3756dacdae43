package retrieval_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framehunter/internal/cache"
	"github.com/kiranshivaraju/framehunter/internal/retrieval"
	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts ListJobs calls.
type countingStore struct {
	*store.MemoryStore
	lists atomic.Int32
}

func (s *countingStore) ListJobs(ctx context.Context, f store.JobFilter) ([]*models.Job, error) {
	s.lists.Add(1)
	return s.MemoryStore.ListJobs(ctx, f)
}

type brokenGenerations struct{}

func (brokenGenerations) Generation(context.Context, string) (int64, error) {
	return 0, errors.New("redis down")
}

func (brokenGenerations) BumpGeneration(context.Context, string) (int64, error) {
	return 0, errors.New("redis down")
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func addJob(t *testing.T, st store.Store, owner, session, key string, updated time.Duration, sf *models.SearchFields) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:        uuid.New(),
		Status:    models.JobStatusDone,
		Owner:     models.Owner{UserID: owner},
		SessionID: session,
		Video:     models.VideoRef{Bucket: "media", Key: key, Tool: "complete"},
		Search:    sf,
		CreatedAt: base,
		UpdatedAt: base.Add(updated),
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func fields(filename string, tags, snippets []string, keywords ...string) *models.SearchFields {
	sf := &models.SearchFields{
		Filename:     filename,
		Tags:         tags,
		TextSnippets: snippets,
		Keywords:     keywords,
		HasLabels:    len(tags) > 0,
		HasText:      len(snippets) > 0,
		TextCount:    len(snippets),
	}
	for i, k := range keywords {
		if i > 0 {
			sf.Content += " "
		}
		sf.Content += k
	}
	return sf
}

func newEngine(t *testing.T, st store.Store, gens retrieval.Generations) *retrieval.Engine {
	t.Helper()
	e, err := retrieval.NewEngine(st, retrieval.DefaultParams(), gens)
	require.NoError(t, err)
	return e
}

func ids(hits []models.SearchHit) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.JobID)
	}
	return out
}

func TestAnalyze_StopwordsAndSynonyms(t *testing.T) {
	a := retrieval.Analyze("welche Autos")
	assert.Equal(t, []string{"autos"}, a.Tokens)
	assert.Contains(t, a.Terms, "autos")
	assert.Contains(t, a.Terms, "car")
	assert.Contains(t, a.Terms, "vehicle")
	assert.False(t, a.Structural())
}

func TestAnalyze_FoldsDiacritics(t *testing.T) {
	a := retrieval.Analyze("Zeig mir Videos mit grünen Straßen")
	assert.Equal(t, []string{"grunen", "strassen"}, a.Tokens)
	assert.Contains(t, a.Terms, "green")
}

func TestAnalyze_TextSurvivesAsIntent(t *testing.T) {
	a := retrieval.Analyze("Welche Videos enthalten Text?")
	assert.Empty(t, a.Tokens)
	assert.True(t, a.TextIntent)
	assert.True(t, a.Structural())

	a = retrieval.Analyze("Welche Videos enthalten BMW Text?")
	assert.Equal(t, []string{"bmw"}, a.Tokens)
	assert.True(t, a.TextIntent)
	assert.False(t, a.Structural())
}

func TestAnalyze_BlackframePhrases(t *testing.T) {
	for _, q := range []string{"Gibt es Videos mit Blackframes?", "any black frames", "Videos mit schwarzen Bildern"} {
		a := retrieval.Analyze(q)
		assert.True(t, a.BlackframeIntent, q)
		assert.True(t, a.Structural(), q)
	}
}

func TestAnalyze_OnlyStopwords(t *testing.T) {
	a := retrieval.Analyze("Welche Videos gibt es?")
	assert.Empty(t, a.Tokens)
	assert.False(t, a.Structural())
}

func TestScore_Weights(t *testing.T) {
	p := retrieval.DefaultParams()
	sf := fields("bmw.mp4", []string{"bmw"}, []string{"BMW X5"}, "bmw", "x5")

	// content 1.0 + tag 2.0 + snippet 1.5 + exact 0.5
	assert.InDelta(t, 5.0, retrieval.Score(sf, []string{"bmw"}, p), 0.0001)
	// substring only: content 1.0 + tag 2.0 + snippet 1.5
	assert.InDelta(t, 4.5, retrieval.Score(sf, []string{"bm"}, p), 0.0001)
	assert.Zero(t, retrieval.Score(sf, []string{"toyota"}, p))
	assert.Zero(t, retrieval.Score(nil, []string{"bmw"}, p))
}

func TestScore_TagContainmentBothWays(t *testing.T) {
	p := retrieval.DefaultParams()
	sf := fields("", []string{"sports car"}, nil)
	assert.InDelta(t, 2.0, retrieval.Score(sf, []string{"car"}, p), 0.0001)

	sf = fields("", []string{"car"}, nil)
	assert.InDelta(t, 2.0, retrieval.Score(sf, []string{"cars"}, p), 0.0001)
}

func TestScore_MonotonicInTags(t *testing.T) {
	p := retrieval.DefaultParams()
	terms := retrieval.Analyze("autos auf der Straße").Terms
	without := fields("", []string{"road"}, nil, "road")
	with := fields("", []string{"road", "car"}, nil, "road")
	assert.GreaterOrEqual(t, retrieval.Score(with, terms, p), retrieval.Score(without, terms, p))

	unrelated := fields("", []string{"road", "tree"}, nil, "road")
	assert.GreaterOrEqual(t, retrieval.Score(unrelated, terms, p), retrieval.Score(without, terms, p))
}

func TestSearch_BrandScenario(t *testing.T) {
	st := store.NewMemoryStore()
	a := addJob(t, st, "u1", "", "a.mp4", 0, fields("a.mp4", []string{"bmw"}, []string{"BMW X5"}, "bmw", "x5"))
	addJob(t, st, "u1", "", "b.mp4", 0, fields("b.mp4", []string{"toyota"}, nil, "toyota"))
	e := newEngine(t, st, nil)
	ctx := context.Background()

	hits, err := e.Search(ctx, retrieval.Query{OwnerID: "u1", Text: "BMW"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].JobID)
	assert.Greater(t, hits[0].Score, 0.0)

	hits, err = e.Search(ctx, retrieval.Query{OwnerID: "u2", Text: "BMW"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_SynonymScenario(t *testing.T) {
	st := store.NewMemoryStore()
	car := addJob(t, st, "u1", "", "clip.mp4", 0, fields("clip.mp4", []string{"car"}, nil, "clip", "car"))
	addJob(t, st, "u1", "", "dog.mp4", 0, fields("dog.mp4", []string{"dog"}, nil, "dog"))

	hits, err := newEngine(t, st, nil).Search(context.Background(), retrieval.Query{OwnerID: "u1", Text: "welche Autos"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, car.ID, hits[0].JobID)
}

func TestSearch_TenantIsolation(t *testing.T) {
	st := store.NewMemoryStore()
	for i := 0; i < 5; i++ {
		addJob(t, st, "bob", "", "bmw.mp4", 0, fields("bmw.mp4", []string{"bmw"}, []string{"BMW"}, "bmw"))
	}
	hits, err := newEngine(t, st, nil).Search(context.Background(), retrieval.Query{OwnerID: "alice", Text: "bmw"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_RequiresOwner(t *testing.T) {
	_, err := newEngine(t, store.NewMemoryStore(), nil).Search(context.Background(), retrieval.Query{Text: "bmw"})
	assert.ErrorIs(t, err, retrieval.ErrOwnerRequired)
}

func TestSearch_SessionScope(t *testing.T) {
	st := store.NewMemoryStore()
	in := addJob(t, st, "u1", "s1", "a.mp4", 0, fields("a.mp4", []string{"car"}, nil, "car"))
	addJob(t, st, "u1", "s2", "b.mp4", 0, fields("b.mp4", []string{"car"}, nil, "car"))

	hits, err := newEngine(t, st, nil).Search(context.Background(), retrieval.Query{OwnerID: "u1", SessionID: "s1", Text: "car"})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{in.ID}, ids(hits))
}

func TestSearch_SkipsUnfinishedAndUnindexed(t *testing.T) {
	st := store.NewMemoryStore()
	addJob(t, st, "u1", "", "none.mp4", 0, nil)
	running := &models.Job{
		ID:     uuid.New(),
		Status: models.JobStatusRunning,
		Owner:  models.Owner{UserID: "u1"},
		Search: fields("", []string{"car"}, nil, "car"),
	}
	require.NoError(t, st.CreateJob(context.Background(), running))

	hits, err := newEngine(t, st, nil).Search(context.Background(), retrieval.Query{OwnerID: "u1", Text: "car"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_StructuralFilter(t *testing.T) {
	st := store.NewMemoryStore()
	withText := addJob(t, st, "u1", "", "t.mp4", 0, fields("t.mp4", nil, []string{"SALE"}, "sale"))
	dark := fields("d.mp4", nil, nil, "d")
	dark.HasBlackframes = true
	dark.BlackframeCount = 4
	darkJob := addJob(t, st, "u1", "", "d.mp4", 0, dark)
	e := newEngine(t, st, nil)
	ctx := context.Background()

	hits, err := e.Search(ctx, retrieval.Query{OwnerID: "u1", Text: "Welche Videos haben Text?"})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{withText.ID}, ids(hits))
	assert.InDelta(t, retrieval.DefaultParams().StructuralScore, hits[0].Score, 0.0001)

	hits, err = e.Search(ctx, retrieval.Query{OwnerID: "u1", Text: "Gibt es Videos mit Blackframes?"})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{darkJob.ID}, ids(hits))
	assert.Equal(t, 4, hits[0].BlackframeCount)
}

func TestSearch_DeterministicOrdering(t *testing.T) {
	st := store.NewMemoryStore()
	strong := addJob(t, st, "u1", "", "1.mp4", 0, fields("1.mp4", []string{"car", "red car"}, nil, "car"))
	newer := addJob(t, st, "u1", "", "2.mp4", 2*time.Minute, fields("2.mp4", []string{"car"}, nil, "car"))
	older := addJob(t, st, "u1", "", "3.mp4", time.Minute, fields("3.mp4", []string{"car"}, nil, "car"))
	e := newEngine(t, st, nil)

	first, err := e.Search(context.Background(), retrieval.Query{OwnerID: "u1", Text: "car"})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{strong.ID, newer.ID, older.ID}, ids(first))

	for i := 0; i < 5; i++ {
		again, err := e.Search(context.Background(), retrieval.Query{OwnerID: "u1", Text: "car"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSearch_Limit(t *testing.T) {
	st := store.NewMemoryStore()
	for i := 0; i < 60; i++ {
		addJob(t, st, "u1", "", "car.mp4", time.Duration(i)*time.Second, fields("car.mp4", []string{"car"}, nil, "car"))
	}
	e := newEngine(t, st, nil)
	ctx := context.Background()

	hits, err := e.Search(ctx, retrieval.Query{OwnerID: "u1", Text: "car"})
	require.NoError(t, err)
	assert.Len(t, hits, 10)

	hits, err = e.Search(ctx, retrieval.Query{OwnerID: "u1", Text: "car", Limit: 500})
	require.NoError(t, err)
	assert.Len(t, hits, retrieval.MaxLimit)
}

func TestSearch_EmptyQuery(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	hits, err := newEngine(t, st, nil).Search(context.Background(), retrieval.Query{OwnerID: "u1", Text: "welche videos"})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.EqualValues(t, 0, st.lists.Load())
}

func TestSearch_CacheInvalidatedByIndex(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	gens := cache.NewMemoryCache()
	e := newEngine(t, st, gens)
	ctx := context.Background()
	q := retrieval.Query{OwnerID: "u1", Text: "car"}

	addJob(t, st, "u1", "", "a.mp4", 0, fields("a.mp4", []string{"car"}, nil, "car"))
	hits, err := e.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = e.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.EqualValues(t, 1, st.lists.Load())

	job := addJob(t, st, "u1", "", "b.mp4", time.Minute, fields("b.mp4", []string{"car"}, nil, "car"))
	require.NoError(t, e.Index(ctx, job))

	hits, err = e.Search(ctx, q)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.EqualValues(t, 2, st.lists.Load())
}

func TestSearch_CacheIsPerOwner(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	e := newEngine(t, st, cache.NewMemoryCache())
	ctx := context.Background()
	addJob(t, st, "u1", "", "a.mp4", 0, fields("a.mp4", []string{"car"}, nil, "car"))

	_, err := e.Search(ctx, retrieval.Query{OwnerID: "u1", Text: "car"})
	require.NoError(t, err)
	hits, err := e.Search(ctx, retrieval.Query{OwnerID: "u2", Text: "car"})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.EqualValues(t, 2, st.lists.Load())
}

func TestSearch_GenerationFailureBypassesCache(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	e := newEngine(t, st, brokenGenerations{})
	ctx := context.Background()
	addJob(t, st, "u1", "", "a.mp4", 0, fields("a.mp4", []string{"car"}, nil, "car"))

	for i := 0; i < 3; i++ {
		hits, err := e.Search(ctx, retrieval.Query{OwnerID: "u1", Text: "car"})
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	}
	assert.EqualValues(t, 3, st.lists.Load())
	assert.Error(t, e.Index(ctx, &models.Job{Owner: models.Owner{UserID: "u1"}}))
}

// hangingStore blocks ListJobs until the caller's context ends.
type hangingStore struct {
	*store.MemoryStore
}

func (hangingStore) ListJobs(ctx context.Context, _ store.JobFilter) ([]*models.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSearch_StoreTimeout(t *testing.T) {
	e, err := retrieval.NewEngine(hangingStore{store.NewMemoryStore()}, retrieval.DefaultParams(), nil,
		retrieval.WithStoreTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Search(context.Background(), retrieval.Query{OwnerID: "u1", Text: "car"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSearch_SharedGenerationsInvalidateAcrossEngines(t *testing.T) {
	st := store.NewMemoryStore()
	gens := cache.NewMemoryCache()
	api := newEngine(t, st, gens)
	indexer := newEngine(t, st, gens)
	ctx := context.Background()
	q := retrieval.Query{OwnerID: "u1", Text: "car"}

	hits, err := api.Search(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, hits)

	job := addJob(t, st, "u1", "", "a.mp4", 0, fields("a.mp4", []string{"car"}, nil, "car"))
	require.NoError(t, indexer.Index(ctx, job))

	hits, err = api.Search(ctx, q)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearch_NoGenerationsNeverServesStale(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	e := newEngine(t, st, nil)
	ctx := context.Background()
	q := retrieval.Query{OwnerID: "u1", Text: "car"}

	hits, err := e.Search(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, hits)

	addJob(t, st, "u1", "", "a.mp4", 0, fields("a.mp4", []string{"car"}, nil, "car"))
	hits, err = e.Search(ctx, q)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.EqualValues(t, 2, st.lists.Load())
}

func TestInvalidate_DropsCachedResults(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	e := newEngine(t, st, cache.NewMemoryCache())
	ctx := context.Background()
	q := retrieval.Query{OwnerID: "u1", Text: "car"}
	job := addJob(t, st, "u1", "", "a.mp4", 0, fields("a.mp4", []string{"car"}, nil, "car"))

	_, err := e.Search(ctx, q)
	require.NoError(t, err)
	require.NoError(t, st.DeleteJob(ctx, job.ID))
	require.NoError(t, e.Invalidate(ctx, "u1"))

	hits, err := e.Search(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.EqualValues(t, 2, st.lists.Load())
}

func TestStats_CountsOwnersIndexedJobs(t *testing.T) {
	st := store.NewMemoryStore()
	addJob(t, st, "u1", "", "a.mp4", 0, fields("a.mp4", []string{"car"}, []string{"BMW"}, "car"))
	bf := fields("b.mp4", nil, nil, "intro")
	bf.HasBlackframes = true
	addJob(t, st, "u1", "", "b.mp4", 0, bf)
	addJob(t, st, "u1", "", "c.mp4", 0, nil)
	addJob(t, st, "u2", "", "d.mp4", 0, fields("d.mp4", []string{"car"}, nil, "car"))

	stats, err := newEngine(t, st, nil).Stats(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, retrieval.Stats{IndexedVideos: 2, WithText: 1, WithBlackframes: 1}, stats)

	stats, err = newEngine(t, st, cache.NewMemoryCache()).Stats(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, stats.CacheEnabled)

	_, err = newEngine(t, st, nil).Stats(context.Background(), " ")
	assert.ErrorIs(t, err, retrieval.ErrOwnerRequired)
}
