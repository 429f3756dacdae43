// Package retrieval ranks an owner's analysed jobs against a free-text query
// using derived keywords, tags and on-screen text.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

var ErrOwnerRequired = errors.New("owner is required")

// Generations tracks a per-owner counter that changes whenever the owner's
// searchable data changes. cache.Cache satisfies it.
type Generations interface {
	Generation(ctx context.Context, ownerID string) (int64, error)
	BumpGeneration(ctx context.Context, ownerID string) (int64, error)
}

// Query is one search request.
type Query struct {
	OwnerID   string
	SessionID string
	Text      string
	Limit     int
}

const defaultStoreTimeout = 10 * time.Second

// Engine answers owner-scoped searches. Results are cached per owner
// generation, so indexing new results invalidates that owner's entries.
type Engine struct {
	store        store.Store
	params       Params
	gens         Generations
	cache        *lru.Cache[string, []models.SearchHit]
	storeTimeout time.Duration
}

type Option func(*Engine)

// WithStoreTimeout bounds each store and generation lookup.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// NewEngine creates an Engine. gens may be nil, which disables caching.
func NewEngine(st store.Store, p Params, gens Generations, opts ...Option) (*Engine, error) {
	e := &Engine{store: st, params: p, gens: gens, storeTimeout: defaultStoreTimeout}
	for _, opt := range opts {
		opt(e)
	}
	if gens != nil && p.CacheSize > 0 {
		c, err := lru.New[string, []models.SearchHit](p.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating result cache: %w", err)
		}
		e.cache = c
	}
	return e, nil
}

func (e *Engine) Params() Params { return e.params }

// Search returns the owner's best matching jobs, highest score first.
func (e *Engine) Search(ctx context.Context, q Query) ([]models.SearchHit, error) {
	if strings.TrimSpace(q.OwnerID) == "" {
		return nil, ErrOwnerRequired
	}
	limit := e.limit(q.Limit)
	a := Analyze(q.Text)

	key, cacheable := e.cacheKey(ctx, q, a, limit)
	if cacheable {
		if hits, ok := e.cache.Get(key); ok {
			return copyHits(hits), nil
		}
	}

	hits, err := e.search(ctx, q, a, limit)
	if err != nil {
		return nil, err
	}
	if cacheable {
		e.cache.Add(key, copyHits(hits))
	}
	return hits, nil
}

func (e *Engine) search(ctx context.Context, q Query, a Analysis, limit int) ([]models.SearchHit, error) {
	structural := a.Structural()
	if !structural && len(a.Terms) == 0 {
		return []models.SearchHit{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	jobs, err := e.store.ListJobs(ctx, store.JobFilter{
		OwnerID:   q.OwnerID,
		SessionID: q.SessionID,
		Statuses:  []string{models.JobStatusDone},
		HasSearch: true,
		Limit:     e.params.CandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}

	hits := make([]models.SearchHit, 0, len(jobs))
	for _, job := range jobs {
		// the store filters by owner; this guards against a misbehaving backend
		if job.Owner.UserID != q.OwnerID || job.Search == nil {
			continue
		}
		var score float64
		if structural {
			if !structuralMatch(job.Search, a) {
				continue
			}
			score = e.params.StructuralScore
		} else {
			doc := newDocument(job.Search)
			if !doc.matchesAny(a.Terms) {
				continue
			}
			score = doc.score(a.Terms, e.params)
		}
		if score <= e.params.MinScore {
			continue
		}
		hits = append(hits, toHit(job, score))
	}

	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func structuralMatch(sf *models.SearchFields, a Analysis) bool {
	if a.TextIntent && !sf.HasText {
		return false
	}
	if a.BlackframeIntent && !sf.HasBlackframes {
		return false
	}
	return true
}

// sortHits orders by score, then recency, then job id.
func sortHits(hits []models.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].UpdatedAt.Equal(hits[j].UpdatedAt) {
			return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
		}
		return hits[i].JobID.String() < hits[j].JobID.String()
	})
}

func toHit(job *models.Job, score float64) models.SearchHit {
	sf := job.Search
	return models.SearchHit{
		JobID:           job.ID,
		Score:           score,
		SessionID:       job.SessionID,
		Video:           job.Video,
		Filename:        sf.Filename,
		Tags:            append([]string{}, sf.Tags...),
		TextSnippets:    append([]string{}, sf.TextSnippets...),
		HasText:         sf.HasText,
		HasBlackframes:  sf.HasBlackframes,
		BlackframeCount: sf.BlackframeCount,
		TextCount:       sf.TextCount,
		UpdatedAt:       job.UpdatedAt,
	}
}

func (e *Engine) limit(n int) int {
	def := e.params.DefaultLimit
	if def <= 0 {
		def = DefaultParams().DefaultLimit
	}
	switch {
	case n <= 0:
		return def
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

// cacheKey returns the LRU key for q. The cache is bypassed when the owner's
// generation cannot be read.
func (e *Engine) cacheKey(ctx context.Context, q Query, a Analysis, limit int) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	gen, err := e.gens.Generation(ctx, q.OwnerID)
	if err != nil {
		slog.Warn("retrieval cache bypassed", "owner", q.OwnerID, "error", err)
		return "", false
	}
	return fmt.Sprintf("%s|%s|%s|%d|%d", q.OwnerID, q.SessionID, a.Normalized, limit, gen), true
}

// Index invalidates cached results for the job's owner.
func (e *Engine) Index(ctx context.Context, job *models.Job) error {
	if job == nil {
		return nil
	}
	return e.Invalidate(ctx, job.Owner.UserID)
}

// Invalidate drops every cached result of the owner.
func (e *Engine) Invalidate(ctx context.Context, ownerID string) error {
	if e.gens == nil || ownerID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if _, err := e.gens.BumpGeneration(ctx, ownerID); err != nil {
		return fmt.Errorf("bumping generation: %w", err)
	}
	return nil
}

// Stats summarises an owner's searchable jobs.
type Stats struct {
	IndexedVideos   int  `json:"indexed_videos"`
	WithText        int  `json:"with_text"`
	WithBlackframes int  `json:"with_blackframes"`
	Truncated       bool `json:"truncated"`
	CacheEnabled    bool `json:"cache_enabled"`
}

// Stats counts the owner's done jobs that carry search fields, scanning at
// most CandidateLimit jobs.
func (e *Engine) Stats(ctx context.Context, ownerID string) (Stats, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Stats{}, ErrOwnerRequired
	}
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	jobs, err := e.store.ListJobs(ctx, store.JobFilter{
		OwnerID:   ownerID,
		Statuses:  []string{models.JobStatusDone},
		HasSearch: true,
		Limit:     e.params.CandidateLimit,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("listing indexed jobs: %w", err)
	}

	st := Stats{CacheEnabled: e.cache != nil}
	for _, job := range jobs {
		if job.Owner.UserID != ownerID || job.Search == nil {
			continue
		}
		st.IndexedVideos++
		if job.Search.HasText {
			st.WithText++
		}
		if job.Search.HasBlackframes {
			st.WithBlackframes++
		}
	}
	st.Truncated = e.params.CandidateLimit > 0 && len(jobs) >= e.params.CandidateLimit
	return st, nil
}

func copyHits(hits []models.SearchHit) []models.SearchHit {
	out := make([]models.SearchHit, len(hits))
	copy(out, hits)
	return out
}
