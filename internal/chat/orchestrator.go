// Package chat answers free-text questions about an owner's analysed videos.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/internal/retrieval"
	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// Source tells the caller which path produced an answer.
type Source string

const (
	SourceRetrieval  Source = "retrieval"
	SourceProgress   Source = "progress"
	SourceGenerative Source = "generative"
	SourceFallback   Source = "fallback"
)

// Searcher is the ranked retrieval the orchestrator tries first.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]models.SearchHit, error)
}

// JobSource lists an owner's jobs for progress and generative context.
type JobSource interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
}

type Request struct {
	Owner     models.Owner
	SessionID string
	Message   string
}

type Answer struct {
	Text    string             `json:"answer"`
	Source  Source             `json:"source"`
	Matches []models.SearchHit `json:"matches"`
}

const (
	progressScanLimit   = 500
	defaultStoreTimeout = 10 * time.Second
)

// Orchestrator picks between a templated retrieval answer, progress
// narration and a generative answer.
type Orchestrator struct {
	search       Searcher
	jobs         JobSource
	provider     models.GenerativeProvider
	cfg          config.ChatConfig
	timeout      time.Duration
	storeTimeout time.Duration
}

type Option func(*Orchestrator)

// WithStoreTimeout bounds each job lookup.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

// NewOrchestrator creates an Orchestrator. provider may be nil, in which case
// the generative step always falls back to a canned answer. timeout bounds
// the generative call; cfg.AskTimeout bounds the whole answer and defaults to
// timeout plus the store timeout.
func NewOrchestrator(search Searcher, jobs JobSource, provider models.GenerativeProvider, cfg config.ChatConfig, timeout time.Duration, opts ...Option) *Orchestrator {
	if cfg.ResultLimit <= 0 {
		cfg.ResultLimit = 5
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	o := &Orchestrator{
		search:       search,
		jobs:         jobs,
		provider:     provider,
		cfg:          cfg,
		timeout:      timeout,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.AskTimeout <= 0 {
		o.cfg.AskTimeout = o.timeout + o.storeTimeout
	}
	return o
}

// Ask produces one answer within cfg.AskTimeout. It never returns blank text.
func (o *Orchestrator) Ask(ctx context.Context, req Request) Answer {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AskTimeout)
	defer cancel()

	ans := o.answer(ctx, req)
	if strings.TrimSpace(ans.Text) == "" {
		ans.Text = cannedAnswer(retrieval.Analyze(req.Message))
		ans.Source = SourceFallback
	}
	if ans.Matches == nil {
		ans.Matches = []models.SearchHit{}
	}
	return ans
}

func (o *Orchestrator) answer(ctx context.Context, req Request) Answer {
	msg := strings.TrimSpace(req.Message)
	a := retrieval.Analyze(msg)
	log := slog.With("owner", req.Owner.UserID, "session", req.SessionID)

	if msg != "" && triggered(a) {
		hits, err := o.search.Search(ctx, retrieval.Query{
			OwnerID:   req.Owner.UserID,
			SessionID: req.SessionID,
			Text:      msg,
			Limit:     o.cfg.ResultLimit,
		})
		if err != nil {
			log.Warn("chat retrieval failed", "error", err)
		}
		if len(hits) > 0 {
			return Answer{Text: templatedAnswer(a, hits), Source: SourceRetrieval, Matches: hits}
		}
	}

	if text, ok := o.progress(ctx, req); ok {
		return Answer{Text: text, Source: SourceProgress}
	}

	return o.generate(ctx, req, a)
}

// progress narrates job counts when some of the owner's jobs are unfinished.
func (o *Orchestrator) progress(ctx context.Context, req Request) (string, bool) {
	if req.Owner.UserID == "" {
		return "", false
	}
	jobs, err := o.listJobs(ctx, store.JobFilter{
		OwnerID:   req.Owner.UserID,
		SessionID: req.SessionID,
		Limit:     progressScanLimit,
	})
	if err != nil {
		slog.Warn("chat progress lookup failed", "owner", req.Owner.UserID, "error", err)
		return "", false
	}

	var c statusCounts
	for _, j := range jobs {
		c.add(models.NormalizeStatus(j.Status))
	}
	if c.pending() == 0 {
		return "", false
	}
	return progressAnswer(c), true
}

func (o *Orchestrator) generate(ctx context.Context, req Request, a retrieval.Analysis) Answer {
	fallback := Answer{Text: cannedAnswer(a), Source: SourceFallback}
	if o.provider == nil || req.Owner.UserID == "" {
		return fallback
	}

	var jobs []*models.Job
	if o.jobs != nil {
		var err error
		jobs, err = o.listJobs(ctx, store.JobFilter{
			OwnerID:  req.Owner.UserID,
			Statuses: []string{models.JobStatusDone},
			Limit:    o.cfg.ContextJobs,
		})
		if err != nil {
			slog.Warn("chat context lookup failed", "owner", req.Owner.UserID, "error", err)
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	text, err := o.provider.Complete(genCtx, models.CompletionRequest{
		System:    systemPrompt,
		User:      userPrompt(req.Message, buildContext(jobs, o.limits())),
		MaxTokens: o.cfg.MaxTokens,
	})
	if err != nil {
		slog.Warn("generative answer failed",
			"provider", o.provider.Name(),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	return Answer{Text: text, Source: SourceGenerative}
}

func (o *Orchestrator) listJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	return o.jobs.ListJobs(ctx, filter)
}

func (o *Orchestrator) limits() contextLimits {
	l := defaultContextLimits()
	if o.cfg.ContextJobs > 0 {
		l.jobs = o.cfg.ContextJobs
	}
	if o.cfg.ContextLabels > 0 {
		l.labels = o.cfg.ContextLabels
	}
	if o.cfg.ContextTexts > 0 {
		l.texts = o.cfg.ContextTexts
	}
	if o.cfg.MaxSnippetBytes > 0 {
		l.snippetBytes = o.cfg.MaxSnippetBytes
	}
	if o.cfg.MaxContextBytes > 0 {
		l.totalBytes = o.cfg.MaxContextBytes
	}
	return l
}

var greetings = map[string]struct{}{
	"hallo": {}, "hello": {}, "hi": {}, "hey": {}, "moin": {}, "servus": {}, "danke": {},
	"thanks": {}, "thank": {}, "you": {}, "guten": {}, "tag": {}, "morgen": {}, "abend": {},
	"help": {}, "hilfe": {}, "ok": {}, "okay": {},
}

// triggered reports whether the message names content worth a retrieval pass.
func triggered(a retrieval.Analysis) bool {
	if a.TextIntent || a.BlackframeIntent {
		return true
	}
	for _, tok := range a.Tokens {
		if _, greet := greetings[tok]; greet {
			continue
		}
		return true
	}
	return false
}

type statusCounts struct {
	queued, running, done, failed int
}

func (c *statusCounts) add(status string) {
	switch status {
	case models.JobStatusQueued:
		c.queued++
	case models.JobStatusRunning:
		c.running++
	case models.JobStatusDone:
		c.done++
	case models.JobStatusError:
		c.failed++
	}
}

func (c statusCounts) pending() int { return c.queued + c.running }
