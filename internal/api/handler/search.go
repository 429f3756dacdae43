package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/api/response"
	"github.com/kiranshivaraju/framehunter/internal/chat"
	"github.com/kiranshivaraju/framehunter/internal/retrieval"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const maxQueryLen = 500

type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]models.SearchHit, error)
}

type StatsSource interface {
	Stats(ctx context.Context, ownerID string) (retrieval.Stats, error)
}

type Asker interface {
	Ask(ctx context.Context, req chat.Request) chat.Answer
}

type searchResponse struct {
	Query   string             `json:"query"`
	Results []models.SearchHit `json:"results"`
	Count   int                `json:"count"`
}

// NewSearchHandler returns an http.HandlerFunc for POST /api/v1/search.
func NewSearchHandler(svc Searcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}

		var req struct {
			Query     string `json:"query"`
			Limit     int    `json:"limit"`
			SessionID string `json:"session_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Query) > maxQueryLen {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "query is too long", nil)
			return
		}

		hits, err := svc.Search(r.Context(), retrieval.Query{
			OwnerID:   owner.UserID,
			SessionID: req.SessionID,
			Text:      req.Query,
			Limit:     req.Limit,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if hits == nil {
			hits = []models.SearchHit{}
		}
		response.JSON(w, searchResponse{Query: req.Query, Results: hits, Count: len(hits)})
	}
}

// NewAskHandler returns an http.HandlerFunc for POST /api/v1/ask.
// The orchestrator always produces an answer, so only input errors are reported.
func NewAskHandler(svc Asker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}

		var req struct {
			Message   string `json:"message"`
			SessionID string `json:"session_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "message is required", nil)
			return
		}
		if len(req.Message) > maxQueryLen {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "message is too long", nil)
			return
		}

		response.JSON(w, svc.Ask(r.Context(), chat.Request{
			Owner:     owner,
			SessionID: req.SessionID,
			Message:   req.Message,
		}))
	}
}

type searchStatsResponse struct {
	retrieval.Stats
	AIProvider  string `json:"ai_provider"`
	AIAvailable bool   `json:"ai_available"`
}

// NewSearchStatsHandler returns an http.HandlerFunc for GET /api/v1/search/stats.
func NewSearchStatsHandler(svc StatsSource, aiProvider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		stats, err := svc.Stats(r.Context(), owner.UserID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, searchStatsResponse{
			Stats:       stats,
			AIProvider:  aiProvider,
			AIAvailable: aiProvider != "" && aiProvider != "none",
		})
	}
}

// NewSuggestionsHandler returns an http.HandlerFunc for GET /api/v1/ask/suggestions.
func NewSuggestionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, map[string][]string{"suggestions": chat.Suggestions()})
	}
}
