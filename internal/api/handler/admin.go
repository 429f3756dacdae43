package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/framehunter/internal/api/middleware"
	"github.com/kiranshivaraju/framehunter/internal/api/response"
	"github.com/kiranshivaraju/framehunter/internal/lifecycle"
	"github.com/kiranshivaraju/framehunter/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every generated API key.
const KeyPrefix = "fh_"

type StaleRequeuer interface {
	RequeueStale(ctx context.Context, maxAge time.Duration) (lifecycle.RequeueReport, error)
}

type Reindexer interface {
	Reindex(ctx context.Context) (lifecycle.ReindexReport, error)
}

type KeyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// NewRequeueStaleHandler returns an http.HandlerFunc for
// POST /api/v1/admin/jobs/requeue-stale.
func NewRequeueStaleHandler(svc StaleRequeuer, defaultMaxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MaxAgeSeconds int `json:"max_age_seconds"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.MaxAgeSeconds < 0 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "max_age_seconds must be positive", nil)
			return
		}
		maxAge := defaultMaxAge
		if req.MaxAgeSeconds > 0 {
			maxAge = time.Duration(req.MaxAgeSeconds) * time.Second
		}

		report, err := svc.RequeueStale(r.Context(), maxAge)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		slog.Info("stale jobs requeued",
			"max_age", maxAge.String(),
			"requeued", report.Requeued,
			"skipped", report.Skipped,
			"failed", report.Failed,
		)
		response.JSON(w, report)
	}
}

// NewReindexHandler returns an http.HandlerFunc for
// POST /api/v1/admin/search/reindex.
func NewReindexHandler(svc Reindexer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		report, err := svc.Reindex(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		slog.Info("search fields rebuilt",
			"reindexed", report.Reindexed,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"truncated", report.Truncated,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		response.JSON(w, report)
	}
}

type createKeyResponse struct {
	*models.APIKey
	// Key is the raw key, returned only once.
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(st KeyCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name      string   `json:"name"`
			UserID    string   `json:"user_id"`
			UserEmail string   `json:"user_email"`
			Scopes    []string `json:"scopes"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "user_id is required", nil)
			return
		}
		for _, s := range req.Scopes {
			if s != models.ScopeAdmin && s != "read" && s != "write" {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
					fmt.Sprintf("unknown scope %q", s), nil)
				return
			}
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"read", "write"}
		}

		raw, err := generateKey()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
		if err != nil {
			writeServiceError(w, r, fmt.Errorf("hashing key: %w", err))
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			Owner:     models.Owner{UserID: req.UserID, UserEmail: req.UserEmail},
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: raw[:mw.KeyPrefixLen],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateAPIKey(r.Context(), key); err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}
