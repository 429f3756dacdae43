package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/framehunter/internal/api/response"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler checks store and cache connectivity.
func NewHealthHandler(store, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"store": "ok",
			"cache": "ok",
		}

		if err := store.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["store"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
