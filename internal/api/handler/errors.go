package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	mw "github.com/kiranshivaraju/framehunter/internal/api/middleware"
	"github.com/kiranshivaraju/framehunter/internal/api/response"
	"github.com/kiranshivaraju/framehunter/internal/lifecycle"
	"github.com/kiranshivaraju/framehunter/internal/retrieval"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const maxBodyBytes = 1 << 20

// ownerOrReject writes 401 when the request carries no authenticated owner.
func ownerOrReject(w http.ResponseWriter, r *http.Request) (models.Owner, bool) {
	owner, ok := mw.GetOwner(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing owner", nil)
	}
	return owner, ok
}

// decodeBody decodes a JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
	return false
}

// writeServiceError maps service sentinels to HTTP responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, lifecycle.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Job not found", nil)
	case errors.Is(err, lifecycle.ErrConflict):
		response.Error(w, http.StatusConflict, response.CodeConflict, err.Error(), nil)
	case errors.Is(err, retrieval.ErrOwnerRequired):
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing owner", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
	}
}
