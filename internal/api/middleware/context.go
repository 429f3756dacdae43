package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/kiranshivaraju/framehunter/pkg/models"
)

type contextKey string

const (
	ownerKey     contextKey = "owner"
	keyPrefixKey contextKey = "key_prefix"
	scopesKey    contextKey = "scopes"
	accessLogKey contextKey = "access_log"
)

// SetOwner attaches the authenticated owner and records it for the access log.
func SetOwner(ctx context.Context, owner models.Owner) context.Context {
	annotateOwner(ctx, owner.UserID)
	return context.WithValue(ctx, ownerKey, owner)
}

// GetOwner returns the authenticated owner. ok is false when auth did not run
// or the key carries no user id.
func GetOwner(r *http.Request) (models.Owner, bool) {
	owner, ok := r.Context().Value(ownerKey).(models.Owner)
	return owner, ok && owner.UserID != ""
}

// WithKeyPrefix marks the request as authenticated by the key with prefix.
// Rate limiting is keyed on it.
func WithKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func keyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok && prefix != ""
}

func SetScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey, scopes)
}

// HasScope reports whether the authenticated key carries scope.
func HasScope(r *http.Request, scope string) bool {
	scopes, _ := r.Context().Value(scopesKey).([]string)
	return slices.Contains(scopes, scope)
}
