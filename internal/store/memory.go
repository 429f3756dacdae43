package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-binary development.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.Job
	keys map[uuid.UUID]*models.APIKey
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.Job),
		keys: make(map[uuid.UUID]*models.APIKey),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			cp.Scopes = append([]string(nil), k.Scopes...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil
	}
	now := s.now()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	cp := *key
	cp.Scopes = append([]string(nil), key.Scopes...)
	s.keys[key.ID] = &cp
	return nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make(map[string]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}

	out := make([]*models.Job, 0)
	for _, j := range s.jobs {
		if filter.OwnerID != "" && j.Owner.UserID != filter.OwnerID {
			continue
		}
		if filter.SessionID != "" && j.SessionID != filter.SessionID {
			continue
		}
		if len(statuses) > 0 && !statuses[models.NormalizeStatus(j.Status)] {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !j.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		if filter.HasSearch && j.Search == nil {
			continue
		}
		out = append(out, clone(j))
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID.String() < out[b].ID.String()
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := newUpdateParams(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(models.NormalizeStatus(j.Status), status, params) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	j.Status = status
	j.UpdatedAt = s.now()
	if params.Restart {
		j.Result = nil
		j.ErrorMessage = nil
		j.Search = nil
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		j.ErrorMessage = &msg
	}
	if params.Result != nil {
		j.Result = append(json.RawMessage(nil), params.Result...)
	}
	if params.Search != nil {
		j.Search = cloneSearch(params.Search)
	}
	return nil
}

func (s *MemoryStore) SetDispatchDiagnostics(_ context.Context, id uuid.UUID, diag models.DispatchDiagnostics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Dispatch = &diag
	return nil
}

func (s *MemoryStore) SetSearchFields(_ context.Context, id uuid.UUID, fields *models.SearchFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if models.NormalizeStatus(j.Status) != models.JobStatusDone {
		return fmt.Errorf("%w: search fields on %s job", ErrInvalidTransition, j.Status)
	}
	j.Search = cloneSearch(fields)
	return nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

// clone is the memory backend's decode boundary: callers never share state with the map.
func clone(j *models.Job) *models.Job {
	cp := *j
	cp.Status = models.NormalizeStatus(j.Status)
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		cp.ErrorMessage = &msg
	}
	cp.Search = cloneSearch(j.Search)
	if j.Dispatch != nil {
		d := *j.Dispatch
		cp.Dispatch = &d
	}
	return &cp
}

func cloneSearch(sf *models.SearchFields) *models.SearchFields {
	if sf == nil {
		return nil
	}
	cp := *sf
	cp.Keywords = append([]string(nil), sf.Keywords...)
	cp.Tags = append([]string(nil), sf.Tags...)
	cp.TextSnippets = append([]string(nil), sf.TextSnippets...)
	return &cp
}
