package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const sessionScanLimit = 1000

// SessionSummary aggregates the jobs an owner submitted under one session id.
// Jobs created without a session are grouped under the empty id.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	JobCount     int       `json:"job_count"`
	Queued       int       `json:"queued"`
	Running      int       `json:"running"`
	Done         int       `json:"done"`
	Failed       int       `json:"error"`
	FirstCreated time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"updated_at"`
}

// ListSessions groups the owner's most recent jobs by session, most recently
// active session first.
func (m *Manager) ListSessions(ctx context.Context, owner models.Owner, limit int) ([]SessionSummary, error) {
	if owner.UserID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	jobs, err := m.listJobs(ctx, store.JobFilter{OwnerID: owner.UserID, Limit: sessionScanLimit})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	byID := make(map[string]*SessionSummary)
	for _, j := range jobs {
		s, ok := byID[j.SessionID]
		if !ok {
			s = &SessionSummary{SessionID: j.SessionID, FirstCreated: j.CreatedAt, LastUpdated: j.UpdatedAt}
			byID[j.SessionID] = s
		}
		s.JobCount++
		switch models.NormalizeStatus(j.Status) {
		case models.JobStatusQueued:
			s.Queued++
		case models.JobStatusRunning:
			s.Running++
		case models.JobStatusDone:
			s.Done++
		case models.JobStatusError:
			s.Failed++
		}
		if j.CreatedAt.Before(s.FirstCreated) {
			s.FirstCreated = j.CreatedAt
		}
		if j.UpdatedAt.After(s.LastUpdated) {
			s.LastUpdated = j.UpdatedAt
		}
	}

	out := make([]SessionSummary, 0, len(byID))
	for _, s := range byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].LastUpdated.Equal(out[b].LastUpdated) {
			return out[a].LastUpdated.After(out[b].LastUpdated)
		}
		return out[a].SessionID < out[b].SessionID
	})
	if n := ListLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}
