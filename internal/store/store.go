package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All job and key persistence goes through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetDispatchDiagnostics(ctx context.Context, id uuid.UUID, diag models.DispatchDiagnostics) error
	// SetSearchFields replaces the derived search fields of a done job. Any
	// other status yields ErrInvalidTransition.
	SetSearchFields(ctx context.Context, id uuid.UUID, fields *models.SearchFields) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// JobFilter narrows ListJobs. Results are ordered by created_at descending.
type JobFilter struct {
	OwnerID       string
	SessionID     string
	Statuses      []string
	CreatedBefore time.Time
	// HasSearch restricts results to jobs with derived search fields.
	HasSearch bool
	Limit     int
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func (f JobFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// allowedFrom lists, per target status, the statuses a job may move from.
// Moving back to queued is only possible through WithRestart. Only a running
// job may finish, so a pass that outlives a restart cannot overwrite it.
var allowedFrom = map[string][]string{
	models.JobStatusRunning: {models.JobStatusQueued, models.JobStatusRunning},
	models.JobStatusDone:    {models.JobStatusRunning},
	models.JobStatusError:   {models.JobStatusRunning},
}

var allStatuses = []string{
	models.JobStatusQueued,
	models.JobStatusRunning,
	models.JobStatusDone,
	models.JobStatusError,
}

// legacyAliases are status spellings still present in rows written by older producers.
var legacyAliases = map[string][]string{
	models.JobStatusQueued:  {"pending"},
	models.JobStatusRunning: {"processing"},
	models.JobStatusDone:    {"completed", "complete"},
	models.JobStatusError:   {"failed"},
}

// withAliases expands canonical statuses with their stored legacy spellings,
// for backends that compare raw stored values.
func withAliases(statuses []string) []string {
	out := make([]string, 0, len(statuses)*2)
	for _, s := range statuses {
		out = append(out, s)
		out = append(out, legacyAliases[s]...)
	}
	return out
}

// sourceStatuses returns the statuses from which a move to target is legal.
func sourceStatuses(target string, p *jobUpdateParams) ([]string, error) {
	if target == models.JobStatusQueued {
		if !p.Restart {
			return nil, ErrInvalidTransition
		}
		return allStatuses, nil
	}
	from, ok := allowedFrom[target]
	if !ok {
		return nil, ErrInvalidTransition
	}
	return from, nil
}

func canTransition(current, target string, p *jobUpdateParams) bool {
	from, err := sourceStatuses(target, p)
	if err != nil {
		return false
	}
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}

type jobUpdateParams struct {
	ErrorMessage *string
	Result       json.RawMessage
	Search       *models.SearchFields
	Restart      bool
}

type JobUpdateOption func(*jobUpdateParams)

func newUpdateParams(opts []JobUpdateOption) *jobUpdateParams {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithResult(result json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = result
	}
}

func WithSearchFields(fields *models.SearchFields) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Search = fields
	}
}

// WithRestart permits the move back to queued and clears result, error and search fields.
func WithRestart() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Restart = true
	}
}
