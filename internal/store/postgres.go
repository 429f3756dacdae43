package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, owner_email, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Owner.UserID, &k.Owner.UserEmail, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, owner_email, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Owner.UserID, key.Owner.UserEmail, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes,
		key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, owner_id, owner_email, session_id, video_bucket, video_key, video_tool,
	status, result, error_message, search_fields, dispatch, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	dispatch, err := marshalNullable(job.Dispatch)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, owner_email, session_id, video_bucket, video_key, video_tool,
		   status, dispatch, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Owner.UserID, job.Owner.UserEmail, job.SessionID,
		job.Video.Bucket, job.Video.Key, job.Video.Tool,
		job.Status, dispatch, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.OwnerID != "" {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", argIdx))
		args = append(args, filter.SessionID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, withAliases(filter.Statuses))
		argIdx++
	}
	if !filter.CreatedBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, filter.CreatedBefore)
		argIdx++
	}
	if filter.HasSearch {
		conditions = append(conditions, "search_fields IS NOT NULL")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", argIdx)
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus applies the transition in a single conditional UPDATE so that
// concurrent writers cannot both win.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := newUpdateParams(opts)
	from, err := sourceStatuses(status, params)
	if err != nil {
		return fmt.Errorf("%w: -> %s", err, status)
	}

	now := time.Now().UTC()
	sets := []string{"status = $2", "updated_at = $3"}
	args := []any{id, status, now}
	argIdx := 4

	if params.Restart {
		sets = append(sets, "result = NULL", "error_message = NULL", "search_fields = NULL")
	}
	if params.ErrorMessage != nil {
		sets = append(sets, fmt.Sprintf("error_message = $%d", argIdx))
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Result != nil {
		sets = append(sets, fmt.Sprintf("result = $%d", argIdx))
		args = append(args, []byte(params.Result))
		argIdx++
	}
	if params.Search != nil {
		search, err := json.Marshal(params.Search)
		if err != nil {
			return fmt.Errorf("encode search fields: %w", err)
		}
		sets = append(sets, fmt.Sprintf("search_fields = $%d", argIdx))
		args = append(args, search)
		argIdx++
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if !params.Restart {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, withAliases(from))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: -> %s", ErrInvalidTransition, status)
}

func (s *PostgresStore) SetDispatchDiagnostics(ctx context.Context, id uuid.UUID, diag models.DispatchDiagnostics) error {
	data, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET dispatch = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("set dispatch diagnostics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetSearchFields(ctx context.Context, id uuid.UUID, fields *models.SearchFields) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode search fields: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET search_fields = $2 WHERE id = $1 AND status = ANY($3)`,
		id, data, withAliases([]string{models.JobStatusDone}))
	if err != nil {
		return fmt.Errorf("set search fields: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: search fields on unfinished job", ErrInvalidTransition)
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanJob is the single decode point for job rows.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j        models.Job
		result   []byte
		search   []byte
		dispatch []byte
	)
	if err := row.Scan(&j.ID, &j.Owner.UserID, &j.Owner.UserEmail, &j.SessionID,
		&j.Video.Bucket, &j.Video.Key, &j.Video.Tool,
		&j.Status, &result, &j.ErrorMessage, &search, &dispatch,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}

	j.Status = models.NormalizeStatus(j.Status)
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	if len(search) > 0 {
		var sf models.SearchFields
		if err := json.Unmarshal(search, &sf); err != nil {
			return nil, fmt.Errorf("decode search fields: %w", err)
		}
		j.Search = &sf
	}
	if len(dispatch) > 0 {
		var d models.DispatchDiagnostics
		if err := json.Unmarshal(dispatch, &d); err != nil {
			return nil, fmt.Errorf("decode dispatch: %w", err)
		}
		j.Dispatch = &d
	}
	return &j, nil
}

func marshalNullable(v *models.DispatchDiagnostics) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
