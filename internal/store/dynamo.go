package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const (
	ownerIndex     = "user_id-created_at-index"
	keyPrefixIndex = "key_prefix-index"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore implements the Store interface on two DynamoDB tables.
// Jobs are keyed by job_id with a GSI on (user_id, created_at); API keys are
// keyed by key_id with a GSI on key_prefix.
type DynamoStore struct {
	client    DynamoAPI
	jobsTable string
	keysTable string
}

func NewDynamoStore(client DynamoAPI, jobsTable, keysTable string) *DynamoStore {
	return &DynamoStore{client: client, jobsTable: jobsTable, keysTable: keysTable}
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.jobsTable)})
	if err != nil {
		return fmt.Errorf("describe jobs table: %w", err)
	}
	return nil
}

// jobRecord is the stored item shape. Payloads are kept as JSON strings so
// legacy items written by other producers decode the same way.
type jobRecord struct {
	JobID        string  `dynamodbav:"job_id"`
	UserID       string  `dynamodbav:"user_id"`
	UserEmail    string  `dynamodbav:"user_email"`
	SessionID    string  `dynamodbav:"session_id,omitempty"`
	Bucket       string  `dynamodbav:"bucket"`
	Key          string  `dynamodbav:"key"`
	Tool         string  `dynamodbav:"tool"`
	Status       string  `dynamodbav:"status"`
	Result       string  `dynamodbav:"result,omitempty"`
	ErrorMessage *string `dynamodbav:"error_message,omitempty"`
	SearchFields string  `dynamodbav:"search_fields,omitempty"`
	Dispatch     string  `dynamodbav:"dispatch,omitempty"`
	CreatedAt    int64   `dynamodbav:"created_at"`
	UpdatedAt    int64   `dynamodbav:"updated_at"`
}

func newJobRecord(j *models.Job) (*jobRecord, error) {
	rec := &jobRecord{
		JobID:        j.ID.String(),
		UserID:       j.Owner.UserID,
		UserEmail:    j.Owner.UserEmail,
		SessionID:    j.SessionID,
		Bucket:       j.Video.Bucket,
		Key:          j.Video.Key,
		Tool:         j.Video.Tool,
		Status:       j.Status,
		Result:       string(j.Result),
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt.UnixMilli(),
		UpdatedAt:    j.UpdatedAt.UnixMilli(),
	}
	if j.Search != nil {
		b, err := json.Marshal(j.Search)
		if err != nil {
			return nil, fmt.Errorf("encode search fields: %w", err)
		}
		rec.SearchFields = string(b)
	}
	if j.Dispatch != nil {
		b, err := json.Marshal(j.Dispatch)
		if err != nil {
			return nil, fmt.Errorf("encode dispatch: %w", err)
		}
		rec.Dispatch = string(b)
	}
	return rec, nil
}

// toJob is the single decode point for job items.
func (r *jobRecord) toJob() (*models.Job, error) {
	id, err := uuid.Parse(r.JobID)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", r.JobID, err)
	}
	j := &models.Job{
		ID:           id,
		Status:       models.NormalizeStatus(r.Status),
		Owner:        models.Owner{UserID: r.UserID, UserEmail: r.UserEmail},
		SessionID:    r.SessionID,
		Video:        models.VideoRef{Bucket: r.Bucket, Key: r.Key, Tool: r.Tool},
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:    time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.Result != "" {
		j.Result = json.RawMessage(r.Result)
	}
	if r.SearchFields != "" {
		var sf models.SearchFields
		if err := json.Unmarshal([]byte(r.SearchFields), &sf); err != nil {
			return nil, fmt.Errorf("decode search fields: %w", err)
		}
		j.Search = &sf
	}
	if r.Dispatch != "" {
		var d models.DispatchDiagnostics
		if err := json.Unmarshal([]byte(r.Dispatch), &d); err != nil {
			return nil, fmt.Errorf("decode dispatch: %w", err)
		}
		j.Dispatch = &d
	}
	return j, nil
}

type apiKeyRecord struct {
	KeyID      string   `dynamodbav:"key_id"`
	UserID     string   `dynamodbav:"user_id"`
	UserEmail  string   `dynamodbav:"user_email"`
	Name       string   `dynamodbav:"name"`
	KeyHash    string   `dynamodbav:"key_hash"`
	KeyPrefix  string   `dynamodbav:"key_prefix"`
	Scopes     []string `dynamodbav:"scopes"`
	LastUsedAt *int64   `dynamodbav:"last_used_at,omitempty"`
	DeletedAt  *int64   `dynamodbav:"deleted_at,omitempty"`
	CreatedAt  int64    `dynamodbav:"created_at"`
	UpdatedAt  int64    `dynamodbav:"updated_at"`
}

func (r *apiKeyRecord) toAPIKey() (*models.APIKey, error) {
	id, err := uuid.Parse(r.KeyID)
	if err != nil {
		return nil, fmt.Errorf("parse key id %q: %w", r.KeyID, err)
	}
	k := &models.APIKey{
		ID:        id,
		Owner:     models.Owner{UserID: r.UserID, UserEmail: r.UserEmail},
		Name:      r.Name,
		KeyHash:   r.KeyHash,
		KeyPrefix: r.KeyPrefix,
		Scopes:    r.Scopes,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.LastUsedAt != nil {
		t := time.UnixMilli(*r.LastUsedAt).UTC()
		k.LastUsedAt = &t
	}
	if r.DeletedAt != nil {
		t := time.UnixMilli(*r.DeletedAt).UTC()
		k.DeletedAt = &t
	}
	return k, nil
}

// --- API Keys ---

func (s *DynamoStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("key_prefix").Equal(expression.Value(prefix))).
		WithFilter(expression.AttributeNotExists(expression.Name("deleted_at"))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build key query: %w", err)
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.keysTable),
		IndexName:                 aws.String(keyPrefixIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}

	var records []apiKeyRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, fmt.Errorf("decode api keys: %w", err)
	}
	keys := make([]*models.APIKey, 0, len(records))
	for i := range records {
		k, err := records[i].toAPIKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *DynamoStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UnixMilli()
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name("last_used_at"), expression.Value(now)).
			Set(expression.Name("updated_at"), expression.Value(now))).
		Build()
	if err != nil {
		return fmt.Errorf("build key update: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.keysTable),
		Key:                       stringKey("key_id", id.String()),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *DynamoStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	item, err := attributevalue.MarshalMap(apiKeyRecord{
		KeyID:     key.ID.String(),
		UserID:    key.Owner.UserID,
		UserEmail: key.Owner.UserEmail,
		Name:      key.Name,
		KeyHash:   key.KeyHash,
		KeyPrefix: key.KeyPrefix,
		Scopes:    key.Scopes,
		CreatedAt: key.CreatedAt.UnixMilli(),
		UpdatedAt: key.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode api key: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.keysTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(key_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

func (s *DynamoStore) CreateJob(ctx context.Context, job *models.Job) error {
	rec, err := newJobRecord(job)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.jobsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.jobsTable),
		Key:            stringKey("job_id", id.String()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var rec jobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return rec.toJob()
}

// ListJobs queries the owner index when an owner is given and scans otherwise.
// Items are sorted by created_at descending after collection.
func (s *DynamoStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	builder := expression.NewBuilder()
	if filter.OwnerID != "" {
		builder = builder.WithKeyCondition(expression.Key("user_id").Equal(expression.Value(filter.OwnerID)))
	}
	cond, hasCond := jobFilterCondition(filter)
	if hasCond {
		builder = builder.WithFilter(cond)
	}

	var items []map[string]types.AttributeValue
	limit := filter.limit()

	if filter.OwnerID != "" {
		expr, err := builder.Build()
		if err != nil {
			return nil, fmt.Errorf("build job query: %w", err)
		}
		in := &dynamodb.QueryInput{
			TableName:                 aws.String(s.jobsTable),
			IndexName:                 aws.String(ownerIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(false),
		}
		if hasCond {
			in.FilterExpression = expr.Filter()
		}
		p := dynamodb.NewQueryPaginator(s.client, in)
		for p.HasMorePages() && len(items) < limit {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list jobs: %w", err)
			}
			items = append(items, page.Items...)
		}
	} else {
		in := &dynamodb.ScanInput{TableName: aws.String(s.jobsTable)}
		if hasCond {
			expr, err := builder.Build()
			if err != nil {
				return nil, fmt.Errorf("build job scan: %w", err)
			}
			in.FilterExpression = expr.Filter()
			in.ExpressionAttributeNames = expr.Names()
			in.ExpressionAttributeValues = expr.Values()
		}
		p := dynamodb.NewScanPaginator(s.client, in)
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list jobs: %w", err)
			}
			items = append(items, page.Items...)
		}
	}

	var records []jobRecord
	if err := attributevalue.UnmarshalListOfMaps(items, &records); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	jobs := make([]*models.Job, 0, len(records))
	for i := range records {
		j, err := records[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID.String() < jobs[b].ID.String()
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func jobFilterCondition(filter JobFilter) (expression.ConditionBuilder, bool) {
	var conds []expression.ConditionBuilder
	if filter.SessionID != "" {
		conds = append(conds, expression.Name("session_id").Equal(expression.Value(filter.SessionID)))
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, statusIn(withAliases(filter.Statuses)))
	}
	if !filter.CreatedBefore.IsZero() {
		conds = append(conds, expression.Name("created_at").LessThan(expression.Value(filter.CreatedBefore.UnixMilli())))
	}
	if filter.HasSearch {
		conds = append(conds, expression.AttributeExists(expression.Name("search_fields")))
	}
	if len(conds) == 0 {
		return expression.ConditionBuilder{}, false
	}
	cond := conds[0]
	for _, c := range conds[1:] {
		cond = cond.And(c)
	}
	return cond, true
}

func statusIn(statuses []string) expression.ConditionBuilder {
	operands := make([]expression.OperandBuilder, 0, len(statuses))
	for _, st := range statuses {
		operands = append(operands, expression.Value(st))
	}
	return expression.Name("status").In(operands[0], operands[1:]...)
}

func (s *DynamoStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := newUpdateParams(opts)
	from, err := sourceStatuses(status, params)
	if err != nil {
		return fmt.Errorf("%w: -> %s", err, status)
	}

	update := expression.Set(expression.Name("status"), expression.Value(status)).
		Set(expression.Name("updated_at"), expression.Value(time.Now().UnixMilli()))

	if params.ErrorMessage != nil {
		update = update.Set(expression.Name("error_message"), expression.Value(*params.ErrorMessage))
	} else if params.Restart {
		update = update.Remove(expression.Name("error_message"))
	}
	if params.Result != nil {
		update = update.Set(expression.Name("result"), expression.Value(string(params.Result)))
	} else if params.Restart {
		update = update.Remove(expression.Name("result"))
	}
	if params.Search != nil {
		b, err := json.Marshal(params.Search)
		if err != nil {
			return fmt.Errorf("encode search fields: %w", err)
		}
		update = update.Set(expression.Name("search_fields"), expression.Value(string(b)))
	} else if params.Restart {
		update = update.Remove(expression.Name("search_fields"))
	}

	cond := expression.AttributeExists(expression.Name("job_id"))
	if !params.Restart {
		cond = cond.And(statusIn(withAliases(from)))
	}

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build job update: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.jobsTable),
		Key:                       stringKey("job_id", id.String()),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("update job status: %w", err)
	}

	if _, getErr := s.GetJob(ctx, id); getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: -> %s", ErrInvalidTransition, status)
}

func (s *DynamoStore) SetDispatchDiagnostics(ctx context.Context, id uuid.UUID, diag models.DispatchDiagnostics) error {
	b, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name("dispatch"), expression.Value(string(b)))).
		WithCondition(expression.AttributeExists(expression.Name("job_id"))).
		Build()
	if err != nil {
		return fmt.Errorf("build dispatch update: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.jobsTable),
		Key:                       stringKey("job_id", id.String()),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("set dispatch diagnostics: %w", err)
	}
	return nil
}

func (s *DynamoStore) SetSearchFields(ctx context.Context, id uuid.UUID, fields *models.SearchFields) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode search fields: %w", err)
	}
	cond := expression.AttributeExists(expression.Name("job_id")).
		And(statusIn(withAliases([]string{models.JobStatusDone})))
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name("search_fields"), expression.Value(string(b)))).
		WithCondition(cond).
		Build()
	if err != nil {
		return fmt.Errorf("build search fields update: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.jobsTable),
		Key:                       stringKey("job_id", id.String()),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("set search fields: %w", err)
	}
	if _, getErr := s.GetJob(ctx, id); getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: search fields on unfinished job", ErrInvalidTransition)
}

func (s *DynamoStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.jobsTable),
		Key:                 stringKey("job_id", id.String()),
		ConditionExpression: aws.String("attribute_exists(job_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func stringKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{name: &types.AttributeValueMemberS{Value: value}}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
