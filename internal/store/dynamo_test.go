package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/framehunter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo serves single items from a map keyed by job_id and records the
// last update input. Query and Scan return the configured pages.
type fakeDynamo struct {
	items      map[string]map[string]types.AttributeValue
	updateErr  error
	lastUpdate *dynamodb.UpdateItemInput
	pages      [][]map[string]types.AttributeValue
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	id := in.Key["job_id"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[id]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	id := in.Item["job_id"].(*types.AttributeValueMemberS).Value
	if _, ok := f.items[id]; ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return f.page(in.ExclusiveStartKey)
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	out, err := f.page(in.ExclusiveStartKey)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ScanOutput{Items: out.Items, LastEvaluatedKey: out.LastEvaluatedKey}, nil
}

func (f *fakeDynamo) page(start map[string]types.AttributeValue) (*dynamodb.QueryOutput, error) {
	idx := 0
	if start != nil {
		idx = len(start["page"].(*types.AttributeValueMemberS).Value)
	}
	if idx >= len(f.pages) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := &dynamodb.QueryOutput{Items: f.pages[idx]}
	if idx+1 < len(f.pages) {
		// the page marker's length encodes the next page index
		marker := make([]byte, idx+1)
		for i := range marker {
			marker[i] = 'x'
		}
		out.LastEvaluatedKey = map[string]types.AttributeValue{"page": &types.AttributeValueMemberS{Value: string(marker)}}
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

func legacyItem(t *testing.T, id uuid.UUID, status string, created time.Time) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(jobRecord{
		JobID:        id.String(),
		UserID:       "u1",
		UserEmail:    "u1@example.com",
		Bucket:       "media",
		Key:          "a/b/clip.mp4",
		Tool:         "analyze_video_complete",
		Status:       status,
		Result:       `{"tool":"complete"}`,
		SearchFields: `{"keywords":["clip"],"content":"clip","has_text":true}`,
		CreatedAt:    created.UnixMilli(),
		UpdatedAt:    created.UnixMilli(),
	})
	require.NoError(t, err)
	return item
}

func TestJobRecord_ToJobNormalizesLegacyStatus(t *testing.T) {
	cases := map[string]string{
		"completed":  models.JobStatusDone,
		"failed":     models.JobStatusError,
		"pending":    models.JobStatusQueued,
		"processing": models.JobStatusRunning,
		"done":       models.JobStatusDone,
	}
	for stored, want := range cases {
		rec := jobRecord{JobID: uuid.NewString(), Status: stored}
		j, err := rec.toJob()
		require.NoError(t, err)
		assert.Equal(t, want, j.Status, stored)
	}
}

func TestJobRecord_ToJobDecodesPayloads(t *testing.T) {
	id := uuid.New()
	created := time.Now().Truncate(time.Millisecond)
	var rec jobRecord
	require.NoError(t, attributevalue.UnmarshalMap(legacyItem(t, id, "completed", created), &rec))

	j, err := rec.toJob()
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, "clip.mp4", j.Video.Filename())
	assert.JSONEq(t, `{"tool":"complete"}`, string(j.Result))
	require.NotNil(t, j.Search)
	assert.True(t, j.Search.HasText)
	assert.Equal(t, []string{"clip"}, j.Search.Keywords)
	assert.True(t, created.Equal(j.CreatedAt))
}

func TestJobRecord_ToJobRejectsBadID(t *testing.T) {
	rec := jobRecord{JobID: "not-a-uuid"}
	_, err := rec.toJob()
	assert.Error(t, err)
}

func TestDynamoStore_GetJob(t *testing.T) {
	id := uuid.New()
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		id.String(): legacyItem(t, id, "completed", time.Now()),
	}}
	s := NewDynamoStore(fake, "jobs", "keys")

	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, j.Status)

	_, err = s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_CreateDuplicate(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	s := NewDynamoStore(fake, "jobs", "keys")
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	require.NoError(t, s.CreateJob(context.Background(), job))
	assert.ErrorIs(t, s.CreateJob(context.Background(), job), ErrDuplicateKey)
}

func TestDynamoStore_UpdateConditionFailure(t *testing.T) {
	id := uuid.New()
	fake := &fakeDynamo{
		items:     map[string]map[string]types.AttributeValue{id.String(): legacyItem(t, id, "done", time.Now())},
		updateErr: &types.ConditionalCheckFailedException{Message: aws.String("status")},
	}
	s := NewDynamoStore(fake, "jobs", "keys")

	err := s.UpdateJobStatus(context.Background(), id, models.JobStatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NotNil(t, fake.lastUpdate)
	assert.Contains(t, *fake.lastUpdate.ConditionExpression, "IN")

	err = s.UpdateJobStatus(context.Background(), uuid.New(), models.JobStatusRunning)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_RestartHasNoStatusCondition(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	s := NewDynamoStore(fake, "jobs", "keys")

	require.NoError(t, s.UpdateJobStatus(context.Background(), uuid.New(), models.JobStatusQueued, WithRestart()))
	require.NotNil(t, fake.lastUpdate)
	assert.NotContains(t, *fake.lastUpdate.ConditionExpression, "IN")
	assert.Contains(t, *fake.lastUpdate.UpdateExpression, "REMOVE")
}

func TestDynamoStore_RejectsQueuedWithoutRestart(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	s := NewDynamoStore(fake, "jobs", "keys")

	err := s.UpdateJobStatus(context.Background(), uuid.New(), models.JobStatusQueued)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Nil(t, fake.lastUpdate, "no write is attempted")
}

func TestDynamoStore_ListJobsPaginatesAndSorts(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	older, newer := uuid.New(), uuid.New()
	fake := &fakeDynamo{
		items: map[string]map[string]types.AttributeValue{},
		pages: [][]map[string]types.AttributeValue{
			{legacyItem(t, older, "done", base)},
			{legacyItem(t, newer, "completed", base.Add(time.Minute))},
		},
	}
	s := NewDynamoStore(fake, "jobs", "keys")

	jobs, err := s.ListJobs(context.Background(), JobFilter{Statuses: []string{models.JobStatusDone}})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, newer, jobs[0].ID)
	assert.Equal(t, older, jobs[1].ID)
}

func TestDynamoStore_DeleteMissing(t *testing.T) {
	s := NewDynamoStore(&fakeDynamo{}, "jobs", "keys")
	assert.ErrorIs(t, s.DeleteJob(context.Background(), uuid.New()), ErrNotFound)
}

func TestIsConditionFailed(t *testing.T) {
	assert.True(t, isConditionFailed(&types.ConditionalCheckFailedException{}))
	assert.False(t, isConditionFailed(errors.New("throttled")))
}

func TestDynamoStore_SetSearchFieldsRequiresDone(t *testing.T) {
	id := uuid.New()
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		id.String(): legacyItem(t, id, "processing", time.Now()),
	}}
	s := NewDynamoStore(fake, "jobs", "keys")

	require.NoError(t, s.SetSearchFields(context.Background(), id, &models.SearchFields{Content: "car"}))
	require.NotNil(t, fake.lastUpdate)
	assert.Contains(t, *fake.lastUpdate.ConditionExpression, "IN")
	assert.Contains(t, *fake.lastUpdate.UpdateExpression, "SET")

	fake.updateErr = &types.ConditionalCheckFailedException{Message: aws.String("status")}
	err := s.SetSearchFields(context.Background(), id, &models.SearchFields{Content: "car"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.SetSearchFields(context.Background(), uuid.New(), &models.SearchFields{})
	assert.ErrorIs(t, err, ErrNotFound)
}
