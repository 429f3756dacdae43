package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/framehunter/internal/analysis"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// Merge combines the stored job with a tool result. Identity fields (owner,
// session, video, created_at) are carried forward from current; only the
// worker-owned fields change. Merging the same result twice yields the same job.
func Merge(current *models.Job, res *models.AnalysisResult, now time.Time) (*models.Job, error) {
	if current == nil {
		return nil, errors.New("merge: no job")
	}
	if res == nil {
		return nil, errors.New("merge: no result")
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("merge: encoding result: %w", err)
	}

	merged := &models.Job{
		ID:        current.ID,
		Status:    models.JobStatusDone,
		Owner:     current.Owner,
		SessionID: current.SessionID,
		Video:     current.Video,
		Result:    raw,
		Search:    analysis.DeriveSearchFields(current.Video, res),
		Dispatch:  current.Dispatch,
		CreatedAt: current.CreatedAt,
		UpdatedAt: now,
	}
	return merged, nil
}
