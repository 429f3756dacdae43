package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/framehunter/internal/analysis"
	"github.com/kiranshivaraju/framehunter/internal/store"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const reindexScanLimit = 1000

// ReindexReport summarizes one search-field rebuild.
type ReindexReport struct {
	Reindexed int `json:"reindexed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	// Truncated is set when more done jobs may exist than one pass covers.
	Truncated bool `json:"truncated"`
}

// Reindex re-derives the search fields of done jobs from their stored
// results and invalidates the cached searches of every affected owner. Jobs
// without a result are skipped; a result that no longer decodes is counted
// as failed.
func (m *Manager) Reindex(ctx context.Context) (ReindexReport, error) {
	var report ReindexReport
	jobs, err := m.listJobs(ctx, store.JobFilter{
		Statuses: []string{models.JobStatusDone},
		Limit:    reindexScanLimit,
	})
	if err != nil {
		return report, fmt.Errorf("listing done jobs: %w", err)
	}
	report.Truncated = len(jobs) >= reindexScanLimit

	owners := make(map[string]bool)
	for _, job := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if len(job.Result) == 0 {
			report.Skipped++
			continue
		}
		var res models.AnalysisResult
		if err := json.Unmarshal(job.Result, &res); err != nil {
			slog.Warn("reindex: undecodable result", "job_id", job.ID, "error", err)
			report.Failed++
			continue
		}
		if err := m.setSearchFields(ctx, job, analysis.DeriveSearchFields(job.Video, &res)); err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
				report.Skipped++
				continue
			}
			slog.Warn("reindex: writing search fields failed", "job_id", job.ID, "error", err)
			report.Failed++
			continue
		}
		report.Reindexed++
		owners[job.Owner.UserID] = true
	}

	for owner := range owners {
		m.invalidate(ctx, owner)
	}
	slog.Info("search reindex finished",
		"reindexed", report.Reindexed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"owners", len(owners),
	)
	return report, nil
}

func (m *Manager) setSearchFields(ctx context.Context, job *models.Job, fields *models.SearchFields) error {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return m.store.SetSearchFields(ctx, job.ID, fields)
}
