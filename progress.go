/*
Copyright 2024 FieldSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fieldsync

import (
	"context"
	"fmt"
	"time"

	"github.com/farmforce/fieldsync/model"
)

// failedRowsCap bounds the failed-row detail surfaced per queue.
const failedRowsCap = 200

// progressCacheTTL keeps polling dashboards from hammering the counts.
const progressCacheTTL = 5 * time.Second

// PhaseProgress is the per-queue slice of a progress report.
type PhaseProgress struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Failed     int     `json:"failed"`
	Sent       int     `json:"sent"`
	LeftToSend int     `json:"leftToSend"`
	Percent    float64 `json:"percent"`
}

// ProgressSummary aggregates the three phases.
type ProgressSummary struct {
	Total      int     `json:"total"`
	Sent       int     `json:"sent"`
	Failed     int     `json:"failed"`
	LeftToSend int     `json:"leftToSend"`
	Percent    float64 `json:"percent"`
	IsSyncing  bool    `json:"isSyncing"`
}

// OutboxProgress is the operator-facing progress report for one project.
type OutboxProgress struct {
	ProjectID string                   `json:"projectId"`
	Run       *model.UploadRun         `json:"run"`
	Phases    map[string]PhaseProgress `json:"phases"`
	Summary   ProgressSummary          `json:"summary"`
	Failed    []*model.FailedRow       `json:"failed"`
}

func phaseFromCounts(counts model.OutboxCounts) PhaseProgress {
	phase := PhaseProgress{
		Total:      counts.Total(),
		Pending:    counts.Pending,
		Processing: counts.Processing,
		Failed:     counts.Failed + counts.Dead,
		Sent:       counts.Sent,
		LeftToSend: counts.InFlight(),
	}
	if phase.Total == 0 {
		phase.Percent = 100
	} else {
		phase.Percent = float64(phase.Total-phase.LeftToSend) / float64(phase.Total) * 100
	}
	return phase
}

// GetOutboxProgress builds the progress report for a project, optionally
// pinned to a specific run. Reports are cached briefly; the cache is a pure
// read-side optimization and never authoritative.
func (f *Fieldsync) GetOutboxProgress(ctx context.Context, projectID, runID string) (*OutboxProgress, error) {
	ctx, span := tracer.Start(ctx, "Building outbox progress report")
	defer span.End()

	cacheKey := fmt.Sprintf("fieldsync:progress:%s:%s", projectID, runID)
	if f.cache != nil {
		var cached OutboxProgress
		if err := f.cache.Get(ctx, cacheKey, &cached); err == nil && cached.ProjectID != "" {
			return &cached, nil
		}
	}

	var run *model.UploadRun
	var err error
	if runID != "" {
		run, err = f.datasource.GetUploadRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, fmt.Errorf("run %s not found", runID)
		}
	} else {
		run, err = f.datasource.GetLatestUploadRun(ctx, projectID)
		if err != nil {
			return nil, err
		}
	}

	phases := map[string]PhaseProgress{}
	summary := ProgressSummary{}
	var failed []*model.FailedRow

	for _, queue := range []model.OutboxQueue{model.QueueHouseholds, model.QueueParticipants, model.QueueAttendance} {
		var counts model.OutboxCounts
		var rows []*model.FailedRow
		if runID != "" {
			// Run scope: rows stamped with the run id plus unlinked rows
			// inside the run's time window.
			counts, err = f.datasource.CountOutboxByStatusForRun(ctx, queue, projectID, runID, run.StartedAt, run.FinishedAt)
			if err != nil {
				return nil, err
			}
			rows, err = f.datasource.ListFailedOutboxForRun(ctx, queue, projectID, runID, run.StartedAt, run.FinishedAt, failedRowsCap)
		} else {
			counts, err = f.datasource.CountOutboxByStatus(ctx, queue, projectID)
			if err != nil {
				return nil, err
			}
			rows, err = f.datasource.ListFailedOutbox(ctx, queue, projectID, failedRowsCap)
		}
		if err != nil {
			return nil, err
		}

		phase := phaseFromCounts(counts)
		phases[string(queue)] = phase

		summary.Total += phase.Total
		summary.Sent += phase.Sent
		summary.Failed += phase.Failed
		summary.LeftToSend += phase.LeftToSend
		failed = append(failed, rows...)
	}

	if summary.Total == 0 {
		summary.Percent = 100
	} else {
		summary.Percent = float64(summary.Total-summary.LeftToSend) / float64(summary.Total) * 100
	}
	summary.IsSyncing = summary.LeftToSend > 0 || (run != nil && !run.Finished())

	progress := &OutboxProgress{
		ProjectID: projectID,
		Run:       run,
		Phases:    phases,
		Summary:   summary,
		Failed:    failed,
	}

	if f.cache != nil {
		_ = f.cache.Set(ctx, cacheKey, progress, progressCacheTTL)
	}
	return progress, nil
}
