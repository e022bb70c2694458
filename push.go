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
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/config"
	"github.com/farmforce/fieldsync/internal/notification"
	"github.com/farmforce/fieldsync/internal/search"
	"github.com/farmforce/fieldsync/model"
)

// PushResult collects the per-row outcome of one adapter chunk. Row ids map
// back to outbox rows; a row appears in exactly one of the two sets.
type PushResult struct {
	Successes []int64
	Failures  map[int64]string
}

// NewPushResult returns an empty result.
func NewPushResult() *PushResult {
	return &PushResult{Failures: map[int64]string{}}
}

// Succeed records a delivered row.
func (r *PushResult) Succeed(id int64) {
	r.Successes = append(r.Successes, id)
}

// Fail records a failed row with its error message.
func (r *PushResult) Fail(id int64, msg string) {
	r.Failures[id] = msg
}

// FailAll marks every given row failed with the same message. Used when a
// whole bulk call throws and no partial success can be inferred.
func (r *PushResult) FailAll(ids []int64, msg string) {
	for _, id := range ids {
		r.Failures[id] = msg
	}
}

// FailureIDs returns the failed row ids.
func (r *PushResult) FailureIDs() []int64 {
	ids := make([]int64, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	return ids
}

// finishRows finalizes one adapter chunk: successes become sent, failures are
// partitioned into failed and dead on their re-read attempt counters. A row
// whose claim consumed its last attempt is dead-lettered and needs a manual
// reset to re-enter the pipeline.
func (f *Fieldsync) finishRows(ctx context.Context, queue model.OutboxQueue, result *PushResult) error {
	ctx, span := tracer.Start(ctx, "Finalizing outbox rows")
	defer span.End()

	for id, msg := range result.Failures {
		if err := f.datasource.SetOutboxError(ctx, queue, id, msg); err != nil {
			return err
		}
	}

	if err := f.datasource.MarkOutboxSent(ctx, queue, result.Successes); err != nil {
		return err
	}

	failureIDs := result.FailureIDs()
	if len(failureIDs) == 0 {
		return nil
	}

	attempts, err := f.datasource.GetOutboxAttempts(ctx, queue, failureIDs)
	if err != nil {
		return err
	}

	var toFailed, toDead []int64
	for _, id := range failureIDs {
		if attempts[id] >= model.MaxOutboxAttempts {
			toDead = append(toDead, id)
		} else {
			toFailed = append(toFailed, id)
		}
	}

	if err := f.datasource.SetOutboxStatus(ctx, queue, toFailed, model.OutboxStatusFailed); err != nil {
		return err
	}
	if err := f.datasource.SetOutboxStatus(ctx, queue, toDead, model.OutboxStatusDead); err != nil {
		return err
	}
	if len(toDead) > 0 {
		logrus.Warnf("dead-lettered %d %s outbox rows after %d attempts", len(toDead), queue, model.MaxOutboxAttempts)
	}
	return nil
}

// batchSizes returns the claim limit and the remote chunk size.
func batchSizes() (int, int) {
	cnf, err := config.Fetch()
	if err != nil {
		return 500, 200
	}
	return cnf.Queue.ClaimBatchSize, cnf.Salesforce.BatchSize
}

// drainHouseholdQueue loops claim-push-finalize until no household rows are
// left in flight for the project. An empty claim with rows still processing
// means a concurrent drain holds them; they are that drain's responsibility.
func (f *Fieldsync) drainHouseholdQueue(ctx context.Context, projectID, runID string) error {
	ctx, span := tracer.Start(ctx, "Draining household outbox")
	defer span.End()

	claimLimit, chunkSize := batchSizes()
	for {
		inFlight, err := f.datasource.CountOutboxInFlight(ctx, model.QueueHouseholds, projectID)
		if err != nil {
			return err
		}
		if inFlight == 0 {
			return nil
		}

		claimed, err := f.datasource.ClaimHouseholdBatch(ctx, projectID, runID, claimLimit)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		for start := 0; start < len(claimed); start += chunkSize {
			end := start + chunkSize
			if end > len(claimed) {
				end = len(claimed)
			}
			result := f.pushHouseholdChunk(ctx, claimed[start:end])
			if err := f.finishRows(ctx, model.QueueHouseholds, result); err != nil {
				return err
			}
		}
	}
}

// drainParticipantQueue drains the participant outbox for one project.
func (f *Fieldsync) drainParticipantQueue(ctx context.Context, projectID, runID string) error {
	ctx, span := tracer.Start(ctx, "Draining participant outbox")
	defer span.End()

	claimLimit, chunkSize := batchSizes()
	for {
		inFlight, err := f.datasource.CountOutboxInFlight(ctx, model.QueueParticipants, projectID)
		if err != nil {
			return err
		}
		if inFlight == 0 {
			return nil
		}

		claimed, err := f.datasource.ClaimParticipantBatch(ctx, projectID, runID, claimLimit)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		for start := 0; start < len(claimed); start += chunkSize {
			end := start + chunkSize
			if end > len(claimed) {
				end = len(claimed)
			}
			result := f.pushParticipantChunk(ctx, claimed[start:end])
			if err := f.finishRows(ctx, model.QueueParticipants, result); err != nil {
				return err
			}
		}
	}
}

// drainAttendanceQueue drains the attendance outbox for one project.
func (f *Fieldsync) drainAttendanceQueue(ctx context.Context, projectID, runID string) error {
	ctx, span := tracer.Start(ctx, "Draining attendance outbox")
	defer span.End()

	claimLimit, chunkSize := batchSizes()
	for {
		inFlight, err := f.datasource.CountOutboxInFlight(ctx, model.QueueAttendance, projectID)
		if err != nil {
			return err
		}
		if inFlight == 0 {
			return nil
		}

		claimed, err := f.datasource.ClaimAttendanceBatch(ctx, projectID, runID, claimLimit)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		for start := 0; start < len(claimed); start += chunkSize {
			end := start + chunkSize
			if end > len(claimed) {
				end = len(claimed)
			}
			result := f.pushAttendanceChunk(ctx, claimed[start:end])
			if err := f.finishRows(ctx, model.QueueAttendance, result); err != nil {
				return err
			}
		}
	}
}

// resolveRun returns the upload run this push executes under, creating a new
// running run when none exists for the project.
func (f *Fieldsync) resolveRun(ctx context.Context, projectID, runID string) (*model.UploadRun, error) {
	if runID != "" {
		run, err := f.datasource.GetUploadRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run != nil && !run.Finished() {
			return run, nil
		}
	}

	running, err := f.datasource.GetRunningUploadRun(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if running != nil {
		return running, nil
	}

	run := &model.UploadRun{
		RunID:     model.GenerateUUIDWithSuffix("run"),
		ProjectID: projectID,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := f.datasource.CreateUploadRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// RunSequentialOutboxPush executes one full staged push for a project:
// households, then participants, then a participant refresh pull, then
// attendance, then an attendance backfill pull. The ordering is load-bearing:
// attendance rows reference participants and training sessions that only
// resolve once households and participants exist remotely, and the refresh
// pull re-synchronizes remote-assigned household links between phases.
//
// Row-level failures never abort the push; only failures of the pipeline's
// own control flow do, and those mark the run failed.
func (f *Fieldsync) RunSequentialOutboxPush(ctx context.Context, projectID, runID string) (*model.UploadRun, error) {
	ctx, span := tracer.Start(ctx, "Running sequential outbox push")
	defer span.End()

	run, err := f.resolveRun(ctx, projectID, runID)
	if err != nil {
		return nil, err
	}

	logrus.Infof("starting outbox push for project %s (run %s)", projectID, run.RunID)

	if err := f.pushPhases(ctx, projectID, run.RunID); err != nil {
		notification.NotifyError(err)
		meta := map[string]interface{}{"error": err.Error()}
		if finishErr := f.datasource.FinishUploadRun(ctx, run.RunID, model.RunStatusFailed, meta); finishErr != nil {
			logrus.WithError(finishErr).Error("failed to mark run failed")
		}
		run.Status = model.RunStatusFailed
		return run, err
	}

	return f.finalizeRun(ctx, projectID, run)
}

// pushPhases drains the three queues in dependency order with the two
// interleaved refresh pulls. Pull failures are logged, not fatal.
func (f *Fieldsync) pushPhases(ctx context.Context, projectID, runID string) error {
	if err := f.drainHouseholdQueue(ctx, projectID, runID); err != nil {
		return errors.Wrap(err, "household drain failed")
	}
	if err := f.drainParticipantQueue(ctx, projectID, runID); err != nil {
		return errors.Wrap(err, "participant drain failed")
	}

	if err := f.RefreshParticipants(ctx, projectID); err != nil {
		// Best-effort resync of remote-assigned household links; attendance
		// resolution falls back to remote lookups when it is stale.
		logrus.WithError(err).Warnf("participant refresh pull failed for project %s", projectID)
	}

	if err := f.drainAttendanceQueue(ctx, projectID, runID); err != nil {
		return errors.Wrap(err, "attendance drain failed")
	}

	if err := f.BackfillAttendance(ctx, projectID); err != nil {
		logrus.WithError(err).Warnf("attendance backfill pull failed for project %s", projectID)
	}
	return nil
}

// finalizeRun recomputes queue totals and closes the run. A clean drain
// completes the run; leftover failed or dead rows complete it with errors;
// rows still pending or processing (a concurrent producer or drain) leave the
// run running for a later pass to close.
func (f *Fieldsync) finalizeRun(ctx context.Context, projectID string, run *model.UploadRun) (*model.UploadRun, error) {
	households, err := f.datasource.CountOutboxByStatus(ctx, model.QueueHouseholds, projectID)
	if err != nil {
		return run, err
	}
	participants, err := f.datasource.CountOutboxByStatus(ctx, model.QueueParticipants, projectID)
	if err != nil {
		return run, err
	}
	attendance, err := f.datasource.CountOutboxByStatus(ctx, model.QueueAttendance, projectID)
	if err != nil {
		return run, err
	}

	inFlight := households.InFlight() + participants.InFlight() + attendance.InFlight()
	failed := households.Failed + households.Dead + participants.Failed + participants.Dead + attendance.Failed + attendance.Dead
	sent := households.Sent + participants.Sent + attendance.Sent

	meta := map[string]interface{}{
		"households":   households,
		"participants": participants,
		"attendance":   attendance,
		"total":        households.Total() + participants.Total() + attendance.Total(),
		"sent":         sent,
		"failed":       failed,
	}

	if inFlight > 0 {
		logrus.Infof("outbox push for project %s left %d rows in flight, run %s stays running", projectID, inFlight, run.RunID)
		return run, nil
	}

	status := model.RunStatusCompleted
	if failed > 0 {
		status = model.RunStatusCompletedWithErrors
	}
	if err := f.datasource.FinishUploadRun(ctx, run.RunID, status, meta); err != nil {
		return run, err
	}
	run.Status = status
	run.Meta = meta

	if f.queue != nil {
		if err := f.queue.queueIndexData(run.RunID, search.CollectionUploadRuns, run); err != nil {
			logrus.WithError(err).Warn("failed to enqueue run indexing")
		}
	}

	logrus.Infof("outbox push for project %s finished as %s (%d sent, %d failed)", projectID, status, sent, failed)
	return run, nil
}

// PushAllActiveProjects fires the orchestrator once per active project.
// Projects are pushed independently; one project's failure never blocks
// another's. Pushes go through the queue when one is configured so a slow
// project cannot hold up the caller.
func (f *Fieldsync) PushAllActiveProjects(ctx context.Context) (int, error) {
	projects, err := f.datasource.GetActiveProjects(ctx)
	if err != nil {
		return 0, err
	}
	pushed := 0
	for _, project := range projects {
		if !project.FullAttendanceEnabled {
			continue
		}
		if f.queue != nil {
			if err := f.queue.EnqueuePush(ctx, project.ProjectID, ""); err != nil {
				logrus.WithError(err).Errorf("failed to queue outbox push for project %s", project.ProjectID)
				continue
			}
		} else if _, err := f.RunSequentialOutboxPush(ctx, project.ProjectID, ""); err != nil {
			logrus.WithError(err).Errorf("outbox push failed for project %s", project.ProjectID)
			continue
		}
		pushed++
	}
	return pushed, nil
}
