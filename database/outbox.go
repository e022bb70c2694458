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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/farmforce/fieldsync/internal/apierror"
	"github.com/farmforce/fieldsync/model"
)

var outboxTables = map[model.OutboxQueue]string{
	model.QueueHouseholds:   "fieldsync.household_outbox",
	model.QueueParticipants: "fieldsync.participant_outbox",
	model.QueueAttendance:   "fieldsync.attendance_outbox",
}

func outboxTable(queue model.OutboxQueue) string {
	table, ok := outboxTables[queue]
	if !ok {
		panic(fmt.Sprintf("unknown outbox queue %q", queue))
	}
	return table
}

// InsertHouseholdOutbox stages household rows as pending.
func (d Datasource) InsertHouseholdOutbox(ctx context.Context, rows []*model.HouseholdOutbox) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Inserting household outbox rows")
	defer span.End()

	if len(rows) == 0 {
		return nil
	}
	txn, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin outbox insert", err)
	}
	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO fieldsync.household_outbox
		(project_id, upload_run_id, payload, status, next_attempt_at, ffg_id, household_number, household_composite, training_group_id, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NOW())
		RETURNING id
	`)
	if err != nil {
		_ = txn.Rollback()
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prepare outbox insert", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			_ = txn.Rollback()
			return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid household payload", err)
		}
		err = stmt.QueryRowContext(ctx,
			row.ProjectID, row.UploadRunID, payload, model.OutboxStatusPending, row.NextAttemptAt,
			row.FFGID, row.HouseholdNumber, row.HouseholdComposite, row.TrainingGroupID,
		).Scan(&row.ID)
		if err != nil {
			_ = txn.Rollback()
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert household outbox row", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit outbox insert", err)
	}
	return nil
}

// InsertParticipantOutbox stages participant rows as pending.
func (d Datasource) InsertParticipantOutbox(ctx context.Context, rows []*model.ParticipantOutbox) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Inserting participant outbox rows")
	defer span.End()

	if len(rows) == 0 {
		return nil
	}
	txn, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin outbox insert", err)
	}
	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO fieldsync.participant_outbox
		(project_id, upload_run_id, payload, status, next_attempt_at, participant_id, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NOW())
		RETURNING id
	`)
	if err != nil {
		_ = txn.Rollback()
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prepare outbox insert", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			_ = txn.Rollback()
			return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid participant payload", err)
		}
		err = stmt.QueryRowContext(ctx,
			row.ProjectID, row.UploadRunID, payload, model.OutboxStatusPending, row.NextAttemptAt, row.ParticipantID,
		).Scan(&row.ID)
		if err != nil {
			_ = txn.Rollback()
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert participant outbox row", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit outbox insert", err)
	}
	return nil
}

// InsertAttendanceOutbox stages attendance rows as pending.
func (d Datasource) InsertAttendanceOutbox(ctx context.Context, rows []*model.AttendanceOutbox) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Inserting attendance outbox rows")
	defer span.End()

	if len(rows) == 0 {
		return nil
	}
	txn, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin outbox insert", err)
	}
	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO fieldsync.attendance_outbox
		(project_id, upload_run_id, payload, status, next_attempt_at, participant_salesforce_id, participant_tns_id, ffg_id, module_id, attended, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, NOW())
		RETURNING id
	`)
	if err != nil {
		_ = txn.Rollback()
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prepare outbox insert", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			_ = txn.Rollback()
			return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid attendance payload", err)
		}
		err = stmt.QueryRowContext(ctx,
			row.ProjectID, row.UploadRunID, payload, model.OutboxStatusPending, row.NextAttemptAt,
			row.ParticipantSalesforceID, row.ParticipantTNSID, row.FFGID, row.ModuleID, row.Attended,
		).Scan(&row.ID)
		if err != nil {
			_ = txn.Rollback()
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert attendance outbox row", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit outbox insert", err)
	}
	return nil
}

// claimQuery builds the claim statement for one queue. Pending rows are moved
// to processing with attempts+1 in a single UPDATE; the inner SELECT takes row
// locks with SKIP LOCKED so concurrent claimers never receive overlapping
// sets and never block each other.
func claimQuery(table, returning string) string {
	return fmt.Sprintf(`
		UPDATE %s
		SET status = 'processing', attempts = attempts + 1,
			upload_run_id = COALESCE(NULLIF($2, ''), upload_run_id)
		WHERE id IN (
			SELECT id FROM %s
			WHERE status = 'pending'
			  AND project_id = $1
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, table, table, returning)
}

// ClaimHouseholdBatch claims up to limit pending household rows for a project.
func (d Datasource) ClaimHouseholdBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.HouseholdOutbox, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Claiming household outbox batch")
	defer span.End()

	query := claimQuery("fieldsync.household_outbox",
		"id, project_id, upload_run_id, payload, status, attempts, last_error, next_attempt_at, created_at, ffg_id, household_number, household_composite, training_group_id")
	rows, err := d.Conn.QueryContext(ctx, query, projectID, runID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim household outbox batch", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*model.HouseholdOutbox
	for rows.Next() {
		row := &model.HouseholdOutbox{}
		var uploadRunID, lastError, trainingGroupID sql.NullString
		var nextAttemptAt sql.NullTime
		var payload []byte
		err := rows.Scan(
			&row.ID, &row.ProjectID, &uploadRunID, &payload, &row.Status, &row.Attempts,
			&lastError, &nextAttemptAt, &row.CreatedAt,
			&row.FFGID, &row.HouseholdNumber, &row.HouseholdComposite, &trainingGroupID,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan household outbox row", err)
		}
		if err := json.Unmarshal(payload, &row.Payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decode household payload", err)
		}
		row.UploadRunID = uploadRunID.String
		row.LastError = lastError.String
		row.TrainingGroupID = trainingGroupID.String
		if nextAttemptAt.Valid {
			row.NextAttemptAt = &nextAttemptAt.Time
		}
		claimed = append(claimed, row)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over household outbox rows", err)
	}
	return claimed, nil
}

// ClaimParticipantBatch claims up to limit pending participant rows for a project.
func (d Datasource) ClaimParticipantBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.ParticipantOutbox, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Claiming participant outbox batch")
	defer span.End()

	query := claimQuery("fieldsync.participant_outbox",
		"id, project_id, upload_run_id, payload, status, attempts, last_error, next_attempt_at, created_at, participant_id")
	rows, err := d.Conn.QueryContext(ctx, query, projectID, runID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim participant outbox batch", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*model.ParticipantOutbox
	for rows.Next() {
		row := &model.ParticipantOutbox{}
		var uploadRunID, lastError sql.NullString
		var nextAttemptAt sql.NullTime
		var payload []byte
		err := rows.Scan(
			&row.ID, &row.ProjectID, &uploadRunID, &payload, &row.Status, &row.Attempts,
			&lastError, &nextAttemptAt, &row.CreatedAt, &row.ParticipantID,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan participant outbox row", err)
		}
		if err := json.Unmarshal(payload, &row.Payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decode participant payload", err)
		}
		row.UploadRunID = uploadRunID.String
		row.LastError = lastError.String
		if nextAttemptAt.Valid {
			row.NextAttemptAt = &nextAttemptAt.Time
		}
		claimed = append(claimed, row)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over participant outbox rows", err)
	}
	return claimed, nil
}

// ClaimAttendanceBatch claims up to limit pending attendance rows for a project.
func (d Datasource) ClaimAttendanceBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.AttendanceOutbox, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Claiming attendance outbox batch")
	defer span.End()

	query := claimQuery("fieldsync.attendance_outbox",
		"id, project_id, upload_run_id, payload, status, attempts, last_error, next_attempt_at, created_at, participant_salesforce_id, participant_tns_id, ffg_id, module_id, attended")
	rows, err := d.Conn.QueryContext(ctx, query, projectID, runID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim attendance outbox batch", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*model.AttendanceOutbox
	for rows.Next() {
		row := &model.AttendanceOutbox{}
		var uploadRunID, lastError, participantSFID sql.NullString
		var nextAttemptAt sql.NullTime
		var payload []byte
		err := rows.Scan(
			&row.ID, &row.ProjectID, &uploadRunID, &payload, &row.Status, &row.Attempts,
			&lastError, &nextAttemptAt, &row.CreatedAt,
			&participantSFID, &row.ParticipantTNSID, &row.FFGID, &row.ModuleID, &row.Attended,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan attendance outbox row", err)
		}
		if err := json.Unmarshal(payload, &row.Payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decode attendance payload", err)
		}
		row.UploadRunID = uploadRunID.String
		row.LastError = lastError.String
		row.ParticipantSalesforceID = participantSFID.String
		if nextAttemptAt.Valid {
			row.NextAttemptAt = &nextAttemptAt.Time
		}
		claimed = append(claimed, row)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over attendance outbox rows", err)
	}
	return claimed, nil
}

// MarkOutboxSent flips rows to sent and clears their last error. Sent is
// terminal: the WHERE clause refuses to touch rows already sent so replays
// cannot regress a delivered row.
func (d Datasource) MarkOutboxSent(ctx context.Context, queue model.OutboxQueue, ids []int64) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Marking outbox rows sent")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'sent', last_error = NULL
		WHERE id = ANY($1)
	`, outboxTable(queue))
	_, err := d.Conn.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark outbox rows sent", err)
	}
	return nil
}

// SetOutboxStatus bulk-updates the status of the given rows. Rows already
// sent are never modified.
func (d Datasource) SetOutboxStatus(ctx context.Context, queue model.OutboxQueue, ids []int64, status string) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Updating outbox row status")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2
		WHERE id = ANY($1) AND status <> 'sent'
	`, outboxTable(queue))
	_, err := d.Conn.ExecContext(ctx, query, pq.Array(ids), status)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update outbox row status", err)
	}
	return nil
}

// SetOutboxError persists the last push error for one row.
func (d Datasource) SetOutboxError(ctx context.Context, queue model.OutboxQueue, id int64, errMsg string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET last_error = $2
		WHERE id = $1
	`, outboxTable(queue))
	_, err := d.Conn.ExecContext(ctx, query, id, errMsg)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to persist outbox row error", err)
	}
	return nil
}

// GetOutboxAttempts re-reads the current attempt counters for the given rows.
// The finalizer partitions failures into failed vs dead on these values.
func (d Datasource) GetOutboxAttempts(ctx context.Context, queue model.OutboxQueue, ids []int64) (map[int64]int, error) {
	if len(ids) == 0 {
		return map[int64]int{}, nil
	}
	query := fmt.Sprintf(`SELECT id, attempts FROM %s WHERE id = ANY($1)`, outboxTable(queue))
	rows, err := d.Conn.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read outbox attempts", err)
	}
	defer func() { _ = rows.Close() }()

	attempts := make(map[int64]int, len(ids))
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox attempts", err)
		}
		attempts[id] = n
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over outbox attempts", err)
	}
	return attempts, nil
}

// CountOutboxByStatus aggregates row counts by status for one queue and project.
func (d Datasource) CountOutboxByStatus(ctx context.Context, queue model.OutboxQueue, projectID string) (model.OutboxCounts, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Counting outbox rows by status")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT status, COUNT(*) FROM %s
		WHERE project_id = $1
		GROUP BY status
	`, outboxTable(queue))
	rows, err := d.Conn.QueryContext(ctx, query, projectID)
	if err != nil {
		return model.OutboxCounts{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count outbox rows", err)
	}
	defer func() { _ = rows.Close() }()

	var counts model.OutboxCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return model.OutboxCounts{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox counts", err)
		}
		switch status {
		case model.OutboxStatusPending:
			counts.Pending = n
		case model.OutboxStatusProcessing:
			counts.Processing = n
		case model.OutboxStatusSent:
			counts.Sent = n
		case model.OutboxStatusFailed:
			counts.Failed = n
		case model.OutboxStatusDead:
			counts.Dead = n
		}
	}
	if err = rows.Err(); err != nil {
		return model.OutboxCounts{}, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over outbox counts", err)
	}
	return counts, nil
}

// runScopeClause limits rows to one run: rows stamped with the run id, plus
// legacy rows with no run link that were created inside the run's window. The
// window stays open while the run is still running ($4 is NULL).
const runScopeClause = `(upload_run_id = $2
		   OR (upload_run_id IS NULL AND created_at >= $3 AND created_at <= COALESCE($4, NOW())))`

// CountOutboxByStatusForRun aggregates row counts by status for one queue and
// project, scoped to a single run.
func (d Datasource) CountOutboxByStatusForRun(ctx context.Context, queue model.OutboxQueue, projectID, runID string, windowStart time.Time, windowEnd *time.Time) (model.OutboxCounts, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Counting outbox rows by status for run")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT status, COUNT(*) FROM %s
		WHERE project_id = $1
		  AND `+runScopeClause+`
		GROUP BY status
	`, outboxTable(queue))
	rows, err := d.Conn.QueryContext(ctx, query, projectID, runID, windowStart, windowEnd)
	if err != nil {
		return model.OutboxCounts{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count outbox rows for run", err)
	}
	defer func() { _ = rows.Close() }()

	var counts model.OutboxCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return model.OutboxCounts{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox counts", err)
		}
		switch status {
		case model.OutboxStatusPending:
			counts.Pending = n
		case model.OutboxStatusProcessing:
			counts.Processing = n
		case model.OutboxStatusSent:
			counts.Sent = n
		case model.OutboxStatusFailed:
			counts.Failed = n
		case model.OutboxStatusDead:
			counts.Dead = n
		}
	}
	if err = rows.Err(); err != nil {
		return model.OutboxCounts{}, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over outbox counts", err)
	}
	return counts, nil
}

// CountOutboxInFlight returns the number of pending and processing rows for
// one queue and project. The drain loop terminates when it reaches zero.
func (d Datasource) CountOutboxInFlight(ctx context.Context, queue model.OutboxQueue, projectID string) (int, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE project_id = $1 AND status IN ('pending', 'processing')
	`, outboxTable(queue))
	var n int
	err := d.Conn.QueryRowContext(ctx, query, projectID).Scan(&n)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count in-flight outbox rows", err)
	}
	return n, nil
}

// ListFailedOutbox returns operator-facing details of failed and dead rows,
// newest first, capped at limit.
func (d Datasource) ListFailedOutbox(ctx context.Context, queue model.OutboxQueue, projectID string, limit int) ([]*model.FailedRow, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Listing failed outbox rows")
	defer span.End()

	var query string
	switch queue {
	case model.QueueHouseholds:
		query = `
			SELECT id, attempts, COALESCE(last_error, ''), household_composite, '', ''
			FROM fieldsync.household_outbox
			WHERE project_id = $1 AND status IN ('failed', 'dead')
			ORDER BY created_at DESC LIMIT $2`
	case model.QueueParticipants:
		query = `
			SELECT id, attempts, COALESCE(last_error, ''), participant_id, '', ''
			FROM fieldsync.participant_outbox
			WHERE project_id = $1 AND status IN ('failed', 'dead')
			ORDER BY created_at DESC LIMIT $2`
	case model.QueueAttendance:
		query = `
			SELECT id, attempts, COALESCE(last_error, ''), participant_tns_id, ffg_id, module_id
			FROM fieldsync.attendance_outbox
			WHERE project_id = $1 AND status IN ('failed', 'dead')
			ORDER BY created_at DESC LIMIT $2`
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown outbox queue %q", queue), nil)
	}

	rows, err := d.Conn.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list failed outbox rows", err)
	}
	defer func() { _ = rows.Close() }()

	var failed []*model.FailedRow
	for rows.Next() {
		row := &model.FailedRow{Type: string(queue)}
		var keyA, keyB, keyC string
		if err := rows.Scan(&row.ID, &row.Attempts, &row.LastError, &keyA, &keyB, &keyC); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan failed outbox row", err)
		}
		row.Identifiers = map[string]string{}
		switch queue {
		case model.QueueHouseholds:
			row.Identifiers["householdComposite"] = keyA
		case model.QueueParticipants:
			row.Identifiers["participantId"] = keyA
		case model.QueueAttendance:
			row.Identifiers["participantTnsId"] = keyA
			row.Identifiers["ffgId"] = keyB
			row.Identifiers["moduleId"] = keyC
		}
		failed = append(failed, row)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over failed outbox rows", err)
	}
	return failed, nil
}

// ListFailedOutboxForRun returns the failed and dead rows of a single run,
// newest first, capped at limit. Run scope matches CountOutboxByStatusForRun.
func (d Datasource) ListFailedOutboxForRun(ctx context.Context, queue model.OutboxQueue, projectID, runID string, windowStart time.Time, windowEnd *time.Time, limit int) ([]*model.FailedRow, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Listing failed outbox rows for run")
	defer span.End()

	var keys string
	switch queue {
	case model.QueueHouseholds:
		keys = `household_composite, '', ''`
	case model.QueueParticipants:
		keys = `participant_id, '', ''`
	case model.QueueAttendance:
		keys = `participant_tns_id, ffg_id, module_id`
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown outbox queue %q", queue), nil)
	}
	query := fmt.Sprintf(`
		SELECT id, attempts, COALESCE(last_error, ''), %s
		FROM %s
		WHERE project_id = $1 AND status IN ('failed', 'dead')
		  AND `+runScopeClause+`
		ORDER BY created_at DESC LIMIT $5
	`, keys, outboxTable(queue))

	rows, err := d.Conn.QueryContext(ctx, query, projectID, runID, windowStart, windowEnd, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list failed outbox rows for run", err)
	}
	defer func() { _ = rows.Close() }()

	var failed []*model.FailedRow
	for rows.Next() {
		row := &model.FailedRow{Type: string(queue)}
		var keyA, keyB, keyC string
		if err := rows.Scan(&row.ID, &row.Attempts, &row.LastError, &keyA, &keyB, &keyC); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan failed outbox row", err)
		}
		row.Identifiers = map[string]string{}
		switch queue {
		case model.QueueHouseholds:
			row.Identifiers["householdComposite"] = keyA
		case model.QueueParticipants:
			row.Identifiers["participantId"] = keyA
		case model.QueueAttendance:
			row.Identifiers["participantTnsId"] = keyA
			row.Identifiers["ffgId"] = keyB
			row.Identifiers["moduleId"] = keyC
		}
		failed = append(failed, row)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over failed outbox rows", err)
	}
	return failed, nil
}

// ResetProcessingOutbox flips a project's processing rows back to pending.
// Processing rows are otherwise unreachable: the claim query only selects
// pending and the manual retry only touches failed and dead, so a claim whose
// worker died would hold its rows forever. Attempts are kept; the claim that
// stranded them already consumed one.
func (d Datasource) ResetProcessingOutbox(ctx context.Context, queue model.OutboxQueue, projectID string) (int, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Resetting processing outbox rows")
	defer span.End()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending'
		WHERE project_id = $1 AND status = 'processing'
	`, outboxTable(queue))
	res, err := d.Conn.ExecContext(ctx, query, projectID)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset processing outbox rows", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetFailedOutbox flips every failed and dead row across all three queues
// back to pending with a fresh attempt budget and next_attempt_at=now.
// It returns the distinct project ids that had rows reset.
func (d Datasource) ResetFailedOutbox(ctx context.Context) ([]string, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Resetting failed outbox rows")
	defer span.End()

	seen := map[string]struct{}{}
	var projects []string
	for _, queue := range []model.OutboxQueue{model.QueueHouseholds, model.QueueParticipants, model.QueueAttendance} {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = 'pending', attempts = 0, next_attempt_at = NOW()
			WHERE status IN ('failed', 'dead')
			RETURNING project_id
		`, outboxTable(queue))
		rows, err := d.Conn.QueryContext(ctx, query)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset failed outbox rows", err)
		}
		for rows.Next() {
			var projectID string
			if err := rows.Scan(&projectID); err != nil {
				_ = rows.Close()
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan reset project id", err)
			}
			if _, ok := seen[projectID]; !ok {
				seen[projectID] = struct{}{}
				projects = append(projects, projectID)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over reset rows", err)
		}
		_ = rows.Close()
	}
	return projects, nil
}

// BeginTx opens a transaction for multi-statement reconciliation writes.
func (d Datasource) BeginTx(ctx context.Context) (*sql.Tx, error) {
	txn, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	return txn, nil
}
