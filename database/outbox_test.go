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
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/farmforce/fieldsync/model"
)

func newTestDatasource(t *testing.T) (Datasource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	return Datasource{Conn: db}, mock
}

func TestClaimQueryShape(t *testing.T) {
	query := claimQuery("fieldsync.household_outbox", "id")

	assert.Contains(t, query, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, query, "attempts = attempts + 1")
	assert.Contains(t, query, "status = 'pending'")
	assert.Contains(t, query, "next_attempt_at IS NULL OR next_attempt_at <= NOW()")
	assert.Contains(t, query, "ORDER BY created_at ASC")
}

func TestClaimHouseholdBatch(t *testing.T) {
	ds, mock := newTestDatasource(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE fieldsync.household_outbox")).
		WithArgs("proj-1", "run-1", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project_id", "upload_run_id", "payload", "status", "attempts",
			"last_error", "next_attempt_at", "created_at",
			"ffg_id", "household_number", "household_composite", "training_group_id",
		}).AddRow(
			int64(7), "proj-1", "run-1", []byte(`{"Name":"01"}`), model.OutboxStatusProcessing, 1,
			nil, nil, now,
			"FFG-1", "1", "FFG-1-01", nil,
		))

	rows, err := ds.ClaimHouseholdBatch(context.Background(), "proj-1", "run-1", 100)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].ID)
	assert.Equal(t, model.OutboxStatusProcessing, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, "FFG-1-01", rows[0].HouseholdComposite)
	assert.Equal(t, "01", rows[0].Payload.GetString("Name"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAttendanceBatchEmpty(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE fieldsync.attendance_outbox")).
		WithArgs("proj-1", "", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project_id", "upload_run_id", "payload", "status", "attempts",
			"last_error", "next_attempt_at", "created_at",
			"participant_salesforce_id", "participant_tns_id", "ffg_id", "module_id", "attended",
		}))

	rows, err := ds.ClaimAttendanceBatch(context.Background(), "proj-1", "", 100)
	assert.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertHouseholdOutbox(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO fieldsync.household_outbox"))
	prep.ExpectQuery().
		WithArgs("proj-1", "run-1", []byte(`{"Name":"01"}`), model.OutboxStatusPending, nil,
			"FFG-1", "1", "FFG-1-01", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	row := &model.HouseholdOutbox{
		OutboxBase: model.OutboxBase{
			ProjectID:   "proj-1",
			UploadRunID: "run-1",
			Payload:     model.Payload{"Name": "01"},
		},
		FFGID:              "FFG-1",
		HouseholdNumber:    "1",
		HouseholdComposite: "FFG-1-01",
	}
	err := ds.InsertHouseholdOutbox(context.Background(), []*model.HouseholdOutbox{row})
	assert.NoError(t, err)
	assert.Equal(t, int64(42), row.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOutboxNoRows(t *testing.T) {
	ds, mock := newTestDatasource(t)

	assert.NoError(t, ds.InsertHouseholdOutbox(context.Background(), nil))
	assert.NoError(t, ds.InsertParticipantOutbox(context.Background(), nil))
	assert.NoError(t, ds.InsertAttendanceOutbox(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOutboxSentClearsError(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent', last_error = NULL")).
		WithArgs(pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := ds.MarkOutboxSent(context.Background(), model.QueueHouseholds, []int64{1, 2})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetOutboxStatusGuardsSentRows(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ANY($1) AND status <> 'sent'")).
		WithArgs(pq.Array([]int64{3}), model.OutboxStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ds.SetOutboxStatus(context.Background(), model.QueueAttendance, []int64{3}, model.OutboxStatusFailed)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOutboxAttempts(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, attempts FROM fieldsync.participant_outbox")).
		WithArgs(pq.Array([]int64{1, 2})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempts"}).
			AddRow(int64(1), 2).
			AddRow(int64(2), 5))

	attempts, err := ds.GetOutboxAttempts(context.Background(), model.QueueParticipants, []int64{1, 2})
	assert.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 2, 2: 5}, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountOutboxByStatus(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) FROM fieldsync.household_outbox")).
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(model.OutboxStatusPending, 3).
			AddRow(model.OutboxStatusSent, 10).
			AddRow(model.OutboxStatusDead, 1))

	counts, err := ds.CountOutboxByStatus(context.Background(), model.QueueHouseholds, "proj-1")
	assert.NoError(t, err)
	assert.Equal(t, 3, counts.Pending)
	assert.Equal(t, 10, counts.Sent)
	assert.Equal(t, 1, counts.Dead)
	assert.Equal(t, 14, counts.Total())
	assert.Equal(t, 3, counts.InFlight())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountOutboxInFlight(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("status IN ('pending', 'processing')")).
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := ds.CountOutboxInFlight(context.Background(), model.QueueAttendance, "proj-1")
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFailedOutboxAttendanceIdentifiers(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fieldsync.attendance_outbox")).
		WithArgs("proj-1", 200).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempts", "last_error", "a", "b", "c"}).
			AddRow(int64(9), 5, "session missing", "TNS-1", "FFG-1", "MOD-1"))

	failed, err := ds.ListFailedOutbox(context.Background(), model.QueueAttendance, "proj-1", 200)
	assert.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.Equal(t, "session missing", failed[0].LastError)
	assert.Equal(t, "TNS-1", failed[0].Identifiers["participantTnsId"])
	assert.Equal(t, "FFG-1", failed[0].Identifiers["ffgId"])
	assert.Equal(t, "MOD-1", failed[0].Identifiers["moduleId"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountOutboxByStatusForRunScopesByRunAndWindow(t *testing.T) {
	ds, mock := newTestDatasource(t)
	started := time.Now().Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("upload_run_id IS NULL AND created_at >= $3 AND created_at <= COALESCE($4, NOW())")).
		WithArgs("proj-1", "run-1", started, nil).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(model.OutboxStatusSent, 8).
			AddRow(model.OutboxStatusFailed, 2))

	counts, err := ds.CountOutboxByStatusForRun(context.Background(), model.QueueHouseholds, "proj-1", "run-1", started, nil)
	assert.NoError(t, err)
	assert.Equal(t, 8, counts.Sent)
	assert.Equal(t, 2, counts.Failed)
	assert.Equal(t, 10, counts.Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFailedOutboxForRunClosedWindow(t *testing.T) {
	ds, mock := newTestDatasource(t)
	started := time.Now().Add(-2 * time.Hour)
	finished := started.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fieldsync.participant_outbox")).
		WithArgs("proj-1", "run-1", started, &finished, 200).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempts", "last_error", "a", "b", "c"}).
			AddRow(int64(4), 5, "duplicate tns id", "PART-4", "", ""))

	failed, err := ds.ListFailedOutboxForRun(context.Background(), model.QueueParticipants, "proj-1", "run-1", started, &finished, 200)
	assert.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.Equal(t, "duplicate tns id", failed[0].LastError)
	assert.Equal(t, "PART-4", failed[0].Identifiers["participantId"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetProcessingOutboxCountsRows(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending'")).
		WithArgs("proj-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := ds.ResetProcessingOutbox(context.Background(), model.QueueAttendance, "proj-1")
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailedOutboxReturnsDistinctProjects(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE fieldsync.household_outbox")).
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).
			AddRow("proj-1").AddRow("proj-1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE fieldsync.participant_outbox")).
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("proj-2"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE fieldsync.attendance_outbox")).
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow("proj-1"))

	projects, err := ds.ResetFailedOutbox(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []string{"proj-1", "proj-2"}, projects)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailedOutboxRestoresAttemptBudget(t *testing.T) {
	ds, mock := newTestDatasource(t)
	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'pending', attempts = 0, next_attempt_at = NOW()")).
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'pending', attempts = 0, next_attempt_at = NOW()")).
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'pending', attempts = 0, next_attempt_at = NOW()")).
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}))

	projects, err := ds.ResetFailedOutbox(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, projects)
	assert.NoError(t, mock.ExpectationsWereMet())
}
