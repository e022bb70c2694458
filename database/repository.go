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
	"time"

	"github.com/farmforce/fieldsync/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	outbox       // Staged outbox queues: insert, claim, finalize, counts
	uploadRun    // Push-run lifecycle tracking
	participant  // Local participant mirror and identity reconciliation
	attendance   // Local attendance mirror
	syncMetadata // Incremental-pull watermarks
	project      // Project lookup for scheduled pushes

	// BeginTx opens a transaction for multi-statement reconciliation writes.
	BeginTx(ctx context.Context) (*sql.Tx, error)
}

// outbox defines operations on the three staged delivery queues. Claim
// methods atomically move pending rows to processing (attempts+1) using
// FOR UPDATE SKIP LOCKED so concurrent drains never receive overlapping rows.
type outbox interface {
	InsertHouseholdOutbox(ctx context.Context, rows []*model.HouseholdOutbox) error
	InsertParticipantOutbox(ctx context.Context, rows []*model.ParticipantOutbox) error
	InsertAttendanceOutbox(ctx context.Context, rows []*model.AttendanceOutbox) error

	ClaimHouseholdBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.HouseholdOutbox, error)
	ClaimParticipantBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.ParticipantOutbox, error)
	ClaimAttendanceBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.AttendanceOutbox, error)

	MarkOutboxSent(ctx context.Context, queue model.OutboxQueue, ids []int64) error
	SetOutboxStatus(ctx context.Context, queue model.OutboxQueue, ids []int64, status string) error
	SetOutboxError(ctx context.Context, queue model.OutboxQueue, id int64, errMsg string) error
	GetOutboxAttempts(ctx context.Context, queue model.OutboxQueue, ids []int64) (map[int64]int, error)
	CountOutboxByStatus(ctx context.Context, queue model.OutboxQueue, projectID string) (model.OutboxCounts, error)
	CountOutboxByStatusForRun(ctx context.Context, queue model.OutboxQueue, projectID, runID string, windowStart time.Time, windowEnd *time.Time) (model.OutboxCounts, error)
	CountOutboxInFlight(ctx context.Context, queue model.OutboxQueue, projectID string) (int, error)
	ListFailedOutbox(ctx context.Context, queue model.OutboxQueue, projectID string, limit int) ([]*model.FailedRow, error)
	ListFailedOutboxForRun(ctx context.Context, queue model.OutboxQueue, projectID, runID string, windowStart time.Time, windowEnd *time.Time, limit int) ([]*model.FailedRow, error)
	ResetProcessingOutbox(ctx context.Context, queue model.OutboxQueue, projectID string) (int, error)
	ResetFailedOutbox(ctx context.Context) ([]string, error)
}

// uploadRun defines run lifecycle operations. finished_at is written exactly
// once, by FinishUploadRun.
type uploadRun interface {
	CreateUploadRun(ctx context.Context, run *model.UploadRun) error
	GetUploadRun(ctx context.Context, runID string) (*model.UploadRun, error)
	GetRunningUploadRun(ctx context.Context, projectID string) (*model.UploadRun, error)
	GetLatestUploadRun(ctx context.Context, projectID string) (*model.UploadRun, error)
	FinishUploadRun(ctx context.Context, runID, status string, meta map[string]interface{}) error
	UpdateUploadRunFile(ctx context.Context, runID, fileURL, fileName, fileMime string, fileSize int64) error
}

// participant defines the local mirror operations used by the reconciler and
// the outbox producers.
type participant interface {
	GetParticipantsBySalesforceIDs(ctx context.Context, ids []string) ([]*model.Participant, error)
	GetParticipantsByTNSIDs(ctx context.Context, tnsIDs []string) ([]*model.Participant, error)
	GetParticipantsToPush(ctx context.Context, projectID string) ([]*model.Participant, error)
	ClearParticipantSendFlags(ctx context.Context, participantIDs []string) error
	UpsertParticipantInTx(ctx context.Context, tx *sql.Tx, p *model.Participant) error
	UpdateParticipantInTx(ctx context.Context, tx *sql.Tx, p *model.Participant) error
	ClearParticipantTNSIDInTx(ctx context.Context, tx *sql.Tx, participantID string) error
}

type attendance interface {
	UpsertAttendance(ctx context.Context, rows []*model.Attendance) error
}

type syncMetadata interface {
	GetLastSyncedAt(ctx context.Context, objectName, projectID string) (time.Time, error)
	SetLastSyncedAt(ctx context.Context, objectName, projectID string, at time.Time) error
}

type project interface {
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	GetActiveProjects(ctx context.Context) ([]*model.Project, error)
	CreateProject(ctx context.Context, p *model.Project) error
}
