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
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/farmforce/fieldsync/model"
	"github.com/farmforce/fieldsync/salesforce"
)

// mockSalesforce is a function-field Salesforce client for tests. Calls are
// recorded in order so tests can assert phase sequencing.
type mockSalesforce struct {
	mu    sync.Mutex
	Calls []string

	QueryFn  func(ctx context.Context, soql string) (*salesforce.QueryResult, error)
	CreateFn func(ctx context.Context, objectType string, records []map[string]interface{}) ([]salesforce.SaveResult, error)
	UpdateFn func(ctx context.Context, objectType string, records []map[string]interface{}) ([]salesforce.SaveResult, error)
}

func (m *mockSalesforce) record(call string) {
	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	m.mu.Unlock()
}

func (m *mockSalesforce) Query(ctx context.Context, soql string) (*salesforce.QueryResult, error) {
	m.record("query:" + soql)
	if m.QueryFn != nil {
		return m.QueryFn(ctx, soql)
	}
	return &salesforce.QueryResult{Done: true}, nil
}

func (m *mockSalesforce) QueryMore(ctx context.Context, nextRecordsURL string) (*salesforce.QueryResult, error) {
	m.record("queryMore:" + nextRecordsURL)
	return &salesforce.QueryResult{Done: true}, nil
}

func (m *mockSalesforce) Create(ctx context.Context, objectType string, records []map[string]interface{}) ([]salesforce.SaveResult, error) {
	m.record("create:" + objectType)
	if m.CreateFn != nil {
		return m.CreateFn(ctx, objectType, records)
	}
	results := make([]salesforce.SaveResult, len(records))
	for i := range results {
		results[i] = salesforce.SaveResult{ID: fmt.Sprintf("new-%d", i), Success: true}
	}
	return results, nil
}

func (m *mockSalesforce) Update(ctx context.Context, objectType string, records []map[string]interface{}) ([]salesforce.SaveResult, error) {
	m.record("update:" + objectType)
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, objectType, records)
	}
	results := make([]salesforce.SaveResult, len(records))
	for i := range results {
		results[i] = salesforce.SaveResult{Success: true}
	}
	return results, nil
}

// mockDataSource is an in-memory datasource honoring the outbox claim
// semantics: a claim moves pending rows to processing and bumps attempts under
// one lock, so concurrent claims never hand out the same row, and sent rows
// never change status again.
type mockDataSource struct {
	mu sync.Mutex

	households   []*model.HouseholdOutbox
	participants []*model.ParticipantOutbox
	attendance   []*model.AttendanceOutbox
	nextID       int64

	runs         map[string]*model.UploadRun
	mirror       map[string]*model.Participant
	attendanceDB map[string]*model.Attendance
	watermarks   map[string]time.Time
	projects     map[string]*model.Project

	// txDB backs BeginTx for reconciler tests; wire a sqlmock database here.
	txDB *sql.DB
}

func newMockDataSource() *mockDataSource {
	return &mockDataSource{
		nextID:       1,
		runs:         map[string]*model.UploadRun{},
		mirror:       map[string]*model.Participant{},
		attendanceDB: map[string]*model.Attendance{},
		watermarks:   map[string]time.Time{},
		projects:     map[string]*model.Project{},
	}
}

func (m *mockDataSource) newBase(projectID, runID string, payload model.Payload) model.OutboxBase {
	id := m.nextID
	m.nextID++
	return model.OutboxBase{
		ID:          id,
		ProjectID:   projectID,
		UploadRunID: runID,
		Status:      model.OutboxStatusPending,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
}

func (m *mockDataSource) InsertHouseholdOutbox(ctx context.Context, rows []*model.HouseholdOutbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		row.OutboxBase = m.newBase(row.ProjectID, row.UploadRunID, row.Payload)
		m.households = append(m.households, row)
	}
	return nil
}

func (m *mockDataSource) InsertParticipantOutbox(ctx context.Context, rows []*model.ParticipantOutbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		row.OutboxBase = m.newBase(row.ProjectID, row.UploadRunID, row.Payload)
		m.participants = append(m.participants, row)
	}
	return nil
}

func (m *mockDataSource) InsertAttendanceOutbox(ctx context.Context, rows []*model.AttendanceOutbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		row.OutboxBase = m.newBase(row.ProjectID, row.UploadRunID, row.Payload)
		m.attendance = append(m.attendance, row)
	}
	return nil
}

func claimable(base *model.OutboxBase, projectID string) bool {
	if base.ProjectID != projectID || base.Status != model.OutboxStatusPending {
		return false
	}
	if base.NextAttemptAt != nil && base.NextAttemptAt.After(time.Now()) {
		return false
	}
	return true
}

func claimBase(base *model.OutboxBase, runID string) {
	base.Status = model.OutboxStatusProcessing
	base.Attempts++
	if runID != "" && base.UploadRunID == "" {
		base.UploadRunID = runID
	}
}

func (m *mockDataSource) ClaimHouseholdBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.HouseholdOutbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*model.HouseholdOutbox
	for _, row := range m.households {
		if len(claimed) >= limit {
			break
		}
		if claimable(&row.OutboxBase, projectID) {
			claimBase(&row.OutboxBase, runID)
			claimed = append(claimed, row)
		}
	}
	return claimed, nil
}

func (m *mockDataSource) ClaimParticipantBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.ParticipantOutbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*model.ParticipantOutbox
	for _, row := range m.participants {
		if len(claimed) >= limit {
			break
		}
		if claimable(&row.OutboxBase, projectID) {
			claimBase(&row.OutboxBase, runID)
			claimed = append(claimed, row)
		}
	}
	return claimed, nil
}

func (m *mockDataSource) ClaimAttendanceBatch(ctx context.Context, projectID, runID string, limit int) ([]*model.AttendanceOutbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*model.AttendanceOutbox
	for _, row := range m.attendance {
		if len(claimed) >= limit {
			break
		}
		if claimable(&row.OutboxBase, projectID) {
			claimBase(&row.OutboxBase, runID)
			claimed = append(claimed, row)
		}
	}
	return claimed, nil
}

func (m *mockDataSource) eachBase(queue model.OutboxQueue, fn func(*model.OutboxBase)) {
	switch queue {
	case model.QueueHouseholds:
		for _, row := range m.households {
			fn(&row.OutboxBase)
		}
	case model.QueueParticipants:
		for _, row := range m.participants {
			fn(&row.OutboxBase)
		}
	case model.QueueAttendance:
		for _, row := range m.attendance {
			fn(&row.OutboxBase)
		}
	}
}

func (m *mockDataSource) MarkOutboxSent(ctx context.Context, queue model.OutboxQueue, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := idSet(ids)
	m.eachBase(queue, func(base *model.OutboxBase) {
		if _, ok := set[base.ID]; ok {
			base.Status = model.OutboxStatusSent
			base.LastError = ""
		}
	})
	return nil
}

func (m *mockDataSource) SetOutboxStatus(ctx context.Context, queue model.OutboxQueue, ids []int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := idSet(ids)
	m.eachBase(queue, func(base *model.OutboxBase) {
		if _, ok := set[base.ID]; ok && base.Status != model.OutboxStatusSent {
			base.Status = status
		}
	})
	return nil
}

func (m *mockDataSource) SetOutboxError(ctx context.Context, queue model.OutboxQueue, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eachBase(queue, func(base *model.OutboxBase) {
		if base.ID == id {
			base.LastError = errMsg
		}
	})
	return nil
}

func (m *mockDataSource) GetOutboxAttempts(ctx context.Context, queue model.OutboxQueue, ids []int64) (map[int64]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := idSet(ids)
	attempts := map[int64]int{}
	m.eachBase(queue, func(base *model.OutboxBase) {
		if _, ok := set[base.ID]; ok {
			attempts[base.ID] = base.Attempts
		}
	})
	return attempts, nil
}

func (m *mockDataSource) CountOutboxByStatus(ctx context.Context, queue model.OutboxQueue, projectID string) (model.OutboxCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts model.OutboxCounts
	m.eachBase(queue, func(base *model.OutboxBase) {
		if base.ProjectID != projectID {
			return
		}
		switch base.Status {
		case model.OutboxStatusPending:
			counts.Pending++
		case model.OutboxStatusProcessing:
			counts.Processing++
		case model.OutboxStatusSent:
			counts.Sent++
		case model.OutboxStatusFailed:
			counts.Failed++
		case model.OutboxStatusDead:
			counts.Dead++
		}
	})
	return counts, nil
}

func runScoped(base *model.OutboxBase, runID string, windowStart time.Time, windowEnd *time.Time) bool {
	if base.UploadRunID == runID {
		return true
	}
	if base.UploadRunID != "" {
		return false
	}
	if base.CreatedAt.Before(windowStart) {
		return false
	}
	if windowEnd != nil && base.CreatedAt.After(*windowEnd) {
		return false
	}
	return true
}

func (m *mockDataSource) CountOutboxByStatusForRun(ctx context.Context, queue model.OutboxQueue, projectID, runID string, windowStart time.Time, windowEnd *time.Time) (model.OutboxCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts model.OutboxCounts
	m.eachBase(queue, func(base *model.OutboxBase) {
		if base.ProjectID != projectID || !runScoped(base, runID, windowStart, windowEnd) {
			return
		}
		switch base.Status {
		case model.OutboxStatusPending:
			counts.Pending++
		case model.OutboxStatusProcessing:
			counts.Processing++
		case model.OutboxStatusSent:
			counts.Sent++
		case model.OutboxStatusFailed:
			counts.Failed++
		case model.OutboxStatusDead:
			counts.Dead++
		}
	})
	return counts, nil
}

func (m *mockDataSource) ListFailedOutboxForRun(ctx context.Context, queue model.OutboxQueue, projectID, runID string, windowStart time.Time, windowEnd *time.Time, limit int) ([]*model.FailedRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []*model.FailedRow
	m.eachBase(queue, func(base *model.OutboxBase) {
		if len(failed) >= limit || base.ProjectID != projectID || !runScoped(base, runID, windowStart, windowEnd) {
			return
		}
		if base.Status == model.OutboxStatusFailed || base.Status == model.OutboxStatusDead {
			failed = append(failed, &model.FailedRow{
				Type:      string(queue),
				ID:        base.ID,
				Attempts:  base.Attempts,
				LastError: base.LastError,
			})
		}
	})
	return failed, nil
}

func (m *mockDataSource) CountOutboxInFlight(ctx context.Context, queue model.OutboxQueue, projectID string) (int, error) {
	counts, err := m.CountOutboxByStatus(ctx, queue, projectID)
	if err != nil {
		return 0, err
	}
	return counts.InFlight(), nil
}

func (m *mockDataSource) ListFailedOutbox(ctx context.Context, queue model.OutboxQueue, projectID string, limit int) ([]*model.FailedRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []*model.FailedRow
	m.eachBase(queue, func(base *model.OutboxBase) {
		if len(failed) >= limit || base.ProjectID != projectID {
			return
		}
		if base.Status == model.OutboxStatusFailed || base.Status == model.OutboxStatusDead {
			failed = append(failed, &model.FailedRow{
				Type:      string(queue),
				ID:        base.ID,
				Attempts:  base.Attempts,
				LastError: base.LastError,
			})
		}
	})
	return failed, nil
}

func (m *mockDataSource) ResetProcessingOutbox(ctx context.Context, queue model.OutboxQueue, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	m.eachBase(queue, func(base *model.OutboxBase) {
		if base.ProjectID == projectID && base.Status == model.OutboxStatusProcessing {
			base.Status = model.OutboxStatusPending
			n++
		}
	})
	return n, nil
}

func (m *mockDataSource) ResetFailedOutbox(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	seen := map[string]struct{}{}
	var projects []string
	for _, queue := range []model.OutboxQueue{model.QueueHouseholds, model.QueueParticipants, model.QueueAttendance} {
		m.eachBase(queue, func(base *model.OutboxBase) {
			if base.Status == model.OutboxStatusFailed || base.Status == model.OutboxStatusDead {
				base.Status = model.OutboxStatusPending
				base.Attempts = 0
				base.NextAttemptAt = &now
				if _, ok := seen[base.ProjectID]; !ok {
					seen[base.ProjectID] = struct{}{}
					projects = append(projects, base.ProjectID)
				}
			}
		})
	}
	return projects, nil
}

func (m *mockDataSource) CreateUploadRun(ctx context.Context, run *model.UploadRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Bound verbatim like the real datasource: callers own started_at.
	m.runs[run.RunID] = run
	return nil
}

func (m *mockDataSource) GetUploadRun(ctx context.Context, runID string) (*model.UploadRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID], nil
}

func (m *mockDataSource) GetRunningUploadRun(ctx context.Context, projectID string) (*model.UploadRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.ProjectID == projectID && run.Status == model.RunStatusRunning {
			return run, nil
		}
	}
	return nil, nil
}

func (m *mockDataSource) GetLatestUploadRun(ctx context.Context, projectID string) (*model.UploadRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.UploadRun
	for _, run := range m.runs {
		if run.ProjectID != projectID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	return latest, nil
}

func (m *mockDataSource) FinishUploadRun(ctx context.Context, runID, status string, meta map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != model.RunStatusRunning {
		return nil
	}
	now := time.Now()
	run.Status = status
	run.FinishedAt = &now
	run.Meta = meta
	return nil
}

func (m *mockDataSource) UpdateUploadRunFile(ctx context.Context, runID, fileURL, fileName, fileMime string, fileSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok {
		run.FileURL = fileURL
		run.FileName = fileName
		run.FileMime = fileMime
		run.FileSize = fileSize
	}
	return nil
}

func (m *mockDataSource) GetParticipantsBySalesforceIDs(ctx context.Context, ids []string) ([]*model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Participant
	for _, id := range ids {
		for _, p := range m.mirror {
			if p.SalesforceID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (m *mockDataSource) GetParticipantsByTNSIDs(ctx context.Context, tnsIDs []string) ([]*model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Participant
	for _, id := range tnsIDs {
		for _, p := range m.mirror {
			if p.TNSID != "" && p.TNSID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (m *mockDataSource) GetParticipantsToPush(ctx context.Context, projectID string) ([]*model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Participant
	for _, p := range m.mirror {
		if p.ProjectID == projectID && p.SendToSalesforce {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockDataSource) ClearParticipantSendFlags(ctx context.Context, participantIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range participantIDs {
		if p, ok := m.mirror[id]; ok {
			p.SendToSalesforce = false
		}
	}
	return nil
}

func (m *mockDataSource) UpsertParticipantInTx(ctx context.Context, tx *sql.Tx, p *model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirror[p.ParticipantID] = p
	return nil
}

func (m *mockDataSource) UpdateParticipantInTx(ctx context.Context, tx *sql.Tx, p *model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirror[p.ParticipantID] = p
	return nil
}

func (m *mockDataSource) ClearParticipantTNSIDInTx(ctx context.Context, tx *sql.Tx, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.mirror[participantID]; ok {
		p.TNSID = ""
	}
	return nil
}

func (m *mockDataSource) UpsertAttendance(ctx context.Context, rows []*model.Attendance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.attendanceDB[row.SalesforceID] = row
	}
	return nil
}

func (m *mockDataSource) GetLastSyncedAt(ctx context.Context, objectName, projectID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[objectName+":"+projectID], nil
}

func (m *mockDataSource) SetLastSyncedAt(ctx context.Context, objectName, projectID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[objectName+":"+projectID] = at
	return nil
}

func (m *mockDataSource) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[projectID], nil
}

func (m *mockDataSource) GetActiveProjects(ctx context.Context) ([]*model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Project
	for _, p := range m.projects {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockDataSource) CreateProject(ctx context.Context, p *model.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ProjectID] = p
	return nil
}

func (m *mockDataSource) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if m.txDB == nil {
		return nil, fmt.Errorf("mock datasource has no transaction database")
	}
	return m.txDB.BeginTx(ctx, nil)
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
