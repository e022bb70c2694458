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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/farmforce/fieldsync/model"
)

func newRecoveryFixture(t *testing.T) (*Fieldsync, *mockDataSource) {
	t.Helper()
	mockTestConfig()
	ds := newMockDataSource()
	err := ds.CreateProject(context.Background(), &model.Project{
		ProjectID: "proj-1", Active: true, FullAttendanceEnabled: true, SalesforceID: "sfproj-1",
	})
	assert.NoError(t, err)
	return newTestFieldsync(ds, &mockSalesforce{}), ds
}

func TestRecoverStrandedOutboxNothingInFlight(t *testing.T) {
	f, ds := newRecoveryFixture(t)
	row := stageHousehold(t, ds, "proj-1", "FFG-1", "1")
	row.Status = model.OutboxStatusSent

	recovered, err := f.RecoverStrandedOutbox(context.Background(), time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestRecoverStrandedOutboxDispatchesWithoutRunningRun(t *testing.T) {
	f, ds := newRecoveryFixture(t)
	row := stageHousehold(t, ds, "proj-1", "FFG-1", "1")
	row.Status = model.OutboxStatusProcessing

	recovered, err := f.RecoverStrandedOutbox(context.Background(), time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 1, recovered)
}

func TestRecoverStrandedOutboxSkipsFreshRunningRun(t *testing.T) {
	f, ds := newRecoveryFixture(t)
	row := stageHousehold(t, ds, "proj-1", "FFG-1", "1")
	row.Status = model.OutboxStatusProcessing
	err := ds.CreateUploadRun(context.Background(), &model.UploadRun{
		RunID: "run-1", ProjectID: "proj-1", Status: model.RunStatusRunning, StartedAt: time.Now(),
	})
	assert.NoError(t, err)

	recovered, err := f.RecoverStrandedOutbox(context.Background(), time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestRecoverStrandedOutboxRedispatchesStaleRun(t *testing.T) {
	f, ds := newRecoveryFixture(t)
	row := stageAttendance(t, ds, "proj-1", "TNS-1", "FFG-1", "MOD-1")
	row.Status = model.OutboxStatusProcessing
	err := ds.CreateUploadRun(context.Background(), &model.UploadRun{
		RunID: "run-1", ProjectID: "proj-1", Status: model.RunStatusRunning,
		StartedAt: time.Now().Add(-2 * time.Hour),
	})
	assert.NoError(t, err)

	recovered, err := f.RecoverStrandedOutbox(context.Background(), time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 1, recovered)
}

func TestRecoverStrandedOutboxFreesStuckProcessingRows(t *testing.T) {
	f, ds := newRecoveryFixture(t)
	row := stageHousehold(t, ds, "proj-1", "FFG-1", "1")
	row.Status = model.OutboxStatusProcessing

	recovered, err := f.RecoverStrandedOutbox(context.Background(), time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 1, recovered)

	// The stuck row was reset to pending, re-claimed by the re-dispatched
	// push, and delivered; the run it left behind is closed.
	assert.Equal(t, model.OutboxStatusSent, row.Status)
	run, err := ds.GetLatestUploadRun(context.Background(), "proj-1")
	assert.NoError(t, err)
	assert.NotNil(t, run)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
}

func TestOutboxRecoveryProcessorStartStop(t *testing.T) {
	f, _ := newRecoveryFixture(t)
	p := NewOutboxRecoveryProcessor(f)
	assert.False(t, p.IsRunning())

	p.Start(context.Background())
	assert.True(t, p.IsRunning())
	p.Start(context.Background()) // repeated start is a no-op
	assert.True(t, p.IsRunning())

	p.Stop()
	assert.False(t, p.IsRunning())
	p.Stop()
}
