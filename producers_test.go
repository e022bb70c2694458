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

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"

	"github.com/farmforce/fieldsync/model"
)

func TestStageHouseholdOutboxUnknownProject(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	f := newTestFieldsync(ds, &mockSalesforce{})

	rows := []*model.HouseholdOutbox{{
		OutboxBase:         model.OutboxBase{ProjectID: "proj-missing", Payload: model.Payload{"Name": "01"}},
		FFGID:              "FFG-1",
		HouseholdNumber:    "1",
		HouseholdComposite: model.HouseholdComposite("FFG-1", "1"),
	}}

	_, err := f.StageHouseholdOutbox(context.Background(), "proj-missing", rows)
	assert.ErrorContains(t, err, "not found")
	assert.Empty(t, ds.households, "nothing is staged for an unknown project")
}

func TestStageAttendanceOutboxStagesAndPushes(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	err := ds.CreateProject(context.Background(), &model.Project{
		ProjectID: "proj-1", Active: true, FullAttendanceEnabled: true, SalesforceID: "sfproj-1",
	})
	assert.NoError(t, err)
	sf := resolvingSalesforce()
	f := newTestFieldsync(ds, sf)

	rows := []*model.AttendanceOutbox{{
		OutboxBase:       model.OutboxBase{ProjectID: "proj-1", Payload: model.Payload{}},
		ParticipantTNSID: "TNS-1",
		FFGID:            "FFG-1",
		ModuleID:         "MOD-1",
		Attended:         true,
	}}

	staged, err := f.StageAttendanceOutbox(context.Background(), "proj-1", rows)
	assert.NoError(t, err)
	assert.Equal(t, 1, staged)

	// no queue is wired, so staging pushed synchronously
	assert.Equal(t, model.OutboxStatusSent, rows[0].Status)
}

func TestCreateAndGetProject(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	f := newTestFieldsync(ds, &mockSalesforce{})
	ctx := context.Background()

	created, err := f.CreateProject(ctx, &model.Project{
		ProjectID: "proj-1", Name: gofakeit.Company(), SalesforceID: "sfproj-1", Active: true,
	})
	assert.NoError(t, err)

	fetched, err := f.GetProject(ctx, "proj-1")
	assert.NoError(t, err)
	assert.Equal(t, created.Name, fetched.Name)

	_, err = f.GetProject(ctx, "proj-unknown")
	assert.ErrorContains(t, err, "not found")
}

func TestSyncParticipantsToSalesforce(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	err := ds.CreateProject(context.Background(), &model.Project{
		ProjectID: "proj-1", Active: true, FullAttendanceEnabled: true, SalesforceID: "sfproj-1",
	})
	assert.NoError(t, err)
	// partial-attendance projects are never staged
	err = ds.CreateProject(context.Background(), &model.Project{
		ProjectID: "proj-partial", Active: true, FullAttendanceEnabled: false,
	})
	assert.NoError(t, err)
	f := newTestFieldsync(ds, &mockSalesforce{})

	dirty := &model.Participant{
		ParticipantID:    "prt_1",
		ProjectID:        "proj-1",
		SalesforceID:     "prt-sf-1",
		TNSID:            "TNS-1",
		FirstName:        gofakeit.FirstName(),
		LastName:         gofakeit.LastName(),
		Status:           model.ParticipantActive,
		SendToSalesforce: true,
	}
	ds.mirror[dirty.ParticipantID] = dirty

	staged, err := f.SyncParticipantsToSalesforce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, staged)
	assert.False(t, dirty.SendToSalesforce)

	// synchronous push delivered the staged row
	counts, err := ds.CountOutboxByStatus(context.Background(), model.QueueParticipants, "proj-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, counts.Sent)
}
