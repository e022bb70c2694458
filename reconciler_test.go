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

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/farmforce/fieldsync/model"
)

func newReconcilerFixture(t *testing.T) (*Fieldsync, *mockDataSource, sqlmock.Sqlmock) {
	t.Helper()
	mockTestConfig()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	ds := newMockDataSource()
	ds.txDB = db
	return newTestFieldsync(ds, &mockSalesforce{}), ds, mock
}

func TestUpsertParticipantsSmartMatchesSalesforceID(t *testing.T) {
	f, ds, mock := newReconcilerFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	existing := &model.Participant{
		ParticipantID: "prt_1",
		ProjectID:     "proj-1",
		SalesforceID:  "sf-1",
		TNSID:         "TNS-1",
		FirstName:     "Old",
		LastName:      "Name",
		Status:        model.ParticipantActive,
	}
	ds.mirror[existing.ParticipantID] = existing

	incoming := &model.Participant{
		SalesforceID:     "sf-1",
		TNSID:            "TNS-1",
		FirstName:        "New",
		LastName:         "Name",
		HouseholdID:      "hh-sf-1",
		Status:           model.ParticipantActive,
		SendToSalesforce: true, // pulls must never mark rows dirty
	}

	err := f.UpsertParticipantsSmart(context.Background(), []*model.Participant{incoming})
	assert.NoError(t, err)

	assert.Len(t, ds.mirror, 1)
	assert.Equal(t, "New", existing.FirstName)
	assert.Equal(t, "hh-sf-1", existing.HouseholdID)
	assert.False(t, existing.SendToSalesforce)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertParticipantsSmartInsertsNewRecords(t *testing.T) {
	f, ds, mock := newReconcilerFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	incoming := &model.Participant{
		ProjectID:    "proj-1",
		SalesforceID: "sf-1",
		TNSID:        "TNS-1",
		FirstName:    "Amina",
		LastName:     "Okafor",
		Status:       model.ParticipantActive,
	}

	err := f.UpsertParticipantsSmart(context.Background(), []*model.Participant{incoming})
	assert.NoError(t, err)

	assert.Len(t, ds.mirror, 1)
	for _, p := range ds.mirror {
		assert.NotEmpty(t, p.ParticipantID)
		assert.Equal(t, "sf-1", p.SalesforceID)
		assert.False(t, p.SendToSalesforce)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertParticipantsSmartTNSTakeover(t *testing.T) {
	f, ds, mock := newReconcilerFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	stale := &model.Participant{
		ParticipantID: "prt_stale",
		ProjectID:     "proj-1",
		SalesforceID:  "sf-old",
		TNSID:         "TNS-1",
		Status:        model.ParticipantInactive,
	}
	ds.mirror[stale.ParticipantID] = stale

	incoming := &model.Participant{
		ProjectID:    "proj-1",
		SalesforceID: "sf-new",
		TNSID:        "TNS-1",
		FirstName:    "Amina",
		LastName:     "Okafor",
		Status:       model.ParticipantActive,
	}

	err := f.UpsertParticipantsSmart(context.Background(), []*model.Participant{incoming})
	assert.NoError(t, err)

	assert.Empty(t, stale.TNSID, "the stale record loses the business key")
	assert.Equal(t, "sf-old", stale.SalesforceID, "the stale record keeps its own Salesforce id")

	assert.Len(t, ds.mirror, 2)
	var fresh *model.Participant
	for _, p := range ds.mirror {
		if p.SalesforceID == "sf-new" {
			fresh = p
		}
	}
	assert.NotNil(t, fresh)
	assert.Equal(t, "TNS-1", fresh.TNSID)
	assert.NotEqual(t, stale.ParticipantID, fresh.ParticipantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertParticipantsSmartTNSMergeWithoutTakeover(t *testing.T) {
	f, ds, mock := newReconcilerFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	// Active local record matched on TNS id only: takeover does not apply, the
	// incoming values merge onto the matched record instead.
	existing := &model.Participant{
		ParticipantID: "prt_1",
		ProjectID:     "proj-1",
		SalesforceID:  "sf-1",
		TNSID:         "TNS-1",
		FirstName:     "Old",
		Status:        model.ParticipantActive,
	}
	ds.mirror[existing.ParticipantID] = existing

	incoming := &model.Participant{
		ProjectID: "proj-1",
		TNSID:     "TNS-1",
		FirstName: "New",
		LastName:  "Name",
		Status:    model.ParticipantActive,
	}

	err := f.UpsertParticipantsSmart(context.Background(), []*model.Participant{incoming})
	assert.NoError(t, err)

	assert.Len(t, ds.mirror, 1)
	assert.Equal(t, "New", existing.FirstName)
	assert.Equal(t, "sf-1", existing.SalesforceID, "a silent pull keeps the remote id on file")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertParticipantsSmartInactiveIncomingNeverTakesOver(t *testing.T) {
	f, ds, mock := newReconcilerFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	stale := &model.Participant{
		ParticipantID: "prt_stale",
		ProjectID:     "proj-1",
		SalesforceID:  "sf-old",
		TNSID:         "TNS-1",
		Status:        model.ParticipantInactive,
	}
	ds.mirror[stale.ParticipantID] = stale

	incoming := &model.Participant{
		ProjectID:    "proj-1",
		SalesforceID: "sf-new",
		TNSID:        "TNS-1",
		Status:       model.ParticipantInactive,
	}

	err := f.UpsertParticipantsSmart(context.Background(), []*model.Participant{incoming})
	assert.NoError(t, err)

	assert.Len(t, ds.mirror, 1)
	assert.Equal(t, "TNS-1", stale.TNSID)
	assert.Equal(t, "sf-new", stale.SalesforceID, "merge adopts the incoming remote id")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertParticipantsSmartEmptyInput(t *testing.T) {
	f, _, mock := newReconcilerFixture(t)

	err := f.UpsertParticipantsSmart(context.Background(), nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "an empty pull opens no transaction")
}

func TestParticipantMergeKeepsIdentityOnSilentFields(t *testing.T) {
	existing := &model.Participant{
		SalesforceID:     "sf-1",
		TNSID:            "TNS-1",
		Status:           model.ParticipantActive,
		LastModifiedDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		SendToSalesforce: true,
	}
	existing.Merge(&model.Participant{FirstName: "Amina"})

	assert.Equal(t, "sf-1", existing.SalesforceID)
	assert.Equal(t, "TNS-1", existing.TNSID)
	assert.Equal(t, model.ParticipantActive, existing.Status)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), existing.LastModifiedDate)
	assert.False(t, existing.SendToSalesforce)
}
