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

	"github.com/stretchr/testify/assert"

	"github.com/farmforce/fieldsync/model"
	"github.com/farmforce/fieldsync/salesforce"
)

func stageParticipantRow(t *testing.T, ds *mockDataSource, projectID string, payload model.Payload) *model.ParticipantOutbox {
	t.Helper()
	row := &model.ParticipantOutbox{
		OutboxBase: model.OutboxBase{
			ProjectID: projectID,
			Payload:   payload,
		},
		ParticipantID: "prt_local",
	}
	err := ds.InsertParticipantOutbox(context.Background(), []*model.ParticipantOutbox{row})
	assert.NoError(t, err)
	return row
}

func TestPushParticipantChunkRequiresSalesforceID(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	sf := &mockSalesforce{}
	f := newTestFieldsync(ds, sf)

	row := stageParticipantRow(t, ds, "proj-1", model.Payload{"First_Name__c": "Amina"})
	rows, err := ds.ClaimParticipantBatch(context.Background(), "proj-1", "run-1", 10)
	assert.NoError(t, err)

	result := f.pushParticipantChunk(context.Background(), rows)

	assert.Empty(t, result.Successes)
	assert.Contains(t, result.Failures[row.ID], "no Salesforce id")
	assert.Empty(t, sf.Calls, "rows failing local validation must not spend a remote call")
}

func TestPushParticipantChunkResolvesHouseholdComposite(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()

	var updated []map[string]interface{}
	sf := &mockSalesforce{
		QueryFn: func(ctx context.Context, soql string) (*salesforce.QueryResult, error) {
			assert.Contains(t, soql, FieldHouseholdKey+" IN")
			return &salesforce.QueryResult{Done: true, Records: []map[string]interface{}{
				{"Id": "hh-sf-1", FieldHouseholdKey: "FFG-1-01"},
			}}, nil
		},
		UpdateFn: func(ctx context.Context, objectType string, records []map[string]interface{}) ([]salesforce.SaveResult, error) {
			updated = records
			results := make([]salesforce.SaveResult, len(records))
			for i := range results {
				results[i] = salesforce.SaveResult{Success: true}
			}
			return results, nil
		},
	}
	f := newTestFieldsync(ds, sf)

	resolved := stageParticipantRow(t, ds, "proj-1", model.Payload{
		"Id":                         "prt-sf-1",
		model.HouseholdCompositeHint: "FFG-1-01",
	})
	unresolved := stageParticipantRow(t, ds, "proj-1", model.Payload{
		"Id":                         "prt-sf-2",
		model.HouseholdCompositeHint: "FFG-1-99",
	})
	rows, err := ds.ClaimParticipantBatch(context.Background(), "proj-1", "run-1", 10)
	assert.NoError(t, err)

	result := f.pushParticipantChunk(context.Background(), rows)

	assert.Equal(t, []int64{resolved.ID}, result.Successes)
	assert.Contains(t, result.Failures[unresolved.ID], `not found for composite "FFG-1-99"`)

	assert.Len(t, updated, 1)
	assert.Equal(t, "hh-sf-1", updated[0][ObjectHousehold])
	_, hintPresent := updated[0][model.HouseholdCompositeHint]
	assert.False(t, hintPresent)
}

func TestPushParticipantChunkIsUpdateOnly(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	sf := &mockSalesforce{}
	f := newTestFieldsync(ds, sf)

	stageParticipantRow(t, ds, "proj-1", model.Payload{"Id": "prt-sf-1"})
	rows, err := ds.ClaimParticipantBatch(context.Background(), "proj-1", "run-1", 10)
	assert.NoError(t, err)

	result := f.pushParticipantChunk(context.Background(), rows)
	assert.Len(t, result.Successes, 1)

	assert.Equal(t, []string{"update:" + ObjectParticipant}, sf.Calls)
}

func TestStageParticipants(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	f := newTestFieldsync(ds, &mockSalesforce{})
	ctx := context.Background()

	dirty := &model.Participant{
		ParticipantID:    "prt_1",
		ProjectID:        "proj-1",
		SalesforceID:     "prt-sf-1",
		TNSID:            "TNS-1",
		FirstName:        "Amina",
		LastName:         "Okafor",
		Gender:           "F",
		Age:              34,
		HouseholdID:      "hh-sf-1",
		Status:           model.ParticipantActive,
		SendToSalesforce: true,
	}
	neverSynced := &model.Participant{
		ParticipantID:    "prt_2",
		ProjectID:        "proj-1",
		FirstName:        "Kwame",
		LastName:         "Mensah",
		Status:           model.ParticipantActive,
		SendToSalesforce: true,
	}
	ds.mirror[dirty.ParticipantID] = dirty
	ds.mirror[neverSynced.ParticipantID] = neverSynced

	staged, err := f.StageParticipants(ctx, "proj-1", "run-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, staged, "participants without a Salesforce id are never staged")

	assert.False(t, dirty.SendToSalesforce)
	assert.True(t, neverSynced.SendToSalesforce, "skipped rows keep their dirty flag")

	rows, err := ds.ClaimParticipantBatch(ctx, "proj-1", "run-1", 10)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, "prt-sf-1", rows[0].Payload.GetString("Id"))
	assert.Equal(t, "TNS-1", rows[0].Payload.GetString(FieldTNSID))
	assert.Equal(t, "hh-sf-1", rows[0].Payload.GetString(ObjectHousehold))
}

func TestStageParticipantsNothingDirty(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	f := newTestFieldsync(ds, &mockSalesforce{})

	staged, err := f.StageParticipants(context.Background(), "proj-1", "run-1")
	assert.NoError(t, err)
	assert.Zero(t, staged)
}
