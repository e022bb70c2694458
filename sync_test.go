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
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/farmforce/fieldsync/model"
	"github.com/farmforce/fieldsync/salesforce"
)

func newSyncFixture(t *testing.T, sf *mockSalesforce) (*Fieldsync, *mockDataSource, sqlmock.Sqlmock) {
	t.Helper()
	mockTestConfig()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	ds := newMockDataSource()
	ds.txDB = db
	assert.NoError(t, ds.CreateProject(context.Background(), &model.Project{
		ProjectID:             "proj-1",
		SalesforceID:          "sfproj-1",
		Active:                true,
		FullAttendanceEnabled: true,
	}))
	return newTestFieldsync(ds, sf), ds, mock
}

func TestRefreshParticipants(t *testing.T) {
	sf := &mockSalesforce{
		QueryFn: func(ctx context.Context, soql string) (*salesforce.QueryResult, error) {
			assert.Contains(t, soql, "Project__c = 'sfproj-1'")
			assert.NotContains(t, soql, "LastModifiedDate >", "the refresh pull is unbounded")
			return &salesforce.QueryResult{Done: true, Records: []map[string]interface{}{
				{
					"Id":            "sf-1",
					FieldTNSID:      "TNS-1",
					"First_Name__c": "Amina",
					"Last_Name__c":  "Okafor",
					"Age__c":        float64(34),
					ObjectHousehold: "hh-sf-1",
					"Status__c":     "Active",
				},
			}}, nil
		},
	}
	f, ds, mock := newSyncFixture(t, sf)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := f.RefreshParticipants(context.Background(), "proj-1")
	assert.NoError(t, err)

	assert.Len(t, ds.mirror, 1)
	for _, p := range ds.mirror {
		assert.Equal(t, "sf-1", p.SalesforceID)
		assert.Equal(t, 34, p.Age)
		assert.Equal(t, "hh-sf-1", p.HouseholdID)
		assert.Equal(t, model.ParticipantActive, p.Status, "status is normalized to lower case")
		assert.False(t, p.SendToSalesforce)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshParticipantsUnknownProject(t *testing.T) {
	f, _, _ := newSyncFixture(t, &mockSalesforce{})

	err := f.RefreshParticipants(context.Background(), "proj-404")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPullParticipantsAdvancesWatermark(t *testing.T) {
	modified := "2024-06-01T10:30:00.000+0000"
	sf := &mockSalesforce{
		QueryFn: func(ctx context.Context, soql string) (*salesforce.QueryResult, error) {
			assert.Contains(t, soql, "LastModifiedDate >")
			assert.Contains(t, soql, "ORDER BY LastModifiedDate ASC")
			return &salesforce.QueryResult{Done: true, Records: []map[string]interface{}{
				{
					"Id":               "sf-1",
					FieldTNSID:         "TNS-1",
					"First_Name__c":    "Amina",
					"Last_Name__c":     "Okafor",
					"Status__c":        "Active",
					"LastModifiedDate": modified,
				},
			}}, nil
		},
	}
	f, ds, mock := newSyncFixture(t, sf)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := f.PullParticipants(context.Background(), "proj-1")
	assert.NoError(t, err)

	watermark, err := ds.GetLastSyncedAt(context.Background(), ObjectParticipant, "proj-1")
	assert.NoError(t, err)
	expected, _ := time.Parse(sfTimeLayout, modified)
	assert.True(t, watermark.Equal(expected), "watermark advances to the newest pulled row")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPullParticipantsNoChanges(t *testing.T) {
	f, ds, mock := newSyncFixture(t, &mockSalesforce{})

	before, _ := ds.GetLastSyncedAt(context.Background(), ObjectParticipant, "proj-1")
	err := f.PullParticipants(context.Background(), "proj-1")
	assert.NoError(t, err)

	after, _ := ds.GetLastSyncedAt(context.Background(), ObjectParticipant, "proj-1")
	assert.True(t, before.Equal(after), "an empty pull never moves the watermark")
	assert.NoError(t, mock.ExpectationsWereMet(), "an empty pull opens no transaction")
}

func TestBackfillAttendance(t *testing.T) {
	modified := "2024-06-02T08:00:00.000+0000"
	sf := &mockSalesforce{
		QueryFn: func(ctx context.Context, soql string) (*salesforce.QueryResult, error) {
			assert.Contains(t, soql, "Participant__r.Project__c = 'sfproj-1'")
			return &salesforce.QueryResult{Done: true, Records: []map[string]interface{}{
				{
					"Id":                  "att-sf-1",
					ObjectParticipant:     "prt-sf-1",
					ObjectTrainingSession: "ses-1",
					FieldModule:           "MOD-1",
					"Attended__c":         true,
					"LastModifiedDate":    modified,
				},
			}}, nil
		},
	}
	f, ds, _ := newSyncFixture(t, sf)

	err := f.BackfillAttendance(context.Background(), "proj-1")
	assert.NoError(t, err)

	row, ok := ds.attendanceDB["att-sf-1"]
	assert.True(t, ok)
	assert.Equal(t, "prt-sf-1", row.ParticipantSFID)
	assert.Equal(t, "ses-1", row.TrainingSessionSFID)
	assert.True(t, row.Attended)

	watermark, err := ds.GetLastSyncedAt(context.Background(), ObjectAttendance, "proj-1")
	assert.NoError(t, err)
	expected, _ := time.Parse(sfTimeLayout, modified)
	assert.True(t, watermark.Equal(expected))
}

func TestBackfillAttendanceQueryFailure(t *testing.T) {
	sf := &mockSalesforce{
		QueryFn: func(ctx context.Context, soql string) (*salesforce.QueryResult, error) {
			return nil, assert.AnError
		},
	}
	f, ds, _ := newSyncFixture(t, sf)

	err := f.BackfillAttendance(context.Background(), "proj-1")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "backfill query failed"))
	assert.Empty(t, ds.attendanceDB)
}

func TestParseSFTime(t *testing.T) {
	parsed := parseSFTime("2024-06-01T10:30:00.000+0000")
	assert.Equal(t, 2024, parsed.Year())
	assert.Equal(t, time.June, parsed.Month())

	assert.True(t, parseSFTime(nil).IsZero())
	assert.True(t, parseSFTime("not a timestamp").IsZero())
}
