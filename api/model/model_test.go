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
package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wacul/ptr"
)

func TestValidateCreateProject(t *testing.T) {
	tests := []struct {
		name    string
		request CreateProject
		wantErr bool
	}{
		{
			name: "Valid Project",
			request: CreateProject{
				ProjectID:    "proj-1",
				Name:         "Kenya Coffee 2024",
				SalesforceID: "sfproj-1",
			},
			wantErr: false,
		},
		{
			name: "Missing ProjectID",
			request: CreateProject{
				Name:         "Kenya Coffee 2024",
				SalesforceID: "sfproj-1",
			},
			wantErr: true,
		},
		{
			name: "Missing SalesforceID",
			request: CreateProject{
				ProjectID: "proj-1",
				Name:      "Kenya Coffee 2024",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.ValidateCreateProject()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStageHouseholds(t *testing.T) {
	valid := StageHouseholds{
		ProjectID: "proj-1",
		Rows: []HouseholdRow{
			{FFGID: "FFG-1", HouseholdNumber: "4"},
		},
	}
	assert.NoError(t, valid.ValidateStageHouseholds())

	noRows := StageHouseholds{ProjectID: "proj-1"}
	assert.Error(t, noRows.ValidateStageHouseholds())

	badRow := StageHouseholds{
		ProjectID: "proj-1",
		Rows: []HouseholdRow{
			{FFGID: "FFG-1"},
		},
	}
	assert.Error(t, badRow.ValidateStageHouseholds())
}

func TestValidateStageAttendance(t *testing.T) {
	valid := StageAttendance{
		ProjectID: "proj-1",
		Rows: []AttendanceRow{
			{TNSID: "TNS-1", FFGID: "FFG-1", ModuleID: "MOD-1"},
		},
	}
	assert.NoError(t, valid.ValidateStageAttendance())

	missingModule := StageAttendance{
		ProjectID: "proj-1",
		Rows: []AttendanceRow{
			{TNSID: "TNS-1", FFGID: "FFG-1"},
		},
	}
	assert.Error(t, missingModule.ValidateStageAttendance())
}

func TestStageHouseholdsToOutboxRows(t *testing.T) {
	req := StageHouseholds{
		ProjectID: "proj-1",
		RunID:     "run-1",
		Rows: []HouseholdRow{
			{FFGID: "FFG-1", HouseholdNumber: "4", TrainingGroupID: "grp-1"},
			{FFGID: "FFG-1", HouseholdNumber: "12"},
		},
	}

	rows := req.ToOutboxRows()
	assert.Len(t, rows, 2)

	// single-digit numbers are zero padded in the record name and the key
	assert.Equal(t, "04", rows[0].Payload["Name"])
	assert.Equal(t, "FFG-1-04", rows[0].HouseholdComposite)
	assert.Equal(t, "grp-1", rows[0].TrainingGroupID)
	assert.Equal(t, "proj-1", rows[0].ProjectID)
	assert.Equal(t, "run-1", rows[0].UploadRunID)

	assert.Equal(t, "12", rows[1].Payload["Name"])
	assert.Equal(t, "FFG-1-12", rows[1].HouseholdComposite)
}

func TestStageAttendanceToOutboxRows(t *testing.T) {
	req := StageAttendance{
		ProjectID: "proj-1",
		Rows: []AttendanceRow{
			{TNSID: "TNS-1", FFGID: "FFG-1", ModuleID: "MOD-1"},
			{TNSID: "TNS-2", FFGID: "FFG-1", ModuleID: "MOD-1", Attended: ptr.Bool(false)},
			{TNSID: "TNS-3", SalesforceID: "prt-sf-3", FFGID: "FFG-1", ModuleID: "MOD-2", Attended: ptr.Bool(true)},
		},
	}

	rows := req.ToOutboxRows()
	assert.Len(t, rows, 3)
	assert.True(t, rows[0].Attended, "attended defaults to true when omitted")
	assert.False(t, rows[1].Attended)
	assert.True(t, rows[2].Attended)
	assert.Equal(t, "prt-sf-3", rows[2].ParticipantSalesforceID)
}
