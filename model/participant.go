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

import "time"

// Participant status values mirrored from Salesforce.
const (
	ParticipantActive   = "active"
	ParticipantInactive = "inactive"
)

// Participant is the local mirror of a Salesforce participant record. It
// carries a dual identity: the Salesforce id (remote key) and the TNS id
// (business key, unique, transferable between records via takeover).
type Participant struct {
	ParticipantID    string    `json:"participant_id"`
	ProjectID        string    `json:"project_id"`
	SalesforceID     string    `json:"salesforce_id"`
	TNSID            string    `json:"tns_id,omitempty"`
	FirstName        string    `json:"first_name"`
	MiddleName       string    `json:"middle_name,omitempty"`
	LastName         string    `json:"last_name"`
	Gender           string    `json:"gender,omitempty"`
	Age              int       `json:"age,omitempty"`
	HouseholdID      string    `json:"household_id,omitempty"`
	TrainingGroupID  string    `json:"training_group_id,omitempty"`
	Status           string    `json:"status"`
	SendToSalesforce bool      `json:"send_to_salesforce"`
	LastModifiedDate time.Time `json:"last_modified_date"`
	CreatedAt        time.Time `json:"created_at"`
}

// Merge overlays the incoming pull-side values onto the receiver, keeping the
// receiver's identity fields where the incoming record is silent. Inbound
// writes never mark a record for outbound push.
func (p *Participant) Merge(in *Participant) {
	if in.SalesforceID != "" {
		p.SalesforceID = in.SalesforceID
	}
	if in.TNSID != "" {
		p.TNSID = in.TNSID
	}
	p.FirstName = in.FirstName
	p.MiddleName = in.MiddleName
	p.LastName = in.LastName
	p.Gender = in.Gender
	p.Age = in.Age
	p.HouseholdID = in.HouseholdID
	p.TrainingGroupID = in.TrainingGroupID
	if in.Status != "" {
		p.Status = in.Status
	}
	if !in.LastModifiedDate.IsZero() {
		p.LastModifiedDate = in.LastModifiedDate
	}
	p.SendToSalesforce = false
}

// Attendance is the local mirror of a Salesforce attendance record, populated
// by the backfill pull after attendance rows are pushed.
type Attendance struct {
	AttendanceID         string    `json:"attendance_id"`
	ProjectID            string    `json:"project_id"`
	SalesforceID         string    `json:"salesforce_id"`
	ParticipantSFID      string    `json:"participant_sf_id"`
	TrainingSessionSFID  string    `json:"training_session_sf_id"`
	ModuleID             string    `json:"module_id"`
	Attended             bool      `json:"attended"`
	LastModifiedDate     time.Time `json:"last_modified_date"`
	CreatedAt            time.Time `json:"created_at"`
}
