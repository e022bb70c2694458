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
	"github.com/wacul/ptr"

	"github.com/farmforce/fieldsync/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CreateProject is the request body for registering a project.
type CreateProject struct {
	ProjectID             string `json:"project_id"`
	Name                  string `json:"name"`
	SalesforceID          string `json:"salesforce_id"`
	Active                bool   `json:"active"`
	FullAttendanceEnabled bool   `json:"full_attendance_enabled"`
}

// HouseholdRow is one household to stage for push.
type HouseholdRow struct {
	FFGID           string `json:"ffg_id"`
	HouseholdNumber string `json:"household_number"`
	TrainingGroupID string `json:"training_group_id,omitempty"`
}

// StageHouseholds is the request body of the household outbox producer.
type StageHouseholds struct {
	ProjectID string         `json:"project_id"`
	RunID     string         `json:"run_id,omitempty"`
	Rows      []HouseholdRow `json:"rows"`
}

// StageParticipants triggers staging of a project's dirty participants.
type StageParticipants struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id,omitempty"`
}

// AttendanceRow is one attendance record to stage for push. Attended defaults
// to true when omitted; uploads rarely carry explicit absences.
type AttendanceRow struct {
	TNSID        string `json:"tns_id"`
	SalesforceID string `json:"salesforce_id,omitempty"`
	FFGID        string `json:"ffg_id"`
	ModuleID     string `json:"module_id"`
	Attended     *bool  `json:"attended,omitempty"`
}

// StageAttendance is the request body of the attendance outbox producer.
type StageAttendance struct {
	ProjectID string          `json:"project_id"`
	RunID     string          `json:"run_id,omitempty"`
	Rows      []AttendanceRow `json:"rows"`
}

func (p *CreateProject) ValidateCreateProject() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.ProjectID, validation.Required),
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.SalesforceID, validation.Required),
	)
}

func (h *HouseholdRow) Validate() error {
	return validation.ValidateStruct(h,
		validation.Field(&h.FFGID, validation.Required),
		validation.Field(&h.HouseholdNumber, validation.Required),
	)
}

func (s *StageHouseholds) ValidateStageHouseholds() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ProjectID, validation.Required),
		validation.Field(&s.Rows, validation.Required, validation.Each(validation.By(func(value interface{}) error {
			row, ok := value.(HouseholdRow)
			if !ok {
				return validation.NewError("validation_invalid_row", "invalid household row")
			}
			return row.Validate()
		}))),
	)
}

func (s *StageParticipants) ValidateStageParticipants() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ProjectID, validation.Required),
	)
}

func (a *AttendanceRow) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.TNSID, validation.Required),
		validation.Field(&a.FFGID, validation.Required),
		validation.Field(&a.ModuleID, validation.Required),
	)
}

func (s *StageAttendance) ValidateStageAttendance() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ProjectID, validation.Required),
		validation.Field(&s.Rows, validation.Required, validation.Each(validation.By(func(value interface{}) error {
			row, ok := value.(AttendanceRow)
			if !ok {
				return validation.NewError("validation_invalid_row", "invalid attendance row")
			}
			return row.Validate()
		}))),
	)
}

func (p *CreateProject) ToProject() *model.Project {
	return &model.Project{
		ProjectID:             p.ProjectID,
		Name:                  p.Name,
		SalesforceID:          p.SalesforceID,
		Active:                p.Active,
		FullAttendanceEnabled: p.FullAttendanceEnabled,
	}
}

func (s *StageHouseholds) ToOutboxRows() []*model.HouseholdOutbox {
	rows := make([]*model.HouseholdOutbox, 0, len(s.Rows))
	for _, r := range s.Rows {
		name := r.HouseholdNumber
		if len(name) == 1 {
			name = "0" + name
		}
		rows = append(rows, &model.HouseholdOutbox{
			OutboxBase: model.OutboxBase{
				ProjectID:   s.ProjectID,
				UploadRunID: s.RunID,
				Payload:     model.Payload{"Name": name},
			},
			FFGID:              r.FFGID,
			HouseholdNumber:    r.HouseholdNumber,
			HouseholdComposite: model.HouseholdComposite(r.FFGID, r.HouseholdNumber),
			TrainingGroupID:    r.TrainingGroupID,
		})
	}
	return rows
}

func (s *StageAttendance) ToOutboxRows() []*model.AttendanceOutbox {
	rows := make([]*model.AttendanceOutbox, 0, len(s.Rows))
	for _, r := range s.Rows {
		attended := r.Attended
		if attended == nil {
			attended = ptr.Bool(true)
		}
		rows = append(rows, &model.AttendanceOutbox{
			OutboxBase: model.OutboxBase{
				ProjectID:   s.ProjectID,
				UploadRunID: s.RunID,
				Payload:     model.Payload{},
			},
			ParticipantSalesforceID: r.SalesforceID,
			ParticipantTNSID:        r.TNSID,
			FFGID:                   r.FFGID,
			ModuleID:                r.ModuleID,
			Attended:                *attended,
		})
	}
	return rows
}
