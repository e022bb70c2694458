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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/model"
)

// pushParticipantChunk pushes one chunk of claimed participant rows. The
// pipeline only ever updates participants remotely; rows without a Salesforce
// id fail before any remote call. Rows whose household reference is still a
// composite hint are resolved against the households pushed in the preceding
// phase.
func (f *Fieldsync) pushParticipantChunk(ctx context.Context, rows []*model.ParticipantOutbox) *PushResult {
	ctx, span := tracer.Start(ctx, "Pushing participant chunk")
	defer span.End()

	result := NewPushResult()
	if len(rows) == 0 {
		return result
	}

	var unresolved []string
	for _, row := range rows {
		composite := row.Payload.GetString(model.HouseholdCompositeHint)
		if composite != "" && row.Payload.GetString(ObjectHousehold) == "" {
			unresolved = append(unresolved, composite)
		}
	}

	resolved := map[string]string{}
	if len(unresolved) > 0 {
		var err error
		resolved, err = f.lookupHouseholdIDs(ctx, unresolved)
		if err != nil {
			ids := make([]int64, 0, len(rows))
			for _, row := range rows {
				ids = append(ids, row.ID)
			}
			result.FailAll(ids, fmt.Sprintf("household lookup failed: %v", err))
			return result
		}
	}

	var updates []model.Payload
	for _, row := range rows {
		payload := row.Payload.Clone()
		payload[model.RowIDHint] = row.ID

		if payload.GetString("Id") == "" {
			result.Fail(row.ID, fmt.Sprintf("participant %s has no Salesforce id, cannot update", row.ParticipantID))
			continue
		}

		composite := payload.GetString(model.HouseholdCompositeHint)
		if composite != "" && payload.GetString(ObjectHousehold) == "" {
			sfID, ok := resolved[composite]
			if !ok {
				result.Fail(row.ID, fmt.Sprintf("%s not found for composite %q", ObjectHousehold, composite))
				continue
			}
			payload[ObjectHousehold] = sfID
		}

		updates = append(updates, payload)
	}

	f.pushTagged(ctx, ObjectParticipant, true, updates, result)
	return result
}

// StageParticipants stages every dirty participant of a project into the
// participant outbox and clears their dirty flags. Participants Salesforce
// has never seen are skipped; this pipeline does not create them remotely.
func (f *Fieldsync) StageParticipants(ctx context.Context, projectID, runID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Staging participants for push")
	defer span.End()

	participants, err := f.datasource.GetParticipantsToPush(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if len(participants) == 0 {
		return 0, nil
	}

	var rows []*model.ParticipantOutbox
	var staged []string
	for _, p := range participants {
		if p.SalesforceID == "" {
			logrus.Warnf("participant %s has no Salesforce id, skipping staging", p.ParticipantID)
			continue
		}

		payload := model.Payload{
			"Id":            p.SalesforceID,
			"First_Name__c": p.FirstName,
			"Last_Name__c":  p.LastName,
			"Gender__c":     p.Gender,
			"Status__c":     p.Status,
			FieldTNSID:      p.TNSID,
		}
		if p.MiddleName != "" {
			payload["Middle_Name__c"] = p.MiddleName
		}
		if p.Age > 0 {
			payload["Age__c"] = p.Age
		}
		if p.HouseholdID != "" {
			payload[ObjectHousehold] = p.HouseholdID
		}
		if p.TrainingGroupID != "" {
			payload[ObjectTrainingGroup] = p.TrainingGroupID
		}

		rows = append(rows, &model.ParticipantOutbox{
			OutboxBase: model.OutboxBase{
				ProjectID:   projectID,
				UploadRunID: runID,
				Payload:     payload,
			},
			ParticipantID: p.ParticipantID,
		})
		staged = append(staged, p.ParticipantID)
	}

	if err := f.datasource.InsertParticipantOutbox(ctx, rows); err != nil {
		return 0, err
	}
	if err := f.datasource.ClearParticipantSendFlags(ctx, staged); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SyncParticipantsToSalesforce stages dirty participants for every active
// project and fires a push for each project that had rows to stage. Returns
// the total number of rows staged.
func (f *Fieldsync) SyncParticipantsToSalesforce(ctx context.Context) (int, error) {
	projects, err := f.datasource.GetActiveProjects(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, project := range projects {
		if !project.FullAttendanceEnabled {
			continue
		}
		staged, err := f.StageParticipants(ctx, project.ProjectID, "")
		if err != nil {
			logrus.WithError(err).Errorf("failed to stage participants for project %s", project.ProjectID)
			continue
		}
		if staged == 0 {
			continue
		}
		total += staged

		if f.queue != nil {
			if err := f.queue.EnqueuePush(ctx, project.ProjectID, ""); err != nil {
				logrus.WithError(err).Errorf("failed to enqueue push for project %s", project.ProjectID)
			}
			continue
		}
		if _, err := f.RunSequentialOutboxPush(ctx, project.ProjectID, ""); err != nil {
			logrus.WithError(err).Errorf("outbox push failed for project %s", project.ProjectID)
		}
	}
	return total, nil
}
