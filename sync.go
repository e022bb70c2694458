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
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/model"
	"github.com/farmforce/fieldsync/salesforce"
)

// sfTimeLayout is the timestamp format Salesforce returns in query results.
const sfTimeLayout = "2006-01-02T15:04:05.000-0700"

func parseSFTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(sfTimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// sfTimestamp renders a time as a SOQL datetime literal.
func sfTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func stringField(record map[string]interface{}, field string) string {
	s, _ := record[field].(string)
	return s
}

const participantFields = "Id, TNS_Id__c, First_Name__c, Middle_Name__c, Last_Name__c, Gender__c, Age__c, Household__c, Training_Group__c, Status__c, LastModifiedDate"

// participantFromRecord maps one pulled Salesforce record to the local mirror
// shape.
func participantFromRecord(record map[string]interface{}, projectID string) *model.Participant {
	age := 0
	if v, ok := record["Age__c"].(float64); ok {
		age = int(v)
	}
	return &model.Participant{
		ProjectID:        projectID,
		SalesforceID:     stringField(record, "Id"),
		TNSID:            stringField(record, FieldTNSID),
		FirstName:        stringField(record, "First_Name__c"),
		MiddleName:       stringField(record, "Middle_Name__c"),
		LastName:         stringField(record, "Last_Name__c"),
		Gender:           stringField(record, "Gender__c"),
		Age:              age,
		HouseholdID:      stringField(record, ObjectHousehold),
		TrainingGroupID:  stringField(record, ObjectTrainingGroup),
		Status:           strings.ToLower(stringField(record, "Status__c")),
		LastModifiedDate: parseSFTime(record["LastModifiedDate"]),
	}
}

// RefreshParticipants pulls every participant of a project from Salesforce
// and reconciles them into the local mirror. The orchestrator runs it between
// the participant and attendance phases so household links Salesforce
// assigned during this run are visible before attendance resolution.
func (f *Fieldsync) RefreshParticipants(ctx context.Context, projectID string) error {
	ctx, span := tracer.Start(ctx, "Refreshing participants from Salesforce")
	defer span.End()

	project, err := f.datasource.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return errors.Errorf("project %s not found", projectID)
	}

	soql := fmt.Sprintf("SELECT %s FROM %s WHERE Project__c = '%s'",
		participantFields, ObjectParticipant, salesforce.EscapeQuotes(project.SalesforceID))
	records, err := salesforce.QueryAll(ctx, f.salesforce, soql)
	if err != nil {
		return errors.Wrap(err, "participant refresh query failed")
	}

	incoming := make([]*model.Participant, 0, len(records))
	for _, record := range records {
		incoming = append(incoming, participantFromRecord(record, projectID))
	}

	if err := f.UpsertParticipantsSmart(ctx, incoming); err != nil {
		return err
	}
	logrus.Infof("refreshed %d participants for project %s", len(incoming), projectID)
	return nil
}

// PullParticipants runs the incremental participant pull, bounded below by
// the stored watermark. The watermark only advances after the whole batch is
// durably reconciled, so a crash mid-pull re-pulls rather than skips.
func (f *Fieldsync) PullParticipants(ctx context.Context, projectID string) error {
	ctx, span := tracer.Start(ctx, "Pulling changed participants")
	defer span.End()

	project, err := f.datasource.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return errors.Errorf("project %s not found", projectID)
	}

	since, err := f.datasource.GetLastSyncedAt(ctx, ObjectParticipant, projectID)
	if err != nil {
		return err
	}

	soql := fmt.Sprintf("SELECT %s FROM %s WHERE Project__c = '%s' AND LastModifiedDate > %s ORDER BY LastModifiedDate ASC",
		participantFields, ObjectParticipant, salesforce.EscapeQuotes(project.SalesforceID), sfTimestamp(since))
	records, err := salesforce.QueryAll(ctx, f.salesforce, soql)
	if err != nil {
		return errors.Wrap(err, "participant pull query failed")
	}
	if len(records) == 0 {
		return nil
	}

	incoming := make([]*model.Participant, 0, len(records))
	watermark := since
	for _, record := range records {
		p := participantFromRecord(record, projectID)
		incoming = append(incoming, p)
		if p.LastModifiedDate.After(watermark) {
			watermark = p.LastModifiedDate
		}
	}

	if err := f.UpsertParticipantsSmart(ctx, incoming); err != nil {
		return err
	}
	if err := f.datasource.SetLastSyncedAt(ctx, ObjectParticipant, projectID, watermark); err != nil {
		return err
	}
	logrus.Infof("pulled %d changed participants for project %s", len(incoming), projectID)
	return nil
}

// BackfillAttendance pulls attendance records modified since the watermark
// into the local mirror. It runs after the attendance drain so the rows just
// pushed come back with their Salesforce ids.
func (f *Fieldsync) BackfillAttendance(ctx context.Context, projectID string) error {
	ctx, span := tracer.Start(ctx, "Backfilling attendance from Salesforce")
	defer span.End()

	project, err := f.datasource.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return errors.Errorf("project %s not found", projectID)
	}

	since, err := f.datasource.GetLastSyncedAt(ctx, ObjectAttendance, projectID)
	if err != nil {
		return err
	}

	soql := fmt.Sprintf(
		"SELECT Id, %s, %s, %s, Attended__c, LastModifiedDate FROM %s WHERE Participant__r.Project__c = '%s' AND LastModifiedDate > %s ORDER BY LastModifiedDate ASC",
		ObjectParticipant, ObjectTrainingSession, FieldModule, ObjectAttendance,
		salesforce.EscapeQuotes(project.SalesforceID), sfTimestamp(since))
	records, err := salesforce.QueryAll(ctx, f.salesforce, soql)
	if err != nil {
		return errors.Wrap(err, "attendance backfill query failed")
	}
	if len(records) == 0 {
		return nil
	}

	rows := make([]*model.Attendance, 0, len(records))
	watermark := since
	for _, record := range records {
		attended, _ := record["Attended__c"].(bool)
		row := &model.Attendance{
			AttendanceID:        model.GenerateUUIDWithSuffix("att"),
			ProjectID:           projectID,
			SalesforceID:        stringField(record, "Id"),
			ParticipantSFID:     stringField(record, ObjectParticipant),
			TrainingSessionSFID: stringField(record, ObjectTrainingSession),
			ModuleID:            stringField(record, FieldModule),
			Attended:            attended,
			LastModifiedDate:    parseSFTime(record["LastModifiedDate"]),
		}
		rows = append(rows, row)
		if row.LastModifiedDate.After(watermark) {
			watermark = row.LastModifiedDate
		}
	}

	if err := f.datasource.UpsertAttendance(ctx, rows); err != nil {
		return err
	}
	if err := f.datasource.SetLastSyncedAt(ctx, ObjectAttendance, projectID, watermark); err != nil {
		return err
	}
	logrus.Infof("backfilled %d attendance rows for project %s", len(rows), projectID)
	return nil
}

// PullAllActiveProjects runs the incremental pulls for every active project.
// The scheduled sync tick uses this to keep idle projects' mirrors fresh even
// when nothing is staged for push. One project's pull failure never blocks
// another's.
func (f *Fieldsync) PullAllActiveProjects(ctx context.Context) error {
	projects, err := f.datasource.GetActiveProjects(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		if !project.FullAttendanceEnabled {
			continue
		}
		if err := f.PullParticipants(ctx, project.ProjectID); err != nil {
			logrus.WithError(err).Errorf("participant pull failed for project %s", project.ProjectID)
		}
		if err := f.BackfillAttendance(ctx, project.ProjectID); err != nil {
			logrus.WithError(err).Errorf("attendance backfill failed for project %s", project.ProjectID)
		}
	}
	return nil
}
