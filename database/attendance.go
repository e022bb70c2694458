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

package database

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/farmforce/fieldsync/internal/apierror"
	"github.com/farmforce/fieldsync/model"
)

// UpsertAttendance mirrors pulled attendance records locally, keyed by their
// Salesforce id.
func (d Datasource) UpsertAttendance(ctx context.Context, records []*model.Attendance) error {
	ctx, span := otel.Tracer("Attendance").Start(ctx, "Upserting attendance mirror")
	defer span.End()

	if len(records) == 0 {
		return nil
	}
	txn, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin attendance upsert", err)
	}
	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO fieldsync.attendance
		(attendance_id, project_id, salesforce_id, participant_sf_id, training_session_sf_id, module_id, attended, last_modified_date, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, NOW())
		ON CONFLICT (salesforce_id) DO UPDATE SET
			participant_sf_id = EXCLUDED.participant_sf_id,
			training_session_sf_id = EXCLUDED.training_session_sf_id,
			module_id = EXCLUDED.module_id,
			attended = EXCLUDED.attended,
			last_modified_date = EXCLUDED.last_modified_date
	`)
	if err != nil {
		_ = txn.Rollback()
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prepare attendance upsert", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, rec := range records {
		if rec.AttendanceID == "" {
			rec.AttendanceID = model.GenerateUUIDWithSuffix("att")
		}
		_, err := stmt.ExecContext(ctx,
			rec.AttendanceID, rec.ProjectID, rec.SalesforceID,
			rec.ParticipantSFID, rec.TrainingSessionSFID, rec.ModuleID,
			rec.Attended, rec.LastModifiedDate,
		)
		if err != nil {
			_ = txn.Rollback()
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to upsert attendance record", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit attendance upsert", err)
	}
	return nil
}
