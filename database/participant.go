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
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/farmforce/fieldsync/internal/apierror"
	"github.com/farmforce/fieldsync/model"
)

const participantColumns = `participant_id, project_id, salesforce_id, tns_id, first_name, middle_name, last_name, gender, age, household_id, training_group_id, status, send_to_salesforce, last_modified_date, created_at`

func scanParticipants(rows *sql.Rows) ([]*model.Participant, error) {
	var participants []*model.Participant
	for rows.Next() {
		p := &model.Participant{}
		var tnsID, firstName, middleName, lastName, gender, householdID, trainingGroupID sql.NullString
		var age sql.NullInt64
		err := rows.Scan(
			&p.ParticipantID, &p.ProjectID, &p.SalesforceID, &tnsID,
			&firstName, &middleName, &lastName, &gender, &age,
			&householdID, &trainingGroupID, &p.Status, &p.SendToSalesforce,
			&p.LastModifiedDate, &p.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		p.TNSID = tnsID.String
		p.FirstName = firstName.String
		p.MiddleName = middleName.String
		p.LastName = lastName.String
		p.Gender = gender.String
		p.Age = int(age.Int64)
		p.HouseholdID = householdID.String
		p.TrainingGroupID = trainingGroupID.String
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return participants, nil
}

// GetParticipantsBySalesforceIDs retrieves local participants by remote key.
func (d Datasource) GetParticipantsBySalesforceIDs(ctx context.Context, ids []string) ([]*model.Participant, error) {
	ctx, span := otel.Tracer("Participant").Start(ctx, "Fetching participants by Salesforce id")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM fieldsync.participants
		WHERE salesforce_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve participants", err)
	}
	defer func() { _ = rows.Close() }()

	participants, err := scanParticipants(rows)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan participants", err)
	}
	return participants, nil
}

// GetParticipantsByTNSIDs retrieves local participants by business key.
func (d Datasource) GetParticipantsByTNSIDs(ctx context.Context, tnsIDs []string) ([]*model.Participant, error) {
	ctx, span := otel.Tracer("Participant").Start(ctx, "Fetching participants by TNS id")
	defer span.End()

	if len(tnsIDs) == 0 {
		return nil, nil
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM fieldsync.participants
		WHERE tns_id = ANY($1)
	`, pq.Array(tnsIDs))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve participants", err)
	}
	defer func() { _ = rows.Close() }()

	participants, err := scanParticipants(rows)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan participants", err)
	}
	return participants, nil
}

// GetParticipantsToPush lists a project's participants flagged dirty for
// outbound push.
func (d Datasource) GetParticipantsToPush(ctx context.Context, projectID string) ([]*model.Participant, error) {
	ctx, span := otel.Tracer("Participant").Start(ctx, "Fetching participants flagged for push")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM fieldsync.participants
		WHERE project_id = $1 AND send_to_salesforce = TRUE
		ORDER BY last_modified_date ASC
	`, projectID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve participants to push", err)
	}
	defer func() { _ = rows.Close() }()

	participants, err := scanParticipants(rows)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan participants", err)
	}
	return participants, nil
}

// ClearParticipantSendFlags drops the dirty flag after staging.
func (d Datasource) ClearParticipantSendFlags(ctx context.Context, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE fieldsync.participants
		SET send_to_salesforce = FALSE
		WHERE participant_id = ANY($1)
	`, pq.Array(participantIDs))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to clear participant send flags", err)
	}
	return nil
}

// UpsertParticipantInTx creates or updates a participant keyed by its
// Salesforce id. Pull-side writes always land with send_to_salesforce=false.
func (d Datasource) UpsertParticipantInTx(ctx context.Context, tx *sql.Tx, p *model.Participant) error {
	if p.ParticipantID == "" {
		p.ParticipantID = model.GenerateUUIDWithSuffix("prt")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fieldsync.participants
		(participant_id, project_id, salesforce_id, tns_id, first_name, middle_name, last_name, gender, age, household_id, training_group_id, status, send_to_salesforce, last_modified_date, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, NOW())
		ON CONFLICT (salesforce_id) DO UPDATE SET
			tns_id = EXCLUDED.tns_id,
			first_name = EXCLUDED.first_name,
			middle_name = EXCLUDED.middle_name,
			last_name = EXCLUDED.last_name,
			gender = EXCLUDED.gender,
			age = EXCLUDED.age,
			household_id = EXCLUDED.household_id,
			training_group_id = EXCLUDED.training_group_id,
			status = EXCLUDED.status,
			send_to_salesforce = EXCLUDED.send_to_salesforce,
			last_modified_date = EXCLUDED.last_modified_date
	`, p.ParticipantID, p.ProjectID, p.SalesforceID, p.TNSID,
		p.FirstName, p.MiddleName, p.LastName, p.Gender, p.Age,
		p.HouseholdID, p.TrainingGroupID, p.Status, p.SendToSalesforce, p.LastModifiedDate)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("Participant business key %q is already assigned", p.TNSID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to upsert participant", err)
	}
	return nil
}

// UpdateParticipantInTx updates a participant in place by its local id.
func (d Datasource) UpdateParticipantInTx(ctx context.Context, tx *sql.Tx, p *model.Participant) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE fieldsync.participants
		SET salesforce_id = $2, tns_id = NULLIF($3, ''), first_name = $4, middle_name = $5,
			last_name = $6, gender = $7, age = $8, household_id = NULLIF($9, ''),
			training_group_id = NULLIF($10, ''), status = $11, send_to_salesforce = $12,
			last_modified_date = $13
		WHERE participant_id = $1
	`, p.ParticipantID, p.SalesforceID, p.TNSID, p.FirstName, p.MiddleName,
		p.LastName, p.Gender, p.Age, p.HouseholdID, p.TrainingGroupID,
		p.Status, p.SendToSalesforce, p.LastModifiedDate)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update participant", err)
	}
	return nil
}

// ClearParticipantTNSIDInTx frees a participant's business key. The takeover
// path runs this before upserting the new holder inside the same transaction
// so the unique index never sees both holders at once.
func (d Datasource) ClearParticipantTNSIDInTx(ctx context.Context, tx *sql.Tx, participantID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE fieldsync.participants
		SET tns_id = NULL
		WHERE participant_id = $1
	`, participantID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to clear participant TNS id", err)
	}
	return nil
}
