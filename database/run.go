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
	"encoding/json"

	"go.opentelemetry.io/otel"

	"github.com/farmforce/fieldsync/internal/apierror"
	"github.com/farmforce/fieldsync/model"
)

// CreateUploadRun inserts a new run in the running state.
func (d Datasource) CreateUploadRun(ctx context.Context, run *model.UploadRun) error {
	ctx, span := otel.Tracer("UploadRun").Start(ctx, "Saving upload run to db")
	defer span.End()

	meta, err := json.Marshal(run.Meta)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid run meta", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO fieldsync.upload_runs
		(run_id, project_id, status, started_at, meta, file_url, file_name, file_size, file_mime)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, 0), NULLIF($9, ''))
	`, run.RunID, run.ProjectID, run.Status, run.StartedAt, meta,
		run.FileURL, run.FileName, run.FileSize, run.FileMime)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert upload run", err)
	}
	return nil
}

const uploadRunColumns = `run_id, project_id, status, started_at, finished_at, meta, file_url, file_name, file_size, file_mime`

func scanUploadRun(row interface {
	Scan(dest ...interface{}) error
}) (*model.UploadRun, error) {
	run := &model.UploadRun{}
	var finishedAt sql.NullTime
	var meta []byte
	var fileURL, fileName, fileMime sql.NullString
	var fileSize sql.NullInt64
	err := row.Scan(
		&run.RunID, &run.ProjectID, &run.Status, &run.StartedAt, &finishedAt,
		&meta, &fileURL, &fileName, &fileSize, &fileMime,
	)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &run.Meta); err != nil {
			return nil, err
		}
	}
	run.FileURL = fileURL.String
	run.FileName = fileName.String
	run.FileSize = fileSize.Int64
	run.FileMime = fileMime.String
	return run, nil
}

// GetUploadRun retrieves a run by its id.
func (d Datasource) GetUploadRun(ctx context.Context, runID string) (*model.UploadRun, error) {
	ctx, span := otel.Tracer("UploadRun").Start(ctx, "Fetching upload run from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+uploadRunColumns+`
		FROM fieldsync.upload_runs
		WHERE run_id = $1
	`, runID)
	run, err := scanUploadRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve upload run", err)
	}
	return run, nil
}

// GetRunningUploadRun retrieves the active run for a project, if any.
// Callers check this before creating a new run so at most one run is ever
// running per project.
func (d Datasource) GetRunningUploadRun(ctx context.Context, projectID string) (*model.UploadRun, error) {
	ctx, span := otel.Tracer("UploadRun").Start(ctx, "Fetching running upload run")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+uploadRunColumns+`
		FROM fieldsync.upload_runs
		WHERE project_id = $1 AND status = 'running'
		ORDER BY started_at DESC
		LIMIT 1
	`, projectID)
	run, err := scanUploadRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve running upload run", err)
	}
	return run, nil
}

// GetLatestUploadRun retrieves the most recent run for a project, if any.
func (d Datasource) GetLatestUploadRun(ctx context.Context, projectID string) (*model.UploadRun, error) {
	ctx, span := otel.Tracer("UploadRun").Start(ctx, "Fetching latest upload run")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+uploadRunColumns+`
		FROM fieldsync.upload_runs
		WHERE project_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, projectID)
	run, err := scanUploadRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve latest upload run", err)
	}
	return run, nil
}

// FinishUploadRun finalizes a run. finished_at is written exactly once: the
// WHERE clause only matches runs still running.
func (d Datasource) FinishUploadRun(ctx context.Context, runID, status string, meta map[string]interface{}) error {
	ctx, span := otel.Tracer("UploadRun").Start(ctx, "Finalizing upload run")
	defer span.End()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid run meta", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		UPDATE fieldsync.upload_runs
		SET status = $2, finished_at = NOW(), meta = $3
		WHERE run_id = $1 AND status = 'running'
	`, runID, status, metaJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to finalize upload run", err)
	}
	return nil
}

// UpdateUploadRunFile records the audit file attachment for a run.
func (d Datasource) UpdateUploadRunFile(ctx context.Context, runID, fileURL, fileName, fileMime string, fileSize int64) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE fieldsync.upload_runs
		SET file_url = $2, file_name = $3, file_mime = $4, file_size = $5
		WHERE run_id = $1
	`, runID, fileURL, fileName, fileMime, fileSize)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update upload run file", err)
	}
	return nil
}
