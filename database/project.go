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

	"github.com/farmforce/fieldsync/internal/apierror"
	"github.com/farmforce/fieldsync/model"
)

// GetProject retrieves a project by id.
func (d Datasource) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	p := &model.Project{}
	var salesforceID sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT project_id, name, salesforce_id, active, full_attendance_enabled, created_at
		FROM fieldsync.projects
		WHERE project_id = $1
	`, projectID).Scan(&p.ProjectID, &p.Name, &salesforceID, &p.Active, &p.FullAttendanceEnabled, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Project not found", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve project", err)
	}
	p.SalesforceID = salesforceID.String
	return p, nil
}

// GetActiveProjects lists active projects with full attendance enabled.
// The scheduled push tick fires once per project in this list.
func (d Datasource) GetActiveProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT project_id, name, salesforce_id, active, full_attendance_enabled, created_at
		FROM fieldsync.projects
		WHERE active = TRUE AND full_attendance_enabled = TRUE
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list active projects", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*model.Project
	for rows.Next() {
		p := &model.Project{}
		var salesforceID sql.NullString
		err := rows.Scan(&p.ProjectID, &p.Name, &salesforceID, &p.Active, &p.FullAttendanceEnabled, &p.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan project", err)
		}
		p.SalesforceID = salesforceID.String
		projects = append(projects, p)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over projects", err)
	}
	return projects, nil
}

// CreateProject inserts a new project.
func (d Datasource) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ProjectID == "" {
		p.ProjectID = model.GenerateUUIDWithSuffix("prj")
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO fieldsync.projects (project_id, name, salesforce_id, active, full_attendance_enabled, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NOW())
	`, p.ProjectID, p.Name, p.SalesforceID, p.Active, p.FullAttendanceEnabled)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert project", err)
	}
	return nil
}
