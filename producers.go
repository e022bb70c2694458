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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/model"
)

// StageHouseholdOutbox inserts pre-built household rows for a project and
// fires a push. Rows are delivered by the next drain in insertion order.
func (f *Fieldsync) StageHouseholdOutbox(ctx context.Context, projectID string, rows []*model.HouseholdOutbox) (int, error) {
	if err := f.requireProject(ctx, projectID); err != nil {
		return 0, err
	}
	if err := f.datasource.InsertHouseholdOutbox(ctx, rows); err != nil {
		return 0, err
	}
	f.dispatchPush(ctx, projectID)
	return len(rows), nil
}

// StageAttendanceOutbox inserts pre-built attendance rows for a project and
// fires a push.
func (f *Fieldsync) StageAttendanceOutbox(ctx context.Context, projectID string, rows []*model.AttendanceOutbox) (int, error) {
	if err := f.requireProject(ctx, projectID); err != nil {
		return 0, err
	}
	if err := f.datasource.InsertAttendanceOutbox(ctx, rows); err != nil {
		return 0, err
	}
	f.dispatchPush(ctx, projectID)
	return len(rows), nil
}

// CreateProject registers a project. Pushes only run for projects that are
// active with full attendance enabled.
func (f *Fieldsync) CreateProject(ctx context.Context, p *model.Project) (*model.Project, error) {
	if err := f.datasource.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject returns one project by id.
func (f *Fieldsync) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	project, err := f.datasource.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, errors.Errorf("project %s not found", projectID)
	}
	return project, nil
}

func (f *Fieldsync) requireProject(ctx context.Context, projectID string) error {
	project, err := f.datasource.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return errors.Errorf("project %s not found", projectID)
	}
	return nil
}

// dispatchPush hands the project to the queue when one is wired, falling back
// to a synchronous push otherwise. Dispatch failures are logged, not
// returned; the staged rows stay durable and the recovery sweep picks them up.
func (f *Fieldsync) dispatchPush(ctx context.Context, projectID string) {
	if f.queue != nil {
		if err := f.queue.EnqueuePush(ctx, projectID, ""); err != nil {
			logrus.WithError(err).Errorf("failed to enqueue push for project %s", projectID)
		}
		return
	}
	if _, err := f.RunSequentialOutboxPush(ctx, projectID, ""); err != nil {
		logrus.WithError(err).Errorf("outbox push failed for project %s", projectID)
	}
}
