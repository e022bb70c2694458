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
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/farmforce/fieldsync/model"
)

func TestCreateUploadRun(t *testing.T) {
	ds, mock := newTestDatasource(t)
	started := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fieldsync.upload_runs")).
		WithArgs("run-1", "proj-1", model.RunStatusRunning, started, []byte("null"), "", "", int64(0), "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := ds.CreateUploadRun(context.Background(), &model.UploadRun{
		RunID:     "run-1",
		ProjectID: "proj-1",
		Status:    model.RunStatusRunning,
		StartedAt: started,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUploadRun(t *testing.T) {
	ds, mock := newTestDatasource(t)
	started := time.Now()
	finished := started.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE run_id = $1")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "project_id", "status", "started_at", "finished_at",
			"meta", "file_url", "file_name", "file_size", "file_mime",
		}).AddRow(
			"run-1", "proj-1", model.RunStatusCompleted, started, finished,
			[]byte(`{"sent":12}`), "https://bucket/uploads/a.csv", "a.csv", int64(512), "text/csv",
		))

	run, err := ds.GetUploadRun(context.Background(), "run-1")
	assert.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, float64(12), run.Meta["sent"])
	assert.Equal(t, "a.csv", run.FileName)
	assert.True(t, run.Finished())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUploadRunNotFound(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE run_id = $1")).
		WithArgs("run-404").
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "project_id", "status", "started_at", "finished_at",
			"meta", "file_url", "file_name", "file_size", "file_mime",
		}))

	run, err := ds.GetUploadRun(context.Background(), "run-404")
	assert.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunningUploadRunFiltersByStatus(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("AND status = 'running'")).
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "project_id", "status", "started_at", "finished_at",
			"meta", "file_url", "file_name", "file_size", "file_mime",
		}).AddRow(
			"run-1", "proj-1", model.RunStatusRunning, time.Now(), nil,
			nil, nil, nil, nil, nil,
		))

	run, err := ds.GetRunningUploadRun(context.Background(), "proj-1")
	assert.NoError(t, err)
	assert.Equal(t, "run-1", run.RunID)
	assert.False(t, run.Finished())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishUploadRunOnlyTouchesRunningRuns(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE run_id = $1 AND status = 'running'")).
		WithArgs("run-1", model.RunStatusCompleted, []byte(`{"sent":3}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ds.FinishUploadRun(context.Background(), "run-1", model.RunStatusCompleted,
		map[string]interface{}{"sent": 3})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUploadRunFile(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("SET file_url = $2, file_name = $3, file_mime = $4, file_size = $5")).
		WithArgs("run-1", "https://bucket/uploads/a.csv", "a.csv", "text/csv", int64(512)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ds.UpdateUploadRunFile(context.Background(), "run-1",
		"https://bucket/uploads/a.csv", "a.csv", "text/csv", 512)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
