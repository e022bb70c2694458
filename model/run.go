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

// Upload run status constants. A run finishes as completed only when every
// staged row for the project reached sent; completed_with_errors records a
// drain that finished with failed or dead rows left behind.
const (
	RunStatusRunning             = "running"
	RunStatusCompleted           = "completed"
	RunStatusCompletedWithErrors = "completed_with_errors"
	RunStatusFailed              = "failed"
	RunStatusCanceled            = "canceled"
)

// UploadRun tracks one end-to-end execution of the sequential outbox push for
// a project, for progress reporting and audit.
type UploadRun struct {
	RunID      string                 `json:"run_id"`
	ProjectID  string                 `json:"project_id"`
	Status     string                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	FileURL    string                 `json:"file_url,omitempty"`
	FileName   string                 `json:"file_name,omitempty"`
	FileSize   int64                  `json:"file_size,omitempty"`
	FileMime   string                 `json:"file_mime,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r *UploadRun) Finished() bool {
	return r.Status != RunStatusRunning
}
