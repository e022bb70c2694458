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

// SyncMetadata stores the incremental-pull high watermark for one Salesforce
// object within one project. It advances only after a fetched batch has been
// durably upserted locally.
type SyncMetadata struct {
	ObjectName   string    `json:"object_name"`
	ProjectID    string    `json:"project_id"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// Project is an agricultural program tracked by FieldSync. Scheduled pushes
// run only for active projects with full attendance enabled.
type Project struct {
	ProjectID             string    `json:"project_id"`
	Name                  string    `json:"name"`
	SalesforceID          string    `json:"salesforce_id,omitempty"`
	Active                bool      `json:"active"`
	FullAttendanceEnabled bool      `json:"full_attendance_enabled"`
	CreatedAt             time.Time `json:"created_at"`
}
