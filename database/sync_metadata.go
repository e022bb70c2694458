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
	"time"

	"github.com/farmforce/fieldsync/internal/apierror"
)

// GetLastSyncedAt returns the incremental-pull watermark for an object and
// project. A zero time means no pull has completed yet.
func (d Datasource) GetLastSyncedAt(ctx context.Context, objectName, projectID string) (time.Time, error) {
	var last time.Time
	err := d.Conn.QueryRowContext(ctx, `
		SELECT last_synced_at FROM fieldsync.sync_metadata
		WHERE object_name = $1 AND project_id = $2
	`, objectName, projectID).Scan(&last)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read sync watermark", err)
	}
	return last, nil
}

// SetLastSyncedAt advances the watermark. Callers only invoke this after the
// fetched batch has been durably upserted.
func (d Datasource) SetLastSyncedAt(ctx context.Context, objectName, projectID string, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO fieldsync.sync_metadata (object_name, project_id, last_synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (object_name, project_id) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at
	`, objectName, projectID, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to advance sync watermark", err)
	}
	return nil
}
