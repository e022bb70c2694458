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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/farmforce/fieldsync/model"
)

func TestRetryFailedOutboxNothingToRetry(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	f := newTestFieldsync(ds, &mockSalesforce{})

	msg, err := f.RetryFailedOutbox(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, NothingToRetryMessage, msg)
}

func TestRetryFailedOutboxResetsAndRepushes(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	f := newTestFieldsync(ds, &mockSalesforce{})
	ctx := context.Background()

	row := stageHousehold(t, ds, "proj-1", "FFG-1", "1")
	_, err := ds.ClaimHouseholdBatch(ctx, "proj-1", "run-1", 10)
	assert.NoError(t, err)
	row.Attempts = model.MaxOutboxAttempts
	assert.NoError(t, ds.SetOutboxStatus(ctx, model.QueueHouseholds, []int64{row.ID}, model.OutboxStatusDead))

	msg, err := f.RetryFailedOutbox(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "Retry triggered for 1 project(s).", msg)

	// The reset restored the full attempt budget and the synchronous push
	// delivered the row.
	assert.Equal(t, model.OutboxStatusSent, row.Status)
	assert.Equal(t, 1, row.Attempts)
}

func TestRetryFailedOutboxIsIdempotent(t *testing.T) {
	mockTestConfig()
	ds := newMockDataSource()
	f := newTestFieldsync(ds, &mockSalesforce{})
	ctx := context.Background()

	row := stageHousehold(t, ds, "proj-1", "FFG-1", "1")
	_, err := ds.ClaimHouseholdBatch(ctx, "proj-1", "run-1", 10)
	assert.NoError(t, err)
	assert.NoError(t, ds.SetOutboxStatus(ctx, model.QueueHouseholds, []int64{row.ID}, model.OutboxStatusFailed))

	first, err := f.RetryFailedOutbox(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "Retry triggered for 1 project(s).", first)

	second, err := f.RetryFailedOutbox(ctx)
	assert.NoError(t, err)
	assert.Equal(t, NothingToRetryMessage, second, "a second retry finds nothing left to reset")
}
