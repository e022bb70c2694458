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
	"fmt"

	"github.com/sirupsen/logrus"
)

// NothingToRetryMessage is returned when no failed or dead rows exist.
const NothingToRetryMessage = "Nothing to retry."

// RetryFailedOutbox flips every failed and dead row across all three queues
// back to pending with a fresh attempt budget, then fires a push for each
// affected project. The reset is an idempotent bulk status flip; calling it
// again once the retried rows have resolved finds nothing to do.
func (f *Fieldsync) RetryFailedOutbox(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "Retrying failed outbox rows")
	defer span.End()

	projects, err := f.datasource.ResetFailedOutbox(ctx)
	if err != nil {
		return "", err
	}
	if len(projects) == 0 {
		return NothingToRetryMessage, nil
	}

	for _, projectID := range projects {
		if f.queue != nil {
			if err := f.queue.EnqueuePush(ctx, projectID, ""); err != nil {
				logrus.WithError(err).Errorf("failed to enqueue retry push for project %s", projectID)
			}
			continue
		}
		if _, err := f.RunSequentialOutboxPush(ctx, projectID, ""); err != nil {
			logrus.WithError(err).Errorf("retry push failed for project %s", projectID)
		}
	}

	return fmt.Sprintf("Retry triggered for %d project(s).", len(projects)), nil
}
