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
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"

	"github.com/farmforce/fieldsync/config"
	redis_db "github.com/farmforce/fieldsync/internal/redis-db"
)

const (
	// PushTaskType is the asynq task type for a sequential outbox push.
	PushTaskType = "outbox:push"

	// IndexTaskType is the asynq task type for search indexing.
	IndexTaskType = "search:index"

	// ScheduledSyncTaskType is the asynq task type enqueued by the scheduler
	// tick.
	ScheduledSyncTaskType = "sync:scheduled"

	// PushQueueName is the asynq queue outbox pushes land on.
	PushQueueName = "outbox_push"

	// IndexQueueName is the asynq queue index tasks land on.
	IndexQueueName = "search_index"
)

// Queue dispatches sync work onto Redis-backed task queues.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// PushTaskPayload is the body of an outbox push task.
type PushTaskPayload struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id,omitempty"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueuePush schedules a sequential outbox push for one project. The task id
// is derived from the project so a push already queued or running for that
// project is not enqueued twice; the staged rows a duplicate request would
// have pushed are drained by the in-flight task instead.
func (q *Queue) EnqueuePush(ctx context.Context, projectID, runID string) error {
	payload, err := json.Marshal(PushTaskPayload{ProjectID: projectID, RunID: runID})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID("push:" + projectID),
		asynq.Queue(PushQueueName),
	}
	task := asynq.NewTask(PushTaskType, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if err == asynq.ErrTaskIDConflict {
			log.Printf(" [*] Push already queued for project %s, skipping", projectID)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued outbox push for project: %s", projectID)
	return nil
}

// queueIndexData enqueues a task to index data in a specified collection.
func (q *Queue) queueIndexData(id string, collection string, data interface{}) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	if cfg.TypeSense.Dns == "" {
		return nil
	}

	payload := map[string]interface{}{
		"collection": collection,
		"payload":    data,
	}

	IPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{asynq.Queue(IndexQueueName)}
	task := asynq.NewTask(IndexTaskType, IPayload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued index data: %+v", id)
	return nil
}
