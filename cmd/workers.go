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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/farmforce/fieldsync"
	"github.com/farmforce/fieldsync/config"
	redis_db "github.com/farmforce/fieldsync/internal/redis-db"
	"github.com/farmforce/fieldsync/internal/search"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// indexData represents the data structure used for indexing data in the system.
// It includes the collection name and the payload which is the data to be indexed.
type indexData struct {
	Collection string                 `json:"collection"`
	Payload    map[string]interface{} `json:"payload"`
}

// processPushTask drains the staged outbox for one project. Returning an error
// hands the task back to asynq for retry; row-level failures are absorbed by
// the run and do not fail the task.
func (b *fieldsyncInstance) processPushTask(ctx context.Context, t *asynq.Task) error {
	var payload fieldsync.PushTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	run, err := b.fieldsync.RunSequentialOutboxPush(ctx, payload.ProjectID, payload.RunID)
	if err != nil {
		logrus.Errorf("outbox push for project %s failed: %v", payload.ProjectID, err)
		return err
	}

	log.Println(" [*] Outbox push finished", payload.ProjectID, run.Status)
	return nil
}

// processScheduledSync is the periodic tick: stage dirty participants, pull
// remote changes for every active project, and re-dispatch any stranded rows.
func (b *fieldsyncInstance) processScheduledSync(ctx context.Context, _ *asynq.Task) error {
	staged, err := b.fieldsync.SyncParticipantsToSalesforce(ctx)
	if err != nil {
		logrus.Errorf("scheduled participant staging failed: %v", err)
	}
	if staged > 0 {
		log.Printf(" [*] Scheduled sync staged %d participants", staged)
	}

	if err := b.fieldsync.PullAllActiveProjects(ctx); err != nil {
		logrus.Errorf("scheduled pull failed: %v", err)
	}

	if _, err := b.fieldsync.RecoverStrandedOutbox(ctx, time.Hour); err != nil {
		logrus.Errorf("scheduled recovery sweep failed: %v", err)
	}
	return nil
}

// indexData indexes data into TypeSense for searchability.
func (b *fieldsyncInstance) indexData(ctx context.Context, t *asynq.Task) error {
	var data indexData

	if err := json.Unmarshal(t.Payload(), &data); err != nil {
		logrus.Error(err)
		return err
	}

	newSearch := search.NewTypesenseClient(b.cnf.TypeSenseKey, []string{b.cnf.TypeSense.Dns})
	err := newSearch.EnsureCollectionsExist(ctx)
	if err != nil {
		log.Printf("Failed to ensure collections exist: %v", err)
		return err
	}

	err = newSearch.HandleNotification(ctx, data.Collection, data.Payload)
	if err != nil {
		log.Println("Error indexing data", err)
		return err
	}

	log.Println(" [*] Data indexed", data.Collection)
	return nil
}

// initializeQueues builds the queue weights. Same-project pushes are already
// serialized by the task id dedupe, so the queues only need fair weighting.
func initializeQueues() map[string]int {
	queues := make(map[string]int)
	queues[fieldsync.PushQueueName] = 3
	queues[fieldsync.IndexQueueName] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: conf.Queue.Concurrency,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *fieldsyncInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(fieldsync.PushTaskType, b.processPushTask)
	mux.HandleFunc(fieldsync.ScheduledSyncTaskType, b.processScheduledSync)
	mux.HandleFunc(fieldsync.IndexTaskType, b.indexData)
}

// initializeScheduler registers the periodic sync tick.
func initializeScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		nil,
	)

	task := asynq.NewTask(fieldsync.ScheduledSyncTaskType, nil, asynq.Queue(fieldsync.PushQueueName))
	entryID, err := scheduler.Register(conf.SyncScheduleOrDefault(), task)
	if err != nil {
		return nil, fmt.Errorf("error registering sync schedule: %v", err)
	}
	log.Printf("Registered scheduled sync %s (%s)", entryID, conf.SyncScheduleOrDefault())
	return scheduler, nil
}

// workerCommands defines the "workers" command to start worker processes.
// The workers consume push, scheduled-sync and index tasks.
func workerCommands(b *fieldsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start fieldsync workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			// Initialize observability (tracing and PostHog)
			phClient, err := initializeObservability(conf)
			if err != nil {
				log.Fatal(err)
			}
			if phClient != nil {
				defer phClient.Close()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			scheduler, err := initializeScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					log.Fatalf("could not run scheduler: %v", err)
				}
			}()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring", //  Optional: if you want to serve asynqmon under a sub-path.
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			// Start asynqmon HTTP server in a new goroutine
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			// The recovery processor backstops the scheduler tick between runs.
			recovery := fieldsync.NewOutboxRecoveryProcessor(b.fieldsync)
			recovery.Start(ctx)
			defer recovery.Stop()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
