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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/typesense/typesense-go/typesense/api"
	"go.opentelemetry.io/otel"

	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/config"
	"github.com/farmforce/fieldsync/database"
	"github.com/farmforce/fieldsync/internal/cache"
	"github.com/farmforce/fieldsync/internal/files"
	redis_db "github.com/farmforce/fieldsync/internal/redis-db"
	"github.com/farmforce/fieldsync/internal/search"
	"github.com/farmforce/fieldsync/salesforce"
)

var tracer = otel.Tracer("fieldsync.sync")

// Fieldsync is the main struct for the sync service. It owns the staged
// outbox push pipeline, the pull-side reconciliation and the task queue.
type Fieldsync struct {
	queue      *Queue
	search     *search.TypesenseClient
	redis      redis.UniversalClient
	datasource database.IDataSource
	salesforce salesforce.Client
	archiver   files.Archiver
	cache      cache.Cache
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewFieldsync initializes a new instance of Fieldsync with the provided
// datasource and Salesforce client. It fetches the configuration and wires up
// the Redis-backed task queue and the search client.
func NewFieldsync(db database.IDataSource, sf salesforce.Client) (*Fieldsync, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	newSearch := search.NewTypesenseClient(configuration.TypeSenseKey, []string{configuration.TypeSense.Dns})

	progressCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}

	var archiver files.Archiver
	if configuration.S3.Bucket != "" {
		archiver, err = files.NewS3Archiver()
		if err != nil {
			logrus.WithError(err).Warn("S3 archiver unavailable, upload files will not be archived")
			archiver = nil
		}
	}

	return &Fieldsync{
		datasource: db,
		salesforce: sf,
		queue:      newQueue,
		redis:      redisClient.Client(),
		search:     newSearch,
		archiver:   archiver,
		cache:      progressCache,
	}, nil
}

// newTestFieldsync builds a service around mocks without touching Redis or
// Typesense. Used by tests only.
func newTestFieldsync(db database.IDataSource, sf salesforce.Client) *Fieldsync {
	return &Fieldsync{datasource: db, salesforce: sf}
}

// Search performs a search on the specified collection using the provided
// query parameters.
func (f *Fieldsync) Search(collection string, query *api.SearchCollectionParams) (interface{}, error) {
	return f.search.Search(context.Background(), collection, query)
}

// Queue exposes the task queue for the HTTP layer and workers.
func (f *Fieldsync) Queue() *Queue {
	return f.queue
}
