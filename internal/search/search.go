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

package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/typesense/typesense-go/typesense"
	"github.com/typesense/typesense-go/typesense/api"
)

const (
	CollectionParticipants = "participants"
	CollectionUploadRuns   = "upload_runs"
)

// CollectionConfig holds indexing rules for a collection.
type CollectionConfig struct {
	Schema     *api.CollectionSchema
	IDField    string
	TimeFields []string
}

var collectionConfigs map[string]CollectionConfig

func init() {
	collectionConfigs = map[string]CollectionConfig{
		CollectionParticipants: {
			Schema:     getParticipantSchema(),
			IDField:    "participant_id",
			TimeFields: []string{"created_at", "last_modified_date"},
		},
		CollectionUploadRuns: {
			Schema:     getUploadRunSchema(),
			IDField:    "run_id",
			TimeFields: []string{"started_at", "finished_at"},
		},
	}
}

// TypesenseClient wraps the Typesense client used for field-office search.
type TypesenseClient struct {
	Client *typesense.Client
}

// NewTypesenseClient initializes a Typesense client with circuit breaking.
func NewTypesenseClient(apiKey string, hosts []string) *TypesenseClient {
	client := typesense.NewClient(
		typesense.WithServer(hosts[0]),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(5*time.Second),
		typesense.WithCircuitBreakerMaxRequests(50),
		typesense.WithCircuitBreakerInterval(2*time.Minute),
		typesense.WithCircuitBreakerTimeout(1*time.Minute),
	)
	return &TypesenseClient{Client: client}
}

// EnsureCollectionsExist creates any missing collections.
func (t *TypesenseClient) EnsureCollectionsExist(ctx context.Context) error {
	for name, config := range collectionConfigs {
		if _, err := t.CreateCollection(ctx, config.Schema); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}
	return nil
}

// CreateCollection creates a collection, tolerating ones that already exist.
func (t *TypesenseClient) CreateCollection(ctx context.Context, schema *api.CollectionSchema) (*api.CollectionResponse, error) {
	resp, err := t.Client.Collections().Create(ctx, schema)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, nil
		}
		return nil, err
	}
	return resp, nil
}

// Search runs a query against one collection.
func (t *TypesenseClient) Search(ctx context.Context, collection string, searchParams *api.SearchCollectionParams) (*api.SearchResult, error) {
	return t.Client.Collection(collection).Documents().Search(ctx, searchParams)
}

// HandleNotification upserts a changed row into its collection. Time fields
// are normalized to Unix timestamps and missing schema fields get zero values
// so partial rows never fail indexing.
func (t *TypesenseClient) HandleNotification(ctx context.Context, table string, data map[string]interface{}) error {
	config, ok := collectionConfigs[table]
	if !ok {
		return fmt.Errorf("unknown collection: %s", table)
	}

	t.ensureSchemaFields(config, data)
	t.normalizeTimeFields(config, data)

	return t.upsertDocument(ctx, table, config, data)
}

func (t *TypesenseClient) ensureSchemaFields(config CollectionConfig, data map[string]interface{}) {
	for _, field := range config.Schema.Fields {
		if _, ok := data[field.Name]; !ok {
			isOptional := field.Optional != nil && *field.Optional
			if !isOptional {
				data[field.Name] = getDefaultValue(field.Type)
			}
		}
	}
}

func (t *TypesenseClient) normalizeTimeFields(config CollectionConfig, data map[string]interface{}) {
	for _, field := range config.TimeFields {
		if fieldValue, ok := data[field]; ok {
			switch v := fieldValue.(type) {
			case time.Time:
				data[field] = v.Unix()
			case *time.Time:
				if v != nil {
					data[field] = v.Unix()
				} else {
					delete(data, field)
				}
			case int64:
				// already Unix time
			default:
				data[field] = time.Now().Unix()
			}
		}
	}
}

func (t *TypesenseClient) upsertDocument(ctx context.Context, table string, config CollectionConfig, data map[string]interface{}) error {
	if id, ok := data[config.IDField].(string); ok && id != "" {
		data["id"] = id
	}
	if _, err := t.Client.Collection(table).Documents().Upsert(ctx, data); err != nil {
		return fmt.Errorf("failed to index document in Typesense: %w", err)
	}
	return nil
}

func getDefaultValue(fieldType string) interface{} {
	switch fieldType {
	case "string":
		return ""
	case "int32", "int64":
		return int64(0)
	case "float":
		return float64(0)
	case "bool":
		return false
	case "string[]":
		return []string{}
	default:
		return nil
	}
}

func getParticipantSchema() *api.CollectionSchema {
	facet := true
	sortBy := "created_at"
	optional := true
	return &api.CollectionSchema{
		Name: CollectionParticipants,
		Fields: []api.Field{
			{Name: "participant_id", Type: "string", Facet: &facet},
			{Name: "project_id", Type: "string", Facet: &facet},
			{Name: "salesforce_id", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "tns_id", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "first_name", Type: "string", Facet: &facet},
			{Name: "last_name", Type: "string", Facet: &facet},
			{Name: "gender", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "status", Type: "string", Facet: &facet},
			{Name: "training_group_id", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "created_at", Type: "int64", Facet: &facet},
			{Name: "last_modified_date", Type: "int64", Facet: &facet, Optional: &optional},
		},
		DefaultSortingField: &sortBy,
	}
}

func getUploadRunSchema() *api.CollectionSchema {
	facet := true
	sortBy := "started_at"
	optional := true
	return &api.CollectionSchema{
		Name: CollectionUploadRuns,
		Fields: []api.Field{
			{Name: "run_id", Type: "string", Facet: &facet},
			{Name: "project_id", Type: "string", Facet: &facet},
			{Name: "status", Type: "string", Facet: &facet},
			{Name: "file_name", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "started_at", Type: "int64", Facet: &facet},
			{Name: "finished_at", Type: "int64", Facet: &facet, Optional: &optional},
		},
		DefaultSortingField: &sortBy,
	}
}
