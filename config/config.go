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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	// DEFAULT_SYNC_INTERVAL is the cron spec for the periodic outbox drain.
	DEFAULT_SYNC_INTERVAL = "*/5 * * * *"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"FIELDSYNC_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"FIELDSYNC_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"FIELDSYNC_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"FIELDSYNC_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"FIELDSYNC_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"FIELDSYNC_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"FIELDSYNC_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"FIELDSYNC_REDIS_DNS"`
}

type TypeSenseConfig struct {
	Dns string `json:"dns" envconfig:"FIELDSYNC_TYPESENSE_DNS"`
}

// SalesforceConfig carries the connected-app credentials and API tuning for
// the upstream org. BatchSize bounds sObject collection calls and QueryChunk
// bounds IN-list query predicates.
type SalesforceConfig struct {
	InstanceUrl  string `json:"instance_url" envconfig:"FIELDSYNC_SALESFORCE_INSTANCE_URL"`
	TokenUrl     string `json:"token_url" envconfig:"FIELDSYNC_SALESFORCE_TOKEN_URL"`
	ClientId     string `json:"client_id" envconfig:"FIELDSYNC_SALESFORCE_CLIENT_ID"`
	ClientSecret string `json:"client_secret" envconfig:"FIELDSYNC_SALESFORCE_CLIENT_SECRET"`
	Username     string `json:"username" envconfig:"FIELDSYNC_SALESFORCE_USERNAME"`
	Password     string `json:"password" envconfig:"FIELDSYNC_SALESFORCE_PASSWORD"`
	ApiVersion   string `json:"api_version" envconfig:"FIELDSYNC_SALESFORCE_API_VERSION"`
	BatchSize    int    `json:"batch_size" envconfig:"FIELDSYNC_SALESFORCE_BATCH_SIZE"`
	QueryChunk   int    `json:"query_chunk" envconfig:"FIELDSYNC_SALESFORCE_QUERY_CHUNK"`
}

// QueueConfig tunes the outbox drain workers.
type QueueConfig struct {
	ClaimBatchSize int    `json:"claim_batch_size" envconfig:"FIELDSYNC_QUEUE_CLAIM_BATCH_SIZE"`
	SyncSchedule   string `json:"sync_schedule" envconfig:"FIELDSYNC_QUEUE_SYNC_SCHEDULE"`
	Concurrency    int    `json:"concurrency" envconfig:"FIELDSYNC_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"FIELDSYNC_QUEUE_MONITORING_PORT"`
}

type S3Config struct {
	Bucket          string `json:"bucket" envconfig:"FIELDSYNC_S3_BUCKET"`
	Region          string `json:"region" envconfig:"FIELDSYNC_S3_REGION"`
	Endpoint        string `json:"endpoint" envconfig:"FIELDSYNC_S3_ENDPOINT"`
	AccessKeyID     string `json:"access_key_id" envconfig:"FIELDSYNC_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"FIELDSYNC_S3_SECRET_ACCESS_KEY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"FIELDSYNC_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"FIELDSYNC_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"FIELDSYNC_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"FIELDSYNC_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type AnalyticsConfig struct {
	PostHogApiKey string `json:"posthog_api_key" envconfig:"FIELDSYNC_POSTHOG_API_KEY"`
	PostHogHost   string `json:"posthog_host" envconfig:"FIELDSYNC_POSTHOG_HOST"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"FIELDSYNC_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	TypeSense    TypeSenseConfig  `json:"typesense"`
	TypeSenseKey string           `json:"type_sense_key" envconfig:"FIELDSYNC_TYPESENSE_KEY"`
	Salesforce   SalesforceConfig `json:"salesforce"`
	Queue        QueueConfig      `json:"queue"`
	S3           S3Config         `json:"s3"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Analytics    AnalyticsConfig  `json:"analytics"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("fieldsync", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called fieldsync.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "FieldSync Server"
	}

	if cnf.TypeSense.Dns == "" {
		cnf.TypeSense.Dns = "http://typesense:8108"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Salesforce.InstanceUrl = strings.TrimRight(strings.TrimSpace(cnf.Salesforce.InstanceUrl), "/")

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Salesforce.ApiVersion == "" {
		cnf.Salesforce.ApiVersion = "v59.0"
	}
	if cnf.Salesforce.BatchSize <= 0 || cnf.Salesforce.BatchSize > 200 {
		cnf.Salesforce.BatchSize = 200
	}
	if cnf.Salesforce.QueryChunk <= 0 {
		cnf.Salesforce.QueryChunk = 500
	}

	if cnf.Queue.ClaimBatchSize <= 0 {
		cnf.Queue.ClaimBatchSize = 500
	}
	if cnf.Queue.SyncSchedule == "" {
		cnf.Queue.SyncSchedule = DEFAULT_SYNC_INTERVAL
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5173"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
		log.Printf("Warning: Rate limit cleanup interval not specified. Setting default value: %d seconds", defaultCleanup)
	}

	return nil
}

// SyncScheduleOrDefault guards against an empty schedule when callers fetch
// config before InitConfig has run in tests.
func (cnf *Configuration) SyncScheduleOrDefault() string {
	if cnf.Queue.SyncSchedule == "" {
		return DEFAULT_SYNC_INTERVAL
	}
	return cnf.Queue.SyncSchedule
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
