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
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/farmforce/fieldsync/config"
	"github.com/farmforce/fieldsync/internal/cache"
)

// Package-level singleton; a single pool is shared by the server, the workers
// and the migration command when they run in one process.
var instance *Datasource
var once sync.Once

// Datasource wraps the Postgres connection pool and an optional cache.
type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens the Postgres pool and bootstraps the schema. The inline
// creates are idempotent; versioned changes go through the migrate command.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error ❌: %v", err)
		return nil, err
	}
	if _, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS fieldsync`); err != nil {
		return nil, err
	}
	for _, create := range []func(*sql.DB) error{
		createProjectTable,
		createParticipantTable,
		createAttendanceTable,
		createUploadRunTable,
		createOutboxTables,
		createSyncMetadataTable,
	} {
		if err := create(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func createProjectTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fieldsync.projects (
			id SERIAL PRIMARY KEY,
			project_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			salesforce_id TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			full_attendance_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating projects table: %v", err)
	}
	return err
}

func createParticipantTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fieldsync.participants (
			id SERIAL PRIMARY KEY,
			participant_id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL REFERENCES fieldsync.projects(project_id),
			salesforce_id TEXT NOT NULL UNIQUE,
			tns_id TEXT UNIQUE,
			first_name TEXT,
			middle_name TEXT,
			last_name TEXT,
			gender TEXT,
			age INT,
			household_id TEXT,
			training_group_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			send_to_salesforce BOOLEAN NOT NULL DEFAULT FALSE,
			last_modified_date TIMESTAMP NOT NULL DEFAULT NOW(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating participants table: %v", err)
	}
	return err
}

func createAttendanceTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fieldsync.attendance (
			id SERIAL PRIMARY KEY,
			attendance_id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL REFERENCES fieldsync.projects(project_id),
			salesforce_id TEXT NOT NULL UNIQUE,
			participant_sf_id TEXT,
			training_session_sf_id TEXT,
			module_id TEXT,
			attended BOOLEAN NOT NULL DEFAULT FALSE,
			last_modified_date TIMESTAMP NOT NULL DEFAULT NOW(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating attendance table: %v", err)
	}
	return err
}

func createUploadRunTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fieldsync.upload_runs (
			id SERIAL PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL REFERENCES fieldsync.projects(project_id),
			status TEXT NOT NULL DEFAULT 'running',
			started_at TIMESTAMP NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMP,
			meta JSONB,
			file_url TEXT,
			file_name TEXT,
			file_size BIGINT,
			file_mime TEXT
		)
	`)
	if err != nil {
		log.Printf("Error creating upload_runs table: %v", err)
	}
	return err
}

// createOutboxTables creates the three staged-delivery queues. The common
// columns are identical across queues; only the resolution hints differ.
func createOutboxTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS fieldsync.household_outbox (
			id BIGSERIAL PRIMARY KEY,
			project_id TEXT NOT NULL,
			upload_run_id TEXT,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			ffg_id TEXT NOT NULL,
			household_number TEXT NOT NULL,
			household_composite TEXT NOT NULL,
			training_group_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_household_outbox_claim
			ON fieldsync.household_outbox (project_id, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS fieldsync.participant_outbox (
			id BIGSERIAL PRIMARY KEY,
			project_id TEXT NOT NULL,
			upload_run_id TEXT,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			participant_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participant_outbox_claim
			ON fieldsync.participant_outbox (project_id, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS fieldsync.attendance_outbox (
			id BIGSERIAL PRIMARY KEY,
			project_id TEXT NOT NULL,
			upload_run_id TEXT,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			participant_salesforce_id TEXT,
			participant_tns_id TEXT NOT NULL,
			ffg_id TEXT NOT NULL,
			module_id TEXT NOT NULL,
			attended BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_outbox_claim
			ON fieldsync.attendance_outbox (project_id, status, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			log.Printf("Error creating outbox tables: %v", err)
			return err
		}
	}
	return nil
}

func createSyncMetadataTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fieldsync.sync_metadata (
			id SERIAL PRIMARY KEY,
			object_name TEXT NOT NULL,
			project_id TEXT NOT NULL,
			last_synced_at TIMESTAMP NOT NULL,
			UNIQUE (object_name, project_id)
		)
	`)
	if err != nil {
		log.Printf("Error creating sync_metadata table: %v", err)
	}
	return err
}
