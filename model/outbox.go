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

import (
	"strings"
	"time"
)

// Outbox status constants. A row is created pending, claimed into processing,
// and ends a pass as sent, failed or dead. Sent is terminal; dead requires a
// manual reset before the row re-enters the pipeline.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusSent       = "sent"
	OutboxStatusFailed     = "failed"
	OutboxStatusDead       = "dead"
)

// OutboxQueue identifies one of the three staged delivery queues.
type OutboxQueue string

const (
	QueueHouseholds   OutboxQueue = "households"
	QueueParticipants OutboxQueue = "participants"
	QueueAttendance   OutboxQueue = "attendance"
)

// MaxOutboxAttempts is the claim budget for a row before it is dead-lettered.
const MaxOutboxAttempts = 5

// HintPrefix marks payload keys that exist only for local resolution
// (row tags, composite keys). They are stripped immediately before a record
// is serialized for Salesforce.
const HintPrefix = "__"

// RowIDHint carries the originating outbox row id through payload
// transformations so positional bulk-call results can be mapped back.
const RowIDHint = HintPrefix + "rowID"

// HouseholdCompositeHint carries the household business key on payloads whose
// Household__c reference is not yet resolved to a Salesforce id.
const HouseholdCompositeHint = HintPrefix + "householdComposite"

// Payload is the key-value body staged for a Salesforce create or update
// call. Keys are Salesforce field names plus local resolution hints.
type Payload map[string]interface{}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// GetString returns the string value for a key, or "" when absent or not a string.
func (p Payload) GetString(key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// StripHints removes every local-resolution key from the payload. It is the
// last transformation before serialization; callers must not reorder records
// after tagging.
func (p Payload) StripHints() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		if strings.HasPrefix(k, HintPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

// OutboxBase holds the columns shared by all three outbox queues.
type OutboxBase struct {
	ID            int64      `json:"id"`
	ProjectID     string     `json:"project_id"`
	UploadRunID   string     `json:"upload_run_id,omitempty"`
	Payload       Payload    `json:"payload"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HouseholdOutbox stages a household create-or-update. The composite business
// key resolves the row to an existing Salesforce household before pushing.
type HouseholdOutbox struct {
	OutboxBase
	FFGID              string `json:"ffg_id"`
	HouseholdNumber    string `json:"household_number"`
	HouseholdComposite string `json:"household_composite"`
	TrainingGroupID    string `json:"training_group_id,omitempty"` // known Salesforce training group id, if any
}

// ParticipantOutbox stages an update of a participant already known to
// Salesforce. The pipeline never creates participants remotely.
type ParticipantOutbox struct {
	OutboxBase
	ParticipantID string `json:"participant_id"`
}

// AttendanceOutbox stages an attendance create-or-update. Participant and
// training-session references are resolved from business keys at push time.
type AttendanceOutbox struct {
	OutboxBase
	ParticipantSalesforceID string `json:"participant_salesforce_id,omitempty"`
	ParticipantTNSID        string `json:"participant_tns_id"`
	FFGID                   string `json:"ffg_id"`
	ModuleID                string `json:"module_id"`
	Attended                bool   `json:"attended"`
}

// FailedRow is the operator-facing view of a failed or dead outbox row,
// surfaced by the progress API.
type FailedRow struct {
	Type        string            `json:"type"`
	ID          int64             `json:"id"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
}

// OutboxCounts aggregates row counts by status for one queue and project.
type OutboxCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Dead       int `json:"dead"`
}

// Total returns the number of rows across every status.
func (c OutboxCounts) Total() int {
	return c.Pending + c.Processing + c.Sent + c.Failed + c.Dead
}

// InFlight returns rows that still need a push pass.
func (c OutboxCounts) InFlight() int {
	return c.Pending + c.Processing
}
